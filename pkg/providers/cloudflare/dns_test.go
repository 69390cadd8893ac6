package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stagecraft/stagecraft/pkg/engine"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

// fakeAPI is a minimal in-memory Cloudflare v4 API with one zone.
type fakeAPI struct {
	mu       sync.Mutex
	zoneName string
	zoneID   string
	nextID   int
	records  map[string]*dnsRecord

	zoneLookups int
	writes      []string
}

func newFakeAPI(zoneName string) *fakeAPI {
	return &fakeAPI{
		zoneName: zoneName,
		zoneID:   "zone-1",
		records:  make(map[string]*dnsRecord),
	}
}

func (f *fakeAPI) respond(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(apiEnvelope{Success: true, Result: raw})
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /zones", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.zoneLookups++
		if r.URL.Query().Get("name") != f.zoneName {
			f.respond(w, []zone{})
			return
		}
		f.respond(w, []zone{{ID: f.zoneID, Name: f.zoneName}})
	})

	mux.HandleFunc("GET /zones/{zone}/dns_records", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.URL.Query().Get("name")
		rtype := r.URL.Query().Get("type")
		var out []dnsRecord
		for _, rec := range f.records {
			if rec.Name == name && rec.Type == rtype {
				out = append(out, *rec)
			}
		}
		f.respond(w, out)
	})

	mux.HandleFunc("POST /zones/{zone}/dns_records", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var rec dnsRecord
		json.NewDecoder(r.Body).Decode(&rec)
		f.nextID++
		rec.ID = fmt.Sprintf("rec-%d", f.nextID)
		f.records[rec.ID] = &rec
		f.writes = append(f.writes, "create "+rec.Type+" "+rec.Name)
		f.respond(w, rec)
	})

	mux.HandleFunc("PUT /zones/{zone}/dns_records/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var rec dnsRecord
		json.NewDecoder(r.Body).Decode(&rec)
		rec.ID = r.PathValue("id")
		f.records[rec.ID] = &rec
		f.writes = append(f.writes, "update "+rec.Type+" "+rec.Name)
		f.respond(w, rec)
	})

	mux.HandleFunc("DELETE /zones/{zone}/dns_records/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		delete(f.records, id)
		f.writes = append(f.writes, "delete "+id)
		f.respond(w, map[string]string{"id": id})
	})

	return mux
}

func newTestDNS(t *testing.T, api *fakeAPI) *Provider {
	t.Helper()
	ts := httptest.NewServer(api.handler())
	t.Cleanup(ts.Close)
	return NewProvider("test-token", telemetry.NewNopLogger(), WithBaseURL(ts.URL))
}

func TestEnsureRecordCreatesWhenAbsent(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)

	record, err := dns.EnsureRecord(context.Background(), "example.com",
		"app.example.com", engine.RecordA, "192.0.2.10",
		engine.RecordOptions{TTL: 300})
	if err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}
	if record.ID == "" {
		t.Error("created record has no id")
	}
	if record.Value != "192.0.2.10" {
		t.Errorf("unexpected record value %q", record.Value)
	}
	if len(api.writes) != 1 || api.writes[0] != "create A app.example.com" {
		t.Errorf("unexpected writes %v", api.writes)
	}
}

func TestEnsureRecordUpdatesDriftedValue(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)
	ctx := context.Background()

	first, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
		engine.RecordA, "192.0.2.10", engine.RecordOptions{TTL: 300})
	if err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}

	second, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
		engine.RecordA, "192.0.2.99", engine.RecordOptions{TTL: 300})
	if err != nil {
		t.Fatalf("EnsureRecord update failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("update must keep the record id, got %s then %s", first.ID, second.ID)
	}
	if second.Value != "192.0.2.99" {
		t.Errorf("unexpected updated value %q", second.Value)
	}
	if len(api.writes) != 2 || api.writes[1] != "update A app.example.com" {
		t.Errorf("unexpected writes %v", api.writes)
	}
}

func TestEnsureRecordNoopWhenConverged(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)
	ctx := context.Background()

	opts := engine.RecordOptions{TTL: 300}
	if _, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
		engine.RecordA, "192.0.2.10", opts); err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}
	if _, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
		engine.RecordA, "192.0.2.10", opts); err != nil {
		t.Fatalf("repeated EnsureRecord failed: %v", err)
	}

	if len(api.writes) != 1 {
		t.Errorf("converged record must not be rewritten, writes: %v", api.writes)
	}
}

func TestEnsureRecordQualifiesCNAMETarget(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)

	record, err := dns.EnsureRecord(context.Background(), "example.com",
		"www.example.com", engine.RecordCNAME, "app", engine.RecordOptions{TTL: 300})
	if err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}
	if record.Value != "app.example.com" {
		t.Errorf("expected qualified cname target, got %q", record.Value)
	}
}

func TestRemoveRecordAbsentIsNoop(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)

	err := dns.RemoveRecord(context.Background(), "example.com",
		"app.example.com", engine.RecordA)
	if err != nil {
		t.Fatalf("RemoveRecord of absent record failed: %v", err)
	}
	if len(api.writes) != 0 {
		t.Errorf("expected no writes, got %v", api.writes)
	}
}

func TestRemoveRecordDeletesExisting(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)
	ctx := context.Background()

	if _, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
		engine.RecordA, "192.0.2.10", engine.RecordOptions{TTL: 300}); err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}
	if err := dns.RemoveRecord(ctx, "example.com", "app.example.com", engine.RecordA); err != nil {
		t.Fatalf("RemoveRecord failed: %v", err)
	}
	if len(api.records) != 0 {
		t.Errorf("record still present: %v", api.records)
	}
}

func TestZoneIDIsCached(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := dns.EnsureRecord(ctx, "example.com", "app.example.com",
			engine.RecordA, "192.0.2.10", engine.RecordOptions{TTL: 300}); err != nil {
			t.Fatalf("EnsureRecord failed: %v", err)
		}
	}
	if api.zoneLookups != 1 {
		t.Errorf("expected 1 zone lookup, got %d", api.zoneLookups)
	}
}

func TestUnknownZoneIsInvalidSpec(t *testing.T) {
	api := newFakeAPI("example.com")
	dns := newTestDNS(t, api)

	_, err := dns.EnsureRecord(context.Background(), "other.org",
		"app.other.org", engine.RecordA, "192.0.2.10", engine.RecordOptions{})
	if err == nil {
		t.Fatal("expected an error for unmanaged zone")
	}
	if kind := engine.KindOf(err); kind != engine.KindInvalidSpec {
		t.Errorf("expected invalid spec, got %s", kind)
	}
}
