// Package cloudflare implements the Cloudflare DNS provider against the
// v4 REST API.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stagecraft/stagecraft/pkg/engine"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Provider implements engine.DNSProvider on the Cloudflare API. Zone
// identifiers are resolved by zone name once and cached for the life of
// the provider.
type Provider struct {
	token   string
	baseURL string
	http    *retryablehttp.Client
	log     *telemetry.Logger

	mu    sync.Mutex
	zones map[string]string
}

// Option adjusts a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// NewProvider creates the Cloudflare DNS provider with the given API
// token.
func NewProvider(token string, log *telemetry.Logger, opts ...Option) *Provider {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil

	p := &Provider{
		token:   token,
		baseURL: defaultBaseURL,
		http:    retryClient,
		log:     log.WithComponent("cloudflare"),
		zones:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements engine.DNSProvider.
func (p *Provider) Name() string { return "cloudflare" }

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl,omitempty"`
}

// EnsureRecord implements engine.DNSProvider: create when absent,
// update in place when the value or attributes drifted, no-op when
// already converged.
func (p *Provider) EnsureRecord(ctx context.Context, zoneName, name string, rtype engine.RecordType, value string, opts engine.RecordOptions) (engine.DNSRecord, error) {
	zoneID, err := p.zoneID(ctx, zoneName)
	if err != nil {
		return engine.DNSRecord{}, err
	}

	fqdn := recordFQDN(name, zoneName)
	if rtype == engine.RecordCNAME {
		value = recordFQDN(value, zoneName)
	}
	existing, err := p.findRecord(ctx, zoneID, fqdn, rtype)
	if err != nil {
		return engine.DNSRecord{}, err
	}

	desired := dnsRecord{
		Type:    string(rtype),
		Name:    fqdn,
		Content: value,
		Proxied: opts.Proxied,
		TTL:     opts.TTL,
	}

	log := p.log.WithField("record", fqdn).WithField("type", string(rtype))
	switch {
	case existing == nil:
		created, err := p.writeRecord(ctx, http.MethodPost,
			fmt.Sprintf("/zones/%s/dns_records", zoneID), desired)
		if err != nil {
			return engine.DNSRecord{}, err
		}
		log.Info("created dns record")
		return toEngineRecord(created), nil

	case existing.Content != value || existing.Proxied != opts.Proxied:
		desired.ID = existing.ID
		updated, err := p.writeRecord(ctx, http.MethodPut,
			fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing.ID), desired)
		if err != nil {
			return engine.DNSRecord{}, err
		}
		log.Info("updated dns record")
		return toEngineRecord(updated), nil

	default:
		log.Debug("dns record already converged")
		return toEngineRecord(existing), nil
	}
}

// RemoveRecord implements engine.DNSProvider. Removing an absent record
// succeeds.
func (p *Provider) RemoveRecord(ctx context.Context, zoneName, name string, rtype engine.RecordType) error {
	zoneID, err := p.zoneID(ctx, zoneName)
	if err != nil {
		return err
	}

	fqdn := recordFQDN(name, zoneName)
	existing, err := p.findRecord(ctx, zoneID, fqdn, rtype)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	path := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing.ID)
	if _, err := p.do(ctx, http.MethodDelete, path, nil); err != nil {
		return err
	}
	p.log.WithField("record", fqdn).WithField("type", string(rtype)).Info("removed dns record")
	return nil
}

// zoneID resolves and caches the zone identifier for a zone name.
func (p *Provider) zoneID(ctx context.Context, zoneName string) (string, error) {
	p.mu.Lock()
	id, ok := p.zones[zoneName]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	result, err := p.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(zoneName), nil)
	if err != nil {
		return "", err
	}
	var zones []zone
	if err := json.Unmarshal(result, &zones); err != nil {
		return "", engine.NewError(engine.KindProviderUnavailable, "failed to decode cloudflare zones", err)
	}
	for _, z := range zones {
		if z.Name == zoneName {
			p.mu.Lock()
			p.zones[zoneName] = z.ID
			p.mu.Unlock()
			return z.ID, nil
		}
	}
	return "", engine.NewError(engine.KindInvalidSpec,
		fmt.Sprintf("zone %q is not managed by this cloudflare account", zoneName), nil)
}

func (p *Provider) findRecord(ctx context.Context, zoneID, fqdn string, rtype engine.RecordType) (*dnsRecord, error) {
	path := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s", zoneID, rtype, url.QueryEscape(fqdn))
	result, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var records []dnsRecord
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, engine.NewError(engine.KindProviderUnavailable, "failed to decode cloudflare records", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (p *Provider) writeRecord(ctx context.Context, method, path string, record dnsRecord) (*dnsRecord, error) {
	result, err := p.do(ctx, method, path, record)
	if err != nil {
		return nil, err
	}
	var written dnsRecord
	if err := json.Unmarshal(result, &written); err != nil {
		return nil, engine.NewError(engine.KindProviderUnavailable, "failed to decode cloudflare record", err)
	}
	return &written, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if p.token == "" {
		return nil, engine.NewError(engine.KindProviderUnavailable,
			"cloudflare api token is not set (CLOUDFLARE_API_TOKEN)", nil)
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, engine.NewError(engine.KindInternal, "failed to encode cloudflare request", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.baseURL+path, payload)
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to build cloudflare request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewError(engine.KindProviderUnavailable, "cloudflare api is unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, engine.NewError(engine.KindProviderUnavailable, "cloudflare rejected the api token", nil)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, engine.NewError(engine.KindProviderUnavailable, "failed to decode cloudflare response", err)
	}
	if !envelope.Success {
		msg := fmt.Sprintf("cloudflare api returned %s", resp.Status)
		if len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, engine.NewError(engine.KindInvalidSpec, msg, nil)
		}
		return nil, engine.NewError(engine.KindProviderUnavailable, msg, nil)
	}
	return envelope.Result, nil
}

func toEngineRecord(r *dnsRecord) engine.DNSRecord {
	return engine.DNSRecord{
		ID:      r.ID,
		Name:    r.Name,
		Type:    engine.RecordType(r.Type),
		Value:   r.Content,
		Proxied: r.Proxied,
		TTL:     r.TTL,
	}
}

// recordFQDN qualifies a record name against its zone unless it already
// is fully qualified.
func recordFQDN(name, zoneName string) string {
	if name == "@" || name == zoneName {
		return zoneName
	}
	if len(name) > len(zoneName) && name[len(name)-len(zoneName)-1] == '.' &&
		name[len(name)-len(zoneName):] == zoneName {
		return name
	}
	return name + "." + zoneName
}
