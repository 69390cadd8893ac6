package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/stagecraft/pkg/config"
)

// Identity is an opaque provider-assigned resource identity.
type Identity string

// ServerState is the live view of a server as reported by its provider:
// power status plus resolved public addresses once known.
type ServerState struct {
	Status ServerStatus `json:"status"`
	IPv4   string       `json:"ipv4,omitempty"`
	IPv6   string       `json:"ipv6,omitempty"`
}

// RecordType is a DNS record type handled by the DNS capability.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
)

// DNSRecord is one resolved name record.
type DNSRecord struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    RecordType `json:"type"`
	Value   string     `json:"value"`
	Proxied bool       `json:"proxied,omitempty"`
	TTL     int        `json:"ttl,omitempty"`
}

// ServerProvider is the capability set every cloud compute backend
// implements. All operations are idempotent as documented; the registry
// resolves implementations by provider identifier.
type ServerProvider interface {
	// Name returns the provider identifier.
	Name() string

	// Create provisions a server for the resource, or returns the
	// existing identity when a server with the same logical name is
	// already present. It never creates duplicates.
	Create(ctx context.Context, spec *config.ServerResource) (Identity, error)

	// State queries the live power state and addresses. An absent
	// resource yields StatusNotFound, never an error.
	State(ctx context.Context, id Identity) (ServerState, error)

	// PowerOn starts a stopped server. No-op when already running.
	PowerOn(ctx context.Context, id Identity) error

	// PowerOff stops a running server, graceful shutdown first, hard
	// stop after a provider-defined timeout. No-op when already stopped.
	PowerOff(ctx context.Context, id Identity) error

	// Destroy removes the server. Succeeds as a no-op when absent.
	Destroy(ctx context.Context, id Identity) error
}

// DNSProvider is the capability set a name-record backend implements.
type DNSProvider interface {
	// Name returns the provider identifier.
	Name() string

	// EnsureRecord converges one record: create when absent, update when
	// the value differs, no-op when already converged.
	EnsureRecord(ctx context.Context, zone, name string, rtype RecordType, value string, opts RecordOptions) (DNSRecord, error)

	// RemoveRecord deletes a record by name and type. No-op when absent.
	RemoveRecord(ctx context.Context, zone, name string, rtype RecordType) error
}

// RecordOptions carries the optional record attributes.
type RecordOptions struct {
	Proxied bool
	TTL     int
}

// ProviderLookup resolves provider identifiers to implementations.
// Unknown identifiers fail fast at plan time.
type ProviderLookup interface {
	Server(name string) (ServerProvider, error)
	DNS(name string) (DNSProvider, error)
}

// ContainerRuntime realizes the desired container set for a stage. The
// engine treats it as an opaque collaborator; failures surface as
// KindContainerLayer errors.
type ContainerRuntime interface {
	Up(ctx context.Context, stage string, services []string) error
	Down(ctx context.Context, stage string, services []string) error
}

// ReachabilityProbe checks whether a server accepts remote command
// execution. Polled before a remote stage is declared ready.
type ReachabilityProbe interface {
	Reachable(ctx context.Context, spec *config.ServerResource, addr string) bool
}

// Outcome is the result of converging one resource.
type Outcome struct {
	// ResourceKey is the provider:kind:name key.
	ResourceKey string `json:"resource_key"`

	// Operation is what was attempted ("create", "ensure_record", ...).
	Operation string `json:"operation"`

	// Err is nil on success.
	Err error `json:"-"`
}

// ConvergeResult aggregates per-resource outcomes for one operation.
// One failing resource never hides the status of its siblings.
type ConvergeResult struct {
	// RunID identifies this convergence pass in logs and traces.
	RunID string `json:"run_id"`

	// StartedAt is when the pass began.
	StartedAt time.Time `json:"started_at"`

	// Outcomes lists every attempted resource operation in order of
	// completion.
	Outcomes []Outcome `json:"outcomes"`
}

// NewConvergeResult creates an empty result with a fresh run ID.
func NewConvergeResult() *ConvergeResult {
	return &ConvergeResult{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}
}

// Append records an outcome.
func (r *ConvergeResult) Append(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Merge folds another result's outcomes into this one.
func (r *ConvergeResult) Merge(other *ConvergeResult) {
	if other == nil {
		return
	}
	r.Outcomes = append(r.Outcomes, other.Outcomes...)
}

// Failed returns the failed outcomes.
func (r *ConvergeResult) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err folds failures into a single error, nil when everything succeeded.
// Partial success stays visible through Outcomes.
func (r *ConvergeResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == 1 {
		return failed[0].Err
	}
	msgs := make([]string, 0, len(failed))
	for _, o := range failed {
		msgs = append(msgs, o.Err.Error())
	}
	return NewError(KindInternal,
		fmt.Sprintf("convergence finished with %d failures: %s",
			len(failed), strings.Join(msgs, "; ")), nil)
}

// PlannedAction is one pending operation from a dry run.
type PlannedAction struct {
	ResourceKey string     `json:"resource_key"`
	Action      ActionType `json:"action"`
	Reason      string     `json:"reason"`
}

// StageStatus is the report returned by the status operation.
type StageStatus struct {
	Stage   string         `json:"stage"`
	Local   bool           `json:"local"`
	Servers []ServerReport `json:"servers,omitempty"`
}

// ServerReport is the live status of one server plus its converged
// DNS records as remembered by the state store.
type ServerReport struct {
	Name    string      `json:"name"`
	Status  ServerState `json:"status"`
	Records []DNSRecord `json:"records,omitempty"`
}
