package stores

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no entry exists for a resource key.
var ErrNotFound = errors.New("state entry not found")

// LockedError is returned when the state store lock is held by a live
// process of another invocation.
type LockedError struct {
	// Holder describes the lock holder (pid, host, acquisition time).
	Holder LockInfo
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("state store locked by pid %d on %s since %s",
		e.Holder.PID, e.Holder.Hostname, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// LockInfo identifies the holder of the state store lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Addresses are the last-known public addresses of a server resource.
type Addresses struct {
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
}

// StateEntry is one persisted row: the provider-assigned identity of a
// resource plus resource-specific metadata. Power state is deliberately
// not stored; the provider stays the source of truth for it.
type StateEntry struct {
	// Key is the resource key, provider:kind:logical-name.
	Key string `json:"key"`

	// Identity is the opaque provider-assigned identity.
	Identity string `json:"identity"`

	// Addresses are the resolved addresses for server resources.
	Addresses Addresses `json:"addresses,omitempty"`

	// Records maps "TYPE name" to the last-committed state of each DNS
	// record converged on behalf of this resource. Teardown removes
	// exactly what is recorded here.
	Records map[string]RecordState `json:"records,omitempty"`

	// Metadata carries additional provider-specific identifiers.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordState is the persisted view of one converged DNS record.
type RecordState struct {
	ID      string `json:"id"`
	Value   string `json:"value,omitempty"`
	TTL     int    `json:"ttl,omitempty"`
	Proxied bool   `json:"proxied,omitempty"`
}

// Key builds a resource key from provider, resource kind and logical name.
func Key(provider, kind, name string) string {
	return provider + ":" + kind + ":" + name
}

// RecordKey builds the Records map key for a DNS record.
func RecordKey(rtype, name string) string {
	return rtype + " " + name
}

// SplitRecordKey splits a Records map key back into type and name.
func SplitRecordKey(key string) (rtype, name string, ok bool) {
	return strings.Cut(key, " ")
}

// Store is the persistence contract used by the orchestrators. All
// implementations guarantee that a crash mid-write never corrupts
// previously committed entries.
type Store interface {
	// Get retrieves an entry by resource key, ErrNotFound when absent.
	Get(key string) (*StateEntry, error)

	// Put creates or replaces an entry and persists immediately.
	Put(entry *StateEntry) error

	// Remove deletes an entry. Removing an absent key is a no-op.
	Remove(key string) error

	// List returns all entries whose key has the given prefix. An empty
	// prefix returns every entry.
	List(prefix string) ([]*StateEntry, error)

	// Close releases the store lock. Safe to call more than once.
	Close() error
}
