// Package engine implements the stage orchestration and cloud convergence
// core: the infra orchestrator driving server and DNS state, and the stage
// orchestrator sequencing infrastructure and container workloads.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a convergence failure for retry and reporting.
type ErrorKind string

const (
	// KindProviderUnavailable is a network or auth failure reaching a
	// backend. Retryable within the bounded backoff, nothing beyond.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindInvalidSpec is a resource request the backend rejects as
	// malformed or unsupported. Fatal, never retried.
	KindInvalidSpec ErrorKind = "invalid_spec"

	// KindQuotaExceeded is a backend limit rejection. Fatal.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindProvisionTimeout is a bounded provisioning or power-transition
	// wait that expired. Distinct from outright failure so the caller
	// can choose to poll again later.
	KindProvisionTimeout ErrorKind = "provision_timeout"

	// KindUnreachableTimeout is a bounded remote-shell reachability wait
	// that expired.
	KindUnreachableTimeout ErrorKind = "unreachable_timeout"

	// KindDNSConvergence wraps a per-record DNS failure. Does not abort
	// convergence of the remaining records in the stage.
	KindDNSConvergence ErrorKind = "dns_convergence"

	// KindStateStoreLocked means another invocation holds the state lock.
	KindStateStoreLocked ErrorKind = "state_store_locked"

	// KindContainerLayer is an opaque passthrough from the container
	// runtime collaborator.
	KindContainerLayer ErrorKind = "container_layer"

	// KindConfirmationRequired gates destroy-depth teardowns that were
	// not explicitly confirmed.
	KindConfirmationRequired ErrorKind = "confirmation_required"

	// KindInternal is an engine bug or unclassified failure.
	KindInternal ErrorKind = "internal"
)

// EngineError is a classified convergence error carrying the resource key
// and operation it applies to.
// nolint:revive // named to distinguish from standard errors, as elsewhere
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ResourceKey is the provider:kind:name key the error applies to.
	ResourceKey string `json:"resource_key,omitempty"`

	// Operation is the operation being performed ("create", "power_on", ...).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying backend error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.ResourceKey != "" {
		msg += fmt.Sprintf(" (resource=%s", e.ResourceKey)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	} else if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches errors by kind.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithResource adds the resource key the error applies to.
func (e *EngineError) WithResource(key string) *EngineError {
	e.ResourceKey = key
	return e
}

// WithOperation adds the failing operation.
func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, KindInternal when unclassified.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error may succeed within the bounded
// backoff already applied by the poll loops.
func IsRetryable(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}

// IsTimeout reports whether the error is one of the bounded-wait kinds.
func IsTimeout(err error) bool {
	k := KindOf(err)
	return k == KindProvisionTimeout || k == KindUnreachableTimeout
}
