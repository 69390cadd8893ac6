package engine

import "fmt"

// ServerStatus is the live power state of a server, always queried from
// the provider. It is never persisted: the state store remembers identity
// only, so stored state cannot drift from reality.
type ServerStatus string

const (
	// StatusNotFound means the provider has no resource for the identity.
	// It is a normal query result, not an error.
	StatusNotFound ServerStatus = "not_found"

	// StatusStopped means the server exists and is powered off.
	StatusStopped ServerStatus = "stopped"

	// StatusRunning means the server is powered on.
	StatusRunning ServerStatus = "running"

	// StatusStarting means the server is booting or being provisioned.
	StatusStarting ServerStatus = "starting"

	// StatusStopping means the server is shutting down.
	StatusStopping ServerStatus = "stopping"
)

// IsTransitional reports whether the status will settle on its own.
func (s ServerStatus) IsTransitional() bool {
	return s == StatusStarting || s == StatusStopping
}

// Validate checks the status is a known value.
func (s ServerStatus) Validate() error {
	switch s {
	case StatusNotFound, StatusStopped, StatusRunning, StatusStarting, StatusStopping:
		return nil
	default:
		return fmt.Errorf("invalid server status: %s", s)
	}
}

// TeardownDepth selects how far Down goes.
type TeardownDepth string

const (
	// DepthStopOnly stops containers and leaves servers running. The
	// default: stop the app, keep paying for a warm server.
	DepthStopOnly TeardownDepth = "stop"

	// DepthSuspend additionally powers servers off.
	DepthSuspend TeardownDepth = "suspend"

	// DepthDestroy additionally destroys servers and their DNS records.
	DepthDestroy TeardownDepth = "destroy"
)

// Validate checks that the depth is one of the known values.
func (d TeardownDepth) Validate() error {
	_, err := ParseTeardownDepth(string(d))
	return err
}

// ParseTeardownDepth converts a CLI string to a TeardownDepth.
func ParseTeardownDepth(s string) (TeardownDepth, error) {
	switch TeardownDepth(s) {
	case DepthStopOnly, DepthSuspend, DepthDestroy:
		return TeardownDepth(s), nil
	default:
		return "", fmt.Errorf("invalid teardown depth %q (want stop, suspend or destroy)", s)
	}
}

// ActionType is a pending operation computed by the dry-run planner.
type ActionType string

const (
	ActionCreate       ActionType = "create"
	ActionPowerOn      ActionType = "power_on"
	ActionWait         ActionType = "wait"
	ActionEnsureRecord ActionType = "ensure_record"
	ActionNoop         ActionType = "noop"
)
