// Package local provides an in-process server backend for development
// stages. Servers exist only in memory, resolve to loopback addresses,
// and transition states instantly. Useful for exercising the converge
// flow without cloud credentials.
package local

import (
	"context"
	"sync"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/engine"
)

// Provider implements engine.ServerProvider against process memory.
type Provider struct {
	mu      sync.Mutex
	servers map[engine.Identity]engine.ServerStatus
}

// NewProvider creates an empty in-memory provider.
func NewProvider() *Provider {
	return &Provider{servers: make(map[engine.Identity]engine.ServerStatus)}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "local" }

// Create registers the server under its logical name. Calling it again
// for the same name returns the existing identity.
func (p *Provider) Create(_ context.Context, spec *config.ServerResource) (engine.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := engine.Identity(spec.Name)
	if _, ok := p.servers[id]; !ok {
		p.servers[id] = engine.StatusRunning
	}
	return id, nil
}

// State reports the in-memory power state. Local servers always answer
// on loopback.
func (p *Provider) State(_ context.Context, id engine.Identity) (engine.ServerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.servers[id]
	if !ok {
		return engine.ServerState{Status: engine.StatusNotFound}, nil
	}
	state := engine.ServerState{Status: status}
	if status == engine.StatusRunning {
		state.IPv4 = "127.0.0.1"
		state.IPv6 = "::1"
	}
	return state, nil
}

// PowerOn marks the server running. No-op when already running.
func (p *Provider) PowerOn(_ context.Context, id engine.Identity) error {
	return p.setStatus(id, engine.StatusRunning)
}

// PowerOff marks the server stopped. No-op when already stopped.
func (p *Provider) PowerOff(_ context.Context, id engine.Identity) error {
	return p.setStatus(id, engine.StatusStopped)
}

// Destroy forgets the server. Succeeds as a no-op when absent.
func (p *Provider) Destroy(_ context.Context, id engine.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.servers, id)
	return nil
}

func (p *Provider) setStatus(id engine.Identity, status engine.ServerStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.servers[id]; !ok {
		return engine.NewError(engine.KindProviderUnavailable,
			"local server "+string(id)+" does not exist", nil)
	}
	p.servers[id] = status
	return nil
}
