// Package providers holds the provider registry and the built-in
// server, DNS, and container implementations.
package providers

import (
	"fmt"
	"sync"

	"github.com/stagecraft/stagecraft/pkg/engine"
)

// Registry resolves provider identifiers to implementations. It
// implements engine.ProviderLookup.
type Registry struct {
	// mu protects the registry maps.
	mu sync.RWMutex

	// servers maps provider identifier to server provider.
	servers map[string]engine.ServerProvider

	// dns maps provider identifier to DNS provider.
	dns map[string]engine.DNSProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]engine.ServerProvider),
		dns:     make(map[string]engine.DNSProvider),
	}
}

// RegisterServer registers a server provider under its identifier.
// Re-registering an identifier replaces the previous implementation.
func (r *Registry) RegisterServer(p engine.ServerProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[p.Name()] = p
}

// RegisterDNS registers a DNS provider under its identifier.
func (r *Registry) RegisterDNS(p engine.DNSProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dns[p.Name()] = p
}

// Server resolves a server provider by identifier.
func (r *Registry) Server(name string) (engine.ServerProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.servers[name]
	if !ok {
		return nil, engine.NewError(engine.KindInvalidSpec,
			fmt.Sprintf("server provider %q is not registered", name), nil)
	}
	return p, nil
}

// DNS resolves a DNS provider by identifier.
func (r *Registry) DNS(name string) (engine.DNSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.dns[name]
	if !ok {
		return nil, engine.NewError(engine.KindInvalidSpec,
			fmt.Sprintf("dns provider %q is not registered", name), nil)
	}
	return p, nil
}

// ServerNames lists the registered server provider identifiers.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	return names
}
