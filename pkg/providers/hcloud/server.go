package hcloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/engine"
)

// Provider implements engine.ServerProvider on the Hetzner Cloud API.
type Provider struct {
	client *Client
}

// NewProvider creates the hcloud server provider.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Name implements engine.ServerProvider.
func (p *Provider) Name() string { return "hcloud" }

type server struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	PublicNet publicNet `json:"public_net"`
}

type publicNet struct {
	IPv4 *ipAddress `json:"ipv4"`
	IPv6 *ipAddress `json:"ipv6"`
}

type ipAddress struct {
	IP string `json:"ip"`
}

type serverListResponse struct {
	Servers []server `json:"servers"`
}

type serverResponse struct {
	Server server `json:"server"`
}

type createServerRequest struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	SSHKeys    []string          `json:"ssh_keys,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Location   string            `json:"location,omitempty"`
}

// Create provisions a server, or adopts the existing one with the same
// name. Hetzner enforces name uniqueness per project, so looking the
// name up first makes Create safe to repeat.
func (p *Provider) Create(ctx context.Context, spec *config.ServerResource) (engine.Identity, error) {
	existing, err := p.findByName(ctx, spec.Name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return identityOf(existing), nil
	}

	req := createServerRequest{
		Name:       spec.Name,
		ServerType: spec.Size,
		Image:      spec.Image,
		SSHKeys:    spec.SSHKeys,
		Labels:     map[string]string{"managed-by": "stagecraft"},
		Location:   spec.Options["location"],
	}
	var resp serverResponse
	if err := p.client.do(ctx, http.MethodPost, "/servers", req, &resp); err != nil {
		return "", err
	}
	p.client.log.WithField("server", spec.Name).
		WithField("id", fmt.Sprintf("%d", resp.Server.ID)).
		Info("created hcloud server")
	return identityOf(&resp.Server), nil
}

// State implements engine.ServerProvider. A deleted server yields
// StatusNotFound rather than an error.
func (p *Provider) State(ctx context.Context, id engine.Identity) (engine.ServerState, error) {
	srv, err := p.get(ctx, id)
	if errors.Is(err, errServerNotFound) {
		return engine.ServerState{Status: engine.StatusNotFound}, nil
	}
	if err != nil {
		return engine.ServerState{}, err
	}

	state := engine.ServerState{Status: mapStatus(srv.Status)}
	if srv.PublicNet.IPv4 != nil {
		state.IPv4 = srv.PublicNet.IPv4.IP
	}
	if srv.PublicNet.IPv6 != nil {
		state.IPv6 = hostFromIPv6Net(srv.PublicNet.IPv6.IP)
	}
	return state, nil
}

// PowerOn implements engine.ServerProvider.
func (p *Provider) PowerOn(ctx context.Context, id engine.Identity) error {
	err := p.action(ctx, id, "poweron")
	if errors.Is(err, errServerNotFound) {
		return engine.NewError(engine.KindProviderUnavailable, "server no longer exists", nil)
	}
	return err
}

// PowerOff stops the server, asking the OS to shut down first and
// cutting power only when the server is still up after the grace
// period.
func (p *Provider) PowerOff(ctx context.Context, id engine.Identity) error {
	err := p.action(ctx, id, "shutdown")
	if errors.Is(err, errServerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	deadline := time.Now().Add(gracefulShutdownWait)
	for time.Now().Before(deadline) {
		state, err := p.State(ctx, id)
		if err != nil {
			return err
		}
		if state.Status == engine.StatusStopped || state.Status == engine.StatusNotFound {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	p.client.log.WithField("id", string(id)).Warn("graceful shutdown timed out, cutting power")
	err = p.action(ctx, id, "poweroff")
	if errors.Is(err, errServerNotFound) {
		return nil
	}
	return err
}

// Destroy implements engine.ServerProvider. Deleting an absent server
// succeeds.
func (p *Provider) Destroy(ctx context.Context, id engine.Identity) error {
	err := p.client.do(ctx, http.MethodDelete, "/servers/"+string(id), nil, nil)
	if errors.Is(err, errServerNotFound) {
		return nil
	}
	return err
}

func (p *Provider) get(ctx context.Context, id engine.Identity) (*server, error) {
	var resp serverResponse
	if err := p.client.do(ctx, http.MethodGet, "/servers/"+string(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Server, nil
}

func (p *Provider) findByName(ctx context.Context, name string) (*server, error) {
	var resp serverListResponse
	path := "/servers?name=" + url.QueryEscape(name)
	if err := p.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Servers {
		if resp.Servers[i].Name == name {
			return &resp.Servers[i], nil
		}
	}
	return nil, nil
}

func (p *Provider) action(ctx context.Context, id engine.Identity, action string) error {
	path := fmt.Sprintf("/servers/%s/actions/%s", id, action)
	return p.client.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

func identityOf(s *server) engine.Identity {
	return engine.Identity(fmt.Sprintf("%d", s.ID))
}

// mapStatus folds Hetzner's server statuses onto the engine's state
// machine.
func mapStatus(status string) engine.ServerStatus {
	switch status {
	case "running":
		return engine.StatusRunning
	case "off":
		return engine.StatusStopped
	case "initializing", "starting", "migrating", "rebuilding":
		return engine.StatusStarting
	case "stopping", "deleting":
		return engine.StatusStopping
	default:
		return engine.StatusStarting
	}
}

// hostFromIPv6Net turns the /64 network Hetzner assigns into a usable
// host address, following the convention of using ::1 in the block.
func hostFromIPv6Net(network string) string {
	if i := strings.IndexByte(network, '/'); i >= 0 {
		prefix := network[:i]
		if strings.HasSuffix(prefix, "::") {
			return prefix + "1"
		}
		return prefix
	}
	return network
}
