package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

// Runner executes commands on remote servers over SSH. Connections are
// cached per address and reused across calls; Close drops them all.
// Runner implements engine.ReachabilityProbe.
type Runner struct {
	log *telemetry.Logger

	// privateKeyPath overrides the default key lookup when set.
	privateKeyPath string

	mu      sync.Mutex
	clients map[string]*cryptossh.Client
}

// NewRunner creates a Runner. An empty keyPath falls back to the
// default keys under ~/.ssh.
func NewRunner(keyPath string, log *telemetry.Logger) *Runner {
	return &Runner{
		log:            log.WithComponent("ssh"),
		privateKeyPath: keyPath,
		clients:        make(map[string]*cryptossh.Client),
	}
}

// configFor builds the per-host config from the server resource and its
// dial address.
func (r *Runner) configFor(srv *config.ServerResource, addr string) (*Config, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	cfg := DefaultConfig(host, srv.User)
	if port != "" {
		fmt.Sscanf(port, "%d", &cfg.Port)
	}
	cfg.PrivateKeyPath = r.privateKeyPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run executes a command on the server and returns its combined output.
// The context bounds the whole call including connection establishment.
func (r *Runner) Run(ctx context.Context, srv *config.ServerResource, addr, command string) (string, error) {
	client, err := r.client(ctx, srv, addr)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// The cached connection may have gone stale; drop it and retry
		// once with a fresh one.
		r.drop(addr)
		client, err = r.client(ctx, srv, addr)
		if err != nil {
			return "", err
		}
		session, err = client.NewSession()
		if err != nil {
			return "", fmt.Errorf("failed to open session on %s: %w", addr, err)
		}
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	r.log.WithField("addr", addr).WithField("command", command).Debug("running remote command")

	if err := session.Start(command); err != nil {
		return "", fmt.Errorf("failed to start command on %s: %w", addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return output.String(), fmt.Errorf("command failed on %s: %w: %s", addr, err, output.String())
		}
		return output.String(), nil
	case <-ctx.Done():
		_ = session.Signal(cryptossh.SIGKILL)
		r.drop(addr)
		return output.String(), ctx.Err()
	}
}

// Reachable reports whether the server accepts an SSH session. It is
// the readiness probe polled after provisioning, so failures are
// expected and only logged at debug level.
func (r *Runner) Reachable(ctx context.Context, srv *config.ServerResource, addr string) bool {
	client, err := r.client(ctx, srv, addr)
	if err != nil {
		r.log.WithField("addr", addr).WithError(err).Debug("server not reachable yet")
		return false
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(addr)
		return false
	}
	session.Close()
	return true
}

// client returns the cached connection for addr, dialing when absent.
func (r *Runner) client(ctx context.Context, srv *config.ServerResource, addr string) (*cryptossh.Client, error) {
	r.mu.Lock()
	if client, ok := r.clients[addr]; ok {
		r.mu.Unlock()
		return client, nil
	}
	r.mu.Unlock()

	cfg, err := r.configFor(srv, addr)
	if err != nil {
		return nil, err
	}
	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address(), err)
	}
	sshConn, chans, reqs, err := cryptossh.NewClientConn(conn, cfg.Address(), clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", cfg.Address(), err)
	}
	client := cryptossh.NewClient(sshConn, chans, reqs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[addr]; ok {
		client.Close()
		return existing, nil
	}
	r.clients[addr] = client
	return client, nil
}

// drop closes and forgets the cached connection for addr.
func (r *Runner) drop(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[addr]; ok {
		client.Close()
		delete(r.clients, addr)
	}
}

// Close drops every cached connection.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, client := range r.clients {
		client.Close()
		delete(r.clients, addr)
	}
	return nil
}
