package compose

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/stores"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*stores.StateEntry
}

func (f *fakeStore) Get(key string) (*stores.StateEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return entry, nil
}

func (f *fakeStore) Put(entry *stores.StateEntry) error { return nil }
func (f *fakeStore) Remove(key string) error            { return nil }
func (f *fakeStore) List(prefix string) ([]*stores.StateEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeRemote struct {
	mu       sync.Mutex
	commands []string
	addrs    []string
}

func (f *fakeRemote) Run(ctx context.Context, srv *config.ServerResource, addr, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.addrs = append(f.addrs, addr)
	return "", nil
}

func testProject() *config.Project {
	return &config.Project{
		Name: "myapp",
		Stages: []config.Stage{
			{
				Name: "production",
				Servers: []config.ServerResource{
					{
						Name:       "web-1",
						Provider:   "hcloud",
						User:       "root",
						Port:       22,
						DeployPath: "/srv/myapp",
					},
				},
				Services: []string{"web", "worker"},
			},
		},
	}
}

func TestRemoteComposeCommand(t *testing.T) {
	store := &fakeStore{entries: map[string]*stores.StateEntry{
		stores.Key("hcloud", "server", "web-1"): {
			Key:       stores.Key("hcloud", "server", "web-1"),
			Identity:  "12345",
			Addresses: stores.Addresses{IPv4: "192.0.2.10"},
		},
	}}
	remote := &fakeRemote{}
	runtime := NewRuntime(testProject(), store, remote, ".", telemetry.NewNopLogger())

	if err := runtime.Up(context.Background(), "production", []string{"web", "worker"}); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	if len(remote.commands) != 1 {
		t.Fatalf("expected 1 remote command, got %d", len(remote.commands))
	}
	cmd := remote.commands[0]
	if !strings.Contains(cmd, "cd '/srv/myapp'") {
		t.Errorf("command does not change to deploy path: %s", cmd)
	}
	if !strings.Contains(cmd, "--project-name 'production'") {
		t.Errorf("command does not scope the compose project: %s", cmd)
	}
	if !strings.Contains(cmd, "up --detach") {
		t.Errorf("command is not an up: %s", cmd)
	}
	if remote.addrs[0] != "192.0.2.10:22" {
		t.Errorf("unexpected dial address %s", remote.addrs[0])
	}
}

func TestRemoteComposeRequiresAddress(t *testing.T) {
	store := &fakeStore{entries: map[string]*stores.StateEntry{}}
	runtime := NewRuntime(testProject(), store, &fakeRemote{}, ".", telemetry.NewNopLogger())

	err := runtime.Up(context.Background(), "production", nil)
	if err == nil {
		t.Fatal("expected an error without a recorded address")
	}
	if !strings.Contains(err.Error(), "no recorded address") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRouteTargetsSingleServer(t *testing.T) {
	project := testProject()
	project.Stages[0].Servers = append(project.Stages[0].Servers, config.ServerResource{
		Name:       "web-2",
		Provider:   "hcloud",
		User:       "root",
		Port:       22,
		DeployPath: "/srv/myapp",
	})
	project.Routes = []config.DeploymentRoute{{Stage: "production", Server: "web-2"}}

	store := &fakeStore{entries: map[string]*stores.StateEntry{
		stores.Key("hcloud", "server", "web-1"): {
			Key:       stores.Key("hcloud", "server", "web-1"),
			Addresses: stores.Addresses{IPv4: "192.0.2.10"},
		},
		stores.Key("hcloud", "server", "web-2"): {
			Key:       stores.Key("hcloud", "server", "web-2"),
			Addresses: stores.Addresses{IPv4: "192.0.2.20"},
		},
	}}
	remote := &fakeRemote{}
	runtime := NewRuntime(project, store, remote, ".", telemetry.NewNopLogger())

	if err := runtime.Up(context.Background(), "production", nil); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if len(remote.commands) != 1 {
		t.Fatalf("routed stage must run on one server, got %d commands", len(remote.commands))
	}
	if remote.addrs[0] != "192.0.2.20:22" {
		t.Errorf("expected the routed server's address, got %s", remote.addrs[0])
	}
}

func TestRouteUnknownServerFails(t *testing.T) {
	project := testProject()
	project.Routes = []config.DeploymentRoute{{Stage: "production", Server: "nonesuch"}}
	runtime := NewRuntime(project, &fakeStore{}, &fakeRemote{}, ".", telemetry.NewNopLogger())

	err := runtime.Up(context.Background(), "production", nil)
	if err == nil {
		t.Fatal("expected an error for a route naming an unknown server")
	}
	if !strings.Contains(err.Error(), "unknown server") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDownUsesStop(t *testing.T) {
	store := &fakeStore{entries: map[string]*stores.StateEntry{
		stores.Key("hcloud", "server", "web-1"): {
			Key:       stores.Key("hcloud", "server", "web-1"),
			Addresses: stores.Addresses{IPv4: "192.0.2.10"},
		},
	}}
	remote := &fakeRemote{}
	runtime := NewRuntime(testProject(), store, remote, ".", telemetry.NewNopLogger())

	if err := runtime.Down(context.Background(), "production", []string{"web"}); err != nil {
		t.Fatalf("Down failed: %v", err)
	}
	if len(remote.commands) != 1 || !strings.Contains(remote.commands[0], " stop ") {
		t.Errorf("expected a stop command, got %v", remote.commands)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("simple"); got != "'simple'" {
		t.Errorf("unexpected quoting %q", got)
	}
	if got := shellQuote("with 'quote'"); got != `'with '\''quote'\'''` {
		t.Errorf("unexpected quoting %q", got)
	}
}
