package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cryptossh "golang.org/x/crypto/ssh"
)

// writeTestKey generates an unencrypted ed25519 key file and returns
// its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := cryptossh.MarshalPrivateKey(priv, "test key")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("203.0.113.5", "deploy")

	if cfg.Port != 22 {
		t.Errorf("expected default port 22, got %d", cfg.Port)
	}
	if cfg.User != "deploy" {
		t.Errorf("expected user deploy, got %q", cfg.User)
	}
	if cfg.StrictHostKeyChecking {
		t.Error("strict host key checking must default to off for fresh servers")
	}
	if cfg.Address() != "203.0.113.5:22" {
		t.Errorf("unexpected address %q", cfg.Address())
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "missing user",
			mutate:  func(c *Config) { c.User = "" },
			wantErr: "user is required",
		},
		{
			name:    "missing key file",
			mutate:  func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			wantErr: "not found",
		},
		{
			name:    "zero connect timeout",
			mutate:  func(c *Config) { c.ConnectTimeout = 0 },
			wantErr: "connect timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig("203.0.113.5", "root")
			cfg.PrivateKeyPath = keyPath
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBuildClientConfig(t *testing.T) {
	cfg := DefaultConfig("203.0.113.5", "root")
	cfg.PrivateKeyPath = writeTestKey(t)

	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	if clientConfig.User != "root" {
		t.Errorf("unexpected user %q", clientConfig.User)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("expected key auth method, got %d methods", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != cfg.ConnectTimeout {
		t.Errorf("timeout not propagated: %s", clientConfig.Timeout)
	}
}

func TestBuildClientConfigBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig("203.0.113.5", "root")
	cfg.PrivateKeyPath = path

	if _, err := cfg.BuildClientConfig(); err == nil {
		t.Fatal("expected an error for an unparseable key")
	}
}
