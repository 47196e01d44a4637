package client

import (
	"net/url"
	"testing"

	"github.com/torbridge/embedded/pkg/config"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/storage"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"https default port", "https://example.com/path", "example.com", 443, false},
		{"http default port", "http://example.com/path", "example.com", 80, false},
		{"explicit port", "https://example.com:8443/path", "example.com", 8443, false},
		{"keynet host", "http://abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrstuv.keynet/", "abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrstuv.keynet", 80, false},
		{"no host", "https:///path", "", 0, true},
		{"bad port", "https://example.com:notaport/", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("url.Parse() failed: %v", err)
			}
			host, port, err := hostPort(u)
			if (err != nil) != tt.wantErr {
				t.Fatalf("hostPort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("hostPort() = (%q, %d), want (%q, %d)", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{})
	if err == nil {
		t.Fatal("New() with no BridgeURL should fail validation")
	}
}

func TestNewBuildsClientWithDefaults(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.BridgeURL = "wss://bridge.example.com/ws"
	cfg.Storage = store

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if c.mgr == nil {
		t.Fatal("New() did not build a CircuitManager")
	}
	if c.selector == nil {
		t.Fatal("New() did not build a path.Selector")
	}
}
