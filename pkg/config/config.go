// Package config provides configuration management for the Tor client.
package config

import (
	"fmt"
	"time"

	"github.com/torbridge/embedded/pkg/autoconfig"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/storage"
)

// Config is the client's construction-time configuration, per spec's
// recognized option set: bridge_url, connection_timeout, circuit_timeout,
// circuit_buffer, max_circuit_lifetime, storage, log.
type Config struct {
	// BridgeURL is the WebSocket URL of the pluggable-transport bridge. Required.
	BridgeURL string

	// ConnectionTimeout bounds the bridge connect handshake (default 15s).
	ConnectionTimeout time.Duration

	// CircuitTimeout bounds the link handshake reaching Handshaked (default 90s).
	CircuitTimeout time.Duration

	// CircuitBuffer is the target circuit pool size; 0 disables pre-creation (default 2).
	CircuitBuffer int

	// MaxCircuitLifetime is the time from allocation to forced disposal
	// (default 600s). Validate replaces 0 with the default; forced disposal
	// cannot be turned off.
	MaxCircuitLifetime time.Duration

	// Storage is the key->bytes store for microdesc and root-cert caches.
	// When nil, NewDefaultStorage is used to build one rooted at the OS
	// temp/data dir for the current platform.
	Storage storage.Store

	// Log is the hierarchical logger sink. When nil, logger.NewDefault() is used.
	Log *logger.Logger
}

// DefaultConfig returns a Config with every option at its spec default
// except BridgeURL, which the caller must set.
func DefaultConfig() *Config {
	return &Config{
		ConnectionTimeout:  15 * time.Second,
		CircuitTimeout:     90 * time.Second,
		CircuitBuffer:      2,
		MaxCircuitLifetime: 600 * time.Second,
	}
}

// NewDefaultStorage builds the default storage.Store: a FileStore rooted at
// the platform's autodetected data directory, under a "tor-state" subdirectory.
func NewDefaultStorage(log *logger.Logger) (storage.Store, error) {
	dataDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		dataDir = "./tor-data"
	}
	dir, err := autoconfig.EnsureSubDir(dataDir, "tor-state")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare storage directory: %w", err)
	}
	return storage.NewFileStore(dir, log)
}

// Validate checks that c's required fields are set and every duration/size
// is non-negative, filling in spec defaults for any timeout or lifetime left
// at zero value. A zero CircuitBuffer is kept: it disables pre-creation.
func (c *Config) Validate() error {
	if c.BridgeURL == "" {
		return fmt.Errorf("BridgeURL is required")
	}
	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("ConnectionTimeout must be non-negative")
	}
	if c.CircuitTimeout < 0 {
		return fmt.Errorf("CircuitTimeout must be non-negative")
	}
	if c.CircuitBuffer < 0 {
		return fmt.Errorf("CircuitBuffer must be non-negative")
	}
	if c.MaxCircuitLifetime < 0 {
		return fmt.Errorf("MaxCircuitLifetime must be non-negative")
	}

	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 15 * time.Second
	}
	if c.CircuitTimeout == 0 {
		c.CircuitTimeout = 90 * time.Second
	}
	if c.MaxCircuitLifetime == 0 {
		c.MaxCircuitLifetime = 600 * time.Second
	}

	return nil
}

// Clone creates a shallow copy of the configuration. Storage and Log are
// shared handles, not deep-copied.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
