// Package storage provides the key-value persistence contract used to cache
// microdescriptors, consensus documents, and pinned certificates across
// restarts (spec's persisted-state surface). Production callers may supply
// any Store; FileStore is the batteries-included default, grounded on
// pkg/path's former guard-state persistence: atomic write-to-temp-then-rename,
// 0700 directory / 0600 file permissions.
package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/torbridge/embedded/pkg/logger"
)

// Store is a key-value store over opaque byte values, keyed by hierarchical
// string keys such as "microdesc:<sha256-hex>" or "consensus:<valid-until>".
type Store interface {
	// Get returns the value for key and true, or false if key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put writes value for key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FileStore is a Store backed by one file per key under a directory. Keys are
// hex-encoded to produce safe, collision-free filenames regardless of the
// characters (":", "/") a key like "microdesc:<hash>" contains.
type FileStore struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating dir (mode 0700) if
// it doesn't already exist.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{dir: dir, logger: log.Component("storage")}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".bin")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage get %q: %w", key, err)
	}
	return data, true, nil
}

// Put implements Store, writing via a temp file and atomic rename so a
// crash mid-write never leaves a truncated value on disk.
func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("storage put %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("storage put %q: rename: %w", key, err)
	}
	s.logger.Debug("Stored value", "key", key, "bytes", len(value))
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage delete %q: %w", key, err)
	}
	return nil
}

// List implements Store by decoding every filename back to its key and
// filtering by prefix.
func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage list: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, ".bin"))
		if err != nil {
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
