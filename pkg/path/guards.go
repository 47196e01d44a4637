// Package path provides guard node persistence for Tor circuits.
//
// Guard persistence is an opt-in extension, not part of CircuitManager's
// hard circuit-lifetime model: it remembers *which* relay previously served
// as a guard so repeated runs prefer it, independent of how long any one
// circuit through that guard is allowed to live.
package path

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/torbridge/embedded/pkg/directory"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/storage"
)

// guardStateKey is the storage.Store key under which guard state is persisted.
const guardStateKey = "guards:state"

// GuardState is the persistent record of guard nodes used across restarts.
type GuardState struct {
	Guards      []GuardEntry `json:"guards"`
	LastUpdated time.Time    `json:"last_updated"`
}

// GuardEntry is one persisted guard node.
type GuardEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Nickname    string    `json:"nickname"`
	Address     string    `json:"address"`
	FirstUsed   time.Time `json:"first_used"`
	LastUsed    time.Time `json:"last_used"`
	Confirmed   bool      `json:"confirmed"`
}

// GuardManager keeps a small set of preferred guard nodes, persisted through
// a storage.Store instead of owning file I/O directly.
type GuardManager struct {
	logger      *logger.Logger
	store       storage.Store
	state       GuardState
	mu          sync.RWMutex
	maxGuards   int
	guardExpiry time.Duration
}

// NewGuardManager creates a guard manager backed by store, loading any
// previously persisted state.
func NewGuardManager(ctx context.Context, store storage.Store, log *logger.Logger) (*GuardManager, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	gm := &GuardManager{
		logger:      log.Component("guards"),
		store:       store,
		maxGuards:   3,                   // Tor typically uses 3 guard nodes
		guardExpiry: 90 * 24 * time.Hour, // 90 days per Tor spec
	}

	if err := gm.load(ctx); err != nil {
		log.Warn("Failed to load guard state", "error", err)
	}

	return gm, nil
}

func (gm *GuardManager) load(ctx context.Context) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	data, ok, err := gm.store.Get(ctx, guardStateKey)
	if err != nil {
		return fmt.Errorf("failed to read guard state: %w", err)
	}
	if !ok {
		return nil
	}

	if err := json.Unmarshal(data, &gm.state); err != nil {
		return fmt.Errorf("failed to parse guard state: %w", err)
	}

	gm.logger.Info("Loaded guard state",
		"guards", len(gm.state.Guards),
		"last_updated", gm.state.LastUpdated)
	return nil
}

// Save persists the current guard state.
func (gm *GuardManager) Save(ctx context.Context) error {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	gm.state.LastUpdated = time.Now()

	data, err := json.MarshalIndent(gm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal guard state: %w", err)
	}

	if err := gm.store.Put(ctx, guardStateKey, data); err != nil {
		return fmt.Errorf("failed to persist guard state: %w", err)
	}

	gm.logger.Debug("Saved guard state", "guards", len(gm.state.Guards))
	return nil
}

// GetGuards returns the persisted guards that haven't expired.
func (gm *GuardManager) GetGuards() []GuardEntry {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	now := time.Now()
	valid := make([]GuardEntry, 0, len(gm.state.Guards))
	for _, guard := range gm.state.Guards {
		if now.Sub(guard.LastUsed) < gm.guardExpiry {
			valid = append(valid, guard)
		}
	}
	return valid
}

// AddGuard adds or refreshes a guard node.
func (gm *GuardManager) AddGuard(relay *directory.Relay) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	now := time.Now()

	for i, guard := range gm.state.Guards {
		if guard.Fingerprint == relay.Fingerprint {
			gm.state.Guards[i].LastUsed = now
			gm.state.Guards[i].Confirmed = true
			gm.logger.Debug("Updated existing guard", "nickname", relay.Nickname)
			return
		}
	}

	if len(gm.state.Guards) >= gm.maxGuards {
		removed := false
		for i, guard := range gm.state.Guards {
			if !guard.Confirmed {
				gm.state.Guards = append(gm.state.Guards[:i], gm.state.Guards[i+1:]...)
				removed = true
				gm.logger.Info("Removed non-confirmed guard to make room", "nickname", guard.Nickname)
				break
			}
		}
		if !removed {
			gm.logger.Debug("Guard limit reached, not adding new guard")
			return
		}
	}

	gm.state.Guards = append(gm.state.Guards, GuardEntry{
		Fingerprint: relay.Fingerprint,
		Nickname:    relay.Nickname,
		Address:     relay.Address,
		FirstUsed:   now,
		LastUsed:    now,
		Confirmed:   false,
	})
	gm.logger.Info("Added new guard", "nickname", relay.Nickname, "fingerprint", relay.Fingerprint)
}

// ConfirmGuard marks a guard as successfully used.
func (gm *GuardManager) ConfirmGuard(fingerprint string) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for i, guard := range gm.state.Guards {
		if guard.Fingerprint == fingerprint {
			gm.state.Guards[i].Confirmed = true
			gm.state.Guards[i].LastUsed = time.Now()
			gm.logger.Info("Confirmed guard", "nickname", guard.Nickname)
			return nil
		}
	}
	return fmt.Errorf("guard not found: %s", fingerprint)
}

// CleanupExpired drops guards whose LastUsed is older than guardExpiry.
func (gm *GuardManager) CleanupExpired() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	now := time.Now()
	valid := make([]GuardEntry, 0, len(gm.state.Guards))
	for _, guard := range gm.state.Guards {
		if now.Sub(guard.LastUsed) < gm.guardExpiry {
			valid = append(valid, guard)
		} else {
			gm.logger.Info("Removing expired guard", "nickname", guard.Nickname, "last_used", guard.LastUsed)
		}
	}
	if len(valid) != len(gm.state.Guards) {
		gm.state.Guards = valid
	}
}

// GuardStats summarizes the guard set.
type GuardStats struct {
	TotalGuards     int
	ConfirmedGuards int
	LastUpdated     time.Time
}

// GetStats returns guard statistics.
func (gm *GuardManager) GetStats() GuardStats {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	confirmed := 0
	for _, guard := range gm.state.Guards {
		if guard.Confirmed {
			confirmed++
		}
	}
	return GuardStats{
		TotalGuards:     len(gm.state.Guards),
		ConfirmedGuards: confirmed,
		LastUpdated:     gm.state.LastUpdated,
	}
}
