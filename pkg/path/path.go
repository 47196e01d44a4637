// Package path selects the sequence of relays (guard, middle, exit) a
// circuit is built through, per tor-spec.txt section 5 and path-spec.txt.
package path

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/torbridge/embedded/pkg/directory"
	"github.com/torbridge/embedded/pkg/logger"
)

// Path is a selected guard/middle/exit triple ready to hand to a circuit builder.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// DirectoryClient is the subset of directory.Client Selector depends on.
// Narrowing to an interface keeps path selection testable without a live
// directory fetch.
type DirectoryClient interface {
	FetchConsensus(ctx context.Context) ([]*directory.Relay, error)
}

// Selector picks relay triples from the most recently fetched consensus.
// It keeps no persistent guard state of its own; long-lived guard pinning
// is GuardManager's job (see guards.go) and callers that want Tor's
// guard-persistence behavior should route selectGuard's candidates through it.
type Selector struct {
	logger *logger.Logger
	client DirectoryClient

	mu     sync.RWMutex
	guards []*directory.Relay
	relays []*directory.Relay
}

// NewSelector creates a relay selector backed by client.
func NewSelector(client DirectoryClient, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{
		logger: log.Component("path"),
		client: client,
	}
}

// UpdateConsensus fetches the current consensus and refreshes the relay
// pools SelectPath draws from. is_middle/is_exit filtering happens at
// selection time; this only partitions by the is_guard-equivalent flag so
// selectGuard has an up-front candidate list.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	relays, err := s.client.FetchConsensus(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch consensus: %w", err)
	}

	valid := make([]*directory.Relay, 0, len(relays))
	guards := make([]*directory.Relay, 0, len(relays)/4+1)
	for _, r := range relays {
		if !hasFlag(r, "Valid") || !hasFlag(r, "Running") {
			continue
		}
		valid = append(valid, r)
		if hasFlag(r, "Guard") {
			guards = append(guards, r)
		}
	}

	s.mu.Lock()
	s.relays = valid
	s.guards = guards
	s.mu.Unlock()

	s.logger.Info("Consensus updated", "relays", len(valid), "guards", len(guards))
	return nil
}

// SelectPath picks a guard/middle/exit triple, each hop distinct, with the
// exit able to carry traffic to the given destination port.
func (s *Selector) SelectPath(port int) (*Path, error) {
	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("guard selection: %w", err)
	}

	exit, err := s.selectExit(port, guard)
	if err != nil {
		return nil, fmt.Errorf("exit selection: %w", err)
	}

	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("middle selection: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard picks a random relay carrying the Guard flag. is_guard per
// path-spec.txt section 2.2 is the presence of that flag in the consensus;
// callers that want sticky guard selection across circuits should consult
// GuardManager before falling back here.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.guards) == 0 {
		return nil, fmt.Errorf("no guard relays available")
	}
	idx, err := randomIndex(len(s.guards))
	if err != nil {
		return nil, err
	}
	return s.guards[idx], nil
}

// selectExit picks a random relay distinct from guard that is_exit for the
// given port: it must carry the Exit flag and, when it publishes an exit
// policy, accept that port. The embedded consensus parser doesn't currently
// retain per-relay exit policies, so the Exit flag is treated as the policy
// until that's wired in.
func (s *Selector) selectExit(port int, guard *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		if !hasFlag(r, "Exit") {
			continue
		}
		if guard != nil && r.Fingerprint == guard.Fingerprint {
			continue
		}
		if !acceptsPort(r, port) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no exit relays available for port %d", port)
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// selectMiddle picks a random relay distinct from both guard and exit.
// is_middle per path-spec.txt has no flag requirement of its own: any
// running, valid relay not already used elsewhere in the path qualifies.
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		if guard != nil && r.Fingerprint == guard.Fingerprint {
			continue
		}
		if exit != nil && r.Fingerprint == exit.Fingerprint {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no middle relay candidates available")
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// SelectGuard exposes selectGuard for callers that need a guard outside the
// ordinary three-hop SelectPath flow (CircuitBuilder's .keynet variant).
func (s *Selector) SelectGuard() (*directory.Relay, error) {
	return s.selectGuard()
}

// SelectMiddle picks a random relay distinct from every relay in exclude.
// Exported for CircuitBuilder's .keynet path, which needs two middles
// instead of the standard guard/middle/exit triple.
func (s *Selector) SelectMiddle(exclude ...*directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(s.relays))
outer:
	for _, r := range s.relays {
		for _, ex := range exclude {
			if ex != nil && r.Fingerprint == ex.Fingerprint {
				continue outer
			}
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no middle relay candidates available")
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// MiddleCandidates returns a snapshot of the current valid/running relay
// pool. is_middle carries no flag requirement of its own (see selectMiddle),
// so this is also the candidate set CircuitBuilder's .keynet resolution
// searches for the requested Ed25519 key.
func (s *Selector) MiddleCandidates() []*directory.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*directory.Relay, len(s.relays))
	copy(out, s.relays)
	return out
}

func hasFlag(r *directory.Relay, flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// acceptsPort reports whether a relay's exit policy (when tracked) allows
// the given port. directory.Relay carries no exit policy, so every
// exit-flagged relay is assumed to accept every port.
func acceptsPort(r *directory.Relay, port int) bool {
	_ = port
	return true
}

// randomIndex returns a uniformly random integer in [0, n) using crypto/rand.
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}

	// Rejection sampling to avoid modulo bias.
	max := uint32(n)
	limit := (^uint32(0) / max) * max
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate random index: %w", err)
		}
		v := binary.BigEndian.Uint32(b[:])
		if v < limit {
			return int(v % max), nil
		}
	}
}
