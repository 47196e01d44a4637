// Package circuit provides circuit building functionality for the Tor protocol.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torbridge/embedded/pkg/directory"
	torerrors "github.com/torbridge/embedded/pkg/errors"
	"github.com/torbridge/embedded/pkg/keynet"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/path"
)

// maxBuildAttempts bounds how many fresh circuits Build will try before
// giving up, each attempt picking a new guard/middle/exit triple, per
// spec.md's CircuitBuilder step 5.
const maxBuildAttempts = 10

// Builder constructs Tor circuits through the network: it selects a relay
// path, then drives CreateFirstHop/Extend to grow a fresh circuit through
// that path's hops. Two shapes are supported: the standard guard/middle/exit
// triple, and the `.keynet` variant (guard + two middles, the second
// resolved by Ed25519 key match instead of the Exit flag).
type Builder struct {
	logger   *logger.Logger
	manager  *Manager
	selector *path.Selector
	mu       sync.Mutex
}

// NewBuilder creates a new circuit builder backed by manager and selector.
func NewBuilder(manager *Manager, selector *path.Selector, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Builder{
		logger:   log.Component("builder"),
		manager:  manager,
		selector: selector,
	}
}

// Build constructs a circuit able to carry traffic to host:port. For a
// `.keynet` host it resolves the final hop by Ed25519 key match instead of
// ordinary exit selection (spec.md CircuitBuilder step 3); any other host
// goes through the standard guard/middle/exit path.
func (b *Builder) Build(ctx context.Context, host string, port int, timeout time.Duration) (*Circuit, error) {
	if keynet.IsKeynetHost(host) {
		return b.BuildKeynetCircuit(ctx, host, timeout)
	}
	return b.BuildCircuit(ctx, port, timeout)
}

// BuildCircuit selects a guard/middle/exit path able to carry traffic to
// port and builds a 3-hop circuit through it, retrying with a fresh path
// and a fresh circuit up to maxBuildAttempts times on failure.
func (b *Builder) BuildCircuit(ctx context.Context, port int, timeout time.Duration) (*Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxBuildAttempts; attempt++ {
		c, err := b.attemptBuild(ctx, port, timeout)
		if err == nil {
			return c, nil
		}
		lastErr = err
		b.logger.Warn("Circuit build attempt failed", "attempt", attempt, "error", err)
	}

	return nil, torerrors.CircuitBuildExhausted(maxBuildAttempts, lastErr)
}

func (b *Builder) attemptBuild(ctx context.Context, port int, timeout time.Duration) (*Circuit, error) {
	p, err := b.selector.SelectPath(port)
	if err != nil {
		return nil, torerrors.Wrap(torerrors.KindInsufficientRelays, "path selection", err)
	}

	b.logger.Info("Building circuit",
		"guard", p.Guard.Nickname,
		"middle", p.Middle.Nickname,
		"exit", p.Exit.Nickname)

	return b.extendThrough(ctx, timeout, p.Guard, p.Middle, p.Exit)
}

// BuildKeynetCircuit resolves a `.keynet` host to its Ed25519 public key,
// then builds a circuit through a guard and two middles, the second chosen
// by matching that key (spec.md CircuitBuilder step 3), retrying fresh path
// picks up to maxBuildAttempts times.
func (b *Builder) BuildKeynetCircuit(ctx context.Context, host string, timeout time.Duration) (*Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, err := keynet.ParseAddress(host)
	if err != nil {
		return nil, fmt.Errorf("invalid .keynet host %q: %w", host, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxBuildAttempts; attempt++ {
		c, err := b.attemptKeynetBuild(ctx, addr, timeout)
		if err == nil {
			return c, nil
		}
		lastErr = err
		b.logger.Warn("Keynet circuit build attempt failed", "attempt", attempt, "error", err)
		if torerrors.IsKind(err, torerrors.KindKeynetExitNotFound) {
			// No relay will ever match on a retry: fail fast instead of
			// burning the full attempt budget.
			return nil, err
		}
	}

	return nil, torerrors.CircuitBuildExhausted(maxBuildAttempts, lastErr)
}

func (b *Builder) attemptKeynetBuild(ctx context.Context, addr *keynet.Address, timeout time.Duration) (*Circuit, error) {
	guard, err := b.selector.SelectGuard()
	if err != nil {
		return nil, torerrors.Wrap(torerrors.KindInsufficientRelays, "guard selection", err)
	}

	middle, err := b.selector.SelectMiddle(guard)
	if err != nil {
		return nil, torerrors.Wrap(torerrors.KindInsufficientRelays, "first middle selection", err)
	}

	final, err := keynet.ResolveExit(b.selector.MiddleCandidates(), addr.Pubkey)
	if err != nil {
		return nil, err
	}
	if final.Fingerprint == guard.Fingerprint || final.Fingerprint == middle.Fingerprint {
		return nil, torerrors.New(torerrors.KindInsufficientRelays, "resolved .keynet relay collides with guard or middle")
	}

	b.logger.Info("Building keynet circuit",
		"guard", guard.Nickname, "middle", middle.Nickname, "keynet_final", final.Nickname)

	return b.extendThrough(ctx, timeout, guard, middle, final)
}

// extendThrough builds a fresh circuit and extends it through hops in order,
// via CREATE_FAST to the first and EXTEND2 to every hop after it.
func (b *Builder) extendThrough(ctx context.Context, timeout time.Duration, hops ...*directory.Relay) (*Circuit, error) {
	c, err := b.manager.CreateCircuit()
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ext := NewExtension(c, b.logger)

	if err := ext.CreateFirstHop(buildCtx, hops[0]); err != nil {
		c.SetState(StateFailed)
		_ = b.manager.CloseCircuit(c.ID)
		return nil, torerrors.Wrap(torerrors.KindExtendFailed, "failed to create first hop", err)
	}

	for _, hop := range hops[1:] {
		if err := ext.Extend(buildCtx, hop); err != nil {
			c.SetState(StateFailed)
			_ = b.manager.CloseCircuit(c.ID)
			return nil, torerrors.Wrap(torerrors.KindExtendFailed, fmt.Sprintf("failed to extend to %s", hop.Nickname), err)
		}
	}

	c.SetState(StateOpen)
	b.logger.Info("Circuit built successfully", "circuit_id", c.ID, "hops", c.Length())

	return c, nil
}
