package manager

import (
	"context"
	"testing"
	"time"

	"github.com/torbridge/embedded/pkg/circuit"
	"github.com/torbridge/embedded/pkg/directory"
	torerrors "github.com/torbridge/embedded/pkg/errors"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/path"
)

// stubDirectoryClient never returns any relays; these tests never need a
// real consensus since they stop short of actually building a circuit.
type stubDirectoryClient struct{}

func (stubDirectoryClient) FetchConsensus(ctx context.Context) ([]*directory.Relay, error) {
	return nil, nil
}

func newTestManager(cfg Config) *Manager {
	selector := path.NewSelector(stubDirectoryClient{}, logger.NewDefault())
	return New(cfg, selector, logger.NewDefault())
}

func TestNewFillsDefaults(t *testing.T) {
	m := newTestManager(Config{})
	if m.cfg.ConnectionTimeout != 15*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 15s", m.cfg.ConnectionTimeout)
	}
	if m.cfg.CircuitTimeout != 90*time.Second {
		t.Errorf("CircuitTimeout = %v, want 90s", m.cfg.CircuitTimeout)
	}
	if m.cfg.CircuitBuildTimeout != 30*time.Second {
		t.Errorf("CircuitBuildTimeout = %v, want 30s", m.cfg.CircuitBuildTimeout)
	}
	if m.cfg.MaxCircuitLifetime != 600*time.Second {
		t.Errorf("MaxCircuitLifetime = %v, want 600s", m.cfg.MaxCircuitLifetime)
	}
	if m.pool != nil {
		t.Error("New() with CircuitBuffer == 0 should not build a pool")
	}
}

func TestWaitForCircuitWithNoPoolResolvesImmediately(t *testing.T) {
	m := newTestManager(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.WaitForCircuit(ctx); err != nil {
		t.Errorf("WaitForCircuit() with no pool failed: %v", err)
	}
}

func TestCircuitStateEmptyInitially(t *testing.T) {
	m := newTestManager(Config{})
	if got := m.CircuitState(); len(got) != 0 {
		t.Errorf("CircuitState() = %v, want empty", got)
	}
}

func TestIsLinkFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"link protocol", torerrors.New(torerrors.KindLinkProtocol, "bad"), true},
		{"peer disconnected", torerrors.New(torerrors.KindPeerDisconnected, "gone"), true},
		{"invalid cert", torerrors.New(torerrors.KindInvalidCert, "bad cert"), true},
		{"invalid version", torerrors.New(torerrors.KindInvalidVersion, "bad version"), true},
		{"transport closed", torerrors.New(torerrors.KindTransportClosed, "closed"), true},
		{"transport connect", torerrors.New(torerrors.KindTransportConnect, "refused"), true},
		{"insufficient relays", torerrors.New(torerrors.KindInsufficientRelays, "none"), false},
		{"extend failed", torerrors.New(torerrors.KindExtendFailed, "nope"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLinkFatal(tt.err); got != tt.want {
				t.Errorf("isLinkFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUseCircuitOnClosedManager(t *testing.T) {
	m := newTestManager(Config{})
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	err := m.UseCircuit(context.Background(), "example.com", 443, func(c *circuit.Circuit) error {
		t.Fatal("callback should not run on a closed manager")
		return nil
	})
	if !torerrors.IsKind(err, torerrors.KindClosed) {
		t.Errorf("UseCircuit() on closed manager error kind = %v, want KindClosed", torerrors.GetKind(err))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager(Config{})
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}

func TestClearCircuitOnUnknownHostIsNoop(t *testing.T) {
	m := newTestManager(Config{})
	m.ClearCircuit("never-bound.example.com")
}
