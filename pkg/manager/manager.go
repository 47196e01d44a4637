// Package manager implements the central coordinator that binds circuits to
// destination hosts, enforces circuit lifetime, coalesces concurrent
// allocations for the same host, and lazily reconnects the shared TorLink.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torbridge/embedded/pkg/bridge"
	"github.com/torbridge/embedded/pkg/circuit"
	torerrors "github.com/torbridge/embedded/pkg/errors"
	"github.com/torbridge/embedded/pkg/keynet"
	"github.com/torbridge/embedded/pkg/link"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/path"
	"github.com/torbridge/embedded/pkg/pool"
)

// Config configures a Manager.
type Config struct {
	BridgeConfig        *bridge.Config
	ConnectionTimeout   time.Duration // deadline for the bridge connect handshake
	CircuitTimeout      time.Duration // deadline for the link handshake
	CircuitBuildTimeout time.Duration // deadline per circuit build attempt
	CircuitBuffer       int           // pool target_size; 0 disables pre-creation
	MaxCircuitLifetime  time.Duration // 0 means the 600s default; forced disposal cannot be turned off
}

// circuitState is the bookkeeping CircuitManager keeps per allocated circuit.
type circuitState struct {
	allocatedAt time.Time
	expiry      time.Time
	refCount    int
	timer       *time.Timer
}

// allocation is a pending allocation future other callers for the same host
// coalesce on.
type allocation struct {
	done chan struct{}
	c    *circuit.Circuit
	err  error
}

// Manager is CircuitManager (C8): it owns the shared TorLink, the circuit
// pool, and the per-host allocation map, and is the only component that
// mutates any of them.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	mu             sync.Mutex // serializes allocationTasks -> hostCircuitMap -> circuitState, in that order
	link           *link.Link
	circuitManager *circuit.Manager
	pool           *pool.Pool[*circuit.Circuit]
	selector       *path.Selector
	builder        *circuit.Builder

	hostCircuitMap  map[string]*circuit.Circuit
	circuitOwnerMap map[*circuit.Circuit]string
	allocationTasks map[string]*allocation
	circuitState    map[*circuit.Circuit]*circuitState

	closed bool
}

// New creates a Manager. The TorLink is not connected, and no circuit.Builder
// exists, until the first use_circuit call lazily connects (spec's
// on-demand TorLink reconstruction).
func New(cfg Config, selector *path.Selector, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 15 * time.Second
	}
	if cfg.CircuitTimeout == 0 {
		cfg.CircuitTimeout = 90 * time.Second
	}
	if cfg.CircuitBuildTimeout == 0 {
		cfg.CircuitBuildTimeout = 30 * time.Second
	}
	if cfg.MaxCircuitLifetime == 0 {
		cfg.MaxCircuitLifetime = 600 * time.Second
	}

	m := &Manager{
		cfg:             cfg,
		logger:          log.Component("manager"),
		selector:        selector,
		hostCircuitMap:  make(map[string]*circuit.Circuit),
		circuitOwnerMap: make(map[*circuit.Circuit]string),
		allocationTasks: make(map[string]*allocation),
		circuitState:    make(map[*circuit.Circuit]*circuitState),
	}

	if cfg.CircuitBuffer > 0 {
		m.pool = pool.New(pool.Config[*circuit.Circuit]{
			TargetSize:  cfg.CircuitBuffer,
			MinInFlight: 2,
			Factory: func(ctx context.Context) (*circuit.Circuit, error) {
				return m.buildPooledCircuit(ctx)
			},
			Dispose: func(c *circuit.Circuit) {
				m.mu.Lock()
				cm := m.circuitManager
				m.mu.Unlock()
				if cm != nil {
					_ = cm.CloseCircuit(c.ID)
				}
			},
			Logger: log,
		})
	}

	return m
}

// ensureLink lazily connects the bridge and performs the link handshake,
// returning the shared Link. Callers must hold m.mu.
func (m *Manager) ensureLink(ctx context.Context) (*link.Link, error) {
	if m.link != nil && m.link.GetState() == link.StateHandshaked {
		return m.link, nil
	}

	transport := bridge.New(m.cfg.BridgeConfig, m.logger)
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()
	if err := transport.Connect(connectCtx, m.cfg.BridgeConfig); err != nil {
		return nil, torerrors.Wrap(torerrors.KindTransportConnect, "bridge connect failed", err)
	}

	l := link.New(transport, link.AcceptAllCertValidator{}, m.logger)
	hsCtx, hsCancel := context.WithTimeout(ctx, m.cfg.CircuitTimeout)
	defer hsCancel()
	if err := l.Handshake(hsCtx); err != nil {
		_ = transport.Close()
		return nil, torerrors.Wrap(torerrors.KindLinkProtocol, "link handshake failed", err)
	}
	go l.Run(context.Background())

	m.link = l
	m.circuitManager = circuit.NewManager(l)
	m.builder = circuit.NewBuilder(m.circuitManager, m.selector, m.logger)
	return l, nil
}

// dropLinkAndClearHosts is the error/close listener spec step 3(a) arms on
// the TorLink: it nulls out the cached link so the next use_circuit call
// reconnects, and clears every host binding since every circuit over the
// dead link is dead too.
func (m *Manager) dropLinkAndClearHosts() {
	m.mu.Lock()
	m.link = nil
	m.circuitManager = nil
	m.builder = nil
	hosts := make([]string, 0, len(m.hostCircuitMap))
	for h := range m.hostCircuitMap {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	for _, h := range hosts {
		m.ClearCircuit(h)
	}
}

func (m *Manager) buildPooledCircuit(ctx context.Context) (*circuit.Circuit, error) {
	m.mu.Lock()
	_, err := m.ensureLink(ctx)
	builder := m.builder
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.selector.UpdateConsensus(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh consensus: %w", err)
	}

	c, err := builder.Build(ctx, "", 443, m.cfg.CircuitBuildTimeout)
	if err != nil && isLinkFatal(err) {
		m.dropLinkAndClearHosts()
	}
	return c, err
}

// isLinkFatal reports whether err indicates the shared TorLink itself is
// dead (spec 4.2: LinkProtocol/PeerDisconnected/InvalidCert/InvalidVersion
// close every circuit and force the next request to lazily reconnect).
func isLinkFatal(err error) bool {
	switch torerrors.GetKind(err) {
	case torerrors.KindLinkProtocol, torerrors.KindPeerDisconnected,
		torerrors.KindInvalidCert, torerrors.KindInvalidVersion,
		torerrors.KindTransportClosed, torerrors.KindTransportConnect:
		return true
	default:
		return false
	}
}

// UseCircuit is use_circuit: it leases a circuit bound to host, runs
// callback with it, and releases the lease on return (even on error).
func (m *Manager) UseCircuit(ctx context.Context, host string, port int, callback func(c *circuit.Circuit) error) error {
	c, err := m.acquireForHost(ctx, host, port)
	if err != nil {
		return err
	}

	cbErr := callback(c)

	m.release(c)
	if cbErr != nil {
		// spec 4.9 step 3: clear the binding so the next attempt is fresh.
		m.ClearCircuit(host)
	}
	return cbErr
}

// acquireForHost implements use_circuit steps 1-4.
func (m *Manager) acquireForHost(ctx context.Context, host string, port int) (*circuit.Circuit, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, torerrors.New(torerrors.KindClosed, "manager is closed")
		}

		if c, ok := m.hostCircuitMap[host]; ok {
			st := m.circuitState[c]
			st.refCount++
			m.mu.Unlock()
			return c, nil
		}

		if pending, ok := m.allocationTasks[host]; ok {
			m.mu.Unlock()
			select {
			case <-pending.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		alloc := &allocation{done: make(chan struct{})}
		m.allocationTasks[host] = alloc
		m.mu.Unlock()

		c, err := m.allocate(ctx, host, port)

		m.mu.Lock()
		delete(m.allocationTasks, host)
		if err == nil {
			m.hostCircuitMap[host] = c
			m.circuitOwnerMap[c] = host
			st := &circuitState{
				allocatedAt: time.Now(),
				refCount:    1,
				expiry:      time.Now().Add(m.cfg.MaxCircuitLifetime),
			}
			st.timer = time.AfterFunc(m.cfg.MaxCircuitLifetime, func() {
				m.ClearCircuit(host)
			})
			m.circuitState[c] = st
		}
		alloc.c, alloc.err = c, err
		close(alloc.done)
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// allocate performs use_circuit step 3: ensure link, then build via the
// pool (ordinary hosts) or directly via the builder (.keynet hosts).
func (m *Manager) allocate(ctx context.Context, host string, port int) (*circuit.Circuit, error) {
	m.mu.Lock()
	_, err := m.ensureLink(ctx)
	builder := m.builder
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if keynet.IsKeynetHost(host) {
		if err := m.selector.UpdateConsensus(ctx); err != nil {
			return nil, fmt.Errorf("failed to refresh consensus: %w", err)
		}
		c, err := builder.Build(ctx, host, port, m.cfg.CircuitBuildTimeout)
		if err != nil && isLinkFatal(err) {
			m.dropLinkAndClearHosts()
		}
		return c, err
	}

	if m.pool == nil {
		if err := m.selector.UpdateConsensus(ctx); err != nil {
			return nil, fmt.Errorf("failed to refresh consensus: %w", err)
		}
		c, err := builder.Build(ctx, host, port, m.cfg.CircuitBuildTimeout)
		if err != nil && isLinkFatal(err) {
			m.dropLinkAndClearHosts()
		}
		return c, err
	}

	return m.pool.Acquire(ctx)
}

// release decrements a circuit's ref-count.
func (m *Manager) release(c *circuit.Circuit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.circuitState[c]
	if !ok {
		return
	}
	st.refCount--
	if st.refCount <= 0 && m.circuitOwnerMap[c] == "" {
		m.disposeLocked(c)
	}
}

// ClearCircuit is clear_circuit: it unbinds host, cancels the lifetime
// timer, and drops the Manager's own reference. If ref_count reaches zero
// the circuit is disposed immediately; otherwise in-flight borrowers keep
// it alive until they release it.
func (m *Manager) ClearCircuit(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.hostCircuitMap[host]
	if !ok {
		return
	}
	delete(m.hostCircuitMap, host)
	delete(m.circuitOwnerMap, c)

	st, ok := m.circuitState[c]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.refCount--
	if st.refCount <= 0 {
		m.disposeLocked(c)
	}
}

// disposeLocked tears a circuit down. Callers must hold m.mu.
func (m *Manager) disposeLocked(c *circuit.Circuit) {
	delete(m.circuitState, c)
	delete(m.circuitOwnerMap, c)
	if m.circuitManager != nil {
		_ = m.circuitManager.CloseCircuit(c.ID)
	}
}

// CircuitInfo is one entry in CircuitState's report.
type CircuitInfo struct {
	Host     string
	Status   string
	Expiry   time.Time
	RefCount int
}

// CircuitState reports the current host -> circuit bindings, per
// client.circuit_state().
func (m *Manager) CircuitState() map[string]CircuitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CircuitInfo, len(m.hostCircuitMap))
	for host, c := range m.hostCircuitMap {
		st := m.circuitState[c]
		info := CircuitInfo{Host: host, Status: c.GetState().String()}
		if st != nil {
			info.Expiry = st.expiry
			info.RefCount = st.refCount
		}
		out[host] = info
	}
	return out
}

// WaitForCircuit resolves when the pool has at least one ready circuit. If
// pre-creation is disabled (circuit_buffer == 0), it resolves immediately.
func (m *Manager) WaitForCircuit(ctx context.Context) error {
	if m.pool == nil {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.pool.Size() == 0 {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return torerrors.New(torerrors.KindClosed, "manager is closed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close disposes the pool, tears down every bound circuit, closes the
// TorLink, and clears all maps. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	l := m.link
	cm := m.circuitManager
	for _, st := range m.circuitState {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	m.hostCircuitMap = make(map[string]*circuit.Circuit)
	m.circuitOwnerMap = make(map[*circuit.Circuit]string)
	m.allocationTasks = make(map[string]*allocation)
	m.circuitState = make(map[*circuit.Circuit]*circuitState)
	m.mu.Unlock()

	if m.pool != nil {
		m.pool.Close()
	}
	if cm != nil {
		_ = cm.Close(ctx)
	}
	if l != nil {
		_ = l.Close()
	}
	return nil
}
