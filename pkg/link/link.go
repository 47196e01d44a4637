// Package link implements TorLink: the per-connection state machine that
// runs the Tor link protocol (VERSIONS/CERTS/AUTH_CHALLENGE/NETINFO) on top
// of a bridge.Transport, then multiplexes cells to and from the circuits
// bound to this link by circuit ID.
package link

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/torbridge/embedded/pkg/bridge"
	"github.com/torbridge/embedded/pkg/cell"
	"github.com/torbridge/embedded/pkg/logger"
)

// State is the link protocol's handshake state, tor-spec.txt section 4.1.
type State int

const (
	StateNone State = iota
	StateVersioned
	StateHandshaking
	StateHandshaked
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateVersioned:
		return "VERSIONED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateHandshaked:
		return "HANDSHAKED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

const (
	MinLinkProtocolVersion  = 3
	MaxLinkProtocolVersion  = 5
	PreferredVersion        = 4
	DefaultHandshakeTimeout = 10 * time.Second
)

// CertValidator verifies a link partner's CERTS cell payload. Concrete
// certificate parsing/verification is an external collaborator of this
// module; TorLink only needs the yes/no answer and, on success, the
// identity fingerprint the certs vouch for.
type CertValidator interface {
	ValidateCerts(payload []byte) (fingerprint string, err error)
}

// AcceptAllCertValidator treats any non-empty CERTS payload as valid and
// returns no fingerprint. It exists so a link can be exercised without a
// real certificate collaborator wired in (e.g. in tests); production
// callers should supply a CertValidator backed by real X.509 parsing.
type AcceptAllCertValidator struct{}

func (AcceptAllCertValidator) ValidateCerts(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty CERTS payload")
	}
	return "", nil
}

// Sink receives cells routed to a bound circuit ID.
type Sink interface {
	Deliver(c *cell.Cell) error
}

// Link runs the link protocol handshake over a bridge.Transport and
// multiplexes cells to circuits registered via Bind.
type Link struct {
	transport *bridge.Transport
	validator CertValidator
	logger    *logger.Logger
	timeout   time.Duration

	state             State
	negotiatedVersion int
	peerFingerprint   string
	stateMu           sync.RWMutex

	circuitsMu sync.RWMutex
	circuits   map[uint32]Sink

	outbound chan *cell.Cell
	done     chan struct{}
	wg       sync.WaitGroup
}

// New wraps an already-dialed bridge.Transport in a Link.
func New(t *bridge.Transport, validator CertValidator, log *logger.Logger) *Link {
	if log == nil {
		log = logger.NewDefault()
	}
	if validator == nil {
		validator = AcceptAllCertValidator{}
	}
	return &Link{
		transport: t,
		validator: validator,
		logger:    log.Component("link"),
		timeout:   DefaultHandshakeTimeout,
		circuits:  make(map[uint32]Sink),
		outbound:  make(chan *cell.Cell, 32),
		done:      make(chan struct{}),
	}
}

// SetTimeout overrides the per-step handshake timeout.
func (l *Link) SetTimeout(d time.Duration) { l.timeout = d }

// Handshake runs VERSIONS -> CERTS -> AUTH_CHALLENGE -> NETINFO to
// completion, leaving the link in StateHandshaked on success.
func (l *Link) Handshake(ctx context.Context) error {
	l.logger.Info("Starting link protocol handshake")

	if err := l.sendVersions(); err != nil {
		return fmt.Errorf("send VERSIONS: %w", err)
	}
	if err := l.receiveVersions(ctx); err != nil {
		return fmt.Errorf("receive VERSIONS: %w", err)
	}
	l.setState(StateVersioned)

	if err := l.receiveCerts(ctx); err != nil {
		return fmt.Errorf("receive CERTS: %w", err)
	}
	l.setState(StateHandshaking)

	// AUTH_CHALLENGE is accepted and ignored: this client never authenticates
	// back to the bridge as a relay, so there is no AUTHENTICATE response to send.
	if err := l.receiveAuthChallenge(ctx); err != nil {
		return fmt.Errorf("receive AUTH_CHALLENGE: %w", err)
	}

	if err := l.sendNetinfo(); err != nil {
		return fmt.Errorf("send NETINFO: %w", err)
	}
	if err := l.receiveNetinfo(ctx); err != nil {
		return fmt.Errorf("receive NETINFO: %w", err)
	}
	l.setState(StateHandshaked)

	l.logger.Info("Link protocol handshake complete",
		"version", l.negotiatedVersion, "peer_fingerprint", l.peerFingerprint)
	return nil
}

// Run starts the writer/reader goroutines that service Bind-ed circuits and
// returns at once. It must be called after Handshake succeeds; the goroutines
// stop when ctx is done, Close is called, or the transport fails.
func (l *Link) Run(ctx context.Context) {
	l.wg.Add(2)
	go l.writeLoop(ctx)
	go l.readLoop(ctx)
}

// Close stops the link's goroutines and closes the underlying transport.
func (l *Link) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	err := l.transport.Close()
	l.wg.Wait()
	return err
}

func (l *Link) writeLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case c := <-l.outbound:
			if err := l.transport.SendCell(c); err != nil {
				l.logger.Error("write loop: send failed", "error", err)
				return
			}
		}
	}
}

func (l *Link) readLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}

		c, err := l.transport.ReceiveCell()
		if err != nil {
			l.logger.Info("read loop: transport closed", "error", err)
			return
		}

		l.circuitsMu.RLock()
		sink, ok := l.circuits[c.CircID]
		l.circuitsMu.RUnlock()
		if !ok {
			l.logger.Debug("dropping cell for unbound circuit", "circuit_id", c.CircID, "command", c.Command)
			continue
		}
		if err := sink.Deliver(c); err != nil {
			l.logger.Warn("circuit sink rejected cell", "circuit_id", c.CircID, "error", err)
		}
	}
}

// Send queues a cell for the write loop. Safe for concurrent use.
func (l *Link) Send(ctx context.Context, c *cell.Cell) error {
	select {
	case l.outbound <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return fmt.Errorf("link closed")
	}
}

// SendNow bypasses the write loop for use during the handshake, before
// Run has been called.
func (l *Link) SendNow(c *cell.Cell) error {
	return l.transport.SendCell(c)
}

// ReceiveNow bypasses the read loop for use during the handshake and during
// the synchronous CREATE_FAST/EXTEND2 exchanges circuit building performs
// before Run's dispatch table would otherwise see the response.
func (l *Link) ReceiveNow() (*cell.Cell, error) {
	return l.transport.ReceiveCell()
}

// Bind registers sink to receive cells addressed to circID.
func (l *Link) Bind(circID uint32, sink Sink) {
	l.circuitsMu.Lock()
	defer l.circuitsMu.Unlock()
	l.circuits[circID] = sink
}

// Unbind removes a circuit's sink from the dispatch table.
func (l *Link) Unbind(circID uint32) {
	l.circuitsMu.Lock()
	defer l.circuitsMu.Unlock()
	delete(l.circuits, circID)
}

// AllocateCircuitID returns a random originator-chosen circuit ID: a
// uniformly random 32-bit value with the high bit forced to 1 (tor-spec.txt
// section 5.1 reserves the top bit for whichever side initiated the
// circuit), rejecting 0x80000000 (no low bits set) and any ID already bound
// on this link.
func (l *Link) AllocateCircuitID() (uint32, error) {
	l.circuitsMu.Lock()
	defer l.circuitsMu.Unlock()

	for attempt := 0; attempt < 64; attempt++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate circuit id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:]) | 0x80000000
		if id == 0x80000000 {
			continue // avoid the all-zero-low-bits edge case some relays special-case
		}
		if _, taken := l.circuits[id]; taken {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("failed to allocate a free circuit id after 64 attempts")
}

func (l *Link) sendVersions() error {
	versions := []uint16{MinLinkProtocolVersion, PreferredVersion, MaxLinkProtocolVersion}
	payload := make([]byte, len(versions)*2)
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	c := cell.NewCell(0, cell.CmdVersions)
	c.Payload = payload
	l.logger.Debug("Sending VERSIONS cell", "versions", versions)
	return l.transport.SendCell(c)
}

func (l *Link) receiveVersions(ctx context.Context) error {
	received, err := l.receiveWithTimeout(ctx, cell.CmdVersions)
	if err != nil {
		return err
	}
	if len(received.Payload)%2 != 0 {
		return fmt.Errorf("invalid VERSIONS payload length: %d", len(received.Payload))
	}
	var versions []int
	for i := 0; i < len(received.Payload); i += 2 {
		versions = append(versions, int(binary.BigEndian.Uint16(received.Payload[i:])))
	}
	l.negotiatedVersion = selectVersion(versions)
	if l.negotiatedVersion == 0 {
		return fmt.Errorf("no compatible protocol version, peer offered %v", versions)
	}
	l.logger.Info("Negotiated protocol version", "version", l.negotiatedVersion)
	return nil
}

func selectVersion(remote []int) int {
	for v := MaxLinkProtocolVersion; v >= MinLinkProtocolVersion; v-- {
		for _, r := range remote {
			if r == v {
				return v
			}
		}
	}
	return 0
}

func (l *Link) receiveCerts(ctx context.Context) error {
	received, err := l.receiveWithTimeout(ctx, cell.CmdCerts)
	if err != nil {
		return err
	}
	fingerprint, err := l.validator.ValidateCerts(received.Payload)
	if err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}
	l.peerFingerprint = fingerprint
	return nil
}

func (l *Link) receiveAuthChallenge(ctx context.Context) error {
	_, err := l.receiveWithTimeout(ctx, cell.CmdAuthChallenge)
	return err
}

func (l *Link) sendNetinfo() error {
	payload := make([]byte, 11)
	now := time.Now().Unix()
	if now > 0 && now <= 0xFFFFFFFF {
		binary.BigEndian.PutUint32(payload[0:4], uint32(now))
	}
	payload[4] = 0x04 // other address type: IPv4
	payload[5] = 4    // address length
	// payload[6:10] left as 0.0.0.0; payload[10] = 0 "this" addresses
	c := cell.NewCell(0, cell.CmdNetinfo)
	c.Payload = payload
	l.logger.Debug("Sending NETINFO cell")
	return l.transport.SendCell(c)
}

func (l *Link) receiveNetinfo(ctx context.Context) error {
	_, err := l.receiveWithTimeout(ctx, cell.CmdNetinfo)
	return err
}

func (l *Link) receiveWithTimeout(ctx context.Context, want cell.Command) (*cell.Cell, error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	cellCh := make(chan *cell.Cell, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := l.transport.ReceiveCell()
		if err != nil {
			errCh <- err
			return
		}
		cellCh <- c
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s", want)
	case err := <-errCh:
		return nil, err
	case c := <-cellCh:
		if c.Command != want {
			return nil, fmt.Errorf("expected %s cell, got %s", want, c.Command)
		}
		return c, nil
	}
}

// NegotiatedVersion returns the link protocol version negotiated during the handshake.
func (l *Link) NegotiatedVersion() int { return l.negotiatedVersion }

// PeerFingerprint returns the identity fingerprint the peer's CERTS cell vouched for.
func (l *Link) PeerFingerprint() string { return l.peerFingerprint }

func (l *Link) setState(s State) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.state = s
}

// GetState returns the current handshake state.
func (l *Link) GetState() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}
