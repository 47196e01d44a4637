// Package bridge implements BridgeTransport: the WebSocket duplex that
// carries the Tor link protocol's cell stream to a single pluggable-transport
// bridge (the Snowflake model). It replaces a direct TLS dial to a relay's OR
// port with a WebSocket dial to the bridge's front URL, but otherwise keeps
// the connection lifecycle (state machine, single-writer/single-reader
// mutexes, once-guarded close) a Tor link connection needs.
package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torbridge/embedded/pkg/cell"
	"github.com/torbridge/embedded/pkg/logger"
)

// State represents the transport's connection state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config holds the bridge dial configuration.
type Config struct {
	// URL is the bridge's WebSocket endpoint, e.g. "wss://bridge.example/ws".
	URL string
	// Timeout bounds the WebSocket dial.
	Timeout time.Duration
}

// DefaultConfig returns a Config with a conservative dial timeout.
func DefaultConfig(url string) *Config {
	return &Config{URL: url, Timeout: 30 * time.Second}
}

// Transport is a single duplex connection to the bridge, carrying the Tor
// link protocol's cell stream over WebSocket binary messages.
type Transport struct {
	url       string
	ws        *websocket.Conn
	duplex    *wsDuplex
	state     State
	stateMu   sync.RWMutex
	closeCh   chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex
	recvMu    sync.Mutex
	logger    *logger.Logger
}

// New creates a Transport in the StateConnecting state, not yet dialed.
func New(cfg *Config, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Transport{
		url:     cfg.URL,
		state:   StateConnecting,
		closeCh: make(chan struct{}),
		logger:  log.With("bridge_url", cfg.URL),
	}
}

// Connect dials the bridge's WebSocket endpoint.
func (t *Transport) Connect(ctx context.Context, cfg *Config) error {
	t.logger.Debug("Connecting to bridge")

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.Timeout,
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		t.setState(StateFailed)
		return fmt.Errorf("bridge websocket dial failed: %w", err)
	}

	t.ws = ws
	t.duplex = newWSDuplex(ws)
	t.setState(StateOpen)
	t.logger.Info("Bridge connection established")
	return nil
}

// SendCell encodes and writes a cell to the bridge.
func (t *Transport) SendCell(c *cell.Cell) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.getState() != StateOpen {
		return fmt.Errorf("bridge transport not open: %s", t.getState())
	}
	select {
	case <-t.closeCh:
		return fmt.Errorf("bridge transport closed")
	default:
	}

	if err := c.Encode(t.duplex); err != nil {
		t.logger.Error("Failed to send cell", "error", err, "command", c.Command)
		return fmt.Errorf("failed to send cell: %w", err)
	}
	t.logger.Debug("Sent cell", "command", c.Command, "circuit_id", c.CircID)
	return nil
}

// ReceiveCell reads and decodes the next cell from the bridge.
func (t *Transport) ReceiveCell() (*cell.Cell, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if t.getState() != StateOpen {
		return nil, fmt.Errorf("bridge transport not open: %s", t.getState())
	}
	select {
	case <-t.closeCh:
		return nil, fmt.Errorf("bridge transport closed")
	default:
	}

	received, err := cell.DecodeCell(t.duplex)
	if err != nil {
		if err == io.EOF {
			t.logger.Info("Bridge closed the connection")
			t.Close()
			return nil, err
		}
		return nil, fmt.Errorf("failed to receive cell: %w", err)
	}
	t.logger.Debug("Received cell", "command", received.Command, "circuit_id", received.CircID)
	return received, nil
}

// Close closes the underlying WebSocket connection exactly once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.setState(StateClosed)
		if t.ws != nil {
			if closeErr := t.ws.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close bridge websocket: %w", closeErr)
			}
		}
		t.logger.Info("Bridge connection closed")
	})
	return err
}

// IsOpen reports whether the transport is usable for SendCell/ReceiveCell.
func (t *Transport) IsOpen() bool { return t.getState() == StateOpen }

// URL returns the bridge's WebSocket endpoint.
func (t *Transport) URL() string { return t.url }

// GetState returns the current transport state.
func (t *Transport) GetState() State { return t.getState() }

func (t *Transport) setState(s State) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.state = s
}

func (t *Transport) getState() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

// wsDuplex adapts gorilla/websocket's message-oriented Conn to the
// io.Reader/io.Writer pair that cell.Encode/cell.DecodeCell expect: each
// Write becomes one binary WebSocket message, and Read drains the current
// inbound message before blocking for the next one.
type wsDuplex struct {
	ws  *websocket.Conn
	buf []byte
}

func newWSDuplex(ws *websocket.Conn) *wsDuplex {
	return &wsDuplex{ws: ws}
}

func (d *wsDuplex) Write(p []byte) (int, error) {
	if err := d.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *wsDuplex) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		msgType, data, err := d.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		d.buf = data
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}
