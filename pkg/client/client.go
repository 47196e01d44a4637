// Package client implements the embedded Tor client's public façade: one
// call to Fetch resolves a request's host, leases a circuit bound to that
// host from the CircuitManager, and drives an HTTP (optionally TLS) request
// over a stream on that circuit, the way a regular HTTP client drives a raw
// TCP socket.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/torbridge/embedded/pkg/bridge"
	"github.com/torbridge/embedded/pkg/circuit"
	"github.com/torbridge/embedded/pkg/config"
	"github.com/torbridge/embedded/pkg/directory"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/manager"
	"github.com/torbridge/embedded/pkg/path"
)

// Options customizes a single Fetch call.
type Options struct {
	Method  string
	Headers http.Header
	Body    io.Reader

	// InsecureSkipVerify disables TLS certificate verification on the
	// end-to-end TLS session carried inside the circuit. Only meaningful
	// for https targets.
	InsecureSkipVerify bool
}

// Response is the result of one Fetch.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Client is the embedded Tor client's façade (C9): it owns the directory
// client, the path selector, and the CircuitManager, and turns a URL into an
// anonymized HTTP round trip.
type Client struct {
	cfg       *config.Config
	logger    *logger.Logger
	dirClient *directory.Client
	selector  *path.Selector
	mgr       *manager.Manager

	streamID atomic.Uint32
}

// New builds a Client from cfg, filling in defaults (DefaultConfig, a default
// FileStore, a default logger) for anything left unset, then validating.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.Storage == nil {
		store, err := config.NewDefaultStorage(log)
		if err != nil {
			return nil, fmt.Errorf("failed to build default storage: %w", err)
		}
		cfg.Storage = store
	}

	dirClient := directory.NewClient(log)
	selector := path.NewSelector(dirClient, log)

	mgr := manager.New(manager.Config{
		BridgeConfig:       bridge.DefaultConfig(cfg.BridgeURL),
		ConnectionTimeout:  cfg.ConnectionTimeout,
		CircuitTimeout:     cfg.CircuitTimeout,
		CircuitBuffer:      cfg.CircuitBuffer,
		MaxCircuitLifetime: cfg.MaxCircuitLifetime,
	}, selector, log)

	return &Client{
		cfg:       cfg,
		logger:    log.Component("client"),
		dirClient: dirClient,
		selector:  selector,
		mgr:       mgr,
	}, nil
}

// Fetch performs one anonymized HTTP request to rawURL: it resolves the
// request's host and port, leases a circuit bound to that host from the
// CircuitManager, opens a stream on it, wraps the stream in TLS for an
// https URL, and writes the HTTP request directly to the resulting
// connection.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts *Options) (*Response, error) {
	if opts == nil {
		opts = &Options{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	host, port, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), opts.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Close = true

	var resp *Response
	err = c.mgr.UseCircuit(ctx, host, port, func(circ *circuit.Circuit) error {
		sc := newStreamConn(circ, uint16(c.streamID.Add(1)))
		if err := sc.open(host, port); err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		defer sc.Close()

		var conn io.ReadWriter = sc
		if u.Scheme == "https" {
			tlsConn := tls.Client(sc, &tls.Config{
				ServerName:         u.Hostname(),
				InsecureSkipVerify: opts.InsecureSkipVerify,
			})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("TLS handshake failed: %w", err)
			}
			conn = tlsConn
		}

		if err := req.Write(conn); err != nil {
			return fmt.Errorf("failed to write request: %w", err)
		}

		httpResp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		resp = &Response{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Header:     httpResp.Header,
			Body:       body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// hostPort splits u into a host and a port, defaulting the port from the
// scheme (443 for https, 80 for http/unspecified) when u carries none.
func hostPort(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("URL has no host: %s", u.String())
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return host, port, nil
	}
	switch u.Scheme {
	case "https":
		return host, 443, nil
	case "http", "":
		return host, 80, nil
	default:
		return "", 0, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// WaitForCircuit blocks until the circuit pool holds at least one ready
// circuit, or ctx is cancelled. If circuit pre-creation is disabled
// (CircuitBuffer == 0) it resolves immediately.
func (c *Client) WaitForCircuit(ctx context.Context) error {
	return c.mgr.WaitForCircuit(ctx)
}

// CircuitState reports the current host -> circuit bindings.
func (c *Client) CircuitState() map[string]manager.CircuitInfo {
	return c.mgr.CircuitState()
}

// Close tears down every bound circuit, the shared TorLink, and the bridge
// connection. Idempotent.
func (c *Client) Close() error {
	return c.mgr.Close(context.Background())
}

// Fetch is a convenience wrapper for one-off requests: it builds a
// short-lived Client with circuit pre-creation disabled, performs one fetch,
// and closes the client before returning.
func Fetch(ctx context.Context, bridgeURL, rawURL string, opts *Options) (*Response, error) {
	cfg := config.DefaultConfig()
	cfg.BridgeURL = bridgeURL
	cfg.CircuitBuffer = 0

	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.Fetch(ctx, rawURL, opts)
}
