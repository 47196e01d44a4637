// Package errors provides structured error types for the Tor client.
// This package defines a closed set of error kinds so callers can switch on
// exactly what went wrong instead of string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds this client ever raises.
type Kind string

const (
	// Transport
	KindTransportConnect Kind = "transport_connect"
	KindTransportClosed  Kind = "transport_closed"

	// Link
	KindInvalidVersion   Kind = "invalid_version"
	KindInvalidCert      Kind = "invalid_cert"
	KindLinkProtocol     Kind = "link_protocol"
	KindPeerDisconnected Kind = "peer_disconnected"

	// Circuit build
	KindInsufficientRelays  Kind = "insufficient_relays"
	KindExtendFailed        Kind = "extend_failed"
	KindKdfKeyHash          Kind = "kdf_key_hash"
	KindKeynetExitNotFound  Kind = "keynet_exit_not_found"
	KindCircuitBuildExhaust Kind = "circuit_build_exhausted"

	// Relay/stream
	KindUnrecognisedRelay  Kind = "unrecognised_relay"
	KindInvalidRelayDigest Kind = "invalid_relay_digest"
	KindInvalidSendmeDigest Kind = "invalid_sendme_digest"
	KindRelayEnded         Kind = "relay_ended"
	KindUnexpectedStream   Kind = "unexpected_stream"
	KindUnknownStream      Kind = "unknown_stream"

	// Directory
	KindMicrodescHashMismatch Kind = "microdesc_hash_mismatch"
	KindConsensusParse        Kind = "consensus_parse"

	// Manager
	KindTimeout Kind = "timeout"
	KindClosed  Kind = "closed"
)

// Category groups kinds for coarse handling (logging, metrics) without
// callers needing to enumerate every Kind.
type Category string

const (
	CategoryTransport Category = "transport"
	CategoryLink      Category = "link"
	CategoryCircuit   Category = "circuit"
	CategoryRelay     Category = "relay"
	CategoryDirectory Category = "directory"
	CategoryManager   Category = "manager"
)

var kindCategory = map[Kind]Category{
	KindTransportConnect:      CategoryTransport,
	KindTransportClosed:       CategoryTransport,
	KindInvalidVersion:        CategoryLink,
	KindInvalidCert:           CategoryLink,
	KindLinkProtocol:          CategoryLink,
	KindPeerDisconnected:      CategoryLink,
	KindInsufficientRelays:    CategoryCircuit,
	KindExtendFailed:          CategoryCircuit,
	KindKdfKeyHash:            CategoryCircuit,
	KindKeynetExitNotFound:    CategoryCircuit,
	KindCircuitBuildExhaust:   CategoryCircuit,
	KindUnrecognisedRelay:     CategoryRelay,
	KindInvalidRelayDigest:    CategoryRelay,
	KindInvalidSendmeDigest:   CategoryRelay,
	KindRelayEnded:            CategoryRelay,
	KindUnexpectedStream:      CategoryRelay,
	KindUnknownStream:         CategoryRelay,
	KindMicrodescHashMismatch: CategoryDirectory,
	KindConsensusParse:        CategoryDirectory,
	KindTimeout:               CategoryManager,
	KindClosed:                CategoryManager,
}

// retryableKinds are kinds worth retrying at the call site (transient
// network/link trouble); the rest indicate a decision already made
// (protocol violation, exhausted budget, bad config) that retrying as-is
// won't fix.
var retryableKinds = map[Kind]bool{
	KindTransportConnect: true,
	KindTransportClosed:  true,
	KindPeerDisconnected: true,
	KindTimeout:          true,
}

// TorError is a structured error carrying a closed Kind plus optional
// context and an underlying cause.
type TorError struct {
	Kind       Kind
	Message    string
	Underlying error
	Context    map[string]interface{}
}

// Error implements the error interface.
func (e *TorError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *TorError) Unwrap() error {
	return e.Underlying
}

// Is implements error comparison by Kind, so errors.Is(err, &TorError{Kind: KindTimeout}) works.
func (e *TorError) Is(target error) bool {
	t, ok := target.(*TorError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithContext attaches a key/value pair for logging and returns e for chaining.
func (e *TorError) WithContext(key string, value interface{}) *TorError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Category returns the coarse grouping for e's Kind.
func (e *TorError) Category() Category {
	return kindCategory[e.Kind]
}

// Retryable reports whether retrying the operation that produced e as-is
// stands a chance of succeeding.
func (e *TorError) Retryable() bool {
	return retryableKinds[e.Kind]
}

// New creates a TorError of the given kind.
func New(kind Kind, message string) *TorError {
	return &TorError{Kind: kind, Message: message}
}

// Wrap wraps an existing error with the given kind.
func Wrap(kind Kind, message string, err error) *TorError {
	return &TorError{Kind: kind, Message: message, Underlying: err}
}

// IsKind reports whether err is a *TorError of the given kind.
func IsKind(err error, kind Kind) bool {
	var torErr *TorError
	if errors.As(err, &torErr) {
		return torErr.Kind == kind
	}
	return false
}

// GetKind returns err's Kind, or "" if err is not a *TorError.
func GetKind(err error) Kind {
	var torErr *TorError
	if errors.As(err, &torErr) {
		return torErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is a *TorError whose Kind is worth retrying.
func IsRetryable(err error) bool {
	var torErr *TorError
	if errors.As(err, &torErr) {
		return torErr.Retryable()
	}
	return false
}

// Timeout creates a Timeout{op} error per the manager's suspension-point contract.
func Timeout(op string, err error) *TorError {
	return Wrap(KindTimeout, fmt.Sprintf("timed out waiting for %s", op), err).WithContext("op", op)
}

// RelayEnded creates a RelayEnded{reason} error for a non-DONE RELAY_END.
func RelayEnded(reason byte) *TorError {
	return New(KindRelayEnded, fmt.Sprintf("stream ended, reason=%d", reason)).WithContext("reason", reason)
}

// CircuitBuildExhausted creates a CircuitBuildExhausted{last_cause} error after
// CircuitBuilder's retry budget runs out.
func CircuitBuildExhausted(attempts int, lastCause error) *TorError {
	return Wrap(KindCircuitBuildExhaust,
		fmt.Sprintf("failed to build circuit after %d attempts", attempts), lastCause)
}
