// Package circuit provides circuit extension functionality for the Tor protocol.
package circuit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/torbridge/embedded/pkg/cell"
	"github.com/torbridge/embedded/pkg/directory"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/relaycrypto"
	"github.com/torbridge/embedded/pkg/security"
)

// HandshakeType defines the type of circuit handshake to use
type HandshakeType uint16

const (
	// HandshakeTypeNTor is the ntor handshake (recommended)
	HandshakeTypeNTor HandshakeType = 0x0002
	// HandshakeTypeTAP is the legacy TAP handshake
	HandshakeTypeTAP HandshakeType = 0x0000
)

// linkSpecifierIPv4 per tor-spec.txt section 5.1.2
const linkSpecifierIPv4 byte = 0
const linkSpecifierLegacyID byte = 2

// extensionTimeout bounds how long a single CREATE_FAST/EXTEND2 round trip
// may take before the hop is considered unreachable.
const extensionTimeout = 15 * time.Second

// Extension drives the cryptographic handshakes (CREATE_FAST for the first
// hop, EXTEND2/ntor for every hop after it) that grow a circuit one relay at
// a time, per tor-spec.txt sections 5.1 and 5.1.4.
type Extension struct {
	circuit *Circuit
	logger  *logger.Logger
}

// NewExtension creates a new circuit extension handler
func NewExtension(circuit *Circuit, log *logger.Logger) *Extension {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Extension{
		circuit: circuit,
		logger:  log.Component("extension"),
	}
}

// CreateFirstHop establishes the circuit's first hop with the guard relay
// using CREATE_FAST/CREATED_FAST (tor-spec.txt section 5.1.3). CREATE_FAST
// skips Diffie-Hellman because the link to the first hop is already
// authenticated by the link protocol handshake; every later hop uses the
// full ntor handshake via Extend.
func (e *Extension) CreateFirstHop(ctx context.Context, guard *directory.Relay) error {
	c := e.circuit
	e.logger.Info("Creating first hop", "circuit_id", c.ID, "relay", guard.Fingerprint)

	x := make([]byte, 20)
	if _, err := rand.Read(x); err != nil {
		return fmt.Errorf("failed to generate CREATE_FAST key material: %w", err)
	}

	createFastCell := &cell.Cell{
		CircID:  c.ID,
		Command: cell.CmdCreateFast,
		Payload: x,
	}

	ctx, cancel := context.WithTimeout(ctx, extensionTimeout)
	defer cancel()

	l := c.Link()
	if l == nil {
		return fmt.Errorf("circuit has no link to send on")
	}
	if err := l.Send(ctx, createFastCell); err != nil {
		return fmt.Errorf("failed to send CREATE_FAST: %w", err)
	}

	response, err := c.waitControlCell(ctx)
	if err != nil {
		return fmt.Errorf("waiting for CREATED_FAST: %w", err)
	}
	if response.Command != cell.CmdCreatedFast {
		return fmt.Errorf("expected CREATED_FAST, got %s", response.Command)
	}
	if len(response.Payload) < 40 {
		return fmt.Errorf("CREATED_FAST payload too short: %d < 40", len(response.Payload))
	}

	y := response.Payload[0:20]
	receivedKH := response.Payload[20:40]

	keys, err := deriveCreateFastKeys(x, y, receivedKH)
	if err != nil {
		return err
	}

	hop := NewHop(guard.Fingerprint, guard.Address, true, false)
	if err := seedHopCrypto(hop, keys.ForwardDigestSeed, keys.BackwardDigestSeed, keys.ForwardKey, keys.BackwardKey); err != nil {
		return fmt.Errorf("failed to seed hop crypto state: %w", err)
	}

	if err := c.AddHop(hop); err != nil {
		return fmt.Errorf("failed to add guard hop: %w", err)
	}

	e.logger.Info("First hop created", "circuit_id", c.ID, "relay", guard.Fingerprint)
	return nil
}

// Extend grows the circuit by one hop using EXTEND2/EXTENDED2 and the ntor
// handshake, per tor-spec.txt sections 5.1.4 and 5.5. The EXTEND2 relay
// cell is sent RELAY_EARLY (so intermediate relays can bound how many times
// a circuit is extended before carrying ordinary traffic) through whatever
// hops already exist; the EXTENDED2 response travels back as an ordinary
// RELAY cell and is recognized by the existing digest/decryption machinery.
func (e *Extension) Extend(ctx context.Context, relay *directory.Relay) error {
	c := e.circuit
	e.logger.Info("Extending circuit", "circuit_id", c.ID, "relay", relay.Fingerprint)

	if len(relay.IdentityKey) != 32 || len(relay.NtorOnionKey) != 32 {
		return fmt.Errorf("relay %s missing ntor key material", relay.Fingerprint)
	}

	h, handshakeData, err := relaycrypto.NewNtorClientHandshake(relay.IdentityKey, relay.NtorOnionKey)
	if err != nil {
		return fmt.Errorf("failed to start ntor handshake: %w", err)
	}

	extend2Data, err := buildExtend2Data(relay, handshakeData)
	if err != nil {
		return fmt.Errorf("failed to build EXTEND2 data: %w", err)
	}

	relayCell := cell.NewRelayCell(0, cell.RelayExtend2, extend2Data)

	ctx, cancel := context.WithTimeout(ctx, extensionTimeout)
	defer cancel()

	if err := c.SendRelayCellEarly(relayCell); err != nil {
		return fmt.Errorf("failed to send EXTEND2: %w", err)
	}

	extended2Cell, err := c.ReceiveRelayCell(ctx)
	if err != nil {
		return fmt.Errorf("waiting for EXTENDED2: %w", err)
	}
	if extended2Cell.Command == cell.RelayTruncated {
		return fmt.Errorf("circuit truncated during extension to %s", relay.Fingerprint)
	}
	if extended2Cell.Command != cell.RelayExtended2 {
		return fmt.Errorf("expected RELAY_EXTENDED2, got %s", cell.RelayCmdString(extended2Cell.Command))
	}

	payload := extended2Cell.Data
	if len(payload) < 2 {
		return fmt.Errorf("EXTENDED2 payload too short")
	}
	hlen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < int(2+hlen) {
		return fmt.Errorf("EXTENDED2 payload incomplete")
	}
	handshakeResponse := payload[2 : 2+hlen]

	km, err := h.Complete(handshakeResponse)
	if err != nil {
		return fmt.Errorf("ntor handshake failed: %w", err)
	}

	keys, err := relaycrypto.SplitHopKeys(km)
	if err != nil {
		return fmt.Errorf("failed to split hop keys: %w", err)
	}

	hop := NewHop(relay.Fingerprint, relay.Address, false, hasExitFlag(relay))
	if err := seedHopCrypto(hop, keys.ForwardDigestSeed, keys.BackwardDigestSeed, keys.ForwardKey, keys.BackwardKey); err != nil {
		return fmt.Errorf("failed to seed hop crypto state: %w", err)
	}

	if err := c.AddHop(hop); err != nil {
		return fmt.Errorf("failed to add hop: %w", err)
	}

	e.logger.Info("Circuit extended", "circuit_id", c.ID, "relay", relay.Fingerprint, "length", c.Length())
	return nil
}

// deriveCreateFastKeys checks a CREATE_FAST/CREATED_FAST exchange's key
// material and derives the hop's Df/Db/Kf/Kb, per tor-spec.txt section 5.1.3:
// K0 = X||Y, KDF-TOR(K0, 92) yields KH (the first 20 bytes, a proof the
// relay knows K0) followed by the 72 bytes split into hop keys.
func deriveCreateFastKeys(x, y, receivedKH []byte) (relaycrypto.HopKeys, error) {
	k0 := make([]byte, 0, len(x)+len(y))
	k0 = append(k0, x...)
	k0 = append(k0, y...)

	km, err := relaycrypto.DeriveKey(k0, 92)
	if err != nil {
		return relaycrypto.HopKeys{}, fmt.Errorf("KDF-TOR derivation failed: %w", err)
	}

	computedKH := km[0:20]
	if subtle.ConstantTimeCompare(computedKH, receivedKH) != 1 {
		return relaycrypto.HopKeys{}, fmt.Errorf("CREATED_FAST key hash verification failed")
	}

	return relaycrypto.SplitHopKeys(km[20:92])
}

func hasExitFlag(relay *directory.Relay) bool {
	for _, flag := range relay.Flags {
		if flag == "Exit" {
			return true
		}
	}
	return false
}

// buildExtend2Data builds the RELAY_EXTEND2 payload: NSPEC, link specifiers
// identifying the next hop by address and identity fingerprint, then HTYPE/
// HLEN/HDATA carrying the ntor CLIENT_PK handshake, per tor-spec.txt section
// 5.1.2 and proposal 221.
func buildExtend2Data(relay *directory.Relay, handshakeData []byte) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(relay.Address)
	if err != nil {
		// Address may be bare IP with the port carried separately in ORPort.
		host = relay.Address
		portStr = strconv.Itoa(relay.ORPort)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("unsupported relay address %q: only IPv4 link specifiers are implemented", relay.Address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = relay.ORPort
	}

	fingerprint, err := decodeFingerprint(relay.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay fingerprint %q: %w", relay.Fingerprint, err)
	}

	data := make([]byte, 0, 64+len(handshakeData))
	data = append(data, 2) // NSPEC: IPv4 + legacy identity

	// Link specifier 0: TLS-over-TCP, IPv4 (Type 0) - Addr(4) || Port(2)
	data = append(data, linkSpecifierIPv4, 6)
	data = append(data, ip.To4()...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	data = append(data, portBytes...)

	// Link specifier 2: legacy RSA identity fingerprint (20 bytes)
	data = append(data, linkSpecifierLegacyID, byte(len(fingerprint)))
	data = append(data, fingerprint...)

	htypeBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(htypeBytes, uint16(HandshakeTypeNTor))
	data = append(data, htypeBytes...)

	hlen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		return nil, fmt.Errorf("handshake data too large: %w", err)
	}
	hlenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(hlenBytes, hlen)
	data = append(data, hlenBytes...)
	data = append(data, handshakeData...)

	return data, nil
}

// decodeFingerprint turns a relay's "$AAAA...=" style fingerprint (hex, or
// hex with a leading "$") into raw bytes. Consensus entries use a 40-char
// hex (or base64) digest; this accepts the hex form the directory client
// already normalizes relay fingerprints to.
func decodeFingerprint(fp string) ([]byte, error) {
	fp = strings.TrimPrefix(fp, "$")
	if len(fp) != 40 {
		return nil, fmt.Errorf("expected 40 hex chars, got %d", len(fp))
	}
	out := make([]byte, 20)
	for i := 0; i < 20; i++ {
		b, err := strconv.ParseUint(fp[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex in fingerprint: %w", err)
		}
		out[i] = byte(b)
	}
	return out, nil
}
