package circuit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/torbridge/embedded/pkg/cell"
	"github.com/torbridge/embedded/pkg/directory"
	"github.com/torbridge/embedded/pkg/logger"
	"github.com/torbridge/embedded/pkg/relaycrypto"
)

func testRelay(fingerprint string, flags ...string) *directory.Relay {
	identityKey := make([]byte, 32)
	ntorKey := make([]byte, 32)
	_, _ = rand.Read(identityKey)
	_, _ = rand.Read(ntorKey)

	return &directory.Relay{
		Nickname:     "relay-" + fingerprint[:8],
		Fingerprint:  fingerprint,
		Address:      "192.0.2.1:9001",
		ORPort:       9001,
		Flags:        flags,
		IdentityKey:  identityKey,
		NtorOnionKey: ntorKey,
	}
}

func TestNewExtension(t *testing.T) {
	log := logger.NewDefault()
	circuit := NewCircuit(1, nil)
	ext := NewExtension(circuit, log)

	if ext == nil {
		t.Fatal("Expected extension to be created")
	}
	if ext.circuit.ID != 1 {
		t.Errorf("Expected circuit ID 1, got %d", ext.circuit.ID)
	}
}

func TestCreateFirstHopNoLink(t *testing.T) {
	circuit := NewCircuit(1, nil)
	ext := NewExtension(circuit, logger.NewDefault())

	guard := testRelay("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "Guard")

	err := ext.CreateFirstHop(context.Background(), guard)
	if err == nil {
		t.Fatal("Expected error when circuit has no link")
	}
}

func TestCreateFirstHopTimeout(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	ext := NewExtension(circuit, logger.NewDefault())

	guard := testRelay("BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "Guard")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ext.CreateFirstHop(ctx, guard)
	if err == nil {
		t.Fatal("Expected timeout error with no relay responding")
	}
}

func TestCreateFirstHopCancelled(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	ext := NewExtension(circuit, logger.NewDefault())

	guard := testRelay("CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC", "Guard")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ext.CreateFirstHop(ctx, guard)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestCreateFirstHopBadCreatedFastResponse(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	ext := NewExtension(circuit, logger.NewDefault())

	guard := testRelay("DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD", "Guard")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		// Y||KH filled with garbage: virtually certain not to match the real
		// X the relay (here, nobody) would have echoed back.
		payload := make([]byte, 40)
		_, _ = rand.Read(payload)
		_ = circuit.Deliver(&cell.Cell{
			CircID:  circuit.ID,
			Command: cell.CmdCreatedFast,
			Payload: payload,
		})
	}()

	err := ext.CreateFirstHop(ctx, guard)
	if err == nil {
		t.Fatal("Expected key-hash verification failure")
	}
}

func TestCreateFirstHopShortCreatedFastPayload(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	ext := NewExtension(circuit, logger.NewDefault())

	guard := testRelay("EEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE", "Guard")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = circuit.Deliver(&cell.Cell{
			CircID:  circuit.ID,
			Command: cell.CmdCreatedFast,
			Payload: make([]byte, 10),
		})
	}()

	err := ext.CreateFirstHop(ctx, guard)
	if err == nil {
		t.Fatal("Expected error for short CREATED_FAST payload")
	}
}

func TestDeriveCreateFastKeys(t *testing.T) {
	x := make([]byte, 20)
	y := make([]byte, 20)
	_, _ = rand.Read(x)
	_, _ = rand.Read(y)

	k0 := append(append([]byte{}, x...), y...)
	km, err := relaycrypto.DeriveKey(k0, 92)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	kh := km[0:20]

	keys, err := deriveCreateFastKeys(x, y, kh)
	if err != nil {
		t.Fatalf("deriveCreateFastKeys failed: %v", err)
	}
	if len(keys.ForwardKey) != 16 || len(keys.BackwardKey) != 16 {
		t.Errorf("unexpected key lengths: fwd=%d back=%d", len(keys.ForwardKey), len(keys.BackwardKey))
	}
	if len(keys.ForwardDigestSeed) == 0 || len(keys.BackwardDigestSeed) == 0 {
		t.Error("expected non-empty digest seeds")
	}
}

func TestDeriveCreateFastKeysBadHash(t *testing.T) {
	x := make([]byte, 20)
	y := make([]byte, 20)
	_, _ = rand.Read(x)
	_, _ = rand.Read(y)

	badKH := make([]byte, 20)
	_, _ = rand.Read(badKH)

	_, err := deriveCreateFastKeys(x, y, badKH)
	if err == nil {
		t.Error("Expected error for mismatched key hash")
	}
}

func TestExtendInvalidKeyLengths(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	ext := NewExtension(circuit, logger.NewDefault())

	relay := &directory.Relay{
		Fingerprint:  "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF",
		Address:      "192.0.2.2:9001",
		IdentityKey:  []byte{0x01, 0x02},
		NtorOnionKey: []byte{0x01, 0x02},
	}

	err := ext.Extend(context.Background(), relay)
	if err == nil {
		t.Fatal("Expected error for missing ntor key material")
	}
}

func TestExtendTimeout(t *testing.T) {
	circuit := NewCircuit(1, newTestLink())
	// Circuit must already have one hop for relay-cell encryption to be set up.
	hop := NewHop("guard", "192.0.2.1:9001", true, false)
	if err := seedHopCrypto(hop, make([]byte, 20), make([]byte, 20), make([]byte, 16), make([]byte, 16)); err != nil {
		t.Fatalf("seedHopCrypto failed: %v", err)
	}
	if err := circuit.AddHop(hop); err != nil {
		t.Fatalf("AddHop failed: %v", err)
	}
	circuit.SetState(StateBuilding)

	ext := NewExtension(circuit, logger.NewDefault())
	relay := testRelay("0000000000000000000000000000000000000A", "Exit")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ext.Extend(ctx, relay)
	if err == nil {
		t.Fatal("Expected timeout extending circuit with no relay responding")
	}
}

func TestHasExitFlag(t *testing.T) {
	exit := testRelay("1111111111111111111111111111111111111A", "Exit", "Valid")
	notExit := testRelay("1111111111111111111111111111111111111B", "Valid")

	if !hasExitFlag(exit) {
		t.Error("expected hasExitFlag to be true")
	}
	if hasExitFlag(notExit) {
		t.Error("expected hasExitFlag to be false")
	}
}

func TestBuildExtend2Data(t *testing.T) {
	relay := testRelay("2222222222222222222222222222222222222A", "Exit")
	handshakeData := make([]byte, 32)

	data, err := buildExtend2Data(relay, handshakeData)
	if err != nil {
		t.Fatalf("buildExtend2Data failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Expected non-empty EXTEND2 data")
	}

	if data[0] != 2 {
		t.Errorf("Expected NSPEC=2, got %d", data[0])
	}

	// Link specifier 0: type(1) + len(1) + IPv4(4) + port(2) = 8 bytes
	if data[1] != linkSpecifierIPv4 || data[2] != 6 {
		t.Errorf("unexpected first link specifier header: %v %v", data[1], data[2])
	}

	offset := 1 + 2 + 6
	if data[offset] != linkSpecifierLegacyID || data[offset+1] != 20 {
		t.Errorf("unexpected second link specifier header: %v %v", data[offset], data[offset+1])
	}

	offset += 2 + 20
	htype := binary.BigEndian.Uint16(data[offset : offset+2])
	if HandshakeType(htype) != HandshakeTypeNTor {
		t.Errorf("expected HTYPE=ntor, got 0x%04x", htype)
	}
	hlen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	if int(hlen) != len(handshakeData) {
		t.Errorf("expected HLEN=%d, got %d", len(handshakeData), hlen)
	}
}

func TestBuildExtend2DataRejectsIPv6(t *testing.T) {
	relay := &directory.Relay{
		Fingerprint:  "3333333333333333333333333333333333333A",
		Address:      "[2001:db8::1]:9001",
		IdentityKey:  make([]byte, 32),
		NtorOnionKey: make([]byte, 32),
	}

	_, err := buildExtend2Data(relay, make([]byte, 32))
	if err == nil {
		t.Fatal("Expected error for non-IPv4 relay address")
	}
}

func TestDecodeFingerprint(t *testing.T) {
	fp := "0123456789ABCDEF0123456789ABCDEF01234567"
	decoded, err := decodeFingerprint(fp)
	if err != nil {
		t.Fatalf("decodeFingerprint failed: %v", err)
	}
	if len(decoded) != 20 {
		t.Errorf("expected 20 bytes, got %d", len(decoded))
	}

	withDollar, err := decodeFingerprint("$" + fp)
	if err != nil {
		t.Fatalf("decodeFingerprint with $ prefix failed: %v", err)
	}
	if string(withDollar) != string(decoded) {
		t.Error("expected $-prefixed fingerprint to decode identically")
	}
}

func TestDecodeFingerprintInvalid(t *testing.T) {
	if _, err := decodeFingerprint("too-short"); err == nil {
		t.Error("Expected error for short fingerprint")
	}
	if _, err := decodeFingerprint("ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"); err == nil {
		t.Error("Expected error for non-hex fingerprint")
	}
}

func TestHandshakeTypeConstants(t *testing.T) {
	if HandshakeTypeNTor != 0x0002 {
		t.Errorf("Expected HandshakeTypeNTor=0x0002, got 0x%04x", HandshakeTypeNTor)
	}
	if HandshakeTypeTAP != 0x0000 {
		t.Errorf("Expected HandshakeTypeTAP=0x0000, got 0x%04x", HandshakeTypeTAP)
	}
}
