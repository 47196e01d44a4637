// Package cell provides relay cell functionality for Tor protocol
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/torbridge/embedded/pkg/security"
)

// Relay commands from tor-spec.txt section 6.1
const (
	RelayBegin        byte = 1
	RelayData         byte = 2
	RelayEnd          byte = 3
	RelayConnected    byte = 4
	RelayExtend       byte = 6
	RelayExtended     byte = 7
	RelayTruncate     byte = 8
	RelayTruncated    byte = 9
	RelayResolve      byte = 11
	RelayResolved     byte = 12
	RelayBeginDir     byte = 13
	RelayExtend2      byte = 14
	RelayExtended2    byte = 15
	RelayIntroduce1   byte = 32 // INTRODUCE1 cell for onion services
	RelayIntroduce2   byte = 33 // INTRODUCE2 cell for onion services
	RelayRendezvous1  byte = 34 // RENDEZVOUS1 cell for onion services
	RelayRendezvous2  byte = 35 // RENDEZVOUS2 cell for onion services
	RelayIntroEstab   byte = 38 // ESTABLISH_INTRO cell for onion services
	RelayIntroEstdAck byte = 39 // INTRO_ESTABLISHED cell for onion services
	RelaySendme       byte = 5  // SENDME: credit a circuit- or stream-level window
)

// SendmeVersion distinguishes the legacy unconditional-credit SENDME (v0)
// from the digest-echo SENDME (v1, tor-spec.txt section 6.3.1) that must
// carry the digest of the cells it is crediting so the receiver can
// detect a cut-and-paste attack on the flow-control window.
type SendmeVersion byte

const (
	SendmeVersionLegacy SendmeVersion = 0
	SendmeVersionDigest SendmeVersion = 1
)

// SendmePayload is the body of a RELAY_SENDME cell's Data field.
// For SendmeVersionLegacy, Digest is empty and Data carries nothing.
// For SendmeVersionDigest, Digest is the 20-byte SHA-1 digest of the most
// recent cell counted toward this window credit.
type SendmePayload struct {
	Version SendmeVersion
	Digest  []byte
}

// EncodeSendme renders a SendmePayload into a RELAY_SENDME cell body.
func EncodeSendme(p SendmePayload) []byte {
	if p.Version == SendmeVersionLegacy {
		return nil
	}
	buf := make([]byte, 3+len(p.Digest))
	buf[0] = byte(p.Version)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(p.Digest)))
	copy(buf[3:], p.Digest)
	return buf
}

// DecodeSendme parses a RELAY_SENDME cell body. An empty body is the legacy
// v0 form; anything else must be a single TLV of (version, length, digest).
func DecodeSendme(data []byte) (SendmePayload, error) {
	if len(data) == 0 {
		return SendmePayload{Version: SendmeVersionLegacy}, nil
	}
	if len(data) < 3 {
		return SendmePayload{}, fmt.Errorf("sendme body too short: %d", len(data))
	}
	version := SendmeVersion(data[0])
	length := binary.BigEndian.Uint16(data[1:3])
	if int(length) > len(data)-3 {
		return SendmePayload{}, fmt.Errorf("sendme digest length exceeds body: %d > %d", length, len(data)-3)
	}
	digest := make([]byte, length)
	copy(digest, data[3:3+length])
	return SendmePayload{Version: version, Digest: digest}, nil
}

// RelayCell represents the payload of a RELAY or RELAY_EARLY cell
type RelayCell struct {
	Command    byte    // Relay command
	Recognized uint16  // Must be zero
	StreamID   uint16  // Stream ID
	Digest     [4]byte // Running digest
	Length     uint16  // Length of data
	Data       []byte  // Relay data
}

// RelayCell header size: Command(1) + Recognized(2) + StreamID(2) + Digest(4) + Length(2) = 11 bytes
const RelayCellHeaderLen = 11

// NewRelayCell creates a new relay cell
func NewRelayCell(streamID uint16, cmd byte, data []byte) *RelayCell {
	// Safely convert data length to uint16
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		// Data is too large, truncate to max uint16
		length = 65535
	}

	return &RelayCell{
		Command:    cmd,
		Recognized: 0,
		StreamID:   streamID,
		Digest:     [4]byte{0, 0, 0, 0},
		Length:     length,
		Data:       data,
	}
}

// Encode encodes the relay cell into a byte slice
func (rc *RelayCell) Encode() ([]byte, error) {
	// Maximum relay cell data size
	maxDataLen := PayloadLen - RelayCellHeaderLen
	if len(rc.Data) > maxDataLen {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), maxDataLen)
	}

	// Create payload buffer
	payload := make([]byte, PayloadLen)

	// Write header
	payload[0] = rc.Command
	binary.BigEndian.PutUint16(payload[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], rc.Length)

	// Write data
	copy(payload[11:], rc.Data)

	// Rest is zero padding (already initialized to zero)

	return payload, nil
}

// DecodeRelayCell decodes a relay cell from a payload
func DecodeRelayCell(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayCellHeaderLen {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayCellHeaderLen)
	}

	rc := &RelayCell{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(rc.Digest[:], payload[5:9])

	// Validate length - defense in depth (AUDIT-015)
	maxDataLen := uint16(PayloadLen - RelayCellHeaderLen)
	if rc.Length > maxDataLen {
		return nil, fmt.Errorf("relay cell length exceeds maximum: %d > %d", rc.Length, maxDataLen)
	}
	if int(rc.Length) > len(payload)-RelayCellHeaderLen {
		return nil, fmt.Errorf("relay cell data length exceeds payload: %d > %d", rc.Length, len(payload)-RelayCellHeaderLen)
	}

	// Extract data
	if rc.Length > 0 {
		rc.Data = make([]byte, rc.Length)
		copy(rc.Data, payload[11:11+rc.Length])
	}

	return rc, nil
}

// RelayCmdString returns a human-readable string for a relay command
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	case RelaySendme:
		return "RELAY_SENDME"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}
