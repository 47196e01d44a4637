// Package keynet implements the ".keynet" hostname scheme: a non-standard
// address format that encodes an Ed25519 public key identifying a specific
// relay to use as a circuit's final hop, bypassing ordinary exit selection.
//
// The address shape mirrors the teacher's v3 .onion codec (base32 of
// pubkey||checksum||version) with a distinct domain-separated checksum and
// version byte, since both are "encode an Ed25519 key as a hostname" problems
// solved the same way.
package keynet

import (
	"crypto/sha3"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/torbridge/embedded/pkg/directory"
	torerrors "github.com/torbridge/embedded/pkg/errors"
)

const (
	// AddressLength is the number of base32 characters before the suffix.
	AddressLength = 56
	// Suffix is the hostname suffix this package recognizes.
	Suffix = ".keynet"
	// Version is the single version byte baked into every address.
	Version = 0x11
	// ChecksumLen is the number of checksum bytes following the pubkey.
	ChecksumLen = 2
	// PubkeyLen is the Ed25519 public key length in bytes.
	PubkeyLen = 32
)

// Address is a parsed .keynet hostname.
type Address struct {
	Pubkey []byte // 32-byte Ed25519 public key
	Raw    string // original hostname, suffix included
}

// IsKeynetHost reports whether host looks like a .keynet address, independent
// of whether it parses successfully.
func IsKeynetHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), Suffix)
}

// ParseAddress decodes a .keynet hostname into its Ed25519 public key,
// verifying the embedded checksum and version byte.
func ParseAddress(host string) (*Address, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(host), Suffix)
	if len(trimmed) != AddressLength {
		return nil, fmt.Errorf("invalid .keynet address length: want %d characters, got %d", AddressLength, len(trimmed))
	}

	decoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	decoded, err := decoder.DecodeString(strings.ToUpper(trimmed))
	if err != nil {
		return nil, fmt.Errorf("invalid base32 encoding: %w", err)
	}

	if len(decoded) != PubkeyLen+ChecksumLen+1 {
		return nil, fmt.Errorf("invalid .keynet address length: expected %d decoded bytes, got %d", PubkeyLen+ChecksumLen+1, len(decoded))
	}

	pubkey := decoded[0:PubkeyLen]
	checksum := decoded[PubkeyLen : PubkeyLen+ChecksumLen]
	version := decoded[PubkeyLen+ChecksumLen]

	if version != Version {
		return nil, fmt.Errorf("invalid .keynet version byte: expected 0x%02x, got 0x%02x", Version, version)
	}

	expected := computeChecksum(pubkey, version)
	if checksum[0] != expected[0] || checksum[1] != expected[1] {
		return nil, fmt.Errorf("invalid .keynet checksum")
	}

	return &Address{Pubkey: pubkey, Raw: trimmed + Suffix}, nil
}

// Encode builds the canonical .keynet hostname for an Ed25519 public key.
func Encode(pubkey []byte) (string, error) {
	if len(pubkey) != PubkeyLen {
		return "", fmt.Errorf("invalid pubkey length: want %d, got %d", PubkeyLen, len(pubkey))
	}
	checksum := computeChecksum(pubkey, Version)

	buf := make([]byte, 0, PubkeyLen+ChecksumLen+1)
	buf = append(buf, pubkey...)
	buf = append(buf, checksum...)
	buf = append(buf, Version)

	encoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(encoder.EncodeToString(buf)) + Suffix, nil
}

// computeChecksum is SHA3-256(".keynet checksum" || pubkey || version)[:2],
// the same construction the teacher's onion package uses for .onion, with a
// domain-separated label so the two schemes never collide.
func computeChecksum(pubkey []byte, version byte) []byte {
	h := sha3.New256()
	h.Write([]byte(".keynet checksum"))
	h.Write(pubkey)
	h.Write([]byte{version})
	return h.Sum(nil)[:ChecksumLen]
}

// ResolveExit implements spec's two-stage final-hop resolution for a .keynet
// host: coarse-match the first byte of each candidate's Ed25519 IdentityKey
// against the first byte of the requested key, then require an exact match
// of the full identity key among the survivors. The relay's RSA Fingerprint
// is not consulted at either stage. candidates should already be
// is_middle-filtered relays (the .keynet final hop plays the middle/exit
// role, not the guard).
func ResolveExit(candidates []*directory.Relay, pubkey []byte) (*directory.Relay, error) {
	if len(pubkey) != PubkeyLen {
		return nil, fmt.Errorf("invalid .keynet pubkey length: want %d, got %d", PubkeyLen, len(pubkey))
	}

	var coarse []*directory.Relay
	for _, r := range candidates {
		if len(r.IdentityKey) == 0 {
			continue
		}
		if r.IdentityKey[0] == pubkey[0] {
			coarse = append(coarse, r)
		}
	}

	for _, r := range coarse {
		if len(r.IdentityKey) == PubkeyLen && constantTimeEqual(r.IdentityKey, pubkey) {
			return r, nil
		}
	}

	return nil, torerrors.New(torerrors.KindKeynetExitNotFound,
		fmt.Sprintf("no relay found matching requested .keynet key (checked %d coarse candidates of %d)", len(coarse), len(candidates)))
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
