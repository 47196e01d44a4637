// Package relaycrypto builds the key-agreement and key-derivation logic a
// circuit needs (KDF-TOR, the ntor handshake) on top of the stdlib/x-crypto
// primitives that act as this module's external crypto collaborators.
//
// Security considerations:
// - All random number generation uses crypto/rand (CSPRNG)
// - Key comparisons use constant-time operations
// - Memory containing keys should be zeroed after use by the caller
package relaycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - SHA1 required by Tor protocol specification (tor-spec.txt)
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key sizes
const (
	// AES128KeySize is the size of AES-128 keys
	AES128KeySize = 16
	// AES256KeySize is the size of AES-256 keys
	AES256KeySize = 32
	// SHA1Size is the size of SHA-1 digests
	SHA1Size = 20
	// SHA256Size is the size of SHA-256 digests
	SHA256Size = 32
)

// GenerateRandomBytes generates n random bytes using crypto/rand
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// SHA1Hash computes the SHA-1 hash of the input
// #nosec G401 - SHA1 required by Tor specification (tor-spec.txt section 0.3)
// SHA1 is mandated by the Tor protocol for specific operations and cannot be replaced
// without breaking protocol compatibility. It is not used for collision-resistant purposes.
func SHA1Hash(data []byte) []byte {
	h := sha1.Sum(data) // #nosec G401
	return h[:]
}

// SHA256Hash computes the SHA-256 hash of the input
func SHA256Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// AESCTRCipher represents an AES-CTR cipher for encryption/decryption
type AESCTRCipher struct {
	stream cipher.Stream
}

// NewAESCTRCipher creates a new AES-CTR cipher with the given key and IV
func NewAESCTRCipher(key, iv []byte) (*AESCTRCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	stream := cipher.NewCTR(block, iv)
	return &AESCTRCipher{stream: stream}, nil
}

// Encrypt encrypts the plaintext in-place using AES-CTR
func (c *AESCTRCipher) Encrypt(plaintext []byte) {
	c.stream.XORKeyStream(plaintext, plaintext)
}

// Decrypt decrypts the ciphertext in-place using AES-CTR
func (c *AESCTRCipher) Decrypt(ciphertext []byte) {
	// In CTR mode, encryption and decryption are the same operation
	c.stream.XORKeyStream(ciphertext, ciphertext)
}

// RSAPublicKey wraps an RSA public key
type RSAPublicKey struct {
	key *rsa.PublicKey
}

// RSAPrivateKey wraps an RSA private key
type RSAPrivateKey struct {
	key *rsa.PrivateKey
}

// GenerateRSAKey generates a new RSA key pair with the given bit size
func GenerateRSAKey(bits int) (*RSAPrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &RSAPrivateKey{key: key}, nil
}

// PublicKey returns the public key corresponding to the private key
func (k *RSAPrivateKey) PublicKey() *RSAPublicKey {
	return &RSAPublicKey{key: &k.key.PublicKey}
}

// Encrypt encrypts data using RSA OAEP with SHA-1
// #nosec G401 - SHA1 with RSA-OAEP required by Tor specification (tor-spec.txt section 0.3)
// The Tor protocol mandates RSA-1024-OAEP-SHA1 for hybrid encryption.
func (k *RSAPublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, k.key, plaintext, nil) // #nosec G401
	if err != nil {
		return nil, fmt.Errorf("RSA encryption failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts data using RSA OAEP with SHA-1
// #nosec G401 - SHA1 with RSA-OAEP required by Tor specification (tor-spec.txt section 0.3)
// The Tor protocol mandates RSA-1024-OAEP-SHA1 for hybrid encryption.
func (k *RSAPrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, k.key, ciphertext, nil) // #nosec G401
	if err != nil {
		return nil, fmt.Errorf("RSA decryption failed: %w", err)
	}
	return plaintext, nil
}

// DigestWriter wraps a hash writer for computing running digests
type DigestWriter struct {
	hash io.Writer
}

// NewSHA1DigestWriter creates a new SHA-1 digest writer
// #nosec G401 - SHA1 required by Tor specification (tor-spec.txt)
// SHA1 is mandated by the Tor protocol for computing digests in various protocol operations.
func NewSHA1DigestWriter() *DigestWriter {
	return &DigestWriter{hash: sha1.New()} // #nosec G401
}

// Write writes data to the digest
func (d *DigestWriter) Write(p []byte) (n int, err error) {
	return d.hash.Write(p)
}

// DeriveKey derives key material using KDF-TOR
// KDF-TOR uses iterative SHA-1 hashing to expand a shared secret
//
// Security note: The caller is responsible for zeroing the returned key material
// when it's no longer needed using security.SecureZeroMemory()
func DeriveKey(secret []byte, keyLen int) ([]byte, error) {
	if keyLen <= 0 {
		return nil, fmt.Errorf("invalid key length: %d", keyLen)
	}

	// KDF-TOR: K = K_0 | K_1 | K_2 | ...
	// Where K_i = H(K_0 | [i])
	// And K_0 = H(secret)

	k0 := SHA1Hash(secret)
	result := make([]byte, 0, keyLen)

	// Append K_0
	result = append(result, k0...)

	// Generate additional blocks if needed
	i := byte(1)
	for len(result) < keyLen {
		// K_i = H(K_0 | [i])
		data := append(k0, i)
		ki := SHA1Hash(data)
		result = append(result, ki...)
		i++
	}

	// Return exactly keyLen bytes
	return result[:keyLen], nil
}

// NtorKeyPair represents a Curve25519 key pair for ntor handshake
type NtorKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateNtorKeyPair generates a new Curve25519 key pair for ntor handshake
// This implements tor-spec.txt section 5.1.4 (ntor handshake)
func GenerateNtorKeyPair() (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}

	// Generate random private key
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Compute public key: X = x*G
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)

	return kp, nil
}

// HopKeys is the 72 bytes of KDF output tor-spec.txt section 5.2.2 splits into
// two digest seeds and two stream-cipher keys for a single hop, in either the
// KDF-TOR (CREATE_FAST) or ntor key-extraction form.
type HopKeys struct {
	ForwardDigestSeed  []byte // Df, 20 bytes: seeds the forward SHA-1 running digest
	BackwardDigestSeed []byte // Db, 20 bytes: seeds the backward SHA-1 running digest
	ForwardKey         []byte // Kf, 16 bytes: AES-128-CTR key for outbound cells
	BackwardKey        []byte // Kb, 16 bytes: AES-128-CTR key for inbound cells
}

// SplitHopKeys splits 72 bytes of KDF output into Df||Db||Kf||Kb per
// tor-spec.txt section 5.2.2. Both KDF-TOR and the ntor key_extract phase
// produce key material in this layout.
func SplitHopKeys(km []byte) (HopKeys, error) {
	if len(km) < 72 {
		return HopKeys{}, fmt.Errorf("key material too short: %d < 72", len(km))
	}
	return HopKeys{
		ForwardDigestSeed:  append([]byte(nil), km[0:20]...),
		BackwardDigestSeed: append([]byte(nil), km[20:40]...),
		ForwardKey:         append([]byte(nil), km[40:56]...),
		BackwardKey:        append([]byte(nil), km[56:72]...),
	}, nil
}

// NtorClientHandshake holds the client-side state of an in-progress ntor
// handshake between the initial CLIENT_PK generation and the eventual
// server response: the ephemeral private key must survive that round trip,
// so a stateless function pair (as tor-spec.txt describes the handshake in
// prose) would leak it through a caller-managed side channel. Keeping it on
// this struct makes the two-phase nature explicit in the type.
type NtorClientHandshake struct {
	ephemeral      *NtorKeyPair
	identityKey    []byte
	ntorOnionKey   []byte
}

// NewNtorClientHandshake generates the ephemeral keypair and the CREATE2/
// EXTEND2 handshake-data payload (NODEID || KEYID || CLIENT_PK) to send to
// the relay. The returned handshake object must be kept until the server's
// response arrives, then passed to Complete.
func NewNtorClientHandshake(identityKey, ntorOnionKey []byte) (h *NtorClientHandshake, handshakeData []byte, err error) {
	if len(identityKey) != 32 {
		return nil, nil, fmt.Errorf("invalid identity key length: %d", len(identityKey))
	}
	if len(ntorOnionKey) != 32 {
		return nil, nil, fmt.Errorf("invalid ntor onion key length: %d", len(ntorOnionKey))
	}

	ephemeral, err := GenerateNtorKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// NODEID(20) || KEYID(32) || CLIENT_PK(32)
	handshakeData = make([]byte, 20+32+32)
	copy(handshakeData[0:20], identityKey[0:20])
	copy(handshakeData[20:52], ntorOnionKey)
	copy(handshakeData[52:84], ephemeral.Public[:])

	h = &NtorClientHandshake{
		ephemeral:    ephemeral,
		identityKey:  identityKey,
		ntorOnionKey: ntorOnionKey,
	}
	return h, handshakeData, nil
}

// Complete processes the server's CREATED2/EXTENDED2 response (Y || AUTH,
// 64 bytes) and returns the 72 bytes of derived key material once the AUTH
// MAC has been verified. Implements tor-spec.txt section 5.1.4.
func (h *NtorClientHandshake) Complete(response []byte) ([]byte, error) {
	if len(response) != 64 {
		return nil, fmt.Errorf("invalid response length: %d, expected 64", len(response))
	}

	var serverY, auth [32]byte
	copy(serverY[:], response[0:32])
	copy(auth[:], response[32:64])

	clientX := h.ephemeral.Private

	// secret_input = EXP(Y,x) || EXP(B,x) || ID || B || X || Y || PROTOID
	var sharedXY, sharedXB [32]byte
	curve25519.ScalarMult(&sharedXY, &clientX, &serverY)

	var serverB [32]byte
	copy(serverB[:], h.ntorOnionKey)
	curve25519.ScalarMult(&sharedXB, &clientX, &serverB)

	protoid := []byte("ntor-curve25519-sha256-1")
	secretInput := make([]byte, 0, 32+32+32+32+32+32+len(protoid))
	secretInput = append(secretInput, sharedXY[:]...)
	secretInput = append(secretInput, sharedXB[:]...)
	secretInput = append(secretInput, h.identityKey[0:32]...)
	secretInput = append(secretInput, h.ntorOnionKey...)
	secretInput = append(secretInput, h.ephemeral.Public[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, protoid...)

	// verify = HKDF(secret_input, "...verify"); key_material = HKDF(secret_input, "...key_extract")
	verify := []byte("ntor-curve25519-sha256-1:verify")
	hkdfVerify := hkdf.New(sha256.New, secretInput, nil, verify)
	expectedAuth := make([]byte, 32)
	if _, err := io.ReadFull(hkdfVerify, expectedAuth); err != nil {
		return nil, fmt.Errorf("HKDF verify derivation failed: %w", err)
	}

	if !constantTimeCompare(auth[:], expectedAuth) {
		return nil, fmt.Errorf("auth MAC verification failed: server authentication invalid")
	}

	keyInfo := []byte("ntor-curve25519-sha256-1:key_extract")
	hkdfKey := hkdf.New(sha256.New, secretInput, nil, keyInfo)
	keyMaterial := make([]byte, 72)
	if _, err := io.ReadFull(hkdfKey, keyMaterial); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return keyMaterial, nil
}

// constantTimeCompare performs constant-time comparison of two byte slices
// This prevents timing attacks when comparing cryptographic values
func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	
	var result byte = 0
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// Ed25519Verify verifies an Ed25519 signature
// This is used for onion service descriptor signature verification
// Implements rend-spec-v3.txt section 2.1
func Ed25519Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Ed25519Sign signs a message with an Ed25519 private key
func Ed25519Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(privateKey))
	}
	
	signature := ed25519.Sign(ed25519.PrivateKey(privateKey), message)
	return signature, nil
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair
func GenerateEd25519KeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return pub, priv, nil
}
