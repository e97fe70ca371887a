package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of every symmetric key used by the protocol.
const KeySize = chacha20poly1305.KeySize

// Overhead is the size of the authentication tag appended by Seal.
const Overhead = chacha20poly1305.Overhead

// Key is a 32-byte ChaCha20-Poly1305 key.
type Key [KeySize]byte

var (
	// ErrAuthenticationFailed is the only error Open ever reports. It never
	// says which part of the input was wrong.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidKey indicates key material of the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid key")
)

// packetCipher is the AEAD used for packets, private tokens and challenge
// tokens: ChaCha20-Poly1305 (IETF) with a 12-byte nonce made of four zero
// bytes followed by the little-endian sequence number.
var packetCipher = noise.CipherChaChaPoly

// Seal encrypts and authenticates plaintext under key, binding ad, and appends
// the result to dst. The nonce is derived from sequence, so callers must never
// seal two messages with the same sequence under the same key.
func Seal(dst []byte, key *Key, sequence uint64, ad, plaintext []byte) []byte {
	return packetCipher.Cipher(*key).Encrypt(dst, sequence, ad, plaintext)
}

// Open authenticates and decrypts ciphertext sealed with Seal, appending the
// plaintext to dst. Any failure, including a truncated input, yields
// ErrAuthenticationFailed.
func Open(dst []byte, key *Key, sequence uint64, ad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrAuthenticationFailed
	}
	out, err := packetCipher.Cipher(*key).Decrypt(dst, sequence, ad, ciphertext)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return out, nil
}

// GenerateKey creates a cryptographically secure random key.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	return nil
}

// KeyFromBytes copies a 32-byte slice into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var key Key
	if len(b) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), KeySize)
	}
	copy(key[:], b)
	return key, nil
}

// ParseKeyHex decodes a hex encoded 32-byte key, the format used in
// configuration files.
func ParseKeyHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer ZeroBytes(b)
	return KeyFromBytes(b)
}

// IsZero reports whether the key is all zeros, which is never a valid key.
func (k *Key) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}
