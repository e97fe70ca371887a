// Package limits provides centralized size limits for the netcode protocol.
// This ensures consistent validation across the token, packet, client and
// server components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayloadSize is the largest application payload carried by a single
	// payload packet.
	MaxPayloadSize = 1200

	// MaxPacketSize is the largest datagram the protocol ever sends or
	// accepts. Anything larger is dropped before decoding.
	MaxPacketSize = 1300

	// EncryptionOverhead is the Poly1305 tag appended by every AEAD seal.
	EncryptionOverhead = 16 // golang.org/x/crypto/chacha20poly1305.Overhead

	// KeySize is the size of every symmetric key used by the protocol.
	KeySize = 32 // golang.org/x/crypto/chacha20poly1305.KeySize

	// VersionInfoSize is the size of the NUL terminated version string.
	VersionInfoSize = 13

	// UserDataSize is the opaque user data carried in private and challenge tokens.
	UserDataSize = 256

	// ConnectTokenSize is the fixed size of the public connect token handed to clients.
	ConnectTokenSize = 2048

	// PrivateTokenSize is the size of the sealed private token section,
	// tag included.
	PrivateTokenSize = 1024

	// ChallengeTokenSize is the size of a sealed challenge token, tag included.
	ChallengeTokenSize = 300

	// TokenMACSize is the size of the keyed MAC that closes a connect token.
	TokenMACSize = 32

	// ConnectionRequestSize is the exact size of a connection request packet:
	// prefix, version info, protocol ID, create and expire timestamps,
	// token sequence and the sealed private token.
	ConnectionRequestSize = 1 + VersionInfoSize + 8 + 8 + 8 + 8 + PrivateTokenSize

	// MaxServerAddresses is the largest candidate server list a token may carry.
	MaxServerAddresses = 32

	// MaxClients is the largest client table a server may be configured with.
	MaxClients = 256
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrAddressCount indicates a server address list outside [1, MaxServerAddresses]
	ErrAddressCount = errors.New("invalid server address count")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload validates an application payload against MaxPayloadSize.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}
	return nil
}

// ValidatePacket validates a raw datagram against MaxPacketSize.
// This limit should be applied to all untrusted input before decoding.
func ValidatePacket(packet []byte) error {
	if len(packet) == 0 {
		return ErrMessageEmpty
	}
	if len(packet) > MaxPacketSize {
		return fmt.Errorf("%w: packet size %d exceeds limit %d", ErrMessageTooLarge, len(packet), MaxPacketSize)
	}
	return nil
}

// ValidateAddressCount checks the number of candidate servers in a token.
func ValidateAddressCount(n int) error {
	if n < 1 || n > MaxServerAddresses {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrAddressCount, n, MaxServerAddresses)
	}
	return nil
}
