// Package limits provides centralized size constants and validation functions
// for the netcode protocol. This package ensures consistent size enforcement
// across all components of the implementation.
//
// # Size Hierarchy
//
//   - MaxPayloadSize (1200 bytes): the largest application payload carried by
//     one payload packet. Callers building reliability or fragmentation on top
//     of the protocol must split their data into chunks of at most this size.
//
//   - MaxPacketSize (1300 bytes): the largest datagram sent or accepted. Every
//     received datagram is checked against this limit before decoding.
//
//   - ConnectTokenSize (2048 bytes): the fixed size of a public connect token.
//     PrivateTokenSize (1024 bytes) and ChallengeTokenSize (300 bytes) are the
//     sealed sizes of the private and challenge sections, tag included.
//
//   - ConnectionRequestSize (1070 bytes): the only unencrypted packet type has
//     an exact size; anything else is malformed.
//
// # Validation Functions
//
//	if err := limits.ValidatePayload(payload); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Errors are wrapped with context; compare them with errors.Is.
//
// The encryption overhead matches golang.org/x/crypto/chacha20poly1305.Overhead
// (16 bytes for the Poly1305 tag).
package limits
