// Package crypto implements the cryptographic primitives of the netcode
// protocol.
//
// Every other package builds on the primitives defined here. None of them
// ever reports why an authentication failed: Open returns the single
// ErrAuthenticationFailed error and VerifyMAC returns false, so a forged
// packet learns nothing about which byte was wrong.
//
// # Authenticated Encryption
//
// Packets, private connect tokens and challenge tokens are sealed with
// ChaCha20-Poly1305 (IETF). The 96-bit nonce is four zero bytes followed by
// the little-endian 64-bit sequence number of the message, the same layout
// the Noise protocol framework uses, so the cipher is taken from
// github.com/flynn/noise:
//
//	key, _ := crypto.GenerateKey()
//	sealed := crypto.Seal(nil, &key, sequence, associatedData, plaintext)
//	plain, err := crypto.Open(nil, &key, sequence, associatedData, sealed)
//
// Because the nonce is derived from the sequence, a sender must never reuse
// a sequence under one key. Packet senders count upward from zero per
// direction, token authorities count upward per token.
//
// # Token MAC
//
// MAC and VerifyMAC compute a keyed BLAKE2b-256 over the public part of a
// connect token. The key is the long-term private key shared by the server
// fleet and the token authority.
//
// # Replay Protection
//
// ReplayStore remembers every accepted connect token (protocol ID, sequence)
// until the token expires, optionally persisted to disk:
//
//	rs, _ := crypto.NewReplayStore("/var/lib/netcode", nil)
//	if rs.CheckAndStore(protocolID, sequence, expire) {
//	    // first use
//	}
//
// # Secure Memory Handling
//
// Per-connection keys are erased with WipeKey when a connection ends:
//
//	defer crypto.WipeKey(&key)
//
// # Deterministic Testing
//
// Time-dependent components accept a TimeProvider. MockTimeProvider is a
// controllable clock for tests:
//
//	clock := crypto.NewMockTimeProvider(time.Unix(1000, 0))
//	clock.Advance(5 * time.Second)
package crypto
