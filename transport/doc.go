// Package transport implements the netcode packet codec and the datagram
// transports that carry it.
//
// # Packets
//
// Every packet starts with a prefix byte whose low nibble is the PacketType.
// Connection requests travel in the clear and are exactly
// limits.ConnectionRequestSize bytes. Every other type carries a sequence
// number (its width in the prefix's high nibble) followed by a
// ChaCha20-Poly1305 ciphertext bound to the version info, protocol ID and
// prefix byte:
//
//	p := &transport.Packet{Type: transport.PacketPayload, Sequence: seq, Payload: data}
//	buf, err := p.Encode(nil, protocolID, &sendKey)
//
//	p, err := transport.DecodePacket(buf, protocolID, &recvKey, &replay,
//	    transport.Allow(transport.PacketKeepAlive, transport.PacketPayload))
//
// DecodePacket rejects types outside the allowed set, stale sequences and
// anything that fails authentication. Receivers drop such packets silently.
//
// # Transports
//
// The Transport interface is deliberately small and non-blocking so that a
// client or server tick can drain it without stalling:
//
//	t, err := transport.NewUDPTransport("0.0.0.0:40000")
//	n, from, err := t.ReadFrom(buf) // ErrWouldBlock when idle
//
// UDPTransport reads on a background goroutine into a bounded queue of pooled
// buffers. SimulatedNetwork provides in-memory endpoints with an optional
// drop filter for deterministic tests.
package transport
