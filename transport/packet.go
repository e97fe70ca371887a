package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
	"github.com/opd-ai/netcode/token"
)

// PacketType identifies the type of a netcode packet. It occupies the low
// nibble of the prefix byte.
type PacketType uint8

const (
	PacketConnectionRequest PacketType = iota
	PacketConnectionDenied
	PacketConnectionChallenge
	PacketConnectionResponse
	PacketKeepAlive
	PacketPayload
	PacketDisconnect

	numPacketTypes
)

var packetTypeNames = [numPacketTypes]string{
	"connection request",
	"connection denied",
	"connection challenge",
	"connection response",
	"keep-alive",
	"payload",
	"disconnect",
}

func (t PacketType) String() string {
	if t < numPacketTypes {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// TypeSet is the set of packet types a receiver accepts in its current state.
type TypeSet uint8

// Allow builds a TypeSet from the given types.
func Allow(types ...PacketType) TypeSet {
	var s TypeSet
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

// Has reports whether t is in the set.
func (s TypeSet) Has(t PacketType) bool {
	return t < numPacketTypes && s&(1<<t) != 0
}

var (
	// ErrInvalidPacket indicates a malformed prefix, length or field.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrPacketNotAllowed indicates a well-formed packet the receiver does
	// not accept in its current state.
	ErrPacketNotAllowed = errors.New("packet type not allowed")

	// ErrStalePacket indicates a sequence at or below the highest one
	// already accepted.
	ErrStalePacket = errors.New("stale packet sequence")

	// ErrAuthenticationFailed is crypto.ErrAuthenticationFailed.
	ErrAuthenticationFailed = crypto.ErrAuthenticationFailed

	// ErrProtocolMismatch is token.ErrProtocolMismatch.
	ErrProtocolMismatch = token.ErrProtocolMismatch
)

// sequenceBytes is the sequence width the encoder always uses.
const sequenceBytes = 8

// challengePlainSize is challenge sequence + sealed challenge token.
const challengePlainSize = 8 + limits.ChallengeTokenSize

// Packet is a decoded netcode packet. Only the fields of its Type are set.
type Packet struct {
	Type     PacketType
	Sequence uint64

	// ConnectionRequest: the public token header and the sealed private
	// section, forwarded verbatim from the connect token.
	Header       token.Header
	PrivateToken []byte

	// ConnectionChallenge and ConnectionResponse.
	ChallengeSequence uint64
	ChallengeToken    []byte

	// KeepAlive.
	ClientIndex uint32
	MaxClients  uint32

	// Payload. Decoded payloads live in a pool.Packets buffer; call Release
	// once done with them.
	Payload []byte
}

// Release returns a decoded payload buffer to the packet pool.
func (p *Packet) Release() {
	if p.Payload != nil {
		pool.Packets.Put(p.Payload)
		p.Payload = nil
	}
}

// associatedData binds version, protocol ID and prefix byte to every
// encrypted packet.
func associatedData(protocolID uint64, prefix byte) []byte {
	ad := make([]byte, 0, limits.VersionInfoSize+8+1)
	ad = append(ad, token.VersionInfo...)
	ad = binary.LittleEndian.AppendUint64(ad, protocolID)
	return append(ad, prefix)
}

// plaintextBounds returns the allowed plaintext size range of an encrypted type.
func plaintextBounds(t PacketType) (lo, hi int) {
	switch t {
	case PacketConnectionChallenge, PacketConnectionResponse:
		return challengePlainSize, challengePlainSize
	case PacketKeepAlive:
		return 8, 8
	case PacketPayload:
		return 1, limits.MaxPayloadSize
	default:
		return 0, 0
	}
}

// Encode appends the wire form of p to dst. Connection requests are written
// in the clear; every other type is sealed under key with p.Sequence as nonce.
func (p *Packet) Encode(dst []byte, protocolID uint64, key *crypto.Key) ([]byte, error) {
	if p.Type == PacketConnectionRequest {
		if p.Header.ProtocolID != protocolID {
			return nil, fmt.Errorf("%w: request carries %#x", ErrProtocolMismatch, p.Header.ProtocolID)
		}
		if len(p.PrivateToken) != limits.PrivateTokenSize {
			return nil, fmt.Errorf("%w: private token is %d bytes", ErrInvalidPacket, len(p.PrivateToken))
		}
		dst = append(dst, byte(PacketConnectionRequest))
		dst = append(dst, p.Header.AssociatedData()...)
		return append(dst, p.PrivateToken...), nil
	}

	if p.Type >= numPacketTypes {
		return nil, fmt.Errorf("%w: type %s", ErrInvalidPacket, p.Type)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no key for %s", ErrInvalidPacket, p.Type)
	}

	plain, err := p.plaintext()
	if err != nil {
		return nil, err
	}

	prefix := byte(p.Type) | sequenceBytes<<4
	dst = append(dst, prefix)
	dst = binary.LittleEndian.AppendUint64(dst, p.Sequence)
	return crypto.Seal(dst, key, p.Sequence, associatedData(protocolID, prefix), plain), nil
}

func (p *Packet) plaintext() ([]byte, error) {
	switch p.Type {
	case PacketConnectionChallenge, PacketConnectionResponse:
		if len(p.ChallengeToken) != limits.ChallengeTokenSize {
			return nil, fmt.Errorf("%w: challenge token is %d bytes", ErrInvalidPacket, len(p.ChallengeToken))
		}
		plain := binary.LittleEndian.AppendUint64(make([]byte, 0, challengePlainSize), p.ChallengeSequence)
		return append(plain, p.ChallengeToken...), nil
	case PacketKeepAlive:
		plain := binary.LittleEndian.AppendUint32(make([]byte, 0, 8), p.ClientIndex)
		return binary.LittleEndian.AppendUint32(plain, p.MaxClients), nil
	case PacketPayload:
		if err := limits.ValidatePayload(p.Payload); err != nil {
			return nil, err
		}
		return p.Payload, nil
	default:
		return nil, nil
	}
}

// DecodePacket parses and authenticates a datagram. The type must be in
// allowed. For encrypted types the sequence is checked against replay before
// decryption and recorded in replay only after authentication succeeds;
// replay may be nil for receivers that do not track sequences.
func DecodePacket(buf []byte, protocolID uint64, key *crypto.Key, replay *ReplayProtection, allowed TypeSet) (*Packet, error) {
	if len(buf) == 0 || len(buf) > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(buf))
	}

	prefix := buf[0]
	typ := PacketType(prefix & 0x0F)
	if typ >= numPacketTypes {
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidPacket, uint8(typ))
	}
	if !allowed.Has(typ) {
		return nil, fmt.Errorf("%w: %s", ErrPacketNotAllowed, typ)
	}
	if typ == PacketConnectionRequest {
		return decodeRequest(buf, protocolID)
	}

	n := int(prefix >> 4)
	if n < 1 || n > 8 {
		return nil, fmt.Errorf("%w: sequence width %d", ErrInvalidPacket, n)
	}
	if len(buf) < 1+n+crypto.Overhead {
		return nil, fmt.Errorf("%w: truncated %s", ErrInvalidPacket, typ)
	}
	var seq uint64
	for i := 0; i < n; i++ {
		seq |= uint64(buf[1+i]) << (8 * i)
	}

	ciphertext := buf[1+n:]
	lo, hi := plaintextBounds(typ)
	if size := len(ciphertext) - crypto.Overhead; size < lo || size > hi {
		return nil, fmt.Errorf("%w: %s with %d byte body", ErrInvalidPacket, typ, size)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no key for %s", ErrInvalidPacket, typ)
	}
	if replay != nil && replay.AlreadyReceived(seq) {
		highest, _ := replay.Highest()
		return nil, fmt.Errorf("%w: %d, highest accepted %d", ErrStalePacket, seq, highest)
	}

	scratch := pool.Packets.Get()
	plain, err := crypto.Open(scratch[:0], key, seq, associatedData(protocolID, prefix), ciphertext)
	if err != nil {
		pool.Packets.Put(scratch)
		return nil, ErrAuthenticationFailed
	}
	if replay != nil {
		replay.Advance(seq)
	}

	p := &Packet{Type: typ, Sequence: seq}
	switch typ {
	case PacketPayload:
		p.Payload = plain
		return p, nil
	case PacketConnectionChallenge, PacketConnectionResponse:
		p.ChallengeSequence = binary.LittleEndian.Uint64(plain[:8])
		p.ChallengeToken = append([]byte(nil), plain[8:]...)
	case PacketKeepAlive:
		p.ClientIndex = binary.LittleEndian.Uint32(plain[:4])
		p.MaxClients = binary.LittleEndian.Uint32(plain[4:8])
	}
	pool.Packets.Put(scratch)
	return p, nil
}

func decodeRequest(buf []byte, protocolID uint64) (*Packet, error) {
	if buf[0] != byte(PacketConnectionRequest) {
		return nil, fmt.Errorf("%w: request prefix %#x", ErrInvalidPacket, buf[0])
	}
	if len(buf) != limits.ConnectionRequestSize {
		return nil, fmt.Errorf("%w: request is %d bytes", ErrInvalidPacket, len(buf))
	}

	h, err := token.ParseHeader(buf[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if h.ProtocolID != protocolID {
		return nil, fmt.Errorf("%w: request carries %#x", ErrProtocolMismatch, h.ProtocolID)
	}

	return &Packet{
		Type:         PacketConnectionRequest,
		Header:       *h,
		PrivateToken: append([]byte(nil), buf[1+token.HeaderSize:]...),
	}, nil
}
