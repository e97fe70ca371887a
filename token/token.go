package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
)

// VersionInfo identifies the wire format. It is NUL terminated and exactly
// limits.VersionInfoSize bytes long.
const VersionInfo = "NETCODE 1.01\x00"

const (
	// HeaderSize is the size of the public header that doubles as the
	// associated data of the private section.
	HeaderSize = limits.VersionInfoSize + 8 + 8 + 8 + 8

	privatePlainSize = limits.PrivateTokenSize - crypto.Overhead
	macOffset        = limits.ConnectTokenSize - limits.TokenMACSize
)

var (
	// ErrInvalidFormat indicates a token of the wrong size, version or layout.
	ErrInvalidFormat = errors.New("invalid connect token format")

	// ErrAuthenticationFailed indicates a MAC or AEAD tag mismatch. It is the
	// same value as crypto.ErrAuthenticationFailed.
	ErrAuthenticationFailed = crypto.ErrAuthenticationFailed

	// ErrProtocolMismatch indicates a token minted for another application.
	ErrProtocolMismatch = errors.New("protocol ID mismatch")

	// ErrExpired indicates the expire timestamp has passed.
	ErrExpired = errors.New("connect token expired")

	// ErrAlreadyUsed indicates a token whose sequence was already redeemed.
	ErrAlreadyUsed = errors.New("connect token already used")
)

// Header is the public, authenticated prefix of a connect token. The same
// fields travel in the clear inside connection request packets.
type Header struct {
	ProtocolID      uint64
	CreateTimestamp uint64
	ExpireTimestamp uint64
	Sequence        uint64
}

// AssociatedData returns the bytes bound to the sealed private section:
// version info, protocol ID, create, expire and sequence.
func (h *Header) AssociatedData() []byte {
	w := writer{buf: make([]byte, 0, HeaderSize)}
	h.write(&w)
	return w.buf
}

// Expired reports whether the token is no longer valid at now.
func (h *Header) Expired(now time.Time) bool {
	return crypto.TimeToUnix(now) >= h.ExpireTimestamp
}

// ExpireTime returns the expire timestamp as a time.Time.
func (h *Header) ExpireTime() time.Time {
	return crypto.UnixToTime(h.ExpireTimestamp)
}

func (h *Header) write(w *writer) {
	w.bytes([]byte(VersionInfo))
	w.uint64(h.ProtocolID)
	w.uint64(h.CreateTimestamp)
	w.uint64(h.ExpireTimestamp)
	w.uint64(h.Sequence)
}

func (h *Header) read(r *reader) error {
	var version [limits.VersionInfoSize]byte
	r.copyTo(version[:])
	h.ProtocolID = r.uint64()
	h.CreateTimestamp = r.uint64()
	h.ExpireTimestamp = r.uint64()
	h.Sequence = r.uint64()
	if r.err != nil {
		return r.err
	}
	if !bytes.Equal(version[:], []byte(VersionInfo)) {
		return fmt.Errorf("%w: unsupported version", ErrInvalidFormat)
	}
	if h.ExpireTimestamp < h.CreateTimestamp {
		return fmt.Errorf("%w: expires before it was created", ErrInvalidFormat)
	}
	return nil
}

// ParseHeader reads a public header from the first HeaderSize bytes of buf.
// It is the parsing half of AssociatedData.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidFormat, len(buf), HeaderSize)
	}
	h := &Header{}
	r := reader{buf: buf[:HeaderSize]}
	if err := h.read(&r); err != nil {
		return nil, err
	}
	return h, nil
}

// PrivateToken is the server-only part of a connect token. Only holders of
// the private key can read or forge it.
type PrivateToken struct {
	ClientID          uint64
	TimeoutSeconds    uint32
	ServerAddresses   []*net.UDPAddr
	ClientToServerKey crypto.Key
	ServerToClientKey crypto.Key
	UserData          [limits.UserDataSize]byte
}

// seal serializes the private token and encrypts it under key, nonce
// h.Sequence and the header as associated data.
func (p *PrivateToken) seal(h *Header, key *crypto.Key) ([]byte, error) {
	w := writer{buf: make([]byte, 0, privatePlainSize)}
	w.uint64(p.ClientID)
	w.uint32(p.TimeoutSeconds)
	if err := writeAddresses(&w, p.ServerAddresses); err != nil {
		return nil, err
	}
	w.bytes(p.ClientToServerKey[:])
	w.bytes(p.ServerToClientKey[:])
	w.bytes(p.UserData[:])
	if len(w.buf) > privatePlainSize {
		return nil, fmt.Errorf("%w: private token too large", ErrInvalidFormat)
	}
	w.pad(privatePlainSize)

	sealed := crypto.Seal(make([]byte, 0, limits.PrivateTokenSize), key, h.Sequence, h.AssociatedData(), w.buf)
	crypto.ZeroBytes(w.buf)
	return sealed, nil
}

// DecryptPrivate opens a sealed private token using the header it was minted
// with. Servers call it on the connection request path.
func DecryptPrivate(h *Header, sealed []byte, key *crypto.Key) (*PrivateToken, error) {
	if len(sealed) != limits.PrivateTokenSize {
		return nil, fmt.Errorf("%w: private token is %d bytes", ErrInvalidFormat, len(sealed))
	}

	plain, err := crypto.Open(make([]byte, 0, privatePlainSize), key, h.Sequence, h.AssociatedData(), sealed)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	defer crypto.ZeroBytes(plain)

	p := &PrivateToken{}
	r := reader{buf: plain}
	p.ClientID = r.uint64()
	p.TimeoutSeconds = r.uint32()
	addrs, err := readAddresses(&r)
	if err != nil {
		return nil, err
	}
	p.ServerAddresses = addrs
	r.copyTo(p.ClientToServerKey[:])
	r.copyTo(p.ServerToClientKey[:])
	r.copyTo(p.UserData[:])
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Wipe erases the session keys.
func (p *PrivateToken) Wipe() {
	crypto.WipeKey(&p.ClientToServerKey)
	crypto.WipeKey(&p.ServerToClientKey)
}

// PublicToken is the client's view of a connect token: everything needed to
// reach a server, plus the private section it cannot read.
type PublicToken struct {
	Header
	Private           [limits.PrivateTokenSize]byte
	TimeoutSeconds    uint32
	ServerAddresses   []*net.UDPAddr
	ClientToServerKey crypto.Key
	ServerToClientKey crypto.Key
}

// Wipe erases the session keys.
func (p *PublicToken) Wipe() {
	crypto.WipeKey(&p.ClientToServerKey)
	crypto.WipeKey(&p.ServerToClientKey)
}

// ReadPublic parses a connect token without the private key. Only the
// layout and version are checked; the MAC is the server's business.
func ReadPublic(buf []byte) (*PublicToken, error) {
	if len(buf) != limits.ConnectTokenSize {
		return nil, fmt.Errorf("%w: token is %d bytes, want %d", ErrInvalidFormat, len(buf), limits.ConnectTokenSize)
	}

	p := &PublicToken{}
	r := reader{buf: buf[:macOffset]}
	if err := p.Header.read(&r); err != nil {
		return nil, err
	}
	r.copyTo(p.Private[:])
	p.TimeoutSeconds = r.uint32()
	addrs, err := readAddresses(&r)
	if err != nil {
		return nil, err
	}
	p.ServerAddresses = addrs
	r.copyTo(p.ClientToServerKey[:])
	r.copyTo(p.ServerToClientKey[:])
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// ConnectToken is a complete connect token as seen by the authority that
// mints it and by servers that redeem it.
type ConnectToken struct {
	Header
	PrivateToken
}

// Encode serializes the token into its fixed 2048-byte form: public fields,
// the private section sealed under privateKey, and a keyed MAC over the rest.
func (t *ConnectToken) Encode(privateKey *crypto.Key) ([]byte, error) {
	if t.ExpireTimestamp <= t.CreateTimestamp {
		return nil, fmt.Errorf("%w: expire timestamp must follow create timestamp", ErrInvalidFormat)
	}

	sealed, err := t.PrivateToken.seal(&t.Header, privateKey)
	if err != nil {
		return nil, err
	}

	w := writer{buf: make([]byte, 0, limits.ConnectTokenSize)}
	t.Header.write(&w)
	w.bytes(sealed)
	w.uint32(t.TimeoutSeconds)
	if err := writeAddresses(&w, t.ServerAddresses); err != nil {
		return nil, err
	}
	w.bytes(t.ClientToServerKey[:])
	w.bytes(t.ServerToClientKey[:])
	if len(w.buf) > macOffset {
		return nil, fmt.Errorf("%w: public section too large", ErrInvalidFormat)
	}
	w.pad(macOffset)

	mac := crypto.MAC(privateKey, w.buf)
	w.bytes(mac[:])
	return w.buf, nil
}

// Decode authenticates and parses an encoded connect token. The MAC is
// checked before anything else is trusted, then version, protocol ID and
// expiry, and finally the private section is opened.
func Decode(buf []byte, protocolID uint64, privateKey *crypto.Key, now time.Time) (*ConnectToken, error) {
	if len(buf) != limits.ConnectTokenSize {
		return nil, fmt.Errorf("%w: token is %d bytes, want %d", ErrInvalidFormat, len(buf), limits.ConnectTokenSize)
	}
	if !crypto.VerifyMAC(privateKey, buf[:macOffset], buf[macOffset:]) {
		logrus.WithFields(logrus.Fields{
			"function": "Decode",
			"package":  "token",
		}).Debug("Connect token MAC mismatch")
		return nil, ErrAuthenticationFailed
	}

	pub, err := ReadPublic(buf)
	if err != nil {
		return nil, err
	}
	defer pub.Wipe()

	if pub.ProtocolID != protocolID {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrProtocolMismatch, pub.ProtocolID, protocolID)
	}
	if pub.Expired(now) {
		return nil, ErrExpired
	}

	priv, err := DecryptPrivate(&pub.Header, pub.Private[:], privateKey)
	if err != nil {
		return nil, err
	}
	return &ConnectToken{Header: pub.Header, PrivateToken: *priv}, nil
}

// Options describes a connect token to mint.
type Options struct {
	ProtocolID      uint64
	ClientID        uint64
	Sequence        uint64
	ServerAddresses []*net.UDPAddr
	UserData        []byte
	// TimeoutSeconds is the idle timeout servers and clients apply to the
	// session; zero defers to their own configuration.
	TimeoutSeconds uint32
	// Lifetime is how long the token may be redeemed after now.
	Lifetime time.Duration
}

// NewConnectToken builds a token with fresh random session keys. Encode it
// with the private key shared with the servers.
func NewConnectToken(opts Options, now time.Time) (*ConnectToken, error) {
	if err := limits.ValidateAddressCount(len(opts.ServerAddresses)); err != nil {
		return nil, err
	}
	if len(opts.UserData) > limits.UserDataSize {
		return nil, fmt.Errorf("%w: user data is %d bytes, limit %d", limits.ErrMessageTooLarge, len(opts.UserData), limits.UserDataSize)
	}
	if opts.Lifetime < time.Second {
		return nil, fmt.Errorf("%w: lifetime %v is shorter than one second", ErrInvalidFormat, opts.Lifetime)
	}

	create := crypto.TimeToUnix(now)
	t := &ConnectToken{
		Header: Header{
			ProtocolID:      opts.ProtocolID,
			CreateTimestamp: create,
			ExpireTimestamp: create + uint64(opts.Lifetime/time.Second),
			Sequence:        opts.Sequence,
		},
		PrivateToken: PrivateToken{
			ClientID:        opts.ClientID,
			TimeoutSeconds:  opts.TimeoutSeconds,
			ServerAddresses: append([]*net.UDPAddr(nil), opts.ServerAddresses...),
		},
	}
	copy(t.UserData[:], opts.UserData)

	var err error
	if t.ClientToServerKey, err = crypto.GenerateKey(); err != nil {
		return nil, fmt.Errorf("generate client-to-server key: %w", err)
	}
	if t.ServerToClientKey, err = crypto.GenerateKey(); err != nil {
		return nil, fmt.Errorf("generate server-to-client key: %w", err)
	}
	return t, nil
}

// EncodeBase64 renders an encoded token for out-of-band delivery.
func EncodeBase64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeBase64 reverses EncodeBase64, ignoring surrounding whitespace.
func DecodeBase64(s string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return buf, nil
}
