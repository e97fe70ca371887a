package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
	"github.com/opd-ai/netcode/queue"
	"github.com/opd-ai/netcode/token"
	"github.com/opd-ai/netcode/transport"
)

var (
	// ErrAlreadyConnecting is returned by Connect while a session is active.
	ErrAlreadyConnecting = errors.New("client is already connecting or connected")

	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("client is not connected")
)

// Packet types accepted in each state.
var (
	requestAllowed   = transport.Allow(transport.PacketConnectionDenied, transport.PacketConnectionChallenge)
	responseAllowed  = transport.Allow(transport.PacketConnectionDenied, transport.PacketKeepAlive, transport.PacketPayload)
	connectedAllowed = transport.Allow(transport.PacketKeepAlive, transport.PacketPayload, transport.PacketDisconnect)
)

// Client drives one connection attempt at a time through the handshake and
// keeps the resulting session alive. It is not safe for concurrent use;
// callers serialize Connect, Iterate, Send and Disconnect.
type Client struct {
	config    Config
	transport transport.Transport
	time      crypto.TimeProvider
	events    *queue.Ring[Event]
	recvBuf   []byte

	state     State
	sessionID uuid.UUID

	token       *token.PublicToken
	addrIndex   int
	serverAddr  net.Addr
	idleTimeout time.Duration

	sendSequence uint64
	replay       transport.ReplayProtection

	challengeSequence uint64
	challengeToken    []byte

	clientIndex uint32
	maxClients  uint32

	phaseStart   time.Time
	lastSent     time.Time
	lastReceived time.Time
}

// New creates a client that talks through t. The client does not own t
// until Close is called.
func New(config *Config, t transport.Transport) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}

	tp := config.TimeProvider
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}

	return &Client{
		config:    *config,
		transport: t,
		time:      tp,
		events:    queue.New[Event](config.EventQueueSize),
		recvBuf:   make([]byte, limits.MaxPacketSize),
		state:     StateDisconnected,
	}, nil
}

// Connect starts a connection attempt with an encoded connect token. A token
// that cannot be parsed or belongs to another protocol leaves the client in
// StateInvalidConnectToken; an expired one in StateConnectTokenExpired. In
// both cases nothing is sent.
func (c *Client) Connect(connectToken []byte) error {
	if c.state.IsActive() {
		return ErrAlreadyConnecting
	}
	c.resetSession()
	c.sessionID = uuid.New()

	pub, err := token.ReadPublic(connectToken)
	if err == nil && pub.ProtocolID != c.config.ProtocolID {
		err = fmt.Errorf("%w: token is for %#x", token.ErrProtocolMismatch, pub.ProtocolID)
	}
	if err != nil {
		if pub != nil {
			pub.Wipe()
		}
		c.logger("Connect").WithError(err).Warn("Rejected connect token")
		c.setState(StateInvalidConnectToken)
		return err
	}

	now := c.time.Now()
	if pub.Expired(now) {
		pub.Wipe()
		c.setState(StateConnectTokenExpired)
		return token.ErrExpired
	}

	c.token = pub
	c.idleTimeout = c.config.IdleTimeout
	if pub.TimeoutSeconds > 0 {
		c.idleTimeout = time.Duration(pub.TimeoutSeconds) * time.Second
	}

	c.logger("Connect").WithFields(logrus.Fields{
		"servers":        len(pub.ServerAddresses),
		"token_sequence": pub.Sequence,
		"idle_timeout":   c.idleTimeout,
	}).Info("Connecting")

	c.connectTo(0, now)
	return nil
}

// connectTo starts the request phase against candidate address i.
func (c *Client) connectTo(i int, now time.Time) {
	c.addrIndex = i
	c.serverAddr = c.token.ServerAddresses[i]
	c.replay.Reset()
	c.challengeToken = nil
	c.phaseStart = now
	c.lastReceived = now

	c.setState(StateSendingConnectionRequest)
	c.sendRequest(now)
}

// Iterate processes every queued datagram, retransmits handshake packets,
// sends keep-alives and enforces timeouts. It never blocks.
func (c *Client) Iterate() {
	c.receivePackets()

	now := c.time.Now()
	switch c.state {
	case StateSendingConnectionRequest:
		c.tickHandshake(now, c.config.RequestTimeout, StateConnectionRequestTimeout, c.sendRequest)
	case StateSendingConnectionResponse:
		c.tickHandshake(now, c.config.ResponseTimeout, StateConnectionResponseTimeout, c.sendResponse)
	case StateConnected:
		if now.Sub(c.lastReceived) >= c.idleTimeout {
			c.logger("Iterate").WithField("silence", now.Sub(c.lastReceived)).Warn("Server went silent")
			c.fail(StateConnectionTimedOut)
			return
		}
		if now.Sub(c.lastSent) >= c.config.KeepAliveInterval {
			c.sendEncrypted(&transport.Packet{Type: transport.PacketKeepAlive}, now)
		}
	}
}

// tickHandshake enforces the timeout of one handshake phase and retransmits.
// A timed out phase moves on to the next candidate server if there is one.
func (c *Client) tickHandshake(now time.Time, timeout time.Duration, timedOut State, resend func(time.Time)) {
	if c.token.Expired(now) {
		c.logger("Iterate").Warn("Connect token expired while connecting")
		c.fail(StateConnectTokenExpired)
		return
	}
	if now.Sub(c.phaseStart) >= timeout {
		if next := c.addrIndex + 1; next < len(c.token.ServerAddresses) {
			c.logger("Iterate").WithFields(logrus.Fields{
				"state":       c.state.String(),
				"next_server": c.token.ServerAddresses[next].String(),
			}).Info("Handshake timed out, trying next server")
			c.connectTo(next, now)
			return
		}
		c.fail(timedOut)
		return
	}
	if now.Sub(c.lastSent) >= c.config.RetryInterval {
		resend(now)
	}
}

func (c *Client) receivePackets() {
	for {
		n, from, err := c.transport.ReadFrom(c.recvBuf)
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) && !errors.Is(err, transport.ErrTransportClosed) {
				c.logger("receivePackets").WithError(err).Error("Transport read failed")
			}
			return
		}
		if c.state.IsActive() {
			c.processPacket(c.recvBuf[:n], from)
		}
	}
}

func (c *Client) processPacket(buf []byte, from net.Addr) {
	if transport.AddrKey(from) != transport.AddrKey(c.serverAddr) {
		c.logger("processPacket").WithField("from", transport.AddrKey(from)).Debug("Dropping packet from unexpected address")
		return
	}

	var allowed transport.TypeSet
	switch c.state {
	case StateSendingConnectionRequest:
		allowed = requestAllowed
	case StateSendingConnectionResponse:
		allowed = responseAllowed
	default:
		allowed = connectedAllowed
	}

	p, err := transport.DecodePacket(buf, c.config.ProtocolID, &c.token.ServerToClientKey, &c.replay, allowed)
	if err != nil {
		c.logger("processPacket").WithError(err).Debug("Dropping packet")
		return
	}

	now := c.time.Now()
	c.lastReceived = now

	switch p.Type {
	case transport.PacketConnectionDenied:
		c.logger("processPacket").Warn("Server denied connection")
		c.fail(StateConnectionDenied)

	case transport.PacketConnectionChallenge:
		c.challengeSequence = p.ChallengeSequence
		c.challengeToken = p.ChallengeToken
		c.phaseStart = now
		c.setState(StateSendingConnectionResponse)
		c.sendResponse(now)

	case transport.PacketKeepAlive:
		if c.state == StateSendingConnectionResponse {
			c.clientIndex = p.ClientIndex
			c.maxClients = p.MaxClients
			c.setState(StateConnected)
		}

	case transport.PacketPayload:
		if c.state == StateSendingConnectionResponse {
			c.setState(StateConnected)
		}
		c.pushEvent(&PayloadReceived{Data: p.Payload})

	case transport.PacketDisconnect:
		c.logger("processPacket").Info("Server closed the connection")
		c.resetSession()
		c.setState(StateDisconnected)
	}
}

// Send encrypts payload and sends it to the server.
func (c *Client) Send(payload []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if err := limits.ValidatePayload(payload); err != nil {
		return err
	}
	return c.sendEncrypted(&transport.Packet{Type: transport.PacketPayload, Payload: payload}, c.time.Now())
}

// Disconnect ends the session. A connected client fires a few disconnect
// packets at the server first, without waiting for anything. Every state,
// terminal ones included, ends in StateDisconnected.
func (c *Client) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	if c.state == StateConnected {
		now := c.time.Now()
		for i := 0; i < c.config.DisconnectRedundancy; i++ {
			_ = c.sendEncrypted(&transport.Packet{Type: transport.PacketDisconnect}, now)
		}
	}
	c.logger("Disconnect").Info("Disconnected")
	c.resetSession()
	c.setState(StateDisconnected)
}

// Close disconnects and closes the transport.
func (c *Client) Close() error {
	c.Disconnect()
	return c.transport.Close()
}

// State returns the current connection state.
func (c *Client) State() State { return c.state }

// ClientIndex returns the slot index the server assigned, valid once connected.
func (c *Client) ClientIndex() uint32 { return c.clientIndex }

// MaxClients returns the server's capacity as reported in its keep-alives.
func (c *Client) MaxClients() uint32 { return c.maxClients }

// ServerAddress returns the server currently being talked to, or nil.
func (c *Client) ServerAddress() net.Addr { return c.serverAddr }

// LocalAddr returns the transport's local address.
func (c *Client) LocalAddr() net.Addr { return c.transport.LocalAddr() }

// PollEvent removes the oldest queued notification.
func (c *Client) PollEvent() (Event, bool) {
	return c.events.Pop()
}

func (c *Client) sendRequest(now time.Time) {
	p := &transport.Packet{
		Type:         transport.PacketConnectionRequest,
		Header:       c.token.Header,
		PrivateToken: c.token.Private[:],
	}
	c.send(p, nil, now)
}

func (c *Client) sendResponse(now time.Time) {
	_ = c.sendEncrypted(&transport.Packet{
		Type:              transport.PacketConnectionResponse,
		ChallengeSequence: c.challengeSequence,
		ChallengeToken:    c.challengeToken,
	}, now)
}

// sendEncrypted stamps p with the next sequence and seals it with the
// client-to-server key.
func (c *Client) sendEncrypted(p *transport.Packet, now time.Time) error {
	p.Sequence = c.sendSequence
	c.sendSequence++
	return c.send(p, &c.token.ClientToServerKey, now)
}

func (c *Client) send(p *transport.Packet, key *crypto.Key, now time.Time) error {
	buf := pool.Packets.Get()
	defer pool.Packets.Put(buf)

	out, err := p.Encode(buf[:0], c.config.ProtocolID, key)
	if err != nil {
		c.logger("send").WithError(err).WithField("type", p.Type.String()).Error("Failed to encode packet")
		return err
	}
	if err := c.transport.WriteTo(out, c.serverAddr); err != nil {
		c.logger("send").WithError(err).WithField("type", p.Type.String()).Warn("Failed to send packet")
		return err
	}
	c.lastSent = now
	return nil
}

// fail moves to a terminal state and forgets the session.
func (c *Client) fail(s State) {
	c.resetSession()
	c.setState(s)
}

func (c *Client) setState(s State) {
	if s == c.state {
		return
	}
	old := c.state
	c.state = s

	entry := c.logger("setState").WithFields(logrus.Fields{
		"old_state": old.String(),
		"new_state": s.String(),
	})
	if s.IsError() {
		entry.Warn("Client state changed")
	} else {
		entry.Info("Client state changed")
	}
	c.pushEvent(StateChanged{Old: old, New: s})
}

func (c *Client) pushEvent(e Event) {
	old, evicted := c.events.Push(e)
	if !evicted {
		return
	}
	if p, ok := old.(*PayloadReceived); ok {
		p.Release()
	}
	c.logger("pushEvent").WithField("dropped_total", c.events.Dropped()).Warn("Event queue full, oldest event overwritten")
}

// resetSession wipes key material and per-session counters. The state
// itself is left to the caller.
func (c *Client) resetSession() {
	if c.token != nil {
		c.token.Wipe()
		c.token = nil
	}
	c.serverAddr = nil
	c.addrIndex = 0
	c.sendSequence = 0
	c.replay.Reset()
	c.challengeSequence = 0
	c.challengeToken = nil
	c.clientIndex = 0
	c.maxClients = 0
}

func (c *Client) logger(function string) *logrus.Entry {
	fields := logrus.Fields{
		"function": "Client." + function,
		"state":    c.state.String(),
	}
	if c.sessionID != uuid.Nil {
		fields["session_id"] = c.sessionID.String()
	}
	if c.serverAddr != nil {
		fields["server"] = c.serverAddr.String()
	}
	return logrus.WithFields(fields)
}
