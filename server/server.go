package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
	"github.com/opd-ai/netcode/queue"
	"github.com/opd-ai/netcode/token"
	"github.com/opd-ai/netcode/transport"
)

var (
	// ErrNotConnected is returned for handles that do not address a
	// connected client, including stale handles of evicted clients.
	ErrNotConnected = errors.New("client is not connected")

	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("server closed")
)

// Packet types accepted from a slot in each state.
var (
	pendingAllowed   = transport.Allow(transport.PacketConnectionResponse, transport.PacketDisconnect)
	connectedAllowed = transport.Allow(transport.PacketConnectionResponse, transport.PacketKeepAlive, transport.PacketPayload, transport.PacketDisconnect)
	requestAllowed   = transport.Allow(transport.PacketConnectionRequest)
)

// connection is one slot of the client table.
type connection struct {
	state      ClientState
	generation uint32
	sessionID  uuid.UUID

	clientID uint64
	userData [limits.UserDataSize]byte
	addr     net.Addr
	addrKey  string

	tokenProtocolID uint64
	tokenSequence   uint64

	sendKey      crypto.Key
	recvKey      crypto.Key
	sendSequence uint64
	replay       transport.ReplayProtection

	challengeSequence uint64
	challengeToken    []byte

	idleTimeout  time.Duration
	createdAt    time.Time
	lastReceived time.Time
	lastSent     time.Time
}

// Server is the connection manager: it owns the socket, admits clients
// holding valid connect tokens and runs every slot's state machine. It is
// not safe for concurrent use; callers serialize Iterate and the other
// methods.
type Server struct {
	config     Config
	transport  transport.Transport
	time       crypto.TimeProvider
	publicAddr *net.UDPAddr

	slots  []connection
	free   []int
	byAddr map[string]int

	replay  *crypto.ReplayStore
	limiter *rate.Limiter

	challengeKey      crypto.Key
	challengeSequence uint64
	deniedSequence    uint64

	events  *queue.Ring[Event]
	recvBuf []byte
	closed  bool
}

// Listen binds config.BindAddress over UDP and starts a server on it.
func Listen(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	t, err := transport.NewUDPTransport(config.BindAddress)
	if err != nil {
		return nil, err
	}
	s, err := New(config, t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return s, nil
}

// New creates a server on an existing transport. The server owns t and
// closes it in Close.
func New(config *Config, t transport.Transport) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
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

	var public *net.UDPAddr
	var err error
	if config.PublicAddress != "" {
		public, err = net.ResolveUDPAddr("udp", config.PublicAddress)
	} else {
		public, err = transport.ToUDPAddr(t.LocalAddr())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: public address: %v", ErrInvalidConfig, err)
	}
	if public.IP == nil || public.IP.IsUnspecified() {
		// No token can list a wildcard address
		return nil, fmt.Errorf("%w: public address %v is unspecified, set PublicAddress to the address clients dial", ErrInvalidConfig, public)
	}

	var store *crypto.ReplayStore
	if config.ReplayDataDir != "" {
		store, err = crypto.NewReplayStore(config.ReplayDataDir, tp)
		if err != nil {
			return nil, fmt.Errorf("open replay store: %w", err)
		}
	} else {
		store = crypto.NewMemoryReplayStore(tp)
	}

	challengeKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate challenge key: %w", err)
	}
	var deniedStart [8]byte
	if err := crypto.RandomBytes(deniedStart[:]); err != nil {
		return nil, fmt.Errorf("seed denied sequence: %w", err)
	}

	s := &Server{
		config:         *config,
		transport:      t,
		time:           tp,
		publicAddr:     public,
		slots:          make([]connection, config.MaxClients),
		free:           make([]int, 0, config.MaxClients),
		byAddr:         make(map[string]int, config.MaxClients),
		replay:         store,
		challengeKey:   challengeKey,
		deniedSequence: binary.LittleEndian.Uint64(deniedStart[:]),
		events:         queue.New[Event](config.EventQueueSize),
		recvBuf:        make([]byte, limits.MaxPacketSize),
	}
	// Lowest index is handed out first
	for i := config.MaxClients - 1; i >= 0; i-- {
		s.slots[i].generation = 1
		s.free = append(s.free, i)
	}
	if config.RequestRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RequestRateLimit), config.RequestBurst)
	}

	crypto.NewPackageLogger("server", "New").
		WithKey("private_key", &config.PrivateKey).
		WithFields(logrus.Fields{
			"local_addr":     t.LocalAddr().String(),
			"public_addr":    public.String(),
			"max_clients":    config.MaxClients,
			"protocol_id":    fmt.Sprintf("%#x", config.ProtocolID),
			"replay_entries": store.Size(),
		}).Info("Server started")

	return s, nil
}

// Iterate processes every queued datagram, sends keep-alives, evicts timed
// out slots and prunes the token replay store. It never blocks.
func (s *Server) Iterate() {
	if s.closed {
		return
	}
	s.receivePackets()

	now := s.time.Now()
	for i := range s.slots {
		c := &s.slots[i]
		switch c.state {
		case ClientStatePending:
			if now.Sub(c.createdAt) >= s.config.HandshakeTimeout {
				s.logger("Iterate", c).Debug("Handshake timed out")
				s.evict(i, ReasonHandshakeTimedOut)
			}
		case ClientStateConnected:
			if now.Sub(c.lastReceived) >= c.idleTimeout {
				s.logger("Iterate", c).WithField("silence", now.Sub(c.lastReceived)).Info("Client timed out")
				s.evict(i, ReasonTimedOut)
				continue
			}
			if now.Sub(c.lastSent) >= s.config.KeepAliveInterval {
				s.sendKeepAlive(i, now)
			}
		}
	}

	s.replay.Prune()
}

func (s *Server) receivePackets() {
	for {
		n, from, err := s.transport.ReadFrom(s.recvBuf)
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) && !errors.Is(err, transport.ErrTransportClosed) {
				crypto.NewPackageLogger("server", "Server.receivePackets").
					WithError(err, "read").
					Error("Transport read failed")
			}
			return
		}
		s.processPacket(s.recvBuf[:n], from)
	}
}

// processPacket routes a datagram. Nothing that arrives from the network can
// make it fail; rejected packets are logged at debug level and dropped.
func (s *Server) processPacket(buf []byte, from net.Addr) {
	if len(buf) == 0 {
		return
	}
	now := s.time.Now()

	if buf[0] == byte(transport.PacketConnectionRequest) {
		p, err := transport.DecodePacket(buf, s.config.ProtocolID, nil, nil, requestAllowed)
		if err != nil {
			s.dropped(from, err)
			return
		}
		s.processRequest(p, from, now)
		return
	}

	idx, ok := s.byAddr[transport.AddrKey(from)]
	if !ok {
		s.dropped(from, errors.New("packet from unknown address"))
		return
	}
	c := &s.slots[idx]

	allowed := pendingAllowed
	if c.state == ClientStateConnected {
		allowed = connectedAllowed
	}
	p, err := transport.DecodePacket(buf, s.config.ProtocolID, &c.recvKey, &c.replay, allowed)
	if err != nil {
		s.dropped(from, err)
		return
	}
	c.lastReceived = now

	switch p.Type {
	case transport.PacketConnectionResponse:
		s.processResponse(idx, p, now)
	case transport.PacketKeepAlive:
		// lastReceived is all a keep-alive is for
	case transport.PacketPayload:
		s.pushEvent(&PayloadReceived{Handle: s.handle(idx), Data: p.Payload})
	case transport.PacketDisconnect:
		s.logger("processPacket", c).Info("Client disconnected")
		s.evict(idx, ReasonClientDisconnected)
	}
}

// processRequest admits a client presenting a valid connect token, or
// explains in the logs why it did not.
func (s *Server) processRequest(p *transport.Packet, from net.Addr, now time.Time) {
	log := logrus.WithFields(logrus.Fields{
		"function":       "Server.processRequest",
		"from":           transport.AddrKey(from),
		"token_sequence": p.Header.Sequence,
	})

	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		log.Debug("Connection request rate limited")
		return
	}
	if p.Header.Expired(now) {
		log.Debug("Dropping request with expired token")
		return
	}

	private, err := token.DecryptPrivate(&p.Header, p.PrivateToken, &s.config.PrivateKey)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Dropping request with undecryptable token")
		return
	}
	defer private.Wipe()
	log = log.WithField("client_id", private.ClientID)

	if !token.ContainsAddress(private.ServerAddresses, s.publicAddr) {
		log.WithField("public_addr", s.publicAddr.String()).Warn("Token does not list this server")
		return
	}

	if idx, ok := s.byAddr[transport.AddrKey(from)]; ok {
		c := &s.slots[idx]
		if c.tokenProtocolID == p.Header.ProtocolID && c.tokenSequence == p.Header.Sequence {
			if c.state == ClientStatePending {
				// Our challenge got lost, send it again
				s.sendChallenge(idx, now)
			}
			return
		}
		log.Debug("Address already has a connection")
		return
	}
	if s.clientIDInUse(private.ClientID) {
		log.Warn("Client ID already has a connection")
		return
	}

	if len(s.free) == 0 {
		log.WithField("max_clients", s.config.MaxClients).Warn("Server full, denying connection")
		s.sendDenied(from, &private.ServerToClientKey)
		return
	}

	if !s.replay.CheckAndStore(p.Header.ProtocolID, p.Header.Sequence, p.Header.ExpireTime()) {
		log.WithField("error", token.ErrAlreadyUsed.Error()).Warn("Dropping replayed connect token")
		return
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	c := &s.slots[idx]
	c.state = ClientStatePending
	c.sessionID = uuid.New()
	c.clientID = private.ClientID
	c.userData = private.UserData
	c.addr = from
	c.addrKey = transport.AddrKey(from)
	c.tokenProtocolID = p.Header.ProtocolID
	c.tokenSequence = p.Header.Sequence
	c.sendKey = private.ServerToClientKey
	c.recvKey = private.ClientToServerKey
	c.sendSequence = 0
	c.replay.Reset()
	c.idleTimeout = s.config.IdleTimeout
	if private.TimeoutSeconds > 0 {
		c.idleTimeout = time.Duration(private.TimeoutSeconds) * time.Second
	}
	c.createdAt = now
	c.lastReceived = now

	c.challengeSequence = s.challengeSequence
	s.challengeSequence++
	c.challengeToken = token.EncryptChallenge(&token.ChallengeToken{
		ClientID: c.clientID,
		UserData: c.userData,
	}, c.challengeSequence, &s.challengeKey)

	s.byAddr[c.addrKey] = idx

	s.logger("processRequest", c).Info("Connection request accepted, sending challenge")
	s.pushEvent(ClientStateChanged{Handle: s.handle(idx), State: ClientStatePending})
	s.sendChallenge(idx, now)
}

// processResponse promotes a pending slot once the client echoes the
// challenge token it was given.
func (s *Server) processResponse(idx int, p *transport.Packet, now time.Time) {
	c := &s.slots[idx]
	if c.state == ClientStateConnected {
		// The client missed our first keep-alive
		s.sendKeepAlive(idx, now)
		return
	}

	ct, err := token.DecryptChallenge(p.ChallengeToken, p.ChallengeSequence, &s.challengeKey)
	if err != nil {
		s.dropped(c.addr, err)
		return
	}
	if p.ChallengeSequence != c.challengeSequence || ct.ClientID != c.clientID || ct.UserData != c.userData {
		s.dropped(c.addr, errors.New("challenge token does not match the one issued"))
		return
	}

	c.state = ClientStateConnected
	c.challengeToken = nil
	h := s.handle(idx)

	s.logger("processResponse", c).Info("Client connected")
	s.pushEvent(ClientStateChanged{Handle: h, State: ClientStateConnected})
	s.pushEvent(ClientConnected{Handle: h, ClientID: c.clientID, Addr: c.addr, UserData: c.userData})
	s.sendKeepAlive(idx, now)
}

// SendPayload encrypts data and sends it to the client behind h.
func (s *Server) SendPayload(h Handle, data []byte) error {
	if s.closed {
		return ErrServerClosed
	}
	idx, ok := s.lookup(h)
	if !ok || s.slots[idx].state != ClientStateConnected {
		return ErrNotConnected
	}
	if err := limits.ValidatePayload(data); err != nil {
		return err
	}
	return s.sendToSlot(idx, &transport.Packet{Type: transport.PacketPayload, Payload: data}, s.time.Now())
}

// Disconnect evicts the client behind h, firing a few disconnect packets at
// it first if it was connected.
func (s *Server) Disconnect(h Handle) error {
	if s.closed {
		return ErrServerClosed
	}
	idx, ok := s.lookup(h)
	if !ok {
		return ErrNotConnected
	}
	s.disconnect(idx)
	return nil
}

func (s *Server) disconnect(idx int) {
	c := &s.slots[idx]
	if c.state == ClientStateConnected {
		now := s.time.Now()
		for i := 0; i < s.config.DisconnectRedundancy; i++ {
			_ = s.sendToSlot(idx, &transport.Packet{Type: transport.PacketDisconnect}, now)
		}
	}
	s.logger("Disconnect", c).Info("Disconnecting client")
	s.evict(idx, ReasonServerDisconnected)
}

// DisconnectAll evicts every client and pending handshake.
func (s *Server) DisconnectAll() {
	for i := range s.slots {
		if s.slots[i].state != ClientStateDisconnected {
			s.disconnect(i)
		}
	}
}

// Close disconnects everyone, flushes the replay store and closes the
// transport.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.DisconnectAll()
	s.closed = true

	var errs []error
	if err := s.replay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close replay store: %w", err))
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.Close",
	}).Info("Server stopped")
	return errors.Join(errs...)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].state == ClientStateConnected {
			n++
		}
	}
	return n
}

// MaxClients returns the slot table size.
func (s *Server) MaxClients() int { return s.config.MaxClients }

// Clients returns the handles of every connected client.
func (s *Server) Clients() []Handle {
	var out []Handle
	for i := range s.slots {
		if s.slots[i].state == ClientStateConnected {
			out = append(out, s.handle(i))
		}
	}
	return out
}

// ClientState returns the state of the slot behind h; stale handles report
// ClientStateDisconnected.
func (s *Server) ClientState(h Handle) ClientState {
	idx, ok := s.lookup(h)
	if !ok {
		return ClientStateDisconnected
	}
	return s.slots[idx].state
}

// ClientAddress returns the address of the connected client behind h.
func (s *Server) ClientAddress(h Handle) (net.Addr, error) {
	idx, ok := s.lookup(h)
	if !ok || s.slots[idx].state != ClientStateConnected {
		return nil, ErrNotConnected
	}
	return s.slots[idx].addr, nil
}

// ClientID returns the token client ID of the connected client behind h.
func (s *Server) ClientID(h Handle) (uint64, error) {
	idx, ok := s.lookup(h)
	if !ok || s.slots[idx].state != ClientStateConnected {
		return 0, ErrNotConnected
	}
	return s.slots[idx].clientID, nil
}

// LocalAddr returns the transport's local address.
func (s *Server) LocalAddr() net.Addr { return s.transport.LocalAddr() }

// PublicAddr returns the address tokens must list for this server.
func (s *Server) PublicAddr() *net.UDPAddr { return s.publicAddr }

// PollEvent removes the oldest queued notification.
func (s *Server) PollEvent() (Event, bool) {
	return s.events.Pop()
}

func (s *Server) handle(idx int) Handle {
	return Handle{index: uint32(idx), generation: s.slots[idx].generation}
}

// lookup resolves h to a live slot index.
func (s *Server) lookup(h Handle) (int, bool) {
	idx := int(h.index)
	if idx >= len(s.slots) {
		return 0, false
	}
	c := &s.slots[idx]
	if c.state == ClientStateDisconnected || c.generation != h.generation {
		return 0, false
	}
	return idx, true
}

func (s *Server) clientIDInUse(clientID uint64) bool {
	for i := range s.slots {
		if s.slots[i].state != ClientStateDisconnected && s.slots[i].clientID == clientID {
			return true
		}
	}
	return false
}

// evict frees a slot, wipes its keys and bumps its generation so that
// outstanding handles go stale.
func (s *Server) evict(idx int, reason DisconnectReason) {
	c := &s.slots[idx]
	h := s.handle(idx)
	wasConnected := c.state == ClientStateConnected
	clientID := c.clientID

	delete(s.byAddr, c.addrKey)
	crypto.WipeKey(&c.sendKey)
	crypto.WipeKey(&c.recvKey)
	*c = connection{generation: c.generation + 1}
	s.free = append(s.free, idx)

	s.pushEvent(ClientStateChanged{Handle: h, State: ClientStateDisconnected})
	if wasConnected {
		s.pushEvent(ClientDisconnected{Handle: h, ClientID: clientID, Reason: reason})
	}
}

func (s *Server) sendChallenge(idx int, now time.Time) {
	c := &s.slots[idx]
	_ = s.sendToSlot(idx, &transport.Packet{
		Type:              transport.PacketConnectionChallenge,
		ChallengeSequence: c.challengeSequence,
		ChallengeToken:    c.challengeToken,
	}, now)
}

func (s *Server) sendKeepAlive(idx int, now time.Time) {
	_ = s.sendToSlot(idx, &transport.Packet{
		Type:        transport.PacketKeepAlive,
		ClientIndex: uint32(idx),
		MaxClients:  uint32(s.config.MaxClients),
	}, now)
}

// deniedSequenceFlag keeps denied packets out of the sequence range slots
// use. A denied token may be admitted later, and its slot then counts from
// zero under the same key.
const deniedSequenceFlag = 1 << 63

// sendDenied answers a request the server has no room for. There is no
// slot, so the sequence comes from a server-wide counter with a random start.
func (s *Server) sendDenied(to net.Addr, key *crypto.Key) {
	p := &transport.Packet{Type: transport.PacketConnectionDenied, Sequence: deniedSequenceFlag | s.deniedSequence}
	s.deniedSequence++
	_ = s.write(p, key, to)
}

func (s *Server) sendToSlot(idx int, p *transport.Packet, now time.Time) error {
	c := &s.slots[idx]
	p.Sequence = c.sendSequence
	c.sendSequence++
	if err := s.write(p, &c.sendKey, c.addr); err != nil {
		return err
	}
	c.lastSent = now
	return nil
}

func (s *Server) write(p *transport.Packet, key *crypto.Key, to net.Addr) error {
	buf := pool.Packets.Get()
	defer pool.Packets.Put(buf)

	out, err := p.Encode(buf[:0], s.config.ProtocolID, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.write",
			"type":     p.Type.String(),
			"error":    err.Error(),
		}).Error("Failed to encode packet")
		return err
	}
	if err := s.transport.WriteTo(out, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.write",
			"type":     p.Type.String(),
			"to":       transport.AddrKey(to),
			"error":    err.Error(),
		}).Warn("Failed to send packet")
		return err
	}
	return nil
}

func (s *Server) pushEvent(e Event) {
	old, evicted := s.events.Push(e)
	if !evicted {
		return
	}
	if p, ok := old.(*PayloadReceived); ok {
		p.Release()
	}
	logrus.WithFields(logrus.Fields{
		"function":      "Server.pushEvent",
		"dropped_total": s.events.Dropped(),
	}).Warn("Event queue full, oldest event overwritten")
}

func (s *Server) dropped(from net.Addr, err error) {
	crypto.NewPackageLogger("server", "Server.processPacket").
		WithField("from", transport.AddrKey(from)).
		WithError(err, "receive").
		Debug("Dropping packet")
}

func (s *Server) logger(function string, c *connection) *logrus.Entry {
	return logrus.WithFields(crypto.NewPackageLogger("server", "Server."+function).
		WithFields(logrus.Fields{
			"session_id": c.sessionID.String(),
			"client_id":  c.clientID,
			"addr":       c.addrKey,
			"state":      c.state.String(),
		}).Fields())
}
