package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
	"github.com/opd-ai/netcode/token"
	"github.com/opd-ai/netcode/transport"
)

const testProtocolID = 0x1122334455667788

// fakeServer plays the server side of the handshake by hand.
type fakeServer struct {
	t          *testing.T
	tr         *transport.SimulatedTransport
	privateKey crypto.Key
	private    *token.PrivateToken
	clientAddr net.Addr
	sequence   uint64
	replay     transport.ReplayProtection
}

var anyPacket = transport.Allow(
	transport.PacketConnectionRequest,
	transport.PacketConnectionResponse,
	transport.PacketKeepAlive,
	transport.PacketPayload,
	transport.PacketDisconnect,
)

// read returns the next packet the client sent, or nil when none is queued.
func (f *fakeServer) read() *transport.Packet {
	f.t.Helper()
	buf := make([]byte, limits.MaxPacketSize)
	n, from, err := f.tr.ReadFrom(buf)
	if errors.Is(err, transport.ErrWouldBlock) {
		return nil
	}
	require.NoError(f.t, err)
	f.clientAddr = from

	if buf[0] == byte(transport.PacketConnectionRequest) {
		p, err := transport.DecodePacket(buf[:n], testProtocolID, nil, nil, anyPacket)
		require.NoError(f.t, err)
		f.private, err = token.DecryptPrivate(&p.Header, p.PrivateToken, &f.privateKey)
		require.NoError(f.t, err)
		return p
	}

	require.NotNil(f.t, f.private, "encrypted packet before any request")
	p, err := transport.DecodePacket(buf[:n], testProtocolID, &f.private.ClientToServerKey, &f.replay, anyPacket)
	require.NoError(f.t, err)
	return p
}

func (f *fakeServer) send(p *transport.Packet) {
	f.t.Helper()
	p.Sequence = f.sequence
	f.sequence++
	buf, err := p.Encode(nil, testProtocolID, &f.private.ServerToClientKey)
	require.NoError(f.t, err)
	require.NoError(f.t, f.tr.WriteTo(buf, f.clientAddr))
}

// drain discards everything the client has sent so far and returns how many
// packets of type typ were among them.
func (f *fakeServer) drain(typ transport.PacketType) int {
	count := 0
	for p := f.read(); p != nil; p = f.read() {
		if p.Type == typ {
			count++
		}
	}
	return count
}

type harness struct {
	t          *testing.T
	clock      *crypto.MockTimeProvider
	network    *transport.SimulatedNetwork
	client     *Client
	privateKey crypto.Key
	servers    []*fakeServer
}

func newHarness(t *testing.T, serverCount int) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		t:          t,
		clock:      crypto.NewMockTimeProvider(time.Unix(1700000000, 0)),
		network:    transport.NewSimulatedNetwork(),
		privateKey: key,
	}
	for i := 0; i < serverCount; i++ {
		tr, err := h.network.Listen("127.0.0.1:0")
		require.NoError(t, err)
		h.servers = append(h.servers, &fakeServer{t: t, tr: tr, privateKey: key})
	}

	cfg := DefaultConfig()
	cfg.ProtocolID = testProtocolID
	cfg.TimeProvider = h.clock
	clientTr, err := h.network.Listen("127.0.0.1:0")
	require.NoError(t, err)
	h.client, err = New(cfg, clientTr)
	require.NoError(t, err)
	return h
}

func (h *harness) token(lifetime time.Duration, timeoutSeconds uint32) []byte {
	h.t.Helper()
	addrs := make([]*net.UDPAddr, len(h.servers))
	for i, s := range h.servers {
		addrs[i] = s.tr.LocalAddr().(*net.UDPAddr)
	}
	tok, err := token.NewConnectToken(token.Options{
		ProtocolID:      testProtocolID,
		ClientID:        1234,
		Sequence:        1,
		ServerAddresses: addrs,
		TimeoutSeconds:  timeoutSeconds,
		Lifetime:        lifetime,
	}, h.clock.Now())
	require.NoError(h.t, err)
	buf, err := tok.Encode(&h.privateKey)
	require.NoError(h.t, err)
	return buf
}

func (h *harness) states() []State {
	var out []State
	for ev, ok := h.client.PollEvent(); ok; ev, ok = h.client.PollEvent() {
		if sc, ok := ev.(StateChanged); ok {
			out = append(out, sc.New)
		}
	}
	return out
}

// connect runs the whole handshake against the first fake server.
func (h *harness) connect() *fakeServer {
	h.t.Helper()
	s := h.servers[0]
	require.NoError(h.t, h.client.Connect(h.token(time.Minute, 0)))

	req := s.read()
	require.NotNil(h.t, req)
	require.Equal(h.t, transport.PacketConnectionRequest, req.Type)

	s.send(&transport.Packet{
		Type:              transport.PacketConnectionChallenge,
		ChallengeSequence: 5,
		ChallengeToken:    make([]byte, limits.ChallengeTokenSize),
	})
	h.client.Iterate()
	require.Equal(h.t, StateSendingConnectionResponse, h.client.State())

	resp := s.read()
	require.NotNil(h.t, resp)
	require.Equal(h.t, transport.PacketConnectionResponse, resp.Type)
	require.Equal(h.t, uint64(5), resp.ChallengeSequence)

	s.send(&transport.Packet{Type: transport.PacketKeepAlive, ClientIndex: 2, MaxClients: 8})
	h.client.Iterate()
	require.Equal(h.t, StateConnected, h.client.State())
	return s
}

func TestConnectRejectsBadTokens(t *testing.T) {
	h := newHarness(t, 1)

	err := h.client.Connect([]byte("garbage"))
	assert.ErrorIs(t, err, token.ErrInvalidFormat)
	assert.Equal(t, StateInvalidConnectToken, h.client.State())
	assert.Equal(t, []State{StateInvalidConnectToken}, h.states())
	assert.Nil(t, h.servers[0].read(), "nothing is sent for an invalid token")

	h.client.config.ProtocolID = testProtocolID + 1
	err = h.client.Connect(h.token(time.Minute, 0))
	assert.ErrorIs(t, err, token.ErrProtocolMismatch)
	assert.Equal(t, StateInvalidConnectToken, h.client.State())
	h.client.config.ProtocolID = testProtocolID

	buf := h.token(time.Second, 0)
	h.clock.Advance(2 * time.Second)
	err = h.client.Connect(buf)
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.Equal(t, StateConnectTokenExpired, h.client.State())
	assert.Nil(t, h.servers[0].read())
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))

	err := h.client.Connect(h.token(time.Minute, 0))
	assert.ErrorIs(t, err, ErrAlreadyConnecting)
	assert.Equal(t, StateSendingConnectionRequest, h.client.State())
}

func TestRequestRetransmission(t *testing.T) {
	h := newHarness(t, 1)
	s := h.servers[0]
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	assert.Equal(t, []State{StateSendingConnectionRequest}, h.states())
	assert.Equal(t, 1, s.drain(transport.PacketConnectionRequest))

	h.client.Iterate()
	assert.Equal(t, 0, s.drain(transport.PacketConnectionRequest), "no resend before the retry interval")

	h.clock.Advance(h.client.config.RetryInterval)
	h.client.Iterate()
	assert.Equal(t, 1, s.drain(transport.PacketConnectionRequest))
}

func TestRequestTimeoutSingleAddress(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))

	for elapsed := time.Duration(0); elapsed < h.client.config.RequestTimeout; elapsed += h.client.config.RetryInterval {
		h.clock.Advance(h.client.config.RetryInterval)
		h.client.Iterate()
	}
	assert.Equal(t, StateConnectionRequestTimeout, h.client.State())
	assert.Equal(t, []State{StateSendingConnectionRequest, StateConnectionRequestTimeout}, h.states())
	assert.Greater(t, h.servers[0].drain(transport.PacketConnectionRequest), 10)
}

func TestRequestTimeoutAdvancesToNextAddress(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	h.servers[0].drain(transport.PacketConnectionRequest)

	h.clock.Advance(h.client.config.RequestTimeout)
	h.client.Iterate()

	assert.Equal(t, StateSendingConnectionRequest, h.client.State())
	assert.Equal(t, transport.AddrKey(h.servers[1].tr.LocalAddr()), transport.AddrKey(h.client.ServerAddress()))
	assert.Equal(t, 1, h.servers[1].drain(transport.PacketConnectionRequest))

	h.clock.Advance(h.client.config.RequestTimeout)
	h.client.Iterate()
	assert.Equal(t, StateConnectionRequestTimeout, h.client.State())
}

func TestHandshakeAndPayloads(t *testing.T) {
	h := newHarness(t, 1)
	s := h.connect()

	assert.Equal(t, uint32(2), h.client.ClientIndex())
	assert.Equal(t, uint32(8), h.client.MaxClients())
	assert.Equal(t, []State{StateSendingConnectionRequest, StateSendingConnectionResponse, StateConnected}, h.states())

	require.NoError(t, h.client.Send([]byte("0123456789")))
	p := s.read()
	require.NotNil(t, p)
	assert.Equal(t, transport.PacketPayload, p.Type)
	assert.Equal(t, []byte("0123456789"), p.Payload)

	s.send(&transport.Packet{Type: transport.PacketPayload, Payload: []byte("pong")})
	h.client.Iterate()
	ev, ok := h.client.PollEvent()
	require.True(t, ok)
	payload, ok := ev.(*PayloadReceived)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), payload.Data)
	payload.Release()

	assert.ErrorIs(t, h.client.Send(nil), limits.ErrMessageEmpty)
	assert.ErrorIs(t, h.client.Send(make([]byte, limits.MaxPayloadSize+1)), limits.ErrMessageTooLarge)
}

func TestDuplicatePayloadDropped(t *testing.T) {
	h := newHarness(t, 1)
	s := h.connect()
	h.states()

	p := &transport.Packet{Type: transport.PacketPayload, Sequence: s.sequence, Payload: []byte("once")}
	buf, err := p.Encode(nil, testProtocolID, &s.private.ServerToClientKey)
	require.NoError(t, err)
	require.NoError(t, s.tr.WriteTo(buf, s.clientAddr))
	require.NoError(t, s.tr.WriteTo(buf, s.clientAddr))

	h.client.Iterate()
	count := 0
	for ev, ok := h.client.PollEvent(); ok; ev, ok = h.client.PollEvent() {
		if _, isPayload := ev.(*PayloadReceived); isPayload {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDenied(t *testing.T) {
	h := newHarness(t, 2)
	s := h.servers[0]
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	s.read()

	s.send(&transport.Packet{Type: transport.PacketConnectionDenied})
	h.client.Iterate()
	assert.Equal(t, StateConnectionDenied, h.client.State(), "denied is terminal even with addresses left")

	h.clock.Advance(time.Minute)
	h.client.Iterate()
	assert.Equal(t, 0, h.servers[1].drain(transport.PacketConnectionRequest))
}

func TestResponseTimeout(t *testing.T) {
	h := newHarness(t, 1)
	s := h.servers[0]
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	s.read()
	s.send(&transport.Packet{
		Type:           transport.PacketConnectionChallenge,
		ChallengeToken: make([]byte, limits.ChallengeTokenSize),
	})
	h.client.Iterate()
	require.Equal(t, StateSendingConnectionResponse, h.client.State())

	h.clock.Advance(h.client.config.RetryInterval)
	h.client.Iterate()
	assert.Equal(t, 2, s.drain(transport.PacketConnectionResponse), "initial response plus one resend")

	h.clock.Advance(h.client.config.ResponseTimeout)
	h.client.Iterate()
	assert.Equal(t, StateConnectionResponseTimeout, h.client.State())
}

func TestConnectionTimedOutFiresOnce(t *testing.T) {
	h := newHarness(t, 1)
	h.connect()
	h.states()

	h.clock.Advance(h.client.config.IdleTimeout - time.Millisecond)
	h.client.Iterate()
	assert.Equal(t, StateConnected, h.client.State())

	h.clock.Advance(time.Millisecond)
	h.client.Iterate()
	h.clock.Advance(time.Minute)
	h.client.Iterate()
	h.client.Iterate()

	assert.Equal(t, StateConnectionTimedOut, h.client.State())
	assert.Equal(t, []State{StateConnectionTimedOut}, h.states())
}

func TestTokenTimeoutOverridesConfig(t *testing.T) {
	h := newHarness(t, 1)
	s := h.servers[0]
	require.NoError(t, h.client.Connect(h.token(time.Minute, 1)))
	assert.Equal(t, time.Second, h.client.idleTimeout)
	s.read()
}

func TestKeepAlivesWhileConnected(t *testing.T) {
	h := newHarness(t, 1)
	s := h.connect()
	s.drain(transport.PacketKeepAlive)

	h.clock.Advance(h.client.config.KeepAliveInterval)
	h.client.Iterate()
	assert.Equal(t, 1, s.drain(transport.PacketKeepAlive))

	// Server keep-alives hold the connection open past the idle timeout
	for i := 0; i < 100; i++ {
		h.clock.Advance(h.client.config.KeepAliveInterval)
		s.send(&transport.Packet{Type: transport.PacketKeepAlive, ClientIndex: 2, MaxClients: 8})
		h.client.Iterate()
	}
	assert.Equal(t, StateConnected, h.client.State())
}

func TestTokenExpiresWhileConnecting(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.client.Connect(h.token(2*time.Second, 0)))

	h.clock.Advance(2 * time.Second)
	h.client.Iterate()
	assert.Equal(t, StateConnectTokenExpired, h.client.State())
}

func TestSendWhenNotConnected(t *testing.T) {
	h := newHarness(t, 1)
	assert.ErrorIs(t, h.client.Send([]byte("x")), ErrNotConnected)

	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	assert.ErrorIs(t, h.client.Send([]byte("x")), ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, 1)
	s := h.connect()
	s.drain(transport.PacketKeepAlive)
	h.states()

	h.client.Disconnect()
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Equal(t, h.client.config.DisconnectRedundancy, s.drain(transport.PacketDisconnect))
	assert.Equal(t, []State{StateDisconnected}, h.states())
	assert.Nil(t, h.client.ServerAddress())

	// Nothing more goes out once disconnected
	h.clock.Advance(time.Second)
	h.client.Iterate()
	assert.Nil(t, s.read())

	// A terminal state also returns to disconnected
	assert.Error(t, h.client.Connect([]byte("bad")))
	assert.Equal(t, StateInvalidConnectToken, h.client.State())
	h.client.Disconnect()
	assert.Equal(t, StateDisconnected, h.client.State())
}

func TestServerDisconnect(t *testing.T) {
	h := newHarness(t, 1)
	s := h.connect()
	h.states()

	s.send(&transport.Packet{Type: transport.PacketDisconnect})
	h.client.Iterate()
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Equal(t, []State{StateDisconnected}, h.states())
}

func TestPacketFromUnexpectedAddressIgnored(t *testing.T) {
	h := newHarness(t, 1)
	s := h.servers[0]
	require.NoError(t, h.client.Connect(h.token(time.Minute, 0)))
	s.read()

	impostor, err := h.network.Listen("127.0.0.1:0")
	require.NoError(t, err)
	p := &transport.Packet{Type: transport.PacketConnectionDenied}
	buf, err := p.Encode(nil, testProtocolID, &s.private.ServerToClientKey)
	require.NoError(t, err)
	require.NoError(t, impostor.WriteTo(buf, s.clientAddr))

	h.client.Iterate()
	assert.Equal(t, StateSendingConnectionRequest, h.client.State())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"retry interval", func(c *Config) { c.RetryInterval = 0 }},
		{"keep-alive interval", func(c *Config) { c.KeepAliveInterval = 0 }},
		{"request timeout", func(c *Config) { c.RequestTimeout = time.Millisecond }},
		{"response timeout", func(c *Config) { c.ResponseTimeout = time.Millisecond }},
		{"idle timeout", func(c *Config) { c.IdleTimeout = c.KeepAliveInterval }},
		{"redundancy", func(c *Config) { c.DisconnectRedundancy = 0 }},
		{"event queue", func(c *Config) { c.EventQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, StateConnectionDenied.IsError())
	assert.False(t, StateDisconnected.IsError())
	assert.True(t, StateSendingConnectionRequest.IsActive())
	assert.Equal(t, -6, int(StateConnectTokenExpired))
}

func TestOverwrittenPayloadIsReleased(t *testing.T) {
	tr, err := transport.NewSimulatedNetwork().Listen("127.0.0.1:0")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.EventQueueSize = 2
	c, err := New(cfg, tr)
	require.NoError(t, err)

	first := &PayloadReceived{Data: pool.Packets.Get()}
	c.pushEvent(first)
	c.pushEvent(StateChanged{Old: StateDisconnected, New: StateSendingConnectionRequest})
	require.NotNil(t, first.Data)

	c.pushEvent(StateChanged{Old: StateSendingConnectionRequest, New: StateDisconnected})
	assert.Nil(t, first.Data, "payload pushed out of a full queue goes back to the pool")
	assert.Equal(t, uint64(1), c.events.Dropped())
}
