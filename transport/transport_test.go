package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/limits"
)

func TestReplayProtection(t *testing.T) {
	var r ReplayProtection
	assert.False(t, r.AlreadyReceived(0), "first packet may carry sequence zero")

	r.Advance(0)
	assert.True(t, r.AlreadyReceived(0))
	assert.False(t, r.AlreadyReceived(1))

	r.Advance(10)
	r.Advance(3)
	highest, ok := r.Highest()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), highest)
	assert.True(t, r.AlreadyReceived(10))
	assert.True(t, r.AlreadyReceived(9))

	r.Reset()
	assert.False(t, r.AlreadyReceived(0))
}

func TestAddrKey(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 9}
	assert.Equal(t, AddrKey(a), AddrKey(b))
	assert.Equal(t, "127.0.0.1:9", AddrKey(a))
	assert.Equal(t, "", AddrKey(nil))

	udp, err := ToUDPAddr(a)
	require.NoError(t, err)
	assert.Same(t, a, udp)
	_, err = ToUDPAddr(nil)
	assert.Error(t, err)
}

func TestSimulatedNetworkDelivery(t *testing.T) {
	network := NewSimulatedNetwork()
	a, err := network.Listen("127.0.0.1:1000")
	require.NoError(t, err)
	b, err := network.Listen("127.0.0.1:0")
	require.NoError(t, err)

	_, err = network.Listen("127.0.0.1:1000")
	assert.Error(t, err, "address already in use")

	buf := make([]byte, limits.MaxPacketSize)
	_, _, err = b.ReadFrom(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, a.WriteTo([]byte("ping"), b.LocalAddr()))
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, AddrKey(a.LocalAddr()), AddrKey(from))

	// Unknown destinations vanish like they would on a real network
	require.NoError(t, a.WriteTo([]byte("lost"), &net.UDPAddr{IP: net.IPv4(10, 9, 9, 9), Port: 1}))

	network.SetDropFilter(func(from, to net.Addr, data []byte) bool {
		return string(data) == "drop me"
	})
	require.NoError(t, a.WriteTo([]byte("drop me"), b.LocalAddr()))
	require.NoError(t, a.WriteTo([]byte("keep me"), b.LocalAddr()))
	n, _, err = b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(buf[:n]))

	stats := network.Stats()
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Unreachable)

	assert.ErrorIs(t, a.WriteTo(make([]byte, limits.MaxPacketSize+1), b.LocalAddr()), limits.ErrMessageTooLarge)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, _, err = b.ReadFrom(buf)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, b.WriteTo([]byte("x"), a.LocalAddr()), ErrTransportClosed)
}

func TestUDPTransportLoopback(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, limits.MaxPacketSize)
	_, _, err = b.ReadFrom(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, a.WriteTo([]byte("hello"), b.LocalAddr()))

	var n int
	var from net.Addr
	require.Eventually(t, func() bool {
		n, from, err = b.ReadFrom(buf)
		return !errors.Is(err, ErrWouldBlock)
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, AddrKey(a.LocalAddr()), AddrKey(from))

	assert.ErrorIs(t, a.WriteTo(make([]byte, limits.MaxPacketSize+1), b.LocalAddr()), limits.ErrMessageTooLarge)
}

func TestUDPTransportClose(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "close is idempotent")

	_, _, err = tr.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, tr.WriteTo([]byte("x"), tr.LocalAddr()), ErrTransportClosed)
}

func TestUDPTransportBindFailure(t *testing.T) {
	_, err := NewUDPTransport("not-an-address")
	assert.Error(t, err)
}
