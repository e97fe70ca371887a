package transport

import (
	"errors"
	"net"
)

var (
	// ErrWouldBlock is returned by ReadFrom when no datagram is queued.
	ErrWouldBlock = errors.New("no datagram available")

	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

// Transport defines the datagram interface used by clients and servers.
// Implementations never block: ReadFrom returns ErrWouldBlock when nothing
// is queued, so a single Iterate call can drain everything that arrived
// since the last tick.
type Transport interface {
	// ReadFrom copies the next queued datagram into buf.
	ReadFrom(buf []byte) (int, net.Addr, error)

	// WriteTo sends a single datagram to addr.
	WriteTo(buf []byte, addr net.Addr) error

	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() net.Addr

	// Close shuts down the transport. It is safe to call more than once.
	Close() error
}

// AddrKey returns a comparable identity for a peer address, used to index
// connections by the address they talk from.
func AddrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		if ip4 := udp.IP.To4(); ip4 != nil {
			return (&net.UDPAddr{IP: ip4, Port: udp.Port}).String()
		}
	}
	return addr.String()
}

// ToUDPAddr converts addr to a *net.UDPAddr, resolving it if it is not one
// already.
func ToUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	if addr == nil {
		return nil, errors.New("nil address")
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp, nil
	}
	return net.ResolveUDPAddr("udp", addr.String())
}
