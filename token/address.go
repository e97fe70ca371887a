package token

import (
	"fmt"
	"net"

	"github.com/opd-ai/netcode/limits"
)

const (
	addressIPv4 uint8 = 1
	addressIPv6 uint8 = 2
)

// writeAddresses encodes a candidate server list: a uint32 count followed by
// typed addresses (1 = IPv4 + port, 2 = IPv6 + port).
func writeAddresses(w *writer, addrs []*net.UDPAddr) error {
	if err := limits.ValidateAddressCount(len(addrs)); err != nil {
		return err
	}
	w.uint32(uint32(len(addrs)))
	for i, addr := range addrs {
		if addr == nil || addr.Port <= 0 || addr.Port > 0xFFFF {
			return fmt.Errorf("%w: server address %d is not a valid UDP address", ErrInvalidFormat, i)
		}
		if ip4 := addr.IP.To4(); ip4 != nil {
			w.uint8(addressIPv4)
			w.bytes(ip4)
		} else if ip6 := addr.IP.To16(); ip6 != nil {
			w.uint8(addressIPv6)
			w.bytes(ip6)
		} else {
			return fmt.Errorf("%w: server address %d has no IP", ErrInvalidFormat, i)
		}
		w.uint16(uint16(addr.Port))
	}
	return nil
}

// readAddresses decodes a list written by writeAddresses.
func readAddresses(r *reader) ([]*net.UDPAddr, error) {
	count := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	if err := limits.ValidateAddressCount(int(count)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	addrs := make([]*net.UDPAddr, 0, count)
	for i := uint32(0); i < count; i++ {
		var ip net.IP
		switch r.uint8() {
		case addressIPv4:
			ip = make(net.IP, net.IPv4len)
		case addressIPv6:
			ip = make(net.IP, net.IPv6len)
		default:
			if r.err != nil {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: unknown address type", ErrInvalidFormat)
		}
		r.copyTo(ip)
		port := r.uint16()
		if r.err != nil {
			return nil, r.err
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: int(port)})
	}
	return addrs, nil
}

// AddressEqual compares UDP addresses by IP and port, treating IPv4 and
// IPv4-in-IPv6 forms as equal.
func AddressEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// ContainsAddress reports whether addr is one of addrs.
func ContainsAddress(addrs []*net.UDPAddr, addr *net.UDPAddr) bool {
	for _, a := range addrs {
		if AddressEqual(a, addr) {
			return true
		}
	}
	return false
}
