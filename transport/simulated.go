package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
	"github.com/opd-ai/netcode/queue"
)

// DropFilter decides whether the simulated network loses a datagram.
type DropFilter func(from, to net.Addr, data []byte) bool

// DeliveryStats counts what a SimulatedNetwork did with the datagrams it
// was handed.
type DeliveryStats struct {
	Delivered   int
	Dropped     int
	Unreachable int
}

// SimulatedNetwork is an in-memory datagram network for deterministic tests.
// Datagrams are delivered instantly into the destination's receive queue;
// nothing is reordered unless a test reorders it.
type SimulatedNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*SimulatedTransport
	drop      DropFilter
	nextPort  int
	queueSize int
	stats     DeliveryStats
}

// NewSimulatedNetwork creates an empty simulated network.
func NewSimulatedNetwork() *SimulatedNetwork {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Info("Creating simulated network for testing")

	return &SimulatedNetwork{
		endpoints: make(map[string]*SimulatedTransport),
		nextPort:  50000,
		queueSize: DefaultQueueSize,
	}
}

// SetDropFilter installs f; nil delivers everything.
func (n *SimulatedNetwork) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Stats returns a snapshot of the delivery counters.
func (n *SimulatedNetwork) Stats() DeliveryStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Listen attaches an endpoint at addr. A zero port picks a free one.
func (n *SimulatedNetwork) Listen(addr string) (*SimulatedTransport, error) {
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if udp.Port == 0 {
		for {
			udp.Port = n.nextPort
			n.nextPort++
			if _, taken := n.endpoints[AddrKey(udp)]; !taken {
				break
			}
		}
	}
	key := AddrKey(udp)
	if _, taken := n.endpoints[key]; taken {
		return nil, fmt.Errorf("simulated address %s already in use", key)
	}

	t := &SimulatedTransport{
		network: n,
		addr:    udp,
		inbox:   queue.New[datagram](n.queueSize),
	}
	n.endpoints[key] = t

	logrus.WithFields(logrus.Fields{
		"function":        "SimulatedNetwork.Listen",
		"addr":            key,
		"total_endpoints": len(n.endpoints),
	}).Debug("Simulated endpoint attached")
	return t, nil
}

func (n *SimulatedNetwork) deliver(from *SimulatedTransport, buf []byte, to net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.drop != nil && n.drop(from.addr, to, buf) {
		n.stats.Dropped++
		return
	}
	dst, ok := n.endpoints[AddrKey(to)]
	if !ok || dst.closed {
		n.stats.Unreachable++
		return
	}

	if old, evicted := dst.inbox.Push(datagram{buf: pool.Packets.Copy(buf), addr: from.addr}); evicted {
		// The oldest queued datagram is the one lost
		pool.Packets.Put(old.buf)
		n.stats.Dropped++
	}
	n.stats.Delivered++
}

// SimulatedTransport is one endpoint of a SimulatedNetwork.
type SimulatedTransport struct {
	network *SimulatedNetwork
	addr    *net.UDPAddr
	inbox   *queue.Ring[datagram]
	closed  bool
}

// ReadFrom copies the next queued datagram into buf.
func (t *SimulatedTransport) ReadFrom(buf []byte) (int, net.Addr, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return 0, nil, ErrTransportClosed
	}
	d, ok := t.inbox.Pop()
	if !ok {
		return 0, nil, ErrWouldBlock
	}
	n := copy(buf, d.buf)
	pool.Packets.Put(d.buf)
	return n, d.addr, nil
}

// WriteTo hands buf to the network for delivery to addr.
func (t *SimulatedTransport) WriteTo(buf []byte, addr net.Addr) error {
	t.network.mu.Lock()
	closed := t.closed
	t.network.mu.Unlock()

	if closed {
		return ErrTransportClosed
	}
	if len(buf) > limits.MaxPacketSize {
		return fmt.Errorf("%w: datagram of %d bytes", limits.ErrMessageTooLarge, len(buf))
	}
	t.network.deliver(t, buf, addr)
	return nil
}

// LocalAddr returns the endpoint address.
func (t *SimulatedTransport) LocalAddr() net.Addr {
	return t.addr
}

// Close detaches the endpoint; later datagrams to it are unreachable.
func (t *SimulatedTransport) Close() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	delete(t.network.endpoints, AddrKey(t.addr))
	for {
		d, ok := t.inbox.Pop()
		if !ok {
			break
		}
		pool.Packets.Put(d.buf)
	}
	return nil
}
