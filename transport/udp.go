package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
)

// DefaultQueueSize is the number of datagrams a UDPTransport buffers between
// two reads before it starts dropping.
const DefaultQueueSize = 1024

// readTimeout bounds each blocking read so the reader notices Close.
const readTimeout = 100 * time.Millisecond

type datagram struct {
	buf  []byte
	addr net.Addr
}

// UDPTransport implements Transport over a UDP socket. A background reader
// copies every datagram into a pooled buffer and queues it; ReadFrom only
// ever takes from that queue, so it never blocks.
type UDPTransport struct {
	conn     net.PacketConn
	incoming chan datagram
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	closeErr error
}

// NewUDPTransport binds listenAddr (for example "0.0.0.0:40000" or
// "127.0.0.1:0") and starts the reader goroutine.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	return NewUDPTransportWithQueue(listenAddr, DefaultQueueSize)
}

// NewUDPTransportWithQueue is NewUDPTransport with an explicit queue size.
func NewUDPTransportWithQueue(listenAddr string, queueSize int) (*UDPTransport, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "NewUDPTransport",
			"listen_addr": listenAddr,
			"error":       err.Error(),
		}).Error("Failed to bind UDP socket")
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:     conn,
		incoming: make(chan datagram, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
		"queue_size": queueSize,
	}).Info("UDP transport listening")

	go t.processPackets()
	return t, nil
}

// ReadFrom copies the next queued datagram into buf. It returns
// ErrWouldBlock when the queue is empty and ErrTransportClosed once the
// transport is closed and drained.
func (t *UDPTransport) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case d := <-t.incoming:
		n := copy(buf, d.buf)
		pool.Packets.Put(d.buf)
		return n, d.addr, nil
	default:
	}

	select {
	case <-t.ctx.Done():
		return 0, nil, ErrTransportClosed
	default:
		return 0, nil, ErrWouldBlock
	}
}

// WriteTo sends buf to addr.
func (t *UDPTransport) WriteTo(buf []byte, addr net.Addr) error {
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}
	if len(buf) > limits.MaxPacketSize {
		return fmt.Errorf("%w: datagram of %d bytes", limits.ErrMessageTooLarge, len(buf))
	}

	if _, err := t.conn.WriteTo(buf, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops the reader and closes the socket. Queued datagrams are
// released back to the pool.
func (t *UDPTransport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
		<-t.done

		for {
			select {
			case d := <-t.incoming:
				pool.Packets.Put(d.buf)
			default:
				return
			}
		}
	})
	return t.closeErr
}

// processPackets reads datagrams until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer close(t.done)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket()
		}
	}
}

// processIncomingPacket reads one datagram and queues it, dropping it when
// the queue is full.
func (t *UDPTransport) processIncomingPacket() {
	buf := pool.Packets.Get()

	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, addr, err := t.conn.ReadFrom(buf)
	if err != nil {
		pool.Packets.Put(buf)
		t.handleReadError(err)
		return
	}

	select {
	case t.incoming <- datagram{buf: buf[:n], addr: addr}:
	default:
		pool.Packets.Put(buf)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"from":     addr.String(),
			"size":     n,
		}).Debug("Receive queue full, dropping datagram")
	}
}

func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.processIncomingPacket",
		"error":    err.Error(),
	}).Error("UDP read failed")
}
