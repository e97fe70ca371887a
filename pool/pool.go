// Package pool implements a freelist of byte slices. All slices provided
// by a given freelist have the same size, and can only be returned to the
// freelist if their capacity is unchanged.
package pool

import "github.com/opd-ai/netcode/limits"

// Packets is the freelist of datagram-sized buffers shared by transports,
// clients and servers.
var Packets = New(limits.MaxPacketSize)

// List is a bounded freelist of equally sized buffers. It is safe for
// concurrent use.
type List struct {
	size int
	ch   chan []byte
}

// New returns a new freelist of buffers sized as requested.
func New(size int) *List {
	return &List{size, make(chan []byte, 1024)}
}

// Size returns the length of the buffers handed out by Get.
func (l *List) Size() int {
	return l.size
}

// Get returns a buffer, reusing a previously released one if possible.
// Buffers are always zeroed and have length Size.
func (l *List) Get() []byte {
	select {
	case buf := <-l.ch:
		return buf
	default:
	}
	return make([]byte, l.size)
}

// Put releases a buffer back to the freelist. The slice is only reused if
// its capacity is the freelist's size; anything else is left to the garbage
// collector.
func (l *List) Put(buf []byte) {
	if cap(buf) != l.size {
		return
	}
	buf = buf[:cap(buf)]
	// Payloads may be sensitive, never hand out recycled contents.
	for i := range buf {
		buf[i] = 0
	}
	select {
	case l.ch <- buf:
	default:
	}
}

// Copy returns a pooled buffer holding a copy of data, truncated to
// len(data). Data larger than Size is copied into a fresh allocation.
func (l *List) Copy(data []byte) []byte {
	if len(data) > l.size {
		return append([]byte(nil), data...)
	}
	buf := l.Get()
	n := copy(buf, data)
	return buf[:n]
}
