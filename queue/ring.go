// Package queue implements a fixed-capacity FIFO ring buffer.
//
// The client and the server queue their notifications (state changes,
// connections, payloads) in a Ring during Iterate, and the embedding layer
// drains them on its own schedule. The ring never grows: when it is full the
// oldest element is overwritten, so a caller that stops draining cannot make
// the protocol engine allocate without bound.
package queue

// Ring is a fixed-capacity FIFO queue. It is not safe for concurrent use.
type Ring[T any] struct {
	buf         []T
	start, size int
	dropped     uint64
}

// New returns a ring able to hold capacity elements. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest element is overwritten
// and returned with ok set, so the caller can release what it holds.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size == len(r.buf) {
		evicted = r.buf[r.start]
		r.buf[r.start] = v
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
		return evicted, true
	}
	r.buf[(r.start+r.size)%len(r.buf)] = v
	r.size++
	return evicted, false
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.start]
	r.buf[r.start] = zero
	r.start = (r.start + 1) % len(r.buf)
	r.size--
	return v, true
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many elements were overwritten because the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped
}
