package token

import (
	"encoding/binary"
)

// writer appends little-endian fields to a byte slice.
type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) uint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte)  { w.buf = append(w.buf, b...) }

// pad appends zeros until the buffer is n bytes long.
func (w *writer) pad(n int) {
	for len(w.buf) < n {
		w.buf = append(w.buf, 0)
	}
}

// reader consumes little-endian fields. The first short read latches
// ErrInvalidFormat; later reads return zero values, so callers check err once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrInvalidFormat
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) copyTo(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}
