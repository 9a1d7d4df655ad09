package wire

import "encoding/binary"

// Writer is a growable little-endian write buffer. It optionally reserves
// head-room bytes so a header can be prepended after the payload has been
// written without a second allocation. The peer's outgoing aggregator
// (spec.md §4.7) creates its buffer with `DefaultHeadroom` bytes of slack
// in front of the first message, but does not prepend into it: a flush
// copies the queued bytes out and drops a lone record's length prefix by
// slicing.
type Writer struct {
	buf   []byte
	start int
}

// DefaultHeadroom is the number of bytes spec.md §4.7 reserves in front of
// the first queued message: a combined-flag length-prefix worst case
// (4) + header byte (1) + tick slice (2) + sequence (2) + attempt (1) +
// channel (1) + a couple of spare bytes for the packet-level header
// (CRC length 4 is handled separately, outside this reservation).
const DefaultHeadroom = 13

// NewWriter returns a Writer with no reserved head-room.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// NewWriterWithHeadroom returns a Writer that reserves `headroom` bytes
// before the first written byte, so Prepend* calls can fill them in
// without shifting the payload.
func NewWriterWithHeadroom(headroom int) *Writer {
	buf := make([]byte, headroom, headroom+64)
	return &Writer{buf: buf, start: headroom}
}

func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

func (w *Writer) WriteBytes(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint24(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Prepend writes p immediately before the current start of the buffer.
// It must only be called while the reserved head-room (from
// NewWriterWithHeadroom) has not yet been consumed; it panics on
// underflow since that indicates a reservation-sizing bug, not bad input.
func (w *Writer) Prepend(p []byte) {
	n := len(p)
	if w.start < n {
		panic("wire: Prepend exceeds reserved headroom")
	}
	w.start -= n
	copy(w.buf[w.start:], p)
}

// Bytes returns the written payload, excluding any unconsumed head-room.
func (w *Writer) Bytes() []byte {
	return w.buf[w.start:]
}

// Len returns the number of payload bytes written (excluding head-room).
func (w *Writer) Len() int {
	return len(w.buf) - w.start
}

// Reset clears the writer back to its original head-room, for reuse from
// an allocator pool.
func (w *Writer) Reset(headroom int) {
	if cap(w.buf) < headroom {
		w.buf = make([]byte, headroom, headroom+64)
	} else {
		w.buf = w.buf[:headroom]
	}
	w.start = headroom
}
