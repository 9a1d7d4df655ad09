package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortBuffer is returned by every Reader method when the requested
// read would run past the end of the underlying slice.
var ErrShortBuffer = errors.New("wire: short buffer")

// Reader is a bounds-checked little-endian read cursor over a byte slice
// it does not own. It never allocates; callers reading variable-length
// payloads get sub-slices aliasing the original buffer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint24() (uint32, error) {
	b, err := r.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Rest returns every byte not yet consumed.
func (r *Reader) Rest() []byte {
	return r.buf[r.pos:]
}

// Skip advances the cursor n bytes without returning them.
func (r *Reader) Skip(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	r.pos += n
	return nil
}
