package compress

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// flateCompressor implements Compressor using DEFLATE at the given level,
// with pooled writers so steady-state compression doesn't allocate a
// fresh flate state machine per packet; Decompress builds a new reader
// on every call.
type flateCompressor struct {
	level int

	writers sync.Pool
}

// NewFlateCompressor is the default Compressor factory.
func NewFlateCompressor(level int) Compressor {
	c := &flateCompressor{level: level}
	c.writers.New = func() interface{} {
		w, _ := flate.NewWriter(io.Discard, level)
		return w
	}
	return c
}

func (c *flateCompressor) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw := c.writers.Get().(*flate.Writer)
	defer c.writers.Put(fw)
	fw.Reset(&buf)
	if _, err := fw.Write(src); err != nil {
		return nil, errors.Wrap(err, "compress: flate write")
	}
	if err := fw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress: flate close")
	}
	return append(dst, buf.Bytes()...), nil
}

func (c *flateCompressor) Decompress(dst, src []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, errors.Wrap(err, "compress: flate read")
	}
	return append(dst, out...), nil
}
