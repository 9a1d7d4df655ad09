// Package compress defines the pluggable block compressor capability of
// spec.md §2 and ships a default implementation on top of
// github.com/klauspost/compress, the same compression library the
// r2northstar/atlas master-server carries as a direct dependency.
package compress

// Compressor compresses/decompresses a whole packet body. Implementations
// must be safe for concurrent use by multiple peers sharing one Host.
type Compressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}
