package wire

import "hash/crc32"

// CRC32 computes the IEEE-polynomial CRC32 over b, matching spec.md §2's
// "Serializer + CRC32" component. The standard library's table-driven
// implementation is used directly: the spec names IEEE CRC32 as the
// algorithm, so there is no third-party library decision to make here
// (see DESIGN.md).
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// VerifyCRC32 reports whether the first 4 bytes of framed (little-endian)
// equal the CRC32 of framed[4:].
func VerifyCRC32(framed []byte) bool {
	if len(framed) < 4 {
		return false
	}
	want := uint32(framed[0]) | uint32(framed[1])<<8 | uint32(framed[2])<<16 | uint32(framed[3])<<24
	return want == CRC32(framed[4:])
}
