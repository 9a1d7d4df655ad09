package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	for pt := PacketType(1); pt <= 6; pt++ {
		for _, fl := range []PacketFlags{0, FlagVerified, FlagVerified | FlagFragmented, FlagCombined | FlagCompressed | FlagTimed} {
			b := EncodeHeader(pt, fl)
			gotType, gotFlags := DecodeHeader(b)
			require.Equal(t, pt, gotType)
			require.Equal(t, fl, gotFlags)
		}
	}
}

func TestMessageHeaderRoundTrip(t *testing.T) {
	b := EncodeMessageHeader(MessageCustom, MsgFlagReliable|MsgFlagOrdered|MsgFlagUnique)
	mt, mf := DecodeMessageHeader(b)
	require.Equal(t, MessageCustom, mt)
	require.True(t, mf.Has(MsgFlagReliable))
	require.True(t, mf.Has(MsgFlagOrdered))
	require.True(t, mf.Has(MsgFlagUnique))
	require.False(t, mf.Has(MsgFlagSequenced))
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteByte(0xAB)
	w.WriteUint16(0x1234)
	w.WriteUint24(0x0A0B0C)
	w.WriteUint32(0xDEADBEEF)
	w.WriteBytes([]byte("payload"))

	r := NewReader(w.Bytes())
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), u16)

	u24, err := r.ReadUint24()
	require.NoError(t, err)
	require.Equal(t, uint32(0x0A0B0C), u24)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	require.Equal(t, "payload", string(r.Rest()))
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.ReadUint32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestWriterHeadroomPrepend(t *testing.T) {
	w := NewWriterWithHeadroom(DefaultHeadroom)
	w.WriteBytes([]byte("hi"))
	w.Prepend([]byte{0x99})
	require.Equal(t, []byte{0x99, 'h', 'i'}, w.Bytes())
}

func TestCRC32RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	sum := CRC32(payload)
	framed := make([]byte, 4+len(payload))
	framed[0] = byte(sum)
	framed[1] = byte(sum >> 8)
	framed[2] = byte(sum >> 16)
	framed[3] = byte(sum >> 24)
	copy(framed[4:], payload)
	require.True(t, VerifyCRC32(framed))

	framed[4] ^= 0xFF
	require.False(t, VerifyCRC32(framed))
}
