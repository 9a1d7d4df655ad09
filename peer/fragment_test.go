package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaynet/wire"
)

type discardSocket struct{}

func (discardSocket) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FragmentTimeout = 50 * time.Millisecond
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	require.NoError(t, err)
	return newPeer(addr, discardSocket{}, cfg, NopListener{})
}

func TestIntegrateFragmentReassemblesInOrder(t *testing.T) {
	p := newTestPeer(t)
	hdr := func(part uint16) wire.FragmentHeader {
		return wire.FragmentHeader{FragmentID: 7, Part: part, LastPart: 2}
	}

	out, err := p.integrateFragment(hdr(0), []byte("AAAA"))
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = p.integrateFragment(hdr(1), []byte("BBBB"))
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = p.integrateFragment(hdr(2), []byte("C"))
	require.NoError(t, err)
	require.Equal(t, []byte("AAAABBBBC"), out)
}

func TestIntegrateFragmentOutOfOrder(t *testing.T) {
	p := newTestPeer(t)
	hdr := func(part uint16) wire.FragmentHeader {
		return wire.FragmentHeader{FragmentID: 1, Part: part, LastPart: 1}
	}

	out, err := p.integrateFragment(hdr(1), []byte("B"))
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = p.integrateFragment(hdr(0), []byte("A"))
	require.NoError(t, err)
	require.Equal(t, []byte("AB"), out)
}

func TestIntegrateFragmentDuplicatePartIgnored(t *testing.T) {
	p := newTestPeer(t)
	hdr := wire.FragmentHeader{FragmentID: 3, Part: 0, LastPart: 1}

	_, err := p.integrateFragment(hdr, []byte("A"))
	require.NoError(t, err)

	out, err := p.integrateFragment(hdr, []byte("A"))
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestIntegrateFragmentNewIDAbandonsInProgress(t *testing.T) {
	p := newTestPeer(t)
	_, err := p.integrateFragment(wire.FragmentHeader{FragmentID: 1, Part: 0, LastPart: 2}, []byte("A"))
	require.NoError(t, err)

	// A part of a different fragment_id replaces the stalled reassembly.
	out, err := p.integrateFragment(wire.FragmentHeader{FragmentID: 2, Part: 0, LastPart: 0}, []byte("X"))
	require.NoError(t, err)
	require.Equal(t, []byte("X"), out)
}

func TestIntegrateFragmentNonLastPartLengthMismatch(t *testing.T) {
	p := newTestPeer(t)
	hdr := wire.FragmentHeader{FragmentID: 9, Part: 0, LastPart: 2}
	_, err := p.integrateFragment(hdr, []byte("AAAA"))
	require.NoError(t, err)

	_, err = p.integrateFragment(wire.FragmentHeader{FragmentID: 9, Part: 1, LastPart: 2}, []byte("B"))
	require.Error(t, err)
}
