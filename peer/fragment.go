package peer

import (
	"time"

	"github.com/pkg/errors"

	"relaynet/wire"
)

// fragmentState is the single in-progress fragment reassembly buffer
// spec.md §3 describes ("exactly one in-progress fragment identified by
// fragment_id"). Non-last parts must all share one length; the last
// part may be shorter.
type fragmentState struct {
	fragmentID uint16
	parts      [][]byte
	partLen    int
	received   int
	bits       []uint64 // pooled presence bitset, one bit per part index
	timer      *time.Timer
}

func bitTest(bits []uint64, idx int) bool {
	return bits[idx/64]&(1<<uint(idx%64)) != 0
}

func bitSet(bits []uint64, idx int) {
	bits[idx/64] |= 1 << uint(idx%64)
}

// integrateFragment folds one received part into the peer's in-progress
// fragment buffer (spec.md §4.4 step 3). It returns the reassembled
// packet once every part has arrived. A nil, nil result means there is
// nothing to deliver yet: either reassembly is still in progress, or the
// part was a duplicate that had already been counted and is discarded.
func (p *Peer) integrateFragment(hdr wire.FragmentHeader, payload []byte) ([]byte, error) {
	p.fragmentMu.Lock()
	defer p.fragmentMu.Unlock()

	total := int(hdr.LastPart) + 1
	if total <= 0 || total > (1<<20) {
		return nil, errors.New("peer: fragment reports an implausible part count")
	}

	if p.fragment == nil || p.fragment.fragmentID != hdr.FragmentID {
		// First part seen of a new fragment_id replaces any in-progress
		// fragment (spec.md §4.4): a stalled reassembly is abandoned
		// rather than blocking the new one.
		if p.fragment != nil {
			if p.fragment.timer != nil {
				p.fragment.timer.Stop()
			}
			p.alloc.PutBitset(p.fragment.bits)
		}
		p.fragment = &fragmentState{
			fragmentID: hdr.FragmentID,
			parts:      make([][]byte, total),
			bits:       p.alloc.GetBitset(total),
		}
	}
	fs := p.fragment

	idx := int(hdr.Part)
	if idx < 0 || idx >= len(fs.parts) {
		return nil, errors.New("peer: fragment part index out of range")
	}
	if bitTest(fs.bits, idx) {
		return nil, nil // duplicate part
	}

	if idx != int(hdr.LastPart) {
		if fs.partLen == 0 {
			fs.partLen = len(payload)
		} else if len(payload) != fs.partLen {
			return nil, errors.New("peer: fragment non-last part length mismatch")
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	fs.parts[idx] = buf
	bitSet(fs.bits, idx)
	fs.received++

	p.resetFragmentTimeoutLocked(fs)

	if fs.received == len(fs.parts) {
		size := 0
		for _, part := range fs.parts {
			size += len(part)
		}
		out := make([]byte, 0, size)
		for _, part := range fs.parts {
			out = append(out, part...)
		}
		p.alloc.PutBitset(fs.bits)
		p.fragment = nil
		return out, nil
	}
	return nil, nil
}

// resetFragmentTimeoutLocked cancels and recreates the single timeout
// token for the in-progress fragment, per spec.md §3 ("a timeout
// token") — it fires fragment_timeout after the *last* received part,
// not from the first.
func (p *Peer) resetFragmentTimeoutLocked(fs *fragmentState) {
	if fs.timer != nil {
		fs.timer.Stop()
	}
	fs.timer = time.AfterFunc(p.cfg.FragmentTimeout, func() {
		p.fragmentMu.Lock()
		defer p.fragmentMu.Unlock()
		if p.fragment == fs {
			p.alloc.PutBitset(fs.bits)
			p.fragment = nil
		}
	})
}
