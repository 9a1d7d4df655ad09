package peer

import "time"

// seqAfter reports whether a is strictly ahead of b on the 16-bit
// sequence ring, using signed-difference wraparound comparison.
func seqAfter(a, b uint16) bool {
	return int16(a-b) > 0
}

// deliverOrdered implements spec.md §4.5's ordering engine for one
// CUSTOM+UNIQUE+ORDERED message. deliver is invoked at most once, either
// immediately or after the reorder-gap wait resolves; it is not invoked
// for a late unreliable message, nor when the peer is disposed during
// the wait. It must not be called while any peer lock is held.
func (p *Peer) deliverOrdered(channel uint8, sequence uint16, reliable bool, deliver func()) {
	for attempt := 0; ; attempt++ {
		p.orderedMu.Lock()
		if !p.haveDeliv[channel] {
			p.delivered[channel] = sequence
			p.haveDeliv[channel] = true
			p.wakeChannelLocked(channel)
			p.orderedMu.Unlock()
			deliver()
			return
		}

		d := p.delivered[channel]
		if sequence == d+1 {
			p.delivered[channel] = sequence
			p.wakeChannelLocked(channel)
			p.orderedMu.Unlock()
			deliver()
			return
		}

		if seqAfter(sequence, d) {
			// Reorder gap: sequence is ahead of what's been delivered.
			final := !reliable || p.cfg.OrderedDelayMax <= 0 || p.cfg.OrderedDelayTimeout <= 0 || attempt >= p.cfg.OrderedDelayMax
			waitCh := p.stallCh[channel]
			p.orderedMu.Unlock()

			if final {
				deliver()
				return
			}

			select {
			case <-waitCh:
				continue // re-attempt delivery against the new delivered[c]
			case <-time.After(p.cfg.OrderedDelayTimeout):
				continue
			case <-p.ctx.Done():
				return
			}
		}

		// Late message: sequence is behind delivered[c].
		p.orderedMu.Unlock()
		if reliable {
			deliver()
		}
		return
	}
}

// wakeChannelLocked closes the channel's current stall signal and
// replaces it with a fresh one, waking every waiter blocked on it.
// Callers must hold orderedMu.
func (p *Peer) wakeChannelLocked(channel uint8) {
	close(p.stallCh[channel])
	p.stallCh[channel] = make(chan struct{})
}
