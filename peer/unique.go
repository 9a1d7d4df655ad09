package peer

import "time"

// checkAndMarkUnique implements spec.md §3's "Uniqueness" set: it
// inserts (channel, sequence) if unseen within duplicate_timeout and
// reports whether this is the first sighting. Eviction is lazy (swept
// opportunistically on insert) rather than one timer task per entry —
// spec.md §9 explicitly allows any structure that satisfies "entries
// older than duplicate_timeout must be removable"; a single
// expiry-stamped map amortizes far better than per-entry timers for the
// churn rate a reliable-messaging transport produces.
func (p *Peer) checkAndMarkUnique(channel uint8, sequence uint16) (firstSighting bool) {
	key := sequenceKey(channel, sequence)
	now := p.tick()
	expiry := now + uint64(p.cfg.DuplicateTimeout/time.Millisecond)

	p.uniqueMu.Lock()
	defer p.uniqueMu.Unlock()

	if exp, ok := p.uniqueSeen[key]; ok && exp > now {
		return false
	}

	p.uniqueSeen[key] = expiry
	p.sweepUniqueLocked(now)
	return true
}

// sweepUniqueLocked evicts expired entries. Bounded to a small number of
// entries per call so a single received message doesn't pay for an
// unbounded sweep;
// callers insert roughly once per message, so steady-state churn keeps
// the set near its live working set.
func (p *Peer) sweepUniqueLocked(now uint64) {
	const maxSweep = 64
	if len(p.uniqueSeen) < maxSweep {
		for k, exp := range p.uniqueSeen {
			if exp <= now {
				delete(p.uniqueSeen, k)
			}
		}
		return
	}
	swept := 0
	for k, exp := range p.uniqueSeen {
		if swept >= maxSweep {
			break
		}
		swept++
		if exp <= now {
			delete(p.uniqueSeen, k)
		}
	}
}

func (p *Peer) tick() uint64 {
	if p.cfg.TickFunc != nil {
		return p.cfg.TickFunc()
	}
	return uint64(time.Now().UnixMilli())
}
