package peer

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"relaynet/wire"
)

// runResendLoop is the outstanding-reliable resend loop of spec.md §4.3:
// it re-emits sm with an incrementing attempt number until acked or
// until resend_count is exceeded, at which point the peer times out.
func (p *Peer) runResendLoop(sm *SentMessage, msgType wire.MessageType) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(p.ctx)
	sm.cancel = cancel

	delay := p.resendDelay()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if sm.Acknowledged() {
			return
		}

		attempt := sm.nextAttempt()
		if int(attempt) >= p.cfg.ResendCount {
			key := sequenceKey(sm.Channel, sm.Sequence)
			p.reliablesMu.Lock()
			delete(p.reliables, key)
			p.reliablesMu.Unlock()
			p.cfg.Logger.Warn().
				Stringer("peer", p.remoteAddr).
				Uint8("channel", sm.Channel).
				Uint16("seq", sm.Sequence).
				Uint8("attempt", attempt).
				Msg("reliable message exceeded resend_count, disconnecting")
			p.disconnect(ReasonTimeout, nil, errors.Errorf("peer: reliable message exceeded resend_count=%d", p.cfg.ResendCount))
			return
		}

		p.stats.IncRetransmits()
		p.cfg.Logger.Debug().
			Stringer("peer", p.remoteAddr).
			Uint8("channel", sm.Channel).
			Uint16("seq", sm.Sequence).
			Uint8("attempt", attempt).
			Msg("retransmitting reliable message")
		p.enqueue(msgType, sm.Flags, sm.Channel, sm.Sequence, uint8(attempt), sm.Payload)

		delay = p.resendDelay()
		timer.Reset(delay)
	}
}

// resendDelay implements spec.md §4.3's
// clamp(rtt + jitter, resend_delay_min, resend_delay_max).
func (p *Peer) resendDelay() time.Duration {
	rtt := time.Duration(atomic.LoadUint32(&p.rttMs)) * time.Millisecond
	d := rtt + p.jitter()
	if d < p.cfg.ResendDelayMin {
		return p.cfg.ResendDelayMin
	}
	if d > p.cfg.ResendDelayMax {
		return p.cfg.ResendDelayMax
	}
	return d
}

func (p *Peer) jitter() time.Duration {
	if p.cfg.ResendDelayJitter <= 0 || p.cfg.Rand == nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(p.cfg.Rand, b[:]); err != nil {
		return 0
	}
	n := binary.LittleEndian.Uint64(b[:]) % uint64(p.cfg.ResendDelayJitter)
	return time.Duration(n)
}

// handleAcknowledge implements spec.md §4.4's ACKNOWLEDGE dispatch: it
// retires the outstanding reliable and, for a first-attempt/first-ack
// pair, derives RTT and clock skew.
//
// The wire format carries only one tick field per message, so
// ack_sent_ticks (spec.md's term for when the ack physically left the
// wire) is taken as our local processing tick at receipt time; the
// formula now - sent_ticks - (ack_sent_ticks - ack_created_ticks)
// collapses to ack_created_ticks - sent_ticks under that substitution.
func (p *Peer) handleAcknowledge(channel uint8, sequence uint16, ackAttempt uint8, ackCreatedLow16 uint16) {
	key := sequenceKey(channel, sequence)
	p.reliablesMu.Lock()
	sm, ok := p.reliables[key]
	if ok {
		delete(p.reliables, key)
	}
	p.reliablesMu.Unlock()
	if !ok {
		return
	}
	if sm.cancel != nil {
		sm.cancel()
	}
	if !sm.markAcked() {
		return
	}

	if sm.Attempts() == 1 && ackAttempt == 0 {
		now := p.tick()
		ackCreated := reconstructTick(ackCreatedLow16, now)
		rtt := clampRTT(int64(ackCreated) - int64(sm.CreatedAt))
		atomic.StoreUint32(&p.rttMs, uint32(rtt))
		atomic.StoreUint32(&p.timeDelta, uint32(int32(int64(ackCreated)-int64(now))))
		if p.listener != nil {
			p.listener.OnUpdateRTT(p, rtt)
		}
	}
}
