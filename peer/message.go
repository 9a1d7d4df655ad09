package peer

import (
	"context"
	"sync/atomic"
	"time"

	"relaynet/wire"
)

// Message is what an application hands to Peer.Send: the payload plus
// its reliability/ordering/uniqueness/timing selections (spec.md §3).
type Message struct {
	Channel  uint8
	Timed    bool
	Reliable bool
	Ordered  bool
	Unique   bool
	Payload  []byte
}

// SentMessage is the handle spec.md §3 says Send returns: a reference to
// the payload, its derived flags, its allocated sequence, and (for
// reliable messages) the bookkeeping the resend loop needs.
type SentMessage struct {
	Payload   []byte
	Flags     wire.MessageFlags
	Sequence  uint16
	Channel   uint8
	CreatedAt uint64 // host tick at first emission

	attempts uint32 // atomic, attempt number of the next/most recent send
	acked    int32  // atomic bool

	cancel context.CancelFunc
}

// Acknowledged reports whether this reliable message has been acked.
func (m *SentMessage) Acknowledged() bool {
	return atomic.LoadInt32(&m.acked) != 0
}

func (m *SentMessage) markAcked() bool {
	return atomic.CompareAndSwapInt32(&m.acked, 0, 1)
}

func (m *SentMessage) Attempts() uint32 {
	return atomic.LoadUint32(&m.attempts)
}

func (m *SentMessage) nextAttempt() uint32 {
	return atomic.AddUint32(&m.attempts, 1) - 1
}

// sequenceKey packs (channel, sequence) into the composite key used by
// the peer's reliables map and duplicate-suppression set.
func sequenceKey(channel uint8, sequence uint16) uint32 {
	return uint32(channel)<<16 | uint32(sequence)
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
