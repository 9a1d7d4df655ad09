// Package metrics exposes the aggregate statistics counters spec.md §3
// and §9 call for ("aggregate statistics", "all monotonically increasing
// u64s updated with relaxed atomics") as github.com/VictoriaMetrics/metrics
// counters, the same metrics library r2northstar/atlas registers its
// master-server counters with.
package metrics

import (
	"fmt"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

// HostStats tracks Host-level counters. Each field is updated with
// atomic.AddUint64 and mirrored into a counter in
// github.com/VictoriaMetrics/metrics' process-wide default set, under a name
// scoped by the host's local address, so multiple in-process Hosts
// (as in tests) don't collide on one global series.
type HostStats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	MalformedDropped uint64
	CRCRejected      uint64
	DecryptFailed    uint64

	scope string
}

// NewHostStats registers a HostStats' VictoriaMetrics counters under the
// given scope (typically the bound local address) and returns it.
func NewHostStats(scope string) *HostStats {
	s := &HostStats{scope: scope}
	for name, ptr := range s.namedCounters() {
		vm.NewCounter(fmt.Sprintf(`relaynet_host_%s{scope=%q}`, name, scope))
		_ = ptr
	}
	return s
}

func (s *HostStats) namedCounters() map[string]*uint64 {
	return map[string]*uint64{
		"packets_sent":      &s.PacketsSent,
		"packets_received":  &s.PacketsReceived,
		"bytes_sent":        &s.BytesSent,
		"bytes_received":    &s.BytesReceived,
		"malformed_dropped": &s.MalformedDropped,
		"crc_rejected":      &s.CRCRejected,
		"decrypt_failed":    &s.DecryptFailed,
	}
}

func (s *HostStats) incr(field string, counter *uint64, delta uint64) {
	atomic.AddUint64(counter, delta)
	vm.GetOrCreateCounter(fmt.Sprintf(`relaynet_host_%s{scope=%q}`, field, s.scope)).Add(int(delta))
}

func (s *HostStats) AddPacketsSent(n uint64)      { s.incr("packets_sent", &s.PacketsSent, n) }
func (s *HostStats) AddPacketsReceived(n uint64)  { s.incr("packets_received", &s.PacketsReceived, n) }
func (s *HostStats) AddBytesSent(n uint64)        { s.incr("bytes_sent", &s.BytesSent, n) }
func (s *HostStats) AddBytesReceived(n uint64)    { s.incr("bytes_received", &s.BytesReceived, n) }
func (s *HostStats) AddMalformedDropped(n uint64) { s.incr("malformed_dropped", &s.MalformedDropped, n) }
func (s *HostStats) AddCRCRejected(n uint64)      { s.incr("crc_rejected", &s.CRCRejected, n) }
func (s *HostStats) AddDecryptFailed(n uint64)    { s.incr("decrypt_failed", &s.DecryptFailed, n) }

// Snapshot returns a consistency-not-guaranteed-across-fields copy, per
// spec.md §9 ("readers accept transient inconsistency between related
// counters").
func (s *HostStats) Snapshot() HostStats {
	return HostStats{
		PacketsSent:      atomic.LoadUint64(&s.PacketsSent),
		PacketsReceived:  atomic.LoadUint64(&s.PacketsReceived),
		BytesSent:        atomic.LoadUint64(&s.BytesSent),
		BytesReceived:    atomic.LoadUint64(&s.BytesReceived),
		MalformedDropped: atomic.LoadUint64(&s.MalformedDropped),
		CRCRejected:      atomic.LoadUint64(&s.CRCRejected),
		DecryptFailed:    atomic.LoadUint64(&s.DecryptFailed),
	}
}

// PeerStats tracks per-peer counters, including the duplicate-delivery
// counter spec.md §8 scenario 6 requires ("message_receive_duplicated
// statistic equals 1").
type PeerStats struct {
	MessagesSent           uint64
	MessagesReceived       uint64
	MessageReceiveDuplicated uint64
	MessagesLost           uint64
	Retransmits            uint64
}

func (s *PeerStats) IncMessagesSent()             { atomic.AddUint64(&s.MessagesSent, 1) }
func (s *PeerStats) IncMessagesReceived()         { atomic.AddUint64(&s.MessagesReceived, 1) }
func (s *PeerStats) IncMessageReceiveDuplicated()  { atomic.AddUint64(&s.MessageReceiveDuplicated, 1) }
func (s *PeerStats) AddMessagesLost(n int64) {
	if n >= 0 {
		atomic.AddUint64(&s.MessagesLost, uint64(n))
	}
}
func (s *PeerStats) IncRetransmits() { atomic.AddUint64(&s.Retransmits, 1) }

func (s *PeerStats) Snapshot() PeerStats {
	return PeerStats{
		MessagesSent:             atomic.LoadUint64(&s.MessagesSent),
		MessagesReceived:         atomic.LoadUint64(&s.MessagesReceived),
		MessageReceiveDuplicated: atomic.LoadUint64(&s.MessageReceiveDuplicated),
		MessagesLost:             atomic.LoadUint64(&s.MessagesLost),
		Retransmits:              atomic.LoadUint64(&s.Retransmits),
	}
}
