// Package peer implements spec.md's Peer: the handshake state machine,
// outgoing aggregation/fragmentation pipeline, incoming reassembly/
// reliability/ordering pipeline, and the pinger that keeps RTT and
// clock-skew estimates fresh. A Peer owns the connection state for one
// remote endpoint; the host package owns the shared UDP socket and the
// map of remote endpoint to Peer.
package peer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"relaynet/alloc"
	"relaynet/metrics"
	"relaynet/security"
	"relaynet/wire"
)

const channelCount = 256

const (
	stateConnecting int32 = 0
	stateConnected  int32 = 1
)

const (
	liveState     int32 = 0
	disposedState int32 = 1
)

// Socket is the minimal subset of net.PacketConn a Peer needs to emit
// datagrams; the Host supplies its shared *net.UDPConn here.
type Socket interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Peer holds the connection state for one remote endpoint (spec.md §3).
type Peer struct {
	remoteAddr net.Addr
	socket     Socket
	cfg        Config
	listener   Listener
	alloc      *alloc.Allocator
	stats      *metrics.PeerStats

	connected int32 // atomic stateConnecting/stateConnected
	disposed  int32 // atomic liveState/disposedState

	rttMs     uint32 // atomic
	timeDelta uint32 // atomic, low-16-bit clock skew vs remote stored widened

	// uniqueness (spec.md §3 "Uniqueness")
	uniqueMu   sync.Mutex
	uniqueSeen map[uint32]uint64 // key -> expiry tick

	// fragment reassembly (spec.md §3 "Fragment reassembly")
	fragmentMu sync.Mutex
	fragment   *fragmentState

	// ordering (spec.md §3 "Ordering")
	orderedMu sync.Mutex
	delivered [channelCount]uint16
	haveDeliv [channelCount]bool
	stallCh   [channelCount]chan struct{}

	// sequences (spec.md §3 "Sequences")
	seqSendMu sync.Mutex
	sendSeq   [channelCount]uint16
	seqRecvMu sync.Mutex
	recvSeq   [channelCount]uint16
	haveRecv  [channelCount]bool
	lost      [channelCount]int64

	seqUnseqMu sync.Mutex
	unseqRun   [channelCount]uint32

	fragIDCounter uint32 // atomic

	// outstanding reliables (spec.md §3 "Outstanding reliables")
	reliablesMu sync.Mutex
	reliables   map[uint32]*SentMessage

	// outgoing aggregator (spec.md §3 "Outgoing aggregator")
	flushMu    sync.Mutex
	flushBuf   *wire.Writer
	flushCount int
	flushTimer *time.Timer

	// handshake state (spec.md §3 "Handshake state")
	connectMu       sync.Mutex
	exchanger       security.KeyExchanger
	encryptor       security.Encryptor
	randomChallenge []byte
	pingerCancel    context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// newPeer constructs the shared Peer skeleton; handshake.go's connect/
// accept constructors finish wiring handshake-specific state and spawn
// the background loops.
func newPeer(remoteAddr net.Addr, socket Socket, cfg Config, listener Listener) *Peer {
	if cfg.Allocator == nil {
		cfg.Allocator = alloc.New(alloc.DefaultConfig())
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		remoteAddr: remoteAddr,
		socket:     socket,
		cfg:        cfg,
		listener:   listener,
		alloc:      cfg.Allocator,
		stats:      &metrics.PeerStats{},
		connected:  stateConnecting,
		uniqueSeen: cfg.Allocator.GetSeenSet(),
		reliables:  make(map[uint32]*SentMessage),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.flushBuf = wire.NewWriterWithHeadroom(wire.DefaultHeadroom)
	for c := 0; c < channelCount; c++ {
		p.stallCh[c] = make(chan struct{})
	}
	return p
}

// RemoteAddr returns the remote endpoint this Peer is connected to.
func (p *Peer) RemoteAddr() net.Addr { return p.remoteAddr }

// IsConnected reports whether the handshake has completed.
func (p *Peer) IsConnected() bool {
	return atomic.LoadInt32(&p.connected) == stateConnected
}

// IsDisposed reports whether this Peer has been torn down.
func (p *Peer) IsDisposed() bool {
	return atomic.LoadInt32(&p.disposed) == disposedState
}

// RTT returns the most recent round-trip-time sample in milliseconds.
func (p *Peer) RTT() uint16 {
	return uint16(atomic.LoadUint32(&p.rttMs))
}

// Stats returns a snapshot of this peer's counters.
func (p *Peer) Stats() metrics.PeerStats {
	return p.stats.Snapshot()
}

func (p *Peer) markConnected() {
	atomic.StoreInt32(&p.connected, stateConnected)
}

// disconnect is the single terminal-listener-call path; every
// dispose route (timeout, bad signature, remote DISCONNECT, explicit
// Disconnect/Dispose) funnels through here so spec.md §7's "dispose and
// shutdown both guarantee exactly one terminal listener call per peer"
// invariant holds regardless of which path fires first.
func (p *Peer) disconnect(reason DisconnectReason, reader *wire.Reader, cause error) {
	if !atomic.CompareAndSwapInt32(&p.disposed, liveState, disposedState) {
		return
	}
	atomic.StoreInt32(&p.connected, stateConnecting)
	p.cancel()
	p.connectMu.Lock()
	if p.pingerCancel != nil {
		p.pingerCancel()
	}
	p.connectMu.Unlock()

	p.reliablesMu.Lock()
	for k, m := range p.reliables {
		if m.cancel != nil {
			m.cancel()
		}
		delete(p.reliables, k)
	}
	p.reliablesMu.Unlock()

	p.cfg.Logger.Info().
		Stringer("peer", p.remoteAddr).
		Stringer("reason", reason).
		AnErr("cause", cause).
		Msg("peer disconnected")

	if p.listener != nil {
		p.listener.OnDisconnect(p, reader, reason, cause)
	}
}

// Disconnect gracefully tears the peer down: it sends a DISCONNECT
// message (best-effort) then disposes locally.
func (p *Peer) Disconnect() {
	if p.IsDisposed() {
		return
	}
	_ = p.sendDisconnectNotice()
	p.disconnect(ReasonDisconnected, nil, nil)
}

// Dispose immediately tears the peer down without notifying the remote
// side. Idempotent (spec.md §8 "Idempotent dispose").
func (p *Peer) Dispose() {
	p.disconnect(ReasonDisposed, nil, nil)
}

func (p *Peer) reportException(err error) {
	if p.listener != nil {
		p.listener.OnException(p, err)
	}
}

// Wait blocks until every background goroutine this peer started
// (resend loops, pinger, connect loop) has returned. Callers that care
// about leak-free shutdown (tests, Host.Shutdown) call Dispose then Wait.
func (p *Peer) Wait() {
	p.wg.Wait()
}

var errPeerDisposed = errors.New("peer: disposed")
