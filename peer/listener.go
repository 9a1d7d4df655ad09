package peer

import (
	"time"

	"relaynet/wire"
)

// DisconnectReason enumerates the `reason` values of spec.md §6
// ("Peer listener contracts").
type DisconnectReason int

const (
	ReasonDisconnected DisconnectReason = iota
	ReasonTerminated
	ReasonTimeout
	ReasonRejected
	ReasonBadSignature
	ReasonException
	ReasonDisposed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonDisconnected:
		return "Disconnected"
	case ReasonTerminated:
		return "Terminated"
	case ReasonTimeout:
		return "Timeout"
	case ReasonRejected:
		return "Rejected"
	case ReasonBadSignature:
		return "BadSignature"
	case ReasonException:
		return "Exception"
	case ReasonDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// ReceivedInfo accompanies every ReceivedMessage delivered to a
// Listener (spec.md §3 "ReceivedMessage").
type ReceivedInfo struct {
	Channel   uint8
	Attempt   uint8
	Sequence  *uint16
	RemoteSentAt *time.Time
	Timestamp time.Time
}

// Listener is the per-peer callback contract of spec.md §6.
type Listener interface {
	OnConnect(p *Peer)
	OnDisconnect(p *Peer, reader *wire.Reader, reason DisconnectReason, cause error)
	OnReceive(p *Peer, reader *wire.Reader, info ReceivedInfo)
	OnUpdateRTT(p *Peer, rttMs uint16)
	OnException(p *Peer, err error)
}

// NopListener implements Listener with no-ops so callers can embed it
// and override only the callbacks they care about.
type NopListener struct{}

func (NopListener) OnConnect(*Peer)                                          {}
func (NopListener) OnDisconnect(*Peer, *wire.Reader, DisconnectReason, error) {}
func (NopListener) OnReceive(*Peer, *wire.Reader, ReceivedInfo)               {}
func (NopListener) OnUpdateRTT(*Peer, uint16)                                 {}
func (NopListener) OnException(*Peer, error)                                 {}
