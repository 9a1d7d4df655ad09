package host

import (
	"net"

	"relaynet/peer"
	"relaynet/wire"
)

// Listener is the Host-level callback contract of spec.md §6.
type Listener interface {
	OnReceiveRequest(request *peer.ConnectionRequest, reader *wire.Reader)
	OnReceiveUnconnected(remote net.Addr, reader *wire.Reader)
	OnReceiveBroadcast(remote net.Addr, reader *wire.Reader)
	OnReceiveSocket(remote net.Addr, raw []byte)
	OnException(remote net.Addr, err error)
	OnShutdown()
}

// NopListener implements Listener with no-ops so callers can embed it
// and override only the callbacks they need.
type NopListener struct{}

func (NopListener) OnReceiveRequest(*peer.ConnectionRequest, *wire.Reader) {}
func (NopListener) OnReceiveUnconnected(net.Addr, *wire.Reader)            {}
func (NopListener) OnReceiveBroadcast(net.Addr, *wire.Reader)              {}
func (NopListener) OnReceiveSocket(net.Addr, []byte)                      {}
func (NopListener) OnException(net.Addr, error)                          {}
func (NopListener) OnShutdown()                                          {}
