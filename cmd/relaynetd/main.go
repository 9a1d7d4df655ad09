package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"relaynet/host"
	"relaynet/peer"
	"relaynet/rlog"
	"relaynet/wire"
)

const version = "1.0.0"

func main() {
	role := pflag.String("role", "listen", "listen or dial")
	addr := pflag.String("addr", ":9050", "local address to bind")
	remote := pflag.String("remote", "127.0.0.1:9050", "remote address to dial (role=dial)")
	message := pflag.String("message", "hello over relaynet", "payload to send once connected")
	pflag.Parse()

	rlog.Banner(rlog.Default, "relaynet demo", version)

	cfg := host.DefaultConfig()
	_, portStr, err := net.SplitHostPort(*addr)
	if err == nil {
		if p, err := net.LookupPort("udp", portStr); err == nil {
			cfg.Port = p
		}
	}
	cfg.Logger = rlog.Default

	listener := &demoHostListener{}
	h, err := host.New(cfg, listener)
	if err != nil {
		rlog.Default.Fatal().Err(err).Msg("bind failed")
	}
	listener.h = h
	rlog.Success(rlog.Default, "socket bound at "+h.LocalAddr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	switch *role {
	case "dial":
		remoteAddr, err := net.ResolveUDPAddr("udp", *remote)
		if err != nil {
			rlog.Default.Fatal().Err(err).Msg("resolve remote")
		}
		pl := &demoPeerListener{outgoing: []byte(*message)}
		if _, err := h.Connect(remoteAddr, peer.DefaultConfig(), pl, nil); err != nil {
			rlog.Default.Fatal().Err(err).Msg("connect")
		}
	case "listen":
		// listener.OnReceiveRequest accepts every inbound REQUEST; see below.
	default:
		rlog.Default.Fatal().Str("role", *role).Msg("unknown role, expected listen or dial")
	}

	sig := <-sigCh
	rlog.Default.Warn().Str("signal", sig.String()).Msg("shutting down")
	h.Shutdown()
	time.Sleep(200 * time.Millisecond)
	rlog.Success(rlog.Default, "stopped")
}

// demoHostListener accepts every inbound connection request and echoes
// received payloads back to the sender, exercising spec.md §8 scenario 1
// end-to-end over real UDP sockets.
type demoHostListener struct {
	host.NopListener
	h *host.Host
}

func (l *demoHostListener) OnReceiveRequest(req *peer.ConnectionRequest, _ *wire.Reader) {
	if _, err := l.h.Accept(req, peer.DefaultConfig(), &demoPeerListener{}, nil); err != nil {
		rlog.Default.Error().Err(err).Msg("accept failed")
	}
}

func (l *demoHostListener) OnException(remote net.Addr, err error) {
	rlog.Default.Error().Stringer("remote", remote).Err(err).Msg("host exception")
}

type demoPeerListener struct {
	peer.NopListener
	outgoing []byte
}

func (l *demoPeerListener) OnConnect(p *peer.Peer) {
	rlog.Default.Info().Stringer("remote", p.RemoteAddr()).Msg("connected")
	if len(l.outgoing) > 0 {
		if _, err := p.Send(peer.Message{Reliable: true, Unique: true, Payload: l.outgoing}); err != nil {
			rlog.Default.Error().Err(err).Msg("send failed")
		}
	}
}

func (l *demoPeerListener) OnReceive(p *peer.Peer, r *wire.Reader, info peer.ReceivedInfo) {
	payload := r.Rest()
	rlog.Default.Info().Stringer("remote", p.RemoteAddr()).Uint8("channel", info.Channel).Bytes("payload", payload).Msg("received")
	if _, err := p.Send(peer.Message{Reliable: true, Unique: true, Payload: payload}); err != nil {
		rlog.Default.Error().Err(err).Msg("echo failed")
	}
}

func (l *demoPeerListener) OnDisconnect(p *peer.Peer, _ *wire.Reader, reason peer.DisconnectReason, cause error) {
	rlog.Default.Warn().Stringer("remote", p.RemoteAddr()).Stringer("reason", reason).AnErr("cause", cause).Msg("disconnected")
}

func (l *demoPeerListener) OnException(p *peer.Peer, err error) {
	rlog.Default.Error().Stringer("remote", p.RemoteAddr()).Err(err).Msg("peer exception")
}
