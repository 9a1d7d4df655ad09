package peer

import (
	"context"
	"time"

	"relaynet/wire"
)

// startPinger launches the periodic reliable PING of spec.md §4.6
// ("every ping_delay ms sends a reliable PING on channel 0 until
// disconnect"). It is started once, after the handshake reaches
// CONNECTED on either side.
func (p *Peer) startPinger() {
	ctx, cancel := context.WithCancel(p.ctx)
	p.connectMu.Lock()
	p.pingerCancel = cancel
	p.connectMu.Unlock()

	p.wg.Add(1)
	go p.runPinger(ctx)
}

func (p *Peer) runPinger(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PingDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.sendTyped(wire.MessagePing, Message{Channel: 0, Reliable: true, Timed: true}); err != nil {
				return
			}
		}
	}
}
