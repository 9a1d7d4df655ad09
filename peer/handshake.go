package peer

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"relaynet/security"
	"relaynet/wire"
)

// ConnectionRequest is the inbound-REQUEST handle spec.md §4.6 surfaces
// to a Host's listener: "a ConnectionRequest (exposing encrypted and
// authenticate booleans derived from the presence of key/random
// segments)".
type ConnectionRequest struct {
	RemoteAddr net.Addr
	Key        []byte
	Random     []byte
	AppMessage []byte
}

// Encrypted reports whether the REQUEST offered a key-exchange key.
func (r *ConnectionRequest) Encrypted() bool { return len(r.Key) > 0 }

// Authenticate reports whether the REQUEST carries a non-empty random
// challenge to sign.
func (r *ConnectionRequest) Authenticate() bool { return len(r.Random) > 0 }

// EncodeKeyedPayload lays out the REQUEST/ACCEPT wire shape of spec.md
// §4.2: u16 len(a), u16 len(b), a, b, rest.
func EncodeKeyedPayload(a, b, rest []byte) []byte {
	w := wire.NewWriter()
	w.WriteUint16(uint16(len(a)))
	w.WriteUint16(uint16(len(b)))
	w.WriteBytes(a)
	w.WriteBytes(b)
	w.WriteBytes(rest)
	return w.Bytes()
}

// DecodeKeyedPayload is EncodeKeyedPayload's inverse.
func DecodeKeyedPayload(body []byte) (a, b, rest []byte, err error) {
	r := wire.NewReader(body)
	la, err := r.ReadUint16()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "peer: truncated first segment length")
	}
	lb, err := r.ReadUint16()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "peer: truncated second segment length")
	}
	if a, err = r.ReadBytes(int(la)); err != nil {
		return nil, nil, nil, errors.Wrap(err, "peer: truncated first segment")
	}
	if b, err = r.ReadBytes(int(lb)); err != nil {
		return nil, nil, nil, errors.Wrap(err, "peer: truncated second segment")
	}
	rest = r.Rest()
	return a, b, rest, nil
}

// Connect starts the CONNECTING_OUT side of spec.md §4.6: it builds our
// key-exchange key and random challenge, then repeatedly sends REQUEST
// until an ACCEPT/REJECT arrives or connect_attempts is exhausted.
func Connect(remoteAddr net.Addr, socket Socket, cfg Config, listener Listener, appMessage []byte) (*Peer, error) {
	p := newPeer(remoteAddr, socket, cfg, listener)

	var exch security.KeyExchanger
	if cfg.KeyExchanger != nil {
		var err error
		exch, err = cfg.KeyExchanger(cfg.Rand)
		if err != nil {
			return nil, errors.Wrap(err, "peer: create key exchanger")
		}
	}
	challenge := make([]byte, 16)
	if cfg.Rand != nil {
		if _, err := io.ReadFull(cfg.Rand, challenge); err != nil {
			return nil, errors.Wrap(err, "peer: generate random challenge")
		}
	}

	p.connectMu.Lock()
	p.exchanger = exch
	p.randomChallenge = challenge
	p.connectMu.Unlock()

	var key []byte
	if exch != nil {
		key = exch.PublicKey()
	}
	requestPayload := EncodeKeyedPayload(key, challenge, appMessage)

	p.wg.Add(1)
	go p.runConnectLoop(requestPayload)
	return p, nil
}

func (p *Peer) runConnectLoop(payload []byte) {
	defer p.wg.Done()

	for attempt := 0; attempt < p.cfg.ConnectAttempts; attempt++ {
		if p.IsDisposed() || p.IsConnected() {
			return
		}
		if err := SendControlPacket(p.socket, p.remoteAddr, wire.PacketRequest, p.cfg, payload); err != nil {
			p.reportException(errors.Wrap(err, "peer: send REQUEST"))
		}

		select {
		case <-time.After(p.cfg.ConnectDelay):
		case <-p.ctx.Done():
			return
		}
		if p.IsConnected() {
			return
		}
	}

	if !p.IsConnected() && !p.IsDisposed() {
		p.disconnect(ReasonTimeout, nil, errors.New("peer: connect_attempts exhausted"))
	}
}

// onAccept handles an ACCEPT packet on the requesting side (spec.md
// §4.6 "Outbound"): verify the signature (if a remote public key is
// configured), derive the encryptor, start the pinger, and move to
// CONNECTED.
func (p *Peer) onAccept(body []byte) error {
	if p.IsConnected() {
		return nil // retransmitted ACCEPT after we're already up; ignore
	}

	remoteKey, signature, _, err := DecodeKeyedPayload(body)
	if err != nil {
		return errors.Wrap(err, "peer: decode ACCEPT")
	}

	p.connectMu.Lock()
	exch := p.exchanger
	challenge := p.randomChallenge
	p.connectMu.Unlock()

	if len(p.cfg.RemotePublicKey) > 0 && p.cfg.Verifier != nil {
		if len(signature) == 0 || !p.cfg.Verifier.Verify(p.cfg.RemotePublicKey, challenge, signature) {
			p.disconnect(ReasonBadSignature, nil, errors.New("peer: ACCEPT signature verification failed"))
			return nil
		}
	}

	if exch != nil && p.cfg.Encryptor != nil && len(remoteKey) > 0 {
		secret, err := exch.SharedSecret(remoteKey)
		if err != nil {
			return errors.Wrap(err, "peer: derive shared secret")
		}
		enc, err := p.cfg.Encryptor(secret)
		if err != nil {
			return errors.Wrap(err, "peer: derive encryptor")
		}
		p.connectMu.Lock()
		p.encryptor = enc
		p.connectMu.Unlock()
	}

	p.markConnected()
	p.startPinger()
	if p.listener != nil {
		p.listener.OnConnect(p)
	}
	return nil
}

// onReject handles a REJECT packet (spec.md §4.6): on a not-yet-connected
// peer it delivers the opaque payload and disposes; on an already
// connected peer it's surfaced as a possible-spoof exception instead.
func (p *Peer) onReject(body []byte) error {
	if p.IsConnected() {
		return errors.New("peer: REJECT received on an already-connected peer")
	}
	p.disconnect(ReasonRejected, wire.NewReader(body), nil)
	return nil
}

// Accept reciprocates a pending ConnectionRequest (spec.md §4.6
// "Inbound"): it builds and sends ACCEPT, derives the encryptor
// immediately (no round trip needed on this side), starts the pinger,
// and returns an already-CONNECTED Peer.
func Accept(req *ConnectionRequest, socket Socket, cfg Config, listener Listener, appMessage []byte) (*Peer, error) {
	p := newPeer(req.RemoteAddr, socket, cfg, listener)

	var exch security.KeyExchanger
	var ourKey []byte
	if req.Encrypted() && cfg.KeyExchanger != nil {
		var err error
		exch, err = cfg.KeyExchanger(cfg.Rand)
		if err != nil {
			return nil, errors.Wrap(err, "peer: create key exchanger")
		}
		ourKey = exch.PublicKey()
	}

	var signature []byte
	if req.Authenticate() && cfg.Signer != nil {
		signer, err := cfg.Signer()
		if err != nil {
			return nil, errors.Wrap(err, "peer: create signer")
		}
		if signature, err = signer.Sign(req.Random); err != nil {
			return nil, errors.Wrap(err, "peer: sign challenge")
		}
	}

	if exch != nil && cfg.Encryptor != nil && req.Encrypted() {
		secret, err := exch.SharedSecret(req.Key)
		if err != nil {
			return nil, errors.Wrap(err, "peer: derive shared secret")
		}
		enc, err := cfg.Encryptor(secret)
		if err != nil {
			return nil, errors.Wrap(err, "peer: derive encryptor")
		}
		p.connectMu.Lock()
		p.encryptor = enc
		p.connectMu.Unlock()
	}
	p.connectMu.Lock()
	p.exchanger = exch
	p.connectMu.Unlock()

	acceptPayload := EncodeKeyedPayload(ourKey, signature, appMessage)
	if err := SendControlPacket(socket, req.RemoteAddr, wire.PacketAccept, cfg, acceptPayload); err != nil {
		return nil, errors.Wrap(err, "peer: send ACCEPT")
	}

	p.markConnected()
	p.startPinger()
	if listener != nil {
		listener.OnConnect(p)
	}
	return p, nil
}

// Reject sends a REJECT to a pending request without constructing a
// Peer (spec.md §4.1 "reject").
func Reject(req *ConnectionRequest, socket Socket, cfg Config, payload []byte) error {
	return SendControlPacket(socket, req.RemoteAddr, wire.PacketReject, cfg, payload)
}

// SendControlPacket emits one unfragmented, (optionally) CRC-verified,
// always-timed packet — the shape every pre-encryption handshake packet
// (REQUEST/ACCEPT/REJECT) shares.
func SendControlPacket(socket Socket, remoteAddr net.Addr, pt wire.PacketType, cfg Config, payload []byte) error {
	flags := wire.FlagTimed
	overhead := 1 + 2
	if cfg.CRC32Enabled {
		flags |= wire.FlagVerified
		overhead += 4
	}
	if len(payload)+overhead > cfg.MTU {
		return errors.New("peer: handshake payload exceeds MTU")
	}

	tick := uint64(time.Now().UnixMilli())
	if cfg.TickFunc != nil {
		tick = cfg.TickFunc()
	}

	w := wire.NewWriter()
	w.WriteByte(wire.EncodeHeader(pt, flags))
	crcAt := -1
	if flags.Has(wire.FlagVerified) {
		crcAt = w.Len()
		w.WriteUint32(0)
	}
	w.WriteUint16(tickLow16(tick))
	w.WriteBytes(payload)

	out := w.Bytes()
	if crcAt >= 0 {
		binary.LittleEndian.PutUint32(out[crcAt:], wire.CRC32(out[crcAt+4:]))
	}
	_, err := socket.WriteTo(out, remoteAddr)
	if err == nil && cfg.HostStats != nil {
		cfg.HostStats.AddPacketsSent(1)
		cfg.HostStats.AddBytesSent(uint64(len(out)))
	}
	return err
}
