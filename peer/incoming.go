package peer

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"relaynet/wire"
)

// OnReceiveAsync is the Host's dispatch entry point for every datagram
// whose remote address already maps to this Peer (spec.md §4.1). pt and
// flags are the already-decoded leading header byte; body is every byte
// that followed it.
func (p *Peer) OnReceiveAsync(pt wire.PacketType, flags wire.PacketFlags, body []byte) {
	if err := p.dispatch(pt, flags, body); err != nil {
		p.reportException(err)
	}
}

// dispatch implements spec.md §4.4 steps 2-5: strip CRC, fragment
// header and tick slice, reassemble, decrypt, decompress, then route by
// packet type.
func (p *Peer) dispatch(pt wire.PacketType, flags wire.PacketFlags, body []byte) error {
	if flags.Has(wire.FlagVerified) {
		if len(body) < 4 {
			return errors.New("peer: verified packet shorter than its CRC field")
		}
		if p.cfg.CRC32Enabled && !wire.VerifyCRC32(body) {
			return errors.New("peer: CRC32 mismatch")
		}
		body = body[4:]
	}

	fragmented := flags.Has(wire.FlagFragmented)
	timed := flags.Has(wire.FlagTimed)
	var fragHdr wire.FragmentHeader
	var sentTick uint16

	if fragmented {
		r := wire.NewReader(body)
		hdr, err := wire.ReadFragmentHeader(r)
		if err != nil {
			return errors.Wrap(err, "peer: truncated fragment header")
		}
		fragHdr = hdr
		body = r.Rest()
	}
	if timed {
		r := wire.NewReader(body)
		tick, err := r.ReadUint16()
		if err != nil {
			return errors.Wrap(err, "peer: truncated tick slice")
		}
		sentTick = tick
		body = r.Rest()
	}
	_ = sentTick // the packet-level tick is informational only; messages carry their own

	if fragmented {
		complete, err := p.integrateFragment(fragHdr, body)
		if err != nil {
			return errors.Wrap(err, "peer: fragment reassembly")
		}
		if complete == nil {
			return nil // awaiting remaining parts
		}
		body = complete
	}

	p.connectMu.Lock()
	enc := p.encryptor
	p.connectMu.Unlock()
	if p.cfg.Encryption && enc != nil {
		n := enc.NonceSize()
		if len(body) < n {
			return errors.New("peer: ciphertext shorter than nonce")
		}
		nonce, ciphertext := body[:n], body[n:]
		dst := p.alloc.GetBuffer()
		plain, err := enc.Open(dst, nonce, ciphertext, nil)
		if err != nil {
			if p.cfg.HostStats != nil {
				p.cfg.HostStats.AddDecryptFailed(1)
			}
			return errors.Wrap(err, "peer: decrypt failed")
		}
		body = plain
	}
	if flags.Has(wire.FlagCompressed) && p.cfg.Compressor != nil {
		dst := p.alloc.GetBuffer()
		decompressed, err := p.cfg.Compressor.Decompress(dst, body)
		if err != nil {
			return errors.Wrap(err, "peer: decompress failed")
		}
		body = decompressed
	}

	switch pt {
	case wire.PacketConnected:
		return p.dispatchConnected(flags, body)
	case wire.PacketAccept:
		return p.onAccept(body)
	case wire.PacketReject:
		return p.onReject(body)
	default:
		return errors.Errorf("peer: unexpected packet type %d on a connected peer", pt)
	}
}

func (p *Peer) dispatchConnected(flags wire.PacketFlags, body []byte) error {
	if !flags.Has(wire.FlagCombined) {
		return p.dispatchMessage(body)
	}
	r := wire.NewReader(body)
	for r.Remaining() > 0 {
		length, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "peer: truncated combined record length")
		}
		record, err := r.ReadBytes(int(length))
		if err != nil {
			return errors.Wrap(err, "peer: truncated combined record")
		}
		if err := p.dispatchMessage(record); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) dispatchMessage(record []byte) error {
	r := wire.NewReader(record)
	hdrByte, err := r.ReadByte()
	if err != nil {
		return errors.Wrap(err, "peer: empty message record")
	}
	msgType, msgFlags := wire.DecodeMessageHeader(hdrByte)

	var (
		createdLow16 uint16
		sequence     uint16
		attempt      uint8
		channel      uint8
		hasSequence  = msgFlags.Has(wire.MsgFlagSequenced)
		reliable     = msgFlags.Has(wire.MsgFlagReliable)
	)
	if msgFlags.Has(wire.MsgFlagTimed) {
		if createdLow16, err = r.ReadUint16(); err != nil {
			return errors.Wrap(err, "peer: truncated message tick")
		}
	}
	if hasSequence {
		if sequence, err = r.ReadUint16(); err != nil {
			return errors.Wrap(err, "peer: truncated message sequence")
		}
	}
	if reliable {
		if attempt, err = r.ReadByte(); err != nil {
			return errors.Wrap(err, "peer: truncated message attempt")
		}
	}
	if msgFlags.Has(wire.MsgFlagChanneled) {
		if channel, err = r.ReadByte(); err != nil {
			return errors.Wrap(err, "peer: truncated message channel")
		}
	}
	payload := r.Rest()

	switch msgType {
	case wire.MessageAcknowledge:
		p.handleAcknowledge(channel, sequence, attempt, createdLow16)
		return nil
	case wire.MessageDisconnect:
		p.handleDisconnectMessage()
		return nil
	case wire.MessagePing:
		return nil // pings exist only to elicit the ack that feeds RTT sampling
	case wire.MessageCustom:
		return p.handleCustomMessage(msgFlags, channel, sequence, hasSequence, attempt, createdLow16, reliable, payload)
	default:
		return errors.Errorf("peer: unknown message type %d", msgType)
	}
}

func (p *Peer) handleCustomMessage(flags wire.MessageFlags, channel uint8, sequence uint16, hasSequence bool, attempt uint8, createdLow16 uint16, reliable bool, payload []byte) error {
	unique := flags.Has(wire.MsgFlagUnique)
	ordered := flags.Has(wire.MsgFlagOrdered)

	duplicate := false
	if unique && hasSequence {
		if first := p.checkAndMarkUnique(channel, sequence); !first {
			duplicate = true
			p.stats.IncMessageReceiveDuplicated()
		}
	}

	if hasSequence {
		p.trackReceivedSequence(channel, sequence)
	}

	if reliable {
		p.sendAck(channel, sequence, attempt)
	}

	if duplicate {
		return nil
	}
	p.stats.IncMessagesReceived()

	info := ReceivedInfo{
		Channel:   channel,
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
	if hasSequence {
		seq := sequence
		info.Sequence = &seq
	}
	if flags.Has(wire.MsgFlagTimed) {
		t := p.reconstructRemoteTime(createdLow16)
		info.RemoteSentAt = &t
	}

	deliver := func() {
		if p.listener != nil {
			p.listener.OnReceive(p, wire.NewReader(payload), info)
		}
	}

	if unique && ordered && hasSequence {
		p.deliverOrdered(channel, sequence, reliable, deliver)
		return nil
	}
	deliver()
	return nil
}

// trackReceivedSequence implements spec.md §4.4's per-channel
// lost-message estimator.
func (p *Peer) trackReceivedSequence(channel uint8, sequence uint16) {
	p.seqRecvMu.Lock()
	defer p.seqRecvMu.Unlock()

	if !p.haveRecv[channel] {
		p.recvSeq[channel] = sequence
		p.haveRecv[channel] = true
		return
	}
	expected := p.recvSeq[channel] + 1
	diff := int32(int16(sequence - expected))
	switch {
	case diff > 0:
		p.lost[channel] += int64(diff)
		p.stats.AddMessagesLost(int64(diff))
		p.recvSeq[channel] = sequence
	case diff < 0:
		p.lost[channel]--
	default:
		p.recvSeq[channel] = sequence
	}
}

func (p *Peer) handleDisconnectMessage() {
	time.AfterFunc(p.cfg.DisconnectDelay, func() {
		p.disconnect(ReasonTerminated, nil, nil)
	})
}

// reconstructRemoteTime rebuilds a host-local wall-clock timestamp from
// a message's 16-bit created-tick slice, per spec.md §4.4.
func (p *Peer) reconstructRemoteTime(low16 uint16) time.Time {
	local := p.tick()
	delta := int64(int32(atomic.LoadUint32(&p.timeDelta)))
	remoteNow := uint64(int64(local) + delta)
	full := reconstructTick(low16, remoteNow)
	age := time.Duration(int64(remoteNow)-int64(full)) * time.Millisecond
	return time.Now().Add(-age)
}
