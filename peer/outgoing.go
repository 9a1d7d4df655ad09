package peer

import (
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"relaynet/wire"
)

// Send implements spec.md §4.3's outgoing pipeline for an application
// CUSTOM message: allocate a sequence, derive flags, enqueue into the
// flush aggregator, and (for reliable messages) start the resend loop.
func (p *Peer) Send(msg Message) (*SentMessage, error) {
	return p.sendTyped(wire.MessageCustom, msg)
}

func (p *Peer) sendTyped(msgType wire.MessageType, msg Message) (*SentMessage, error) {
	if p.IsDisposed() {
		return nil, errPeerDisposed
	}

	flags := wire.MessageFlags(0)
	if msg.Timed {
		flags |= wire.MsgFlagTimed
	}
	if msg.Reliable {
		flags |= wire.MsgFlagReliable
	}
	if msg.Ordered {
		flags |= wire.MsgFlagOrdered
	}
	if msg.Unique {
		flags |= wire.MsgFlagUnique
	}
	if msg.Channel != 0 {
		flags |= wire.MsgFlagChanneled
	}

	sequenced := msg.Reliable || msg.Ordered || msg.Unique
	p.seqUnseqMu.Lock()
	if sequenced {
		p.unseqRun[msg.Channel] = 0
	} else if atomic32Incr(&p.unseqRun[msg.Channel]) > p.cfg.UnsequencedMax {
		sequenced = true
		p.unseqRun[msg.Channel] = 0
	}
	p.seqUnseqMu.Unlock()
	if sequenced {
		flags |= wire.MsgFlagSequenced
	}

	p.seqSendMu.Lock()
	sequence := p.sendSeq[msg.Channel]
	p.sendSeq[msg.Channel]++
	p.seqSendMu.Unlock()

	sm := &SentMessage{
		Payload:   msg.Payload,
		Flags:     flags,
		Sequence:  sequence,
		Channel:   msg.Channel,
		CreatedAt: p.tick(),
	}
	attempt := sm.nextAttempt()
	p.enqueue(msgType, flags, msg.Channel, sequence, uint8(attempt), msg.Payload)
	p.stats.IncMessagesSent()

	if msg.Reliable {
		key := sequenceKey(msg.Channel, sequence)
		p.reliablesMu.Lock()
		p.reliables[key] = sm
		p.reliablesMu.Unlock()
		p.wg.Add(1)
		go p.runResendLoop(sm, msgType)
	}

	return sm, nil
}

// atomic32Incr increments a plain (non-atomic) uint32 under the caller's
// existing lock and returns the new value; the peer already serializes
// access to unseqRun via seqUnseqMu, so a real atomic isn't needed here.
func atomic32Incr(v *uint32) uint32 {
	*v++
	return *v
}

// enqueue lays one message record into the flush aggregator (spec.md
// §4.3 step 3) and (re)starts the flush timer if this is the first
// record since the last flush.
func (p *Peer) enqueue(msgType wire.MessageType, flags wire.MessageFlags, channel uint8, sequence uint16, attempt uint8, payload []byte) {
	record := p.buildRecord(msgType, flags, channel, sequence, attempt, payload)

	p.flushMu.Lock()
	p.flushBuf.WriteUint32(uint32(len(record)))
	p.flushBuf.WriteBytes(record)
	p.flushCount++
	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(p.cfg.SendDelay, p.flushNow)
	}
	p.flushMu.Unlock()
}

func (p *Peer) buildRecord(msgType wire.MessageType, flags wire.MessageFlags, channel uint8, sequence uint16, attempt uint8, payload []byte) []byte {
	w := wire.NewWriter()
	w.WriteByte(wire.EncodeMessageHeader(msgType, flags))
	if flags.Has(wire.MsgFlagTimed) {
		w.WriteUint16(tickLow16(p.tick()))
	}
	if flags.Has(wire.MsgFlagSequenced) {
		w.WriteUint16(sequence)
	}
	if flags.Has(wire.MsgFlagReliable) {
		w.WriteByte(attempt)
	}
	if flags.Has(wire.MsgFlagChanneled) {
		w.WriteByte(channel)
	}
	w.WriteBytes(payload)
	return w.Bytes()
}

// flushNow drains the aggregator and emits one logical packet, eliding
// the length prefix and COMBINED flag when exactly one record was
// queued (spec.md §4.3, §4.7).
func (p *Peer) flushNow() {
	p.flushMu.Lock()
	count := p.flushCount
	if count == 0 {
		p.flushTimer = nil
		p.flushMu.Unlock()
		return
	}
	raw := append([]byte(nil), p.flushBuf.Bytes()...)
	p.flushBuf.Reset(wire.DefaultHeadroom)
	p.flushCount = 0
	p.flushTimer = nil
	p.flushMu.Unlock()

	combined := count > 1
	payload := raw
	if !combined {
		payload = raw[4:] // strip the single record's length prefix
	}

	if err := p.sendPacket(wire.PacketConnected, combined, payload); err != nil {
		p.reportException(errors.Wrap(err, "peer: flush"))
	}
}

// sendAck enqueues an ACKNOWLEDGE carrying (channel, sequence) and the
// received attempt, per spec.md §4.4. It sets MsgFlagReliable purely to
// reuse the attempt-byte wire slot — ACKs are never themselves resent
// or registered in the reliables map.
func (p *Peer) sendAck(channel uint8, sequence uint16, attempt uint8) {
	flags := wire.MsgFlagTimed | wire.MsgFlagSequenced | wire.MsgFlagReliable
	if channel != 0 {
		flags |= wire.MsgFlagChanneled
	}
	p.enqueue(wire.MessageAcknowledge, flags, channel, sequence, attempt, nil)
}

// sendDisconnectNotice emits a best-effort DISCONNECT message outside
// the flush aggregator, since the peer is about to tear itself down and
// cannot wait out send_delay.
func (p *Peer) sendDisconnectNotice() error {
	record := p.buildRecord(wire.MessageDisconnect, wire.MsgFlagTimed, 0, 0, 0, nil)
	return p.sendPacket(wire.PacketConnected, false, record)
}

// sendPacket implements the compress → encrypt → fragment → send tail
// of spec.md §4.3/§4.7 for one already-framed CONNECTED payload.
func (p *Peer) sendPacket(pt wire.PacketType, combined bool, payload []byte) error {
	if p.IsDisposed() {
		return errPeerDisposed
	}

	compressed := false
	if p.cfg.Compression && p.cfg.Compressor != nil {
		dst := p.alloc.GetBuffer()
		out, err := p.cfg.Compressor.Compress(dst, payload)
		if err != nil {
			return errors.Wrap(err, "peer: compress outgoing packet")
		}
		payload = out
		compressed = true
	}

	p.connectMu.Lock()
	enc := p.encryptor
	p.connectMu.Unlock()
	if p.cfg.Encryption && enc != nil {
		nonce := make([]byte, enc.NonceSize())
		if _, err := io.ReadFull(p.cfg.Rand, nonce); err != nil {
			return errors.Wrap(err, "peer: generate nonce")
		}
		sealed := enc.Seal(nil, nonce, payload, nil)
		payload = append(nonce, sealed...)
	}

	flags := wire.PacketFlags(0)
	overhead := 1 // leading header byte
	if combined {
		flags |= wire.FlagCombined
	}
	if compressed {
		flags |= wire.FlagCompressed
	}
	flags |= wire.FlagTimed
	overhead += 2
	if p.cfg.CRC32Enabled {
		flags |= wire.FlagVerified
		overhead += 4
	}

	maxPart := p.cfg.MTU - overhead - wire.FragmentHeaderSize
	if maxPart <= 0 {
		return errors.New("peer: MTU too small for configured overheads")
	}

	parts := splitPayload(payload, maxPart)
	fragmented := len(parts) > 1
	if fragmented {
		flags |= wire.FlagFragmented
	}
	fragID := uint16(atomic.AddUint32(&p.fragIDCounter, 1))

	for i, part := range parts {
		w := wire.NewWriter()
		w.WriteByte(wire.EncodeHeader(pt, flags))
		crcAt := -1
		if flags.Has(wire.FlagVerified) {
			crcAt = w.Len()
			w.WriteUint32(0)
		}
		if fragmented {
			wire.WriteFragmentHeader(w, wire.FragmentHeader{
				FragmentID: fragID,
				Part:       uint16(i),
				LastPart:   uint16(len(parts) - 1),
			})
		}
		w.WriteUint16(tickLow16(p.tick()))
		w.WriteBytes(part)

		out := w.Bytes()
		if crcAt >= 0 {
			binary.LittleEndian.PutUint32(out[crcAt:], wire.CRC32(out[crcAt+4:]))
		}
		if _, err := p.socket.WriteTo(out, p.remoteAddr); err != nil {
			return errors.Wrap(err, "peer: write datagram")
		}
		if p.cfg.HostStats != nil {
			p.cfg.HostStats.AddPacketsSent(1)
			p.cfg.HostStats.AddBytesSent(uint64(len(out)))
		}
	}
	return nil
}

// splitPayload divides payload into chunks of at most maxPart bytes,
// always returning at least one (possibly empty) chunk.
func splitPayload(payload []byte, maxPart int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	parts := make([][]byte, 0, (len(payload)+maxPart-1)/maxPart)
	for i := 0; i < len(payload); i += maxPart {
		end := i + maxPart
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, payload[i:end])
	}
	return parts
}
