package host

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"relaynet/alloc"
	"relaynet/metrics"
	"relaynet/peer"
	"relaynet/wire"
)

const (
	liveState     int32 = 0
	disposedState int32 = 1
)

// Host owns the shared UDP socket and the remote-address to Peer map
// that spec.md §3 describes ("Host: binds the shared socket ... routes
// inbound datagrams to the right Peer by remote address, or to the
// unconnected-message callbacks when no Peer claims that address").
type Host struct {
	conn        *net.UDPConn
	cfg         Config
	listener    Listener
	allocShards []*alloc.Allocator
	stats       *metrics.HostStats

	peersMu sync.RWMutex
	peers   map[string]*peer.Peer

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	disposed int32
}

// New binds the shared socket per cfg and starts cfg.ReceiveCount
// concurrent receive loops reading from it (spec.md §6 "receive_count:
// number of concurrent receive loops reading the shared socket").
func New(cfg Config, listener Listener) (*Host, error) {
	if listener == nil {
		listener = NopListener{}
	}
	network := "udp4"
	if cfg.DualMode {
		network = "udp"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, errors.Wrap(err, "host: listen")
	}
	if cfg.SendBufferSize > 0 {
		_ = conn.SetWriteBuffer(cfg.SendBufferSize)
	}
	if cfg.ReceiveBufferSize > 0 {
		_ = conn.SetReadBuffer(cfg.ReceiveBufferSize)
	}
	if cfg.Broadcast {
		if err := enableBroadcast(conn); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "host: enable SO_BROADCAST")
		}
	}

	shardCount := cfg.AllocatorCount
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*alloc.Allocator, shardCount)
	for i := range shards {
		shards[i] = alloc.New(alloc.Config{
			PooledLength:       cfg.AllocatorPooledLength,
			PooledExpandLength: cfg.AllocatorPooledExpandLength,
			ExpandLength:       cfg.AllocatorExpandLength,
			MaxLength:          cfg.AllocatorMaxLength,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		conn:        conn,
		cfg:         cfg,
		listener:    listener,
		allocShards: shards,
		stats:       metrics.NewHostStats(conn.LocalAddr().String()),
		peers:       make(map[string]*peer.Peer),
		startedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	receivers := cfg.ReceiveCount
	if receivers < 1 {
		receivers = 1
	}
	h.wg.Add(receivers)
	for i := 0; i < receivers; i++ {
		go h.receiveLoop()
	}
	return h, nil
}

// enableBroadcast sets SO_BROADCAST on conn's underlying file descriptor
// so SendBroadcast's datagrams aren't rejected by the kernel.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// LocalAddr returns the bound socket's local address.
func (h *Host) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// Stats returns a snapshot of the host-level counters.
func (h *Host) Stats() metrics.HostStats { return h.stats.Snapshot() }

func (h *Host) tick() uint64 {
	return uint64(time.Since(h.startedAt).Milliseconds())
}

func (h *Host) isDisposed() bool {
	return atomic.LoadInt32(&h.disposed) == disposedState
}

// allocatorFor picks the pooled Allocator shard a peer at remoteAddr
// draws scratch buffers from, hashing its address so a given peer
// always lands on the same shard for the life of the connection.
func (h *Host) allocatorFor(remoteAddr net.Addr) *alloc.Allocator {
	if len(h.allocShards) == 1 {
		return h.allocShards[0]
	}
	fnvHash := fnv.New32a()
	_, _ = fnvHash.Write([]byte(remoteAddr.String()))
	return h.allocShards[fnvHash.Sum32()%uint32(len(h.allocShards))]
}

func (h *Host) receiveLoop() {
	defer h.wg.Done()

	mtu := h.cfg.ReceiveMTU
	if mtu <= 0 {
		mtu = 1200
	}
	buf := make([]byte, mtu)
	for {
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if h.isDisposed() {
				return
			}
			h.listener.OnException(addr, errors.Wrap(err, "host: read"))
			continue
		}
		h.stats.AddPacketsReceived(1)
		h.stats.AddBytesReceived(uint64(n))

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		h.handleDatagram(addr, datagram)
	}
}

func (h *Host) handleDatagram(addr *net.UDPAddr, datagram []byte) {
	if len(datagram) < 1 {
		h.stats.AddMalformedDropped(1)
		h.cfg.Logger.Debug().Stringer("remote", addr).Msg("dropped empty datagram")
		return
	}
	pt, flags := wire.DecodeHeader(datagram[0])
	body := datagram[1:]

	h.peersMu.RLock()
	p, ok := h.peers[addr.String()]
	h.peersMu.RUnlock()
	if ok {
		p.OnReceiveAsync(pt, flags, body)
		return
	}

	switch pt {
	case wire.PacketRequest:
		h.handleRequest(addr, flags, body)
	case wire.PacketUnconnected:
		h.handleUnconnected(addr, flags, body)
	case wire.PacketBroadcast:
		h.handleBroadcast(addr, flags, body)
	default:
		h.listener.OnReceiveSocket(addr, datagram)
	}
}

// stripControlEnvelope undoes SendControlPacket's framing (optional CRC,
// always-present tick slice) for a datagram with no matching Peer.
func (h *Host) stripControlEnvelope(addr net.Addr, flags wire.PacketFlags, body []byte) ([]byte, error) {
	if flags.Has(wire.FlagVerified) {
		if len(body) < 4 {
			h.stats.AddMalformedDropped(1)
			return nil, errors.New("host: verified packet shorter than its CRC field")
		}
		if h.cfg.CRC32 && !wire.VerifyCRC32(body) {
			h.stats.AddCRCRejected(1)
			h.cfg.Logger.Warn().Stringer("remote", addr).Msg("rejected control packet with bad CRC32")
			return nil, errors.New("host: CRC32 mismatch")
		}
		body = body[4:]
	}
	if flags.Has(wire.FlagTimed) {
		if len(body) < 2 {
			h.stats.AddMalformedDropped(1)
			return nil, errors.New("host: truncated tick slice")
		}
		body = body[2:]
	}
	return body, nil
}

func (h *Host) handleRequest(addr net.Addr, flags wire.PacketFlags, body []byte) {
	rest, err := h.stripControlEnvelope(addr, flags, body)
	if err != nil {
		h.listener.OnException(addr, err)
		return
	}
	key, random, appMessage, err := peer.DecodeKeyedPayload(rest)
	if err != nil {
		h.listener.OnException(addr, errors.Wrap(err, "host: decode REQUEST"))
		return
	}
	req := &peer.ConnectionRequest{RemoteAddr: addr, Key: key, Random: random, AppMessage: appMessage}
	h.listener.OnReceiveRequest(req, wire.NewReader(appMessage))
}

func (h *Host) handleUnconnected(addr net.Addr, flags wire.PacketFlags, body []byte) {
	rest, err := h.stripControlEnvelope(addr, flags, body)
	if err != nil {
		h.listener.OnException(addr, err)
		return
	}
	h.listener.OnReceiveUnconnected(addr, wire.NewReader(rest))
}

func (h *Host) handleBroadcast(addr net.Addr, flags wire.PacketFlags, body []byte) {
	rest, err := h.stripControlEnvelope(addr, flags, body)
	if err != nil {
		h.listener.OnException(addr, err)
		return
	}
	h.listener.OnReceiveBroadcast(addr, wire.NewReader(rest))
}

// applyDefaults layers the host's crypto/compression/CRC selectors and
// shared allocator/tick-function onto a caller-supplied peer.Config. The
// allocator, stats, tick function, factories, verifier, compressor and
// Rand are filled in only where the caller left them unset; the
// CRC32Enabled/Encryption/Compression switches and the Logger are always
// taken from the host's Config.
func (h *Host) applyDefaults(pcfg peer.Config, remoteAddr net.Addr) peer.Config {
	if pcfg.Allocator == nil {
		pcfg.Allocator = h.allocatorFor(remoteAddr)
	}
	if pcfg.HostStats == nil {
		pcfg.HostStats = h.stats
	}
	if pcfg.TickFunc == nil {
		pcfg.TickFunc = h.tick
	}
	if pcfg.KeyExchanger == nil {
		pcfg.KeyExchanger = h.cfg.KeyExchanger
	}
	if pcfg.Encryptor == nil {
		pcfg.Encryptor = h.cfg.Encryptor
	}
	if pcfg.Signer == nil {
		pcfg.Signer = h.cfg.Signer
	}
	if pcfg.Verifier == nil {
		pcfg.Verifier = h.cfg.Verifier
	}
	if pcfg.Compressor == nil {
		pcfg.Compressor = h.cfg.Compressor
	}
	if pcfg.Rand == nil {
		pcfg.Rand = h.cfg.Rand
	}
	pcfg.CRC32Enabled = h.cfg.CRC32
	pcfg.Encryption = h.cfg.Encryption
	pcfg.Compression = h.cfg.Compression
	pcfg.Logger = h.cfg.Logger
	return pcfg
}

// register adds p to the peer map under remoteAddr so incoming
// datagrams from that address route to it.
func (h *Host) register(remoteAddr net.Addr, p *peer.Peer) {
	h.peersMu.Lock()
	h.peers[remoteAddr.String()] = p
	h.peersMu.Unlock()
}

func (h *Host) deregister(remoteAddr net.Addr) {
	h.peersMu.Lock()
	delete(h.peers, remoteAddr.String())
	h.peersMu.Unlock()
}

// trackingListener wraps a caller's peer.Listener, overriding only
// OnDisconnect to deregister the peer from the Host's routing table;
// every other callback is promoted straight through via embedding.
type trackingListener struct {
	peer.Listener
	host       *Host
	remoteAddr net.Addr
}

func (t *trackingListener) OnDisconnect(p *peer.Peer, reader *wire.Reader, reason peer.DisconnectReason, cause error) {
	t.host.deregister(t.remoteAddr)
	t.Listener.OnDisconnect(p, reader, reason, cause)
}

// Connect dials remoteAddr: it starts a handshake and registers the
// resulting Peer so subsequent datagrams from remoteAddr route to it.
func (h *Host) Connect(remoteAddr net.Addr, pcfg peer.Config, listener peer.Listener, appMessage []byte) (*peer.Peer, error) {
	if listener == nil {
		listener = peer.NopListener{}
	}
	tracked := &trackingListener{Listener: listener, host: h, remoteAddr: remoteAddr}
	p, err := peer.Connect(remoteAddr, h.conn, h.applyDefaults(pcfg, remoteAddr), tracked, appMessage)
	if err != nil {
		return nil, err
	}
	h.register(remoteAddr, p)
	return p, nil
}

// Accept reciprocates a pending ConnectionRequest surfaced by
// Listener.OnReceiveRequest and registers the resulting Peer.
func (h *Host) Accept(req *peer.ConnectionRequest, pcfg peer.Config, listener peer.Listener, appMessage []byte) (*peer.Peer, error) {
	if listener == nil {
		listener = peer.NopListener{}
	}
	tracked := &trackingListener{Listener: listener, host: h, remoteAddr: req.RemoteAddr}
	p, err := peer.Accept(req, h.conn, h.applyDefaults(pcfg, req.RemoteAddr), tracked, appMessage)
	if err != nil {
		return nil, err
	}
	h.register(req.RemoteAddr, p)
	return p, nil
}

// Reject sends a REJECT to a pending request without creating a Peer.
func (h *Host) Reject(req *peer.ConnectionRequest, payload []byte) error {
	return peer.Reject(req, h.conn, h.applyDefaults(peer.Config{}, req.RemoteAddr), payload)
}

// SendAll enqueues msg on every registered peer except those in
// excluded, including peers whose handshake has not completed yet.
func (h *Host) SendAll(msg peer.Message, excluded []*peer.Peer) {
	skip := make(map[*peer.Peer]struct{}, len(excluded))
	for _, p := range excluded {
		skip[p] = struct{}{}
	}
	h.peersMu.RLock()
	targets := make([]*peer.Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if _, excl := skip[p]; !excl {
			targets = append(targets, p)
		}
	}
	h.peersMu.RUnlock()
	for _, p := range targets {
		if _, err := p.Send(msg); err != nil {
			h.listener.OnException(p.RemoteAddr(), err)
		}
	}
}

// SendUnconnected emits an UNCONNECTED packet to a remote address with
// no Peer, per spec.md §4.1's "unconnected message" shape.
func (h *Host) SendUnconnected(remote net.Addr, payload []byte) error {
	return peer.SendControlPacket(h.conn, remote, wire.PacketUnconnected, h.applyDefaults(peer.Config{}, remote), payload)
}

// SendBroadcast emits a BROADCAST packet to the IPv4 limited-broadcast
// address on port, requiring cfg.Broadcast (and therefore SO_BROADCAST)
// to have been enabled at New.
func (h *Host) SendBroadcast(port int, payload []byte) error {
	if !h.cfg.Broadcast {
		return errors.New("host: broadcast disabled in Config")
	}
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	return peer.SendControlPacket(h.conn, addr, wire.PacketBroadcast, h.applyDefaults(peer.Config{}, addr), payload)
}

// Dispose tears every peer down without a graceful DISCONNECT exchange,
// closes the socket, and waits for the receive loops to exit.
func (h *Host) Dispose() {
	if !atomic.CompareAndSwapInt32(&h.disposed, liveState, disposedState) {
		return
	}
	h.peersMu.Lock()
	peers := make([]*peer.Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*peer.Peer)
	h.peersMu.Unlock()

	for _, p := range peers {
		p.Dispose()
	}
	for _, p := range peers {
		p.Wait()
	}

	h.cancel()
	h.conn.Close()
	h.wg.Wait()
	h.listener.OnShutdown()
}

// Shutdown gracefully disconnects every peer (best-effort DISCONNECT)
// before tearing the socket down.
func (h *Host) Shutdown() {
	if h.isDisposed() {
		return
	}
	h.peersMu.RLock()
	peers := make([]*peer.Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peersMu.RUnlock()

	for _, p := range peers {
		p.Disconnect()
	}
	h.Dispose()
}
