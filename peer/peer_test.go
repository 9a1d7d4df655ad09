package peer

import (
	"crypto/rand"
	mathrand "math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"relaynet/internal/simnet"
	"relaynet/security"
	"relaynet/wire"
)

// TestMain verifies every background goroutine a Peer starts (resend
// loops, pinger, connect loop) has actually returned once a test
// disposes its peers, matching go-mcast's use of goleak to catch
// background-goroutine leaks.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pump runs one goroutine per Conn that decodes the leading header byte
// and forwards every datagram to recv.OnReceiveAsync, standing in for
// the Host dispatch loop in tests that only need one Peer pair.
func pump(t *testing.T, conn *simnet.Conn, recv *Peer) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 1 {
				continue
			}
			pt, flags := wire.DecodeHeader(buf[0])
			body := make([]byte, n-1)
			copy(body, buf[1:n])
			recv.OnReceiveAsync(pt, flags, body)
		}
	}()
}

// disposeAndWait tears a peer down and blocks until its background
// goroutines have returned, so goleak's end-of-package check doesn't
// race a still-unwinding resend loop or pinger.
func disposeAndWait(p *Peer) {
	p.Dispose()
	p.Wait()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendDelay = time.Millisecond
	cfg.PingDelay = time.Hour
	cfg.ConnectDelay = 20 * time.Millisecond
	cfg.ConnectAttempts = 50
	cfg.ResendDelayMin = 5 * time.Millisecond
	cfg.ResendDelayMax = 20 * time.Millisecond
	cfg.FragmentTimeout = 2 * time.Second
	cfg.Rand = rand.Reader
	return cfg
}

type capturingListener struct {
	NopListener
	connected chan struct{}
	received  chan []byte
}

func newCapturingListener() *capturingListener {
	return &capturingListener{connected: make(chan struct{}, 1), received: make(chan []byte, 16)}
}

func (l *capturingListener) OnConnect(*Peer) {
	select {
	case l.connected <- struct{}{}:
	default:
	}
}

func (l *capturingListener) OnReceive(_ *Peer, r *wire.Reader, _ ReceivedInfo) {
	l.received <- append([]byte(nil), r.Rest()...)
}

func connectPair(t *testing.T) (client, server *Peer, clientL, serverL *capturingListener) {
	t.Helper()
	clientConn, serverConn := simnet.NewPair("client", "server", &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	clientL = newCapturingListener()
	serverL = newCapturingListener()

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := serverConn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 1 {
				continue
			}
			pt, flags := wire.DecodeHeader(buf[0])
			body := make([]byte, n-1)
			copy(body, buf[1:n])
			if pt == wire.PacketRequest {
				rest := body
				if flags.Has(wire.FlagVerified) {
					rest = rest[4:]
				}
				if flags.Has(wire.FlagTimed) {
					rest = rest[2:]
				}
				key, random, _, err := DecodeKeyedPayload(rest)
				require.NoError(t, err)
				accepted <- &ConnectionRequest{RemoteAddr: from, Key: key, Random: random}
				return
			}
		}
	}()

	var err error
	client, err = Connect(simnet.Addr("server"), clientConn, testConfig(), clientL, nil)
	require.NoError(t, err)

	req := <-accepted
	server, err = Accept(req, serverConn, testConfig(), serverL, nil)
	require.NoError(t, err)

	pump(t, clientConn, client)
	pump(t, serverConn, server)

	select {
	case <-clientL.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached CONNECTED")
	}
	require.True(t, server.IsConnected())
	return client, server, clientL, serverL
}

func TestHandshakeCompletes(t *testing.T) {
	client, server, _, _ := connectPair(t)
	defer disposeAndWait(client)
	defer disposeAndWait(server)

	require.True(t, client.IsConnected())
	require.True(t, server.IsConnected())
}

func TestEchoReliableMessage(t *testing.T) {
	client, server, _, serverL := connectPair(t)
	defer disposeAndWait(client)
	defer disposeAndWait(server)

	_, err := client.Send(Message{Channel: 0, Reliable: true, Unique: true, Payload: []byte("ping")})
	require.NoError(t, err)

	select {
	case got := <-serverL.received:
		require.Equal(t, []byte("ping"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	clientConn, serverConn := simnet.NewPairWithLinks("client4", "server4",
		&simnet.Link{DuplicateRate: 1}, &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	clientL := newCapturingListener()
	serverL := newCapturingListener()

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		n, from, err := serverConn.ReadFrom(buf)
		require.NoError(t, err)
		_, flags := wire.DecodeHeader(buf[0])
		rest := buf[1:n]
		if flags.Has(wire.FlagVerified) {
			rest = rest[4:]
		}
		if flags.Has(wire.FlagTimed) {
			rest = rest[2:]
		}
		key, random, _, err := DecodeKeyedPayload(rest)
		require.NoError(t, err)
		accepted <- &ConnectionRequest{RemoteAddr: from, Key: key, Random: random}
	}()

	client, err := Connect(simnet.Addr("server4"), clientConn, testConfig(), clientL, nil)
	require.NoError(t, err)
	req := <-accepted
	server, err := Accept(req, serverConn, testConfig(), serverL, nil)
	require.NoError(t, err)
	defer disposeAndWait(client)
	defer disposeAndWait(server)

	pump(t, clientConn, client)
	pump(t, serverConn, server)

	select {
	case <-clientL.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached CONNECTED")
	}

	_, err = client.Send(Message{Channel: 0, Reliable: true, Unique: true, Payload: []byte("once")})
	require.NoError(t, err)

	select {
	case got := <-serverL.received:
		require.Equal(t, []byte("once"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	// The duplicated datagram must not deliver a second time.
	select {
	case <-serverL.received:
		t.Fatal("duplicate datagram was delivered twice")
	case <-time.After(200 * time.Millisecond):
	}

	require.Equal(t, uint64(1), server.Stats().MessageReceiveDuplicated)
}

func TestFragmentedPayloadReassembles(t *testing.T) {
	client, server, _, serverL := connectPair(t)
	defer disposeAndWait(client)
	defer disposeAndWait(server)

	big := make([]byte, client.cfg.MTU*3)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := client.Send(Message{Channel: 0, Reliable: true, Unique: true, Payload: big})
	require.NoError(t, err)

	select {
	case got := <-serverL.received:
		require.Equal(t, big, got)
	case <-time.After(3 * time.Second):
		t.Fatal("server never reassembled the fragmented payload")
	}
}

func TestRejectedRequestDisposesClient(t *testing.T) {
	clientConn, serverConn := simnet.NewPair("client2", "server2", &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	l := newCapturingListener()

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		n, from, err := serverConn.ReadFrom(buf)
		require.NoError(t, err)
		_, flags := wire.DecodeHeader(buf[0])
		rest := buf[1:n]
		if flags.Has(wire.FlagVerified) {
			rest = rest[4:]
		}
		if flags.Has(wire.FlagTimed) {
			rest = rest[2:]
		}
		accepted <- &ConnectionRequest{RemoteAddr: from}
	}()

	cfg := testConfig()
	client, err := Connect(simnet.Addr("server2"), clientConn, cfg, l, nil)
	require.NoError(t, err)
	defer disposeAndWait(client)

	req := <-accepted
	require.NoError(t, Reject(req, serverConn, cfg, []byte("nope")))

	pump(t, clientConn, client)

	require.Eventually(t, client.IsDisposed, 2*time.Second, 10*time.Millisecond)
	require.False(t, client.IsConnected())
}

func TestSignatureFailureRejectsHandshake(t *testing.T) {
	clientConn, serverConn := simnet.NewPair("client3", "server3", &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	_, wrongPriv, err := security.GenerateEd25519Keypair(rand.Reader)
	require.NoError(t, err)
	correctPub, _, err := security.GenerateEd25519Keypair(rand.Reader)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.KeyExchanger = security.NewX25519KeyExchanger
	cfg.Encryptor = security.NewChaCha20Poly1305Encryptor
	cfg.Verifier = security.DefaultVerifier
	cfg.RemotePublicKey = correctPub // does not match wrongPriv

	l := newCapturingListener()
	client, err := Connect(simnet.Addr("server3"), clientConn, cfg, l, nil)
	require.NoError(t, err)
	defer disposeAndWait(client)

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		n, from, err := serverConn.ReadFrom(buf)
		require.NoError(t, err)
		_, flags := wire.DecodeHeader(buf[0])
		rest := buf[1:n]
		if flags.Has(wire.FlagVerified) {
			rest = rest[4:]
		}
		if flags.Has(wire.FlagTimed) {
			rest = rest[2:]
		}
		key, random, _, err := DecodeKeyedPayload(rest)
		require.NoError(t, err)
		accepted <- &ConnectionRequest{RemoteAddr: from, Key: key, Random: random}
	}()

	req := <-accepted
	serverCfg := testConfig()
	serverCfg.KeyExchanger = security.NewX25519KeyExchanger
	serverCfg.Encryptor = security.NewChaCha20Poly1305Encryptor
	serverCfg.Signer = security.NewEd25519Signer(wrongPriv)
	server, err := Accept(req, serverConn, serverCfg, NopListener{}, nil)
	require.NoError(t, err)
	defer disposeAndWait(server)

	pump(t, clientConn, client)

	require.Eventually(t, client.IsDisposed, 2*time.Second, 10*time.Millisecond)
	require.False(t, client.IsConnected())
}

// disconnectCapturingListener records the reason passed to OnDisconnect,
// so a test can assert on *why* a peer tore itself down.
type disconnectCapturingListener struct {
	NopListener
	connected    chan struct{}
	disconnected chan DisconnectReason
}

func newDisconnectCapturingListener() *disconnectCapturingListener {
	return &disconnectCapturingListener{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan DisconnectReason, 1),
	}
}

func (l *disconnectCapturingListener) OnConnect(*Peer) {
	select {
	case l.connected <- struct{}{}:
	default:
	}
}

func (l *disconnectCapturingListener) OnDisconnect(_ *Peer, _ *wire.Reader, reason DisconnectReason, _ error) {
	select {
	case l.disconnected <- reason:
	default:
	}
}

// TestReliableMessageSurvivesLossyLink exercises spec.md §8's
// "Reliability" property: a reliable message must still be delivered
// exactly once when a link drops roughly half the datagrams crossing
// it, relying on the resend loop to eventually get a copy through.
func TestReliableMessageSurvivesLossyLink(t *testing.T) {
	lossy := &simnet.Link{DropRate: 0.5, Rand: mathrand.New(mathrand.NewSource(7))}
	clientConn, serverConn := simnet.NewPairWithLinks("client5", "server5", lossy, &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	clientL := newCapturingListener()
	serverL := newCapturingListener()

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := serverConn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 1 {
				continue
			}
			pt, flags := wire.DecodeHeader(buf[0])
			body := make([]byte, n-1)
			copy(body, buf[1:n])
			if pt == wire.PacketRequest {
				rest := body
				if flags.Has(wire.FlagVerified) {
					rest = rest[4:]
				}
				if flags.Has(wire.FlagTimed) {
					rest = rest[2:]
				}
				key, random, _, err := DecodeKeyedPayload(rest)
				require.NoError(t, err)
				accepted <- &ConnectionRequest{RemoteAddr: from, Key: key, Random: random}
				return
			}
		}
	}()

	cfg := testConfig()
	cfg.ResendDelayMin = 2 * time.Millisecond
	cfg.ResendDelayMax = 5 * time.Millisecond

	client, err := Connect(simnet.Addr("server5"), clientConn, cfg, clientL, nil)
	require.NoError(t, err)
	defer disposeAndWait(client)

	req := <-accepted
	server, err := Accept(req, serverConn, cfg, serverL, nil)
	require.NoError(t, err)
	defer disposeAndWait(server)

	pump(t, clientConn, client)
	pump(t, serverConn, server)

	select {
	case <-clientL.connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client never reached CONNECTED despite the lossy link")
	}

	_, err = client.Send(Message{Channel: 0, Reliable: true, Unique: true, Payload: []byte("resilient")})
	require.NoError(t, err)

	select {
	case got := <-serverL.received:
		require.Equal(t, []byte("resilient"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message despite resends over the lossy link")
	}
}

// TestResendExhaustionDisconnectsWithTimeout exercises spec.md §8's
// "Timeout" property: a reliable message that never gets acknowledged
// must exhaust resend_count and disconnect the sender with ReasonTimeout.
func TestResendExhaustionDisconnectsWithTimeout(t *testing.T) {
	clientConn, serverConn := simnet.NewPair("client6", "server6", &simnet.Link{})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	clientL := newDisconnectCapturingListener()

	accepted := make(chan *ConnectionRequest, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := serverConn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 1 {
				continue
			}
			pt, flags := wire.DecodeHeader(buf[0])
			body := make([]byte, n-1)
			copy(body, buf[1:n])
			if pt == wire.PacketRequest {
				rest := body
				if flags.Has(wire.FlagVerified) {
					rest = rest[4:]
				}
				if flags.Has(wire.FlagTimed) {
					rest = rest[2:]
				}
				key, random, _, err := DecodeKeyedPayload(rest)
				require.NoError(t, err)
				accepted <- &ConnectionRequest{RemoteAddr: from, Key: key, Random: random}
				return
			}
		}
	}()

	cfg := testConfig()
	cfg.ResendCount = 3
	cfg.ResendDelayMin = 5 * time.Millisecond
	cfg.ResendDelayMax = 10 * time.Millisecond

	client, err := Connect(simnet.Addr("server6"), clientConn, cfg, clientL, nil)
	require.NoError(t, err)
	defer disposeAndWait(client)

	req := <-accepted
	server, err := Accept(req, serverConn, cfg, NopListener{}, nil)
	require.NoError(t, err)
	defer disposeAndWait(server)

	// clientConn is pumped so the handshake's ACCEPT reply arrives, but
	// serverConn is deliberately never pumped: every reliable message
	// the client sends afterward goes unacknowledged, forcing its resend
	// loop to exhaust resend_count and time the connection out.
	pump(t, clientConn, client)

	select {
	case <-clientL.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached CONNECTED")
	}

	_, err = client.Send(Message{Channel: 0, Reliable: true, Unique: true, Payload: []byte("never acked")})
	require.NoError(t, err)

	select {
	case reason := <-clientL.disconnected:
		require.Equal(t, ReasonTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("client never disconnected with ReasonTimeout")
	}
	require.False(t, client.IsConnected())
}

var _ net.Addr = simnet.Addr("")
