package peer

import (
	"time"

	"github.com/rs/zerolog"

	"relaynet/alloc"
	"relaynet/compress"
	"relaynet/metrics"
	"relaynet/security"
)

// Config holds the per-peer tunables of spec.md §6 ("Peer configuration
// (enumerated)") plus the ambient wiring (logger, allocator, crypto and
// compression factories) a Host hands every Peer it creates.
type Config struct {
	MTU                 int
	PingDelay           time.Duration
	SendDelay           time.Duration
	ConnectAttempts     int
	ConnectDelay        time.Duration
	ResendCount         int
	ResendDelayMin      time.Duration
	ResendDelayMax      time.Duration
	ResendDelayJitter   time.Duration
	FragmentTimeout     time.Duration
	DuplicateTimeout    time.Duration
	OrderedDelayMax     int
	OrderedDelayTimeout time.Duration
	UnsequencedMax      uint32
	DisconnectDelay     time.Duration
	RemotePublicKey     []byte

	CRC32Enabled bool
	Encryption   bool
	Compression  bool

	KeyExchanger security.KeyExchangerFactory
	Encryptor    security.EncryptorFactory
	Signer       security.SignerFactory
	Verifier     security.Verifier
	Rand         security.Rand
	Compressor   compress.Compressor

	Allocator *alloc.Allocator
	Logger    zerolog.Logger

	// HostStats, when set by a Host, mirrors this peer's datagram-level
	// sends and decrypt failures into the Host's aggregate counters
	// (spec.md §3 Host "aggregate statistics"). Left nil for peers
	// constructed without a Host (e.g. tests), which skips the mirror.
	HostStats *metrics.HostStats

	// TickFunc returns the Host's monotonic millisecond tick counter,
	// shared by every Peer on that Host (spec.md §3 Host: "a monotonic
	// millisecond tick counter").
	TickFunc func() uint64
}

// DefaultConfig returns the defaults used across the testable-property
// scenarios of spec.md §8.
func DefaultConfig() Config {
	return Config{
		MTU:                 1200,
		PingDelay:           5 * time.Second,
		SendDelay:           20 * time.Millisecond,
		ConnectAttempts:     10,
		ConnectDelay:        500 * time.Millisecond,
		ResendCount:         15,
		ResendDelayMin:      100 * time.Millisecond,
		ResendDelayMax:      2 * time.Second,
		ResendDelayJitter:   50 * time.Millisecond,
		FragmentTimeout:     10 * time.Second,
		DuplicateTimeout:    5 * time.Second,
		OrderedDelayMax:     8,
		OrderedDelayTimeout: 200 * time.Millisecond,
		UnsequencedMax:      64,
		DisconnectDelay:     200 * time.Millisecond,
		CRC32Enabled:        true,
		Rand:                security.DefaultRand,
	}
}
