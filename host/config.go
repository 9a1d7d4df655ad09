package host

import (
	"github.com/rs/zerolog"

	"relaynet/compress"
	"relaynet/security"
)

// Config holds the Host-level tunables of spec.md §6 ("Host
// configuration (enumerated)"). Per-peer tunables live in peer.Config;
// Host.Connect/Accept apply the crypto/compression/CRC selectors and
// shared allocator/tick-function from here onto whatever peer.Config
// the caller passes.
type Config struct {
	Port     int
	DualMode bool
	Broadcast bool

	Encryption  bool
	Compression bool
	CRC32       bool

	ReceiveCount      int
	ReceiveMTU        int
	SendBufferSize    int
	ReceiveBufferSize int

	// AllocatorCount shards the pooled Allocator into this many
	// independent instances (spec.md §6 "allocator_count"), each peer
	// drawing from the shard its remote address hashes to. Sharding
	// trades a little memory for less sync.Pool contention across many
	// concurrently-active peers; a single Host with one busy peer needs
	// no more than 1.
	AllocatorCount              int
	AllocatorPooledLength       int
	AllocatorPooledExpandLength int
	AllocatorExpandLength       int
	AllocatorMaxLength          int

	PrivateKey []byte

	KeyExchanger security.KeyExchangerFactory
	Signer       security.SignerFactory
	Encryptor    security.EncryptorFactory
	Verifier     security.Verifier
	Compressor   compress.Compressor
	Rand         security.Rand

	Logger zerolog.Logger
}

// DefaultConfig returns the defaults exercised by spec.md §8's
// end-to-end scenarios.
func DefaultConfig() Config {
	return Config{
		ReceiveCount:                16,
		ReceiveMTU:                  1200,
		AllocatorCount:              1,
		AllocatorPooledLength:       2048,
		AllocatorPooledExpandLength: 4096,
		AllocatorExpandLength:       1024,
		AllocatorMaxLength:          1 << 20,
		CRC32:                       true,
		Rand:                        security.DefaultRand,
	}
}
