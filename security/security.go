// Package security defines the pluggable cryptographic capabilities of
// spec.md §2 ("Crypto capabilities — Key-exchange, symmetric encryptor,
// signer/verifier, CSPRNG (interfaces)"). Concrete algorithms are a
// non-goal of the spec; this package ships one default implementation
// built from golang.org/x/crypto primitives, wired in behind the same
// interfaces an application could replace.
package security

import "io"

// Rand is the CSPRNG capability. io.Reader is deliberately reused as the
// shape so crypto/rand.Reader satisfies it directly, and so tests can
// substitute a seeded deterministic reader for reproducibility.
type Rand = io.Reader

// KeyExchanger performs the handshake's Diffie-Hellman-style exchange.
// One instance is created per connecting/accepting Peer.
type KeyExchanger interface {
	// PublicKey returns the bytes to place in the REQUEST/ACCEPT payload.
	PublicKey() []byte

	// SharedSecret derives the shared secret given the remote's public
	// key bytes from their REQUEST/ACCEPT payload.
	SharedSecret(remotePublic []byte) ([]byte, error)
}

// KeyExchangerFactory constructs a fresh KeyExchanger for one handshake,
// seeded from rnd.
type KeyExchangerFactory func(rnd Rand) (KeyExchanger, error)

// Encryptor is the symmetric AEAD capability derived once the shared
// secret is known. It is nil until the handshake completes.
type Encryptor interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// EncryptorFactory derives an Encryptor from the handshake's shared
// secret.
type EncryptorFactory func(sharedSecret []byte) (Encryptor, error)

// Signer signs the local random challenge bytes sent by the remote peer
// during handshake (spec.md §4.6).
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Verifier checks a Signer's output against a known public key.
type Verifier interface {
	Verify(publicKey, message, signature []byte) bool
}

// SignerFactory constructs the local Signer from host configuration
// (e.g. its configured private_key).
type SignerFactory func() (Signer, error)
