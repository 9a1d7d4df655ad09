package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DefaultRand is crypto/rand.Reader, the default CSPRNG capability.
var DefaultRand Rand = rand.Reader

// x25519Exchanger implements KeyExchanger over Curve25519 scalar
// multiplication, the same primitive WireGuard (and this pack's
// telepresence/wireguard-go dependency) builds its handshake on.
type x25519Exchanger struct {
	private [32]byte
	public  [32]byte
}

// NewX25519KeyExchanger is the default KeyExchangerFactory.
func NewX25519KeyExchanger(rnd Rand) (KeyExchanger, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rnd, priv[:]); err != nil {
		return nil, errors.Wrap(err, "security: generate x25519 private key")
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "security: derive x25519 public key")
	}
	x := &x25519Exchanger{private: priv}
	copy(x.public[:], pub)
	return x, nil
}

func (x *x25519Exchanger) PublicKey() []byte {
	out := make([]byte, 32)
	copy(out, x.public[:])
	return out
}

func (x *x25519Exchanger) SharedSecret(remotePublic []byte) ([]byte, error) {
	if len(remotePublic) != 32 {
		return nil, errors.New("security: remote public key must be 32 bytes")
	}
	secret, err := curve25519.X25519(x.private[:], remotePublic)
	if err != nil {
		return nil, errors.Wrap(err, "security: x25519 shared secret")
	}
	return secret, nil
}

// chachaEncryptor implements Encryptor over ChaCha20-Poly1305, keyed by
// an HKDF-SHA256 expansion of the X25519 shared secret.
type chachaEncryptor struct {
	aead interface {
		NonceSize() int
		Overhead() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewChaCha20Poly1305Encryptor is the default EncryptorFactory.
func NewChaCha20Poly1305Encryptor(sharedSecret []byte) (Encryptor, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte("relaynet-handshake-key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "security: derive symmetric key")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "security: construct aead")
	}
	return &chachaEncryptor{aead: aead}, nil
}

func (c *chachaEncryptor) NonceSize() int { return c.aead.NonceSize() }
func (c *chachaEncryptor) Overhead() int  { return c.aead.Overhead() }
func (c *chachaEncryptor) Seal(dst, nonce, plaintext, ad []byte) []byte {
	return c.aead.Seal(dst, nonce, plaintext, ad)
}
func (c *chachaEncryptor) Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	out, err := c.aead.Open(dst, nonce, ciphertext, ad)
	if err != nil {
		return nil, errors.Wrap(err, "security: aead open failed")
	}
	return out, nil
}

// ed25519Signer/Verifier implement Signer/Verifier over the Go standard
// library's Ed25519 (stdlib since Go 1.13 — see DESIGN.md for why no
// third-party signature library is used here).
type ed25519Signer struct {
	private ed25519.PrivateKey
}

// NewEd25519Signer builds a Signer from a 64-byte Ed25519 private key
// (host configuration's private_key, spec.md §6).
func NewEd25519Signer(private ed25519.PrivateKey) SignerFactory {
	return func() (Signer, error) {
		if len(private) != ed25519.PrivateKeySize {
			return nil, errors.New("security: private key must be ed25519.PrivateKeySize bytes")
		}
		return &ed25519Signer{private: private}, nil
	}
}

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.private, message), nil
}

type ed25519Verifier struct{}

// DefaultVerifier is the Ed25519 Verifier; it is stateless since the
// public key is supplied per-call.
var DefaultVerifier Verifier = ed25519Verifier{}

func (ed25519Verifier) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// GenerateEd25519Keypair is a convenience for hosts that need to mint a
// private_key at startup (e.g. the demo cmd/relaynetd binary).
func GenerateEd25519Keypair(rnd Rand) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rnd)
}
