package net

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// EncryptMode is recorded in EncryptedReliable envelopes.
type EncryptMode uint8

const (
	EncryptModeNone   EncryptMode = 0
	EncryptModeSecure EncryptMode = 1
)

func (m EncryptMode) String() string {
	switch m {
	case EncryptModeNone:
		return "none"
	case EncryptModeSecure:
		return "secure"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

const (
	// SessionKeySize is the size of the symmetric session key.
	SessionKeySize = chacha20poly1305.KeySize
	// PublicKeySize is the size of an X25519 public key.
	PublicKeySize = curve25519.PointSize

	sessionKeyInfo = "gamenet session key v1"
)

var errCryptoReleased = errors.New("crypto context released")

// CryptoContext is the symmetric state of an EncryptModeSecure session.
// Ciphertexts are nonce || XChaCha20-Poly1305(plain).
type CryptoContext struct {
	mu   sync.RWMutex
	key  []byte
	aead cipher.AEAD
}

// NewCryptoContext builds a context from a 32 byte key. The key is copied.
func NewCryptoContext(key []byte) (*CryptoContext, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(key))
	}
	k := make([]byte, SessionKeySize)
	copy(k, key)
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	return &CryptoContext{key: k, aead: aead}, nil
}

// Encrypt seals plain under a fresh random nonce.
func (c *CryptoContext) Encrypt(plain []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, &CryptoError{Err: errCryptoReleased}
	}

	ns := c.aead.NonceSize()
	out := make([]byte, ns, ns+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, &CryptoError{Err: err}
	}
	return c.aead.Seal(out, out[:ns], plain, nil), nil
}

// Decrypt opens data produced by Encrypt. Any failure is a *CryptoError.
func (c *CryptoContext) Decrypt(data []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, &CryptoError{Err: errCryptoReleased}
	}

	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, &CryptoError{Err: errors.New("ciphertext too short")}
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, &CryptoError{Err: err}
	}
	return plain, nil
}

// Release wipes the key. Later Encrypt/Decrypt calls fail.
func (c *CryptoContext) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.key)
	c.key = nil
	c.aead = nil
}

// KeyPair is an ephemeral X25519 key pair used for the per-session key exchange.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	Public  [PublicKeySize]byte
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSessionKey computes the shared session key with the peer public key.
// salt binds the key to the session (the session GUID bytes).
func (kp *KeyPair) DeriveSessionKey(peerPublic, salt []byte) ([]byte, error) {
	if len(peerPublic) != PublicKeySize {
		return nil, &CryptoError{Err: fmt.Errorf("peer public key must be %d bytes", PublicKeySize)}
	}
	shared, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, &CryptoError{Err: err}
	}
	defer clear(shared)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo)), key); err != nil {
		return nil, &CryptoError{Err: err}
	}
	return key, nil
}

// DeriveContext is DeriveSessionKey followed by NewCryptoContext.
func (kp *KeyPair) DeriveContext(peerPublic, salt []byte) (*CryptoContext, error) {
	key, err := kp.DeriveSessionKey(peerPublic, salt)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return NewCryptoContext(key)
}

// Wipe zeroes the private key.
func (kp *KeyPair) Wipe() {
	clear(kp.private[:])
}
