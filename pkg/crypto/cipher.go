// Package crypto seals frame payloads with a pre-shared key for links where
// TLS is not available. The length-prefix framing is unchanged: a sealed
// payload is simply a longer opaque payload.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var keyInfo = []byte("framecast payload v1")

// ErrOpen is returned when a sealed payload fails authentication.
var ErrOpen = errors.New("crypto: payload authentication failed")

// Cipher seals and opens payloads. Seal is safe for concurrent use.
type Cipher struct {
	aead   cipher.AEAD
	prefix [4]byte
	nonce  uint64
	replay replayGuard
}

// NewCipherFromKey builds a cipher from a raw 32-byte key.
func NewCipherFromKey(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: bad key size")
	}
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	c := &Cipher{aead: a}
	// Random per-instance prefix so restarts with the same key never reuse a nonce.
	if _, err := rand.Read(c.prefix[:]); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCipherFromPassphrase derives the key from a shared passphrase with HKDF-SHA256.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	passphrase = strings.TrimSpace(passphrase)
	if passphrase == "" {
		return nil, errors.New("crypto: empty passphrase")
	}
	key, err := DeriveKey([]byte(passphrase))
	if err != nil {
		return nil, err
	}
	return NewCipherFromKey(key)
}

// DeriveKey expands secret into a 32-byte payload key.
func DeriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, keyInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal returns nonce || ciphertext.
func (c *Cipher) Seal(plain []byte) []byte {
	n := atomic.AddUint64(&c.nonce, 1)
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plain)+c.aead.Overhead())
	copy(nonce[:4], c.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], n)
	return c.aead.Seal(nonce, nonce, plain, nil)
}

// Open authenticates and decrypts a payload produced by Seal. Each sealed
// payload opens once; a replayed one fails with ErrReplay.
func (c *Cipher) Open(msg []byte) ([]byte, error) {
	if len(msg) < chacha20poly1305.NonceSize+c.aead.Overhead() {
		return nil, ErrOpen
	}
	nonce := msg[:chacha20poly1305.NonceSize]
	pt, err := c.aead.Open(nil, nonce, msg[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	var prefix [4]byte
	copy(prefix[:], nonce[:4])
	if !c.replay.accept(prefix, binary.BigEndian.Uint64(nonce[4:])) {
		return nil, ErrReplay
	}
	return pt, nil
}

// Overhead is the number of bytes Seal adds to a payload.
func (c *Cipher) Overhead() int {
	return chacha20poly1305.NonceSize + c.aead.Overhead()
}
