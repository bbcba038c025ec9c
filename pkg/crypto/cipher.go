// Package crypto provides the symmetric authenticated encryption that
// protects every chat message after the handshake.
//
// The server generates one Key at startup and hands it, base64 encoded, to
// every client that knows the shared password. All sessions of a server
// share that key; a Cipher is safe for concurrent use.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a Key in bytes
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned for tampered, truncated or foreign ciphertext.
// It is fatal to the session that produced it.
var ErrDecrypt = errors.New("decrypt failed")

// ErrMessageTooLarge is returned when a sealed message would not fit in a frame
var ErrMessageTooLarge = errors.New("message too large")

// ErrInvalidKey is returned when an encoded key cannot be used
var ErrInvalidKey = errors.New("invalid key")

// Key is a 256-bit symmetric key
type Key [KeySize]byte

// GenerateKey creates a new random key
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for the plaintext handshake
func EncodeKey(key Key) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a key produced by EncodeKey
func DecodeKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	var key Key
	copy(key[:], raw)
	return key, nil
}

// Cipher provides authenticated encryption using XChaCha20-Poly1305.
// The extended nonce makes random nonces safe for the lifetime of a key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher for the given key
func NewCipher(key Key) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 AEAD: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and prepends the random nonce
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Decrypt opens a message produced by Encrypt
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrDecrypt, len(ciphertext))
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
