package crypto

import (
	"fmt"
	"unicode/utf8"

	"github.com/aeolun/lanchat/pkg/protocol"
	"golang.org/x/crypto/chacha20poly1305"
)

// MaxPlaintextSize is the largest message that still fits in one sealed
// frame once the nonce and tag are added
const MaxPlaintextSize = protocol.MaxPayloadSize - chacha20poly1305.NonceSizeX - chacha20poly1305.Overhead

// Channel sends and receives encrypted text messages over a framed stream.
// Each message travels in its own TypeSealed frame.
type Channel struct {
	conn   *protocol.SafeConn
	cipher *Cipher
}

// NewChannel binds a cipher to a connection
func NewChannel(conn *protocol.SafeConn, c *Cipher) *Channel {
	return &Channel{conn: conn, cipher: c}
}

// Seal encrypts text into a frame that can be written to any channel
// sharing the same key. Broadcasts encrypt once and reuse the frame.
func (ch *Channel) Seal(text string) (*protocol.Frame, error) {
	return Seal(ch.cipher, text)
}

// Send encrypts and writes one message
func (ch *Channel) Send(text string) error {
	frame, err := ch.Seal(text)
	if err != nil {
		return err
	}
	return ch.conn.WriteFrame(frame)
}

// Receive reads and decrypts one message
func (ch *Channel) Receive() (string, error) {
	frame, err := ch.conn.ReadFrame()
	if err != nil {
		return "", err
	}
	return Open(ch.cipher, frame)
}

// Seal encrypts text into a TypeSealed frame. Text longer than
// MaxPlaintextSize fails with ErrMessageTooLarge before anything is encrypted.
func Seal(c *Cipher, text string) (*protocol.Frame, error) {
	if len(text) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(text), MaxPlaintextSize)
	}
	payload, err := c.Encrypt([]byte(text))
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeSealed,
		Payload: payload,
	}, nil
}

// Open decrypts a TypeSealed frame
func Open(c *Cipher, frame *protocol.Frame) (string, error) {
	if frame.Type != protocol.TypeSealed {
		return "", fmt.Errorf("%w: got 0x%02X, want sealed", protocol.ErrUnexpectedFrame, frame.Type)
	}
	plaintext, err := c.Decrypt(frame.Payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not UTF-8", ErrDecrypt)
	}
	return string(plaintext), nil
}
