package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// frameHeaderSize covers Version (1) + Type (1)
	frameHeaderSize = 2

	// MaxPayloadSize is the largest payload that fits in one frame
	MaxPayloadSize = MaxFrameSize - frameHeaderSize
)

// Frame types
const (
	TypeHandshake = 0x01 // Plaintext handshake step (password, key, username)
	TypeSealed    = 0x02 // Payload is nonce || ciphertext
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
	ErrUnexpectedFrame    = errors.New("unexpected frame type")
)

// Frame represents a protocol frame. One frame carries exactly one logical
// message, so message boundaries survive TCP coalescing and splitting.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8  // Protocol version (currently 1)
	Type    uint8  // TypeHandshake or TypeSealed
	Payload []byte // Message payload
}

// CheckSize reports ErrFrameTooLarge for a frame EncodeFrame would refuse
func (f *Frame) CheckSize() error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}
	return nil
}

// NewHandshakeFrame wraps a plaintext handshake message
func NewHandshakeFrame(text string) *Frame {
	return &Frame{
		Version: ProtocolVersion,
		Type:    TypeHandshake,
		Payload: []byte(text),
	}
}

// EncodeFrame writes a frame to the writer with a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	// Checked before the uint32 conversion so huge payloads cannot wrap
	if err := f.CheckSize(); err != nil {
		return err
	}
	length := uint32(frameHeaderSize + len(f.Payload))

	buf := bytes.NewBuffer(make([]byte, 0, 4+length))
	if err := WriteUint32(buf, length); err != nil {
		return err
	}
	if err := WriteUint8(buf, f.Version); err != nil {
		return err
	}
	if err := WriteUint8(buf, f.Type); err != nil {
		return err
	}
	buf.Write(f.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if version != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	msgType, err := ReadUint8(r)
	if err != nil {
		return nil, unexpectedEOF(err)
	}

	payload := make([]byte, length-frameHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, unexpectedEOF(err)
		}
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(msgType uint8, payload []byte) ([]byte, error) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}

	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, frame); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// A stream that ends inside a frame is truncated, not cleanly closed.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
