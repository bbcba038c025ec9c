package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x02, 0x01, 0x01})             // Minimal valid frame
	f.Add([]byte{0x00, 0x00, 0x00, 0x04, 0x01, 0x02, 0x48, 0x69}) // Sealed frame with payload "Hi"

	var frameBuf bytes.Buffer
	EncodeFrame(&frameBuf, NewHandshakeFrame("alice"))
	f.Add(frameBuf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		// Invalid data may error, but must never panic or hang
		frame, err := DecodeFrame(bytes.NewReader(data))
		if err == nil && frame == nil {
			t.Fatal("nil frame without error")
		}
	})
}

// FuzzParseServerMessage makes sure classification never panics
func FuzzParseServerMessage(f *testing.F) {
	f.Add("USERS:alice,bob")
	f.Add("🟢 alice joined the chat.")
	f.Add("💬 [Private] alice: hi")
	f.Add("❌ bob not found.")
	f.Add("alice: hello")

	f.Fuzz(func(t *testing.T, msg string) {
		_ = ParseServerMessage(msg)
		_, _, _ = ParsePrivateRequest(msg)
	})
}
