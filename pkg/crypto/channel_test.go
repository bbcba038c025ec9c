package crypto

import (
	"net"
	"strings"
	"testing"

	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeChannels(t *testing.T, a, b *Cipher) (*Channel, *Channel) {
	t.Helper()

	left, right := net.Pipe()
	lc := protocol.NewSafeConn(left, 0)
	rc := protocol.NewSafeConn(right, 0)
	t.Cleanup(func() {
		lc.Close()
		rc.Close()
	})
	return NewChannel(lc, a), NewChannel(rc, b)
}

func TestChannelSendReceive(t *testing.T) {
	c, _ := newTestCipher(t)
	sender, receiver := newPipeChannels(t, c, c)

	messages := []string{"hello", "", "💬 [Private] alice: hi", "PRIVATE:bob:x:y"}
	go func() {
		for _, m := range messages {
			if err := sender.Send(m); err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
		}
	}()

	for _, want := range messages {
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestChannelWrongKeyIsDecryptError(t *testing.T) {
	a, _ := newTestCipher(t)
	b, _ := newTestCipher(t)
	sender, receiver := newPipeChannels(t, a, b)

	go sender.Send("secret")

	_, err := receiver.Receive()
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestChannelRejectsPlaintextFrame(t *testing.T) {
	c, _ := newTestCipher(t)

	left, right := net.Pipe()
	defer left.Close()
	rc := protocol.NewSafeConn(right, 0)
	defer rc.Close()
	receiver := NewChannel(rc, c)

	go protocol.EncodeFrame(left, protocol.NewHandshakeFrame("plaintext"))

	_, err := receiver.Receive()
	assert.ErrorIs(t, err, protocol.ErrUnexpectedFrame)
}

func TestSealOnceOpenMany(t *testing.T) {
	c, _ := newTestCipher(t)

	frame, err := Seal(c, "🟢 alice joined the chat.")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		text, err := Open(c, frame)
		require.NoError(t, err)
		assert.Equal(t, "🟢 alice joined the chat.", text)
	}
}

func TestOpenRejectsInvalidUTF8(t *testing.T) {
	c, _ := newTestCipher(t)

	payload, err := c.Encrypt([]byte{0xff, 0xfe})
	require.NoError(t, err)

	_, err = Open(c, &protocol.Frame{Version: protocol.ProtocolVersion, Type: protocol.TypeSealed, Payload: payload})
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSealSizeLimit(t *testing.T) {
	c, _ := newTestCipher(t)

	frame, err := Seal(c, strings.Repeat("x", MaxPlaintextSize))
	require.NoError(t, err)
	assert.Len(t, frame.Payload, protocol.MaxPayloadSize)
	assert.NoError(t, frame.CheckSize())

	_, err = Seal(c, strings.Repeat("x", MaxPlaintextSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
