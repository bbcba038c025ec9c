package server

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

const (
	testPassword = "hunter2"
	waitTimeout  = 2 * time.Second
	tick         = 10 * time.Millisecond
)

// testPeer drives the client side of the wire protocol by hand
type testPeer struct {
	t      *testing.T
	conn   net.Conn
	sc     *protocol.SafeConn
	cipher *crypto.Cipher
	msgs   chan string
	once   sync.Once
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	t.Helper()
	p := &testPeer{
		t:    t,
		conn: conn,
		sc:   protocol.NewSafeConn(conn, waitTimeout),
		msgs: make(chan string, 256),
	}
	t.Cleanup(func() { p.close() })
	return p
}

func dialTestPeer(t *testing.T, addr net.Addr) *testPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), waitTimeout)
	require.NoError(t, err)
	return newTestPeer(t, conn)
}

// login runs the handshake. It returns the plaintext reply to the
// password and, if that was a key, starts decrypting everything after it.
func (p *testPeer) login(password, username string) string {
	p.t.Helper()

	require.NoError(p.t, p.sc.WriteFrame(protocol.NewHandshakeFrame(password)))
	reply := p.readHandshake()
	if reply == protocol.SentinelInvalid {
		return reply
	}

	key, err := crypto.DecodeKey(reply)
	require.NoError(p.t, err)
	p.cipher, err = crypto.NewCipher(key)
	require.NoError(p.t, err)

	require.NoError(p.t, p.sc.WriteFrame(protocol.NewHandshakeFrame(username)))
	go p.readLoop()
	return reply
}

// join logs in and consumes the direct user list, join notice and
// broadcast user list
func (p *testPeer) join(username string) *testPeer {
	p.t.Helper()
	p.login(testPassword, username)
	p.waitFor(func(m string) bool { return m == protocol.FormatJoin(username) })
	p.waitFor(isUserList)
	return p
}

func (p *testPeer) readHandshake() string {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	frame, err := p.sc.ReadFrame()
	require.NoError(p.t, err)
	require.Equal(p.t, uint8(protocol.TypeHandshake), frame.Type)
	return string(frame.Payload)
}

func (p *testPeer) readLoop() {
	defer close(p.msgs)
	for {
		frame, err := p.sc.ReadFrame()
		if err != nil {
			return
		}
		text, err := crypto.Open(p.cipher, frame)
		if err != nil {
			return
		}
		p.msgs <- text
	}
}

func (p *testPeer) send(text string) {
	p.t.Helper()
	frame, err := crypto.Seal(p.cipher, text)
	require.NoError(p.t, err)
	require.NoError(p.t, p.sc.WriteFrame(frame))
}

// next returns the next message, failing the test on timeout or close
func (p *testPeer) next() string {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		require.True(p.t, ok, "connection closed while waiting for a message")
		return msg
	case <-time.After(waitTimeout):
		p.t.Fatalf("timed out waiting for a message")
		return ""
	}
}

// waitFor skips messages until one matches
func (p *testPeer) waitFor(match func(string) bool) string {
	p.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-p.msgs:
			require.True(p.t, ok, "connection closed while waiting for a match")
			if match(msg) {
				return msg
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for a matching message")
			return ""
		}
	}
}

// expectClosed drains messages until the server closes the stream and
// returns what was received
func (p *testPeer) expectClosed() []string {
	p.t.Helper()
	var got []string
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-p.msgs:
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-deadline:
			p.t.Fatalf("connection still open, received %q", got)
			return got
		}
	}
}

func (p *testPeer) close() {
	p.once.Do(func() { p.conn.Close() })
}

func isUserList(msg string) bool {
	return protocol.ParseServerMessage(msg).Kind == protocol.KindUserList
}

func userListOf(msg string) []string {
	return protocol.ParseServerMessage(msg).Users
}

func hasPrefix(prefix string) func(string) bool {
	return func(m string) bool { return strings.HasPrefix(m, prefix) }
}

func equals(want string) func(string) bool {
	return func(m string) bool { return m == want }
}
