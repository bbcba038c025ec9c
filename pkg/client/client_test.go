package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/aeolun/lanchat/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testPassword = "hunter2"
	waitTimeout  = 2 * time.Second
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, mutate func(*server.ServerConfig)) *server.Server {
	t.Helper()

	cfg := server.ServerConfig{
		TCPAddr:          "127.0.0.1:0",
		Password:         testPassword,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     waitTimeout,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	srv, err := server.NewServer(cfg,
		server.WithPrometheusRegistry(prometheus.NewRegistry()),
		server.WithHostKey(signer),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, addr, username string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, Options{
		Password: testPassword,
		Username: username,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		require.True(t, ok, "connection closed while waiting for a message")
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a message")
		return protocol.Envelope{}
	}
}

// waitFor skips messages until one of the given kind arrives
func waitFor(t *testing.T, c *Client, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env, ok := <-c.Messages():
			require.True(t, ok, "connection closed while waiting for %s", kind)
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return protocol.Envelope{}
		}
	}
}

// settle consumes the join notice and user list that follow a join
func settle(t *testing.T, c *Client, username string) {
	t.Helper()
	for {
		env := waitFor(t, c, protocol.KindJoin)
		if env.Sender == username {
			break
		}
	}
	waitFor(t, c, protocol.KindUserList)
}

func TestDialJoins(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dial(t, srv.Addr().String(), "alice")

	first := next(t, alice)
	assert.Equal(t, protocol.Envelope{Kind: protocol.KindUserList, Users: []string{"alice"}}, first)
	assert.Equal(t, protocol.Envelope{Kind: protocol.KindJoin, Sender: "alice"}, next(t, alice))
	assert.Equal(t, protocol.KindUserList, next(t, alice).Kind)

	assert.Equal(t, []string{"alice"}, alice.Users())
	assert.Equal(t, "alice", alice.Username())
	assert.NoError(t, alice.Err())
}

func TestDialInvalidPassword(t *testing.T) {
	srv := newTestServer(t, nil)

	_, err := Dial(context.Background(), srv.Addr().String(), Options{
		Password: "wrong",
		Username: "alice",
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidPassword)
	assert.Empty(t, srv.OnlineUsers())
}

func TestDialDuplicateUsername(t *testing.T) {
	srv := newTestServer(t, nil)
	dial(t, srv.Addr().String(), "alice")

	_, err := Dial(context.Background(), srv.Addr().String(), Options{
		Password: testPassword,
		Username: "alice",
	})
	assert.ErrorIs(t, err, protocol.ErrDuplicateUsername)
	assert.Equal(t, []string{"alice"}, srv.OnlineUsers())
}

func TestDialInvalidUsername(t *testing.T) {
	srv := newTestServer(t, nil)

	_, err := Dial(context.Background(), srv.Addr().String(), Options{
		Password: testPassword,
		Username: "a,b",
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidUsername)
}

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := Dial(context.Background(), "udp://127.0.0.1:5555", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestDialContextDeadline(t *testing.T) {
	// A listener that accepts but never answers the password
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	start := time.Now()
	_, err = Dial(context.Background(), ln.Addr().String(), Options{
		Password:    testPassword,
		Username:    "alice",
		DialTimeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), waitTimeout)
}

func TestBroadcastAndUserList(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dial(t, srv.Addr().String(), "alice")
	settle(t, alice, "alice")

	bob := dial(t, srv.Addr().String(), "bob")
	settle(t, bob, "bob")
	settle(t, alice, "bob")
	assert.Equal(t, []string{"alice", "bob"}, alice.Users())

	require.NoError(t, bob.Send("   "))
	require.NoError(t, bob.Send("hello"))

	env := waitFor(t, alice, protocol.KindBroadcast)
	assert.Equal(t, protocol.Envelope{Kind: protocol.KindBroadcast, Sender: "bob", Text: "hello"}, env)

	bob.Close()
	leave := waitFor(t, alice, protocol.KindLeave)
	assert.Equal(t, "bob", leave.Sender)
	waitFor(t, alice, protocol.KindUserList)
	assert.Equal(t, []string{"alice"}, alice.Users())
}

func TestPrivateMessages(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dial(t, srv.Addr().String(), "alice")
	settle(t, alice, "alice")
	bob := dial(t, srv.Addr().String(), "bob")
	settle(t, bob, "bob")

	require.NoError(t, alice.SendPrivate("bob", "psst: a secret"))

	got := waitFor(t, bob, protocol.KindPrivate)
	assert.Equal(t, protocol.Envelope{Kind: protocol.KindPrivate, Sender: "alice", Text: "psst: a secret"}, got)
	echo := waitFor(t, alice, protocol.KindPrivate)
	assert.Equal(t, "alice", echo.Sender)

	require.NoError(t, alice.SendPrivate("carol", "anyone?"))
	rejected := waitFor(t, alice, protocol.KindPrivateRejected)
	assert.Equal(t, "carol", rejected.Target)
}

func TestSendPrivateEmptyTargetBroadcasts(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dial(t, srv.Addr().String(), "alice")
	settle(t, alice, "alice")

	require.NoError(t, alice.SendPrivate("", "to everyone"))
	env := waitFor(t, alice, protocol.KindBroadcast)
	assert.Equal(t, "to everyone", env.Text)
}

func TestServerStopEndsClient(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dial(t, srv.Addr().String(), "alice")
	settle(t, alice, "alice")

	require.NoError(t, srv.Stop())

	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-alice.Messages():
			if !ok {
				assert.Error(t, alice.Err())
				return
			}
		case <-deadline:
			t.Fatal("messages channel never closed")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := dial(t, srv.Addr().String(), "alice")

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.NoError(t, alice.Err())
	assert.ErrorIs(t, alice.Send("late"), ErrClosed)

	require.Eventually(t, func() bool { return len(srv.OnlineUsers()) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestDialWebSocket(t *testing.T) {
	srv := newTestServer(t, func(cfg *server.ServerConfig) {
		cfg.WebSocketAddr = "127.0.0.1:0"
	})

	alice := dial(t, "ws://"+srv.WebSocketAddr().String(), "alice")
	settle(t, alice, "alice")
	bob := dial(t, srv.Addr().String(), "bob")
	settle(t, bob, "bob")

	require.NoError(t, alice.Send("over websocket"))
	env := waitFor(t, bob, protocol.KindBroadcast)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "over websocket", env.Text)
}

func TestDialSSHTrustsOnFirstUse(t *testing.T) {
	srv := newTestServer(t, func(cfg *server.ServerConfig) {
		cfg.SSHAddr = "127.0.0.1:0"
	})
	knownHosts := filepath.Join(t.TempDir(), "lanchat", "known_hosts")
	addr := "ssh://tester@" + srv.SSHAddr().String()

	opts := Options{Password: testPassword, Username: "alice", KnownHostsPath: knownHosts}
	alice, err := Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	settle(t, alice, "alice")
	require.NoError(t, alice.Send("over ssh"))
	assert.Equal(t, "over ssh", waitFor(t, alice, protocol.KindBroadcast).Text)
	require.NoError(t, alice.Close())

	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "LanChat server")

	// The recorded key is accepted without adding a second entry
	opts.Username = "bob"
	bob, err := Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	defer bob.Close()

	data, err = os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}
