package server

import (
	"errors"
	"net"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return c
}

func newPipeSession(t *testing.T, c *crypto.Cipher) (*Session, net.Conn) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})
	return newSession(serverEnd, "pipe", c, waitTimeout), clientEnd
}

// countFrames reads frames from conn in the background and counts them
func countFrames(conn net.Conn) *atomic.Int32 {
	var n atomic.Int32
	go func() {
		for {
			if _, err := protocol.DecodeFrame(conn); err != nil {
				return
			}
			n.Add(1)
		}
	}()
	return &n
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	first, _ := newPipeSession(t, c)
	second, _ := newPipeSession(t, c)

	require.NoError(t, reg.Add("alice", first))
	err := reg.Add("alice", second)
	assert.ErrorIs(t, err, protocol.ErrDuplicateUsername)
	assert.ErrorIs(t, err, protocol.ErrAuth)

	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, "", second.Username(), "rejected session must stay unbound")
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryUsernameBoundOnce(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()
	sess, _ := newPipeSession(t, c)

	require.NoError(t, reg.Add("alice", sess))
	err := reg.Add("bob", sess)
	assert.ErrorIs(t, err, ErrUsernameBound)
	assert.Equal(t, "alice", sess.Username())
	assert.Equal(t, []string{"alice"}, reg.Usernames())
}

func TestRegistryRemove(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	alice, _ := newPipeSession(t, c)
	bob, _ := newPipeSession(t, c)
	carol, _ := newPipeSession(t, c)
	require.NoError(t, reg.Add("alice", alice))
	require.NoError(t, reg.Add("bob", bob))
	require.NoError(t, reg.Add("carol", carol))

	name, removed := reg.Remove(bob)
	assert.Equal(t, "bob", name)
	assert.True(t, removed)
	assert.Equal(t, []string{"alice", "carol"}, reg.Usernames())

	_, removed = reg.Remove(bob)
	assert.False(t, removed, "second removal must be a no-op")

	sess, removed := reg.RemoveUsername("carol")
	assert.True(t, removed)
	assert.Same(t, carol, sess)

	_, removed = reg.RemoveUsername("carol")
	assert.False(t, removed)

	_, removed = reg.Remove(nil)
	assert.False(t, removed)

	assert.Equal(t, []string{"alice"}, reg.Usernames())
}

func TestRegistryRemoveIgnoresStaleSession(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	old, _ := newPipeSession(t, c)
	require.NoError(t, reg.Add("alice", old))
	_, removed := reg.Remove(old)
	require.True(t, removed)

	fresh, _ := newPipeSession(t, c)
	require.NoError(t, reg.Add("alice", fresh))

	// The old handle still says "alice" but must not evict the new session
	name, removed := reg.Remove(old)
	assert.Equal(t, "alice", name)
	assert.False(t, removed)

	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryBroadcastCountsDeliveries(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	var counters []*atomic.Int32
	for _, name := range []string{"alice", "bob", "carol"} {
		sess, client := newPipeSession(t, c)
		require.NoError(t, reg.Add(name, sess))
		counters = append(counters, countFrames(client))
	}

	frame, err := crypto.Seal(c, "alice: hello")
	require.NoError(t, err)

	delivered, failed, err := reg.Broadcast(frame)
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Empty(t, failed)

	for _, n := range counters {
		require.Eventually(t, func() bool { return n.Load() == 1 }, waitTimeout, tick)
	}
}

func TestRegistryBroadcastCollectsFailures(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	alice, aliceClient := newPipeSession(t, c)
	bob, bobClient := newPipeSession(t, c)
	require.NoError(t, reg.Add("alice", alice))
	require.NoError(t, reg.Add("bob", bob))
	received := countFrames(aliceClient)
	bobClient.Close()

	frame, err := crypto.Seal(c, "hello")
	require.NoError(t, err)

	delivered, failed, err := reg.Broadcast(frame)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, failed, 1)
	assert.Equal(t, "bob", failed[0].Username)
	assert.Same(t, bob, failed[0].Session)
	assert.False(t, bob.Alive())

	// Failures are reported, not removed
	assert.Equal(t, []string{"alice", "bob"}, reg.Usernames())
	require.Eventually(t, func() bool { return received.Load() == 1 }, waitTimeout, tick)
}

func TestRegistryRefusesOversizeFrame(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	alice, aliceClient := newPipeSession(t, c)
	bob, bobClient := newPipeSession(t, c)
	require.NoError(t, reg.Add("alice", alice))
	require.NoError(t, reg.Add("bob", bob))
	aliceGot, bobGot := countFrames(aliceClient), countFrames(bobClient)

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeSealed,
		Payload: make([]byte, protocol.MaxPayloadSize+1),
	}

	delivered, failed, err := reg.Broadcast(frame)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Zero(t, delivered)
	assert.Empty(t, failed)

	err = reg.Deliver(frame, "bob", alice)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	var deliveryErr *DeliveryError
	assert.False(t, errors.As(err, &deliveryErr))

	assert.ErrorIs(t, alice.sendFrame(frame), protocol.ErrFrameTooLarge)

	// Nothing was written and nobody was marked dead
	assert.True(t, alice.Alive())
	assert.True(t, bob.Alive())
	assert.Equal(t, []string{"alice", "bob"}, reg.Usernames())
	assert.Zero(t, aliceGot.Load())
	assert.Zero(t, bobGot.Load())
}

func TestRegistryFanoutComposesFromRecipients(t *testing.T) {
	c := testCipher(t)
	reg := NewRegistry()

	for _, name := range []string{"alice", "bob"} {
		sess, client := newPipeSession(t, c)
		require.NoError(t, reg.Add(name, sess))
		countFrames(client)
	}

	var seen []string
	delivered, failed, err := reg.Fanout(func(usernames []string) (*protocol.Frame, error) {
		seen = usernames
		return crypto.Seal(c, protocol.FormatUserList(usernames))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"alice", "bob"}, seen)

	composeErr := errors.New("boom")
	_, _, err = reg.Fanout(func([]string) (*protocol.Frame, error) { return nil, composeErr })
	assert.ErrorIs(t, err, composeErr)
}

func TestRegistryDeliver(t *testing.T) {
	c := testCipher(t)

	t.Run("target and sender both receive", func(t *testing.T) {
		reg := NewRegistry()
		alice, aliceClient := newPipeSession(t, c)
		bob, bobClient := newPipeSession(t, c)
		require.NoError(t, reg.Add("alice", alice))
		require.NoError(t, reg.Add("bob", bob))
		aliceGot, bobGot := countFrames(aliceClient), countFrames(bobClient)

		frame, err := crypto.Seal(c, protocol.FormatPrivate("alice", "hi"))
		require.NoError(t, err)
		require.NoError(t, reg.Deliver(frame, "bob", alice))

		require.Eventually(t, func() bool { return aliceGot.Load() == 1 && bobGot.Load() == 1 }, waitTimeout, tick)
	})

	t.Run("unknown target", func(t *testing.T) {
		reg := NewRegistry()
		alice, _ := newPipeSession(t, c)
		require.NoError(t, reg.Add("alice", alice))

		frame, err := crypto.Seal(c, "x")
		require.NoError(t, err)
		assert.ErrorIs(t, reg.Deliver(frame, "bob", alice), ErrUnknownUser)
	})

	t.Run("target failure skips sender", func(t *testing.T) {
		reg := NewRegistry()
		alice, aliceClient := newPipeSession(t, c)
		bob, bobClient := newPipeSession(t, c)
		require.NoError(t, reg.Add("alice", alice))
		require.NoError(t, reg.Add("bob", bob))
		aliceGot := countFrames(aliceClient)
		bobClient.Close()

		frame, err := crypto.Seal(c, "x")
		require.NoError(t, err)

		err = reg.Deliver(frame, "bob", alice)
		var deliveryErr *DeliveryError
		require.ErrorAs(t, err, &deliveryErr)
		assert.Equal(t, "bob", deliveryErr.Username)
		assert.Equal(t, int32(0), aliceGot.Load())
	})

	t.Run("sender failure", func(t *testing.T) {
		reg := NewRegistry()
		alice, aliceClient := newPipeSession(t, c)
		bob, bobClient := newPipeSession(t, c)
		require.NoError(t, reg.Add("alice", alice))
		require.NoError(t, reg.Add("bob", bob))
		countFrames(bobClient)
		aliceClient.Close()

		frame, err := crypto.Seal(c, "x")
		require.NoError(t, err)

		err = reg.Deliver(frame, "bob", alice)
		var deliveryErr *DeliveryError
		require.ErrorAs(t, err, &deliveryErr)
		assert.Equal(t, "alice", deliveryErr.Username)
	})
}

// TestRegistryModel checks the registry against a plain map under random
// add/remove sequences: the key set always equals the sessions added and
// not yet removed, duplicates never overwrite, and order is join order.
func TestRegistryModel(t *testing.T) {
	c := testCipher(t)

	rapid.Check(t, func(rt *rapid.T) {
		reg := NewRegistry()
		model := make(map[string]*Session)
		var order []string
		var conns []net.Conn
		defer func() {
			for _, conn := range conns {
				conn.Close()
			}
		}()

		names := rapid.SampledFrom([]string{"alice", "bob", "carol", "dave"})

		rt.Repeat(map[string]func(*rapid.T){
			"add": func(rt *rapid.T) {
				name := names.Draw(rt, "name")
				serverEnd, clientEnd := net.Pipe()
				conns = append(conns, serverEnd, clientEnd)
				sess := newSession(serverEnd, "pipe", c, 0)

				err := reg.Add(name, sess)
				if _, exists := model[name]; exists {
					if !errors.Is(err, protocol.ErrDuplicateUsername) {
						rt.Fatalf("duplicate add of %q returned %v", name, err)
					}
					return
				}
				if err != nil {
					rt.Fatalf("add %q: %v", name, err)
				}
				model[name] = sess
				order = append(order, name)
			},
			"remove": func(rt *rapid.T) {
				name := names.Draw(rt, "name")
				sess, exists := model[name]
				if !exists {
					if _, removed := reg.RemoveUsername(name); removed {
						rt.Fatalf("removed %q which was never registered", name)
					}
					return
				}

				if rapid.Bool().Draw(rt, "byHandle") {
					got, removed := reg.Remove(sess)
					if !removed || got != name {
						rt.Fatalf("Remove(%q) = %q, %v", name, got, removed)
					}
				} else {
					got, removed := reg.RemoveUsername(name)
					if !removed || got != sess {
						rt.Fatalf("RemoveUsername(%q) did not return the registered session", name)
					}
				}
				if _, removed := reg.Remove(sess); removed {
					rt.Fatalf("second removal of %q deleted an entry", name)
				}

				delete(model, name)
				order = slices.DeleteFunc(order, func(n string) bool { return n == name })
			},
			"": func(rt *rapid.T) {
				if got := reg.Usernames(); !slices.Equal(got, order) {
					rt.Fatalf("usernames %v, want %v", got, order)
				}
				if reg.Len() != len(model) {
					rt.Fatalf("len %d, want %d", reg.Len(), len(model))
				}
				for name, sess := range model {
					if got, ok := reg.Lookup(name); !ok || got != sess {
						rt.Fatalf("lookup %q returned the wrong session", name)
					}
				}
			},
		})
	})
}
