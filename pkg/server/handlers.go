package server

import (
	"errors"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
)

// fits reports whether an outgoing message can be sealed into one frame
func fits(text string) bool {
	return len(text) <= crypto.MaxPlaintextSize
}

// handleMessage dispatches one decrypted message from an active session
func (r *Router) handleMessage(sess *Session, text string) {
	if protocol.IsPrivateRequest(text) {
		r.handlePrivate(sess, text)
		return
	}
	r.handleBroadcast(sess, text)
}

// handleBroadcast relays a chat line to everyone, the sender included.
// A line that no longer fits in a frame once the sender's name is added is
// dropped.
func (r *Router) handleBroadcast(sess *Session, text string) {
	line := protocol.FormatBroadcast(sess.Username(), text)
	if !fits(line) {
		debugLog.Printf("Dropping oversize message from %s (%d bytes)", sess.Username(), len(line))
		r.recordDropped("oversize")
		return
	}
	r.emit(r.event(EventBroadcast, sess, func(ev *Event) { ev.Text = line }))
	r.Broadcast(line)
}

// handlePrivate handles PRIVATE:<target>:<text>. Malformed and oversize
// requests are dropped without telling the sender.
func (r *Router) handlePrivate(sess *Session, text string) {
	target, body, err := protocol.ParsePrivateRequest(text)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedPrivate) {
			debugLog.Printf("Dropping malformed private message from %s", sess.Username())
			r.recordDropped("malformed")
		}
		return
	}
	if !fits(protocol.FormatPrivate(sess.Username(), body)) || !fits(protocol.FormatPrivateRejected(target)) {
		debugLog.Printf("Dropping oversize private message from %s", sess.Username())
		r.recordDropped("oversize")
		return
	}
	r.PrivateMessage(sess, target, body)
}
