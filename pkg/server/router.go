package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
)

// RouterConfig holds the settings the routing engine needs
type RouterConfig struct {
	Password          string
	MaxUsernameLength int
	HandshakeTimeout  time.Duration // 0 disables the handshake read deadline
	WriteTimeout      time.Duration // 0 disables write deadlines; also bounds registry lock hold time
	Observer          Observer
	Metrics           *Metrics
}

// Router runs the handshake for new connections, dispatches their messages
// and removes them when they go away.
type Router struct {
	registry          *Registry
	cipher            *crypto.Cipher
	encodedKey        string
	password          []byte
	maxUsernameLength int
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	observer          Observer
	metrics           *Metrics
}

// removal is one pending entry of the drop work list. Either field may be
// missing.
type removal struct {
	sess     *Session
	username string
}

// NewRouter creates a router serving registry with the server-wide key
func NewRouter(registry *Registry, key crypto.Key, cfg RouterConfig) (*Router, error) {
	if cfg.Password == "" {
		return nil, ErrNoPassword
	}
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = protocol.DefaultMaxUsernameLength
	}
	if cfg.Metrics != nil {
		registry.SetMetrics(cfg.Metrics)
	}

	return &Router{
		registry:          registry,
		cipher:            c,
		encodedKey:        crypto.EncodeKey(key),
		password:          []byte(cfg.Password),
		maxUsernameLength: cfg.MaxUsernameLength,
		handshakeTimeout:  cfg.HandshakeTimeout,
		writeTimeout:      cfg.WriteTimeout,
		observer:          cfg.Observer,
		metrics:           cfg.Metrics,
	}, nil
}

// Registry returns the registry the router serves
func (r *Router) Registry() *Registry {
	return r.registry
}

// Serve owns conn until the peer goes away: handshake, receive loop and
// removal. It returns once the connection is closed.
func (r *Router) Serve(conn net.Conn, transport string) {
	sess := newSession(conn, transport, r.cipher, r.writeTimeout)
	defer sess.Close()

	username, err := r.Handshake(sess)
	if err != nil {
		r.emit(r.event(EventError, sess, func(ev *Event) { ev.Err = err }))
		return
	}

	r.emit(r.event(EventConnected, sess, nil))

	// The new client gets the roster directly, then everyone (itself
	// included) gets the join notice and a fresh list.
	if err := sess.Send(protocol.FormatUserList(r.registry.Usernames())); err != nil {
		r.Remove(sess, username)
		return
	}
	r.announce(sess, protocol.FormatJoin(username), true)

	err = r.receiveLoop(sess)
	switch {
	case err == nil, isTransportClosed(err):
		debugLog.Printf("Session %s (%s) closed: %v", sess.ID, username, err)
	default:
		r.emit(r.event(EventError, sess, func(ev *Event) { ev.Err = err }))
	}
	r.Remove(sess, username)
}

// Handshake runs password, key and username exchange on a fresh session.
// On success the session is registered under the returned username.
func (r *Router) Handshake(sess *Session) (string, error) {
	if r.handshakeTimeout > 0 {
		sess.setReadDeadline(time.Now().Add(r.handshakeTimeout))
	}

	password, err := sess.readHandshake()
	if err != nil {
		r.recordHandshakeFailure("io")
		return "", fmt.Errorf("read password: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(password), r.password) != 1 {
		r.recordHandshakeFailure("password")
		if err := sess.writeHandshake(protocol.SentinelInvalid); err != nil {
			debugLog.Printf("Failed to send INVALID to %s: %v", sess.RemoteAddr(), err)
		}
		return "", protocol.ErrInvalidPassword
	}

	if err := sess.writeHandshake(r.encodedKey); err != nil {
		r.recordHandshakeFailure("io")
		return "", fmt.Errorf("send key: %w", err)
	}

	username, err := sess.readHandshake()
	if err != nil {
		r.recordHandshakeFailure("io")
		return "", fmt.Errorf("read username: %w", err)
	}
	if r.handshakeTimeout > 0 {
		sess.setReadDeadline(time.Time{})
	}

	if err := protocol.ValidateUsername(username, r.maxUsernameLength); err != nil {
		r.recordHandshakeFailure("username")
		r.reject(sess, protocol.SentinelInvalidUsername)
		return "", err
	}

	if err := r.registry.Add(username, sess); err != nil {
		if errors.Is(err, protocol.ErrDuplicateUsername) {
			r.recordHandshakeFailure("duplicate")
			r.reject(sess, protocol.SentinelDuplicateUsername)
			return "", fmt.Errorf("%w: %s", err, username)
		}
		return "", err
	}
	return username, nil
}

// reject sends an encrypted sentinel before the connection is closed
func (r *Router) reject(sess *Session, sentinel string) {
	if err := sess.Send(sentinel); err != nil {
		debugLog.Printf("Failed to send %s to %s: %v", sentinel, sess.RemoteAddr(), err)
	}
}

func (r *Router) receiveLoop(sess *Session) error {
	for {
		text, err := sess.Receive()
		if err != nil {
			return err
		}
		r.handleMessage(sess, text)
	}
}

// Broadcast delivers text to every registered session and returns the
// number of sessions that received it. Recipients whose send fails are
// removed.
func (r *Router) Broadcast(text string) int {
	delivered, failed := r.fanout(text)
	r.drop(removalsFor(failed))
	return delivered
}

// PrivateMessage routes text from sender to target and echoes it back to
// sender. An unknown target gets the sender a not-found notice instead.
// A message too large to seal is dropped and nobody is removed.
func (r *Router) PrivateMessage(sender *Session, target, text string) {
	senderName := sender.Username()

	frame, err := crypto.Seal(r.cipher, protocol.FormatPrivate(senderName, text))
	if err != nil {
		errorLog.Printf("Failed to seal private message from %s: %v", senderName, err)
		return
	}

	err = r.registry.Deliver(frame, target, sender)
	var deliveryErr *DeliveryError
	switch {
	case err == nil:
		r.recordPrivate("delivered")
		r.emit(r.event(EventBroadcast, sender, func(ev *Event) {
			ev.Target = target
			ev.Text = text
		}))
	case errors.Is(err, ErrUnknownUser):
		r.recordPrivate("not_found")
		err := sender.Send(protocol.FormatPrivateRejected(target))
		switch {
		case err == nil:
		case errors.Is(err, crypto.ErrMessageTooLarge), errors.Is(err, protocol.ErrFrameTooLarge):
			debugLog.Printf("Not-found notice for %s too large to send: %v", senderName, err)
		default:
			r.drop([]removal{{sess: sender, username: senderName}})
		}
	case errors.As(err, &deliveryErr):
		r.recordPrivate("failed")
		r.recordDeliveryFailure(deliveryErr)
		r.drop([]removal{{sess: deliveryErr.Session, username: deliveryErr.Username}})
	default:
		errorLog.Printf("Private message from %s to %s failed: %v", senderName, target, err)
	}
}

// Remove takes a session out of the registry, closes it and tells the
// remaining sessions. Either argument may be missing; repeated calls are
// no-ops.
func (r *Router) Remove(sess *Session, username string) {
	r.drop([]removal{{sess: sess, username: username}})
}

// RemoveAll removes every registered session
func (r *Router) RemoveAll() {
	for _, sess := range r.registry.Sessions() {
		r.Remove(sess, sess.Username())
	}
}

// drop works through pending removals. Delivery failures from the leave
// notices are appended to the list rather than handled recursively.
func (r *Router) drop(work []removal) {
	for len(work) > 0 {
		item := work[0]
		work = work[1:]

		sess, username, removed := r.detach(item)
		if !removed {
			continue
		}

		r.emit(r.event(EventDisconnected, sess, func(ev *Event) { ev.Username = username }))

		if r.registry.Len() == 0 {
			continue
		}
		failed := r.announce(sess, protocol.FormatLeave(username), false)
		work = append(work, removalsFor(failed)...)
	}
}

// detach deletes the registry entry for item and closes its stream
func (r *Router) detach(item removal) (*Session, string, bool) {
	if item.sess != nil {
		name, removed := r.registry.Remove(item.sess)
		item.sess.Close()
		if name == "" {
			name = item.username
		}
		return item.sess, name, removed
	}

	if item.username == "" {
		return nil, "", false
	}
	sess, removed := r.registry.RemoveUsername(item.username)
	if removed {
		sess.Close()
	}
	return sess, item.username, removed
}

// announce broadcasts a join or leave notice followed by a fresh user list.
// With handle set, failures are removed here; otherwise they are returned.
func (r *Router) announce(sess *Session, notice string, handle bool) []*DeliveryError {
	_, failed := r.fanout(notice)
	failed = append(failed, r.broadcastUserList()...)

	r.emit(r.event(EventBroadcast, sess, func(ev *Event) { ev.Text = notice }))

	if handle {
		r.drop(removalsFor(failed))
		return nil
	}
	return failed
}

// fanout seals text once and sends it to every registered session
func (r *Router) fanout(text string) (int, []*DeliveryError) {
	frame, err := crypto.Seal(r.cipher, text)
	if err != nil {
		errorLog.Printf("Failed to seal broadcast: %v", err)
		return 0, nil
	}

	start := time.Now()
	delivered, failed, err := r.registry.Broadcast(frame)
	if err != nil {
		errorLog.Printf("Failed to broadcast: %v", err)
		return 0, nil
	}
	if r.metrics != nil {
		r.metrics.RecordBroadcast(delivered, time.Since(start).Seconds())
	}
	for _, f := range failed {
		r.recordDeliveryFailure(f)
	}
	return delivered, failed
}

// broadcastUserList sends every session the list of exactly the sessions
// receiving it
func (r *Router) broadcastUserList() []*DeliveryError {
	_, failed, err := r.registry.Fanout(func(usernames []string) (*protocol.Frame, error) {
		return crypto.Seal(r.cipher, protocol.FormatUserList(usernames))
	})
	if err != nil {
		errorLog.Printf("Failed to seal user list: %v", err)
		return nil
	}
	for _, f := range failed {
		r.recordDeliveryFailure(f)
	}
	return failed
}

func removalsFor(failed []*DeliveryError) []removal {
	work := make([]removal, 0, len(failed))
	for _, f := range failed {
		work = append(work, removal{sess: f.Session, username: f.Username})
	}
	return work
}

func (r *Router) event(kind EventKind, sess *Session, fill func(*Event)) Event {
	ev := Event{Kind: kind, Time: time.Now()}
	if sess != nil {
		ev.SessionID = sess.ID
		ev.Username = sess.Username()
		ev.RemoteAddr = sess.RemoteAddr()
		ev.Transport = sess.Transport
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (r *Router) emit(ev Event) {
	if r.observer != nil {
		r.observer.Observe(ev)
	}
}

func (r *Router) recordHandshakeFailure(reason string) {
	if r.metrics != nil {
		r.metrics.RecordHandshakeFailure(reason)
	}
}

func (r *Router) recordPrivate(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordPrivateMessage(outcome)
	}
}

func (r *Router) recordDropped(reason string) {
	if r.metrics != nil {
		r.metrics.RecordDroppedMessage(reason)
	}
}

func (r *Router) recordDeliveryFailure(f *DeliveryError) {
	debugLog.Printf("%v", f)
	if r.metrics != nil {
		r.metrics.RecordDeliveryFailure()
	}
}
