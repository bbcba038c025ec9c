package server

import (
	"fmt"
	"sync"

	"github.com/aeolun/lanchat/pkg/protocol"
)

// Registry is the single owner of the username -> session mapping. All
// mutation goes through Add and Remove under the write lock; fan-out sends
// hold the read lock so no send reaches a session mid-removal.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // usernames in join order
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Add binds username to sess and registers it. A name that is already
// registered is rejected; the existing entry is never overwritten.
func (r *Registry) Add(username string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[username]; exists {
		return protocol.ErrDuplicateUsername
	}
	if err := sess.bindUsername(username); err != nil {
		return err
	}

	r.sessions[username] = sess
	r.order = append(r.order, username)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionCreated()
	}
	return nil
}

// Remove deletes the entry for sess if it is still the registered session
// for its username. It reports the username and whether an entry was deleted.
func (r *Registry) Remove(sess *Session) (string, bool) {
	if sess == nil {
		return "", false
	}
	username := sess.Username()
	if username == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[username]; !ok || current != sess {
		return username, false
	}
	r.deleteLocked(username)
	return username, true
}

// RemoveUsername deletes the entry for username, returning the session that
// was registered under it.
func (r *Registry) RemoveUsername(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		return nil, false
	}
	r.deleteLocked(username)
	return sess, true
}

func (r *Registry) deleteLocked(username string) {
	delete(r.sessions, username)
	for i, name := range r.order {
		if name == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionDisconnected()
	}
}

// Lookup returns the session registered under username
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[username]
	return sess, ok
}

// Usernames returns the registered usernames in join order
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Sessions returns the registered sessions in join order
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		sessions = append(sessions, r.sessions[name])
	}
	return sessions
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Fanout sends one frame to every registered session. compose is called
// with the usernames of the recipients, under the same lock as the sends, so
// a user list built from it matches exactly who receives it. Failed
// recipients are returned, not removed; the caller removes them once the
// lock is released. A frame too large to send fails the whole fan-out
// before any session is written to.
func (r *Registry) Fanout(compose func(usernames []string) (*protocol.Frame, error)) (int, []*DeliveryError, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	frame, err := compose(append([]string(nil), r.order...))
	if err != nil {
		return 0, nil, err
	}
	if err := frame.CheckSize(); err != nil {
		return 0, nil, err
	}

	delivered := 0
	var failed []*DeliveryError
	for _, name := range r.order {
		sess := r.sessions[name]
		if err := sess.sendFrame(frame); err != nil {
			failed = append(failed, &DeliveryError{Session: sess, Username: name, Err: err})
			continue
		}
		delivered++
	}
	return delivered, failed, nil
}

// Broadcast sends a pre-sealed frame to every registered session
func (r *Registry) Broadcast(frame *protocol.Frame) (int, []*DeliveryError, error) {
	return r.Fanout(func([]string) (*protocol.Frame, error) {
		return frame, nil
	})
}

// Deliver sends frame to the session registered as target and then to
// sender, stopping at the first failure. It returns ErrUnknownUser when
// target is not registered and a *DeliveryError when a send fails.
func (r *Registry) Deliver(frame *protocol.Frame, target string, sender *Session) error {
	if err := frame.CheckSize(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	targetSess, ok := r.sessions[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, target)
	}
	if err := targetSess.sendFrame(frame); err != nil {
		return &DeliveryError{Session: targetSess, Username: target, Err: err}
	}
	if err := sender.sendFrame(frame); err != nil {
		return &DeliveryError{Session: sender, Username: sender.Username(), Err: err}
	}
	return nil
}
