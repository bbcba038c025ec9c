package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/google/uuid"
)

// Session represents one client connection from accept to close
type Session struct {
	ID          string
	Transport   string // "tcp", "websocket" or "ssh"
	ConnectedAt time.Time

	conn       *protocol.SafeConn
	channel    *crypto.Channel
	remoteAddr string

	mu       sync.RWMutex // Protects username
	username string

	alive atomic.Bool
}

// newSession wraps an accepted connection. The channel shares the server's
// cipher; the key itself never changes for the life of the session.
func newSession(conn net.Conn, transport string, c *crypto.Cipher, writeTimeout time.Duration) *Session {
	safe := protocol.NewSafeConn(conn, writeTimeout)

	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Transport:   transport,
		ConnectedAt: time.Now(),
		conn:        safe,
		channel:     crypto.NewChannel(safe, c),
		remoteAddr:  remote,
	}
	sess.alive.Store(true)
	return sess
}

// Username returns the name bound at handshake, or "" before that
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// bindUsername assigns the username exactly once
func (s *Session) bindUsername(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.username != "" {
		return fmt.Errorf("%w: %s", ErrUsernameBound, s.username)
	}
	s.username = name
	return nil
}

// RemoteAddr returns the peer address captured at accept time
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Alive reports whether the session has not yet been closed or failed a write
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// readHandshake reads one plaintext handshake message
func (s *Session) readHandshake() (string, error) {
	frame, err := s.conn.ReadFrame()
	if err != nil {
		return "", err
	}
	if frame.Type != protocol.TypeHandshake {
		return "", fmt.Errorf("%w: got 0x%02X during handshake", protocol.ErrUnexpectedFrame, frame.Type)
	}
	return string(frame.Payload), nil
}

// writeHandshake sends one plaintext handshake message
func (s *Session) writeHandshake(text string) error {
	return s.sendFrame(protocol.NewHandshakeFrame(text))
}

// Send encrypts and sends one message to this session
func (s *Session) Send(text string) error {
	frame, err := s.channel.Seal(text)
	if err != nil {
		return err
	}
	return s.sendFrame(frame)
}

// sendFrame writes a pre-built frame. A failed write marks the session dead;
// an oversize frame is refused before anything reaches the stream.
func (s *Session) sendFrame(frame *protocol.Frame) error {
	if err := frame.CheckSize(); err != nil {
		return err
	}
	if !s.alive.Load() {
		return net.ErrClosed
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		s.alive.Store(false)
		return err
	}
	return nil
}

// Receive reads and decrypts the next application message
func (s *Session) Receive() (string, error) {
	return s.channel.Receive()
}

func (s *Session) setReadDeadline(t time.Time) {
	s.conn.SetReadDeadline(t)
}

// Close marks the session dead and closes the stream. Safe to call repeatedly.
func (s *Session) Close() error {
	s.alive.Store(false)
	return s.conn.Close()
}
