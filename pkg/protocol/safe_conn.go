package protocol

import (
	"net"
	"sync"
	"time"
)

// SafeConn wraps a connection with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// A session's own receive loop and any number of broadcasting goroutines may
// write to the same connection at once. SafeConn owns both the connection and
// its write mutex, so a frame can only be written whole.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps a net.Conn with write synchronization.
// A zero writeTimeout means writes never time out.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteFrame encodes and sends a frame with automatic write synchronization.
// This is the ONLY way to write frames to the connection - the raw conn is private.
func (sc *SafeConn) WriteFrame(frame *Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
		defer sc.conn.SetWriteDeadline(time.Time{})
	}
	return EncodeFrame(sc.conn, frame)
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*Frame, error) {
	return DecodeFrame(sc.conn)
}

// SetReadDeadline bounds the next reads; the zero time clears it.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection. Only the first call has an effect.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
