package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrNoPassword is returned when a server is configured without a shared password
	ErrNoPassword = errors.New("server password must not be empty")
	// ErrUnknownUser is returned when a username has no live session
	ErrUnknownUser = errors.New("user not connected")
	// ErrUsernameBound is returned when a session is given a second username
	ErrUsernameBound = errors.New("session already has a username")
)

// DeliveryError records a failed send to one registered peer. The peer is
// removed from the registry; the sender never sees this error.
type DeliveryError struct {
	Session  *Session
	Username string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Username, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// isTransportClosed reports whether err means the peer went away, which is a
// normal disconnect rather than a failure worth reporting.
func isTransportClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		isWebSocketClose(err) ||
		isConnReset(err)
}

// isConnReset matches a read failing because the peer reset the connection
func isConnReset(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return opErr.Op == "read"
	}
	return false
}

func isWebSocketClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
