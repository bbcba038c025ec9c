package protocol

import (
	"errors"
	"fmt"
)

// ErrAuth is the root of every handshake rejection. The peer is told with a
// sentinel and the connection is closed; there is no retry on the same stream.
var ErrAuth = errors.New("authentication failed")

var (
	ErrInvalidPassword   = fmt.Errorf("%w: invalid password", ErrAuth)
	ErrDuplicateUsername = fmt.Errorf("%w: username already in use", ErrAuth)
	ErrInvalidUsername   = fmt.Errorf("%w: invalid username", ErrAuth)
)

var (
	// ErrNotPrivate means the message has no PRIVATE: prefix
	ErrNotPrivate = errors.New("not a private message")
	// ErrMalformedPrivate means the PRIVATE: envelope has fewer than 3 parts
	ErrMalformedPrivate = errors.New("malformed private message")
)
