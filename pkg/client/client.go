package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/aeolun/lanchat/pkg/protocol"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultGraceWindow is how long Dial waits for an immediate username
	// rejection after sending the username
	DefaultGraceWindow = 500 * time.Millisecond

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	messageBuffer       = 256
)

// ErrClosed is returned when sending on a closed client
var ErrClosed = errors.New("client closed")

// Options configures Dial
type Options struct {
	Password string
	Username string

	// GraceWindow bounds the wait for DUPLICATE_USERNAME or INVALID_USERNAME.
	// 0 uses DefaultGraceWindow; a negative value skips the wait.
	GraceWindow  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// SSH only. HostKeyCallback overrides trust-on-first-use verification
	// against KnownHostsPath (default ~/.lanchat/known_hosts).
	SSHUser         string
	HostKeyCallback ssh.HostKeyCallback
	KnownHostsPath  string

	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.GraceWindow == 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Client is one authenticated chat connection
type Client struct {
	addr     string
	username string
	conn     *protocol.SafeConn
	channel  *crypto.Channel
	logger   *log.Logger

	messages chan protocol.Envelope
	joined   chan error // first message verdict, buffered
	done     chan struct{}
	wg       sync.WaitGroup

	mu    sync.RWMutex
	users []string
	err   error

	closeOnce sync.Once
}

// Dial connects to addr, runs the password/key/username handshake and waits
// up to the grace window for an immediate username rejection.
// addr may be host:port or carry a tcp://, ws://, wss:// or ssh:// scheme.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	target, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	logf(opts.Logger, "Connecting to %s...", target.display)
	conn, err := target.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.display, err)
	}

	c := &Client{
		addr:     target.display,
		username: opts.Username,
		conn:     protocol.NewSafeConn(conn, opts.WriteTimeout),
		logger:   opts.Logger,
		messages: make(chan protocol.Envelope, messageBuffer),
		joined:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	// Closing the connection is the only way to abort a blocked handshake read
	stop := context.AfterFunc(dialCtx, func() { c.conn.Close() })
	err = c.handshake(opts.Password)
	if !stop() {
		err = fmt.Errorf("handshake with %s: %w", target.display, dialCtx.Err())
	}
	if err != nil {
		c.conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	if err := c.awaitJoin(ctx, opts.GraceWindow); err != nil {
		c.Close()
		return nil, err
	}

	c.logf("Joined %s as %s", c.addr, c.username)
	return c, nil
}

// handshake sends the password, reads the key and sends the username
func (c *Client) handshake(password string) error {
	if err := c.conn.WriteFrame(protocol.NewHandshakeFrame(password)); err != nil {
		return fmt.Errorf("send password: %w", err)
	}

	frame, err := c.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if frame.Type != protocol.TypeHandshake {
		return fmt.Errorf("%w: got 0x%02X during handshake", protocol.ErrUnexpectedFrame, frame.Type)
	}

	reply := string(frame.Payload)
	if reply == protocol.SentinelInvalid {
		return protocol.ErrInvalidPassword
	}

	key, err := crypto.DecodeKey(reply)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return err
	}
	c.channel = crypto.NewChannel(c.conn, cipher)

	if err := c.conn.WriteFrame(protocol.NewHandshakeFrame(c.username)); err != nil {
		return fmt.Errorf("send username: %w", err)
	}
	return nil
}

// awaitJoin waits for the first server message. A username rejection fails
// the dial; silence for the whole window counts as accepted.
func (c *Client) awaitJoin(ctx context.Context, grace time.Duration) error {
	if grace < 0 {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-c.joined:
		return err
	case <-timer.C:
		c.logf("No response within %v, assuming joined", grace)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.messages)

	first := true
	verdict := func(err error) {
		if first {
			first = false
			c.joined <- err
		}
	}

	for {
		text, err := c.channel.Receive()
		if err != nil {
			select {
			case <-c.done:
				verdict(ErrClosed)
			default:
				c.logf("Connection to %s lost: %v", c.addr, err)
				c.setErr(err)
				verdict(err)
			}
			return
		}

		env := protocol.ParseServerMessage(text)
		switch env.Kind {
		case protocol.KindDuplicateUsername:
			err := fmt.Errorf("%w: %s", protocol.ErrDuplicateUsername, c.username)
			c.setErr(err)
			verdict(err)
			return
		case protocol.KindInvalidUsername:
			err := fmt.Errorf("%w: %q", protocol.ErrInvalidUsername, c.username)
			c.setErr(err)
			verdict(err)
			return
		case protocol.KindUserList:
			c.setUsers(env.Users)
		}
		verdict(nil)

		select {
		case c.messages <- env:
		case <-c.done:
			return
		}
	}
}

// Send broadcasts text. Blank text is ignored.
func (c *Client) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.send(text)
}

// SendPrivate sends text to one user. An empty target sends to everyone.
func (c *Client) SendPrivate(target, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if target == "" {
		return c.send(text)
	}
	return c.send(protocol.FormatPrivateRequest(target, text))
}

func (c *Client) send(text string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.channel.Send(text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Messages delivers every server message in arrival order, including the
// first one seen during Dial. The channel closes when the connection ends.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.messages
}

// Users returns the most recent user list
func (c *Client) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := make([]string, len(c.users))
	copy(users, c.users)
	return users
}

func (c *Client) setUsers(users []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = users
}

// Err returns the error that ended the connection, or nil while it is live
// or after a local Close
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Username returns the name this client joined with
func (c *Client) Username() string {
	return c.username
}

// Addr returns the server address as dialed
func (c *Client) Addr() string {
	return c.addr
}

// Close disconnects and waits for the receive loop to finish. Only the first
// call has an effect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.logf("Disconnected from %s", c.addr)
	})
	return err
}

func (c *Client) logf(format string, args ...interface{}) {
	logf(c.logger, format, args...)
}

func logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
