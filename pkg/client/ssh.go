package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// lanChatSSHVersionPrefix is the banner every LanChat SSH endpoint sends
const lanChatSSHVersionPrefix = "SSH-2.0-LanChat"

func defaultSSHUser() string {
	if user := os.Getenv("LANCHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}

func defaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lanchat", "known_hosts"), nil
}

// hostKeyVerifier trusts a host key the first time it is seen and records
// it; later connections must present the same key
type hostKeyVerifier struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

func newHostKeyVerifier(path string, logger *log.Logger) (*hostKeyVerifier, error) {
	if path == "" {
		var err error
		if path, err = defaultKnownHostsPath(); err != nil {
			return nil, err
		}
	}
	return &hostKeyVerifier{path: path, logger: logger}, nil
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	check, err := v.load()
	if err != nil {
		return err
	}

	err = check(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
		logf(v.logger, "Trusting new SSH host key %s for %s", ssh.FingerprintSHA256(key), hostname)
		return v.appendKnownHost(hostname, key)
	case errors.As(err, &keyErr):
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but %s expects %s. Remove the entry if the server key was rotated",
			hostname, ssh.FingerprintSHA256(key), v.path, expected)
	default:
		return err
	}
}

// load parses the known_hosts file, creating it when missing
func (v *hostKeyVerifier) load() (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	f.Close()

	return knownhosts.New(v.path)
}

func (v *hostKeyVerifier) appendKnownHost(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	comment := fmt.Sprintf("LanChat server added=%s", time.Now().Format(time.RFC3339))
	if _, err := fmt.Fprintf(f, "%s %s\n", line, comment); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	return nil
}

// dialSSH opens an SSH connection with no client authentication and returns
// a "session" channel as a net.Conn
func dialSSH(ctx context.Context, user, address string, callback ssh.HostKeyCallback) (net.Conn, error) {
	dialer := &net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: callback,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("ssh authentication failed for %s: the remote server requires credentials, which LanChat servers never do: %w", address, err)
		}
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, lanChatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a LanChat server (banner prefix %q)", banner, lanChatSSHVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// sshClientConn exposes an SSH channel as a net.Conn. Channels have no
// deadlines, so the deadline setters are no-ops.
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
