package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer listens for SSH clients. Anyone may open the SSH layer;
// the chat password handshake then runs inside the session channel.
func (s *Server) startSSHServer() error {
	if s.config.SSHAddr == "" {
		debugLog.Printf("SSH server disabled")
		return nil
	}

	hostKey := s.hostKey
	if hostKey == nil {
		var err error
		hostKey, err = loadOrGenerateHostKey(s.config.SSHHostKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load host key: %w", err)
		}
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-LanChat",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SSHAddr, err)
	}
	s.sshListener = listener

	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleSSHConnection(conn, config)
		}()
	}
}

// handleSSHConnection completes the SSH handshake and dispatches every
// session channel as a chat connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	if s.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}
		go handleSSHChannelRequests(requests)

		s.dispatch(&sshChannelConn{
			channel: channel,
			local:   sshConn.LocalAddr(),
			remote:  sshConn.RemoteAddr(),
		}, "ssh")
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. Channels have no
// native deadlines, so an expired deadline closes the channel.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	c.mu.Lock()
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.mu.Unlock()
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.setDeadline(&c.readTimer, t)
	return nil
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.setDeadline(&c.writeTimer, t)
	return nil
}

func (c *sshChannelConn) setDeadline(timer **time.Timer, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stopTimer(timer)
	if !t.IsZero() {
		*timer = time.AfterFunc(time.Until(t), func() {
			c.channel.Close()
		})
	}
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// loadOrGenerateHostKey loads the SSH host key at path, generating and
// saving an Ed25519 key if the file doesn't exist
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "lanchat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}
