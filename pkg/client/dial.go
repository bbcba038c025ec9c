package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Default server ports per scheme
const (
	defaultTCPPort       = "5555"
	defaultWebSocketPort = "5556"
	defaultSSHPort       = "5557"
)

type dialTarget struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

func parseServerAddress(raw string, opts Options) (*dialTarget, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		dialer := &net.Dialer{}
		return &dialTarget{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, "tcp", address)
				if err != nil {
					return nil, err
				}
				if tcp, ok := conn.(*net.TCPConn); ok {
					tcp.SetNoDelay(true)
				}
				return conn, nil
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWebSocketPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}
		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		return &dialTarget{
			display: u.String(),
			dial: func(ctx context.Context) (net.Conn, error) {
				return DialWebSocket(ctx, u)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = opts.SSHUser
		}
		if user == "" {
			user = defaultSSHUser()
		}
		address := net.JoinHostPort(host, port)

		callback := opts.HostKeyCallback
		if callback == nil {
			verifier, err := newHostKeyVerifier(opts.KnownHostsPath, opts.Logger)
			if err != nil {
				return nil, err
			}
			callback = verifier.callback
		}

		return &dialTarget{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialSSH(ctx, user, address, callback)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
