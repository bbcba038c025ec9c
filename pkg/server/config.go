package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/lanchat/pkg/protocol"
)

// Default listener ports
const (
	DefaultTCPPort       = 5555
	DefaultWebSocketPort = 5556
	DefaultSSHPort       = 5557
	DefaultMetricsPort   = 9100
)

// ServerConfig holds server configuration. An empty listener address
// disables that listener; only TCPAddr is required.
type ServerConfig struct {
	TCPAddr        string
	WebSocketAddr  string
	SSHAddr        string
	SSHHostKeyPath string
	MetricsAddr    string
	JournalPath    string

	Password          string
	MaxUsernameLength int
	MaxConnections    int // 0 means unlimited
	HandshakeTimeout  time.Duration

	// WriteTimeout bounds each send to a peer. Fan-out holds the registry
	// lock while sending, so a stalled peer can hold up joins, leaves and
	// every other fan-out for up to this long.
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration with only the TCP
// listener enabled
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPAddr:           net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultTCPPort)),
		SSHHostKeyPath:    "~/.lanchat/ssh_host_key",
		MaxUsernameLength: protocol.DefaultMaxUsernameLength,
		HandshakeTimeout:  30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server        ServerSection        `toml:"server"`
	Auth          AuthSection          `toml:"auth"`
	Limits        LimitsSection        `toml:"limits"`
	Observability ObservabilitySection `toml:"observability"`
}

// ServerSection configures listeners. A port of 0 uses the default and a
// negative port disables the listener.
type ServerSection struct {
	Host          string `toml:"host"`
	TCPPort       int    `toml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port"`
	SSHPort       int    `toml:"ssh_port"`
	SSHHostKey    string `toml:"ssh_host_key"`
}

type AuthSection struct {
	Password          string `toml:"password"`
	MaxUsernameLength int    `toml:"max_username_length"`
}

type LimitsSection struct {
	MaxConnections          int `toml:"max_connections"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int `toml:"write_timeout_seconds"`
}

type ObservabilitySection struct {
	MetricsPort int    `toml:"metrics_port"`
	JournalPath string `toml:"journal_path"`
	ErrorLog    string `toml:"error_log"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:          "0.0.0.0",
			TCPPort:       DefaultTCPPort,
			WebSocketPort: DefaultWebSocketPort,
			SSHPort:       -1,
			SSHHostKey:    "~/.lanchat/ssh_host_key",
		},
		Auth: AuthSection{
			MaxUsernameLength: protocol.DefaultMaxUsernameLength,
		},
		Limits: LimitsSection{
			MaxConnections:          0,
			HandshakeTimeoutSeconds: 30,
			WriteTimeoutSeconds:     10,
		},
		Observability: ObservabilitySection{
			MetricsPort: -1,
			JournalPath: "",
			ErrorLog:    "~/.lanchat/errors.log",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Still runnable with defaults, e.g. on a read-only home
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# LanChat Server Configuration
# This file was auto-generated with default values
# Set auth.password (or LANCHAT_PASSWORD) before starting the server
# A port of 0 uses the default, a negative port disables the listener

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	host := strings.TrimSpace(c.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}

	cfg.TCPAddr = listenAddr(host, c.Server.TCPPort, DefaultTCPPort)
	cfg.WebSocketAddr = listenAddr(host, c.Server.WebSocketPort, DefaultWebSocketPort)
	cfg.SSHAddr = listenAddr(host, c.Server.SSHPort, DefaultSSHPort)
	cfg.MetricsAddr = listenAddr(host, c.Observability.MetricsPort, DefaultMetricsPort)

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	cfg.Password = c.Auth.Password
	if c.Auth.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Auth.MaxUsernameLength
	}

	if c.Limits.MaxConnections > 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.HandshakeTimeoutSeconds != 0 {
		cfg.HandshakeTimeout = secondsOrZero(c.Limits.HandshakeTimeoutSeconds)
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = secondsOrZero(c.Limits.WriteTimeoutSeconds)
	}

	cfg.JournalPath = strings.TrimSpace(c.Observability.JournalPath)

	return cfg
}

// GetJournalPath returns the journal path with ~ expanded, or "" when the
// journal is disabled
func (c *TOMLConfig) GetJournalPath() (string, error) {
	path := strings.TrimSpace(c.Observability.JournalPath)
	if path == "" {
		return "", nil
	}
	return expandPath(path)
}

func listenAddr(host string, port, def int) string {
	switch {
	case port < 0:
		return ""
	case port == 0:
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// secondsOrZero maps a negative value to 0, which disables the deadline
func secondsOrZero(n int) time.Duration {
	if n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
