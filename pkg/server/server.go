package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/lanchat/pkg/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/ssh"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server accepts connections on every configured transport and hands each
// one to the router on its own goroutine
type Server struct {
	config   ServerConfig
	key      crypto.Key
	registry *Registry
	router   *Router
	metrics  *Metrics
	promReg  *prometheus.Registry
	journal  EventStore
	observer Observer
	hostKey  ssh.Signer

	listener        net.Listener
	wsListener      net.Listener
	sshListener     net.Listener
	metricsListener net.Listener
	httpServers     []*http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	slots     chan struct{} // nil when MaxConnections is 0
	startTime time.Time

	connMu  sync.Mutex
	running bool
	conns   map[net.Conn]struct{}

	stopOnce sync.Once
	stopErr  error

	keySet bool
}

// Option customises a Server at construction
type Option func(*Server)

// WithObserver adds an observer that receives every routing event
func WithObserver(o Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

// WithEventStore journals connection events to store instead of opening
// ServerConfig.JournalPath
func WithEventStore(store EventStore) Option {
	return func(s *Server) {
		s.journal = store
	}
}

// WithKey uses key instead of generating a fresh one
func WithKey(key crypto.Key) Option {
	return func(s *Server) {
		s.key = key
		s.keySet = true
	}
}

// WithPrometheusRegistry registers metrics with reg instead of a private registry
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promReg = reg
	}
}

// WithHostKey uses signer as the SSH host key instead of SSHHostKeyPath
func WithHostKey(signer ssh.Signer) Option {
	return func(s *Server) {
		s.hostKey = signer
	}
}

// NewServer creates a new server instance. The encryption key is generated
// here and shared by every session for the life of the server.
func NewServer(config ServerConfig, opts ...Option) (*Server, error) {
	if config.Password == "" {
		return nil, ErrNoPassword
	}

	s := &Server{
		config:   config,
		registry: NewRegistry(),
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.keySet {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		s.key = key
	}

	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
		s.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.promReg)

	if s.journal == nil && config.JournalPath != "" {
		journal, err := openJournal(config.JournalPath)
		if err != nil {
			return nil, err
		}
		s.journal = journal
	}

	if config.MaxConnections > 0 {
		s.slots = make(chan struct{}, config.MaxConnections)
	}

	observers := Observers{LogObserver{}}
	if s.journal != nil {
		observers = append(observers, journalObserver{store: s.journal})
	}
	if s.observer != nil {
		observers = append(observers, s.observer)
	}

	router, err := NewRouter(s.registry, s.key, RouterConfig{
		Password:          config.Password,
		MaxUsernameLength: config.MaxUsernameLength,
		HandshakeTimeout:  config.HandshakeTimeout,
		WriteTimeout:      config.WriteTimeout,
		Observer:          observers,
		Metrics:           s.metrics,
	})
	if err != nil {
		if s.journal != nil {
			s.journal.Close()
		}
		return nil, err
	}
	s.router = router

	return s, nil
}

// InitLogging sends error lines to stderr and, when errorLogPath is set,
// appends them to that file as well
func InitLogging(errorLogPath string) error {
	if errorLogPath == "" {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		return nil
	}

	path, err := expandPath(errorLogPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	errorFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker separates runs in the file
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	return nil
}

// EnableDebugLogging sends debug lines to stderr
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens every configured listener and begins accepting connections
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: reuseAddrControl}

	listener, err := lc.Listen(context.Background(), "tcp", s.config.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr, err)
	}

	s.connMu.Lock()
	s.listener = listener
	s.running = true
	s.startTime = time.Now()
	s.connMu.Unlock()

	logListenBacklog(listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	if err := s.startWebSocketServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop removes every session, closes all listeners and waits for the
// connection goroutines to finish. Calling it more than once is safe.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		s.connMu.Lock()
		s.running = false
		s.connMu.Unlock()
		close(s.shutdown)

		// Leave notices go out while the remaining sessions are still open
		s.router.RemoveAll()

		s.connMu.Lock()
		open := make([]net.Conn, 0, len(s.conns))
		for conn := range s.conns {
			open = append(open, conn)
		}
		s.connMu.Unlock()
		for _, conn := range open {
			conn.Close()
		}

		for _, ln := range []net.Listener{s.listener, s.wsListener, s.sshListener, s.metricsListener} {
			if ln != nil {
				ln.Close()
			}
		}
		for _, srv := range s.httpServers {
			srv.Close()
		}

		s.wg.Wait()

		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				errorLog.Printf("Error closing journal: %v", err)
				s.stopErr = err
			}
		}

		log.Println("Graceful shutdown complete")
	})
	return s.stopErr
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	return listenerAddr(s.listener)
}

// WebSocketAddr returns the WebSocket listener address, or nil if disabled
func (s *Server) WebSocketAddr() net.Addr {
	return listenerAddr(s.wsListener)
}

// SSHAddr returns the SSH listener address, or nil if disabled
func (s *Server) SSHAddr() net.Addr {
	return listenerAddr(s.sshListener)
}

// MetricsAddr returns the metrics listener address, or nil if disabled
func (s *Server) MetricsAddr() net.Addr {
	return listenerAddr(s.metricsListener)
}

// OnlineUsers returns the registered usernames in join order
func (s *Server) OnlineUsers() []string {
	return s.registry.Usernames()
}

func listenerAddr(ln net.Listener) net.Addr {
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// acceptLoop accepts incoming TCP connections until the listener closes
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.dispatch(conn, "tcp")
	}
}

// dispatch hands conn to the router on a new goroutine without waiting
// for it. Connections beyond MaxConnections, or arriving during shutdown,
// are closed at once.
func (s *Server) dispatch(conn net.Conn, transport string) {
	if !s.acquireSlot() {
		debugLog.Printf("Rejecting %s connection from %s: server full", transport, conn.RemoteAddr())
		s.metrics.RecordConnectionRejected()
		conn.Close()
		return
	}
	if !s.track(conn) {
		s.releaseSlot()
		conn.Close()
		return
	}
	s.metrics.RecordConnectionAccepted(transport)

	go func() {
		defer s.wg.Done()
		defer s.releaseSlot()
		defer s.untrack(conn)
		s.router.Serve(conn, transport)
	}()
}

// track records conn for shutdown and adds it to the wait group. It
// refuses once the server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// serveHTTP listens on addr and serves handler until Stop
func (s *Server) serveHTTP(addr, name string, handler http.Handler) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServers = append(s.httpServers, srv)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s server error: %v", name, err)
		}
	}()

	log.Printf("%s server listening on %s", name, listener.Addr())
	return listener, nil
}
