package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aeolun/lanchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.lanchat/server.toml", "Path to config file")
	host := flag.String("host", "", "Address to bind (overrides config)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	password := flag.String("password", "", "Shared chat password (overrides config and $LANCHAT_PASSWORD)")
	journalPath := flag.String("journal", "", "Path to SQLite connection journal (overrides config)")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("LanChat Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath := *configPath
	if strings.HasPrefix(resolvedConfigPath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		resolvedConfigPath = filepath.Join(homeDir, resolvedConfigPath[2:])
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Precedence: flag, then environment, then config file
	if *host != "" {
		config.Server.Host = *host
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if env := os.Getenv("LANCHAT_PASSWORD"); env != "" {
		config.Auth.Password = env
	}
	if *password != "" {
		config.Auth.Password = *password
	}
	if *journalPath != "" {
		config.Observability.JournalPath = *journalPath
	}

	if err := server.InitLogging(config.Observability.ErrorLog); err != nil {
		log.Printf("Warning: failed to open error log %s: %v", config.Observability.ErrorLog, err)
	}

	finalJournalPath, err := config.GetJournalPath()
	if err != nil {
		log.Fatalf("Failed to resolve journal path: %v", err)
	}
	if finalJournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(finalJournalPath), 0755); err != nil {
			log.Fatalf("Failed to create journal directory: %v", err)
		}
	}

	serverConfig := config.ToServerConfig()
	serverConfig.JournalPath = finalJournalPath

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		if errors.Is(err, server.ErrNoPassword) {
			log.Fatalf("No password configured: set auth.password in %s, LANCHAT_PASSWORD or -password", resolvedConfigPath)
		}
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)
	if finalJournalPath != "" {
		log.Printf("Journal: %s", finalJournalPath)
	} else {
		log.Printf("Journal disabled")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("LanChat server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.WebSocketAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
	}
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: ssh://%s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	}
	if addr := srv.MetricsAddr(); addr != nil {
		log.Printf("Metrics: http://%s/metrics", addr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
