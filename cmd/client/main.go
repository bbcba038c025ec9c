package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/aeolun/lanchat/pkg/client"
	"github.com/aeolun/lanchat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	server := flag.String("server", "localhost:5555", "Server address (host:port, ws://, wss:// or ssh://)")
	username := flag.String("username", os.Getenv("USER"), "Username to join with")
	password := flag.String("password", "", "Server password (default $LANCHAT_PASSWORD)")
	knownHosts := flag.String("known-hosts", "", "known_hosts file for ssh:// servers (default ~/.lanchat/known_hosts)")
	bell := flag.Bool("bell", true, "Beep when a private message arrives")
	debugLog := flag.String("debug-log", "", "Write connection debug lines to this file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("LanChat Client %s\n", Version)
		os.Exit(0)
	}

	if *password == "" {
		*password = os.Getenv("LANCHAT_PASSWORD")
	}

	logger := log.New(io.Discard, "", log.LstdFlags|log.Lmicroseconds)
	if *debugLog != "" {
		if err := os.MkdirAll(filepath.Dir(*debugLog), 0755); err != nil {
			log.Fatalf("Failed to create log directory: %v", err)
		}
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	c, err := client.Dial(context.Background(), *server, client.Options{
		Password:       *password,
		Username:       *username,
		KnownHostsPath: *knownHosts,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to join %s: %v", *server, err)
	}
	defer c.Close()

	var notify ui.Notifier
	if *bell {
		notify = func(from, text string) {
			if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
				logger.Printf("Bell failed: %v", err)
			}
		}
	}

	p := tea.NewProgram(ui.NewModel(c, notify), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}
