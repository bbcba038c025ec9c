package server

import (
	"errors"
	"log"
	"time"

	"github.com/aeolun/lanchat/pkg/protocol"
)

// EventKind identifies what happened to a session
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventBroadcast
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventBroadcast:
		return "broadcast"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event describes one observable step of the routing engine.
// For a private message Kind is EventBroadcast and Target is set.
type Event struct {
	Kind       EventKind
	SessionID  string
	Username   string
	Target     string
	RemoteAddr string
	Transport  string
	Text       string
	Err        error
	Time       time.Time
}

// Observer receives routing events. Observe is called synchronously from
// session goroutines and must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

// Observe calls f(ev)
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

// Observers fans one event out to several observers in order
type Observers []Observer

// Observe forwards ev to every observer
func (o Observers) Observe(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ev)
		}
	}
}

// LogObserver writes one human-readable line per event
type LogObserver struct {
	Logger *log.Logger // nil uses the standard logger
}

// Observe implements Observer
func (l LogObserver) Observe(ev Event) {
	printf := log.Printf
	if l.Logger != nil {
		printf = l.Logger.Printf
	}

	name := ev.Username
	if name == "" {
		name = "Unknown"
	}

	switch ev.Kind {
	case EventConnected:
		printf("👤 %s connected from %s via %s (session %s)", name, ev.RemoteAddr, ev.Transport, ev.SessionID)
	case EventDisconnected:
		printf("🛑 %s disconnected.", name)
	case EventBroadcast:
		if ev.Target != "" {
			printf("[Private] %s → %s: %s", name, ev.Target, ev.Text)
			return
		}
		printf("%s", ev.Text)
	case EventError:
		if errors.Is(ev.Err, protocol.ErrAuth) {
			printf("❌ Connection from %s rejected: %v", ev.RemoteAddr, ev.Err)
			return
		}
		printf("⚠️ Connection error with %s (%s): %v", ev.RemoteAddr, name, ev.Err)
	}
}
