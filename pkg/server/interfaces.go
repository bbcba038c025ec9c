package server

import (
	"fmt"

	"github.com/aeolun/lanchat/pkg/database"
)

// EventStore journals connection events. *database.DB implements it.
type EventStore interface {
	RecordEvent(ev database.Event) error
	Close() error
}

func openJournal(path string) (EventStore, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return db, nil
}

// journalObserver records connects, disconnects and errors. Chat traffic
// is never written.
type journalObserver struct {
	store EventStore
}

func (j journalObserver) Observe(ev Event) {
	var kind string
	switch ev.Kind {
	case EventConnected:
		kind = database.KindConnected
	case EventDisconnected:
		kind = database.KindDisconnected
	case EventError:
		kind = database.KindError
	default:
		return
	}

	row := database.Event{
		SessionID:  ev.SessionID,
		Kind:       kind,
		Username:   ev.Username,
		RemoteAddr: ev.RemoteAddr,
		Transport:  ev.Transport,
		CreatedAt:  ev.Time.UnixMilli(),
	}
	if ev.Err != nil {
		row.Detail = ev.Err.Error()
	}

	if err := j.store.RecordEvent(row); err != nil {
		debugLog.Printf("Failed to journal %s event for session %s: %v", ev.Kind, ev.SessionID, err)
	}
}
