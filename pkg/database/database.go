// Package database keeps a SQLite journal of connection events: who
// connected, from where, over which transport, and when they left. Chat
// text is never stored.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds stored in the journal
const (
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
	KindError        = "error"
)

// ErrClosed is returned when the journal is used after Close
var ErrClosed = errors.New("journal closed")

// Event is one row of the connection journal
type Event struct {
	ID         int64
	SessionID  string
	Kind       string
	Username   string
	RemoteAddr string
	Transport  string
	Detail     string
	CreatedAt  int64 // Unix milliseconds
}

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

// pragmas applied to every connection pool
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the journal at path, creating and migrating it if needed
func Open(path string) (*DB, error) {
	conn, err := openPool(path, 4)
	if err != nil {
		return nil, err
	}

	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)

	return db, nil
}

func openPool(path string, maxConns int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// RecordEvent queues ev for the next batched write. CreatedAt is filled in
// when zero.
func (db *DB) RecordEvent(ev Event) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nowMillis()
	}
	return db.WriteBuffer.RecordEvent(ev)
}

// ListEvents returns the most recent events, newest first
func (db *DB) ListEvents(limit int) ([]Event, error) {
	return db.queryEvents(`
		SELECT id, session_id, kind, username, remote_addr, transport, detail, created_at
		FROM connection_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// ListSessionEvents returns every event for one session, oldest first
func (db *DB) ListSessionEvents(sessionID string) ([]Event, error) {
	return db.queryEvents(`
		SELECT id, session_id, kind, username, remote_addr, transport, detail, created_at
		FROM connection_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
}

// CountEvents returns how many events of kind have been journaled
func (db *DB) CountEvents(kind string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM connection_events WHERE kind = ?`, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (db *DB) queryEvents(query string, args ...interface{}) ([]Event, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ev.Username, &ev.RemoteAddr, &ev.Transport, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close flushes pending writes and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()

	readErr := db.conn.Close()
	writeErr := db.writeConn.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
