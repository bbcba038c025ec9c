package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches journal inserts so the connection goroutines never
// wait on SQLite
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Event
	closed  bool

	flushMu  sync.Mutex // Serialises flushes
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]Event, 0, 64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// RecordEvent queues an event insert
func (wb *WriteBuffer) RecordEvent(ev Event) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.closed {
		return ErrClosed
	}
	wb.pending = append(wb.pending, ev)
	return nil
}

// Pending returns the number of queued events
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			wb.Flush()
			return
		}
	}
}

// Flush writes all queued events in a single transaction. On failure the
// events are put back for the next attempt.
func (wb *WriteBuffer) Flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]Event, 0, 64)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := wb.write(batch); err != nil {
		log.Printf("WriteBuffer: failed to write %d events: %v", len(batch), err)
		wb.mu.Lock()
		wb.pending = append(batch, wb.pending...)
		wb.mu.Unlock()
		return
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d events in %v", len(batch), elapsed)
	}
}

func (wb *WriteBuffer) write(batch []Event) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO connection_events (id, session_id, kind, username, remote_addr, transport, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		id := ev.ID
		if id == 0 {
			id = wb.db.snowflake.NextID()
		}
		if _, err := stmt.Exec(id, ev.SessionID, ev.Kind, ev.Username, ev.RemoteAddr, ev.Transport, ev.Detail, ev.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close stops accepting events and flushes what is queued
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
