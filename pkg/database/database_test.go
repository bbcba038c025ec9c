package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestRecordAndListEvents(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	require.NoError(t, db.RecordEvent(Event{SessionID: "s1", Kind: KindConnected, Username: "alice", RemoteAddr: "10.0.0.2:4000", Transport: "tcp"}))
	require.NoError(t, db.RecordEvent(Event{SessionID: "s1", Kind: KindDisconnected, Username: "alice", Transport: "tcp"}))
	require.NoError(t, db.RecordEvent(Event{SessionID: "s2", Kind: KindError, RemoteAddr: "10.0.0.3:4001", Detail: "authentication failed: invalid password"}))
	db.WriteBuffer.Flush()

	events, err := db.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first
	assert.Equal(t, KindError, events[0].Kind)
	assert.Equal(t, "authentication failed: invalid password", events[0].Detail)
	assert.Equal(t, KindConnected, events[2].Kind)
	assert.Equal(t, "10.0.0.2:4000", events[2].RemoteAddr)
	for _, ev := range events {
		assert.NotZero(t, ev.ID)
		assert.NotZero(t, ev.CreatedAt)
	}

	limited, err := db.ListEvents(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListSessionEvents(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	for _, kind := range []string{KindConnected, KindDisconnected} {
		require.NoError(t, db.RecordEvent(Event{SessionID: "bob-session", Kind: kind, Username: "bob"}))
	}
	require.NoError(t, db.RecordEvent(Event{SessionID: "other", Kind: KindConnected, Username: "carol"}))
	db.WriteBuffer.Flush()

	events, err := db.ListSessionEvents("bob-session")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindConnected, events[0].Kind)
	assert.Equal(t, KindDisconnected, events[1].Kind)

	count, err := db.CountEvents(KindConnected)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCloseFlushesPendingEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.RecordEvent(Event{SessionID: "s1", Kind: KindConnected, Username: "alice"}))
	require.NoError(t, db.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Username)
}

func TestRecordAfterCloseFails(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Close())

	err := db.RecordEvent(Event{SessionID: "late", Kind: KindConnected})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	for i := 0; i < 2; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("open #%d failed: %v", i+1, err)
		}

		var version int
		if err := db.conn.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
			t.Fatalf("failed to read schema version: %v", err)
		}
		migrations, err := loadMigrations()
		if err != nil {
			t.Fatalf("failed to load migrations: %v", err)
		}
		if want := migrations[len(migrations)-1].Version; version != want {
			t.Fatalf("expected schema version %d, got %d", want, version)
		}
		db.Close()
	}
}

func TestLoadMigrationsSorted(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "connection_events", migrations[0].Name)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}
