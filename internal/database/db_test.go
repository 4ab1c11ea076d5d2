package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a temporary migrated database.
func setupTestDB(t *testing.T, cfg Config) (*DB, string, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_database_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	cfg.Path = tmpPath
	cfg.Name = "test"
	cfg.Log = zerolog.Nop()
	db, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	cleanup := func() {
		_ = db.Close()
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
	return db, tmpPath, cleanup
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func insertSession(tx *sql.Tx, id string) error {
	now := time.Now().UnixNano()
	_, err := tx.Exec(`INSERT INTO ocr_sessions (id, hotkey, status, created_at, updated_at)
		VALUES (?, 'F1', 'pending', ?, ?)`, id, now, now)
	return err
}

func TestNew_AppliesWALAndMigrates(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	for _, table := range []string{"observations", "current_state", "queue", "change_log", "sale_log", "ocr_sessions"} {
		assert.Equal(t, 0, countRows(t, db, table), table)
	}

	// Idempotent
	require.NoError(t, db.Migrate())
}

func TestMigrate_AddsQueueLastSeenToExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := New(Config{Path: filepath.Join(dir, "old.db"), Name: "old", Log: zerolog.Nop()})
	require.NoError(t, err)
	defer db.Close()

	// Queue table as created before last_seen_at existed
	_, err = db.Exec(`CREATE TABLE queue (
		seller_name TEXT NOT NULL,
		item_name TEXT NOT NULL,
		processing_type TEXT NOT NULL,
		status TEXT NOT NULL,
		status_changed_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO queue VALUES ('Bob', 'Sword', 'full', 'CHECKED', 42, 7)`)
	require.NoError(t, err)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	var lastSeen int64
	require.NoError(t, db.QueryRow(`SELECT last_seen_at FROM queue WHERE item_name = 'Sword'`).Scan(&lastSeen))
	assert.Equal(t, int64(42), lastSeen)
}

func TestWithRetryingTransaction_Commits(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	err := db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		return insertSession(tx, "a")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "ocr_sessions"))
}

func TestWithRetryingTransaction_RollsBackOnError(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	boom := errors.New("boom")
	err := db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		require.NoError(t, insertSession(tx, "a"))
		require.NoError(t, insertSession(tx, "b"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, db, "ocr_sessions"))
}

func TestWithRetryingTransaction_RollsBackOnConstraintViolation(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	attempts := 0
	err := db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if err := insertSession(tx, "dup"); err != nil {
			return err
		}
		return insertSession(tx, "dup")
	})
	require.Error(t, err)
	assert.False(t, IsBusyError(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, countRows(t, db, "ocr_sessions"))
}

func TestWithRetryingTransaction_RecoversPanic(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	err := db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		require.NoError(t, insertSession(tx, "a"))
		panic("bad record")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad record")
	assert.Equal(t, 0, countRows(t, db, "ocr_sessions"))

	// Connection is usable afterwards
	require.NoError(t, db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		return insertSession(tx, "b")
	}))
	assert.Equal(t, 1, countRows(t, db, "ocr_sessions"))
}

func TestWithRetryingTransaction_RetriesBusyThenPersistsWholeBatch(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{
		Retry: RetryPolicy{MaxRetries: 4, BaseDelay: time.Millisecond, Budget: 5 * time.Second},
	})
	defer cleanup()

	attempts := 0
	err := db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if err := insertSession(tx, "s1"); err != nil {
			return err
		}
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return insertSession(tx, "s2")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, countRows(t, db, "ocr_sessions"))
}

func TestWithRetryingTransaction_WaitsForCompetingWriter(t *testing.T) {
	db, path, cleanup := setupTestDB(t, Config{
		BusyTimeout: 10 * time.Millisecond,
		Retry:       RetryPolicy{MaxRetries: 10, BaseDelay: 10 * time.Millisecond, Budget: 10 * time.Second},
	})
	defer cleanup()

	other, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10)")
	require.NoError(t, err)
	defer other.Close()

	ctx := context.Background()
	lockConn, err := other.Conn(ctx)
	require.NoError(t, err)
	defer lockConn.Close()

	_, err = lockConn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = lockConn.ExecContext(ctx, "COMMIT")
		close(released)
	}()

	err = db.WithRetryingTransaction(ctx, func(tx *sql.Tx) error {
		return insertSession(tx, "after-lock")
	})
	<-released
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "ocr_sessions"))
}

func TestWALCheckpoint(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	assert.NoError(t, db.WALCheckpoint(""))
	assert.NoError(t, db.WALCheckpoint("PASSIVE"))
	assert.Error(t, db.WALCheckpoint("SOMETIMES"))
}

func TestHealthCheckAndStats(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{Profile: ProfileDurable})
	defer cleanup()

	require.NoError(t, db.HealthCheck(context.Background()))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}

func TestBackupTo(t *testing.T) {
	db, _, cleanup := setupTestDB(t, Config{})
	defer cleanup()

	require.NoError(t, db.WithRetryingTransaction(context.Background(), func(tx *sql.Tx) error {
		return insertSession(tx, "snap")
	}))

	target := filepath.Join(t.TempDir(), "backups", "snapshot.db")
	require.NoError(t, db.BackupTo(context.Background(), target))

	copyDB, err := New(Config{Path: target, Name: "copy", Log: zerolog.Nop()})
	require.NoError(t, err)
	defer copyDB.Close()
	assert.Equal(t, 1, countRows(t, copyDB, "ocr_sessions"))
}
