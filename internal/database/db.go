// Package database provides the embedded SQLite connection, schema and transaction discipline.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schema.sql
var schemaSQL string

// DatabaseProfile selects the durability/speed trade-off of the connection
type DatabaseProfile string

const (
	// ProfileDurable fsyncs on every commit
	ProfileDurable DatabaseProfile = "durable"
	// ProfileStandard fsyncs at checkpoints
	ProfileStandard DatabaseProfile = "standard"
)

// DefaultBusyTimeout bounds how long a connection waits on the file lock before reporting SQLITE_BUSY
const DefaultBusyTimeout = 5 * time.Second

// DB wraps the database connection with WAL configuration and a retrying transaction wrapper
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string
	retry   RetryPolicy
	log     zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Path        string
	Profile     DatabaseProfile
	Name        string // Friendly name for logging
	BusyTimeout time.Duration
	Retry       RetryPolicy
	Log         zerolog.Logger
}

// New opens the database file, creating its directory when needed
func New(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	configureConnectionPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{
		conn:    conn,
		path:    cfg.Path,
		profile: cfg.Profile,
		name:    cfg.Name,
		retry:   cfg.Retry,
		log:     cfg.Log.With().Str("component", "database").Str("database", cfg.Name).Logger(),
	}, nil
}

// buildConnectionString creates the SQLite DSN.
// _txlock=immediate makes every BeginTx issue BEGIN IMMEDIATE so writer conflicts surface at begin.
func buildConnectionString(path string, profile DatabaseProfile, busyTimeout time.Duration) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += fmt.Sprintf("&_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())
	connStr += "&_txlock=immediate"

	switch profile {
	case ProfileDurable:
		connStr += "&_pragma=synchronous(FULL)"
	default:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	return connStr
}

// configureConnectionPool sets up the pool for a long-running single-file store
func configureConnectionPool(conn *sql.DB) {
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the database name for logging
func (db *DB) Name() string {
	return db.name
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// QueryContext executes a read query bound to ctx
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a single-row read query bound to ctx
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// columnAddition is a column introduced after its table first shipped.
// CREATE TABLE IF NOT EXISTS leaves existing tables alone, so Migrate adds these.
type columnAddition struct {
	table      string
	column     string
	definition string
	backfill   string
}

var columnAdditions = []columnAddition{
	{
		table:      "queue",
		column:     "last_seen_at",
		definition: "INTEGER NOT NULL DEFAULT 0",
		backfill:   "UPDATE queue SET last_seen_at = status_changed_at",
	},
}

// Migrate applies the embedded schema and any missing columns. Statements are idempotent.
func (db *DB) Migrate() error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to apply schema for %s: %w", db.name, err)
		}
		for _, add := range columnAdditions {
			if err := addColumnIfMissing(tx, add); err != nil {
				return fmt.Errorf("failed to migrate %s for %s: %w", add.table, db.name, err)
			}
		}
		return nil
	})
}

func addColumnIfMissing(tx *sql.Tx, add columnAddition) error {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		add.table, add.column).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect column %s: %w", add.column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", add.table, add.column, add.definition)); err != nil {
		return fmt.Errorf("failed to add column %s: %w", add.column, err)
	}
	if add.backfill != "" {
		if _, err := tx.Exec(add.backfill); err != nil {
			return fmt.Errorf("failed to backfill column %s: %w", add.column, err)
		}
	}
	return nil
}

// WithTransaction executes fn within a single transaction attempt.
// Commit on success, rollback on error or panic.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) error {
	if conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return runTx(context.Background(), conn, fn)
}

// WithRetryingTransaction runs fn inside BEGIN IMMEDIATE, retrying the whole
// transaction on lock/busy errors according to the DB's retry policy.
// The transaction is abandoned once the policy's wall-clock budget is exceeded.
func (db *DB) WithRetryingTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	attempt := 0
	return db.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := runTx(ctx, db.conn, fn)
		if err != nil && IsBusyError(err) {
			db.log.Debug().Err(err).Int("attempt", attempt).Msg("Database busy, retrying transaction")
		}
		return err
	})
}

// runTx is a scoped acquisition: every exit path either commits or rolls back.
func runTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			}
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("%w: %v", ErrTransactionTimeout, ctxErr)
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck pings the database and runs an integrity check
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint to prevent bloat.
// Modes: PASSIVE, FULL, RESTART, TRUNCATE (default).
func (db *DB) WALCheckpoint(mode string) error {
	switch mode {
	case "":
		mode = "TRUNCATE"
	case "PASSIVE", "FULL", "RESTART", "TRUNCATE":
	default:
		return fmt.Errorf("unknown WAL checkpoint mode %q", mode)
	}

	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// BackupTo writes a consistent snapshot of the database to path using VACUUM INTO
func (db *DB) BackupTo(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	_ = os.Remove(path)

	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", db.name, err)
	}
	return nil
}

// Stats returns database statistics
type Stats struct {
	SizeBytes     int64 `json:"size_bytes" msgpack:"size_bytes"`
	WALSizeBytes  int64 `json:"wal_size_bytes" msgpack:"wal_size_bytes"`
	PageCount     int64 `json:"page_count" msgpack:"page_count"`
	PageSize      int64 `json:"page_size" msgpack:"page_size"`
	FreelistCount int64 `json:"freelist_count" msgpack:"freelist_count"`
}

// GetStats retrieves database statistics
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if fileInfo, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}

	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA freelist_count").Scan(&stats.FreelistCount); err != nil {
		return nil, fmt.Errorf("failed to get freelist count: %w", err)
	}

	return stats, nil
}
