// Package store provides transactional persistence for observations, tracking state,
// the change log, sale records and OCR sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// Store is the single entry point for reading and writing marketwatch state.
// Every write goes through the database's retrying transaction wrapper.
type Store struct {
	db  *database.DB
	log zerolog.Logger
	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store over an already migrated database
func New(db *database.DB, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database
func (s *Store) DB() *database.DB {
	return s.db
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	return s.now()
}

// Update runs fn inside one retrying BEGIN IMMEDIATE transaction.
// fn may be invoked more than once when the database is busy, so it must not
// have side effects outside the transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithRetryingTransaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(&Tx{tx: sqlTx, now: s.now()})
	})
}

// Tx exposes the store's row-level operations inside a single transaction
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp applied to every row written in this transaction
func (t *Tx) Now() time.Time {
	return t.now
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
