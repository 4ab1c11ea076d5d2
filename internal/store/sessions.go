package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/google/uuid"
)

// CreateOcrSession records a pending OCR round
func (s *Store) CreateOcrSession(ctx context.Context, hotkey string, pt domain.ProcessingType) (*domain.OcrSession, error) {
	session := &domain.OcrSession{
		ID:             uuid.New().String(),
		Hotkey:         hotkey,
		ProcessingType: pt,
		Status:         domain.SessionPending,
	}

	err := s.Update(ctx, func(tx *Tx) error {
		session.CreatedAt = tx.Now()
		session.UpdatedAt = tx.Now()
		_, err := tx.tx.Exec(`INSERT INTO ocr_sessions (id, hotkey, processing_type, item_count, duration_ms, status, error, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, ?, NULL, ?, ?)`,
			session.ID, hotkey, string(pt), string(session.Status), toNanos(session.CreatedAt), toNanos(session.UpdatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ocr session: %w", err)
	}
	return session, nil
}

// SessionUpdate carries the mutable fields of an OCR session
type SessionUpdate struct {
	Status    domain.SessionStatus
	ItemCount int
	Duration  time.Duration
	Error     error
}

// UpdateOcrSession records progress or the outcome of an OCR round
func (s *Store) UpdateOcrSession(ctx context.Context, id string, update SessionUpdate) error {
	var errMsg sql.NullString
	if update.Error != nil {
		errMsg = sql.NullString{String: update.Error.Error(), Valid: true}
	}

	err := s.Update(ctx, func(tx *Tx) error {
		res, err := tx.tx.Exec(`UPDATE ocr_sessions
			SET status = ?, item_count = ?, duration_ms = ?, error = ?, updated_at = ?
			WHERE id = ?`,
			string(update.Status), update.ItemCount, update.Duration.Milliseconds(), errMsg, toNanos(tx.Now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update ocr session %s: %w", id, err)
	}
	return nil
}

// GetOcrSession looks up a session by id
func (s *Store) GetOcrSession(ctx context.Context, id string) (*domain.OcrSession, error) {
	var (
		session              domain.OcrSession
		pt, status           string
		errMsg               sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, hotkey, processing_type, item_count, duration_ms, status, error, created_at, updated_at
		FROM ocr_sessions WHERE id = ?`, id).
		Scan(&session.ID, &session.Hotkey, &pt, &session.ItemCount, &session.DurationMillis, &status, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ocr session %s: %w", id, err)
	}

	session.ProcessingType = domain.ProcessingType(pt)
	session.Status = domain.SessionStatus(status)
	session.Error = stringPtr(errMsg)
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updatedAt)
	return &session, nil
}
