package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
)

const queueColumns = `seller_name, item_name, processing_type, status, status_changed_at, created_at, last_seen_at`

func scanQueueEntry(row rowScanner) (*domain.QueueEntry, error) {
	var (
		e                              domain.QueueEntry
		pt, status                     string
		changedAt, createdAt, lastSeen int64
	)
	if err := row.Scan(&e.SellerName, &e.ItemName, &pt, &status, &changedAt, &createdAt, &lastSeen); err != nil {
		return nil, err
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	e.Status = st
	e.ProcessingType = domain.ProcessingType(pt)
	e.StatusChangedAt = fromNanos(changedAt)
	e.CreatedAt = fromNanos(createdAt)
	e.LastSeenAt = fromNanos(lastSeen)
	return &e, nil
}

func collectQueueEntries(rows *sql.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return entries, nil
}

// UpsertCurrentState inserts or updates the current state of a combination,
// refreshing status_changed_at and last_updated. A GONE row keeps its status.
// Returns true when a new row was created.
func (s *Store) UpsertCurrentState(ctx context.Context, seller, item string, quantity *int, status domain.Status, processingType domain.ProcessingType) (bool, error) {
	var created bool
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		created, err = tx.UpsertCurrentState(domain.Combination{Seller: seller, Item: item}, quantity, status, processingType)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert current state: %w", err)
	}
	return created, nil
}

// UpsertCurrentState is the in-transaction form of Store.UpsertCurrentState
func (t *Tx) UpsertCurrentState(c domain.Combination, quantity *int, status domain.Status, processingType domain.ProcessingType) (bool, error) {
	exists, err := t.CurrentStateExists(c)
	if err != nil {
		return false, err
	}

	now := toNanos(t.now)
	_, err = t.tx.Exec(`INSERT INTO current_state
		(seller_name, item_name, quantity, status, processing_type, status_changed_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seller_name, item_name) DO UPDATE SET
			quantity = excluded.quantity,
			processing_type = excluded.processing_type,
			status = CASE WHEN current_state.status = 'GONE' THEN current_state.status ELSE excluded.status END,
			status_changed_at = CASE WHEN current_state.status = 'GONE' THEN current_state.status_changed_at ELSE excluded.status_changed_at END,
			last_updated = excluded.last_updated`,
		c.Seller, c.Item, nullInt(quantity), string(status), string(processingType), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert current state for %s: %w", c, err)
	}
	return !exists, nil
}

// CurrentStateExists reports whether the combination has a current_state row
func (t *Tx) CurrentStateExists(c domain.Combination) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM current_state WHERE seller_name = ? AND item_name = ?)`,
		c.Seller, c.Item).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check current state for %s: %w", c, err)
	}
	return exists, nil
}

// CurrentState returns the current state row of a combination
func (s *Store) CurrentState(ctx context.Context, c domain.Combination) (*domain.CurrentSellerState, error) {
	var (
		cs                  domain.CurrentSellerState
		quantity            sql.NullInt64
		status, pt          string
		changedAt, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT seller_name, item_name, quantity, status, processing_type, status_changed_at, last_updated
		FROM current_state WHERE seller_name = ? AND item_name = ?`, c.Seller, c.Item).
		Scan(&cs.SellerName, &cs.ItemName, &quantity, &status, &pt, &changedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current state for %s: %w", c, err)
	}

	cs.Status, err = domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	cs.Quantity = intPtr(quantity)
	cs.ProcessingType = domain.ProcessingType(pt)
	cs.StatusChangedAt = fromNanos(changedAt)
	cs.LastUpdated = fromNanos(lastSeen)
	return &cs, nil
}

// SyncQueue ensures every combination in items has a queue row. Existing rows keep
// their status and status_changed_at but are marked seen; missing rows are created as NEW.
// Returns the combinations that were created.
func (s *Store) SyncQueue(ctx context.Context, items []domain.ItemObservation) ([]domain.Combination, error) {
	var created []domain.Combination
	err := s.Update(ctx, func(tx *Tx) error {
		created = created[:0]
		type key struct {
			c  domain.Combination
			pt domain.ProcessingType
		}
		seen := make(map[key]bool, len(items))
		for _, item := range items {
			c := item.Combination()
			pt := item.ProcessingType
			if pt == "" {
				pt = domain.ProcessingFull
			}
			if seen[key{c, pt}] {
				continue
			}
			seen[key{c, pt}] = true

			inserted, err := tx.InsertQueueEntry(c, pt, domain.StatusNew)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, c)
				continue
			}
			if err := tx.MarkSeen(c, pt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync queue: %w", err)
	}
	return created, nil
}

// InsertQueueEntry creates a queue row unless one already exists. Returns true when inserted.
func (t *Tx) InsertQueueEntry(c domain.Combination, pt domain.ProcessingType, status domain.Status) (bool, error) {
	now := toNanos(t.now)
	res, err := t.tx.Exec(`INSERT INTO queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seller_name, item_name, processing_type) DO NOTHING`,
		c.Seller, c.Item, string(pt), string(status), now, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert queue entry %s: %w", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records a sighting of an existing queue row without touching its status
func (t *Tx) MarkSeen(c domain.Combination, pt domain.ProcessingType) error {
	if _, err := t.tx.Exec(`UPDATE queue SET last_seen_at = ?
		WHERE seller_name = ? AND item_name = ? AND processing_type = ?`,
		toNanos(t.now), c.Seller, c.Item, string(pt)); err != nil {
		return fmt.Errorf("failed to mark %s seen: %w", c, err)
	}
	return nil
}

// QueueEntry returns the queue row of a combination, or nil when absent
func (t *Tx) QueueEntry(c domain.Combination, pt domain.ProcessingType) (*domain.QueueEntry, error) {
	e, err := scanQueueEntry(t.tx.QueryRow(`SELECT `+queueColumns+` FROM queue
		WHERE seller_name = ? AND item_name = ? AND processing_type = ?`, c.Seller, c.Item, string(pt)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entry %s: %w", c, err)
	}
	return e, nil
}

// QueueEntries lists the queue rows of one processing type inside the transaction
func (t *Tx) QueueEntries(pt domain.ProcessingType) ([]domain.QueueEntry, error) {
	rows, err := t.tx.Query(`SELECT `+queueColumns+` FROM queue WHERE processing_type = ?
		ORDER BY seller_name, item_name`, string(pt))
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	return collectQueueEntries(rows)
}

// QueueEntries lists the queue rows of one processing type ("" for all)
func (s *Store) QueueEntries(ctx context.Context, pt domain.ProcessingType) ([]domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue`
	var args []interface{}
	if pt != "" {
		query += ` WHERE processing_type = ?`
		args = append(args, string(pt))
	}
	query += ` ORDER BY seller_name, item_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	return collectQueueEntries(rows)
}

// TransitionStatus moves a queue row from one status to another and mirrors the new
// status onto current_state. The move is only applied when the row is still in the
// expected status and the transition table allows it; otherwise it returns false.
func (t *Tx) TransitionStatus(c domain.Combination, pt domain.ProcessingType, from, to domain.Status) (bool, error) {
	if _, ok := domain.ApplyTransition(from, to); !ok {
		return false, nil
	}

	now := toNanos(t.now)
	res, err := t.tx.Exec(`UPDATE queue SET status = ?, status_changed_at = ?
		WHERE seller_name = ? AND item_name = ? AND processing_type = ? AND status = ?`,
		string(to), now, c.Seller, c.Item, string(pt), string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update queue status for %s: %w", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := t.tx.Exec(`UPDATE current_state SET status = ?, status_changed_at = ?, last_updated = ?
		WHERE seller_name = ? AND item_name = ? AND status != 'GONE' AND status != ?`,
		string(to), now, now, c.Seller, c.Item, string(to)); err != nil {
		return false, fmt.Errorf("failed to update current state status for %s: %w", c, err)
	}
	return true, nil
}

// SetStatus transitions a combination's queue row to status if the transition table
// allows it from the row's present status. Returns whether a change was applied.
func (s *Store) SetStatus(ctx context.Context, c domain.Combination, pt domain.ProcessingType, status domain.Status) (bool, error) {
	var applied bool
	err := s.Update(ctx, func(tx *Tx) error {
		entry, err := tx.QueueEntry(c, pt)
		if err != nil || entry == nil {
			applied = false
			return err
		}
		applied, err = tx.TransitionStatus(c, pt, entry.Status, status)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to set status: %w", err)
	}
	return applied, nil
}

// DeleteCombination removes the queue row for pt and, when no other queue row
// references the combination, its current_state row.
func (t *Tx) DeleteCombination(c domain.Combination, pt domain.ProcessingType) error {
	if _, err := t.tx.Exec(`DELETE FROM queue WHERE seller_name = ? AND item_name = ? AND processing_type = ?`,
		c.Seller, c.Item, string(pt)); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", c, err)
	}

	if _, err := t.tx.Exec(`DELETE FROM current_state WHERE seller_name = ? AND item_name = ?
		AND NOT EXISTS (SELECT 1 FROM queue WHERE seller_name = ? AND item_name = ?)`,
		c.Seller, c.Item, c.Seller, c.Item); err != nil {
		return fmt.Errorf("failed to delete current state %s: %w", c, err)
	}
	return nil
}

// DeleteCombination removes a combination from tracking
func (s *Store) DeleteCombination(ctx context.Context, c domain.Combination, pt domain.ProcessingType) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.DeleteCombination(c, pt)
	})
}

// PromotableEntries lists NEW queue rows whose combination has at least one observation
func (s *Store) PromotableEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue q
		WHERE q.status = 'NEW' AND EXISTS (
			SELECT 1 FROM observations o WHERE o.seller_name = q.seller_name AND o.item_name = q.item_name)
		ORDER BY q.status_changed_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotable entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// EntriesChangedBefore lists queue rows in status whose status_changed_at is before cutoff
func (s *Store) EntriesChangedBefore(ctx context.Context, status domain.Status, cutoff time.Time) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue
		WHERE status = ? AND status_changed_at < ? ORDER BY status_changed_at`,
		string(status), toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s entries: %w", status, err)
	}
	return collectQueueEntries(rows)
}

// UnseenEntries lists queue rows in status that have neither changed status nor been
// seen since cutoff
func (s *Store) UnseenEntries(ctx context.Context, status domain.Status, cutoff time.Time) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue
		WHERE status = ? AND status_changed_at < ? AND last_seen_at < ?
		ORDER BY status_changed_at`,
		string(status), toNanos(cutoff), toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query unseen %s entries: %w", status, err)
	}
	return collectQueueEntries(rows)
}

// InactiveEntries lists UNCHECKED queue rows neither changed nor seen since cutoff
func (s *Store) InactiveEntries(ctx context.Context, cutoff time.Time) ([]domain.QueueEntry, error) {
	return s.UnseenEntries(ctx, domain.StatusUnchecked, cutoff)
}

// StatusSummary counts current_state rows per status
func (s *Store) StatusSummary(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM current_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		summary[st] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status summary: %w", err)
		}
		st, err := domain.ParseStatus(status)
		if err != nil {
			s.log.Warn().Str("status", status).Msg("Skipping unknown status in summary")
			continue
		}
		summary[st] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status summary: %w", err)
	}
	return summary, nil
}
