package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
)

// InsertChange appends a change log entry, assigning its ID and timestamp
func (t *Tx) InsertChange(e *domain.ChangeLogEntry) error {
	if !e.ChangeType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownChangeType, e.ChangeType)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now
	}

	res, err := t.tx.Exec(`INSERT INTO change_log (seller_name, item_name, change_type, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SellerName, e.ItemName, string(e.ChangeType), nullString(e.OldValue), nullString(e.NewValue), toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert %s change for %s/%s: %w", e.ChangeType, e.SellerName, e.ItemName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read change id: %w", err)
	}
	e.ID = id
	return nil
}

// ChangeLoggedSince reports whether a change of type ct was logged for c at or after since
func (t *Tx) ChangeLoggedSince(c domain.Combination, ct domain.ChangeType, since time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM change_log
		WHERE seller_name = ? AND item_name = ? AND change_type = ? AND created_at >= ?)`,
		c.Seller, c.Item, string(ct), toNanos(since)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check change log for %s: %w", c, err)
	}
	return exists, nil
}

// RecordSale appends a sale record, assigning its ID and timestamp
func (t *Tx) RecordSale(r *domain.SaleRecord) error {
	if r.DetectedAt.IsZero() {
		r.DetectedAt = t.now
	}

	res, err := t.tx.Exec(`INSERT INTO sale_log (seller_name, item_name, last_price, last_quantity, previous_status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SellerName, r.ItemName, nullFloat(r.LastPrice), nullInt(r.LastQuantity), string(r.PreviousStatus), toNanos(r.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to record sale for %s/%s: %w", r.SellerName, r.ItemName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read sale id: %w", err)
	}
	r.ID = id
	return nil
}

// InsertChange appends a single change log entry in its own transaction
func (s *Store) InsertChange(ctx context.Context, e *domain.ChangeLogEntry) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.InsertChange(e)
	})
}

// RecordSale appends a single sale record in its own transaction
func (s *Store) RecordSale(ctx context.Context, r *domain.SaleRecord) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.RecordSale(r)
	})
}

// ChangeFilter narrows RecentChanges
type ChangeFilter struct {
	Seller     string
	Item       string
	ChangeType domain.ChangeType
	Limit      int
}

// RecentChanges returns the newest change log entries first
func (s *Store) RecentChanges(ctx context.Context, filter ChangeFilter) ([]domain.ChangeLogEntry, error) {
	query := `SELECT id, seller_name, item_name, change_type, old_value, new_value, created_at FROM change_log WHERE 1=1`
	var args []interface{}
	if filter.Seller != "" {
		query += ` AND seller_name = ?`
		args = append(args, filter.Seller)
	}
	if filter.Item != "" {
		query += ` AND item_name = ?`
		args = append(args, filter.Item)
	}
	if filter.ChangeType != "" {
		query += ` AND change_type = ?`
		args = append(args, string(filter.ChangeType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var entries []domain.ChangeLogEntry
	for rows.Next() {
		var (
			e         domain.ChangeLogEntry
			ct        string
			oldV      sql.NullString
			newV      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.SellerName, &e.ItemName, &ct, &oldV, &newV, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		e.ChangeType, err = domain.ParseChangeType(ct)
		if err != nil {
			s.log.Warn().Err(err).Int64("id", e.ID).Msg("Skipping change log entry with unknown type")
			continue
		}
		e.OldValue = stringPtr(oldV)
		e.NewValue = stringPtr(newV)
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}
	return entries, nil
}

// RecentSales returns the newest sale records first
func (s *Store) RecentSales(ctx context.Context, limit int) ([]domain.SaleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, seller_name, item_name, last_price, last_quantity, previous_status, detected_at
		FROM sale_log ORDER BY id DESC LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sale log: %w", err)
	}
	defer rows.Close()

	var sales []domain.SaleRecord
	for rows.Next() {
		var (
			r          domain.SaleRecord
			price      sql.NullFloat64
			quantity   sql.NullInt64
			prevStatus string
			detectedAt int64
		)
		if err := rows.Scan(&r.ID, &r.SellerName, &r.ItemName, &price, &quantity, &prevStatus, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sale record: %w", err)
		}
		r.LastPrice = floatPtr(price)
		r.LastQuantity = intPtr(quantity)
		r.PreviousStatus = domain.Status(prevStatus)
		r.DetectedAt = fromNanos(detectedAt)
		sales = append(sales, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sale log: %w", err)
	}
	return sales, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
