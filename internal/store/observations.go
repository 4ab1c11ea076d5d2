package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/marketwatch/internal/domain"
)

const observationColumns = `id, seller_name, item_name, price, quantity, item_id, hotkey, processing_type, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(row rowScanner) (*domain.ItemObservation, error) {
	var (
		o         domain.ItemObservation
		price     sql.NullFloat64
		quantity  sql.NullInt64
		itemID    sql.NullString
		pt        string
		createdAt int64
	)
	if err := row.Scan(&o.ID, &o.SellerName, &o.ItemName, &price, &quantity, &itemID, &o.Hotkey, &pt, &createdAt); err != nil {
		return nil, err
	}
	o.Price = floatPtr(price)
	o.Quantity = intPtr(quantity)
	o.ItemID = stringPtr(itemID)
	o.ProcessingType = domain.ProcessingType(pt)
	o.ObservedAt = fromNanos(createdAt)
	return &o, nil
}

// SaveObservations appends items to the observation history in one transaction.
// Either every item is written or none is. On success the ID and ObservedAt of
// each element of items are filled in.
func (s *Store) SaveObservations(ctx context.Context, items []domain.ItemObservation) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	saved := make([]domain.ItemObservation, len(items))
	err := s.Update(ctx, func(tx *Tx) error {
		copy(saved, items)
		for i := range saved {
			if err := tx.InsertObservation(&saved[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save observations: %w", err)
	}

	copy(items, saved)
	return len(items), nil
}

// InsertObservation appends one observation, assigning its ID and timestamp
func (t *Tx) InsertObservation(o *domain.ItemObservation) error {
	if o.SellerName == "" || o.ItemName == "" {
		return fmt.Errorf("observation requires seller and item names")
	}
	if o.ProcessingType == "" {
		o.ProcessingType = domain.ProcessingFull
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = t.now
	}

	res, err := t.tx.Exec(`INSERT INTO observations
		(seller_name, item_name, price, quantity, item_id, hotkey, processing_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SellerName, o.ItemName, nullFloat(o.Price), nullInt(o.Quantity), nullString(o.ItemID),
		o.Hotkey, string(o.ProcessingType), toNanos(o.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation %s/%s: %w", o.SellerName, o.ItemName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read observation id: %w", err)
	}
	o.ID = id
	return nil
}

// PriorObservation returns the observation recorded immediately before o for the
// same combination and processing type, or nil if there is none.
// The autoincrement id orders rows, so writes sharing a timestamp stay ordered.
func (t *Tx) PriorObservation(o domain.ItemObservation) (*domain.ItemObservation, error) {
	var row *sql.Row
	if o.ID > 0 {
		row = t.tx.QueryRow(`SELECT `+observationColumns+` FROM observations
			WHERE seller_name = ? AND item_name = ? AND processing_type = ? AND id < ?
			ORDER BY id DESC LIMIT 1`,
			o.SellerName, o.ItemName, string(o.ProcessingType), o.ID)
	} else {
		// Not yet saved by us: skip the most recent row, which is the one just written
		row = t.tx.QueryRow(`SELECT `+observationColumns+` FROM observations
			WHERE seller_name = ? AND item_name = ? AND processing_type = ?
			ORDER BY id DESC LIMIT 1 OFFSET 1`,
			o.SellerName, o.ItemName, string(o.ProcessingType))
	}

	prior, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prior observation: %w", err)
	}
	return prior, nil
}

// HasPriceHistory reports whether the combination was ever observed with a price
func (t *Tx) HasPriceHistory(c domain.Combination) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`SELECT EXISTS(
		SELECT 1 FROM observations WHERE seller_name = ? AND item_name = ? AND price IS NOT NULL)`,
		c.Seller, c.Item).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check price history for %s: %w", c, err)
	}
	return exists, nil
}

// LastPricedObservation returns the most recent observation carrying a price, or nil
func (t *Tx) LastPricedObservation(c domain.Combination) (*domain.ItemObservation, error) {
	o, err := scanObservation(t.tx.QueryRow(`SELECT `+observationColumns+` FROM observations
		WHERE seller_name = ? AND item_name = ? AND price IS NOT NULL
		ORDER BY id DESC LIMIT 1`, c.Seller, c.Item))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last priced observation for %s: %w", c, err)
	}
	return o, nil
}

// DetectAndLogChanges compares each item with its prior observation and appends a
// change log entry for every differing non-null price or quantity. Items are expected
// to have been saved already; the comparison skips the row just written.
func (s *Store) DetectAndLogChanges(ctx context.Context, current []domain.ItemObservation) ([]domain.ChangeLogEntry, error) {
	if len(current) == 0 {
		return nil, nil
	}

	var changes []domain.ChangeLogEntry
	err := s.Update(ctx, func(tx *Tx) error {
		changes = changes[:0]
		for _, item := range current {
			prior, err := tx.PriorObservation(item)
			if err != nil {
				return err
			}
			if prior == nil {
				continue
			}

			for _, entry := range diffObservations(*prior, item) {
				entry := entry
				if err := tx.InsertChange(&entry); err != nil {
					return err
				}
				changes = append(changes, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes: %w", err)
	}
	return changes, nil
}

func diffObservations(prior, current domain.ItemObservation) []domain.ChangeLogEntry {
	var entries []domain.ChangeLogEntry

	if prior.Price != nil && current.Price != nil && *prior.Price != *current.Price {
		ct := domain.ChangePriceIncrease
		if *current.Price < *prior.Price {
			ct = domain.ChangePriceDecrease
		}
		oldV, newV := domain.FormatPrice(*prior.Price), domain.FormatPrice(*current.Price)
		entries = append(entries, domain.ChangeLogEntry{
			SellerName: current.SellerName,
			ItemName:   current.ItemName,
			ChangeType: ct,
			OldValue:   &oldV,
			NewValue:   &newV,
		})
	}

	if prior.Quantity != nil && current.Quantity != nil && *prior.Quantity != *current.Quantity {
		ct := domain.ChangeQuantityIncrease
		if *current.Quantity < *prior.Quantity {
			ct = domain.ChangeQuantityDecrease
		}
		oldV, newV := domain.FormatQuantity(*prior.Quantity), domain.FormatQuantity(*current.Quantity)
		entries = append(entries, domain.ChangeLogEntry{
			SellerName: current.SellerName,
			ItemName:   current.ItemName,
			ChangeType: ct,
			OldValue:   &oldV,
			NewValue:   &newV,
		})
	}

	return entries
}

// LastObservation returns the newest observation of a combination
func (s *Store) LastObservation(ctx context.Context, c domain.Combination) (*domain.ItemObservation, error) {
	o, err := scanObservation(s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations
		WHERE seller_name = ? AND item_name = ? ORDER BY id DESC LIMIT 1`, c.Seller, c.Item))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last observation for %s: %w", c, err)
	}
	return o, nil
}

// HasPriceHistory reports whether the combination was ever observed with a price
func (s *Store) HasPriceHistory(ctx context.Context, c domain.Combination) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM observations WHERE seller_name = ? AND item_name = ? AND price IS NOT NULL)`,
		c.Seller, c.Item).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check price history for %s: %w", c, err)
	}
	return exists, nil
}
