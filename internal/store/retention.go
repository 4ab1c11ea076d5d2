package store

import (
	"context"
	"fmt"
	"time"
)

// retentionTables are pruned by age; tracking state and sales are kept
var retentionTables = []struct {
	table  string
	column string
}{
	{"observations", "created_at"},
	{"change_log", "created_at"},
	{"ocr_sessions", "created_at"},
}

// CleanupExpired deletes observation, change log and session rows older than olderThan.
// Returns the total number of deleted rows.
func (s *Store) CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}

	var deleted int
	err := s.Update(ctx, func(tx *Tx) error {
		deleted = 0
		cutoff := toNanos(tx.Now().Add(-olderThan))
		for _, rt := range retentionTables {
			res, err := tx.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, rt.table, rt.column), cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", rt.table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired rows: %w", err)
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Dur("older_than", olderThan).Msg("Pruned expired history")
	}
	return deleted, nil
}
