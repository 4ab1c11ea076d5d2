package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/events"
	"github.com/aristath/marketwatch/internal/store"
)

// ProcessStatusTransitions promotes NEW entries that have been observed to CHECKED and
// demotes CHECKED entries neither changed nor seen for StatusTransitionDelay to UNCHECKED.
func (e *Engine) ProcessStatusTransitions(ctx context.Context) ([]domain.StatusTransition, error) {
	now := e.store.Now()

	var applied []domain.StatusTransition

	promotable, err := e.store.PromotableEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range promotable {
		t, err := e.transition(ctx, entry, domain.StatusChecked, func(cur domain.QueueEntry) bool {
			return cur.Status == domain.StatusNew
		})
		if err != nil {
			return applied, err
		}
		if t != nil {
			applied = append(applied, *t)
		}
	}

	cutoff := now.Add(-e.cfg.StatusTransitionDelay)
	stale, err := e.store.UnseenEntries(ctx, domain.StatusChecked, cutoff)
	if err != nil {
		return applied, err
	}
	for _, entry := range stale {
		t, err := e.transition(ctx, entry, domain.StatusUnchecked, func(cur domain.QueueEntry) bool {
			return cur.Status == domain.StatusChecked && cur.StatusChangedAt.Before(cutoff) && cur.LastSeenAt.Before(cutoff)
		})
		if err != nil {
			return applied, err
		}
		if t != nil {
			applied = append(applied, *t)
		}
	}

	e.mu.Lock()
	e.lastStatusCheck = now
	e.stats.StatusTransitions += int64(len(applied))
	e.mu.Unlock()

	if len(applied) > 0 {
		e.log.Debug().Int("count", len(applied)).Msg("Applied status transitions")
		if e.bus != nil {
			e.bus.Publish("monitor", &events.StatusTransitionedData{Transitions: applied})
		}
	}
	return applied, nil
}

// transition re-reads entry inside a transaction and moves it to `to` when still
// eligible. Entries that changed underneath are skipped; disallowed moves are logged.
func (e *Engine) transition(ctx context.Context, entry domain.QueueEntry, to domain.Status, eligible func(domain.QueueEntry) bool) (*domain.StatusTransition, error) {
	comb := entry.Combination()

	var result *domain.StatusTransition
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		result = nil

		current, err := tx.QueueEntry(comb, entry.ProcessingType)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if !domain.CanTransition(current.Status, to) {
			e.log.Warn().
				Str("combination", comb.String()).
				Str("from", string(current.Status)).
				Str("to", string(to)).
				Msg("Skipping invalid status transition")
			return nil
		}
		if !eligible(*current) {
			return nil
		}

		ok, err := tx.TransitionStatus(comb, entry.ProcessingType, current.Status, to)
		if err != nil || !ok {
			return err
		}
		t := transitionOf(tx, comb, entry.ProcessingType, current.Status, to)
		result = &t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to transition %s to %s: %w", comb, to, err)
	}
	return result, nil
}

// RemoveInactiveCombinations deletes UNCHECKED combinations that have neither changed
// status nor been seen for olderThanDays days. An ITEM_REMOVED entry is logged unless one was already logged
// for the combination within that window.
func (e *Engine) RemoveInactiveCombinations(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("olderThanDays must be positive, got %d", olderThanDays)
	}
	cutoff := e.store.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	entries, err := e.store.InactiveEntries(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		comb := entry.Combination()
		var deleted bool
		err := e.store.Update(ctx, func(tx *store.Tx) error {
			deleted = false

			current, err := tx.QueueEntry(comb, entry.ProcessingType)
			if err != nil {
				return err
			}
			if current == nil || current.Status != domain.StatusUnchecked ||
				!current.StatusChangedAt.Before(cutoff) || !current.LastSeenAt.Before(cutoff) {
				return nil
			}

			logged, err := tx.ChangeLoggedSince(comb, domain.ChangeItemRemoved, cutoff)
			if err != nil {
				return err
			}
			if !logged {
				change := newChange(comb, domain.ChangeItemRemoved, strPtr(comb.Item), nil)
				if err := tx.InsertChange(&change); err != nil {
					return err
				}
			}

			if err := tx.DeleteCombination(comb, entry.ProcessingType); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if err != nil {
			e.recordError()
			return removed, fmt.Errorf("failed to remove inactive %s: %w", comb, err)
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		e.log.Info().Int("removed", removed).Int("older_than_days", olderThanDays).Msg("Removed inactive combinations")
	}
	return removed, nil
}
