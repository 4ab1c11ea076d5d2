package monitor

import (
	"context"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/store"
)

// processMinimal tracks seller/item presence only. New combinations are added as NEW,
// tracked ones are marked seen (UNCHECKED ones return to CHECKED); combinations that disappear are either recorded as sold (when they ever carried a
// price) or dropped from tracking.
func (e *Engine) processMinimal(ctx context.Context, items []domain.ItemObservation, c *cycle) error {
	if len(items) > 0 {
		if _, err := e.store.SaveObservations(ctx, items); err != nil {
			return err
		}
	}

	tracked, err := e.store.QueueEntries(ctx, domain.ProcessingMinimal)
	if err != nil {
		return err
	}
	known := make(map[domain.Combination]bool, len(tracked))
	for _, entry := range tracked {
		known[entry.Combination()] = true
	}

	var order []domain.Combination
	incoming := make(map[domain.Combination]bool, len(items))
	for _, item := range items {
		comb := item.Combination()
		if !incoming[comb] {
			incoming[comb] = true
			order = append(order, comb)
		}
	}

	var (
		changes     []domain.ChangeLogEntry
		created     []domain.Combination
		transitions []domain.StatusTransition
	)
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		changes, created, transitions = nil, nil, nil
		for _, comb := range order {
			// GONE rows stay known, so a sold combination is never re-added
			if known[comb] {
				current, t, err := resight(tx, comb, domain.ProcessingMinimal)
				if err != nil {
					return err
				}
				if t != nil {
					transitions = append(transitions, *t)
				}
				if current != nil {
					continue
				}
			}
			inserted, err := tx.InsertQueueEntry(comb, domain.ProcessingMinimal, domain.StatusNew)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}

			exists, err := tx.CurrentStateExists(comb)
			if err != nil {
				return err
			}
			if !exists {
				if _, err := tx.UpsertCurrentState(comb, nil, domain.StatusNew, domain.ProcessingMinimal); err != nil {
					return err
				}
			}

			entry := newChange(comb, domain.ChangeNewCombination, nil, strPtr(comb.String()))
			if err := tx.InsertChange(&entry); err != nil {
				return err
			}
			changes = append(changes, entry)
			created = append(created, comb)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, entry := range changes {
		c.addChange(entry)
	}
	c.result.NewCombinations = append(c.result.NewCombinations, created...)
	for _, t := range transitions {
		c.addTransition(t)
	}

	for _, entry := range tracked {
		comb := entry.Combination()
		if entry.Status == domain.StatusGone || incoming[comb] {
			continue
		}
		if err := e.resolveDisappeared(ctx, comb, c); err != nil {
			return err
		}
	}
	return nil
}

// resolveDisappeared handles one vanished minimal combination in a single transaction.
// The queue row is re-read inside the transaction, so a concurrent sweep that already
// removed or resolved it turns this into a no-op.
func (e *Engine) resolveDisappeared(ctx context.Context, comb domain.Combination, c *cycle) error {
	var (
		change     *domain.ChangeLogEntry
		sale       *domain.SaleRecord
		transition *domain.StatusTransition
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		change, sale, transition = nil, nil, nil

		current, err := tx.QueueEntry(comb, domain.ProcessingMinimal)
		if err != nil {
			return err
		}
		if current == nil || current.Status == domain.StatusGone {
			return nil
		}

		hasPrice, err := tx.HasPriceHistory(comb)
		if err != nil {
			return err
		}

		if !hasPrice {
			if err := tx.DeleteCombination(comb, domain.ProcessingMinimal); err != nil {
				return err
			}
			entry := newChange(comb, domain.ChangeCombinationRemoved, strPtr(comb.String()), nil)
			if err := tx.InsertChange(&entry); err != nil {
				return err
			}
			change = &entry
			return nil
		}

		if !domain.CanTransition(current.Status, domain.StatusGone) {
			e.log.Warn().
				Str("combination", comb.String()).
				Str("from", string(current.Status)).
				Msg("Skipping invalid transition to GONE")
			return nil
		}
		applied, err := tx.TransitionStatus(comb, domain.ProcessingMinimal, current.Status, domain.StatusGone)
		if err != nil || !applied {
			return err
		}
		t := transitionOf(tx, comb, domain.ProcessingMinimal, current.Status, domain.StatusGone)
		transition = &t

		last, err := tx.LastPricedObservation(comb)
		if err != nil {
			return err
		}
		record := domain.SaleRecord{
			SellerName:     comb.Seller,
			ItemName:       comb.Item,
			PreviousStatus: current.Status,
		}
		var lastPrice *string
		if last != nil {
			record.LastPrice = last.Price
			record.LastQuantity = last.Quantity
			if last.Price != nil {
				lastPrice = strPtr(domain.FormatPrice(*last.Price))
			}
		}
		if err := tx.RecordSale(&record); err != nil {
			return err
		}
		sale = &record

		entry := newChange(comb, domain.ChangeSaleDetected, lastPrice, nil)
		if err := tx.InsertChange(&entry); err != nil {
			return err
		}
		change = &entry
		return nil
	})
	if err != nil {
		return err
	}

	if change == nil {
		return nil
	}
	c.addChange(*change)
	c.result.RemovedCombinations = append(c.result.RemovedCombinations, comb)
	if transition != nil {
		c.addTransition(*transition)
	}
	if sale != nil {
		c.sales = append(c.sales, *sale)
		e.log.Info().
			Str("combination", comb.String()).
			Str("previous_status", string(sale.PreviousStatus)).
			Msg("Sale detected")
	}
	return nil
}
