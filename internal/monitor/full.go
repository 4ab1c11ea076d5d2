package monitor

import (
	"context"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/store"
)

// processFull persists full-processing items, logs price/quantity changes and
// reconciles the full queue against the previous snapshot.
func (e *Engine) processFull(ctx context.Context, items []domain.ItemObservation, c *cycle) error {
	previous, err := e.store.QueueEntries(ctx, domain.ProcessingFull)
	if err != nil {
		return err
	}

	if len(items) > 0 {
		if _, err := e.store.SaveObservations(ctx, items); err != nil {
			return err
		}
		changes, err := e.store.DetectAndLogChanges(ctx, items)
		if err != nil {
			return err
		}
		c.result.DetectedChanges = append(c.result.DetectedChanges, changes...)
	}

	// Last sighting of a combination in the round wins
	var order []domain.Combination
	latest := make(map[domain.Combination]domain.ItemObservation, len(items))
	incomingSellers := make(map[string]bool)
	for _, item := range items {
		comb := item.Combination()
		if _, seen := latest[comb]; !seen {
			order = append(order, comb)
		}
		latest[comb] = item
		incomingSellers[comb.Seller] = true
	}

	knownSellers := make(map[string]bool)
	activeBySeller := make(map[string]int)
	for _, entry := range previous {
		knownSellers[entry.SellerName] = true
		if entry.Status == domain.StatusNew || entry.Status == domain.StatusChecked {
			activeBySeller[entry.SellerName]++
		}
	}

	var (
		changes     []domain.ChangeLogEntry
		transitions []domain.StatusTransition
		created     []domain.Combination
		removed     []domain.Combination
	)
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		changes, transitions, created, removed = nil, nil, nil, nil

		logChange := func(entry domain.ChangeLogEntry) error {
			if err := tx.InsertChange(&entry); err != nil {
				return err
			}
			changes = append(changes, entry)
			return nil
		}

		announced := make(map[string]bool)
		for _, comb := range order {
			item := latest[comb]

			inserted, err := tx.InsertQueueEntry(comb, domain.ProcessingFull, domain.StatusNew)
			if err != nil {
				return err
			}

			status := domain.StatusNew
			if inserted {
				created = append(created, comb)
				if !knownSellers[comb.Seller] && !announced[comb.Seller] {
					announced[comb.Seller] = true
					if err := logChange(newChange(comb, domain.ChangeSellerNew, nil, strPtr(comb.Seller))); err != nil {
						return err
					}
				}
				if err := logChange(newChange(comb, domain.ChangeNewItem, nil, strPtr(comb.Item))); err != nil {
					return err
				}
			} else {
				current, t, err := resight(tx, comb, domain.ProcessingFull)
				if err != nil {
					return err
				}
				if current != nil {
					status = current.Status
				}
				if t != nil {
					transitions = append(transitions, *t)
				}
			}

			if _, err := tx.UpsertCurrentState(comb, item.Quantity, status, domain.ProcessingFull); err != nil {
				return err
			}
		}

		incoming := make(map[domain.Combination]bool, len(order))
		for _, comb := range order {
			incoming[comb] = true
		}

		removedBySeller := make(map[string]int)
		for _, prev := range previous {
			comb := prev.Combination()
			if incoming[comb] {
				continue
			}

			current, err := tx.QueueEntry(comb, domain.ProcessingFull)
			if err != nil {
				return err
			}
			if current == nil || (current.Status != domain.StatusNew && current.Status != domain.StatusChecked) {
				continue
			}

			applied, err := tx.TransitionStatus(comb, domain.ProcessingFull, current.Status, domain.StatusUnchecked)
			if err != nil {
				return err
			}
			if !applied {
				continue
			}

			removed = append(removed, comb)
			removedBySeller[comb.Seller]++
			transitions = append(transitions, transitionOf(tx, comb, domain.ProcessingFull, current.Status, domain.StatusUnchecked))
			if err := logChange(newChange(comb, domain.ChangeItemRemoved, strPtr(comb.Item), nil)); err != nil {
				return err
			}
		}

		for _, prev := range previous {
			seller := prev.SellerName
			count, ok := removedBySeller[seller]
			if !ok || incomingSellers[seller] || count < activeBySeller[seller] {
				continue
			}
			delete(removedBySeller, seller)
			comb := domain.Combination{Seller: seller, Item: prev.ItemName}
			if err := logChange(newChange(comb, domain.ChangeSellerRemoved, strPtr(seller), nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.result.DetectedChanges = append(c.result.DetectedChanges, changes...)
	c.result.NewCombinations = append(c.result.NewCombinations, created...)
	c.result.RemovedCombinations = append(c.result.RemovedCombinations, removed...)
	for _, t := range transitions {
		c.addTransition(t)
	}
	return nil
}

// resight records a sighting of a tracked combination and moves an UNCHECKED row back
// to CHECKED. It returns the row as it stands afterwards, or nil when it is not tracked.
func resight(tx *store.Tx, comb domain.Combination, pt domain.ProcessingType) (*domain.QueueEntry, *domain.StatusTransition, error) {
	if err := tx.MarkSeen(comb, pt); err != nil {
		return nil, nil, err
	}
	current, err := tx.QueueEntry(comb, pt)
	if err != nil || current == nil {
		return nil, nil, err
	}
	if current.Status != domain.StatusUnchecked {
		return current, nil, nil
	}

	applied, err := tx.TransitionStatus(comb, pt, domain.StatusUnchecked, domain.StatusChecked)
	if err != nil || !applied {
		return current, nil, err
	}
	t := transitionOf(tx, comb, pt, domain.StatusUnchecked, domain.StatusChecked)
	current.Status = domain.StatusChecked
	current.StatusChangedAt = t.At
	return current, &t, nil
}

func transitionOf(tx *store.Tx, comb domain.Combination, pt domain.ProcessingType, from, to domain.Status) domain.StatusTransition {
	return domain.StatusTransition{
		At:             tx.Now(),
		SellerName:     comb.Seller,
		ItemName:       comb.Item,
		From:           from,
		To:             to,
		ProcessingType: pt,
	}
}
