// Package monitor implements the monitoring engine: it applies parsed OCR rounds to the
// store, drives the per-combination status lifecycle and infers sales.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/events"
	"github.com/aristath/marketwatch/internal/store"
	"github.com/rs/zerolog"
)

// Config holds engine timing parameters
type Config struct {
	// StatusTransitionDelay is how long a CHECKED combination may go unseen before it becomes UNCHECKED.
	StatusTransitionDelay time.Duration
	// StatusCheckInterval is how often Process also runs ProcessStatusTransitions (0 disables).
	StatusCheckInterval time.Duration
}

// DefaultConfig returns a 300s transition delay and a 60s status check interval
func DefaultConfig() Config {
	return Config{
		StatusTransitionDelay: 300 * time.Second,
		StatusCheckInterval:   60 * time.Second,
	}
}

// Stats is a snapshot of the engine's counters
type Stats struct {
	LastStatusCheck     time.Time `json:"last_status_check" msgpack:"last_status_check"`
	LastCycle           time.Time `json:"last_cycle" msgpack:"last_cycle"`
	Cycles              int64     `json:"cycles" msgpack:"cycles"`
	ItemsProcessed      int64     `json:"items_processed" msgpack:"items_processed"`
	ItemsSkipped        int64     `json:"items_skipped" msgpack:"items_skipped"`
	ChangesDetected     int64     `json:"changes_detected" msgpack:"changes_detected"`
	NewCombinations     int64     `json:"new_combinations" msgpack:"new_combinations"`
	RemovedCombinations int64     `json:"removed_combinations" msgpack:"removed_combinations"`
	SalesDetected       int64     `json:"sales_detected" msgpack:"sales_detected"`
	StatusTransitions   int64     `json:"status_transitions" msgpack:"status_transitions"`
	Errors              int64     `json:"errors" msgpack:"errors"`
}

// Engine turns parsed OCR rounds into store updates. All authoritative state lives in
// the store, so an Engine can be discarded and rebuilt at any time.
type Engine struct {
	store *store.Store
	bus   *events.Bus
	cfg   Config
	log   zerolog.Logger

	mu              sync.Mutex
	lastStatusCheck time.Time
	stats           Stats
}

// NewEngine creates an engine over st. bus may be nil.
func NewEngine(st *store.Store, bus *events.Bus, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:           st,
		bus:             bus,
		cfg:             cfg,
		log:             log.With().Str("component", "monitor").Logger(),
		lastStatusCheck: st.Now(),
	}
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.LastStatusCheck = e.lastStatusCheck
	return s
}

// cycle accumulates the outcome of one Process call
type cycle struct {
	result domain.ChangeDetection
	sales  []domain.SaleRecord
}

func (c *cycle) addChange(entry domain.ChangeLogEntry) {
	c.result.DetectedChanges = append(c.result.DetectedChanges, entry)
}

func (c *cycle) addTransition(t domain.StatusTransition) {
	c.result.StatusTransitions = append(c.result.StatusTransitions, t)
}

// Process applies one OCR round. Items are grouped by processing type: full items are
// persisted and diffed against their history, minimal items drive presence tracking.
// A store failure aborts the cycle and is returned instead of a partial result.
func (e *Engine) Process(ctx context.Context, batches []domain.ParsingResult) (*domain.ChangeDetection, error) {
	full, minimal, sawFull, sawMinimal, skipped := e.partition(batches)

	c := &cycle{}
	if sawFull {
		if err := e.processFull(ctx, full, c); err != nil {
			e.recordError()
			return nil, fmt.Errorf("full processing failed: %w", err)
		}
	}
	if sawMinimal {
		if err := e.processMinimal(ctx, minimal, c); err != nil {
			e.recordError()
			return nil, fmt.Errorf("minimal processing failed: %w", err)
		}
	}

	if e.statusCheckDue() {
		transitions, err := e.ProcessStatusTransitions(ctx)
		if err != nil {
			e.recordError()
			return nil, fmt.Errorf("status transitions failed: %w", err)
		}
		c.result.StatusTransitions = append(c.result.StatusTransitions, transitions...)
	}

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.LastCycle = e.store.Now()
	e.stats.ItemsProcessed += int64(len(full) + len(minimal))
	e.stats.ItemsSkipped += int64(skipped)
	e.stats.ChangesDetected += int64(len(c.result.DetectedChanges))
	e.stats.NewCombinations += int64(len(c.result.NewCombinations))
	e.stats.RemovedCombinations += int64(len(c.result.RemovedCombinations))
	e.stats.SalesDetected += int64(len(c.sales))
	e.mu.Unlock()

	e.publish(batches, c)

	if !c.result.Empty() {
		e.log.Info().
			Int("changes", len(c.result.DetectedChanges)).
			Int("new", len(c.result.NewCombinations)).
			Int("removed", len(c.result.RemovedCombinations)).
			Int("transitions", len(c.result.StatusTransitions)).
			Msg("Processed OCR round")
	}
	return &c.result, nil
}

// partition validates items and splits them by processing type. Bad records are
// logged and skipped. A batch that produced only parse errors is ignored entirely so
// a failed OCR round cannot be mistaken for an empty market.
func (e *Engine) partition(batches []domain.ParsingResult) (full, minimal []domain.ItemObservation, sawFull, sawMinimal bool, skipped int) {
	for _, batch := range batches {
		if len(batch.Items) == 0 && len(batch.Errors) > 0 {
			e.log.Warn().
				Str("hotkey", batch.Hotkey).
				Strs("errors", batch.Errors).
				Msg("Ignoring OCR round with no parsed items")
			continue
		}

		batchType := batch.ProcessingType
		if batchType == "" {
			batchType = domain.ProcessingFull
		}
		switch batchType {
		case domain.ProcessingFull:
			sawFull = true
		case domain.ProcessingMinimal:
			sawMinimal = true
		default:
			e.log.Warn().Str("processing_type", string(batchType)).Msg("Ignoring batch with unknown processing type")
			skipped += len(batch.Items)
			continue
		}

		for _, item := range batch.Items {
			if item.SellerName == "" || item.ItemName == "" {
				e.log.Warn().
					Str("seller", item.SellerName).
					Str("item", item.ItemName).
					Msg("Skipping observation without seller or item")
				skipped++
				continue
			}
			if item.Hotkey == "" {
				item.Hotkey = batch.Hotkey
			}
			if item.ProcessingType == "" {
				item.ProcessingType = batchType
			}

			switch item.ProcessingType {
			case domain.ProcessingFull:
				sawFull = true
				full = append(full, item)
			case domain.ProcessingMinimal:
				sawMinimal = true
				// Presence only: price and quantity are not captured in this mode
				item.Price, item.Quantity = nil, nil
				minimal = append(minimal, item)
			default:
				e.log.Warn().Str("processing_type", string(item.ProcessingType)).Msg("Skipping observation with unknown processing type")
				skipped++
			}
		}
	}
	return full, minimal, sawFull, sawMinimal, skipped
}

func (e *Engine) statusCheckDue() bool {
	if e.cfg.StatusCheckInterval <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.store.Now().Before(e.lastStatusCheck.Add(e.cfg.StatusCheckInterval))
}

func (e *Engine) recordError() {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
}

func (e *Engine) publish(batches []domain.ParsingResult, c *cycle) {
	if e.bus == nil {
		return
	}

	if len(c.result.DetectedChanges) > 0 || len(c.result.NewCombinations) > 0 || len(c.result.RemovedCombinations) > 0 {
		data := &events.ChangesDetectedData{
			Changes:             c.result.DetectedChanges,
			NewCombinations:     c.result.NewCombinations,
			RemovedCombinations: c.result.RemovedCombinations,
		}
		if len(batches) > 0 {
			data.Hotkey = batches[0].Hotkey
			data.ProcessingType = batches[0].ProcessingType
		}
		e.bus.Publish("monitor", data)
	}
	for _, sale := range c.sales {
		e.bus.Publish("monitor", &events.SaleDetectedData{Sale: sale})
	}
}

func newChange(comb domain.Combination, ct domain.ChangeType, oldValue, newValue *string) domain.ChangeLogEntry {
	return domain.ChangeLogEntry{
		SellerName: comb.Seller,
		ItemName:   comb.Item,
		ChangeType: ct,
		OldValue:   oldValue,
		NewValue:   newValue,
	}
}

func strPtr(s string) *string {
	return &s
}
