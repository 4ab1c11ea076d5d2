// Package domain provides core domain models and types.
package domain

import (
	"strconv"
	"time"
)

// ProcessingType tags how much detail an OCR round extracted
type ProcessingType string

const (
	// ProcessingFull extracts seller, item, price and quantity
	ProcessingFull ProcessingType = "full"
	// ProcessingMinimal extracts seller/item presence only
	ProcessingMinimal ProcessingType = "minimal"
)

// Valid reports whether the processing type is one of the known values
func (p ProcessingType) Valid() bool {
	return p == ProcessingFull || p == ProcessingMinimal
}

// Combination is a unique (seller, item) pair being tracked
type Combination struct {
	Seller string `json:"seller_name" msgpack:"seller_name"`
	Item   string `json:"item_name" msgpack:"item_name"`
}

// String returns "seller/item"
func (c Combination) String() string {
	return c.Seller + "/" + c.Item
}

// ItemObservation is one OCR-derived sighting of an item offered by a seller.
// Immutable once recorded.
type ItemObservation struct {
	ObservedAt     time.Time      `json:"observed_at" msgpack:"observed_at"`
	Price          *float64       `json:"price,omitempty" msgpack:"price,omitempty"`
	Quantity       *int           `json:"quantity,omitempty" msgpack:"quantity,omitempty"`
	ItemID         *string        `json:"item_id,omitempty" msgpack:"item_id,omitempty"`
	SellerName     string         `json:"seller_name" msgpack:"seller_name"`
	ItemName       string         `json:"item_name" msgpack:"item_name"`
	Hotkey         string         `json:"hotkey" msgpack:"hotkey"`
	ProcessingType ProcessingType `json:"processing_type" msgpack:"processing_type"`
	ID             int64          `json:"id" msgpack:"id"`
}

// Combination returns the (seller, item) key of the observation
func (o ItemObservation) Combination() Combination {
	return Combination{Seller: o.SellerName, Item: o.ItemName}
}

// CurrentSellerState is the latest known state of one seller/item combination
type CurrentSellerState struct {
	StatusChangedAt time.Time      `json:"status_changed_at" msgpack:"status_changed_at"`
	LastUpdated     time.Time      `json:"last_updated" msgpack:"last_updated"`
	Quantity        *int           `json:"quantity,omitempty" msgpack:"quantity,omitempty"`
	SellerName      string         `json:"seller_name" msgpack:"seller_name"`
	ItemName        string         `json:"item_name" msgpack:"item_name"`
	Status          Status         `json:"status" msgpack:"status"`
	ProcessingType  ProcessingType `json:"processing_type" msgpack:"processing_type"`
}

// QueueEntry tracks a combination's presence in the watch queue
type QueueEntry struct {
	StatusChangedAt time.Time      `json:"status_changed_at" msgpack:"status_changed_at"`
	LastSeenAt      time.Time      `json:"last_seen_at" msgpack:"last_seen_at"`
	CreatedAt       time.Time      `json:"created_at" msgpack:"created_at"`
	SellerName      string         `json:"seller_name" msgpack:"seller_name"`
	ItemName        string         `json:"item_name" msgpack:"item_name"`
	Status          Status         `json:"status" msgpack:"status"`
	ProcessingType  ProcessingType `json:"processing_type" msgpack:"processing_type"`
}

// Combination returns the (seller, item) key of the entry
func (e QueueEntry) Combination() Combination {
	return Combination{Seller: e.SellerName, Item: e.ItemName}
}

// ChangeLogEntry is an append-only record of a detected event
type ChangeLogEntry struct {
	CreatedAt  time.Time  `json:"created_at" msgpack:"created_at"`
	OldValue   *string    `json:"old_value,omitempty" msgpack:"old_value,omitempty"`
	NewValue   *string    `json:"new_value,omitempty" msgpack:"new_value,omitempty"`
	SellerName string     `json:"seller_name" msgpack:"seller_name"`
	ItemName   string     `json:"item_name" msgpack:"item_name"`
	ChangeType ChangeType `json:"change_type" msgpack:"change_type"`
	ID         int64      `json:"id" msgpack:"id"`
}

// SaleRecord is written when a minimal-processing combination with price history disappears
type SaleRecord struct {
	DetectedAt     time.Time `json:"detected_at" msgpack:"detected_at"`
	LastPrice      *float64  `json:"last_price,omitempty" msgpack:"last_price,omitempty"`
	LastQuantity   *int      `json:"last_quantity,omitempty" msgpack:"last_quantity,omitempty"`
	SellerName     string    `json:"seller_name" msgpack:"seller_name"`
	ItemName       string    `json:"item_name" msgpack:"item_name"`
	PreviousStatus Status    `json:"previous_status" msgpack:"previous_status"`
	ID             int64     `json:"id" msgpack:"id"`
}

// SessionStatus is the lifecycle state of an OCR session
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// OcrSession is the bookkeeping row for one OCR round
type OcrSession struct {
	CreatedAt      time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" msgpack:"updated_at"`
	Error          *string        `json:"error,omitempty" msgpack:"error,omitempty"`
	ID             string         `json:"id" msgpack:"id"`
	Hotkey         string         `json:"hotkey" msgpack:"hotkey"`
	Status         SessionStatus  `json:"status" msgpack:"status"`
	ProcessingType ProcessingType `json:"processing_type" msgpack:"processing_type"`
	ItemCount      int            `json:"item_count" msgpack:"item_count"`
	DurationMillis int64          `json:"duration_ms" msgpack:"duration_ms"`
}

// StatusTransition records one applied status change
type StatusTransition struct {
	At             time.Time      `json:"at" msgpack:"at"`
	SellerName     string         `json:"seller_name" msgpack:"seller_name"`
	ItemName       string         `json:"item_name" msgpack:"item_name"`
	From           Status         `json:"from" msgpack:"from"`
	To             Status         `json:"to" msgpack:"to"`
	ProcessingType ProcessingType `json:"processing_type" msgpack:"processing_type"`
}

// ParsingResult is one parsed OCR round handed to the monitoring engine
type ParsingResult struct {
	Items          []ItemObservation `json:"items" msgpack:"items"`
	Errors         []string          `json:"errors,omitempty" msgpack:"errors,omitempty"`
	Hotkey         string            `json:"hotkey" msgpack:"hotkey"`
	ProcessingType ProcessingType    `json:"processing_type" msgpack:"processing_type"`
}

// ChangeDetection is the outcome of one Process cycle
type ChangeDetection struct {
	DetectedChanges     []ChangeLogEntry   `json:"detected_changes" msgpack:"detected_changes"`
	NewCombinations     []Combination      `json:"new_combinations" msgpack:"new_combinations"`
	RemovedCombinations []Combination      `json:"removed_combinations" msgpack:"removed_combinations"`
	StatusTransitions   []StatusTransition `json:"status_transitions" msgpack:"status_transitions"`
}

// Empty reports whether nothing was detected
func (d *ChangeDetection) Empty() bool {
	return len(d.DetectedChanges) == 0 && len(d.NewCombinations) == 0 &&
		len(d.RemovedCombinations) == 0 && len(d.StatusTransitions) == 0
}

// FormatPrice renders a price the way it is stored in change log values
func FormatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// FormatQuantity renders a quantity the way it is stored in change log values
func FormatQuantity(q int) string {
	return strconv.Itoa(q)
}
