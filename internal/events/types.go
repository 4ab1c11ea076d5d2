// Package events provides the in-process event bus used to fan out change notifications.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Monitoring engine events
	ChangesDetected    EventType = "CHANGES_DETECTED"
	SaleDetected       EventType = "SALE_DETECTED"
	StatusTransitioned EventType = "STATUS_TRANSITIONED"

	// OCR job queue events
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every event type the bus carries
var AllEventTypes = []EventType{
	ChangesDetected,
	SaleDetected,
	StatusTransitioned,
	JobCompleted,
	JobFailed,
	ErrorOccurred,
}

// Event represents a system event with typed data
type Event struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Data      EventData `json:"data" msgpack:"data"`
	Type      EventType `json:"type" msgpack:"type"`
	Module    string    `json:"module" msgpack:"module"`
}
