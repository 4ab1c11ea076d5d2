package events

import "github.com/aristath/marketwatch/internal/domain"

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ChangesDetectedData is emitted after a Process cycle that detected anything
type ChangesDetectedData struct {
	Hotkey              string                  `json:"hotkey" msgpack:"hotkey"`
	ProcessingType      domain.ProcessingType   `json:"processing_type" msgpack:"processing_type"`
	Changes             []domain.ChangeLogEntry `json:"changes" msgpack:"changes"`
	NewCombinations     []domain.Combination    `json:"new_combinations" msgpack:"new_combinations"`
	RemovedCombinations []domain.Combination    `json:"removed_combinations" msgpack:"removed_combinations"`
}

// EventType returns the event type for ChangesDetectedData
func (d *ChangesDetectedData) EventType() EventType {
	return ChangesDetected
}

// SaleDetectedData carries one inferred sale
type SaleDetectedData struct {
	Sale domain.SaleRecord `json:"sale" msgpack:"sale"`
}

// EventType returns the event type for SaleDetectedData
func (d *SaleDetectedData) EventType() EventType {
	return SaleDetected
}

// StatusTransitionedData carries the transitions applied by one sweep
type StatusTransitionedData struct {
	Transitions []domain.StatusTransition `json:"transitions" msgpack:"transitions"`
}

// EventType returns the event type for StatusTransitionedData
func (d *StatusTransitionedData) EventType() EventType {
	return StatusTransitioned
}

// JobStatusData describes a finished OCR job
type JobStatusData struct {
	JobID    string `json:"job_id" msgpack:"job_id"`
	Hotkey   string `json:"hotkey" msgpack:"hotkey"`
	Status   string `json:"status" msgpack:"status"`
	Error    string `json:"error,omitempty" msgpack:"error,omitempty"`
	Attempts int    `json:"attempts" msgpack:"attempts"`
}

// EventType returns JobFailed for failed or cancelled jobs and JobCompleted otherwise
func (d *JobStatusData) EventType() EventType {
	if d.Status == "failed" || d.Status == "cancelled" {
		return JobFailed
	}
	return JobCompleted
}

// ErrorEventData carries an error surfaced by a background component
type ErrorEventData struct {
	Context map[string]interface{} `json:"context,omitempty" msgpack:"context,omitempty"`
	Error   string                 `json:"error" msgpack:"error"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
