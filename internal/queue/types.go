package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when no backlog slot frees up within the submit timeout
	ErrQueueFull = errors.New("queue is full")
	// ErrNotRunning is returned when submitting to or stopping a queue that is not running
	ErrNotRunning = errors.New("queue is not running")
	// ErrAlreadyRunning is returned by Start on a running queue
	ErrAlreadyRunning = errors.New("queue is already running")
	// ErrDuplicateJob is returned when a job ID is already known to the queue
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrCancelled is recorded on jobs cancelled before they ran
	ErrCancelled = errors.New("job cancelled")
)

// Priority represents job priority
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name; the empty string means normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further work happens for a job in this status
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxAttempts is used when a submitted job does not set MaxAttempts
const DefaultMaxAttempts = 3

// OCRFunc turns an image into text. Any error counts as a retryable failure.
type OCRFunc func(ctx context.Context, imagePath string) (string, error)

// Callback is invoked once a job reaches a terminal status. It runs on a worker
// goroutine (or the goroutine calling Cancel/Stop for cancelled jobs) and receives
// a snapshot of the job. Returned errors and panics are logged only.
type Callback func(job *Job) error

// Job is a single OCR request
type Job struct {
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	SubmittedAt time.Time `json:"submitted_at" msgpack:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`

	Callback Callback `json:"-" msgpack:"-"`
	err      error

	ID        string   `json:"id" msgpack:"id"`
	ImagePath string   `json:"image_path" msgpack:"image_path"`
	Hotkey    string   `json:"hotkey" msgpack:"hotkey"`
	Status    Status   `json:"status" msgpack:"status"`
	Result    string   `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     string   `json:"error,omitempty" msgpack:"error,omitempty"`
	Priority  Priority `json:"priority" msgpack:"priority"`

	MaxAttempts int `json:"max_attempts" msgpack:"max_attempts"`
	Attempts    int `json:"attempts" msgpack:"attempts"`

	seq   uint64
	index int
}

// Err returns the last error the job failed with
func (j *Job) Err() error {
	return j.err
}

func (j *Job) snapshot() *Job {
	c := *j
	c.index = -1
	return &c
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending    int  `json:"pending" msgpack:"pending"`
	Retrying   int  `json:"retrying" msgpack:"retrying"`
	Processing int  `json:"processing" msgpack:"processing"`
	Completed  int  `json:"completed" msgpack:"completed"`
	Failed     int  `json:"failed" msgpack:"failed"`
	Workers    int  `json:"workers" msgpack:"workers"`
	Running    bool `json:"running" msgpack:"running"`
}
