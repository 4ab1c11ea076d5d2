package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/rs/zerolog"
)

const jobTimeout = 5 * time.Minute

// StatusSweeper applies time-based status transitions
type StatusSweeper interface {
	ProcessStatusTransitions(ctx context.Context) ([]domain.StatusTransition, error)
}

// InactiveSweeper removes combinations that stayed UNCHECKED too long
type InactiveSweeper interface {
	RemoveInactiveCombinations(ctx context.Context, olderThanDays int) (int, error)
}

// RetentionStore deletes expired history
type RetentionStore interface {
	CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// StatusTransitionsJob runs the NEW->CHECKED and CHECKED->UNCHECKED sweeps
type StatusTransitionsJob struct {
	sweeper StatusSweeper
	log     zerolog.Logger
}

// NewStatusTransitionsJob creates a new StatusTransitionsJob
func NewStatusTransitionsJob(sweeper StatusSweeper, log zerolog.Logger) *StatusTransitionsJob {
	return &StatusTransitionsJob{sweeper: sweeper, log: log.With().Str("job", "status_transitions").Logger()}
}

// Name returns the job name
func (j *StatusTransitionsJob) Name() string {
	return "status_transitions"
}

// Run executes the status sweep
func (j *StatusTransitionsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	transitions, err := j.sweeper.ProcessStatusTransitions(ctx)
	if err != nil {
		return fmt.Errorf("status sweep failed: %w", err)
	}
	if len(transitions) > 0 {
		j.log.Info().Int("transitions", len(transitions)).Msg("Status sweep applied transitions")
	}
	return nil
}

// InactiveSweepJob removes long-UNCHECKED combinations
type InactiveSweepJob struct {
	sweeper InactiveSweeper
	days    int
	log     zerolog.Logger
}

// NewInactiveSweepJob creates a job removing combinations UNCHECKED for more than days days
func NewInactiveSweepJob(sweeper InactiveSweeper, days int, log zerolog.Logger) *InactiveSweepJob {
	return &InactiveSweepJob{sweeper: sweeper, days: days, log: log.With().Str("job", "inactive_sweep").Logger()}
}

// Name returns the job name
func (j *InactiveSweepJob) Name() string {
	return "inactive_sweep"
}

// Run executes the inactive sweep
func (j *InactiveSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.sweeper.RemoveInactiveCombinations(ctx, j.days)
	if err != nil {
		return fmt.Errorf("inactive sweep failed: %w", err)
	}
	j.log.Debug().Int("removed", removed).Msg("Inactive sweep finished")
	return nil
}

// RetentionJob deletes observations, change log entries and OCR sessions past the retention window
type RetentionJob struct {
	store     RetentionStore
	retention time.Duration
	log       zerolog.Logger
}

// NewRetentionJob creates a new RetentionJob
func NewRetentionJob(store RetentionStore, retention time.Duration, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{store: store, retention: retention, log: log.With().Str("job", "retention").Logger()}
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "retention_cleanup"
}

// Run executes the retention cleanup
func (j *RetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	deleted, err := j.store.CleanupExpired(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("retention cleanup failed: %w", err)
	}
	if deleted > 0 {
		j.log.Info().Int("deleted", deleted).Dur("retention", j.retention).Msg("Deleted expired rows")
	}
	return nil
}
