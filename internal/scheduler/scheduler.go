// Package scheduler runs the periodic maintenance jobs: status sweeps, inactive
// combination removal, retention cleanup, WAL checkpoints and offsite backups.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketwatch/internal/utils"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runs longer than this are logged as slow
const slowJobThreshold = 2 * time.Minute

// ErrUnknownJob is returned by RunByName for names that were never registered
var ErrUnknownJob = errors.New("unknown job")

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobRun is the outcome of the last run of a job
type JobRun struct {
	StartedAt time.Time     `json:"started_at" msgpack:"started_at"`
	Duration  time.Duration `json:"duration" msgpack:"duration"`
	Error     string        `json:"error,omitempty" msgpack:"error,omitempty"`
	Runs      int64         `json:"runs" msgpack:"runs"`
	Failures  int64         `json:"failures" msgpack:"failures"`
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	runs map[string]JobRun
}

// New creates a new scheduler. Schedules use six fields (with seconds).
func New(log zerolog.Logger) *Scheduler {
	l := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger{l}), cron.SkipIfStillRunning(cronLogger{l})),
		),
		log:  l,
		jobs: make(map[string]Job),
		runs: make(map[string]JobRun),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule. An empty schedule disables the job.
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 30 3 * * *"       - 03:30 every day
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if schedule == "" {
		s.log.Info().Str("job", job.Name()).Msg("Job disabled")
		return nil
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.Name()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", job.Name())
	}
	s.mu.Unlock()

	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.run(job); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}

	s.mu.Lock()
	s.jobs[job.Name()] = job
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.run(job)
}

// RunByName executes a registered job immediately
func (s *Scheduler) RunByName(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.RunNow(job)
}

// LastRuns returns the outcome of the most recent run of every job that has run
func (s *Scheduler) LastRuns() map[string]JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobRun, len(s.runs))
	for name, run := range s.runs {
		out[name] = run
	}
	return out
}

func (s *Scheduler) run(job Job) error {
	s.log.Debug().Str("job", job.Name()).Msg("Running job")
	timer := utils.NewTimer(job.Name(), slowJobThreshold, s.log)

	err := job.Run()
	duration := timer.Stop()

	s.mu.Lock()
	run := s.runs[job.Name()]
	run.StartedAt = timer.Started()
	run.Duration = duration
	run.Runs++
	run.Error = ""
	if err != nil {
		run.Failures++
		run.Error = err.Error()
	}
	s.runs[job.Name()] = run
	s.mu.Unlock()

	if err == nil {
		s.log.Debug().Str("job", job.Name()).Dur("duration", run.Duration).Msg("Job completed")
	}
	return err
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
