// Package queue runs OCR jobs on a bounded, priority-ordered worker pool with
// per-job retries and completion callbacks.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/marketwatch/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers       = 2
	DefaultMaxSize       = 100
	DefaultSubmitTimeout = 2 * time.Second
	DefaultHistoryCap    = 1000

	maxRetryDelay = 30 * time.Second
)

// RetryDelay returns the wait before re-running a job that has failed `attempts`
// times: 2^attempts seconds, capped at 30s.
func RetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 5 {
		return maxRetryDelay
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// Option configures a Queue
type Option func(*Queue)

// WithMaxSize bounds the number of jobs waiting to run
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithSubmitTimeout sets how long Submit waits for backlog capacity
func WithSubmitTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.submitTimeout = d
		}
	}
}

// WithHistoryCap sets how many completed (and failed) jobs are kept for Status lookups
func WithHistoryCap(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.historyCap = n
		}
	}
}

// WithMaxAttempts sets the attempt budget for jobs submitted without one
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryDelay replaces RetryDelay
func WithRetryDelay(fn func(attempts int) time.Duration) Option {
	return func(q *Queue) {
		if fn != nil {
			q.retryDelay = fn
		}
	}
}

// WithBus publishes JobCompleted/JobFailed events for finished jobs
func WithBus(bus *events.Bus) Option {
	return func(q *Queue) {
		q.bus = bus
	}
}

// Queue executes OCR jobs. Waiting jobs hold a backlog slot; a job releases its slot
// when a worker picks it up, and retries take a fresh slot when they are re-queued.
type Queue struct {
	ocr OCRFunc
	bus *events.Bus
	log zerolog.Logger

	maxSize       int
	submitTimeout time.Duration
	historyCap    int
	maxAttempts   int
	retryDelay    func(attempts int) time.Duration

	slots *semaphore.Weighted

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	seq        uint64
	finishSeq  uint64
	pending    jobHeap
	active     map[string]*Job
	retries    map[string]*time.Timer
	completed  map[string]*Job
	failed     map[string]*Job
	finished   map[string]uint64
	processing int

	workers []chan struct{}
	wg      sync.WaitGroup
	abort   context.CancelFunc
}

// New creates a stopped queue that runs ocr for every job
func New(ocr OCRFunc, log zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		ocr:           ocr,
		log:           log.With().Str("component", "ocr_queue").Logger(),
		maxSize:       DefaultMaxSize,
		submitTimeout: DefaultSubmitTimeout,
		historyCap:    DefaultHistoryCap,
		maxAttempts:   DefaultMaxAttempts,
		retryDelay:    RetryDelay,
		active:        make(map[string]*Job),
		retries:       make(map[string]*time.Timer),
		completed:     make(map[string]*Job),
		failed:        make(map[string]*Job),
		finished:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.slots = semaphore.NewWeighted(int64(q.maxSize))
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches workers goroutines (DefaultWorkers when workers <= 0)
func (q *Queue) Start(workers int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ErrAlreadyRunning
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.abort = cancel
	q.running = true
	q.workers = make([]chan struct{}, workers)
	for i := range q.workers {
		done := make(chan struct{})
		q.workers[i] = done
		q.wg.Add(1)
		go q.worker(ctx, i, done)
	}

	q.log.Info().Int("workers", workers).Int("max_size", q.maxSize).Msg("OCR queue started")
	return nil
}

// Stop cancels every job that has not started yet and waits up to timeout for the
// workers to finish their in-flight jobs. Workers still busy after the timeout are
// logged and left to finish; in-flight OCR calls are never preempted.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running = false

	var cancelled []*Job
	for _, job := range q.active {
		if job.Status == StatusPending {
			cancelled = append(cancelled, q.cancelLocked(job))
		}
	}
	workers := q.workers
	abort := q.abort
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, job := range cancelled {
		q.notify(job)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		abort()
		q.log.Info().Int("cancelled", len(cancelled)).Msg("OCR queue stopped")
		return nil
	case <-timer.C:
	}

	stuck := 0
	for i, w := range workers {
		select {
		case <-w:
		default:
			stuck++
			q.log.Warn().Int("worker", i).Dur("timeout", timeout).Msg("Worker did not exit before stop timeout")
		}
	}
	go func() {
		<-done
		abort()
	}()
	return fmt.Errorf("%d of %d workers still running after %s", stuck, len(workers), timeout)
}

// Submit queues job and returns its ID. A missing ID is generated. Submit blocks up to
// the submit timeout for backlog capacity and returns ErrQueueFull when none frees up.
// The queue owns job after a successful submit; use Status for snapshots.
func (q *Queue) Submit(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("nil job")
	}
	if !q.isRunning() {
		return "", ErrNotRunning
	}

	acquireCtx, cancel := context.WithTimeout(ctx, q.submitTimeout)
	defer cancel()
	if err := q.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrQueueFull
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		q.slots.Release(1)
		return "", ErrNotRunning
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if q.knownLocked(job.ID) {
		q.slots.Release(1)
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	job.SubmittedAt = now
	job.Status = StatusPending
	job.Attempts = 0
	job.Result, job.Error, job.err = "", "", nil

	q.active[job.ID] = job
	q.enqueueLocked(job)

	q.log.Debug().
		Str("job_id", job.ID).
		Str("hotkey", job.Hotkey).
		Str("priority", job.Priority.String()).
		Msg("Job submitted")
	return job.ID, nil
}

// Cancel cancels a job that has not started running. Jobs waiting for a retry count
// as not started.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.active[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	snap := q.cancelLocked(job)
	q.mu.Unlock()

	q.log.Debug().Str("job_id", id).Msg("Job cancelled")
	q.notify(snap)
	return true
}

// Status returns a snapshot of the job with the given ID
func (q *Queue) Status(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, set := range []map[string]*Job{q.active, q.completed, q.failed} {
		if job, ok := set[id]; ok {
			return job.snapshot(), true
		}
	}
	return nil, false
}

// Stats returns queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:    q.pending.Len(),
		Retrying:   len(q.retries),
		Processing: q.processing,
		Completed:  len(q.completed),
		Failed:     len(q.failed),
		Running:    q.running,
	}
	if q.running {
		s.Workers = len(q.workers)
	}
	return s
}

func (q *Queue) isRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) knownLocked(id string) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	if _, ok := q.completed[id]; ok {
		return true
	}
	_, ok := q.failed[id]
	return ok
}

func (q *Queue) enqueueLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	heap.Push(&q.pending, job)
	q.cond.Signal()
}

func (q *Queue) worker(ctx context.Context, id int, done chan struct{}) {
	defer q.wg.Done()
	defer close(done)

	for {
		job := q.next()
		if job == nil {
			q.log.Debug().Int("worker", id).Msg("Worker exiting")
			return
		}
		q.execute(ctx, job)
	}
}

// next blocks until a job is available or the queue stops
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running && q.pending.Len() == 0 {
		q.cond.Wait()
	}
	if !q.running {
		return nil
	}

	job := heap.Pop(&q.pending).(*Job)
	q.slots.Release(1)
	job.Status = StatusProcessing
	job.Attempts++
	job.StartedAt = time.Now()
	q.processing++
	return job
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	start := time.Now()
	text, err := q.recognize(ctx, job.ImagePath)

	q.mu.Lock()
	q.processing--

	if err == nil {
		job.Status = StatusCompleted
		job.Result = text
		job.Error, job.err = "", nil
		snap := q.finishLocked(job, q.completed)
		q.mu.Unlock()

		q.log.Debug().
			Str("job_id", snap.ID).
			Int("attempts", snap.Attempts).
			Dur("duration", time.Since(start)).
			Msg("Job completed")
		q.notify(snap)
		return
	}

	job.err = err
	job.Error = err.Error()
	attempts := job.Attempts

	if attempts < job.MaxAttempts && q.running {
		delay := q.retryDelay(attempts)
		id := job.ID
		job.Status = StatusPending
		q.retries[id] = time.AfterFunc(delay, func() { q.resubmit(id) })
		q.mu.Unlock()

		q.log.Warn().
			Err(err).
			Str("job_id", id).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("Job failed, scheduling retry")
		return
	}

	job.Status = StatusFailed
	snap := q.finishLocked(job, q.failed)
	q.mu.Unlock()

	q.log.Error().
		Err(err).
		Str("job_id", snap.ID).
		Int("attempts", snap.Attempts).
		Msg("Job failed")
	q.notify(snap)
}

func (q *Queue) recognize(ctx context.Context, imagePath string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ocr panicked: %v", r)
		}
	}()
	return q.ocr(ctx, imagePath)
}

// resubmit re-queues a job after its retry delay. Jobs cancelled in the meantime
// are no longer in q.retries and are left alone.
func (q *Queue) resubmit(id string) {
	q.mu.Lock()
	if _, ok := q.retries[id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.retries, id)

	job, ok := q.active[id]
	if !ok || !q.running {
		q.mu.Unlock()
		return
	}

	if !q.slots.TryAcquire(1) {
		job.err = ErrQueueFull
		job.Error = ErrQueueFull.Error()
		job.Status = StatusFailed
		snap := q.finishLocked(job, q.failed)
		q.mu.Unlock()

		q.log.Warn().Str("job_id", id).Msg("No capacity to retry job")
		q.notify(snap)
		return
	}
	q.enqueueLocked(job)
	q.mu.Unlock()
}

func (q *Queue) cancelLocked(job *Job) *Job {
	if job.index >= 0 && job.index < q.pending.Len() && q.pending[job.index] == job {
		heap.Remove(&q.pending, job.index)
		q.slots.Release(1)
	}
	if t, ok := q.retries[job.ID]; ok {
		t.Stop()
		delete(q.retries, job.ID)
	}
	job.Status = StatusCancelled
	job.err = ErrCancelled
	job.Error = ErrCancelled.Error()
	return q.finishLocked(job, q.failed)
}

// finishLocked moves job from the active set into set and prunes it
func (q *Queue) finishLocked(job *Job, set map[string]*Job) *Job {
	job.CompletedAt = time.Now()
	q.finishSeq++
	q.finished[job.ID] = q.finishSeq
	delete(q.active, job.ID)
	set[job.ID] = job
	q.pruneLocked(set)
	return job.snapshot()
}

// pruneLocked keeps the most recently finished half of set once it exceeds the history cap
func (q *Queue) pruneLocked(set map[string]*Job) {
	if len(set) <= q.historyCap {
		return
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		return q.finished[ids[a]] > q.finished[ids[b]]
	})

	keep := q.historyCap / 2
	for _, id := range ids[keep:] {
		delete(set, id)
		delete(q.finished, id)
	}
}

// notify runs the job callback and publishes the outcome. Callback failures never
// change the job's status.
func (q *Queue) notify(job *Job) {
	if job.Callback != nil {
		q.runCallback(job)
	}
	if q.bus != nil {
		q.bus.Publish("queue", &events.JobStatusData{
			JobID:    job.ID,
			Hotkey:   job.Hotkey,
			Status:   string(job.Status),
			Error:    job.Error,
			Attempts: job.Attempts,
		})
	}
}

func (q *Queue) runCallback(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Msg("Job callback panicked")
		}
	}()
	if err := job.Callback(job); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.ID).Msg("Job callback failed")
	}
}
