package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/marketwatch/internal/events"
	testingpkg "github.com/aristath/marketwatch/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingOCR records the order images are recognized in. The image named "blocker"
// holds its worker until release is closed, then reports its context error on released.
type blockingOCR struct {
	mu       sync.Mutex
	order    []string
	started  chan struct{}
	release  chan struct{}
	released chan error
}

func newBlockingOCR() *blockingOCR {
	return &blockingOCR{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		released: make(chan error, 1),
	}
}

func (b *blockingOCR) Recognize(ctx context.Context, imagePath string) (string, error) {
	if imagePath == "blocker" {
		close(b.started)
		<-b.release
		b.released <- ctx.Err()
	}
	b.mu.Lock()
	b.order = append(b.order, imagePath)
	b.mu.Unlock()
	return "text:" + imagePath, nil
}

func (b *blockingOCR) Order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

func waitStarted(t *testing.T, b *blockingOCR) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker job never started")
	}
}

func waitStatus(t *testing.T, q *Queue, id string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = q.Status(id)
		return ok && job.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func submit(t *testing.T, q *Queue, job *Job) string {
	t.Helper()
	id, err := q.Submit(context.Background(), job)
	require.NoError(t, err)
	return id
}

// TestRetryDelay tests the capped exponential backoff
func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, RetryDelay(0))
	assert.Equal(t, 2*time.Second, RetryDelay(1))
	assert.Equal(t, 4*time.Second, RetryDelay(2))
	assert.Equal(t, 16*time.Second, RetryDelay(4))
	assert.Equal(t, 30*time.Second, RetryDelay(5))
	assert.Equal(t, 30*time.Second, RetryDelay(40))
}

// TestParsePriority tests priority names
func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)

	assert.True(t, PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityUrgent)
}

// TestSubmit_NotRunning tests that a stopped queue rejects work
func TestSubmit_NotRunning(t *testing.T) {
	q := New(testingpkg.NewFakeRecognizer().Recognize, zerolog.Nop())

	_, err := q.Submit(context.Background(), &Job{ImagePath: "a.png"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, q.Stop(time.Second), ErrNotRunning)
}

// TestStart_Twice tests that Start refuses a running queue
func TestStart_Twice(t *testing.T) {
	q := New(testingpkg.NewFakeRecognizer().Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	assert.ErrorIs(t, q.Start(1), ErrAlreadyRunning)
}

// TestPriorityOrdering tests priority-descending, FIFO-within-priority dequeue order
func TestPriorityOrdering(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	submit(t, q, &Job{ImagePath: "blocker", Priority: PriorityLow})
	waitStarted(t, ocr)

	submit(t, q, &Job{ImagePath: "low", Priority: PriorityLow})
	submit(t, q, &Job{ImagePath: "urgent", Priority: PriorityUrgent})
	submit(t, q, &Job{ImagePath: "normal-1", Priority: PriorityNormal})
	last := submit(t, q, &Job{ImagePath: "normal-2", Priority: PriorityNormal})

	close(ocr.release)
	require.Eventually(t, func() bool { return len(ocr.Order()) == 5 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"blocker", "urgent", "normal-1", "normal-2", "low"}, ocr.Order())
	job := waitStatus(t, q, last, StatusCompleted)
	assert.Equal(t, "text:normal-2", job.Result)
}

// TestSubmit_AssignsDefaults tests ID generation and attempt budget defaults
func TestSubmit_AssignsDefaults(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	fake.SetText("a.png", "hello")
	q := New(fake.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	id := submit(t, q, &Job{ImagePath: "a.png", Hotkey: "F1"})
	assert.NotEmpty(t, id)

	job := waitStatus(t, q, id, StatusCompleted)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "hello", job.Result)
	assert.False(t, job.CompletedAt.IsZero())

	_, err := q.Submit(context.Background(), &Job{ID: id, ImagePath: "a.png"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

// TestRetry_ExhaustsAttempts tests that an always-failing job runs exactly MaxAttempts times
func TestRetry_ExhaustsAttempts(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	fake.SetError(testingpkg.ErrFakeOCR)

	var (
		mu      sync.Mutex
		delays  []int
		results []*Job
	)
	q := New(fake.Recognize, zerolog.Nop(), WithRetryDelay(func(attempts int) time.Duration {
		mu.Lock()
		delays = append(delays, attempts)
		mu.Unlock()
		return time.Millisecond
	}))
	require.NoError(t, q.Start(2))
	defer q.Stop(time.Second)

	id := submit(t, q, &Job{
		ImagePath:   "bad.png",
		MaxAttempts: 3,
		Callback: func(job *Job) error {
			mu.Lock()
			results = append(results, job)
			mu.Unlock()
			return nil
		},
	})

	job := waitStatus(t, q, id, StatusFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, fake.Calls("bad.png"))
	assert.ErrorIs(t, job.Err(), testingpkg.ErrFakeOCR)
	assert.Contains(t, job.Error, "fake ocr failure")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, delays)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
}

// TestRetry_SucceedsAfterTransientFailure tests recovery within the attempt budget
func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	fake.SetText("flaky.png", "ok")
	fake.FailTimes("flaky.png", 2)

	q := New(fake.Recognize, zerolog.Nop(), WithRetryDelay(func(int) time.Duration { return time.Millisecond }))
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	id := submit(t, q, &Job{ImagePath: "flaky.png"})
	job := waitStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "ok", job.Result)
	assert.Empty(t, job.Error)
}

// TestRetry_DoesNotHoldWorker tests that a job waiting for retry leaves its worker free
func TestRetry_DoesNotHoldWorker(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	fake.FailTimes("slow-retry.png", 1)
	fake.SetText("other.png", "done")

	q := New(fake.Recognize, zerolog.Nop(), WithRetryDelay(func(int) time.Duration { return time.Hour }))
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	retrying := submit(t, q, &Job{ImagePath: "slow-retry.png"})
	require.Eventually(t, func() bool { return q.Stats().Retrying == 1 }, 2*time.Second, 5*time.Millisecond)

	other := submit(t, q, &Job{ImagePath: "other.png"})
	waitStatus(t, q, other, StatusCompleted)

	job, ok := q.Status(retrying)
	require.True(t, ok)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

// TestCancel tests that only jobs which have not started can be cancelled
func TestCancel(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	blocker := submit(t, q, &Job{ImagePath: "blocker"})
	waitStarted(t, ocr)

	cancelled := make(chan *Job, 1)
	waiting := submit(t, q, &Job{ImagePath: "waiting", Callback: func(job *Job) error {
		cancelled <- job
		return nil
	}})

	assert.False(t, q.Cancel(blocker), "processing jobs cannot be cancelled")
	assert.True(t, q.Cancel(waiting))
	assert.False(t, q.Cancel(waiting))
	assert.False(t, q.Cancel("missing"))

	select {
	case job := <-cancelled:
		assert.Equal(t, StatusCancelled, job.Status)
		assert.ErrorIs(t, job.Err(), ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked for cancelled job")
	}

	close(ocr.release)
	waitStatus(t, q, blocker, StatusCompleted)
	assert.Equal(t, []string{"blocker"}, ocr.Order())

	stats := q.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

// TestSubmit_QueueFull tests backpressure once the backlog is saturated
func TestSubmit_QueueFull(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop(), WithMaxSize(1), WithSubmitTimeout(20*time.Millisecond))
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	submit(t, q, &Job{ImagePath: "blocker"})
	waitStarted(t, ocr)

	// The running job no longer occupies a backlog slot
	queued := submit(t, q, &Job{ImagePath: "queued"})

	start := time.Now()
	_, err := q.Submit(context.Background(), &Job{ImagePath: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	close(ocr.release)
	waitStatus(t, q, queued, StatusCompleted)

	_, err = q.Submit(context.Background(), &Job{ImagePath: "after"})
	assert.NoError(t, err)
}

// TestSubmit_CallerContext tests that a cancelled caller context is reported as such
func TestSubmit_CallerContext(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop(), WithMaxSize(1), WithSubmitTimeout(time.Second))
	require.NoError(t, q.Start(1))
	defer func() {
		close(ocr.release)
		q.Stop(time.Second)
	}()

	submit(t, q, &Job{ImagePath: "blocker"})
	waitStarted(t, ocr)
	submit(t, q, &Job{ImagePath: "queued"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Submit(ctx, &Job{ImagePath: "overflow"})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestStop_CancelsPendingJobs tests that Stop cancels waiting jobs and lets in-flight ones finish
func TestStop_CancelsPendingJobs(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))

	blocker := submit(t, q, &Job{ImagePath: "blocker"})
	waitStarted(t, ocr)
	first := submit(t, q, &Job{ImagePath: "first"})
	second := submit(t, q, &Job{ImagePath: "second"})

	time.AfterFunc(50*time.Millisecond, func() { close(ocr.release) })
	require.NoError(t, q.Stop(2*time.Second))

	for _, id := range []string{first, second} {
		job, ok := q.Status(id)
		require.True(t, ok)
		assert.Equal(t, StatusCancelled, job.Status)
	}
	job, ok := q.Status(blocker)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)

	_, err := q.Submit(context.Background(), &Job{ImagePath: "late"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, q.Stats().Running)
}

// TestStop_TimeoutReportsStuckWorkers tests the stop timeout
func TestStop_TimeoutReportsStuckWorkers(t *testing.T) {
	ocr := newBlockingOCR()
	q := New(ocr.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(2))

	submit(t, q, &Job{ImagePath: "blocker"})
	waitStarted(t, ocr)

	err := q.Stop(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 workers")

	// The in-flight call runs to completion with a live context
	close(ocr.release)
	select {
	case ctxErr := <-ocr.released:
		assert.NoError(t, ctxErr)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked recognition never returned")
	}
}

// TestCallbackFailuresAreContained tests that callback errors and panics never fail a job
func TestCallbackFailuresAreContained(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	q := New(fake.Recognize, zerolog.Nop())
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	panicking := submit(t, q, &Job{ImagePath: "a.png", Callback: func(*Job) error {
		panic("boom")
	}})
	failing := submit(t, q, &Job{ImagePath: "b.png", Callback: func(*Job) error {
		return errors.New("callback failed")
	}})

	waitStatus(t, q, panicking, StatusCompleted)
	waitStatus(t, q, failing, StatusCompleted)

	// The worker survived the panic
	after := submit(t, q, &Job{ImagePath: "c.png"})
	waitStatus(t, q, after, StatusCompleted)
}

// TestHistoryPruning tests that finished jobs are pruned to the newest half past the cap
func TestHistoryPruning(t *testing.T) {
	fake := testingpkg.NewFakeRecognizer()
	q := New(fake.Recognize, zerolog.Nop(), WithHistoryCap(4))
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	var ids []string
	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		ids = append(ids, submit(t, q, &Job{ImagePath: "img.png", Callback: func(*Job) error {
			close(done)
			return nil
		}}))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job did not finish")
		}
	}

	assert.Equal(t, 2, q.Stats().Completed)
	for _, id := range ids[:3] {
		_, ok := q.Status(id)
		assert.False(t, ok, "job %s should have been pruned", id)
	}
	for _, id := range ids[3:] {
		_, ok := q.Status(id)
		assert.True(t, ok, "job %s should be kept", id)
	}
}

// TestBusEvents tests that finished jobs are published on the bus
func TestBusEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	received := make(chan *events.JobStatusData, 4)
	sub := bus.Subscribe(events.JobFailed, func(e *events.Event) {
		if data, ok := e.Data.(*events.JobStatusData); ok {
			received <- data
		}
	})
	defer sub.Unsubscribe()

	fake := testingpkg.NewFakeRecognizer()
	fake.FailTimes("bad.png", 1)
	q := New(fake.Recognize, zerolog.Nop(), WithBus(bus), WithMaxAttempts(1))
	require.NoError(t, q.Start(1))
	defer q.Stop(time.Second)

	id := submit(t, q, &Job{ImagePath: "bad.png", Hotkey: "F3"})

	select {
	case data := <-received:
		assert.Equal(t, id, data.JobID)
		assert.Equal(t, "F3", data.Hotkey)
		assert.Equal(t, string(StatusFailed), data.Status)
		assert.Equal(t, events.JobFailed, data.EventType())
		assert.Equal(t, 1, data.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("expected JobFailed event")
	}
}
