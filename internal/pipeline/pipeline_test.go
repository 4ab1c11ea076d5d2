package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/store"
	testingpkg "github.com/aristath/marketwatch/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	pipeline *Pipeline
	store    *store.Store
	queue    *queue.Queue
	ocr      *testingpkg.FakeRecognizer
}

func setupPipeline(t *testing.T, opts ...queue.Option) (*harness, func()) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t)
	st := store.New(db, zerolog.Nop())
	engine := monitor.NewEngine(st, nil, monitor.Config{StatusTransitionDelay: time.Minute}, zerolog.Nop())

	ocr := testingpkg.NewFakeRecognizer()
	opts = append([]queue.Option{queue.WithRetryDelay(func(int) time.Duration { return time.Millisecond })}, opts...)
	q := queue.New(ocr.Recognize, zerolog.Nop(), opts...)

	return &harness{
		pipeline: New(st, q, engine, nil, zerolog.Nop()),
		store:    st,
		queue:    q,
		ocr:      ocr,
	}, cleanup
}

func waitSession(t *testing.T, st *store.Store, id string, want domain.SessionStatus) *domain.OcrSession {
	t.Helper()
	var session *domain.OcrSession
	require.Eventually(t, func() bool {
		s, err := st.GetOcrSession(context.Background(), id)
		if err != nil {
			return false
		}
		session = s
		return s.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return session
}

func TestSubmit_ProcessesRecognizedText(t *testing.T) {
	h, cleanup := setupPipeline(t)
	defer cleanup()
	require.NoError(t, h.queue.Start(1))
	defer h.queue.Stop(time.Second)

	h.ocr.SetText("shot.png", "Bob | Sword | 100 | 1\nBob | Axe | 40 | 2\n")

	sub, err := h.pipeline.Submit(context.Background(), Capture{
		ImagePath: "shot.png",
		Hotkey:    "F1",
		Priority:  queue.PriorityHigh,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.JobID)

	session := waitSession(t, h.store, sub.SessionID, domain.SessionCompleted)
	assert.Equal(t, 2, session.ItemCount)
	assert.Equal(t, domain.ProcessingFull, session.ProcessingType)
	assert.Nil(t, session.Error)

	cs, err := h.store.CurrentState(context.Background(), domain.Combination{Seller: "Bob", Item: "Sword"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, cs.Status)

	job, ok := h.queue.Status(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, job.Status)
}

func TestSubmit_OCRFailureFailsSession(t *testing.T) {
	h, cleanup := setupPipeline(t, queue.WithMaxAttempts(2))
	defer cleanup()
	require.NoError(t, h.queue.Start(1))
	defer h.queue.Stop(time.Second)

	h.ocr.SetError(testingpkg.ErrFakeOCR)

	sub, err := h.pipeline.Submit(context.Background(), Capture{ImagePath: "shot.png", Hotkey: "F1"})
	require.NoError(t, err)

	session := waitSession(t, h.store, sub.SessionID, domain.SessionFailed)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "fake ocr failure")
	assert.Equal(t, 2, h.ocr.Calls("shot.png"))
}

func TestSubmit_UnparseableTextFailsSession(t *testing.T) {
	h, cleanup := setupPipeline(t)
	defer cleanup()
	require.NoError(t, h.queue.Start(1))
	defer h.queue.Stop(time.Second)

	h.ocr.SetText("noise.png", "???\n")

	sub, err := h.pipeline.Submit(context.Background(), Capture{ImagePath: "noise.png", Hotkey: "F1"})
	require.NoError(t, err)

	session := waitSession(t, h.store, sub.SessionID, domain.SessionFailed)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "no items parsed")
}

func TestSubmit_QueueNotRunning(t *testing.T) {
	h, cleanup := setupPipeline(t)
	defer cleanup()

	_, err := h.pipeline.Submit(context.Background(), Capture{ImagePath: "shot.png"})
	assert.ErrorIs(t, err, queue.ErrNotRunning)
}

func TestSubmit_Validation(t *testing.T) {
	h, cleanup := setupPipeline(t)
	defer cleanup()

	_, err := h.pipeline.Submit(context.Background(), Capture{})
	assert.ErrorIs(t, err, ErrInvalidCapture)

	_, err = h.pipeline.Submit(context.Background(), Capture{ImagePath: "a.png", ProcessingType: "partial"})
	assert.ErrorIs(t, err, ErrInvalidCapture)
}

func TestIngest(t *testing.T) {
	h, cleanup := setupPipeline(t)
	defer cleanup()

	result, err := h.pipeline.Ingest(context.Background(), domain.ParsingResult{
		Hotkey:         "F2",
		ProcessingType: domain.ProcessingMinimal,
		Items:          []domain.ItemObservation{testingpkg.MinimalObservation("Ann", "Ring")},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Combination{{Seller: "Ann", Item: "Ring"}}, result.NewCombinations)

	_, err = h.pipeline.Ingest(context.Background(), domain.ParsingResult{ProcessingType: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidCapture)
}
