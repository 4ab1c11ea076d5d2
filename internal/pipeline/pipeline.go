// Package pipeline connects captured screenshots to the monitoring engine: every
// capture becomes an OCR session and a queued OCR job whose result is parsed and
// processed when the job finishes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/store"
	"github.com/rs/zerolog"
)

// ErrInvalidCapture marks captures and results rejected before any work is done
var ErrInvalidCapture = errors.New("invalid capture")

// Engine processes parsed OCR rounds
type Engine interface {
	Process(ctx context.Context, batches []domain.ParsingResult) (*domain.ChangeDetection, error)
}

// Submitter queues OCR jobs
type Submitter interface {
	Submit(ctx context.Context, job *queue.Job) (string, error)
}

// Capture is a screenshot waiting for OCR
type Capture struct {
	ImagePath      string               `json:"image_path" msgpack:"image_path"`
	Hotkey         string               `json:"hotkey" msgpack:"hotkey"`
	ProcessingType domain.ProcessingType `json:"processing_type" msgpack:"processing_type"`
	Priority       queue.Priority       `json:"priority" msgpack:"priority"`
}

// Submission identifies the session and job created for a capture
type Submission struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	JobID     string `json:"job_id" msgpack:"job_id"`
}

// Pipeline wires the OCR queue to the engine
type Pipeline struct {
	store          *store.Store
	queue          Submitter
	engine         Engine
	parser         Parser
	processTimeout time.Duration
	log            zerolog.Logger
}

// New creates a pipeline. A nil parser defaults to NewLineParser().
func New(st *store.Store, q Submitter, engine Engine, parser Parser, log zerolog.Logger) *Pipeline {
	if parser == nil {
		parser = NewLineParser()
	}
	return &Pipeline{
		store:          st,
		queue:          q,
		engine:         engine,
		parser:         parser,
		processTimeout: 2 * time.Minute,
		log:            log.With().Str("component", "pipeline").Logger(),
	}
}

// Submit records a pending OCR session for c and queues its OCR job.
// Queue errors (queue.ErrQueueFull, queue.ErrNotRunning) are returned as-is after the
// session is marked failed.
func (p *Pipeline) Submit(ctx context.Context, c Capture) (*Submission, error) {
	if c.ImagePath == "" {
		return nil, fmt.Errorf("%w: image path is required", ErrInvalidCapture)
	}
	if c.ProcessingType == "" {
		c.ProcessingType = domain.ProcessingFull
	}
	if !c.ProcessingType.Valid() {
		return nil, fmt.Errorf("%w: unknown processing type %q", ErrInvalidCapture, c.ProcessingType)
	}

	session, err := p.store.CreateOcrSession(ctx, c.Hotkey, c.ProcessingType)
	if err != nil {
		return nil, err
	}

	job := &queue.Job{
		ImagePath: c.ImagePath,
		Hotkey:    c.Hotkey,
		Priority:  c.Priority,
	}
	job.Callback = p.complete(session.ID, c.ProcessingType, session.CreatedAt)

	jobID, err := p.queue.Submit(ctx, job)
	if err != nil {
		if uerr := p.store.UpdateOcrSession(ctx, session.ID, store.SessionUpdate{
			Status: domain.SessionFailed,
			Error:  err,
		}); uerr != nil {
			p.log.Error().Err(uerr).Str("session_id", session.ID).Msg("Failed to mark session failed")
		}
		return nil, err
	}

	p.log.Debug().
		Str("session_id", session.ID).
		Str("job_id", jobID).
		Str("hotkey", c.Hotkey).
		Msg("Capture queued")
	return &Submission{SessionID: session.ID, JobID: jobID}, nil
}

// Ingest processes an already-parsed round, bypassing OCR
func (p *Pipeline) Ingest(ctx context.Context, result domain.ParsingResult) (*domain.ChangeDetection, error) {
	if result.ProcessingType == "" {
		result.ProcessingType = domain.ProcessingFull
	}
	if !result.ProcessingType.Valid() {
		return nil, fmt.Errorf("%w: unknown processing type %q", ErrInvalidCapture, result.ProcessingType)
	}
	return p.engine.Process(ctx, []domain.ParsingResult{result})
}

// complete returns the job callback that finishes the session. It runs on a queue worker.
func (p *Pipeline) complete(sessionID string, pt domain.ProcessingType, started time.Time) queue.Callback {
	return func(job *queue.Job) error {
		ctx, cancel := context.WithTimeout(context.Background(), p.processTimeout)
		defer cancel()

		if job.Status != queue.StatusCompleted {
			return p.store.UpdateOcrSession(ctx, sessionID, store.SessionUpdate{
				Status:   domain.SessionFailed,
				Duration: p.since(started),
				Error:    job.Err(),
			})
		}

		if err := p.store.UpdateOcrSession(ctx, sessionID, store.SessionUpdate{
			Status: domain.SessionProcessing,
		}); err != nil {
			return err
		}

		parsed := p.parser.Parse(job.Result, job.Hotkey, pt)
		for _, msg := range parsed.Errors {
			p.log.Warn().Str("session_id", sessionID).Str("error", msg).Msg("Parse error")
		}

		update := store.SessionUpdate{
			Status:    domain.SessionCompleted,
			ItemCount: len(parsed.Items),
		}
		if len(parsed.Items) == 0 && len(parsed.Errors) > 0 {
			update.Status = domain.SessionFailed
			update.Error = fmt.Errorf("no items parsed: %s", strings.Join(parsed.Errors, "; "))
		} else if _, err := p.engine.Process(ctx, []domain.ParsingResult{parsed}); err != nil {
			update.Status = domain.SessionFailed
			update.Error = err
			p.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to process OCR round")
		}
		update.Duration = p.since(started)
		return p.store.UpdateOcrSession(ctx, sessionID, update)
	}
}

func (p *Pipeline) since(t time.Time) time.Duration {
	d := p.store.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
