package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/marketwatch/internal/domain"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/pipeline"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/scheduler"
	"github.com/aristath/marketwatch/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// captureRequest is the body of POST /api/captures
type captureRequest struct {
	ImagePath      string `json:"image_path" msgpack:"image_path"`
	Hotkey         string `json:"hotkey" msgpack:"hotkey"`
	ProcessingType string `json:"processing_type" msgpack:"processing_type"`
	Priority       string `json:"priority" msgpack:"priority"`
}

// statusResponse is the body of GET /api/status
type statusResponse struct {
	Combinations map[domain.Status]int       `json:"combinations" msgpack:"combinations"`
	Engine       monitor.Stats               `json:"engine" msgpack:"engine"`
	Queue        queue.Stats                 `json:"queue" msgpack:"queue"`
	Jobs         map[string]scheduler.JobRun `json:"jobs,omitempty" msgpack:"jobs,omitempty"`
}

// handleSubmitCapture queues a screenshot for OCR
// POST /api/captures
func (s *Server) handleSubmitCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.pipeline.Submit(r.Context(), pipeline.Capture{
		ImagePath:      req.ImagePath,
		Hotkey:         req.Hotkey,
		ProcessingType: domain.ProcessingType(req.ProcessingType),
		Priority:       priority,
	})
	switch {
	case err == nil:
		s.writeResponse(w, r, http.StatusAccepted, sub)
	case errors.Is(err, pipeline.ErrInvalidCapture):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrNotRunning):
		w.Header().Set("Retry-After", "2")
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Msg("Failed to submit capture")
		s.writeError(w, r, http.StatusInternalServerError, "failed to submit capture")
	}
}

// handleIngestResult processes an already-parsed round
// POST /api/results
func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	var result domain.ParsingResult
	if err := decodeBody(r, &result); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	detection, err := s.pipeline.Ingest(r.Context(), result)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidCapture) {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("hotkey", result.Hotkey).Msg("Failed to ingest result")
		s.writeError(w, r, http.StatusInternalServerError, "failed to process result")
		return
	}
	s.writeResponse(w, r, http.StatusOK, detection)
}

// handleGetJob returns an OCR job
// GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Status(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "job not found")
		return
	}
	s.writeResponse(w, r, http.StatusOK, job)
}

// handleCancelJob cancels a job that has not started yet
// DELETE /api/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.Cancel(id) {
		s.writeError(w, r, http.StatusConflict, "job is not pending")
		return
	}
	s.writeResponse(w, r, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

// handleGetSession returns an OCR session
// GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetOcrSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load session")
		s.writeError(w, r, http.StatusInternalServerError, "failed to load session")
		return
	}
	s.writeResponse(w, r, http.StatusOK, session)
}

// handleListChanges returns change log entries, newest first
// GET /api/changes?seller=&item=&type=&limit=
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.ChangeFilter{
		Seller: q.Get("seller"),
		Item:   q.Get("item"),
		Limit:  limit,
	}
	if t := q.Get("type"); t != "" {
		ct, err := domain.ParseChangeType(t)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.ChangeType = ct
	}

	changes, err := s.store.RecentChanges(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list changes")
		s.writeError(w, r, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if changes == nil {
		changes = []domain.ChangeLogEntry{}
	}
	s.writeResponse(w, r, http.StatusOK, changes)
}

// handleListSales returns inferred sales, newest first
// GET /api/sales?limit=
func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sales, err := s.store.RecentSales(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list sales")
		s.writeError(w, r, http.StatusInternalServerError, "failed to list sales")
		return
	}
	if sales == nil {
		sales = []domain.SaleRecord{}
	}
	s.writeResponse(w, r, http.StatusOK, sales)
}

// handleItemStats returns price statistics for one combination
// GET /api/items/{seller}/{item}/stats
func (s *Server) handleItemStats(w http.ResponseWriter, r *http.Request) {
	comb := domain.Combination{Seller: chi.URLParam(r, "seller"), Item: chi.URLParam(r, "item")}

	stats, err := s.store.PriceStats(r.Context(), comb)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "no price history")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("seller", comb.Seller).Str("item", comb.Item).Msg("Failed to compute price stats")
		s.writeError(w, r, http.StatusInternalServerError, "failed to compute price stats")
		return
	}
	s.writeResponse(w, r, http.StatusOK, stats)
}

// handleRunJob runs a registered maintenance job immediately
// POST /api/maintenance/{job}
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, r, http.StatusNotFound, "scheduler not configured")
		return
	}

	name := chi.URLParam(r, "job")
	err := s.scheduler.RunByName(name)
	switch {
	case err == nil:
		s.writeResponse(w, r, http.StatusOK, map[string]string{"job": name, "status": "completed"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

// parseLimit parses a list limit, defaulting to 50 and capping at 1000
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
