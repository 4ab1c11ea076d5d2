package server

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemHealthResponse is the body of GET /api/health
type systemHealthResponse struct {
	Status        string  `json:"status" msgpack:"status"`
	Database      string  `json:"database" msgpack:"database"`
	DatabaseError string  `json:"database_error,omitempty" msgpack:"database_error,omitempty"`
	CPUPercent    float64 `json:"cpu_percent" msgpack:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent" msgpack:"memory_percent"`
	QueueRunning  bool    `json:"queue_running" msgpack:"queue_running"`
	UptimeSeconds int64   `json:"uptime_seconds" msgpack:"uptime_seconds"`
}

// handleHealth is a liveness probe
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, r, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "marketwatch",
	})
}

// handleSystemHealth checks the database and reports host load
// GET /api/health
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := systemHealthResponse{
		Status:        "healthy",
		Database:      "ok",
		QueueRunning:  s.queue.Stats().Running,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	resp.CPUPercent, resp.MemoryPercent = s.systemStats()

	status := http.StatusOK
	if err := s.db.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error"
		resp.DatabaseError = err.Error()
		status = http.StatusServiceUnavailable
	} else if !resp.QueueRunning {
		resp.Status = "degraded"
	}

	s.writeResponse(w, r, status, resp)
}

// handleStatus reports combination counts, engine counters and queue depth
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.StatusSummary(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load status summary")
		s.writeError(w, r, http.StatusInternalServerError, "failed to load status")
		return
	}

	resp := statusResponse{
		Combinations: summary,
		Engine:       s.engine.Stats(),
		Queue:        s.queue.Stats(),
	}
	if s.scheduler != nil {
		resp.Jobs = s.scheduler.LastRuns()
	}
	s.writeResponse(w, r, http.StatusOK, resp)
}

// getSystemStats samples CPU over 100ms and reads memory usage
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
