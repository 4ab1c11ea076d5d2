// Package server provides the HTTP API: capture submission, change history,
// job and session lookups, health, and the live change stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/aristath/marketwatch/internal/events"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/pipeline"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/scheduler"
	"github.com/aristath/marketwatch/internal/store"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	DB        *database.DB
	Store     *store.Store
	Bus       *events.Bus
	Engine    *monitor.Engine
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler // Optional; enables the job trigger route
	Port      int
	DevMode   bool
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	db        *database.DB
	store     *store.Store
	bus       *events.Bus
	engine    *monitor.Engine
	queue     *queue.Queue
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	port      int
	startedAt time.Time

	// systemStats is swapped in tests
	systemStats func() (cpuPercent, memPercent float64)
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		db:        cfg.DB,
		store:     cfg.Store,
		bus:       cfg.Bus,
		engine:    cfg.Engine,
		queue:     cfg.Queue,
		pipeline:  cfg.Pipeline,
		scheduler: cfg.Scheduler,
		port:      cfg.Port,
		startedAt: time.Now(),
	}
	s.systemStats = s.getSystemStats

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	origins := []string{"http://localhost:*", "http://127.0.0.1:*"}
	if devMode {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The change stream is long-lived and must not inherit the request timeout
		r.Get("/events/ws", s.handleEventsWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/health", s.handleSystemHealth)
			r.Get("/status", s.handleStatus)

			r.Post("/captures", s.handleSubmitCapture)
			r.Post("/results", s.handleIngestResult)

			r.Get("/jobs/{id}", s.handleGetJob)
			r.Delete("/jobs/{id}", s.handleCancelJob)
			r.Get("/sessions/{id}", s.handleGetSession)

			r.Get("/changes", s.handleListChanges)
			r.Get("/sales", s.handleListSales)
			r.Get("/items/{seller}/{item}/stats", s.handleItemStats)

			r.Post("/maintenance/{job}", s.handleRunJob)
		})
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
