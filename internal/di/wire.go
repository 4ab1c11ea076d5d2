package di

import (
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Initialize database
// 2. Initialize services
// 3. Register jobs
// Nothing is started; call Start once the HTTP server is ready.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	container, err := InitializeDatabase(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.DB.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.DB.Close()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	return container, jobs, nil
}

// Start launches the OCR workers and the scheduler
func (c *Container) Start(workers int) error {
	if err := c.Queue.Start(workers); err != nil {
		return err
	}
	c.Scheduler.Start()
	return nil
}

// Shutdown stops the scheduler, drains the OCR queue and closes the database.
// In-flight OCR jobs get queueTimeout to finish.
func (c *Container) Shutdown(queueTimeout time.Duration, log zerolog.Logger) {
	c.Scheduler.Stop()

	if err := c.Queue.Stop(queueTimeout); err != nil {
		log.Warn().Err(err).Msg("OCR queue did not stop cleanly")
	}

	if err := c.DB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}
	if err := c.DB.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
