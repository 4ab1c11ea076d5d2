// Package main is the marketwatch server: it receives captured market screenshots,
// runs them through OCR, and tracks seller listings, price changes and sales.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/marketwatch/internal/config"
	"github.com/aristath/marketwatch/internal/di"
	"github.com/aristath/marketwatch/internal/server"
	"github.com/aristath/marketwatch/pkg/logger"
)

// main starts the server and blocks until SIGINT or SIGTERM.
// Shutdown order: HTTP server, scheduler, OCR queue, database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting marketwatch")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	log.Info().Bool("backups", jobs.Backup != nil).Msg("Dependencies wired")

	srv := server.New(server.Config{
		Log:       log,
		DB:        container.DB,
		Store:     container.Store,
		Bus:       container.EventBus,
		Engine:    container.Engine,
		Queue:     container.Queue,
		Pipeline:  container.Pipeline,
		Scheduler: container.Scheduler,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	if err := container.Start(cfg.Queue.Workers); err != nil {
		log.Fatal().Err(err).Msg("Failed to start background services")
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	container.Shutdown(cfg.Queue.StopTimeout, log)
	log.Info().Msg("Server stopped")
}
