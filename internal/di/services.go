package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aristath/marketwatch/internal/clients/ocr"
	"github.com/aristath/marketwatch/internal/config"
	"github.com/aristath/marketwatch/internal/events"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/pipeline"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/reliability"
	"github.com/aristath/marketwatch/internal/scheduler"
	"github.com/aristath/marketwatch/internal/store"
	"github.com/rs/zerolog"
)

// InitializeServices builds the store, engine, OCR queue and pipeline on top of the
// container's database. The queue is created but not started.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Store = store.New(container.DB, log)
	container.EventBus = events.NewBus(log)
	container.Engine = monitor.NewEngine(container.Store, container.EventBus, cfg.Monitor.EngineConfig(), log)

	container.OCRClient = ocr.NewClient(cfg.OCR.Endpoint, cfg.OCR.APIKey, cfg.OCR.Timeout, log)
	container.Queue = queue.New(container.OCRClient.Recognize, log,
		queue.WithMaxSize(cfg.Queue.MaxSize),
		queue.WithSubmitTimeout(cfg.Queue.SubmitTimeout),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithHistoryCap(cfg.Queue.HistoryCap),
		queue.WithBus(container.EventBus),
	)
	container.Pipeline = pipeline.New(container.Store, container.Queue, container.Engine, pipeline.NewLineParser(), log)

	container.Scheduler = scheduler.New(log)

	if cfg.Backup.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s3Client, err := reliability.NewS3Client(ctx, cfg.Backup.S3Config(), log)
		if err != nil {
			return fmt.Errorf("failed to create backup client: %w", err)
		}
		container.BackupService = reliability.NewBackupService(
			container.DB,
			s3Client,
			filepath.Join(cfg.DataDir, "backup-staging"),
			cfg.Backup.Prefix,
			cfg.Backup.Keep,
			log,
		)
	}

	return nil
}
