// Package reliability keeps the store healthy: WAL checkpoints, integrity checks,
// disk space monitoring and offsite backups.
package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	// Below this much free space maintenance fails
	criticalFreeBytes = 256 * 1024 * 1024
	// Below this fraction of free space maintenance warns
	warnFreeRatio = 0.10
)

// MaintenanceJob checkpoints the WAL, runs a quick integrity check and watches disk space
type MaintenanceJob struct {
	db      *database.DB
	dataDir string
	log     zerolog.Logger

	// diskUsage is swapped in tests
	diskUsage func(path string) (*disk.UsageStat, error)
}

// NewMaintenanceJob creates a new maintenance job for db, checking free space on dataDir
func NewMaintenanceJob(db *database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:        db,
		dataDir:   dataDir,
		log:       log.With().Str("job", "maintenance").Logger(),
		diskUsage: disk.Usage,
	}
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance job
func (j *MaintenanceJob) Run() error {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Msg("CRITICAL: database integrity check failed")
		return err
	}

	// Not critical; the next run retries
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	if stats, err := j.db.GetStats(); err == nil {
		j.log.Debug().
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_size_bytes", stats.WALSizeBytes).
			Int64("freelist_count", stats.FreelistCount).
			Msg("Database stats")
	}

	j.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}

// checkDiskSpace fails when free space is critically low and warns when it runs short
func (j *MaintenanceJob) checkDiskSpace() error {
	if j.dataDir == "" {
		return nil
	}

	usage, err := j.diskUsage(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Str("path", j.dataDir).Msg("Failed to read disk usage")
		return nil
	}

	if usage.Free < criticalFreeBytes {
		j.log.Error().
			Uint64("free_bytes", usage.Free).
			Str("path", j.dataDir).
			Msg("CRITICAL: disk space exhausted")
		return fmt.Errorf("only %d bytes free on %s", usage.Free, j.dataDir)
	}
	if usage.Total > 0 && float64(usage.Free)/float64(usage.Total) < warnFreeRatio {
		j.log.Warn().
			Uint64("free_bytes", usage.Free).
			Float64("used_percent", usage.UsedPercent).
			Msg("Disk space running low")
	}
	return nil
}
