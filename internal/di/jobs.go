package di

import (
	"github.com/aristath/marketwatch/internal/config"
	"github.com/aristath/marketwatch/internal/reliability"
	"github.com/aristath/marketwatch/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs adds every periodic job to the container's scheduler.
// Jobs with an empty schedule are disabled.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	instances := &JobInstances{
		StatusTransitions: scheduler.NewStatusTransitionsJob(container.Engine, log),
		InactiveSweep:     scheduler.NewInactiveSweepJob(container.Engine, cfg.Store.InactiveDays, log),
		Retention:         scheduler.NewRetentionJob(container.Store, cfg.Store.Retention(), log),
		Maintenance:       reliability.NewMaintenanceJob(container.DB, cfg.DataDir, log),
	}
	if container.BackupService != nil {
		instances.Backup = reliability.NewBackupJob(container.BackupService)
	}

	type scheduledJob struct {
		schedule string
		job      scheduler.Job
	}
	schedules := []scheduledJob{
		{cfg.Schedule.StatusTransitions, instances.StatusTransitions},
		{cfg.Schedule.InactiveSweep, instances.InactiveSweep},
		{cfg.Schedule.Retention, instances.Retention},
		{cfg.Schedule.Maintenance, instances.Maintenance},
	}
	if instances.Backup != nil {
		schedules = append(schedules, scheduledJob{cfg.Schedule.Backup, instances.Backup})
	}

	for _, s := range schedules {
		if err := container.Scheduler.AddJob(s.schedule, s.job); err != nil {
			return nil, err
		}
	}

	log.Info().Msg("Jobs registered")
	return instances, nil
}
