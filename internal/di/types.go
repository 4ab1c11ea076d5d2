// Package di wires the application's components together.
//
// Container holds every long-lived component. It is built by Wire and torn down by
// Shutdown; handlers receive the pieces they need from it.
package di

import (
	"github.com/aristath/marketwatch/internal/clients/ocr"
	"github.com/aristath/marketwatch/internal/database"
	"github.com/aristath/marketwatch/internal/events"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/pipeline"
	"github.com/aristath/marketwatch/internal/queue"
	"github.com/aristath/marketwatch/internal/reliability"
	"github.com/aristath/marketwatch/internal/scheduler"
	"github.com/aristath/marketwatch/internal/store"
)

// Container holds all application dependencies
type Container struct {
	DB *database.DB

	Store    *store.Store
	EventBus *events.Bus
	Engine   *monitor.Engine

	OCRClient *ocr.Client
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline

	Scheduler     *scheduler.Scheduler
	BackupService *reliability.BackupService // nil when backups are disabled
}

// JobInstances holds the registered periodic jobs so they can be triggered manually
type JobInstances struct {
	StatusTransitions scheduler.Job
	InactiveSweep     scheduler.Job
	Retention         scheduler.Job
	Maintenance       scheduler.Job
	Backup            scheduler.Job // nil when backups are disabled
}
