// Package di provides dependency injection for scheduler jobs.
package di

import (
	"fmt"

	"github.com/cofferhq/coffer/internal/config"
	"github.com/cofferhq/coffer/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the cron scheduler and registers all recurring
// jobs. Returns JobInstances for manual triggering via the API. The
// scheduler is created stopped; the caller starts it once the process
// is ready.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	sched := scheduler.New(log)
	instances := &JobInstances{}

	// Sync cycle: pull every venue-account, record the price mark,
	// persist a report snapshot
	syncJob := scheduler.NewSyncJob(scheduler.SyncJobConfig{
		Log:         log,
		Coordinator: container.Coordinator,
		Runs:        container.RunRepo,
		Reports:     container.ReportService,
		Snapshots:   container.SnapshotRepo,
		Marks:       container.PriceService,
	})
	if err := sched.AddJob(cfg.SyncSchedule, syncJob); err != nil {
		return nil, fmt.Errorf("failed to schedule sync job: %w", err)
	}
	instances.Sync = syncJob

	// Nightly backup archive
	backupJob := scheduler.NewBackupJob(container.BackupService, log)
	if err := sched.AddJob(cfg.BackupSchedule, backupJob); err != nil {
		return nil, fmt.Errorf("failed to schedule backup job: %w", err)
	}
	instances.Backup = backupJob

	// Nightly maintenance pass
	maintenanceJob := scheduler.NewMaintenanceJob(container.MaintenanceService, log)
	if err := sched.AddJob(cfg.MaintenanceSchedule, maintenanceJob); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance job: %w", err)
	}
	instances.Maintenance = maintenanceJob

	container.Scheduler = sched

	log.Info().
		Str("sync", cfg.SyncSchedule).
		Str("backup", cfg.BackupSchedule).
		Str("maintenance", cfg.MaintenanceSchedule).
		Msg("Jobs registered")

	return instances, nil
}
