package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultBackupTimeout = 30 * time.Minute

// BackupJob runs the daily backup cycle
type BackupJob struct {
	backups BackupServiceInterface
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackupJob creates a backup job
func NewBackupJob(backups BackupServiceInterface, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		timeout: defaultBackupTimeout,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run executes one backup cycle
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	return j.backups.Run(ctx)
}
