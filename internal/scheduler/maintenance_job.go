package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaintenanceTimeout = 30 * time.Minute

// MaintenanceJob runs the daily housekeeping pass
type MaintenanceJob struct {
	maintenance MaintenanceServiceInterface
	timeout     time.Duration
	log         zerolog.Logger
}

// NewMaintenanceJob creates a maintenance job
func NewMaintenanceJob(maintenance MaintenanceServiceInterface, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		maintenance: maintenance,
		timeout:     defaultMaintenanceTimeout,
		log:         log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes one maintenance pass
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	return j.maintenance.Run(ctx)
}
