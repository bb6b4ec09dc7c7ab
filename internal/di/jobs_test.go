package di

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterJobs(t *testing.T) {
	cfg := testConfig(t)
	container := initializedContainer(t, cfg)
	require.NoError(t, InitializeServices(container, cfg, zerolog.Nop()))

	jobs, err := RegisterJobs(container, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, jobs)

	assert.NotNil(t, jobs.Sync)
	assert.NotNil(t, jobs.Backup)
	assert.NotNil(t, jobs.Maintenance)
	require.NotNil(t, container.Scheduler)

	// All three jobs are on the board, sorted by name
	statuses := container.Scheduler.Jobs()
	require.Len(t, statuses, 3)
	assert.Equal(t, "backup", statuses[0].Name)
	assert.Equal(t, "maintenance", statuses[1].Name)
	assert.Equal(t, "sync_cycle", statuses[2].Name)
}

func TestRegisterJobs_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.SyncSchedule = "not a cron spec"
	container := initializedContainer(t, cfg)
	require.NoError(t, InitializeServices(container, cfg, zerolog.Nop()))

	jobs, err := RegisterJobs(container, cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, jobs)
}

func TestRegisterJobs_NilContainer(t *testing.T) {
	cfg := testConfig(t)

	jobs, err := RegisterJobs(nil, cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, jobs)
}
