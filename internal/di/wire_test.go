package di

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWire(t *testing.T) {
	cfg := testConfig(t)
	log := zerolog.Nop()

	container, jobs, err := Wire(cfg, log)
	require.NoError(t, err)
	require.NotNil(t, container)
	require.NotNil(t, jobs)

	t.Cleanup(container.Close)

	// Verify container is fully populated
	assert.NotNil(t, container.CacheDB)
	assert.NotNil(t, container.HistoryDB)
	assert.NotNil(t, container.CacheRepo)
	assert.NotNil(t, container.Coordinator)
	assert.NotNil(t, container.ReportService)
	assert.NotNil(t, container.Scheduler)
	assert.Len(t, container.Clients, 2)

	// Verify jobs are registered
	assert.NotNil(t, jobs.Sync)
	assert.NotNil(t, jobs.Backup)
	assert.NotNil(t, jobs.Maintenance)
}

func TestWire_MockSyncRoundTrip(t *testing.T) {
	// With mock venues the whole wired stack can run one real sync
	// cycle end to end: fetch, dedup, persist, report, snapshot
	cfg := testConfig(t)

	container, jobs, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	result, err := jobs.Sync.RunManual(context.Background(), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Empty(t, result.Failed)
	assert.True(t, result.Coverage.Complete)
	assert.Positive(t, result.TradesNew)

	// The cycle persisted a run and a report snapshot
	runs, err := container.RunRepo.Recent(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Complete)

	snap, err := container.SnapshotRepo.Latest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, runs[0].ID, snap.RunID)
}

func TestWire_BadScheduleFailsWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupSchedule = "whenever"

	container, jobs, err := Wire(cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, container)
	assert.Nil(t, jobs)
}
