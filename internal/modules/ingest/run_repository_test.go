package ingest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/cofferhq/coffer/internal/testing"
)

func newTestRunRepo(t *testing.T) (*RunRepository, func()) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "cache")
	return NewRunRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestRunRepository_StartFinishRoundtrip(t *testing.T) {
	repo, cleanup := newTestRunRepo(t)
	defer cleanup()

	id := uuid.New().String()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	since := started.Add(-24 * time.Hour)

	err := repo.Start(Run{ID: id, StartedAt: started, Since: since, AccountsTotal: 2})
	require.NoError(t, err)

	// An unfinished run reads back with no outcome yet
	recent, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
	assert.Nil(t, recent[0].FinishedAt)
	assert.Equal(t, since, recent[0].Since)
	assert.False(t, recent[0].Complete)

	finished := started.Add(12 * time.Second)
	coverage := since.Add(6 * time.Hour)
	err = repo.Finish(Run{
		ID:             id,
		FinishedAt:     &finished,
		AccountsFailed: 1,
		TradesFetched:  40,
		TradesNew:      12,
		CoverageStart:  &coverage,
		Complete:       false,
		Errors:         "lbank:main: timeout",
	})
	require.NoError(t, err)

	recent, err = repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	run := recent[0]
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, *run.FinishedAt)
	assert.Equal(t, 1, run.AccountsFailed)
	assert.Equal(t, 40, run.TradesFetched)
	assert.Equal(t, 12, run.TradesNew)
	require.NotNil(t, run.CoverageStart)
	assert.Equal(t, coverage, *run.CoverageStart)
	assert.Equal(t, "lbank:main: timeout", run.Errors)
}

func TestRunRepository_FinishUnknownRun(t *testing.T) {
	repo, cleanup := newTestRunRepo(t)
	defer cleanup()

	err := repo.Finish(Run{ID: "no-such-run"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run with id")
}

func TestRunRepository_RecentOrdering(t *testing.T) {
	repo, cleanup := newTestRunRepo(t)
	defer cleanup()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := repo.Start(Run{
			ID:            uuid.New().String(),
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			Since:         base.Add(-24 * time.Hour),
			AccountsTotal: 1,
		})
		require.NoError(t, err)
	}

	recent, err := repo.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(2*time.Hour), recent[0].StartedAt)
	assert.Equal(t, base.Add(time.Hour), recent[1].StartedAt)
}
