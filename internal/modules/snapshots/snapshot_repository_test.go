package snapshots

import (
	"testing"
	"time"

	"github.com/cofferhq/coffer/internal/modules/ledger"
	testingpkg "github.com/cofferhq/coffer/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var snapTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSnapshotRepo(t *testing.T) (*Repository, func()) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "history")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func sampleReport(generatedAt time.Time, realized float64) *ledger.Report {
	return &ledger.Report{
		GeneratedAt: generatedAt,
		Symbol:      "XYZ_USDT",
		BaseAsset:   "XYZ",
		QuoteAsset:  "USDT",
		Window: ledger.ReportWindow{
			Start:    generatedAt.AddDate(0, 0, -30),
			End:      generatedAt,
			Clamped:  true,
			Attested: true,
			Complete: true,
		},
		Position: ledger.PositionState{Amount: 300, CostBasis: 330.3, AvgEntryPrice: 1.101, OpenLots: 1},
		Mark:     ledger.MarkQuote{Price: 1.25, Source: ledger.MarkSourceVenue, AsOf: generatedAt},
		PnL: ledger.PnLBreakdown{
			Realized:     realized,
			Unrealized:   44.7,
			CurrentValue: 375,
			MarkToMarket: realized + 44.7,
		},
	}
}

func TestSnapshotRepository_SaveAndLatestRoundtrip(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	require.NoError(t, repo.Save("run-1", sampleReport(snapTime, 219.2)))

	snap, err := repo.Latest()
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, snapTime, snap.CreatedAt)

	require.NotNil(t, snap.Report)
	assert.Equal(t, "XYZ_USDT", snap.Report.Symbol)
	assert.InDelta(t, 219.2, snap.Report.PnL.Realized, 1e-9)
	assert.InDelta(t, 1.25, snap.Report.Mark.Price, 1e-9)
	assert.True(t, snap.Report.Window.Clamped)
	assert.Equal(t, 1, snap.Report.Position.OpenLots)
}

func TestSnapshotRepository_LatestWinsByTime(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	require.NoError(t, repo.Save("run-1", sampleReport(snapTime, 100)))
	require.NoError(t, repo.Save("run-2", sampleReport(snapTime.Add(time.Hour), 200)))
	require.NoError(t, repo.Save("run-0", sampleReport(snapTime.Add(-time.Hour), 50)))

	snap, err := repo.Latest()
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "run-2", snap.RunID)
	assert.InDelta(t, 200, snap.Report.PnL.Realized, 1e-9)
}

func TestSnapshotRepository_LatestOnEmptyStore(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	snap, err := repo.Latest()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotRepository_RejectsNilReport(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	err := repo.Save("run-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil report")
}

func TestSnapshotRepository_RecentListsMetadata(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	require.NoError(t, repo.Save("run-1", sampleReport(snapTime, 100)))
	require.NoError(t, repo.Save("run-2", sampleReport(snapTime.Add(time.Hour), 200)))

	infos, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "run-2", infos[0].RunID)
	assert.Equal(t, "run-1", infos[1].RunID)
	assert.Greater(t, infos[0].SizeBytes, int64(0))
}

func TestSnapshotRepository_PruneKeepsNewest(t *testing.T) {
	repo, cleanup := newTestSnapshotRepo(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save("run", sampleReport(snapTime.Add(time.Duration(i)*time.Hour), float64(i))))
	}

	pruned, err := repo.Prune(2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pruned)

	infos, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	snap, err := repo.Latest()
	require.NoError(t, err)
	assert.InDelta(t, 4, snap.Report.PnL.Realized, 1e-9)
}
