package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferhq/coffer/internal/domain"
	testingpkg "github.com/cofferhq/coffer/internal/testing"
)

func newTestCoordinator(t *testing.T, callTimeout time.Duration, clients ...VenueClient) (*Coordinator, *CacheRepository, *RunRepository, func()) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "cache")
	cache := NewCacheRepository(db.Conn(), zerolog.Nop())
	runs := NewRunRepository(db.Conn(), zerolog.Nop())
	coord := NewCoordinator(clients, cache, runs, callTimeout, zerolog.Nop())

	return coord, cache, runs, cleanup
}

func TestSync_MergesAndDeduplicates(t *testing.T) {
	since := baseTime.Add(-time.Hour)

	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetTrades([]domain.Trade{
		makeTrade("g-1", "gateio", baseTime, domain.SideBuy, 100, 1.10),
		makeTrade("g-2", "gateio", baseTime.Add(time.Minute), domain.SideSell, 40, 1.20),
	})

	// The lbank view surfaces g-2 again under its own id
	lbank := testingpkg.NewMockVenueClient("lbank", "main")
	lbank.SetTrades([]domain.Trade{
		makeTrade("l-9", "lbank", baseTime.Add(time.Minute), domain.SideSell, 40, 1.20),
		makeTrade("l-10", "lbank", baseTime.Add(2*time.Minute), domain.SideBuy, 25, 1.15),
	})

	coord, cache, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio, lbank)
	defer cleanup()

	result, err := coord.Sync(context.Background(), since)
	require.NoError(t, err)

	assert.Equal(t, 4, result.TradesFetched)
	assert.Equal(t, 1, result.DuplicatesDropped)
	assert.Equal(t, 3, result.TradesNew)
	assert.Len(t, result.Trades, 3)
	assert.Empty(t, result.Failed)
	assert.True(t, result.Coverage.Complete)

	count, err := cache.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSync_CoverageStartIsLatestOldest(t *testing.T) {
	since := baseTime.Add(-48 * time.Hour)

	// gateio retains history back to the requested window
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetTrades([]domain.Trade{
		makeTrade("g-1", "gateio", baseTime.Add(-40*time.Hour), domain.SideBuy, 10, 1.0),
	})

	// lbank's history starts much later: its oldest fill bounds coverage
	lbank := testingpkg.NewMockVenueClient("lbank", "main")
	lbank.SetTrades([]domain.Trade{
		makeTrade("l-1", "lbank", baseTime.Add(-6*time.Hour), domain.SideBuy, 20, 1.0),
	})

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio, lbank)
	defer cleanup()

	result, err := coord.Sync(context.Background(), since)
	require.NoError(t, err)

	assert.True(t, result.Coverage.Complete)
	assert.Equal(t, baseTime.Add(-6*time.Hour), result.Coverage.Start)
	assert.Equal(t, baseTime.Add(-40*time.Hour), result.Coverage.PerVenue["gateio"])
	assert.Equal(t, baseTime.Add(-6*time.Hour), result.Coverage.PerVenue["lbank"])
}

func TestSync_EmptySuccessAttestsRequestedWindow(t *testing.T) {
	since := baseTime.Add(-24 * time.Hour)

	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	lbank := testingpkg.NewMockVenueClient("lbank", "main")

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio, lbank)
	defer cleanup()

	result, err := coord.Sync(context.Background(), since)
	require.NoError(t, err)

	assert.True(t, result.Coverage.Complete)
	assert.Equal(t, since, result.Coverage.Start)
	assert.Equal(t, 0, result.TradesFetched)
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetTrades([]domain.Trade{
		makeTrade("g-1", "gateio", baseTime, domain.SideBuy, 100, 1.10),
	})
	gateio.SetBalances([]domain.Balance{
		{Venue: "gateio", Account: "main", Asset: "XYZ", Free: 100},
	})

	lbank := testingpkg.NewMockVenueClient("lbank", "main")
	lbank.SetError(errors.New("venue exploded"))

	coord, cache, runs, cleanup := newTestCoordinator(t, 2*time.Second, gateio, lbank)
	defer cleanup()

	result, err := coord.Sync(context.Background(), baseTime.Add(-time.Hour))
	require.NoError(t, err)

	// The healthy account's data made it through
	assert.Equal(t, 1, result.TradesNew)
	assert.Len(t, result.Balances, 1)

	// The failed account is reported and excluded from coverage
	require.Contains(t, result.Failed, "lbank:main")
	assert.False(t, result.Coverage.Complete)
	assert.Equal(t, []string{"lbank:main"}, result.Coverage.Missing)
	assert.NotContains(t, result.Coverage.PerVenue, "lbank")

	count, err := cache.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recent, err := runs.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 1, recent[0].AccountsFailed)
	assert.Equal(t, 2, recent[0].AccountsTotal)
	assert.False(t, recent[0].Complete)
	assert.Contains(t, recent[0].Errors, "lbank:main")
}

func TestSync_TimeoutIsolatedPerAccount(t *testing.T) {
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetTrades([]domain.Trade{
		makeTrade("g-1", "gateio", baseTime, domain.SideBuy, 100, 1.10),
	})

	slow := testingpkg.NewMockVenueClient("lbank", "main")
	slow.SetDelay(500 * time.Millisecond)

	coord, _, _, cleanup := newTestCoordinator(t, 50*time.Millisecond, gateio, slow)
	defer cleanup()

	start := time.Now()
	result, err := coord.Sync(context.Background(), baseTime.Add(-time.Hour))
	require.NoError(t, err)

	require.Contains(t, result.Failed, "lbank:main")
	assert.Contains(t, result.Failed["lbank:main"], "context deadline exceeded")
	assert.Equal(t, 1, result.TradesNew)
	assert.False(t, result.Coverage.Complete)

	// The slow account timed out instead of holding the run hostage
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSync_ReingestionRunAddsNothing(t *testing.T) {
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetTrades([]domain.Trade{
		makeTrade("g-1", "gateio", baseTime, domain.SideBuy, 100, 1.10),
		makeTrade("g-2", "gateio", baseTime.Add(time.Minute), domain.SideSell, 40, 1.20),
	})

	coord, cache, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio)
	defer cleanup()

	first, err := coord.Sync(context.Background(), baseTime.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, first.TradesNew)

	second, err := coord.Sync(context.Background(), baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, second.TradesFetched)
	assert.Equal(t, 0, second.TradesNew)

	count, err := cache.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSync_CachesTransfers(t *testing.T) {
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetDeposits([]domain.Transfer{
		{
			TransferID: "d-1", Venue: "gateio", Account: "main",
			ExecutedAt: baseTime, Symbol: "XYZ",
			Kind: domain.TransferDeposit, Status: domain.TransferStatusCompleted, Amount: 500,
		},
	})
	gateio.SetWithdrawals([]domain.Transfer{
		{
			TransferID: "w-1", Venue: "gateio", Account: "main",
			ExecutedAt: baseTime.Add(time.Hour), Symbol: "XYZ",
			Kind: domain.TransferWithdrawal, Status: domain.TransferStatusCompleted, Amount: 120,
		},
	})

	coord, cache, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio)
	defer cleanup()

	result, err := coord.Sync(context.Background(), baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.TransfersNew)

	stored, err := cache.GetTransfers(TransferQuery{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestBalances_MergesAndReportsFailures(t *testing.T) {
	gateio := testingpkg.NewMockVenueClient("gateio", "main")
	gateio.SetBalances(testingpkg.NewBalanceFixtures()[:2])

	lbank := testingpkg.NewMockVenueClient("lbank", "main")
	lbank.SetError(errors.New("maintenance window"))

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, gateio, lbank)
	defer cleanup()

	balances, failed := coord.Balances(context.Background())
	assert.Len(t, balances, 2)
	require.Contains(t, failed, "lbank:main")
	assert.Contains(t, failed["lbank:main"], "maintenance window")
}

func TestPrices_FallsBackToNextAccount(t *testing.T) {
	broken := testingpkg.NewMockVenueClient("gateio", "main")
	broken.SetError(errors.New("down"))

	healthy := testingpkg.NewMockVenueClient("lbank", "main")
	healthy.SetPrices(map[string]float64{"XYZ_USDT": 1.234})

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, broken, healthy)
	defer cleanup()

	prices, err := coord.Prices(context.Background(), []string{"XYZ_USDT"})
	require.NoError(t, err)
	assert.Equal(t, 1.234, prices["XYZ_USDT"])
	assert.Equal(t, 1, healthy.Calls("prices"))
}

func TestPrices_AllAccountsFail(t *testing.T) {
	broken := testingpkg.NewMockVenueClient("gateio", "main")
	broken.SetError(errors.New("down"))

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, broken)
	defer cleanup()

	_, err := coord.Prices(context.Background(), []string{"XYZ_USDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all venue accounts failed")
}

func TestTotalByAsset_SumsAcrossAccounts(t *testing.T) {
	result := &SyncResult{Balances: testingpkg.NewBalanceFixtures()}

	totals := result.TotalByAsset()
	assert.InDelta(t, 5100.0, totals["XYZ"], 1e-9)
	assert.InDelta(t, 17550.0, totals["USDT"], 1e-9)
}

func TestAccounts_SortedLabels(t *testing.T) {
	lbank := testingpkg.NewMockVenueClient("lbank", "main")
	gateio := testingpkg.NewMockVenueClient("gateio", "treasury")

	coord, _, _, cleanup := newTestCoordinator(t, 2*time.Second, lbank, gateio)
	defer cleanup()

	assert.Equal(t, []string{"gateio:treasury", "lbank:main"}, coord.Accounts())
}
