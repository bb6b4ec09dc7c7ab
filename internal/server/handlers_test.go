package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
	"github.com/cofferhq/coffer/internal/modules/pricehist"
	"github.com/cofferhq/coffer/internal/modules/snapshots"
	"github.com/cofferhq/coffer/internal/resilience"
	"github.com/cofferhq/coffer/internal/scheduler"
	testingpkg "github.com/cofferhq/coffer/internal/testing"
)

type stubReportBuilder struct {
	report *ledger.Report
	err    error
	since  time.Time
}

func (s *stubReportBuilder) BuildReport(ctx context.Context, since time.Time) (*ledger.Report, error) {
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

type stubBalanceSource struct {
	balances []domain.Balance
	failed   map[string]string
}

func (s *stubBalanceSource) Balances(ctx context.Context) ([]domain.Balance, map[string]string) {
	return s.balances, s.failed
}

type stubSyncTrigger struct {
	result *ingest.SyncResult
	err    error
	since  time.Time
	calls  int
}

func (s *stubSyncTrigger) RunManual(ctx context.Context, since time.Time) (*ingest.SyncResult, error) {
	s.calls++
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubTrendAnalyzer struct {
	stats *pricehist.Stats
	err   error
}

func (s *stubTrendAnalyzer) Analyze(symbol string) (*pricehist.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stats, nil
}

type stubBreakerSource struct {
	snaps []resilience.Snapshot
}

func (s *stubBreakerSource) Snapshots() []resilience.Snapshot {
	return s.snaps
}

func sampleReport() *ledger.Report {
	return &ledger.Report{
		GeneratedAt: time.Now().UTC(),
		Symbol:      "XYZ_USDT",
		BaseAsset:   "XYZ",
		QuoteAsset:  "USDT",
		Mark: ledger.MarkQuote{
			Price:  1.25,
			Source: ledger.MarkSourceFeed,
			AsOf:   time.Now().UTC(),
		},
	}
}

// handlersEnv wires the handlers over real repositories on migrated
// test databases, with stubs for everything that would reach a venue.
type handlersEnv struct {
	cfg       Config
	handlers  *Handlers
	cache     *ingest.CacheRepository
	runs      *ingest.RunRepository
	snapshots *snapshots.Repository
	marks     *pricehist.MarkRepository
	reports   *stubReportBuilder
	balances  *stubBalanceSource
	sync      *stubSyncTrigger
	trends    *stubTrendAnalyzer
	breakers  *stubBreakerSource
}

func newTestHandlers(t *testing.T) *handlersEnv {
	t.Helper()

	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanupCache)
	historyDB, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)

	env := &handlersEnv{
		cache:     ingest.NewCacheRepository(cacheDB.Conn(), zerolog.Nop()),
		runs:      ingest.NewRunRepository(cacheDB.Conn(), zerolog.Nop()),
		snapshots: snapshots.NewRepository(historyDB.Conn(), zerolog.Nop()),
		marks:     pricehist.NewMarkRepository(historyDB.Conn(), zerolog.Nop()),
		reports:   &stubReportBuilder{report: sampleReport()},
		balances:  &stubBalanceSource{balances: testingpkg.NewBalanceFixtures(), failed: map[string]string{}},
		sync:      &stubSyncTrigger{result: &ingest.SyncResult{RunID: "manual-1"}},
		trends:    &stubTrendAnalyzer{err: errors.New("no mark series yet")},
		breakers:  &stubBreakerSource{},
	}

	env.cfg = Config{
		Log:       zerolog.Nop(),
		Symbol:    "XYZ_USDT",
		DataDir:   t.TempDir(),
		Databases: []*database.DB{cacheDB, historyDB},
		Reports:   env.reports,
		Cache:     env.cache,
		Runs:      env.runs,
		Balances:  env.balances,
		Sync:      env.sync,
		Snapshots: env.snapshots,
		Trends:    env.trends,
		Marks:     env.marks,
		Breakers:  env.breakers,
	}
	env.handlers = NewHandlers(env.cfg)

	return env
}

func (env *handlersEnv) seedTrades(t *testing.T) {
	t.Helper()

	_, err := env.cache.SaveTrades(testingpkg.NewTradeFixtures())
	require.NoError(t, err)
	_, err = env.cache.SaveTransfers(testingpkg.NewTransferFixtures())
	require.NoError(t, err)
}

func (env *handlersEnv) seedRun(t *testing.T, run ingest.Run) {
	t.Helper()

	require.NoError(t, env.runs.Start(run))
	require.NoError(t, env.runs.Finish(run))
}

// decodeData unwraps the data field of the standard response envelope.
func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Contains(t, response, "data")
	require.Contains(t, response, "metadata")
	return response["data"].(map[string]interface{})
}

func TestHandleTrades(t *testing.T) {
	env := newTestHandlers(t)
	env.seedTrades(t)

	req := httptest.NewRequest("GET", "/api/trades", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleTrades(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	data := decodeData(t, w)

	// Five fixture fills, one of which is the same execution reported
	// by two venues, so four distinct rows survive
	assert.Equal(t, float64(4), data["count"])
	trades := data["trades"].([]interface{})
	assert.Len(t, trades, 4)
}

func TestHandleTrades_VenueFilter(t *testing.T) {
	env := newTestHandlers(t)
	env.seedTrades(t)

	req := httptest.NewRequest("GET", "/api/trades?venue=gateio", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleTrades(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	trades := data["trades"].([]interface{})
	require.Len(t, trades, 3)
	for _, raw := range trades {
		trade := raw.(map[string]interface{})
		assert.Equal(t, "gateio", trade["venue"])
	}
}

func TestHandleTrades_WindowFilter(t *testing.T) {
	env := newTestHandlers(t)
	env.seedTrades(t)

	since := testingpkg.FixtureTime.Add(time.Hour).Format(time.RFC3339)
	req := httptest.NewRequest("GET", "/api/trades?since="+since, nil)
	w := httptest.NewRecorder()

	env.handlers.HandleTrades(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(2), data["count"])
}

func TestHandleTrades_MalformedSince(t *testing.T) {
	env := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/api/trades?since=yesterday", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleTrades(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTransfers_KindAndStatusFilters(t *testing.T) {
	env := newTestHandlers(t)
	env.seedTrades(t)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"withdrawals", "?kind=withdrawal", 2},
		{"completed only", "?completed=true", 2},
		{"completed withdrawals", "?kind=WITHDRAWAL&completed=true", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/transfers"+tc.query, nil)
			w := httptest.NewRecorder()

			env.handlers.HandleTransfers(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			data := decodeData(t, w)
			assert.Equal(t, float64(tc.want), data["count"])
		})
	}
}

func TestHandleTransfers_InvalidKind(t *testing.T) {
	env := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/api/transfers?kind=sideways", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleTransfers(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRuns(t *testing.T) {
	env := newTestHandlers(t)

	earlier := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	later := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	env.seedRun(t, ingest.Run{ID: "run-1", StartedAt: earlier, Since: earlier.Add(-time.Hour), AccountsTotal: 2, FinishedAt: &earlier, Complete: true})
	env.seedRun(t, ingest.Run{ID: "run-2", StartedAt: later, Since: later.Add(-time.Hour), AccountsTotal: 2, FinishedAt: &later, Complete: false})

	req := httptest.NewRequest("GET", "/api/runs", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleRuns(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	runs := data["runs"].([]interface{})
	require.Len(t, runs, 2)

	newest := runs[0].(map[string]interface{})
	assert.Equal(t, "run-2", newest["id"])
}

func TestHandleCoverage_Attested(t *testing.T) {
	env := newTestHandlers(t)

	started := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	coverage := time.Date(2024, 4, 24, 7, 0, 0, 0, time.UTC)
	env.seedRun(t, ingest.Run{
		ID:            "run-9",
		StartedAt:     started,
		Since:         coverage,
		AccountsTotal: 2,
		FinishedAt:    &started,
		CoverageStart: &coverage,
		Complete:      true,
	})

	req := httptest.NewRequest("GET", "/api/coverage", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleCoverage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, true, data["attested"])
	assert.Equal(t, "run-9", data["run_id"])
	assert.Equal(t, coverage.Format(time.RFC3339), data["coverage_start"])
}

func TestHandleCoverage_EmptyCache(t *testing.T) {
	env := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/api/coverage", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleCoverage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, false, data["attested"])
	assert.NotContains(t, data, "run_id")
}

func TestHandleReport_Live(t *testing.T) {
	env := newTestHandlers(t)
	env.trends.err = nil
	env.trends.stats = &pricehist.Stats{Symbol: "XYZ_USDT", Marks: 12, Last: 1.25}

	req := httptest.NewRequest("GET", "/api/report", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "live", data["source"])

	report := data["report"].(map[string]interface{})
	assert.Equal(t, "XYZ_USDT", report["symbol"])

	trend := data["trend"].(map[string]interface{})
	assert.Equal(t, float64(12), trend["marks"])
}

func TestHandleReport_TrendFailureIsNotFatal(t *testing.T) {
	env := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/api/report", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "live", data["source"])
	assert.NotContains(t, data, "trend")
}

func TestHandleReport_ForwardsSinceWindow(t *testing.T) {
	env := newTestHandlers(t)

	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	req := httptest.NewRequest("GET", "/api/report?since="+since.Format(time.RFC3339), nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, since, env.reports.since)
}

func TestHandleReport_FallsBackToSnapshot(t *testing.T) {
	env := newTestHandlers(t)
	require.NoError(t, env.snapshots.Save("run-7", sampleReport()))
	env.reports.err = errors.New("every venue is down")

	req := httptest.NewRequest("GET", "/api/report", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "snapshot", data["source"])
	assert.Equal(t, "run-7", data["snapshot_run_id"])

	report := data["report"].(map[string]interface{})
	assert.Equal(t, "XYZ_USDT", report["symbol"])
}

func TestHandleReport_ExplicitWindowNeverServesSnapshot(t *testing.T) {
	env := newTestHandlers(t)
	require.NoError(t, env.snapshots.Save("run-7", sampleReport()))
	env.reports.err = errors.New("every venue is down")

	req := httptest.NewRequest("GET", "/api/report?since=2024-04-01T00:00:00Z", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleReport_NoSnapshotMeansUnavailable(t *testing.T) {
	env := newTestHandlers(t)
	env.reports.err = errors.New("every venue is down")

	req := httptest.NewRequest("GET", "/api/report", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleReport(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleBalances(t *testing.T) {
	env := newTestHandlers(t)
	env.balances.failed = map[string]string{"lbank:main": "breaker open"}

	req := httptest.NewRequest("GET", "/api/balances", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleBalances(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(4), data["count"])

	totals := data["totals"].(map[string]interface{})
	assert.InDelta(t, 5100.0, totals["XYZ"], 1e-9)
	assert.InDelta(t, 17550.0, totals["USDT"], 1e-9)

	failed := data["failed"].(map[string]interface{})
	assert.Equal(t, "breaker open", failed["lbank:main"])
}

func TestHandleSnapshots(t *testing.T) {
	env := newTestHandlers(t)
	require.NoError(t, env.snapshots.Save("run-1", sampleReport()))

	req := httptest.NewRequest("GET", "/api/snapshots", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleSnapshots(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(1), data["count"])

	infos := data["snapshots"].([]interface{})
	info := infos[0].(map[string]interface{})
	assert.Equal(t, "run-1", info["run_id"])
}

func TestHandleMarks_DefaultsToConfiguredSymbol(t *testing.T) {
	env := newTestHandlers(t)
	require.NoError(t, env.marks.Record("XYZ_USDT", 1.20, "venue", testingpkg.FixtureTime))
	require.NoError(t, env.marks.Record("XYZ_USDT", 1.25, "feed", testingpkg.FixtureTime.Add(24*time.Hour)))

	req := httptest.NewRequest("GET", "/api/marks", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleMarks(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "XYZ_USDT", data["symbol"])
	assert.Equal(t, float64(2), data["count"])
}

func TestHandleBreakers(t *testing.T) {
	env := newTestHandlers(t)
	env.breakers.snaps = []resilience.Snapshot{
		{Name: "gateio:main", State: "CLOSED"},
		{Name: "lbank:main", State: "OPEN", Failures: 5},
	}

	req := httptest.NewRequest("GET", "/api/breakers", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleBreakers(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(2), data["count"])

	breakers := data["breakers"].([]interface{})
	open := breakers[1].(map[string]interface{})
	assert.Equal(t, "OPEN", open["state"])
}

func TestHandleSync_ExplicitSince(t *testing.T) {
	env := newTestHandlers(t)

	body := strings.NewReader(`{"since": "2023-01-01T00:00:00Z"}`)
	req := httptest.NewRequest("POST", "/api/sync", body)
	w := httptest.NewRecorder()

	env.handlers.HandleSync(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.sync.calls)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), env.sync.since)

	data := decodeData(t, w)
	result := data["result"].(map[string]interface{})
	assert.Equal(t, "manual-1", result["run_id"])
}

func TestHandleSync_EmptyBodyUsesDefaultWindow(t *testing.T) {
	env := newTestHandlers(t)

	req := httptest.NewRequest("POST", "/api/sync", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleSync(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.sync.calls)
	assert.True(t, env.sync.since.IsZero())
}

func TestHandleSync_BusyReturnsConflict(t *testing.T) {
	env := newTestHandlers(t)
	env.sync.err = scheduler.ErrSyncBusy

	req := httptest.NewRequest("POST", "/api/sync", nil)
	w := httptest.NewRecorder()

	env.handlers.HandleSync(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleSync_RejectsMalformedSince(t *testing.T) {
	env := newTestHandlers(t)

	body := strings.NewReader(`{"since": "last tuesday"}`)
	req := httptest.NewRequest("POST", "/api/sync", body)
	w := httptest.NewRecorder()

	env.handlers.HandleSync(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, env.sync.calls)
}
