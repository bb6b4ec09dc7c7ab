package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/snapshots"
	"github.com/cofferhq/coffer/internal/resilience"
	"github.com/cofferhq/coffer/internal/scheduler"
)

// Handlers serves the treasury API: reports, cached history, balances,
// coverage and manual sync triggering.
type Handlers struct {
	log    zerolog.Logger
	symbol string

	reports   ReportBuilderInterface
	cache     TradeStoreInterface
	runs      RunStoreInterface
	balances  BalanceSourceInterface
	sync      SyncTriggerInterface
	snapshots SnapshotStoreInterface
	trends    TrendAnalyzerInterface
	marks     MarkSeriesInterface
	breakers  BreakerSourceInterface
}

// NewHandlers creates a new API handler set
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		log:       cfg.Log.With().Str("handler", "api").Logger(),
		symbol:    cfg.Symbol,
		reports:   cfg.Reports,
		cache:     cfg.Cache,
		runs:      cfg.Runs,
		balances:  cfg.Balances,
		sync:      cfg.Sync,
		snapshots: cfg.Snapshots,
		trends:    cfg.Trends,
		marks:     cfg.Marks,
		breakers:  cfg.Breakers,
	}
}

// HandleReport handles GET /api/report
//
// Builds a fresh report from the cache. When the live build fails and
// no explicit window was requested, the latest stored snapshot is
// served instead so readers keep working through venue outages.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	since, ok := h.parseTimeParam(w, r, "since")
	if !ok {
		return
	}

	if h.reports == nil {
		http.Error(w, "Report service not available", http.StatusServiceUnavailable)
		return
	}

	data := map[string]interface{}{}

	report, err := h.reports.BuildReport(r.Context(), since)
	if err != nil {
		h.log.Warn().Err(err).Msg("Live report build failed")

		snap := h.latestSnapshot()
		if snap == nil || !since.IsZero() {
			http.Error(w, "Failed to build report", http.StatusServiceUnavailable)
			return
		}

		report = snap.Report
		data["source"] = "snapshot"
		data["snapshot_run_id"] = snap.RunID
		data["snapshot_created_at"] = snap.CreatedAt.Format(time.RFC3339)
	} else {
		data["source"] = "live"
	}

	data["report"] = report

	// Trend context is best effort, a report without it is still valid
	if h.trends != nil {
		if stats, err := h.trends.Analyze(report.Symbol); err != nil {
			h.log.Warn().Err(err).Msg("Trend analysis failed")
		} else {
			data["trend"] = stats
		}
	}

	h.writeJSON(w, http.StatusOK, h.envelope(data))
}

// HandleBalances handles GET /api/balances
func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		http.Error(w, "Balance source not available", http.StatusServiceUnavailable)
		return
	}

	balances, failed := h.balances.Balances(r.Context())

	totals := make(map[string]float64)
	for _, balance := range balances {
		totals[balance.Asset] += balance.Total()
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"balances": balances,
		"totals":   totals,
		"failed":   failed,
		"count":    len(balances),
	}))
}

// HandleCoverage handles GET /api/coverage
//
// Reports how far back the cache is attested complete, taken from the
// most recent ingestion run.
func (h *Handlers) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.Recent(1)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ingestion runs")
		http.Error(w, "Failed to query ingestion runs", http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"attested": false,
	}

	if len(runs) > 0 {
		run := runs[0]
		data["attested"] = run.Complete && run.CoverageStart != nil
		data["run_id"] = run.ID
		data["complete"] = run.Complete
		data["accounts_total"] = run.AccountsTotal
		data["accounts_failed"] = run.AccountsFailed
		if run.CoverageStart != nil {
			data["coverage_start"] = run.CoverageStart.Format(time.RFC3339)
		}
		if run.FinishedAt != nil {
			data["as_of"] = run.FinishedAt.Format(time.RFC3339)
		}
	}

	h.writeJSON(w, http.StatusOK, h.envelope(data))
}

// HandleBreakers handles GET /api/breakers
func (h *Handlers) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	states := []resilience.Snapshot{}
	if h.breakers != nil {
		states = h.breakers.Snapshots()
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"breakers": states,
		"count":    len(states),
	}))
}

// HandleTrades handles GET /api/trades
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	since, ok := h.parseTimeParam(w, r, "since")
	if !ok {
		return
	}
	until, ok := h.parseTimeParam(w, r, "until")
	if !ok {
		return
	}

	query := ingest.TradeQuery{
		Since:   since,
		Until:   until,
		Venue:   r.URL.Query().Get("venue"),
		Account: r.URL.Query().Get("account"),
		Symbol:  r.URL.Query().Get("symbol"),
		Limit:   parseLimit(r, 100),
	}

	trades, err := h.cache.GetTrades(query)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query trades")
		http.Error(w, "Failed to query trades", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	}))
}

// HandleTransfers handles GET /api/transfers
func (h *Handlers) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	since, ok := h.parseTimeParam(w, r, "since")
	if !ok {
		return
	}
	until, ok := h.parseTimeParam(w, r, "until")
	if !ok {
		return
	}

	query := ingest.TransferQuery{
		Since:         since,
		Until:         until,
		CompletedOnly: r.URL.Query().Get("completed") == "true",
	}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		switch domain.TransferKind(strings.ToUpper(kind)) {
		case domain.TransferDeposit:
			query.Kind = domain.TransferDeposit
		case domain.TransferWithdrawal:
			query.Kind = domain.TransferWithdrawal
		default:
			http.Error(w, "Invalid transfer kind", http.StatusBadRequest)
			return
		}
	}

	transfers, err := h.cache.GetTransfers(query)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transfers")
		http.Error(w, "Failed to query transfers", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"transfers": transfers,
		"count":     len(transfers),
	}))
}

// HandleRuns handles GET /api/runs
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.Recent(parseLimit(r, 20))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ingestion runs")
		http.Error(w, "Failed to query ingestion runs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}))
}

// HandleSnapshots handles GET /api/snapshots
func (h *Handlers) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		http.Error(w, "Snapshot store not available", http.StatusServiceUnavailable)
		return
	}

	infos, err := h.snapshots.Recent(parseLimit(r, 20))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query snapshots")
		http.Error(w, "Failed to query snapshots", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"snapshots": infos,
		"count":     len(infos),
	}))
}

// HandleMarks handles GET /api/marks
func (h *Handlers) HandleMarks(w http.ResponseWriter, r *http.Request) {
	if h.marks == nil {
		http.Error(w, "Price history not available", http.StatusServiceUnavailable)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = h.symbol
	}

	marks, err := h.marks.Recent(symbol, parseLimit(r, 30))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query price marks")
		http.Error(w, "Failed to query price marks", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"symbol": symbol,
		"marks":  marks,
		"count":  len(marks),
	}))
}

// syncRequest is the optional POST /api/sync body.
type syncRequest struct {
	Since string `json:"since"`
}

// HandleSync handles POST /api/sync
//
// Triggers an ingestion cycle immediately. An explicit since timestamp
// forces a deeper backfill than the scheduled lookback would use.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		http.Error(w, "Sync service not available", http.StatusServiceUnavailable)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Since == "" {
		req.Since = r.URL.Query().Get("since")
	}

	var since time.Time
	if req.Since != "" {
		parsed, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			http.Error(w, "Invalid since timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	h.log.Info().Time("since", since).Msg("Manual sync triggered")

	result, err := h.sync.RunManual(r.Context(), since)
	if errors.Is(err, scheduler.ErrSyncBusy) {
		http.Error(w, "A sync cycle is already running", http.StatusConflict)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Manual sync failed")
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.envelope(map[string]interface{}{
		"result": result,
	}))
}

// latestSnapshot returns the newest stored snapshot, or nil when there
// is none or the store is unavailable.
func (h *Handlers) latestSnapshot() *snapshots.Snapshot {
	if h.snapshots == nil {
		return nil
	}

	snap, err := h.snapshots.Latest()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load latest snapshot")
		return nil
	}
	if snap == nil || snap.Report == nil {
		return nil
	}

	return snap
}

// parseTimeParam parses an optional RFC3339 query parameter. It writes
// a 400 response and returns false when the value is malformed.
func (h *Handlers) parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		http.Error(w, "Invalid "+name+" timestamp, expected RFC3339", http.StatusBadRequest)
		return time.Time{}, false
	}

	return parsed, true
}

// parseLimit parses the limit query parameter with a default
func parseLimit(r *http.Request, def int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// envelope wraps response data with standard metadata
func (h *Handlers) envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
