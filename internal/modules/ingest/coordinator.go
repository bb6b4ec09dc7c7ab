// Package ingest pulls trades, transfers and balances from every
// configured venue-account, persists them in the durable trade cache,
// and computes the coverage window for which the merged data is attested
// complete across venues.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/domain"
)

// VenueClient is the slice of the resilient venue client the coordinator
// fans out over.
type VenueClient interface {
	Venue() string
	Account() string
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	GetTrades(ctx context.Context, since time.Time) ([]domain.Trade, error)
	GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error)
	GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// SyncResult summarizes one ingestion run.
type SyncResult struct {
	RunID             string                `json:"run_id"`
	StartedAt         time.Time             `json:"started_at"`
	Duration          time.Duration         `json:"duration"`
	Since             time.Time             `json:"since"`
	Trades            []domain.Trade        `json:"-"`
	TradesFetched     int                   `json:"trades_fetched"`
	TradesNew         int                   `json:"trades_new"`
	DuplicatesDropped int                   `json:"duplicates_dropped"`
	TransfersNew      int                   `json:"transfers_new"`
	Balances          []domain.Balance      `json:"balances"`
	Coverage          domain.CoverageWindow `json:"coverage"`
	Failed            map[string]string     `json:"failed,omitempty"`
}

// TotalByAsset sums free plus locked balances per asset across every
// venue-account that responded.
func (r *SyncResult) TotalByAsset() map[string]float64 {
	totals := make(map[string]float64)
	for _, balance := range r.Balances {
		totals[balance.Asset] += balance.Total()
	}
	return totals
}

// Coordinator fans ingestion out across venue-accounts with per-call
// timeouts and per-account failure isolation.
type Coordinator struct {
	clients     []VenueClient
	cache       *CacheRepository
	runs        *RunRepository
	callTimeout time.Duration
	log         zerolog.Logger
}

// NewCoordinator creates a coordinator over the given clients. A zero or
// negative callTimeout falls back to 30 seconds.
func NewCoordinator(clients []VenueClient, cache *CacheRepository, runs *RunRepository, callTimeout time.Duration, log zerolog.Logger) *Coordinator {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	return &Coordinator{
		clients:     clients,
		cache:       cache,
		runs:        runs,
		callTimeout: callTimeout,
		log:         log.With().Str("component", "coordinator").Logger(),
	}
}

// accountResult carries one venue-account's fetch outcome
type accountResult struct {
	label     string
	venue     string
	trades    []domain.Trade
	transfers []domain.Transfer
	balances  []domain.Balance
	oldest    time.Time
	err       error
}

// Sync runs one full ingestion pass: trades, deposits, withdrawals and
// balances from every account concurrently. One account failing or
// timing out never cancels the others; the failed account is reported in
// the result and excluded from the coverage window.
func (c *Coordinator) Sync(ctx context.Context, since time.Time) (*SyncResult, error) {
	started := time.Now()
	runID := uuid.New().String()

	c.log.Info().
		Str("run_id", runID).
		Time("since", since).
		Int("accounts", len(c.clients)).
		Msg("Ingestion run starting")

	if err := c.runs.Start(Run{
		ID:            runID,
		StartedAt:     started,
		Since:         since,
		AccountsTotal: len(c.clients),
	}); err != nil {
		return nil, fmt.Errorf("failed to record ingestion run: %w", err)
	}

	results := make(chan accountResult, len(c.clients))
	var wg sync.WaitGroup
	for _, client := range c.clients {
		wg.Add(1)
		go func(client VenueClient) {
			defer wg.Done()
			results <- c.fetchAccount(ctx, client, since)
		}(client)
	}
	wg.Wait()
	close(results)

	var (
		merged    []domain.Trade
		transfers []domain.Transfer
		balances  []domain.Balance
	)
	perVenue := make(map[string]time.Time)
	failed := make(map[string]string)

	for res := range results {
		if res.err != nil {
			failed[res.label] = res.err.Error()
			continue
		}

		merged = append(merged, res.trades...)
		transfers = append(transfers, res.transfers...)
		balances = append(balances, res.balances...)

		// A venue with several accounts attests only what every account
		// attests, so the latest per-account start wins.
		if existing, ok := perVenue[res.venue]; !ok || res.oldest.After(existing) {
			perVenue[res.venue] = res.oldest
		}
	}

	deduped, dropped := Deduplicate(merged)

	newTrades, err := c.cache.SaveTrades(deduped)
	if err != nil {
		return nil, fmt.Errorf("failed to cache trades: %w", err)
	}

	newTransfers, err := c.cache.SaveTransfers(transfers)
	if err != nil {
		return nil, fmt.Errorf("failed to cache transfers: %w", err)
	}

	coverage := buildCoverage(perVenue, failed)

	result := &SyncResult{
		RunID:             runID,
		StartedAt:         started,
		Duration:          time.Since(started),
		Since:             since,
		Trades:            deduped,
		TradesFetched:     len(merged),
		TradesNew:         newTrades,
		DuplicatesDropped: dropped,
		TransfersNew:      newTransfers,
		Balances:          balances,
		Coverage:          coverage,
		Failed:            failed,
	}

	finished := time.Now()
	run := Run{
		ID:             runID,
		StartedAt:      started,
		FinishedAt:     &finished,
		Since:          since,
		AccountsTotal:  len(c.clients),
		AccountsFailed: len(failed),
		TradesFetched:  len(merged),
		TradesNew:      newTrades,
		Complete:       coverage.Complete,
		Errors:         joinFailures(failed),
	}
	if !coverage.Start.IsZero() {
		run.CoverageStart = &coverage.Start
	}
	if err := c.runs.Finish(run); err != nil {
		// The data itself is cached; a lost audit row is not worth
		// failing the run over.
		c.log.Error().Err(err).Str("run_id", runID).Msg("Failed to record run outcome")
	}

	event := c.log.Info()
	if len(failed) > 0 {
		event = c.log.Warn()
	}
	event.
		Str("run_id", runID).
		Int("fetched", len(merged)).
		Int("duplicates", dropped).
		Int("new", newTrades).
		Int("transfers_new", newTransfers).
		Int("accounts_failed", len(failed)).
		Bool("complete", coverage.Complete).
		Dur("duration", time.Since(started)).
		Msg("Ingestion run finished")

	return result, nil
}

// fetchAccount pulls everything one venue-account offers. Each remote
// call gets its own timeout; the first failure fails the whole account
// so coverage never claims a partially fetched window.
func (c *Coordinator) fetchAccount(ctx context.Context, client VenueClient, since time.Time) accountResult {
	label := client.Venue() + ":" + client.Account()
	res := accountResult{label: label, venue: client.Venue()}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	trades, err := client.GetTrades(callCtx, since)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("account", label).Msg("Trade fetch failed")
		res.err = fmt.Errorf("trades: %w", err)
		return res
	}
	res.trades = trades

	// A venue that returns trades attests from its first returned fill;
	// an empty success attests the whole requested window.
	if len(trades) > 0 {
		res.oldest = trades[0].ExecutedAt
	} else {
		res.oldest = since
	}

	callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	deposits, err := client.GetDeposits(callCtx, since)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("account", label).Msg("Deposit fetch failed")
		res.err = fmt.Errorf("deposits: %w", err)
		return res
	}
	res.transfers = append(res.transfers, deposits...)

	callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	withdrawals, err := client.GetWithdrawals(callCtx, since)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("account", label).Msg("Withdrawal fetch failed")
		res.err = fmt.Errorf("withdrawals: %w", err)
		return res
	}
	res.transfers = append(res.transfers, withdrawals...)

	callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	balances, err := client.GetBalances(callCtx)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("account", label).Msg("Balance fetch failed")
		res.err = fmt.Errorf("balances: %w", err)
		return res
	}
	res.balances = balances

	c.log.Debug().
		Str("account", label).
		Int("trades", len(trades)).
		Int("transfers", len(res.transfers)).
		Msg("Account fetch complete")

	return res
}

// Balances fetches current balances from every account concurrently.
// Failed accounts are reported in the second return value, keyed by
// venue:account label.
func (c *Coordinator) Balances(ctx context.Context) ([]domain.Balance, map[string]string) {
	type balanceResult struct {
		label    string
		balances []domain.Balance
		err      error
	}

	results := make(chan balanceResult, len(c.clients))
	var wg sync.WaitGroup
	for _, client := range c.clients {
		wg.Add(1)
		go func(client VenueClient) {
			defer wg.Done()

			label := client.Venue() + ":" + client.Account()
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()

			balances, err := client.GetBalances(callCtx)
			if err != nil {
				c.log.Error().Err(err).Str("account", label).Msg("Balance fetch failed")
			}
			results <- balanceResult{label: label, balances: balances, err: err}
		}(client)
	}
	wg.Wait()
	close(results)

	var merged []domain.Balance
	failed := make(map[string]string)
	for res := range results {
		if res.err != nil {
			failed[res.label] = res.err.Error()
			continue
		}
		merged = append(merged, res.balances...)
	}

	return merged, failed
}

// Prices fetches current prices for the symbols from the first account
// that answers. Price data is venue-neutral, so no fan-out is needed.
func (c *Coordinator) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	var lastErr error
	for _, client := range c.clients {
		label := client.Venue() + ":" + client.Account()

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		prices, err := client.GetPrices(callCtx, symbols)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("account", label).Msg("Price fetch failed, trying next account")
			continue
		}
		return prices, nil
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no venue accounts configured")
	}
	return nil, fmt.Errorf("all venue accounts failed to provide prices: %w", lastErr)
}

// Accounts lists the configured venue-account labels
func (c *Coordinator) Accounts() []string {
	labels := make([]string, 0, len(c.clients))
	for _, client := range c.clients {
		labels = append(labels, client.Venue()+":"+client.Account())
	}
	sort.Strings(labels)
	return labels
}

// buildCoverage derives the coverage window from the per-venue oldest
// attested timestamps. Start is the maximum across venues: the earliest
// date for which every responding venue has attested data. Failed
// accounts make the window incomplete.
func buildCoverage(perVenue map[string]time.Time, failed map[string]string) domain.CoverageWindow {
	coverage := domain.CoverageWindow{
		End:      time.Now(),
		PerVenue: perVenue,
		Complete: len(failed) == 0 && len(perVenue) > 0,
	}

	for _, oldest := range perVenue {
		if oldest.After(coverage.Start) {
			coverage.Start = oldest
		}
	}

	for label := range failed {
		coverage.Missing = append(coverage.Missing, label)
	}
	sort.Strings(coverage.Missing)

	return coverage
}

func joinFailures(failed map[string]string) string {
	if len(failed) == 0 {
		return ""
	}

	labels := make([]string, 0, len(failed))
	for label := range failed {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, label+": "+failed[label])
	}
	return strings.Join(parts, "; ")
}
