// Package mock provides an in-memory venue adapter for development mode.
//
// Each adapter impersonates a real venue name and serves a deterministic
// synthetic history: trade data is generated from a seed derived from
// the venue, account and pair, anchored to the current hour so repeated
// fetches within a session stay stable. A slice of the fills is seeded
// from the pair alone, so mock venues report identical copies of those
// fills the way linked sub-accounts do, which keeps the deduplication
// path honest in development.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/domain"
)

const (
	historyDays  = 30
	sharedFills  = 12 // fills every mock venue reports identically
	accountFills = 28 // fills unique to one venue-account

	openingBase  = 5000.0
	openingQuote = 50000.0
)

// Adapter serves synthetic venue data for one impersonated venue-account.
type Adapter struct {
	venue   string
	account string
	pair    string
	data    dataset
	log     zerolog.Logger
}

type dataset struct {
	trades      []domain.Trade
	deposits    []domain.Transfer
	withdrawals []domain.Transfer
	balances    []domain.Balance
	price       float64
}

// New creates a mock adapter impersonating the given venue name.
func New(venue, account, pair string, log zerolog.Logger) *Adapter {
	anchor := time.Now().UTC().Truncate(time.Hour)

	return &Adapter{
		venue:   venue,
		account: account,
		pair:    strings.ToUpper(pair),
		data:    generate(venue, account, strings.ToUpper(pair), anchor),
		log: log.With().
			Str("component", "mock_venue").
			Str("venue", venue).
			Str("account", account).
			Logger(),
	}
}

// Name returns the impersonated venue identifier.
func (a *Adapter) Name() string {
	return a.venue
}

// Account returns the account label.
func (a *Adapter) Account() string {
	return a.account
}

// Initialize always succeeds.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.log.Info().Int("trades", len(a.data.trades)).Msg("Mock venue initialized")
	return nil
}

// GetBalances returns the synthetic balances.
func (a *Adapter) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	out := make([]domain.Balance, len(a.data.balances))
	copy(out, a.data.balances)
	return out, nil
}

// GetTrades returns one page of synthetic trades executed at or after
// since, oldest first.
func (a *Adapter) GetTrades(ctx context.Context, since time.Time, limit int) ([]domain.Trade, error) {
	var page []domain.Trade
	for _, trade := range a.data.trades {
		if trade.ExecutedAt.Before(since) {
			continue
		}
		page = append(page, trade)
		if limit > 0 && len(page) >= limit {
			break
		}
	}
	return page, nil
}

// GetDeposits returns synthetic deposits recorded at or after since.
func (a *Adapter) GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	return filterTransfers(a.data.deposits, since), nil
}

// GetWithdrawals returns synthetic withdrawals recorded at or after since.
func (a *Adapter) GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	return filterTransfers(a.data.withdrawals, since), nil
}

// GetPrices returns the synthetic market price for every requested symbol.
func (a *Adapter) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		prices[strings.ToUpper(symbol)] = a.data.price
	}
	return prices, nil
}

// Close is a no-op.
func (a *Adapter) Close() error {
	return nil
}

func filterTransfers(transfers []domain.Transfer, since time.Time) []domain.Transfer {
	var out []domain.Transfer
	for _, transfer := range transfers {
		if transfer.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, transfer)
	}
	return out
}

// generate builds the full synthetic dataset for one venue-account.
// Identical (venue, account, pair, anchor) inputs always produce an
// identical dataset.
func generate(venue, account, pair string, anchor time.Time) dataset {
	start := anchor.Add(-historyDays * 24 * time.Hour)

	// The shared segment is seeded from the pair alone, so every mock
	// venue generates byte-for-byte the same fills. Only the venue
	// stamp and trade id differ, exactly like a linked sub-account
	// view of one execution.
	shared := generateTrades(seedFrom("shared|"+pair), venue, account, pair, venue+"-shared", sharedFills, start, anchor)
	own := generateTrades(seedFrom(venue+"|"+account+"|"+pair), venue, account, pair, venue+"-own", accountFills, start, anchor)

	trades := append(shared, own...)
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})

	base, quote := baseQuote(pair)

	deposits := []domain.Transfer{
		{
			ExecutedAt: start.Add(-24 * time.Hour),
			Venue:      venue,
			Account:    account,
			TransferID: venue + "-dep-1",
			Symbol:     base,
			TxID:       "0x" + venue + "f00d",
			Kind:       domain.TransferDeposit,
			Status:     domain.TransferStatusCompleted,
			Amount:     openingBase,
		},
		{
			ExecutedAt: anchor.Add(-2 * time.Hour),
			Venue:      venue,
			Account:    account,
			TransferID: venue + "-dep-2",
			Symbol:     base,
			Kind:       domain.TransferDeposit,
			Status:     domain.TransferStatusPending,
			Amount:     250,
		},
	}

	withdrawals := []domain.Transfer{
		{
			ExecutedAt: anchor.Add(-5 * 24 * time.Hour),
			Venue:      venue,
			Account:    account,
			TransferID: venue + "-wd-1",
			Symbol:     base,
			TxID:       "0x" + venue + "beef",
			Kind:       domain.TransferWithdrawal,
			Status:     domain.TransferStatusCompleted,
			Amount:     500,
			Fee:        1.5,
		},
		{
			ExecutedAt: anchor.Add(-time.Hour),
			Venue:      venue,
			Account:    account,
			TransferID: venue + "-wd-2",
			Symbol:     base,
			Kind:       domain.TransferWithdrawal,
			Status:     domain.TransferStatusPending,
			Amount:     100,
		},
	}

	// Balances follow from the trade and transfer history so that the
	// mock books roughly reconcile.
	baseHeld := openingBase - 500
	quoteHeld := openingQuote
	var lastPrice float64
	for _, trade := range trades {
		lastPrice = trade.Price
		if trade.Side.IsBuy() {
			baseHeld += trade.Amount
			quoteHeld -= trade.Value()
		} else {
			baseHeld -= trade.Amount
			quoteHeld += trade.Value()
		}
	}

	balances := []domain.Balance{
		{Venue: venue, Account: account, Asset: base, Free: round2(math.Max(baseHeld, 0)), Locked: 0},
		{Venue: venue, Account: account, Asset: quote, Free: round2(math.Max(quoteHeld, 0)), Locked: 0},
	}

	return dataset{
		trades:      trades,
		deposits:    deposits,
		withdrawals: withdrawals,
		balances:    balances,
		price:       lastPrice,
	}
}

// generateTrades produces count fills spread evenly across the window,
// prices following a small random walk around 1.0. The first third are
// always buys so the book holds inventory before any sell.
func generateTrades(seed int64, venue, account, pair, idPrefix string, count int, start, end time.Time) []domain.Trade {
	rng := rand.New(rand.NewSource(seed))
	spacing := end.Sub(start) / time.Duration(count+1)

	price := 1.0 + rng.Float64()*0.2
	trades := make([]domain.Trade, 0, count)

	for i := 0; i < count; i++ {
		price = price * (1 + (rng.Float64()-0.5)*0.04)
		if price < 0.5 {
			price = 0.5
		}

		side := domain.SideBuy
		amount := 20 + rng.Float64()*200
		if i >= count/3 && rng.Float64() < 0.4 {
			side = domain.SideSell
			amount = 20 + rng.Float64()*80
		}

		offset := time.Duration(rng.Int63n(int64(spacing)))
		executedAt := start.Add(spacing*time.Duration(i+1) + offset).Truncate(time.Second)

		fee := amount * price * 0.001
		feeCurrency := quoteOf(pair)
		if side.IsBuy() {
			fee = amount * 0.001
			feeCurrency = baseOf(pair)
		}

		trades = append(trades, domain.Trade{
			ExecutedAt:  executedAt,
			Venue:       venue,
			Account:     account,
			TradeID:     idPrefix + "-" + strconv.Itoa(i),
			Symbol:      pair,
			Side:        side,
			Amount:      round8(amount),
			Price:       round8(price),
			Fee:         round8(fee),
			FeeCurrency: feeCurrency,
		})
	}

	return trades
}

func seedFrom(key string) int64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int64(h.Sum32())
}

func baseQuote(pair string) (string, string) {
	return baseOf(pair), quoteOf(pair)
}

func baseOf(pair string) string {
	if idx := strings.Index(pair, "_"); idx > 0 {
		return pair[:idx]
	}
	return pair
}

func quoteOf(pair string) string {
	if idx := strings.Index(pair, "_"); idx > 0 {
		return pair[idx+1:]
	}
	return "USDT"
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
