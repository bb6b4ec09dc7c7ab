package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/venues/pricefeed"
	"github.com/rs/zerolog"
)

// CacheReader is the slice of the trade cache the report builder needs.
// Implemented by ingest.CacheRepository.
type CacheReader interface {
	GetTrades(q ingest.TradeQuery) ([]domain.Trade, error)
	GetTransfers(q ingest.TransferQuery) ([]domain.Transfer, error)
}

// RunSource yields recent ingest runs, newest first. Implemented by
// ingest.RunRepository.
type RunSource interface {
	Recent(limit int) ([]ingest.Run, error)
}

// PriceSource yields current prices from venue REST endpoints.
// Implemented by ingest.Coordinator.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PriceFeed is the streaming price cache consulted before falling back
// to venue REST prices. Implemented by pricefeed.Feed.
type PriceFeed interface {
	LastPrice(pair string) (pricefeed.PricePoint, bool)
}

// ReportWindow describes the period a report covers and how trustworthy
// that period is. Start is clamped forward to the last attested
// coverage start, so a report never claims completeness for a range
// some venue has not confirmed.
type ReportWindow struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Requested time.Time `json:"requested"`
	Clamped   bool      `json:"clamped"`
	Attested  bool      `json:"attested"`
	Complete  bool      `json:"complete"`
}

// OpeningPosition is the externally supplied starting inventory.
type OpeningPosition struct {
	Amount   float64 `json:"amount"`
	AvgPrice float64 `json:"avg_price"`
	Cost     float64 `json:"cost"`
}

// TradeActivity summarizes fills inside the report window.
type TradeActivity struct {
	Buys       int     `json:"buys"`
	Sells      int     `json:"sells"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	Fees       float64 `json:"fees"`
}

// TransferActivity summarizes completed transfers inside the report
// window, split by direction and asset.
type TransferActivity struct {
	WithdrawnBase  float64 `json:"withdrawn_base"`
	WithdrawnQuote float64 `json:"withdrawn_quote"`
	DepositedBase  float64 `json:"deposited_base"`
	DepositedQuote float64 `json:"deposited_quote"`
}

// PositionState is the open inventory after replaying all history.
type PositionState struct {
	Amount        float64 `json:"amount"`
	CostBasis     float64 `json:"cost_basis"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	OpenLots      int     `json:"open_lots"`
}

// MarkQuote is the price used to value the open position.
type MarkQuote struct {
	Price  float64   `json:"price"`
	Source string    `json:"source"`
	AsOf   time.Time `json:"as_of"`
}

// Mark sources, best to worst.
const (
	MarkSourceFeed  = "feed"
	MarkSourceVenue = "venue"
	MarkSourceNone  = "none"
)

// PnLBreakdown is the profit decomposition for the report window.
//
// MarkToMarket adds back the value of base inventory withdrawn during
// the window: those units were profit taken off venue, not a loss, so
// they are valued at the current mark as if still held. Quote-asset
// sweeps do not move MarkToMarket because the trading gain behind them
// is already inside Realized.
type PnLBreakdown struct {
	Realized            float64 `json:"realized"`
	Unrealized          float64 `json:"unrealized"`
	CurrentValue        float64 `json:"current_value"`
	MarkToMarket        float64 `json:"mark_to_market"`
	UnmatchedSellVolume float64 `json:"unmatched_sell_volume"`
}

// Report is the structured treasury position and profit statement.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Symbol      string    `json:"symbol"`
	BaseAsset   string    `json:"base_asset"`
	QuoteAsset  string    `json:"quote_asset"`

	Window    ReportWindow     `json:"window"`
	Opening   OpeningPosition  `json:"opening"`
	Activity  TradeActivity    `json:"activity"`
	Transfers TransferActivity `json:"transfers"`
	Position  PositionState    `json:"position"`
	Mark      MarkQuote        `json:"mark"`
	PnL       PnLBreakdown     `json:"pnl"`
}

// Service builds treasury reports by replaying the cached trade and
// transfer history through a FIFO ledger and valuing the result at the
// freshest available price.
type Service struct {
	cache  CacheReader
	runs   RunSource
	prices PriceSource
	feed   PriceFeed

	baseAsset  string
	quoteAsset string
	symbol     string
	opening    *domain.OpeningInventory

	log zerolog.Logger
}

// NewService creates a report service. feed may be nil when no
// streaming price source is configured; opening may be nil when the
// treasury started empty.
func NewService(
	cache CacheReader,
	runs RunSource,
	prices PriceSource,
	feed PriceFeed,
	baseAsset string,
	quoteAsset string,
	opening *domain.OpeningInventory,
	log zerolog.Logger,
) *Service {
	return &Service{
		cache:      cache,
		runs:       runs,
		prices:     prices,
		feed:       feed,
		baseAsset:  baseAsset,
		quoteAsset: quoteAsset,
		symbol:     baseAsset + "_" + quoteAsset,
		opening:    opening,
		log:        log.With().Str("service", "ledger").Logger(),
	}
}

// Symbol returns the trading pair this service reports on.
func (s *Service) Symbol() string {
	return s.symbol
}

// BuildReport replays the full cached history through a fresh FIFO
// ledger and returns the position and profit statement for the window
// starting at since. A zero since means the whole history.
//
// All history is always replayed regardless of the window: lot state at
// the window start depends on everything before it. The window only
// controls which realized profits, fees and transfers are attributed to
// the report.
func (s *Service) BuildReport(ctx context.Context, since time.Time) (*Report, error) {
	trades, err := s.cache.GetTrades(ingest.TradeQuery{Symbol: s.symbol})
	if err != nil {
		return nil, fmt.Errorf("failed to load cached trades: %w", err)
	}

	transfers, err := s.cache.GetTransfers(ingest.TransferQuery{CompletedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load cached transfers: %w", err)
	}

	window := s.resolveWindow(since)
	mark := s.resolveMark(ctx)

	led := NewLedger(s.opening, s.log)

	var (
		activity       TradeActivity
		transferred    TransferActivity
		windowRealized float64

		withdrawnBaseCost float64
	)

	// Merge the two time-ordered streams, trades first on equal
	// timestamps so a same-instant withdrawal sees the bought lots.
	ti, xi := 0, 0
	for ti < len(trades) || xi < len(transfers) {
		if xi >= len(transfers) ||
			(ti < len(trades) && !trades[ti].ExecutedAt.After(transfers[xi].ExecutedAt)) {
			t := trades[ti]
			ti++

			res := led.ApplyTrade(t)

			if t.ExecutedAt.Before(window.Start) {
				continue
			}
			windowRealized += res.Realized
			activity.Fees += t.Fee
			if t.Side == domain.SideBuy {
				activity.Buys++
				activity.BuyVolume += t.Amount
			} else {
				activity.Sells++
				activity.SellVolume += t.Amount
			}
			continue
		}

		x := transfers[xi]
		xi++

		inWindow := !x.ExecutedAt.Before(window.Start)

		switch {
		case x.Kind == domain.TransferWithdrawal && strings.EqualFold(x.Symbol, s.baseAsset):
			ext := led.Withdraw(x.Amount)
			if inWindow {
				transferred.WithdrawnBase += ext.Amount
				withdrawnBaseCost += ext.Cost
			}
		case x.Kind == domain.TransferWithdrawal && strings.EqualFold(x.Symbol, s.quoteAsset):
			if inWindow {
				transferred.WithdrawnQuote += x.Amount
			}
		case x.Kind == domain.TransferDeposit && strings.EqualFold(x.Symbol, s.baseAsset):
			// Deposited units have no known acquisition cost, so they
			// never enter the lot queue. Sells against them surface as
			// unmatched volume.
			if inWindow {
				transferred.DepositedBase += x.Amount
			}
		case x.Kind == domain.TransferDeposit && strings.EqualFold(x.Symbol, s.quoteAsset):
			if inWindow {
				transferred.DepositedQuote += x.Amount
			}
		}
	}

	lots := led.Lots()
	position := PositionState{
		Amount:        domain.Round8(led.RemainingAmount()),
		CostBasis:     domain.Round8(led.CostBasis()),
		AvgEntryPrice: domain.Round8(led.AvgEntryPrice()),
		OpenLots:      len(lots),
	}

	pnl := PnLBreakdown{
		Realized:            domain.Round8(windowRealized),
		UnmatchedSellVolume: domain.Round8(led.UnmatchedSellVolume()),
	}

	// Withdrawn inventory valued at cost when no mark is available: the
	// fold-in then cancels and mark to market degrades to realized.
	withdrawnValue := withdrawnBaseCost

	if mark.Source != MarkSourceNone {
		currentValue := led.RemainingAmount() * mark.Price
		pnl.CurrentValue = domain.Round8(currentValue)
		pnl.Unrealized = domain.Round8(currentValue - led.CostBasis())
		withdrawnValue = transferred.WithdrawnBase * mark.Price
	}

	pnl.MarkToMarket = domain.Round8(windowRealized + pnl.Unrealized + withdrawnValue - withdrawnBaseCost)

	report := &Report{
		GeneratedAt: window.End,
		Symbol:      s.symbol,
		BaseAsset:   s.baseAsset,
		QuoteAsset:  s.quoteAsset,
		Window:      window,
		Activity:    activity,
		Transfers:   transferred,
		Position:    position,
		Mark:        mark,
		PnL:         pnl,
	}

	if s.opening != nil {
		report.Opening = OpeningPosition{
			Amount:   s.opening.Amount,
			AvgPrice: s.opening.AvgPrice,
			Cost:     domain.Round8(s.opening.Amount * s.opening.AvgPrice),
		}
	}

	s.log.Debug().
		Time("window_start", window.Start).
		Bool("clamped", window.Clamped).
		Float64("realized", pnl.Realized).
		Float64("unrealized", pnl.Unrealized).
		Float64("mark_to_market", pnl.MarkToMarket).
		Float64("position", position.Amount).
		Str("mark_source", mark.Source).
		Msg("Report built")

	return report, nil
}

// resolveWindow clamps the requested start forward to the coverage
// start attested by the most recent ingest run. Older cached data may
// exist for some venues, but no report may claim completeness for a
// period every venue has not confirmed.
func (s *Service) resolveWindow(since time.Time) ReportWindow {
	w := ReportWindow{
		Requested: since,
		Start:     since,
		End:       time.Now().UTC(),
	}

	runs, err := s.runs.Recent(1)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load last ingest run, coverage unknown")
		return w
	}
	if len(runs) == 0 {
		return w
	}

	last := runs[0]
	w.Complete = last.Complete

	if last.CoverageStart == nil {
		return w
	}
	w.Attested = true
	if last.CoverageStart.After(w.Start) {
		w.Start = *last.CoverageStart
		w.Clamped = true
	}
	return w
}

// resolveMark picks the freshest price available: the streaming feed
// when it holds a fresh tick, venue REST otherwise. When both fail the
// report still builds, with mark-dependent figures zeroed and the
// source flagged.
func (s *Service) resolveMark(ctx context.Context) MarkQuote {
	if s.feed != nil {
		if pp, ok := s.feed.LastPrice(s.symbol); ok {
			return MarkQuote{Price: pp.Price, Source: MarkSourceFeed, AsOf: pp.UpdatedAt}
		}
	}

	if s.prices != nil {
		prices, err := s.prices.Prices(ctx, []string{s.symbol})
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to fetch venue prices for mark")
		} else if p, ok := prices[s.symbol]; ok && p > 0 {
			return MarkQuote{Price: p, Source: MarkSourceVenue, AsOf: time.Now().UTC()}
		}
	}

	s.log.Warn().Str("symbol", s.symbol).Msg("No price source available, report will not be marked")
	return MarkQuote{Source: MarkSourceNone, AsOf: time.Now().UTC()}
}
