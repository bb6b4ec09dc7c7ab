// Package ledger matches buy and sell fills into realized and unrealized
// profit using first-in-first-out lot accounting.
//
// The engine holds a queue of open lots, each an amount with a unit cost
// that already includes the buy fee. Sells consume lots from the front;
// base-asset withdrawals consume lots at cost without producing profit or
// loss. Report assembly on top of the engine lives in service.go.
package ledger

import (
	"github.com/cofferhq/coffer/internal/domain"
	"github.com/rs/zerolog"
)

// lotEpsilon is the residual amount below which a lot counts as fully
// consumed. Float subtraction leaves dust that would otherwise keep
// empty lots in the queue forever.
const lotEpsilon = 1e-9

// TradeResult reports what a single applied trade did to the ledger.
type TradeResult struct {
	// Realized is the profit or loss this trade produced against the
	// lots it consumed. Zero for buys.
	Realized float64

	// Consumed is the base amount matched against open lots.
	Consumed float64

	// Unmatched is the base amount the trade tried to sell beyond what
	// the queue held. It contributes no cost offset.
	Unmatched float64
}

// Extraction reports the outcome of a base-asset withdrawal.
type Extraction struct {
	// Amount is the base amount actually removed from open lots. It may
	// be less than requested when the queue runs dry.
	Amount float64

	// Cost is the cost basis that left the book with the extracted
	// amount.
	Cost float64
}

// consumption is one pass of taking amount off the front of the queue.
type consumption struct {
	consumed  float64
	cost      float64
	unmatched float64
}

// Ledger is a FIFO lot queue over one base asset.
//
// Trades and withdrawals must be applied in ascending execution time;
// the ledger itself does no ordering. It is not safe for concurrent use.
type Ledger struct {
	lots []domain.Lot

	realized      float64
	soldMatched   float64
	soldUnmatched float64
	feesPaid      float64

	buys  int
	sells int

	buyVolume  float64
	sellVolume float64

	log zerolog.Logger
}

// NewLedger creates a ledger, seeding the queue with the opening
// inventory as the first lot when one is configured with a positive
// amount.
func NewLedger(opening *domain.OpeningInventory, log zerolog.Logger) *Ledger {
	l := &Ledger{
		lots: make([]domain.Lot, 0, 16),
		log:  log.With().Str("component", "fifo_ledger").Logger(),
	}

	if opening != nil && opening.Amount > 0 {
		l.lots = append(l.lots, domain.Lot{
			Amount:   opening.Amount,
			UnitCost: opening.AvgPrice,
		})
	}

	return l
}

// ApplyTrade feeds one fill into the ledger.
//
// Buys append a lot whose unit cost is the fill price plus the fee
// spread over the amount. Sells consume lots from the front at the fill
// price net of fee; selling beyond the queue is logged and counted, not
// raised, because the gap usually means an upstream deposit this system
// never saw.
func (l *Ledger) ApplyTrade(t domain.Trade) TradeResult {
	if t.Amount <= 0 {
		l.log.Warn().
			Str("trade_id", t.TradeID).
			Str("venue", t.Venue).
			Float64("amount", t.Amount).
			Msg("Skipping trade with non-positive amount")
		return TradeResult{}
	}

	switch t.Side {
	case domain.SideBuy:
		l.buys++
		l.buyVolume += t.Amount
		l.feesPaid += t.Fee
		l.lots = append(l.lots, domain.Lot{
			AcquiredAt: t.ExecutedAt,
			Amount:     t.Amount,
			UnitCost:   t.Price + t.Fee/t.Amount,
		})
		return TradeResult{}

	case domain.SideSell:
		l.sells++
		l.sellVolume += t.Amount
		l.feesPaid += t.Fee

		netPrice := t.Price - t.Fee/t.Amount
		c := l.consume(t.Amount)

		if c.unmatched > lotEpsilon {
			l.log.Warn().
				Str("trade_id", t.TradeID).
				Str("venue", t.Venue).
				Float64("sell_amount", t.Amount).
				Float64("unmatched", c.unmatched).
				Msg("Sell exceeds open lots, excess has no cost basis")
		}

		res := TradeResult{
			Realized:  c.consumed*netPrice - c.cost,
			Consumed:  c.consumed,
			Unmatched: c.unmatched,
		}

		l.realized += res.Realized
		l.soldMatched += res.Consumed
		l.soldUnmatched += res.Unmatched
		return res

	default:
		l.log.Warn().
			Str("trade_id", t.TradeID).
			Str("side", string(t.Side)).
			Msg("Skipping trade with unknown side")
		return TradeResult{}
	}
}

// Withdraw removes base units from the front of the queue at cost.
//
// Moving inventory off venue is not a disposal: no profit or loss is
// booked, the cost basis simply travels with the units. The returned
// extraction may be short when the queue holds less than requested.
func (l *Ledger) Withdraw(amount float64) Extraction {
	if amount <= 0 {
		return Extraction{}
	}

	c := l.consume(amount)

	if c.unmatched > lotEpsilon {
		l.log.Warn().
			Float64("requested", amount).
			Float64("short", c.unmatched).
			Msg("Withdrawal exceeds open lots, extracting what is there")
	}

	return Extraction{Amount: c.consumed, Cost: c.cost}
}

// consume takes amount off the front of the queue, tracking the cost
// basis of every consumed slice. Partially consumed lots shrink in
// place, fully consumed lots drop off.
func (l *Ledger) consume(amount float64) consumption {
	var c consumption
	remaining := amount

	for remaining > lotEpsilon && len(l.lots) > 0 {
		lot := &l.lots[0]

		take := lot.Amount
		if take > remaining {
			take = remaining
		}

		c.consumed += take
		c.cost += take * lot.UnitCost

		lot.Amount -= take
		remaining -= take

		if lot.Amount <= lotEpsilon {
			l.lots = l.lots[1:]
		}
	}

	if remaining > lotEpsilon {
		c.unmatched = remaining
	}

	return c
}

// RemainingAmount returns the base amount still held in open lots.
func (l *Ledger) RemainingAmount() float64 {
	var total float64
	for _, lot := range l.lots {
		total += lot.Amount
	}
	return total
}

// CostBasis returns the total cost of all open lots.
func (l *Ledger) CostBasis() float64 {
	var total float64
	for _, lot := range l.lots {
		total += lot.Cost()
	}
	return total
}

// AvgEntryPrice returns cost basis per remaining unit, zero when the
// queue is empty.
func (l *Ledger) AvgEntryPrice() float64 {
	amount := l.RemainingAmount()
	if amount <= lotEpsilon {
		return 0
	}
	return l.CostBasis() / amount
}

// RealizedPnL returns the profit accumulated by all applied sells.
func (l *Ledger) RealizedPnL() float64 {
	return l.realized
}

// UnmatchedSellVolume returns the total base amount sold beyond what
// the queue held. A non-zero value means the venue history is missing
// acquisitions, typically an untracked deposit.
func (l *Ledger) UnmatchedSellVolume() float64 {
	return l.soldUnmatched
}

// MatchedSellVolume returns the total base amount sells consumed from
// open lots.
func (l *Ledger) MatchedSellVolume() float64 {
	return l.soldMatched
}

// FeesPaid returns the sum of all trade fees fed into the ledger,
// in fee currency terms as reported by the venues.
func (l *Ledger) FeesPaid() float64 {
	return l.feesPaid
}

// Counts returns the number of buys and sells applied.
func (l *Ledger) Counts() (buys, sells int) {
	return l.buys, l.sells
}

// Volumes returns the total base amount bought and sold.
func (l *Ledger) Volumes() (bought, sold float64) {
	return l.buyVolume, l.sellVolume
}

// Lots returns a copy of the open lot queue, front first.
func (l *Ledger) Lots() []domain.Lot {
	out := make([]domain.Lot, len(l.lots))
	copy(out, l.lots)
	return out
}
