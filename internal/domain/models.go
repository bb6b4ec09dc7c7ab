// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side represents the trade direction (BUY or SELL)
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValid checks if the side is valid
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// IsBuy returns true if this is a BUY trade
func (s Side) IsBuy() bool {
	return s == SideBuy
}

// IsSell returns true if this is a SELL trade
func (s Side) IsSell() bool {
	return s == SideSell
}

// SideFromString creates a Side from a string (case-insensitive)
func SideFromString(value string) (Side, error) {
	if value == "" {
		return "", fmt.Errorf("invalid trade side: empty string")
	}

	switch strings.ToUpper(value) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid trade side: %s", value)
	}
}

// keyPrecision is the decimal precision used when rounding amounts and
// prices for trade identity comparison. Venues report the same fill with
// slightly different float formatting, so identity uses 8 decimal places.
const keyPrecision = 1e8

// Round8 rounds a value to 8 decimal places.
func Round8(v float64) float64 {
	return math.Round(v*keyPrecision) / keyPrecision
}

// TradeKey is the logical identity of a fill. Venue, account and the
// venue-assigned trade id are deliberately excluded: linked sub-accounts
// can surface the same underlying fill under different ids, and those
// copies must collapse to one trade.
type TradeKey struct {
	Timestamp int64
	Symbol    string
	Side      Side
	Amount    float64
	Price     float64
}

// Trade represents an executed trade observed at a venue.
// Trades are immutable facts: created by ingestion, never mutated.
type Trade struct {
	ExecutedAt  time.Time `json:"executed_at"`
	CachedAt    time.Time `json:"cached_at,omitempty"`
	Venue       string    `json:"venue"`
	Account     string    `json:"account"`
	TradeID     string    `json:"trade_id,omitempty"`
	Symbol      string    `json:"symbol"`
	FeeCurrency string    `json:"fee_currency,omitempty"`
	Side        Side      `json:"side"`
	ID          int64     `json:"id,omitempty"`
	Amount      float64   `json:"amount"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
}

// Key returns the logical identity of the trade for deduplication.
func (t Trade) Key() TradeKey {
	return TradeKey{
		Timestamp: t.ExecutedAt.UTC().Unix(),
		Symbol:    strings.ToUpper(t.Symbol),
		Side:      t.Side,
		Amount:    Round8(t.Amount),
		Price:     Round8(t.Price),
	}
}

// Value returns the quote-asset value of the trade (amount * price).
func (t Trade) Value() float64 {
	return t.Amount * t.Price
}

// Validate validates trade data and normalizes the symbol
func (t *Trade) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol cannot be empty")
	}

	if !t.Side.IsValid() {
		return fmt.Errorf("invalid trade side: %s", t.Side)
	}

	if t.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	if t.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	if t.ExecutedAt.IsZero() {
		return fmt.Errorf("executed_at cannot be zero")
	}

	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))

	return nil
}

// TransferKind represents the direction of a transfer
type TransferKind string

const (
	TransferDeposit    TransferKind = "DEPOSIT"
	TransferWithdrawal TransferKind = "WITHDRAWAL"
)

// TransferStatus represents the lifecycle state of a transfer
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusCompleted TransferStatus = "COMPLETED"
	TransferStatusFailed    TransferStatus = "FAILED"
)

// Transfer represents a deposit or withdrawal observed at a venue.
// Only completed transfers participate in accounting.
type Transfer struct {
	ExecutedAt time.Time      `json:"executed_at"`
	Venue      string         `json:"venue"`
	Account    string         `json:"account"`
	TransferID string         `json:"transfer_id,omitempty"`
	Symbol     string         `json:"symbol"`
	TxID       string         `json:"tx_id,omitempty"`
	Kind       TransferKind   `json:"kind"`
	Status     TransferStatus `json:"status"`
	Amount     float64        `json:"amount"`
	Fee        float64        `json:"fee"`
}

// IsCompleted returns true if the transfer has settled
func (t Transfer) IsCompleted() bool {
	return t.Status == TransferStatusCompleted
}

// Balance represents an asset balance at one venue-account
type Balance struct {
	Venue   string  `json:"venue"`
	Account string  `json:"account"`
	Asset   string  `json:"asset"`
	Free    float64 `json:"free"`
	Locked  float64 `json:"locked"`
}

// Total returns free plus locked
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// OpeningInventory is a per-asset starting position supplied externally.
// The FIFO engine treats it as the first open lot; it is never recomputed
// by this system.
type OpeningInventory struct {
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	AvgPrice float64 `json:"avg_price"`
}

// Lot is an open buy tranche awaiting consumption by future sells.
// UnitCost includes the buy fee spread over the lot amount.
type Lot struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Amount     float64   `json:"amount"`
	UnitCost   float64   `json:"unit_cost"`
}

// Cost returns the total cost basis of the lot
func (l Lot) Cost() float64 {
	return l.Amount * l.UnitCost
}

// VenueAccount identifies one set of credentials/sub-account at a venue.
// A single venue may carry several accounts, each with independent
// rate limits and circuit breaker state.
type VenueAccount struct {
	Venue   string `json:"venue"`
	Account string `json:"account"`
}

// String returns the canonical "venue:account" label
func (va VenueAccount) String() string {
	return va.Venue + ":" + va.Account
}

// CoverageWindow describes the period for which ingested trade data is
// attested complete across all configured venues. Start is the latest,
// among all venues, of that venue's oldest retrievable trade timestamp.
// No accounting computation may claim completeness before Start, because
// at least one venue cannot attest to that period.
type CoverageWindow struct {
	Start    time.Time            `json:"start"`
	End      time.Time            `json:"end"`
	PerVenue map[string]time.Time `json:"per_venue,omitempty"`
	Missing  []string             `json:"missing,omitempty"`
	Complete bool                 `json:"complete"`
}

// ClampStart returns the later of since and the window start. Reports
// that claim completeness must clamp their range with this.
func (w CoverageWindow) ClampStart(since time.Time) time.Time {
	if since.Before(w.Start) {
		return w.Start
	}
	return since
}
