// Package venues defines the uniform contract for trading venue adapters
// and the resilient client that wraps them.
//
// Each venue-account pair gets one Adapter instance (the venue-specific
// request/response mapping) and one Client instance (rate limiting,
// circuit breaking and retries composed around the adapter). Everything
// downstream of this package is venue-agnostic: the coordinator, the
// trade cache and the ledger engine only ever see domain types and the
// package error taxonomy.
package venues

import (
	"context"
	"time"

	"github.com/cofferhq/coffer/internal/domain"
)

// Known venue names. The factory in the wiring layer maps these to
// concrete adapter constructors.
const (
	VenueGateIO = "gateio"
	VenueLBank  = "lbank"
	VenueMock   = "mock"
)

// Credentials holds one venue-account's API access configuration.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Adapter is the venue-specific half of a venue client. Implementations
// translate one venue's wire format into domain types and map failures
// into the package error taxonomy (connection, authorization, rate-limit
// or generic venue error).
//
// GetTrades fetches a single page of at most limit trades executed at or
// after since, oldest first. Pagination across pages is the resilient
// client's job, not the adapter's.
type Adapter interface {
	// Name returns the venue identifier (e.g. "gateio").
	Name() string

	// Account returns the account label within the venue.
	Account() string

	// Initialize verifies connectivity and credentials.
	Initialize(ctx context.Context) error

	// GetBalances returns current asset balances for the account.
	GetBalances(ctx context.Context) ([]domain.Balance, error)

	// GetTrades returns one page of trades executed at or after since.
	GetTrades(ctx context.Context, since time.Time, limit int) ([]domain.Trade, error)

	// GetDeposits returns deposits recorded at or after since.
	GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error)

	// GetWithdrawals returns withdrawals recorded at or after since.
	GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error)

	// GetPrices returns the last traded price per requested symbol.
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)

	// Close releases any resources held by the adapter.
	Close() error
}
