package testing

import (
	"context"
	"sync"
	"time"

	"github.com/cofferhq/coffer/internal/domain"
)

// MockVenueClient is a configurable in-memory stand-in for the resilient
// venue client. It satisfies the coordinator's VenueClient interface.
type MockVenueClient struct {
	mu      sync.RWMutex
	venue   string
	account string

	trades      []domain.Trade
	deposits    []domain.Transfer
	withdrawals []domain.Transfer
	balances    []domain.Balance
	prices      map[string]float64

	err   error
	delay time.Duration
	calls map[string]int
}

// NewMockVenueClient creates a new mock venue client
func NewMockVenueClient(venue, account string) *MockVenueClient {
	return &MockVenueClient{
		venue:   venue,
		account: account,
		calls:   make(map[string]int),
	}
}

// SetTrades sets the trades to return, oldest first
func (m *MockVenueClient) SetTrades(trades []domain.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = trades
}

// SetDeposits sets the deposits to return
func (m *MockVenueClient) SetDeposits(deposits []domain.Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits = deposits
}

// SetWithdrawals sets the withdrawals to return
func (m *MockVenueClient) SetWithdrawals(withdrawals []domain.Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals = withdrawals
}

// SetBalances sets the balances to return
func (m *MockVenueClient) SetBalances(balances []domain.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetPrices sets the price map to return
func (m *MockVenueClient) SetPrices(prices map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = prices
}

// SetError makes every subsequent call fail with err
func (m *MockVenueClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes every call wait before answering, honoring context
// cancellation. Used to exercise per-call timeouts.
func (m *MockVenueClient) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// Calls returns how many times the named operation was invoked
// (one of "trades", "deposits", "withdrawals", "balances", "prices")
func (m *MockVenueClient) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Venue returns the venue name
func (m *MockVenueClient) Venue() string {
	return m.venue
}

// Account returns the account label
func (m *MockVenueClient) Account() string {
	return m.account
}

// begin records the call and applies the configured delay and error
func (m *MockVenueClient) begin(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	delay := m.delay
	err := m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

// GetTrades returns the configured trades at or after since
func (m *MockVenueClient) GetTrades(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	if err := m.begin(ctx, "trades"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Trade
	for _, trade := range m.trades {
		if trade.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, trade)
	}
	return out, nil
}

// GetDeposits returns the configured deposits at or after since
func (m *MockVenueClient) GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	if err := m.begin(ctx, "deposits"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterTransfersSince(m.deposits, since), nil
}

// GetWithdrawals returns the configured withdrawals at or after since
func (m *MockVenueClient) GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	if err := m.begin(ctx, "withdrawals"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterTransfersSince(m.withdrawals, since), nil
}

// GetBalances returns the configured balances
func (m *MockVenueClient) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	if err := m.begin(ctx, "balances"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances, nil
}

// GetPrices returns the configured prices for the requested symbols
func (m *MockVenueClient) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := m.begin(ctx, "prices"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if price, ok := m.prices[symbol]; ok {
			out[symbol] = price
		}
	}
	return out, nil
}

func filterTransfersSince(transfers []domain.Transfer, since time.Time) []domain.Transfer {
	var out []domain.Transfer
	for _, transfer := range transfers {
		if transfer.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, transfer)
	}
	return out
}
