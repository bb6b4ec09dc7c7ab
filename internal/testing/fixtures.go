package testing

import (
	"time"

	"github.com/cofferhq/coffer/internal/domain"
)

// FixtureTime is the anchor timestamp all fixtures hang off. Fixed so
// tests are reproducible regardless of when they run.
var FixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewTradeFixtures returns a small realistic trade history: buys and
// sells across two venues, including one fill that surfaces twice
// through linked sub-accounts (same content key, different venue and
// trade id). Trades are ordered by execution time ascending.
func NewTradeFixtures() []domain.Trade {
	return []domain.Trade{
		{
			TradeID: "g-1001", Venue: "gateio", Account: "main",
			ExecutedAt: FixtureTime, Symbol: "XYZ_USDT",
			Side: domain.SideBuy, Amount: 500, Price: 1.10,
			Fee: 0.5, FeeCurrency: "XYZ",
		},
		{
			TradeID: "g-1002", Venue: "gateio", Account: "main",
			ExecutedAt: FixtureTime.Add(30 * time.Minute), Symbol: "XYZ_USDT",
			Side: domain.SideBuy, Amount: 200, Price: 1.12,
			Fee: 0.2, FeeCurrency: "XYZ",
		},
		{
			// The same fill as l-7001 below, seen through the gateio view
			TradeID: "g-1003", Venue: "gateio", Account: "main",
			ExecutedAt: FixtureTime.Add(time.Hour), Symbol: "XYZ_USDT",
			Side: domain.SideSell, Amount: 150, Price: 1.20,
			Fee: 0.18, FeeCurrency: "USDT",
		},
		{
			TradeID: "l-7001", Venue: "lbank", Account: "main",
			ExecutedAt: FixtureTime.Add(time.Hour), Symbol: "XYZ_USDT",
			Side: domain.SideSell, Amount: 150, Price: 1.20,
			Fee: 0.18, FeeCurrency: "USDT",
		},
		{
			TradeID: "l-7002", Venue: "lbank", Account: "main",
			ExecutedAt: FixtureTime.Add(2 * time.Hour), Symbol: "XYZ_USDT",
			Side: domain.SideBuy, Amount: 100, Price: 1.08,
			Fee: 0.1, FeeCurrency: "XYZ",
		},
	}
}

// NewTransferFixtures returns deposits and withdrawals in both settled
// and pending states.
func NewTransferFixtures() []domain.Transfer {
	return []domain.Transfer{
		{
			TransferID: "dep-1", Venue: "gateio", Account: "main",
			ExecutedAt: FixtureTime.Add(-24 * time.Hour), Symbol: "XYZ",
			Kind: domain.TransferDeposit, Status: domain.TransferStatusCompleted,
			Amount: 1000, TxID: "0xdeadbeef",
		},
		{
			TransferID: "wd-1", Venue: "gateio", Account: "main",
			ExecutedAt: FixtureTime.Add(3 * time.Hour), Symbol: "XYZ",
			Kind: domain.TransferWithdrawal, Status: domain.TransferStatusCompleted,
			Amount: 120, Fee: 1.5, TxID: "0xfeedface",
		},
		{
			TransferID: "wd-2", Venue: "lbank", Account: "main",
			ExecutedAt: FixtureTime.Add(4 * time.Hour), Symbol: "XYZ",
			Kind: domain.TransferWithdrawal, Status: domain.TransferStatusPending,
			Amount: 50,
		},
	}
}

// NewBalanceFixtures returns balances for two venue-accounts holding the
// same pair of assets.
func NewBalanceFixtures() []domain.Balance {
	return []domain.Balance{
		{Venue: "gateio", Account: "main", Asset: "XYZ", Free: 4200, Locked: 100},
		{Venue: "gateio", Account: "main", Asset: "USDT", Free: 15000, Locked: 0},
		{Venue: "lbank", Account: "main", Asset: "XYZ", Free: 800, Locked: 0},
		{Venue: "lbank", Account: "main", Asset: "USDT", Free: 2500, Locked: 50},
	}
}
