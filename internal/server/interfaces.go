package server

import (
	"context"
	"time"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
	"github.com/cofferhq/coffer/internal/modules/pricehist"
	"github.com/cofferhq/coffer/internal/modules/snapshots"
	"github.com/cofferhq/coffer/internal/resilience"
	"github.com/cofferhq/coffer/internal/scheduler"
	"github.com/cofferhq/coffer/internal/venues/pricefeed"
)

// ReportBuilderInterface defines the contract for building P&L reports
// Used by server to enable testing with mocks
type ReportBuilderInterface interface {
	BuildReport(ctx context.Context, since time.Time) (*ledger.Report, error)
}

// TradeStoreInterface defines the contract for reading the trade cache
// Used by server to enable testing with mocks
type TradeStoreInterface interface {
	GetTrades(q ingest.TradeQuery) ([]domain.Trade, error)
	GetTransfers(q ingest.TransferQuery) ([]domain.Transfer, error)
}

// RunStoreInterface defines the contract for reading ingestion runs
// Used by server to enable testing with mocks
type RunStoreInterface interface {
	Recent(limit int) ([]ingest.Run, error)
}

// BalanceSourceInterface defines the contract for live balance fetches
// Used by server to enable testing with mocks
type BalanceSourceInterface interface {
	Balances(ctx context.Context) ([]domain.Balance, map[string]string)
}

// SyncTriggerInterface defines the contract for manually triggered syncs
// Used by server to enable testing with mocks
type SyncTriggerInterface interface {
	RunManual(ctx context.Context, since time.Time) (*ingest.SyncResult, error)
}

// SnapshotStoreInterface defines the contract for reading report snapshots
// Used by server to enable testing with mocks
type SnapshotStoreInterface interface {
	Latest() (*snapshots.Snapshot, error)
	Recent(limit int) ([]snapshots.Info, error)
}

// TrendAnalyzerInterface defines the contract for price-mark statistics
// Used by server to enable testing with mocks
type TrendAnalyzerInterface interface {
	Analyze(symbol string) (*pricehist.Stats, error)
}

// MarkSeriesInterface defines the contract for reading the daily mark series
// Used by server to enable testing with mocks
type MarkSeriesInterface interface {
	Recent(symbol string, limit int) ([]pricehist.PriceMark, error)
}

// BreakerSourceInterface defines the contract for circuit breaker monitoring
// Used by server to enable testing with mocks
type BreakerSourceInterface interface {
	Snapshots() []resilience.Snapshot
}

// JobBoardInterface defines the contract for scheduler introspection
// Used by server to enable testing with mocks
type JobBoardInterface interface {
	Jobs() []scheduler.JobStatus
}

// FeedStatusInterface defines the contract for live feed monitoring
// Used by server to enable testing with mocks
type FeedStatusInterface interface {
	IsConnected() bool
	Snapshot() map[string]pricefeed.PricePoint
}
