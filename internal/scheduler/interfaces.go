package scheduler

import (
	"context"
	"time"

	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
)

// SyncCoordinatorInterface defines the contract for ingestion runs
// Used by scheduler to enable testing with mocks
type SyncCoordinatorInterface interface {
	Sync(ctx context.Context, since time.Time) (*ingest.SyncResult, error)
}

// RunHistoryInterface defines the contract for reading past ingestion runs
// Used by scheduler to enable testing with mocks
type RunHistoryInterface interface {
	Recent(limit int) ([]ingest.Run, error)
}

// ReportServiceInterface defines the contract for building P&L reports
// Used by scheduler to enable testing with mocks
type ReportServiceInterface interface {
	BuildReport(ctx context.Context, since time.Time) (*ledger.Report, error)
}

// SnapshotWriterInterface defines the contract for persisting report snapshots
// Used by scheduler to enable testing with mocks
type SnapshotWriterInterface interface {
	Save(runID string, report *ledger.Report) error
}

// MarkRecorderInterface defines the contract for recording daily price marks
// Used by scheduler to enable testing with mocks
type MarkRecorderInterface interface {
	RecordMark(symbol string, price float64, source string) error
}

// BackupServiceInterface defines the contract for the backup cycle
// Used by scheduler to enable testing with mocks
type BackupServiceInterface interface {
	Run(ctx context.Context) error
}

// MaintenanceServiceInterface defines the contract for the maintenance pass
// Used by scheduler to enable testing with mocks
type MaintenanceServiceInterface interface {
	Run(ctx context.Context) error
}
