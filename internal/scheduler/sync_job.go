package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
)

// ErrSyncBusy is returned when a manual sync is requested while a cycle
// is still in flight
var ErrSyncBusy = errors.New("a sync cycle is already running")

const (
	// Scheduled runs re-fetch a full week so late-arriving fills and
	// short outages are absorbed without operator action. Dedup makes
	// the overlap free.
	defaultSyncLookback = 7 * 24 * time.Hour

	defaultSyncTimeout = 10 * time.Minute
)

// SyncJob runs one ingestion cycle: pull from every venue-account,
// refresh the daily price mark, and persist a report snapshot so the
// API keeps serving the last known state through venue outages.
type SyncJob struct {
	coordinator SyncCoordinatorInterface
	runs        RunHistoryInterface
	reports     ReportServiceInterface
	snapshots   SnapshotWriterInterface
	marks       MarkRecorderInterface
	lookback    time.Duration
	timeout     time.Duration
	mu          sync.Mutex
	log         zerolog.Logger
}

// SyncJobConfig holds the sync job dependencies. Coordinator and Runs
// are required; Reports, Snapshots and Marks may be nil, which skips
// the corresponding post-sync step.
type SyncJobConfig struct {
	Log         zerolog.Logger
	Coordinator SyncCoordinatorInterface
	Runs        RunHistoryInterface
	Reports     ReportServiceInterface
	Snapshots   SnapshotWriterInterface
	Marks       MarkRecorderInterface
	Lookback    time.Duration
	Timeout     time.Duration
}

// NewSyncJob creates a sync job. Zero Lookback and Timeout fall back to
// one week and ten minutes.
func NewSyncJob(cfg SyncJobConfig) *SyncJob {
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultSyncLookback
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}

	return &SyncJob{
		coordinator: cfg.Coordinator,
		runs:        cfg.Runs,
		reports:     cfg.Reports,
		snapshots:   cfg.Snapshots,
		marks:       cfg.Marks,
		lookback:    lookback,
		timeout:     timeout,
		log:         cfg.Log.With().Str("job", "sync_cycle").Logger(),
	}
}

// Name returns the job name
func (j *SyncJob) Name() string {
	return "sync_cycle"
}

// Run executes one scheduled sync cycle. A cycle still in flight makes
// this one a no-op rather than a failure, so a slow venue cannot pile
// up runs.
func (j *SyncJob) Run() error {
	_, err := j.RunManual(context.Background(), time.Time{})
	if errors.Is(err, ErrSyncBusy) {
		j.log.Warn().Msg("Sync cycle already running, skipping")
		return nil
	}
	return err
}

// RunManual executes one sync cycle with an explicit window start and
// returns the ingestion result. A zero since resolves the scheduled
// window policy. Returns ErrSyncBusy when a cycle is already running.
func (j *SyncJob) RunManual(ctx context.Context, since time.Time) (*ingest.SyncResult, error) {
	if !j.mu.TryLock() {
		return nil, ErrSyncBusy
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if since.IsZero() {
		since = j.resolveSince(time.Now().UTC())
	}

	result, err := j.coordinator.Sync(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ingestion run failed: %w", err)
	}

	// Reporting steps are best effort: the cache already holds the new
	// data, so a failed snapshot only delays the next good one.
	report := j.buildReport(ctx)
	if report != nil {
		j.recordMark(report)
		j.saveSnapshot(result.RunID, report)
	}

	j.log.Info().
		Str("run_id", result.RunID).
		Int("trades_new", result.TradesNew).
		Int("transfers_new", result.TransfersNew).
		Int("accounts_failed", len(result.Failed)).
		Bool("complete", result.Coverage.Complete).
		Msg("Sync cycle finished")

	return result, nil
}

// resolveSince picks the fetch window start. The first run ever pulls
// the venues' full retained history. After that the window reaches back
// at least the configured lookback, widened to the previous run's start
// when the scheduler has been down longer than that.
func (j *SyncJob) resolveSince(now time.Time) time.Time {
	recent, err := j.runs.Recent(1)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read run history, using default lookback")
		return now.Add(-j.lookback)
	}
	if len(recent) == 0 {
		j.log.Info().Msg("No previous ingestion runs, fetching full venue history")
		return time.Time{}
	}

	since := now.Add(-j.lookback)
	if last := recent[0].StartedAt; last.Before(since) {
		since = last
	}
	return since
}

func (j *SyncJob) buildReport(ctx context.Context) *ledger.Report {
	if j.reports == nil {
		return nil
	}

	report, err := j.reports.BuildReport(ctx, time.Time{})
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to build report after sync")
		return nil
	}
	return report
}

func (j *SyncJob) recordMark(report *ledger.Report) {
	if j.marks == nil || report.Mark.Source == ledger.MarkSourceNone {
		return
	}

	if err := j.marks.RecordMark(report.Symbol, report.Mark.Price, report.Mark.Source); err != nil {
		j.log.Warn().Err(err).Msg("Failed to record price mark")
	}
}

func (j *SyncJob) saveSnapshot(runID string, report *ledger.Report) {
	if j.snapshots == nil {
		return
	}

	if err := j.snapshots.Save(runID, report); err != nil {
		j.log.Error().Err(err).Msg("Failed to save report snapshot")
	}
}
