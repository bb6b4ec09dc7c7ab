package ingest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Run is the audit record of one ingestion pass.
type Run struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Since          time.Time  `json:"since"`
	AccountsTotal  int        `json:"accounts_total"`
	AccountsFailed int        `json:"accounts_failed"`
	TradesFetched  int        `json:"trades_fetched"`
	TradesNew      int        `json:"trades_new"`
	CoverageStart  *time.Time `json:"coverage_start,omitempty"`
	Complete       bool       `json:"complete"`
	Errors         string     `json:"errors,omitempty"`
}

// runsColumns is the list of columns for the ingest_runs table.
// Column order must match scanRunFromRows.
const runsColumns = `id, started_at, finished_at, since, accounts_total, accounts_failed, trades_fetched, trades_new, coverage_start, complete, errors`

// RunRepository records ingestion run audit rows in cache.db
type RunRepository struct {
	cacheDB *sql.DB
	log     zerolog.Logger
}

// NewRunRepository creates a new run repository
func NewRunRepository(cacheDB *sql.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		cacheDB: cacheDB,
		log:     log.With().Str("repo", "runs").Logger(),
	}
}

// Start records the beginning of a run
func (r *RunRepository) Start(run Run) error {
	query := `
		INSERT INTO ingest_runs (id, started_at, since, accounts_total)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.cacheDB.Exec(query,
		run.ID,
		run.StartedAt.UTC().Unix(),
		run.Since.UTC().Unix(),
		run.AccountsTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}

	return nil
}

// Finish completes a run's audit row with its outcome
func (r *RunRepository) Finish(run Run) error {
	query := `
		UPDATE ingest_runs
		SET finished_at = ?, accounts_failed = ?, trades_fetched = ?,
		    trades_new = ?, coverage_start = ?, complete = ?, errors = ?
		WHERE id = ?
	`

	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.UTC().Unix()
	}
	var coverageStart interface{}
	if run.CoverageStart != nil {
		coverageStart = run.CoverageStart.UTC().Unix()
	}

	res, err := r.cacheDB.Exec(query,
		finishedAt,
		run.AccountsFailed,
		run.TradesFetched,
		run.TradesNew,
		coverageStart,
		boolToInt(run.Complete),
		run.Errors,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read run update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no run with id %s to finish", run.ID)
	}

	return nil
}

// Recent returns the latest runs, newest first
func (r *RunRepository) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + runsColumns + ` FROM ingest_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.cacheDB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRunFromRows(rows *sql.Rows) (Run, error) {
	var run Run
	var startedAt, since int64
	var finishedAt, coverageStart sql.NullInt64
	var complete int

	err := rows.Scan(
		&run.ID,
		&startedAt,
		&finishedAt,
		&since,
		&run.AccountsTotal,
		&run.AccountsFailed,
		&run.TradesFetched,
		&run.TradesNew,
		&coverageStart,
		&complete,
		&run.Errors,
	)
	if err != nil {
		return run, err
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.Since = time.Unix(since, 0).UTC()
	run.Complete = complete != 0

	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	if coverageStart.Valid {
		t := time.Unix(coverageStart.Int64, 0).UTC()
		run.CoverageStart = &t
	}

	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
