// Package snapshots persists each built report as a compact binary
// blob so the API can keep serving the last known state while every
// venue is down. Snapshots are reconstructible from the trade cache and
// exist purely to make degraded reads cheap.
package snapshots

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cofferhq/coffer/internal/modules/ledger"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is one stored report with its provenance.
type Snapshot struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	CreatedAt time.Time      `json:"created_at"`
	Report    *ledger.Report `json:"report"`
}

// Info is snapshot metadata without the decoded payload, for listings.
type Info struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Repository stores report snapshots in history.db.
type Repository struct {
	historyDB *sql.DB
	log       zerolog.Logger
}

// NewRepository creates a new snapshot repository
func NewRepository(historyDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		historyDB: historyDB,
		log:       log.With().Str("repo", "snapshots").Logger(),
	}
}

// Save serializes a report and stores it keyed by the ingest run that
// produced it.
func (r *Repository) Save(runID string, report *ledger.Report) error {
	if report == nil {
		return fmt.Errorf("cannot snapshot a nil report")
	}

	payload, err := msgpack.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}

	_, err = r.historyDB.Exec(
		"INSERT INTO report_snapshots (run_id, created_at, payload) VALUES (?, ?, ?)",
		runID, report.GeneratedAt.UTC().Unix(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to store report snapshot: %w", err)
	}

	r.log.Debug().
		Str("run_id", runID).
		Int("bytes", len(payload)).
		Msg("Stored report snapshot")

	return nil
}

// Latest returns the most recent snapshot with its report decoded, or
// nil when none has been stored yet.
func (r *Repository) Latest() (*Snapshot, error) {
	row := r.historyDB.QueryRow(
		"SELECT id, run_id, created_at, payload FROM report_snapshots ORDER BY created_at DESC, id DESC LIMIT 1",
	)

	var snap Snapshot
	var createdAt int64
	var payload []byte

	err := row.Scan(&snap.ID, &snap.RunID, &createdAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}

	var report ledger.Report
	if err := msgpack.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}

	snap.CreatedAt = time.Unix(createdAt, 0).UTC()
	snap.Report = &report
	return &snap, nil
}

// Recent returns snapshot metadata, newest first, without decoding
// payloads.
func (r *Repository) Recent(limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.historyDB.Query(
		"SELECT id, run_id, created_at, LENGTH(payload) FROM report_snapshots ORDER BY created_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var createdAt int64
		if err := rows.Scan(&info.ID, &info.RunID, &createdAt, &info.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot info: %w", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	return infos, nil
}

// Prune deletes all but the newest keep snapshots and returns how many
// rows went away.
func (r *Repository) Prune(keep int) (int64, error) {
	if keep <= 0 {
		keep = 30
	}

	res, err := r.historyDB.Exec(`
		DELETE FROM report_snapshots WHERE id NOT IN (
			SELECT id FROM report_snapshots ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}

	if pruned > 0 {
		r.log.Info().Int64("pruned", pruned).Int("kept", keep).Msg("Pruned old report snapshots")
	}

	return pruned, nil
}
