// Package pricehist keeps a daily price mark series per symbol and
// derives simple trend and dispersion statistics from it. Marks are
// recorded opportunistically after successful price fetches; one mark
// per symbol per UTC day is kept, the last observation of the day
// winning.
package pricehist

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const marksColumns = "symbol, price, source, marked_at"

// PriceMark is one daily price observation for a symbol.
type PriceMark struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Source   string    `json:"source"`
	MarkedAt time.Time `json:"marked_at"`
}

// MarkRepository stores price marks in history.db.
type MarkRepository struct {
	historyDB *sql.DB
	log       zerolog.Logger
}

// NewMarkRepository creates a new price mark repository
func NewMarkRepository(historyDB *sql.DB, log zerolog.Logger) *MarkRepository {
	return &MarkRepository{
		historyDB: historyDB,
		log:       log.With().Str("repo", "price_marks").Logger(),
	}
}

// Record stores a mark for the UTC day of at. Recording the same
// symbol and day again replaces the earlier observation.
func (r *MarkRepository) Record(symbol string, price float64, source string, at time.Time) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive, got %f", price)
	}

	day := at.UTC().Truncate(24 * time.Hour)

	_, err := r.historyDB.Exec(`
		INSERT INTO price_marks (symbol, price, source, marked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, marked_at) DO UPDATE SET
			price = excluded.price,
			source = excluded.source`,
		symbol, price, source, day.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record price mark: %w", err)
	}

	r.log.Debug().
		Str("symbol", symbol).
		Float64("price", price).
		Str("source", source).
		Time("day", day).
		Msg("Recorded price mark")

	return nil
}

// Recent returns the last limit marks for a symbol in chronological
// order, oldest first.
func (r *MarkRepository) Recent(symbol string, limit int) ([]PriceMark, error) {
	if limit <= 0 {
		limit = 90
	}

	rows, err := r.historyDB.Query(
		"SELECT "+marksColumns+" FROM price_marks WHERE symbol = ? ORDER BY marked_at DESC LIMIT ?",
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query price marks: %w", err)
	}
	defer rows.Close()

	var marks []PriceMark
	for rows.Next() {
		mark, err := scanMarkFromRows(rows)
		if err != nil {
			return nil, err
		}
		marks = append(marks, mark)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate price marks: %w", err)
	}

	// Newest-first off the index, flipped to chronological.
	for i, j := 0, len(marks)-1; i < j; i, j = i+1, j-1 {
		marks[i], marks[j] = marks[j], marks[i]
	}

	return marks, nil
}

// At returns the most recent mark at or before the given time, or nil
// when the series has no mark that old.
func (r *MarkRepository) At(symbol string, at time.Time) (*PriceMark, error) {
	row := r.historyDB.QueryRow(
		"SELECT "+marksColumns+" FROM price_marks WHERE symbol = ? AND marked_at <= ? ORDER BY marked_at DESC LIMIT 1",
		symbol, at.UTC().Unix(),
	)

	var mark PriceMark
	var markedAt int64
	err := row.Scan(&mark.Symbol, &mark.Price, &mark.Source, &markedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query price mark: %w", err)
	}

	mark.MarkedAt = time.Unix(markedAt, 0).UTC()
	return &mark, nil
}

// PruneBefore deletes marks older than the cutoff and returns how many
// rows went away.
func (r *MarkRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.historyDB.Exec(
		"DELETE FROM price_marks WHERE marked_at < ?",
		cutoff.UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune price marks: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned price marks: %w", err)
	}

	if pruned > 0 {
		r.log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Pruned old price marks")
	}

	return pruned, nil
}

func scanMarkFromRows(rows *sql.Rows) (PriceMark, error) {
	var mark PriceMark
	var markedAt int64

	if err := rows.Scan(&mark.Symbol, &mark.Price, &mark.Source, &markedAt); err != nil {
		return PriceMark{}, fmt.Errorf("failed to scan price mark: %w", err)
	}

	mark.MarkedAt = time.Unix(markedAt, 0).UTC()
	return mark, nil
}
