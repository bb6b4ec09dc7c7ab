package ingest

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/domain"
)

// tradesColumns is the list of columns for the trades table.
// Column order must match scanTradeFromRows.
const tradesColumns = `id, trade_id, venue, account, executed_at, symbol, side, amount, price, fee, fee_currency, cached_at`

// transfersColumns is the list of columns for the transfers table.
// Column order must match scanTransferFromRows.
const transfersColumns = `transfer_id, venue, account, executed_at, symbol, kind, status, amount, fee, tx_id`

// CacheRepository persists observed trades and transfers in cache.db.
// The cache is the system of record for history beyond any venue's API
// retention window: once written, rows remain queryable indefinitely
// regardless of what the venue later reports.
type CacheRepository struct {
	cacheDB *sql.DB
	log     zerolog.Logger
}

// NewCacheRepository creates a new cache repository
func NewCacheRepository(cacheDB *sql.DB, log zerolog.Logger) *CacheRepository {
	return &CacheRepository{
		cacheDB: cacheDB,
		log:     log.With().Str("repo", "cache").Logger(),
	}
}

// SaveTrades inserts trades the cache has not seen before and returns how
// many rows were genuinely new. Re-ingesting a known fill is a no-op, not
// an error: the identity index collapses repeated observations, including
// copies of the same fill surfaced by linked sub-accounts under different
// venues and trade ids. The whole batch is one transaction; an invalid
// trade rejects the batch.
func (r *CacheRepository) SaveTrades(trades []domain.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	query := `
		INSERT OR IGNORE INTO trades
		(trade_id, venue, account, executed_at, symbol, side, amount, price, fee, fee_currency, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().Unix()
	inserted := 0

	err := database.WithTransaction(r.cacheDB, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for i := range trades {
			trade := trades[i]
			if err := trade.Validate(); err != nil {
				return fmt.Errorf("rejecting trade batch: %w", err)
			}

			res, err := stmt.Exec(
				trade.TradeID,
				trade.Venue,
				trade.Account,
				trade.ExecutedAt.UTC().Unix(),
				trade.Symbol,
				string(trade.Side),
				trade.Amount,
				trade.Price,
				trade.Fee,
				trade.FeeCurrency,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert trade: %w", err)
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read insert result: %w", err)
			}
			inserted += int(affected)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().
		Int("batch", len(trades)).
		Int("new", inserted).
		Msg("Trade batch cached")

	return inserted, nil
}

// TradeQuery filters cached trades. Zero values mean no constraint.
type TradeQuery struct {
	Since   time.Time
	Until   time.Time
	Venue   string
	Account string
	Symbol  string
	Limit   int
}

// GetTrades returns cached trades matching the query, ordered by
// execution time ascending.
func (r *CacheRepository) GetTrades(q TradeQuery) ([]domain.Trade, error) {
	query := "SELECT " + tradesColumns + " FROM trades"

	var clauses []string
	var args []interface{}

	if !q.Since.IsZero() {
		clauses = append(clauses, "executed_at >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "executed_at <= ?")
		args = append(args, q.Until.UTC().Unix())
	}
	if q.Venue != "" {
		clauses = append(clauses, "venue = ?")
		args = append(args, q.Venue)
	}
	if q.Account != "" {
		clauses = append(clauses, "account = ?")
		args = append(args, q.Account)
	}
	if q.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(q.Symbol)))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY executed_at ASC, id ASC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.cacheDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTradeFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

// CountTrades returns the total number of cached trades
func (r *CacheRepository) CountTrades() (int, error) {
	var count int
	err := r.cacheDB.QueryRow("SELECT COUNT(*) FROM trades").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

// GetLastTradeTimestamp returns the execution time of the most recent
// cached trade, or nil when the cache is empty. Sync jobs use it to pick
// the next fetch window.
func (r *CacheRepository) GetLastTradeTimestamp() (*time.Time, error) {
	var executedAt sql.NullInt64
	err := r.cacheDB.QueryRow("SELECT MAX(executed_at) FROM trades").Scan(&executedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get last trade timestamp: %w", err)
	}

	if !executedAt.Valid {
		return nil, nil
	}

	t := time.Unix(executedAt.Int64, 0).UTC()
	return &t, nil
}

// GetOldestTradeTimestamp returns the execution time of the oldest cached
// trade, or nil when the cache is empty.
func (r *CacheRepository) GetOldestTradeTimestamp() (*time.Time, error) {
	var executedAt sql.NullInt64
	err := r.cacheDB.QueryRow("SELECT MIN(executed_at) FROM trades").Scan(&executedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest trade timestamp: %w", err)
	}

	if !executedAt.Valid {
		return nil, nil
	}

	t := time.Unix(executedAt.Int64, 0).UTC()
	return &t, nil
}

// SaveTransfers upserts transfer records and returns the number of new
// rows. A transfer's identity includes its venue and account: unlike
// trades, deposits and withdrawals are account-local facts. Status, fee
// and tx id refresh on re-ingestion because a pending transfer settles or
// fails on a later run.
func (r *CacheRepository) SaveTransfers(transfers []domain.Transfer) (int, error) {
	if len(transfers) == 0 {
		return 0, nil
	}

	insert := `
		INSERT OR IGNORE INTO transfers
		(transfer_id, venue, account, executed_at, symbol, kind, status, amount, fee, tx_id, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	update := `
		UPDATE transfers SET status = ?, fee = ?, tx_id = ?
		WHERE venue = ? AND account = ? AND transfer_id = ?
		  AND executed_at = ? AND symbol = ? AND kind = ?
		  AND ROUND(amount, 8) = ROUND(?, 8)
	`

	now := time.Now().Unix()
	inserted := 0

	err := database.WithTransaction(r.cacheDB, func(tx *sql.Tx) error {
		for _, transfer := range transfers {
			executedAt := transfer.ExecutedAt.UTC().Unix()
			symbol := strings.ToUpper(strings.TrimSpace(transfer.Symbol))

			res, err := tx.Exec(insert,
				transfer.TransferID,
				transfer.Venue,
				transfer.Account,
				executedAt,
				symbol,
				string(transfer.Kind),
				string(transfer.Status),
				transfer.Amount,
				transfer.Fee,
				transfer.TxID,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert transfer: %w", err)
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read insert result: %w", err)
			}
			if affected > 0 {
				inserted++
				continue
			}

			// Known transfer: refresh the mutable fields
			if _, err := tx.Exec(update,
				string(transfer.Status),
				transfer.Fee,
				transfer.TxID,
				transfer.Venue,
				transfer.Account,
				transfer.TransferID,
				executedAt,
				symbol,
				string(transfer.Kind),
				transfer.Amount,
			); err != nil {
				return fmt.Errorf("failed to refresh transfer: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Debug().
		Int("batch", len(transfers)).
		Int("new", inserted).
		Msg("Transfer batch cached")

	return inserted, nil
}

// TransferQuery filters cached transfers. Zero values mean no constraint.
type TransferQuery struct {
	Since         time.Time
	Until         time.Time
	Kind          domain.TransferKind
	CompletedOnly bool
}

// GetTransfers returns cached transfers matching the query, ordered by
// execution time ascending.
func (r *CacheRepository) GetTransfers(q TransferQuery) ([]domain.Transfer, error) {
	query := "SELECT " + transfersColumns + " FROM transfers"

	var clauses []string
	var args []interface{}

	if !q.Since.IsZero() {
		clauses = append(clauses, "executed_at >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "executed_at <= ?")
		args = append(args, q.Until.UTC().Unix())
	}
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.CompletedOnly {
		clauses = append(clauses, "status = ?")
		args = append(args, string(domain.TransferStatusCompleted))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY executed_at ASC, id ASC"

	rows, err := r.cacheDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransferFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

	return transfers, nil
}

// Helper methods

func scanTradeFromRows(rows *sql.Rows) (domain.Trade, error) {
	var trade domain.Trade
	var executedAt, cachedAt int64
	var side string

	err := rows.Scan(
		&trade.ID,
		&trade.TradeID,
		&trade.Venue,
		&trade.Account,
		&executedAt,
		&trade.Symbol,
		&side,
		&trade.Amount,
		&trade.Price,
		&trade.Fee,
		&trade.FeeCurrency,
		&cachedAt,
	)
	if err != nil {
		return trade, err
	}

	trade.ExecutedAt = time.Unix(executedAt, 0).UTC()
	trade.CachedAt = time.Unix(cachedAt, 0).UTC()

	parsedSide, err := domain.SideFromString(side)
	if err != nil {
		return trade, err
	}
	trade.Side = parsedSide

	return trade, nil
}

func scanTransferFromRows(rows *sql.Rows) (domain.Transfer, error) {
	var transfer domain.Transfer
	var executedAt int64
	var kind, status string

	err := rows.Scan(
		&transfer.TransferID,
		&transfer.Venue,
		&transfer.Account,
		&executedAt,
		&transfer.Symbol,
		&kind,
		&status,
		&transfer.Amount,
		&transfer.Fee,
		&transfer.TxID,
	)
	if err != nil {
		return transfer, err
	}

	transfer.ExecutedAt = time.Unix(executedAt, 0).UTC()
	transfer.Kind = domain.TransferKind(kind)
	transfer.Status = domain.TransferStatus(status)

	return transfer, nil
}
