package database

// Embedded schemas, one per database. Every statement is idempotent
// (IF NOT EXISTS) so Migrate can run on every startup.

// cacheSchema is the durable trade cache (cache.db, ledger profile).
// It is the system of record for trade history beyond any venue's API
// retention window.
//
// The uniqueness index on trades is the logical fill identity: timestamp,
// symbol, side, amount and price (rounded to 8 decimals so float
// formatting differences between fetches do not create phantom rows).
// Venue, account and the venue-assigned trade id are provenance columns,
// deliberately outside the identity: linked sub-accounts surface the same
// underlying fill under different ids, and those copies must collapse
// into one cached row. Re-ingesting any observation of a known fill is a
// no-op.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id     TEXT NOT NULL DEFAULT '',
    venue        TEXT NOT NULL,
    account      TEXT NOT NULL,
    executed_at  INTEGER NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
    amount       REAL NOT NULL,
    price        REAL NOT NULL,
    fee          REAL NOT NULL DEFAULT 0,
    fee_currency TEXT NOT NULL DEFAULT '',
    cached_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_identity
    ON trades (executed_at, symbol, side, ROUND(amount, 8), ROUND(price, 8));

CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades (executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_venue_account ON trades (venue, account);

CREATE TABLE IF NOT EXISTS transfers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    transfer_id TEXT NOT NULL DEFAULT '',
    venue       TEXT NOT NULL,
    account     TEXT NOT NULL,
    executed_at INTEGER NOT NULL,
    symbol      TEXT NOT NULL,
    kind        TEXT NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAWAL')),
    status      TEXT NOT NULL,
    amount      REAL NOT NULL,
    fee         REAL NOT NULL DEFAULT 0,
    tx_id       TEXT NOT NULL DEFAULT '',
    cached_at   INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_identity
    ON transfers (venue, account, transfer_id, executed_at, symbol, kind, ROUND(amount, 8));

CREATE INDEX IF NOT EXISTS idx_transfers_executed_at ON transfers (executed_at);

CREATE TABLE IF NOT EXISTS ingest_runs (
    id              TEXT PRIMARY KEY,
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER,
    since           INTEGER NOT NULL,
    accounts_total  INTEGER NOT NULL,
    accounts_failed INTEGER NOT NULL DEFAULT 0,
    trades_fetched  INTEGER NOT NULL DEFAULT 0,
    trades_new      INTEGER NOT NULL DEFAULT 0,
    coverage_start  INTEGER,
    complete        INTEGER NOT NULL DEFAULT 0,
    errors          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs (started_at);
`

// historySchema holds reconstructible operational data (history.db,
// standard profile): price marks for mark-to-market valuation and
// serialized report snapshots.
const historySchema = `
CREATE TABLE IF NOT EXISTS price_marks (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol    TEXT NOT NULL,
    price     REAL NOT NULL,
    source    TEXT NOT NULL DEFAULT '',
    marked_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_price_marks_symbol_time ON price_marks (symbol, marked_at);
CREATE INDEX IF NOT EXISTS idx_price_marks_symbol ON price_marks (symbol);

CREATE TABLE IF NOT EXISTS report_snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    payload    BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_snapshots_created_at ON report_snapshots (created_at);
`

// schemaForDatabase maps a database name to its embedded schema
func schemaForDatabase(name string) (string, bool) {
	switch name {
	case "cache":
		return cacheSchema, true
	case "history":
		return historySchema, true
	default:
		return "", false
	}
}
