package db

const schemaVersion = 1

// Money columns are decimal strings; aggregate queries CAST them to REAL.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS markets (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    question TEXT NOT NULL,
    slug TEXT NOT NULL DEFAULT '',
    outcomes TEXT NOT NULL,
    end_date TEXT,
    closed INTEGER NOT NULL DEFAULT 0,
    first_seen_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS market_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id TEXT NOT NULL REFERENCES markets(id),
    prices TEXT NOT NULL,
    volume REAL NOT NULL,
    volume_24h REAL NOT NULL,
    liquidity REAL NOT NULL,
    snapshot_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_snapshots_market_time ON market_snapshots(market_id, snapshot_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_time ON market_snapshots(snapshot_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    run TEXT NOT NULL DEFAULT 'live',
    market_id TEXT NOT NULL,
    market_title TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    outcome TEXT NOT NULL,
    side TEXT NOT NULL,
    price TEXT NOT NULL,
    size TEXT NOT NULL,
    profit TEXT,
    reason TEXT NOT NULL DEFAULT '',
    strategy TEXT NOT NULL,
    executed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run_time ON trades(run, executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);

CREATE TABLE IF NOT EXISTS pnl_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run TEXT NOT NULL DEFAULT 'live',
    pnl TEXT NOT NULL,
    balance TEXT NOT NULL,
    net_worth TEXT NOT NULL,
    equity TEXT NOT NULL,
    snapshot_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pnl_run_time ON pnl_snapshots(run, snapshot_at);
`
