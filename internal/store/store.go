// Package store is the sqlite persistence layer. One Store owns the
// database handle; typed repositories hang off it.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite handle shared by all repositories.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database, enables WAL mode, and bootstraps
// the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer: the daemon is the only process touching this file
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.bootstrap(); err != nil {
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return s, nil
}

// DB exposes the handle for repositories in this package and for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the handle is still usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) bootstrap() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id    TEXT UNIQUE,
    symbol          TEXT NOT NULL,
    right           TEXT NOT NULL DEFAULT 'P',
    strike          TEXT NOT NULL,
    expiration      TEXT NOT NULL,
    contracts       INTEGER NOT NULL,
    entry_premium   TEXT NOT NULL DEFAULT '0',
    entry_time      TEXT,
    exit_premium    TEXT NOT NULL DEFAULT '0',
    exit_time       TEXT,
    exit_kind       TEXT NOT NULL DEFAULT '',
    realized_pnl    TEXT NOT NULL DEFAULT '0',
    commission      TEXT NOT NULL DEFAULT '0',
    status          TEXT NOT NULL,
    strategy_tag    TEXT NOT NULL DEFAULT '',
    experiment_id   TEXT NOT NULL DEFAULT '',
    experiment_arm  TEXT NOT NULL DEFAULT '',
    rolled_from_id  INTEGER NOT NULL DEFAULT 0,
    roll_count      INTEGER NOT NULL DEFAULT 0,
    needs_recon     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

CREATE TABLE IF NOT EXISTS entry_snapshots (
    trade_id         INTEGER PRIMARY KEY REFERENCES trades(id),
    captured_at      TEXT NOT NULL,
    greeks           TEXT NOT NULL,
    underlying_price TEXT NOT NULL,
    vix              TEXT NOT NULL DEFAULT '0',
    selection_method TEXT NOT NULL DEFAULT '',
    target_delta     TEXT NOT NULL DEFAULT '0',
    original_strike  TEXT NOT NULL DEFAULT '0',
    live_delta       TEXT NOT NULL DEFAULT '0',
    indicators       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS exit_snapshots (
    trade_id         INTEGER PRIMARY KEY REFERENCES trades(id),
    captured_at      TEXT NOT NULL,
    greeks           TEXT NOT NULL,
    underlying_price TEXT NOT NULL,
    vix              TEXT NOT NULL DEFAULT '0',
    exit_kind        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orders (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    broker_order_id INTEGER NOT NULL DEFAULT 0,
    parent_order_id INTEGER NOT NULL DEFAULT 0,
    trade_id        INTEGER NOT NULL DEFAULT 0,
    decision_id     TEXT NOT NULL DEFAULT '',
    symbol          TEXT NOT NULL,
    right           TEXT NOT NULL DEFAULT 'P',
    strike          TEXT NOT NULL,
    expiration      TEXT NOT NULL,
    side            TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    limit_price     TEXT NOT NULL DEFAULT '0',
    order_type      TEXT NOT NULL,
    tif             TEXT NOT NULL,
    status          TEXT NOT NULL,
    filled_qty      INTEGER NOT NULL DEFAULT 0,
    avg_fill_price  TEXT NOT NULL DEFAULT '0',
    commission      TEXT NOT NULL DEFAULT '0',
    last_broker_msg TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);

CREATE TABLE IF NOT EXISTS staged_opportunities (
    id               TEXT PRIMARY KEY,
    symbol           TEXT NOT NULL,
    original_strike  TEXT NOT NULL DEFAULT '0',
    strike           TEXT NOT NULL,
    target_delta     TEXT NOT NULL DEFAULT '0',
    target_dte       INTEGER NOT NULL DEFAULT 0,
    expiration       TEXT NOT NULL,
    limit_price      TEXT NOT NULL,
    contracts        INTEGER NOT NULL,
    underlying_price TEXT NOT NULL DEFAULT '0',
    greeks           TEXT NOT NULL DEFAULT '{}',
    selection_method TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staged_status ON staged_opportunities(status);

CREATE TABLE IF NOT EXISTS events (
    id            TEXT PRIMARY KEY,
    type          TEXT NOT NULL,
    payload       TEXT NOT NULL DEFAULT '{}',
    state         TEXT NOT NULL DEFAULT 'pending',
    priority      INTEGER NOT NULL DEFAULT 0,
    retries       INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    scheduled_for TEXT,
    available_at  TEXT,
    processed_at  TEXT,
    last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_claim ON events(state, priority, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_sched ON events(type, scheduled_for)
    WHERE scheduled_for IS NOT NULL;

CREATE TABLE IF NOT EXISTS event_claims (
    event_id   TEXT NOT NULL,
    consumer   TEXT NOT NULL,
    claimed_at TEXT NOT NULL,
    PRIMARY KEY (event_id, consumer)
);

CREATE TABLE IF NOT EXISTS decisions (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    event_id       TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL,
    context        TEXT NOT NULL DEFAULT '{}',
    output         TEXT NOT NULL DEFAULT '{}',
    action         TEXT NOT NULL,
    result         TEXT NOT NULL DEFAULT '{}',
    autonomy_level INTEGER NOT NULL DEFAULT 1,
    cost_usd       TEXT NOT NULL DEFAULT '0',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id, created_at);

CREATE TABLE IF NOT EXISTS decision_embeddings (
    decision_id TEXT PRIMARY KEY REFERENCES decisions(id),
    summary     TEXT NOT NULL,
    vector      BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS working_memory (
    session_id TEXT PRIMARY KEY,
    data       TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    parameter       TEXT NOT NULL,
    control_value   REAL NOT NULL,
    test_value      REAL NOT NULL,
    allocation      REAL NOT NULL,
    min_samples     INTEGER NOT NULL,
    success_metric  TEXT NOT NULL DEFAULT 'roi',
    control_stats   TEXT NOT NULL DEFAULT '{}',
    test_stats      TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    decision_reason TEXT NOT NULL DEFAULT '',
    started_at      TEXT NOT NULL,
    deadline        TEXT NOT NULL,
    finished_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS patterns (
    id          TEXT PRIMARY KEY,
    category    TEXT NOT NULL,
    name        TEXT NOT NULL,
    sample_size INTEGER NOT NULL,
    win_rate    REAL NOT NULL,
    avg_roi     REAL NOT NULL,
    confidence  REAL NOT NULL,
    p_value     REAL NOT NULL,
    effect_size REAL NOT NULL,
    status      TEXT NOT NULL,
    detected_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_name ON patterns(category, name);

CREATE TABLE IF NOT EXISTS system_state (
    id               INTEGER PRIMARY KEY CHECK (id = 1),
    trading_halted   INTEGER NOT NULL DEFAULT 0,
    halt_reason      TEXT NOT NULL DEFAULT '',
    last_heartbeat   TEXT,
    current_activity TEXT NOT NULL DEFAULT '',
    cost_date        TEXT NOT NULL DEFAULT '',
    cost_today_usd   REAL NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO system_state (id) VALUES (1);
`
