package ledger

// Postgres keeps decimals as NUMERIC and times as TIMESTAMPTZ.
var postgresSchema = []string{
	`CREATE SCHEMA IF NOT EXISTS ledger`,
	`CREATE TABLE IF NOT EXISTS ledger.orders (
		idempotency_key   TEXT PRIMARY KEY,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		order_type        TEXT NOT NULL,
		time_in_force     TEXT NOT NULL DEFAULT '',
		reduce_only       BOOLEAN NOT NULL DEFAULT FALSE,
		requested_qty     NUMERIC NOT NULL,
		requested_price   NUMERIC,
		qty               NUMERIC NOT NULL,
		price             NUMERIC,
		filled_qty        NUMERIC NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		origin            TEXT NOT NULL DEFAULT 'LOCAL',
		strategy          TEXT NOT NULL DEFAULT '',
		last_error        TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON ledger.orders (symbol, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON ledger.orders (exchange_order_id) WHERE exchange_order_id <> ''`,
	`CREATE TABLE IF NOT EXISTS ledger.executions (
		exec_id           TEXT PRIMARY KEY,
		order_key         TEXT NOT NULL REFERENCES ledger.orders (idempotency_key),
		exchange_order_id TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		qty               NUMERIC NOT NULL,
		price             NUMERIC NOT NULL,
		fee               NUMERIC NOT NULL DEFAULT 0,
		executed_at       TIMESTAMPTZ NOT NULL,
		recorded_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_order ON ledger.executions (order_key)`,
	`CREATE TABLE IF NOT EXISTS ledger.positions (
		id              BIGSERIAL PRIMARY KEY,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL DEFAULT '',
		size            NUMERIC NOT NULL,
		avg_entry_price NUMERIC NOT NULL DEFAULT 0,
		unrealized_pnl  NUMERIC NOT NULL DEFAULT 0,
		source          TEXT NOT NULL DEFAULT '',
		captured_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_time ON ledger.positions (symbol, captured_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS ledger.halt_flag (
		id            SMALLINT PRIMARY KEY CHECK (id = 1),
		halted        BOOLEAN NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		activation_id TEXT NOT NULL DEFAULT '',
		activated_at  TIMESTAMPTZ,
		cleared_at    TIMESTAMPTZ,
		cleared_by    TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger.config_snapshots (
		id         BIGSERIAL PRIMARY KEY,
		key        TEXT NOT NULL,
		hash       TEXT NOT NULL DEFAULT '',
		value      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_snapshots_key ON ledger.config_snapshots (key, id DESC)`,
	`CREATE TABLE IF NOT EXISTS ledger.errors (
		id         BIGSERIAL PRIMARY KEY,
		component  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		symbol     TEXT NOT NULL DEFAULT '',
		order_key  TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_component_time ON ledger.errors (component, created_at DESC)`,
}

// SQLite keeps decimals as TEXT and times as unix milliseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		idempotency_key   TEXT PRIMARY KEY,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		order_type        TEXT NOT NULL,
		time_in_force     TEXT NOT NULL DEFAULT '',
		reduce_only       INTEGER NOT NULL DEFAULT 0,
		requested_qty     TEXT NOT NULL,
		requested_price   TEXT,
		qty               TEXT NOT NULL,
		price             TEXT,
		filled_qty        TEXT NOT NULL DEFAULT '0',
		status            TEXT NOT NULL,
		origin            TEXT NOT NULL DEFAULT 'LOCAL',
		strategy          TEXT NOT NULL DEFAULT '',
		last_error        TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders (exchange_order_id)`,
	`CREATE TABLE IF NOT EXISTS executions (
		exec_id           TEXT PRIMARY KEY,
		order_key         TEXT NOT NULL REFERENCES orders (idempotency_key),
		exchange_order_id TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		qty               TEXT NOT NULL,
		price             TEXT NOT NULL,
		fee               TEXT NOT NULL DEFAULT '0',
		executed_at       INTEGER NOT NULL,
		recorded_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_order ON executions (order_key)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL DEFAULT '',
		size            TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL DEFAULT '0',
		unrealized_pnl  TEXT NOT NULL DEFAULT '0',
		source          TEXT NOT NULL DEFAULT '',
		captured_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_time ON positions (symbol, captured_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS halt_flag (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		halted        INTEGER NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		activation_id TEXT NOT NULL DEFAULT '',
		activated_at  INTEGER,
		cleared_at    INTEGER,
		cleared_by    TEXT NOT NULL DEFAULT '',
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config_snapshots (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		key        TEXT NOT NULL,
		hash       TEXT NOT NULL DEFAULT '',
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_snapshots_key ON config_snapshots (key, id DESC)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		component  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		symbol     TEXT NOT NULL DEFAULT '',
		order_key  TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_component_time ON errors (component, created_at DESC)`,
}
