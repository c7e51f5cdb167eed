package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// SQLiteStore is the single-host ledger. One connection serializes writers;
// WAL keeps the file consistent across crashes.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// sqliteQuerier is satisfied by *sql.DB and *sql.Tx
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore opens (creating if needed) the ledger file at path
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger dir: %w", err)
		}
	}

	// pragmas in the DSN apply to every connection the pool opens
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, logger: log.Component("ledger"), now: time.Now}, nil
}

// Migrate creates the schema
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate sqlite ledger: %w", err)
		}
	}
	s.logger.Debug("SQLite ledger schema ready")
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// ============================================
// Orders
// ============================================

const sqliteOrderColumns = `idempotency_key, exchange_order_id, symbol, side, order_type, time_in_force,
	reduce_only, requested_qty, requested_price, qty, price, filled_qty, status, origin,
	strategy, last_error, created_at, updated_at`

func scanSQLiteOrder(row rowScanner) (*contracts.OrderRecord, error) {
	var r orderRow
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.key, &r.exchangeID, &r.symbol, &r.side, &r.orderType, &r.tif,
		&r.reduceOnly, &r.requestedQty, &r.requestedPrice, &r.qty, &r.price, &r.filledQty,
		&r.status, &r.origin, &r.strategy, &r.lastError, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return r.record(fromMillis(createdAt), fromMillis(updatedAt))
}

func (s *SQLiteStore) getOrder(ctx context.Context, q sqliteQuerier, where string, arg interface{}) (*contracts.OrderRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE `+where+` LIMIT 1`, arg)
	return scanSQLiteOrder(row)
}

// CreateOrder inserts rec or returns the existing row for its key
func (s *SQLiteStore) CreateOrder(ctx context.Context, rec *contracts.OrderRecord) (*contracts.OrderRecord, bool, error) {
	if err := prepareOrder(rec, s.now().UTC()); err != nil {
		return nil, false, err
	}

	var stored *contracts.OrderRecord
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+sqliteOrderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			rec.IdempotencyKey, rec.ExchangeOrderID, rec.Symbol, string(rec.Side), string(rec.Type),
			string(rec.TimeInForce), rec.ReduceOnly, rec.RequestedQty.String(), nullDecimalArg(rec.RequestedPrice),
			rec.Qty.String(), nullDecimalArg(rec.Price), rec.FilledQty.String(), string(rec.Status),
			string(rec.Origin), rec.Strategy, rec.LastError, millis(rec.CreatedAt), millis(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		created = n == 1

		stored, err = s.getOrder(ctx, tx, "idempotency_key = ?", rec.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// UpdateOrder applies upd unless the order is terminal
func (s *SQLiteStore) UpdateOrder(ctx context.Context, key string, upd contracts.OrderUpdate) (*contracts.OrderRecord, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{millis(s.now())}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ExchangeOrderID != nil {
		sets = append(sets, "exchange_order_id = ?")
		args = append(args, *upd.ExchangeOrderID)
	}
	if upd.FilledQty != nil {
		sets = append(sets, "filled_qty = ?")
		args = append(args, upd.FilledQty.String())
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	args = append(args, key)

	query := `UPDATE orders SET ` + strings.Join(sets, ", ") +
		` WHERE idempotency_key = ? AND status NOT IN (` + terminalList() + `)`

	var out *contracts.OrderRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		rec, err := s.getOrder(ctx, tx, "idempotency_key = ?", key)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, key, rec.Status)
		}
		out = rec
		return nil
	})
	return out, err
}

// GetOrderByKey returns the order with idempotency key
func (s *SQLiteStore) GetOrderByKey(ctx context.Context, key string) (*contracts.OrderRecord, error) {
	return s.getOrder(ctx, s.db, "idempotency_key = ?", key)
}

// GetOrderByExchangeID returns the order the exchange knows as id
func (s *SQLiteStore) GetOrderByExchangeID(ctx context.Context, id string) (*contracts.OrderRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.getOrder(ctx, s.db, "exchange_order_id = ?", id)
}

// ListOpenOrders returns non-terminal orders, oldest first
func (s *SQLiteStore) ListOpenOrders(ctx context.Context, symbol string) ([]*contracts.OrderRecord, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders WHERE status NOT IN (` + terminalList() + `)`
	var args []interface{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at, idempotency_key`
	return s.queryOrders(ctx, query, args...)
}

// ListOrders returns the newest orders of symbol
func (s *SQLiteStore) ListOrders(ctx context.Context, symbol string, limit int) ([]*contracts.OrderRecord, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders`
	var args []interface{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC, idempotency_key LIMIT ?`
	args = append(args, clampLimit(limit))
	return s.queryOrders(ctx, query, args...)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*contracts.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*contracts.OrderRecord
	for rows.Next() {
		rec, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================
// Executions
// ============================================

// AppendExecution inserts exec once; replays of a known exec id are no-ops
func (s *SQLiteStore) AppendExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error) {
	if exec.ExecID == "" {
		return false, fmt.Errorf("execution without exec id")
	}

	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE exec_id = ?`, exec.ExecID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check execution: %w", err)
		}

		parent, err := s.parentOrder(ctx, tx, exec)
		if err != nil {
			return err
		}

		executed, err := s.executedQty(ctx, tx, parent.IdempotencyKey)
		if err != nil {
			return err
		}
		if err := checkFill(parent.Qty, executed, exec.Qty); err != nil {
			return fmt.Errorf("order %s exec %s: %w", parent.IdempotencyKey, exec.ExecID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (exec_id, order_key, exchange_order_id, symbol, side, qty, price, fee, executed_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ExecID, parent.IdempotencyKey, exec.ExchangeOrderID, exec.Symbol, string(exec.Side),
			exec.Qty.String(), exec.Price.String(), exec.Fee.String(), millis(exec.ExecutedAt), millis(s.now()),
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		filled := executed.Add(exec.Qty)
		if !parent.Status.IsTerminal() && filled.GreaterThan(parent.FilledQty) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE orders SET filled_qty = ?, updated_at = ? WHERE idempotency_key = ?`,
				filled.String(), millis(s.now()), parent.IdempotencyKey,
			); err != nil {
				return fmt.Errorf("failed to bump filled qty: %w", err)
			}
		}
		created = true
		return nil
	})
	return created, err
}

func (s *SQLiteStore) parentOrder(ctx context.Context, q sqliteQuerier, exec contracts.ExecutionRecord) (*contracts.OrderRecord, error) {
	var (
		rec *contracts.OrderRecord
		err error
	)
	switch {
	case exec.OrderKey != "":
		rec, err = s.getOrder(ctx, q, "idempotency_key = ?", exec.OrderKey)
	case exec.ExchangeOrderID != "":
		rec, err = s.getOrder(ctx, q, "exchange_order_id = ?", exec.ExchangeOrderID)
	default:
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: exec %s (order %q / %q)", ErrOrphanExecution, exec.ExecID, exec.OrderKey, exec.ExchangeOrderID)
	}
	return rec, err
}

func (s *SQLiteStore) executedQty(ctx context.Context, q sqliteQuerier, key string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT qty FROM executions WHERE order_key = ?`, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum executions: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qty string
		if err := rows.Scan(&qty); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan execution qty: %w", err)
		}
		d, err := decimalFrom(qty)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// ListExecutions returns the fills of one order, oldest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, orderKey string) ([]contracts.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exec_id, order_key, exchange_order_id, symbol, side, qty, price, fee, executed_at
		FROM executions WHERE order_key = ? ORDER BY executed_at, exec_id`, orderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []contracts.ExecutionRecord
	for rows.Next() {
		var e contracts.ExecutionRecord
		var side, qty, price, fee string
		var executedAt int64
		if err := rows.Scan(&e.ExecID, &e.OrderKey, &e.ExchangeOrderID, &e.Symbol, &side, &qty, &price, &fee, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Side = contracts.Side(side)
		e.ExecutedAt = fromMillis(executedAt)
		if e.Qty, err = decimalFrom(qty); err != nil {
			return nil, err
		}
		if e.Price, err = decimalFrom(price); err != nil {
			return nil, err
		}
		if e.Fee, err = decimalFrom(fee); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================
// Positions
// ============================================

// SavePosition appends a snapshot; the latest one per symbol is current
func (s *SQLiteStore) SavePosition(ctx context.Context, snap contracts.PositionSnapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, size, avg_entry_price, unrealized_pnl, source, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Symbol, string(snap.Side), snap.Size.String(), snap.AvgEntryPrice.String(),
		snap.UnrealizedPnL.String(), snap.Source, millis(snap.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

const sqlitePositionColumns = `id, symbol, side, size, avg_entry_price, unrealized_pnl, source, captured_at`

func scanSQLitePosition(row rowScanner) (*contracts.PositionSnapshot, error) {
	var p contracts.PositionSnapshot
	var side, size, avg, pnl string
	var capturedAt int64
	err := row.Scan(&p.ID, &p.Symbol, &side, &size, &avg, &pnl, &p.Source, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.Side = contracts.Side(side)
	p.CapturedAt = fromMillis(capturedAt)
	if p.Size, err = decimalFrom(size); err != nil {
		return nil, err
	}
	if p.AvgEntryPrice, err = decimalFrom(avg); err != nil {
		return nil, err
	}
	if p.UnrealizedPnL, err = decimalFrom(pnl); err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPosition returns the current snapshot of symbol
func (s *SQLiteStore) LatestPosition(ctx context.Context, symbol string) (*contracts.PositionSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePositionColumns+` FROM positions
		WHERE symbol = ? ORDER BY captured_at DESC, id DESC LIMIT 1`, symbol)
	return scanSQLitePosition(row)
}

// PositionHistory returns snapshots of symbol, newest first
func (s *SQLiteStore) PositionHistory(ctx context.Context, symbol string, limit int) ([]contracts.PositionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePositionColumns+` FROM positions
		WHERE symbol = ? ORDER BY captured_at DESC, id DESC LIMIT ?`, symbol, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []contracts.PositionSnapshot
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ============================================
// Halt flag
// ============================================

// GetHaltFlag reads the single flag row
func (s *SQLiteStore) GetHaltFlag(ctx context.Context) (*contracts.HaltFlag, error) {
	var f contracts.HaltFlag
	var activatedAt, clearedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT halted, reason, source, activation_id, activated_at, cleared_at, cleared_by
		FROM halt_flag WHERE id = 1`,
	).Scan(&f.Halted, &f.Reason, &f.Source, &f.ActivationID, &activatedAt, &clearedAt, &f.ClearedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return &contracts.HaltFlag{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read halt flag: %w", err)
	}
	f.ActivatedAt = timeFromNull(activatedAt)
	f.ClearedAt = timeFromNull(clearedAt)
	return &f, nil
}

// SetHaltFlag overwrites the flag row
func (s *SQLiteStore) SetHaltFlag(ctx context.Context, f contracts.HaltFlag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO halt_flag (id, halted, reason, source, activation_id, activated_at, cleared_at, cleared_by, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			halted = excluded.halted,
			reason = excluded.reason,
			source = excluded.source,
			activation_id = excluded.activation_id,
			activated_at = excluded.activated_at,
			cleared_at = excluded.cleared_at,
			cleared_by = excluded.cleared_by,
			updated_at = excluded.updated_at`,
		f.Halted, f.Reason, f.Source, f.ActivationID, nullMillis(f.ActivatedAt), nullMillis(f.ClearedAt),
		f.ClearedBy, millis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to write halt flag: %w", err)
	}
	return nil
}

// ClearHaltFlag lowers the flag, keeping the activation details for audit
func (s *SQLiteStore) ClearHaltFlag(ctx context.Context, clearedBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE halt_flag SET halted = 0, cleared_at = ?, cleared_by = ?, updated_at = ?
		WHERE id = 1`, millis(at), clearedBy, millis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to clear halt flag: %w", err)
	}
	return nil
}

// ============================================
// Config snapshots & errors
// ============================================

// SaveConfigSnapshot appends an audit snapshot
func (s *SQLiteStore) SaveConfigSnapshot(ctx context.Context, key, hash, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (key, hash, value, created_at) VALUES (?, ?, ?, ?)`,
		key, hash, value, millis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save config snapshot: %w", err)
	}
	return nil
}

// GetConfigSnapshot returns the newest snapshot of key
func (s *SQLiteStore) GetConfigSnapshot(ctx context.Context, key string) (*contracts.ConfigSnapshot, error) {
	var c contracts.ConfigSnapshot
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, hash, value, created_at FROM config_snapshots
		WHERE key = ? ORDER BY id DESC LIMIT 1`, key,
	).Scan(&c.ID, &c.Key, &c.Hash, &c.Value, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config snapshot: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// RecordError appends a structured error row
func (s *SQLiteStore) RecordError(ctx context.Context, rec contracts.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (component, kind, symbol, order_key, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Component, string(rec.Kind), rec.Symbol, rec.OrderKey, rec.Message, rec.Detail, millis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// ListErrors returns error rows, newest first
func (s *SQLiteStore) ListErrors(ctx context.Context, component string, limit int) ([]contracts.ErrorRecord, error) {
	query := `SELECT id, component, kind, symbol, order_key, message, detail, created_at FROM errors`
	var args []interface{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	var out []contracts.ErrorRecord
	for rows.Next() {
		var e contracts.ErrorRecord
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Component, &kind, &e.Symbol, &e.OrderKey, &e.Message, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		e.Kind = contracts.ErrorKind(kind)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
