package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/database"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// PostgresStore is the primary ledger on PostgreSQL (schema "ledger")
// ⭐ SSOT: 원장 데이터 저장/조회는 여기서만
type PostgresStore struct {
	db     *database.DB
	logger *logger.Logger
	now    func() time.Time
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a store over an open pool
func NewPostgresStore(db *database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log.Component("ledger"), now: time.Now}
}

// Migrate creates the schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range postgresSchema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to migrate postgres ledger: %w", err)
			}
		}
		return nil
	})
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// ============================================
// Orders
// ============================================

const pgOrderColumns = `idempotency_key, exchange_order_id, symbol, side, order_type, time_in_force,
	reduce_only, requested_qty::text, requested_price::text, qty::text, price::text, filled_qty::text,
	status, origin, strategy, last_error, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*contracts.OrderRecord, error) {
	var r orderRow
	var createdAt, updatedAt time.Time
	err := row.Scan(
		&r.key, &r.exchangeID, &r.symbol, &r.side, &r.orderType, &r.tif,
		&r.reduceOnly, &r.requestedQty, &r.requestedPrice, &r.qty, &r.price, &r.filledQty,
		&r.status, &r.origin, &r.strategy, &r.lastError, &createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return r.record(createdAt, updatedAt)
}

func (s *PostgresStore) getOrder(ctx context.Context, q pgQuerier, where string, arg any) (*contracts.OrderRecord, error) {
	return scanPgOrder(q.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM ledger.orders WHERE `+where+` LIMIT 1`, arg))
}

// CreateOrder inserts rec or returns the existing row for its key
func (s *PostgresStore) CreateOrder(ctx context.Context, rec *contracts.OrderRecord) (*contracts.OrderRecord, bool, error) {
	if err := prepareOrder(rec, s.now().UTC()); err != nil {
		return nil, false, err
	}

	var stored *contracts.OrderRecord
	var created bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger.orders (
				idempotency_key, exchange_order_id, symbol, side, order_type, time_in_force,
				reduce_only, requested_qty, requested_price, qty, price, filled_qty,
				status, origin, strategy, last_error, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			rec.IdempotencyKey, rec.ExchangeOrderID, rec.Symbol, string(rec.Side), string(rec.Type),
			string(rec.TimeInForce), rec.ReduceOnly, rec.RequestedQty.String(), nullDecimalArg(rec.RequestedPrice),
			rec.Qty.String(), nullDecimalArg(rec.Price), rec.FilledQty.String(), string(rec.Status),
			string(rec.Origin), rec.Strategy, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		created = tag.RowsAffected() == 1

		stored, err = s.getOrder(ctx, tx, "idempotency_key = $1", rec.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// UpdateOrder applies upd unless the order is terminal
func (s *PostgresStore) UpdateOrder(ctx context.Context, key string, upd contracts.OrderUpdate) (*contracts.OrderRecord, error) {
	args := []any{s.now().UTC()}
	sets := []string{"updated_at = $1"}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.ExchangeOrderID != nil {
		add("exchange_order_id", *upd.ExchangeOrderID)
	}
	if upd.FilledQty != nil {
		args = append(args, upd.FilledQty.String())
		sets = append(sets, fmt.Sprintf("filled_qty = $%d::numeric", len(args)))
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	}
	args = append(args, key)

	query := fmt.Sprintf(`UPDATE ledger.orders SET %s WHERE idempotency_key = $%d AND status NOT IN (%s)`,
		strings.Join(sets, ", "), len(args), terminalList())

	var out *contracts.OrderRecord
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		rec, err := s.getOrder(ctx, tx, "idempotency_key = $1", key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, key, rec.Status)
		}
		out = rec
		return nil
	})
	return out, err
}

// GetOrderByKey returns the order with idempotency key
func (s *PostgresStore) GetOrderByKey(ctx context.Context, key string) (*contracts.OrderRecord, error) {
	return s.getOrder(ctx, s.db.Pool, "idempotency_key = $1", key)
}

// GetOrderByExchangeID returns the order the exchange knows as id
func (s *PostgresStore) GetOrderByExchangeID(ctx context.Context, id string) (*contracts.OrderRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.getOrder(ctx, s.db.Pool, "exchange_order_id = $1", id)
}

// ListOpenOrders returns non-terminal orders, oldest first
func (s *PostgresStore) ListOpenOrders(ctx context.Context, symbol string) ([]*contracts.OrderRecord, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM ledger.orders WHERE status NOT IN (` + terminalList() + `)`
	var args []any
	if symbol != "" {
		query += ` AND symbol = $1`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at, idempotency_key`
	return s.queryOrders(ctx, query, args...)
}

// ListOrders returns the newest orders of symbol
func (s *PostgresStore) ListOrders(ctx context.Context, symbol string, limit int) ([]*contracts.OrderRecord, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM ledger.orders`
	args := []any{clampLimit(limit)}
	if symbol != "" {
		query += ` WHERE symbol = $2`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC, idempotency_key LIMIT $1`
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]*contracts.OrderRecord, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*contracts.OrderRecord
	for rows.Next() {
		rec, err := scanPgOrder(rows)
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
func (s *PostgresStore) AppendExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error) {
	if exec.ExecID == "" {
		return false, fmt.Errorf("execution without exec id")
	}

	var created bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		parent, err := s.parentOrder(ctx, tx, exec)
		if err != nil {
			return err
		}

		// 주문 행 잠금: 같은 주문의 체결 합계 검사를 직렬화
		if _, err := tx.Exec(ctx, `SELECT 1 FROM ledger.orders WHERE idempotency_key = $1 FOR UPDATE`, parent.IdempotencyKey); err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if parent, err = s.getOrder(ctx, tx, "idempotency_key = $1", parent.IdempotencyKey); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger.executions WHERE exec_id = $1)`, exec.ExecID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution: %w", err)
		}
		if exists {
			return nil
		}

		var executedText string
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(qty), 0)::text FROM ledger.executions WHERE order_key = $1`, parent.IdempotencyKey,
		).Scan(&executedText); err != nil {
			return fmt.Errorf("failed to sum executions: %w", err)
		}
		executed, err := decimal.NewFromString(executedText)
		if err != nil {
			return fmt.Errorf("failed to parse executed qty: %w", err)
		}
		if err := checkFill(parent.Qty, executed, exec.Qty); err != nil {
			return fmt.Errorf("order %s exec %s: %w", parent.IdempotencyKey, exec.ExecID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ledger.executions (exec_id, order_key, exchange_order_id, symbol, side, qty, price, fee, executed_at, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			exec.ExecID, parent.IdempotencyKey, exec.ExchangeOrderID, exec.Symbol, string(exec.Side),
			exec.Qty.String(), exec.Price.String(), exec.Fee.String(), exec.ExecutedAt.UTC(), s.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		filled := executed.Add(exec.Qty)
		if !parent.Status.IsTerminal() && filled.GreaterThan(parent.FilledQty) {
			if _, err := tx.Exec(ctx,
				`UPDATE ledger.orders SET filled_qty = $1::numeric, updated_at = $2 WHERE idempotency_key = $3`,
				filled.String(), s.now().UTC(), parent.IdempotencyKey,
			); err != nil {
				return fmt.Errorf("failed to bump filled qty: %w", err)
			}
		}
		created = true
		return nil
	})
	return created, err
}

func (s *PostgresStore) parentOrder(ctx context.Context, q pgQuerier, exec contracts.ExecutionRecord) (*contracts.OrderRecord, error) {
	var (
		rec *contracts.OrderRecord
		err error
	)
	switch {
	case exec.OrderKey != "":
		rec, err = s.getOrder(ctx, q, "idempotency_key = $1", exec.OrderKey)
	case exec.ExchangeOrderID != "":
		rec, err = s.getOrder(ctx, q, "exchange_order_id = $1", exec.ExchangeOrderID)
	default:
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: exec %s (order %q / %q)", ErrOrphanExecution, exec.ExecID, exec.OrderKey, exec.ExchangeOrderID)
	}
	return rec, err
}

// ListExecutions returns the fills of one order, oldest first
func (s *PostgresStore) ListExecutions(ctx context.Context, orderKey string) ([]contracts.ExecutionRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT exec_id, order_key, exchange_order_id, symbol, side, qty::text, price::text, fee::text, executed_at
		FROM ledger.executions WHERE order_key = $1 ORDER BY executed_at, exec_id`, orderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []contracts.ExecutionRecord
	for rows.Next() {
		var e contracts.ExecutionRecord
		var side, qty, price, fee string
		if err := rows.Scan(&e.ExecID, &e.OrderKey, &e.ExchangeOrderID, &e.Symbol, &side, &qty, &price, &fee, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Side = contracts.Side(side)
		e.ExecutedAt = e.ExecutedAt.UTC()
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
func (s *PostgresStore) SavePosition(ctx context.Context, snap contracts.PositionSnapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ledger.positions (symbol, side, size, avg_entry_price, unrealized_pnl, source, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.Symbol, string(snap.Side), snap.Size.String(), snap.AvgEntryPrice.String(),
		snap.UnrealizedPnL.String(), snap.Source, snap.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

const pgPositionColumns = `id, symbol, side, size::text, avg_entry_price::text, unrealized_pnl::text, source, captured_at`

func scanPgPosition(row pgx.Row) (*contracts.PositionSnapshot, error) {
	var p contracts.PositionSnapshot
	var side, size, avg, pnl string
	err := row.Scan(&p.ID, &p.Symbol, &side, &size, &avg, &pnl, &p.Source, &p.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.Side = contracts.Side(side)
	p.CapturedAt = p.CapturedAt.UTC()
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
func (s *PostgresStore) LatestPosition(ctx context.Context, symbol string) (*contracts.PositionSnapshot, error) {
	return scanPgPosition(s.db.Pool.QueryRow(ctx, `SELECT `+pgPositionColumns+` FROM ledger.positions
		WHERE symbol = $1 ORDER BY captured_at DESC, id DESC LIMIT 1`, symbol))
}

// PositionHistory returns snapshots of symbol, newest first
func (s *PostgresStore) PositionHistory(ctx context.Context, symbol string, limit int) ([]contracts.PositionSnapshot, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+pgPositionColumns+` FROM ledger.positions
		WHERE symbol = $1 ORDER BY captured_at DESC, id DESC LIMIT $2`, symbol, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []contracts.PositionSnapshot
	for rows.Next() {
		p, err := scanPgPosition(rows)
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
func (s *PostgresStore) GetHaltFlag(ctx context.Context) (*contracts.HaltFlag, error) {
	var f contracts.HaltFlag
	err := s.db.Pool.QueryRow(ctx, `
		SELECT halted, reason, source, activation_id, activated_at, cleared_at, cleared_by
		FROM ledger.halt_flag WHERE id = 1`,
	).Scan(&f.Halted, &f.Reason, &f.Source, &f.ActivationID, &f.ActivatedAt, &f.ClearedAt, &f.ClearedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return &contracts.HaltFlag{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read halt flag: %w", err)
	}
	return &f, nil
}

// SetHaltFlag overwrites the flag row
func (s *PostgresStore) SetHaltFlag(ctx context.Context, f contracts.HaltFlag) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ledger.halt_flag (id, halted, reason, source, activation_id, activated_at, cleared_at, cleared_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			halted = EXCLUDED.halted,
			reason = EXCLUDED.reason,
			source = EXCLUDED.source,
			activation_id = EXCLUDED.activation_id,
			activated_at = EXCLUDED.activated_at,
			cleared_at = EXCLUDED.cleared_at,
			cleared_by = EXCLUDED.cleared_by,
			updated_at = EXCLUDED.updated_at`,
		f.Halted, f.Reason, f.Source, f.ActivationID, f.ActivatedAt, f.ClearedAt, f.ClearedBy, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write halt flag: %w", err)
	}
	return nil
}

// ClearHaltFlag lowers the flag, keeping the activation details for audit
func (s *PostgresStore) ClearHaltFlag(ctx context.Context, clearedBy string, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE ledger.halt_flag SET halted = FALSE, cleared_at = $1, cleared_by = $2, updated_at = $3
		WHERE id = 1`, at.UTC(), clearedBy, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to clear halt flag: %w", err)
	}
	return nil
}

// ============================================
// Config snapshots & errors
// ============================================

// SaveConfigSnapshot appends an audit snapshot
func (s *PostgresStore) SaveConfigSnapshot(ctx context.Context, key, hash, value string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO ledger.config_snapshots (key, hash, value, created_at) VALUES ($1, $2, $3, $4)`,
		key, hash, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save config snapshot: %w", err)
	}
	return nil
}

// GetConfigSnapshot returns the newest snapshot of key
func (s *PostgresStore) GetConfigSnapshot(ctx context.Context, key string) (*contracts.ConfigSnapshot, error) {
	var c contracts.ConfigSnapshot
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, key, hash, value, created_at FROM ledger.config_snapshots
		WHERE key = $1 ORDER BY id DESC LIMIT 1`, key,
	).Scan(&c.ID, &c.Key, &c.Hash, &c.Value, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config snapshot: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// RecordError appends a structured error row
func (s *PostgresStore) RecordError(ctx context.Context, rec contracts.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ledger.errors (component, kind, symbol, order_key, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Component, string(rec.Kind), rec.Symbol, rec.OrderKey, rec.Message, rec.Detail, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// ListErrors returns error rows, newest first
func (s *PostgresStore) ListErrors(ctx context.Context, component string, limit int) ([]contracts.ErrorRecord, error) {
	query := `SELECT id, component, kind, symbol, order_key, message, detail, created_at FROM ledger.errors`
	args := []any{clampLimit(limit)}
	if component != "" {
		query += ` WHERE component = $2`
		args = append(args, component)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	var out []contracts.ErrorRecord
	for rows.Next() {
		var e contracts.ErrorRecord
		var kind string
		if err := rows.Scan(&e.ID, &e.Component, &kind, &e.Symbol, &e.OrderKey, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		e.Kind = contracts.ErrorKind(kind)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
