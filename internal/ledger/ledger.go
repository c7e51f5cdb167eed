package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/config"
	"github.com/wonny/aegis-exec/pkg/database"
	"github.com/wonny/aegis-exec/pkg/logger"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("ledger: not found")
	// ErrTerminal is returned when updating a FILLED/CANCELLED/REJECTED order
	ErrTerminal = errors.New("ledger: order is terminal")
	// ErrOverfill is returned when executions would exceed the order quantity
	ErrOverfill = errors.New("ledger: executions exceed order qty")
	// ErrOrphanExecution is returned when an execution has no parent order
	ErrOrphanExecution = errors.New("ledger: execution references unknown order")
)

// Store is the durable source of truth for orders, executions, positions,
// the halt flag, config snapshots and errors. Every write is committed
// before the call returns.
// ⭐ SSOT: 원장 테이블 접근은 이 인터페이스로만
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// CreateOrder inserts rec unless its idempotency key exists. It returns
	// the stored row and whether this call created it.
	CreateOrder(ctx context.Context, rec *contracts.OrderRecord) (*contracts.OrderRecord, bool, error)
	// UpdateOrder applies upd to a non-terminal order. Terminal rows return ErrTerminal.
	UpdateOrder(ctx context.Context, key string, upd contracts.OrderUpdate) (*contracts.OrderRecord, error)
	GetOrderByKey(ctx context.Context, key string) (*contracts.OrderRecord, error)
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*contracts.OrderRecord, error)
	// ListOpenOrders returns non-terminal orders; empty symbol means all symbols
	ListOpenOrders(ctx context.Context, symbol string) ([]*contracts.OrderRecord, error)
	ListOrders(ctx context.Context, symbol string, limit int) ([]*contracts.OrderRecord, error)

	// AppendExecution inserts exec once per exec id. The parent order is found
	// by OrderKey, or by ExchangeOrderID when OrderKey is empty.
	AppendExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error)
	ListExecutions(ctx context.Context, orderKey string) ([]contracts.ExecutionRecord, error)

	SavePosition(ctx context.Context, snap contracts.PositionSnapshot) error
	LatestPosition(ctx context.Context, symbol string) (*contracts.PositionSnapshot, error)
	PositionHistory(ctx context.Context, symbol string, limit int) ([]contracts.PositionSnapshot, error)

	// GetHaltFlag returns the flag row; a never-written flag reads as not halted
	GetHaltFlag(ctx context.Context) (*contracts.HaltFlag, error)
	SetHaltFlag(ctx context.Context, flag contracts.HaltFlag) error
	ClearHaltFlag(ctx context.Context, clearedBy string, at time.Time) error

	SaveConfigSnapshot(ctx context.Context, key, hash, value string) error
	// GetConfigSnapshot returns the latest snapshot for key
	GetConfigSnapshot(ctx context.Context, key string) (*contracts.ConfigSnapshot, error)

	RecordError(ctx context.Context, rec contracts.ErrorRecord) error
	// ListErrors returns newest first; empty component means all
	ListErrors(ctx context.Context, component string, limit int) ([]contracts.ErrorRecord, error)
}

// Open creates the store selected by cfg.Ledger.Driver
func Open(cfg *config.Config, log *logger.Logger) (Store, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerPostgres:
		db, err := database.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return NewPostgresStore(db, log), nil
	case config.LedgerSQLite:
		return NewSQLiteStore(cfg.Ledger.Path, log)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// terminalList renders the terminal statuses as a SQL IN list
func terminalList() string {
	quoted := make([]string, 0, len(contracts.TerminalStatuses))
	for _, s := range contracts.TerminalStatuses {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}

func decimalFrom(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func nullDecimalFrom(s *string) (decimal.NullDecimal, error) {
	if s == nil || *s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// orderRow is the storage form shared by both drivers
type orderRow struct {
	key, exchangeID, symbol, side, orderType, tif  string
	reduceOnly                                     bool
	requestedQty                                   string
	requestedPrice                                 *string
	qty                                            string
	price                                          *string
	filledQty, status, origin, strategy, lastError string
}

func (r *orderRow) record(createdAt, updatedAt time.Time) (*contracts.OrderRecord, error) {
	rec := &contracts.OrderRecord{
		IdempotencyKey:  r.key,
		ExchangeOrderID: r.exchangeID,
		Symbol:          r.symbol,
		Side:            contracts.Side(r.side),
		Type:            contracts.OrderType(r.orderType),
		TimeInForce:     contracts.TimeInForce(r.tif),
		ReduceOnly:      r.reduceOnly,
		Status:          contracts.OrderStatus(r.status),
		Origin:          contracts.Origin(r.origin),
		Strategy:        r.strategy,
		LastError:       r.lastError,
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       updatedAt.UTC(),
	}

	var err error
	if rec.RequestedQty, err = decimalFrom(r.requestedQty); err != nil {
		return nil, fmt.Errorf("order %s requested_qty: %w", r.key, err)
	}
	if rec.RequestedPrice, err = nullDecimalFrom(r.requestedPrice); err != nil {
		return nil, fmt.Errorf("order %s requested_price: %w", r.key, err)
	}
	if rec.Qty, err = decimalFrom(r.qty); err != nil {
		return nil, fmt.Errorf("order %s qty: %w", r.key, err)
	}
	if rec.Price, err = nullDecimalFrom(r.price); err != nil {
		return nil, fmt.Errorf("order %s price: %w", r.key, err)
	}
	if rec.FilledQty, err = decimalFrom(r.filledQty); err != nil {
		return nil, fmt.Errorf("order %s filled_qty: %w", r.key, err)
	}
	return rec, nil
}

// prepareOrder fills defaults before insert
func prepareOrder(rec *contracts.OrderRecord, now time.Time) error {
	if rec.IdempotencyKey == "" {
		return fmt.Errorf("order without idempotency key")
	}
	if rec.Status == "" {
		rec.Status = contracts.StatusPending
	}
	if rec.Origin == "" {
		rec.Origin = contracts.OriginLocal
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return nil
}

// checkFill validates a new execution against the parent order
func checkFill(orderQty, executed, add decimal.Decimal) error {
	if executed.Add(add).GreaterThan(orderQty) {
		return fmt.Errorf("%w: %s + %s > %s", ErrOverfill, executed, add, orderQty)
	}
	return nil
}
