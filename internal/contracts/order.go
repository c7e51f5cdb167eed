package contracts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction, spelled the way the exchange spells it
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side that reduces a position held on s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is Buy or Sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType represents market or limit order
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce controls how long an order rests on the book
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
	TIFPostOnly       TimeInForce = "PostOnly"
)

// OrderStatus is the lifecycle state of an OrderRecord
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// TerminalStatuses are immutable once written
var TerminalStatuses = []OrderStatus{StatusFilled, StatusCancelled, StatusRejected}

// IsTerminal reports whether s can no longer change
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Origin marks who created an OrderRecord
type Origin string

const (
	OriginLocal      Origin = "LOCAL"      // submitted through the gateway
	OriginReconciled Origin = "RECONCILED" // discovered on the exchange by reconciliation
)

// OrderIntent is a request to trade, before normalization.
// ⭐ SSOT: Strategy/Operator → Gateway 주문 의도 전달
type OrderIntent struct {
	Symbol         string              `json:"symbol"`
	Side           Side                `json:"side"`
	Type           OrderType           `json:"type"`
	Qty            decimal.Decimal     `json:"qty"`
	Price          decimal.NullDecimal `json:"price"`     // Limit only
	RefPrice       decimal.NullDecimal `json:"ref_price"` // Market: reference for min_notional
	TimeInForce    TimeInForce         `json:"time_in_force"`
	ReduceOnly     bool                `json:"reduce_only"`
	IdempotencyKey string              `json:"idempotency_key"`
	Strategy       string              `json:"strategy"`
}

// Validate checks the intent's shape; instrument rules are checked by the normalizer
func (i OrderIntent) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !i.Side.Valid() {
		return fmt.Errorf("invalid side %q", i.Side)
	}
	if i.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if !i.Qty.IsPositive() {
		return fmt.Errorf("qty must be positive, got %s", i.Qty)
	}
	switch i.Type {
	case OrderTypeLimit:
		if !i.Price.Valid || !i.Price.Decimal.IsPositive() {
			return fmt.Errorf("limit order requires a positive price")
		}
	case OrderTypeMarket:
		if i.RefPrice.Valid && !i.RefPrice.Decimal.IsPositive() {
			return fmt.Errorf("reference price must be positive")
		}
	default:
		return fmt.Errorf("invalid order type %q", i.Type)
	}
	return nil
}

// OrderRecord is the ledger row for one order.
// ⭐ SSOT: 주문 상태의 단일 진실 공급원 (orders 테이블)
type OrderRecord struct {
	IdempotencyKey  string              `json:"idempotency_key"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	TimeInForce     TimeInForce         `json:"time_in_force"`
	ReduceOnly      bool                `json:"reduce_only"`
	RequestedQty    decimal.Decimal     `json:"requested_qty"`
	RequestedPrice  decimal.NullDecimal `json:"requested_price"`
	Qty             decimal.Decimal     `json:"qty"`
	Price           decimal.NullDecimal `json:"price"`
	FilledQty       decimal.Decimal     `json:"filled_qty"`
	Status          OrderStatus         `json:"status"`
	Origin          Origin              `json:"origin"`
	Strategy        string              `json:"strategy,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsOpen reports whether the order may still rest on the exchange
func (o *OrderRecord) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// OrderUpdate is a partial update applied to a non-terminal OrderRecord.
// nil fields are left unchanged.
type OrderUpdate struct {
	Status          *OrderStatus
	ExchangeOrderID *string
	FilledQty       *decimal.Decimal
	LastError       *string
}

// ExecutionRecord is one fill, append-only
type ExecutionRecord struct {
	ExecID          string          `json:"exec_id"`
	OrderKey        string          `json:"order_key"` // FK orders.idempotency_key
	ExchangeOrderID string          `json:"exchange_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	ExecutedAt      time.Time       `json:"executed_at"`
}
