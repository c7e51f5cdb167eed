package execution

import (
	"context"
	"encoding/json"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
)

// Broker is the exchange surface the gateway needs.
// *exchange.Client implements it.
// ⭐ SSOT: 거래소 연동 인터페이스는 여기서만 정의
type Broker interface {
	// PlaceOrder submits an order; the raw ack is kept for audit
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, json.RawMessage, error)

	// CancelOrder cancels by exchange id or order-link id
	CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*exchange.PlaceOrderResult, json.RawMessage, error)

	// CancelAll cancels every open order of symbol
	CancelAll(ctx context.Context, symbol string) ([]string, json.RawMessage, error)

	// QueryOrder looks one order up; exchange.ErrOrderNotFound when unknown
	QueryOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*exchange.OrderInfo, error)

	// Positions returns the exchange's view of symbol's position
	Positions(ctx context.Context, symbol string) ([]contracts.PositionSnapshot, error)
}

// Ledger is the subset of the ledger store the gateway writes through
type Ledger interface {
	CreateOrder(ctx context.Context, rec *contracts.OrderRecord) (*contracts.OrderRecord, bool, error)
	UpdateOrder(ctx context.Context, key string, upd contracts.OrderUpdate) (*contracts.OrderRecord, error)
	GetOrderByKey(ctx context.Context, key string) (*contracts.OrderRecord, error)
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*contracts.OrderRecord, error)
	AppendExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error)
	RecordError(ctx context.Context, rec contracts.ErrorRecord) error
}

// HaltChecker answers whether new risk may be taken.
// It must read durable state on every call.
type HaltChecker interface {
	CanTrade(ctx context.Context) (bool, error)
}
