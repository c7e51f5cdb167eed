package exchange

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
)

// Exchange order statuses
const (
	OrderStatusCreated         = "Created"
	OrderStatusNew             = "New"
	OrderStatusPartiallyFilled = "PartiallyFilled"
	OrderStatusFilled          = "Filled"
	OrderStatusCancelled       = "Cancelled"
	OrderStatusRejected        = "Rejected"
	OrderStatusPartialCanceled = "PartiallyFilledCanceled"
	OrderStatusDeactivated     = "Deactivated"
	OrderStatusUntriggered     = "Untriggered"
	OrderStatusTriggered       = "Triggered"
)

// PlaceOrderRequest is the body of /v5/order/create
type PlaceOrderRequest struct {
	Symbol      string
	Side        contracts.Side
	OrderType   contracts.OrderType
	Qty         decimal.Decimal
	Price       decimal.NullDecimal
	TimeInForce contracts.TimeInForce
	ReduceOnly  bool
	OrderLinkID string
}

// PlaceOrderResult is the exchange ack of a created order
type PlaceOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// OrderInfo is one order as the exchange reports it
type OrderInfo struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	OrderStatus  string `json:"orderStatus"`
	TimeInForce  string `json:"timeInForce"`
	ReduceOnly   bool   `json:"reduceOnly"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

// LocalStatus maps the exchange status onto the ledger lifecycle
func (o *OrderInfo) LocalStatus() contracts.OrderStatus {
	switch o.OrderStatus {
	case OrderStatusNew, OrderStatusCreated, OrderStatusUntriggered, OrderStatusTriggered:
		return contracts.StatusSubmitted
	case OrderStatusPartiallyFilled:
		return contracts.StatusPartiallyFilled
	case OrderStatusFilled:
		return contracts.StatusFilled
	case OrderStatusCancelled, OrderStatusPartialCanceled, OrderStatusDeactivated:
		return contracts.StatusCancelled
	case OrderStatusRejected:
		return contracts.StatusRejected
	default:
		return contracts.StatusUnknown
	}
}

// IsOpen reports whether the order still rests on the book
func (o *OrderInfo) IsOpen() bool {
	return !o.LocalStatus().IsTerminal()
}

// FilledQty returns the cumulative executed quantity
func (o *OrderInfo) FilledQty() decimal.Decimal {
	return parseDecimal(o.CumExecQty)
}

// ToRecord converts an exchange-only order into a reconciled ledger row.
// key is the idempotency key to store it under.
func (o *OrderInfo) ToRecord(key string) *contracts.OrderRecord {
	qty := parseDecimal(o.Qty)
	rec := &contracts.OrderRecord{
		IdempotencyKey:  key,
		ExchangeOrderID: o.OrderID,
		Symbol:          o.Symbol,
		Side:            contracts.Side(o.Side),
		Type:            contracts.OrderType(o.OrderType),
		TimeInForce:     contracts.TimeInForce(o.TimeInForce),
		ReduceOnly:      o.ReduceOnly,
		RequestedQty:    qty,
		Qty:             qty,
		FilledQty:       o.FilledQty(),
		Status:          o.LocalStatus(),
		Origin:          contracts.OriginReconciled,
		CreatedAt:       parseMillis(o.CreatedTime),
		UpdatedAt:       parseMillis(o.UpdatedTime),
	}
	if price := parseDecimal(o.Price); price.IsPositive() {
		rec.Price = decimal.NewNullDecimal(price)
		rec.RequestedPrice = rec.Price
	}
	return rec
}

// ExecutionInfo is one fill from /v5/execution/list or the execution stream
type ExecutionInfo struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
	ExecType    string `json:"execType"`
}

// ToRecord converts to a ledger execution. OrderKey is the order-link id,
// which is the idempotency key for locally submitted orders.
func (e *ExecutionInfo) ToRecord() contracts.ExecutionRecord {
	return contracts.ExecutionRecord{
		ExecID:          e.ExecID,
		OrderKey:        e.OrderLinkID,
		ExchangeOrderID: e.OrderID,
		Symbol:          e.Symbol,
		Side:            contracts.Side(e.Side),
		Qty:             parseDecimal(e.ExecQty),
		Price:           parseDecimal(e.ExecPrice),
		Fee:             parseDecimal(e.ExecFee),
		ExecutedAt:      parseMillis(e.ExecTime),
	}
}

type positionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy, Sell, "" or None when flat
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	UpdatedTime   string `json:"updatedTime"`
}

func (p positionInfo) snapshot(capturedAt time.Time) contracts.PositionSnapshot {
	snap := contracts.PositionSnapshot{
		Symbol:        p.Symbol,
		Size:          parseDecimal(p.Size),
		AvgEntryPrice: parseDecimal(p.AvgPrice),
		UnrealizedPnL: parseDecimal(p.UnrealisedPnl),
		Source:        "exchange",
		CapturedAt:    capturedAt,
	}
	if side := contracts.Side(p.Side); side.Valid() && !snap.Size.IsZero() {
		snap.Side = side
	}
	return snap
}

type instrumentInfo struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MaxOrderQty      string `json:"maxOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

func (i instrumentInfo) instrument() contracts.Instrument {
	return contracts.Instrument{
		Symbol:      i.Symbol,
		Status:      i.Status,
		TickSize:    parseDecimal(i.PriceFilter.TickSize),
		QtyStep:     parseDecimal(i.LotSizeFilter.QtyStep),
		MinQty:      parseDecimal(i.LotSizeFilter.MinOrderQty),
		MaxQty:      parseDecimal(i.LotSizeFilter.MaxOrderQty),
		MinNotional: parseDecimal(i.LotSizeFilter.MinNotionalValue),
	}
}

type listResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// parseDecimal treats empty and malformed values as zero
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
