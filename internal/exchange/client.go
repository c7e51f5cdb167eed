package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Endpoints
const (
	pathServerTime  = "/v5/market/time"
	pathInstruments = "/v5/market/instruments-info"
	pathCreate      = "/v5/order/create"
	pathCancel      = "/v5/order/cancel"
	pathCancelAll   = "/v5/order/cancel-all"
	pathRealtime    = "/v5/order/realtime"
	pathPositions   = "/v5/position/list"
	pathExecutions  = "/v5/execution/list"

	maxPages = 20
)

// Client exposes the typed endpoints the engine uses
// ⭐ SSOT: 거래소 엔드포인트 호출은 이 클라이언트에서만
type Client struct {
	transport  *Transport
	category   string
	settleCoin string
	logger     *logger.Logger
}

// DefaultSettleCoin scopes account-wide position queries
const DefaultSettleCoin = "USDT"

// NewClient creates a new exchange client for a product category (linear, inverse)
func NewClient(transport *Transport, category string, log *logger.Logger) *Client {
	if category == "" {
		category = "linear"
	}
	return &Client{
		transport:  transport,
		category:   category,
		settleCoin: DefaultSettleCoin,
		logger:     log.Component("exchange"),
	}
}

// WithSettleCoin sets the settle coin used when positions are listed without a symbol
func (c *Client) WithSettleCoin(coin string) *Client {
	if coin != "" {
		c.settleCoin = coin
	}
	return c
}

// Transport returns the underlying transport
func (c *Client) Transport() *Transport {
	return c.transport
}

// ServerTime returns the exchange's clock
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	env, err := c.transport.Send(ctx, http.MethodGet, pathServerTime, nil, false)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := parseServerTime(env)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Instruments returns trading rules. With no symbols every instrument of the category is returned.
func (c *Client) Instruments(ctx context.Context, symbols ...string) ([]contracts.Instrument, error) {
	if len(symbols) == 1 {
		return c.instrumentsPage(ctx, Params{"category": c.category, "symbol": symbols[0]})
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var out []contracts.Instrument
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := Params{"category": c.category, "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}

		env, err := c.transport.Send(ctx, http.MethodGet, pathInstruments, params, false)
		if err != nil {
			return nil, fmt.Errorf("instruments: %w", err)
		}
		var result listResult[instrumentInfo]
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, fmt.Errorf("decode instruments: %w", err)
		}
		for _, info := range result.List {
			if len(want) == 0 || want[info.Symbol] {
				out = append(out, info.instrument())
			}
		}
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}

func (c *Client) instrumentsPage(ctx context.Context, params Params) ([]contracts.Instrument, error) {
	env, err := c.transport.Send(ctx, http.MethodGet, pathInstruments, params, false)
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	var result listResult[instrumentInfo]
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	out := make([]contracts.Instrument, 0, len(result.List))
	for _, info := range result.List {
		out = append(out, info.instrument())
	}
	return out, nil
}

// PlaceOrder creates an order. The raw envelope result is returned for audit.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, json.RawMessage, error) {
	params := Params{
		"category":    c.category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.OrderType),
		"qty":         req.Qty.String(),
		"orderLinkId": req.OrderLinkID,
	}
	if req.Price.Valid && req.OrderType == contracts.OrderTypeLimit {
		params["price"] = req.Price.Decimal.String()
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	env, err := c.transport.Send(ctx, http.MethodPost, pathCreate, params, true)
	if err != nil {
		return nil, nil, err
	}

	var result PlaceOrderResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, env.Result, fmt.Errorf("decode order ack: %w", err)
	}
	return &result, env.Result, nil
}

// CancelOrder cancels one order by exchange id or order-link id
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*PlaceOrderResult, json.RawMessage, error) {
	params := Params{"category": c.category, "symbol": symbol}
	if orderID != "" {
		params["orderId"] = orderID
	}
	if orderLinkID != "" {
		params["orderLinkId"] = orderLinkID
	}
	if orderID == "" && orderLinkID == "" {
		return nil, nil, &Error{Kind: contracts.ErrKindValidation, Message: "order id or link id required"}
	}

	env, err := c.transport.Send(ctx, http.MethodPost, pathCancel, params, true)
	if err != nil {
		return nil, nil, err
	}

	var result PlaceOrderResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, env.Result, fmt.Errorf("decode cancel ack: %w", err)
	}
	return &result, env.Result, nil
}

// CancelAll cancels every open order of symbol and returns the cancelled exchange ids
func (c *Client) CancelAll(ctx context.Context, symbol string) ([]string, json.RawMessage, error) {
	params := Params{"category": c.category, "symbol": symbol}

	env, err := c.transport.Send(ctx, http.MethodPost, pathCancelAll, params, true)
	if err != nil {
		return nil, nil, err
	}

	var result struct {
		List []PlaceOrderResult `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, env.Result, fmt.Errorf("decode cancel-all ack: %w", err)
	}

	ids := make([]string, 0, len(result.List))
	for _, o := range result.List {
		ids = append(ids, o.OrderID)
	}
	return ids, env.Result, nil
}

// OpenOrders lists resting orders for symbol
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var out []OrderInfo
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := Params{"category": c.category, "symbol": symbol, "openOnly": 0, "limit": 50}
		if cursor != "" {
			params["cursor"] = cursor
		}

		env, err := c.transport.Send(ctx, http.MethodGet, pathRealtime, params, true)
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		var result listResult[OrderInfo]
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, fmt.Errorf("decode open orders: %w", err)
		}
		for _, o := range result.List {
			if o.IsOpen() {
				out = append(out, o)
			}
		}
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}

// QueryOrder fetches a single order, open or recently closed.
// Returns ErrOrderNotFound when the exchange does not know it.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*OrderInfo, error) {
	params := Params{"category": c.category, "symbol": symbol}
	switch {
	case orderID != "":
		params["orderId"] = orderID
	case orderLinkID != "":
		params["orderLinkId"] = orderLinkID
	default:
		return nil, &Error{Kind: contracts.ErrKindValidation, Message: "order id or link id required"}
	}

	env, err := c.transport.Send(ctx, http.MethodGet, pathRealtime, params, true)
	if err != nil {
		if HasCode(err, CodeOrderNotExist) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	var result listResult[OrderInfo]
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if len(result.List) == 0 {
		return nil, ErrOrderNotFound
	}
	return &result.List[0], nil
}

// Positions returns the exchange's positions for symbol.
// A flat symbol yields a single zero-size snapshot.
func (c *Client) Positions(ctx context.Context, symbol string) ([]contracts.PositionSnapshot, error) {
	params := Params{"category": c.category}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = c.settleCoin
	}

	env, err := c.transport.Send(ctx, http.MethodGet, pathPositions, params, true)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	var result listResult[positionInfo]
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	now := time.Now().UTC()
	out := make([]contracts.PositionSnapshot, 0, len(result.List))
	for _, p := range result.List {
		out = append(out, p.snapshot(now))
	}
	if len(out) == 0 && symbol != "" {
		out = append(out, contracts.PositionSnapshot{Symbol: symbol, Source: "exchange", CapturedAt: now})
	}
	return out, nil
}

// Executions lists fills of symbol, optionally for one exchange order
func (c *Client) Executions(ctx context.Context, symbol, orderID string) ([]ExecutionInfo, error) {
	var out []ExecutionInfo
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := Params{"category": c.category, "symbol": symbol, "limit": 100}
		if orderID != "" {
			params["orderId"] = orderID
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		env, err := c.transport.Send(ctx, http.MethodGet, pathExecutions, params, true)
		if err != nil {
			return nil, fmt.Errorf("executions: %w", err)
		}
		var result listResult[ExecutionInfo]
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, fmt.Errorf("decode executions: %w", err)
		}
		for _, e := range result.List {
			// funding and settlement rows are not fills
			if e.ExecType == "" || e.ExecType == "Trade" {
				out = append(out, e)
			}
		}
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}
