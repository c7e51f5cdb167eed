package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/instrument"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/symlock"
)

// Component is the errors-table component name of the gateway
const Component = "gateway"

// Config bounds the gateway's exchange calls
type Config struct {
	CallTimeout time.Duration // per exchange call
	CloseBucket time.Duration // close-position key window
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout: 10 * time.Second,
		CloseBucket: time.Second,
	}
}

// Gateway is the only component turning order intents into exchange calls.
// Every operation returns a contracts.OrderResult.
// ⭐ SSOT: 주문 제출/취소는 Gateway를 통해서만
type Gateway struct {
	broker     Broker
	ledger     Ledger
	normalizer *instrument.Normalizer
	halt       HaltChecker
	locks      *symlock.Locks
	cfg        Config
	logger     *logger.Logger
	now        func() time.Time
}

// NewGateway creates a new execution gateway
func NewGateway(
	broker Broker,
	store Ledger,
	normalizer *instrument.Normalizer,
	halt HaltChecker,
	locks *symlock.Locks,
	cfg Config,
	log *logger.Logger,
) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.CloseBucket <= 0 {
		cfg.CloseBucket = DefaultConfig().CloseBucket
	}
	return &Gateway{
		broker:     broker,
		ledger:     store,
		normalizer: normalizer,
		halt:       halt,
		locks:      locks,
		cfg:        cfg,
		logger:     log.Component(Component),
		now:        time.Now,
	}
}

// Submit places an order at most once per idempotency key.
// A halted engine refuses it with TRADING_HALTED.
func (g *Gateway) Submit(ctx context.Context, intent contracts.OrderIntent) contracts.OrderResult {
	if res, ok := g.checkHalt(ctx, intent); !ok {
		return res
	}
	return g.submit(ctx, intent)
}

func (g *Gateway) checkHalt(ctx context.Context, intent contracts.OrderIntent) (contracts.OrderResult, bool) {
	ok, err := g.halt.CanTrade(ctx)
	if err != nil {
		// 읽기 실패 시 거래 불가로 처리 (fail closed)
		g.logger.WithError(err).Error("Halt flag unreadable, refusing order")
		res := contracts.Failed(contracts.ErrKindHalted, fmt.Sprintf("halt flag unreadable: %v", err))
		res.IdempotencyKey = intent.IdempotencyKey
		return res, false
	}
	if !ok {
		res := contracts.Failed(contracts.ErrKindHalted, "trading halted")
		res.IdempotencyKey = intent.IdempotencyKey
		return res, false
	}
	return contracts.OrderResult{}, true
}

// submit runs normalize → dedupe → PENDING → exchange → settle under the symbol lock.
// A market intent's RefPrice (or, failing that, its Price) is only a
// reference for the notional check.
func (g *Gateway) submit(ctx context.Context, intent contracts.OrderIntent) contracts.OrderResult {
	key := intent.IdempotencyKey
	log := g.logger.WithFields(map[string]interface{}{"symbol": intent.Symbol, "key": key})

	if err := intent.Validate(); err != nil {
		g.recordError(ctx, contracts.ErrKindValidation, intent.Symbol, key, err.Error(), nil)
		return failedFor(key, contracts.ErrKindValidation, err.Error())
	}

	unlock, err := g.locks.Lock(ctx, intent.Symbol)
	if err != nil {
		return failedFor(key, contracts.ErrKindInternal, fmt.Sprintf("symbol lock: %v", err))
	}
	defer unlock()

	req := instrument.Request{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Price:      intent.Price,
		Qty:        intent.Qty,
		ReduceOnly: intent.ReduceOnly,
	}
	if intent.Type == contracts.OrderTypeMarket {
		req.Price = decimal.NullDecimal{}
		req.RefPrice = intent.RefPrice
		if !req.RefPrice.Valid {
			req.RefPrice = intent.Price
		}
	}
	norm := g.normalizer.Normalize(req)
	if !norm.OK {
		log.WithField("reason", norm.Reason).Warn("Order rejected by normalizer")
		g.recordError(ctx, contracts.ErrKindValidation, intent.Symbol, key, norm.Reason, intent)
		return failedFor(key, contracts.ErrKindValidation, norm.Reason)
	}

	existing, err := g.ledger.GetOrderByKey(ctx, key)
	switch {
	case err == nil:
		log.WithField("status", existing.Status).Info("Duplicate submission, returning prior result")
		return duplicateResult(existing)
	case !errors.Is(err, ledger.ErrNotFound):
		log.WithError(err).Error("Ledger lookup failed")
		return failedFor(key, contracts.ErrKindInternal, fmt.Sprintf("ledger lookup: %v", err))
	}

	tif := intent.TimeInForce
	if tif == "" {
		tif = contracts.TIFGoodTillCancel
	}
	rec, created, err := g.ledger.CreateOrder(ctx, &contracts.OrderRecord{
		IdempotencyKey: key,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		TimeInForce:    tif,
		ReduceOnly:     intent.ReduceOnly,
		RequestedQty:   intent.Qty,
		RequestedPrice: intent.Price,
		Qty:            norm.Qty,
		Price:          norm.Price,
		Status:         contracts.StatusPending,
		Origin:         contracts.OriginLocal,
		Strategy:       intent.Strategy,
	})
	if err != nil {
		log.WithError(err).Error("Failed to write PENDING order")
		return failedFor(key, contracts.ErrKindInternal, fmt.Sprintf("ledger create: %v", err))
	}
	if !created {
		return duplicateResult(rec)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	ack, raw, err := g.broker.PlaceOrder(callCtx, exchange.PlaceOrderRequest{
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		OrderType:   rec.Type,
		Qty:         rec.Qty,
		Price:       rec.Price,
		TimeInForce: rec.TimeInForce,
		ReduceOnly:  rec.ReduceOnly,
		OrderLinkID: key,
	})
	cancel()

	// 요청이 나간 뒤에는 호출자 취소와 무관하게 결과를 원장에 기록
	return g.settle(context.WithoutCancel(ctx), rec, ack, raw, err)
}

// settle records the exchange outcome of a PENDING order
func (g *Gateway) settle(ctx context.Context, rec *contracts.OrderRecord, ack *exchange.PlaceOrderResult, raw json.RawMessage, callErr error) contracts.OrderResult {
	key := rec.IdempotencyKey
	log := g.logger.WithFields(map[string]interface{}{"symbol": rec.Symbol, "key": key})

	if callErr == nil {
		updated, err := g.ledger.UpdateOrder(ctx, key, contracts.OrderUpdate{
			Status:          statusPtr(contracts.StatusSubmitted),
			ExchangeOrderID: &ack.OrderID,
		})
		res := contracts.OrderResult{
			Success:         true,
			IdempotencyKey:  key,
			ExchangeOrderID: ack.OrderID,
			Status:          contracts.StatusSubmitted,
			Raw:             raw,
		}
		if err != nil {
			// 거래소는 접수함: 다음 정합성 점검이 원장을 복구
			log.WithError(err).Error("Order accepted but ledger update failed")
			res.Message = fmt.Sprintf("accepted; ledger update failed: %v", err)
			return res
		}
		res.Status = updated.Status
		log.WithField("order_id", ack.OrderID).Info("Order submitted")
		return res
	}

	kind := exchange.KindOf(callErr)

	if kind == contracts.ErrKindDuplicate {
		return g.adoptDuplicate(ctx, rec, raw)
	}

	if exchange.IsUnknownOutcome(callErr) || !rejectsOutright(kind) {
		log.WithError(callErr).Warn("Order outcome unknown, deferring to reconciliation")
		g.markUnknown(ctx, rec, callErr)
		g.recordError(ctx, contracts.ErrKindTransient, rec.Symbol, key, callErr.Error(), nil)
		return contracts.OrderResult{
			Success:        false,
			IdempotencyKey: key,
			Status:         contracts.StatusUnknown,
			ErrorKind:      contracts.ErrKindTransient,
			Message:        callErr.Error(),
			Raw:            raw,
		}
	}

	if kind == contracts.ErrKindSignature {
		log.WithError(callErr).Error("Signature rejected by exchange: transport defect")
	} else {
		log.WithError(callErr).Warn("Order rejected")
	}

	msg := callErr.Error()
	if _, err := g.ledger.UpdateOrder(ctx, key, contracts.OrderUpdate{
		Status:    statusPtr(contracts.StatusRejected),
		LastError: &msg,
	}); err != nil {
		log.WithError(err).Error("Failed to mark order REJECTED")
	}
	g.recordError(ctx, kind, rec.Symbol, key, msg, nil)

	return contracts.OrderResult{
		Success:        false,
		IdempotencyKey: key,
		Status:         contracts.StatusRejected,
		ErrorKind:      kind,
		Message:        msg,
		Raw:            raw,
	}
}

// rejectsOutright reports kinds that prove the exchange refused the request
func rejectsOutright(kind contracts.ErrorKind) bool {
	switch kind {
	case contracts.ErrKindExchangeRejected, contracts.ErrKindSignature,
		contracts.ErrKindClockSkew, contracts.ErrKindValidation:
		return true
	}
	return false
}

// adoptDuplicate resolves an exchange-side duplicate link id: the earlier
// attempt reached the exchange, so its order becomes this key's order.
func (g *Gateway) adoptDuplicate(ctx context.Context, rec *contracts.OrderRecord, raw json.RawMessage) contracts.OrderResult {
	key := rec.IdempotencyKey
	log := g.logger.WithFields(map[string]interface{}{"symbol": rec.Symbol, "key": key})

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	info, err := g.broker.QueryOrder(callCtx, rec.Symbol, "", key)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Duplicate link id but order lookup failed")
		g.markUnknown(ctx, rec, err)
		return contracts.OrderResult{
			Success:        false,
			IdempotencyKey: key,
			Status:         contracts.StatusUnknown,
			ErrorKind:      contracts.ErrKindTransient,
			Message:        fmt.Sprintf("duplicate link id, lookup failed: %v", err),
			Duplicate:      true,
			Raw:            raw,
		}
	}

	status := info.LocalStatus()
	if status == contracts.StatusUnknown {
		status = contracts.StatusSubmitted
	}
	filled := info.FilledQty()
	upd := contracts.OrderUpdate{
		Status:          &status,
		ExchangeOrderID: &info.OrderID,
		FilledQty:       &filled,
	}
	if _, err := g.ledger.UpdateOrder(ctx, key, upd); err != nil {
		log.WithError(err).Error("Failed to adopt duplicate order")
	}

	log.WithField("order_id", info.OrderID).Info("Adopted exchange order for duplicate link id")
	return contracts.OrderResult{
		Success:         status != contracts.StatusRejected,
		IdempotencyKey:  key,
		ExchangeOrderID: info.OrderID,
		Status:          status,
		Duplicate:       true,
		Raw:             raw,
	}
}

func (g *Gateway) markUnknown(ctx context.Context, rec *contracts.OrderRecord, cause error) {
	msg := cause.Error()
	if _, err := g.ledger.UpdateOrder(ctx, rec.IdempotencyKey, contracts.OrderUpdate{
		Status:    statusPtr(contracts.StatusUnknown),
		LastError: &msg,
	}); err != nil {
		g.logger.WithError(err).WithField("key", rec.IdempotencyKey).Error("Failed to mark order UNKNOWN")
	}
}

// Cancel requests cancellation of one order. The ledger row is not marked
// CANCELLED here; the stream or reconciliation confirms it from exchange truth.
func (g *Gateway) Cancel(ctx context.Context, key string) contracts.OrderResult {
	rec, err := g.ledger.GetOrderByKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return failedFor(key, contracts.ErrKindValidation, "unknown order")
	}
	if err != nil {
		return failedFor(key, contracts.ErrKindInternal, fmt.Sprintf("ledger lookup: %v", err))
	}
	if rec.Status.IsTerminal() {
		res := contracts.ResultFromRecord(rec)
		res.Success = false
		res.ErrorKind = contracts.ErrKindValidation
		res.Message = fmt.Sprintf("order already %s", rec.Status)
		return res
	}

	unlock, err := g.locks.Lock(ctx, rec.Symbol)
	if err != nil {
		return failedFor(key, contracts.ErrKindInternal, fmt.Sprintf("symbol lock: %v", err))
	}
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	_, raw, err := g.broker.CancelOrder(callCtx, rec.Symbol, rec.ExchangeOrderID, key)
	cancel()

	if err != nil {
		kind := exchange.KindOf(err)
		g.logger.WithError(err).WithField("key", key).Warn("Cancel failed")
		g.recordError(ctx, kind, rec.Symbol, key, err.Error(), nil)
		res := failedFor(key, kind, err.Error())
		res.ExchangeOrderID = rec.ExchangeOrderID
		res.Status = rec.Status
		res.Raw = raw
		return res
	}

	g.logger.WithField("key", key).Info("Cancel requested")
	return contracts.OrderResult{
		Success:         true,
		IdempotencyKey:  key,
		ExchangeOrderID: rec.ExchangeOrderID,
		Status:          rec.Status,
		Raw:             raw,
	}
}

// CancelAll cancels every open order of symbol. It never consults the halt flag.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) contracts.OrderResult {
	unlock, err := g.locks.Lock(ctx, symbol)
	if err != nil {
		return contracts.Failed(contracts.ErrKindInternal, fmt.Sprintf("symbol lock: %v", err))
	}
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	ids, raw, err := g.broker.CancelAll(callCtx, symbol)
	cancel()

	if err != nil {
		kind := exchange.KindOf(err)
		g.logger.WithError(err).WithField("symbol", symbol).Warn("Cancel-all failed")
		g.recordError(ctx, kind, symbol, "", err.Error(), nil)
		res := contracts.Failed(kind, err.Error())
		res.Raw = raw
		return res
	}

	g.logger.WithFields(map[string]interface{}{"symbol": symbol, "cancelled": len(ids)}).Info("Cancel-all done")
	return contracts.OrderResult{Success: true, CancelledIDs: ids, Raw: raw}
}

// ClosePosition flattens symbol with a reduce-only IOC market order on the
// opposite side. It never consults the halt flag. The account is expected in
// one-way position mode; a symbol with more than one open leg is refused so
// the caller sees it instead of a half-closed position.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) contracts.OrderResult {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	positions, err := g.broker.Positions(callCtx, symbol)
	cancel()
	if err != nil {
		kind := exchange.KindOf(err)
		g.recordError(ctx, kind, symbol, "", fmt.Sprintf("close position: %v", err), nil)
		return contracts.Failed(kind, fmt.Sprintf("fetch position: %v", err))
	}

	var legs []*contracts.PositionSnapshot
	for i := range positions {
		if positions[i].Symbol == symbol && !positions[i].IsFlat() {
			legs = append(legs, &positions[i])
		}
	}
	if len(legs) == 0 {
		return contracts.OrderResult{Success: true, Message: "already flat"}
	}
	if len(legs) > 1 {
		msg := fmt.Sprintf("%s has %d open position legs; hedge mode is not supported, close manually", symbol, len(legs))
		g.logger.WithField("symbol", symbol).Error(msg)
		g.recordError(ctx, contracts.ErrKindInternal, symbol, "", msg, positions)
		return contracts.Failed(contracts.ErrKindInternal, msg)
	}
	open := legs[0]
	if !open.Side.Valid() {
		return contracts.Failed(contracts.ErrKindInternal, fmt.Sprintf("position of %s has no side", symbol))
	}

	intent := contracts.OrderIntent{
		Symbol:         symbol,
		Side:           open.Side.Opposite(),
		Type:           contracts.OrderTypeMarket,
		Qty:            open.Size.Abs(),
		TimeInForce:    contracts.TIFImmediate,
		ReduceOnly:     true,
		IdempotencyKey: DeriveKey(symbol, "close", g.now(), g.cfg.CloseBucket),
		Strategy:       "close",
	}

	g.logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"side":   intent.Side,
		"qty":    intent.Qty.String(),
	}).Info("Closing position")

	return g.submit(ctx, intent)
}

// RecordExecution appends a fill and advances the parent order's status.
// Replayed fills are no-ops; orphan and overfilling fills are recorded as drift.
func (g *Gateway) RecordExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error) {
	created, err := g.ledger.AppendExecution(ctx, exec)
	if err != nil {
		if errors.Is(err, ledger.ErrOrphanExecution) || errors.Is(err, ledger.ErrOverfill) {
			g.logger.WithError(err).WithField("exec_id", exec.ExecID).Warn("Execution does not fit the ledger")
			g.recordError(ctx, contracts.ErrKindDrift, exec.Symbol, exec.OrderKey, err.Error(), exec)
		}
		return false, err
	}
	if !created {
		return false, nil
	}

	rec, err := g.findOrder(ctx, exec.OrderKey, exec.ExchangeOrderID)
	if err != nil {
		return true, err
	}
	if rec.Status.IsTerminal() {
		return true, nil
	}

	status := contracts.StatusPartiallyFilled
	if rec.FilledQty.GreaterThanOrEqual(rec.Qty) {
		status = contracts.StatusFilled
	}
	if _, err := g.ledger.UpdateOrder(ctx, rec.IdempotencyKey, contracts.OrderUpdate{Status: &status}); err != nil && !errors.Is(err, ledger.ErrTerminal) {
		return true, fmt.Errorf("advance order %s: %w", rec.IdempotencyKey, err)
	}

	g.logger.WithFields(map[string]interface{}{
		"key":     rec.IdempotencyKey,
		"exec_id": exec.ExecID,
		"qty":     exec.Qty.String(),
		"status":  status,
	}).Info("Execution recorded")
	return true, nil
}

func (g *Gateway) findOrder(ctx context.Context, key, exchangeOrderID string) (*contracts.OrderRecord, error) {
	if key != "" {
		rec, err := g.ledger.GetOrderByKey(ctx, key)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) || exchangeOrderID == "" {
			return rec, err
		}
	}
	return g.ledger.GetOrderByExchangeID(ctx, exchangeOrderID)
}

// recordError writes an errors row; a failing write is only logged
func (g *Gateway) recordError(ctx context.Context, kind contracts.ErrorKind, symbol, key, msg string, detail interface{}) {
	rec := contracts.ErrorRecord{
		Component: Component,
		Kind:      kind,
		Symbol:    symbol,
		OrderKey:  key,
		Message:   msg,
		CreatedAt: g.now().UTC(),
	}
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			rec.Detail = string(data)
		}
	}
	if err := g.ledger.RecordError(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.WithError(err).Error("Failed to record error row")
	}
}

func failedFor(key string, kind contracts.ErrorKind, msg string) contracts.OrderResult {
	res := contracts.Failed(kind, msg)
	res.IdempotencyKey = key
	return res
}

func duplicateResult(rec *contracts.OrderRecord) contracts.OrderResult {
	res := contracts.ResultFromRecord(rec)
	res.Duplicate = true
	return res
}

func statusPtr(s contracts.OrderStatus) *contracts.OrderStatus {
	return &s
}
