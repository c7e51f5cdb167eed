package execution

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/instrument"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/symlock"
)

// fakeBroker records calls and answers with configurable outcomes
type fakeBroker struct {
	mu sync.Mutex

	placed    []exchange.PlaceOrderRequest
	placeErr  error
	placeWait time.Duration
	cancelled []string
	cancelAll []string
	query     *exchange.OrderInfo
	queryErr  error
	positions []contracts.PositionSnapshot
	nextID    int
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, json.RawMessage, error) {
	b.mu.Lock()
	b.placed = append(b.placed, req)
	b.nextID++
	id := b.nextID
	err := b.placeErr
	wait := b.placeWait
	b.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	if err != nil {
		return nil, nil, err
	}
	orderID := "ex-" + strconv.Itoa(id)
	return &exchange.PlaceOrderResult{OrderID: orderID, OrderLinkID: req.OrderLinkID}, json.RawMessage(`{"orderId":"` + orderID + `"}`), nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*exchange.PlaceOrderResult, json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, orderLinkID)
	return &exchange.PlaceOrderResult{OrderID: orderID, OrderLinkID: orderLinkID}, nil, nil
}

func (b *fakeBroker) CancelAll(ctx context.Context, symbol string) ([]string, json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelAll, nil, nil
}

func (b *fakeBroker) QueryOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*exchange.OrderInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	if b.query == nil {
		return nil, exchange.ErrOrderNotFound
	}
	return b.query, nil
}

func (b *fakeBroker) Positions(ctx context.Context, symbol string) ([]contracts.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions, nil
}

func (b *fakeBroker) placeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

type fakeHalt struct {
	halted bool
	err    error
}

func (h *fakeHalt) CanTrade(ctx context.Context) (bool, error) {
	return !h.halted, h.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	gw     *Gateway
	broker *fakeBroker
	halt   *fakeHalt
	store  ledger.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	catalog := instrument.NewStaticCatalog(contracts.Instrument{
		Symbol:      "BTCUSDT",
		Status:      "Trading",
		TickSize:    d("0.10"),
		QtyStep:     d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("5"),
	})

	h := &harness{broker: &fakeBroker{}, halt: &fakeHalt{}, store: store}
	h.gw = NewGateway(h.broker, store, instrument.NewNormalizer(catalog, instrument.RoundNearest),
		h.halt, symlock.New(), Config{CallTimeout: time.Second}, logger.Nop())
	return h
}

func limitIntent(key string) contracts.OrderIntent {
	return contracts.OrderIntent{
		Symbol:         "BTCUSDT",
		Side:           contracts.SideBuy,
		Type:           contracts.OrderTypeLimit,
		Qty:            d("0.0105"),
		Price:          decimal.NewNullDecimal(d("42123.456")),
		IdempotencyKey: key,
		Strategy:       "manual",
	}
}

func TestSubmit_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.gw.Submit(ctx, limitIntent("k1"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, contracts.StatusSubmitted, res.Status)
	assert.Equal(t, "ex-1", res.ExchangeOrderID)
	assert.False(t, res.Duplicate)

	require.Len(t, h.broker.placed, 1)
	sent := h.broker.placed[0]
	assert.Equal(t, "k1", sent.OrderLinkID)
	assert.Equal(t, "0.01", sent.Qty.String())
	assert.Equal(t, "42123.5", sent.Price.Decimal.String())

	rec, err := h.store.GetOrderByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSubmitted, rec.Status)
	assert.Equal(t, "ex-1", rec.ExchangeOrderID)
	assert.Equal(t, "0.0105", rec.RequestedQty.String())
}

func TestSubmit_SameKeyTwiceSendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.gw.Submit(ctx, limitIntent("k1"))
	second := h.gw.Submit(ctx, limitIntent("k1"))

	assert.Equal(t, 1, h.broker.placeCount())
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
}

func TestSubmit_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	h.broker.placeWait = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.gw.Submit(context.Background(), limitIntent("k-race"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.broker.placeCount())
}

func TestSubmit_TimeoutMarksUnknownAndRetryDoesNotResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.broker.placeErr = &exchange.Error{Kind: contracts.ErrKindTransient, Message: "timeout", Unknown: true}

	res := h.gw.Submit(ctx, limitIntent("k1"))
	assert.False(t, res.Success)
	assert.Equal(t, contracts.StatusUnknown, res.Status)
	assert.Equal(t, contracts.ErrKindTransient, res.ErrorKind)

	rec, err := h.store.GetOrderByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUnknown, rec.Status)

	// caller retries the same decision: no second network submission
	h.broker.placeErr = nil
	again := h.gw.Submit(ctx, limitIntent("k1"))
	assert.True(t, again.Duplicate)
	assert.Equal(t, contracts.StatusUnknown, again.Status)
	assert.Equal(t, 1, h.broker.placeCount())

	errs, err := h.store.ListErrors(ctx, Component, 10)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, contracts.ErrKindTransient, errs[0].Kind)
}

func TestSubmit_ExchangeDuplicateAdoptsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.broker.placeErr = &exchange.Error{Kind: contracts.ErrKindDuplicate, Code: exchange.CodeDuplicateOrderLink}
	h.broker.query = &exchange.OrderInfo{OrderID: "ex-prior", OrderLinkID: "k1", OrderStatus: exchange.OrderStatusNew}

	res := h.gw.Submit(ctx, limitIntent("k1"))
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "ex-prior", res.ExchangeOrderID)

	rec, err := h.store.GetOrderByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSubmitted, rec.Status)
	assert.Equal(t, "ex-prior", rec.ExchangeOrderID)
}

func TestSubmit_RejectedIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.broker.placeErr = &exchange.Error{Kind: contracts.ErrKindExchangeRejected, Code: 110007, Message: "insufficient balance"}

	res := h.gw.Submit(ctx, limitIntent("k1"))
	assert.False(t, res.Success)
	assert.Equal(t, contracts.StatusRejected, res.Status)
	assert.Equal(t, contracts.ErrKindExchangeRejected, res.ErrorKind)
	assert.Contains(t, res.Message, "insufficient balance")

	again := h.gw.Submit(ctx, limitIntent("k1"))
	assert.True(t, again.Duplicate)
	assert.False(t, again.Success)
	assert.Equal(t, 1, h.broker.placeCount())
}

func TestSubmit_SignatureErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	h.broker.placeErr = &exchange.Error{Kind: contracts.ErrKindSignature, Code: exchange.CodeSignatureError}

	res := h.gw.Submit(context.Background(), limitIntent("k1"))
	assert.Equal(t, contracts.ErrKindSignature, res.ErrorKind)
	assert.Equal(t, contracts.StatusRejected, res.Status)
	assert.Equal(t, 1, h.broker.placeCount())
}

func TestSubmit_Halted(t *testing.T) {
	tests := []struct {
		name string
		halt *fakeHalt
	}{
		{"flag set", &fakeHalt{halted: true}},
		{"flag unreadable", &fakeHalt{err: errors.New("disk gone")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			*h.halt = *tt.halt

			res := h.gw.Submit(context.Background(), limitIntent("k1"))
			assert.False(t, res.Success)
			assert.Equal(t, contracts.ErrKindHalted, res.ErrorKind)
			assert.Equal(t, 0, h.broker.placeCount())

			_, err := h.store.GetOrderByKey(context.Background(), "k1")
			assert.True(t, errors.Is(err, ledger.ErrNotFound))
		})
	}
}

func TestSubmit_ValidationFailureNeverReachesExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := limitIntent("k-small")
	intent.Qty = d("0.0004")

	res := h.gw.Submit(ctx, intent)
	assert.False(t, res.Success)
	assert.Equal(t, contracts.ErrKindValidation, res.ErrorKind)
	assert.Equal(t, 0, h.broker.placeCount())

	_, err := h.store.GetOrderByKey(ctx, "k-small")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	errs, err := h.store.ListErrors(ctx, Component, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, contracts.ErrKindValidation, errs[0].Kind)
}

func TestSubmit_MarketNotionalUsesRefPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		ref  decimal.NullDecimal
		ok   bool
	}{
		{"no reference price", "m-none", decimal.NullDecimal{}, false},
		{"reference below min notional", "m-low", decimal.NewNullDecimal(d("100")), false},
		{"reference above min notional", "m-ok", decimal.NewNullDecimal(d("42000")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.broker.placeCount()
			res := h.gw.Submit(ctx, contracts.OrderIntent{
				Symbol:         "BTCUSDT",
				Side:           contracts.SideBuy,
				Type:           contracts.OrderTypeMarket,
				Qty:            d("0.001"),
				RefPrice:       tt.ref,
				TimeInForce:    contracts.TIFImmediate,
				IdempotencyKey: tt.key,
			})

			assert.Equal(t, tt.ok, res.Success, res.Message)
			if tt.ok {
				require.Equal(t, before+1, h.broker.placeCount())
				assert.False(t, h.broker.placed[len(h.broker.placed)-1].Price.Valid, "market orders carry no price")
				return
			}
			assert.Equal(t, contracts.ErrKindValidation, res.ErrorKind)
			assert.Contains(t, res.Message, "min_notional")
			assert.Equal(t, before, h.broker.placeCount())
		})
	}
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.halt.halted = true // closing reduces risk and ignores the halt

	h.broker.positions = []contracts.PositionSnapshot{{Symbol: "BTCUSDT", Side: contracts.SideBuy, Size: d("0.5")}}
	res := h.gw.ClosePosition(ctx, "BTCUSDT")
	require.True(t, res.Success, res.Message)

	require.Len(t, h.broker.placed, 1)
	sent := h.broker.placed[0]
	assert.Equal(t, contracts.SideSell, sent.Side)
	assert.Equal(t, contracts.OrderTypeMarket, sent.OrderType)
	assert.Equal(t, contracts.TIFImmediate, sent.TimeInForce)
	assert.True(t, sent.ReduceOnly)
	assert.Equal(t, "0.5", sent.Qty.String())
	assert.False(t, sent.Price.Valid)

	rec, err := h.store.GetOrderByKey(ctx, sent.OrderLinkID)
	require.NoError(t, err)
	assert.Equal(t, "close", rec.Strategy)

	h.broker.positions = []contracts.PositionSnapshot{{Symbol: "BTCUSDT"}}
	flat := h.gw.ClosePosition(ctx, "BTCUSDT")
	assert.True(t, flat.Success)
	assert.Equal(t, "already flat", flat.Message)
	assert.Len(t, h.broker.placed, 1)
}

func TestClosePosition_RefusesHedgeLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.broker.positions = []contracts.PositionSnapshot{
		{Symbol: "BTCUSDT", Side: contracts.SideBuy, Size: d("0.5")},
		{Symbol: "BTCUSDT", Side: contracts.SideSell, Size: d("0.2")},
	}
	res := h.gw.ClosePosition(ctx, "BTCUSDT")

	assert.False(t, res.Success)
	assert.Equal(t, contracts.ErrKindInternal, res.ErrorKind)
	assert.Contains(t, res.Message, "2 open position legs")
	assert.Equal(t, 0, h.broker.placeCount(), "no leg is closed on its own")

	errs, err := h.store.ListErrors(ctx, Component, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "BTCUSDT", errs[0].Symbol)
}

func TestCancelAllIgnoresHalt(t *testing.T) {
	h := newHarness(t)
	h.halt.halted = true
	h.broker.cancelAll = []string{"a", "b"}

	res := h.gw.CancelAll(context.Background(), "BTCUSDT")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, res.CancelledIDs)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.gw.Submit(ctx, limitIntent("k1")).Success)

	res := h.gw.Cancel(ctx, "k1")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"k1"}, h.broker.cancelled)

	// cancellation is confirmed by exchange truth, not assumed
	rec, err := h.store.GetOrderByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSubmitted, rec.Status)

	missing := h.gw.Cancel(ctx, "nope")
	assert.Equal(t, contracts.ErrKindValidation, missing.ErrorKind)
}

func TestRecordExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.gw.Submit(ctx, limitIntent("k1")).Success)

	exec := contracts.ExecutionRecord{
		ExecID: "e1", OrderKey: "k1", ExchangeOrderID: "ex-1", Symbol: "BTCUSDT",
		Side: contracts.SideBuy, Qty: d("0.004"), Price: d("42123.5"), ExecutedAt: time.Now(),
	}
	created, err := h.gw.RecordExecution(ctx, exec)
	require.NoError(t, err)
	assert.True(t, created)

	rec, _ := h.store.GetOrderByKey(ctx, "k1")
	assert.Equal(t, contracts.StatusPartiallyFilled, rec.Status)

	created, err = h.gw.RecordExecution(ctx, exec)
	require.NoError(t, err)
	assert.False(t, created)

	exec.ExecID, exec.Qty = "e2", d("0.006")
	_, err = h.gw.RecordExecution(ctx, exec)
	require.NoError(t, err)
	rec, _ = h.store.GetOrderByKey(ctx, "k1")
	assert.Equal(t, contracts.StatusFilled, rec.Status)
	assert.True(t, rec.FilledQty.Equal(d("0.01")))

	orphan := exec
	orphan.ExecID, orphan.OrderKey, orphan.ExchangeOrderID = "e3", "unknown", ""
	_, err = h.gw.RecordExecution(ctx, orphan)
	assert.True(t, errors.Is(err, ledger.ErrOrphanExecution))

	errs, err := h.store.ListErrors(ctx, Component, 10)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, contracts.ErrKindDrift, errs[0].Kind)
}

func TestMonitor_HandleOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.gw.Submit(ctx, limitIntent("k1")).Success)

	mon := NewMonitor(h.gw, h.store, h.gw.locks, logger.Nop())
	mon.HandleOrder(ctx, exchange.OrderInfo{OrderID: "ex-1", OrderLinkID: "k1", OrderStatus: exchange.OrderStatusCancelled, CumExecQty: "0"})

	rec, err := h.store.GetOrderByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCancelled, rec.Status)

	// a late "New" push can not reopen a terminal row
	mon.HandleOrder(ctx, exchange.OrderInfo{OrderID: "ex-1", OrderLinkID: "k1", OrderStatus: exchange.OrderStatusNew})
	rec, _ = h.store.GetOrderByKey(ctx, "k1")
	assert.Equal(t, contracts.StatusCancelled, rec.Status)

	mon.HandleOrder(ctx, exchange.OrderInfo{OrderID: "ex-other", OrderStatus: exchange.OrderStatusNew})
	stats := mon.Stats()
	assert.Equal(t, int64(1), stats.Updates)
	assert.Equal(t, int64(2), stats.Skipped)
}

func TestDeriveKey(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 100_000_000, time.UTC)

	k1 := DeriveKey("BTCUSDT", "manual", at, time.Second)
	assert.Len(t, k1, KeyLength)
	assert.Equal(t, k1, DeriveKey("BTCUSDT", "manual", at.Add(800*time.Millisecond), time.Second), "same bucket")
	assert.NotEqual(t, k1, DeriveKey("BTCUSDT", "manual", at.Add(time.Second), time.Second))
	assert.NotEqual(t, k1, DeriveKey("ETHUSDT", "manual", at, time.Second))
	assert.NotEqual(t, k1, DeriveKey("BTCUSDT", "close", at, time.Second))
}
