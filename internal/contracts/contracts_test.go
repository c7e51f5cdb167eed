package contracts

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderIntent_Validate(t *testing.T) {
	base := OrderIntent{
		Symbol:         "BTCUSDT",
		Side:           SideBuy,
		Type:           OrderTypeMarket,
		Qty:            decimal.RequireFromString("0.01"),
		IdempotencyKey: "k1",
	}

	tests := []struct {
		name    string
		mutate  func(*OrderIntent)
		wantErr bool
	}{
		{"valid market", func(*OrderIntent) {}, false},
		{"valid limit", func(i *OrderIntent) {
			i.Type = OrderTypeLimit
			i.Price = decimal.NewNullDecimal(decimal.NewFromInt(42000))
		}, false},
		{"missing symbol", func(i *OrderIntent) { i.Symbol = "" }, true},
		{"bad side", func(i *OrderIntent) { i.Side = "Long" }, true},
		{"missing key", func(i *OrderIntent) { i.IdempotencyKey = "" }, true},
		{"zero qty", func(i *OrderIntent) { i.Qty = decimal.Zero }, true},
		{"limit without price", func(i *OrderIntent) { i.Type = OrderTypeLimit }, true},
		{"unknown type", func(i *OrderIntent) { i.Type = "Stop" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := base
			tt.mutate(&intent)
			err := intent.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	for _, s := range TerminalStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []OrderStatus{StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusUnknown} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestPositionSnapshot_SameState(t *testing.T) {
	long := PositionSnapshot{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		Size:          decimal.RequireFromString("0.010"),
		AvgEntryPrice: decimal.RequireFromString("42000.5"),
		UnrealizedPnL: decimal.RequireFromString("3.2"),
	}

	samePnLDiffers := long
	samePnLDiffers.UnrealizedPnL = decimal.RequireFromString("-1")
	assert.True(t, long.SameState(samePnLDiffers))

	// 0.010 == 0.01 numerically
	scaled := long
	scaled.Size = decimal.RequireFromString("0.01")
	assert.True(t, long.SameState(scaled))

	bigger := long
	bigger.Size = decimal.RequireFromString("0.02")
	assert.False(t, long.SameState(bigger))

	flatA := PositionSnapshot{Symbol: "BTCUSDT", Side: SideBuy}
	flatB := PositionSnapshot{Symbol: "BTCUSDT"}
	assert.True(t, flatA.SameState(flatB))
}

func TestResultFromRecord(t *testing.T) {
	rec := &OrderRecord{IdempotencyKey: "k", ExchangeOrderID: "x1", Status: StatusSubmitted}
	res := ResultFromRecord(rec)
	assert.True(t, res.Success)
	assert.Equal(t, "x1", res.ExchangeOrderID)
	assert.Equal(t, ErrKindNone, res.ErrorKind)

	rec.Status = StatusRejected
	rec.LastError = "insufficient balance"
	res = ResultFromRecord(rec)
	assert.False(t, res.Success)
	assert.Equal(t, ErrKindExchangeRejected, res.ErrorKind)
	assert.Equal(t, "insufficient balance", res.Message)

	rec.Status = StatusUnknown
	res = ResultFromRecord(rec)
	assert.False(t, res.Success)
	assert.Equal(t, ErrKindTransient, res.ErrorKind)
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, ErrKindTransient.Retryable())
	assert.False(t, ErrKindSignature.Retryable())
	assert.False(t, ErrKindExchangeRejected.Retryable())
	assert.False(t, ErrKindClockSkew.Retryable())
}
