package instrument

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func price(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func btc() contracts.Instrument {
	return contracts.Instrument{
		Symbol:      "BTCUSDT",
		Status:      "Trading",
		TickSize:    d("0.10"),
		QtyStep:     d("0.001"),
		MinNotional: d("5.0"),
	}
}

func TestNormalize_BTCUSDTScenario(t *testing.T) {
	n := NewNormalizer(NewStaticCatalog(btc()), RoundNearest)

	res := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42123.456"), Qty: d("0.0004")})

	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "min_notional")

	// price side of the same call, checked in isolation
	p := RoundToTick(d("42123.456"), d("0.10"), contracts.SideBuy, RoundNearest)
	assert.True(t, p.Equal(d("42123.5")))
	assert.True(t, p.Mod(d("0.10")).IsZero())
}

func TestNormalize_Accepts(t *testing.T) {
	n := NewNormalizer(NewStaticCatalog(btc()), RoundNearest)

	res := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42123.456"), Qty: d("0.0129")})

	require.True(t, res.OK, res.Reason)
	assert.True(t, res.Qty.Equal(d("0.012")), "qty truncated, never rounded up")
	assert.True(t, res.Price.Decimal.Equal(d("42123.5")))
}

func TestNormalize_DirectionalRounding(t *testing.T) {
	n := NewNormalizer(NewStaticCatalog(btc()), RoundNearest)
	n.SetMode("BTCUSDT", RoundDirectional)

	buy := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42123.46"), Qty: d("1")})
	sell := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideSell, Price: price("42123.41"), Qty: d("1")})

	require.True(t, buy.OK)
	require.True(t, sell.OK)
	assert.True(t, buy.Price.Decimal.Equal(d("42123.4")), buy.Price.Decimal.String())
	assert.True(t, sell.Price.Decimal.Equal(d("42123.5")), sell.Price.Decimal.String())
}

func TestNormalize_GridProperty(t *testing.T) {
	inst := contracts.Instrument{
		Symbol:   "ETHUSDT",
		TickSize: d("0.01"),
		QtyStep:  d("0.01"),
	}
	n := NewNormalizer(NewStaticCatalog(inst), RoundDirectional)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		rawPrice := decimal.New(rng.Int63n(10_000_000)+1, -4) // up to 1000.0000
		rawQty := decimal.New(rng.Int63n(1_000_000)+100, -5)  // >= 0.001
		side := contracts.SideBuy
		if i%2 == 1 {
			side = contracts.SideSell
		}

		res := n.Normalize(Request{Symbol: "ETHUSDT", Side: side, Price: decimal.NewNullDecimal(rawPrice), Qty: rawQty})
		if !res.OK {
			continue
		}

		assert.True(t, res.Price.Decimal.Mod(inst.TickSize).IsZero(), "price %s", res.Price.Decimal)
		assert.True(t, res.Qty.Mod(inst.QtyStep).IsZero(), "qty %s", res.Qty)
		assert.True(t, res.Qty.LessThanOrEqual(rawQty), "qty %s > %s", res.Qty, rawQty)
		assert.True(t, rawQty.Sub(res.Qty).LessThan(inst.QtyStep))
		if side == contracts.SideBuy {
			assert.True(t, res.Price.Decimal.LessThanOrEqual(rawPrice))
		} else {
			assert.True(t, res.Price.Decimal.GreaterThanOrEqual(rawPrice))
		}
	}
}

func TestNormalize_Rejections(t *testing.T) {
	withMin := btc()
	withMin.MinQty = d("0.001")
	withMin.MaxQty = d("100")
	halted := contracts.Instrument{Symbol: "OLDUSDT", Status: "Closed", TickSize: d("1"), QtyStep: d("1")}
	broken := contracts.Instrument{Symbol: "BADUSDT", QtyStep: d("1")}

	n := NewNormalizer(NewStaticCatalog(withMin, halted, broken), RoundNearest)

	tests := []struct {
		name   string
		req    Request
		reason string
	}{
		{"unknown instrument", Request{Symbol: "DOGEUSDT", Side: contracts.SideBuy, Qty: d("1")}, "unknown instrument"},
		{"missing tick", Request{Symbol: "BADUSDT", Side: contracts.SideBuy, Qty: d("1")}, "tick size"},
		{"not trading", Request{Symbol: "OLDUSDT", Side: contracts.SideBuy, Qty: d("1")}, "not trading"},
		{"below min qty", Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42000"), Qty: d("0.0009")}, "min_qty"},
		{"above max qty", Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42000"), Qty: d("101")}, "max_qty"},
		{"zero qty", Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Qty: decimal.Zero}, "positive"},
		{"negative price", Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("-1"), Qty: d("1")}, "price must be positive"},
		{"market notional via ref price", Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Qty: d("0.001"), RefPrice: price("1000")}, "min_notional"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(tt.req)
			assert.False(t, res.OK)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}
}

func TestNormalize_MarketMinNotional(t *testing.T) {
	inst := btc()
	inst.MinNotional = d("1000000")
	n := NewNormalizer(NewStaticCatalog(inst), RoundNearest)

	limit := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Price: price("42000"), Qty: d("0.001")})
	assert.False(t, limit.OK)
	assert.Contains(t, limit.Reason, "notional 42 below min_notional")

	// without a price the notional is unknown, so the order is refused
	market := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Qty: d("0.001")})
	assert.False(t, market.OK)
	assert.Contains(t, market.Reason, "reference price")

	priced := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Qty: d("0.001"), RefPrice: price("42000")})
	assert.False(t, priced.OK)
	assert.Contains(t, priced.Reason, "min_notional")

	n = NewNormalizer(NewStaticCatalog(btc()), RoundNearest)
	ok := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideBuy, Qty: d("0.001"), RefPrice: price("42000")})
	require.True(t, ok.OK, ok.Reason)
	assert.False(t, ok.Price.Valid)
}

func TestNormalize_ReduceOnlySkipsMinimums(t *testing.T) {
	inst := btc()
	inst.MinQty = d("0.01")
	n := NewNormalizer(NewStaticCatalog(inst), RoundNearest)

	res := n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideSell, Qty: d("0.0049"), ReduceOnly: true})
	require.True(t, res.OK, res.Reason)
	assert.True(t, res.Qty.Equal(d("0.004")))

	res = n.Normalize(Request{Symbol: "BTCUSDT", Side: contracts.SideSell, Qty: d("0.0004"), ReduceOnly: true})
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "truncates to zero")
}

type fakeSource struct {
	list []contracts.Instrument
	err  error
}

func (f *fakeSource) Instruments(ctx context.Context, symbols ...string) ([]contracts.Instrument, error) {
	return f.list, f.err
}

type fakeSnap struct {
	keys []string
}

func (f *fakeSnap) SaveConfigSnapshot(ctx context.Context, key, hash, value string) error {
	f.keys = append(f.keys, key)
	return nil
}

func TestCatalog_LoadAndReload(t *testing.T) {
	src := &fakeSource{list: []contracts.Instrument{btc()}}
	snap := &fakeSnap{}
	cat := NewCatalog(src, []string{"BTCUSDT"}, snap, logger.Nop())
	ctx := context.Background()

	require.NoError(t, cat.Load(ctx))
	inst, ok := cat.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, inst.TickSize.Equal(d("0.1")))
	assert.Equal(t, []string{SnapshotKey}, snap.keys)

	// failed reload keeps previous rules
	src.err = errors.New("exchange down")
	assert.Error(t, cat.Reload(ctx))
	_, ok = cat.Get("BTCUSDT")
	assert.True(t, ok)

	src.err = nil
	updated := btc()
	updated.TickSize = d("0.5")
	src.list = []contracts.Instrument{updated}
	require.NoError(t, cat.Reload(ctx))
	inst, _ = cat.Get("BTCUSDT")
	assert.True(t, inst.TickSize.Equal(d("0.5")))
}

func TestCatalog_LoadFailsOnMissingSymbol(t *testing.T) {
	src := &fakeSource{list: []contracts.Instrument{btc()}}
	cat := NewCatalog(src, []string{"BTCUSDT", "ETHUSDT"}, nil, logger.Nop())

	err := cat.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETHUSDT")
	_, ok := cat.Get("BTCUSDT")
	assert.False(t, ok, "partial catalog must not be installed")
}
