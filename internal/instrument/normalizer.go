package instrument

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wonny/aegis-exec/internal/contracts"
)

// RoundingMode selects how prices snap to the tick grid
type RoundingMode string

const (
	RoundNearest     RoundingMode = "nearest"
	RoundDirectional RoundingMode = "directional" // buys down, sells up
)

// Request is one order's parameters before normalization
type Request struct {
	Symbol     string
	Side       contracts.Side
	Price      decimal.NullDecimal // empty for market orders
	Qty        decimal.Decimal
	ReduceOnly bool
	// RefPrice prices the notional check of market orders
	RefPrice decimal.NullDecimal
}

// Result is the normalized order. OK=false carries a human-readable Reason.
type Result struct {
	Price  decimal.NullDecimal
	Qty    decimal.Decimal
	OK     bool
	Reason string
}

// Normalizer rounds and validates order parameters against the catalog.
// Validation fails closed: anything it cannot prove valid is rejected.
type Normalizer struct {
	catalog     *Catalog
	modes       map[string]RoundingMode
	defaultMode RoundingMode
}

// NewNormalizer creates a normalizer with a default rounding mode
func NewNormalizer(catalog *Catalog, defaultMode RoundingMode) *Normalizer {
	if defaultMode == "" {
		defaultMode = RoundNearest
	}
	return &Normalizer{
		catalog:     catalog,
		modes:       make(map[string]RoundingMode),
		defaultMode: defaultMode,
	}
}

// SetMode overrides the rounding mode for one symbol
func (n *Normalizer) SetMode(symbol string, mode RoundingMode) {
	n.modes[symbol] = mode
}

func (n *Normalizer) mode(symbol string) RoundingMode {
	if m, ok := n.modes[symbol]; ok {
		return m
	}
	return n.defaultMode
}

// Normalize truncates qty to the step grid, rounds price to the tick grid
// and checks the exchange minimums.
func (n *Normalizer) Normalize(req Request) Result {
	inst, ok := n.catalog.Get(req.Symbol)
	if !ok {
		return reject("unknown instrument %s", req.Symbol)
	}
	if err := validate(inst); err != nil {
		return reject("%v", err)
	}
	if !inst.Tradable() {
		return reject("%s is not trading (status %s)", req.Symbol, inst.Status)
	}
	if !req.Qty.IsPositive() {
		return reject("qty must be positive, got %s", req.Qty)
	}

	res := Result{Qty: TruncateToStep(req.Qty, inst.QtyStep)}

	if req.Price.Valid {
		if !req.Price.Decimal.IsPositive() {
			return reject("price must be positive, got %s", req.Price.Decimal)
		}
		price := RoundToTick(req.Price.Decimal, inst.TickSize, req.Side, n.mode(req.Symbol))
		if !price.IsPositive() {
			return reject("price %s rounds to zero at tick %s", req.Price.Decimal, inst.TickSize)
		}
		res.Price = decimal.NewNullDecimal(price)
	}

	if inst.MaxQty.IsPositive() && res.Qty.GreaterThan(inst.MaxQty) {
		return reject("qty %s above max_qty %s for %s", res.Qty, inst.MaxQty, req.Symbol)
	}

	// 감축 주문은 최소 수량/금액 검사 생략 (잔량 청산 허용)
	if !req.ReduceOnly {
		if inst.MinQty.IsPositive() && res.Qty.LessThan(inst.MinQty) {
			return reject("qty %s below min_qty %s for %s", res.Qty, inst.MinQty, req.Symbol)
		}

		ref := res.Price
		if !ref.Valid {
			ref = req.RefPrice
		}
		if inst.MinNotional.IsPositive() {
			if !ref.Valid || !ref.Decimal.IsPositive() {
				return reject("market order on %s needs a reference price to check min_notional %s", req.Symbol, inst.MinNotional)
			}
			notional := res.Qty.Mul(ref.Decimal)
			if notional.LessThan(inst.MinNotional) {
				return reject("notional %s below min_notional %s for %s", notional, inst.MinNotional, req.Symbol)
			}
		}
	}

	if res.Qty.IsZero() {
		return reject("qty %s truncates to zero at step %s", req.Qty, inst.QtyStep)
	}

	res.OK = true
	return res
}

// TruncateToStep rounds qty down to a multiple of step
func TruncateToStep(qty, step decimal.Decimal) decimal.Decimal {
	return qty.Div(step).Floor().Mul(step)
}

// RoundToTick snaps price to a multiple of tick
func RoundToTick(price, tick decimal.Decimal, side contracts.Side, mode RoundingMode) decimal.Decimal {
	units := price.Div(tick)
	switch {
	case mode == RoundDirectional && side == contracts.SideBuy:
		units = units.Floor()
	case mode == RoundDirectional && side == contracts.SideSell:
		units = units.Ceil()
	default:
		units = units.Round(0)
	}
	return units.Mul(tick)
}

func reject(format string, args ...interface{}) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}
