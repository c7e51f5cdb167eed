package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decision is what a strategy emits; only the gateway turns it into network calls.
// ⭐ SSOT: Strategy → Gateway 계약
type Decision struct {
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Size       decimal.Decimal     `json:"size"`
	Price      decimal.NullDecimal `json:"price"`      // limit hint; empty = market
	RefPrice   decimal.NullDecimal `json:"ref_price"`  // mark/last price; sizes the notional check of market orders
	StopPrice  decimal.NullDecimal `json:"stop_price"` // informational
	ReduceOnly bool                `json:"reduce_only"`
	Strategy   string              `json:"strategy"`
	DecidedAt  time.Time           `json:"decided_at"`
}
