package contracts

import "github.com/shopspring/decimal"

// Instrument holds the exchange's trading rules for one symbol
type Instrument struct {
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	TickSize    decimal.Decimal `json:"tick_size"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MaxQty      decimal.Decimal `json:"max_qty"` // zero = unbounded
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Tradable reports whether the exchange currently accepts orders for the symbol
func (i Instrument) Tradable() bool {
	return i.Status == "" || i.Status == "Trading"
}
