package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is the state of one symbol's position at a point in time.
// Current state = latest snapshot per symbol.
type PositionSnapshot struct {
	ID            int64           `json:"id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side,omitempty"` // empty when flat
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Source        string          `json:"source"` // reconcile, killswitch, stream
	CapturedAt    time.Time       `json:"captured_at"`
}

// IsFlat reports whether there is no position
func (p PositionSnapshot) IsFlat() bool {
	return p.Size.IsZero()
}

// SameState compares the fields reconciliation treats as authoritative.
// PnL drifts with the mark price and is ignored.
func (p PositionSnapshot) SameState(other PositionSnapshot) bool {
	if p.IsFlat() && other.IsFlat() {
		return true
	}
	return p.Side == other.Side &&
		p.Size.Equal(other.Size) &&
		p.AvgEntryPrice.Equal(other.AvgEntryPrice)
}
