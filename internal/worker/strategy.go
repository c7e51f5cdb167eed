package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/execution"
)

// Strategy decides what to trade for one symbol. It never talks to the exchange.
type Strategy interface {
	Name() string
	Decide(ctx context.Context, symbol string) ([]contracts.Decision, error)
}

// ToIntent converts a decision into an order intent with a derived key.
// A decision with a price becomes a GTC limit order, otherwise an IOC market order.
func ToIntent(dec contracts.Decision, bucket time.Duration) contracts.OrderIntent {
	intent := contracts.OrderIntent{
		Symbol:         dec.Symbol,
		Side:           dec.Side,
		Qty:            dec.Size,
		ReduceOnly:     dec.ReduceOnly,
		Strategy:       dec.Strategy,
		IdempotencyKey: execution.DeriveKey(dec.Symbol, dec.Strategy, dec.DecidedAt, bucket),
	}
	if dec.Price.Valid {
		intent.Type = contracts.OrderTypeLimit
		intent.Price = dec.Price
		intent.TimeInForce = contracts.TIFGoodTillCancel
	} else {
		intent.Type = contracts.OrderTypeMarket
		intent.RefPrice = dec.RefPrice
		intent.TimeInForce = contracts.TIFImmediate
	}
	return intent
}

// ManualStrategy hands out operator-queued decisions
type ManualStrategy struct {
	mu    sync.Mutex
	queue map[string][]contracts.Decision
	now   func() time.Time
}

// ManualStrategyName is the strategy name stamped on queued decisions
const ManualStrategyName = "manual"

// NewManualStrategy creates an empty queue
func NewManualStrategy() *ManualStrategy {
	return &ManualStrategy{
		queue: make(map[string][]contracts.Decision),
		now:   time.Now,
	}
}

// Name returns the strategy name
func (m *ManualStrategy) Name() string {
	return ManualStrategyName
}

// Enqueue queues a decision for its symbol's next poll
func (m *ManualStrategy) Enqueue(dec contracts.Decision) error {
	if dec.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !dec.Side.Valid() {
		return fmt.Errorf("invalid side %q", dec.Side)
	}
	if !dec.Size.IsPositive() {
		return fmt.Errorf("size must be positive, got %s", dec.Size)
	}
	if dec.Price.Valid && !dec.Price.Decimal.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", dec.Price.Decimal)
	}
	if dec.RefPrice.Valid && !dec.RefPrice.Decimal.IsPositive() {
		return fmt.Errorf("ref_price must be positive, got %s", dec.RefPrice.Decimal)
	}
	if dec.Strategy == "" {
		dec.Strategy = ManualStrategyName
	}
	if dec.DecidedAt.IsZero() {
		dec.DecidedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[dec.Symbol] = append(m.queue[dec.Symbol], dec)
	return nil
}

// Decide drains the symbol's queue
func (m *ManualStrategy) Decide(ctx context.Context, symbol string) ([]contracts.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.queue[symbol]
	delete(m.queue, symbol)
	return out, nil
}

// Pending returns how many decisions wait for symbol
func (m *ManualStrategy) Pending(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue[symbol])
}
