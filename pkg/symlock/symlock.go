package symlock

import (
	"context"
	"sync"
)

// Locks serializes work per symbol.
// ⭐ SSOT: 심볼 단위 직렬화는 여기서만 (gateway, reconcile 공용)
type Locks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates an empty lock table
func New() *Locks {
	return &Locks{slots: make(map[string]chan struct{})}
}

func (l *Locks) slot(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[symbol] = ch
	}
	return ch
}

// Lock blocks until symbol is free or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (l *Locks) Lock(ctx context.Context, symbol string) (func(), error) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
