package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/symlock"
)

// Monitor applies private-stream pushes to the ledger
// ⭐ SSOT: 실시간 체결/주문 상태 반영은 여기서만
type Monitor struct {
	gateway *Gateway
	ledger  Ledger
	locks   *symlock.Locks
	logger  *logger.Logger
	timeout time.Duration

	executions atomic.Int64
	updates    atomic.Int64
	skipped    atomic.Int64
}

// MonitorStats counts what the monitor applied
type MonitorStats struct {
	Executions int64 `json:"executions"`
	Updates    int64 `json:"updates"`
	Skipped    int64 `json:"skipped"`
}

// NewMonitor creates a new stream monitor
func NewMonitor(gateway *Gateway, store Ledger, locks *symlock.Locks, log *logger.Logger) *Monitor {
	return &Monitor{
		gateway: gateway,
		ledger:  store,
		locks:   locks,
		logger:  log.Component("monitor"),
		timeout: 5 * time.Second,
	}
}

// Attach routes the stream's callbacks into the monitor
func (m *Monitor) Attach(ctx context.Context, stream *exchange.Stream) {
	stream.OnExecution(func(e exchange.ExecutionInfo) { m.HandleExecution(ctx, e) })
	stream.OnOrder(func(o exchange.OrderInfo) { m.HandleOrder(ctx, o) })
}

// HandleExecution records one pushed fill
func (m *Monitor) HandleExecution(ctx context.Context, info exchange.ExecutionInfo) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	created, err := m.gateway.RecordExecution(ctx, info.ToRecord())
	if err != nil {
		m.logger.WithError(err).WithField("exec_id", info.ExecID).Warn("Failed to record pushed execution")
		return
	}
	if created {
		m.executions.Add(1)
	}
}

// HandleOrder applies a pushed order status. Unknown orders are left to
// reconciliation; terminal rows are never touched.
func (m *Monitor) HandleOrder(ctx context.Context, info exchange.OrderInfo) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := info.LocalStatus()
	if status == contracts.StatusUnknown {
		m.skipped.Add(1)
		return
	}

	rec, err := m.gateway.findOrder(ctx, info.OrderLinkID, info.OrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		m.logger.WithField("order_id", info.OrderID).Debug("Pushed order not in ledger, left to reconciliation")
		m.skipped.Add(1)
		return
	}
	if err != nil {
		m.logger.WithError(err).Warn("Ledger lookup for pushed order failed")
		return
	}
	if rec.Status.IsTerminal() {
		m.skipped.Add(1)
		return
	}

	unlock, err := m.locks.Lock(ctx, rec.Symbol)
	if err != nil {
		return
	}
	defer unlock()

	filled := info.FilledQty()
	upd := contracts.OrderUpdate{Status: &status, FilledQty: &filled}
	if info.OrderID != "" {
		upd.ExchangeOrderID = &info.OrderID
	}
	if info.RejectReason != "" && status == contracts.StatusRejected {
		upd.LastError = &info.RejectReason
	}

	if _, err := m.ledger.UpdateOrder(ctx, rec.IdempotencyKey, upd); err != nil {
		if !errors.Is(err, ledger.ErrTerminal) {
			m.logger.WithError(err).WithField("key", rec.IdempotencyKey).Warn("Failed to apply pushed order")
		}
		return
	}

	m.updates.Add(1)
	m.logger.WithFields(map[string]interface{}{
		"key":    rec.IdempotencyKey,
		"from":   rec.Status,
		"to":     status,
		"filled": filled.String(),
	}).Debug("Order updated from stream")
}

// Stats returns the applied counters
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Executions: m.executions.Load(),
		Updates:    m.updates.Load(),
		Skipped:    m.skipped.Load(),
	}
}
