package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/redis"
	"github.com/wonny/aegis-exec/pkg/symlock"
)

// Component is the errors-table component name
const Component = "reconcile"

// ErrAlreadyRunning is returned when a cycle is already in progress
var ErrAlreadyRunning = errors.New("reconciliation already running")

// Venue is the exchange truth; *exchange.Client implements it
type Venue interface {
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error)
	QueryOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*exchange.OrderInfo, error)
	Positions(ctx context.Context, symbol string) ([]contracts.PositionSnapshot, error)
	Executions(ctx context.Context, symbol, orderID string) ([]exchange.ExecutionInfo, error)
}

// Store is the ledger surface reconciliation corrects
type Store interface {
	ListOpenOrders(ctx context.Context, symbol string) ([]*contracts.OrderRecord, error)
	CreateOrder(ctx context.Context, rec *contracts.OrderRecord) (*contracts.OrderRecord, bool, error)
	UpdateOrder(ctx context.Context, key string, upd contracts.OrderUpdate) (*contracts.OrderRecord, error)
	GetOrderByKey(ctx context.Context, key string) (*contracts.OrderRecord, error)
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*contracts.OrderRecord, error)
	LatestPosition(ctx context.Context, symbol string) (*contracts.PositionSnapshot, error)
	SavePosition(ctx context.Context, snap contracts.PositionSnapshot) error
	RecordError(ctx context.Context, rec contracts.ErrorRecord) error
}

// ExecutionRecorder appends fills; *execution.Gateway implements it
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, exec contracts.ExecutionRecord) (bool, error)
}

// ReportCache keeps reports for operator queries; *redis.Cache implements it
type ReportCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config controls a reconciliation cycle
type Config struct {
	Symbols     []string
	GracePeriod time.Duration // local orders younger than this are not re-queried yet
	CallTimeout time.Duration
}

// DefaultConfig returns the default reconciliation settings
func DefaultConfig() Config {
	return Config{
		GracePeriod: 60 * time.Second,
		CallTimeout: 10 * time.Second,
	}
}

// Correction kinds
const (
	KindOrderStatus   = "order_status"   // local row moved to the exchange's status
	KindOrderMissing  = "order_missing"  // exchange has no such order, marked CANCELLED
	KindOrderExternal = "order_external" // exchange-only order inserted as RECONCILED
	KindPosition      = "position"       // snapshot overwritten with exchange truth
)

// Correction is one healed drift with before/after values
type Correction struct {
	Symbol   string      `json:"symbol"`
	Kind     string      `json:"kind"`
	OrderKey string      `json:"order_key,omitempty"`
	Before   interface{} `json:"before,omitempty"`
	After    interface{} `json:"after,omitempty"`
}

// RunError is a failed step of a cycle. DRIFT_DETECTED entries are alerts
// that were detected but deliberately not corrected.
type RunError struct {
	Symbol   string              `json:"symbol"`
	Step     string              `json:"step"`
	Kind     contracts.ErrorKind `json:"kind"`
	OrderKey string              `json:"order_key,omitempty"`
	Message  string              `json:"message"`
}

// Report is the outcome of one cycle
type Report struct {
	RunID           string       `json:"run_id"`
	Symbols         []string     `json:"symbols"`
	Corrections     []Correction `json:"corrections"`
	Errors          []RunError   `json:"errors,omitempty"`
	ExecutionsAdded int          `json:"executions_added"`
	// PositionsVerified counts symbols whose snapshot already matched the exchange
	PositionsVerified int       `json:"positions_verified"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// Clean reports whether the cycle found nothing to fix and hit no errors
func (r *Report) Clean() bool {
	return len(r.Corrections) == 0 && len(r.Errors) == 0
}

// orderState is what before/after of an order correction records
type orderState struct {
	Status          contracts.OrderStatus `json:"status"`
	FilledQty       string                `json:"filled_qty"`
	ExchangeOrderID string                `json:"exchange_order_id,omitempty"`
}

// positionState is what before/after of a position correction records
type positionState struct {
	Side          contracts.Side `json:"side,omitempty"`
	Size          string         `json:"size"`
	AvgEntryPrice string         `json:"avg_entry_price"`
}

// Service heals drift between the ledger and the exchange.
// Exchange wins on position state; it never places orders.
// ⭐ SSOT: 원장 ↔ 거래소 정합성 복구는 여기서만
type Service struct {
	venue    Venue
	store    Store
	recorder ExecutionRecorder
	locks    *symlock.Locks
	cache    ReportCache
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time

	running sync.Mutex
	mu      sync.RWMutex
	last    *Report
}

// New creates a reconciliation service. cache may be nil.
func New(venue Venue, store Store, recorder ExecutionRecorder, locks *symlock.Locks, cache ReportCache, cfg Config, log *logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Service{
		venue:    venue,
		store:    store,
		recorder: recorder,
		locks:    locks,
		cache:    cache,
		cfg:      cfg,
		logger:   log.Component(Component),
		now:      time.Now,
	}
}

// RunOnce runs one cycle over every tracked symbol. Per-symbol failures are
// collected in the report; the error return is for cycle-level failures only.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	report := &Report{
		RunID:       uuid.NewString(),
		Symbols:     append([]string(nil), s.cfg.Symbols...),
		Corrections: []Correction{},
		StartedAt:   s.now().UTC(),
	}

	for _, symbol := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.reconcileSymbol(ctx, symbol, report)
	}
	report.FinishedAt = s.now().UTC()

	s.publish(ctx, report)
	return report, nil
}

// LastReport returns the latest finished cycle, or nil before the first
func (s *Service) LastReport(ctx context.Context) *Report {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil || s.cache == nil {
		return last
	}

	var cached Report
	if ok, err := s.cache.Get(ctx, redis.LastReconcileKey(), &cached); err == nil && ok {
		return &cached
	}
	return nil
}

func (s *Service) reconcileSymbol(ctx context.Context, symbol string, report *Report) {
	log := s.logger.WithFields(map[string]interface{}{"run_id": report.RunID, "symbol": symbol})

	// 거래소 조회는 락 밖에서
	remoteOrders, ordersErr := s.fetchOpenOrders(ctx, symbol)
	if ordersErr != nil {
		s.fail(report, symbol, "open_orders", "", ordersErr)
	}
	remotePos, posErr := s.fetchPosition(ctx, symbol)
	if posErr != nil {
		s.fail(report, symbol, "positions", "", posErr)
	}
	if ordersErr != nil && posErr != nil {
		return
	}

	unlock, err := s.locks.Lock(ctx, symbol)
	if err != nil {
		s.fail(report, symbol, "lock", "", err)
		return
	}
	defer unlock()

	// orders before positions
	if ordersErr == nil {
		s.reconcileOrders(ctx, symbol, remoteOrders, report)
	}
	if posErr == nil {
		s.reconcilePosition(ctx, symbol, remotePos, report)
	}

	log.Debug("Symbol reconciled")
}

// ============================================
// Orders
// ============================================

func (s *Service) reconcileOrders(ctx context.Context, symbol string, remote []exchange.OrderInfo, report *Report) {
	local, err := s.store.ListOpenOrders(ctx, symbol)
	if err != nil {
		s.fail(report, symbol, "ledger_orders", "", err)
		return
	}

	byLink := make(map[string]*exchange.OrderInfo, len(remote))
	byID := make(map[string]*exchange.OrderInfo, len(remote))
	for i := range remote {
		o := &remote[i]
		if o.OrderLinkID != "" {
			byLink[o.OrderLinkID] = o
		}
		if o.OrderID != "" {
			byID[o.OrderID] = o
		}
	}

	matched := make(map[string]bool, len(remote))
	for _, rec := range local {
		o := byLink[rec.IdempotencyKey]
		if o == nil && rec.ExchangeOrderID != "" {
			o = byID[rec.ExchangeOrderID]
		}
		if o != nil {
			matched[o.OrderID] = true
			s.applyRemote(ctx, rec, o, report)
			continue
		}
		s.resolveMissing(ctx, rec, report)
	}

	for i := range remote {
		o := &remote[i]
		if matched[o.OrderID] {
			continue
		}
		s.adoptExternal(ctx, symbol, o, report)
	}
}

// applyRemote moves a local row to the exchange's view of it
func (s *Service) applyRemote(ctx context.Context, rec *contracts.OrderRecord, o *exchange.OrderInfo, report *Report) {
	status := o.LocalStatus()
	if status == contracts.StatusUnknown {
		return
	}
	filled := o.FilledQty()

	if status == rec.Status && filled.Equal(rec.FilledQty) && o.OrderID == rec.ExchangeOrderID {
		return
	}

	before := stateOf(rec)
	upd := contracts.OrderUpdate{Status: &status, FilledQty: &filled}
	if o.OrderID != "" {
		upd.ExchangeOrderID = &o.OrderID
	}
	updated, err := s.store.UpdateOrder(ctx, rec.IdempotencyKey, upd)
	if err != nil {
		s.fail(report, rec.Symbol, "update_order", rec.IdempotencyKey, err)
		return
	}

	s.correct(ctx, report, Correction{
		Symbol:   rec.Symbol,
		Kind:     KindOrderStatus,
		OrderKey: rec.IdempotencyKey,
		Before:   before,
		After:    stateOf(updated),
	})

	if filled.GreaterThan(rec.FilledQty) {
		s.syncExecutions(ctx, rec.Symbol, o.OrderID, report)
	}
}

// resolveMissing handles a local open order absent from the exchange's open list
func (s *Service) resolveMissing(ctx context.Context, rec *contracts.OrderRecord, report *Report) {
	if s.now().Sub(rec.UpdatedAt) < s.cfg.GracePeriod {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	o, err := s.venue.QueryOrder(callCtx, rec.Symbol, rec.ExchangeOrderID, rec.IdempotencyKey)
	cancel()

	if err == nil {
		// 체결/취소로 닫힌 주문
		s.applyRemote(ctx, rec, o, report)
		return
	}
	if !errors.Is(err, exchange.ErrOrderNotFound) {
		s.fail(report, rec.Symbol, "query_order", rec.IdempotencyKey, err)
		return
	}

	before := stateOf(rec)
	status := contracts.StatusCancelled
	reason := "absent on exchange after grace period"
	updated, err := s.store.UpdateOrder(ctx, rec.IdempotencyKey, contracts.OrderUpdate{Status: &status, LastError: &reason})
	if err != nil {
		s.fail(report, rec.Symbol, "update_order", rec.IdempotencyKey, err)
		return
	}

	s.correct(ctx, report, Correction{
		Symbol:   rec.Symbol,
		Kind:     KindOrderMissing,
		OrderKey: rec.IdempotencyKey,
		Before:   before,
		After:    stateOf(updated),
	})
}

// adoptExternal records an exchange-only order, or alerts when the ledger
// already holds it as terminal
func (s *Service) adoptExternal(ctx context.Context, symbol string, o *exchange.OrderInfo, report *Report) {
	key := ExternalKey(o)

	existing, err := s.lookup(ctx, key, o.OrderID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.fail(report, symbol, "ledger_lookup", key, err)
		return
	}
	if existing != nil {
		if existing.Status.IsTerminal() {
			s.alert(ctx, report, symbol, existing.IdempotencyKey,
				fmt.Sprintf("ledger has %s but exchange reports %s", existing.Status, o.OrderStatus), o)
		}
		return
	}

	rec := o.ToRecord(key)
	if rec.Symbol == "" {
		rec.Symbol = symbol
	}
	rec.UpdatedAt = s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	created, ok, err := s.store.CreateOrder(ctx, rec)
	if err != nil {
		s.fail(report, symbol, "insert_order", key, err)
		return
	}
	if !ok {
		return
	}

	s.correct(ctx, report, Correction{
		Symbol:   symbol,
		Kind:     KindOrderExternal,
		OrderKey: key,
		After:    stateOf(created),
	})

	if created.FilledQty.IsPositive() {
		s.syncExecutions(ctx, symbol, o.OrderID, report)
	}
}

func (s *Service) lookup(ctx context.Context, key, exchangeOrderID string) (*contracts.OrderRecord, error) {
	rec, err := s.store.GetOrderByKey(ctx, key)
	if err == nil || !errors.Is(err, ledger.ErrNotFound) || exchangeOrderID == "" {
		return rec, err
	}
	return s.store.GetOrderByExchangeID(ctx, exchangeOrderID)
}

func (s *Service) syncExecutions(ctx context.Context, symbol, orderID string, report *Report) {
	if orderID == "" {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	fills, err := s.venue.Executions(callCtx, symbol, orderID)
	cancel()
	if err != nil {
		s.fail(report, symbol, "executions", "", err)
		return
	}

	for i := range fills {
		created, err := s.recorder.RecordExecution(ctx, fills[i].ToRecord())
		if err != nil {
			s.fail(report, symbol, "append_execution", fills[i].OrderLinkID, err)
			continue
		}
		if created {
			report.ExecutionsAdded++
		}
	}
}

// ExternalKey is the ledger key of an order the engine did not submit
func ExternalKey(o *exchange.OrderInfo) string {
	if o.OrderLinkID != "" {
		return o.OrderLinkID
	}
	return "ext-" + o.OrderID
}

// ============================================
// Positions
// ============================================

func (s *Service) reconcilePosition(ctx context.Context, symbol string, remote contracts.PositionSnapshot, report *Report) {
	local, err := s.store.LatestPosition(ctx, symbol)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.fail(report, symbol, "ledger_position", "", err)
		return
	}

	// 매 주기 스냅샷 저장: 일치하면 captured_at만 갱신되고 보정으로 치지 않음
	drifted := true
	var before *positionState
	if local != nil {
		drifted = !local.SameState(remote)
		b := positionOf(*local)
		before = &b
	} else if remote.IsFlat() {
		drifted = false
	}

	snap := remote
	snap.ID = 0
	snap.Symbol = symbol
	snap.Source = Component
	snap.CapturedAt = s.now().UTC()
	if err := s.store.SavePosition(ctx, snap); err != nil {
		s.fail(report, symbol, "save_position", "", err)
		return
	}

	if !drifted {
		report.PositionsVerified++
		return
	}

	c := Correction{Symbol: symbol, Kind: KindPosition, After: positionOf(snap)}
	if before != nil {
		c.Before = before
	}
	s.correct(ctx, report, c)
}

func (s *Service) fetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.venue.OpenOrders(callCtx, symbol)
}

func (s *Service) fetchPosition(ctx context.Context, symbol string) (contracts.PositionSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	positions, err := s.venue.Positions(callCtx, symbol)
	if err != nil {
		return contracts.PositionSnapshot{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && !p.IsFlat() {
			return p, nil
		}
	}
	return contracts.PositionSnapshot{Symbol: symbol}, nil
}

// ============================================
// Reporting
// ============================================

// correct logs a correction and writes it to the errors table as drift
func (s *Service) correct(ctx context.Context, report *Report, c Correction) {
	report.Corrections = append(report.Corrections, c)

	detail, _ := json.Marshal(map[string]interface{}{"run_id": report.RunID, "before": c.Before, "after": c.After})
	s.logger.WithFields(map[string]interface{}{
		"run_id": report.RunID,
		"symbol": c.Symbol,
		"kind":   c.Kind,
		"key":    c.OrderKey,
		"detail": string(detail),
	}).Warn("Drift corrected")

	s.record(ctx, contracts.ErrorRecord{
		Component: Component,
		Kind:      contracts.ErrKindDrift,
		Symbol:    c.Symbol,
		OrderKey:  c.OrderKey,
		Message:   c.Kind,
		Detail:    string(detail),
	})
}

// alert records drift that is reported but never corrected
func (s *Service) alert(ctx context.Context, report *Report, symbol, key, msg string, remote *exchange.OrderInfo) {
	report.Errors = append(report.Errors, RunError{Symbol: symbol, Step: "orders", Kind: contracts.ErrKindDrift, OrderKey: key, Message: msg})

	detail, _ := json.Marshal(map[string]interface{}{"run_id": report.RunID, "exchange": remote})
	s.logger.WithFields(map[string]interface{}{
		"run_id": report.RunID,
		"symbol": symbol,
		"key":    key,
	}).Error("Terminal ledger order still open on exchange: " + msg)

	s.record(ctx, contracts.ErrorRecord{
		Component: Component,
		Kind:      contracts.ErrKindDrift,
		Symbol:    symbol,
		OrderKey:  key,
		Message:   msg,
		Detail:    string(detail),
	})
}

func (s *Service) fail(report *Report, symbol, step, key string, err error) {
	kind := exchange.KindOf(err)
	if kind == contracts.ErrKindNone {
		kind = contracts.ErrKindInternal
	}
	report.Errors = append(report.Errors, RunError{Symbol: symbol, Step: step, Kind: kind, OrderKey: key, Message: err.Error()})
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"run_id": report.RunID,
		"symbol": symbol,
		"step":   step,
	}).Warn("Reconciliation step failed")
}

func (s *Service) record(ctx context.Context, rec contracts.ErrorRecord) {
	if err := s.store.RecordError(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WithError(err).Error("Failed to record reconciliation row")
	}
}

func (s *Service) publish(ctx context.Context, report *Report) {
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{
		"run_id":      report.RunID,
		"corrections": len(report.Corrections),
		"errors":      len(report.Errors),
		"executions":  report.ExecutionsAdded,
		"duration":    report.FinishedAt.Sub(report.StartedAt).String(),
	})
	if report.Clean() {
		log.Debug("Reconciliation clean")
	} else {
		log.Info("Reconciliation finished")
	}

	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redis.LastReconcileKey(), report, redis.TTLReport); err != nil {
		s.logger.WithError(err).Debug("Failed to cache reconciliation report")
	}
	_ = s.cache.Set(ctx, redis.ReconcileReportKey(report.RunID), report, redis.TTLReport)
}

func stateOf(rec *contracts.OrderRecord) orderState {
	return orderState{Status: rec.Status, FilledQty: rec.FilledQty.String(), ExchangeOrderID: rec.ExchangeOrderID}
}

func positionOf(p contracts.PositionSnapshot) positionState {
	return positionState{Side: p.Side, Size: p.Size.String(), AvgEntryPrice: p.AvgEntryPrice.String()}
}
