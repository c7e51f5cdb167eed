package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/redis"
)

const (
	// Component is the errors-table component name
	Component = "killswitch"
	// SnapshotKey is the config snapshot key activation reports are kept under
	SnapshotKey = "killswitch_activation"
)

// ErrConfirmationRequired is returned by Reset without explicit confirmation
var ErrConfirmationRequired = errors.New("reset requires explicit confirmation")

// Store is the ledger surface the kill switch writes
type Store interface {
	FlagReader
	SetHaltFlag(ctx context.Context, flag contracts.HaltFlag) error
	ClearHaltFlag(ctx context.Context, clearedBy string, at time.Time) error
	SaveConfigSnapshot(ctx context.Context, key, hash, value string) error
	GetConfigSnapshot(ctx context.Context, key string) (*contracts.ConfigSnapshot, error)
	RecordError(ctx context.Context, rec contracts.ErrorRecord) error
}

// Executor unwinds risk; *execution.Gateway implements it
type Executor interface {
	CancelAll(ctx context.Context, symbol string) contracts.OrderResult
	ClosePosition(ctx context.Context, symbol string) contracts.OrderResult
}

// PositionSource reports exchange positions; empty symbol means all
type PositionSource interface {
	Positions(ctx context.Context, symbol string) ([]contracts.PositionSnapshot, error)
}

// ReportCache keeps the last activation for status queries; *redis.Cache implements it
type ReportCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config controls the unwind
type Config struct {
	Symbols        []string      // configured symbols, always unwound
	ClosePositions bool          // close open positions after cancelling
	StepTimeout    time.Duration // per cancel/close call
}

// Trigger is why and where a halt was requested
type Trigger struct {
	Source string   `json:"source"` // operator, risk, api, cli
	Reason string   `json:"reason"`
	Scope  []string `json:"scope,omitempty"` // empty = every configured and open symbol
}

// StepError is one failed unwind step
type StepError struct {
	Symbol  string              `json:"symbol"`
	Step    string              `json:"step"` // flag, positions, cancel_all, close_position
	Kind    contracts.ErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// ActivationReport enumerates what an activation did, partial failures included
type ActivationReport struct {
	ActivationID    string      `json:"activation_id"`
	Trigger         Trigger     `json:"trigger"`
	FlagPersisted   bool        `json:"flag_persisted"`
	Symbols         []string    `json:"symbols"`
	OrdersCancelled int         `json:"orders_cancelled"`
	PositionsClosed int         `json:"positions_closed"`
	Errors          []StepError `json:"errors,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
}

// Complete reports whether every step succeeded
func (r *ActivationReport) Complete() bool {
	return r.FlagPersisted && len(r.Errors) == 0
}

// Status is the operator view of the switch
type Status struct {
	Halted         bool               `json:"halted"`
	Flag           contracts.HaltFlag `json:"flag"`
	LastActivation *ActivationReport  `json:"last_activation,omitempty"`
}

// Switch is the halt state machine: ACTIVE → HALTED → ACTIVE (explicit reset only)
// ⭐ SSOT: 거래 중지/재개는 여기서만
type Switch struct {
	*Guard
	store     Store
	executor  Executor
	positions PositionSource
	cache     ReportCache
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
}

// New creates a kill switch. cache may be nil.
func New(store Store, executor Executor, positions PositionSource, cache ReportCache, cfg Config, log *logger.Logger) *Switch {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 15 * time.Second
	}
	return &Switch{
		Guard:     NewGuard(store),
		store:     store,
		executor:  executor,
		positions: positions,
		cache:     cache,
		cfg:       cfg,
		logger:    log.Component(Component),
		now:       time.Now,
	}
}

// Activate halts trading and drives the target symbols flat. The flag is
// written before any unwind step and stays set whatever the steps return.
func (s *Switch) Activate(ctx context.Context, trigger Trigger) *ActivationReport {
	// 호출자가 끊어도 청산 절차는 끝까지 진행
	ctx = context.WithoutCancel(ctx)

	report := &ActivationReport{
		ActivationID: uuid.NewString(),
		Trigger:      trigger,
		StartedAt:    s.now().UTC(),
	}
	log := s.logger.WithFields(map[string]interface{}{
		"activation_id": report.ActivationID,
		"source":        trigger.Source,
		"reason":        trigger.Reason,
	})
	log.Warn("Kill switch activated")

	activatedAt := report.StartedAt
	flag := contracts.HaltFlag{
		Halted:       true,
		Reason:       trigger.Reason,
		Source:       trigger.Source,
		ActivationID: report.ActivationID,
		ActivatedAt:  &activatedAt,
	}
	if err := s.store.SetHaltFlag(ctx, flag); err != nil {
		log.WithError(err).Error("Failed to persist halt flag, unwinding anyway")
		report.Errors = append(report.Errors, StepError{Step: "flag", Kind: contracts.ErrKindInternal, Message: err.Error()})
	} else {
		report.FlagPersisted = true
	}

	report.Symbols = s.targets(ctx, trigger, report)

	for _, symbol := range report.Symbols {
		res := s.step(ctx, func(ctx context.Context) contracts.OrderResult { return s.executor.CancelAll(ctx, symbol) })
		if !res.Success {
			report.Errors = append(report.Errors, StepError{Symbol: symbol, Step: "cancel_all", Kind: res.ErrorKind, Message: res.Message})
			continue
		}
		report.OrdersCancelled += len(res.CancelledIDs)
	}

	if s.cfg.ClosePositions {
		for _, symbol := range report.Symbols {
			s.closeSymbol(ctx, symbol, report)
		}
	}

	// 첫 기록이 실패했다면 한 번 더 시도
	if !report.FlagPersisted {
		if err := s.store.SetHaltFlag(ctx, flag); err == nil {
			report.FlagPersisted = true
		}
	}

	report.FinishedAt = s.now().UTC()
	s.persist(ctx, report)

	log.WithFields(map[string]interface{}{
		"symbols":          len(report.Symbols),
		"orders_cancelled": report.OrdersCancelled,
		"positions_closed": report.PositionsClosed,
		"errors":           len(report.Errors),
	}).Warn("Kill switch unwind finished")
	return report
}

// targets is the scope, or the configured symbols plus every symbol with an open position
func (s *Switch) targets(ctx context.Context, trigger Trigger, report *ActivationReport) []string {
	set := make(map[string]bool)
	if len(trigger.Scope) > 0 {
		for _, symbol := range trigger.Scope {
			set[symbol] = true
		}
		return sortedKeys(set)
	}

	for _, symbol := range s.cfg.Symbols {
		set[symbol] = true
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	open, err := s.positions.Positions(callCtx, "")
	cancel()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list open positions, unwinding configured symbols only")
		report.Errors = append(report.Errors, StepError{Step: "positions", Kind: exchange.KindOf(err), Message: err.Error()})
	}
	for _, p := range open {
		if !p.IsFlat() && p.Symbol != "" {
			set[p.Symbol] = true
		}
	}
	return sortedKeys(set)
}

func (s *Switch) closeSymbol(ctx context.Context, symbol string, report *ActivationReport) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	positions, err := s.positions.Positions(callCtx, symbol)
	cancel()
	if err != nil {
		report.Errors = append(report.Errors, StepError{Symbol: symbol, Step: "positions", Kind: exchange.KindOf(err), Message: err.Error()})
		return
	}

	for _, p := range positions {
		if p.Symbol != symbol || p.IsFlat() {
			continue
		}
		res := s.step(ctx, func(ctx context.Context) contracts.OrderResult { return s.executor.ClosePosition(ctx, symbol) })
		if !res.Success {
			report.Errors = append(report.Errors, StepError{Symbol: symbol, Step: "close_position", Kind: res.ErrorKind, Message: res.Message})
			return
		}
		report.PositionsClosed++
		return
	}
}

func (s *Switch) step(ctx context.Context, fn func(ctx context.Context) contracts.OrderResult) contracts.OrderResult {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return fn(callCtx)
}

// persist keeps the report as a config snapshot, in the cache, and as error rows
func (s *Switch) persist(ctx context.Context, report *ActivationReport) {
	for _, e := range report.Errors {
		if err := s.store.RecordError(ctx, contracts.ErrorRecord{
			Component: Component,
			Kind:      e.Kind,
			Symbol:    e.Symbol,
			Message:   fmt.Sprintf("%s: %s", e.Step, e.Message),
			CreatedAt: report.FinishedAt,
		}); err != nil {
			s.logger.WithError(err).Error("Failed to record unwind error")
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode activation report")
		return
	}
	if err := s.store.SaveConfigSnapshot(ctx, SnapshotKey, report.ActivationID, string(data)); err != nil {
		s.logger.WithError(err).Error("Failed to persist activation report")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, redis.LastActivationKey(), report, redis.TTLReport); err != nil {
			s.logger.WithError(err).Debug("Failed to cache activation report")
		}
	}
}

// Reset clears the halt. It refuses without confirm and never happens implicitly.
func (s *Switch) Reset(ctx context.Context, operator string, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	if operator == "" {
		return fmt.Errorf("reset requires an operator name")
	}

	flag, err := s.store.GetHaltFlag(ctx)
	if err != nil {
		return fmt.Errorf("read halt flag: %w", err)
	}
	if !flag.Halted {
		return nil
	}

	if err := s.store.ClearHaltFlag(ctx, operator, s.now().UTC()); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"operator":      operator,
		"activation_id": flag.ActivationID,
		"reason":        flag.Reason,
	}).Warn("Kill switch reset, trading re-enabled")
	return nil
}

// Status returns the flag and the last activation report
func (s *Switch) Status(ctx context.Context) (*Status, error) {
	flag, err := s.store.GetHaltFlag(ctx)
	if err != nil {
		return nil, fmt.Errorf("read halt flag: %w", err)
	}
	status := &Status{Halted: flag.Halted, Flag: *flag}

	if s.cache != nil {
		var cached ActivationReport
		if ok, err := s.cache.Get(ctx, redis.LastActivationKey(), &cached); err == nil && ok {
			status.LastActivation = &cached
			return status, nil
		}
	}

	snap, err := s.store.GetConfigSnapshot(ctx, SnapshotKey)
	if err != nil {
		// 활성화 이력이 없을 수 있음
		return status, nil
	}
	var last ActivationReport
	if err := json.Unmarshal([]byte(snap.Value), &last); err == nil {
		status.LastActivation = &last
	}
	return status, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
