package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Submitter places intents; *execution.Gateway implements it
type Submitter interface {
	Submit(ctx context.Context, intent contracts.OrderIntent) contracts.OrderResult
}

// SymbolConfig is one symbol's worker
type SymbolConfig struct {
	Symbol       string
	Strategy     Strategy
	PollInterval time.Duration
}

// Config holds pool-wide settings
type Config struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
	KeyBucket  time.Duration // DeriveKey bucket for decisions
}

// DefaultConfig returns the default worker settings
func DefaultConfig() Config {
	return Config{
		BackoffMin: time.Second,
		BackoffMax: time.Minute,
		KeyBucket:  time.Second,
	}
}

// SymbolStats counts one worker's activity
type SymbolStats struct {
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy"`
	Polls       int64     `json:"polls"`
	Submitted   int64     `json:"submitted"`
	Failed      int64     `json:"failed"`
	Failures    int       `json:"consecutive_failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastPollAt  time.Time `json:"last_poll_at"`
	BackoffTill time.Time `json:"backoff_till,omitempty"`
}

// Pool runs one poll-decide-act loop per symbol. Workers share the gateway
// and nothing else; a stalled symbol never holds up another.
// ⭐ SSOT: 심볼별 워커 스케줄링은 여기서만
type Pool struct {
	submitter Submitter
	symbols   []SymbolConfig
	cfg       Config
	logger    *logger.Logger

	mu    sync.RWMutex
	stats map[string]*SymbolStats
}

// NewPool creates a worker pool
func NewPool(submitter Submitter, symbols []SymbolConfig, cfg Config, log *logger.Logger) (*Pool, error) {
	def := DefaultConfig()
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.KeyBucket <= 0 {
		cfg.KeyBucket = def.KeyBucket
	}

	stats := make(map[string]*SymbolStats, len(symbols))
	for _, sc := range symbols {
		if sc.Symbol == "" || sc.Strategy == nil {
			return nil, fmt.Errorf("worker needs a symbol and a strategy")
		}
		if sc.PollInterval <= 0 {
			return nil, fmt.Errorf("worker %s: poll interval must be positive", sc.Symbol)
		}
		if _, dup := stats[sc.Symbol]; dup {
			return nil, fmt.Errorf("worker %s configured twice", sc.Symbol)
		}
		stats[sc.Symbol] = &SymbolStats{Symbol: sc.Symbol, Strategy: sc.Strategy.Name()}
	}

	return &Pool{
		submitter: submitter,
		symbols:   symbols,
		cfg:       cfg,
		logger:    log.Component("worker"),
		stats:     stats,
	}, nil
}

// Run starts every worker and blocks until ctx is done
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sc := range p.symbols {
		sc := sc
		g.Go(func() error {
			return p.runSymbol(ctx, sc)
		})
	}
	p.logger.WithField("symbols", len(p.symbols)).Info("Symbol workers started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.logger.Info("Symbol workers stopped")
	return err
}

func (p *Pool) runSymbol(ctx context.Context, sc SymbolConfig) error {
	log := p.logger.WithFields(map[string]interface{}{"symbol": sc.Symbol, "strategy": sc.Strategy.Name()})
	failures := 0

	for {
		wait := sc.PollInterval
		if err := p.Poll(ctx, sc); err != nil {
			failures++
			wait = Backoff(failures, p.cfg.BackoffMin, p.cfg.BackoffMax)
			log.WithError(err).WithField("retry_in", wait.String()).Warn("Worker poll failed")
		} else {
			failures = 0
		}
		p.setFailures(sc.Symbol, failures, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll runs one decide-act step for a symbol. Every decision is submitted
// even when an earlier one fails; the first failure is returned.
func (p *Pool) Poll(ctx context.Context, sc SymbolConfig) error {
	p.update(sc.Symbol, func(s *SymbolStats) {
		s.Polls++
		s.LastPollAt = time.Now().UTC()
	})

	decisions, err := sc.Strategy.Decide(ctx, sc.Symbol)
	if err != nil {
		p.fail(sc.Symbol, err.Error())
		return fmt.Errorf("decide: %w", err)
	}

	var firstErr error
	for _, dec := range decisions {
		if dec.Symbol == "" {
			dec.Symbol = sc.Symbol
		}
		if dec.Strategy == "" {
			dec.Strategy = sc.Strategy.Name()
		}
		if dec.DecidedAt.IsZero() {
			dec.DecidedAt = time.Now().UTC()
		}

		res := p.submitter.Submit(ctx, ToIntent(dec, p.cfg.KeyBucket))
		if res.Success {
			p.update(sc.Symbol, func(s *SymbolStats) { s.Submitted++ })
			continue
		}

		p.fail(sc.Symbol, fmt.Sprintf("%s: %s", res.ErrorKind, res.Message))
		if firstErr == nil {
			firstErr = fmt.Errorf("submit %s: %s: %s", res.IdempotencyKey, res.ErrorKind, res.Message)
		}
	}
	return firstErr
}

// Stats returns a copy of every worker's counters
func (p *Pool) Stats() []SymbolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SymbolStats, 0, len(p.symbols))
	for _, sc := range p.symbols {
		out = append(out, *p.stats[sc.Symbol])
	}
	return out
}

func (p *Pool) update(symbol string, fn func(s *SymbolStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stats[symbol]; ok {
		fn(s)
	}
}

func (p *Pool) fail(symbol, msg string) {
	p.update(symbol, func(s *SymbolStats) {
		s.Failed++
		s.LastError = msg
	})
}

func (p *Pool) setFailures(symbol string, failures int, wait time.Duration) {
	p.update(symbol, func(s *SymbolStats) {
		s.Failures = failures
		if failures > 0 {
			s.BackoffTill = time.Now().UTC().Add(wait)
		} else {
			s.BackoffTill = time.Time{}
		}
	})
}

// Backoff is floor doubled per consecutive failure, capped at ceiling
func Backoff(failures int, floor, ceiling time.Duration) time.Duration {
	d := floor
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
