package commands

import (
	"context"
	"fmt"

	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/execution"
	"github.com/wonny/aegis-exec/internal/instrument"
	"github.com/wonny/aegis-exec/internal/killswitch"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/internal/reconcile"
	"github.com/wonny/aegis-exec/internal/tradingconfig"
	"github.com/wonny/aegis-exec/pkg/config"
	"github.com/wonny/aegis-exec/pkg/httputil"
	"github.com/wonny/aegis-exec/pkg/logger"
	"github.com/wonny/aegis-exec/pkg/redis"
	"github.com/wonny/aegis-exec/pkg/symlock"
)

// app wires every component from configuration
type app struct {
	cfg        *config.Config
	trading    *tradingconfig.Config
	tradingRaw []byte
	log        *logger.Logger

	store     ledger.Store
	redis     *redis.Client
	cache     *redis.Cache
	transport *exchange.Transport
	client    *exchange.Client
	catalog   *instrument.Catalog
	locks     *symlock.Locks

	guard      *killswitch.Guard
	gateway    *execution.Gateway
	killSwitch *killswitch.Switch
	reconciler *reconcile.Service
}

// newApp loads configuration and builds the component graph.
// With online set it also syncs the clock and loads the instrument
// catalog, aborting on failure.
func newApp(ctx context.Context, online bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logger.New(cfg)

	path := cfg.TradingConfigPath
	if tradingConfigFile != "" {
		path = tradingConfigFile
	}
	trading, raw, err := tradingconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load trading config %s: %w", path, err)
	}
	for _, w := range tradingconfig.Warn(trading) {
		log.WithField("code", w.Code).Warn(w.Message)
	}

	a := &app{cfg: cfg, trading: trading, tradingRaw: raw, log: log, locks: symlock.New()}

	if a.store, err = ledger.Open(cfg, log); err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	if a.redis, err = redis.New(cfg); err != nil {
		// Redis는 선택 사항: 캐시/공유 리밋 없이 계속
		log.WithError(err).Warn("Redis unavailable, continuing without cache")
		a.redis = nil
	}

	httpClient := httputil.New(log, trading.Transport.Timeout)
	if a.redis != nil && a.redis.Enabled() {
		a.cache = redis.NewCache(a.redis, "aegis-exec")
		limit := redis.ExchangeRateLimit
		if rps := int(trading.Transport.RequestsPerSecond); rps > 0 {
			limit.Limit = rps
		}
		httpClient.WithRateLimiter(redis.NewRateLimiter(a.redis, "aegis-exec"), limit)
	}

	a.transport = exchange.NewTransport(exchange.TransportConfig{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		RecvWindow: cfg.Exchange.RecvWindow,
		Retry: httputil.RetryConfig{
			MaxRetries:   trading.Transport.MaxRetries,
			InitialDelay: trading.Transport.BackoffMin,
			MaxDelay:     trading.Transport.BackoffMax,
		},
		RequestsPerSecond: trading.Transport.RequestsPerSecond,
		Burst:             trading.Transport.Burst,
		OrdersPerSecond:   trading.Transport.OrdersPerSecond,
	}, httpClient, log)
	a.client = exchange.NewClient(a.transport, cfg.Exchange.Category, log).WithSettleCoin(cfg.Exchange.SettleCoin)

	a.catalog = instrument.NewCatalog(a.client, trading.SymbolNames(), a.store, log)
	normalizer := instrument.NewNormalizer(a.catalog, instrument.RoundDirectional)
	for _, s := range trading.Symbols {
		normalizer.SetMode(s.Symbol, instrument.RoundingMode(s.Rounding))
	}

	a.guard = killswitch.NewGuard(a.store)
	a.gateway = execution.NewGateway(a.client, a.store, normalizer, a.guard, a.locks, execution.Config{
		CallTimeout: trading.Execution.CallTimeout,
		CloseBucket: trading.Execution.CloseBucket,
	}, log)
	a.killSwitch = killswitch.New(a.store, a.gateway, a.client, a.reportCache(), killswitch.Config{
		Symbols:        trading.SymbolNames(),
		ClosePositions: trading.KillSwitch.ClosePositions,
		StepTimeout:    trading.KillSwitch.StepTimeout,
	}, log)
	a.reconciler = reconcile.New(a.client, a.store, a.gateway, a.locks, a.reconcileCache(), reconcile.Config{
		Symbols:     trading.SymbolNames(),
		GracePeriod: trading.Reconcile.GracePeriod,
		CallTimeout: trading.Reconcile.CallTimeout,
	}, log)

	if online {
		if err := a.transport.SyncClock(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("initial clock sync: %w", err)
		}
		if err := a.catalog.Load(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("load instruments: %w", err)
		}
	}

	return a, nil
}

// reportCache avoids handing a typed nil to an interface
func (a *app) reportCache() killswitch.ReportCache {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

func (a *app) reconcileCache() reconcile.ReportCache {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close ledger")
		}
	}
}
