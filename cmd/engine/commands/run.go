package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-exec/internal/api"
	"github.com/wonny/aegis-exec/internal/api/handlers"
	"github.com/wonny/aegis-exec/internal/exchange"
	"github.com/wonny/aegis-exec/internal/execution"
	"github.com/wonny/aegis-exec/internal/scheduler"
	"github.com/wonny/aegis-exec/internal/scheduler/jobs"
	"github.com/wonny/aegis-exec/internal/tradingconfig"
	"github.com/wonny/aegis-exec/internal/worker"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "실행 엔진 시작",
	Long: `주문 실행 엔진을 시작합니다.

이 명령어는:
- 시계 동기화 및 상품 스펙 로드 (실패 시 중단)
- 거래소 private 스트림 구독 (체결/주문 반영)
- 심볼별 워커 실행 (결정 → 주문)
- 정합성 복구, 시계 동기화, 상품 재로드 스케줄링
- 운영 API 서버 시작

Endpoints:
  GET  /health
  GET  /api/halt
  POST /api/halt
  POST /api/halt/reset
  POST /api/reconcile
  GET  /api/reconcile/last
  GET  /api/symbols/{symbol}/state
  POST /api/decisions

Example:
  go run ./cmd/engine run
  go run ./cmd/engine run --port 8081`,
	RunE: runEngine,
}

var (
	runPort string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPort, "port", "", "API 서버 포트 (default is $PORT)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Aegis Exec Engine ===")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Bootstrap (clock sync + instrument catalog)
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	if runPort != "" {
		a.cfg.Port = runPort
	}
	log := a.log

	hash, err := tradingconfig.Persist(ctx, a.store, a.trading, a.tradingRaw)
	if err != nil {
		return fmt.Errorf("persist trading config: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"config_id": a.trading.Meta.ConfigID,
		"version":   a.trading.Meta.Version,
		"hash":      hash,
		"symbols":   a.trading.SymbolNames(),
	}).Info("Trading config loaded")

	if status, err := a.killSwitch.Status(ctx); err == nil && status.Halted {
		// 재시작해도 정지 상태 유지: 워커는 돌지만 제출은 모두 거부됨
		log.WithField("reason", status.Flag.Reason).Warn("Engine starts HALTED")
	}

	// 2. Workers
	manual := worker.NewManualStrategy()
	symbols, err := workerSymbols(a.trading, manual)
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(a.gateway, symbols, worker.Config{
		BackoffMin: a.trading.Worker.BackoffMin,
		BackoffMax: a.trading.Worker.BackoffMax,
		KeyBucket:  a.trading.Worker.KeyBucket,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	// 3. Scheduler
	sched := scheduler.New(log).WithRetry(1, 5*time.Second)
	for _, job := range []scheduler.Job{
		jobs.NewReconcileJob(a.reconciler, a.trading.Reconcile.Interval, log),
		jobs.NewClockSyncJob(a.transport, a.trading.Transport.ClockSyncInterval, log),
		jobs.NewInstrumentReloadJob(a.catalog, log),
	} {
		if err := sched.AddJob(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name(), err)
		}
	}

	// 4. API server
	router := api.NewRouter(api.Handlers{
		Halt:      handlers.NewHaltHandler(a.killSwitch, log),
		Reconcile: handlers.NewReconcileHandler(a.reconciler, log),
		Symbols:   handlers.NewSymbolHandler(a.store, a.catalog, log),
		Decisions: handlers.NewDecisionHandler(manual, a.trading.SymbolNames(), log),
	}, log)
	server := api.New(a.cfg, log, router)

	// 5. Stream + monitor
	stream := exchange.NewStream(a.cfg.Exchange.WSURL, a.transport.Signer(), a.transport.Clock(), log)
	stream.OnError(func(err error) {
		log.WithError(err).Warn("Private stream error")
	})
	monitor := execution.NewMonitor(a.gateway, a.store, a.locks, log)
	monitor.Attach(ctx, stream)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	sched.Start()
	defer sched.Stop()

	// 시작 직후 1회 정합성 복구 (재시작 중 놓친 체결 반영)
	if report, err := a.reconciler.RunOnce(ctx); err != nil {
		log.WithError(err).Warn("Startup reconciliation failed")
	} else {
		log.WithFields(map[string]interface{}{
			"corrections": len(report.Corrections),
			"errors":      len(report.Errors),
		}).Info("Startup reconciliation complete")
	}

	log.Info("Engine started successfully")
	fmt.Printf("\n✅ Engine running, API on http://localhost:%s\n", a.cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	err = g.Wait()

	stats := monitor.Stats()
	log.WithFields(map[string]interface{}{
		"executions": stats.Executions,
		"updates":    stats.Updates,
		"skipped":    stats.Skipped,
	}).Info("Engine stopped")

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine failed: %w", err)
	}
	return nil
}

// workerSymbols resolves each configured symbol's strategy
func workerSymbols(cfg *tradingconfig.Config, manual *worker.ManualStrategy) ([]worker.SymbolConfig, error) {
	out := make([]worker.SymbolConfig, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		var strategy worker.Strategy
		switch s.Strategy {
		case worker.ManualStrategyName:
			strategy = manual
		default:
			return nil, fmt.Errorf("symbol %s: unknown strategy %q", s.Symbol, s.Strategy)
		}
		out = append(out, worker.SymbolConfig{
			Symbol:       s.Symbol,
			Strategy:     strategy,
			PollInterval: s.PollInterval,
		})
	}
	return out, nil
}
