package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/wonny/aegis-exec/internal/reconcile"
	"github.com/wonny/aegis-exec/internal/scheduler"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Reconciler runs one reconciliation cycle; *reconcile.Service implements it
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Report, error)
}

// ReconcileJob runs reconciliation independent of trading cadence
// ⭐ SSOT: 정합성 복구 스케줄은 이 Job에서만
type ReconcileJob struct {
	reconciler Reconciler
	interval   time.Duration
	logger     *logger.Logger
}

// NewReconcileJob creates a new reconciliation job
func NewReconcileJob(r Reconciler, interval time.Duration, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{
		reconciler: r,
		interval:   interval,
		logger:     log,
	}
}

// Name returns the job name
func (j *ReconcileJob) Name() string {
	return "reconciliation"
}

// Schedule returns the cron schedule
func (j *ReconcileJob) Schedule() string {
	return scheduler.Every(j.interval)
}

// Run executes one cycle. Per-symbol errors live in the report; only a
// failed cycle is returned for retry.
func (j *ReconcileJob) Run(ctx context.Context) error {
	report, err := j.reconciler.RunOnce(ctx)
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		// API 트리거와 겹친 경우
		return nil
	}
	if err != nil {
		return err
	}

	if len(report.Corrections) > 0 {
		j.logger.WithFields(map[string]interface{}{
			"run_id":      report.RunID,
			"corrections": len(report.Corrections),
		}).Info("Scheduled reconciliation corrected drift")
	}
	return nil
}
