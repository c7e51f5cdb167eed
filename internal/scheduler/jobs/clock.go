package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/aegis-exec/internal/scheduler"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// ClockSyncer refreshes the server-time offset; *exchange.Transport implements it
type ClockSyncer interface {
	SyncClock(ctx context.Context) error
}

// ClockSyncJob keeps signed timestamps inside the exchange's receive window
type ClockSyncJob struct {
	syncer   ClockSyncer
	interval time.Duration
	logger   *logger.Logger
}

// NewClockSyncJob creates a new clock sync job
func NewClockSyncJob(syncer ClockSyncer, interval time.Duration, log *logger.Logger) *ClockSyncJob {
	return &ClockSyncJob{
		syncer:   syncer,
		interval: interval,
		logger:   log,
	}
}

// Name returns the job name
func (j *ClockSyncJob) Name() string {
	return "clock_sync"
}

// Schedule returns the cron schedule
func (j *ClockSyncJob) Schedule() string {
	return scheduler.Every(j.interval)
}

// Run executes the clock sync
func (j *ClockSyncJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := j.syncer.SyncClock(ctx); err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}
	return nil
}
