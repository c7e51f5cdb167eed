package jobs

import (
	"context"
	"fmt"

	"github.com/wonny/aegis-exec/pkg/logger"
)

// Reloader refreshes instrument rules; *instrument.Catalog implements it
type Reloader interface {
	Reload(ctx context.Context) error
}

// InstrumentReloadJob refreshes the instrument catalog once a day.
// A failed reload keeps the previous rules.
type InstrumentReloadJob struct {
	catalog Reloader
	logger  *logger.Logger
}

// NewInstrumentReloadJob creates a new instrument reload job
func NewInstrumentReloadJob(catalog Reloader, log *logger.Logger) *InstrumentReloadJob {
	return &InstrumentReloadJob{catalog: catalog, logger: log}
}

// Name returns the job name
func (j *InstrumentReloadJob) Name() string {
	return "instrument_reload"
}

// Schedule returns the cron schedule (00:05 UTC daily)
func (j *InstrumentReloadJob) Schedule() string {
	return "0 5 0 * * *"
}

// Run executes the reload
func (j *InstrumentReloadJob) Run(ctx context.Context) error {
	if err := j.catalog.Reload(ctx); err != nil {
		return fmt.Errorf("instrument reload: %w", err)
	}
	j.logger.Info("Instrument catalog reloaded")
	return nil
}
