// README: Periodic auto-dispatch of pending orders.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"dispatch/internal/modules/matching"
)

type Sweeper interface {
	DispatchPending(ctx context.Context) (matching.SweepReport, error)
}

// DispatchJob runs a matching sweep on a fixed interval. A sweep still running
// when the next tick fires makes that tick a no-op.
type DispatchJob struct {
	sweeper  Sweeper
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDispatchJob(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *DispatchJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &DispatchJob{
		sweeper:  sweeper,
		interval: interval,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger.With("component", "dispatch_job"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (j *DispatchJob) Start() error {
	if j.interval <= 0 {
		return fmt.Errorf("dispatch interval must be positive, got %s", j.interval)
	}
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.interval), j.runOnce); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("dispatch job started", "interval", j.interval.String())
	return nil
}

// Stop waits for a running sweep to finish.
func (j *DispatchJob) Stop() {
	j.cancel()
	<-j.cron.Stop().Done()
	j.logger.Info("dispatch job stopped")
}

func (j *DispatchJob) runOnce() {
	start := time.Now()
	report, err := j.sweeper.DispatchPending(j.ctx)
	if err != nil {
		if j.ctx.Err() == nil {
			j.logger.Error("dispatch sweep failed", "error", err)
		}
		return
	}
	if report.Considered == 0 {
		return
	}
	j.logger.Info("dispatch sweep finished",
		"considered", report.Considered,
		"assigned", report.Assigned,
		"no_agent", report.NoAgent,
		"conflicts", report.Conflicts,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds())
}
