// README: Starts and stops every background job together.
package jobs

import (
	"fmt"
	"log/slog"
	"time"
)

// JobManager coordinates all scheduled jobs in the application.
type JobManager struct {
	dispatchJob *DispatchJob
	statsJob    *PresenceStatsJob
}

// NewJobManager leaves auto-dispatch off when dispatchEvery is zero.
func NewJobManager(sweeper Sweeper, dispatchEvery time.Duration, stats StatsSource, logger *slog.Logger) *JobManager {
	jm := &JobManager{statsJob: NewPresenceStatsJob(stats, logger)}
	if dispatchEvery > 0 {
		jm.dispatchJob = NewDispatchJob(sweeper, dispatchEvery, logger)
	}
	return jm
}

func (jm *JobManager) StartAll() error {
	if err := jm.statsJob.Start(); err != nil {
		return fmt.Errorf("failed to start presence stats job: %w", err)
	}
	if jm.dispatchJob != nil {
		if err := jm.dispatchJob.Start(); err != nil {
			jm.statsJob.Stop()
			return fmt.Errorf("failed to start dispatch job: %w", err)
		}
	}
	return nil
}

func (jm *JobManager) StopAll() {
	if jm.dispatchJob != nil {
		jm.dispatchJob.Stop()
	}
	jm.statsJob.Stop()
}
