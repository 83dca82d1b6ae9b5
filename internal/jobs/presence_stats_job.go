// README: Periodic log line with presence hub counters.
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"dispatch/internal/modules/presence"
)

type StatsSource interface {
	Stats() presence.Stats
}

type PresenceStatsJob struct {
	source StatsSource
	cron   *cron.Cron
	logger *slog.Logger
	last   presence.Stats
}

func NewPresenceStatsJob(source StatsSource, logger *slog.Logger) *PresenceStatsJob {
	return &PresenceStatsJob{
		source: source,
		cron:   cron.New(),
		logger: logger.With("component", "presence_stats_job"),
	}
}

func (j *PresenceStatsJob) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.runOnce); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *PresenceStatsJob) Stop() {
	<-j.cron.Stop().Done()
}

// runOnce logs the deltas since the previous run; drops are logged at warn.
func (j *PresenceStatsJob) runOnce() {
	s := j.source.Stats()
	dropped := s.Dropped - j.last.Dropped
	sinkDropped := s.SinkDropped - j.last.SinkDropped
	level := slog.LevelInfo
	if dropped > 0 || sinkDropped > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(context.Background(), level, "presence stats",
		"connections", s.Connections,
		"published", s.Published-j.last.Published,
		"enqueued", s.Enqueued-j.last.Enqueued,
		"dropped", dropped,
		"sink_dropped", sinkDropped)
	j.last = s
}
