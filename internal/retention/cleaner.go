// Package retention removes history older than the configured retention.
package retention

import (
	"context"
	"log/slog"
	"time"

	"podmon-k8s/internal/history"
	"podmon-k8s/internal/settings"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
)

// DefaultSchedule runs cleanup once a day at midnight UTC.
const DefaultSchedule = "0 0 * * *"

// Pruner deletes history older than a cutoff.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (history.PruneStats, error)
}

// SettingsSource supplies the retention period.
type SettingsSource interface {
	Current() settings.Settings
}

// Recorder receives prune counts.
type Recorder interface {
	ObservePrune(events, snapshots, dispatches int64)
}

// Result describes one cleanup run.
type Result struct {
	Cutoff time.Time          `json:"cutoff"`
	Pruned history.PruneStats `json:"pruned"`
}

// Cleaner applies the retention policy.
type Cleaner struct {
	store    Pruner
	settings SettingsSource
	clock    clock.PassiveClock
	logger   *slog.Logger
	recorder Recorder
	timeout  time.Duration
}

// NewCleaner returns a Cleaner. clk and recorder may be nil.
func NewCleaner(store Pruner, src SettingsSource, clk clock.PassiveClock, recorder Recorder, logger *slog.Logger) *Cleaner {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:    store,
		settings: src,
		clock:    clk,
		logger:   logger,
		recorder: recorder,
		timeout:  5 * time.Minute,
	}
}

// Prune deletes everything older than now minus the retention period.
func (c *Cleaner) Prune(ctx context.Context) (Result, error) {
	cutoff := c.clock.Now().UTC().Add(-c.settings.Current().Monitoring.Retention())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stats, err := c.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return Result{}, errors.Wrap(err, "prune history")
	}
	if c.recorder != nil {
		c.recorder.ObservePrune(stats.Events, stats.Snapshots, stats.Dispatches)
	}
	c.logger.Info("history pruned",
		slog.Time("cutoff", cutoff),
		slog.Int64("events", stats.Events),
		slog.Int64("snapshots", stats.Snapshots),
		slog.Int64("dispatches", stats.Dispatches),
	)
	return Result{Cutoff: cutoff, Pruned: stats}, nil
}

// Start schedules Prune with a standard five-field cron expression evaluated
// in UTC. The schedule stops when ctx ends.
func (c *Cleaner) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(schedule, func() {
		if _, err := c.Prune(ctx); err != nil {
			c.logger.Warn("scheduled cleanup failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return errors.Wrapf(err, "invalid cleanup schedule %q", schedule)
	}
	scheduler.Start()
	c.logger.Info("cleanup scheduled", slog.String("schedule", schedule))

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
	return nil
}
