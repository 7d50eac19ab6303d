// Package analytics periodically aggregates per-workflow run statistics
// and publishes them as snapshot events.
package analytics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
)

const (
	// DefaultInterval between snapshots. A non-positive interval disables
	// the task.
	DefaultInterval = 30 * time.Second

	// DefaultWindow is how far back a snapshot aggregates.
	DefaultWindow = 7 * 24 * time.Hour

	// DefaultBucket is the time-bucket width of a snapshot.
	DefaultBucket = time.Hour
)

// Snapshotter computes periodic per-workflow statistics. Only one snapshot
// runs at a time; a tick that lands while one is in flight is dropped.
type Snapshotter struct {
	analytics models.AnalyticsRepo
	bus       *eventbus.Bus
	metrics   *metrics.Metrics

	interval time.Duration
	window   time.Duration
	bucket   time.Duration
	clock    func() time.Time

	inFlight  atomic.Bool
	suspended atomic.Bool
}

type Options struct {
	Analytics models.AnalyticsRepo
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics

	// Interval <= 0 disables the task entirely.
	Interval time.Duration
	Window   time.Duration
	Bucket   time.Duration
	Clock    func() time.Time
}

func New(opts Options) *Snapshotter {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	bucket := opts.Bucket
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Snapshotter{
		analytics: opts.Analytics,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		window:    window,
		bucket:    bucket,
		clock:     clock,
	}
}

// Suspended reports whether the task stopped itself after a fatal store
// error.
func (s *Snapshotter) Suspended() bool { return s.suspended.Load() }

// Run ticks until the context is done or the task suspends itself.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.interval <= 0 {
		logger.Info(ctx, "Analytics snapshots disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.suspended.Load() {
				return
			}
			if err := s.Snapshot(ctx); err != nil {
				logger.Error(ctx, "Analytics snapshot failed", "err", err)
			}
		}
	}
}

// Snapshot aggregates every workflow once and publishes one event per
// workflow. Transient store errors skip the workflow; a fatal error
// suspends the task until restart.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer s.inFlight.Store(false)

	started := s.clock()
	ids, err := s.analytics.ListDefinitionIDs(ctx)
	if err != nil {
		return s.classify(ctx, err)
	}

	for _, defID := range ids {
		stats, err := s.analytics.WorkflowStats(ctx, defID, s.window, s.bucket)
		if err != nil {
			if classified := s.classify(ctx, err); classified != nil {
				return classified
			}
			logger.Warn(ctx, "Skipping workflow in analytics snapshot", "workflowDefinitionId", defID, "err", err)
			continue
		}
		s.publish(ctx, stats)
	}

	s.metrics.AnalyticsSnapshotTook(s.clock().Sub(started).Seconds())
	return nil
}

// classify suspends the task on fatal store errors and swallows transient
// ones.
func (s *Snapshotter) classify(ctx context.Context, err error) error {
	if core.IsKind(err, core.KindTransient) || core.IsKind(err, core.KindNotFound) {
		return nil
	}
	s.suspended.Store(true)
	logger.Error(ctx, "Analytics task suspended after fatal store error", "err", err)
	return err
}

func (s *Snapshotter) publish(ctx context.Context, stats *models.WorkflowStats) {
	if s.bus == nil {
		return
	}
	event := core.NewEvent(core.EventAnalyticsSnapshot, "workflow-analytics", map[string]any{
		"workflowDefinitionId": stats.WorkflowDefID,
		"stats":                stats,
	})
	event.WithWorkflowMetadata(core.WorkflowEventMetadata{WorkflowDefinitionID: stats.WorkflowDefID})
	s.bus.Publish(ctx, event)
	s.metrics.EventPublished(core.EventAnalyticsSnapshot)
}
