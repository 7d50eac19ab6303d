// Package scheduler creates runs from cron schedules, event triggers and
// asset auto-materialization policy.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
)

const (
	// DefaultTickInterval is how often due schedules are claimed.
	DefaultTickInterval = 15 * time.Second

	// DefaultClaimLimit bounds how many schedules one tick claims.
	DefaultClaimLimit = 20

	// maxCatchUpWindows caps how many missed occurrences one claim
	// materializes; the rest are picked up on the next tick.
	maxCatchUpWindows = 100
)

// RunLauncher is the orchestrator surface the scheduler needs.
type RunLauncher interface {
	CreateRun(ctx context.Context, def *core.WorkflowDefinition, in orchestrator.CreateRunInput) (*core.WorkflowRun, error)
	StartRun(ctx context.Context, runID string) error
}

// Scheduler claims due cron schedules and materializes one run per missed
// occurrence (or just the latest when catch-up is off).
type Scheduler struct {
	schedules models.ScheduleRepo
	defs      models.DefinitionRepo
	launcher  RunLauncher
	metrics   *metrics.Metrics

	parser     cron.Parser
	interval   time.Duration
	claimLimit int
	clock      func() time.Time
}

type Options struct {
	Schedules models.ScheduleRepo
	Defs      models.DefinitionRepo
	Launcher  RunLauncher
	Metrics   *metrics.Metrics

	TickInterval time.Duration
	ClaimLimit   int
	Clock        func() time.Time
}

func New(opts Options) *Scheduler {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	limit := opts.ClaimLimit
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		schedules:  opts.Schedules,
		defs:       opts.Defs,
		launcher:   opts.Launcher,
		metrics:    opts.Metrics,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:   interval,
		claimLimit: limit,
		clock:      clock,
	}
}

// Run ticks until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.Error(ctx, "Schedule tick failed", "err", err)
			}
		}
	}
}

// Tick claims due schedules, creates their runs under the claim lock and
// starts the created runs once the claim transaction has committed.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock()
	var launches []string
	err := s.schedules.ClaimDue(ctx, now, s.claimLimit, func(ctx context.Context, sched *core.Schedule) (*models.ScheduleAdvance, error) {
		advance, runIDs, err := s.fire(ctx, sched, now)
		if err != nil {
			return nil, err
		}
		launches = append(launches, runIDs...)
		return advance, nil
	})
	for _, runID := range launches {
		if startErr := s.launcher.StartRun(ctx, runID); startErr != nil {
			logger.Error(ctx, "Failed to start scheduled run", "runId", runID, "err", startErr)
		}
	}
	return err
}

// fire materializes the occurrences between the catch-up cursor and now.
func (s *Scheduler) fire(ctx context.Context, sched *core.Schedule, now time.Time) (*models.ScheduleAdvance, []string, error) {
	def, err := s.defs.GetByID(ctx, sched.WorkflowDefID)
	if err != nil {
		return nil, nil, err
	}

	expr := sched.Cron
	if sched.Timezone != "" {
		expr = "CRON_TZ=" + sched.Timezone + " " + expr
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return nil, nil, core.ValidationErr("invalid cron expression %q: %v", sched.Cron, err)
	}

	occurrences := dueOccurrences(schedule, sched, now)
	if !sched.CatchUp && len(occurrences) > 1 {
		// Missed windows are dropped; only the newest fires.
		occurrences = occurrences[len(occurrences)-1:]
	}

	decl := def.PartitionedDeclaration()
	var runIDs []string
	var lastFired *time.Time
	var lastWindow map[string]any

	for _, occurrence := range occurrences {
		key, window, keyErr := occurrenceWindow(decl, occurrence)
		if keyErr != nil {
			return nil, nil, keyErr
		}
		runKey := fmt.Sprintf("schedule-%s-%s", sched.ID, occurrence.Format(time.RFC3339))
		run, createErr := s.launcher.CreateRun(ctx, def, orchestrator.CreateRunInput{
			Parameters:  sched.Parameters,
			TriggeredBy: core.TriggeredBySchedule,
			Trigger: map[string]any{
				"type":       "schedule",
				"scheduleId": sched.ID,
				"occurrence": occurrence.Format(time.RFC3339),
			},
			PartitionKey: key,
			RunKey:       &runKey,
		})
		switch {
		case core.IsKind(createErr, core.KindConflict):
			// A previous claim already materialized this occurrence.
		case createErr != nil:
			if lastFired == nil {
				return nil, nil, createErr
			}
			// Keep what fired so far; the cursor stops at the last success
			// and the failed occurrence is retried next tick.
			logger.Error(ctx, "Failed to create scheduled run", "scheduleId", sched.ID, "err", createErr)
			return s.advance(schedule, sched, *lastFired, lastWindow), runIDs, nil
		default:
			runIDs = append(runIDs, run.ID)
			s.metrics.ScheduleFired()
		}
		fired := occurrence
		lastFired = &fired
		if window != nil {
			lastWindow = window
		}
	}

	if lastFired == nil {
		return &models.ScheduleAdvance{
			NextRunAt:              schedule.Next(now),
			CatchupCursor:          sched.CatchupCursor,
			LastMaterializedWindow: sched.LastMaterializedWindow,
		}, nil, nil
	}
	return s.advance(schedule, sched, *lastFired, lastWindow), runIDs, nil
}

func (s *Scheduler) advance(schedule cron.Schedule, sched *core.Schedule, cursor time.Time, window map[string]any) *models.ScheduleAdvance {
	if window == nil {
		window = sched.LastMaterializedWindow
	}
	return &models.ScheduleAdvance{
		NextRunAt:              schedule.Next(cursor),
		CatchupCursor:          &cursor,
		LastMaterializedWindow: window,
	}
}

// dueOccurrences lists the occurrence times after the cursor up to now.
func dueOccurrences(schedule cron.Schedule, sched *core.Schedule, now time.Time) []time.Time {
	cursor := now.Add(-time.Second)
	if sched.CatchupCursor != nil {
		cursor = *sched.CatchupCursor
	} else if sched.NextRunAt != nil {
		cursor = sched.NextRunAt.Add(-time.Second)
	}
	if sched.StartsAt != nil && cursor.Before(*sched.StartsAt) {
		cursor = sched.StartsAt.Add(-time.Second)
	}

	var out []time.Time
	for t := schedule.Next(cursor); !t.After(now); t = schedule.Next(t) {
		if sched.EndsAt != nil && t.After(*sched.EndsAt) {
			break
		}
		out = append(out, t)
		if len(out) >= maxCatchUpWindows {
			break
		}
	}
	return out
}

// occurrenceWindow derives the partition key and window snapshot for a
// time-window partitioned workflow; other schemes get no key.
func occurrenceWindow(decl *core.AssetDeclaration, occurrence time.Time) (*string, map[string]any, error) {
	if decl == nil || decl.Partitioning == nil || decl.Partitioning.Type != core.PartitioningTimeWindow {
		return nil, nil, nil
	}
	key, err := assets.KeyForTime(decl.Partitioning, occurrence)
	if err != nil {
		return nil, nil, err
	}
	start, end, err := assets.WindowBounds(decl.Partitioning, key)
	if err != nil {
		return nil, nil, err
	}
	return &key, map[string]any{
		"partitionKey": key,
		"from":         start.Format(time.RFC3339),
		"to":           end.Format(time.RFC3339),
	}, nil
}
