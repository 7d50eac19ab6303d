package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/dag"
	"github.com/apphub/apphub/internal/executor"
	"github.com/apphub/apphub/internal/orchestrator"
	"github.com/apphub/apphub/internal/store/memory"
)

type testEnv struct {
	store    *memory.Store
	handlers *executor.Registry
	ledger   *assets.Ledger
	orc      *orchestrator.Orchestrator
	now      time.Time
	mu       sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.New(),
		handlers: executor.NewRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	env.store.SetClock(clock)
	env.ledger = assets.NewLedger(env.store.Assets(), env.store.Audit())

	exec := executor.New(executor.Options{
		Handlers: env.handlers,
		Ledger:   env.ledger,
		JobRuns:  env.store.JobRuns(),
		Steps:    env.store.RunSteps(),
		Clock:    clock,
	})
	env.orc = orchestrator.New(orchestrator.Options{
		Owner:       "scheduler-test",
		Definitions: env.store.Definitions(),
		Runs:        env.store.Runs(),
		Steps:       env.store.RunSteps(),
		History:     env.store.History(),
		Executor:    exec,
		Clock:       clock,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	})
	return env
}

func (env *testEnv) clock() func() time.Time {
	return func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
}

func (env *testEnv) advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
}

func (env *testEnv) createDefinition(t *testing.T, steps []core.Step) *core.WorkflowDefinition {
	t.Helper()
	normalized, meta, err := dag.ValidateAndCompile(steps)
	require.NoError(t, err)
	def := &core.WorkflowDefinition{
		ID:      uuid.NewString(),
		Slug:    "report-pipeline",
		Name:    "Report Pipeline",
		Version: 1,
		Steps:   normalized,
		Dag:     meta,
	}
	require.NoError(t, env.store.Definitions().Create(context.Background(), def))
	return def
}

func (env *testEnv) runsFor(t *testing.T, defID string) []*core.WorkflowRun {
	t.Helper()
	runs, err := env.store.Runs().ListByDefinition(context.Background(), defID, 50)
	require.NoError(t, err)
	return runs
}

func partitionedBuildStep(assetID string) core.Step {
	return core.Step{
		ID:      "build",
		Type:    core.StepTypeJob,
		JobSlug: "job-build",
		Produces: []core.AssetDeclaration{{
			AssetID: assetID,
			Partitioning: &core.Partitioning{
				Type:        core.PartitioningTimeWindow,
				Granularity: core.GranularityHour,
				Format:      assets.FormatMinute,
			},
		}},
	}
}

func TestCatchUpMaterializesEveryMissedWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{partitionedBuildStep("reports.window")})

	cursor := env.now.Add(-time.Hour)
	nextRun := env.now.Add(-45 * time.Minute)
	sched := &core.Schedule{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		Cron:          "*/15 * * * *",
		CatchUp:       true,
		NextRunAt:     &nextRun,
		CatchupCursor: &cursor,
	}
	require.NoError(t, env.store.Schedules().Create(ctx, sched))

	s := New(Options{
		Schedules: env.store.Schedules(),
		Defs:      env.store.Definitions(),
		Launcher:  env.orc,
		Clock:     env.clock(),
	})
	require.NoError(t, s.Tick(ctx))

	runs := env.runsFor(t, def.ID)
	require.Len(t, runs, 4)
	var keys []string
	for _, run := range runs {
		assert.Equal(t, core.TriggeredBySchedule, run.TriggeredBy)
		assert.Equal(t, core.RunSucceeded, run.Status)
		require.NotNil(t, run.PartitionKey)
		keys = append(keys, *run.PartitionKey)
	}
	assert.ElementsMatch(t, []string{
		"2026-03-01T11:15",
		"2026-03-01T11:30",
		"2026-03-01T11:45",
		"2026-03-01T12:00",
	}, keys)

	updated, err := env.store.Schedules().Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, env.now.Add(15*time.Minute), updated.NextRunAt.UTC())
	require.NotNil(t, updated.CatchupCursor)
	assert.Equal(t, env.now, updated.CatchupCursor.UTC())
	assert.Equal(t, "2026-03-01T12:00", updated.LastMaterializedWindow["partitionKey"])
}

func TestWithoutCatchUpOnlyNewestWindowFires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{partitionedBuildStep("reports.window")})

	cursor := env.now.Add(-time.Hour)
	nextRun := env.now.Add(-45 * time.Minute)
	require.NoError(t, env.store.Schedules().Create(ctx, &core.Schedule{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		Cron:          "*/15 * * * *",
		CatchUp:       false,
		NextRunAt:     &nextRun,
		CatchupCursor: &cursor,
	}))

	s := New(Options{
		Schedules: env.store.Schedules(),
		Defs:      env.store.Definitions(),
		Launcher:  env.orc,
		Clock:     env.clock(),
	})
	require.NoError(t, s.Tick(ctx))

	runs := env.runsFor(t, def.ID)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].PartitionKey)
	assert.Equal(t, "2026-03-01T12:00", *runs[0].PartitionKey)
}

func TestTickIsIdempotentAcrossRepeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{partitionedBuildStep("reports.window")})

	nextRun := env.now
	require.NoError(t, env.store.Schedules().Create(ctx, &core.Schedule{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		Cron:          "*/15 * * * *",
		CatchUp:       true,
		NextRunAt:     &nextRun,
	}))

	s := New(Options{
		Schedules: env.store.Schedules(),
		Defs:      env.store.Definitions(),
		Launcher:  env.orc,
		Clock:     env.clock(),
	})
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))

	assert.Len(t, env.runsFor(t, def.ID), 1)
}

func newDispatcher(env *testEnv) *TriggerDispatcher {
	return NewTriggerDispatcher(TriggerOptions{
		Triggers: env.store.Triggers(),
		Defs:     env.store.Definitions(),
		Launcher: env.orc,
		Clock:    env.clock(),
		Start: func(ctx context.Context, runID string) {
			_ = env.orc.StartRun(ctx, runID)
		},
	})
}

func TestTriggerLaunchesRunWhenPredicateMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-handle", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{{ID: "handle", Type: core.StepTypeJob, JobSlug: "job-handle"}})

	require.NoError(t, env.store.Triggers().Create(ctx, &core.EventTrigger{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		EventType:     "order.created",
		Predicate:     ".payload.amount > 100",
	}))

	d := newDispatcher(env)
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", map[string]any{"amount": 250}))

	runs := env.runsFor(t, def.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, core.TriggeredByEvent, runs[0].TriggeredBy)
	assert.Equal(t, core.RunSucceeded, runs[0].Status)

	deliveries := env.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, core.DeliveryLaunched, deliveries[0].Status)
	require.NotNil(t, deliveries[0].RunID)
	assert.Equal(t, runs[0].ID, *deliveries[0].RunID)

	// A non-matching event produces neither a run nor a delivery row.
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", map[string]any{"amount": 50}))
	assert.Len(t, env.runsFor(t, def.ID), 1)
	assert.Len(t, env.store.Deliveries(), 1)
}

func TestTriggerThrottlesWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-handle", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{{ID: "handle", Type: core.StepTypeJob, JobSlug: "job-handle"}})

	require.NoError(t, env.store.Triggers().Create(ctx, &core.EventTrigger{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		EventType:     "order.created",
		ThrottleMs:    60_000,
	}))

	d := newDispatcher(env)
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))
	env.advance(10 * time.Second)
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))
	env.advance(2 * time.Minute)
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))

	assert.Len(t, env.runsFor(t, def.ID), 2)
	var statuses []core.DeliveryStatus
	for _, delivery := range env.store.Deliveries() {
		statuses = append(statuses, delivery.Status)
	}
	assert.ElementsMatch(t, []core.DeliveryStatus{
		core.DeliveryLaunched, core.DeliveryThrottled, core.DeliveryLaunched,
	}, statuses)
}

func TestTriggerPausesAfterConsecutiveFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Partitioned workflow: an event with no partition key fails run
	// creation every time.
	def := env.createDefinition(t, []core.Step{partitionedBuildStep("reports.window")})

	require.NoError(t, env.store.Triggers().Create(ctx, &core.EventTrigger{
		ID:               uuid.NewString(),
		WorkflowDefID:    def.ID,
		EventType:        "order.created",
		FailureThreshold: 2,
	}))

	d := newDispatcher(env)
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))

	triggers, err := env.store.Triggers().ListMatching(ctx, "order.created", "shop")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.True(t, triggers[0].Paused)
	assert.Equal(t, 2, triggers[0].ConsecutiveFailures)

	// Further events are skipped while paused.
	d.HandleEvent(ctx, core.NewEvent("order.created", "shop", nil))
	statuses := map[core.DeliveryStatus]int{}
	for _, delivery := range env.store.Deliveries() {
		statuses[delivery.Status]++
	}
	assert.Equal(t, 2, statuses[core.DeliveryFailed])
	assert.Equal(t, 1, statuses[core.DeliverySkipped])
	assert.Empty(t, env.runsFor(t, def.ID))
}

func TestAutoMaterializeRunsMissingAssetOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		sc.ProduceAsset("metrics.summary", nil, map[string]any{"rows": 12})
		return map[string]any{}, nil
	})
	def := env.createDefinition(t, []core.Step{{
		ID:      "build",
		Type:    core.StepTypeJob,
		JobSlug: "job-build",
		Produces: []core.AssetDeclaration{{
			AssetID:         "metrics.summary",
			AutoMaterialize: &core.AutoMaterializePolicy{Enabled: true},
		}},
	}})

	a := NewAutoMaterializer(AutoOptions{
		Defs:     env.store.Definitions(),
		Runs:     env.store.Runs(),
		AutoRuns: env.store.AutoRuns(),
		Ledger:   env.ledger,
		Launcher: env.orc,
		Clock:    env.clock(),
	})

	require.NoError(t, a.Tick(ctx))
	runs := env.runsFor(t, def.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, core.TriggeredByAuto, runs[0].TriggeredBy)
	assert.Equal(t, core.RunSucceeded, runs[0].Status)

	claim, err := env.store.AutoRuns().Get(ctx, def.ID, "metrics.summary", nil)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, claim.RunID)

	// The asset is fresh now; a second tick creates nothing.
	require.NoError(t, a.Tick(ctx))
	assert.Len(t, env.runsFor(t, def.ID), 1)
}

func TestAutoMaterializeBacksOffAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return nil, assert.AnError
	})
	def := env.createDefinition(t, []core.Step{{
		ID:      "build",
		Type:    core.StepTypeJob,
		JobSlug: "job-build",
		Produces: []core.AssetDeclaration{{
			AssetID:         "metrics.summary",
			AutoMaterialize: &core.AutoMaterializePolicy{Enabled: true, CooldownMs: 300_000},
		}},
	}})

	a := NewAutoMaterializer(AutoOptions{
		Defs:     env.store.Definitions(),
		Runs:     env.store.Runs(),
		AutoRuns: env.store.AutoRuns(),
		Ledger:   env.ledger,
		Launcher: env.orc,
		Clock:    env.clock(),
	})

	require.NoError(t, a.Tick(ctx))
	require.Len(t, env.runsFor(t, def.ID), 1)

	claim, err := env.store.AutoRuns().Get(ctx, def.ID, "metrics.summary", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, claim.Failures)
	require.NotNil(t, claim.NextEligibleAt)
	assert.Equal(t, env.now.Add(5*time.Minute), claim.NextEligibleAt.UTC())

	// Within the cooldown nothing new is enqueued.
	require.NoError(t, a.Tick(ctx))
	assert.Len(t, env.runsFor(t, def.ID), 1)

	env.advance(6 * time.Minute)
	require.NoError(t, a.Tick(ctx))
	assert.Len(t, env.runsFor(t, def.ID), 2)
}
