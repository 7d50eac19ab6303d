package orchestrator

import (
	"context"
	"errors"
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
	"github.com/apphub/apphub/internal/store/memory"
)

type testEnv struct {
	store    *memory.Store
	handlers *executor.Registry
	orc      *Orchestrator
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

	exec := executor.New(executor.Options{
		Handlers: env.handlers,
		Ledger:   assets.NewLedger(env.store.Assets(), env.store.Audit()),
		JobRuns:  env.store.JobRuns(),
		Steps:    env.store.RunSteps(),
		Clock:    clock,
	})
	env.orc = New(Options{
		Owner:       "test-owner",
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
		Slug:    "order-pipeline",
		Name:    "Order Pipeline",
		Version: 1,
		Steps:   normalized,
		Dag:     meta,
	}
	require.NoError(t, env.store.Definitions().Create(context.Background(), def))
	return def
}

func (env *testEnv) stepRows(t *testing.T, runID string) map[string]*core.WorkflowRunStep {
	t.Helper()
	rows, err := env.store.RunSteps().ListByRun(context.Background(), runID)
	require.NoError(t, err)
	byID := map[string]*core.WorkflowRunStep{}
	for _, row := range rows {
		byID[row.StepID] = row
	}
	return byID
}

func (env *testEnv) historyTypes(t *testing.T, runID string) []core.HistoryEventType {
	t.Helper()
	rows, err := env.store.History().ListByRun(context.Background(), runID)
	require.NoError(t, err)
	types := make([]core.HistoryEventType, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func jobStep(id string, deps ...string) core.Step {
	return core.Step{ID: id, Type: core.StepTypeJob, JobSlug: "job-" + id, DependsOn: deps}
}

func TestLinearRunSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	for _, id := range []string{"extract", "transform", "load"} {
		id := id
		env.handlers.Register("job-"+id, func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return map[string]any{"step": id}, nil
		})
	}

	def := env.createDefinition(t, []core.Step{
		jobStep("extract"),
		jobStep("transform", "extract"),
		jobStep("load", "transform"),
	})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{Parameters: map[string]any{"tenant": "acme"}})
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, run.Status)

	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.Status)
	assert.Equal(t, map[string]any{"step": "load"}, final.Output)
	assert.Nil(t, final.CurrentStepID)
	require.NotNil(t, final.DurationMs)

	assert.Equal(t, []string{"extract", "transform", "load"}, order)
	for id, row := range env.stepRows(t, run.ID) {
		assert.Equal(t, core.StepSucceeded, row.Status, id)
		assert.Equal(t, 1, row.Attempt, id)
		require.NotNil(t, row.JobRunID, id)
	}

	types := env.historyTypes(t, run.ID)
	assert.Contains(t, types, core.HistoryRunCreated)
	assert.Contains(t, types, core.HistoryRunStarted)
	assert.Contains(t, types, core.HistoryStepStarted)
	assert.Contains(t, types, core.HistoryStepCompleted)
	assert.Equal(t, core.HistoryRunCompleted, types[len(types)-1])
}

func TestFanOutClipsToMaxItemsAndOrdersResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.Register("job-resize", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{"resized": sc.Parameters["item"]}, nil
	})

	template := jobStep("resize")
	def := env.createDefinition(t, []core.Step{{
		ID:   "scatter",
		Type: core.StepTypeFanOut,
		FanOut: &core.FanOutSpec{
			Collection:     []any{"a.png", "b.png", "c.png"},
			MaxItems:       2,
			MaxConcurrency: 1,
			StoreResultsAs: "images",
			Template:       &template,
		},
	}})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)
	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.Status)
	assert.Equal(t, map[string]any{"images": []any{
		map[string]any{"resized": "a.png"},
		map[string]any{"resized": "b.png"},
	}}, final.Output)

	rows := env.stepRows(t, run.ID)
	require.Len(t, rows, 3) // parent plus two children after the clip
	parent := rows["scatter"]
	require.NotNil(t, parent)
	assert.Equal(t, core.StepSucceeded, parent.Status)
	for i, id := range []string{"scatter[0]", "scatter[1]"} {
		child := rows[id]
		require.NotNil(t, child, id)
		assert.Equal(t, core.StepSucceeded, child.Status)
		require.NotNil(t, child.FanoutIndex)
		assert.Equal(t, i, *child.FanoutIndex)
		require.NotNil(t, child.TemplateStepID)
		assert.Equal(t, "resize", *child.TemplateStepID)
	}

	assert.Contains(t, env.historyTypes(t, run.ID), core.HistoryFanoutExpanded)
}

func TestRetryableFailureConsumesRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var tokens []string
	var calls int
	var mu sync.Mutex
	env.handlers.Register("job-fetch", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		tokens = append(tokens, sc.AttemptToken)
		if calls == 1 {
			return nil, core.TransientErr(errors.New("connection reset"), "upstream flaked")
		}
		return map[string]any{"rows": 10}, nil
	})

	step := jobStep("fetch")
	step.Retry = &core.RetrySpec{MaxAttempts: 3, Strategy: "fixed", InitialDelayMs: 10}
	def := env.createDefinition(t, []core.Step{step})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)
	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.Status)

	row := env.stepRows(t, run.ID)["fetch"]
	require.NotNil(t, row)
	assert.Equal(t, core.StepSucceeded, row.Status)
	assert.Equal(t, 2, row.Attempt)
	assert.Equal(t, 1, row.RetryCount)
	assert.Nil(t, row.FailureReason)
	assert.Nil(t, row.ErrorMessage)

	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])

	var retrying int
	for _, eventType := range env.historyTypes(t, run.ID) {
		if eventType == core.HistoryStepRetrying {
			retrying++
		}
	}
	assert.Equal(t, 1, retrying)
}

func TestExhaustedRetriesFailTheRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.Register("job-fetch", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return nil, core.TransientErr(errors.New("connection reset"), "upstream flaked")
	})
	env.handlers.Register("job-report", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})

	fetch := jobStep("fetch")
	fetch.Retry = &core.RetrySpec{MaxAttempts: 2, Strategy: "fixed", InitialDelayMs: 10}
	def := env.createDefinition(t, []core.Step{fetch, jobStep("report", "fetch")})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)
	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)

	rows := env.stepRows(t, run.ID)
	fetchRow := rows["fetch"]
	assert.Equal(t, core.StepFailed, fetchRow.Status)
	assert.Equal(t, 2, fetchRow.Attempt)
	require.NotNil(t, fetchRow.FailureReason)
	assert.Equal(t, core.FailureUpstreamUnavailable, *fetchRow.FailureReason)
	assert.Equal(t, core.StepPending, rows["report"].Status)
}

func TestNonRetryableHandlerErrorFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var calls int
	env.handlers.Register("job-fetch", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		calls++
		return nil, errors.New("bad payload shape")
	})

	step := jobStep("fetch")
	step.Retry = &core.RetrySpec{MaxAttempts: 3}
	def := env.createDefinition(t, []core.Step{step})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)
	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	assert.Equal(t, 1, calls)
	row := env.stepRows(t, run.ID)["fetch"]
	require.NotNil(t, row.FailureReason)
	assert.Equal(t, core.FailureHandlerError, *row.FailureReason)
}

func TestRunKeyConflictSurfacesExistingRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.Register("job-extract", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return nil, nil
	})
	def := env.createDefinition(t, []core.Step{jobStep("extract")})

	key1 := "Order 42"
	first, err := env.orc.CreateRun(ctx, def, CreateRunInput{RunKey: &key1})
	require.NoError(t, err)

	// Different surface form, same normalized key.
	key2 := "  order   42 "
	_, err = env.orc.CreateRun(ctx, def, CreateRunInput{RunKey: &key2})
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindConflict))

	var engineErr *core.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, first.ID, engineErr.Detail["existingRunId"])

	// Once the first run is terminal the key is reusable.
	require.NoError(t, env.orc.StartRun(ctx, first.ID))
	_, err = env.orc.CreateRun(ctx, def, CreateRunInput{RunKey: &key2})
	require.NoError(t, err)
}

func TestSkipPropagatesUntilNonSkippedDependency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"seed", "enrich", "other", "join"} {
		env.handlers.Register("job-"+id, func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
			return map[string]any{}, nil
		})
	}

	def := env.createDefinition(t, []core.Step{
		jobStep("seed"),
		jobStep("other"),
		jobStep("enrich", "seed"),
		jobStep("join", "enrich", "other"),
	})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)

	// Operator skips the root before the run starts; the skip cascades to
	// enrich but join still runs because other succeeded.
	rows := env.stepRows(t, run.ID)
	require.NoError(t, env.store.RunSteps().MarkSkipped(ctx, rows["seed"].ID, &core.ExecutionHistory{
		RunID:     run.ID,
		EventType: core.HistoryStepSkipped,
	}))

	require.NoError(t, env.orc.StartRun(ctx, run.ID))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.Status)

	rows = env.stepRows(t, run.ID)
	assert.Equal(t, core.StepSkipped, rows["seed"].Status)
	assert.Equal(t, core.StepSkipped, rows["enrich"].Status)
	assert.Equal(t, core.StepSucceeded, rows["other"].Status)
	assert.Equal(t, core.StepSucceeded, rows["join"].Status)
}

func TestCancelStopsDispatchAndSignalsHandlers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	started := make(chan struct{})
	env.handlers.Register("job-extract", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env.handlers.Register("job-load", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := env.createDefinition(t, []core.Step{jobStep("extract"), jobStep("load", "extract")})
	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.orc.StartRun(ctx, run.ID)
	}()

	<-started
	require.NoError(t, env.orc.CancelRun(ctx, run.ID, "operator requested"))
	<-done

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCanceled, final.Status)

	rows := env.stepRows(t, run.ID)
	require.NotNil(t, rows["extract"].FailureReason)
	assert.Equal(t, core.FailureCanceled, *rows["extract"].FailureReason)
	assert.Equal(t, core.StepPending, rows["load"].Status)
}

func TestRecoverStaleRetriesHeartbeatLostSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.handlers.Register("job-fetch", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	})

	step := jobStep("fetch")
	step.Retry = &core.RetrySpec{MaxAttempts: 2}
	def := env.createDefinition(t, []core.Step{step})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)

	// A now-dead orchestrator claimed the run and started the step, then
	// stopped heartbeating.
	_, err = env.store.Runs().Claim(ctx, run.ID, "dead-node")
	require.NoError(t, err)
	rows := env.stepRows(t, run.ID)
	require.NoError(t, env.store.RunSteps().MarkRunning(ctx, rows["fetch"].ID, 1, env.now))

	env.advance(3 * time.Minute)
	require.NoError(t, env.orc.RecoverStale(ctx))

	final, err := env.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, final.Status)
	require.NotNil(t, final.ClaimOwner)
	assert.Equal(t, "test-owner", *final.ClaimOwner)

	row := env.stepRows(t, run.ID)["fetch"]
	assert.Equal(t, core.StepSucceeded, row.Status)
	assert.Equal(t, 2, row.Attempt)
	assert.Equal(t, 1, row.RetryCount)

	types := env.historyTypes(t, run.ID)
	assert.Contains(t, types, core.HistoryStepFailed)
	assert.Contains(t, types, core.HistoryStepRetrying)
}

func TestStartRunIsNoOpOnTerminalRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var calls int
	env.handlers.Register("job-extract", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		calls++
		return nil, nil
	})
	def := env.createDefinition(t, []core.Step{jobStep("extract")})

	run, err := env.orc.CreateRun(ctx, def, CreateRunInput{})
	require.NoError(t, err)
	require.NoError(t, env.orc.StartRun(ctx, run.ID))
	require.NoError(t, env.orc.StartRun(ctx, run.ID))
	assert.Equal(t, 1, calls)
}
