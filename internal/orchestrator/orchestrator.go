// Package orchestrator drives workflow runs to a terminal state: claiming,
// ready-set dispatch, fan-out expansion, retries, and finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/dag"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/executor"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/runkey"

	partitions "github.com/apphub/apphub/internal/assets"
)

const (
	// DefaultHeartbeatTimeout is how long a running step may go without a
	// heartbeat before it is considered lost.
	DefaultHeartbeatTimeout = 120 * time.Second

	// DefaultRunConcurrency bounds concurrent step attempts within one run.
	DefaultRunConcurrency = 4
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Owner       string
	Definitions models.DefinitionRepo
	Runs        models.RunRepo
	Steps       models.RunStepRepo
	History     models.HistoryRepo
	Bundles     *bundles.Registry
	Executor    *executor.Executor
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics

	Concurrency      int
	HeartbeatTimeout time.Duration

	// Clock and Sleep are test hooks.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator advances runs. Multiple replicas may operate on the same
// database; run claims and row locks keep them from stepping on each other.
type Orchestrator struct {
	owner   string
	defs    models.DefinitionRepo
	runs    models.RunRepo
	steps   models.RunStepRepo
	history models.HistoryRepo
	bundles *bundles.Registry
	exec    *executor.Executor
	bus     *eventbus.Bus
	metrics *metrics.Metrics

	concurrency      int
	heartbeatTimeout time.Duration
	clock            func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(opts Options) *Orchestrator {
	owner := opts.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultRunConcurrency
	}
	heartbeatTimeout := opts.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Orchestrator{
		owner:            owner,
		defs:             opts.Definitions,
		runs:             opts.Runs,
		steps:            opts.Steps,
		history:          opts.History,
		bundles:          opts.Bundles,
		exec:             opts.Executor,
		bus:              opts.Bus,
		metrics:          opts.Metrics,
		concurrency:      concurrency,
		heartbeatTimeout: heartbeatTimeout,
		clock:            clock,
		sleep:            sleep,
		active:           map[string]context.CancelFunc{},
	}
}

// Owner returns the claim owner identity of this replica.
func (o *Orchestrator) Owner() string { return o.owner }

// CreateRunInput describes a run creation request.
type CreateRunInput struct {
	Parameters   map[string]any
	Context      map[string]any
	TriggeredBy  core.TriggeredBy
	Trigger      map[string]any
	PartitionKey *string
	RunKey       *string
}

// CreateRun validates the request, pins latest bundle bindings, inserts the
// run and its step rows, and announces the pending run.
func (o *Orchestrator) CreateRun(ctx context.Context, def *core.WorkflowDefinition, in CreateRunInput) (*core.WorkflowRun, error) {
	if def.Dag == nil {
		normalized, meta, err := dag.ValidateAndCompile(def.Steps)
		if err != nil {
			return nil, err
		}
		def.Steps = normalized
		def.Dag = meta
	}

	if err := partitions.ValidateRunKeyAgainstDeclaration(def.PartitionedDeclaration(), in.PartitionKey); err != nil {
		return nil, err
	}

	var normalizedKey *string
	if in.RunKey != nil {
		normalized, err := runkey.Normalize(*in.RunKey)
		if err != nil {
			return nil, err
		}
		normalizedKey = &normalized
	}

	triggeredBy := in.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = core.TriggeredByManual
	}

	run := &core.WorkflowRun{
		ID:               uuid.NewString(),
		WorkflowDefID:    def.ID,
		Status:           core.RunPending,
		Parameters:       in.Parameters,
		Context:          in.Context,
		TriggeredBy:      triggeredBy,
		Trigger:          in.Trigger,
		PartitionKey:     in.PartitionKey,
		RunKey:           in.RunKey,
		RunKeyNormalized: normalizedKey,
	}

	stepRows, err := o.buildStepRows(ctx, def, run)
	if err != nil {
		return nil, err
	}

	if err := o.runs.Create(ctx, run); err != nil {
		var conflict *runkey.ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict.AsEngineError()
		}
		return nil, err
	}
	if err := o.steps.CreateMany(ctx, stepRows); err != nil {
		return nil, err
	}
	if err := o.history.Append(ctx, &core.ExecutionHistory{
		RunID:     run.ID,
		EventType: core.HistoryRunCreated,
		Payload:   map[string]any{"triggeredBy": string(triggeredBy)},
	}); err != nil {
		return nil, err
	}

	o.publish(ctx, core.EventWorkflowRunPending, def, run, nil)
	return run, nil
}

// buildStepRows materializes one pending row per top-level step. Latest
// bundle bindings are resolved here so the run executes against the version
// current at creation time.
func (o *Orchestrator) buildStepRows(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun) ([]*core.WorkflowRunStep, error) {
	rows := make([]*core.WorkflowRunStep, 0, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		var input map[string]any
		if step.Type == core.StepTypeJob && step.Bundle != nil && o.bundles != nil {
			version, err := o.bundles.Resolve(ctx, step.Bundle)
			if err != nil {
				return nil, err
			}
			input = map[string]any{"bundleVersion": version.Version}
		}
		rows = append(rows, &core.WorkflowRunStep{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			StepID: step.ID,
			Status: core.StepPending,
			Input:  input,
		})
	}
	return rows, nil
}

// StartRun claims the run and drives it to a terminal state. Calling it on
// an already terminal run is a no-op.
func (o *Orchestrator) StartRun(ctx context.Context, runID string) error {
	run, err := o.runs.Claim(ctx, runID, o.owner)
	if err != nil {
		if core.IsKind(err, core.KindConflict) {
			current, getErr := o.runs.Get(ctx, runID)
			if getErr == nil && current.Status.IsTerminal() {
				return nil
			}
		}
		return err
	}

	def, err := o.defs.GetByID(ctx, run.WorkflowDefID)
	if err != nil {
		return err
	}

	if err := o.history.Append(ctx, &core.ExecutionHistory{
		RunID:     run.ID,
		EventType: core.HistoryRunStarted,
		Payload:   map[string]any{"claimOwner": o.owner},
	}); err != nil {
		return err
	}
	o.publish(ctx, core.EventWorkflowRunRunning, def, run, nil)

	return o.execLoop(o.track(ctx, run.ID), def, run)
}

// Resume continues a run this replica already owns, used after crash
// recovery reclaims it.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	def, err := o.defs.GetByID(ctx, run.WorkflowDefID)
	if err != nil {
		return err
	}
	return o.execLoop(o.track(ctx, run.ID), def, run)
}

// CancelRun marks the run canceled, stops new dispatch, and signals
// in-flight executors through their context.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, reason string) error {
	if err := o.runs.RequestCancel(ctx, runID, reason); err != nil {
		return err
	}

	o.mu.Lock()
	cancel := o.active[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	def, err := o.defs.GetByID(ctx, run.WorkflowDefID)
	if err != nil {
		return err
	}
	o.publish(ctx, core.EventWorkflowRunCanceled, def, run, map[string]any{"reason": reason})
	o.metrics.RunCompleted(core.RunCanceled, 0)
	return nil
}

// RecoverStale reclaims running runs whose previous owner went away, fails
// their stale steps as heartbeat_lost, reschedules those with retry budget,
// and resumes the runs.
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	staleRuns, err := o.runs.ListStaleRunning(ctx, o.heartbeatTimeout, o.owner)
	if err != nil {
		return err
	}
	for _, run := range staleRuns {
		if _, err := o.runs.Reclaim(ctx, run.ID, o.owner); err != nil {
			logger.Warn(ctx, "Failed to reclaim stale run", "runId", run.ID, "err", err)
			continue
		}
		logger.Info(ctx, "Reclaimed stale run", "runId", run.ID)

		def, err := o.defs.GetByID(ctx, run.WorkflowDefID)
		if err != nil {
			return err
		}
		failed, err := o.steps.FailStale(ctx, run.ID, o.heartbeatTimeout, o.clock())
		if err != nil {
			return err
		}
		for _, row := range failed {
			o.metrics.StepFailed(core.FailureHeartbeatLost)
			step, ok := o.stepDefinition(def, row)
			if !ok {
				continue
			}
			if row.RetryCount+1 < step.RetryPolicyOrDefault().MaxAttempts {
				if err := o.markRetrying(ctx, row, row.RetryCount+2); err != nil {
					return err
				}
			}
		}
		if err := o.Resume(ctx, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// track registers a cancel func for the run so CancelRun can interrupt it.
func (o *Orchestrator) track(ctx context.Context, runID string) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.active[runID] = cancel
	o.mu.Unlock()
	return runCtx
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	cancel := o.active[runID]
	delete(o.active, runID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, def *core.WorkflowDefinition, run *core.WorkflowRun, extra map[string]any) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"workflowRunId":        run.ID,
		"workflowDefinitionId": run.WorkflowDefID,
		"status":               string(run.Status),
	}
	if def != nil {
		payload["workflowSlug"] = def.Slug
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := core.NewEvent(eventType, "workflow-orchestrator", payload)
	event.WithWorkflowMetadata(core.WorkflowEventMetadata{
		WorkflowDefinitionID: run.WorkflowDefID,
		WorkflowRunID:        run.ID,
	})
	o.bus.Publish(ctx, event)
	o.metrics.EventPublished(eventType)
}
