package executor

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/models"
)

// Result is the outcome of one successful step attempt.
type Result struct {
	Output           map[string]any
	Materializations []core.AssetMaterialization
	JobRunID         *string
}

// Executor runs job and service step attempts. Fan-out expansion is driven
// by the orchestrator; the executor only evaluates the collection.
type Executor struct {
	handlers *Registry
	bundles  *bundles.Registry
	ledger   *assets.Ledger
	jobRuns  models.JobRunRepo
	steps    models.RunStepRepo
	services *ServiceClient
	clock    func() time.Time
}

type Options struct {
	Handlers *Registry
	Bundles  *bundles.Registry
	Ledger   *assets.Ledger
	JobRuns  models.JobRunRepo
	Steps    models.RunStepRepo
	Services *ServiceClient
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func New(opts Options) *Executor {
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		handlers: opts.Handlers,
		bundles:  opts.Bundles,
		ledger:   opts.Ledger,
		jobRuns:  opts.JobRuns,
		steps:    opts.Steps,
		services: opts.Services,
		clock:    clock,
	}
}

// Execute runs one attempt of a job or service step. The per-step timeout
// applies to the whole attempt, artifact fetch included.
func (e *Executor) Execute(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, runStep *core.WorkflowRunStep, step *core.Step) (*Result, error) {
	if timeout := step.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch step.Type {
	case core.StepTypeJob:
		return e.executeJob(ctx, def, run, runStep, step)
	case core.StepTypeService:
		return e.executeService(ctx, run, step)
	default:
		return nil, core.ValidationErr("step %q has non-executable type %q", step.ID, step.Type)
	}
}

func (e *Executor) executeJob(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, runStep *core.WorkflowRunStep, step *core.Step) (*Result, error) {
	handler, err := e.handlers.Resolve(step.JobSlug)
	if err != nil {
		return nil, err
	}
	if step.Bundle != nil {
		if err := e.verifyBundle(ctx, runStep, step); err != nil {
			return nil, err
		}
	}

	retry := step.RetryPolicyOrDefault()
	jobRun := &core.JobRun{
		ID:              uuid.NewString(),
		JobDefinitionID: step.JobSlug,
		Status:          core.JobRunRunning,
		Parameters:      mergeParameters(run.Parameters, step.Parameters),
		Context:         run.Context,
		Attempt:         runStep.Attempt,
		MaxAttempts:     retry.MaxAttempts,
		RetryCount:      runStep.RetryCount,
	}
	if err := e.jobRuns.Create(ctx, jobRun); err != nil {
		return nil, err
	}

	sc := &StepContext{
		RunID:        run.ID,
		StepID:       runStep.StepID,
		Attempt:      runStep.Attempt,
		AttemptToken: core.AttemptToken(run.ID, runStep.StepID, runStep.Attempt),
		Parameters:   jobRun.Parameters,
		Context:      run.Context,
		ctx:          ctx,
		clock:        e.clock,
		persist: func(ctx context.Context, at time.Time) error {
			if err := e.steps.Heartbeat(ctx, runStep.ID, at); err != nil {
				return err
			}
			return e.jobRuns.Heartbeat(ctx, jobRun.ID, at)
		},
	}

	output, err := handler(ctx, sc)
	if err != nil {
		// The attempt may have outlived its deadline inside the handler.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		reason := Classify(err)
		if _, completeErr := e.jobRuns.Complete(ctx, jobRun.ID, core.JobRunFailed, nil, &reason); completeErr != nil {
			logger.Warn(ctx, "Failed to record job run failure", "jobRunId", jobRun.ID, "err", completeErr)
		}
		return &Result{JobRunID: &jobRun.ID}, err
	}

	materializations, err := e.collectAssets(ctx, def, runStep, sc)
	if err != nil {
		reason := Classify(err)
		if _, completeErr := e.jobRuns.Complete(ctx, jobRun.ID, core.JobRunFailed, nil, &reason); completeErr != nil {
			logger.Warn(ctx, "Failed to record job run failure", "jobRunId", jobRun.ID, "err", completeErr)
		}
		return &Result{JobRunID: &jobRun.ID}, err
	}

	if _, err := e.jobRuns.Complete(ctx, jobRun.ID, core.JobRunSucceeded, output, nil); err != nil {
		return &Result{JobRunID: &jobRun.ID}, err
	}
	return &Result{
		Output:           output,
		Materializations: materializations,
		JobRunID:         &jobRun.ID,
	}, nil
}

// verifyBundle resolves the binding pinned at run creation and checks the
// artifact against its stored checksum before the handler runs.
func (e *Executor) verifyBundle(ctx context.Context, runStep *core.WorkflowRunStep, step *core.Step) error {
	if e.bundles == nil {
		return nil
	}
	binding := *step.Bundle
	if pinned, ok := runStep.Input["bundleVersion"].(string); ok && pinned != "" {
		binding.Strategy = core.BundlePinned
		binding.Version = pinned
	}
	version, err := e.bundles.Resolve(ctx, &binding)
	if err != nil {
		return err
	}
	rc, err := e.bundles.Open(ctx, version)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, rc)
	if closeErr := rc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.TransientErr(err, "read bundle %s@%s", version.Slug, version.Version)
	}
	return nil
}

func (e *Executor) collectAssets(ctx context.Context, def *core.WorkflowDefinition, runStep *core.WorkflowRunStep, sc *StepContext) ([]core.AssetMaterialization, error) {
	produced := sc.producedAssets()
	if len(produced) == 0 {
		return nil, nil
	}
	// Fan-out children validate against the template step's declarations.
	declStepID := runStep.StepID
	if runStep.TemplateStepID != nil {
		declStepID = *runStep.TemplateStepID
	}
	out := make([]core.AssetMaterialization, 0, len(produced))
	for _, p := range produced {
		mat, err := e.ledger.Prepare(ctx, def, runStep, declStepID, p.assetID, p.partitionKey, p.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *mat)
	}
	return out, nil
}

func mergeParameters(runParams, stepParams map[string]any) map[string]any {
	if len(stepParams) == 0 {
		return runParams
	}
	merged := make(map[string]any, len(runParams)+len(stepParams))
	for k, v := range runParams {
		merged[k] = v
	}
	for k, v := range stepParams {
		merged[k] = v
	}
	return merged
}

// Classify maps an attempt error to its failure category.
func Classify(err error) core.FailureReason {
	switch {
	case err == nil:
		return core.FailureUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return core.FailureTimeout
	case errors.Is(err, context.Canceled):
		return core.FailureCanceled
	}
	var engineErr *core.Error
	if !errors.As(err, &engineErr) {
		// A plain error from a job handler.
		return core.FailureHandlerError
	}
	switch engineErr.Kind {
	case core.KindValidation:
		return core.FailureValidation
	case core.KindTransient:
		return core.FailureUpstreamUnavailable
	case core.KindHeartbeatLost:
		return core.FailureHeartbeatLost
	case core.KindCanceled:
		return core.FailureCanceled
	case core.KindFatal:
		return core.FailureUnknown
	default:
		return core.FailureHandlerError
	}
}
