package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/backoff"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/executor"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/models"
)

type actionKind int

const (
	actionRun actionKind = iota
	actionSkip
	actionExpand
	actionCompleteParent
)

// action is one unit of work the dispatcher decided on for the current wave.
type action struct {
	kind actionKind
	row  *core.WorkflowRunStep
	step *core.Step
	// order is the dispatch sort key: topo index of the (parent) step,
	// then fan-out index.
	order [2]int
}

// execLoop advances the run wave by wave until every step row is terminal
// or a step fails out of retry budget.
func (o *Orchestrator) execLoop(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun) error {
	defer o.untrack(run.ID)

	for {
		current, err := o.runs.Get(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return nil
		}

		rows, err := o.steps.ListByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		state := indexRows(rows)

		if failed := state.firstFailed(); failed != nil {
			return o.finalizeFailure(ctx, def, current, failed)
		}
		if state.allTopLevelTerminal() {
			return o.finalizeSuccess(ctx, def, current, state)
		}

		actions := o.planWave(def, state)
		if len(actions) == 0 {
			// Nothing dispatchable and nothing terminal enough to finalize
			// means the row state is corrupt.
			return core.NewError(core.KindFatal, "run %s stalled with no dispatchable steps", run.ID)
		}

		o.updateCurrentStep(ctx, def, current, state)

		if err := o.dispatchWave(ctx, def, current, state, actions); err != nil {
			return err
		}
	}
}

// runState indexes the step rows of one run.
type runState struct {
	topLevel []*core.WorkflowRunStep
	byStepID map[string]*core.WorkflowRunStep
	children map[string][]*core.WorkflowRunStep
}

func indexRows(rows []*core.WorkflowRunStep) *runState {
	state := &runState{
		byStepID: map[string]*core.WorkflowRunStep{},
		children: map[string][]*core.WorkflowRunStep{},
	}
	for _, row := range rows {
		if row.ParentStepID != nil {
			state.children[*row.ParentStepID] = append(state.children[*row.ParentStepID], row)
			continue
		}
		state.topLevel = append(state.topLevel, row)
		state.byStepID[row.StepID] = row
	}
	for _, siblings := range state.children {
		sort.Slice(siblings, func(i, j int) bool {
			return fanoutIndex(siblings[i]) < fanoutIndex(siblings[j])
		})
	}
	return state
}

func fanoutIndex(row *core.WorkflowRunStep) int {
	if row.FanoutIndex == nil {
		return 0
	}
	return *row.FanoutIndex
}

// firstFailed returns a failed row, children included. A failed row only
// persists once its retry budget is spent, so one is enough to fail the run.
func (s *runState) firstFailed() *core.WorkflowRunStep {
	for _, row := range s.topLevel {
		if row.Status == core.StepFailed {
			return row
		}
	}
	for _, siblings := range s.children {
		for _, row := range siblings {
			if row.Status == core.StepFailed {
				return row
			}
		}
	}
	return nil
}

func (s *runState) allTopLevelTerminal() bool {
	for _, row := range s.topLevel {
		if !row.Status.IsTerminal() {
			return false
		}
	}
	return len(s.topLevel) > 0
}

// planWave computes the ready set. A pending step is ready once every
// dependency is terminal; if all dependencies were skipped the step is
// skipped instead of run.
func (o *Orchestrator) planWave(def *core.WorkflowDefinition, state *runState) []action {
	topoIndex := map[string]int{}
	for i, id := range def.Dag.Order {
		topoIndex[id] = i
	}

	var actions []action
	for _, row := range state.topLevel {
		step, ok := def.StepByID(row.StepID)
		if !ok {
			continue
		}
		order := [2]int{topoIndex[row.StepID], 0}

		switch row.Status {
		case core.StepPending:
			ready, allSkipped := depsSatisfied(step, state)
			if !ready {
				continue
			}
			switch {
			case allSkipped:
				actions = append(actions, action{kind: actionSkip, row: row, step: step, order: order})
			case step.Type == core.StepTypeFanOut:
				actions = append(actions, action{kind: actionExpand, row: row, step: step, order: order})
			default:
				actions = append(actions, action{kind: actionRun, row: row, step: step, order: order})
			}
		case core.StepRunning:
			if step.Type != core.StepTypeFanOut {
				continue
			}
			// Children exist before the parent turns running, so a running
			// parent with all-terminal children (or none, for an empty
			// collection) is ready to complete.
			if childrenTerminal(state.children[row.StepID]) {
				actions = append(actions, action{kind: actionCompleteParent, row: row, step: step, order: order})
			}
		}
	}

	for parentID, siblings := range state.children {
		parentStep, ok := def.StepByID(parentID)
		if !ok || parentStep.FanOut == nil {
			continue
		}
		for _, row := range siblings {
			if row.Status != core.StepPending {
				continue
			}
			actions = append(actions, action{
				kind:  actionRun,
				row:   row,
				step:  childStep(parentStep, row),
				order: [2]int{topoIndex[parentID], fanoutIndex(row)},
			})
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].order[0] != actions[j].order[0] {
			return actions[i].order[0] < actions[j].order[0]
		}
		return actions[i].order[1] < actions[j].order[1]
	})
	return actions
}

// depsSatisfied reports whether every dependency is terminal, and whether
// all of them ended up skipped.
func depsSatisfied(step *core.Step, state *runState) (ready, allSkipped bool) {
	if len(step.DependsOn) == 0 {
		return true, false
	}
	allSkipped = true
	for _, depID := range step.DependsOn {
		dep, ok := state.byStepID[depID]
		if !ok || !dep.Status.IsTerminal() {
			return false, false
		}
		if dep.Status != core.StepSkipped {
			allSkipped = false
		}
	}
	return true, allSkipped
}

func childrenTerminal(children []*core.WorkflowRunStep) bool {
	for _, row := range children {
		if !row.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// childStep builds the executable step for a fan-out child: the template
// with the item and index folded into its parameters.
func childStep(parent *core.Step, row *core.WorkflowRunStep) *core.Step {
	template := *parent.FanOut.Template
	params := make(map[string]any, len(template.Parameters)+2)
	for k, v := range template.Parameters {
		params[k] = v
	}
	if row.Input != nil {
		if item, ok := row.Input["item"]; ok {
			params["item"] = item
		}
	}
	params["fanoutIndex"] = fanoutIndex(row)
	template.Parameters = params
	return &template
}

func (o *Orchestrator) updateCurrentStep(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, state *runState) {
	for i, stepID := range def.Dag.Order {
		row, ok := state.byStepID[stepID]
		if !ok || row.Status.IsTerminal() {
			continue
		}
		index := i
		id := stepID
		if err := o.runs.UpdateCurrentStep(ctx, run.ID, &id, &index); err != nil {
			logger.Warn(ctx, "Failed to update current step", "runId", run.ID, "err", err)
		}
		return
	}
}

// dispatchWave applies quick transitions inline and runs executable steps
// concurrently, bounded by the per-run cap and each fan-out's own limit.
func (o *Orchestrator) dispatchWave(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, state *runState, actions []action) error {
	var runnable []action
	for _, act := range actions {
		switch act.kind {
		case actionSkip:
			if err := o.skipStep(ctx, act.row); err != nil {
				return err
			}
		case actionExpand:
			if err := o.expandFanOut(ctx, def, run, state, act); err != nil {
				return err
			}
		case actionCompleteParent:
			if err := o.completeFanOut(ctx, act.step, act.row, state.children[act.row.StepID]); err != nil {
				return err
			}
		case actionRun:
			runnable = append(runnable, act)
		}
	}
	if len(runnable) == 0 {
		return nil
	}

	runSlots := make(chan struct{}, o.concurrency)
	parentSlots := map[string]chan struct{}{}
	for _, act := range runnable {
		if act.row.ParentStepID == nil {
			continue
		}
		parentID := *act.row.ParentStepID
		if _, ok := parentSlots[parentID]; ok {
			continue
		}
		if parent, found := def.StepByID(parentID); found && parent.FanOut != nil && parent.FanOut.MaxConcurrency > 0 {
			parentSlots[parentID] = make(chan struct{}, parent.FanOut.MaxConcurrency)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(runnable))
	for _, act := range runnable {
		act := act
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSlots <- struct{}{}
			defer func() { <-runSlots }()
			if act.row.ParentStepID != nil {
				if slots, ok := parentSlots[*act.row.ParentStepID]; ok {
					slots <- struct{}{}
					defer func() { <-slots }()
				}
			}
			if err := o.executeAttempt(ctx, def, run, act.row, act.step); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) skipStep(ctx context.Context, row *core.WorkflowRunStep) error {
	err := o.steps.MarkSkipped(ctx, row.ID, &core.ExecutionHistory{
		RunID:     row.RunID,
		StepID:    &row.StepID,
		EventType: core.HistoryStepSkipped,
		Payload:   map[string]any{"reason": "all dependencies skipped"},
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	return err
}

// expandFanOut evaluates the collection, materializes one child row per
// item and moves the parent to running. Re-entry after a crash reuses the
// children already created.
func (o *Orchestrator) expandFanOut(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, state *runState, act action) error {
	row, step := act.row, act.step
	if len(state.children[row.StepID]) == 0 {
		scope := executor.FanOutScope{
			Parameters: run.Parameters,
			Context:    run.Context,
			Steps:      state.stepOutputs(),
		}
		items, err := executor.EvaluateCollection(ctx, step.FanOut, scope)
		if err != nil {
			reason := executor.Classify(err)
			msg := err.Error()
			o.metrics.StepFailed(reason)
			return o.steps.Complete(ctx, row.ID, models.StepCompletion{
				Status:        core.StepFailed,
				FailureReason: &reason,
				ErrorMessage:  &msg,
				CompletedAt:   o.clock(),
				History: []core.ExecutionHistory{{
					RunID:     row.RunID,
					StepID:    &row.StepID,
					EventType: core.HistoryStepFailed,
					Payload:   map[string]any{"reason": string(reason), "error": msg},
				}},
			})
		}

		children := make([]*core.WorkflowRunStep, 0, len(items))
		for i, item := range items {
			index := i
			parentID := row.StepID
			templateID := step.FanOut.Template.ID
			children = append(children, &core.WorkflowRunStep{
				ID:             uuid.NewString(),
				RunID:          run.ID,
				StepID:         fmt.Sprintf("%s[%d]", row.StepID, index),
				Status:         core.StepPending,
				ParentStepID:   &parentID,
				FanoutIndex:    &index,
				TemplateStepID: &templateID,
				Input:          map[string]any{"item": item, "fanoutIndex": index},
			})
		}
		if len(children) > 0 {
			if err := o.steps.CreateMany(ctx, children); err != nil {
				return err
			}
		}
		if err := o.history.Append(ctx, &core.ExecutionHistory{
			RunID:     run.ID,
			StepID:    &row.StepID,
			EventType: core.HistoryFanoutExpanded,
			Payload:   map[string]any{"itemCount": len(items), "maxItems": step.FanOut.MaxItems},
		}); err != nil {
			return err
		}
	}

	err := o.steps.MarkRunning(ctx, row.ID, row.RetryCount+1, o.clock())
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	return err
}

// completeFanOut folds the children's outputs into the parent in fan-out
// index order.
func (o *Orchestrator) completeFanOut(ctx context.Context, step *core.Step, row *core.WorkflowRunStep, children []*core.WorkflowRunStep) error {
	results := make([]any, 0, len(children))
	for _, child := range children {
		if child.Output != nil {
			results = append(results, child.Output)
		} else {
			results = append(results, nil)
		}
	}
	key := step.FanOut.StoreResultsAs
	if key == "" {
		key = "results"
	}
	err := o.steps.Complete(ctx, row.ID, models.StepCompletion{
		Status:      core.StepSucceeded,
		Output:      map[string]any{key: results},
		CompletedAt: o.clock(),
		History: []core.ExecutionHistory{{
			RunID:     row.RunID,
			StepID:    &row.StepID,
			EventType: core.HistoryStepCompleted,
			Payload:   map[string]any{"childCount": len(children)},
		}},
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	return err
}

// stepOutputs exposes terminal step outputs to fan-out collection
// expressions, keyed by step id.
func (s *runState) stepOutputs() map[string]any {
	outputs := map[string]any{}
	for _, row := range s.topLevel {
		if row.Status == core.StepSucceeded && row.Output != nil {
			outputs[row.StepID] = row.Output
		}
	}
	return outputs
}

// executeAttempt runs one attempt of a job or service step and applies the
// outcome: completion, retry scheduling, or terminal failure.
func (o *Orchestrator) executeAttempt(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, row *core.WorkflowRunStep, step *core.Step) error {
	attempt := row.RetryCount + 1

	err := o.steps.MarkRunning(ctx, row.ID, attempt, o.clock())
	if core.IsKind(err, core.KindConflict) {
		// Another replica got here first.
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.history.Append(ctx, &core.ExecutionHistory{
		RunID:     run.ID,
		StepID:    &row.StepID,
		EventType: core.HistoryStepStarted,
		Payload:   map[string]any{"attempt": attempt},
	}); err != nil {
		return err
	}

	attemptRow := *row
	attemptRow.Attempt = attempt
	result, execErr := o.exec.Execute(ctx, def, run, &attemptRow, step)
	if execErr == nil {
		return o.completeAttempt(ctx, def, run, row, attempt, result)
	}

	reason := executor.Classify(execErr)
	o.metrics.StepFailed(reason)
	msg := execErr.Error()
	var jobRunID *string
	if result != nil {
		jobRunID = result.JobRunID
	}

	policy := retryPolicy(step)
	if reason.Retryable() && attempt < policy.MaxAttempts && ctx.Err() == nil {
		delay := policy.Delay(attempt)
		if sleepErr := o.sleep(ctx, delay); sleepErr == nil {
			o.metrics.StepRetried()
			return o.markRetryingWithReason(ctx, row, attempt, reason, delay)
		}
	}

	completeErr := o.steps.Complete(ctx, row.ID, models.StepCompletion{
		Status:        core.StepFailed,
		FailureReason: &reason,
		ErrorMessage:  &msg,
		JobRunID:      jobRunID,
		CompletedAt:   o.clock(),
		History: []core.ExecutionHistory{{
			RunID:     run.ID,
			StepID:    &row.StepID,
			EventType: core.HistoryStepFailed,
			Payload:   map[string]any{"attempt": attempt, "reason": string(reason), "error": msg},
		}},
	})
	if core.IsKind(completeErr, core.KindConflict) {
		return nil
	}
	return completeErr
}

func (o *Orchestrator) completeAttempt(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, row *core.WorkflowRunStep, attempt int, result *executor.Result) error {
	history := make([]core.ExecutionHistory, 0, len(result.Materializations)+1)
	for _, mat := range result.Materializations {
		history = append(history, core.ExecutionHistory{
			RunID:     run.ID,
			StepID:    &row.StepID,
			EventType: core.HistoryAssetMaterialized,
			Payload: map[string]any{
				"assetId":      mat.AssetID,
				"partitionKey": orEmptyString(mat.PartitionKey),
			},
		})
	}
	history = append(history, core.ExecutionHistory{
		RunID:     run.ID,
		StepID:    &row.StepID,
		EventType: core.HistoryStepCompleted,
		Payload:   map[string]any{"attempt": attempt},
	})

	err := o.steps.Complete(ctx, row.ID, models.StepCompletion{
		Status:           core.StepSucceeded,
		Output:           result.Output,
		JobRunID:         result.JobRunID,
		CompletedAt:      o.clock(),
		Materializations: result.Materializations,
		History:          history,
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, mat := range result.Materializations {
		o.publish(ctx, core.EventAssetProduced, def, run, map[string]any{
			"assetId":      mat.AssetID,
			"partitionKey": orEmptyString(mat.PartitionKey),
		})
	}
	return nil
}

func (o *Orchestrator) markRetryingWithReason(ctx context.Context, row *core.WorkflowRunStep, attempt int, reason core.FailureReason, delay time.Duration) error {
	err := o.steps.MarkRetrying(ctx, row.ID, &core.ExecutionHistory{
		RunID:     row.RunID,
		StepID:    &row.StepID,
		EventType: core.HistoryStepRetrying,
		Payload: map[string]any{
			"attempt":     attempt,
			"nextAttempt": attempt + 1,
			"reason":      string(reason),
			"delayMs":     delay.Milliseconds(),
		},
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	return err
}

// markRetrying reschedules a heartbeat-lost step during crash recovery.
func (o *Orchestrator) markRetrying(ctx context.Context, row *core.WorkflowRunStep, nextAttempt int) error {
	err := o.steps.MarkRetrying(ctx, row.ID, &core.ExecutionHistory{
		RunID:     row.RunID,
		StepID:    &row.StepID,
		EventType: core.HistoryStepRetrying,
		Payload: map[string]any{
			"nextAttempt": nextAttempt,
			"reason":      string(core.FailureHeartbeatLost),
		},
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	return err
}

// stepDefinition resolves the definition step backing a row, following
// fan-out children to their template.
func (o *Orchestrator) stepDefinition(def *core.WorkflowDefinition, row *core.WorkflowRunStep) (*core.Step, bool) {
	if row.ParentStepID != nil {
		parent, ok := def.StepByID(*row.ParentStepID)
		if !ok || parent.FanOut == nil {
			return nil, false
		}
		return childStep(parent, row), true
	}
	return def.StepByID(row.StepID)
}

// finalizeSuccess moves the run to succeeded, taking the output of the
// last producing step in topological order as the run output.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, state *runState) error {
	var output map[string]any
	for _, stepID := range def.Dag.Order {
		row, ok := state.byStepID[stepID]
		if ok && row.Status == core.StepSucceeded && row.Output != nil {
			output = row.Output
		}
	}

	err := o.runs.Finalize(ctx, run.ID, models.RunFinalization{
		Status: core.RunSucceeded,
		Output: output,
		History: &core.ExecutionHistory{
			RunID:     run.ID,
			EventType: core.HistoryRunCompleted,
			Payload:   map[string]any{"status": string(core.RunSucceeded)},
		},
	})
	if err != nil && !core.IsKind(err, core.KindConflict) {
		return err
	}
	run.Status = core.RunSucceeded
	o.publish(ctx, core.EventWorkflowRunSucceeded, def, run, nil)
	o.metrics.RunCompleted(core.RunSucceeded, o.runDurationSeconds(run))
	logger.Info(ctx, "Run succeeded", "runId", run.ID, "workflow", def.Slug)
	return nil
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, def *core.WorkflowDefinition, run *core.WorkflowRun, failed *core.WorkflowRunStep) error {
	msg := fmt.Sprintf("step %s failed", failed.StepID)
	if failed.ErrorMessage != nil {
		msg = *failed.ErrorMessage
	}

	err := o.runs.Finalize(ctx, run.ID, models.RunFinalization{
		Status:       core.RunFailed,
		ErrorMessage: &msg,
		History: &core.ExecutionHistory{
			RunID:     run.ID,
			EventType: core.HistoryRunCompleted,
			Payload:   map[string]any{"status": string(core.RunFailed), "stepId": failed.StepID},
		},
	})
	if err != nil && !core.IsKind(err, core.KindConflict) {
		return err
	}
	run.Status = core.RunFailed
	o.publish(ctx, core.EventWorkflowRunFailed, def, run, map[string]any{"errorMessage": msg})
	o.metrics.RunCompleted(core.RunFailed, o.runDurationSeconds(run))
	logger.Error(ctx, "Run failed", "runId", run.ID, "workflow", def.Slug, "stepId", failed.StepID, "error", msg)
	return nil
}

func (o *Orchestrator) runDurationSeconds(run *core.WorkflowRun) float64 {
	if run.StartedAt == nil {
		return 0
	}
	return o.clock().Sub(*run.StartedAt).Seconds()
}

func retryPolicy(step *core.Step) backoff.Policy {
	spec := step.RetryPolicyOrDefault()
	return backoff.Policy{
		Strategy:     backoff.Strategy(spec.Strategy),
		MaxAttempts:  spec.MaxAttempts,
		InitialDelay: time.Duration(spec.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(spec.MaxDelayMs) * time.Millisecond,
	}.Normalize()
}

func orEmptyString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
