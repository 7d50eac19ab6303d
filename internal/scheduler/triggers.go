package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
)

// TriggerDispatcher evaluates event triggers against bus events and
// launches runs for the ones that match.
type TriggerDispatcher struct {
	triggers models.TriggerRepo
	defs     models.DefinitionRepo
	launcher RunLauncher
	metrics  *metrics.Metrics
	clock    func() time.Time

	// start launches a created run; the default detaches so the bus
	// goroutine is never blocked by workflow execution.
	start func(ctx context.Context, runID string)
}

type TriggerOptions struct {
	Triggers models.TriggerRepo
	Defs     models.DefinitionRepo
	Launcher RunLauncher
	Metrics  *metrics.Metrics
	Clock    func() time.Time

	// Start overrides the detached default, used in tests.
	Start func(ctx context.Context, runID string)
}

func NewTriggerDispatcher(opts TriggerOptions) *TriggerDispatcher {
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	d := &TriggerDispatcher{
		triggers: opts.Triggers,
		defs:     opts.Defs,
		launcher: opts.Launcher,
		metrics:  opts.Metrics,
		clock:    clock,
		start:    opts.Start,
	}
	if d.start == nil {
		d.start = func(ctx context.Context, runID string) {
			go func() {
				if err := d.launcher.StartRun(context.WithoutCancel(ctx), runID); err != nil {
					logger.Error(ctx, "Failed to start triggered run", "runId", runID, "err", err)
				}
			}()
		}
	}
	return d
}

// Attach subscribes the dispatcher to the bus and returns the unsubscribe
// function.
func (d *TriggerDispatcher) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(d.HandleEvent)
}

// HandleEvent evaluates every trigger registered for the event's type and
// source.
func (d *TriggerDispatcher) HandleEvent(ctx context.Context, event core.Event) {
	matches, err := d.triggers.ListMatching(ctx, event.Type, event.Source)
	if err != nil {
		logger.Error(ctx, "Failed to list event triggers", "eventType", event.Type, "err", err)
		return
	}
	for _, trigger := range matches {
		if err := d.process(ctx, trigger, event); err != nil {
			logger.Error(ctx, "Trigger evaluation failed", "triggerId", trigger.ID, "eventId", event.ID, "err", err)
		}
	}
}

func (d *TriggerDispatcher) process(ctx context.Context, trigger *core.EventTrigger, event core.Event) error {
	now := d.clock()

	if trigger.Paused && (trigger.PausedUntil == nil || now.Before(*trigger.PausedUntil)) {
		return d.recordDelivery(ctx, trigger, event, core.DeliverySkipped, nil, trigger.PausedReason)
	}

	if trigger.Predicate != "" {
		matched, err := evaluatePredicate(ctx, trigger.Predicate, event)
		if err != nil {
			if recErr := d.recordDelivery(ctx, trigger, event, core.DeliveryFailed, nil, err.Error()); recErr != nil {
				return recErr
			}
			_, resErr := d.triggers.RecordResult(ctx, trigger.ID, false, now)
			return resErr
		}
		if !matched {
			return nil
		}
	}

	if trigger.ThrottleMs > 0 && trigger.LastMatchedAt != nil {
		window := time.Duration(trigger.ThrottleMs) * time.Millisecond
		if now.Sub(*trigger.LastMatchedAt) < window {
			return d.recordDelivery(ctx, trigger, event, core.DeliveryThrottled, nil, "throttled")
		}
	}

	delivery := &core.TriggerDelivery{
		ID:        uuid.NewString(),
		TriggerID: trigger.ID,
		EventID:   event.ID,
		Status:    core.DeliveryMatched,
	}
	if err := d.triggers.CreateDelivery(ctx, delivery); err != nil {
		if core.IsKind(err, core.KindConflict) {
			// Another replica already handled this event for this trigger.
			return nil
		}
		return err
	}
	if err := d.triggers.TouchMatched(ctx, trigger.ID, now); err != nil {
		return err
	}

	def, err := d.defs.GetByID(ctx, trigger.WorkflowDefID)
	if err != nil {
		return d.failDelivery(ctx, trigger, delivery, now, err)
	}

	run, err := d.launcher.CreateRun(ctx, def, orchestrator.CreateRunInput{
		Parameters:  trigger.Parameters,
		TriggeredBy: core.TriggeredByEvent,
		Trigger: map[string]any{
			"type":      "event",
			"triggerId": trigger.ID,
			"eventId":   event.ID,
			"eventType": event.Type,
			"source":    event.Source,
		},
		PartitionKey: eventPartitionKey(event),
	})
	if err != nil {
		return d.failDelivery(ctx, trigger, delivery, now, err)
	}

	delivery.Status = core.DeliveryLaunched
	delivery.RunID = &run.ID
	if err := d.triggers.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}
	if _, err := d.triggers.RecordResult(ctx, trigger.ID, true, now); err != nil {
		return err
	}
	d.metrics.TriggerDelivery(core.DeliveryLaunched)
	d.start(ctx, run.ID)
	return nil
}

func (d *TriggerDispatcher) failDelivery(ctx context.Context, trigger *core.EventTrigger, delivery *core.TriggerDelivery, now time.Time, cause error) error {
	delivery.Status = core.DeliveryFailed
	delivery.Reason = cause.Error()
	if err := d.triggers.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}
	updated, err := d.triggers.RecordResult(ctx, trigger.ID, false, now)
	if err != nil {
		return err
	}
	d.metrics.TriggerDelivery(core.DeliveryFailed)
	if updated.Paused {
		logger.Warn(ctx, "Event trigger paused", "triggerId", trigger.ID, "failures", updated.ConsecutiveFailures)
	}
	return nil
}

func (d *TriggerDispatcher) recordDelivery(ctx context.Context, trigger *core.EventTrigger, event core.Event, status core.DeliveryStatus, runID *string, reason string) error {
	err := d.triggers.CreateDelivery(ctx, &core.TriggerDelivery{
		ID:        uuid.NewString(),
		TriggerID: trigger.ID,
		EventID:   event.ID,
		Status:    status,
		RunID:     runID,
		Reason:    reason,
	})
	if core.IsKind(err, core.KindConflict) {
		return nil
	}
	if err == nil {
		d.metrics.TriggerDelivery(status)
	}
	return err
}

// evaluatePredicate runs the jq predicate over the event envelope; any
// value other than false/null counts as a match.
func evaluatePredicate(ctx context.Context, predicate string, event core.Event) (bool, error) {
	query, err := gojq.Parse(predicate)
	if err != nil {
		return false, core.ValidationErr("invalid trigger predicate %q: %v", predicate, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return false, core.ValidationErr("invalid trigger predicate %q: %v", predicate, err)
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return false, err
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return false, err
	}

	iter := code.RunWithContext(ctx, input)
	value, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if evalErr, isErr := value.(error); isErr {
		return false, core.ValidationErr("trigger predicate %q failed: %v", predicate, evalErr)
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

// eventPartitionKey lifts an explicit partition key out of the event
// payload for partitioned workflows.
func eventPartitionKey(event core.Event) *string {
	if key, ok := event.Payload["partitionKey"].(string); ok && key != "" {
		return &key
	}
	return nil
}
