package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
)

const (
	// DefaultAutoInterval is how often auto-materialization policy is
	// evaluated.
	DefaultAutoInterval = time.Minute

	// defaultCooldown spaces retries of a failing auto-materialization
	// when the policy declares none.
	defaultCooldown = 5 * time.Minute

	maxCooldown = time.Hour
)

// AutoMaterializer walks auto-materialize policies and enqueues runs for
// partitions the ledger reports missing, stale or behind their upstreams.
type AutoMaterializer struct {
	defs     models.DefinitionRepo
	runs     models.RunRepo
	autoRuns models.AutoRunRepo
	ledger   *assets.Ledger
	launcher RunLauncher

	interval time.Duration
	clock    func() time.Time
}

type AutoOptions struct {
	Defs     models.DefinitionRepo
	Runs     models.RunRepo
	AutoRuns models.AutoRunRepo
	Ledger   *assets.Ledger
	Launcher RunLauncher

	TickInterval time.Duration
	Clock        func() time.Time
}

func NewAutoMaterializer(opts AutoOptions) *AutoMaterializer {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultAutoInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &AutoMaterializer{
		defs:     opts.Defs,
		runs:     opts.Runs,
		autoRuns: opts.AutoRuns,
		ledger:   opts.Ledger,
		launcher: opts.Launcher,
		interval: interval,
		clock:    clock,
	}
}

// Run ticks until the context is done.
func (a *AutoMaterializer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				logger.Error(ctx, "Auto-materialization tick failed", "err", err)
			}
		}
	}
}

// Tick evaluates every enabled policy once.
func (a *AutoMaterializer) Tick(ctx context.Context) error {
	defs, err := a.defs.List(ctx)
	if err != nil {
		return err
	}
	now := a.clock()
	for _, def := range defs {
		for _, decl := range def.ProducedDeclarations() {
			if decl.AutoMaterialize == nil || !decl.AutoMaterialize.Enabled {
				continue
			}
			decl := decl
			keys, err := a.ledger.OutOfDatePartitions(ctx, def, &decl, now)
			if err != nil {
				logger.Error(ctx, "Failed to evaluate asset staleness", "workflow", def.Slug, "assetId", decl.AssetID, "err", err)
				continue
			}
			for _, key := range keys {
				if err := a.enqueue(ctx, def, &decl, key, now); err != nil {
					logger.Error(ctx, "Failed to auto-materialize partition", "workflow", def.Slug, "assetId", decl.AssetID, "partitionKey", key, "err", err)
				}
			}
		}
	}
	return nil
}

// enqueue launches one auto-materialization run, honoring per-partition
// cooldowns and the run-key guard against duplicate active runs.
func (a *AutoMaterializer) enqueue(ctx context.Context, def *core.WorkflowDefinition, decl *core.AssetDeclaration, key string, now time.Time) error {
	var partitionKey *string
	if key != "" {
		k := key
		partitionKey = &k
	}

	claim, err := a.autoRuns.Get(ctx, def.ID, decl.AssetID, partitionKey)
	if err != nil && !core.IsKind(err, core.KindNotFound) {
		return err
	}
	if claim != nil {
		if claim.NextEligibleAt != nil && now.Before(*claim.NextEligibleAt) {
			return nil
		}
		if decl.AutoMaterialize.MaxFailures > 0 && claim.Failures >= decl.AutoMaterialize.MaxFailures {
			return nil
		}
	}

	runKey := fmt.Sprintf("auto-%s-%s", decl.AssetID, key)
	if key == "" {
		runKey = fmt.Sprintf("auto-%s", decl.AssetID)
	}
	run, err := a.launcher.CreateRun(ctx, def, orchestrator.CreateRunInput{
		TriggeredBy:  core.TriggeredByAuto,
		PartitionKey: partitionKey,
		RunKey:       &runKey,
		Trigger: map[string]any{
			"type":         "auto-materialize",
			"assetId":      decl.AssetID,
			"partitionKey": key,
		},
	})
	if err != nil {
		if core.IsKind(err, core.KindConflict) {
			// An active run already covers this partition.
			return nil
		}
		return err
	}

	if err := a.autoRuns.RecordClaim(ctx, &core.AutoRunClaim{
		WorkflowDefID: def.ID,
		AssetID:       decl.AssetID,
		PartitionKey:  partitionKey,
		RunID:         run.ID,
	}); err != nil {
		return err
	}

	if err := a.launcher.StartRun(ctx, run.ID); err != nil {
		return err
	}
	return a.recordOutcome(ctx, def, decl, partitionKey, run.ID, now)
}

// recordOutcome applies the cooldown ladder from the completed run's
// terminal status.
func (a *AutoMaterializer) recordOutcome(ctx context.Context, def *core.WorkflowDefinition, decl *core.AssetDeclaration, partitionKey *string, runID string, now time.Time) error {
	run, err := a.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == core.RunSucceeded {
		return a.autoRuns.ClearFailures(ctx, def.ID, decl.AssetID, partitionKey)
	}

	failures := 0
	if claim, err := a.autoRuns.Get(ctx, def.ID, decl.AssetID, partitionKey); err == nil && claim != nil {
		failures = claim.Failures
	}
	cooldown := defaultCooldown
	if decl.AutoMaterialize.CooldownMs > 0 {
		cooldown = time.Duration(decl.AutoMaterialize.CooldownMs) * time.Millisecond
	}
	for i := 0; i < failures && cooldown < maxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	return a.autoRuns.RecordFailure(ctx, def.ID, decl.AssetID, partitionKey, now.Add(cooldown))
}
