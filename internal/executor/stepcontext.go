package executor

import (
	"context"
	"sync"
	"time"

	"github.com/apphub/apphub/internal/logger"
)

// heartbeatWriteInterval throttles heartbeat persistence; handlers may call
// Heartbeat as often as they like.
const heartbeatWriteInterval = 5 * time.Second

type producedAsset struct {
	assetID      string
	partitionKey *string
	payload      map[string]any
}

// StepContext is handed to job handlers. It exposes the attempt identity,
// run parameters, asset production, and the liveness heartbeat.
type StepContext struct {
	RunID        string
	StepID       string
	Attempt      int
	AttemptToken string
	Parameters   map[string]any
	Context      map[string]any

	ctx       context.Context
	persist   func(ctx context.Context, at time.Time) error
	clock     func() time.Time
	mu        sync.Mutex
	lastWrite time.Time
	produced  []producedAsset
}

// ProduceAsset records a produced asset partition. Validation against the
// step's declaration and persistence happen when the attempt completes, in
// the same transaction as the step status change.
func (sc *StepContext) ProduceAsset(assetID string, partitionKey *string, payload map[string]any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.produced = append(sc.produced, producedAsset{
		assetID:      assetID,
		partitionKey: partitionKey,
		payload:      payload,
	})
}

// Heartbeat signals liveness and surfaces cooperative cancellation. Writes
// are throttled to one per heartbeatWriteInterval.
func (sc *StepContext) Heartbeat() error {
	if err := sc.ctx.Err(); err != nil {
		return err
	}
	now := sc.clock()

	sc.mu.Lock()
	due := sc.lastWrite.IsZero() || now.Sub(sc.lastWrite) >= heartbeatWriteInterval
	if due {
		sc.lastWrite = now
	}
	sc.mu.Unlock()

	if !due || sc.persist == nil {
		return nil
	}
	if err := sc.persist(sc.ctx, now); err != nil {
		logger.Warn(sc.ctx, "Heartbeat write failed", "runId", sc.RunID, "stepId", sc.StepID, "err", err)
	}
	return nil
}

// Log writes a handler log line tagged with the attempt identity.
func (sc *StepContext) Log(msg string, tags ...any) {
	tags = append([]any{"runId", sc.RunID, "stepId", sc.StepID, "attempt", sc.Attempt}, tags...)
	logger.Info(sc.ctx, msg, tags...)
}

func (sc *StepContext) producedAssets() []producedAsset {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]producedAsset(nil), sc.produced...)
}
