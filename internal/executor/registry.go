// Package executor runs single step attempts: job handlers loaded from
// bundles, service calls, and fan-out collection evaluation.
package executor

import (
	"context"
	"sync"

	"github.com/apphub/apphub/internal/core"
)

// Handler is a job implementation invoked for one step attempt. The result
// map becomes the step output. Handlers must treat the attempt token in the
// step context as an idempotency key.
type Handler func(ctx context.Context, sc *StepContext) (map[string]any, error)

// Registry maps job slugs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(jobSlug string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobSlug] = handler
}

func (r *Registry) Resolve(jobSlug string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobSlug]
	if !ok {
		return nil, core.ValidationErr("no handler registered for job %q", jobSlug)
	}
	return handler, nil
}
