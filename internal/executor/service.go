package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/apphub/apphub/internal/core"
)

// ServiceHealth is the last observed health of a registered service.
type ServiceHealth string

const (
	HealthHealthy   ServiceHealth = "healthy"
	HealthDegraded  ServiceHealth = "degraded"
	HealthUnhealthy ServiceHealth = "unhealthy"
	HealthUnknown   ServiceHealth = "unknown"
)

type serviceEntry struct {
	baseURL string
	health  ServiceHealth
}

// ServiceClient issues service-step requests against registered endpoints
// and gates attempts on the last health snapshot.
type ServiceClient struct {
	http *resty.Client

	mu       sync.RWMutex
	services map[string]serviceEntry
}

func NewServiceClient(timeout time.Duration) *ServiceClient {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &ServiceClient{
		http:     client,
		services: map[string]serviceEntry{},
	}
}

// RegisterService binds a service slug to a base URL.
func (c *ServiceClient) RegisterService(slug, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.services[slug]
	entry.baseURL = strings.TrimRight(baseURL, "/")
	if entry.health == "" {
		entry.health = HealthUnknown
	}
	c.services[slug] = entry
}

// SetHealth updates the health snapshot for a service.
func (c *ServiceClient) SetHealth(slug string, health ServiceHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.services[slug]
	entry.health = health
	c.services[slug] = entry
}

func (c *ServiceClient) lookup(slug string) (serviceEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.services[slug]
	if !ok || entry.baseURL == "" {
		return serviceEntry{}, core.NotFoundErr("service %q is not registered", slug)
	}
	return entry, nil
}

func (e *Executor) executeService(ctx context.Context, run *core.WorkflowRun, step *core.Step) (*Result, error) {
	if e.services == nil {
		return nil, core.ValidationErr("step %q is a service step but no service client is configured", step.ID)
	}
	entry, err := e.services.lookup(step.ServiceSlug)
	if err != nil {
		return nil, err
	}

	if step.RequireHealthy {
		switch entry.health {
		case HealthHealthy:
		case HealthDegraded:
			if !step.AllowDegraded {
				return nil, core.TransientErr(nil, "service %q is degraded", step.ServiceSlug)
			}
		default:
			return nil, core.TransientErr(nil, "service %q is %s", step.ServiceSlug, entry.health)
		}
	}

	req := step.Request
	if req == nil {
		req = &core.ServiceRequest{}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	call := e.services.http.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Body != nil {
		call.SetBody(req.Body)
	}
	resp, err := call.Execute(method, entry.baseURL+req.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, core.TransientErr(err, "call service %q", step.ServiceSlug)
	}

	status := resp.StatusCode()
	switch {
	case status >= 500:
		return nil, core.TransientErr(nil, "service %q responded %d", step.ServiceSlug, status)
	case status >= 400:
		return nil, core.ValidationErr("service %q rejected request with %d", step.ServiceSlug, status)
	}

	result := &Result{}
	if step.CaptureResponse {
		key := step.StoreResponseAs
		if key == "" {
			key = "response"
		}
		var body any
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			body = string(resp.Body())
		}
		result.Output = map[string]any{key: body}
	}
	return result, nil
}
