package executor

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/apphub/apphub/internal/core"
)

// FanOutScope is the input a fan-out collection expression is evaluated
// against: run parameters, run context, and prior step outputs by step id.
type FanOutScope struct {
	Parameters map[string]any
	Context    map[string]any
	Steps      map[string]any
}

func (s FanOutScope) asInput() map[string]any {
	return map[string]any{
		"parameters": orEmptyMap(s.Parameters),
		"context":    orEmptyMap(s.Context),
		"steps":      orEmptyMap(s.Steps),
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// EvaluateCollection resolves a fan-out collection to its item list. A
// literal array passes through; a string is compiled as a jq expression
// over the scope. The result is clipped to maxItems.
func EvaluateCollection(ctx context.Context, spec *core.FanOutSpec, scope FanOutScope) ([]any, error) {
	var items []any
	switch collection := spec.Collection.(type) {
	case []any:
		items = collection
	case string:
		evaluated, err := evaluateExpression(ctx, collection, scope.asInput())
		if err != nil {
			return nil, err
		}
		items = evaluated
	default:
		return nil, core.ValidationErr("fan-out collection must be an array or a jq expression")
	}

	if spec.MaxItems > 0 && len(items) > spec.MaxItems {
		items = items[:spec.MaxItems]
	}
	return items, nil
}

func evaluateExpression(ctx context.Context, expr string, input map[string]any) ([]any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, core.ValidationErr("invalid fan-out expression %q: %v", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, core.ValidationErr("invalid fan-out expression %q: %v", expr, err)
	}

	iter := code.RunWithContext(ctx, input)
	value, ok := iter.Next()
	if !ok {
		return nil, core.ValidationErr("fan-out expression %q produced no value", expr)
	}
	if err, isErr := value.(error); isErr {
		return nil, core.ValidationErr("fan-out expression %q failed: %v", expr, err)
	}
	items, isArray := value.([]any)
	if !isArray {
		return nil, core.ValidationErr("fan-out expression %q did not evaluate to an array", expr)
	}
	if _, more := iter.Next(); more {
		return nil, core.ValidationErr("fan-out expression %q produced multiple values", expr)
	}
	return items, nil
}
