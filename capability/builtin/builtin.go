// Package builtin provides generic capabilities shipped with the binary so
// that workflows can run without any external integration.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semflow/capability"
)

// Namespace holds the builtin task executors.
const Namespace = "builtin"

const numberQSchema = `{
	"type": "object",
	"properties": {"q": {"type": "number"}},
	"required": ["q"]
}`

// Passthrough returns its input unchanged.
func Passthrough() *capability.Executor {
	return capability.MustNew(Namespace, "passthrough",
		func(_ context.Context, in map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(in))
			for k, v := range in {
				out[k] = v
			}
			return out, nil
		},
		capability.WithDescription("Returns its input unchanged"))
}

// Double multiplies the numeric field q by two.
func Double() *capability.Executor {
	return capability.MustNew(Namespace, "double",
		func(_ context.Context, in map[string]any) (map[string]any, error) {
			q, err := toFloat(in["q"])
			if err != nil {
				return nil, fmt.Errorf("q: %w", err)
			}
			return map[string]any{"q": q * 2}, nil
		},
		capability.WithInputSchema(numberQSchema),
		capability.WithOutputSchema(numberQSchema),
		capability.WithDescription("Doubles the numeric field q"))
}

// Always is a condition that always fires.
func Always() *capability.Executor {
	return mustCondition("always", func(context.Context, map[string]any) (bool, error) {
		return true, nil
	}, "Always true")
}

// Never is a condition that never fires.
func Never() *capability.Executor {
	return mustCondition("never", func(context.Context, map[string]any) (bool, error) {
		return false, nil
	}, "Always false")
}

// Approved fires when the boolean input field "approved" is true.
func Approved() *capability.Executor {
	return mustCondition("approved", func(_ context.Context, in map[string]any) (bool, error) {
		approved, _ := in["approved"].(bool)
		return approved, nil
	}, "True when the input field approved is true")
}

// Register adds every builtin to reg.
func Register(reg *capability.Registry) error {
	for _, e := range []*capability.Executor{Passthrough(), Double(), Always(), Never(), Approved()} {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func mustCondition(name string, pred func(context.Context, map[string]any) (bool, error), desc string) *capability.Executor {
	e, err := capability.NewCondition(capability.NamespaceTransitionConditions, name, pred,
		capability.WithDescription(desc))
	if err != nil {
		panic(err)
	}
	return e
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
