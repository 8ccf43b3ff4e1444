// Package capability defines executors, the named and schema-typed units of work
// that workflow tasks invoke, and the registry workers use to resolve them by key.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Default namespaces.
const (
	NamespaceCustomTasks          = "custom_tasks"
	NamespaceAgent                = "agent"
	NamespaceTransitionConditions = "transition_conditions"
)

// ConditionField is the output field every condition executor produces.
const ConditionField = "condition_evaluation"

// ConditionOutputSchema is the output schema shared by all condition executors.
const ConditionOutputSchema = `{
	"type": "object",
	"properties": {"condition_evaluation": {"type": "boolean"}},
	"required": ["condition_evaluation"]
}`

// Func is the body of an executor. External handles (clients, stores) are bound
// into the closure before the executor is registered; the dispatcher only
// passes validated input. Long running bodies must honor ctx.
type Func func(ctx context.Context, input map[string]any) (map[string]any, error)

// Executor is a registered capability.
type Executor struct {
	Namespace   string
	Name        string
	Description string

	fn           Func
	inputSchema  *Schema
	outputSchema *Schema
}

// Option configures an Executor.
type Option func(*Executor) error

// WithInputSchema sets the JSON schema the input must satisfy.
func WithInputSchema(schemaJSON string) Option {
	return func(e *Executor) error {
		s, err := CompileSchema(schemaJSON)
		if err != nil {
			return fmt.Errorf("input schema: %w", err)
		}
		e.inputSchema = s
		return nil
	}
}

// WithOutputSchema sets the JSON schema the output must satisfy.
func WithOutputSchema(schemaJSON string) Option {
	return func(e *Executor) error {
		s, err := CompileSchema(schemaJSON)
		if err != nil {
			return fmt.Errorf("output schema: %w", err)
		}
		e.outputSchema = s
		return nil
	}
}

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(e *Executor) error {
		e.Description = desc
		return nil
	}
}

// New creates an executor.
func New(namespace, name string, fn Func, opts ...Option) (*Executor, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("executor namespace and name are required")
	}
	if strings.Contains(namespace, ".") {
		return nil, fmt.Errorf("executor namespace %q must not contain '.'", namespace)
	}
	if fn == nil {
		return nil, fmt.Errorf("executor %s.%s has no function", namespace, name)
	}

	e := &Executor{Namespace: namespace, Name: name, fn: fn}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("executor %s.%s: %w", namespace, name, err)
		}
	}
	return e, nil
}

// MustNew is like New but panics on error. Intended for package level builtins.
func MustNew(namespace, name string, fn Func, opts ...Option) *Executor {
	e, err := New(namespace, name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// NewCondition wraps a predicate as a condition executor producing
// {"condition_evaluation": bool}.
func NewCondition(namespace, name string, pred func(ctx context.Context, input map[string]any) (bool, error), opts ...Option) (*Executor, error) {
	if pred == nil {
		return nil, fmt.Errorf("condition %s.%s has no predicate", namespace, name)
	}
	fn := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		ok, err := pred(ctx, input)
		if err != nil {
			return nil, err
		}
		return map[string]any{ConditionField: ok}, nil
	}
	opts = append(opts, WithOutputSchema(ConditionOutputSchema))
	return New(namespace, name, fn, opts...)
}

// Key returns the registry key "namespace.name".
func (e *Executor) Key() string {
	return e.Namespace + "." + e.Name
}

// InputSchema returns the raw input schema, or nil when any object is accepted.
func (e *Executor) InputSchema() json.RawMessage {
	return e.inputSchema.Raw()
}

// OutputSchema returns the raw output schema, or nil when any object is accepted.
func (e *Executor) OutputSchema() json.RawMessage {
	return e.outputSchema.Raw()
}

// ValidateInput checks input against the declared input schema.
func (e *Executor) ValidateInput(input map[string]any) error {
	if err := e.inputSchema.Validate(input); err != nil {
		return fmt.Errorf("%s input: %w", e.Key(), err)
	}
	return nil
}

// ValidateOutput checks output against the declared output schema.
func (e *Executor) ValidateOutput(output map[string]any) error {
	if err := e.outputSchema.Validate(output); err != nil {
		return fmt.Errorf("%s output: %w", e.Key(), err)
	}
	return nil
}

// Call runs the executor body without validation.
func (e *Executor) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	out, err := e.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Invoke validates input, runs the executor and validates its output.
func (e *Executor) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := e.ValidateInput(input); err != nil {
		return nil, err
	}
	out, err := e.Call(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Key(), err)
	}
	if err := e.ValidateOutput(out); err != nil {
		return nil, err
	}
	return out, nil
}
