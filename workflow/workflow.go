// Package workflow defines hierarchical workflows: a state machine whose states
// each own a DAG of tasks, and whose transitions are guarded by condition tasks
// evaluated after the state's work completes.
package workflow

import (
	"fmt"
	"strings"

	"github.com/c360studio/semflow/capability"
)

// StartProducer is the sentinel producer name for a state's external input.
// Tasks in a state's first phase depend on it.
const StartProducer = "start"

// Workflow is an authored workflow definition.
type Workflow struct {
	Name    string
	Version string

	states     []*State
	stateIndex map[string]*State
	initial    *State
	built      bool
}

// New creates an empty workflow.
func New(name, version string) *Workflow {
	return &Workflow{
		Name:       name,
		Version:    version,
		stateIndex: make(map[string]*State),
	}
}

// ID returns "name:version".
func (w *Workflow) ID() string {
	return w.Name + ":" + w.Version
}

// AddState creates and adds a state. The first state added becomes the
// initial state unless SetInitialState is called.
func (w *Workflow) AddState(name string) (*State, error) {
	if w.built {
		return nil, fmt.Errorf("%w: workflow %s is already built", ErrInvalidWorkflow, w.ID())
	}
	if err := checkName("state", name); err != nil {
		return nil, err
	}
	if _, exists := w.stateIndex[name]; exists {
		return nil, fmt.Errorf("%w: duplicate state %s", ErrInvalidWorkflow, name)
	}
	s := NewState(name)
	w.states = append(w.states, s)
	w.stateIndex[name] = s
	if w.initial == nil {
		w.initial = s
	}
	return s, nil
}

// SetInitialState designates the state a run starts in.
func (w *Workflow) SetInitialState(s *State) error {
	if s == nil || w.stateIndex[s.Name] != s {
		return fmt.Errorf("%w: initial state must belong to workflow %s", ErrInvalidWorkflow, w.ID())
	}
	w.initial = s
	return nil
}

// InitialState returns the designated initial state.
func (w *Workflow) InitialState() *State {
	return w.initial
}

// State returns the state with name, or nil.
func (w *Workflow) State(name string) *State {
	return w.stateIndex[name]
}

// States returns states in declaration order.
func (w *Workflow) States() []*State {
	return append([]*State(nil), w.states...)
}

// AddTransition declares that source moves to target when the condition
// capability evaluates true. Transitions of a state are evaluated in the
// order they are added; the first that fires wins. The condition task is
// named after the capability's name part.
func (w *Workflow) AddTransition(source *State, conditionKey string, target *State) (*Transition, error) {
	_, name, ok := strings.Cut(conditionKey, ".")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: condition key %q must be namespace.name", ErrInvalidWorkflow, conditionKey)
	}
	return w.addTransition(source, &Condition{Name: name, Capability: conditionKey}, target)
}

// AddExecutorTransition is AddTransition with a concrete condition executor.
func (w *Workflow) AddExecutorTransition(source *State, cond *capability.Executor, target *State) (*Transition, error) {
	if cond == nil {
		return nil, fmt.Errorf("%w: condition executor is required", ErrInvalidWorkflow)
	}
	return w.addTransition(source, &Condition{Name: cond.Name, Capability: cond.Key(), executor: cond}, target)
}

func (w *Workflow) addTransition(source *State, c *Condition, target *State) (*Transition, error) {
	if w.built {
		return nil, fmt.Errorf("%w: workflow %s is already built", ErrInvalidWorkflow, w.ID())
	}
	if source == nil || w.stateIndex[source.Name] != source {
		return nil, fmt.Errorf("%w: transition source must belong to workflow %s", ErrInvalidWorkflow, w.ID())
	}
	if target == nil || w.stateIndex[target.Name] != target {
		return nil, fmt.Errorf("%w: transition target must belong to workflow %s", ErrInvalidWorkflow, w.ID())
	}

	t := &Transition{Source: source, Condition: c, Target: target}
	c.Transition = t
	if err := source.addCondition(c); err != nil {
		return nil, err
	}
	return t, nil
}

// Build validates the workflow and builds every state.
func (w *Workflow) Build() error {
	if w.built {
		return nil
	}
	if w.Name == "" || w.Version == "" {
		return fmt.Errorf("%w: name and version are required", ErrInvalidWorkflow)
	}
	if strings.Contains(w.Name, ":") {
		return fmt.Errorf("%w: name %q must not contain ':'", ErrInvalidWorkflow, w.Name)
	}
	if len(w.states) == 0 {
		return fmt.Errorf("%w: workflow %s has no states", ErrInvalidWorkflow, w.ID())
	}
	if w.initial == nil {
		return fmt.Errorf("%w: workflow %s has no initial state", ErrInvalidWorkflow, w.ID())
	}
	for _, s := range w.states {
		if err := s.Build(); err != nil {
			return fmt.Errorf("workflow %s: %w", w.ID(), err)
		}
	}
	w.built = true
	return nil
}

// Built reports whether Build has completed.
func (w *Workflow) Built() bool {
	return w.built
}

// Executors returns every concrete executor the workflow was authored with,
// keyed by capability key. Preset tasks are not included.
func (w *Workflow) Executors() map[string]*capability.Executor {
	out := make(map[string]*capability.Executor)
	for _, s := range w.states {
		for _, t := range s.tasks {
			if t.executor != nil {
				out[t.Capability] = t.executor
			}
		}
		for _, c := range s.conditions {
			if c.executor != nil {
				out[c.Capability] = c.executor
			}
		}
	}
	return out
}

// Capabilities returns every capability key the workflow references.
func (w *Workflow) Capabilities() []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, s := range w.states {
		for _, t := range s.tasks {
			add(t.Capability)
		}
		for _, c := range s.conditions {
			add(c.Capability)
		}
	}
	return keys
}
