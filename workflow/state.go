package workflow

import (
	"errors"
	"fmt"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/workflow/dag"
)

// Task is one node of a state's DAG.
type Task struct {
	Name string

	// Capability is the registry key "namespace.name" workers resolve at
	// dispatch time.
	Capability string

	// IsCondition marks the synthetic evaluation task of a Condition.
	IsCondition bool

	executor *capability.Executor
	state    *State
}

// Executor returns the executor the task was authored with, if any. Tasks
// authored by preset name return nil.
func (t *Task) Executor() *capability.Executor {
	return t.executor
}

// State returns the owning state.
func (t *Task) State() *State {
	return t.state
}

// Condition gates a transition. Its task is appended as a DAG sink when the
// state is built and must produce {"condition_evaluation": bool}.
type Condition struct {
	Name       string
	Capability string
	Transition *Transition

	executor *capability.Executor
	state    *State
	task     *Task
}

// Task returns the evaluation task, or nil before the state is built.
func (c *Condition) Task() *Task {
	return c.task
}

// Transition is a source state to target state edge guarded by a condition.
type Transition struct {
	Source    *State
	Condition *Condition
	Target    *State
}

// IsValid reports whether source, condition and target are all set.
func (t *Transition) IsValid() bool {
	return t != nil && t.Source != nil && t.Condition != nil && t.Target != nil
}

// State is one node of the workflow state machine. Internally it is a DAG of
// tasks that runs in topological phases.
type State struct {
	Name string

	tasks      []*Task
	taskIndex  map[string]*Task
	conditions []*Condition
	graph      *dag.Graph
	built      bool
}

// NewState creates an empty state.
func NewState(name string) *State {
	return &State{
		Name:      name,
		taskIndex: make(map[string]*Task),
		graph:     dag.New(),
	}
}

// AddTask adds a task bound to a capability key.
func (s *State) AddTask(name, capabilityKey string) (*Task, error) {
	if capabilityKey == "" {
		return nil, fmt.Errorf("%w: task %s.%s has no capability", ErrInvalidWorkflow, s.Name, name)
	}
	return s.addTask(&Task{Name: name, Capability: capabilityKey})
}

// AddExecutorTask adds a task bound to a concrete executor.
func (s *State) AddExecutorTask(name string, e *capability.Executor) (*Task, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: task %s.%s has no executor", ErrInvalidWorkflow, s.Name, name)
	}
	return s.addTask(&Task{Name: name, Capability: e.Key(), executor: e})
}

func (s *State) addTask(t *Task) (*Task, error) {
	if s.built {
		return nil, fmt.Errorf("%w: state %s is already built", ErrInvalidWorkflow, s.Name)
	}
	if err := checkName("task", t.Name); err != nil {
		return nil, fmt.Errorf("state %s: %w", s.Name, err)
	}
	if t.Name == StartProducer {
		return nil, fmt.Errorf("%w: task name %q is reserved", ErrInvalidWorkflow, StartProducer)
	}
	if _, exists := s.taskIndex[t.Name]; exists {
		return nil, fmt.Errorf("%w: duplicate task %s in state %s", ErrInvalidWorkflow, t.Name, s.Name)
	}
	t.state = s
	s.tasks = append(s.tasks, t)
	s.taskIndex[t.Name] = t
	s.graph.AddNode(t.Name)
	return t, nil
}

// AddDependency makes task depend on every parent. All tasks must belong to
// this state.
func (s *State) AddDependency(task *Task, parents ...*Task) error {
	if s.built {
		return fmt.Errorf("%w: state %s is already built", ErrInvalidWorkflow, s.Name)
	}
	if task == nil || task.state != s {
		return fmt.Errorf("%w: dependency target does not belong to state %s", ErrInvalidWorkflow, s.Name)
	}
	for _, p := range parents {
		if p == nil || p.state != s {
			return fmt.Errorf("%w: parent of %s does not belong to state %s", ErrInvalidWorkflow, task.Name, s.Name)
		}
		if err := s.graph.AddEdge(p.Name, task.Name); err != nil {
			if errors.Is(err, dag.ErrCycle) {
				return fmt.Errorf("%w: %v", ErrInvalidTasksDag, err)
			}
			return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
	}
	return nil
}

// Task returns the task with name, or nil.
func (s *State) Task(name string) *Task {
	return s.taskIndex[name]
}

// Tasks returns every task in insertion order. After Build this includes
// condition tasks.
func (s *State) Tasks() []*Task {
	return append([]*Task(nil), s.tasks...)
}

// Parents returns the names of the direct parents of a task.
func (s *State) Parents(name string) []string {
	return s.graph.Parents(name)
}

// Conditions returns conditions in declaration order.
func (s *State) Conditions() []*Condition {
	return append([]*Condition(nil), s.conditions...)
}

// Transitions returns the valid outgoing transitions in declaration order.
func (s *State) Transitions() []*Transition {
	var out []*Transition
	for _, c := range s.conditions {
		if c.Transition.IsValid() {
			out = append(out, c.Transition)
		}
	}
	return out
}

// Validate checks that the task graph is acyclic.
func (s *State) Validate() error {
	if err := s.graph.Validate(); err != nil {
		return fmt.Errorf("%w: state %s: %v", ErrInvalidTasksDag, s.Name, err)
	}
	return nil
}

// Phases returns the topological phases of the state's tasks.
func (s *State) Phases() ([][]string, error) {
	phases, err := s.graph.Generations()
	if err != nil {
		return nil, fmt.Errorf("%w: state %s: %v", ErrInvalidTasksDag, s.Name, err)
	}
	return phases, nil
}

// RootTask returns the single task without parents.
func (s *State) RootTask() (*Task, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	roots := s.graph.Roots()
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: state %s must have exactly one root task, got %d", ErrInvalidWorkflow, s.Name, len(roots))
	}
	return s.taskIndex[roots[0]], nil
}

// EndTask returns the single user-authored task without children. Once
// built, that is the parent of the condition tasks.
func (s *State) EndTask() (*Task, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var ends []string
	for _, name := range s.graph.Sinks() {
		if t := s.taskIndex[name]; t.IsCondition {
			ends = s.graph.Parents(name)
			break
		}
		ends = append(ends, name)
	}
	if len(ends) != 1 {
		return nil, fmt.Errorf("%w: state %s must end in exactly one task, got %d", ErrInvalidWorkflow, s.Name, len(ends))
	}
	return s.taskIndex[ends[0]], nil
}

// Build validates the DAG and appends one evaluation task per valid
// transition as a child of the end task, forming a new final phase. Building
// an already built state is a no-op.
func (s *State) Build() error {
	if s.built {
		return nil
	}
	if len(s.tasks) == 0 {
		return fmt.Errorf("%w: state %s has no tasks", ErrInvalidWorkflow, s.Name)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := s.RootTask(); err != nil {
		return err
	}
	end, err := s.EndTask()
	if err != nil {
		return err
	}

	for _, c := range s.conditions {
		if !c.Transition.IsValid() {
			continue
		}
		if _, exists := s.taskIndex[c.Name]; exists {
			return fmt.Errorf("%w: condition %s collides with a task in state %s", ErrInvalidWorkflow, c.Name, s.Name)
		}
		t := &Task{Name: c.Name, Capability: c.Capability, IsCondition: true, executor: c.executor, state: s}
		s.tasks = append(s.tasks, t)
		s.taskIndex[t.Name] = t
		s.graph.AddNode(t.Name)
		if err := s.graph.AddEdge(end.Name, t.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
		}
		c.task = t
	}

	s.built = true
	return nil
}

// Built reports whether Build has completed.
func (s *State) Built() bool {
	return s.built
}

func (s *State) addCondition(c *Condition) error {
	if s.built {
		return fmt.Errorf("%w: state %s is already built", ErrInvalidWorkflow, s.Name)
	}
	if err := checkName("condition", c.Name); err != nil {
		return fmt.Errorf("state %s: %w", s.Name, err)
	}
	for _, existing := range s.conditions {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: duplicate condition %s in state %s", ErrInvalidWorkflow, c.Name, s.Name)
		}
	}
	c.state = s
	s.conditions = append(s.conditions, c)
	return nil
}
