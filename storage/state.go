package storage

import (
	"fmt"

	"github.com/c360studio/semflow/capability"
)

// Task returns the task instance with name, or nil. Tasks must be loaded.
func (s *StateInstance) Task(name string) *TaskInstance {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i]
		}
	}
	return nil
}

// CurrentPhase returns the task names of the current phase.
func (s *StateInstance) CurrentPhase() ([]string, error) {
	if s.CurrentPhaseIndex < 0 || s.CurrentPhaseIndex >= len(s.SortedTasksPhases) {
		return nil, fmt.Errorf("%w: state %s phase %d of %d", ErrPhaseOutOfRange, s.Name, s.CurrentPhaseIndex, len(s.SortedTasksPhases))
	}
	return s.SortedTasksPhases[s.CurrentPhaseIndex], nil
}

// CurrentPhaseTasks returns the materialized tasks of the current phase in
// phase order.
func (s *StateInstance) CurrentPhaseTasks() ([]*TaskInstance, error) {
	names, err := s.CurrentPhase()
	if err != nil {
		return nil, err
	}
	return s.tasksNamed(names)
}

func (s *StateInstance) tasksNamed(names []string) ([]*TaskInstance, error) {
	tasks := make([]*TaskInstance, 0, len(names))
	for _, name := range names {
		t := s.Task(name)
		if t == nil {
			return nil, fmt.Errorf("%w: task %s in state %s", ErrNotFound, name, s.Name)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CurrentPhaseComplete reports whether every task of the current phase is
// completed.
func (s *StateInstance) CurrentPhaseComplete() bool {
	tasks, err := s.CurrentPhaseTasks()
	if err != nil {
		return false
	}
	for _, t := range tasks {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// CurrentPhaseFailure returns the first failed task of the current phase, or nil.
func (s *StateInstance) CurrentPhaseFailure() *TaskInstance {
	tasks, err := s.CurrentPhaseTasks()
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.Status == StatusFailed {
			return t
		}
	}
	return nil
}

// HasMorePhases reports whether a phase follows the current one.
func (s *StateInstance) HasMorePhases() bool {
	return s.CurrentPhaseIndex < len(s.SortedTasksPhases)-1
}

// AllPhasesComplete reports whether the current phase is the last and complete.
func (s *StateInstance) AllPhasesComplete() bool {
	return !s.HasMorePhases() && s.CurrentPhaseComplete()
}

// NextPhase advances the phase index.
func (s *StateInstance) NextPhase() error {
	if !s.HasMorePhases() {
		return fmt.Errorf("%w: state %s has no phase after %d", ErrPhaseOutOfRange, s.Name, s.CurrentPhaseIndex)
	}
	s.CurrentPhaseIndex++
	return nil
}

// FinalPhase returns the last phase of user tasks: the phase preceding the
// appended condition phase when the state has transitions, otherwise the
// last phase.
func (s *StateInstance) FinalPhase() ([]string, error) {
	n := len(s.SortedTasksPhases)
	idx := n - 1
	if len(s.Transitions) > 0 {
		idx = n - 2
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: state %s has no final phase", ErrPhaseOutOfRange, s.Name)
	}
	return s.SortedTasksPhases[idx], nil
}

// StateOutput merges the outputs of the final phase tasks in phase order.
// Later tasks win on key collisions.
func (s *StateInstance) StateOutput() (map[string]any, error) {
	names, err := s.FinalPhase()
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasksNamed(names)
	if err != nil {
		return nil, err
	}
	outputs := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		outputs = append(outputs, t.Output)
	}
	return Merge(outputs...), nil
}

// NextState evaluates transitions in declaration order and returns the target
// of the first whose condition task reported condition_evaluation == true.
func (s *StateInstance) NextState() (string, bool) {
	for _, tr := range s.Transitions {
		t := s.Task(tr.Condition)
		if t == nil || t.Status != StatusCompleted {
			continue
		}
		if fired, _ := t.Output[capability.ConditionField].(bool); fired {
			return tr.Target, true
		}
	}
	return "", false
}

// Reset returns a previously entered state to its initial schedule so the run
// can enter it again.
func (s *StateInstance) Reset() {
	s.CurrentPhaseIndex = 0
	s.Status = StatusCreated
	s.Input = nil
	s.Output = nil
	s.CompletedAt = nil
	for i := range s.Tasks {
		t := &s.Tasks[i]
		t.Status = StatusCreated
		t.Input = nil
		t.Output = nil
		t.Error = ""
		t.StartedAt = nil
		t.CompletedAt = nil
	}
}

// Merge combines maps left to right; later maps win on key collisions.
func Merge(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
