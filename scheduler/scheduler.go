// Package scheduler turns the current phase of a state instance into task
// assignments on the bus.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/storage"
)

// Publisher publishes assignments. *bus.Bus satisfies it.
type Publisher interface {
	PublishAssignment(ctx context.Context, a bus.Assignment) error
}

// Scheduler enqueues tasks for workers.
type Scheduler struct {
	pub    Publisher
	logger *slog.Logger
}

// New creates a scheduler.
func New(pub Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pub: pub, logger: logger}
}

// EnqueueTasks publishes one assignment per task, in order. It stops at the
// first publish failure.
func (s *Scheduler) EnqueueTasks(ctx context.Context, st *storage.StateInstance, tasks []*storage.TaskInstance) error {
	for _, t := range tasks {
		a := bus.Assignment{StateInstanceID: st.ID, TaskName: t.Name}
		if err := s.pub.PublishAssignment(ctx, a); err != nil {
			return fmt.Errorf("enqueue %s.%s: %w", st.Name, t.Name, err)
		}
		s.logger.Debug("Enqueued task",
			"state_instance_id", st.ID,
			"state", st.Name,
			"task", t.Name)
	}
	return nil
}

// EnqueueState enqueues every task of the state's current phase. It returns
// storage.ErrPhaseOutOfRange when the phase index is past the last phase.
func (s *Scheduler) EnqueueState(ctx context.Context, st *storage.StateInstance) error {
	tasks, err := st.CurrentPhaseTasks()
	if err != nil {
		return err
	}
	s.logger.Debug("Enqueuing phase",
		"state_instance_id", st.ID,
		"state", st.Name,
		"phase", st.CurrentPhaseIndex,
		"tasks", len(tasks))
	return s.EnqueueTasks(ctx, st, tasks)
}
