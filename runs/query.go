package runs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/storage"
)

// Report summarizes a run for users, including where a failed run stopped.
type Report struct {
	Run *storage.WorkflowRun `json:"run"`

	// CurrentState is the state the run is in or ended in.
	CurrentState string `json:"current_state,omitempty"`

	// LastCompletedState is the most recently completed state, if any.
	LastCompletedState string `json:"last_completed_state,omitempty"`

	FailedTask string `json:"failed_task,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Get loads a run without its states.
func (l *Launcher) Get(ctx context.Context, id uuid.UUID) (*storage.WorkflowRun, error) {
	return l.store.GetRun(ctx, id)
}

// List returns runs, newest first.
func (l *Launcher) List(ctx context.Context, filter storage.RunFilter) ([]storage.WorkflowRun, error) {
	return l.store.ListRuns(ctx, filter)
}

// Detail loads a run with every state and task and summarizes its progress.
func (l *Launcher) Detail(ctx context.Context, id uuid.UUID) (*Report, error) {
	run, err := l.store.GetRunDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Run:        run,
		FailedTask: run.FailedTask,
		Error:      run.Error,
	}
	if st := run.CurrentState(); st != nil {
		r.CurrentState = st.Name
	}
	if st := run.LastCompletedState(); st != nil {
		r.LastCompletedState = st.Name
	}
	return r, nil
}

// Cancel marks the run and its current state canceled. Workers and the
// coordinator drop work that belongs to a canceled run.
func (l *Launcher) Cancel(ctx context.Context, id uuid.UUID) (*storage.WorkflowRun, error) {
	var canceled *storage.WorkflowRun
	err := l.store.WithTransaction(ctx, func(tx *storage.Tx) error {
		run, err := tx.LockRun(id)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is %s", ErrRunFinished, id, run.Status)
		}

		ts := timeNow()
		if run.CurrentStateID != nil {
			st, err := tx.LockStateInstance(*run.CurrentStateID)
			if err != nil {
				return err
			}
			st.Status = storage.StatusCanceled
			st.CompletedAt = &ts
			if err := tx.SaveState(st); err != nil {
				return err
			}
		}

		run.Status = storage.StatusCanceled
		run.CompletedAt = &ts
		if err := tx.SaveRun(run); err != nil {
			return err
		}
		canceled = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Run canceled", "run_id", id)
	l.metrics.RunFinished(canceled.WorkflowName, string(storage.StatusCanceled))
	return canceled, nil
}
