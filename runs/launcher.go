// Package runs creates workflow runs and exposes them for inspection and
// cancellation.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/scheduler"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// ErrRunFinished is returned when cancelling a run that already reached a
// terminal status.
var ErrRunFinished = errors.New("run already finished")

// Publisher is the part of the bus run creation needs.
type Publisher interface {
	scheduler.Publisher
	PublishOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string, payload map[string]any) error
}

// Launcher creates and starts runs.
type Launcher struct {
	store     *storage.Store
	pub       Publisher
	scheduler *scheduler.Scheduler
	registry  *capability.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithMetrics records launched runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Launcher) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// NewLauncher creates a launcher. registry may be nil, in which case
// capability resolution and input validation are left to the workers.
func NewLauncher(store *storage.Store, pub Publisher, registry *capability.Registry, opts ...Option) *Launcher {
	l := &Launcher{
		store:    store,
		pub:      pub,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.scheduler = scheduler.New(pub, l.logger)
	return l
}

// Launch builds the workflow, persists a new run in one transaction and
// enqueues the first phase of the initial state.
func (l *Launcher) Launch(ctx context.Context, wf *workflow.Workflow, input map[string]any) (*storage.WorkflowRun, error) {
	if err := wf.Build(); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := l.validate(wf, input); err != nil {
		return nil, err
	}

	run, err := NewRun(wf, input)
	if err != nil {
		return nil, err
	}
	if err := l.store.WithTransaction(ctx, func(tx *storage.Tx) error {
		return tx.CreateRun(run)
	}); err != nil {
		return nil, err
	}

	initial := run.CurrentState()
	l.logger.Info("Run created",
		"run_id", run.ID,
		"workflow", wf.ID(),
		"state", initial.Name,
		"state_instance_id", initial.ID)

	if err := l.start(ctx, initial, input); err != nil {
		l.abort(ctx, run, err)
		return nil, err
	}

	l.metrics.RunStarted(wf.Name)
	return run, nil
}

func (l *Launcher) validate(wf *workflow.Workflow, input map[string]any) error {
	if l.registry == nil {
		return nil
	}
	if err := wf.Verify(l.registry); err != nil {
		return err
	}
	root, err := wf.InitialState().RootTask()
	if err != nil {
		return err
	}
	exec := root.Executor()
	if exec == nil {
		if exec, err = l.registry.Lookup(root.Capability); err != nil {
			return err
		}
	}
	if err := exec.ValidateInput(input); err != nil {
		return fmt.Errorf("run input for %s: %w", root.Capability, err)
	}
	return nil
}

// start hands the run input to the initial state and schedules its root.
func (l *Launcher) start(ctx context.Context, st *storage.StateInstance, input map[string]any) error {
	if err := l.pub.PublishOutput(ctx, st.ID, workflow.StartProducer, input); err != nil {
		return fmt.Errorf("publish run input: %w", err)
	}
	return l.scheduler.EnqueueState(ctx, st)
}

// abort marks a run that could not be started as failed so it does not stay
// in progress with no work queued.
func (l *Launcher) abort(ctx context.Context, run *storage.WorkflowRun, cause error) {
	err := l.store.WithTransaction(ctx, func(tx *storage.Tx) error {
		locked, err := tx.LockRun(run.ID)
		if err != nil {
			return err
		}
		locked.Status = storage.StatusFailed
		locked.Error = cause.Error()
		ts := timeNow()
		locked.CompletedAt = &ts
		return tx.SaveRun(locked)
	})
	if err != nil {
		l.logger.Error("Failed to mark unstartable run failed",
			"run_id", run.ID,
			"cause", cause,
			"error", err)
	}
}

func timeNow() time.Time {
	return time.Now().UTC()
}

// NewRun materializes the run entities for a built workflow: one state
// instance per state with its phases and ordered transitions frozen, and one
// task instance per task. The initial state is queued and current.
func NewRun(wf *workflow.Workflow, input map[string]any) (*storage.WorkflowRun, error) {
	if !wf.Built() {
		return nil, fmt.Errorf("%w: workflow %s is not built", workflow.ErrInvalidWorkflow, wf.ID())
	}
	initial := wf.InitialState()

	run := &storage.WorkflowRun{
		ID:              uuid.New(),
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		WorkflowID:      wf.ID(),
		Status:          storage.StatusInProgress,
		InitialState:    initial.Name,
		Input:           input,
	}

	for _, s := range wf.States() {
		st, err := newStateInstance(s)
		if err != nil {
			return nil, err
		}
		st.RunID = run.ID
		if s == initial {
			st.Status = storage.StatusQueued
			st.Input = input
			st.Entries = 1
			id := st.ID
			run.CurrentStateID = &id
		}
		run.States = append(run.States, *st)
	}
	return run, nil
}

func newStateInstance(s *workflow.State) (*storage.StateInstance, error) {
	phases, err := s.Phases()
	if err != nil {
		return nil, err
	}
	roots := make(map[string]bool, len(phases[0]))
	for _, name := range phases[0] {
		roots[name] = true
	}

	st := &storage.StateInstance{
		ID:                uuid.New(),
		Name:              s.Name,
		Status:            storage.StatusCreated,
		SortedTasksPhases: phases,
	}
	for _, tr := range s.Transitions() {
		st.Transitions = append(st.Transitions, storage.TransitionRef{
			Condition: tr.Condition.Name,
			Target:    tr.Target.Name,
		})
	}
	for i, t := range s.Tasks() {
		deps := s.Parents(t.Name)
		if roots[t.Name] {
			deps = []string{workflow.StartProducer}
		}
		st.Tasks = append(st.Tasks, storage.TaskInstance{
			ID:              uuid.New(),
			StateInstanceID: st.ID,
			Name:            t.Name,
			Position:        i,
			DependsOn:       deps,
			Capability:      t.Capability,
			IsCondition:     t.IsCondition,
			Status:          storage.StatusCreated,
		})
	}
	return st, nil
}
