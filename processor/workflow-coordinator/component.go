// Package workflowcoordinator drives workflow runs forward. It consumes task
// completion notifications and, one store transaction per notification,
// advances the state's phase, fires the first matching transition, or ends
// the run.
package workflowcoordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/scheduler"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// Publisher is the part of the bus the coordinator writes to.
type Publisher interface {
	scheduler.Publisher
	PublishOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string, payload map[string]any) error
}

// Deps are the collaborators the coordinator needs.
type Deps struct {
	Store       *storage.Store
	Bus         Publisher
	Completions bus.Source
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Component implements the workflow-coordinator processor.
type Component struct {
	name        string
	config      Config
	store       *storage.Store
	bus         Publisher
	completions bus.Source
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	loopErr   error

	// Metrics
	completionsHandled atomic.Int64
	completionsDropped atomic.Int64
	completionsRetried atomic.Int64
	lastActivityMu     sync.RWMutex
	lastActivity       time.Time
}

// New creates a coordinator.
func New(config Config, deps Deps) (*Component, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:        "workflow-coordinator",
		config:      config,
		store:       deps.Store,
		bus:         deps.Bus,
		completions: deps.Completions,
		scheduler:   scheduler.New(deps.Bus, logger),
		metrics:     deps.Metrics,
		logger:      logger,
	}, nil
}

// NewComponent creates a coordinator from raw JSON configuration, taking
// the logger from the framework dependencies when deps has none.
func NewComponent(rawConfig json.RawMessage, fw component.Dependencies, deps Deps) (component.Discoverable, error) {
	var config Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if deps.Logger == nil {
		deps.Logger = fw.GetLogger()
	}
	return New(config, deps)
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized workflow-coordinator",
		"tick_interval", c.config.TickInterval,
		"fetch_timeout", c.config.FetchTimeout)
	return nil
}

// Run consumes completions until ctx is cancelled. It returns an error only
// when the store or the bus becomes unavailable.
func (c *Component) Run(ctx context.Context) error {
	if c.completions == nil {
		return fmt.Errorf("completions source required")
	}
	c.logger.Info("workflow-coordinator polling",
		"tick_interval", c.config.GetTickInterval(),
		"fetch_timeout", c.config.GetFetchTimeout())

	return bus.Poll(ctx, c.completions, bus.PollConfig{
		TickInterval: c.config.GetTickInterval(),
		FetchWait:    c.config.GetFetchTimeout(),
	}, c.handleDelivery, c.logger)
}

// Start runs the polling loop in the background.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	if c.completions == nil {
		return fmt.Errorf("completions source required")
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()
	c.done = make(chan struct{})
	c.loopErr = nil

	go func() {
		err := c.Run(subCtx)
		c.mu.Lock()
		c.loopErr = err
		c.running = false
		close(c.done)
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("workflow-coordinator stopped", "error", err)
		}
	}()

	c.logger.Info("workflow-coordinator started")
	return nil
}

// Done is closed when a loop started with Start exits.
func (c *Component) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Err returns the error that stopped the loop, if any.
func (c *Component) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loopErr
}

// handleDelivery settles one completion message.
func (c *Component) handleDelivery(ctx context.Context, d bus.Delivery) error {
	c.updateLastActivity()

	a, err := bus.ParseAssignment(d.Data())
	if err != nil {
		c.logger.Warn("Dropping malformed completion", "error", err)
		c.drop(d)
		return nil
	}

	if bus.Redelivered(d) {
		err = c.RedeliveredCompletion(ctx, a)
	} else {
		err = c.HandleCompletion(ctx, a)
	}
	switch {
	case err == nil:
		c.completionsHandled.Add(1)
		c.metrics.Completion("processed")
		c.ack(d)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("Dropping completion for unknown state instance",
			"state_instance_id", a.StateInstanceID,
			"task", a.TaskName,
			"error", err)
		c.drop(d)
		return nil
	case isFatal(err):
		c.nak(d)
		return err
	default:
		c.logger.Error("Failed to handle completion",
			"state_instance_id", a.StateInstanceID,
			"task", a.TaskName,
			"error", err)
		c.completionsRetried.Add(1)
		c.metrics.Completion("retried")
		c.nak(d)
		return nil
	}
}

// followUp is the bus work a committed coordinator step leaves behind: the
// input of a newly entered state, if any, and the current phase of state.
type followUp struct {
	state     *storage.StateInstance
	withInput bool
	input     map[string]any
}

// HandleCompletion applies one completion notification atomically and then
// publishes the work it scheduled. A worker receiving an assignment always
// sees the committed phase that contains it.
//
// Duplicate notifications are absorbed: a terminal state is never advanced
// again and an incomplete phase is left alone.
func (c *Component) HandleCompletion(ctx context.Context, a *bus.Assignment) error {
	return c.handle(ctx, a, false)
}

// RedeliveredCompletion is HandleCompletion for a notification the bus has
// handed out before. If its step was already committed, the current phase
// is enqueued again when none of its tasks has started, which recovers
// publishes lost between commit and ack.
func (c *Component) RedeliveredCompletion(ctx context.Context, a *bus.Assignment) error {
	return c.handle(ctx, a, true)
}

func (c *Component) handle(ctx context.Context, a *bus.Assignment, redelivered bool) error {
	var next *followUp
	err := c.store.WithTransaction(ctx, func(tx *storage.Tx) error {
		var err error
		next, err = c.step(tx, a, redelivered)
		return err
	})
	if err != nil || next == nil {
		return err
	}
	return c.publish(ctx, next)
}

func (c *Component) step(tx *storage.Tx, a *bus.Assignment, redelivered bool) (*followUp, error) {
	peek, err := tx.GetStateInstance(a.StateInstanceID)
	if err != nil {
		return nil, err
	}
	run, err := tx.LockRun(peek.RunID)
	if err != nil {
		return nil, err
	}
	st, err := tx.LockStateInstance(a.StateInstanceID)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(
		"run_id", run.ID,
		"state", st.Name,
		"state_instance_id", st.ID,
		"task", a.TaskName)

	if run.Status.IsTerminal() {
		log.Debug("Ignoring completion for finished run", "run_status", run.Status)
		return nil, nil
	}
	if st.Status.IsTerminal() || run.CurrentStateID == nil || *run.CurrentStateID != st.ID {
		log.Debug("Completion for state that is no longer current", "state_status", st.Status)
		if !redelivered {
			return nil, nil
		}
		return c.resumeRun(tx, run, log)
	}

	phase, err := st.CurrentPhase()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(phase, a.TaskName) {
		log.Debug("Completion from an earlier phase", "phase", st.CurrentPhaseIndex)
		if !redelivered {
			return nil, nil
		}
		return resumeState(st, log), nil
	}

	if failed := failedTask(st, a); failed != "" {
		return nil, c.failRun(tx, run, st, failed, failureReason(st, a, failed), log)
	}

	if !st.CurrentPhaseComplete() {
		if st.Status == storage.StatusQueued {
			st.Status = storage.StatusInProgress
			return nil, tx.SaveState(st)
		}
		return nil, nil
	}

	if st.HasMorePhases() {
		if err := st.NextPhase(); err != nil {
			return nil, err
		}
		st.Status = storage.StatusInProgress
		if err := tx.SaveState(st); err != nil {
			return nil, err
		}
		log.Debug("Advancing phase", "phase", st.CurrentPhaseIndex)
		return &followUp{state: st}, nil
	}

	return c.finishState(tx, run, st, log)
}

// resumeRun re-enqueues the current state of run when its phase has not
// started.
func (c *Component) resumeRun(tx *storage.Tx, run *storage.WorkflowRun, log *slog.Logger) (*followUp, error) {
	if run.CurrentStateID == nil {
		return nil, nil
	}
	cur, err := tx.LockStateInstance(*run.CurrentStateID)
	if err != nil {
		return nil, err
	}
	return resumeState(cur, log.With("current_state", cur.Name)), nil
}

// resumeState returns the current phase of st for enqueueing when every task
// in it is still created. Phase 0 also carries the state input again.
func resumeState(st *storage.StateInstance, log *slog.Logger) *followUp {
	if st.Status != storage.StatusQueued && st.Status != storage.StatusInProgress {
		return nil
	}
	tasks, err := st.CurrentPhaseTasks()
	if err != nil || len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.Status != storage.StatusCreated {
			return nil
		}
	}
	log.Info("Re-enqueuing unstarted phase", "phase", st.CurrentPhaseIndex)
	f := &followUp{state: st}
	if st.CurrentPhaseIndex == 0 {
		f.withInput = true
		f.input = st.Input
	}
	return f
}

// publish hands a committed step's work to the bus.
func (c *Component) publish(ctx context.Context, f *followUp) error {
	if f.withInput {
		if err := c.bus.PublishOutput(ctx, f.state.ID, workflow.StartProducer, f.input); err != nil {
			return fmt.Errorf("publish input of %s: %w", f.state.Name, err)
		}
	}
	return c.scheduler.EnqueueState(ctx, f.state)
}

// finishState evaluates transitions of a state whose phases are all
// complete. The first firing transition moves the run; none ends it.
func (c *Component) finishState(tx *storage.Tx, run *storage.WorkflowRun, st *storage.StateInstance, log *slog.Logger) (*followUp, error) {
	output, err := st.StateOutput()
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC()
	st.Status = storage.StatusCompleted
	st.Output = output
	st.CompletedAt = &ts

	target, fired := st.NextState()
	if !fired {
		if err := tx.SaveState(st); err != nil {
			return nil, err
		}
		run.Status = storage.StatusCompleted
		run.Output = output
		run.CompletedAt = &ts
		if err := tx.SaveRun(run); err != nil {
			return nil, err
		}
		log.Info("Run completed", "workflow", run.WorkflowID)
		c.metrics.RunFinished(run.WorkflowName, string(storage.StatusCompleted))
		return nil, nil
	}

	next := st
	if target != st.Name {
		if err := tx.SaveState(st); err != nil {
			return nil, err
		}
		if next, err = tx.StateInstanceByName(run.ID, target); err != nil {
			return nil, fmt.Errorf("transition %s -> %s: %w", st.Name, target, err)
		}
	}

	if next.Entries > 0 {
		next.Reset()
		if err := tx.SaveTasks(next); err != nil {
			return nil, err
		}
	}
	next.Status = storage.StatusQueued
	next.Input = output
	next.Entries++
	if err := tx.SaveState(next); err != nil {
		return nil, err
	}

	id := next.ID
	run.CurrentStateID = &id
	if err := tx.SaveRun(run); err != nil {
		return nil, err
	}

	log.Info("State transition",
		"from", st.Name,
		"to", next.Name,
		"entries", next.Entries)
	c.metrics.StateTransition(run.WorkflowName, st.Name, next.Name)
	return &followUp{state: next, withInput: true, input: output}, nil
}

func (c *Component) failRun(tx *storage.Tx, run *storage.WorkflowRun, st *storage.StateInstance, task, reason string, log *slog.Logger) error {
	ts := time.Now().UTC()
	st.Status = storage.StatusFailed
	st.CompletedAt = &ts
	if err := tx.SaveState(st); err != nil {
		return err
	}
	run.Status = storage.StatusFailed
	run.FailedTask = task
	run.Error = reason
	run.CompletedAt = &ts
	if err := tx.SaveRun(run); err != nil {
		return err
	}
	log.Warn("Run failed", "failed_task", task, "error", reason)
	c.metrics.RunFinished(run.WorkflowName, string(storage.StatusFailed))
	return nil
}

// failedTask returns the task that failed the current phase, or "".
func failedTask(st *storage.StateInstance, a *bus.Assignment) string {
	if a.Failed {
		return a.TaskName
	}
	if t := st.CurrentPhaseFailure(); t != nil {
		return t.Name
	}
	return ""
}

func failureReason(st *storage.StateInstance, a *bus.Assignment, task string) string {
	if a.Failed && a.TaskName == task && a.Error != "" {
		return a.Error
	}
	if t := st.Task(task); t != nil && t.Error != "" {
		return t.Error
	}
	return "task failed"
}

func isFatal(err error) bool {
	return errors.Is(err, storage.ErrDatabaseUnavailable) || errors.Is(err, bus.ErrMessageBusUnavailable)
}

func (c *Component) drop(d bus.Delivery) {
	c.completionsDropped.Add(1)
	c.metrics.Completion("dropped")
	c.ack(d)
}

func (c *Component) ack(d bus.Delivery) {
	if err := d.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

func (c *Component) nak(d bus.Delivery) {
	if err := d.Nak(); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("workflow-coordinator did not stop within %s", timeout)
	}

	c.logger.Info("workflow-coordinator stopped",
		"completions_handled", c.completionsHandled.Load(),
		"completions_dropped", c.completionsDropped.Load(),
		"completions_retried", c.completionsRetried.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "workflow-coordinator",
		Type:        "processor",
		Description: "Advances workflow runs on task completions",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return ports(c.config.Ports.Inputs, component.DirectionInput)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return ports(c.config.Ports.Outputs, component.DirectionOutput)
}

func ports(defs []component.PortDefinition, dir component.Direction) []component.Port {
	out := make([]component.Port, len(defs))
	for i, def := range defs {
		out[i] = component.Port{
			Name:        def.Name,
			Direction:   dir,
			Required:    def.Required,
			Description: def.Description,
			Config: component.NATSPort{
				Subject: def.Subject,
			},
		}
	}
	return out
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return coordinatorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.completionsRetried.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
