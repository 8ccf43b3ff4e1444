// Package taskdispatcher implements the worker side of workflow execution.
// Each dispatch slot pulls one task assignment at a time, claims the task,
// feeds it the outputs of its parents, invokes its capability and publishes
// the result for descendants and the coordinator.
package taskdispatcher

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
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
)

// Publisher is the part of the bus the worker reads from and writes to.
type Publisher interface {
	OutputReader
	PublishOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string, payload map[string]any) error
	PublishCompletion(ctx context.Context, a bus.Assignment) error
}

// Deps are the collaborators the worker needs.
type Deps struct {
	Store       *storage.Store
	Bus         Publisher
	Assignments bus.Source
	Registry    *capability.Registry
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Component implements the task-dispatcher processor.
type Component struct {
	name        string
	config      Config
	store       *storage.Store
	bus         Publisher
	assignments bus.Source
	registry    *capability.Registry
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
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksDropped   atomic.Int64
	tasksRetried   atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// New creates a worker.
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
	if deps.Registry == nil {
		return nil, fmt.Errorf("capability registry required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:        "task-dispatcher",
		config:      config,
		store:       deps.Store,
		bus:         deps.Bus,
		assignments: deps.Assignments,
		registry:    deps.Registry,
		metrics:     deps.Metrics,
		logger:      logger,
	}, nil
}

// NewComponent creates a worker from raw JSON configuration, taking the
// logger from the framework dependencies when deps has none.
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
	c.logger.Debug("Initialized task-dispatcher",
		"slots", c.config.Slots(),
		"capabilities", len(c.registry.Keys()))
	return nil
}

// Run polls for assignments on every slot until ctx is cancelled. The first
// fatal error stops all slots and is returned.
func (c *Component) Run(ctx context.Context) error {
	if c.assignments == nil {
		return fmt.Errorf("assignments source required")
	}
	slots := c.config.Slots()
	c.logger.Info("task-dispatcher polling",
		"slots", slots,
		"tick_interval", c.config.GetTickInterval(),
		"execution_timeout", c.config.GetExecutionTimeout())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		slot := i
		g.Go(func() error {
			log := c.logger.With("slot", slot)
			return bus.Poll(gctx, c.assignments, bus.PollConfig{
				TickInterval: c.config.GetTickInterval(),
				FetchWait:    c.config.GetFetchTimeout(),
			}, c.handleDelivery, log)
		})
	}
	return g.Wait()
}

// Start runs the slots in the background.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	if c.assignments == nil {
		return fmt.Errorf("assignments source required")
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
			c.logger.Error("task-dispatcher stopped", "error", err)
		}
	}()

	c.logger.Info("task-dispatcher started", "slots", c.config.Slots())
	return nil
}

// Done is closed when the slots started with Start exit.
func (c *Component) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Err returns the error that stopped the slots, if any.
func (c *Component) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loopErr
}

// handleDelivery settles one assignment message.
func (c *Component) handleDelivery(ctx context.Context, d bus.Delivery) error {
	c.updateLastActivity()
	c.metrics.SlotBusy(1)
	defer c.metrics.SlotBusy(-1)

	a, err := bus.ParseAssignment(d.Data())
	if err != nil {
		c.logger.Warn("Dropping malformed assignment", "error", err)
		c.drop(d)
		return nil
	}

	err = c.HandleAssignment(ctx, a)
	switch {
	case err == nil:
		c.ack(d)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("Dropping assignment for unknown task",
			"state_instance_id", a.StateInstanceID,
			"task", a.TaskName,
			"error", err)
		c.drop(d)
		return nil
	case isFatal(err):
		c.nak(d)
		return err
	default:
		c.logger.Error("Failed to handle assignment",
			"state_instance_id", a.StateInstanceID,
			"task", a.TaskName,
			"error", err)
		c.tasksRetried.Add(1)
		c.nak(d)
		return nil
	}
}

// HandleAssignment executes one assigned task. Stale and duplicate
// assignments are absorbed: only the delivery that claims a created task
// runs it, and a task that already finished has its result published again.
// A claim left idle past reclaim_after is taken over by the next delivery.
func (c *Component) HandleAssignment(ctx context.Context, a *bus.Assignment) error {
	t, err := c.store.GetTask(ctx, a.StateInstanceID, a.TaskName)
	if err != nil {
		return err
	}
	st, err := c.store.GetStateInstance(ctx, t.StateInstanceID)
	if err != nil {
		return err
	}
	run, err := c.store.GetRun(ctx, st.RunID)
	if err != nil {
		return err
	}

	log := c.logger.With(
		"run_id", run.ID,
		"state", st.Name,
		"state_instance_id", st.ID,
		"task", t.Name,
		"capability", t.Capability)

	if run.Status.IsTerminal() || st.Status.IsTerminal() {
		log.Debug("Dropping assignment for finished state",
			"state_status", st.Status,
			"run_status", run.Status)
		c.tasksDropped.Add(1)
		return nil
	}
	if phase, err := st.CurrentPhase(); err != nil || !slices.Contains(phase, t.Name) {
		log.Debug("Dropping assignment outside the current phase",
			"phase", st.CurrentPhaseIndex)
		c.tasksDropped.Add(1)
		return nil
	}

	claim := c.store.ClaimTask
	switch t.Status {
	case storage.StatusCreated:
	case storage.StatusCompleted, storage.StatusFailed:
		log.Debug("Republishing result of finished task", "status", t.Status)
		return c.publishResult(ctx, t)
	case storage.StatusQueued, storage.StatusInProgress:
		staleBefore := time.Now().Add(-c.config.GetReclaimAfter())
		if t.UpdatedAt.After(staleBefore) {
			log.Debug("Dropping duplicate assignment", "status", t.Status)
			c.tasksDropped.Add(1)
			return nil
		}
		log.Warn("Reclaiming abandoned task",
			"status", t.Status,
			"attempts", t.Attempts,
			"updated_at", t.UpdatedAt)
		claim = func(ctx context.Context, t *storage.TaskInstance) error {
			return c.store.ReclaimTask(ctx, t, staleBefore)
		}
	default:
		log.Debug("Dropping assignment", "status", t.Status)
		c.tasksDropped.Add(1)
		return nil
	}

	exec, lookupErr := c.registry.Lookup(t.Capability)

	if err := claim(ctx, t); err != nil {
		if errors.Is(err, storage.ErrTaskNotClaimable) {
			log.Debug("Task claimed by another delivery")
			c.tasksDropped.Add(1)
			return nil
		}
		return err
	}

	if lookupErr != nil {
		return c.fail(ctx, t, lookupErr, time.Now(), log)
	}
	return c.execute(ctx, t, exec, log)
}

// execute runs a claimed task and records its outcome.
func (c *Component) execute(ctx context.Context, t *storage.TaskInstance, exec *capability.Executor, log *slog.Logger) error {
	started := time.Now()

	input, err := ResolveInputs(ctx, c.bus, t)
	if err != nil {
		if isFatal(err) {
			return err
		}
		return c.fail(ctx, t, err, started, log)
	}
	if err := exec.ValidateInput(input); err != nil {
		return c.fail(ctx, t, err, started, log)
	}
	if err := c.store.StartTask(ctx, t, input); err != nil {
		return err
	}

	output, err := c.invoke(ctx, exec, input)
	if err != nil {
		return c.fail(ctx, t, err, started, log)
	}
	if err := exec.ValidateOutput(output); err != nil {
		return c.fail(ctx, t, err, started, log)
	}

	if err := c.store.CompleteTask(ctx, t, output); err != nil {
		return err
	}
	if err := c.publishResult(ctx, t); err != nil {
		return err
	}

	elapsed := time.Since(started)
	c.tasksCompleted.Add(1)
	c.metrics.TaskExecuted(t.Capability, string(storage.StatusCompleted), elapsed)
	log.Info("Task completed", "duration", elapsed)
	return nil
}

// invoke calls the executor under the execution timeout. A panicking
// executor fails its task instead of the slot.
func (c *Component) invoke(ctx context.Context, exec *capability.Executor, input map[string]any) (out map[string]any, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.GetExecutionTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", exec.Key(), r)
		}
	}()

	out, err = exec.Call(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", exec.Key(), err)
	}
	return out, nil
}

// fail persists the task failure and notifies the coordinator.
func (c *Component) fail(ctx context.Context, t *storage.TaskInstance, cause error, started time.Time, log *slog.Logger) error {
	if err := c.store.FailTask(ctx, t, cause.Error()); err != nil {
		return err
	}
	if err := c.publishResult(ctx, t); err != nil {
		return err
	}
	c.tasksFailed.Add(1)
	c.metrics.TaskExecuted(t.Capability, string(storage.StatusFailed), time.Since(started))
	log.Warn("Task failed", "error", cause)
	return nil
}

// publishResult publishes the output of a completed task followed by its
// completion, or the failure completion of a failed task.
func (c *Component) publishResult(ctx context.Context, t *storage.TaskInstance) error {
	completion := bus.Assignment{StateInstanceID: t.StateInstanceID, TaskName: t.Name}
	if t.Status == storage.StatusFailed {
		completion.Failed = true
		completion.Error = t.Error
	} else if err := c.bus.PublishOutput(ctx, t.StateInstanceID, t.Name, t.Output); err != nil {
		return fmt.Errorf("publish output of %s: %w", t.Name, err)
	}
	if err := c.bus.PublishCompletion(ctx, completion); err != nil {
		return fmt.Errorf("publish completion of %s: %w", t.Name, err)
	}
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, storage.ErrDatabaseUnavailable) || errors.Is(err, bus.ErrMessageBusUnavailable)
}

func (c *Component) drop(d bus.Delivery) {
	c.tasksDropped.Add(1)
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

// Stop gracefully stops the component, letting in-flight tasks finish
// within timeout.
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
		return fmt.Errorf("task-dispatcher did not stop within %s", timeout)
	}

	c.logger.Info("task-dispatcher stopped",
		"tasks_completed", c.tasksCompleted.Load(),
		"tasks_failed", c.tasksFailed.Load(),
		"tasks_dropped", c.tasksDropped.Load(),
		"tasks_retried", c.tasksRetried.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-dispatcher",
		Type:        "processor",
		Description: "Executes assigned tasks and publishes their outputs",
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
	return taskDispatcherSchema
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
		ErrorCount: int(c.tasksFailed.Load() + c.tasksRetried.Load()),
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
