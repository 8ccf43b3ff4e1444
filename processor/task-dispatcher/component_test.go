package taskdispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/bustest"
	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/capability/builtin"
	workflowcoordinator "github.com/c360studio/semflow/processor/workflow-coordinator"
	"github.com/c360studio/semflow/runs"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/storage/storagetest"
	"github.com/c360studio/semflow/workflow"
)

type harness struct {
	t      *testing.T
	store  *storage.Store
	bus    *bustest.Bus
	reg    *capability.Registry
	worker *Component
	calls  atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, store: storagetest.New(t), bus: bustest.New(), reg: capability.NewRegistry()}
	require.NoError(t, builtin.Register(h.reg))
	h.reg.MustRegister(
		capability.MustNew("test", "count", func(_ context.Context, in map[string]any) (map[string]any, error) {
			h.calls.Add(1)
			return in, nil
		}),
		capability.MustNew("test", "boom", func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}),
		capability.MustNew("test", "panic", func(context.Context, map[string]any) (map[string]any, error) {
			panic("kaboom")
		}),
		capability.MustNew("test", "slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)

	worker, err := New(Config{ExecutionTimeout: "50ms"}, Deps{Store: h.store, Bus: h.bus, Registry: h.reg})
	require.NoError(t, err)
	h.worker = worker
	return h
}

func (h *harness) launch(wf *workflow.Workflow, input map[string]any) (*storage.WorkflowRun, *storage.StateInstance) {
	h.t.Helper()
	run, err := runs.NewLauncher(h.store, h.bus, h.reg).Launch(context.Background(), wf, input)
	require.NoError(h.t, err)
	detail, err := h.store.GetRunDetail(context.Background(), run.ID)
	require.NoError(h.t, err)
	return run, detail.CurrentState()
}

func (h *harness) task(st *storage.StateInstance, name string) *storage.TaskInstance {
	h.t.Helper()
	ti, err := h.store.GetTask(context.Background(), st.ID, name)
	require.NoError(h.t, err)
	return ti
}

func (h *harness) handle(st *storage.StateInstance, name string) {
	h.t.Helper()
	require.NoError(h.t, h.worker.HandleAssignment(context.Background(), &bus.Assignment{StateInstanceID: st.ID, TaskName: name}))
}

// single builds a one state workflow whose only task runs capabilityKey.
func single(t *testing.T, capabilityKey string) *workflow.Workflow {
	t.Helper()
	w := workflow.New("single", "1")
	s, err := w.AddState("only")
	require.NoError(t, err)
	_, err = s.AddTask("work", capabilityKey)
	require.NoError(t, err)
	return w
}

func TestExecutesTaskAndPublishesResult(t *testing.T) {
	h := newHarness(t)
	_, st := h.launch(single(t, "builtin.double"), map[string]any{"q": 5})
	h.bus.Assignments()

	h.handle(st, "work")

	ti := h.task(st, "work")
	assert.Equal(t, storage.StatusCompleted, ti.Status)
	assert.Equal(t, map[string]any{"q": float64(10)}, ti.Output)
	assert.Equal(t, float64(5), ti.Input["q"])
	assert.Equal(t, 1, ti.Attempts)
	assert.NotNil(t, ti.StartedAt)
	assert.NotNil(t, ti.CompletedAt)

	assert.Equal(t, map[string]any{"q": float64(10)}, h.bus.Output(st.ID, "work"))
	assert.Equal(t, []bus.Assignment{{StateInstanceID: st.ID, TaskName: "work"}}, h.bus.Completions())
}

func TestDuplicateAssignmentRepublishesWithoutRerunning(t *testing.T) {
	h := newHarness(t)
	_, st := h.launch(single(t, "test.count"), map[string]any{"x": 1})

	h.handle(st, "work")
	h.handle(st, "work")

	assert.Equal(t, int64(1), h.calls.Load())
	assert.Len(t, h.bus.Completions(), 2)
	assert.Equal(t, 1, h.task(st, "work").Attempts)
}

func TestClaimedTaskIsNotRunTwice(t *testing.T) {
	h := newHarness(t)
	_, st := h.launch(single(t, "test.count"), nil)

	ti := h.task(st, "work")
	require.NoError(t, h.store.ClaimTask(context.Background(), ti))

	h.handle(st, "work")
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.bus.Completions())
}

func TestAbandonedClaimIsReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, st := h.launch(single(t, "test.count"), map[string]any{"x": 1})

	// The claiming worker stopped mid-task and left the claim idle.
	ti := h.task(st, "work")
	require.NoError(t, h.store.ClaimTask(ctx, ti))
	require.NoError(t, h.store.StartTask(ctx, ti, nil))
	require.NoError(t, h.store.DB().Model(&storage.TaskInstance{}).
		Where("id = ?", ti.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)

	h.handle(st, "work")

	assert.Equal(t, int64(1), h.calls.Load())
	got := h.task(st, "work")
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []bus.Assignment{{StateInstanceID: st.ID, TaskName: "work"}}, h.bus.Completions())

	// The reclaimed run finished, so a later delivery only republishes.
	h.handle(st, "work")
	assert.Equal(t, int64(1), h.calls.Load())
}

func TestFailuresAreRecordedAndReported(t *testing.T) {
	tests := []struct {
		name       string
		capability string
		input      map[string]any
		wantErr    string
	}{
		{name: "executor error", capability: "test.boom", wantErr: "boom"},
		{name: "executor panic", capability: "test.panic", wantErr: "kaboom"},
		{name: "execution timeout", capability: "test.slow", wantErr: context.DeadlineExceeded.Error()},
		{name: "invalid input", capability: "builtin.double", input: map[string]any{"x": 1}, wantErr: capability.ErrInvalidArguments.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			wf := single(t, tt.capability)
			run, err := runs.NewLauncher(h.store, h.bus, nil).Launch(context.Background(), wf, tt.input)
			require.NoError(t, err)
			detail, err := h.store.GetRunDetail(context.Background(), run.ID)
			require.NoError(t, err)
			st := detail.CurrentState()

			h.handle(st, "work")

			ti := h.task(st, "work")
			assert.Equal(t, storage.StatusFailed, ti.Status)
			assert.Contains(t, ti.Error, tt.wantErr)
			assert.Nil(t, h.bus.Output(st.ID, "work"))

			completions := h.bus.Completions()
			require.Len(t, completions, 1)
			assert.True(t, completions[0].Failed)
			assert.Contains(t, completions[0].Error, tt.wantErr)
		})
	}
}

func TestUnknownCapabilityFailsTask(t *testing.T) {
	h := newHarness(t)
	run, err := runs.NewLauncher(h.store, h.bus, nil).Launch(context.Background(), single(t, "test.missing"), nil)
	require.NoError(t, err)
	detail, err := h.store.GetRunDetail(context.Background(), run.ID)
	require.NoError(t, err)
	st := detail.CurrentState()

	h.handle(st, "work")

	ti := h.task(st, "work")
	assert.Equal(t, storage.StatusFailed, ti.Status)
	assert.Contains(t, ti.Error, capability.ErrUnknownCapability.Error())
	completions := h.bus.Completions()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Failed)
}

func TestStaleAssignmentsAreDropped(t *testing.T) {
	ctx := context.Background()

	t.Run("canceled run", func(t *testing.T) {
		h := newHarness(t)
		run, st := h.launch(single(t, "test.count"), nil)
		_, err := runs.NewLauncher(h.store, h.bus, nil).Cancel(ctx, run.ID)
		require.NoError(t, err)

		h.handle(st, "work")
		assert.Zero(t, h.calls.Load())
		assert.Equal(t, storage.StatusCreated, h.task(st, "work").Status)
	})

	t.Run("task outside current phase", func(t *testing.T) {
		h := newHarness(t)
		w := workflow.New("chain", "1")
		s, err := w.AddState("only")
		require.NoError(t, err)
		a, _ := s.AddTask("a", "test.count")
		b, _ := s.AddTask("b", "test.count")
		require.NoError(t, s.AddDependency(b, a))
		_, st := h.launch(w, nil)

		h.handle(st, "b")
		assert.Zero(t, h.calls.Load())
		assert.Equal(t, storage.StatusCreated, h.task(st, "b").Status)
	})
}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed is acked", func(t *testing.T) {
		h := newHarness(t)
		d := bustest.NewDelivery([]byte(`{"task_name":""}`))
		require.NoError(t, h.worker.handleDelivery(ctx, d))
		assert.Equal(t, "ack", d.Settled())
	})

	t.Run("unknown task is acked", func(t *testing.T) {
		h := newHarness(t)
		data, _ := json.Marshal(bus.Assignment{StateInstanceID: uuid.New(), TaskName: "work"})
		d := bustest.NewDelivery(data)
		require.NoError(t, h.worker.handleDelivery(ctx, d))
		assert.Equal(t, "ack", d.Settled())
	})

	t.Run("bus outage is fatal", func(t *testing.T) {
		h := newHarness(t)
		_, st := h.launch(single(t, "test.count"), nil)
		h.bus.Err = bus.ErrMessageBusUnavailable

		data, _ := json.Marshal(bus.Assignment{StateInstanceID: st.ID, TaskName: "work"})
		d := bustest.NewDelivery(data)
		err := h.worker.handleDelivery(ctx, d)
		assert.ErrorIs(t, err, bus.ErrMessageBusUnavailable)
		assert.Equal(t, "nak", d.Settled())
	})
}

// drive plays the part of the bus between worker and coordinator until no
// work is left.
func drive(t *testing.T, h *harness, coord *workflowcoordinator.Component) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		assignments := h.bus.Assignments()
		completions := h.bus.Completions()
		if len(assignments) == 0 && len(completions) == 0 {
			return
		}
		for _, a := range assignments {
			require.NoError(t, h.worker.HandleAssignment(ctx, &a))
		}
		for _, c := range completions {
			require.NoError(t, coord.HandleCompletion(ctx, &c))
		}
	}
	t.Fatal("workflow did not settle")
}

func TestDoublerRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	coord, err := workflowcoordinator.New(workflowcoordinator.DefaultConfig(), workflowcoordinator.Deps{Store: h.store, Bus: h.bus})
	require.NoError(t, err)

	run, _ := h.launch(single(t, "builtin.double"), map[string]any{"q": 5})
	drive(t, h, coord)

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"q": float64(10)}, got.Output)
}

func TestLoopReentersStateUntilConditionClears(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister(must(capability.NewCondition(capability.NamespaceTransitionConditions, "small",
		func(_ context.Context, in map[string]any) (bool, error) {
			q, _ := in["q"].(float64)
			return q < 40, nil
		})))
	coord, err := workflowcoordinator.New(workflowcoordinator.DefaultConfig(), workflowcoordinator.Deps{Store: h.store, Bus: h.bus})
	require.NoError(t, err)

	// calc: double --small--> calc
	//              --always--> done
	// done: passthrough
	w := workflow.New("loop", "1")
	calc, err := w.AddState("calc")
	require.NoError(t, err)
	done, err := w.AddState("done")
	require.NoError(t, err)
	_, err = calc.AddTask("double", "builtin.double")
	require.NoError(t, err)
	_, err = done.AddTask("copy", "builtin.passthrough")
	require.NoError(t, err)
	_, err = w.AddTransition(calc, capability.NamespaceTransitionConditions+".small", calc)
	require.NoError(t, err)
	_, err = w.AddTransition(calc, capability.NamespaceTransitionConditions+".always", done)
	require.NoError(t, err)

	run, _ := h.launch(w, map[string]any{"q": 5})
	drive(t, h, coord)

	detail, err := h.store.GetRunDetail(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, detail.Status)
	assert.Equal(t, map[string]any{"q": float64(40)}, detail.Output)
	assert.Equal(t, 3, detail.State("calc").Entries)
	assert.Equal(t, 1, detail.State("done").Entries)
}

func must(e *capability.Executor, err error) *capability.Executor {
	if err != nil {
		panic(err)
	}
	return e
}

func TestRunSlotsProcessQueue(t *testing.T) {
	h := newHarness(t)
	q := &bustest.Queue{}
	worker, err := New(Config{NumWorkers: 3, TickInterval: "10ms", FetchTimeout: "1ms"},
		Deps{Store: h.store, Bus: h.bus, Assignments: q, Registry: h.reg})
	require.NoError(t, err)

	_, st := h.launch(single(t, "test.count"), map[string]any{"x": 1})
	data, _ := json.Marshal(bus.Assignment{StateInstanceID: st.ID, TaskName: "work"})
	first := q.Push(data)
	second := q.Push(data)

	require.NoError(t, worker.Start(context.Background()))
	assert.True(t, worker.IsRunning())
	require.Eventually(t, func() bool {
		return first.Settled() == "ack" && second.Settled() == "ack"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, worker.Stop(2*time.Second))
	assert.False(t, worker.IsRunning())
	assert.NoError(t, worker.Err())

	assert.Equal(t, int64(1), h.calls.Load())
	assert.Equal(t, storage.StatusCompleted, h.task(st, "work").Status)
}
