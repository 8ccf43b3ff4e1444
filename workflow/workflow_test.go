package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/capability"
)

// design builds the two state workflow used across these tests:
//
//	design: pm -> sa -> (eng_a, eng_b) -> review
//	ship:   release
func design(t *testing.T) (*Workflow, *State, *State) {
	t.Helper()
	w := New("software", "1")

	d, err := w.AddState("design")
	require.NoError(t, err)
	pm, err := d.AddTask("pm", "agent.pm")
	require.NoError(t, err)
	sa, err := d.AddTask("sa", "agent.sa")
	require.NoError(t, err)
	engA, err := d.AddTask("eng_a", "agent.eng")
	require.NoError(t, err)
	engB, err := d.AddTask("eng_b", "agent.eng")
	require.NoError(t, err)
	review, err := d.AddTask("review", "agent.review")
	require.NoError(t, err)

	require.NoError(t, d.AddDependency(sa, pm))
	require.NoError(t, d.AddDependency(engA, sa))
	require.NoError(t, d.AddDependency(engB, sa))
	require.NoError(t, d.AddDependency(review, engA, engB))

	ship, err := w.AddState("ship")
	require.NoError(t, err)
	_, err = ship.AddTask("release", "agent.release")
	require.NoError(t, err)

	return w, d, ship
}

func TestStatePhases(t *testing.T) {
	_, d, _ := design(t)

	phases, err := d.Phases()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"pm"}, {"sa"}, {"eng_a", "eng_b"}, {"review"}}, phases)
	assert.Equal(t, []string{"eng_a", "eng_b"}, d.Parents("review"))
}

func TestBuild_AppendsConditionPhase(t *testing.T) {
	w, d, ship := design(t)

	_, err := w.AddTransition(d, "transition_conditions.approved", ship)
	require.NoError(t, err)
	_, err = w.AddTransition(d, "transition_conditions.rejected", d)
	require.NoError(t, err)

	require.NoError(t, w.Build())

	phases, err := d.Phases()
	require.NoError(t, err)
	require.Len(t, phases, 5)
	assert.Equal(t, []string{"approved", "rejected"}, phases[4])
	for _, name := range phases[4] {
		assert.Equal(t, []string{"review"}, d.Parents(name))
		assert.True(t, d.Task(name).IsCondition)
	}

	transitions := d.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, "approved", transitions[0].Condition.Name)
	assert.Equal(t, ship, transitions[0].Target)
	assert.Equal(t, d, transitions[1].Target)

	end, err := d.EndTask()
	require.NoError(t, err)
	assert.Equal(t, "review", end.Name)

	t.Run("build is idempotent", func(t *testing.T) {
		require.NoError(t, w.Build())
		require.NoError(t, d.Build())
		phases, err := d.Phases()
		require.NoError(t, err)
		assert.Len(t, phases, 5)
		assert.Len(t, d.Tasks(), 7)
	})

	t.Run("built state rejects changes", func(t *testing.T) {
		_, err := d.AddTask("late", "agent.late")
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
	})
}

func TestBuild_NoTransitions(t *testing.T) {
	w, d, _ := design(t)
	require.NoError(t, w.Build())

	phases, err := d.Phases()
	require.NoError(t, err)
	assert.Len(t, phases, 4)
	assert.Empty(t, d.Transitions())
}

func TestBuild_Cycle(t *testing.T) {
	w := New("cyclic", "1")
	s, err := w.AddState("s")
	require.NoError(t, err)
	a, _ := s.AddTask("a", "x.a")
	b, _ := s.AddTask("b", "x.b")
	c, _ := s.AddTask("c", "x.c")
	require.NoError(t, s.AddDependency(b, a))
	require.NoError(t, s.AddDependency(c, b))
	require.NoError(t, s.AddDependency(a, c))

	assert.ErrorIs(t, s.Validate(), ErrInvalidTasksDag)
	assert.ErrorIs(t, w.Build(), ErrInvalidTasksDag)
}

func TestAddDependency_Errors(t *testing.T) {
	w := New("w", "1")
	s1, _ := w.AddState("one")
	s2, _ := w.AddState("two")
	a, _ := s1.AddTask("a", "x.a")
	b, _ := s2.AddTask("b", "x.b")

	assert.ErrorIs(t, s1.AddDependency(a, b), ErrInvalidWorkflow)
	assert.ErrorIs(t, s1.AddDependency(b, a), ErrInvalidWorkflow)
	assert.ErrorIs(t, s1.AddDependency(a, a), ErrInvalidTasksDag)
}

func TestBuild_Validation(t *testing.T) {
	t.Run("multiple roots", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		a, _ := s.AddTask("a", "x.a")
		b, _ := s.AddTask("b", "x.b")
		c, _ := s.AddTask("c", "x.c")
		require.NoError(t, s.AddDependency(c, a, b))
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("multiple sinks", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		a, _ := s.AddTask("a", "x.a")
		b, _ := s.AddTask("b", "x.b")
		c, _ := s.AddTask("c", "x.c")
		require.NoError(t, s.AddDependency(b, a))
		require.NoError(t, s.AddDependency(c, a))
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("sink outside the last phase", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		a, _ := s.AddTask("a", "x.a")
		b, _ := s.AddTask("b", "x.b")
		c, _ := s.AddTask("c", "x.c")
		d, _ := s.AddTask("d", "x.d")
		require.NoError(t, s.AddDependency(b, a))
		require.NoError(t, s.AddDependency(c, b))
		require.NoError(t, s.AddDependency(d, a))
		_, err := s.EndTask()
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("empty state", func(t *testing.T) {
		w := New("w", "1")
		_, _ = w.AddState("s")
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("no states", func(t *testing.T) {
		assert.ErrorIs(t, New("w", "1").Build(), ErrInvalidWorkflow)
	})

	t.Run("missing version", func(t *testing.T) {
		w := New("w", "")
		s, _ := w.AddState("s")
		_, _ = s.AddTask("a", "x.a")
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("duplicate names", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		_, err := w.AddState("s")
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
		_, _ = s.AddTask("a", "x.a")
		_, err = s.AddTask("a", "x.a")
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
		_, err = s.AddTask(StartProducer, "x.a")
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
	})

	t.Run("names must be subject tokens", func(t *testing.T) {
		w := New("w", "1")
		_, err := w.AddState("design.v2")
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
		s, err := w.AddState("design_v2")
		require.NoError(t, err)
		for _, name := range []string{"", "a b", "a.b", "a*", "a>"} {
			_, err = s.AddTask(name, "x.a")
			assert.ErrorIs(t, err, ErrInvalidWorkflow, name)
		}
		_, err = w.AddTransition(s, "transition_conditions.ok.v2", s)
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
	})

	t.Run("condition collides with task", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		_, _ = s.AddTask("approved", "x.a")
		_, err := w.AddTransition(s, "transition_conditions.approved", s)
		require.NoError(t, err)
		assert.ErrorIs(t, w.Build(), ErrInvalidWorkflow)
	})

	t.Run("foreign transition target", func(t *testing.T) {
		w := New("w", "1")
		s, _ := w.AddState("s")
		_, err := w.AddTransition(s, "transition_conditions.approved", NewState("elsewhere"))
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
		_, err = w.AddTransition(s, "nodot", s)
		assert.ErrorIs(t, err, ErrInvalidWorkflow)
	})
}

func TestWorkflowIdentity(t *testing.T) {
	w, d, ship := design(t)
	assert.Equal(t, "software:1", w.ID())
	assert.Equal(t, d, w.InitialState())

	require.NoError(t, w.SetInitialState(ship))
	assert.Equal(t, ship, w.InitialState())
	assert.ErrorIs(t, w.SetInitialState(NewState("x")), ErrInvalidWorkflow)
}

func TestExecutorsAndVerify(t *testing.T) {
	double := capability.MustNew("custom_tasks", "double",
		func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil })
	always, err := capability.NewCondition("transition_conditions", "always",
		func(context.Context, map[string]any) (bool, error) { return true, nil })
	require.NoError(t, err)

	w := New("w", "1")
	s, _ := w.AddState("s")
	next, _ := w.AddState("next")
	_, err = s.AddExecutorTask("double", double)
	require.NoError(t, err)
	_, err = next.AddTask("publish", "builtin.passthrough")
	require.NoError(t, err)
	_, err = w.AddExecutorTransition(s, always, next)
	require.NoError(t, err)
	require.NoError(t, w.Build())

	assert.Equal(t, []string{"custom_tasks.double", "transition_conditions.always", "builtin.passthrough"}, w.Capabilities())

	reg := capability.NewRegistry()
	require.NoError(t, w.RegisterExecutors(reg))
	require.NoError(t, w.RegisterExecutors(reg), "re-registering the same executors is a no-op")

	err = w.Verify(reg)
	assert.ErrorIs(t, err, capability.ErrUnknownNamespace)

	reg.MustRegister(capability.MustNew("builtin", "passthrough",
		func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil }))
	assert.NoError(t, w.Verify(reg))
}
