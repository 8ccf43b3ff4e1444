package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/storage"
)

type recorder struct {
	published []bus.Assignment
	failAfter int
}

func (r *recorder) PublishAssignment(_ context.Context, a bus.Assignment) error {
	if r.failAfter > 0 && len(r.published) == r.failAfter {
		return bus.ErrMessageBusUnavailable
	}
	r.published = append(r.published, a)
	return nil
}

func state() *storage.StateInstance {
	return &storage.StateInstance{
		ID:                uuid.New(),
		Name:              "design",
		SortedTasksPhases: [][]string{{"pm"}, {"eng_a", "eng_b"}, {"review"}},
		Tasks: []storage.TaskInstance{
			{Name: "pm"}, {Name: "eng_a"}, {Name: "eng_b"}, {Name: "review"},
		},
	}
}

func TestEnqueueState(t *testing.T) {
	rec := &recorder{}
	s := New(rec, nil)
	st := state()

	require.NoError(t, s.EnqueueState(context.Background(), st))
	require.Len(t, rec.published, 1)
	assert.Equal(t, bus.Assignment{StateInstanceID: st.ID, TaskName: "pm"}, rec.published[0])

	st.CurrentPhaseIndex = 1
	rec.published = nil
	require.NoError(t, s.EnqueueState(context.Background(), st))
	require.Len(t, rec.published, 2)
	assert.Equal(t, "eng_a", rec.published[0].TaskName)
	assert.Equal(t, "eng_b", rec.published[1].TaskName)
}

func TestEnqueueState_PhaseOutOfRange(t *testing.T) {
	rec := &recorder{}
	st := state()
	st.CurrentPhaseIndex = 3

	err := New(rec, nil).EnqueueState(context.Background(), st)
	assert.ErrorIs(t, err, storage.ErrPhaseOutOfRange)
	assert.Empty(t, rec.published)
}

func TestEnqueueTasks_StopsOnPublishFailure(t *testing.T) {
	rec := &recorder{failAfter: 1}
	st := state()
	st.CurrentPhaseIndex = 1
	tasks, err := st.CurrentPhaseTasks()
	require.NoError(t, err)

	err = New(rec, nil).EnqueueTasks(context.Background(), st, tasks)
	assert.True(t, errors.Is(err, bus.ErrMessageBusUnavailable))
	assert.Len(t, rec.published, 1)
}
