package taskdispatcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/bustest"
	"github.com/c360studio/semflow/storage"
)

func TestResolveInputs(t *testing.T) {
	ctx := context.Background()
	sid := uuid.New()
	b := bustest.New()
	require.NoError(t, b.PublishOutput(ctx, sid, "start", map[string]any{"idea": "app", "v": 0}))
	require.NoError(t, b.PublishOutput(ctx, sid, "pm", map[string]any{"prd": "v1", "v": 1}))
	require.NoError(t, b.PublishOutput(ctx, sid, "arch", map[string]any{"design": "d1", "v": 2}))

	t.Run("later parents win", func(t *testing.T) {
		in, err := ResolveInputs(ctx, b, &storage.TaskInstance{StateInstanceID: sid, Name: "eng", DependsOn: []string{"pm", "arch"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"prd": "v1", "design": "d1", "v": 2}, in)
	})

	t.Run("siblings read the same parent", func(t *testing.T) {
		for _, name := range []string{"eng_a", "eng_b"} {
			in, err := ResolveInputs(ctx, b, &storage.TaskInstance{StateInstanceID: sid, Name: name, DependsOn: []string{"pm"}})
			require.NoError(t, err)
			assert.Equal(t, "v1", in["prd"])
		}
	})

	t.Run("repeated parent read once", func(t *testing.T) {
		in, err := ResolveInputs(ctx, b, &storage.TaskInstance{StateInstanceID: sid, Name: "x", DependsOn: []string{"arch", "pm", "arch"}})
		require.NoError(t, err)
		assert.Equal(t, 1, in["v"])
	})

	t.Run("no parents", func(t *testing.T) {
		in, err := ResolveInputs(ctx, b, &storage.TaskInstance{StateInstanceID: sid, Name: "x"})
		require.NoError(t, err)
		assert.Empty(t, in)
	})

	t.Run("missing parent output", func(t *testing.T) {
		_, err := ResolveInputs(ctx, b, &storage.TaskInstance{StateInstanceID: sid, Name: "qa", DependsOn: []string{"eng"}})
		assert.ErrorIs(t, err, bus.ErrOutputNotFound)
	})
}
