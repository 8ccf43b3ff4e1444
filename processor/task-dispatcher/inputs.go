package taskdispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/storage"
)

// OutputReader reads the newest output a producer published for a state
// instance.
type OutputReader interface {
	LatestOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string) (*bus.Message, error)
}

// ResolveInputs builds the input of a task from the outputs of its parents.
// Parents are read in depends_on order and merged so that later parents win
// on key collisions. Reading does not consume the outputs, so siblings
// sharing a parent all see the same message.
func ResolveInputs(ctx context.Context, r OutputReader, t *storage.TaskInstance) (map[string]any, error) {
	seen := make(map[string]bool, len(t.DependsOn))
	payloads := make([]map[string]any, 0, len(t.DependsOn))

	for _, parent := range t.DependsOn {
		if seen[parent] {
			continue
		}
		seen[parent] = true

		msg, err := r.LatestOutput(ctx, t.StateInstanceID, parent)
		if err != nil {
			return nil, fmt.Errorf("input of %s from %s: %w", t.Name, parent, err)
		}
		payloads = append(payloads, msg.Payload)
	}
	return storage.Merge(payloads...), nil
}
