// Package bus carries work between the scheduler, workers and the coordinator
// over NATS JetStream.
//
// Assignments and completions are competing-consumer queues on a work-queue
// stream. Task outputs are published to one subject per producer,
// "semflow.output.<state_instance_id>.from.<producer>", on a limits stream,
// and every dependent reads the newest message of a subject without consuming
// it. Sibling tasks that depend on the same parent therefore all see its output.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Stream, subject and consumer names.
const (
	DefaultJobsStream    = "SEMFLOW_JOBS"
	DefaultOutputsStream = "SEMFLOW_OUTPUTS"

	SubjectAssignments  = "semflow.jobs.assignments"
	SubjectCompletions  = "semflow.jobs.completions"
	OutputSubjectPrefix = "semflow.output"

	WorkersConsumer     = "workers"
	CoordinatorConsumer = "coordinator"

	// Broadcast is the destination of every output message.
	Broadcast = "*"
)

// OutputSubject returns the subject a producer publishes its output to.
func OutputSubject(stateInstanceID uuid.UUID, producer string) string {
	return fmt.Sprintf("%s.%s.from.%s", OutputSubjectPrefix, stateInstanceID, producer)
}

// Assignment references one task of one state instance. The same shape is
// used for completions, which additionally carry a failure marker.
type Assignment struct {
	StateInstanceID uuid.UUID `json:"state_instance_id"`
	TaskName        string    `json:"task_name"`
	Failed          bool      `json:"failed,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// ParseAssignment decodes and validates an assignment or completion.
func ParseAssignment(data []byte) (*Assignment, error) {
	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Message is a task output addressed to every descendant.
type Message struct {
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// NewMessage builds the output message a producer publishes.
func NewMessage(stateInstanceID uuid.UUID, producer string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Source:      producer,
		Destination: Broadcast,
		Subject:     OutputSubject(stateInstanceID, producer),
		Payload:     payload,
	}
}
