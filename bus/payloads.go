package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/google/uuid"
)

// Message types of the payloads carried on the bus.
var (
	AssignmentType = message.Type{Domain: "semflow", Category: "assignment", Version: "v1"}
	OutputType     = message.Type{Domain: "semflow", Category: "task-output", Version: "v1"}
)

// RegisterPayloads registers the bus payload types with reg.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	registrations := []*payloadregistry.Registration{
		{
			Domain:      AssignmentType.Domain,
			Category:    AssignmentType.Category,
			Version:     AssignmentType.Version,
			Description: "Task assignment or completion notification",
			Factory:     func() any { return &Assignment{} },
		},
		{
			Domain:      OutputType.Domain,
			Category:    OutputType.Category,
			Version:     OutputType.Version,
			Description: "Task output addressed to every descendant",
			Factory:     func() any { return &Message{} },
		},
	}

	var errs []error
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", r.MessageType(), err))
		}
	}
	return errors.Join(errs...)
}

// Schema implements message.Payload.
func (a *Assignment) Schema() message.Type {
	return AssignmentType
}

// Validate implements message.Payload.
func (a *Assignment) Validate() error {
	if a.StateInstanceID == uuid.Nil {
		return fmt.Errorf("%w: state_instance_id is required", ErrMalformedMessage)
	}
	if a.TaskName == "" {
		return fmt.Errorf("%w: task_name is required", ErrMalformedMessage)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a *Assignment) MarshalJSON() ([]byte, error) {
	type Alias Assignment
	return json.Marshal((*Alias)(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Assignment) UnmarshalJSON(data []byte) error {
	type Alias Assignment
	return json.Unmarshal(data, (*Alias)(a))
}

// Schema implements message.Payload.
func (m *Message) Schema() message.Type {
	return OutputType
}

// Validate implements message.Payload.
func (m *Message) Validate() error {
	if m.Source == "" || m.Subject == "" {
		return fmt.Errorf("%w: source and subject are required", ErrMalformedMessage)
	}
	return nil
}
