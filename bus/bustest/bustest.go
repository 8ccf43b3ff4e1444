// Package bustest provides an in-memory bus for tests that do not need a
// NATS server.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/bus"
)

// Bus records everything published to it. Outputs keep the latest message
// per subject, like the outputs stream.
type Bus struct {
	mu          sync.Mutex
	assignments []bus.Assignment
	completions []bus.Assignment
	outputs     map[string]bus.Message

	// Err, when set, is returned by every publish.
	Err error
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{outputs: make(map[string]bus.Message)}
}

// PublishAssignment records an assignment.
func (b *Bus) PublishAssignment(_ context.Context, a bus.Assignment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.assignments = append(b.assignments, a)
	return nil
}

// PublishCompletion records a completion.
func (b *Bus) PublishCompletion(_ context.Context, a bus.Assignment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.completions = append(b.completions, a)
	return nil
}

// PublishOutput stores the producer's output, replacing any earlier one.
func (b *Bus) PublishOutput(_ context.Context, sid uuid.UUID, producer string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	msg := bus.NewMessage(sid, producer, payload)
	b.outputs[msg.Subject] = msg
	return nil
}

// LatestOutput returns the stored output of a producer.
func (b *Bus) LatestOutput(_ context.Context, sid uuid.UUID, producer string) (*bus.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.outputs[bus.OutputSubject(sid, producer)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bus.ErrOutputNotFound, bus.OutputSubject(sid, producer))
	}
	return &msg, nil
}

// Assignments returns and clears the recorded assignments.
func (b *Bus) Assignments() []bus.Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.assignments
	b.assignments = nil
	return out
}

// Completions returns and clears the recorded completions.
func (b *Bus) Completions() []bus.Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.completions
	b.completions = nil
	return out
}

// Output returns the stored output payload of a producer, or nil.
func (b *Bus) Output(sid uuid.UUID, producer string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.outputs[bus.OutputSubject(sid, producer)]
	if !ok {
		return nil
	}
	return msg.Payload
}

// Delivery is an in-memory bus.Delivery that records how it was settled.
type Delivery struct {
	Payload []byte

	// NumDelivered mirrors the JetStream delivery count; zero means first.
	NumDelivered uint64

	mu      sync.Mutex
	settled string
}

// NewDelivery wraps raw message data.
func NewDelivery(data []byte) *Delivery {
	return &Delivery{Payload: data}
}

func (d *Delivery) Data() []byte { return d.Payload }
func (d *Delivery) Ack() error   { return d.settle("ack") }
func (d *Delivery) Nak() error   { return d.settle("nak") }
func (d *Delivery) Term() error  { return d.settle("term") }

// Metadata reports the delivery count the way a JetStream message does.
func (d *Delivery) Metadata() (*jetstream.MsgMetadata, error) {
	n := d.NumDelivered
	if n == 0 {
		n = 1
	}
	return &jetstream.MsgMetadata{NumDelivered: n}, nil
}

func (d *Delivery) settle(how string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = how
	return nil
}

// Settled returns "ack", "nak", "term" or "" when not yet settled.
func (d *Delivery) Settled() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Queue is an in-memory bus.Source.
type Queue struct {
	mu      sync.Mutex
	pending []*Delivery
}

// Push appends raw message data and returns its delivery.
func (q *Queue) Push(data []byte) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := NewDelivery(data)
	q.pending = append(q.pending, d)
	return d
}

// Len returns the number of undelivered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Next returns the oldest pending delivery or bus.ErrNoMessage.
func (q *Queue) Next(ctx context.Context, _ time.Duration) (bus.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, bus.ErrNoMessage
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	return d, nil
}
