package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Delivery is one message pulled from a queue. It must be acknowledged,
// negatively acknowledged or terminated.
type Delivery interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Redelivered reports whether d was handed out before. Deliveries without
// JetStream metadata count as first deliveries.
func Redelivered(d Delivery) bool {
	m, ok := d.(interface {
		Metadata() (*jetstream.MsgMetadata, error)
	})
	if !ok {
		return false
	}
	meta, err := m.Metadata()
	return err == nil && meta.NumDelivered > 1
}

// Queue pulls messages one at a time from a durable consumer.
type Queue struct {
	name     string
	consumer jetstream.Consumer
}

// Name returns the durable consumer name.
func (q *Queue) Name() string {
	return q.name
}

// minFetchWait is the shortest pull expiry JetStream accepts reliably.
const minFetchWait = time.Second

// Next waits up to wait for one message. It returns ErrNoMessage when the
// wait elapses with nothing delivered.
func (q *Queue) Next(ctx context.Context, wait time.Duration) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if wait < minFetchWait {
		wait = minFetchWait
	}

	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		if isTimeout(err) {
			return nil, ErrNoMessage
		}
		return nil, classify(err, "fetch from %s", q.name)
	}

	for msg := range batch.Messages() {
		return msg, nil
	}

	if err := batch.Error(); err != nil && !isTimeout(err) {
		return nil, classify(err, "fetch from %s", q.name)
	}
	return nil, ErrNoMessage
}
