package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Config names the streams and tunes delivery.
type Config struct {
	JobsStream    string
	OutputsStream string

	// Storage is "file" or "memory".
	Storage  string
	Replicas int

	// OutputMaxAge bounds how long task outputs are retained.
	OutputMaxAge time.Duration

	// AckWait is how long a delivered job may stay unacknowledged before
	// JetStream redelivers it.
	AckWait time.Duration

	// MaxDeliver bounds redeliveries of a nak'd or unacknowledged job.
	MaxDeliver int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		JobsStream:    DefaultJobsStream,
		OutputsStream: DefaultOutputsStream,
		Storage:       "file",
		Replicas:      1,
		OutputMaxAge:  7 * 24 * time.Hour,
		AckWait:       10 * time.Minute,
		MaxDeliver:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JobsStream == "" {
		c.JobsStream = d.JobsStream
	}
	if c.OutputsStream == "" {
		c.OutputsStream = d.OutputsStream
	}
	if c.Storage == "" {
		c.Storage = d.Storage
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.OutputMaxAge <= 0 {
		c.OutputMaxAge = d.OutputMaxAge
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	return c
}

func (c Config) storageType() jetstream.StorageType {
	if c.Storage == "memory" {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}

// Bus publishes and consumes workflow traffic.
type Bus struct {
	js      jetstream.JetStream
	cfg     Config
	jobs    jetstream.Stream
	outputs jetstream.Stream
	logger  *slog.Logger
}

// New ensures the streams exist and returns a bus bound to them.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Bus, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{js: js, cfg: cfg.withDefaults(), logger: logger}
	if err := b.ensureStreams(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStreams(ctx context.Context) error {
	jobs, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        b.cfg.JobsStream,
		Description: "Workflow task assignments and completions",
		Subjects:    []string{SubjectAssignments, SubjectCompletions},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     b.cfg.storageType(),
		Replicas:    b.cfg.Replicas,
	})
	if err != nil {
		return classify(err, "ensure stream %s", b.cfg.JobsStream)
	}
	b.jobs = jobs

	outputs, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              b.cfg.OutputsStream,
		Description:       "Task outputs, one subject per producer",
		Subjects:          []string{OutputSubjectPrefix + ".>"},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            b.cfg.OutputMaxAge,
		Storage:           b.cfg.storageType(),
		Replicas:          b.cfg.Replicas,
	})
	if err != nil {
		return classify(err, "ensure stream %s", b.cfg.OutputsStream)
	}
	b.outputs = outputs

	b.logger.Debug("Bus streams ready",
		"jobs_stream", b.cfg.JobsStream,
		"outputs_stream", b.cfg.OutputsStream)
	return nil
}

// PublishAssignment queues a task for any worker.
func (b *Bus) PublishAssignment(ctx context.Context, a Assignment) error {
	return b.publishJSON(ctx, SubjectAssignments, a)
}

// PublishCompletion notifies the coordinator that a task finished.
func (b *Bus) PublishCompletion(ctx context.Context, a Assignment) error {
	return b.publishJSON(ctx, SubjectCompletions, a)
}

// PublishOutput publishes a producer's output for every descendant of the
// state instance.
func (b *Bus) PublishOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string, payload map[string]any) error {
	msg := NewMessage(stateInstanceID, producer, payload)
	return b.publishJSON(ctx, msg.Subject, msg)
}

// LatestOutput reads the newest output a producer published for the state
// instance. The message stays available to other dependents.
func (b *Bus) LatestOutput(ctx context.Context, stateInstanceID uuid.UUID, producer string) (*Message, error) {
	subject := OutputSubject(stateInstanceID, producer)
	raw, err := b.outputs.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, subject)
		}
		return nil, classify(err, "read %s", subject)
	}

	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, subject, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// publishJSON retries transient publish failures before giving up.
func (b *Bus) publishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}

	var last error
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, last = b.js.Publish(ctx, subject, data)
		return last
	})
	if err != nil {
		if last == nil {
			last = err
		}
		return classify(last, "publish %s", subject)
	}
	return nil
}

// Assignments returns the competing-consumer queue workers pull from.
func (b *Bus) Assignments(ctx context.Context) (*Queue, error) {
	return b.queue(ctx, WorkersConsumer, SubjectAssignments)
}

// Completions returns the queue the coordinator pulls from.
func (b *Bus) Completions(ctx context.Context) (*Queue, error) {
	return b.queue(ctx, CoordinatorConsumer, SubjectCompletions)
}

func (b *Bus) queue(ctx context.Context, durable, subject string) (*Queue, error) {
	consumer, err := b.jobs.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, classify(err, "create consumer %s", durable)
	}
	return &Queue{name: durable, consumer: consumer}, nil
}
