//go:build integration

package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
)

func newServerBus(t *testing.T) *bus.Bus {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("JetStream() error = %v", err)
	}

	cfg := bus.DefaultConfig()
	cfg.AckWait = 2 * time.Second
	b, err := bus.New(context.Background(), js, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestBus_FileStreamsOnServer(t *testing.T) {
	b := newServerBus(t)
	ctx := context.Background()
	sid := uuid.New()

	if err := b.PublishOutput(ctx, sid, "pm", map[string]any{"spec": "draft"}); err != nil {
		t.Fatalf("PublishOutput() error = %v", err)
	}
	msg, err := b.LatestOutput(ctx, sid, "pm")
	if err != nil {
		t.Fatalf("LatestOutput() error = %v", err)
	}
	if msg.Payload["spec"] != "draft" {
		t.Errorf("expected spec draft, got %v", msg.Payload["spec"])
	}
}

func TestBus_NakRedelivers(t *testing.T) {
	b := newServerBus(t)
	ctx := context.Background()

	q, err := b.Assignments(ctx)
	if err != nil {
		t.Fatalf("Assignments() error = %v", err)
	}

	sid := uuid.New()
	if err := b.PublishAssignment(ctx, bus.Assignment{StateInstanceID: sid, TaskName: "qa"}); err != nil {
		t.Fatalf("PublishAssignment() error = %v", err)
	}

	first, err := q.Next(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := first.Nak(); err != nil {
		t.Fatalf("Nak() error = %v", err)
	}

	again, err := q.Next(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("expected redelivery, got %v", err)
	}
	a, err := bus.ParseAssignment(again.Data())
	if err != nil {
		t.Fatalf("ParseAssignment() error = %v", err)
	}
	if a.StateInstanceID != sid || a.TaskName != "qa" {
		t.Errorf("unexpected redelivered assignment %+v", a)
	}
	if err := again.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	if _, err := q.Next(ctx, time.Second); !errors.Is(err, bus.ErrNoMessage) {
		t.Errorf("expected empty queue after ack, got %v", err)
	}
}
