package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Bus errors.
var (
	// ErrMessageBusUnavailable is returned when NATS cannot be reached.
	ErrMessageBusUnavailable = errors.New("message bus unavailable")

	// ErrMalformedMessage is returned for payloads that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrOutputNotFound is returned when a producer has not published output.
	ErrOutputNotFound = errors.New("output not found")

	// ErrNoMessage is returned when a fetch times out without a message.
	ErrNoMessage = errors.New("no message available")
)

func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", msg, ErrMessageBusUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUnavailable(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, jetstream.ErrJetStreamNotEnabled) ||
		errors.Is(err, jetstream.ErrNoHeartbeat)
}

func isTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
