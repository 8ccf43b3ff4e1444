package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Source yields deliveries one at a time. *Queue satisfies it.
type Source interface {
	Next(ctx context.Context, wait time.Duration) (Delivery, error)
}

// Handler settles one delivery. A non-nil error is fatal and stops Poll;
// per-message problems must be handled by acking, naking or terminating.
type Handler func(ctx context.Context, d Delivery) error

// PollConfig sets the polling cadence.
type PollConfig struct {
	// TickInterval is the fixed period between fetches when the queue is idle.
	TickInterval time.Duration

	// FetchWait bounds how long one fetch waits for a message.
	FetchWait time.Duration
}

// Poll fetches from src until ctx is cancelled or handle returns an error.
// A delivered message is handled immediately and the next fetch follows
// without delay. An idle or failed fetch sleeps for the rest of the tick.
// Handlers run on a context that is not cancelled with ctx so in-flight work
// finishes. Poll returns nil on cancellation.
func Poll(ctx context.Context, src Source, cfg PollConfig, handle Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		tick := time.Now()

		d, err := src.Next(ctx, cfg.FetchWait)
		switch {
		case err == nil:
			if err := handle(work, d); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrNoMessage):
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrMessageBusUnavailable):
			return err
		default:
			logger.Warn("Fetch failed", "error", err)
		}

		if !sleepUntil(ctx, tick.Add(cfg.TickInterval)) {
			return nil
		}
	}
}

// sleepUntil waits for deadline and reports false if ctx ended first.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
