/*
Package notify delivers outbox events to the outside world.

The engine writes events into the outbox in the same transaction as the
state change they describe. Relay polls the outbox, hands each event to a
Publisher and records the outcome. Delivery is at least once: an event that
was published but not marked sent is published again on the next tick.
Events that fail MaxAttempts times stay in the outbox and are skipped.
*/
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/kwh-ledger/ledger"
)

const (
	defaultInterval    = 2 * time.Second
	defaultBatchSize   = 100
	defaultMaxAttempts = 5
)

// Relay moves events from the outbox to a Publisher.
type Relay struct {
	Outbox      ledger.Outbox
	Publisher   Publisher
	Log         *slog.Logger
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// NewRelay returns a Relay with default batch size and interval.
func NewRelay(outbox ledger.Outbox, pub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Outbox:      outbox,
		Publisher:   pub,
		Log:         logger.With("component", "outbox-relay"),
		Interval:    defaultInterval,
		BatchSize:   defaultBatchSize,
		MaxAttempts: defaultMaxAttempts,
	}
}

// Run flushes the outbox every Interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Log.Info("outbox relay started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.Log.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushResult counts what one Flush did.
type FlushResult struct {
	Sent   int
	Failed int
}

// Flush publishes one batch. It returns an error only when the outbox
// itself cannot be read; publish failures are recorded per event.
func (r *Relay) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	events, err := r.Outbox.PendingEvents(ctx, batch, r.MaxAttempts)
	if err != nil {
		return res, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return res, nil
		}
		if err := r.Publisher.Publish(ctx, ev); err != nil {
			res.Failed++
			r.Log.Warn("publish failed", "event_id", ev.ID, "kind", string(ev.Kind), "attempt", ev.Attempts+1, "error", err)
			if markErr := r.Outbox.MarkEventFailed(ctx, ev.ID, err.Error()); markErr != nil {
				r.Log.Error("record publish failure", "event_id", ev.ID, "error", markErr)
			}
			if r.MaxAttempts > 0 && ev.Attempts+1 >= r.MaxAttempts {
				r.Log.Error("event gave up", "event_id", ev.ID, "kind", string(ev.Kind), "attempts", ev.Attempts+1)
			}
			continue
		}
		if err := r.Outbox.MarkEventSent(ctx, ev.ID); err != nil {
			r.Log.Error("mark event sent", "event_id", ev.ID, "error", err)
			continue
		}
		res.Sent++
	}
	if res.Sent > 0 || res.Failed > 0 {
		r.Log.Debug("outbox flushed", "sent", res.Sent, "failed", res.Failed)
	}
	return res, nil
}
