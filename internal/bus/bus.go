// Package bus is the durable event backbone: a sqlite-backed queue with
// at-least-once delivery and a market-calendar scheduler feeding it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

const (
	maxRetries  = 3
	baseBackoff = 30 * time.Second
)

// Bus implements core.IEventBus on the sqlite event queue. Events survive
// restarts; consumers dedup via the claims table.
type Bus struct {
	events *store.EventRepo
	clock  core.IClock
	logger core.ILogger
}

// New creates the event bus and recovers events stranded by a crash.
func New(events *store.EventRepo, clock core.IClock, logger core.ILogger) (*Bus, error) {
	b := &Bus{
		events: events,
		clock:  clock,
		logger: logger.WithField("component", "event_bus"),
	}

	n, err := events.RecoverStuck(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to recover stuck events: %w", err)
	}
	if n > 0 {
		b.logger.Warn("Recovered events stranded in processing", "count", n)
	}
	return b, nil
}

// Publish appends an event. Critical types get queue priority.
func (b *Bus) Publish(ctx context.Context, typ domain.EventType, payload interface{}) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", core.ErrValidationFailed, typ)
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	e := &domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		State:     domain.EventPending,
		CreatedAt: b.clock.Now(),
	}
	if typ.Critical() {
		e.Priority = 1
	}

	if _, err := b.events.Insert(ctx, e); err != nil {
		return "", err
	}

	b.logger.Debug("Event published", "event_id", e.ID, "type", typ, "priority", e.Priority)
	b.observeDepth(ctx)
	return e.ID, nil
}

// PublishScheduled appends a calendar-emitted event. The scheduled slot is
// the dedup key: re-emitting the same (type, slot) is a no-op.
func (b *Bus) PublishScheduled(ctx context.Context, typ domain.EventType, scheduledFor time.Time) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", core.ErrValidationFailed, typ)
	}

	e := &domain.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Payload:      json.RawMessage("{}"),
		State:        domain.EventPending,
		CreatedAt:    b.clock.Now(),
		ScheduledFor: scheduledFor.UTC().Truncate(time.Minute),
	}
	if typ.Critical() {
		e.Priority = 1
	}

	inserted, err := b.events.Insert(ctx, e)
	if err != nil {
		return "", err
	}
	if !inserted {
		b.logger.Debug("Scheduled event already queued", "type", typ, "slot", e.ScheduledFor)
		return "", nil
	}

	b.observeDepth(ctx)
	return e.ID, nil
}

// Claim hands the next pending event to a consumer. Returns nil when the
// queue is empty. Events already completed by this consumer are finished
// immediately and skipped.
func (b *Bus) Claim(ctx context.Context, consumer string) (*domain.Event, error) {
	for {
		e, err := b.events.ClaimNext(ctx, b.clock.Now())
		if err != nil || e == nil {
			return e, err
		}

		done, err := b.events.HasClaim(ctx, e.ID, consumer)
		if err != nil {
			return nil, err
		}
		if !done {
			return e, nil
		}

		// Redelivery of an already-processed event: close it out and move on
		if err := b.events.MarkDone(ctx, e.ID, consumer, b.clock.Now()); err != nil {
			return nil, err
		}
		b.logger.Debug("Skipped replayed event", "event_id", e.ID, "consumer", consumer)
	}
}

// Complete marks an event done for a consumer.
func (b *Bus) Complete(ctx context.Context, eventID, consumer string) error {
	if err := b.events.MarkDone(ctx, eventID, consumer, b.clock.Now()); err != nil {
		return err
	}
	b.observeDepth(ctx)
	return nil
}

// Fail records a processing failure; the event retries with backoff until
// the retry budget runs out, then parks as failed.
func (b *Bus) Fail(ctx context.Context, eventID string, cause error) error {
	retried, err := b.events.MarkFailed(ctx, eventID, cause, maxRetries, baseBackoff, b.clock.Now())
	if err != nil {
		return err
	}
	if !retried {
		b.logger.Error("Event exhausted retries", "event_id", eventID, "cause", cause)
	} else {
		b.logger.Warn("Event processing failed, will retry", "event_id", eventID, "cause", cause)
	}
	return nil
}

// Depth returns the pending backlog size.
func (b *Bus) Depth(ctx context.Context) (int, error) {
	return b.events.Depth(ctx)
}

func (b *Bus) observeDepth(ctx context.Context) {
	n, err := b.events.Depth(ctx)
	if err != nil {
		return
	}
	telemetry.GetGlobalMetrics().SetEventQueueDepth(int64(n))
}
