package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// EventRepo is the durable event queue table. The bus layers claim
// semantics and retry policy on top of it.
type EventRepo struct {
	store *Store
}

// NewEventRepo creates an event repository.
func NewEventRepo(s *Store) *EventRepo { return &EventRepo{store: s} }

// Insert appends an event row. Scheduled events dedup on the unique
// (type, scheduled_for) index; inserted reports whether a new row landed.
func (r *EventRepo) Insert(ctx context.Context, e *domain.Event) (bool, error) {
	res, err := r.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, type, payload, state, priority,
			retries, created_at, scheduled_for, available_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Payload), string(e.State), e.Priority,
		e.Retries, encodeTime(e.CreatedAt), encodeTime(e.ScheduledFor), nil)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimNext atomically moves the head pending event to processing.
// Critical events drain first via the priority column. Returns nil when
// the queue is empty.
func (r *EventRepo) ClaimNext(ctx context.Context, now time.Time) (*domain.Event, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, payload, state, priority, retries, created_at,
		       scheduled_for, processed_at, last_error
		FROM events
		WHERE state = ? AND (available_at IS NULL OR available_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		string(domain.EventPending), encodeTime(now))

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET state = ? WHERE id = ?`,
		string(domain.EventProcessing), e.ID); err != nil {
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.State = domain.EventProcessing
	return e, nil
}

// MarkDone finishes an event and records the consumer claim for
// idempotent replay.
func (r *EventRepo) MarkDone(ctx context.Context, eventID, consumer string, now time.Time) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET state = ?, processed_at = ? WHERE id = ?`,
		string(domain.EventDone), encodeTime(now), eventID); err != nil {
		return fmt.Errorf("failed to mark event done: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_claims (event_id, consumer, claimed_at) VALUES (?, ?, ?)`,
		eventID, consumer, encodeTime(now)); err != nil {
		return fmt.Errorf("failed to record event claim: %w", err)
	}

	return tx.Commit()
}

// HasClaim reports whether a consumer already processed this event.
func (r *EventRepo) HasClaim(ctx context.Context, eventID, consumer string) (bool, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_claims WHERE event_id = ? AND consumer = ?`,
		eventID, consumer).Scan(&n)
	return n > 0, err
}

// MarkFailed records a processing failure. Up to maxRetries the event
// returns to pending with exponential backoff; beyond that it parks in
// the failed state. retried reports which branch was taken.
func (r *EventRepo) MarkFailed(ctx context.Context, eventID string, cause error, maxRetries int, baseBackoff time.Duration, now time.Time) (retried bool, err error) {
	var retries int
	if err := r.store.db.QueryRowContext(ctx,
		`SELECT retries FROM events WHERE id = ?`, eventID).Scan(&retries); err != nil {
		return false, fmt.Errorf("failed to load event retries: %w", err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retries >= maxRetries {
		_, err := r.store.db.ExecContext(ctx,
			`UPDATE events SET state = ?, last_error = ?, processed_at = ? WHERE id = ?`,
			string(domain.EventFailed), msg, encodeTime(now), eventID)
		return false, err
	}

	backoff := baseBackoff << uint(retries)
	_, err = r.store.db.ExecContext(ctx, `
		UPDATE events SET state = ?, retries = retries + 1, last_error = ?,
			available_at = ?
		WHERE id = ?`,
		string(domain.EventPending), msg, encodeTime(now.Add(backoff)), eventID)
	return true, err
}

// Depth counts pending events.
func (r *EventRepo) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE state = ?`,
		string(domain.EventPending)).Scan(&n)
	return n, err
}

// RecoverStuck returns events stranded in processing (by a crash) to the
// pending state and reports how many were recovered.
func (r *EventRepo) RecoverStuck(ctx context.Context) (int, error) {
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE events SET state = ? WHERE state = ?`,
		string(domain.EventPending), string(domain.EventProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Get loads one event, nil when absent.
func (r *EventRepo) Get(ctx context.Context, id string) (*domain.Event, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT id, type, payload, state, priority, retries, created_at,
		       scheduled_for, processed_at, last_error
		FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e                                  domain.Event
		typ, payload, state                string
		createdAt, schedFor, processedAt   sql.NullString
	)
	err := row.Scan(&e.ID, &typ, &payload, &state, &e.Priority, &e.Retries,
		&createdAt, &schedFor, &processedAt, &e.LastError)
	if err != nil {
		return nil, err
	}
	e.Type = domain.EventType(typ)
	e.Payload = []byte(payload)
	e.State = domain.EventState(state)
	e.CreatedAt = decodeTime(createdAt)
	e.ScheduledFor = decodeTime(schedFor)
	e.ProcessedAt = decodeTime(processedAt)
	return &e, nil
}
