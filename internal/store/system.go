package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// SystemRepo owns the single system_state row: kill switch, heartbeat,
// and the daily reasoning cost counter.
type SystemRepo struct {
	store *Store
}

// NewSystemRepo creates a system-state repository.
func NewSystemRepo(s *Store) *SystemRepo { return &SystemRepo{store: s} }

// Get loads the system state.
func (r *SystemRepo) Get(ctx context.Context) (*domain.SystemState, error) {
	var (
		st            domain.SystemState
		halted        int
		lastHeartbeat sql.NullString
	)
	err := r.store.db.QueryRowContext(ctx, `
		SELECT trading_halted, halt_reason, last_heartbeat, current_activity,
		       cost_date, cost_today_usd
		FROM system_state WHERE id = 1`).
		Scan(&halted, &st.HaltReason, &lastHeartbeat, &st.CurrentActivity,
			&st.CostDate, &st.CostTodayUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to load system state: %w", err)
	}
	st.TradingHalted = halted != 0
	st.LastHeartbeat = decodeTime(lastHeartbeat)
	return &st, nil
}

// SetHalted flips the kill switch.
func (r *SystemRepo) SetHalted(ctx context.Context, halted bool, reason string) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE system_state SET trading_halted = ?, halt_reason = ? WHERE id = 1`,
		boolToInt(halted), reason)
	return err
}

// Heartbeat records liveness and the current activity.
func (r *SystemRepo) Heartbeat(ctx context.Context, activity string, now time.Time) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE system_state SET last_heartbeat = ?, current_activity = ? WHERE id = 1`,
		encodeTime(now), activity)
	return err
}

// AddCost accumulates reasoning spend for the given day; the counter
// resets when the date rolls over.
func (r *SystemRepo) AddCost(ctx context.Context, date string, usd float64) (float64, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curDate string
		curCost float64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT cost_date, cost_today_usd FROM system_state WHERE id = 1`).
		Scan(&curDate, &curCost); err != nil {
		return 0, err
	}

	if curDate != date {
		curCost = 0
	}
	curCost += usd

	if _, err := tx.ExecContext(ctx,
		`UPDATE system_state SET cost_date = ?, cost_today_usd = ? WHERE id = 1`,
		date, curCost); err != nil {
		return 0, err
	}

	return curCost, tx.Commit()
}

// CostToday returns today's accumulated reasoning spend, zero after a
// date rollover.
func (r *SystemRepo) CostToday(ctx context.Context, date string) (float64, error) {
	var (
		curDate string
		curCost float64
	)
	err := r.store.db.QueryRowContext(ctx,
		`SELECT cost_date, cost_today_usd FROM system_state WHERE id = 1`).
		Scan(&curDate, &curCost)
	if err != nil {
		return 0, err
	}
	if curDate != date {
		return 0, nil
	}
	return curCost, nil
}
