package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// TradeRepo persists trades and their entry/exit snapshots.
type TradeRepo struct {
	store *Store
}

// NewTradeRepo creates a trade repository.
func NewTradeRepo(s *Store) *TradeRepo { return &TradeRepo{store: s} }

const tradeCols = `id, execution_id, symbol, right, strike, expiration, contracts,
	entry_premium, entry_time, exit_premium, exit_time, exit_kind,
	realized_pnl, commission, status, strategy_tag, experiment_id,
	experiment_arm, rolled_from_id, roll_count, needs_recon`

// Insert persists a new trade and assigns its id.
func (r *TradeRepo) Insert(ctx context.Context, t *domain.Trade) error {
	res, err := r.store.db.ExecContext(ctx, `
		INSERT INTO trades (execution_id, symbol, right, strike, expiration, contracts,
			entry_premium, entry_time, exit_premium, exit_time, exit_kind,
			realized_pnl, commission, status, strategy_tag, experiment_id,
			experiment_arm, rolled_from_id, roll_count, needs_recon)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(t.ExecutionID), t.Symbol, string(t.Right), t.Strike.String(),
		encodeTime(t.Expiration), t.Contracts,
		t.EntryPremium.String(), encodeTime(t.EntryTime),
		t.ExitPremium.String(), encodeTime(t.ExitTime), string(t.ExitKind),
		t.RealizedPnL.String(), t.Commission.String(), string(t.Status),
		t.StrategyTag, t.ExperimentID, t.ExperimentArm,
		t.RolledFromID, t.RollCount, boolToInt(t.NeedsRecon))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// Update rewrites all mutable trade fields.
func (r *TradeRepo) Update(ctx context.Context, t *domain.Trade) error {
	return r.updateTx(ctx, r.store.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *TradeRepo) updateTx(ctx context.Context, ex execer, t *domain.Trade) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE trades SET execution_id = ?, entry_premium = ?, entry_time = ?,
			exit_premium = ?, exit_time = ?, exit_kind = ?, realized_pnl = ?,
			commission = ?, status = ?, experiment_id = ?, experiment_arm = ?,
			rolled_from_id = ?, roll_count = ?, needs_recon = ?
		WHERE id = ?`,
		nullString(t.ExecutionID), t.EntryPremium.String(), encodeTime(t.EntryTime),
		t.ExitPremium.String(), encodeTime(t.ExitTime), string(t.ExitKind),
		t.RealizedPnL.String(), t.Commission.String(), string(t.Status),
		t.ExperimentID, t.ExperimentArm, t.RolledFromID, t.RollCount,
		boolToInt(t.NeedsRecon), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade %d: %w", t.ID, err)
	}
	return nil
}

// MarkOpen flips the trade to open and writes its entry snapshot in the
// same transaction. Either both rows land or neither does.
func (r *TradeRepo) MarkOpen(ctx context.Context, t *domain.Trade, snap *domain.EntrySnapshot) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t.Status = domain.TradeOpen
	if err := r.updateTx(ctx, tx, t); err != nil {
		return err
	}

	greeks, err := json.Marshal(snap.Greeks)
	if err != nil {
		return fmt.Errorf("failed to marshal greeks: %w", err)
	}
	indicators, err := json.Marshal(snap.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO entry_snapshots (trade_id, captured_at, greeks,
			underlying_price, vix, selection_method, target_delta,
			original_strike, live_delta, indicators)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, encodeTime(snap.CapturedAt), string(greeks),
		snap.UnderlyingPrice.String(), snap.VIX.String(), snap.SelectionMethod,
		snap.TargetDelta.String(), snap.OriginalStrike.String(),
		snap.LiveDelta.String(), string(indicators))
	if err != nil {
		return fmt.Errorf("failed to insert entry snapshot: %w", err)
	}

	return tx.Commit()
}

// MarkClosed flips the trade to closed and writes its exit snapshot
// atomically.
func (r *TradeRepo) MarkClosed(ctx context.Context, t *domain.Trade, snap *domain.ExitSnapshot) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t.Status = domain.TradeClosed
	if err := r.updateTx(ctx, tx, t); err != nil {
		return err
	}

	greeks, err := json.Marshal(snap.Greeks)
	if err != nil {
		return fmt.Errorf("failed to marshal greeks: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO exit_snapshots (trade_id, captured_at, greeks,
			underlying_price, vix, exit_kind)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, encodeTime(snap.CapturedAt), string(greeks),
		snap.UnderlyingPrice.String(), snap.VIX.String(), string(snap.ExitKind))
	if err != nil {
		return fmt.Errorf("failed to insert exit snapshot: %w", err)
	}

	return tx.Commit()
}

// GetByID loads one trade.
func (r *TradeRepo) GetByID(ctx context.Context, id int64) (*domain.Trade, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrTradeNotFound
	}
	return t, err
}

// GetByExecutionID loads a trade by the broker execution id of its opening fill.
func (r *TradeRepo) GetByExecutionID(ctx context.Context, execID string) (*domain.Trade, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE execution_id = ?`, execID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrTradeNotFound
	}
	return t, err
}

// ListByStatus returns trades in any of the given states.
func (r *TradeRepo) ListByStatus(ctx context.Context, statuses ...domain.TradeStatus) ([]*domain.Trade, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tradeCols + ` FROM trades WHERE status IN (?` +
		repeat(",?", len(statuses)-1) + `) ORDER BY id`
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListOpen returns all non-terminal positions with broker exposure.
func (r *TradeRepo) ListOpen(ctx context.Context) ([]*domain.Trade, error) {
	return r.ListByStatus(ctx, domain.TradeWorking, domain.TradeOpen, domain.TradeClosing)
}

// ListClosedSince returns trades closed at or after the cutoff.
func (r *TradeRepo) ListClosedSince(ctx context.Context, since time.Time) ([]*domain.Trade, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE status = ? AND exit_time >= ? ORDER BY exit_time`,
		string(domain.TradeClosed), encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list closed trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountOpenedSince counts trades whose entry landed at or after the cutoff.
func (r *TradeRepo) CountOpenedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE entry_time >= ?`,
		encodeTime(since)).Scan(&n)
	return n, err
}

// RealizedSince sums realized P&L of trades closed at or after the cutoff.
func (r *TradeRepo) RealizedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT realized_pnl FROM trades WHERE status = ? AND exit_time >= ?`,
		string(domain.TradeClosed), encodeTime(since))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(decodeDecimal(pnl))
	}
	return total, rows.Err()
}

// GetEntrySnapshot loads the entry snapshot for a trade, nil when absent.
func (r *TradeRepo) GetEntrySnapshot(ctx context.Context, tradeID int64) (*domain.EntrySnapshot, error) {
	var (
		capturedAt                       sql.NullString
		greeks, indicators               string
		underlying, vix, targetDelta     string
		originalStrike, liveDelta, selMethod string
	)
	err := r.store.db.QueryRowContext(ctx, `
		SELECT captured_at, greeks, underlying_price, vix, selection_method,
		       target_delta, original_strike, live_delta, indicators
		FROM entry_snapshots WHERE trade_id = ?`, tradeID).
		Scan(&capturedAt, &greeks, &underlying, &vix, &selMethod,
			&targetDelta, &originalStrike, &liveDelta, &indicators)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry snapshot: %w", err)
	}

	snap := &domain.EntrySnapshot{
		TradeID:         tradeID,
		CapturedAt:      decodeTime(capturedAt),
		UnderlyingPrice: decodeDecimal(underlying),
		VIX:             decodeDecimal(vix),
		SelectionMethod: selMethod,
		TargetDelta:     decodeDecimal(targetDelta),
		OriginalStrike:  decodeDecimal(originalStrike),
		LiveDelta:       decodeDecimal(liveDelta),
	}
	if err := json.Unmarshal([]byte(greeks), &snap.Greeks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal greeks: %w", err)
	}
	if err := json.Unmarshal([]byte(indicators), &snap.Indicators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal indicators: %w", err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var (
		t                                     domain.Trade
		execID                                sql.NullString
		right, strike, exitKind, status       string
		entryPremium, exitPremium             string
		realizedPnL, commission               string
		expiration, entryTime, exitTime       sql.NullString
		needsRecon                            int
	)
	err := row.Scan(&t.ID, &execID, &t.Symbol, &right, &strike, &expiration,
		&t.Contracts, &entryPremium, &entryTime, &exitPremium, &exitTime,
		&exitKind, &realizedPnL, &commission, &status, &t.StrategyTag,
		&t.ExperimentID, &t.ExperimentArm, &t.RolledFromID, &t.RollCount,
		&needsRecon)
	if err != nil {
		return nil, err
	}

	t.ExecutionID = execID.String
	t.Right = domain.OptionRight(right)
	t.Strike = decodeDecimal(strike)
	t.Expiration = decodeTime(expiration)
	t.EntryPremium = decodeDecimal(entryPremium)
	t.EntryTime = decodeTime(entryTime)
	t.ExitPremium = decodeDecimal(exitPremium)
	t.ExitTime = decodeTime(exitTime)
	t.ExitKind = domain.ExitKind(exitKind)
	t.RealizedPnL = decodeDecimal(realizedPnL)
	t.Commission = decodeDecimal(commission)
	t.Status = domain.TradeStatus(status)
	t.NeedsRecon = needsRecon != 0
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
