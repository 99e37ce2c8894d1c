package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// StagedRepo persists staged opportunities between selection and execution.
type StagedRepo struct {
	store *Store
}

// NewStagedRepo creates a staged-opportunity repository.
func NewStagedRepo(s *Store) *StagedRepo { return &StagedRepo{store: s} }

const stagedCols = `id, symbol, original_strike, strike, target_delta,
	target_dte, expiration, limit_price, contracts, underlying_price,
	greeks, selection_method, status, created_at, updated_at`

// Upsert writes a staged opportunity.
func (r *StagedRepo) Upsert(ctx context.Context, s *domain.StagedOpportunity) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	greeks, err := json.Marshal(s.Greeks)
	if err != nil {
		return fmt.Errorf("failed to marshal greeks: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO staged_opportunities (id, symbol, original_strike,
			strike, target_delta, target_dte, expiration, limit_price, contracts,
			underlying_price, greeks, selection_method, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Symbol, s.OriginalStrike.String(), s.Strike.String(),
		s.TargetDelta.String(), s.TargetDTE, encodeTime(s.Expiration),
		s.LimitPrice.String(), s.Contracts, s.UnderlyingPrice.String(),
		string(greeks), s.SelectionMethod, string(s.Status),
		encodeTime(s.CreatedAt), encodeTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert staged opportunity: %w", err)
	}
	return nil
}

// Get loads one staged opportunity, nil when absent.
func (r *StagedRepo) Get(ctx context.Context, id string) (*domain.StagedOpportunity, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+stagedCols+` FROM staged_opportunities WHERE id = ?`, id)
	s, err := scanStaged(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListByStatus returns staged opportunities in the given state.
func (r *StagedRepo) ListByStatus(ctx context.Context, status domain.StagedStatus) ([]*domain.StagedOpportunity, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+stagedCols+` FROM staged_opportunities WHERE status = ? ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list staged opportunities: %w", err)
	}
	defer rows.Close()

	var out []*domain.StagedOpportunity
	for rows.Next() {
		s, err := scanStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStatus moves a staged opportunity to a new state.
func (r *StagedRepo) SetStatus(ctx context.Context, id string, status domain.StagedStatus) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE staged_opportunities SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), encodeTime(time.Now()), id)
	return err
}

func scanStaged(row rowScanner) (*domain.StagedOpportunity, error) {
	var (
		s                                       domain.StagedOpportunity
		originalStrike, strike, targetDelta     string
		limitPrice, underlying, greeks, status  string
		expiration, createdAt, updatedAt        sql.NullString
	)
	err := row.Scan(&s.ID, &s.Symbol, &originalStrike, &strike, &targetDelta,
		&s.TargetDTE, &expiration, &limitPrice, &s.Contracts, &underlying,
		&greeks, &s.SelectionMethod, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.OriginalStrike = decodeDecimal(originalStrike)
	s.Strike = decodeDecimal(strike)
	s.TargetDelta = decodeDecimal(targetDelta)
	s.Expiration = decodeTime(expiration)
	s.LimitPrice = decodeDecimal(limitPrice)
	s.UnderlyingPrice = decodeDecimal(underlying)
	s.Status = domain.StagedStatus(status)
	s.CreatedAt = decodeTime(createdAt)
	s.UpdatedAt = decodeTime(updatedAt)
	if err := json.Unmarshal([]byte(greeks), &s.Greeks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal greeks: %w", err)
	}
	return &s, nil
}
