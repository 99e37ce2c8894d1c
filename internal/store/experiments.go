package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// ExperimentRepo persists A/B experiments and detected patterns.
type ExperimentRepo struct {
	store *Store
}

// NewExperimentRepo creates an experiment repository.
func NewExperimentRepo(s *Store) *ExperimentRepo { return &ExperimentRepo{store: s} }

// Upsert writes an experiment.
func (r *ExperimentRepo) Upsert(ctx context.Context, e *domain.Experiment) error {
	control, err := json.Marshal(e.Control)
	if err != nil {
		return fmt.Errorf("failed to marshal control stats: %w", err)
	}
	test, err := json.Marshal(e.Test)
	if err != nil {
		return fmt.Errorf("failed to marshal test stats: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO experiments (id, name, parameter, control_value,
			test_value, allocation, min_samples, success_metric, control_stats,
			test_stats, status, decision_reason, started_at, deadline, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Parameter, e.ControlValue, e.TestValue, e.Allocation,
		e.MinSamples, e.SuccessMetric, string(control), string(test),
		string(e.Status), e.DecisionReason, encodeTime(e.StartedAt),
		encodeTime(e.Deadline), encodeTime(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert experiment: %w", err)
	}
	return nil
}

// Get loads one experiment, nil when absent.
func (r *ExperimentRepo) Get(ctx context.Context, id string) (*domain.Experiment, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

const experimentCols = `id, name, parameter, control_value, test_value,
	allocation, min_samples, success_metric, control_stats, test_stats,
	status, decision_reason, started_at, deadline, finished_at`

// ListActive returns experiments still collecting samples.
func (r *ExperimentRepo) ListActive(ctx context.Context) ([]*domain.Experiment, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE status = ? ORDER BY started_at`,
		string(domain.ExperimentActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active experiments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (*domain.Experiment, error) {
	var (
		e                              domain.Experiment
		control, test, status          string
		startedAt, deadline, finishedAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.Name, &e.Parameter, &e.ControlValue,
		&e.TestValue, &e.Allocation, &e.MinSamples, &e.SuccessMetric,
		&control, &test, &status, &e.DecisionReason, &startedAt, &deadline,
		&finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(control), &e.Control); err != nil {
		return nil, fmt.Errorf("failed to unmarshal control stats: %w", err)
	}
	if err := json.Unmarshal([]byte(test), &e.Test); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test stats: %w", err)
	}
	e.Status = domain.ExperimentStatus(status)
	e.StartedAt = decodeTime(startedAt)
	e.Deadline = decodeTime(deadline)
	e.FinishedAt = decodeTime(finishedAt)
	return &e, nil
}

// UpsertPattern writes a detected pattern, keyed by (category, name).
func (r *ExperimentRepo) UpsertPattern(ctx context.Context, p *domain.Pattern) error {
	if p.DetectedAt.IsZero() {
		p.DetectedAt = time.Now()
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO patterns (id, category, name, sample_size, win_rate,
			avg_roi, confidence, p_value, effect_size, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, name) DO UPDATE SET
			sample_size = excluded.sample_size,
			win_rate = excluded.win_rate,
			avg_roi = excluded.avg_roi,
			confidence = excluded.confidence,
			p_value = excluded.p_value,
			effect_size = excluded.effect_size,
			detected_at = excluded.detected_at`,
		p.ID, p.Category, p.Name, p.SampleSize, p.WinRate, p.AvgROI,
		p.Confidence, p.PValue, p.EffectSize, string(p.Status),
		encodeTime(p.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns all stored patterns.
func (r *ExperimentRepo) ListPatterns(ctx context.Context) ([]*domain.Pattern, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, category, name, sample_size, win_rate, avg_roi, confidence,
		       p_value, effect_size, status, detected_at
		FROM patterns ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*domain.Pattern
	for rows.Next() {
		var (
			p          domain.Pattern
			status     string
			detectedAt sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Category, &p.Name, &p.SampleSize,
			&p.WinRate, &p.AvgROI, &p.Confidence, &p.PValue, &p.EffectSize,
			&status, &detectedAt); err != nil {
			return nil, err
		}
		p.Status = domain.PatternStatus(status)
		p.DetectedAt = decodeTime(detectedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
