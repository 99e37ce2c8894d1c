package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// DecisionRepo persists the append-only decision audit log and the
// retrieval embeddings that hang off it.
type DecisionRepo struct {
	store *Store
}

// NewDecisionRepo creates a decision repository.
func NewDecisionRepo(s *Store) *DecisionRepo { return &DecisionRepo{store: s} }

// Insert appends a decision row.
func (r *DecisionRepo) Insert(ctx context.Context, d *domain.Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO decisions (id, session_id, event_id, event_type, context,
			output, action, result, autonomy_level, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.EventID, string(d.EventType),
		string(d.Context), string(d.Output), string(d.Action),
		string(d.Result), d.AutonomyLevel, d.CostUSD.String(),
		encodeTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// SetResult attaches the execution result to a decision after the fact.
func (r *DecisionRepo) SetResult(ctx context.Context, decisionID string, result []byte) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE decisions SET result = ? WHERE id = ?`, string(result), decisionID)
	return err
}

// Get loads one decision, nil when absent.
func (r *DecisionRepo) Get(ctx context.Context, id string) (*domain.Decision, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT id, session_id, event_id, event_type, context, output, action,
		       result, autonomy_level, cost_usd, created_at
		FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListRecent returns the latest decisions, newest first.
func (r *DecisionRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Decision, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, session_id, event_id, event_type, context, output, action,
		       result, autonomy_level, cost_usd, created_at
		FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveEmbedding writes the retrieval vector for a decision.
func (r *DecisionRepo) SaveEmbedding(ctx context.Context, e *domain.DecisionEmbedding) error {
	blob, err := encodeVector(e.Vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decision_embeddings (decision_id, summary, vector) VALUES (?, ?, ?)`,
		e.DecisionID, e.Summary, blob)
	return err
}

// ListEmbeddingsBefore returns embeddings for decisions created before the
// cutoff, newest first, capped at limit.
func (r *DecisionRepo) ListEmbeddingsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.DecisionEmbedding, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT e.decision_id, e.summary, e.vector
		FROM decision_embeddings e
		JOIN decisions d ON d.id = e.decision_id
		WHERE d.created_at < ?
		ORDER BY d.created_at DESC
		LIMIT ?`, encodeTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionEmbedding
	for rows.Next() {
		var (
			e    domain.DecisionEmbedding
			blob []byte
		)
		if err := rows.Scan(&e.DecisionID, &e.Summary, &blob); err != nil {
			return nil, err
		}
		e.Vector, err = decodeVector(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDecision(row rowScanner) (*domain.Decision, error) {
	var (
		d                             domain.Decision
		eventType, context_, output   string
		action, result, costUSD       string
		createdAt                     sql.NullString
	)
	err := row.Scan(&d.ID, &d.SessionID, &d.EventID, &eventType, &context_,
		&output, &action, &result, &d.AutonomyLevel, &costUSD, &createdAt)
	if err != nil {
		return nil, err
	}
	d.EventType = domain.EventType(eventType)
	d.Context = []byte(context_)
	d.Output = []byte(output)
	d.Action = domain.Action(action)
	d.Result = []byte(result)
	d.CostUSD = decodeDecimal(costUSD)
	d.CreatedAt = decodeTime(createdAt)
	return &d, nil
}

// Vectors are stored little-endian float32, 4 bytes per dimension.

func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range v {
		if err := binary.Write(buf, binary.LittleEndian, math.Float32bits(f)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
