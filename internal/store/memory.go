package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// MemoryRepo persists the working-memory blob, one row per session.
type MemoryRepo struct {
	store *Store
}

// NewMemoryRepo creates a working-memory repository.
func NewMemoryRepo(s *Store) *MemoryRepo { return &MemoryRepo{store: s} }

// Load returns the session's working memory, nil when the session is new.
func (r *MemoryRepo) Load(ctx context.Context, sessionID string) (*domain.WorkingMemory, error) {
	var (
		data      string
		updatedAt sql.NullString
	)
	err := r.store.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM working_memory WHERE session_id = ?`,
		sessionID).Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load working memory: %w", err)
	}

	var m domain.WorkingMemory
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal working memory: %w", err)
	}
	m.SessionID = sessionID
	m.UpdatedAt = decodeTime(updatedAt)
	return &m, nil
}

// Save writes the session's working memory.
func (r *MemoryRepo) Save(ctx context.Context, m *domain.WorkingMemory) error {
	m.UpdatedAt = time.Now()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal working memory: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO working_memory (session_id, data, updated_at) VALUES (?, ?, ?)`,
		m.SessionID, string(data), encodeTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save working memory: %w", err)
	}
	return nil
}
