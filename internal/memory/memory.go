// Package memory implements persistent working memory: strategy state
// that survives restarts, the decision audit trail, and retrieval of
// similar past decisions.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
)

// retrievalExclusion keeps decisions from the immediate past out of the
// similar-decision context so the engine does not echo itself.
const retrievalExclusion = time.Hour

// retrievalPool bounds how many stored vectors one query scans.
const retrievalPool = 500

// Memory implements core.IWorkingMemory over the sqlite repositories.
type Memory struct {
	memories  *store.MemoryRepo
	decisions *store.DecisionRepo
	embedder  core.IEmbedder
	clock     core.IClock
	logger    core.ILogger
}

// New creates the working memory service.
func New(memories *store.MemoryRepo, decisions *store.DecisionRepo, embedder core.IEmbedder, clock core.IClock, logger core.ILogger) *Memory {
	return &Memory{
		memories:  memories,
		decisions: decisions,
		embedder:  embedder,
		clock:     clock,
		logger:    logger.WithField("component", "working_memory"),
	}
}

// LoadSession returns the session's memory, creating a fresh one with
// default strategy parameters for new sessions.
func (m *Memory) LoadSession(ctx context.Context, sessionID string) (*domain.WorkingMemory, error) {
	mem, err := m.memories.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		return mem, nil
	}

	m.logger.Info("Starting fresh session", "session_id", sessionID)
	mem = &domain.WorkingMemory{
		SessionID: sessionID,
		Params: domain.StrategyParams{
			TargetDelta:    0.065,
			DeltaTolerance: 0.02,
			TargetDTE:      7,
			ProfitTarget:   0.70,
			StopMultiple:   2.5,
			MinOTMPct:      0.03,
			PremiumFloor:   0.10,
		},
		AutonomyLevel: 1,
	}
	if err := m.memories.Save(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Save persists the working memory blob.
func (m *Memory) Save(ctx context.Context, mem *domain.WorkingMemory) error {
	return m.memories.Save(ctx, mem)
}

// RecordDecision appends the audit row and, best effort, its retrieval
// embedding. Embedding failures never block the decision path.
func (m *Memory) RecordDecision(ctx context.Context, d *domain.Decision, summary string) error {
	if err := m.decisions.Insert(ctx, d); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}

	if m.embedder == nil || summary == "" {
		return nil
	}
	vector, err := m.embedder.Embed(ctx, summary)
	if err != nil {
		m.logger.Warn("Embedding failed, decision stored without vector",
			"decision_id", d.ID, "error", err)
		return nil
	}
	if err := m.decisions.SaveEmbedding(ctx, &domain.DecisionEmbedding{
		DecisionID: d.ID,
		Summary:    summary,
		Vector:     vector,
	}); err != nil {
		m.logger.Warn("Failed to store embedding", "decision_id", d.ID, "error", err)
	}
	return nil
}

// RecordOutcome attaches the execution result to a decision.
func (m *Memory) RecordOutcome(ctx context.Context, decisionID string, result domain.ActionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal action result: %w", err)
	}
	return m.decisions.SetResult(ctx, decisionID, data)
}

// RetrieveSimilar returns the k most similar past decisions by cosine
// similarity, excluding the last hour.
func (m *Memory) RetrieveSimilar(ctx context.Context, querySummary string, k int) ([]core.SimilarDecision, error) {
	if m.embedder == nil || k <= 0 {
		return nil, nil
	}

	query, err := m.embedder.Embed(ctx, querySummary)
	if err != nil {
		m.logger.Warn("Query embedding failed, retrieval skipped", "error", err)
		return nil, nil
	}

	cutoff := m.clock.Now().Add(-retrievalExclusion)
	candidates, err := m.decisions.ListEmbeddingsBefore(ctx, cutoff, retrievalPool)
	if err != nil {
		return nil, err
	}

	type scored struct {
		emb domain.DecisionEmbedding
		sim float64
	}
	var hits []scored
	for _, c := range candidates {
		sim := cosine(query, c.Vector)
		if sim <= 0 {
			continue
		}
		hits = append(hits, scored{emb: c, sim: sim})
	}

	// Selection sort for the top k; the pool is small
	if len(hits) > 1 {
		for i := 0; i < len(hits) && i < k; i++ {
			best := i
			for j := i + 1; j < len(hits); j++ {
				if hits[j].sim > hits[best].sim {
					best = j
				}
			}
			hits[i], hits[best] = hits[best], hits[i]
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]core.SimilarDecision, 0, len(hits))
	for _, h := range hits {
		d, err := m.decisions.Get(ctx, h.emb.DecisionID)
		if err != nil || d == nil {
			continue
		}
		var result domain.ActionResult
		_ = json.Unmarshal(d.Result, &result)
		out = append(out, core.SimilarDecision{
			DecisionID: d.ID,
			Summary:    h.emb.Summary,
			Action:     d.Action,
			Outcome:    result.Status,
			Similarity: h.sim,
			CreatedAt:  d.CreatedAt,
		})
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
