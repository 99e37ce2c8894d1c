package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)}
	m := New(store.NewMemoryRepo(s), store.NewDecisionRepo(s),
		NewHashEmbedder(64), clock, logging.Nop{})
	return m, clock
}

func TestLoadSessionCreatesDefaults(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	mem, err := m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.065, mem.Params.TargetDelta)
	assert.Equal(t, 1, mem.AutonomyLevel)

	mem.AutonomyLevel = 2
	require.NoError(t, m.Save(ctx, mem))

	again, err := m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.AutonomyLevel)
}

func recordAt(t *testing.T, m *Memory, clock *fakeClock, age time.Duration, action domain.Action, summary string) string {
	t.Helper()
	d := &domain.Decision{
		ID:        uuid.NewString(),
		SessionID: "s1",
		EventType: domain.EventScheduledCheck,
		Context:   []byte("{}"),
		Output:    []byte("{}"),
		Action:    action,
		CreatedAt: clock.now.Add(-age),
	}
	require.NoError(t, m.RecordDecision(context.Background(), d, summary))
	return d.ID
}

func TestRetrieveSimilarExcludesRecent(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	oldID := recordAt(t, m, clock, 3*time.Hour, domain.ActionClosePosition,
		"SPY put approaching stop loss vix spike close position")
	recordAt(t, m, clock, 10*time.Minute, domain.ActionClosePosition,
		"SPY put approaching stop loss vix spike close position")

	hits, err := m.RetrieveSimilar(ctx, "SPY put stop loss vix spike", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, oldID, hits[0].DecisionID)
	assert.Greater(t, hits[0].Similarity, 0.3)
}

func TestRetrieveSimilarRanksByCosine(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	closeID := recordAt(t, m, clock, 2*time.Hour, domain.ActionClosePosition,
		"close SPY put profit target reached buy to close")
	recordAt(t, m, clock, 2*time.Hour, domain.ActionSkipSession,
		"earnings window skip session no trades")

	hits, err := m.RetrieveSimilar(ctx, "profit target reached close SPY put", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, closeID, hits[0].DecisionID)
}

func TestRecordOutcome(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	id := recordAt(t, m, clock, 2*time.Hour, domain.ActionExecuteTrades, "entry executed")
	require.NoError(t, m.RecordOutcome(ctx, id, domain.ActionResult{
		Status:   "executed",
		OrderIDs: []int64{1001},
	}))

	hits, err := m.RetrieveSimilar(ctx, "entry executed", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "executed", hits[0].Outcome)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "stale data broker disconnect")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "stale data broker disconnect")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, cosine(a, b), 1e-6)
}
