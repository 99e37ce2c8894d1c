package learning

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/mock"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func learningConfig() config.LearningConfig {
	return config.LearningConfig{
		MinSamples:             10,
		PThreshold:             0.05,
		EffectFloor:            0.3,
		ExperimentDeadlineDays: 45,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "learning.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// closeTrade inserts a fully closed trade with a given realized outcome.
func closeTrade(t *testing.T, repo *store.TradeRepo, clock *fakeClock, symbol string, pnl decimal.Decimal, entryVIX string, opts ...func(*domain.Trade)) *domain.Trade {
	t.Helper()
	ctx := context.Background()
	entry := clock.now.Add(-5 * 24 * time.Hour)
	tr := &domain.Trade{
		ExecutionID:  fmt.Sprintf("exec-%s-%d", symbol, clock.now.UnixNano()),
		Symbol:       symbol,
		Right:        domain.RightPut,
		Strike:       decimal.NewFromInt(436),
		Expiration:   entry.AddDate(0, 0, 7),
		Contracts:    1,
		EntryPremium: decimal.RequireFromString("0.52"),
		EntryTime:    entry,
		Status:       domain.TradeWorking,
		StrategyTag:  "csp",
	}
	for _, opt := range opts {
		opt(tr)
	}
	require.NoError(t, repo.Insert(ctx, tr))
	require.NoError(t, repo.MarkOpen(ctx, tr, &domain.EntrySnapshot{
		TradeID:    tr.ID,
		CapturedAt: entry,
		LiveDelta:  decimal.RequireFromString("-0.065"),
		VIX:        decimal.RequireFromString(entryVIX),
	}))

	tr.ExitPremium = decimal.RequireFromString("0.15")
	tr.ExitTime = clock.now.Add(-time.Hour)
	tr.ExitKind = domain.ExitProfitTarget
	tr.RealizedPnL = pnl
	require.NoError(t, repo.MarkClosed(ctx, tr, &domain.ExitSnapshot{
		TradeID:    tr.ID,
		CapturedAt: tr.ExitTime,
		ExitKind:   tr.ExitKind,
	}))
	clock.now = clock.now.Add(time.Minute)
	return tr
}

func TestWelchTDistinguishesSeparatedSamples(t *testing.T) {
	var a, b domain.ArmStats
	for i := 0; i < 30; i++ {
		a.Record(0.010+float64(i%3)*0.001, true)
		b.Record(0.002+float64(i%3)*0.001, false)
	}

	c := compare(a, b)
	assert.Less(t, c.PValue, 0.01)
	assert.Greater(t, c.Effect, 1.0)

	// Identical samples are never significant.
	same := compare(a, a)
	assert.Greater(t, same.PValue, 0.9)
	assert.InDelta(t, 0, same.Effect, 1e-9)
}

func TestPValueBounds(t *testing.T) {
	assert.Equal(t, 1.0, pValueTwoSided(0, 0))
	assert.InDelta(t, 1.0, pValueTwoSided(0, 50), 1e-9)
	assert.Less(t, pValueTwoSided(3.5, 50), 0.001)
}

func TestPatternDetectionRetainsSignificantBucket(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC)}
	trades := store.NewTradeRepo(s)
	experiments := store.NewExperimentRepo(s)

	// Energy trades lose consistently, everything else wins.
	for i := 0; i < 12; i++ {
		closeTrade(t, trades, clock, "XOM", decimal.NewFromInt(int64(-40-i)), "18.5")
	}
	for i := 0; i < 12; i++ {
		closeTrade(t, trades, clock, "SPY", decimal.NewFromInt(int64(35+i)), "18.5")
	}

	d := NewPatternDetector(trades, experiments, learningConfig(), clock, logging.Nop{})
	patterns, err := d.Detect(context.Background())
	require.NoError(t, err)

	var energy *domain.Pattern
	for _, p := range patterns {
		if p.Category == "sector" && p.Name == "energy" {
			energy = p
		}
	}
	require.NotNil(t, energy, "losing sector must surface as a pattern")
	assert.Equal(t, 12, energy.SampleSize)
	assert.Equal(t, 0.0, energy.WinRate)
	assert.Less(t, energy.PValue, 0.05)
	assert.Less(t, energy.EffectSize, 0.0)

	stored, err := experiments.ListPatterns(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
}

func TestPatternDetectionNeedsMinSamples(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC)}
	trades := store.NewTradeRepo(s)
	experiments := store.NewExperimentRepo(s)

	for i := 0; i < 4; i++ {
		closeTrade(t, trades, clock, "XOM", decimal.NewFromInt(-40), "18.5")
	}

	d := NewPatternDetector(trades, experiments, learningConfig(), clock, logging.Nop{})
	patterns, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func newManager(t *testing.T, s *store.Store, clock *fakeClock) (*ExperimentManager, *store.MemoryRepo) {
	t.Helper()
	memory := store.NewMemoryRepo(s)
	require.NoError(t, memory.Save(context.Background(), &domain.WorkingMemory{
		SessionID: "sess-1",
		Params: domain.StrategyParams{
			TargetDelta:  0.065,
			TargetDTE:    7,
			ProfitTarget: 0.70,
		},
		AutonomyLevel: 1,
	}))

	m, err := NewExperimentManager(store.NewExperimentRepo(s), memory,
		store.NewDecisionRepo(s), learningConfig(), "sess-1", clock, logging.Nop{})
	require.NoError(t, err)
	return m, memory
}

func TestExperimentTagIsStable(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	m, _ := newManager(t, s, clock)

	// No active experiment means no tag.
	id, arm := m.Tag("SPY", clock.now)
	assert.Empty(t, id)
	assert.Empty(t, arm)

	e, err := m.Start(context.Background(), &domain.ExperimentProposal{
		Parameter:     "target_delta",
		ControlValue:  0.065,
		TestValue:     0.080,
		Allocation:    0.5,
		SuccessMetric: "avg_roi",
		Hypothesis:    "slightly higher delta earns more premium per unit of risk",
	})
	require.NoError(t, err)

	id1, arm1 := m.Tag("SPY", clock.now)
	id2, arm2 := m.Tag("SPY", clock.now.Add(2*time.Hour)) // same UTC date
	assert.Equal(t, e.ID, id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, arm1, arm2, "same symbol and date must land in the same arm")

	// Both arms are reachable across symbols and dates.
	arms := map[string]bool{}
	for day := 0; day < 20; day++ {
		_, a := m.Tag("SPY", clock.now.AddDate(0, 0, day))
		arms[a] = true
	}
	assert.True(t, arms[ArmControl] && arms[ArmTest], "allocation must split traffic")
}

func TestExperimentRejectsUnknownParameter(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	m, _ := newManager(t, s, clock)

	_, err := m.Start(context.Background(), &domain.ExperimentProposal{
		Parameter: "martingale_multiplier", ControlValue: 1, TestValue: 2,
	})
	assert.ErrorContains(t, err, "unknown experiment parameter")
}

func recordArm(t *testing.T, m *ExperimentManager, experimentID, arm string, roi decimal.Decimal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		tr := &domain.Trade{
			ID:            int64(1000 + i),
			Symbol:        "SPY",
			Strike:        decimal.NewFromInt(100),
			Contracts:     1,
			RealizedPnL:   roi.Mul(decimal.NewFromInt(10000)), // strike*100*contracts
			ExperimentID:  experimentID,
			ExperimentArm: arm,
		}
		require.NoError(t, m.RecordOutcome(context.Background(), tr))
	}
}

func TestExperimentAdoptionMutatesParams(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	m, memory := newManager(t, s, clock)

	e, err := m.Start(context.Background(), &domain.ExperimentProposal{
		Parameter:     "target_delta",
		ControlValue:  0.065,
		TestValue:     0.080,
		Allocation:    0.5,
		MinSamples:    10,
		SuccessMetric: "avg_roi",
	})
	require.NoError(t, err)

	// Test arm clearly outperforms. Slight jitter keeps variance nonzero.
	for i := 0; i < 12; i++ {
		roi := decimal.RequireFromString("0.0100").Add(decimal.New(int64(i%3), -4))
		recordArm(t, m, e.ID, ArmTest, roi, 1)
	}
	for i := 0; i < 12; i++ {
		roi := decimal.RequireFromString("0.0020").Add(decimal.New(int64(i%3), -4))
		recordArm(t, m, e.ID, ArmControl, roi, 1)
	}

	got, err := store.NewExperimentRepo(s).Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentAdopted, got.Status)
	assert.NotEmpty(t, got.DecisionReason)

	mem, err := memory.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0.080, mem.Params.TargetDelta, "adoption must promote the test value")

	// The change is recorded as an auditable decision.
	recent, err := store.NewDecisionRepo(s).ListRecent(context.Background(), 5)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Contains(t, string(recent[0].Output), "parameter_adjusted")

	// Once terminal, the experiment stops tagging.
	id, _ := m.Tag("SPY", clock.now)
	assert.Empty(t, id)
}

func TestExperimentRejectedWhenTestUnderperforms(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	m, memory := newManager(t, s, clock)

	e, err := m.Start(context.Background(), &domain.ExperimentProposal{
		Parameter: "target_delta", ControlValue: 0.065, TestValue: 0.120,
		MinSamples: 10, SuccessMetric: "avg_roi",
	})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		recordArm(t, m, e.ID, ArmTest,
			decimal.RequireFromString("-0.0050").Add(decimal.New(int64(i%3), -4)), 1)
	}
	for i := 0; i < 12; i++ {
		recordArm(t, m, e.ID, ArmControl,
			decimal.RequireFromString("0.0060").Add(decimal.New(int64(i%3), -4)), 1)
	}

	got, err := store.NewExperimentRepo(s).Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentRejected, got.Status)

	mem, err := memory.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0.065, mem.Params.TargetDelta, "rejection must not touch parameters")
}

func TestExperimentInconclusiveAtDeadline(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	m, _ := newManager(t, s, clock)

	e, err := m.Start(context.Background(), &domain.ExperimentProposal{
		Parameter: "profit_target_pct", ControlValue: 0.70, TestValue: 0.60,
		MinSamples: 10, SuccessMetric: "avg_roi",
	})
	require.NoError(t, err)

	clock.now = clock.now.AddDate(0, 0, 46)
	recordArm(t, m, e.ID, ArmControl, decimal.RequireFromString("0.0050"), 1)

	got, err := store.NewExperimentRepo(s).Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentInconclusive, got.Status)
}

func TestReflectRebuildsPerformance(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC)}
	trades := store.NewTradeRepo(s)
	memory := store.NewMemoryRepo(s)
	broker := mock.NewBroker(clock)

	require.NoError(t, memory.Save(context.Background(), &domain.WorkingMemory{
		SessionID:     "sess-1",
		AutonomyLevel: 1,
	}))

	// Three wins then two losses; the losses are most recent.
	for i := 0; i < 3; i++ {
		closeTrade(t, trades, clock, "SPY", decimal.NewFromInt(37), "18.5")
	}
	closeTrade(t, trades, clock, "XOM", decimal.NewFromInt(-80), "22.0")
	closeTrade(t, trades, clock, "CVX", decimal.NewFromInt(-60), "22.0")

	r := NewReflector(trades, memory, broker, clock, logging.Nop{})
	perf, err := r.Reflect(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.Equal(t, 5, perf.Trades)
	assert.Equal(t, 3, perf.Wins)
	assert.InDelta(t, 0.6, perf.WinRate, 1e-9)
	assert.Equal(t, 2, perf.LossStreak)
	assert.InDelta(t, 1.0, perf.AvgContracts, 1e-9)
	assert.Equal(t, 2, perf.SectorLosses["energy"])
	assert.InDelta(t, 100000, perf.PeakEquity, 1e-9)

	mem, err := memory.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, mem.Performance.Trades)
}

func TestReflectKeepsPriorPeakEquity(t *testing.T) {
	s := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 21, 0, 0, 0, time.UTC)}
	trades := store.NewTradeRepo(s)
	memory := store.NewMemoryRepo(s)
	broker := mock.NewBroker(clock)

	require.NoError(t, memory.Save(context.Background(), &domain.WorkingMemory{
		SessionID: "sess-1",
		Performance: domain.RollingPerformance{
			PeakEquity: 120000,
		},
	}))

	r := NewReflector(trades, memory, broker, clock, logging.Nop{})
	perf, err := r.Reflect(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.InDelta(t, 120000, perf.PeakEquity, 1e-9, "drawdown baseline must not reset")
	assert.InDelta(t, 100000, perf.TroughEquity, 1e-9)
}
