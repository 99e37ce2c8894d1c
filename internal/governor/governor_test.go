package governor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOpenPositions:       5,
		MaxDailyNewPositions:   3,
		MaxDailyLossPct:        0.02,
		MaxWeeklyLossPct:       0.05,
		MaxDrawdownPct:         0.10,
		MaxSectorConcentration: 0.40,
		PerTradeMarginCapPct:   0.20,
		MaxMarginUtilisation:   0.50,
		MinExcessLiquidityPct:  0.10,
		VIXHaltThreshold:       35,
	}
}

func baseInput() core.EntryCheckInput {
	return core.EntryCheckInput{
		Opportunity: &domain.StagedOpportunity{
			Symbol:     "SPY",
			Strike:     decimal.NewFromInt(450),
			Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
		},
		WhatIf: domain.WhatIfResult{
			InitMarginAfter: decimal.NewFromInt(14000),
			EquityAfter:     decimal.NewFromInt(100000),
		},
		Account: domain.AccountSummary{
			NetLiquidation:  decimal.NewFromInt(100000),
			ExcessLiquidity: decimal.NewFromInt(80000),
			InitMargin:      decimal.NewFromInt(10000),
		},
		VIX:        decimal.RequireFromString("18.5"),
		Now:        time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC),
		InSession:  true,
		PeakEquity: decimal.NewFromInt(105000),
		SectorOf:   func(string) string { return "broad_market" },
	}
}

func newRisk() *RiskGovernor {
	return NewRiskGovernor(riskConfig(), nil, logging.Nop{})
}

func TestCheckEntryApproves(t *testing.T) {
	v := newRisk().CheckEntry(context.Background(), baseInput())
	assert.True(t, v.Approved, v.Reason)
}

func TestCheckEntryKillSwitchFirst(t *testing.T) {
	in := baseInput()
	in.Halted = true
	in.InSession = false // halted must win over every later failure
	v := newRisk().CheckEntry(context.Background(), in)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, ReasonHalted)
}

func TestCheckEntryRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.EntryCheckInput)
		reason string
	}{
		{"outside session", func(in *core.EntryCheckInput) { in.InSession = false }, ReasonOutsideSession},
		{"earnings in window", func(in *core.EntryCheckInput) {
			in.EarningsDates = []time.Time{time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)}
		}, ReasonEarningsWindow},
		{"max open positions", func(in *core.EntryCheckInput) {
			in.OpenPositions = make([]domain.Position, 5)
		}, ReasonMaxOpenPositions},
		{"daily new cap", func(in *core.EntryCheckInput) { in.OpenedToday = 3 }, ReasonMaxDailyNew},
		{"duplicate contract", func(in *core.EntryCheckInput) {
			in.OpenPositions = []domain.Position{{
				Symbol: "SPY", Right: domain.RightPut,
				Strike:     decimal.NewFromInt(450),
				Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
			}}
		}, ReasonDuplicateContract},
		{"daily loss", func(in *core.EntryCheckInput) {
			in.RealizedToday = decimal.NewFromInt(-2000)
		}, ReasonDailyLoss},
		{"weekly loss", func(in *core.EntryCheckInput) {
			in.RealizedWeek = decimal.NewFromInt(-5000)
		}, ReasonWeeklyLoss},
		{"drawdown", func(in *core.EntryCheckInput) {
			in.PeakEquity = decimal.NewFromInt(120000)
		}, ReasonDrawdown},
		{"per trade margin", func(in *core.EntryCheckInput) {
			in.WhatIf.InitMarginAfter = decimal.NewFromInt(35000)
		}, ReasonPerTradeMargin},
		{"margin utilisation boundary", func(in *core.EntryCheckInput) {
			// exactly at the cap rejects
			in.WhatIf.InitMarginAfter = decimal.NewFromInt(30000)
			in.WhatIf.EquityAfter = decimal.NewFromInt(60000)
		}, ReasonMarginUtilisation},
		{"excess liquidity", func(in *core.EntryCheckInput) {
			in.Account.ExcessLiquidity = decimal.NewFromInt(12000)
		}, ReasonExcessLiquidity},
		{"vix regime", func(in *core.EntryCheckInput) {
			in.VIX = decimal.NewFromInt(36)
		}, ReasonVIXRegime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			v := newRisk().CheckEntry(context.Background(), in)
			assert.False(t, v.Approved)
			assert.Contains(t, v.Reason, tt.reason)
		})
	}
}

func TestCheckEntryEarningsAfterExpirationOK(t *testing.T) {
	in := baseInput()
	in.EarningsDates = []time.Time{time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)}
	v := newRisk().CheckEntry(context.Background(), in)
	assert.True(t, v.Approved, v.Reason)
}

func TestCheckEntrySectorConcentration(t *testing.T) {
	in := baseInput()
	sectors := map[string]string{"XOM": "energy", "CVX": "energy", "SPY": "energy", "AAPL": "tech"}
	in.SectorOf = func(s string) string { return sectors[s] }
	in.OpenPositions = []domain.Position{
		{Symbol: "XOM", Strike: decimal.NewFromInt(100)},
		{Symbol: "CVX", Strike: decimal.NewFromInt(150)},
		{Symbol: "AAPL", Strike: decimal.NewFromInt(200)},
	}
	v := newRisk().CheckEntry(context.Background(), in)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, ReasonSectorConcentration)
}

func autonomyConfig() config.AutonomyConfig {
	return config.AutonomyConfig{
		InitialLevel:       1,
		PromotionDays:      5,
		MinWinRate:         0.70,
		MinSharpe:          1.0,
		DemotionLossStreak: 3,
	}
}

func memAtLevel(level int) *domain.WorkingMemory {
	return &domain.WorkingMemory{
		SessionID:     "s1",
		AutonomyLevel: level,
		Performance:   domain.RollingPerformance{AvgContracts: 2},
	}
}

func entryDecision(conf float64) *domain.DecisionOutput {
	return &domain.DecisionOutput{
		SchemaVersion: 1,
		Action:        domain.ActionExecuteTrades,
		StagedIDs:     []string{"a"},
		Confidence:    conf,
		Reasoning:     "r",
	}
}

func TestMandatoryReviewTriggersQueueAtEveryLevel(t *testing.T) {
	g := NewAutonomyGovernor(autonomyConfig(), logging.Nop{})
	triggers := []struct {
		name string
		out  *domain.DecisionOutput
		info core.AutonomyContext
	}{
		{"new symbol", entryDecision(0.9), core.AutonomyContext{NewSymbol: true}},
		{"size 3x average", entryDecision(0.9), core.AutonomyContext{ProposedContracts: 6, AvgContracts: 2}},
		{"sector loss streak", entryDecision(0.9), core.AutonomyContext{SectorLossStreak: 3}},
		{"vix spike", entryDecision(0.9), core.AutonomyContext{VIXChangeIntradayPct: 0.35}},
		{"stale data", entryDecision(0.9), core.AutonomyContext{StaleDataGap: 45 * time.Minute}},
		{"margin util", entryDecision(0.9), core.AutonomyContext{PostTradeMarginUtil: decimal.RequireFromString("0.45")}},
		{"low confidence", entryDecision(0.3), core.AutonomyContext{}},
		{"fill failures", entryDecision(0.9), core.AutonomyContext{ConsecFillFailures: 3}},
	}
	for _, tt := range triggers {
		for level := 1; level <= 4; level++ {
			auth, reason := g.Authorize(tt.out, memAtLevel(level), tt.info)
			assert.Equal(t, core.AuthQueue, auth, "%s at level %d: %s", tt.name, level, reason)
		}
	}
}

func TestAuthorizeLevels(t *testing.T) {
	g := NewAutonomyGovernor(autonomyConfig(), logging.Nop{})
	closing := &domain.DecisionOutput{
		Action: domain.ActionClosePosition, TradeIDs: []int64{1},
		Confidence: 0.9, Reasoning: "r",
	}
	small := entryDecision(0.9)
	info := core.AutonomyContext{ProposedContracts: 2, AvgContracts: 2}

	auth, _ := g.Authorize(small, memAtLevel(1), info)
	assert.Equal(t, core.AuthQueue, auth)

	auth, _ = g.Authorize(closing, memAtLevel(2), core.AutonomyContext{})
	assert.Equal(t, core.AuthAllow, auth)
	auth, _ = g.Authorize(small, memAtLevel(2), info)
	assert.Equal(t, core.AuthAllow, auth)
	auth, _ = g.Authorize(small, memAtLevel(2),
		core.AutonomyContext{ProposedContracts: 4, AvgContracts: 2})
	assert.Equal(t, core.AuthQueue, auth)

	auth, _ = g.Authorize(small, memAtLevel(3),
		core.AutonomyContext{ProposedContracts: 4, AvgContracts: 2})
	assert.Equal(t, core.AuthAllow, auth)
	auth, _ = g.Authorize(small, memAtLevel(3),
		core.AutonomyContext{ProposedContracts: 5, AvgContracts: 2})
	assert.Equal(t, core.AuthQueue, auth)

	auth, _ = g.Authorize(small, memAtLevel(4),
		core.AutonomyContext{ProposedContracts: 10, AvgContracts: 2})
	assert.Equal(t, core.AuthAllow, auth)
}

func TestAuthorizeEmergencyAndPassive(t *testing.T) {
	g := NewAutonomyGovernor(autonomyConfig(), logging.Nop{})
	halt := &domain.DecisionOutput{Action: domain.ActionEmergencyHalt, Confidence: 0.2, Reasoning: "r"}
	auth, _ := g.Authorize(halt, memAtLevel(1), core.AutonomyContext{NewSymbol: true})
	assert.Equal(t, core.AuthAllow, auth)

	monitor := &domain.DecisionOutput{Action: domain.ActionMonitorOnly, Confidence: 0.2, Reasoning: "r"}
	auth, _ = g.Authorize(monitor, memAtLevel(1), core.AutonomyContext{})
	assert.Equal(t, core.AuthAllow, auth)
}

func TestPromotionAndDemotion(t *testing.T) {
	g := NewAutonomyGovernor(autonomyConfig(), logging.Nop{})
	now := time.Date(2026, 8, 26, 16, 30, 0, 0, time.UTC)

	mem := memAtLevel(1)
	mem.Autonomy.DaysWithoutOverride = 5
	mem.Performance = domain.RollingPerformance{Trades: 20, WinRate: 0.75, Sharpe: 1.4}
	assert.True(t, g.EvaluatePromotion(mem, now))
	assert.Equal(t, 2, mem.AutonomyLevel)

	// streak resets after promotion
	assert.False(t, g.EvaluatePromotion(mem, now))

	mem.AutonomyLevel = 3
	assert.False(t, g.EvaluatePromotion(mem, now), "level 4 is never reached automatically")

	mem.Performance.LossStreak = 3
	assert.True(t, g.EvaluateDemotion(mem, now))
	assert.Equal(t, 2, mem.AutonomyLevel)

	mem.Performance.LossStreak = 0
	mem.RaiseAnomaly(domain.AnomalyMarginDegraded, "x", true, now)
	assert.True(t, g.EvaluateDemotion(mem, now))
	assert.Equal(t, 1, mem.AutonomyLevel)
	assert.False(t, g.EvaluateDemotion(mem, now), "level 1 is the floor")
}

func TestRecordOverrideDemotes(t *testing.T) {
	g := NewAutonomyGovernor(autonomyConfig(), logging.Nop{})
	now := time.Now()
	mem := memAtLevel(3)
	mem.Autonomy.DaysWithoutOverride = 4
	g.RecordOverride(mem, now)
	assert.Equal(t, 2, mem.AutonomyLevel)
	assert.Equal(t, 0, mem.Autonomy.DaysWithoutOverride)
	assert.Equal(t, now, mem.Autonomy.LastOverrideAt)
}
