package governor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// Fixed mandatory-review thresholds. Unlike the risk limits these are not
// configuration: they are the floor under every autonomy level.
const (
	reviewSizeMultiple     = 3.0
	reviewSectorLossStreak = 3
	reviewVIXSpikePct      = 0.30
	reviewStaleDataGap     = 30 * time.Minute
	reviewMarginUtil       = 0.40
	reviewConfidenceFloor  = 0.4
	reviewFillFailures     = 3
)

// maxAutoLevel caps automatic promotion; level 4 is granted by hand only.
const maxAutoLevel = 3

// AutonomyGovernor implements core.IAutonomyGovernor.
type AutonomyGovernor struct {
	cfg     config.AutonomyConfig
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewAutonomyGovernor creates the autonomy governor.
func NewAutonomyGovernor(cfg config.AutonomyConfig, logger core.ILogger) *AutonomyGovernor {
	return &AutonomyGovernor{
		cfg:     cfg,
		logger:  logger.WithField("component", "autonomy_governor"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Authorize maps a proposed decision to allow, queue or block. Mandatory
// review triggers queue regardless of level; EMERGENCY_HALT always runs.
func (g *AutonomyGovernor) Authorize(out *domain.DecisionOutput, mem *domain.WorkingMemory, info core.AutonomyContext) (core.Authorization, string) {
	switch {
	case out.Action == domain.ActionEmergencyHalt:
		return core.AuthAllow, "emergency actions bypass autonomy gating"
	case out.Action.Passive():
		return core.AuthAllow, "passive action"
	case out.Action == domain.ActionStageCandidates:
		// Staging places no orders.
		return core.AuthAllow, "staging only"
	}

	if reason := mandatoryReview(out, info); reason != "" {
		return core.AuthQueue, "mandatory review: " + reason
	}

	closing := out.Action == domain.ActionClosePosition

	switch mem.AutonomyLevel {
	case 1:
		return core.AuthQueue, "level 1 recommends only"
	case 2:
		if closing {
			return core.AuthAllow, "level 2 closing action"
		}
		if withinSizeMultiple(info, 1.0) {
			return core.AuthAllow, "level 2 within 1x average size"
		}
		return core.AuthQueue, "level 2 allows only closing actions and small entries"
	case 3:
		if closing || withinSizeMultiple(info, 2.0) {
			return core.AuthAllow, "level 3 within 2x average size"
		}
		return core.AuthQueue, "level 3 size cap exceeded"
	case 4:
		return core.AuthAllow, "level 4 autonomous"
	}
	return core.AuthBlock, fmt.Sprintf("unknown autonomy level %d", mem.AutonomyLevel)
}

func mandatoryReview(out *domain.DecisionOutput, info core.AutonomyContext) string {
	switch {
	case info.NewSymbol:
		return "first trade on new symbol"
	case info.AvgContracts > 0 && float64(info.ProposedContracts) >= reviewSizeMultiple*info.AvgContracts:
		return fmt.Sprintf("size %d is %.0fx rolling average", info.ProposedContracts, reviewSizeMultiple)
	case info.SectorLossStreak >= reviewSectorLossStreak:
		return "consecutive sector losses"
	case info.VIXChangeIntradayPct >= reviewVIXSpikePct:
		return fmt.Sprintf("intraday vix spike %.0f%%", info.VIXChangeIntradayPct*100)
	case info.StaleDataGap > reviewStaleDataGap:
		return "stale data gap during session"
	case info.PostTradeMarginUtil.GreaterThan(decimal.NewFromFloat(reviewMarginUtil)):
		return "post-trade margin utilisation above 40%"
	case out.Confidence < reviewConfidenceFloor:
		return fmt.Sprintf("confidence %.2f below review floor", out.Confidence)
	case info.ConsecFillFailures >= reviewFillFailures:
		return "consecutive fill failures"
	}
	return ""
}

func withinSizeMultiple(info core.AutonomyContext, multiple float64) bool {
	if info.AvgContracts <= 0 {
		return false
	}
	return float64(info.ProposedContracts) <= multiple*info.AvgContracts
}

// RecordOverride registers a manual override: the day counter resets and
// the daemon drops one level immediately.
func (g *AutonomyGovernor) RecordOverride(mem *domain.WorkingMemory, now time.Time) {
	mem.Autonomy.LastOverrideAt = now
	mem.Autonomy.DaysWithoutOverride = 0
	if mem.AutonomyLevel > 1 {
		mem.AutonomyLevel--
		mem.Autonomy.LastDemotionAt = now
		g.logger.Warn("Autonomy demoted on manual override", "level", mem.AutonomyLevel)
	}
	g.metrics.SetAutonomyLevel(int64(mem.AutonomyLevel))
}

// EvaluatePromotion promotes one level when the override-free streak and
// the performance floor are both met. Returns true when a promotion happened.
func (g *AutonomyGovernor) EvaluatePromotion(mem *domain.WorkingMemory, now time.Time) bool {
	if mem.AutonomyLevel >= maxAutoLevel {
		return false
	}
	if mem.Autonomy.DaysWithoutOverride < g.cfg.PromotionDays {
		return false
	}
	perf := mem.Performance
	if perf.Trades == 0 || perf.WinRate < g.cfg.MinWinRate || perf.Sharpe < g.cfg.MinSharpe {
		return false
	}

	mem.AutonomyLevel++
	mem.Autonomy.LastPromotionAt = now
	mem.Autonomy.DaysWithoutOverride = 0
	g.metrics.SetAutonomyLevel(int64(mem.AutonomyLevel))
	g.logger.Info("Autonomy promoted", "level", mem.AutonomyLevel,
		"win_rate", perf.WinRate, "sharpe", perf.Sharpe)
	return true
}

// EvaluateDemotion demotes one level on a loss streak or any active
// anomaly. Returns true when a demotion happened.
func (g *AutonomyGovernor) EvaluateDemotion(mem *domain.WorkingMemory, now time.Time) bool {
	if mem.AutonomyLevel <= 1 {
		return false
	}
	streak := mem.Performance.LossStreak >= g.cfg.DemotionLossStreak
	anomalous := len(mem.ActiveAnomalies()) > 0
	if !streak && !anomalous {
		return false
	}

	mem.AutonomyLevel--
	mem.Autonomy.LastDemotionAt = now
	mem.Autonomy.DaysWithoutOverride = 0
	g.metrics.SetAutonomyLevel(int64(mem.AutonomyLevel))
	g.logger.Warn("Autonomy demoted", "level", mem.AutonomyLevel,
		"loss_streak", mem.Performance.LossStreak, "anomalies", anomalous)
	return true
}
