// Package governor holds the two gates every active decision passes:
// the risk governor (hard arithmetic checks) and the autonomy governor
// (what the daemon may do without a human).
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// Typed rejection reasons, stable for audit rows and alerts.
const (
	ReasonHalted              = "trading_halted"
	ReasonOutsideSession      = "outside_session"
	ReasonEarningsWindow      = "earnings_window"
	ReasonMaxOpenPositions    = "max_open_positions"
	ReasonMaxDailyNew         = "max_daily_new_positions"
	ReasonDuplicateContract   = "duplicate_contract"
	ReasonDailyLoss           = "daily_loss_limit"
	ReasonWeeklyLoss          = "weekly_loss_limit"
	ReasonDrawdown            = "max_drawdown"
	ReasonSectorConcentration = "sector_concentration"
	ReasonPerTradeMargin      = "per_trade_margin_cap"
	ReasonMarginUtilisation   = "margin_utilisation"
	ReasonExcessLiquidity     = "excess_liquidity"
	ReasonVIXRegime           = "vix_regime"
)

// RiskGovernor implements core.IRiskGovernor. CheckEntry is pure over its
// input; only VerifyPostTradeMargin touches the broker.
type RiskGovernor struct {
	cfg     config.RiskConfig
	broker  core.IBroker
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewRiskGovernor creates the risk governor.
func NewRiskGovernor(cfg config.RiskConfig, broker core.IBroker, logger core.ILogger) *RiskGovernor {
	return &RiskGovernor{
		cfg:     cfg,
		broker:  broker,
		logger:  logger.WithField("component", "risk_governor"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

func reject(reason, detail string) core.Verdict {
	if detail != "" {
		reason = reason + ": " + detail
	}
	return core.Verdict{Approved: false, Reason: reason}
}

// CheckEntry runs the entry checks in fixed order; the first failure
// short-circuits with its typed reason.
func (g *RiskGovernor) CheckEntry(_ context.Context, in core.EntryCheckInput) core.Verdict {
	if in.Halted {
		return reject(ReasonHalted, "")
	}
	if !in.InSession {
		return reject(ReasonOutsideSession, "")
	}
	if v := g.checkEarnings(in); !v.Approved {
		return v
	}
	if len(in.OpenPositions) >= g.cfg.MaxOpenPositions {
		return reject(ReasonMaxOpenPositions, fmt.Sprintf("%d open", len(in.OpenPositions)))
	}
	if in.OpenedToday >= g.cfg.MaxDailyNewPositions {
		return reject(ReasonMaxDailyNew, fmt.Sprintf("%d opened today", in.OpenedToday))
	}
	if v := g.checkDuplicate(in); !v.Approved {
		return v
	}
	if v := g.checkLossLimits(in); !v.Approved {
		return v
	}
	if v := g.checkSector(in); !v.Approved {
		return v
	}
	if v := g.checkMargin(in); !v.Approved {
		return v
	}
	if g.cfg.VIXHaltThreshold > 0 &&
		in.VIX.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.VIXHaltThreshold)) {
		return reject(ReasonVIXRegime, "vix "+in.VIX.StringFixed(1))
	}
	return core.Verdict{Approved: true}
}

func (g *RiskGovernor) checkEarnings(in core.EntryCheckInput) core.Verdict {
	if in.Opportunity == nil {
		return core.Verdict{Approved: true}
	}
	for _, d := range in.EarningsDates {
		if !d.Before(in.Now.Truncate(24*time.Hour)) && !d.After(in.Opportunity.Expiration) {
			return reject(ReasonEarningsWindow, d.Format("2006-01-02"))
		}
	}
	return core.Verdict{Approved: true}
}

func (g *RiskGovernor) checkDuplicate(in core.EntryCheckInput) core.Verdict {
	if in.Opportunity == nil {
		return core.Verdict{Approved: true}
	}
	key := domain.ContractKey{
		Symbol:     in.Opportunity.Symbol,
		Right:      domain.RightPut,
		Strike:     in.Opportunity.Strike.String(),
		Expiration: in.Opportunity.Expiration.Format("2006-01-02"),
	}
	for _, p := range in.OpenPositions {
		if p.Key() == key {
			return reject(ReasonDuplicateContract, in.Opportunity.Symbol)
		}
	}
	return core.Verdict{Approved: true}
}

func (g *RiskGovernor) checkLossLimits(in core.EntryCheckInput) core.Verdict {
	nlv := in.Account.NetLiquidation
	if nlv.IsZero() {
		return core.Verdict{Approved: true}
	}

	dailyFloor := nlv.Mul(decimal.NewFromFloat(g.cfg.MaxDailyLossPct)).Neg()
	if in.RealizedToday.LessThanOrEqual(dailyFloor) {
		return reject(ReasonDailyLoss, in.RealizedToday.StringFixed(2))
	}
	weeklyFloor := nlv.Mul(decimal.NewFromFloat(g.cfg.MaxWeeklyLossPct)).Neg()
	if in.RealizedWeek.LessThanOrEqual(weeklyFloor) {
		return reject(ReasonWeeklyLoss, in.RealizedWeek.StringFixed(2))
	}
	if in.PeakEquity.IsPositive() {
		drawdown := in.PeakEquity.Sub(nlv).Div(in.PeakEquity)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
			return reject(ReasonDrawdown, drawdown.StringFixed(3))
		}
	}
	return core.Verdict{Approved: true}
}

// checkSector counts the proposed position into its sector; unknown
// symbols form their own sector.
func (g *RiskGovernor) checkSector(in core.EntryCheckInput) core.Verdict {
	if in.Opportunity == nil || in.SectorOf == nil || g.cfg.MaxSectorConcentration <= 0 {
		return core.Verdict{Approved: true}
	}
	sector := in.SectorOf(in.Opportunity.Symbol)
	count := 1
	for _, p := range in.OpenPositions {
		if in.SectorOf(p.Symbol) == sector {
			count++
		}
	}
	total := len(in.OpenPositions) + 1
	if total > 1 && float64(count)/float64(total) > g.cfg.MaxSectorConcentration {
		return reject(ReasonSectorConcentration, sector)
	}
	return core.Verdict{Approved: true}
}

func (g *RiskGovernor) checkMargin(in core.EntryCheckInput) core.Verdict {
	nlv := in.Account.NetLiquidation
	impact := in.WhatIf.MarginImpact(in.Account)

	if g.cfg.PerTradeMarginCapPct > 0 && nlv.IsPositive() {
		cap := nlv.Mul(decimal.NewFromFloat(g.cfg.PerTradeMarginCapPct))
		if impact.GreaterThan(cap) {
			return reject(ReasonPerTradeMargin, impact.StringFixed(0))
		}
	}

	equity := in.WhatIf.EquityAfter
	if equity.IsZero() {
		equity = nlv
	}
	if equity.IsPositive() {
		util := in.WhatIf.InitMarginAfter.Div(equity)
		// Boundary rejects: utilisation at the cap is already too much.
		if util.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxMarginUtilisation)) {
			return reject(ReasonMarginUtilisation, util.StringFixed(3))
		}
	}

	if g.cfg.MinExcessLiquidityPct > 0 && nlv.IsPositive() {
		floor := nlv.Mul(decimal.NewFromFloat(g.cfg.MinExcessLiquidityPct))
		if in.Account.ExcessLiquidity.Sub(impact).LessThan(floor) {
			return reject(ReasonExcessLiquidity, in.Account.ExcessLiquidity.Sub(impact).StringFixed(0))
		}
	}
	return core.Verdict{Approved: true}
}

// VerifyPostTradeMargin re-reads the account after a fill; a breach is the
// caller's cue to trip the kill switch.
func (g *RiskGovernor) VerifyPostTradeMargin(ctx context.Context) error {
	summary, err := g.broker.GetAccountSummary(ctx)
	if err != nil {
		return fmt.Errorf("post-trade margin check failed: %w", err)
	}

	util := summary.MarginUtilisation()
	g.metrics.SetMarginUtilisation(util.InexactFloat64())

	if util.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxMarginUtilisation)) {
		return fmt.Errorf("margin utilisation %s at or above limit %.2f",
			util.StringFixed(3), g.cfg.MaxMarginUtilisation)
	}
	if g.cfg.MinExcessLiquidityPct > 0 && summary.NetLiquidation.IsPositive() {
		floor := summary.NetLiquidation.Mul(decimal.NewFromFloat(g.cfg.MinExcessLiquidityPct))
		if summary.ExcessLiquidity.LessThan(floor) {
			return fmt.Errorf("excess liquidity %s below floor %s",
				summary.ExcessLiquidity.StringFixed(0), floor.StringFixed(0))
		}
	}
	return nil
}
