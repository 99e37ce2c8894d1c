package domain

import (
	"time"
)

// StrategyParams are the tunable strategy parameters owned by working
// memory. Only experiment adoption may change them.
type StrategyParams struct {
	TargetDelta    float64 `json:"target_delta"`
	DeltaTolerance float64 `json:"delta_tolerance"`
	TargetDTE      int     `json:"target_dte"`
	ProfitTarget   float64 `json:"profit_target_pct"`
	StopMultiple   float64 `json:"stop_loss_multiple"`
	MinOTMPct      float64 `json:"min_otm_pct"`
	PremiumFloor   float64 `json:"premium_floor"`
}

// Get returns a named parameter value; ok is false for unknown names.
func (p StrategyParams) Get(name string) (float64, bool) {
	switch name {
	case "target_delta":
		return p.TargetDelta, true
	case "delta_tolerance":
		return p.DeltaTolerance, true
	case "target_dte":
		return float64(p.TargetDTE), true
	case "profit_target_pct":
		return p.ProfitTarget, true
	case "stop_loss_multiple":
		return p.StopMultiple, true
	case "min_otm_pct":
		return p.MinOTMPct, true
	case "premium_floor":
		return p.PremiumFloor, true
	}
	return 0, false
}

// Set assigns a named parameter; ok is false for unknown names.
func (p *StrategyParams) Set(name string, v float64) bool {
	switch name {
	case "target_delta":
		p.TargetDelta = v
	case "delta_tolerance":
		p.DeltaTolerance = v
	case "target_dte":
		p.TargetDTE = int(v)
	case "profit_target_pct":
		p.ProfitTarget = v
	case "stop_loss_multiple":
		p.StopMultiple = v
	case "min_otm_pct":
		p.MinOTMPct = v
	case "premium_floor":
		p.PremiumFloor = v
	default:
		return false
	}
	return true
}

// RollingPerformance is the recent-window performance block in working memory.
type RollingPerformance struct {
	WindowDays    int     `json:"window_days"`
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"`
	AvgROI        float64 `json:"avg_roi"`
	Sharpe        float64 `json:"sharpe"`
	RealizedPnL   float64 `json:"realized_pnl"`
	PeakEquity    float64 `json:"peak_equity"`
	TroughEquity  float64 `json:"trough_equity"`
	AvgContracts  float64 `json:"avg_contracts"`
	LossStreak    int     `json:"loss_streak"`
	FillFailures  int     `json:"fill_failures"`
	SectorLosses  map[string]int `json:"sector_losses,omitempty"`
}

// AutonomyMetrics backs promotion and demotion decisions.
type AutonomyMetrics struct {
	DaysWithoutOverride int       `json:"days_without_override"`
	LastOverrideAt      time.Time `json:"last_override_at,omitempty"`
	LastPromotionAt     time.Time `json:"last_promotion_at,omitempty"`
	LastDemotionAt      time.Time `json:"last_demotion_at,omitempty"`
	TradedSymbols       []string  `json:"traded_symbols,omitempty"`
}

// WorkingMemory is the single persistent state row per session.
type WorkingMemory struct {
	SessionID       string             `json:"session_id"`
	Params          StrategyParams     `json:"strategy_params"`
	OpenExperiments []string           `json:"open_experiments"`
	Performance     RollingPerformance `json:"performance"`
	Anomalies       []Anomaly          `json:"anomalies"`
	AutonomyLevel   int                `json:"autonomy_level"`
	Autonomy        AutonomyMetrics    `json:"autonomy_metrics"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ActiveAnomalies returns the unresolved anomalies.
func (m *WorkingMemory) ActiveAnomalies() []Anomaly {
	var out []Anomaly
	for _, a := range m.Anomalies {
		if a.ResolvedAt.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

// HardBlocked returns the first active hard-block anomaly, if any.
func (m *WorkingMemory) HardBlocked() (Anomaly, bool) {
	for _, a := range m.ActiveAnomalies() {
		if a.HardBlock {
			return a, true
		}
	}
	return Anomaly{}, false
}

// RaiseAnomaly appends an anomaly unless an identical code is already active.
func (m *WorkingMemory) RaiseAnomaly(code, detail string, hard bool, now time.Time) bool {
	for _, a := range m.ActiveAnomalies() {
		if a.Code == code {
			return false
		}
	}
	m.Anomalies = append(m.Anomalies, Anomaly{Code: code, Detail: detail, HardBlock: hard, RaisedAt: now})
	return true
}

// ResolveAnomaly marks all active anomalies with code as resolved.
func (m *WorkingMemory) ResolveAnomaly(code string, now time.Time) {
	for i := range m.Anomalies {
		if m.Anomalies[i].Code == code && m.Anomalies[i].ResolvedAt.IsZero() {
			m.Anomalies[i].ResolvedAt = now
		}
	}
}

// SystemState is the kill-switch row plus heartbeat and cost counters.
type SystemState struct {
	TradingHalted   bool
	HaltReason      string
	LastHeartbeat   time.Time
	CurrentActivity string
	CostDate        string
	CostTodayUSD    float64
}
