package core

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// ReasoningContextVersion is bumped on every additive schema change so
// older audit records stay parseable.
const ReasoningContextVersion = 1

// PositionView is an open position as presented to the engine.
type PositionView struct {
	TradeID         int64           `json:"trade_id"`
	Symbol          string          `json:"symbol"`
	Strike          decimal.Decimal `json:"strike"`
	Expiration      string          `json:"expiration"`
	Contracts       int             `json:"contracts"`
	EntryPremium    decimal.Decimal `json:"entry_premium"`
	CurrentMid      decimal.Decimal `json:"current_mid"`
	Delta           decimal.Decimal `json:"delta"`
	Theta           decimal.Decimal `json:"theta"`
	DTE             int             `json:"dte"`
	UnrealizedPct   decimal.Decimal `json:"unrealized_pct"`
	ProfitTargetHit bool            `json:"profit_target_hit"`
	StopApproaching bool            `json:"stop_approaching"`
}

// CandidateView is a staged opportunity as presented to the engine.
type CandidateView struct {
	StagedID    string          `json:"staged_id"`
	Symbol      string          `json:"symbol"`
	Strike      decimal.Decimal `json:"strike"`
	TargetDelta decimal.Decimal `json:"target_delta"`
	LiveDelta   decimal.Decimal `json:"live_delta"`
	DTE         int             `json:"dte"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Contracts   int             `json:"contracts"`
	Status      string          `json:"status"`
}

// MarketContext is the regime block of the reasoning context.
type MarketContext struct {
	VIX              decimal.Decimal  `json:"vix"`
	VIXTermSign      int              `json:"vix_term_sign"` // +1 contango, -1 backwardation
	Regime           string           `json:"regime"`
	TimeOfDay        string           `json:"time_of_day"`
	QuoteAgesSeconds map[string]int64 `json:"quote_ages_seconds"`
}

// AccountContext is the account block of the reasoning context.
type AccountContext struct {
	NetLiquidation   decimal.Decimal `json:"net_liquidation"`
	AvailableFunds   decimal.Decimal `json:"available_funds"`
	ExcessLiquidity  decimal.Decimal `json:"excess_liquidity"`
	MarginUtilisation decimal.Decimal `json:"margin_utilisation"`
}

// RecentDecision is a compact view of a recent audit row.
type RecentDecision struct {
	Action    domain.Action `json:"action"`
	Summary   string        `json:"summary"`
	Outcome   string        `json:"outcome"`
	CreatedAt time.Time     `json:"created_at"`
}

// PatternView is an active pattern as presented to the engine.
type PatternView struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	WinRate    float64 `json:"win_rate"`
	AvgROI     float64 `json:"avg_roi"`
	PValue     float64 `json:"p_value"`
	SampleSize int     `json:"sample_size"`
}

// ExperimentView is an active experiment as presented to the engine.
type ExperimentView struct {
	ID             string  `json:"id"`
	Parameter      string  `json:"parameter"`
	ControlValue   float64 `json:"control_value"`
	TestValue      float64 `json:"test_value"`
	ControlSamples int     `json:"control_samples"`
	TestSamples    int     `json:"test_samples"`
}

// ReasoningContext is the versioned, deterministic input to one engine call.
type ReasoningContext struct {
	SchemaVersion   int                   `json:"schema_version"`
	SessionID       string                `json:"session_id"`
	EventID         string                `json:"event_id"`
	EventType       domain.EventType      `json:"event_type"`
	Now             time.Time             `json:"now"`
	Positions       []PositionView        `json:"positions"`
	Account         AccountContext        `json:"account"`
	Market          MarketContext         `json:"market"`
	Candidates      []CandidateView       `json:"candidates"`
	RecentDecisions []RecentDecision      `json:"recent_decisions"`
	SimilarPast     []SimilarDecision     `json:"similar_past"`
	Patterns        []PatternView         `json:"patterns"`
	Experiments     []ExperimentView      `json:"experiments"`
	Params          domain.StrategyParams `json:"strategy_params"`
	AutonomyLevel   int                   `json:"autonomy_level"`
	Anomalies       []domain.Anomaly      `json:"anomalies"`
}
