// Package domain defines the persistent entities of the put-selling daemon.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionRight identifies the option right of a contract.
type OptionRight string

const (
	RightPut  OptionRight = "P"
	RightCall OptionRight = "C"
)

// TradeStatus tracks the lifecycle of a trade.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeWorking TradeStatus = "working"
	TradeOpen    TradeStatus = "open"
	TradeClosing TradeStatus = "closing"
	TradeClosed  TradeStatus = "closed"
	// TradeCancelled marks an entry withdrawn before any fill.
	TradeCancelled TradeStatus = "cancelled"
)

// ExitKind records why a trade closed.
type ExitKind string

const (
	ExitProfitTarget ExitKind = "profit_target"
	ExitStop         ExitKind = "stop"
	ExitTime         ExitKind = "time"
	ExitExpired      ExitKind = "expired"
	ExitAssigned     ExitKind = "assigned"
	ExitManual       ExitKind = "manual"
)

// Trade is one short-option position lifecycle, keyed by the broker
// execution id of the opening fill.
type Trade struct {
	ID            int64
	ExecutionID   string
	Symbol        string
	Right         OptionRight
	Strike        decimal.Decimal
	Expiration    time.Time
	Contracts     int
	EntryPremium  decimal.Decimal
	EntryTime     time.Time
	ExitPremium   decimal.Decimal
	ExitTime      time.Time
	ExitKind      ExitKind
	RealizedPnL   decimal.Decimal
	Commission    decimal.Decimal
	Status        TradeStatus
	StrategyTag   string
	ExperimentID  string
	ExperimentArm string
	RolledFromID  int64
	RollCount     int
	NeedsRecon    bool
}

// IsTerminal reports whether the trade reached its final state.
func (t *Trade) IsTerminal() bool { return t.Status == TradeClosed || t.Status == TradeCancelled }

// PnL computes realized P&L for a short premium trade:
// (entry - exit) * contracts * 100, before commission.
func (t *Trade) PnL() decimal.Decimal {
	perContract := t.EntryPremium.Sub(t.ExitPremium).Mul(decimal.NewFromInt(100))
	return perContract.Mul(decimal.NewFromInt(int64(t.Contracts)))
}

// ROI is realized P&L over the capital notionally secured by the put.
func (t *Trade) ROI() decimal.Decimal {
	basis := t.Strike.Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(t.Contracts)))
	if basis.IsZero() {
		return decimal.Zero
	}
	return t.RealizedPnL.Div(basis)
}

// DTE returns calendar days between entry and expiration.
func (t *Trade) DTE() int {
	if t.EntryTime.IsZero() {
		return 0
	}
	return int(t.Expiration.Sub(t.EntryTime).Hours() / 24)
}

// Greeks holds the model Greeks and quote for one option contract.
type Greeks struct {
	Delta        decimal.Decimal `json:"delta"`
	Gamma        decimal.Decimal `json:"gamma"`
	Theta        decimal.Decimal `json:"theta"`
	Vega         decimal.Decimal `json:"vega"`
	IV           decimal.Decimal `json:"iv"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	HasDelta     bool            `json:"has_delta"`
}

// Mid returns the quote midpoint, zero when the book is empty.
func (g Greeks) Mid() decimal.Decimal {
	if g.Bid.IsZero() && g.Ask.IsZero() {
		return decimal.Zero
	}
	return g.Bid.Add(g.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask-bid)/bid, the liquidity floor input.
func (g Greeks) SpreadPct() decimal.Decimal {
	if g.Bid.IsZero() {
		return decimal.NewFromInt(1)
	}
	return g.Ask.Sub(g.Bid).Div(g.Bid)
}

// EntrySnapshot is the append-only fact row captured in the same
// transaction that marks a trade open.
type EntrySnapshot struct {
	TradeID         int64
	CapturedAt      time.Time
	Greeks          Greeks
	UnderlyingPrice decimal.Decimal
	VIX             decimal.Decimal
	SelectionMethod string
	TargetDelta     decimal.Decimal
	OriginalStrike  decimal.Decimal
	LiveDelta       decimal.Decimal
	Indicators      map[string]float64
}

// ExitSnapshot mirrors EntrySnapshot at close time.
type ExitSnapshot struct {
	TradeID         int64
	CapturedAt      time.Time
	Greeks          Greeks
	UnderlyingPrice decimal.Decimal
	VIX             decimal.Decimal
	ExitKind        ExitKind
}

// StagedStatus tracks a staged opportunity before submission.
type StagedStatus string

const (
	StagedNew       StagedStatus = "staged"
	StagedValidated StagedStatus = "validated"
	StagedStale     StagedStatus = "stale"
	StagedExecuting StagedStatus = "executing"
	StagedSubmitted StagedStatus = "submitted"
	StagedCancelled StagedStatus = "cancelled"
)

// StagedOpportunity is a candidate trade that has not been sent to the broker.
type StagedOpportunity struct {
	ID              string
	Symbol          string
	OriginalStrike  decimal.Decimal
	Strike          decimal.Decimal
	TargetDelta     decimal.Decimal
	TargetDTE       int
	Expiration      time.Time
	LimitPrice      decimal.Decimal
	Contracts       int
	UnderlyingPrice decimal.Decimal
	Greeks          Greeks
	SelectionMethod string
	Status          StagedStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
