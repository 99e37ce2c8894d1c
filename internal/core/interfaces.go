// Package core defines the core interfaces of the put-selling daemon.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// ILogger is the structured logging contract used everywhere.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OptionContract identifies one listed option for broker calls.
type OptionContract struct {
	Symbol     string
	Right      domain.OptionRight
	Strike     decimal.Decimal
	Expiration time.Time
	ConID      int64 // broker contract id once qualified
}

// OrderRequest is a broker order submission. Brackets are expressed as a
// parent plus children referencing ParentOrderID; children are held until
// the parent is accepted.
type OrderRequest struct {
	Contract      OptionContract
	Side          domain.OrderSide
	Quantity      int
	LimitPrice    decimal.Decimal
	Type          domain.OrderType
	TIF           domain.TimeInForce
	ParentOrderID int64
	Transmit      bool
	WhatIf        bool
}

// BrokerEvent is an asynchronous callback from the broker stream.
type BrokerEvent struct {
	Type          domain.EventType
	BrokerOrderID int64
	ExecutionID   string
	Status        domain.OrderStatus
	FilledQty     int
	Remaining     int
	AvgFillPrice  decimal.Decimal
	Symbol        string
	Time          time.Time
}

// IBroker is the synchronous facade over the broker gateway; the only
// broker dependency of the core.
type IBroker interface {
	GetAccountSummary(ctx context.Context) (domain.AccountSummary, error)
	GetQuote(ctx context.Context, c OptionContract) (domain.Quote, error)
	GetStockQuote(ctx context.Context, symbol string) (domain.Quote, error)
	GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error)
	GetGreeksBatch(ctx context.Context, contracts []OptionContract) (map[int64]domain.Greeks, error)
	QualifyContracts(ctx context.Context, contracts []OptionContract) ([]OptionContract, error)
	WhatIfOrder(ctx context.Context, req OrderRequest) (domain.WhatIfResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*domain.Order, error)
	ModifyOrder(ctx context.Context, brokerOrderID int64, newLimit decimal.Decimal) (*domain.Order, error)
	CancelOrder(ctx context.Context, brokerOrderID int64) (domain.OrderStatus, error)
	ListOpenOrders(ctx context.Context) ([]*domain.Order, error)
	ListExecutions(ctx context.Context, since time.Time) ([]domain.Execution, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
	ListStockPositions(ctx context.Context) ([]domain.StockPosition, error)
	Connected() bool
	Subscribe(fn func(BrokerEvent))
	CancelMarketData(ctx context.Context, conIDs []int64)
}

// IEventBus publishes durable events and streams them to the dispatcher.
type IEventBus interface {
	Publish(ctx context.Context, typ domain.EventType, payload interface{}) (string, error)
	PublishScheduled(ctx context.Context, typ domain.EventType, scheduledFor time.Time) (string, error)
	Claim(ctx context.Context, consumer string) (*domain.Event, error)
	Complete(ctx context.Context, eventID, consumer string) error
	Fail(ctx context.Context, eventID string, cause error) error
	Depth(ctx context.Context) (int, error)
}

// IWorkingMemory keeps the orchestrator stateful across restarts.
type IWorkingMemory interface {
	LoadSession(ctx context.Context, sessionID string) (*domain.WorkingMemory, error)
	Save(ctx context.Context, m *domain.WorkingMemory) error
	RecordDecision(ctx context.Context, d *domain.Decision, summary string) error
	RecordOutcome(ctx context.Context, decisionID string, result domain.ActionResult) error
	RetrieveSimilar(ctx context.Context, querySummary string, k int) ([]SimilarDecision, error)
}

// SimilarDecision is one retrieval hit with its outcome.
type SimilarDecision struct {
	DecisionID string
	Summary    string
	Action     domain.Action
	Outcome    string
	Similarity float64
	CreatedAt  time.Time
}

// IEmbedder turns a decision summary into a retrieval vector. Failures
// never block the decision path; the vector is simply absent.
type IEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IReasoningEngine converts an event plus context into a validated decision.
type IReasoningEngine interface {
	Decide(ctx context.Context, rc *ReasoningContext) (*domain.DecisionOutput, decimal.Decimal, error)
}

// IRiskGovernor runs the pre-trade arithmetic checks.
type IRiskGovernor interface {
	CheckEntry(ctx context.Context, in EntryCheckInput) Verdict
	VerifyPostTradeMargin(ctx context.Context) error
}

// Verdict is the typed result of a governor check.
type Verdict struct {
	Approved bool
	Reason   string
}

// EntryCheckInput bundles everything the risk governor needs; it holds no
// live connections so the checks stay pure.
type EntryCheckInput struct {
	Opportunity   *domain.StagedOpportunity
	WhatIf        domain.WhatIfResult
	Account       domain.AccountSummary
	OpenPositions []domain.Position
	OpenedToday   int
	RealizedToday decimal.Decimal
	RealizedWeek  decimal.Decimal
	PeakEquity    decimal.Decimal
	VIX           decimal.Decimal
	Now           time.Time
	InSession     bool
	Halted        bool
	EarningsDates []time.Time
	SectorOf      func(symbol string) string
}

// Authorization is the autonomy governor's mapping result.
type Authorization int

const (
	AuthAllow Authorization = iota
	AuthQueue
	AuthBlock
)

// IAutonomyGovernor maps a proposed decision to an execution authorization.
type IAutonomyGovernor interface {
	Authorize(out *domain.DecisionOutput, mem *domain.WorkingMemory, ctxInfo AutonomyContext) (Authorization, string)
	RecordOverride(mem *domain.WorkingMemory, now time.Time)
	EvaluatePromotion(mem *domain.WorkingMemory, now time.Time) bool
	EvaluateDemotion(mem *domain.WorkingMemory, now time.Time) bool
}

// AutonomyContext carries the trigger inputs for mandatory review checks.
type AutonomyContext struct {
	NewSymbol            bool
	ProposedContracts    int
	AvgContracts         float64
	SectorLossStreak     int
	VIXChangeIntradayPct float64
	StaleDataGap         time.Duration
	PostTradeMarginUtil  decimal.Decimal
	ConsecFillFailures   int
}

// IActionExecutor routes an authorized decision to broker operations.
type IActionExecutor interface {
	StageCandidates(ctx context.Context, symbols []string) (domain.ActionResult, error)
	ExecuteStaged(ctx context.Context, stagedIDs []string, decisionID string) (domain.ActionResult, error)
	ClosePosition(ctx context.Context, tradeID int64, reason domain.ExitKind, decisionID string) (domain.ActionResult, error)
	RollPosition(ctx context.Context, tradeID int64, decisionID string) (domain.ActionResult, error)
}

// IReconciler aligns local trades, orders and positions with broker truth.
type IReconciler interface {
	Reconcile(ctx context.Context) (ReconcileReport, error)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	StatusFixes     int
	PriceFixes      int
	CommissionFixes int
	Orphans         int
	MissingLocally  int
	Assignments     int
}

// IClock abstracts time for deterministic tests.
type IClock interface {
	Now() time.Time
}

// SystemClock is the production IClock.
type SystemClock struct{}

// Now returns the wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
