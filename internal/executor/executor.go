// Package executor turns authorized decisions into broker operations:
// candidate staging, bracket submission, closes and rolls, plus the fill
// manager and the live strike selector that support them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// SessionCalendar answers whether the market session is open.
type SessionCalendar interface {
	InSession(t time.Time) bool
}

// ExperimentTagger assigns an experiment arm to a new entry. The learning
// loop provides the production implementation.
type ExperimentTagger interface {
	Tag(symbol string, entry time.Time) (experimentID, arm string)
}

// Deps wires the executor's collaborators.
type Deps struct {
	Broker   core.IBroker
	Trades   *store.TradeRepo
	Orders   *store.OrderRepo
	Staged   *store.StagedRepo
	System   *store.SystemRepo
	Selector *StrikeSelector
	Sizer    Sizer
	Fills    *FillManager
	Risk     core.IRiskGovernor
	Bus      core.IEventBus
	Calendar SessionCalendar
	Tagger   ExperimentTagger
	// Earnings returns known earnings dates for a symbol; nil disables
	// the earnings check input.
	Earnings func(symbol string) []time.Time
	// PeakEquity feeds the drawdown check; nil falls back to current NLV.
	PeakEquity func(ctx context.Context) decimal.Decimal
	Clock      core.IClock
	Logger     core.ILogger
}

// Executor implements core.IActionExecutor.
type Executor struct {
	d       Deps
	cfg     config.TradingConfig
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// New creates the action executor.
func New(cfg config.TradingConfig, d Deps) *Executor {
	return &Executor{
		d:       d,
		cfg:     cfg,
		logger:  d.Logger.WithField("component", "executor"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// nextExpiry picks the first Friday at or after now+dte days.
func nextExpiry(from time.Time, dte int) time.Time {
	target := from.AddDate(0, 0, dte)
	for target.Weekday() != time.Friday {
		target = target.AddDate(0, 0, 1)
	}
	return time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *Executor) vix(ctx context.Context) decimal.Decimal {
	q, err := e.d.Broker.GetStockQuote(ctx, "VIX")
	if err != nil {
		e.logger.Warn("VIX quote unavailable", "error", err)
		return decimal.Zero
	}
	return q.Mid()
}

// StageCandidates runs the live strike selector over each symbol and
// persists sized staged opportunities. Symbols without a viable strike
// are staged as stale so the audit trail shows the attempt.
func (e *Executor) StageCandidates(ctx context.Context, symbols []string) (domain.ActionResult, error) {
	account, err := e.d.Broker.GetAccountSummary(ctx)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()},
			fmt.Errorf("staging aborted: %w", err)
	}

	now := e.d.Clock.Now()
	expiry := nextExpiry(now, e.cfg.TargetDTE)
	res := domain.ActionResult{Status: "staged"}

	for _, symbol := range symbols {
		sel := e.d.Selector.Select(ctx, SelectionRequest{
			Symbol:      symbol,
			Expiration:  expiry,
			TargetDelta: decimal.NewFromFloat(e.cfg.TargetDelta),
			Tolerance:   decimal.NewFromFloat(e.cfg.DeltaTolerance),
		})

		s := &domain.StagedOpportunity{
			ID:              uuid.NewString(),
			Symbol:          symbol,
			TargetDelta:     decimal.NewFromFloat(e.cfg.TargetDelta),
			TargetDTE:       e.cfg.TargetDTE,
			Expiration:      expiry,
			SelectionMethod: "live_delta",
		}

		if sel.Outcome == OutcomeAbandoned {
			s.Status = domain.StagedStale
			if err := e.d.Staged.Upsert(ctx, s); err != nil {
				e.logger.Error("Failed to persist stale candidate", "symbol", symbol, "error", err)
			}
			e.logger.Info("Candidate abandoned", "symbol", symbol, "reason", sel.Reason)
			continue
		}

		contracts := e.d.Sizer.Contracts(account.NetLiquidation, sel.Contract.Strike)
		if contracts == 0 {
			s.Status = domain.StagedStale
			_ = e.d.Staged.Upsert(ctx, s)
			e.logger.Info("Candidate unaffordable", "symbol", symbol,
				"strike", sel.Contract.Strike.String())
			continue
		}

		s.OriginalStrike = sel.Contract.Strike
		s.Strike = sel.Contract.Strike
		s.LimitPrice = sel.Greeks.Mid().Round(2)
		s.Contracts = contracts
		s.UnderlyingPrice = sel.Underlying
		s.Greeks = sel.Greeks
		s.Status = domain.StagedNew
		if err := e.d.Staged.Upsert(ctx, s); err != nil {
			return res, fmt.Errorf("failed to persist staged opportunity: %w", err)
		}
		res.StagedIDs = append(res.StagedIDs, s.ID)
		e.logger.Info("Candidate staged", "symbol", symbol,
			"strike", s.Strike.String(), "limit", s.LimitPrice.String(),
			"contracts", contracts, "delta", sel.Greeks.Delta.String())
	}

	if len(res.StagedIDs) == 0 {
		res.Status = "no_candidates"
	}
	return res, nil
}

// entryContext gathers the shared risk-check inputs once per execution batch.
type entryContext struct {
	account       domain.AccountSummary
	positions     []domain.Position
	openedToday   int
	realizedToday decimal.Decimal
	realizedWeek  decimal.Decimal
	peakEquity    decimal.Decimal
	vix           decimal.Decimal
	halted        bool
	now           time.Time
}

func (e *Executor) buildEntryContext(ctx context.Context) (*entryContext, error) {
	account, err := e.d.Broker.GetAccountSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("account summary unavailable: %w", err)
	}
	positions, err := e.d.Broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions unavailable: %w", err)
	}

	now := e.d.Clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	openedToday, err := e.d.Trades.CountOpenedSince(ctx, midnight)
	if err != nil {
		return nil, err
	}
	realizedToday, err := e.d.Trades.RealizedSince(ctx, midnight)
	if err != nil {
		return nil, err
	}
	realizedWeek, err := e.d.Trades.RealizedSince(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		return nil, err
	}

	state, err := e.d.System.Get(ctx)
	if err != nil {
		return nil, err
	}

	peak := account.NetLiquidation
	if e.d.PeakEquity != nil {
		if p := e.d.PeakEquity(ctx); p.IsPositive() {
			peak = p
		}
	}

	return &entryContext{
		account:       account,
		positions:     positions,
		openedToday:   openedToday,
		realizedToday: realizedToday,
		realizedWeek:  realizedWeek,
		peakEquity:    peak,
		vix:           e.vix(ctx),
		halted:        state.TradingHalted,
		now:           now,
	}, nil
}

// ExecuteStaged validates, re-selects, risk-checks and submits each staged
// opportunity as a bracket. Orders go to the broker serially so broker
// order ids stay deterministic.
func (e *Executor) ExecuteStaged(ctx context.Context, stagedIDs []string, decisionID string) (domain.ActionResult, error) {
	ec, err := e.buildEntryContext(ctx)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	res := domain.ActionResult{Status: "executed"}
	var skipped []string

	for _, id := range stagedIDs {
		s, err := e.d.Staged.Get(ctx, id)
		if err != nil {
			return res, err
		}
		if s == nil {
			skipped = append(skipped, id+": unknown staged id")
			continue
		}
		if s.Status != domain.StagedNew && s.Status != domain.StagedValidated {
			skipped = append(skipped, fmt.Sprintf("%s: status %s", id, s.Status))
			continue
		}

		if reason := e.executeOne(ctx, ec, s, decisionID, &res); reason != "" {
			skipped = append(skipped, s.Symbol+": "+reason)
		}
	}

	if len(res.TradeIDs) == 0 {
		res.Status = "nothing_executed"
	}
	if len(skipped) > 0 {
		res.Detail = fmt.Sprintf("skipped %d: %v", len(skipped), skipped)
	}
	return res, nil
}

// executeOne runs the per-opportunity pipeline; a non-empty return is the
// skip reason.
func (e *Executor) executeOne(ctx context.Context, ec *entryContext, s *domain.StagedOpportunity, decisionID string, res *domain.ActionResult) string {
	if reason := e.validateDrift(ctx, s); reason != "" {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedStale)
		return reason
	}

	sel := e.d.Selector.Select(ctx, SelectionRequest{
		Symbol:           s.Symbol,
		Expiration:       s.Expiration,
		OriginalStrike:   s.Strike,
		TargetDelta:      s.TargetDelta,
		Tolerance:        decimal.NewFromFloat(e.cfg.DeltaTolerance),
		StagedUnderlying: s.UnderlyingPrice,
	})
	if sel.Outcome == OutcomeAbandoned {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedStale)
		return "selection abandoned: " + sel.Reason
	}
	if sel.Outcome == OutcomeSelected && !sel.Contract.Strike.Equal(s.Strike) {
		e.logger.Info("Strike re-selected", "symbol", s.Symbol,
			"from", s.Strike.String(), "to", sel.Contract.Strike.String())
		s.Strike = sel.Contract.Strike
	}
	s.Greeks = sel.Greeks
	if sel.Underlying.IsPositive() {
		s.UnderlyingPrice = sel.Underlying
	}

	limit := sel.Greeks.Mid().Round(2)
	if limit.LessThan(decimal.NewFromFloat(e.cfg.PremiumFloor)) {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedStale)
		return "premium below floor"
	}
	s.LimitPrice = limit

	whatIf, err := e.d.Broker.WhatIfOrder(ctx, core.OrderRequest{
		Contract:   sel.Contract,
		Side:       domain.SideSell,
		Quantity:   s.Contracts,
		LimitPrice: limit,
		Type:       domain.OrderLimit,
		TIF:        domain.TIFDay,
		WhatIf:     true,
	})
	if err != nil {
		return "what-if failed: " + err.Error()
	}

	inSession := true
	if e.d.Calendar != nil {
		inSession = e.d.Calendar.InSession(ec.now)
	}
	var earnings []time.Time
	if e.d.Earnings != nil {
		earnings = e.d.Earnings(s.Symbol)
	}

	verdict := e.d.Risk.CheckEntry(ctx, core.EntryCheckInput{
		Opportunity:   s,
		WhatIf:        whatIf,
		Account:       ec.account,
		OpenPositions: ec.positions,
		OpenedToday:   ec.openedToday,
		RealizedToday: ec.realizedToday,
		RealizedWeek:  ec.realizedWeek,
		PeakEquity:    ec.peakEquity,
		VIX:           ec.vix,
		Now:           ec.now,
		InSession:     inSession,
		Halted:        ec.halted,
		EarningsDates: earnings,
		SectorOf:      SectorOf,
	})
	if !verdict.Approved {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedCancelled)
		e.logger.Warn("Entry rejected by risk governor",
			"symbol", s.Symbol, "reason", verdict.Reason)
		return "risk: " + verdict.Reason
	}

	s.Status = domain.StagedExecuting
	if err := e.d.Staged.Upsert(ctx, s); err != nil {
		return "persistence: " + err.Error()
	}

	tradeID, orderIDs, err := e.submitBracket(ctx, s, sel.Contract, decisionID, 0, 0)
	if err != nil {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedStale)
		return "submit failed: " + err.Error()
	}
	_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedSubmitted)
	ec.openedToday++

	res.TradeIDs = append(res.TradeIDs, tradeID)
	res.OrderIDs = append(res.OrderIDs, orderIDs...)
	return ""
}

// validateDrift compares the live underlying with the staged price;
// moderate drift is tolerated (the re-selection absorbs it), large drift
// marks the opportunity stale.
func (e *Executor) validateDrift(ctx context.Context, s *domain.StagedOpportunity) string {
	if s.UnderlyingPrice.IsZero() {
		return ""
	}
	q, err := e.d.Broker.GetStockQuote(ctx, s.Symbol)
	if err != nil || !q.Mid().IsPositive() {
		return ""
	}
	drift := q.Mid().Sub(s.UnderlyingPrice).Abs().Div(s.UnderlyingPrice)
	if drift.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.PriceDriftAbandonPct)) {
		e.logger.Warn("Underlying drifted past abandon threshold",
			"symbol", s.Symbol, "drift", drift.StringFixed(3))
		return "underlying drift " + drift.StringFixed(3)
	}
	if drift.GreaterThan(decimal.NewFromFloat(e.cfg.PriceDriftAdjustPct)) {
		e.logger.Info("Underlying drifted, strike will be re-selected",
			"symbol", s.Symbol, "drift", drift.StringFixed(3))
	}
	return ""
}

// submitBracket places the parent SELL and its two exit children, persists
// the trade and order rows, and enrolls the parent with the fill manager.
func (e *Executor) submitBracket(ctx context.Context, s *domain.StagedOpportunity, contract core.OptionContract, decisionID string, rolledFrom int64, rollCount int) (int64, []int64, error) {
	trade := &domain.Trade{
		Symbol:       s.Symbol,
		Right:        domain.RightPut,
		Strike:       s.Strike,
		Expiration:   s.Expiration,
		Contracts:    s.Contracts,
		EntryPremium: s.LimitPrice,
		Status:       domain.TradeWorking,
		StrategyTag:  "csp",
		RolledFromID: rolledFrom,
		RollCount:    rollCount,
	}
	if e.d.Tagger != nil {
		trade.ExperimentID, trade.ExperimentArm = e.d.Tagger.Tag(s.Symbol, e.d.Clock.Now())
	}
	if err := e.d.Trades.Insert(ctx, trade); err != nil {
		return 0, nil, err
	}

	parent, err := e.d.Broker.PlaceOrder(ctx, core.OrderRequest{
		Contract:   contract,
		Side:       domain.SideSell,
		Quantity:   s.Contracts,
		LimitPrice: s.LimitPrice,
		Type:       domain.OrderLimit,
		TIF:        domain.TIFDay,
		Transmit:   true,
	})
	if err != nil {
		return 0, nil, err
	}
	parent.TradeID = trade.ID
	parent.DecisionID = decisionID
	if err := e.d.Orders.Insert(ctx, parent); err != nil {
		return 0, nil, err
	}

	profitLimit := s.LimitPrice.Mul(decimal.NewFromFloat(1 - e.cfg.ProfitTargetPct)).Round(2)
	stopLimit := s.LimitPrice.Mul(decimal.NewFromFloat(e.cfg.StopLossMultiple)).Round(2)

	orderIDs := []int64{parent.ID}
	for _, child := range []core.OrderRequest{
		{
			Contract:      contract,
			Side:          domain.SideBuy,
			Quantity:      s.Contracts,
			LimitPrice:    profitLimit,
			Type:          domain.OrderLimit,
			TIF:           domain.TIFGTC,
			ParentOrderID: parent.BrokerOrderID,
			Transmit:      true,
		},
		{
			Contract:      contract,
			Side:          domain.SideBuy,
			Quantity:      s.Contracts,
			LimitPrice:    stopLimit,
			Type:          domain.OrderStopLimit,
			TIF:           domain.TIFGTC,
			ParentOrderID: parent.BrokerOrderID,
			Transmit:      true,
		},
	} {
		o, err := e.d.Broker.PlaceOrder(ctx, child)
		if err != nil {
			return trade.ID, orderIDs, fmt.Errorf("bracket child failed: %w", err)
		}
		o.TradeID = trade.ID
		o.DecisionID = decisionID
		if err := e.d.Orders.Insert(ctx, o); err != nil {
			return trade.ID, orderIDs, err
		}
		orderIDs = append(orderIDs, o.ID)
	}

	if e.metrics.OrdersPlacedTotal != nil {
		e.metrics.OrdersPlacedTotal.Add(ctx, int64(len(orderIDs)))
	}
	e.d.Fills.Enroll(parent.ID)

	e.logger.Info("Bracket submitted", "symbol", s.Symbol,
		"strike", s.Strike.String(), "limit", s.LimitPrice.String(),
		"contracts", s.Contracts, "trade_id", trade.ID,
		"profit_limit", profitLimit.String(), "stop_limit", stopLimit.String())
	return trade.ID, orderIDs, nil
}

// ClosePosition cancels the trade's outstanding exits and submits a BUY
// close at the live mid, enrolled for progressive adjustment.
func (e *Executor) ClosePosition(ctx context.Context, tradeID int64, reason domain.ExitKind, decisionID string) (domain.ActionResult, error) {
	trade, err := e.d.Trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	switch trade.Status {
	case domain.TradeOpen:
	case domain.TradeWorking:
		// Nothing opened yet; withdrawing the entry is the close. A
		// buy-to-close here could fill into an unintended long put.
		return e.cancelWorkingEntry(ctx, trade)
	default:
		err := fmt.Errorf("trade %d is %s, not closable", tradeID, trade.Status)
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	if err := e.cancelWorkingOrders(ctx, tradeID, 0); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	contract := core.OptionContract{
		Symbol:     trade.Symbol,
		Right:      trade.Right,
		Strike:     trade.Strike,
		Expiration: trade.Expiration,
	}
	q, err := e.d.Broker.GetQuote(ctx, contract)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	order, err := e.d.Broker.PlaceOrder(ctx, core.OrderRequest{
		Contract:   contract,
		Side:       domain.SideBuy,
		Quantity:   trade.Contracts,
		LimitPrice: q.Mid().Round(2),
		Type:       domain.OrderLimit,
		TIF:        domain.TIFDay,
		Transmit:   true,
	})
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	order.TradeID = trade.ID
	order.DecisionID = decisionID
	if err := e.d.Orders.Insert(ctx, order); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	trade.Status = domain.TradeClosing
	trade.ExitKind = reason
	if err := e.d.Trades.Update(ctx, trade); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	if e.metrics.OrdersPlacedTotal != nil {
		e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	}
	e.d.Fills.Enroll(order.ID)

	e.logger.Info("Close submitted", "trade_id", tradeID, "reason", reason,
		"limit", order.LimitPrice.String())
	return domain.ActionResult{
		Status:   "closing",
		TradeIDs: []int64{tradeID},
		OrderIDs: []int64{order.ID},
	}, nil
}

// RollPosition closes the current leg and opens the next expiration,
// but only for a net credit and within the roll budget.
func (e *Executor) RollPosition(ctx context.Context, tradeID int64, decisionID string) (domain.ActionResult, error) {
	trade, err := e.d.Trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	if trade.Status != domain.TradeOpen {
		err := fmt.Errorf("trade %d is %s, not rollable", tradeID, trade.Status)
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	if trade.RollCount >= e.cfg.MaxRolls {
		return domain.ActionResult{Status: "skipped",
			Detail: fmt.Sprintf("roll budget exhausted (%d)", trade.RollCount)}, nil
	}

	current := core.OptionContract{
		Symbol:     trade.Symbol,
		Right:      trade.Right,
		Strike:     trade.Strike,
		Expiration: trade.Expiration,
	}
	q, err := e.d.Broker.GetQuote(ctx, current)
	if err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	closeCost := q.Mid()

	newExpiry := nextExpiry(trade.Expiration.AddDate(0, 0, 1), e.cfg.TargetDTE)
	sel := e.d.Selector.Select(ctx, SelectionRequest{
		Symbol:      trade.Symbol,
		Expiration:  newExpiry,
		TargetDelta: decimal.NewFromFloat(e.cfg.TargetDelta),
		Tolerance:   decimal.NewFromFloat(e.cfg.DeltaTolerance),
	})
	if sel.Outcome == OutcomeAbandoned {
		return domain.ActionResult{Status: "skipped",
			Detail: "no roll target: " + sel.Reason}, nil
	}

	newPremium := sel.Greeks.Mid().Round(2)
	if !newPremium.GreaterThan(closeCost) {
		return domain.ActionResult{Status: "skipped",
			Detail: fmt.Sprintf("no net credit: close %s vs open %s",
				closeCost.StringFixed(2), newPremium.StringFixed(2))}, nil
	}

	// Close the current leg first, reusing the standard close path.
	closeRes, err := e.ClosePosition(ctx, tradeID, domain.ExitManual, decisionID)
	if err != nil {
		return closeRes, err
	}

	s := &domain.StagedOpportunity{
		ID:              uuid.NewString(),
		Symbol:          trade.Symbol,
		OriginalStrike:  sel.Contract.Strike,
		Strike:          sel.Contract.Strike,
		TargetDelta:     decimal.NewFromFloat(e.cfg.TargetDelta),
		TargetDTE:       e.cfg.TargetDTE,
		Expiration:      newExpiry,
		LimitPrice:      newPremium,
		Contracts:       trade.Contracts,
		UnderlyingPrice: sel.Underlying,
		Greeks:          sel.Greeks,
		SelectionMethod: "roll",
		Status:          domain.StagedExecuting,
	}
	if err := e.d.Staged.Upsert(ctx, s); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}

	newTradeID, orderIDs, err := e.submitBracket(ctx, s, sel.Contract, decisionID,
		trade.ID, trade.RollCount+1)
	if err != nil {
		_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedStale)
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	_ = e.d.Staged.SetStatus(ctx, s.ID, domain.StagedSubmitted)

	e.logger.Info("Roll submitted", "trade_id", tradeID, "new_trade_id", newTradeID,
		"net_credit", newPremium.Sub(closeCost).StringFixed(2))
	return domain.ActionResult{
		Status:    "rolling",
		TradeIDs:  append(closeRes.TradeIDs, newTradeID),
		OrderIDs:  append(closeRes.OrderIDs, orderIDs...),
		StagedIDs: []string{s.ID},
	}, nil
}

// cancelWorkingEntry withdraws an entry that has not filled at all.
func (e *Executor) cancelWorkingEntry(ctx context.Context, trade *domain.Trade) (domain.ActionResult, error) {
	if err := e.cancelWorkingOrders(ctx, trade.ID, 0); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	trade.Status = domain.TradeCancelled
	if err := e.d.Trades.Update(ctx, trade); err != nil {
		return domain.ActionResult{Status: "failed", Error: err.Error()}, err
	}
	e.logger.Info("Working entry withdrawn", "trade_id", trade.ID)
	return domain.ActionResult{
		Status:   "cancelled",
		TradeIDs: []int64{trade.ID},
	}, nil
}

// cancelWorkingOrders cancels all non-terminal orders of a trade except
// the one identified by keepID.
func (e *Executor) cancelWorkingOrders(ctx context.Context, tradeID, keepID int64) error {
	orders, err := e.d.Orders.ListByTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.ID == keepID || o.Status.Terminal() {
			continue
		}
		if _, err := e.d.Broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				continue
			}
			return fmt.Errorf("failed to cancel order %d: %w", o.BrokerOrderID, err)
		}
	}
	return nil
}
