// Package orchestrator runs the dispatch loop: claim an event from the
// durable bus, assemble the reasoning context, decide, authorize, execute
// and record. It is the only writer of decision audit rows.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/alert"
	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/reasoning"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

const consumerName = "orchestrator"

// FillController is the fill manager slice the dispatcher needs.
type FillController interface {
	Suspend()
	Resume()
	ConsecutiveFailures() int
}

// FillEventHandler applies ORDER_FILLED events to trade state.
type FillEventHandler interface {
	HandleOrderFilled(ctx context.Context, p domain.OrderFilledPayload) error
}

// ExperimentController is the learning-loop slice the dispatcher needs.
type ExperimentController interface {
	Start(ctx context.Context, p *domain.ExperimentProposal) (*domain.Experiment, error)
	RecordOutcome(ctx context.Context, t *domain.Trade) error
	Views() []core.ExperimentView
}

// PerformanceReflector rebuilds rolling performance on END_OF_DAY_REFLECTION.
type PerformanceReflector interface {
	Reflect(ctx context.Context, sessionID string) (*domain.RollingPerformance, error)
}

// PatternSource runs pattern detection on WEEKLY_LEARNING.
type PatternSource interface {
	Detect(ctx context.Context) ([]*domain.Pattern, error)
}

// TradingCalendar answers session questions for the time-of-day block.
type TradingCalendar interface {
	InSession(t time.Time) bool
	SessionOpen(t time.Time) time.Time
	SessionClose(t time.Time) time.Time
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Bus         core.IEventBus
	Engine      core.IReasoningEngine
	Memory      core.IWorkingMemory
	Executor    core.IActionExecutor
	FillEvents  FillEventHandler
	Fills       FillController
	Autonomy    core.IAutonomyGovernor
	Reconciler  core.IReconciler
	Experiments ExperimentController
	Reflector   PerformanceReflector
	Patterns    PatternSource
	Broker      core.IBroker
	Trades      *store.TradeRepo
	Orders      *store.OrderRepo
	Staged      *store.StagedRepo
	Decisions   *store.DecisionRepo
	Experiment  *store.ExperimentRepo
	System      *store.SystemRepo
	Calendar    TradingCalendar
	Alerts      *alert.Manager
	Clock       core.IClock
	Logger      core.ILogger
}

// Orchestrator drives one event at a time. The loop is single-threaded;
// concurrency lives in the components it calls.
type Orchestrator struct {
	d         Deps
	cfg       *config.Config
	sessionID string
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	recorded   map[int64]bool // trades whose experiment outcome is booked
	vixOpenDay string
	vixOpen    decimal.Decimal
}

// New creates the orchestrator.
func New(cfg *config.Config, sessionID string, d Deps) *Orchestrator {
	return &Orchestrator{
		d:         d,
		cfg:       cfg,
		sessionID: sessionID,
		logger:    d.Logger.WithField("component", "orchestrator"),
		metrics:   telemetry.GetGlobalMetrics(),
		recorded:  make(map[int64]bool),
	}
}

// Run claims and handles events until the context ends. Panics in a
// handler fail the event and the loop keeps going.
func (o *Orchestrator) Run(ctx context.Context, poll time.Duration) error {
	o.logger.Info("Dispatch loop started", "consumer", consumerName, "poll", poll)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := o.d.Bus.Claim(ctx, consumerName)
		if err != nil {
			o.logger.Error("Event claim failed", "error", err)
			ev = nil
		}
		if ev == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		if err := o.dispatch(ctx, ev); err != nil {
			o.logger.Error("Event handling failed", "event_id", ev.ID, "type", ev.Type, "error", err)
			if ferr := o.d.Bus.Fail(ctx, ev.ID, err); ferr != nil {
				o.logger.Error("Failed to fail event", "event_id", ev.ID, "error", ferr)
			}
		} else if cerr := o.d.Bus.Complete(ctx, ev.ID, consumerName); cerr != nil {
			o.logger.Error("Failed to complete event", "event_id", ev.ID, "error", cerr)
		}
		o.refreshGauges(ctx)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", ev.Type, r)
		}
	}()
	if herr := o.d.System.Heartbeat(ctx, string(ev.Type), o.d.Clock.Now()); herr != nil {
		o.logger.Warn("Heartbeat failed", "error", herr)
	}
	return o.Handle(ctx, ev)
}

// Handle routes one event. Infrastructure events are applied directly;
// everything else goes through the reasoning path.
func (o *Orchestrator) Handle(ctx context.Context, ev *domain.Event) error {
	switch ev.Type {
	case domain.EventOrderFilled:
		return o.handleOrderFilled(ctx, ev)
	case domain.EventOrderStatusChanged:
		o.logger.Debug("Order status event observed", "event_id", ev.ID)
		return nil
	case domain.EventBrokerDisconnected:
		return o.handleDisconnect(ctx)
	case domain.EventBrokerReconnected:
		return o.handleReconnect(ctx)
	case domain.EventStaleMarketData:
		return o.raiseAnomaly(ctx, domain.AnomalyPayload{
			Code:   domain.AnomalyStaleMarketData,
			Detail: "market data stream stale during session",
		})
	case domain.EventAnomalyDetected:
		var p domain.AnomalyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("malformed anomaly payload: %w", err)
		}
		return o.raiseAnomaly(ctx, p)
	case domain.EventEndOfDayReflection:
		return o.handleReflection(ctx)
	case domain.EventWeeklyLearning:
		if patterns, err := o.d.Patterns.Detect(ctx); err != nil {
			o.logger.Error("Pattern detection failed", "error", err)
		} else {
			o.logger.Info("Pattern detection complete", "patterns", len(patterns))
		}
		return o.reason(ctx, ev)
	case domain.EventPreMarketPrep:
		if !o.cfg.Trading.AllowPreMarket {
			o.logger.Info("Pre-market trading disabled, skipping prep")
			return nil
		}
		return o.reason(ctx, ev)
	default:
		return o.reason(ctx, ev)
	}
}

// reason runs the full decision path for one event.
func (o *Orchestrator) reason(ctx context.Context, ev *domain.Event) error {
	now := o.d.Clock.Now()

	st, err := o.d.System.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrPersistenceUnhealthy, err)
	}
	o.metrics.SetTradingHalted(st.TradingHalted)
	if st.TradingHalted {
		o.logger.Warn("Trading halted, event observed only",
			"type", ev.Type, "reason", st.HaltReason)
		return nil
	}

	mem, err := o.d.Memory.LoadSession(ctx, o.sessionID)
	if err != nil {
		return err
	}

	rc, err := o.buildContext(ctx, ev, mem)
	if err != nil {
		return err
	}
	o.resolveStaleData(mem, rc, now)

	if a, blocked := mem.HardBlocked(); blocked {
		return o.blockOnAnomaly(ctx, mem, rc, a)
	}

	out, cost, err := o.d.Engine.Decide(ctx, rc)
	switch {
	case err == nil:
		mem.ResolveAnomaly(domain.AnomalyReasoningUnavailable, now)
	case errors.Is(err, core.ErrCostCapReached) || errors.Is(err, core.ErrEngineUnavailable):
		o.logger.Warn("Reasoning unavailable, degrading to monitor-only", "error", err)
		if mem.RaiseAnomaly(domain.AnomalyReasoningUnavailable, err.Error(), false, now) {
			o.d.Alerts.Notify(ctx, alert.Alert{
				Severity: alert.SeverityWarning,
				Code:     domain.AnomalyReasoningUnavailable,
				Title:    "Reasoning engine unavailable",
				Detail:   err.Error(),
			})
		}
		out = &domain.DecisionOutput{
			SchemaVersion: core.ReasoningContextVersion,
			Action:        domain.ActionMonitorOnly,
			Reasoning:     "reasoning unavailable: " + err.Error(),
			Risks:         []string{"decisions degraded to monitor-only"},
		}
	default:
		return err
	}

	d, err := o.recordDecision(ctx, rc, out, cost)
	if err != nil {
		return err
	}

	auth, why := o.d.Autonomy.Authorize(out, mem, o.autonomyContext(ctx, out, mem, rc))
	var res domain.ActionResult
	switch auth {
	case core.AuthAllow:
		res = o.execute(ctx, out, mem, rc, d.ID)
	case core.AuthQueue:
		res = domain.ActionResult{Status: "queued_for_review", Detail: why}
		o.d.Alerts.Notify(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Code:     "review_queued",
			Title:    "Decision queued for operator review",
			Detail:   fmt.Sprintf("%s: %s", out.Action, why),
		})
	default:
		res = domain.ActionResult{Status: "blocked", Detail: why}
		o.logger.Error("Decision blocked", "action", out.Action, "reason", why)
	}

	if err := o.d.Memory.RecordOutcome(ctx, d.ID, res); err != nil {
		o.logger.Error("Failed to record outcome", "decision_id", d.ID, "error", err)
	}
	o.recordExperimentOutcomes(ctx, res.TradeIDs)

	mem.UpdatedAt = now
	if err := o.d.Memory.Save(ctx, mem); err != nil {
		return err
	}
	o.logger.Info("Event handled", "type", ev.Type, "action", out.Action,
		"authorization", why, "result", res.Status)
	return nil
}

// blockOnAnomaly records a forced monitor-only decision without calling
// the engine. The model never gets a chance to override a safety flag.
func (o *Orchestrator) blockOnAnomaly(ctx context.Context, mem *domain.WorkingMemory, rc *core.ReasoningContext, a domain.Anomaly) error {
	out := &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionMonitorOnly,
		Reasoning:     fmt.Sprintf("pre-LLM block: %s (%s)", a.Code, a.Detail),
		Risks:         []string{"hard-block anomaly active, engine not consulted"},
	}
	d, err := o.recordDecision(ctx, rc, out, decimal.Zero)
	if err != nil {
		return err
	}
	res := domain.ActionResult{Status: "blocked", Detail: a.Code}
	if err := o.d.Memory.RecordOutcome(ctx, d.ID, res); err != nil {
		o.logger.Error("Failed to record outcome", "decision_id", d.ID, "error", err)
	}
	o.d.Alerts.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Code:     a.Code,
		Title:    "Trading blocked by anomaly",
		Detail:   a.Detail,
	})
	return nil
}

func (o *Orchestrator) recordDecision(ctx context.Context, rc *core.ReasoningContext, out *domain.DecisionOutput, cost decimal.Decimal) (*domain.Decision, error) {
	ctxJSON, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize decision context: %w", err)
	}
	outJSON, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize decision output: %w", err)
	}
	d := &domain.Decision{
		ID:            uuid.NewString(),
		SessionID:     o.sessionID,
		EventID:       rc.EventID,
		EventType:     rc.EventType,
		Context:       ctxJSON,
		Output:        outJSON,
		Action:        out.Action,
		AutonomyLevel: rc.AutonomyLevel,
		CostUSD:       cost,
		CreatedAt:     o.d.Clock.Now(),
	}
	if err := o.d.Memory.RecordDecision(ctx, d, reasoning.Summarize(rc)); err != nil {
		return nil, err
	}
	o.metrics.RecordDecision(ctx, string(out.Action))
	return d, nil
}

// execute routes an authorized decision to the action executor.
func (o *Orchestrator) execute(ctx context.Context, out *domain.DecisionOutput, mem *domain.WorkingMemory, rc *core.ReasoningContext, decisionID string) domain.ActionResult {
	switch out.Action {
	case domain.ActionStageCandidates:
		symbols := out.Symbols
		if len(symbols) == 0 {
			symbols = o.cfg.Trading.Symbols
		}
		res, err := o.d.Executor.StageCandidates(ctx, symbols)
		return resultOrError(res, err)

	case domain.ActionExecuteTrades:
		res, err := o.d.Executor.ExecuteStaged(ctx, out.StagedIDs, decisionID)
		if err == nil {
			o.rememberSymbols(ctx, mem, out.StagedIDs)
		}
		return resultOrError(res, err)

	case domain.ActionClosePosition:
		return o.forEachTrade(ctx, out.TradeIDs, func(id int64) (domain.ActionResult, error) {
			return o.d.Executor.ClosePosition(ctx, id, o.closeReason(rc, id), decisionID)
		})

	case domain.ActionRollPosition:
		return o.forEachTrade(ctx, out.TradeIDs, func(id int64) (domain.ActionResult, error) {
			return o.d.Executor.RollPosition(ctx, id, decisionID)
		})

	case domain.ActionProposeExperiment:
		e, err := o.d.Experiments.Start(ctx, out.Experiment)
		if err != nil {
			return domain.ActionResult{Status: "error", Error: err.Error()}
		}
		return domain.ActionResult{Status: "experiment_started", Detail: e.ID}

	case domain.ActionRequestReview:
		o.d.Alerts.Notify(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Code:     "human_review",
			Title:    "Engine requested human review",
			Detail:   fmt.Sprintf("urgency %s: %s", out.Urgency, out.Reasoning),
		})
		return domain.ActionResult{Status: "review_requested", Detail: out.Urgency}

	case domain.ActionEmergencyHalt:
		return o.haltTrading(ctx, out.Reasoning)

	default: // MONITOR_ONLY, SKIP_SESSION
		return domain.ActionResult{Status: "ok"}
	}
}

func (o *Orchestrator) forEachTrade(ctx context.Context, ids []int64, fn func(int64) (domain.ActionResult, error)) domain.ActionResult {
	res := domain.ActionResult{Status: "ok"}
	for _, id := range ids {
		r, err := fn(id)
		if err != nil {
			res.Status = "error"
			res.Error = r.Error
			if res.Error == "" {
				res.Error = err.Error()
			}
			continue
		}
		res.TradeIDs = append(res.TradeIDs, r.TradeIDs...)
		res.OrderIDs = append(res.OrderIDs, r.OrderIDs...)
		if r.Detail != "" {
			if res.Detail != "" {
				res.Detail += "; "
			}
			res.Detail += r.Detail
		}
	}
	return res
}

// closeReason picks the exit kind from the position view the engine saw.
func (o *Orchestrator) closeReason(rc *core.ReasoningContext, tradeID int64) domain.ExitKind {
	for _, p := range rc.Positions {
		if p.TradeID != tradeID {
			continue
		}
		if p.ProfitTargetHit {
			return domain.ExitProfitTarget
		}
		if p.StopApproaching {
			return domain.ExitStop
		}
	}
	return domain.ExitTime
}

func (o *Orchestrator) haltTrading(ctx context.Context, reason string) domain.ActionResult {
	if err := o.d.System.SetHalted(ctx, true, reason); err != nil {
		return domain.ActionResult{Status: "error", Error: err.Error()}
	}
	o.d.Fills.Suspend()
	o.metrics.SetTradingHalted(true)
	o.d.Alerts.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Code:     "emergency_halt",
		Title:    "Emergency halt engaged",
		Detail:   reason,
	})
	o.logger.Error("Emergency halt engaged", "reason", reason)
	return domain.ActionResult{Status: "halted", Detail: reason}
}

// rememberSymbols adds executed staged symbols to the traded set backing
// the new-symbol review trigger.
func (o *Orchestrator) rememberSymbols(ctx context.Context, mem *domain.WorkingMemory, stagedIDs []string) {
	for _, id := range stagedIDs {
		s, err := o.d.Staged.Get(ctx, id)
		if err != nil || s == nil {
			continue
		}
		if !containsString(mem.Autonomy.TradedSymbols, s.Symbol) {
			mem.Autonomy.TradedSymbols = append(mem.Autonomy.TradedSymbols, s.Symbol)
		}
	}
}

// recordExperimentOutcomes books closed experiment-tagged trades into their
// arm exactly once per process lifetime; the arm update itself is idempotent
// only at this layer.
func (o *Orchestrator) recordExperimentOutcomes(ctx context.Context, tradeIDs []int64) {
	for _, id := range tradeIDs {
		if o.recorded[id] {
			continue
		}
		t, err := o.d.Trades.GetByID(ctx, id)
		if err != nil || t == nil || t.Status != domain.TradeClosed || t.ExperimentID == "" {
			continue
		}
		if err := o.d.Experiments.RecordOutcome(ctx, t); err != nil {
			o.logger.Error("Failed to record experiment outcome", "trade_id", id, "error", err)
			continue
		}
		o.recorded[id] = true
	}
}

func (o *Orchestrator) handleOrderFilled(ctx context.Context, ev *domain.Event) error {
	var p domain.OrderFilledPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed fill payload: %w", err)
	}
	if err := o.d.FillEvents.HandleOrderFilled(ctx, p); err != nil {
		return err
	}
	if ord, err := o.d.Orders.GetByBrokerID(ctx, p.BrokerOrderID); err == nil && ord != nil && ord.TradeID != 0 {
		o.recordExperimentOutcomes(ctx, []int64{ord.TradeID})
	}
	return nil
}

func (o *Orchestrator) handleDisconnect(ctx context.Context) error {
	o.d.Fills.Suspend()
	o.d.Alerts.Notify(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Code:     "broker_disconnected",
		Title:    "Broker gateway disconnected",
		Detail:   "fill management suspended until reconnect",
	})
	o.logger.Warn("Broker disconnected, fill management suspended")
	return nil
}

func (o *Orchestrator) handleReconnect(ctx context.Context) error {
	o.d.Fills.Resume()
	report, err := o.d.Reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("post-reconnect reconciliation failed: %w", err)
	}
	o.logger.Info("Broker reconnected, state reconciled",
		"status_fixes", report.StatusFixes, "price_fixes", report.PriceFixes,
		"orphans", report.Orphans, "missing_locally", report.MissingLocally,
		"assignments", report.Assignments)
	return nil
}

// raiseAnomaly flags an anomaly in working memory and alerts the operator.
// Repeated raises of an active code are no-ops.
func (o *Orchestrator) raiseAnomaly(ctx context.Context, p domain.AnomalyPayload) error {
	now := o.d.Clock.Now()
	mem, err := o.d.Memory.LoadSession(ctx, o.sessionID)
	if err != nil {
		return err
	}
	if !mem.RaiseAnomaly(p.Code, p.Detail, p.HardBlock, now) {
		return nil
	}

	sev := alert.SeverityWarning
	if p.HardBlock {
		sev = alert.SeverityCritical
	}
	o.d.Alerts.Notify(ctx, alert.Alert{
		Severity: sev,
		Code:     p.Code,
		Title:    "Anomaly detected",
		Detail:   p.Detail,
	})
	o.d.Autonomy.EvaluateDemotion(mem, now)

	mem.UpdatedAt = now
	return o.d.Memory.Save(ctx, mem)
}

// handleReflection rebuilds rolling performance, ages the override-free
// counter and evaluates autonomy transitions.
func (o *Orchestrator) handleReflection(ctx context.Context) error {
	now := o.d.Clock.Now()
	perf, err := o.d.Reflector.Reflect(ctx, o.sessionID)
	if err != nil {
		return err
	}

	mem, err := o.d.Memory.LoadSession(ctx, o.sessionID)
	if err != nil {
		return err
	}
	mem.Performance = *perf
	mem.Performance.FillFailures = o.d.Fills.ConsecutiveFailures()
	mem.Autonomy.DaysWithoutOverride++

	if !o.d.Autonomy.EvaluateDemotion(mem, now) {
		o.d.Autonomy.EvaluatePromotion(mem, now)
	}

	mem.UpdatedAt = now
	return o.d.Memory.Save(ctx, mem)
}

// resolveStaleData clears the stale-data anomaly once every tracked quote
// is fresh again.
func (o *Orchestrator) resolveStaleData(mem *domain.WorkingMemory, rc *core.ReasoningContext, now time.Time) {
	stale := int64(o.cfg.Trading.StalenessThreshold().Seconds())
	for _, age := range rc.Market.QuoteAgesSeconds {
		if age > stale {
			return
		}
	}
	mem.ResolveAnomaly(domain.AnomalyStaleMarketData, now)
}

func (o *Orchestrator) autonomyContext(ctx context.Context, out *domain.DecisionOutput, mem *domain.WorkingMemory, rc *core.ReasoningContext) core.AutonomyContext {
	info := core.AutonomyContext{
		AvgContracts:        mem.Performance.AvgContracts,
		SectorLossStreak:    maxSectorLosses(mem.Performance.SectorLosses),
		ConsecFillFailures:  o.d.Fills.ConsecutiveFailures(),
		PostTradeMarginUtil: rc.Account.MarginUtilisation,
	}
	if o.vixOpen.IsPositive() && rc.Market.VIX.IsPositive() {
		info.VIXChangeIntradayPct = rc.Market.VIX.Sub(o.vixOpen).Div(o.vixOpen).InexactFloat64()
	}

	stale := int64(o.cfg.Trading.StalenessThreshold().Seconds())
	for _, age := range rc.Market.QuoteAgesSeconds {
		if age > stale && time.Duration(age)*time.Second > info.StaleDataGap {
			info.StaleDataGap = time.Duration(age) * time.Second
		}
	}

	if out.Action == domain.ActionExecuteTrades {
		for _, id := range out.StagedIDs {
			s, err := o.d.Staged.Get(ctx, id)
			if err != nil || s == nil {
				continue
			}
			info.ProposedContracts += s.Contracts
			if !containsString(mem.Autonomy.TradedSymbols, s.Symbol) {
				info.NewSymbol = true
			}
		}
	}
	return info
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	if open, err := o.d.Trades.ListOpen(ctx); err == nil {
		o.metrics.SetOpenPositions(int64(len(open)))
	}
	if depth, err := o.d.Bus.Depth(ctx); err == nil {
		o.metrics.SetEventQueueDepth(int64(depth))
	}
}

func resultOrError(res domain.ActionResult, err error) domain.ActionResult {
	if err != nil {
		if res.Status == "" {
			res.Status = "error"
		}
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	return res
}

func maxSectorLosses(losses map[string]int) int {
	max := 0
	for _, n := range losses {
		if n > max {
			max = n
		}
	}
	return max
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
