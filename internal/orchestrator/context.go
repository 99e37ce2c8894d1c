package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/reasoning"
)

const (
	recentDecisionLimit = 5
	similarRetrievalK   = 3
	reasoningPreview    = 140
)

// stopApproachFraction flags a position once its mid crosses this share of
// the stop trigger.
var stopApproachFraction = decimal.RequireFromString("0.8")

// buildContext assembles the versioned snapshot for one engine call.
// Broker lookups are best effort; a missing quote leaves its field zero
// and shows up in the quote-age block instead of failing the event.
func (o *Orchestrator) buildContext(ctx context.Context, ev *domain.Event, mem *domain.WorkingMemory) (*core.ReasoningContext, error) {
	rc := &core.ReasoningContext{
		SchemaVersion: core.ReasoningContextVersion,
		SessionID:     o.sessionID,
		EventID:       ev.ID,
		EventType:     ev.Type,
		Now:           o.d.Clock.Now(),
		Params:        mem.Params,
		AutonomyLevel: mem.AutonomyLevel,
		Anomalies:     mem.ActiveAnomalies(),
		Experiments:   o.d.Experiments.Views(),
	}

	positions, err := o.positionViews(ctx, mem)
	if err != nil {
		return nil, err
	}
	rc.Positions = positions

	if account, err := o.d.Broker.GetAccountSummary(ctx); err == nil {
		util := account.MarginUtilisation()
		rc.Account = core.AccountContext{
			NetLiquidation:    account.NetLiquidation,
			AvailableFunds:    account.AvailableFunds,
			ExcessLiquidity:   account.ExcessLiquidity,
			MarginUtilisation: util,
		}
		o.metrics.SetMarginUtilisation(util.InexactFloat64())
	} else {
		o.logger.Warn("Account summary unavailable for context", "error", err)
	}

	rc.Market = o.marketContext(ctx)

	candidates, err := o.candidateViews(ctx)
	if err != nil {
		return nil, err
	}
	rc.Candidates = candidates

	recent, err := o.recentDecisions(ctx)
	if err != nil {
		return nil, err
	}
	rc.RecentDecisions = recent

	if patterns, err := o.d.Experiment.ListPatterns(ctx); err == nil {
		for _, p := range patterns {
			if p.Status == domain.PatternDismissed {
				continue
			}
			rc.Patterns = append(rc.Patterns, core.PatternView{
				Name:       p.Name,
				Category:   p.Category,
				WinRate:    p.WinRate,
				AvgROI:     p.AvgROI,
				PValue:     p.PValue,
				SampleSize: p.SampleSize,
			})
		}
	}

	if similar, err := o.d.Memory.RetrieveSimilar(ctx, reasoning.Summarize(rc), similarRetrievalK); err == nil {
		rc.SimilarPast = similar
	}
	return rc, nil
}

func (o *Orchestrator) positionViews(ctx context.Context, mem *domain.WorkingMemory) ([]core.PositionView, error) {
	open, err := o.d.Trades.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	now := o.d.Clock.Now()
	profitTarget := decimal.NewFromFloat(mem.Params.ProfitTarget)
	stopMultiple := decimal.NewFromFloat(mem.Params.StopMultiple)

	views := make([]core.PositionView, 0, len(open))
	for _, t := range open {
		v := core.PositionView{
			TradeID:      t.ID,
			Symbol:       t.Symbol,
			Strike:       t.Strike,
			Expiration:   t.Expiration.Format("2006-01-02"),
			Contracts:    t.Contracts,
			EntryPremium: t.EntryPremium,
			DTE:          int(t.Expiration.Sub(now).Hours() / 24),
		}

		q, err := o.d.Broker.GetQuote(ctx, core.OptionContract{
			Symbol:     t.Symbol,
			Right:      t.Right,
			Strike:     t.Strike,
			Expiration: t.Expiration,
		})
		if err == nil {
			mid := q.Mid()
			v.CurrentMid = mid
			if t.EntryPremium.IsPositive() && mid.IsPositive() {
				v.UnrealizedPct = t.EntryPremium.Sub(mid).Div(t.EntryPremium)
				v.ProfitTargetHit = v.UnrealizedPct.GreaterThanOrEqual(profitTarget)
				stop := t.EntryPremium.Mul(stopMultiple)
				v.StopApproaching = mid.GreaterThanOrEqual(stop.Mul(stopApproachFraction))
			}
		} else {
			o.logger.Warn("Position quote unavailable", "trade_id", t.ID, "error", err)
		}

		// Last known greeks; the live batch is only pulled at selection time.
		if snap, err := o.d.Trades.GetEntrySnapshot(ctx, t.ID); err == nil && snap != nil {
			v.Delta = snap.LiveDelta
			v.Theta = snap.Greeks.Theta
		}
		views = append(views, v)
	}
	return views, nil
}

func (o *Orchestrator) marketContext(ctx context.Context) core.MarketContext {
	now := o.d.Clock.Now()
	mc := core.MarketContext{
		TimeOfDay:        o.timeOfDay(now),
		QuoteAgesSeconds: make(map[string]int64),
	}

	if q, err := o.d.Broker.GetStockQuote(ctx, "VIX"); err == nil {
		mc.VIX = q.Mid()
		mc.Regime = regimeOf(mc.VIX)
		o.trackVIXOpen(now, mc.VIX)
	} else {
		o.logger.Warn("VIX quote unavailable for context", "error", err)
	}

	for _, sym := range o.cfg.Trading.Symbols {
		q, err := o.d.Broker.GetStockQuote(ctx, sym)
		if err != nil || q.TS.IsZero() {
			continue
		}
		mc.QuoteAgesSeconds[sym] = int64(q.Age(now).Seconds())
	}
	return mc
}

func (o *Orchestrator) candidateViews(ctx context.Context) ([]core.CandidateView, error) {
	var views []core.CandidateView
	for _, status := range []domain.StagedStatus{domain.StagedNew, domain.StagedValidated} {
		staged, err := o.d.Staged.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, s := range staged {
			views = append(views, core.CandidateView{
				StagedID:    s.ID,
				Symbol:      s.Symbol,
				Strike:      s.Strike,
				TargetDelta: s.TargetDelta,
				LiveDelta:   s.Greeks.Delta,
				DTE:         s.TargetDTE,
				LimitPrice:  s.LimitPrice,
				Contracts:   s.Contracts,
				Status:      string(s.Status),
			})
		}
	}
	return views, nil
}

func (o *Orchestrator) recentDecisions(ctx context.Context) ([]core.RecentDecision, error) {
	rows, err := o.d.Decisions.ListRecent(ctx, recentDecisionLimit)
	if err != nil {
		return nil, err
	}

	out := make([]core.RecentDecision, 0, len(rows))
	for _, d := range rows {
		rd := core.RecentDecision{Action: d.Action, CreatedAt: d.CreatedAt}
		var decided domain.DecisionOutput
		if json.Unmarshal(d.Output, &decided) == nil {
			rd.Summary = truncate(decided.Reasoning, reasoningPreview)
		}
		var res domain.ActionResult
		if len(d.Result) > 0 && json.Unmarshal(d.Result, &res) == nil {
			rd.Outcome = res.Status
		}
		out = append(out, rd)
	}
	return out, nil
}

// trackVIXOpen pins the first VIX print of each day as the intraday
// reference for the spike trigger.
func (o *Orchestrator) trackVIXOpen(now time.Time, vix decimal.Decimal) {
	day := now.UTC().Format("2006-01-02")
	if o.vixOpenDay != day && vix.IsPositive() {
		o.vixOpenDay = day
		o.vixOpen = vix
	}
}

func (o *Orchestrator) timeOfDay(now time.Time) string {
	if !o.d.Calendar.InSession(now) {
		if now.Before(o.d.Calendar.SessionOpen(now)) {
			return "pre_market"
		}
		return "after_hours"
	}
	switch {
	case now.Sub(o.d.Calendar.SessionOpen(now)) < time.Hour:
		return "open"
	case o.d.Calendar.SessionClose(now).Sub(now) < time.Hour:
		return "close"
	default:
		return "midday"
	}
}

func regimeOf(vix decimal.Decimal) string {
	switch {
	case vix.IsZero():
		return "unknown"
	case vix.LessThan(decimal.NewFromInt(15)):
		return "calm"
	case vix.LessThan(decimal.NewFromInt(25)):
		return "normal"
	case vix.LessThan(decimal.NewFromInt(35)):
		return "elevated"
	default:
		return "crisis"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
