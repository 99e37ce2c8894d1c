// Package reconciler aligns local order and trade state with broker truth
// on startup, after reconnects, and on a periodic schedule.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// priceTolerance is the largest fill-price difference treated as noise.
var priceTolerance = decimal.RequireFromString("0.01")

// defaultLookback bounds the execution history pulled from the broker.
const defaultLookback = 24 * time.Hour

// Reconciler implements core.IReconciler. Every pass is idempotent: a
// second run over unchanged broker state applies no corrections.
type Reconciler struct {
	broker    core.IBroker
	trades    *store.TradeRepo
	orders    *store.OrderRepo
	decisions *store.DecisionRepo
	bus       core.IEventBus
	sessionID string
	clock     core.IClock
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	lookback  time.Duration
}

// New creates a reconciler with the default execution lookback.
func New(broker core.IBroker, trades *store.TradeRepo, orders *store.OrderRepo, decisions *store.DecisionRepo, bus core.IEventBus, sessionID string, clock core.IClock, logger core.ILogger) *Reconciler {
	return &Reconciler{
		broker:    broker,
		trades:    trades,
		orders:    orders,
		decisions: decisions,
		bus:       bus,
		sessionID: sessionID,
		clock:     clock,
		logger:    logger.WithField("component", "reconciler"),
		metrics:   telemetry.GetGlobalMetrics(),
		lookback:  defaultLookback,
	}
}

// execGroup aggregates the broker executions of one order.
type execGroup struct {
	quantity   int
	notional   decimal.Decimal
	commission decimal.Decimal
}

func (g execGroup) vwap() decimal.Decimal {
	if g.quantity == 0 {
		return decimal.Zero
	}
	return g.notional.Div(decimal.NewFromInt(int64(g.quantity)))
}

// Reconcile runs one full pass: order status alignment, fill price and
// commission verification, orphan detection, and assignment detection.
func (r *Reconciler) Reconcile(ctx context.Context) (core.ReconcileReport, error) {
	var report core.ReconcileReport

	brokerOrders, err := r.broker.ListOpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile aborted, open orders unavailable: %w", err)
	}
	execs, err := r.broker.ListExecutions(ctx, r.clock.Now().Add(-r.lookback))
	if err != nil {
		return report, fmt.Errorf("reconcile aborted, executions unavailable: %w", err)
	}

	open := make(map[int64]*domain.Order, len(brokerOrders))
	for _, o := range brokerOrders {
		open[o.BrokerOrderID] = o
	}
	groups := make(map[int64]execGroup)
	for _, e := range execs {
		g := groups[e.BrokerOrderID]
		g.quantity += e.Quantity
		g.notional = g.notional.Add(e.Price.Mul(decimal.NewFromInt(int64(e.Quantity))))
		g.commission = g.commission.Add(e.Commission)
		groups[e.BrokerOrderID] = g
	}

	if err := r.reconcileActiveOrders(ctx, open, groups, &report); err != nil {
		return report, err
	}
	r.reconcileExecutions(ctx, groups, &report)
	r.detectOrphans(ctx, open, &report)
	if err := r.reconcilePositions(ctx, &report); err != nil {
		return report, err
	}

	fixes := report.StatusFixes + report.PriceFixes + report.CommissionFixes
	if fixes > 0 && r.metrics.ReconcileFixesTotal != nil {
		r.metrics.ReconcileFixesTotal.Add(ctx, int64(fixes))
	}
	r.logger.Info("Reconciliation pass complete",
		"status_fixes", report.StatusFixes, "price_fixes", report.PriceFixes,
		"commission_fixes", report.CommissionFixes, "orphans", report.Orphans,
		"missing_locally", report.MissingLocally, "assignments", report.Assignments)
	return report, nil
}

// reconcileActiveOrders walks local non-terminal orders and aligns each
// with the broker's view of it.
func (r *Reconciler) reconcileActiveOrders(ctx context.Context, open map[int64]*domain.Order, groups map[int64]execGroup, report *core.ReconcileReport) error {
	active, err := r.orders.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, local := range active {
		if bo, ok := open[local.BrokerOrderID]; ok {
			if bo.Status != local.Status || bo.FilledQty != local.FilledQty {
				local.Status = bo.Status
				local.FilledQty = bo.FilledQty
				if !bo.AvgFillPrice.IsZero() {
					local.AvgFillPrice = bo.AvgFillPrice
				}
				if err := r.orders.Update(ctx, local); err != nil {
					return err
				}
				report.StatusFixes++
				r.logger.Info("Order status aligned with broker",
					"order_id", local.ID, "broker_order_id", local.BrokerOrderID,
					"status", bo.Status)
			}
			continue
		}

		if g, ok := groups[local.BrokerOrderID]; ok && g.quantity >= local.Quantity {
			// Fill happened while we were not listening.
			local.Status = domain.OrderFilled
			local.FilledQty = g.quantity
			local.AvgFillPrice = g.vwap()
			local.Commission = g.commission
			if err := r.orders.Update(ctx, local); err != nil {
				return err
			}
			report.StatusFixes++
			r.logger.Warn("Missed fill recovered from execution history",
				"order_id", local.ID, "broker_order_id", local.BrokerOrderID,
				"avg_price", local.AvgFillPrice.String())
			continue
		}

		// The broker has no memory of this order.
		local.Status = domain.OrderCancelled
		if err := r.orders.Update(ctx, local); err != nil {
			return err
		}
		report.StatusFixes++
		r.logger.Warn("Local working order unknown to broker, marked cancelled",
			"order_id", local.ID, "broker_order_id", local.BrokerOrderID)
	}
	return nil
}

// reconcileExecutions verifies fill prices and commissions on filled local
// orders against the broker's execution records.
func (r *Reconciler) reconcileExecutions(ctx context.Context, groups map[int64]execGroup, report *core.ReconcileReport) {
	for brokerID, g := range groups {
		local, err := r.orders.GetByBrokerID(ctx, brokerID)
		if errors.Is(err, core.ErrOrderNotFound) {
			report.MissingLocally++
			r.logger.Warn("Broker execution has no local order",
				"broker_order_id", brokerID, "quantity", g.quantity,
				"vwap", g.vwap().String())
			continue
		}
		if err != nil {
			r.logger.Error("Order lookup failed during execution check",
				"broker_order_id", brokerID, "error", err)
			continue
		}
		if local.Status != domain.OrderFilled {
			continue
		}

		changed := false
		vwap := g.vwap()
		if diff := local.AvgFillPrice.Sub(vwap).Abs(); diff.GreaterThan(priceTolerance) {
			r.logger.Warn("Fill price discrepancy",
				"order_id", local.ID, "recorded", local.AvgFillPrice.String(),
				"broker", vwap.String())
			r.publishAnomaly(ctx, domain.AnomalyFillPriceDrift, fmt.Sprintf(
				"order %d recorded %s, broker reports %s",
				local.ID, local.AvgFillPrice.String(), vwap.String()), false)
			local.AvgFillPrice = vwap
			report.PriceFixes++
			changed = true
		}
		if !local.Commission.Equal(g.commission) && g.commission.IsPositive() {
			local.Commission = g.commission
			report.CommissionFixes++
			changed = true
		}
		if changed {
			if err := r.orders.Update(ctx, local); err != nil {
				r.logger.Error("Failed to persist execution fix",
					"order_id", local.ID, "error", err)
			}
		}
	}
}

// detectOrphans logs broker orders the daemon has no record of. They are
// never touched; a human placed them or state was lost.
func (r *Reconciler) detectOrphans(ctx context.Context, open map[int64]*domain.Order, report *core.ReconcileReport) {
	for brokerID, bo := range open {
		_, err := r.orders.GetByBrokerID(ctx, brokerID)
		if errors.Is(err, core.ErrOrderNotFound) {
			report.Orphans++
			r.logger.Warn("Orphan broker order, leaving untouched",
				"broker_order_id", brokerID, "symbol", bo.Symbol,
				"side", bo.Side, "quantity", bo.Quantity)
		}
	}
}

// reconcilePositions cross-checks open trades against broker option and
// stock positions, detecting assignments and quantity mismatches.
func (r *Reconciler) reconcilePositions(ctx context.Context, report *core.ReconcileReport) error {
	positions, err := r.broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions unavailable: %w", err)
	}
	stocks, err := r.broker.ListStockPositions(ctx)
	if err != nil {
		return fmt.Errorf("stock positions unavailable: %w", err)
	}
	openTrades, err := r.trades.ListOpen(ctx)
	if err != nil {
		return err
	}

	shares := make(map[string]int64, len(stocks))
	for _, s := range stocks {
		shares[s.Symbol] = s.Shares
	}

	matched := make(map[int]bool, len(positions))
	for _, trade := range openTrades {
		if trade.Status != domain.TradeOpen {
			continue
		}
		idx := findPosition(positions, trade)
		if idx >= 0 {
			matched[idx] = true
			continue
		}

		// The short put vanished. Long shares of a round lot matching the
		// contract size mean the put was assigned.
		if n := shares[trade.Symbol]; n >= int64(trade.Contracts)*100 {
			if err := r.closeAssigned(ctx, trade); err != nil {
				return err
			}
			report.Assignments++
			continue
		}

		if !trade.NeedsRecon {
			trade.NeedsRecon = true
			if err := r.trades.Update(ctx, trade); err != nil {
				return err
			}
			r.publishAnomaly(ctx, domain.AnomalyPositionMismatch, fmt.Sprintf(
				"trade %d (%s %s %s) open locally but absent at broker",
				trade.ID, trade.Symbol, trade.Strike.String(),
				trade.Expiration.Format("2006-01-02")), true)
		}
		r.logger.Error("Open trade has no broker position",
			"trade_id", trade.ID, "symbol", trade.Symbol)
	}

	for i, p := range positions {
		if !matched[i] && !hasOpenTrade(openTrades, p) {
			report.MissingLocally++
			r.logger.Warn("Broker position with no local trade",
				"symbol", p.Symbol, "strike", p.Strike.String(),
				"contracts", p.Contracts)
		}
	}
	return nil
}

// closeAssigned finalizes an assigned trade: the short put is gone and the
// full premium is realized. The resulting share position is left for the
// operator; the anomaly event requests their attention.
func (r *Reconciler) closeAssigned(ctx context.Context, trade *domain.Trade) error {
	trade.ExitPremium = decimal.Zero
	trade.ExitTime = r.clock.Now()
	trade.ExitKind = domain.ExitAssigned
	trade.RealizedPnL = trade.PnL().Sub(trade.Commission)
	trade.NeedsRecon = true

	snap := &domain.ExitSnapshot{
		TradeID:    trade.ID,
		CapturedAt: trade.ExitTime,
		ExitKind:   domain.ExitAssigned,
	}
	if q, err := r.broker.GetStockQuote(ctx, trade.Symbol); err == nil {
		snap.UnderlyingPrice = q.Mid()
	}
	if err := r.trades.MarkClosed(ctx, trade, snap); err != nil {
		return fmt.Errorf("failed to close assigned trade %d: %w", trade.ID, err)
	}

	r.logger.Warn("Assignment detected, trade closed",
		"trade_id", trade.ID, "symbol", trade.Symbol,
		"strike", trade.Strike.String(), "contracts", trade.Contracts)
	detail := fmt.Sprintf("trade %d assigned: long %d %s shares at strike %s",
		trade.ID, trade.Contracts*100, trade.Symbol, trade.Strike.String())
	eventID := r.publishAnomaly(ctx, domain.AnomalyAssignmentDetected, detail, false)
	r.recordReviewDecision(ctx, eventID, detail)
	return nil
}

// recordReviewDecision writes the operator escalation into the audit log
// so the share position shows up in the decision trail, not just the
// event queue.
func (r *Reconciler) recordReviewDecision(ctx context.Context, eventID, reason string) {
	if r.decisions == nil {
		return
	}
	out, err := json.Marshal(domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionRequestReview,
		Urgency:       "high",
		Reasoning:     reason,
	})
	if err != nil {
		r.logger.Error("Failed to serialize review decision", "error", err)
		return
	}
	d := &domain.Decision{
		ID:        uuid.NewString(),
		SessionID: r.sessionID,
		EventID:   eventID,
		EventType: domain.EventAnomalyDetected,
		Context:   json.RawMessage("{}"),
		Output:    out,
		Action:    domain.ActionRequestReview,
		CostUSD:   decimal.Zero,
		CreatedAt: r.clock.Now(),
	}
	if err := r.decisions.Insert(ctx, d); err != nil {
		r.logger.Error("Failed to record review decision", "error", err)
	}
}

func (r *Reconciler) publishAnomaly(ctx context.Context, code, detail string, hard bool) string {
	if r.bus == nil {
		return ""
	}
	id, err := r.bus.Publish(ctx, domain.EventAnomalyDetected, domain.AnomalyPayload{
		Code:      code,
		Detail:    detail,
		HardBlock: hard,
	})
	if err != nil {
		r.logger.Error("Failed to publish anomaly", "code", code, "error", err)
		return ""
	}
	return id
}

func findPosition(positions []domain.Position, t *domain.Trade) int {
	for i, p := range positions {
		if p.Symbol == t.Symbol && p.Right == t.Right &&
			p.Strike.Equal(t.Strike) &&
			p.Expiration.Format("2006-01-02") == t.Expiration.Format("2006-01-02") &&
			p.Contracts < 0 {
			return i
		}
	}
	return -1
}

func hasOpenTrade(trades []*domain.Trade, p domain.Position) bool {
	for _, t := range trades {
		if t.Symbol == p.Symbol && t.Right == p.Right && t.Strike.Equal(p.Strike) &&
			t.Expiration.Format("2006-01-02") == p.Expiration.Format("2006-01-02") {
			return true
		}
	}
	return false
}

// Run reconciles on a fixed interval until the context ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.broker.Connected() {
				continue
			}
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}
