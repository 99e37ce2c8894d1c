package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// HandleOrderFilled applies one ORDER_FILLED event: updates the order row,
// then walks the trade lifecycle. A parent SELL fill opens the trade and
// captures its entry snapshot atomically; a BUY fill closes it with the
// exit snapshot. Unknown broker order ids are left for the reconciler.
func (e *Executor) HandleOrderFilled(ctx context.Context, p domain.OrderFilledPayload) error {
	o, err := e.d.Orders.GetByBrokerID(ctx, p.BrokerOrderID)
	if errors.Is(err, core.ErrOrderNotFound) {
		e.logger.Warn("Fill for unknown order, deferring to reconciler",
			"broker_order_id", p.BrokerOrderID)
		return nil
	}
	if err != nil {
		return err
	}

	o.Status = domain.OrderFilled
	o.FilledQty = p.FilledQty
	if o.FilledQty == 0 {
		o.FilledQty = o.Quantity
	}
	if price, perr := decimal.NewFromString(p.AvgFillPrice); perr == nil {
		o.AvgFillPrice = price
	}
	if err := e.d.Orders.Update(ctx, o); err != nil {
		return err
	}
	if e.metrics.OrdersFilledTotal != nil {
		e.metrics.OrdersFilledTotal.Add(ctx, 1)
	}

	if o.TradeID == 0 {
		return nil
	}
	trade, err := e.d.Trades.GetByID(ctx, o.TradeID)
	if err != nil {
		return err
	}

	if o.Side == domain.SideSell && o.ParentOrderID == 0 {
		return e.openTrade(ctx, trade, o, p.ExecutionID)
	}
	if o.Side == domain.SideBuy {
		return e.closeTrade(ctx, trade, o)
	}
	return nil
}

func (e *Executor) openTrade(ctx context.Context, trade *domain.Trade, o *domain.Order, executionID string) error {
	if trade.Status == domain.TradeOpen || trade.IsTerminal() {
		// Replayed fill event; MarkOpen already ran.
		return nil
	}

	trade.ExecutionID = executionID
	trade.EntryPremium = o.AvgFillPrice
	trade.EntryTime = e.d.Clock.Now()

	snap := e.captureEntrySnapshot(ctx, trade)
	if err := e.d.Trades.MarkOpen(ctx, trade, snap); err != nil {
		return fmt.Errorf("failed to open trade %d: %w", trade.ID, err)
	}
	e.updateOpenGauge(ctx)
	e.logger.Info("Trade opened", "trade_id", trade.ID, "symbol", trade.Symbol,
		"entry_premium", trade.EntryPremium.String(), "execution_id", executionID)

	if err := e.d.Risk.VerifyPostTradeMargin(ctx); err != nil {
		e.logger.Error("Post-trade margin degraded, tripping kill switch", "error", err)
		if herr := e.d.System.SetHalted(ctx, true, err.Error()); herr != nil {
			e.logger.Error("Failed to set kill switch", "error", herr)
		}
		e.metrics.SetTradingHalted(true)
		if _, perr := e.d.Bus.Publish(ctx, domain.EventAnomalyDetected, domain.AnomalyPayload{
			Code:      domain.AnomalyMarginDegraded,
			Detail:    err.Error(),
			HardBlock: true,
		}); perr != nil {
			e.logger.Error("Failed to publish margin anomaly", "error", perr)
		}
	}
	return nil
}

func (e *Executor) closeTrade(ctx context.Context, trade *domain.Trade, o *domain.Order) error {
	if trade.IsTerminal() {
		return nil
	}

	// The other bracket child is now pointless.
	if err := e.cancelWorkingOrders(ctx, trade.ID, o.ID); err != nil {
		e.logger.Warn("Failed to cancel sibling orders", "trade_id", trade.ID, "error", err)
	}

	trade.ExitPremium = o.AvgFillPrice
	trade.ExitTime = e.d.Clock.Now()
	if trade.ExitKind == "" {
		trade.ExitKind = exitKindFor(o)
	}

	commission := decimal.Zero
	if orders, err := e.d.Orders.ListByTrade(ctx, trade.ID); err == nil {
		for _, ord := range orders {
			commission = commission.Add(ord.Commission)
		}
	}
	trade.Commission = commission
	trade.RealizedPnL = trade.PnL().Sub(commission)

	snap := e.captureExitSnapshot(ctx, trade)
	if err := e.d.Trades.MarkClosed(ctx, trade, snap); err != nil {
		return fmt.Errorf("failed to close trade %d: %w", trade.ID, err)
	}

	if e.metrics.PnLRealizedTotal != nil {
		e.metrics.PnLRealizedTotal.Add(ctx, trade.RealizedPnL.InexactFloat64())
	}
	e.updateOpenGauge(ctx)
	e.logger.Info("Trade closed", "trade_id", trade.ID, "symbol", trade.Symbol,
		"exit_kind", trade.ExitKind, "realized_pnl", trade.RealizedPnL.String())
	return nil
}

func exitKindFor(o *domain.Order) domain.ExitKind {
	if o.Type == domain.OrderStopLimit {
		return domain.ExitStop
	}
	return domain.ExitProfitTarget
}

// captureEntrySnapshot samples live Greeks, underlying and VIX. Sampling
// is best effort; the snapshot row itself is mandatory and lands in the
// MarkOpen transaction.
func (e *Executor) captureEntrySnapshot(ctx context.Context, trade *domain.Trade) *domain.EntrySnapshot {
	snap := &domain.EntrySnapshot{
		TradeID:         trade.ID,
		CapturedAt:      e.d.Clock.Now(),
		SelectionMethod: "live_delta",
		OriginalStrike:  trade.Strike,
		TargetDelta:     decimal.NewFromFloat(e.cfg.TargetDelta),
		VIX:             e.vix(ctx),
	}

	contract := core.OptionContract{
		Symbol:     trade.Symbol,
		Right:      trade.Right,
		Strike:     trade.Strike,
		Expiration: trade.Expiration,
	}
	if qualified, err := e.d.Broker.QualifyContracts(ctx, []core.OptionContract{contract}); err == nil && len(qualified) == 1 {
		if greeks, gerr := e.d.Broker.GetGreeksBatch(ctx, qualified); gerr == nil {
			if g, ok := greeks[qualified[0].ConID]; ok {
				snap.Greeks = g
				snap.LiveDelta = g.Delta
			}
		}
		e.d.Broker.CancelMarketData(ctx, []int64{qualified[0].ConID})
	}
	if q, err := e.d.Broker.GetStockQuote(ctx, trade.Symbol); err == nil {
		snap.UnderlyingPrice = q.Mid()
	}
	return snap
}

func (e *Executor) captureExitSnapshot(ctx context.Context, trade *domain.Trade) *domain.ExitSnapshot {
	snap := &domain.ExitSnapshot{
		TradeID:    trade.ID,
		CapturedAt: e.d.Clock.Now(),
		ExitKind:   trade.ExitKind,
		VIX:        e.vix(ctx),
	}
	if q, err := e.d.Broker.GetStockQuote(ctx, trade.Symbol); err == nil {
		snap.UnderlyingPrice = q.Mid()
	}
	return snap
}

func (e *Executor) updateOpenGauge(ctx context.Context) {
	open, err := e.d.Trades.ListOpen(ctx)
	if err != nil {
		return
	}
	e.metrics.SetOpenPositions(int64(len(open)))
}
