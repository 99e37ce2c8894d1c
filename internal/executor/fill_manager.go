package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// FillReport summarizes fill-manager activity since startup.
type FillReport struct {
	Filled      int
	Partials    int
	Cancelled   int
	LeftWorking int
	Adjustments int
}

type trackedOrder struct {
	orderID     int64
	enrolledAt  time.Time
	lastAdjust  time.Time
	adjustments int
	floorHit    bool
}

// FillManager monitors working orders until they are terminal or their
// monitoring window expires, nudging limits toward the market on the way.
type FillManager struct {
	broker  core.IBroker
	orders  *store.OrderRepo
	cfg     config.FillsConfig
	floor   decimal.Decimal
	clock   core.IClock
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	mu          sync.Mutex
	tracked     map[int64]*trackedOrder
	suspended   bool
	report      FillReport
	consecFails int
}

// NewFillManager creates the fill manager. The premium floor bounds
// downward adjustments on sell orders.
func NewFillManager(broker core.IBroker, orders *store.OrderRepo, cfg config.FillsConfig, trading config.TradingConfig, clock core.IClock, logger core.ILogger) *FillManager {
	return &FillManager{
		broker:  broker,
		orders:  orders,
		cfg:     cfg,
		floor:   decimal.NewFromFloat(trading.PremiumFloor),
		clock:   clock,
		logger:  logger.WithField("component", "fill_manager"),
		metrics: telemetry.GetGlobalMetrics(),
		tracked: make(map[int64]*trackedOrder),
	}
}

// Enroll starts monitoring the given local order ids.
func (f *FillManager) Enroll(orderIDs ...int64) {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range orderIDs {
		if _, ok := f.tracked[id]; ok {
			continue
		}
		f.tracked[id] = &trackedOrder{orderID: id, enrolledAt: now, lastAdjust: now}
	}
}

// Suspend pauses adjustments, used while the broker is disconnected.
func (f *FillManager) Suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.suspended {
		f.suspended = true
		f.logger.Warn("Fill monitoring suspended")
	}
}

// Resume re-enables adjustments after a reconnect.
func (f *FillManager) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suspended {
		f.suspended = false
		f.logger.Info("Fill monitoring resumed")
	}
}

// Tracked returns how many orders are currently monitored.
func (f *FillManager) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked)
}

// Report returns a snapshot of accumulated fill activity.
func (f *FillManager) Report() FillReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

// ConsecutiveFailures counts monitoring windows that expired without a
// fill since the last successful fill. Feeds the autonomy review trigger.
func (f *FillManager) ConsecutiveFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecFails
}

// Run drives the check loop until the context ends.
func (f *FillManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Check(ctx)
		}
	}
}

// Check runs one monitoring pass over all tracked orders.
func (f *FillManager) Check(ctx context.Context) {
	f.mu.Lock()
	if f.suspended {
		f.mu.Unlock()
		return
	}
	ids := make([]int64, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.checkOrder(ctx, id)
	}
}

func (f *FillManager) checkOrder(ctx context.Context, id int64) {
	o, err := f.orders.GetByID(ctx, id)
	if err != nil {
		f.logger.Error("Tracked order vanished", "order_id", id, "error", err)
		f.drop(id, func(r *FillReport) {})
		return
	}

	if o.Status.Terminal() {
		f.finalize(o)
		return
	}

	now := f.clock.Now()
	f.mu.Lock()
	t, ok := f.tracked[id]
	f.mu.Unlock()
	if !ok {
		return
	}

	if now.Sub(t.enrolledAt) >= f.cfg.MonitoringWindow() {
		f.expire(ctx, o)
		return
	}

	if f.partialReady(o) {
		f.resubmitRemainder(ctx, o)
		return
	}

	f.maybeAdjust(ctx, o, t, now)
}

func (f *FillManager) finalize(o *domain.Order) {
	f.drop(o.ID, func(r *FillReport) {
		switch o.Status {
		case domain.OrderFilled:
			r.Filled++
		default:
			r.Cancelled++
		}
	})
	if o.Status == domain.OrderFilled {
		f.mu.Lock()
		f.consecFails = 0
		f.mu.Unlock()
	}
}

// expire handles a monitoring-window timeout: leave as a DAY order or
// cancel, per configuration. Either way it counts as a fill failure.
func (f *FillManager) expire(ctx context.Context, o *domain.Order) {
	if f.cfg.LeaveDayOrders {
		f.logger.Info("Monitoring window expired, leaving day order",
			"order_id", o.ID, "broker_order_id", o.BrokerOrderID)
		f.drop(o.ID, func(r *FillReport) { r.LeftWorking++ })
	} else {
		if _, err := f.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			f.logger.Error("Failed to cancel expired order", "order_id", o.ID, "error", err)
			return
		}
		f.drop(o.ID, func(r *FillReport) { r.Cancelled++ })
	}
	f.mu.Lock()
	f.consecFails++
	f.mu.Unlock()
}

func (f *FillManager) partialReady(o *domain.Order) bool {
	if o.FilledQty == 0 || o.Remaining() == 0 || o.Quantity == 0 {
		return false
	}
	return float64(o.FilledQty) >= f.cfg.PartialThreshold*float64(o.Quantity)
}

// resubmitRemainder cancels the partially filled order and re-submits the
// unfilled quantity at a fresh limit from the live quote.
func (f *FillManager) resubmitRemainder(ctx context.Context, o *domain.Order) {
	contract := core.OptionContract{
		Symbol:     o.Symbol,
		Right:      o.Right,
		Strike:     o.Strike,
		Expiration: o.Expiration,
	}
	q, err := f.broker.GetQuote(ctx, contract)
	if err != nil {
		f.logger.Warn("Quote unavailable for remainder resubmission",
			"order_id", o.ID, "error", err)
		return
	}
	limit := q.Mid().Round(2)
	if o.Side == domain.SideSell && limit.LessThan(f.floor) {
		limit = f.floor
	}

	if _, err := f.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		f.logger.Error("Failed to cancel partial order", "order_id", o.ID, "error", err)
		return
	}

	remainder, err := f.broker.PlaceOrder(ctx, core.OrderRequest{
		Contract:   contract,
		Side:       o.Side,
		Quantity:   o.Remaining(),
		LimitPrice: limit,
		Type:       domain.OrderLimit,
		TIF:        o.TIF,
		Transmit:   true,
	})
	if err != nil {
		f.logger.Error("Failed to resubmit remainder", "order_id", o.ID, "error", err)
		return
	}
	remainder.TradeID = o.TradeID
	remainder.DecisionID = o.DecisionID
	if err := f.orders.Insert(ctx, remainder); err != nil {
		f.logger.Error("Failed to persist remainder order", "error", err)
		return
	}

	f.logger.Info("Partial fill remainder resubmitted",
		"order_id", o.ID, "remainder_order_id", remainder.ID,
		"quantity", remainder.Quantity, "limit", limit.String())
	f.drop(o.ID, func(r *FillReport) { r.Partials++ })
	f.Enroll(remainder.ID)
}

// maybeAdjust nudges the limit toward the market once per adjustment
// interval, bounded by max_adjustments and the premium floor.
func (f *FillManager) maybeAdjust(ctx context.Context, o *domain.Order, t *trackedOrder, now time.Time) {
	if t.floorHit || t.adjustments >= f.cfg.MaxAdjustments {
		return
	}
	if now.Sub(t.lastAdjust) < f.cfg.AdjustmentInterval() {
		return
	}

	increment := decimal.NewFromFloat(f.cfg.AdjustmentIncrement)
	var newLimit decimal.Decimal
	if o.Side == domain.SideSell {
		newLimit = o.LimitPrice.Sub(increment)
		if newLimit.LessThan(f.floor) {
			t.floorHit = true
			f.logger.Info("Adjustment would breach premium floor, holding limit",
				"order_id", o.ID, "limit", o.LimitPrice.String())
			return
		}
	} else {
		newLimit = o.LimitPrice.Add(increment)
	}

	if _, err := f.broker.ModifyOrder(ctx, o.BrokerOrderID, newLimit); err != nil {
		f.logger.Error("Limit adjustment failed", "order_id", o.ID, "error", err)
		return
	}
	o.LimitPrice = newLimit
	if err := f.orders.Update(ctx, o); err != nil {
		f.logger.Error("Failed to persist adjusted limit", "order_id", o.ID, "error", err)
	}

	f.mu.Lock()
	t.adjustments++
	t.lastAdjust = now
	f.report.Adjustments++
	f.mu.Unlock()

	if f.metrics.FillAdjustmentsTotal != nil {
		f.metrics.FillAdjustmentsTotal.Add(ctx, 1)
	}
	f.logger.Info("Order limit adjusted", "order_id", o.ID,
		"adjustment", t.adjustments, "new_limit", newLimit.String())
}

func (f *FillManager) drop(id int64, bump func(*FillReport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracked[id]; !ok {
		return
	}
	delete(f.tracked, id)
	bump(&f.report)
}
