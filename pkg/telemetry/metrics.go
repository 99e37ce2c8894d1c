package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal     = "putseller_pnl_realized_total"
	MetricOpenPositions        = "putseller_open_positions"
	MetricOrdersPlacedTotal    = "putseller_orders_placed_total"
	MetricOrdersFilledTotal    = "putseller_orders_filled_total"
	MetricFillAdjustmentsTotal = "putseller_fill_adjustments_total"
	MetricDecisionsTotal       = "putseller_decisions_total"
	MetricLLMCostTotal         = "putseller_llm_cost_usd_total"
	MetricLLMLatency           = "putseller_llm_latency_ms"
	MetricBrokerLatency        = "putseller_broker_latency_ms"
	MetricEventQueueDepth      = "putseller_event_queue_depth"
	MetricReconcileFixesTotal  = "putseller_reconcile_fixes_total"
	MetricTradingHalted        = "putseller_trading_halted"
	MetricMarginUtilisation    = "putseller_margin_utilisation"
	MetricAutonomyLevel        = "putseller_autonomy_level"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal     metric.Float64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	FillAdjustmentsTotal metric.Int64Counter
	DecisionsTotal       metric.Int64Counter
	LLMCostTotal         metric.Float64Counter
	LLMLatency           metric.Float64Histogram
	BrokerLatency        metric.Float64Histogram
	ReconcileFixesTotal  metric.Int64Counter
	OpenPositions        metric.Int64ObservableGauge
	EventQueueDepth      metric.Int64ObservableGauge
	TradingHalted        metric.Int64ObservableGauge
	MarginUtilisation    metric.Float64ObservableGauge
	AutonomyLevel        metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	openPositions   int64
	queueDepth      int64
	haltedState     int64
	marginUtil      float64
	autonomyLevel   int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.FillAdjustmentsTotal, err = meter.Int64Counter(MetricFillAdjustmentsTotal, metric.WithDescription("Total fill-manager limit adjustments"))
	if err != nil {
		return err
	}

	m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal, metric.WithDescription("Total reasoning decisions recorded"))
	if err != nil {
		return err
	}

	m.LLMCostTotal, err = meter.Float64Counter(MetricLLMCostTotal, metric.WithDescription("Cumulative LLM spend in USD"))
	if err != nil {
		return err
	}

	m.LLMLatency, err = meter.Float64Histogram(MetricLLMLatency, metric.WithDescription("Latency of reasoning engine calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker gateway calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ReconcileFixesTotal, err = meter.Int64Counter(MetricReconcileFixesTotal, metric.WithDescription("Total reconciliation corrections applied"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Currently open option positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventQueueDepth, err = meter.Int64ObservableGauge(MetricEventQueueDepth, metric.WithDescription("Pending events in the durable queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.queueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradingHalted, err = meter.Int64ObservableGauge(MetricTradingHalted, metric.WithDescription("Kill-switch state (1=halted, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.haltedState)
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarginUtilisation, err = meter.Float64ObservableGauge(MetricMarginUtilisation, metric.WithDescription("Init margin over net liquidation"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.marginUtil)
			return nil
		}))
	if err != nil {
		return err
	}

	m.AutonomyLevel, err = meter.Int64ObservableGauge(MetricAutonomyLevel, metric.WithDescription("Current autonomy level (1-4)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.autonomyLevel)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = n
}

func (m *MetricsHolder) SetEventQueueDepth(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = n
}

func (m *MetricsHolder) SetTradingHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltedState = val
}

func (m *MetricsHolder) SetMarginUtilisation(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginUtil = v
}

func (m *MetricsHolder) SetAutonomyLevel(level int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autonomyLevel = level
}

// RecordDecision increments the decision counter tagged by action.
func (m *MetricsHolder) RecordDecision(ctx context.Context, action string) {
	if m.DecisionsTotal == nil {
		return
	}
	m.DecisionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
