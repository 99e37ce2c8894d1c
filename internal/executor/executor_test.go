package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axels2025/TAAD-sub002/internal/bus"
	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/governor"
	"github.com/axels2025/TAAD-sub002/internal/mock"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/concurrency"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration)  { c.now = c.now.Add(d) }

type alwaysOpen struct{}

func (alwaysOpen) InSession(time.Time) bool { return true }

type harness struct {
	exec   *Executor
	broker *mock.Broker
	store  *store.Store
	trades *store.TradeRepo
	orders *store.OrderRepo
	staged *store.StagedRepo
	system *store.SystemRepo
	fills  *FillManager
	clock  *fakeClock
	expiry time.Time
}

func tradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbols:              []string{"SPY"},
		TargetDelta:          0.065,
		DeltaTolerance:       0.02,
		MinOTMPct:            0.03,
		MaxCandidates:        8,
		PremiumFloor:         0.10,
		MaxSpreadPct:         0.15,
		MinVolume:            10,
		MinOpenInterest:      100,
		ProfitTargetPct:      0.70,
		StopLossMultiple:     2.5,
		MaxRolls:             2,
		StalenessSeconds:     300,
		TargetDTE:            7,
		PriceDriftAdjustPct:  0.05,
		PriceDriftAbandonPct: 0.10,
	}
}

func fillsConfig() config.FillsConfig {
	return config.FillsConfig{
		CheckIntervalSeconds:      5,
		AdjustmentIntervalSeconds: 60,
		AdjustmentIncrement:       0.01,
		MaxAdjustments:            3,
		PartialThreshold:          0.5,
		MonitoringWindowMinutes:   10,
		LeaveDayOrders:            true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)}
	broker := mock.NewBroker(clock)
	log := logging.Nop{}

	trades := store.NewTradeRepo(s)
	orders := store.NewOrderRepo(s)
	staged := store.NewStagedRepo(s)
	system := store.NewSystemRepo(s)

	eventBus, err := bus.New(store.NewEventRepo(s), clock, log)
	require.NoError(t, err)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "greeks", MaxWorkers: 5, MaxCapacity: 50,
	}, log)
	t.Cleanup(pool.Stop)

	cfg := tradingConfig()
	selector := NewStrikeSelector(broker, cfg, pool, clock, log)
	fills := NewFillManager(broker, orders, fillsConfig(), cfg, clock, log)

	risk := governor.NewRiskGovernor(config.RiskConfig{
		MaxOpenPositions:       5,
		MaxDailyNewPositions:   3,
		MaxDailyLossPct:        0.02,
		MaxWeeklyLossPct:       0.05,
		MaxDrawdownPct:         0.10,
		MaxSectorConcentration: 0.80,
		PerTradeMarginCapPct:   0.20,
		MaxMarginUtilisation:   0.50,
		MinExcessLiquidityPct:  0.10,
		VIXHaltThreshold:       35,
		MaxPositionRiskPct:     0.10,
	}, broker, log)

	exec := New(cfg, Deps{
		Broker:   broker,
		Trades:   trades,
		Orders:   orders,
		Staged:   staged,
		System:   system,
		Selector: selector,
		Sizer:    Sizer{RiskPct: 0.10},
		Fills:    fills,
		Risk:     risk,
		Bus:      eventBus,
		Calendar: alwaysOpen{},
		Clock:    clock,
		Logger:   log,
	})

	h := &harness{
		exec: exec, broker: broker, store: s, trades: trades, orders: orders,
		staged: staged, system: system, fills: fills, clock: clock,
		expiry: nextExpiry(clock.now, cfg.TargetDTE),
	}
	h.seedMarket(t)
	return h
}

// seedMarket populates quotes, chain and Greeks so SPY selection lands on
// the 436 strike (delta closest to target).
func (h *harness) seedMarket(t *testing.T) {
	t.Helper()
	now := h.clock.now
	h.broker.Quotes["SPY"] = domain.Quote{
		Bid: decimal.NewFromInt(450), Ask: decimal.RequireFromString("450.10"), TS: now,
	}
	h.broker.Quotes["VIX"] = domain.Quote{
		Bid: decimal.RequireFromString("18.4"), Ask: decimal.RequireFromString("18.6"), TS: now,
	}

	strikes := []decimal.Decimal{
		decimal.NewFromInt(425), decimal.NewFromInt(430), decimal.NewFromInt(432),
		decimal.NewFromInt(434), decimal.NewFromInt(436), decimal.NewFromInt(438),
		decimal.NewFromInt(440), decimal.NewFromInt(445), decimal.NewFromInt(450),
	}
	h.broker.Chains["SPY"] = strikes

	deltas := map[string]string{
		"425": "-0.030", "430": "-0.040", "432": "-0.048", "434": "-0.055",
		"436": "-0.063", "438": "-0.085", "440": "-0.110", "445": "-0.180",
	}
	for strike, delta := range deltas {
		c := core.OptionContract{
			Symbol: "SPY", Right: domain.RightPut,
			Strike: decimal.RequireFromString(strike), Expiration: h.expiry,
		}
		h.broker.Greeks[mock.Key(c)] = domain.Greeks{
			Delta:        decimal.RequireFromString(delta),
			Bid:          decimal.RequireFromString("0.50"),
			Ask:          decimal.RequireFromString("0.54"),
			Volume:       200,
			OpenInterest: 5000,
			HasDelta:     true,
		}
	}
	// option quote for closes
	c436 := core.OptionContract{
		Symbol: "SPY", Right: domain.RightPut,
		Strike: decimal.NewFromInt(436), Expiration: h.expiry,
	}
	h.broker.Quotes[mock.Key(c436)] = domain.Quote{
		Bid: decimal.RequireFromString("0.14"), Ask: decimal.RequireFromString("0.16"), TS: now,
	}
}

func (h *harness) stage(t *testing.T) string {
	t.Helper()
	res, err := h.exec.StageCandidates(context.Background(), []string{"SPY"})
	require.NoError(t, err)
	require.Len(t, res.StagedIDs, 1)
	return res.StagedIDs[0]
}

func TestStageCandidatesSelectsTargetDelta(t *testing.T) {
	h := newHarness(t)
	id := h.stage(t)

	s, err := h.staged.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.StagedNew, s.Status)
	assert.True(t, s.Strike.Equal(decimal.NewFromInt(436)), "got strike %s", s.Strike)
	assert.True(t, s.LimitPrice.Equal(decimal.RequireFromString("0.52")))
	// 10% of 100k over 436*100*0.20 margin
	assert.Equal(t, 1, s.Contracts)
	assert.NotEmpty(t, h.broker.CancelledConIDs, "market data subscriptions must be released")
}

func TestStageCandidatesAbandonsIlliquid(t *testing.T) {
	h := newHarness(t)
	for k, g := range h.broker.Greeks {
		g.OpenInterest = 5
		h.broker.Greeks[k] = g
	}

	res, err := h.exec.StageCandidates(context.Background(), []string{"SPY"})
	require.NoError(t, err)
	assert.Empty(t, res.StagedIDs)
	assert.Equal(t, "no_candidates", res.Status)

	stale, err := h.staged.ListByStatus(context.Background(), domain.StagedStale)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestExecuteStagedSubmitsBracketAndOpensTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	require.Len(t, res.TradeIDs, 1)
	require.Len(t, res.OrderIDs, 3, "parent plus two bracket children")

	s, err := h.staged.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StagedSubmitted, s.Status)

	parent, err := h.orders.GetByID(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SideSell, parent.Side)
	assert.Equal(t, int64(0), parent.ParentOrderID)

	profit, err := h.orders.GetByID(ctx, res.OrderIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, profit.Side)
	assert.Equal(t, parent.BrokerOrderID, profit.ParentOrderID)
	// 0.52 * (1 - 0.70)
	assert.True(t, profit.LimitPrice.Equal(decimal.RequireFromString("0.16")),
		"profit limit %s", profit.LimitPrice)

	stop, err := h.orders.GetByID(ctx, res.OrderIDs[2])
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStopLimit, stop.Type)
	assert.True(t, stop.LimitPrice.Equal(decimal.RequireFromString("1.30")),
		"stop limit %s", stop.LimitPrice)

	// Mock fills the parent immediately; apply the fill event.
	require.NoError(t, h.exec.HandleOrderFilled(ctx, domain.OrderFilledPayload{
		BrokerOrderID: parent.BrokerOrderID,
		ExecutionID:   "mock-exec-1",
		FilledQty:     parent.Quantity,
		AvgFillPrice:  "0.52",
	}))

	trade, err := h.trades.GetByID(ctx, res.TradeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.Equal(t, "mock-exec-1", trade.ExecutionID)

	snap, err := h.trades.GetEntrySnapshot(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, snap, "entry snapshot must land with the open transition")
	assert.True(t, snap.VIX.Equal(decimal.RequireFromString("18.5")))
}

func TestExecuteStagedRejectedByRisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	// Blow the margin utilisation boundary in the what-if.
	h.broker.WhatIf.InitMarginAfter = decimal.NewFromInt(50000)

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	assert.Empty(t, res.TradeIDs)
	assert.Equal(t, "nothing_executed", res.Status)
	assert.Contains(t, res.Detail, governor.ReasonMarginUtilisation)

	s, err := h.staged.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StagedCancelled, s.Status)
}

func TestExecuteStagedAbandonsOnDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	// 12% drop since staging
	h.broker.Quotes["SPY"] = domain.Quote{
		Bid: decimal.NewFromInt(396), Ask: decimal.RequireFromString("396.10"),
		TS: h.clock.now,
	}

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	assert.Empty(t, res.TradeIDs)

	s, err := h.staged.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StagedStale, s.Status)
}

func TestClosePositionFinalizesTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	parent, err := h.orders.GetByID(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	require.NoError(t, h.exec.HandleOrderFilled(ctx, domain.OrderFilledPayload{
		BrokerOrderID: parent.BrokerOrderID, ExecutionID: "mock-exec-1",
		FilledQty: parent.Quantity, AvgFillPrice: "0.52",
	}))

	closeRes, err := h.exec.ClosePosition(ctx, res.TradeIDs[0], domain.ExitProfitTarget, "dec-2")
	require.NoError(t, err)
	require.Len(t, closeRes.OrderIDs, 1)

	closeOrder, err := h.orders.GetByID(ctx, closeRes.OrderIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, closeOrder.Side)
	// mid of 0.14/0.16
	assert.True(t, closeOrder.LimitPrice.Equal(decimal.RequireFromString("0.15")))

	require.NoError(t, h.exec.HandleOrderFilled(ctx, domain.OrderFilledPayload{
		BrokerOrderID: closeOrder.BrokerOrderID, ExecutionID: "mock-exec-2",
		FilledQty: closeOrder.Quantity, AvgFillPrice: "0.15",
	}))

	trade, err := h.trades.GetByID(ctx, res.TradeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, trade.Status)
	assert.Equal(t, domain.ExitProfitTarget, trade.ExitKind)
	// (0.52 - 0.15) * 100 * 1 contract, before commission
	assert.True(t, trade.PnL().Equal(decimal.NewFromInt(37)), "pnl %s", trade.PnL())

	// bracket children must be cancelled
	for _, oid := range res.OrderIDs[1:] {
		o, err := h.orders.GetByID(ctx, oid)
		require.NoError(t, err)
		bo, ok := h.broker.Order(o.BrokerOrderID)
		require.True(t, ok)
		assert.Equal(t, domain.OrderCancelled, bo.Status)
	}
}

func TestCloseWorkingTradeCancelsEntryWithoutBuy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	require.Len(t, res.TradeIDs, 1)
	tradeID := res.TradeIDs[0]

	trade, err := h.trades.GetByID(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeWorking, trade.Status, "entry must still be unfilled")

	closeRes, err := h.exec.ClosePosition(ctx, tradeID, domain.ExitTime, "dec-2")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", closeRes.Status)
	assert.Empty(t, closeRes.OrderIDs, "withdrawing an unfilled entry must not place orders")

	// A buy against a never-opened position would fill into a long put.
	after, err := h.orders.ListByTrade(ctx, tradeID)
	require.NoError(t, err)
	for _, o := range after {
		if o.Side == domain.SideBuy {
			assert.NotZero(t, o.ParentOrderID, "only bracket children may be buys")
		}
	}

	trade, err = h.trades.GetByID(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, trade.Status)
}

func TestRollPositionRequiresNetCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stage(t)

	res, err := h.exec.ExecuteStaged(ctx, []string{id}, "dec-1")
	require.NoError(t, err)
	parent, err := h.orders.GetByID(ctx, res.OrderIDs[0])
	require.NoError(t, err)
	require.NoError(t, h.exec.HandleOrderFilled(ctx, domain.OrderFilledPayload{
		BrokerOrderID: parent.BrokerOrderID, ExecutionID: "mock-exec-1",
		FilledQty: parent.Quantity, AvgFillPrice: "0.52",
	}))

	// Closing costs 2.00 while the next-expiry premium is ~0.52: debit roll.
	c436 := core.OptionContract{
		Symbol: "SPY", Right: domain.RightPut,
		Strike: decimal.NewFromInt(436), Expiration: h.expiry,
	}
	h.broker.Quotes[mock.Key(c436)] = domain.Quote{
		Bid: decimal.RequireFromString("1.95"), Ask: decimal.RequireFromString("2.05"),
		TS: h.clock.now,
	}
	// seed the next expiration's chain greeks
	nextExp := nextExpiry(h.expiry.AddDate(0, 0, 1), 7)
	for strike, delta := range map[string]string{"436": "-0.063"} {
		c := core.OptionContract{
			Symbol: "SPY", Right: domain.RightPut,
			Strike: decimal.RequireFromString(strike), Expiration: nextExp,
		}
		h.broker.Greeks[mock.Key(c)] = domain.Greeks{
			Delta: decimal.RequireFromString(delta),
			Bid:   decimal.RequireFromString("0.50"), Ask: decimal.RequireFromString("0.54"),
			Volume: 200, OpenInterest: 5000, HasDelta: true,
		}
	}

	rollRes, err := h.exec.RollPosition(ctx, res.TradeIDs[0], "dec-3")
	require.NoError(t, err)
	assert.Equal(t, "skipped", rollRes.Status)
	assert.Contains(t, rollRes.Detail, "no net credit")

	trade, err := h.trades.GetByID(ctx, res.TradeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, trade.Status, "debit roll must not touch the position")
}

func TestSizerContracts(t *testing.T) {
	s := Sizer{RiskPct: 0.10}
	nlv := decimal.NewFromInt(100000)

	assert.Equal(t, 1, s.Contracts(nlv, decimal.NewFromInt(436)))
	assert.Equal(t, 5, s.Contracts(nlv, decimal.NewFromInt(100)))
	// tiny account still gets the one-contract minimum when it fits
	assert.Equal(t, 1, s.Contracts(decimal.NewFromInt(20000), decimal.NewFromInt(450)))
	assert.Equal(t, 0, s.Contracts(decimal.NewFromInt(5000), decimal.NewFromInt(450)))
	assert.Equal(t, 0, s.Contracts(nlv, decimal.Zero))
}

func TestSectorOfUnknownIsOwnSector(t *testing.T) {
	assert.Equal(t, "energy", SectorOf("XOM"))
	assert.NotEqual(t, SectorOf("ZZZA"), SectorOf("ZZZB"))
}
