package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axels2025/TAAD-sub002/internal/alert"
	evbus "github.com/axels2025/TAAD-sub002/internal/bus"
	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/governor"
	"github.com/axels2025/TAAD-sub002/internal/memory"
	"github.com/axels2025/TAAD-sub002/internal/mock"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

const testSession = "test-session"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeCalendar struct{}

func (fakeCalendar) InSession(time.Time) bool { return true }
func (fakeCalendar) SessionOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 13, 30, 0, 0, time.UTC)
}
func (fakeCalendar) SessionClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 20, 0, 0, 0, time.UTC)
}

type fakeEngine struct {
	out   *domain.DecisionOutput
	err   error
	calls int
}

func (e *fakeEngine) Decide(ctx context.Context, rc *core.ReasoningContext) (*domain.DecisionOutput, decimal.Decimal, error) {
	e.calls++
	if e.err != nil {
		return nil, decimal.Zero, e.err
	}
	return e.out, decimal.RequireFromString("0.001"), nil
}

type fakeExecutor struct {
	stagedSymbols []string
	executedIDs   []string
	closed        []int64
	rolled        []int64
	closeReasons  []domain.ExitKind
}

func (f *fakeExecutor) StageCandidates(ctx context.Context, symbols []string) (domain.ActionResult, error) {
	f.stagedSymbols = append(f.stagedSymbols, symbols...)
	return domain.ActionResult{Status: "ok"}, nil
}

func (f *fakeExecutor) ExecuteStaged(ctx context.Context, stagedIDs []string, decisionID string) (domain.ActionResult, error) {
	f.executedIDs = append(f.executedIDs, stagedIDs...)
	return domain.ActionResult{Status: "ok", StagedIDs: stagedIDs}, nil
}

func (f *fakeExecutor) ClosePosition(ctx context.Context, tradeID int64, reason domain.ExitKind, decisionID string) (domain.ActionResult, error) {
	f.closed = append(f.closed, tradeID)
	f.closeReasons = append(f.closeReasons, reason)
	return domain.ActionResult{Status: "ok", TradeIDs: []int64{tradeID}}, nil
}

func (f *fakeExecutor) RollPosition(ctx context.Context, tradeID int64, decisionID string) (domain.ActionResult, error) {
	f.rolled = append(f.rolled, tradeID)
	return domain.ActionResult{Status: "ok", TradeIDs: []int64{tradeID}}, nil
}

type fakeFills struct {
	suspends int
	resumes  int
	failures int
}

func (f *fakeFills) Suspend()                 { f.suspends++ }
func (f *fakeFills) Resume()                  { f.resumes++ }
func (f *fakeFills) ConsecutiveFailures() int { return f.failures }

type fakeFillEvents struct {
	payloads []domain.OrderFilledPayload
}

func (f *fakeFillEvents) HandleOrderFilled(ctx context.Context, p domain.OrderFilledPayload) error {
	f.payloads = append(f.payloads, p)
	return nil
}

type fakeReconciler struct {
	calls  int
	report core.ReconcileReport
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (core.ReconcileReport, error) {
	f.calls++
	return f.report, nil
}

type fakeExperiments struct {
	started  []*domain.ExperimentProposal
	outcomes []int64
}

func (f *fakeExperiments) Start(ctx context.Context, p *domain.ExperimentProposal) (*domain.Experiment, error) {
	f.started = append(f.started, p)
	return &domain.Experiment{ID: "exp-new"}, nil
}

func (f *fakeExperiments) RecordOutcome(ctx context.Context, t *domain.Trade) error {
	f.outcomes = append(f.outcomes, t.ID)
	return nil
}

func (f *fakeExperiments) Views() []core.ExperimentView { return nil }

type fakeReflector struct {
	perf  domain.RollingPerformance
	calls int
}

func (f *fakeReflector) Reflect(ctx context.Context, sessionID string) (*domain.RollingPerformance, error) {
	f.calls++
	p := f.perf
	return &p, nil
}

type fakeDetector struct{ calls int }

func (f *fakeDetector) Detect(ctx context.Context) ([]*domain.Pattern, error) {
	f.calls++
	return nil, nil
}

type harness struct {
	orch        *Orchestrator
	clock       *fakeClock
	broker      *mock.Broker
	engine      *fakeEngine
	executor    *fakeExecutor
	fills       *fakeFills
	fillEvents  *fakeFillEvents
	reconciler  *fakeReconciler
	experiments *fakeExperiments
	reflector   *fakeReflector
	detector    *fakeDetector
	bus         *evbus.Bus
	trades      *store.TradeRepo
	orders      *store.OrderRepo
	staged      *store.StagedRepo
	decisions   *store.DecisionRepo
	memRepo     *store.MemoryRepo
	system      *store.SystemRepo
	wm          *memory.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)}
	log := logging.Nop{}

	s, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	broker := mock.NewBroker(clock)
	broker.Quotes["VIX"] = domain.Quote{
		Bid: decimal.RequireFromString("18.4"), Ask: decimal.RequireFromString("18.6"), TS: clock.now,
	}
	broker.Quotes["SPY"] = domain.Quote{
		Bid: decimal.NewFromInt(450), Ask: decimal.RequireFromString("450.10"), TS: clock.now,
	}

	eventBus, err := evbus.New(store.NewEventRepo(s), clock, log)
	require.NoError(t, err)

	h := &harness{
		clock:       clock,
		broker:      broker,
		engine:      &fakeEngine{out: monitorOnly()},
		executor:    &fakeExecutor{},
		fills:       &fakeFills{},
		fillEvents:  &fakeFillEvents{},
		reconciler:  &fakeReconciler{},
		experiments: &fakeExperiments{},
		reflector:   &fakeReflector{},
		detector:    &fakeDetector{},
		bus:         eventBus,
		trades:      store.NewTradeRepo(s),
		orders:      store.NewOrderRepo(s),
		staged:      store.NewStagedRepo(s),
		decisions:   store.NewDecisionRepo(s),
		memRepo:     store.NewMemoryRepo(s),
		system:      store.NewSystemRepo(s),
	}
	h.wm = memory.New(h.memRepo, h.decisions, nil, clock, log)

	cfg := config.DefaultConfig()
	alerts := alert.NewManager([]alert.Channel{alert.NewLogChannel(log)}, clock, log)

	h.orch = New(cfg, testSession, Deps{
		Bus:         eventBus,
		Engine:      h.engine,
		Memory:      h.wm,
		Executor:    h.executor,
		FillEvents:  h.fillEvents,
		Fills:       h.fills,
		Autonomy:    governor.NewAutonomyGovernor(cfg.Autonomy, log),
		Reconciler:  h.reconciler,
		Experiments: h.experiments,
		Reflector:   h.reflector,
		Patterns:    h.detector,
		Broker:      broker,
		Trades:      h.trades,
		Orders:      h.orders,
		Staged:      h.staged,
		Decisions:   h.decisions,
		Experiment:  store.NewExperimentRepo(s),
		System:      h.system,
		Calendar:    fakeCalendar{},
		Alerts:      alerts,
		Clock:       clock,
		Logger:      log,
	})
	return h
}

func monitorOnly() *domain.DecisionOutput {
	return &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionMonitorOnly,
		Confidence:    0.9,
		Reasoning:     "nothing to do",
	}
}

func event(typ domain.EventType, payload interface{}) *domain.Event {
	ev := &domain.Event{ID: fmt.Sprintf("ev-%s", typ), Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		ev.Payload = data
	}
	return ev
}

// loadMem reads the session row directly, bypassing the working memory
// service.
func (h *harness) loadMem(t *testing.T) *domain.WorkingMemory {
	t.Helper()
	mem, err := h.memRepo.Load(context.Background(), testSession)
	require.NoError(t, err)
	require.NotNil(t, mem)
	return mem
}

func (h *harness) saveMem(t *testing.T, mutate func(*domain.WorkingMemory)) {
	t.Helper()
	ctx := context.Background()
	mem, err := h.wm.LoadSession(ctx, testSession)
	require.NoError(t, err)
	mutate(mem)
	require.NoError(t, h.memRepo.Save(ctx, mem))
}

func TestScheduledCheckRecordsDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))

	assert.Equal(t, 1, h.engine.calls)
	rows, err := h.decisions.ListRecent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ActionMonitorOnly, rows[0].Action)
	assert.Equal(t, domain.EventScheduledCheck, rows[0].EventType)

	var res domain.ActionResult
	require.NoError(t, json.Unmarshal(rows[0].Result, &res))
	assert.Equal(t, "ok", res.Status)
}

func TestActiveDecisionQueuedAtLevelOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.out = &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionExecuteTrades,
		StagedIDs:     []string{"staged-1"},
		Confidence:    0.9,
		Reasoning:     "candidate looks good",
	}

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))

	assert.Empty(t, h.executor.executedIDs, "queued decisions must not reach the broker")
	rows, err := h.decisions.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var res domain.ActionResult
	require.NoError(t, json.Unmarshal(rows[0].Result, &res))
	assert.Equal(t, "queued_for_review", res.Status)
	assert.Contains(t, res.Detail, "level 1")
}

func TestClosingActionAllowedAtLevelTwo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveMem(t, func(m *domain.WorkingMemory) { m.AutonomyLevel = 2 })
	h.engine.out = &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionClosePosition,
		TradeIDs:      []int64{7},
		Confidence:    0.9,
		Reasoning:     "profit target reached",
	}

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))

	require.Equal(t, []int64{7}, h.executor.closed)
	require.Len(t, h.executor.closeReasons, 1)
	assert.Equal(t, domain.ExitTime, h.executor.closeReasons[0])
}

func TestHardBlockSkipsEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveMem(t, func(m *domain.WorkingMemory) {
		m.RaiseAnomaly(domain.AnomalyPositionMismatch, "local 2 vs broker 1", true, h.clock.now)
	})

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventMarketOpen, nil)))

	assert.Zero(t, h.engine.calls, "hard-block anomalies must not spend engine calls")
	rows, err := h.decisions.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ActionMonitorOnly, rows[0].Action)

	var out domain.DecisionOutput
	require.NoError(t, json.Unmarshal(rows[0].Output, &out))
	assert.Contains(t, out.Reasoning, "pre-LLM block: "+domain.AnomalyPositionMismatch)

	var res domain.ActionResult
	require.NoError(t, json.Unmarshal(rows[0].Result, &res))
	assert.Equal(t, "blocked", res.Status)
	assert.Equal(t, domain.AnomalyPositionMismatch, res.Detail)
}

func TestEngineUnavailableDegradesToMonitorOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.err = fmt.Errorf("%w: gateway 502", core.ErrEngineUnavailable)

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))

	rows, err := h.decisions.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ActionMonitorOnly, rows[0].Action)

	mem := h.loadMem(t)
	var codes []string
	for _, a := range mem.ActiveAnomalies() {
		codes = append(codes, a.Code)
	}
	assert.Contains(t, codes, domain.AnomalyReasoningUnavailable)

	// Recovery on the next successful call clears the flag.
	h.engine.err = nil
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))
	assert.Empty(t, h.loadMem(t).ActiveAnomalies())
}

func TestCostCapDegradesWithoutFailingEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.err = fmt.Errorf("%w: spent 10.01 of 10.00 USD", core.ErrCostCapReached)

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventMarketOpen, nil)))

	rows, err := h.decisions.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ActionMonitorOnly, rows[0].Action)
}

func TestOrderFilledBypassesEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := domain.OrderFilledPayload{
		BrokerOrderID: 1001, ExecutionID: "mock-exec-1",
		Symbol: "SPY", FilledQty: 1, AvgFillPrice: "0.52",
	}
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventOrderFilled, p)))

	require.Len(t, h.fillEvents.payloads, 1)
	assert.Equal(t, int64(1001), h.fillEvents.payloads[0].BrokerOrderID)
	assert.Zero(t, h.engine.calls)
}

func TestDisconnectSuspendsAndReconnectReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventBrokerDisconnected, nil)))
	assert.Equal(t, 1, h.fills.suspends)

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventBrokerReconnected, nil)))
	assert.Equal(t, 1, h.fills.resumes)
	assert.Equal(t, 1, h.reconciler.calls)
}

func TestAnomalyEventDemotesAutonomy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveMem(t, func(m *domain.WorkingMemory) { m.AutonomyLevel = 3 })

	p := domain.AnomalyPayload{
		Code: domain.AnomalyAssignmentDetected, Detail: "SPY 436P assigned", HardBlock: false,
	}
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventAnomalyDetected, p)))

	mem := h.loadMem(t)
	assert.Equal(t, 2, mem.AutonomyLevel)
	require.Len(t, mem.ActiveAnomalies(), 1)
	assert.Equal(t, domain.AnomalyAssignmentDetected, mem.ActiveAnomalies()[0].Code)

	// A repeat of the same code is a no-op, not a second demotion.
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventAnomalyDetected, p)))
	assert.Equal(t, 2, h.loadMem(t).AutonomyLevel)
}

func TestEmergencyHaltTripsKillSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.out = &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionEmergencyHalt,
		Confidence:    0.95,
		Reasoning:     "margin breach with unexplained position mismatch",
	}

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventUnderlyingSignifMove, nil)))

	st, err := h.system.Get(ctx)
	require.NoError(t, err)
	assert.True(t, st.TradingHalted)
	assert.Contains(t, st.HaltReason, "margin breach")
	assert.Equal(t, 1, h.fills.suspends)

	// With the kill switch tripped the next event never reaches the engine.
	calls := h.engine.calls
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))
	assert.Equal(t, calls, h.engine.calls)
}

func TestReflectionPromotesAutonomy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reflector.perf = domain.RollingPerformance{
		WindowDays: 30, Trades: 12, Wins: 10, WinRate: 0.83, AvgROI: 0.004, Sharpe: 1.4,
	}
	h.saveMem(t, func(m *domain.WorkingMemory) {
		m.AutonomyLevel = 1
		m.Autonomy.DaysWithoutOverride = 4
	})

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventEndOfDayReflection, nil)))

	assert.Equal(t, 1, h.reflector.calls)
	mem := h.loadMem(t)
	assert.Equal(t, 2, mem.AutonomyLevel, "5 clean days with strong stats promote")
	assert.Equal(t, 0, mem.Autonomy.DaysWithoutOverride, "streak resets on promotion")
}

func TestReflectionWithWeakStatsDoesNotPromote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reflector.perf = domain.RollingPerformance{
		WindowDays: 30, Trades: 12, Wins: 6, WinRate: 0.5, Sharpe: 0.4,
	}
	h.saveMem(t, func(m *domain.WorkingMemory) { m.Autonomy.DaysWithoutOverride = 10 })

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventEndOfDayReflection, nil)))

	mem := h.loadMem(t)
	assert.Equal(t, 1, mem.AutonomyLevel)
	assert.Equal(t, 11, mem.Autonomy.DaysWithoutOverride)
}

func TestWeeklyLearningRunsDetectorThenEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventWeeklyLearning, nil)))

	assert.Equal(t, 1, h.detector.calls)
	assert.Equal(t, 1, h.engine.calls)
}

func TestExperimentProposalStartsExperiment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.out = &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionProposeExperiment,
		Confidence:    0.8,
		Reasoning:     "delta bucket pattern suggests a lower target",
		Experiment: &domain.ExperimentProposal{
			Parameter:    "target_delta",
			ControlValue: 0.065,
			TestValue:    0.050,
		},
	}

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventWeeklyLearning, nil)))

	require.Len(t, h.experiments.started, 1)
	assert.Equal(t, "target_delta", h.experiments.started[0].Parameter)
}

func TestClosedExperimentTradeRecordsOutcomeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveMem(t, func(m *domain.WorkingMemory) { m.AutonomyLevel = 2 })

	entry := h.clock.now.Add(-5 * 24 * time.Hour)
	tr := &domain.Trade{
		ExecutionID:   "exec-exp-1",
		Symbol:        "SPY",
		Right:         domain.RightPut,
		Strike:        decimal.NewFromInt(436),
		Expiration:    entry.AddDate(0, 0, 7),
		Contracts:     1,
		EntryPremium:  decimal.RequireFromString("0.52"),
		EntryTime:     entry,
		Status:        domain.TradeWorking,
		ExperimentID:  "exp-1",
		ExperimentArm: "test",
	}
	require.NoError(t, h.trades.Insert(ctx, tr))
	require.NoError(t, h.trades.MarkOpen(ctx, tr, &domain.EntrySnapshot{TradeID: tr.ID, CapturedAt: entry}))
	tr.ExitPremium = decimal.RequireFromString("0.15")
	tr.ExitTime = h.clock.now
	tr.ExitKind = domain.ExitProfitTarget
	tr.RealizedPnL = decimal.NewFromInt(37)
	require.NoError(t, h.trades.MarkClosed(ctx, tr, &domain.ExitSnapshot{TradeID: tr.ID, CapturedAt: h.clock.now}))

	h.engine.out = &domain.DecisionOutput{
		SchemaVersion: core.ReasoningContextVersion,
		Action:        domain.ActionClosePosition,
		TradeIDs:      []int64{tr.ID},
		Confidence:    0.9,
		Reasoning:     "profit target reached",
	}

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))
	require.Equal(t, []int64{tr.ID}, h.experiments.outcomes)

	// A later fill event for the same trade must not double-book the arm.
	ord := &domain.Order{
		BrokerOrderID: 4242, TradeID: tr.ID, Symbol: "SPY",
		Right: domain.RightPut, Strike: tr.Strike, Expiration: tr.Expiration,
		Side: domain.SideBuy, Quantity: 1, LimitPrice: decimal.RequireFromString("0.15"),
		Type: domain.OrderLimit, TIF: domain.TIFDay, Status: domain.OrderFilled,
		CreatedAt: h.clock.now, UpdatedAt: h.clock.now,
	}
	require.NoError(t, h.orders.Insert(ctx, ord))
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventOrderFilled, domain.OrderFilledPayload{
		BrokerOrderID: 4242, ExecutionID: "exec-exp-2", FilledQty: 1, AvgFillPrice: "0.15",
	})))
	assert.Equal(t, []int64{tr.ID}, h.experiments.outcomes)
}

func TestPreMarketSkippedWhenDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventPreMarketPrep, nil)))
	assert.Zero(t, h.engine.calls)
}

func TestStaleDataAnomalyRaisedAndResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Handle(ctx, event(domain.EventStaleMarketData, nil)))
	mem := h.loadMem(t)
	require.Len(t, mem.ActiveAnomalies(), 1)
	assert.Equal(t, domain.AnomalyStaleMarketData, mem.ActiveAnomalies()[0].Code)

	// Quotes are fresh, so the next reasoned event clears the flag.
	require.NoError(t, h.orch.Handle(ctx, event(domain.EventScheduledCheck, nil)))
	assert.Empty(t, h.loadMem(t).ActiveAnomalies())
}

func TestContextCarriesPositionsAndCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := h.clock.now.Add(-2 * 24 * time.Hour)
	expiry := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)
	tr := &domain.Trade{
		ExecutionID:  "exec-ctx-1",
		Symbol:       "SPY",
		Right:        domain.RightPut,
		Strike:       decimal.NewFromInt(436),
		Expiration:   expiry,
		Contracts:    1,
		EntryPremium: decimal.RequireFromString("0.52"),
		EntryTime:    entry,
		Status:       domain.TradeWorking,
	}
	require.NoError(t, h.trades.Insert(ctx, tr))
	require.NoError(t, h.trades.MarkOpen(ctx, tr, &domain.EntrySnapshot{
		TradeID: tr.ID, CapturedAt: entry, LiveDelta: decimal.RequireFromString("-0.063"),
	}))

	// Mid 0.15 against 0.52 entry is past the 70% profit target.
	h.broker.Quotes[mock.Key(core.OptionContract{
		Symbol: "SPY", Right: domain.RightPut,
		Strike: decimal.NewFromInt(436), Expiration: expiry,
	})] = domain.Quote{
		Bid: decimal.RequireFromString("0.14"), Ask: decimal.RequireFromString("0.16"), TS: h.clock.now,
	}

	require.NoError(t, h.staged.Upsert(ctx, &domain.StagedOpportunity{
		ID: "staged-ctx", Symbol: "SPY",
		OriginalStrike: decimal.NewFromInt(430), Strike: decimal.NewFromInt(430),
		TargetDelta: decimal.RequireFromString("0.065"), TargetDTE: 7,
		Expiration: expiry, LimitPrice: decimal.RequireFromString("0.52"),
		Contracts: 1, Status: domain.StagedNew,
		CreatedAt: h.clock.now, UpdatedAt: h.clock.now,
	}))

	mem, err := h.wm.LoadSession(ctx, testSession)
	require.NoError(t, err)
	rc, err := h.orch.buildContext(ctx, event(domain.EventScheduledCheck, nil), mem)
	require.NoError(t, err)

	require.Len(t, rc.Positions, 1)
	assert.True(t, rc.Positions[0].ProfitTargetHit)
	assert.True(t, rc.Positions[0].Delta.Equal(decimal.RequireFromString("-0.063")))
	require.Len(t, rc.Candidates, 1)
	assert.Equal(t, "staged-ctx", rc.Candidates[0].StagedID)
	assert.Equal(t, "normal", rc.Market.Regime)
	assert.Equal(t, "midday", rc.Market.TimeOfDay)
	assert.True(t, rc.Account.NetLiquidation.Equal(decimal.NewFromInt(100000)))
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.bus.Publish(ctx, domain.EventScheduledCheck, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		depth, derr := h.bus.Depth(context.Background())
		return derr == nil && depth == 0
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, h.engine.calls)
}
