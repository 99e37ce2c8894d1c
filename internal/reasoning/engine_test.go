package reasoning

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/internal/store"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakePoster struct {
	responses [][]byte
	errs      []error
	calls     int
}

func (p *fakePoster) Post(_ context.Context, _ string, _ interface{}) ([]byte, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, assert.AnError
	}
	return p.responses[i], nil
}

// wrap builds a generateContent response whose single candidate carries the
// given decision text.
func wrap(t *testing.T, decisionJSON string, inTokens, outTokens int) []byte {
	t.Helper()
	resp := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{
				"parts": []map[string]string{{"text": decisionJSON}},
			}},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
		},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	return b
}

func testConfig() config.ReasoningConfig {
	return config.ReasoningConfig{
		Model:              "gemini-2.0-flash",
		MaxTokens:          2048,
		MinConfidence:      0.6,
		DailyCostCapUSD:    10,
		CostPer1KInput:     0.001,
		CostPer1KOutput:    0.002,
		GroundingTolerance: 0.02,
	}
}

func newTestEngine(t *testing.T, p *fakePoster) (*Engine, *store.SystemRepo) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	system := store.NewSystemRepo(s)
	clock := &fakeClock{now: time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)}
	return newEngine(testConfig(), p, system, clock, logging.Nop{}), system
}

func testContext() *core.ReasoningContext {
	return &core.ReasoningContext{
		SchemaVersion: core.ReasoningContextVersion,
		SessionID:     "s1",
		EventType:     domain.EventScheduledCheck,
		Market:        core.MarketContext{VIX: decimal.RequireFromString("18.5"), Regime: "calm"},
		Params:        domain.StrategyParams{TargetDelta: 0.065, TargetDTE: 7, ProfitTarget: 0.70},
		AutonomyLevel: 1,
	}
}

func TestDecideHappyPath(t *testing.T) {
	p := &fakePoster{responses: [][]byte{wrap(t,
		`{"schema_version":1,"action":"MONITOR_ONLY","confidence":0.9,
		  "reasoning":"vix 18.5 and calm regime, nothing to manage","risks":[]}`,
		1000, 500)}}
	e, _ := newTestEngine(t, p)

	out, cost, err := e.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionMonitorOnly, out.Action)
	assert.Equal(t, 1, p.calls)
	// 1000 in at 0.001/1k + 500 out at 0.002/1k
	assert.InDelta(t, 0.002, cost.InexactFloat64(), 1e-9)
}

func TestDecideRepairsInvalidAction(t *testing.T) {
	p := &fakePoster{responses: [][]byte{
		wrap(t, `{"schema_version":1,"action":"YOLO","confidence":0.9,"reasoning":"x"}`, 100, 50),
		wrap(t, `{"schema_version":1,"action":"MONITOR_ONLY","confidence":0.9,
		          "reasoning":"vix 18.5, staying flat","risks":[]}`, 100, 50),
	}}
	e, _ := newTestEngine(t, p)

	out, _, err := e.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionMonitorOnly, out.Action)
	assert.Equal(t, 2, p.calls)
}

func TestDecideFallsBackAfterFailedRepair(t *testing.T) {
	bad := wrap(t, `{"schema_version":1,"action":"CLOSE_POSITION","confidence":0.9,"reasoning":"close it"}`, 100, 50)
	p := &fakePoster{responses: [][]byte{bad, bad}}
	e, _ := newTestEngine(t, p)

	out, _, err := e.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionMonitorOnly, out.Action)
	assert.Contains(t, out.Reasoning, "failed validation")
	assert.Equal(t, 2, p.calls)
}

func TestDecideRejectsUngroundedFigures(t *testing.T) {
	p := &fakePoster{responses: [][]byte{
		wrap(t, `{"schema_version":1,"action":"MONITOR_ONLY","confidence":0.9,
		          "reasoning":"premium is 0.47 which looks rich"}`, 100, 50),
		wrap(t, `{"schema_version":1,"action":"MONITOR_ONLY","confidence":0.9,
		          "reasoning":"vix 18.5, no action"}`, 100, 50),
	}}
	e, _ := newTestEngine(t, p)

	out, _, err := e.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Contains(t, out.Reasoning, "18.5")
}

func TestDecideDowngradesLowConfidence(t *testing.T) {
	p := &fakePoster{responses: [][]byte{wrap(t,
		`{"schema_version":1,"action":"EXECUTE_TRADES","staged_ids":["a"],"confidence":0.3,
		  "reasoning":"vix 18.5 fine","risks":[]}`, 100, 50)}}
	e, _ := newTestEngine(t, p)

	out, _, err := e.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionMonitorOnly, out.Action)
	assert.Contains(t, out.Reasoning, "downgraded from EXECUTE_TRADES")
}

func TestDecideEnforcesCostCap(t *testing.T) {
	p := &fakePoster{}
	e, system := newTestEngine(t, p)

	_, err := system.AddCost(context.Background(), "2026-08-26", 10.50)
	require.NoError(t, err)

	_, _, err = e.Decide(context.Background(), testContext())
	assert.ErrorIs(t, err, core.ErrCostCapReached)
	assert.Equal(t, 0, p.calls)
}

func TestDecideEngineUnavailable(t *testing.T) {
	p := &fakePoster{errs: []error{assert.AnError}}
	e, _ := newTestEngine(t, p)

	_, _, err := e.Decide(context.Background(), testContext())
	assert.ErrorIs(t, err, core.ErrEngineUnavailable)
}

func TestSummarizeMentionsPositionsAndAnomalies(t *testing.T) {
	rc := testContext()
	rc.Positions = []core.PositionView{{
		Symbol: "SPY", Strike: decimal.NewFromInt(450), DTE: 4, ProfitTargetHit: true,
	}}
	rc.Anomalies = []domain.Anomaly{{Code: domain.AnomalyStaleMarketData}}

	s := Summarize(rc)
	assert.Contains(t, s, "SPY 450P 4dte profit-target-hit")
	assert.Contains(t, s, "anomaly stale_market_data")
	assert.Contains(t, s, "vix 18.5")
}
