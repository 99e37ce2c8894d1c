package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectorRequest(h *harness, original decimal.Decimal) SelectionRequest {
	return SelectionRequest{
		Symbol:           "SPY",
		Expiration:       h.expiry,
		OriginalStrike:   original,
		TargetDelta:      decimal.NewFromFloat(0.065),
		Tolerance:        decimal.NewFromFloat(0.02),
		StagedUnderlying: decimal.NewFromInt(450),
	}
}

func TestSelectUnchangedWhenStagedStrikeStillBest(t *testing.T) {
	h := newHarness(t)
	sel := h.exec.d.Selector.Select(context.Background(), selectorRequest(h, decimal.NewFromInt(436)))

	assert.Equal(t, OutcomeUnchanged, sel.Outcome)
	assert.True(t, sel.Contract.Strike.Equal(decimal.NewFromInt(436)))
	assert.False(t, sel.StaleData)
}

func TestSelectFallsBackToStagedPriceWhenQuoteStale(t *testing.T) {
	h := newHarness(t)
	q := h.broker.Quotes["SPY"]
	q.TS = h.clock.now.Add(-10 * time.Minute)
	h.broker.Quotes["SPY"] = q

	sel := h.exec.d.Selector.Select(context.Background(), selectorRequest(h, decimal.Zero))

	require.Equal(t, OutcomeSelected, sel.Outcome)
	assert.True(t, sel.StaleData, "stale quote must be flagged")
	assert.True(t, sel.Underlying.Equal(decimal.NewFromInt(450)))
}

func TestSelectAbandonsWithoutAnyPrice(t *testing.T) {
	h := newHarness(t)
	delete(h.broker.Quotes, "SPY")

	req := selectorRequest(h, decimal.Zero)
	req.StagedUnderlying = decimal.Zero
	sel := h.exec.d.Selector.Select(context.Background(), req)

	assert.Equal(t, OutcomeAbandoned, sel.Outcome)
	assert.True(t, sel.StaleData)
	assert.Contains(t, sel.Reason, "no underlying price")
}

func TestSelectAbandonsWhenDeltaOutOfTolerance(t *testing.T) {
	h := newHarness(t)
	// Push every delta far from the 0.065 target.
	for k, g := range h.broker.Greeks {
		g.Delta = decimal.RequireFromString("-0.30")
		h.broker.Greeks[k] = g
	}

	sel := h.exec.d.Selector.Select(context.Background(), selectorRequest(h, decimal.Zero))
	assert.Equal(t, OutcomeAbandoned, sel.Outcome)
}

func TestSelectReleasesMarketDataOnAbandon(t *testing.T) {
	h := newHarness(t)
	for k, g := range h.broker.Greeks {
		g.Volume = 0
		h.broker.Greeks[k] = g
	}

	sel := h.exec.d.Selector.Select(context.Background(), selectorRequest(h, decimal.Zero))
	require.Equal(t, OutcomeAbandoned, sel.Outcome)
	assert.NotEmpty(t, h.broker.CancelledConIDs)
}

func TestNextExpiryLandsOnFriday(t *testing.T) {
	from := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC) // Wednesday
	exp := nextExpiry(from, 7)
	assert.Equal(t, time.Friday, exp.Weekday())
	assert.Equal(t, time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC), exp)

	// A Friday start with dte landing on Friday stays put.
	exp = nextExpiry(time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), 7)
	assert.Equal(t, time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC), exp)
}
