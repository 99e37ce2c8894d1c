package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/httpx"
	"github.com/axels2025/TAAD-sub002/pkg/logging"
)

// newGatewayClient points the REST client at a stub gateway.
func newGatewayClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		http: httpx.NewClient(srv.URL, 2*time.Second, nil),
		cfg: config.BrokerConfig{
			QuoteTimeoutSeconds: 2, ChainTimeoutSeconds: 2,
			WhatIfTimeoutSeconds: 2, OrderTimeoutSeconds: 2,
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		cache:   newQuoteCache(),
		clock:   core.SystemClock{},
		logger:  logging.Nop{},
		conIDs:  map[string]int64{},
	}
}

func stubSearch(w http.ResponseWriter) {
	fmt.Fprint(w, `[{"conid": 756733, "symbol": "SPY", "secType": "STK"}]`)
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(&httpx.APIError{StatusCode: 429}), core.ErrRateLimited)
	assert.ErrorIs(t, mapError(&httpx.APIError{StatusCode: 503}), core.ErrBrokerUnavailable)
	assert.ErrorIs(t, mapError(&httpx.APIError{StatusCode: 400}), core.ErrBrokerRejected)
	assert.ErrorIs(t, mapError(assert.AnError), core.ErrBrokerUnavailable)
}

func TestQuoteCacheExpiry(t *testing.T) {
	c := newQuoteCache()
	now := time.Now()
	q := domain.Quote{Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(2), TS: now}
	c.put("k", q)

	got, ok := c.get("k", now.Add(time.Second))
	require.True(t, ok)
	assert.True(t, got.Bid.Equal(decimal.NewFromInt(1)))

	_, ok = c.get("k", now.Add(3*time.Second))
	assert.False(t, ok)

	c.invalidate()
	_, ok = c.get("k", now)
	assert.False(t, ok)
}

func TestParseHelpers(t *testing.T) {
	assert.True(t, parseDecimal("1.25").Equal(decimal.RequireFromString("1.25")))
	assert.True(t, parseDecimal("").IsZero())
	assert.True(t, parseDecimal("garbage").IsZero())
	assert.Equal(t, int64(150), parseInt("150.0"))
	assert.Equal(t, int64(0), parseInt(""))
}

func TestOptionChainRequestCarriesExpirationMonth(t *testing.T) {
	var months []string
	c := newGatewayClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iserver/secdef/search":
			stubSearch(w)
		case "/iserver/secdef/strikes":
			months = append(months, r.URL.Query().Get("month"))
			fmt.Fprint(w, `{"put": [430, 436]}`)
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	for _, expiry := range []time.Time{
		time.Date(2026, time.March, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.September, 18, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.December, 18, 0, 0, 0, 0, time.UTC),
	} {
		strikes, err := c.GetOptionChain(ctx, "SPY", expiry)
		require.NoError(t, err)
		require.Len(t, strikes, 2)
	}
	assert.Equal(t, []string{"MAR26", "SEP26", "DEC26"}, months)
}

func TestQualifyContractsRequestCarriesExpirationMonth(t *testing.T) {
	var month string
	c := newGatewayClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iserver/secdef/search":
			stubSearch(w)
		case "/iserver/secdef/info":
			month = r.URL.Query().Get("month")
			fmt.Fprint(w, `[{"conid": 42, "strike": 436, "right": "P"}]`)
		default:
			http.NotFound(w, r)
		}
	})

	out, err := c.QualifyContracts(context.Background(), []core.OptionContract{{
		Symbol:     "SPY",
		Right:      domain.RightPut,
		Strike:     decimal.NewFromInt(436),
		Expiration: time.Date(2026, time.September, 18, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(42), out[0].ConID)
	assert.Equal(t, "SEP26", month)
}

func TestMonthTokenCoversWholeYear(t *testing.T) {
	cases := map[time.Month]string{
		time.January:   "JAN26",
		time.March:     "MAR26",
		time.June:      "JUN26",
		time.September: "SEP26",
		time.December:  "DEC26",
	}
	for month, want := range cases {
		d := time.Date(2026, month, 20, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, want, monthToken(d))
	}
	assert.Equal(t, "FEB27", monthToken(time.Date(2027, 2, 19, 0, 0, 0, 0, time.UTC)))
}

func TestContractKey(t *testing.T) {
	ct := core.OptionContract{
		Symbol:     "SPY",
		Right:      domain.RightPut,
		Strike:     decimal.NewFromInt(450),
		Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "opt:SPY:P:450:2026-09-04", contractKey(ct))
}
