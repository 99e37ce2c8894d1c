// Package ibkr adapts the IBKR Client Portal gateway to the core broker
// interface. REST covers snapshots, chains, what-ifs and order entry; the
// websocket stream pushes order status and fills.
package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/axels2025/TAAD-sub002/internal/config"
	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
	"github.com/axels2025/TAAD-sub002/pkg/httpx"
	"github.com/axels2025/TAAD-sub002/pkg/retry"
	"github.com/axels2025/TAAD-sub002/pkg/telemetry"
)

// Client Portal market data field codes.
const (
	fieldLast         = "31"
	fieldBid          = "84"
	fieldAsk          = "86"
	fieldVolume       = "87"
	fieldDelta        = "7308"
	fieldGamma        = "7309"
	fieldTheta        = "7310"
	fieldVega         = "7311"
	fieldImpliedVol   = "7633"
	fieldOpenInterest = "7638"
)

// Client implements core.IBroker against the Client Portal gateway.
type Client struct {
	http      *httpx.Client
	cfg       config.BrokerConfig
	limiter   *rate.Limiter
	cache     *quoteCache
	stream    *stream
	logger    core.ILogger
	clock     core.IClock

	mu          sync.RWMutex
	subscribers []func(core.BrokerEvent)
	connected   bool
	conIDs      map[string]int64 // contract key -> conid
}

// New creates the gateway client and starts the order-status stream.
func New(cfg config.BrokerConfig, clock core.IClock, logger core.ILogger) *Client {
	baseURL := fmt.Sprintf("https://%s:%d/v1/api", cfg.Host, cfg.Port)
	c := &Client{
		http:    httpx.NewClient(baseURL, cfg.OrderTimeout(), nil),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		cache:   newQuoteCache(),
		logger:  logger.WithField("component", "ibkr_client"),
		clock:   clock,
		conIDs:  make(map[string]int64),
	}
	c.stream = newStream(fmt.Sprintf("wss://%s:%d/v1/api/ws", cfg.Host, cfg.Port), c, logger)
	return c
}

// Start runs the websocket stream until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.stream.Start()
	<-ctx.Done()
	c.stream.Stop()
	return nil
}

// Connected reports gateway stream health.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe registers a broker event callback.
func (c *Client) Subscribe(fn func(core.BrokerEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Client) emit(e core.BrokerEvent) {
	c.mu.RLock()
	subs := make([]func(core.BrokerEvent), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	changed := c.connected != up
	c.connected = up
	c.mu.Unlock()

	if !changed {
		return
	}
	typ := domain.EventBrokerReconnected
	if !up {
		typ = domain.EventBrokerDisconnected
		c.cache.invalidate()
	}
	c.emit(core.BrokerEvent{Type: typ, Time: c.clock.Now()})
}

func (c *Client) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRateLimited, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	start := time.Now()
	body, err := c.http.Get(ctx, path, params)
	if m := telemetry.GetGlobalMetrics(); m.BrokerLatency != nil {
		m.BrokerLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	start := time.Now()
	body, err := c.http.Post(ctx, path, payload)
	if m := telemetry.GetGlobalMetrics(); m.BrokerLatency != nil {
		m.BrokerLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// mapError folds gateway transport errors into the core sentinels.
func mapError(err error) error {
	var apiErr *httpx.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", core.ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("%w: %v", core.ErrBrokerRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
}

// transientBrokerErr reports whether a mapped gateway error is worth a
// short retry. Rejections are final.
func transientBrokerErr(err error) bool {
	return errors.Is(err, core.ErrRateLimited) || errors.Is(err, core.ErrBrokerUnavailable)
}

// GetAccountSummary fetches the margin and liquidity snapshot.
func (c *Client) GetAccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QuoteTimeout())
	defer cancel()

	var resp struct {
		NetLiquidation  summaryValue `json:"netliquidation"`
		AvailableFunds  summaryValue `json:"availablefunds"`
		ExcessLiquidity summaryValue `json:"excessliquidity"`
		InitMarginReq   summaryValue `json:"initmarginreq"`
		MaintMarginReq  summaryValue `json:"maintmarginreq"`
	}
	path := fmt.Sprintf("/iserver/account/%s/summary", c.cfg.AccountID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return domain.AccountSummary{}, err
	}

	return domain.AccountSummary{
		NetLiquidation:  resp.NetLiquidation.decimal(),
		AvailableFunds:  resp.AvailableFunds.decimal(),
		ExcessLiquidity: resp.ExcessLiquidity.decimal(),
		InitMargin:      resp.InitMarginReq.decimal(),
		MaintMargin:     resp.MaintMarginReq.decimal(),
	}, nil
}

type summaryValue struct {
	Amount float64 `json:"amount"`
}

func (v summaryValue) decimal() decimal.Decimal { return decimal.NewFromFloat(v.Amount) }

// snapshot pulls field-coded market data for the given conids.
func (c *Client) snapshot(ctx context.Context, conIDs []int64, fields []string) (map[int64]map[string]string, error) {
	ids := make([]string, len(conIDs))
	for i, id := range conIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	// The gateway sheds load with 429/503 while warming subscriptions;
	// a brief backoff usually clears it.
	var raw []map[string]json.RawMessage
	err := retry.Do(ctx, retry.Brief, transientBrokerErr, func() error {
		raw = raw[:0]
		return c.get(ctx, "/iserver/marketdata/snapshot", map[string]string{
			"conids": strings.Join(ids, ","),
			"fields": strings.Join(fields, ","),
		}, &raw)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]map[string]string, len(raw))
	for _, row := range raw {
		var conID int64
		if v, ok := row["conid"]; ok {
			_ = json.Unmarshal(v, &conID)
		}
		if conID == 0 {
			continue
		}
		vals := make(map[string]string)
		for k, v := range row {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				vals[k] = s
				continue
			}
			var f float64
			if err := json.Unmarshal(v, &f); err == nil {
				vals[k] = strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
		out[conID] = vals
	}
	return out, nil
}

// GetQuote returns a cached or fresh top-of-book quote for one contract.
func (c *Client) GetQuote(ctx context.Context, contract core.OptionContract) (domain.Quote, error) {
	key := contractKey(contract)
	if q, ok := c.cache.get(key, c.clock.Now()); ok {
		return q, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.QuoteTimeout())
	defer cancel()

	if contract.ConID == 0 {
		qualified, err := c.QualifyContracts(ctx, []core.OptionContract{contract})
		if err != nil {
			return domain.Quote{}, err
		}
		contract = qualified[0]
	}

	rows, err := c.snapshot(ctx, []int64{contract.ConID}, []string{fieldBid, fieldAsk, fieldLast})
	if err != nil {
		return domain.Quote{}, err
	}
	vals, ok := rows[contract.ConID]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no snapshot for conid %d", core.ErrStaleData, contract.ConID)
	}

	q := domain.Quote{
		Bid:  parseDecimal(vals[fieldBid]),
		Ask:  parseDecimal(vals[fieldAsk]),
		Last: parseDecimal(vals[fieldLast]),
		TS:   c.clock.Now(),
	}
	c.cache.put(key, q)
	return q, nil
}

// GetStockQuote returns the underlying's top of book.
func (c *Client) GetStockQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if q, ok := c.cache.get("stk:"+symbol, c.clock.Now()); ok {
		return q, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.QuoteTimeout())
	defer cancel()

	conID, err := c.stockConID(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}

	rows, err := c.snapshot(ctx, []int64{conID}, []string{fieldBid, fieldAsk, fieldLast})
	if err != nil {
		return domain.Quote{}, err
	}
	vals, ok := rows[conID]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no snapshot for %s", core.ErrStaleData, symbol)
	}

	q := domain.Quote{
		Bid:  parseDecimal(vals[fieldBid]),
		Ask:  parseDecimal(vals[fieldAsk]),
		Last: parseDecimal(vals[fieldLast]),
		TS:   c.clock.Now(),
	}
	c.cache.put("stk:"+symbol, q)
	return q, nil
}

func (c *Client) stockConID(ctx context.Context, symbol string) (int64, error) {
	c.mu.RLock()
	id, ok := c.conIDs["stk:"+symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	var resp []struct {
		ConID   int64  `json:"conid"`
		Symbol  string `json:"symbol"`
		SecType string `json:"secType"`
	}
	err := c.get(ctx, "/iserver/secdef/search", map[string]string{
		"symbol": symbol, "secType": "STK",
	}, &resp)
	if err != nil {
		return 0, err
	}
	for _, r := range resp {
		if r.Symbol == symbol && (r.SecType == "STK" || r.SecType == "") {
			c.mu.Lock()
			c.conIDs["stk:"+symbol] = r.ConID
			c.mu.Unlock()
			return r.ConID, nil
		}
	}
	return 0, fmt.Errorf("%w: no conid for %s", core.ErrBrokerRejected, symbol)
}

// GetOptionChain lists the listed strikes for one expiration.
func (c *Client) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChainTimeout())
	defer cancel()

	conID, err := c.stockConID(ctx, underlying)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Put []float64 `json:"put"`
	}
	err = c.get(ctx, "/iserver/secdef/strikes", map[string]string{
		"conid":   strconv.FormatInt(conID, 10),
		"secType": "OPT",
		"month":   monthToken(expiration),
		"exchange": "SMART",
	}, &resp)
	if err != nil {
		return nil, err
	}

	strikes := make([]decimal.Decimal, 0, len(resp.Put))
	for _, s := range resp.Put {
		strikes = append(strikes, decimal.NewFromFloat(s))
	}
	return strikes, nil
}

// QualifyContracts resolves conids for option contracts.
func (c *Client) QualifyContracts(ctx context.Context, contracts []core.OptionContract) ([]core.OptionContract, error) {
	out := make([]core.OptionContract, len(contracts))
	for i, ct := range contracts {
		out[i] = ct
		if ct.ConID != 0 {
			continue
		}

		key := contractKey(ct)
		c.mu.RLock()
		id, ok := c.conIDs[key]
		c.mu.RUnlock()
		if ok {
			out[i].ConID = id
			continue
		}

		underConID, err := c.stockConID(ctx, ct.Symbol)
		if err != nil {
			return nil, err
		}

		var resp []struct {
			ConID  int64   `json:"conid"`
			Strike float64 `json:"strike"`
			Right  string  `json:"right"`
		}
		err = c.get(ctx, "/iserver/secdef/info", map[string]string{
			"conid":   strconv.FormatInt(underConID, 10),
			"secType": "OPT",
			"month":   monthToken(ct.Expiration),
			"strike":  ct.Strike.String(),
			"right":   string(ct.Right),
		}, &resp)
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, fmt.Errorf("%w: cannot qualify %s %s %s", core.ErrBrokerRejected,
				ct.Symbol, ct.Strike, ct.Expiration.Format("2006-01-02"))
		}

		out[i].ConID = resp[0].ConID
		c.mu.Lock()
		c.conIDs[key] = resp[0].ConID
		c.mu.Unlock()
	}
	return out, nil
}

// GetGreeksBatch snapshots Greeks and quotes for a contract batch.
func (c *Client) GetGreeksBatch(ctx context.Context, contracts []core.OptionContract) (map[int64]domain.Greeks, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChainTimeout())
	defer cancel()

	qualified, err := c.QualifyContracts(ctx, contracts)
	if err != nil {
		return nil, err
	}

	conIDs := make([]int64, len(qualified))
	for i, ct := range qualified {
		conIDs[i] = ct.ConID
	}

	rows, err := c.snapshot(ctx, conIDs, []string{
		fieldBid, fieldAsk, fieldVolume,
		fieldDelta, fieldGamma, fieldTheta, fieldVega,
		fieldImpliedVol, fieldOpenInterest,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]domain.Greeks, len(rows))
	for conID, vals := range rows {
		delta, hasDelta := vals[fieldDelta]
		g := domain.Greeks{
			Bid:          parseDecimal(vals[fieldBid]),
			Ask:          parseDecimal(vals[fieldAsk]),
			Gamma:        parseDecimal(vals[fieldGamma]),
			Theta:        parseDecimal(vals[fieldTheta]),
			Vega:         parseDecimal(vals[fieldVega]),
			IV:           parseDecimal(vals[fieldImpliedVol]),
			Volume:       parseInt(vals[fieldVolume]),
			OpenInterest: parseInt(vals[fieldOpenInterest]),
		}
		if hasDelta && delta != "" {
			g.Delta = parseDecimal(delta)
			g.HasDelta = true
		}
		out[conID] = g
	}
	return out, nil
}

// CancelMarketData unsubscribes snapshot streams for the given conids.
func (c *Client) CancelMarketData(ctx context.Context, conIDs []int64) {
	for _, id := range conIDs {
		path := fmt.Sprintf("/iserver/marketdata/%d/unsubscribe", id)
		if err := c.get(ctx, path, nil, nil); err != nil {
			c.logger.Debug("Market data unsubscribe failed", "conid", id, "error", err)
		}
	}
}

// monthToken renders the gateway's expiration month parameter (MAR26).
func monthToken(t time.Time) string {
	return strings.ToUpper(t.Format("Jan06"))
}

func contractKey(ct core.OptionContract) string {
	return fmt.Sprintf("opt:%s:%s:%s:%s", ct.Symbol, ct.Right, ct.Strike.String(),
		ct.Expiration.Format("2006-01-02"))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
