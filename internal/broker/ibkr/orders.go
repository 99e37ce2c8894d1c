package ibkr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// orderPayload is the Client Portal order body.
type orderPayload struct {
	AcctID     string  `json:"acctId"`
	ConID      int64   `json:"conid"`
	OrderType  string  `json:"orderType"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	TIF        string  `json:"tif"`
	ParentID   string  `json:"parentId,omitempty"`
	IsSingleGroup bool `json:"isSingleGroup,omitempty"`
}

func (c *Client) buildPayload(req core.OrderRequest) orderPayload {
	p := orderPayload{
		AcctID:    c.cfg.AccountID,
		ConID:     req.Contract.ConID,
		OrderType: string(req.Type),
		Side:      string(req.Side),
		Quantity:  req.Quantity,
		TIF:       string(req.TIF),
	}
	if !req.LimitPrice.IsZero() {
		p.Price, _ = req.LimitPrice.Float64()
	}
	if req.ParentOrderID != 0 {
		p.ParentID = strconv.FormatInt(req.ParentOrderID, 10)
		p.IsSingleGroup = true
	}
	return p
}

// WhatIfOrder runs the broker-side margin dry run.
func (c *Client) WhatIfOrder(ctx context.Context, req core.OrderRequest) (domain.WhatIfResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WhatIfTimeout())
	defer cancel()

	var resp struct {
		Amount struct {
			Commission string `json:"commission"`
		} `json:"amount"`
		Equity  whatIfRow `json:"equity"`
		Initial whatIfRow `json:"initial"`
		Maint   whatIfRow `json:"maintenance"`
	}

	path := fmt.Sprintf("/iserver/account/%s/orders/whatif", c.cfg.AccountID)
	body := map[string]interface{}{"orders": []orderPayload{c.buildPayload(req)}}
	if err := c.post(ctx, path, body, &resp); err != nil {
		return domain.WhatIfResult{}, err
	}

	return domain.WhatIfResult{
		InitMarginAfter:  resp.Initial.after(),
		MaintMarginAfter: resp.Maint.after(),
		EquityAfter:      resp.Equity.after(),
		CommissionEst:    parseDecimal(resp.Amount.Commission),
	}, nil
}

type whatIfRow struct {
	After string `json:"after"`
}

func (w whatIfRow) after() decimal.Decimal { return parseDecimal(w.After) }

// PlaceOrder submits one order and returns the broker reference. Bracket
// children carry ParentOrderID and are held until the parent is accepted.
func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	var resp []struct {
		OrderID     string `json:"order_id"`
		OrderStatus string `json:"order_status"`
		Text        string `json:"text"`
	}

	path := fmt.Sprintf("/iserver/account/%s/orders", c.cfg.AccountID)
	body := map[string]interface{}{"orders": []orderPayload{c.buildPayload(req)}}
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty order response", core.ErrBrokerRejected)
	}

	brokerID, err := strconv.ParseInt(resp[0].OrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable order id %q", core.ErrBrokerRejected, resp[0].OrderID)
	}

	status := domain.OrderStatus(resp[0].OrderStatus)
	if status == "" {
		status = domain.OrderPendingSubmit
	}

	return &domain.Order{
		BrokerOrderID: brokerID,
		ParentOrderID: req.ParentOrderID,
		Symbol:        req.Contract.Symbol,
		Right:         req.Contract.Right,
		Strike:        req.Contract.Strike,
		Expiration:    req.Contract.Expiration,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Type:          req.Type,
		TIF:           req.TIF,
		Status:        status,
		LastBrokerMsg: resp[0].Text,
		CreatedAt:     c.clock.Now(),
		UpdatedAt:     c.clock.Now(),
	}, nil
}

// ModifyOrder reprices a working limit order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID int64, newLimit decimal.Decimal) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	var resp []struct {
		OrderID     string `json:"order_id"`
		OrderStatus string `json:"order_status"`
	}

	price, _ := newLimit.Float64()
	path := fmt.Sprintf("/iserver/account/%s/order/%d", c.cfg.AccountID, brokerOrderID)
	if err := c.post(ctx, path, map[string]interface{}{"price": price}, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty modify response", core.ErrBrokerRejected)
	}

	return &domain.Order{
		BrokerOrderID: brokerOrderID,
		LimitPrice:    newLimit,
		Status:        domain.OrderStatus(resp[0].OrderStatus),
		UpdatedAt:     c.clock.Now(),
	}, nil
}

// CancelOrder asks the gateway to cancel a working order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID int64) (domain.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	path := fmt.Sprintf("/iserver/account/%s/order/%d", c.cfg.AccountID, brokerOrderID)
	if err := c.delete(ctx, path); err != nil {
		return "", err
	}
	// Cancellation is acknowledged asynchronously; the stream delivers the
	// terminal status.
	return domain.OrderCancelled, nil
}

func (c *Client) delete(ctx context.Context, path string) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	_, err := c.http.Delete(ctx, path, nil)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// ListOpenOrders returns all live orders on the account.
func (c *Client) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	var resp struct {
		Orders []struct {
			OrderID      int64   `json:"orderId"`
			ParentID     int64   `json:"parentId"`
			Ticker       string  `json:"ticker"`
			Side         string  `json:"side"`
			Status       string  `json:"status"`
			TotalSize    float64 `json:"totalSize"`
			FilledQty    float64 `json:"filledQuantity"`
			AvgPrice     string  `json:"avgPrice"`
			Price        string  `json:"price"`
			OrderType    string  `json:"origOrderType"`
			TIF          string  `json:"timeInForce"`
		} `json:"orders"`
	}
	if err := c.get(ctx, "/iserver/account/orders", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*domain.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, &domain.Order{
			BrokerOrderID: o.OrderID,
			ParentOrderID: o.ParentID,
			Symbol:        o.Ticker,
			Side:          domain.OrderSide(o.Side),
			Status:        domain.OrderStatus(o.Status),
			Quantity:      int(o.TotalSize),
			FilledQty:     int(o.FilledQty),
			AvgFillPrice:  parseDecimal(o.AvgPrice),
			LimitPrice:    parseDecimal(o.Price),
			Type:          domain.OrderType(o.OrderType),
			TIF:           domain.TimeInForce(o.TIF),
		})
	}
	return out, nil
}

// ListExecutions returns executions since the cutoff.
func (c *Client) ListExecutions(ctx context.Context, since time.Time) ([]domain.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	var resp []struct {
		ExecutionID string  `json:"execution_id"`
		OrderID     int64   `json:"order_ref"`
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		Size        float64 `json:"size"`
		Price       string  `json:"price"`
		Commission  string  `json:"commission"`
		TradeTime   int64   `json:"trade_time_r"`
	}
	if err := c.get(ctx, "/iserver/account/trades", nil, &resp); err != nil {
		return nil, err
	}

	var out []domain.Execution
	for _, e := range resp {
		ts := time.UnixMilli(e.TradeTime)
		if ts.Before(since) {
			continue
		}
		out = append(out, domain.Execution{
			ExecutionID:   e.ExecutionID,
			BrokerOrderID: e.OrderID,
			Symbol:        e.Symbol,
			Side:          domain.OrderSide(e.Side),
			Quantity:      int(e.Size),
			Price:         parseDecimal(e.Price),
			Commission:    parseDecimal(e.Commission),
			Time:          ts,
		})
	}
	return out, nil
}

// ListPositions returns the account's option positions.
func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := c.rawPositions(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.Position
	for _, p := range rows {
		if p.AssetClass != "OPT" {
			continue
		}
		exp, _ := time.Parse("20060102", p.Expiry)
		out = append(out, domain.Position{
			Symbol:     p.Ticker,
			Right:      domain.OptionRight(p.PutOrCall),
			Strike:     decimal.NewFromFloat(p.Strike),
			Expiration: exp,
			Contracts:  int(p.Position),
			AvgPrice:   decimal.NewFromFloat(p.AvgCost),
		})
	}
	return out, nil
}

// ListStockPositions returns underlying share positions; the reconciler
// uses these for assignment detection.
func (c *Client) ListStockPositions(ctx context.Context) ([]domain.StockPosition, error) {
	rows, err := c.rawPositions(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.StockPosition
	for _, p := range rows {
		if p.AssetClass != "STK" || p.Position == 0 {
			continue
		}
		out = append(out, domain.StockPosition{
			Symbol:   p.Ticker,
			Shares:   int64(p.Position),
			AvgPrice: decimal.NewFromFloat(p.AvgCost),
		})
	}
	return out, nil
}

type positionRow struct {
	Ticker     string  `json:"ticker"`
	AssetClass string  `json:"assetClass"`
	Position   float64 `json:"position"`
	AvgCost    float64 `json:"avgCost"`
	Strike     float64 `json:"strike,string"`
	Expiry     string  `json:"expiry"`
	PutOrCall  string  `json:"putOrCall"`
}

func (c *Client) rawPositions(ctx context.Context) ([]positionRow, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout())
	defer cancel()

	var resp []positionRow
	path := fmt.Sprintf("/portfolio/%s/positions/0", c.cfg.AccountID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
