// Package mock provides an in-process broker with scripted fill behavior
// for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// FillMode scripts how the mock responds to orders.
type FillMode int

const (
	// FillImmediate fills the full quantity at the limit price on placement.
	FillImmediate FillMode = iota
	// FillPartial fills half the quantity, leaving the rest working.
	FillPartial
	// FillNone leaves orders working until cancelled.
	FillNone
	// FillReject rejects every order.
	FillReject
)

// Broker is a deterministic in-memory core.IBroker.
type Broker struct {
	mu sync.Mutex

	Mode      FillMode
	Account   domain.AccountSummary
	WhatIf    domain.WhatIfResult
	Quotes    map[string]domain.Quote        // symbol or contract key -> quote
	Greeks    map[string]domain.Greeks       // contract key -> greeks
	Chains    map[string][]decimal.Decimal   // symbol -> strikes
	Stocks    []domain.StockPosition
	Positions []domain.Position
	Execs     []domain.Execution

	orders      map[int64]*domain.Order
	nextOrderID int64
	nextExecSeq int
	subscribers []func(core.BrokerEvent)
	connected   bool
	clock       core.IClock

	// Cancelled market data subscriptions, for selector leak assertions.
	CancelledConIDs []int64
	PlacedRequests  []core.OrderRequest
}

// NewBroker creates a connected mock with sane account defaults.
func NewBroker(clock core.IClock) *Broker {
	return &Broker{
		Mode: FillImmediate,
		Account: domain.AccountSummary{
			NetLiquidation:  decimal.NewFromInt(100000),
			AvailableFunds:  decimal.NewFromInt(80000),
			ExcessLiquidity: decimal.NewFromInt(60000),
			InitMargin:      decimal.NewFromInt(10000),
			MaintMargin:     decimal.NewFromInt(8000),
		},
		WhatIf: domain.WhatIfResult{
			InitMarginAfter:  decimal.NewFromInt(14000),
			MaintMarginAfter: decimal.NewFromInt(11000),
			EquityAfter:      decimal.NewFromInt(100000),
			CommissionEst:    decimal.RequireFromString("1.30"),
		},
		Quotes:      make(map[string]domain.Quote),
		Greeks:      make(map[string]domain.Greeks),
		Chains:      make(map[string][]decimal.Decimal),
		orders:      make(map[int64]*domain.Order),
		nextOrderID: 1000,
		connected:   true,
		clock:       clock,
	}
}

// Key builds the lookup key used by Quotes and Greeks maps.
func Key(c core.OptionContract) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.Symbol, c.Right, c.Strike.String(),
		c.Expiration.Format("2006-01-02"))
}

// SetConnected flips connectivity and notifies subscribers.
func (b *Broker) SetConnected(up bool) {
	b.mu.Lock()
	changed := b.connected != up
	b.connected = up
	subs := append([]func(core.BrokerEvent){}, b.subscribers...)
	now := b.clock.Now()
	b.mu.Unlock()

	if !changed {
		return
	}
	typ := domain.EventBrokerReconnected
	if !up {
		typ = domain.EventBrokerDisconnected
	}
	for _, fn := range subs {
		fn(core.BrokerEvent{Type: typ, Time: now})
	}
}

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) Subscribe(fn func(core.BrokerEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Broker) emit(e core.BrokerEvent) {
	b.mu.Lock()
	subs := append([]func(core.BrokerEvent){}, b.subscribers...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (b *Broker) GetAccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.AccountSummary{}, core.ErrBrokerUnavailable
	}
	return b.Account, nil
}

func (b *Broker) GetQuote(ctx context.Context, c core.OptionContract) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.Quote{}, core.ErrBrokerUnavailable
	}
	q, ok := b.Quotes[Key(c)]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s", core.ErrStaleData, Key(c))
	}
	return q, nil
}

func (b *Broker) GetStockQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.Quote{}, core.ErrBrokerUnavailable
	}
	q, ok := b.Quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s", core.ErrStaleData, symbol)
	}
	return q, nil
}

func (b *Broker) GetOptionChain(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	return b.Chains[underlying], nil
}

func (b *Broker) GetGreeksBatch(ctx context.Context, contracts []core.OptionContract) (map[int64]domain.Greeks, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	out := make(map[int64]domain.Greeks)
	for _, c := range contracts {
		if g, ok := b.Greeks[Key(c)]; ok {
			out[c.ConID] = g
		}
	}
	return out, nil
}

func (b *Broker) QualifyContracts(ctx context.Context, contracts []core.OptionContract) ([]core.OptionContract, error) {
	out := make([]core.OptionContract, len(contracts))
	for i, c := range contracts {
		out[i] = c
		if out[i].ConID == 0 {
			// Deterministic conid derived from strike cents
			out[i].ConID = 100000 + c.Strike.Mul(decimal.NewFromInt(100)).IntPart()
		}
	}
	return out, nil
}

func (b *Broker) WhatIfOrder(ctx context.Context, req core.OrderRequest) (domain.WhatIfResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.WhatIfResult{}, core.ErrBrokerUnavailable
	}
	return b.WhatIf, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req core.OrderRequest) (*domain.Order, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, core.ErrBrokerUnavailable
	}
	if b.Mode == FillReject {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: scripted rejection", core.ErrBrokerRejected)
	}

	b.nextOrderID++
	o := &domain.Order{
		BrokerOrderID: b.nextOrderID,
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
		Status:        domain.OrderSubmitted,
		CreatedAt:     b.clock.Now(),
		UpdatedAt:     b.clock.Now(),
	}
	b.orders[o.BrokerOrderID] = o
	b.PlacedRequests = append(b.PlacedRequests, req)

	mode := b.Mode
	// Bracket children never fill on placement; they wait for the parent
	if req.ParentOrderID != 0 {
		mode = FillNone
	}
	b.mu.Unlock()

	switch mode {
	case FillImmediate:
		b.fill(o.BrokerOrderID, o.Quantity, req.LimitPrice)
	case FillPartial:
		if o.Quantity > 1 {
			b.fill(o.BrokerOrderID, o.Quantity/2, req.LimitPrice)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *b.orders[o.BrokerOrderID]
	return &cp, nil
}

// fill applies a scripted execution and emits the stream events.
func (b *Broker) fill(brokerOrderID int64, qty int, price decimal.Decimal) {
	b.mu.Lock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return
	}
	o.FilledQty += qty
	o.AvgFillPrice = price
	if o.FilledQty >= o.Quantity {
		o.Status = domain.OrderFilled
	} else {
		o.Status = domain.OrderPartialFill
	}
	b.nextExecSeq++
	execID := fmt.Sprintf("mock-exec-%d", b.nextExecSeq)
	b.Execs = append(b.Execs, domain.Execution{
		ExecutionID:   execID,
		BrokerOrderID: brokerOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      qty,
		Price:         price,
		Commission:    decimal.RequireFromString("0.65"),
		Time:          b.clock.Now(),
	})
	ev := core.BrokerEvent{
		Type:          domain.EventOrderFilled,
		BrokerOrderID: brokerOrderID,
		ExecutionID:   execID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		Remaining:     o.Remaining(),
		AvgFillPrice:  price,
		Symbol:        o.Symbol,
		Time:          b.clock.Now(),
	}
	b.mu.Unlock()

	b.emit(ev)
}

// Fill lets tests script a fill on a working order.
func (b *Broker) Fill(brokerOrderID int64, qty int, price decimal.Decimal) {
	b.fill(brokerOrderID, qty, price)
}

func (b *Broker) ModifyOrder(ctx context.Context, brokerOrderID int64, newLimit decimal.Decimal) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, core.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %d is terminal", core.ErrBrokerRejected, brokerOrderID)
	}
	o.LimitPrice = newLimit
	o.UpdatedAt = b.clock.Now()
	cp := *o
	return &cp, nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID int64) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", core.ErrBrokerUnavailable
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return "", core.ErrOrderNotFound
	}
	if !o.Status.Terminal() {
		o.Status = domain.OrderCancelled
		o.UpdatedAt = b.clock.Now()
	}
	return o.Status, nil
}

func (b *Broker) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	var out []*domain.Order
	for _, o := range b.orders {
		if !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Order returns a copy of a broker order for assertions.
func (b *Broker) Order(brokerOrderID int64) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (b *Broker) ListExecutions(ctx context.Context, since time.Time) ([]domain.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	var out []domain.Execution
	for _, e := range b.Execs {
		if !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Broker) ListPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	return append([]domain.Position{}, b.Positions...), nil
}

func (b *Broker) ListStockPositions(ctx context.Context) ([]domain.StockPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, core.ErrBrokerUnavailable
	}
	return append([]domain.StockPosition{}, b.Stocks...), nil
}

func (b *Broker) CancelMarketData(ctx context.Context, conIDs []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CancelledConIDs = append(b.CancelledConIDs, conIDs...)
}
