package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderLimit     OrderType = "LMT"
	OrderMarket    OrderType = "MKT"
	OrderStopLimit OrderType = "STP LMT"
)

// TimeInForce maps to broker TIF values.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus mirrors broker order states plus local bookkeeping ones.
type OrderStatus string

const (
	OrderPendingSubmit OrderStatus = "PendingSubmit"
	OrderSubmitted     OrderStatus = "Submitted"
	OrderPreSubmitted  OrderStatus = "PreSubmitted"
	OrderPartialFill   OrderStatus = "PartiallyFilled"
	OrderFilled        OrderStatus = "Filled"
	OrderCancelled     OrderStatus = "Cancelled"
	OrderRejected      OrderStatus = "Rejected"
	OrderInactive      OrderStatus = "Inactive"
)

// Terminal reports whether the status will never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderInactive:
		return true
	}
	return false
}

// Order is a broker-side order reference. After submission the reconciler
// is the only mutator.
type Order struct {
	ID            int64
	BrokerOrderID int64
	ParentOrderID int64
	TradeID       int64
	DecisionID    string
	Symbol        string
	Right         OptionRight
	Strike        decimal.Decimal
	Expiration    time.Time
	Side          OrderSide
	Quantity      int
	LimitPrice    decimal.Decimal
	Type          OrderType
	TIF           TimeInForce
	Status        OrderStatus
	FilledQty     int
	AvgFillPrice  decimal.Decimal
	Commission    decimal.Decimal
	LastBrokerMsg string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int { return o.Quantity - o.FilledQty }

// Position is the derived aggregation over filled orders for one contract.
type Position struct {
	Symbol     string
	Right      OptionRight
	Strike     decimal.Decimal
	Expiration time.Time
	Contracts  int
	AvgPrice   decimal.Decimal
	MarketMid  decimal.Decimal
	Greeks     Greeks
	TradeID    int64
}

// ContractKey identifies an option contract for duplicate checks.
type ContractKey struct {
	Symbol     string
	Right      OptionRight
	Strike     string
	Expiration string
}

// Key builds the duplicate-check key for a position.
func (p Position) Key() ContractKey {
	return ContractKey{
		Symbol:     p.Symbol,
		Right:      p.Right,
		Strike:     p.Strike.String(),
		Expiration: p.Expiration.Format("2006-01-02"),
	}
}

// Quote is a top-of-book snapshot for one contract or underlying.
type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
	TS   time.Time
}

// Mid returns the quote midpoint, falling back to last.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// Age reports how stale the quote is.
func (q Quote) Age(now time.Time) time.Duration { return now.Sub(q.TS) }

// AccountSummary is the broker account snapshot used by the risk governor.
type AccountSummary struct {
	NetLiquidation  decimal.Decimal
	AvailableFunds  decimal.Decimal
	ExcessLiquidity decimal.Decimal
	InitMargin      decimal.Decimal
	MaintMargin     decimal.Decimal
}

// MarginUtilisation returns init margin over net liquidation.
func (a AccountSummary) MarginUtilisation() decimal.Decimal {
	if a.NetLiquidation.IsZero() {
		return decimal.Zero
	}
	return a.InitMargin.Div(a.NetLiquidation)
}

// WhatIfResult is the broker-side dry run for a prospective order.
type WhatIfResult struct {
	InitMarginAfter  decimal.Decimal
	MaintMarginAfter decimal.Decimal
	EquityAfter      decimal.Decimal
	CommissionEst    decimal.Decimal
}

// MarginImpact is the incremental initial margin of the prospective order.
func (w WhatIfResult) MarginImpact(current AccountSummary) decimal.Decimal {
	return w.InitMarginAfter.Sub(current.InitMargin)
}

// Execution is one broker execution report.
type Execution struct {
	ExecutionID   string
	BrokerOrderID int64
	Symbol        string
	Side          OrderSide
	Quantity      int
	Price         decimal.Decimal
	Commission    decimal.Decimal
	Time          time.Time
}

// StockPosition is an underlying share position, used by assignment detection.
type StockPosition struct {
	Symbol   string
	Shares   int64
	AvgPrice decimal.Decimal
}
