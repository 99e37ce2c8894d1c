package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// OrderRepo persists broker order references.
type OrderRepo struct {
	store *Store
}

// NewOrderRepo creates an order repository.
func NewOrderRepo(s *Store) *OrderRepo { return &OrderRepo{store: s} }

const orderCols = `id, broker_order_id, parent_order_id, trade_id, decision_id,
	symbol, right, strike, expiration, side, quantity, limit_price,
	order_type, tif, status, filled_qty, avg_fill_price, commission,
	last_broker_msg, created_at, updated_at`

// Insert persists a new order row and assigns its id.
func (r *OrderRepo) Insert(ctx context.Context, o *domain.Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	res, err := r.store.db.ExecContext(ctx, `
		INSERT INTO orders (broker_order_id, parent_order_id, trade_id,
			decision_id, symbol, right, strike, expiration, side, quantity,
			limit_price, order_type, tif, status, filled_qty, avg_fill_price,
			commission, last_broker_msg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.BrokerOrderID, o.ParentOrderID, o.TradeID, o.DecisionID,
		o.Symbol, string(o.Right), o.Strike.String(), encodeTime(o.Expiration),
		string(o.Side), o.Quantity, o.LimitPrice.String(), string(o.Type),
		string(o.TIF), string(o.Status), o.FilledQty, o.AvgFillPrice.String(),
		o.Commission.String(), o.LastBrokerMsg,
		encodeTime(o.CreatedAt), encodeTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// Update rewrites mutable order fields.
func (r *OrderRepo) Update(ctx context.Context, o *domain.Order) error {
	o.UpdatedAt = time.Now()
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, status = ?, filled_qty = ?,
			avg_fill_price = ?, commission = ?, limit_price = ?,
			last_broker_msg = ?, updated_at = ?
		WHERE id = ?`,
		o.BrokerOrderID, string(o.Status), o.FilledQty,
		o.AvgFillPrice.String(), o.Commission.String(), o.LimitPrice.String(),
		o.LastBrokerMsg, encodeTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", o.ID, err)
	}
	return nil
}

// GetByID loads one order.
func (r *OrderRepo) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrOrderNotFound
	}
	return o, err
}

// GetByBrokerID loads the order carrying a broker order id.
func (r *OrderRepo) GetByBrokerID(ctx context.Context, brokerOrderID int64) (*domain.Order, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrOrderNotFound
	}
	return o, err
}

// ListActive returns orders in non-terminal states.
func (r *OrderRepo) ListActive(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE status NOT IN (?, ?, ?, ?) ORDER BY id`,
		string(domain.OrderFilled), string(domain.OrderCancelled),
		string(domain.OrderRejected), string(domain.OrderInactive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListByTrade returns all orders attached to a trade.
func (r *OrderRepo) ListByTrade(ctx context.Context, tradeID int64) ([]*domain.Order, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListChildren returns child orders of a bracket parent.
func (r *OrderRepo) ListChildren(ctx context.Context, parentBrokerID int64) ([]*domain.Order, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE parent_order_id = ? ORDER BY id`,
		parentBrokerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                 domain.Order
		right, strike, side, otype        string
		tif, status, limitPrice           string
		avgFill, commission               string
		expiration, createdAt, updatedAt  sql.NullString
	)
	err := row.Scan(&o.ID, &o.BrokerOrderID, &o.ParentOrderID, &o.TradeID,
		&o.DecisionID, &o.Symbol, &right, &strike, &expiration, &side,
		&o.Quantity, &limitPrice, &otype, &tif, &status, &o.FilledQty,
		&avgFill, &commission, &o.LastBrokerMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Right = domain.OptionRight(right)
	o.Strike = decodeDecimal(strike)
	o.Expiration = decodeTime(expiration)
	o.Side = domain.OrderSide(side)
	o.LimitPrice = decodeDecimal(limitPrice)
	o.Type = domain.OrderType(otype)
	o.TIF = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.AvgFillPrice = decodeDecimal(avgFill)
	o.Commission = decodeDecimal(commission)
	o.CreatedAt = decodeTime(createdAt)
	o.UpdatedAt = decodeTime(updatedAt)
	return &o, nil
}
