package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/printaria/printaria-system/internal/model"
)

// dbtx is satisfied by both pgxpool.Pool and pgx.Tx so order reads can run
// inside or outside a transaction.
type dbtx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const orderColumns = `id, number, user_id, status, address, shipping_method, coupon_code,
	sub_total, discount, shipping_cost, total_amount, gateway_transaction_id,
	tracking_code, delivery_date, reverse_logistics_code, return_instructions,
	refund_type, refund_amount, refund_reject_reason, refund_reject_proof, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o          model.Order
		addrJSON   []byte
		txnID      *string
		refundType string
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.Status, &addrJSON, &o.ShippingMethod, &o.CouponCode,
		&o.SubTotal, &o.Discount, &o.ShippingCost, &o.TotalAmount, &txnID,
		&o.TrackingCode, &o.DeliveryDate, &o.ReverseLogisticsCode, &o.ReturnInstructions,
		&refundType, &o.RefundAmount, &o.RefundRejectReason, &o.RefundRejectProof, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if txnID != nil {
		o.GatewayTransactionID = *txnID
	}
	o.RefundType = model.RefundType(refundType)
	if err := json.Unmarshal(addrJSON, &o.Address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	return &o, nil
}

func loadOrderItems(ctx context.Context, db dbtx, orderID int64) ([]model.OrderItem, error) {
	rows, err := db.Query(ctx,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity, refund_quantity
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName,
			&it.UnitPrice, &it.Quantity, &it.RefundQuantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func getOrderWithItems(ctx context.Context, db dbtx, orderID int64) (*model.Order, error) {
	o, err := scanOrder(db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	items, err := loadOrderItems(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func appendHistoryTx(ctx context.Context, tx pgx.Tx, orderID int64, status model.OrderStatus, message, actor string, meta model.RequestMeta) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO order_history (order_id, status, message, actor, ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, string(status), message, actor, meta.IP, meta.UserAgent,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// OrderDraftItem is one priced line of an order about to be created.
type OrderDraftItem struct {
	ProductID   int64
	ProductName string
	UnitPrice   int64
	Quantity    int32
}

// OrderDraft carries everything CreateOrder persists. Totals are computed
// and validated by the service before the transaction opens.
type OrderDraft struct {
	Number         string
	UserID         int64
	Address        model.Address
	ShippingMethod string
	CouponCode     string
	SubTotal       int64
	Discount       int64
	ShippingCost   int64
	TotalAmount    int64
	Items          []OrderDraftItem
	HistoryMessage string
	Actor          string
	Meta           model.RequestMeta
}

// CreateOrder persists the order, its items, the first audit entry and the
// coupon usage, and clears the cart — all in one serializable transaction.
// Stock is re-verified per line but not debited: reservation happens only
// on payment confirmation.
func (r *PostgresRepository) CreateOrder(ctx context.Context, draft OrderDraft) (*model.Order, error) {
	var created *model.Order

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		var shortages []StockShortage
		for _, it := range draft.Items {
			var stock int32
			err := tx.QueryRow(ctx,
				`SELECT stock_quantity FROM products WHERE id = $1`,
				it.ProductID,
			).Scan(&stock)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrProductUnavailable
				}
				return fmt.Errorf("select stock: %w", err)
			}
			if stock < it.Quantity {
				shortages = append(shortages, StockShortage{
					ProductID:   it.ProductID,
					ProductName: it.ProductName,
					Requested:   it.Quantity,
					Available:   stock,
				})
			}
		}
		if len(shortages) > 0 {
			return &StockShortageError{Shortages: shortages}
		}

		addrJSON, err := json.Marshal(draft.Address)
		if err != nil {
			return fmt.Errorf("encode address: %w", err)
		}

		var (
			orderID   int64
			createdAt time.Time
		)
		err = tx.QueryRow(ctx,
			`INSERT INTO orders (number, user_id, status, address, shipping_method, coupon_code,
			                     sub_total, discount, shipping_cost, total_amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id, created_at`,
			draft.Number, draft.UserID, string(model.StatusPendente), addrJSON,
			draft.ShippingMethod, draft.CouponCode,
			draft.SubTotal, draft.Discount, draft.ShippingCost, draft.TotalAmount,
		).Scan(&orderID, &createdAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		items := make([]model.OrderItem, 0, len(draft.Items))
		for _, it := range draft.Items {
			var itemID int64
			err := tx.QueryRow(ctx,
				`INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				orderID, it.ProductID, it.ProductName, it.UnitPrice, it.Quantity,
			).Scan(&itemID)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
			items = append(items, model.OrderItem{
				ID:          itemID,
				OrderID:     orderID,
				ProductID:   it.ProductID,
				ProductName: it.ProductName,
				UnitPrice:   it.UnitPrice,
				Quantity:    it.Quantity,
			})
		}

		if err := appendHistoryTx(ctx, tx, orderID, model.StatusPendente,
			draft.HistoryMessage, draft.Actor, draft.Meta); err != nil {
			return err
		}

		if draft.CouponCode != "" {
			_, err := tx.Exec(ctx,
				`INSERT INTO coupon_usages (user_id, code, order_id) VALUES ($1, lower($2), $3)`,
				draft.UserID, draft.CouponCode, orderID,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return ErrCouponAlreadyUsed
				}
				return fmt.Errorf("insert coupon usage: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM cart_items
			 WHERE cart_id = (SELECT id FROM carts WHERE user_id = $1)`,
			draft.UserID,
		); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE carts SET last_updated = now() WHERE user_id = $1`,
			draft.UserID,
		); err != nil {
			return fmt.Errorf("touch cart: %w", err)
		}

		created = &model.Order{
			ID:             orderID,
			Number:         draft.Number,
			UserID:         draft.UserID,
			Status:         model.StatusPendente,
			Address:        draft.Address,
			ShippingMethod: draft.ShippingMethod,
			CouponCode:     draft.CouponCode,
			SubTotal:       draft.SubTotal,
			Discount:       draft.Discount,
			ShippingCost:   draft.ShippingCost,
			TotalAmount:    draft.TotalAmount,
			CreatedAt:      createdAt,
			Items:          items,
		}
		return nil
	})
	if err != nil {
		if isSerializationConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrSerializationConflict, err)
		}
		return nil, err
	}
	return created, nil
}

// GetOrderByID loads one order with its items.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error) {
	return getOrderWithItems(ctx, r.pool, orderID)
}

// ListOrdersByUser returns the user's orders, newest first, without the
// item and history subgraphs.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

// GetOrderHistory returns the append-only audit entries of an order in
// chronological order.
func (r *PostgresRepository) GetOrderHistory(ctx context.Context, orderID int64) ([]model.OrderHistory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, status, message, actor, ip, user_agent, created_at
		 FROM order_history WHERE order_id = $1 ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var entries []model.OrderHistory
	for rows.Next() {
		var h model.OrderHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Status, &h.Message, &h.Actor,
			&h.IP, &h.UserAgent, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

// FindOrderByTransactionID returns the order holding the gateway
// transaction id, or ErrOrderNotFound.
func (r *PostgresRepository) FindOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE gateway_transaction_id = $1`,
		transactionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order by transaction: %w", err)
	}
	return o, nil
}

// RefundRequest records a customer-initiated refund request.
type RefundRequest struct {
	OrderID        int64
	UserID         int64
	Type           model.RefundType
	Amount         int64
	Quantities     map[int64]int32 // product id -> requested refund quantity
	HistoryMessage string
	Actor          string
	Meta           model.RequestMeta
}

// SetRefundRequest marks the order as ReembolsoSolicitado with the computed
// refundable amount and per-item refund quantities. The status and
// single-open-request preconditions are re-checked inside the transaction.
func (r *PostgresRepository) SetRefundRequest(ctx context.Context, req RefundRequest) error {
	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		var (
			status     string
			refundType string
			userID     int64
		)
		err := tx.QueryRow(ctx,
			`SELECT status, refund_type, user_id FROM orders WHERE id = $1`,
			req.OrderID,
		).Scan(&status, &refundType, &userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}
		if userID != req.UserID {
			return ErrOrderNotFound
		}
		if refundType != "" {
			return ErrRefundAlreadyRequested
		}
		if s := model.OrderStatus(status); s != model.StatusPago && s != model.StatusEntregue {
			return ErrRefundNotAllowed
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders
			 SET status = $2, refund_type = $3, refund_amount = $4
			 WHERE id = $1`,
			req.OrderID, string(model.StatusReembolsoSolicitado), string(req.Type), req.Amount,
		); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		for productID, qty := range req.Quantities {
			tag, err := tx.Exec(ctx,
				`UPDATE order_items SET refund_quantity = $3
				 WHERE order_id = $1 AND product_id = $2 AND quantity >= $3`,
				req.OrderID, productID, qty,
			)
			if err != nil {
				return fmt.Errorf("update refund quantity: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("refund quantity for product %d rejected", productID)
			}
		}

		return appendHistoryTx(ctx, tx, req.OrderID, model.StatusReembolsoSolicitado,
			req.HistoryMessage, req.Actor, req.Meta)
	})
	if err != nil && isSerializationConflict(err) {
		return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
	}
	return err
}
