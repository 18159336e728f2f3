package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/printaria/printaria-system/internal/model"
)

// PaymentOutcomeKind classifies what ApplyPayment did.
type PaymentOutcomeKind int

const (
	// PaymentApplied means stock was debited and the order moved to Pago.
	PaymentApplied PaymentOutcomeKind = iota
	// PaymentReplayed means the transaction id was already applied; nothing changed.
	PaymentReplayed
	// PaymentRefunded means stock had evaporated, a full refund was issued
	// and the order moved to Cancelado.
	PaymentRefunded
)

// PaymentConfirmation is one gateway payment event to reconcile.
type PaymentConfirmation struct {
	OrderID       int64
	TransactionID string
	AmountPaid    int64 // centavos reported by the gateway
	Actor         string
	Meta          model.RequestMeta
}

// PaymentOutcome reports the reconciliation result.
type PaymentOutcome struct {
	Kind      PaymentOutcomeKind
	Order     *model.Order
	Shortages []StockShortage
}

// ApplyPayment reconciles a gateway payment event against the order inside
// one serializable transaction:
//
//   - a transaction id already recorded on the order is a benign replay,
//     whether the first delivery paid it or auto-cancelled it;
//   - an amount that differs from the order total aborts with
//     *AmountMismatchError and no effect;
//   - if live stock no longer covers every line, refund is invoked for the
//     full amount inside the transaction, the order moves to Cancelado and
//     the audit entry names the short items — a refund failure rolls
//     everything back;
//   - otherwise stock is debited per line and the order moves to Pago.
//
// Stock debit happens in the same transaction as the re-check, so two
// concurrent confirmations cannot both observe sufficient stock.
func (r *PostgresRepository) ApplyPayment(ctx context.Context, cmd PaymentConfirmation, refund RefundFunc) (*PaymentOutcome, error) {
	var outcome *PaymentOutcome

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, cmd.OrderID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}

		if o.GatewayTransactionID != "" && o.GatewayTransactionID == cmd.TransactionID {
			outcome = &PaymentOutcome{Kind: PaymentReplayed, Order: o}
			return nil
		}
		if o.Status != model.StatusPendente {
			return ErrOrderNotPayable
		}

		if o.TotalAmount != cmd.AmountPaid {
			return &AmountMismatchError{
				OrderID:     o.ID,
				OrderNumber: o.Number,
				UserID:      o.UserID,
				Expected:    o.TotalAmount,
				Reported:    cmd.AmountPaid,
			}
		}

		items, err := loadOrderItems(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		o.Items = items

		var shortages []StockShortage
		for _, it := range items {
			var stock int32
			err := tx.QueryRow(ctx,
				`SELECT stock_quantity FROM products WHERE id = $1`,
				it.ProductID,
			).Scan(&stock)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					stock = 0
				} else {
					return fmt.Errorf("select stock: %w", err)
				}
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
			// The payment already went through; money must go back before the
			// cancellation may commit. A failed refund rolls everything back
			// and the error propagates for manual intervention.
			if err := refund(ctx, o.TotalAmount); err != nil {
				return fmt.Errorf("refund after stock shortage: %w", err)
			}

			if err := setOrderPaymentState(ctx, tx, o.ID, model.StatusCancelado, cmd.TransactionID); err != nil {
				return err
			}

			msg := "Pagamento estornado: estoque insuficiente para " + shortageNames(shortages)
			if err := appendHistoryTx(ctx, tx, o.ID, model.StatusCancelado, msg, cmd.Actor, cmd.Meta); err != nil {
				return err
			}

			o.Status = model.StatusCancelado
			o.GatewayTransactionID = cmd.TransactionID
			outcome = &PaymentOutcome{Kind: PaymentRefunded, Order: o, Shortages: shortages}
			return nil
		}

		for _, it := range items {
			tag, err := tx.Exec(ctx,
				`UPDATE products SET stock_quantity = stock_quantity - $2
				 WHERE id = $1 AND stock_quantity >= $2`,
				it.ProductID, it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("debit stock: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return &StockShortageError{Shortages: []StockShortage{{
					ProductID:   it.ProductID,
					ProductName: it.ProductName,
					Requested:   it.Quantity,
				}}}
			}
		}

		if err := setOrderPaymentState(ctx, tx, o.ID, model.StatusPago, cmd.TransactionID); err != nil {
			return err
		}
		if err := appendHistoryTx(ctx, tx, o.ID, model.StatusPago,
			"Pagamento confirmado pelo gateway", cmd.Actor, cmd.Meta); err != nil {
			return err
		}

		o.Status = model.StatusPago
		o.GatewayTransactionID = cmd.TransactionID
		outcome = &PaymentOutcome{Kind: PaymentApplied, Order: o}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTransaction
		}
		if isSerializationConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrSerializationConflict, err)
		}
		return nil, err
	}
	return outcome, nil
}

func setOrderPaymentState(ctx context.Context, tx pgx.Tx, orderID int64, status model.OrderStatus, transactionID string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, gateway_transaction_id = $3 WHERE id = $1`,
		orderID, string(status), transactionID,
	); err != nil {
		return fmt.Errorf("update order payment state: %w", err)
	}
	return nil
}

func shortageNames(shortages []StockShortage) string {
	names := ""
	for i, s := range shortages {
		if i > 0 {
			names += ", "
		}
		names += s.ProductName
	}
	return names
}

// OrderMutation is the set of changes an admin transition applies. Nil
// pointer fields are left untouched. A RefundAmount above zero triggers a
// gateway refund inside the transaction.
type OrderMutation struct {
	Status               model.OrderStatus
	TrackingCode         *string
	DeliveryDate         *time.Time
	ReverseLogisticsCode *string
	ReturnInstructions   *string
	RefundRejectReason   *string
	RefundRejectProof    *string
	RefundAmount         int64
	HistoryMessage       string
	Actor                string
	Meta                 model.RequestMeta
}

// OrderMutator inspects the freshly loaded order and decides the mutation.
// Returning an error aborts the transaction with no effect.
type OrderMutator func(o *model.Order) (*OrderMutation, error)

// UpdateOrder loads the order inside a serializable transaction, lets the
// mutator decide the transition, optionally issues the gateway refund, and
// appends the audit entry. On any error — the refund call included — the
// order is left exactly as it was.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, orderID int64, mutate OrderMutator, refund RefundFunc) (*model.Order, error) {
	var updated *model.Order

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrderWithItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		m, err := mutate(o)
		if err != nil {
			return err
		}

		if m.RefundAmount > 0 {
			if refund == nil {
				return fmt.Errorf("refund of %d requested without a gateway", m.RefundAmount)
			}
			if err := refund(ctx, m.RefundAmount); err != nil {
				return fmt.Errorf("gateway refund: %w", err)
			}
		}

		apply := func(column string, v *string) error {
			if v == nil {
				return nil
			}
			if _, err := tx.Exec(ctx,
				`UPDATE orders SET `+column+` = $2 WHERE id = $1`, orderID, *v); err != nil {
				return fmt.Errorf("update %s: %w", column, err)
			}
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, string(m.Status),
		); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		o.Status = m.Status

		if err := apply("tracking_code", m.TrackingCode); err != nil {
			return err
		}
		if err := apply("reverse_logistics_code", m.ReverseLogisticsCode); err != nil {
			return err
		}
		if err := apply("return_instructions", m.ReturnInstructions); err != nil {
			return err
		}
		if err := apply("refund_reject_reason", m.RefundRejectReason); err != nil {
			return err
		}
		if err := apply("refund_reject_proof", m.RefundRejectProof); err != nil {
			return err
		}
		if m.TrackingCode != nil {
			o.TrackingCode = *m.TrackingCode
		}
		if m.ReverseLogisticsCode != nil {
			o.ReverseLogisticsCode = *m.ReverseLogisticsCode
		}
		if m.ReturnInstructions != nil {
			o.ReturnInstructions = *m.ReturnInstructions
		}
		if m.RefundRejectReason != nil {
			o.RefundRejectReason = *m.RefundRejectReason
		}
		if m.RefundRejectProof != nil {
			o.RefundRejectProof = *m.RefundRejectProof
		}

		if m.DeliveryDate != nil {
			t := *m.DeliveryDate
			if _, err := tx.Exec(ctx,
				`UPDATE orders SET delivery_date = $2 WHERE id = $1`, orderID, t); err != nil {
				return fmt.Errorf("update delivery_date: %w", err)
			}
			o.DeliveryDate = &t
		}

		if err := appendHistoryTx(ctx, tx, orderID, m.Status, m.HistoryMessage, m.Actor, m.Meta); err != nil {
			return err
		}

		updated = o
		return nil
	})
	if err != nil {
		if isSerializationConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrSerializationConflict, err)
		}
		return nil, err
	}
	return updated, nil
}
