package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

// returnWindow is how long after delivery a refund may still be requested.
const returnWindow = 7 * 24 * time.Hour

// RefundItemRequest names one order line and the quantity the customer
// wants refunded.
type RefundItemRequest struct {
	ProductID int64
	Quantity  int32
}

// RequestRefund opens a customer refund request on a paid or delivered
// order. A delivered order is only eligible within the return window after
// the delivery date. The refundable amount is computed here:
//
//   - Total: the full order total, every line at full quantity;
//   - Parcial: per selected line, the unit price net of the coupon discount
//     ratio, times the requested quantity; the sum is rounded to whole
//     centavos once.
//
// Spreading the discount proportionally keeps a partial refund from paying
// back money the customer never spent.
func (s *Service) RequestRefund(ctx context.Context, userID, orderID int64, refundType model.RefundType, items []RefundItemRequest, meta model.RequestMeta) (*model.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	if o.RefundType != "" {
		return nil, repository.ErrRefundAlreadyRequested
	}
	if o.Status != model.StatusPago && o.Status != model.StatusEntregue {
		return nil, repository.ErrRefundNotAllowed
	}
	if o.Status == model.StatusEntregue {
		if o.DeliveryDate == nil || s.now().After(o.DeliveryDate.Add(returnWindow)) {
			return nil, ErrReturnWindowExpired
		}
	}

	var (
		amount     int64
		quantities map[int64]int32
	)

	switch refundType {
	case model.RefundTypeTotal:
		amount = o.TotalAmount
		quantities = make(map[int64]int32, len(o.Items))
		for _, it := range o.Items {
			quantities[it.ProductID] = it.Quantity
		}

	case model.RefundTypeParcial:
		amount, quantities, err = partialRefundAmount(o, items)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrRefundItemInvalid, refundType)
	}

	err = s.repo.SetRefundRequest(ctx, repository.RefundRequest{
		OrderID:        orderID,
		UserID:         userID,
		Type:           refundType,
		Amount:         amount,
		Quantities:     quantities,
		HistoryMessage: fmt.Sprintf("Reembolso solicitado pelo cliente (%s, %d centavos)", refundType, amount),
		Actor:          strconv.FormatInt(userID, 10),
		Meta:           meta,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund requested",
		zap.Int64("orderID", orderID),
		zap.String("type", string(refundType)),
		zap.Int64("amount", amount))

	o.Status = model.StatusReembolsoSolicitado
	o.RefundType = refundType
	o.RefundAmount = amount
	s.notifier.StatusChanged(o, model.StatusReembolsoSolicitado)
	return o, nil
}

// partialRefundAmount prices the selected lines net of the coupon discount.
// The discount ratio Discount/SubTotal is applied per unit with decimal
// arithmetic; rounding happens once on the sum, so no line can leak or eat
// a centavo on its own.
func partialRefundAmount(o *model.Order, items []RefundItemRequest) (int64, map[int64]int32, error) {
	if len(items) == 0 {
		return 0, nil, ErrRefundItemInvalid
	}

	lines := make(map[int64]model.OrderItem, len(o.Items))
	for _, it := range o.Items {
		lines[it.ProductID] = it
	}

	ratio := decimal.Zero
	if o.SubTotal > 0 {
		ratio = decimal.NewFromInt(o.Discount).Div(decimal.NewFromInt(o.SubTotal))
	}
	netFactor := decimal.NewFromInt(1).Sub(ratio)

	total := decimal.Zero
	quantities := make(map[int64]int32, len(items))
	for _, req := range items {
		line, ok := lines[req.ProductID]
		if !ok || req.Quantity <= 0 || req.Quantity > line.Quantity {
			return 0, nil, fmt.Errorf("%w: product %d", ErrRefundItemInvalid, req.ProductID)
		}
		if _, dup := quantities[req.ProductID]; dup {
			return 0, nil, fmt.Errorf("%w: product %d listed twice", ErrRefundItemInvalid, req.ProductID)
		}

		lineAmount := decimal.NewFromInt(line.UnitPrice).
			Mul(netFactor).
			Mul(decimal.NewFromInt(int64(req.Quantity)))

		total = total.Add(lineAmount)
		quantities[req.ProductID] = req.Quantity
	}

	return total.Round(0).IntPart(), quantities, nil
}
