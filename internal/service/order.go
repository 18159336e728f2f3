package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
	"github.com/printaria/printaria-system/internal/shipping"
)

// CreateOrder turns the user's cart into a persisted order:
//
//  1. the cart must be non-empty with positive quantities;
//  2. shipping is re-quoted server-side and the client-declared method name
//     matched case-insensitively — the client price is never trusted;
//  3. stock is verified per line and product name/price snapshotted;
//  4. a coupon, if given, must be valid and never used by this user;
//  5. the total must fall within the configured bounds;
//  6. order, items, first audit entry, coupon usage and cart clearing
//     commit in one serializable transaction.
//
// Stock is not debited here; reservation happens on payment confirmation.
func (s *Service) CreateOrder(ctx context.Context, userID int64, address model.Address, couponCode, shippingMethod string, meta model.RequestMeta) (*model.Order, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	shippingMethod = strings.TrimSpace(shippingMethod)
	if shippingMethod == "" {
		return nil, ErrShippingMethodNotFound
	}

	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, ErrQuantityOutOfRange
		}
		if !l.Active {
			return nil, repository.ErrProductUnavailable
		}
	}

	// External quote calls stay outside the transaction; no lock is held
	// across network latency.
	shippingCost, err := s.verifyShipping(ctx, address, lines, shippingMethod)
	if err != nil {
		return nil, err
	}

	var subTotal int64
	items := make([]repository.OrderDraftItem, 0, len(lines))
	for _, l := range lines {
		subTotal += l.UnitPrice * int64(l.Quantity)
		items = append(items, repository.OrderDraftItem{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
		})
	}

	discount, normalizedCode, err := s.applyCoupon(ctx, userID, couponCode, subTotal)
	if err != nil {
		return nil, err
	}

	total := subTotal - discount + shippingCost
	if total < s.limits.MinOrderAmount || total > s.limits.MaxOrderAmount {
		return nil, fmt.Errorf("%w: %d", ErrOrderTotalOutOfBounds, total)
	}

	order, err := s.repo.CreateOrder(ctx, repository.OrderDraft{
		Number:         uuid.NewString(),
		UserID:         userID,
		Address:        address,
		ShippingMethod: shippingMethod,
		CouponCode:     normalizedCode,
		SubTotal:       subTotal,
		Discount:       discount,
		ShippingCost:   shippingCost,
		TotalAmount:    total,
		Items:          items,
		HistoryMessage: "Pedido criado via Checkout",
		Actor:          strconv.FormatInt(userID, 10),
		Meta:           meta,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.Int64("orderID", order.ID),
		zap.String("number", order.Number),
		zap.Int64("total", order.TotalAmount))

	s.notifier.OrderReceived(order)
	return order, nil
}

func (s *Service) verifyShipping(ctx context.Context, address model.Address, lines []repository.CartLine, method string) (int64, error) {
	parcels := make([]shipping.Parcel, 0, len(lines))
	for _, l := range lines {
		parcels = append(parcels, shipping.Parcel{
			Quantity: l.Quantity,
			WeightKg: l.WeightKg,
			HeightCm: l.HeightCm,
			WidthCm:  l.WidthCm,
			LengthCm: l.LengthCm,
		})
	}

	options, err := s.quoter.Quote(ctx, address, parcels)
	if err != nil {
		return 0, fmt.Errorf("quote shipping: %w", err)
	}
	for _, opt := range options {
		if strings.EqualFold(opt.Name, method) {
			return opt.PriceCents, nil
		}
	}
	return 0, ErrShippingMethodNotFound
}

func (s *Service) applyCoupon(ctx context.Context, userID int64, code string, subTotal int64) (int64, string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, "", nil
	}

	coupon, err := s.repo.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return 0, "", ErrCouponInvalid
		}
		return 0, "", err
	}
	if !coupon.Valid(s.now()) {
		return 0, "", ErrCouponInvalid
	}

	used, err := s.repo.HasCouponUsage(ctx, userID, code)
	if err != nil {
		return 0, "", err
	}
	if used {
		return 0, "", repository.ErrCouponAlreadyUsed
	}

	discount := decimal.NewFromInt(subTotal).
		Mul(decimal.NewFromFloat(coupon.DiscountPercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()

	return discount, strings.ToLower(code), nil
}

func validateAddress(a model.Address) error {
	for _, field := range []string{a.Street, a.Number, a.District, a.City, a.State, a.ZipCode} {
		if strings.TrimSpace(field) == "" {
			return ErrIncompleteAddress
		}
	}
	return nil
}
