// Package service implements the order lifecycle: cart management, order
// creation, payment reconciliation, admin status transitions and customer
// refund requests.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
	"github.com/printaria/printaria-system/internal/shipping"
)

// Repository is the data-access contract used by the service. Transactional
// invariants (stock never negative, coupon spent once, payment applied
// once) live behind these methods.
type Repository interface {
	Close() error

	GetOrCreateCart(ctx context.Context, userID int64) (*model.Cart, error)
	GetCartLines(ctx context.Context, userID int64) ([]repository.CartLine, error)
	AddCartItem(ctx context.Context, userID, productID int64, quantity, maxPerItem int32) error
	UpdateCartItemQuantity(ctx context.Context, userID, itemID int64, quantity, maxPerItem int32) error
	RemoveCartItem(ctx context.Context, userID, itemID int64) error

	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	HasCouponUsage(ctx context.Context, userID int64, code string) (bool, error)

	CreateOrder(ctx context.Context, draft repository.OrderDraft) (*model.Order, error)
	GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrderHistory(ctx context.Context, orderID int64) ([]model.OrderHistory, error)
	FindOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error)
	ApplyPayment(ctx context.Context, cmd repository.PaymentConfirmation, refund repository.RefundFunc) (*repository.PaymentOutcome, error)
	UpdateOrder(ctx context.Context, orderID int64, mutate repository.OrderMutator, refund repository.RefundFunc) (*model.Order, error)
	SetRefundRequest(ctx context.Context, req repository.RefundRequest) error
}

// Quoter re-prices shipping for a destination; the client-declared price is
// never used.
type Quoter interface {
	Quote(ctx context.Context, destination model.Address, parcels []shipping.Parcel) ([]shipping.Option, error)
}

// Gateway issues refunds against a captured payment transaction.
type Gateway interface {
	Refund(ctx context.Context, transactionID string, amountCents int64) error
}

// Notifier is the fire-and-forget outbound notification sink. None of its
// methods may block or return an error into a workflow.
type Notifier interface {
	OrderReceived(o *model.Order)
	PaymentConfirmed(o *model.Order)
	PaymentRefundPending(o *model.Order, itemNames []string)
	StatusChanged(o *model.Order, status model.OrderStatus)
	SecurityAlert(a model.SecurityAlert)
}

// Limits are the order-level bounds enforced at checkout.
type Limits struct {
	MinOrderAmount     int64
	MaxOrderAmount     int64
	MaxQuantityPerItem int32
}

var (
	// ErrQuantityOutOfRange is returned for a cart quantity outside
	// (0, MaxQuantityPerItem].
	ErrQuantityOutOfRange = errors.New("quantity out of range")
	// ErrEmptyCart is returned when checkout finds no cart items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrIncompleteAddress is returned when a required address field is missing.
	ErrIncompleteAddress = errors.New("incomplete delivery address")
	// ErrShippingMethodNotFound is returned when no freshly quoted option
	// matches the client-declared method name.
	ErrShippingMethodNotFound = errors.New("shipping method not found in quote")
	// ErrCouponInvalid is returned for an unknown, inactive or expired coupon.
	ErrCouponInvalid = errors.New("coupon invalid or expired")
	// ErrOrderTotalOutOfBounds is returned when the computed total falls
	// outside [MinOrderAmount, MaxOrderAmount].
	ErrOrderTotalOutOfBounds = errors.New("order total out of bounds")
	// ErrPaymentAmountMismatch marks a webhook whose reported amount differs
	// from the order total. Security-classified: callers must answer with a
	// deliberately generic response.
	ErrPaymentAmountMismatch = errors.New("payment amount mismatch")
	// ErrNotAdmin is returned when the caller lacks the administrator role.
	ErrNotAdmin = errors.New("administrator role required")
	// ErrUnknownStatus is returned for a status outside the vocabulary.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrRejectReasonRequired is returned when a refund rejection carries no reason.
	ErrRejectReasonRequired = errors.New("rejection reason required")
	// ErrRefundExceedsTotal is returned when the admin-entered refund amount
	// exceeds the order total.
	ErrRefundExceedsTotal = errors.New("refund amount exceeds order total")
	// ErrRefundExceedsCeiling is returned when the admin-entered refund
	// amount exceeds the customer-requested partial ceiling.
	ErrRefundExceedsCeiling = errors.New("refund amount exceeds requested ceiling")
	// ErrRefundItemInvalid is returned when a partial refund references an
	// item outside the order or an invalid quantity.
	ErrRefundItemInvalid = errors.New("refund item invalid")
	// ErrReturnWindowExpired is returned when a delivered order is past the
	// return-eligibility window.
	ErrReturnWindowExpired = errors.New("return window expired")
)

// System actors recorded in the audit trail.
const (
	ActorSystemWebhook = "SYSTEM-WEBHOOK"
)

// Service carries the order lifecycle business logic.
type Service struct {
	repo     Repository
	quoter   Quoter
	gateway  Gateway
	notifier Notifier
	logger   *zap.Logger
	limits   Limits
	now      func() time.Time
}

// NewService builds the service with the given collaborators.
func NewService(repo Repository, quoter Quoter, gw Gateway, notifier Notifier, logger *zap.Logger, limits Limits) *Service {
	return &Service{
		repo:     repo,
		quoter:   quoter,
		gateway:  gw,
		notifier: notifier,
		logger:   logger,
		limits:   limits,
		now:      time.Now,
	}
}

// Close releases the service resources.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetOrder returns the order with its items and history, scoped to the
// owner unless the caller is an administrator.
func (s *Service) GetOrder(ctx context.Context, caller model.Identity, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != caller.UserID && caller.Role != model.RoleAdmin {
		return nil, repository.ErrOrderNotFound
	}

	history, err := s.repo.GetOrderHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.History = history
	return o, nil
}

// ListOrders returns the caller's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}
