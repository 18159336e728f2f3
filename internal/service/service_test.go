package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
	"github.com/printaria/printaria-system/internal/shipping"
)

type stubRepo struct {
	cart      *model.Cart
	cartLines []repository.CartLine
	cartErr   error

	addItemCalls int
	addItemErr   error

	coupon     *model.Coupon
	couponErr  error
	couponUsed bool
	usageErr   error

	createdDraft *repository.OrderDraft
	createdOrder *model.Order
	createErr    error

	order    *model.Order
	orderErr error

	orders []model.Order

	history []model.OrderHistory

	byTxnOrder *model.Order
	byTxnErr   error

	applyOutcome *repository.PaymentOutcome
	applyErr     error
	applyCalls   int
	applyRefund  repository.RefundFunc

	updateOrder func(orderID int64, mutate repository.OrderMutator, refund repository.RefundFunc) (*model.Order, error)

	refundReq *repository.RefundRequest
	refundErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetOrCreateCart(ctx context.Context, userID int64) (*model.Cart, error) {
	if s.cart != nil {
		return s.cart, nil
	}
	return &model.Cart{ID: 1, UserID: userID}, nil
}

func (s *stubRepo) GetCartLines(ctx context.Context, userID int64) ([]repository.CartLine, error) {
	return s.cartLines, s.cartErr
}

func (s *stubRepo) AddCartItem(ctx context.Context, userID, productID int64, quantity, maxPerItem int32) error {
	s.addItemCalls++
	return s.addItemErr
}

func (s *stubRepo) UpdateCartItemQuantity(ctx context.Context, userID, itemID int64, quantity, maxPerItem int32) error {
	return nil
}

func (s *stubRepo) RemoveCartItem(ctx context.Context, userID, itemID int64) error {
	return nil
}

func (s *stubRepo) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return s.coupon, s.couponErr
}

func (s *stubRepo) HasCouponUsage(ctx context.Context, userID int64, code string) (bool, error) {
	return s.couponUsed, s.usageErr
}

func (s *stubRepo) CreateOrder(ctx context.Context, draft repository.OrderDraft) (*model.Order, error) {
	s.createdDraft = &draft
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.createdOrder != nil {
		return s.createdOrder, nil
	}
	return &model.Order{
		ID:           77,
		Number:       draft.Number,
		UserID:       draft.UserID,
		Status:       model.StatusPendente,
		SubTotal:     draft.SubTotal,
		Discount:     draft.Discount,
		ShippingCost: draft.ShippingCost,
		TotalAmount:  draft.TotalAmount,
	}, nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubRepo) GetOrderHistory(ctx context.Context, orderID int64) ([]model.OrderHistory, error) {
	return s.history, nil
}

func (s *stubRepo) FindOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error) {
	if s.byTxnErr != nil {
		return nil, s.byTxnErr
	}
	if s.byTxnOrder == nil {
		return nil, repository.ErrOrderNotFound
	}
	return s.byTxnOrder, nil
}

func (s *stubRepo) ApplyPayment(ctx context.Context, cmd repository.PaymentConfirmation, refund repository.RefundFunc) (*repository.PaymentOutcome, error) {
	s.applyCalls++
	s.applyRefund = refund
	return s.applyOutcome, s.applyErr
}

func (s *stubRepo) UpdateOrder(ctx context.Context, orderID int64, mutate repository.OrderMutator, refund repository.RefundFunc) (*model.Order, error) {
	if s.updateOrder != nil {
		return s.updateOrder(orderID, mutate, refund)
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) SetRefundRequest(ctx context.Context, req repository.RefundRequest) error {
	s.refundReq = &req
	return s.refundErr
}

type stubQuoter struct {
	options []shipping.Option
	err     error
}

func (s *stubQuoter) Quote(ctx context.Context, destination model.Address, parcels []shipping.Parcel) ([]shipping.Option, error) {
	return s.options, s.err
}

type stubGateway struct {
	refunds []int64
	txnIDs  []string
	err     error
}

func (s *stubGateway) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	s.refunds = append(s.refunds, amountCents)
	s.txnIDs = append(s.txnIDs, transactionID)
	return s.err
}

type stubNotifier struct {
	received       int
	confirmed      int
	refundPending  int
	statusChanges  []model.OrderStatus
	securityAlerts []model.SecurityAlert
}

func (s *stubNotifier) OrderReceived(o *model.Order)    { s.received++ }
func (s *stubNotifier) PaymentConfirmed(o *model.Order) { s.confirmed++ }
func (s *stubNotifier) PaymentRefundPending(o *model.Order, itemNames []string) {
	s.refundPending++
}
func (s *stubNotifier) StatusChanged(o *model.Order, status model.OrderStatus) {
	s.statusChanges = append(s.statusChanges, status)
}
func (s *stubNotifier) SecurityAlert(a model.SecurityAlert) {
	s.securityAlerts = append(s.securityAlerts, a)
}

func testLimits() Limits {
	return Limits{MinOrderAmount: 100, MaxOrderAmount: 10000000, MaxQuantityPerItem: 10}
}

func newTestService(repo *stubRepo, quoter *stubQuoter, gw *stubGateway, notifier *stubNotifier) *Service {
	if quoter == nil {
		quoter = &stubQuoter{}
	}
	if gw == nil {
		gw = &stubGateway{}
	}
	if notifier == nil {
		notifier = &stubNotifier{}
	}
	return NewService(repo, quoter, gw, notifier, zap.NewNop(), testLimits())
}

func TestAddItem_QuantityValidation(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, nil, nil, nil)

	for _, qty := range []int32{0, -1, 11} {
		if err := svc.AddItem(context.Background(), 1, 10, qty); !errors.Is(err, ErrQuantityOutOfRange) {
			t.Fatalf("quantity %d: expected ErrQuantityOutOfRange, got %v", qty, err)
		}
	}
	if repo.addItemCalls != 0 {
		t.Fatalf("repository must not be called for invalid quantities")
	}

	if err := svc.AddItem(context.Background(), 1, 10, 10); err != nil {
		t.Fatalf("quantity at the cap must pass: %v", err)
	}
	if repo.addItemCalls != 1 {
		t.Fatalf("expected one repository call, got %d", repo.addItemCalls)
	}
}

func TestSetQuantity_PropagatesConflict(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo, nil, nil, nil)

	if err := svc.SetQuantity(context.Background(), 1, 5, 0); !errors.Is(err, ErrQuantityOutOfRange) {
		t.Fatalf("expected ErrQuantityOutOfRange, got %v", err)
	}
}

func TestGetOrder_OwnershipScoping(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 9, UserID: 42, Status: model.StatusPago},
		history: []model.OrderHistory{
			{OrderID: 9, Status: model.StatusPendente, Message: "Pedido criado via Checkout"},
		},
	}
	svc := newTestService(repo, nil, nil, nil)

	// Owner sees the order with history attached.
	o, err := svc.GetOrder(context.Background(), model.Identity{UserID: 42}, 9)
	if err != nil {
		t.Fatalf("owner access: %v", err)
	}
	if len(o.History) != 1 {
		t.Fatalf("expected history attached, got %d entries", len(o.History))
	}

	// A stranger gets not-found, never a forbidden that confirms existence.
	if _, err := svc.GetOrder(context.Background(), model.Identity{UserID: 7}, 9); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("stranger access: expected ErrOrderNotFound, got %v", err)
	}

	// An admin sees any order.
	if _, err := svc.GetOrder(context.Background(), model.Identity{UserID: 7, Role: model.RoleAdmin}, 9); err != nil {
		t.Fatalf("admin access: %v", err)
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}
