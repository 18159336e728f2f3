package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

func deliveredOrder(deliveredAgo time.Duration) *model.Order {
	delivered := fixedNow().Add(-deliveredAgo)
	return &model.Order{
		ID: 8, UserID: 42, Status: model.StatusEntregue,
		SubTotal: 20000, Discount: 2000, ShippingCost: 1500, TotalAmount: 19500,
		DeliveryDate: &delivered,
		Items: []model.OrderItem{
			{ProductID: 10, ProductName: "Cartão de visita", UnitPrice: 5000, Quantity: 2},
			{ProductID: 11, ProductName: "Banner", UnitPrice: 10000, Quantity: 1},
		},
	}
}

func TestRequestRefund_OwnershipAndState(t *testing.T) {
	tests := []struct {
		name    string
		order   *model.Order
		userID  int64
		wantErr error
	}{
		{
			name:    "stranger gets not found",
			order:   deliveredOrder(time.Hour),
			userID:  7,
			wantErr: repository.ErrOrderNotFound,
		},
		{
			name: "second request rejected",
			order: func() *model.Order {
				o := deliveredOrder(time.Hour)
				o.RefundType = model.RefundTypeTotal
				return o
			}(),
			userID:  42,
			wantErr: repository.ErrRefundAlreadyRequested,
		},
		{
			name: "pending order not refundable",
			order: &model.Order{
				ID: 8, UserID: 42, Status: model.StatusPendente, TotalAmount: 19500,
			},
			userID:  42,
			wantErr: repository.ErrRefundNotAllowed,
		},
		{
			name:    "delivered past the window",
			order:   deliveredOrder(8 * 24 * time.Hour),
			userID:  42,
			wantErr: ErrReturnWindowExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{order: tt.order}
			svc := newTestService(repo, nil, nil, nil)
			svc.now = fixedNow

			_, err := svc.RequestRefund(context.Background(), tt.userID, 8, model.RefundTypeTotal, nil, model.RequestMeta{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if repo.refundReq != nil {
				t.Fatalf("refund request must not reach the repository")
			}
		})
	}
}

func TestRequestRefund_TotalCoversEverything(t *testing.T) {
	repo := &stubRepo{order: deliveredOrder(time.Hour)}
	notifier := &stubNotifier{}
	svc := newTestService(repo, nil, nil, notifier)
	svc.now = fixedNow

	order, err := svc.RequestRefund(context.Background(), 42, 8, model.RefundTypeTotal, nil, model.RequestMeta{})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	req := repo.refundReq
	if req.Amount != 19500 {
		t.Fatalf("total refund amount = %d, want the order total 19500", req.Amount)
	}
	if req.Quantities[10] != 2 || req.Quantities[11] != 1 {
		t.Fatalf("full refund must cover all quantities: %v", req.Quantities)
	}
	if req.Actor != "42" {
		t.Fatalf("actor = %q, want the user id", req.Actor)
	}
	if order.Status != model.StatusReembolsoSolicitado {
		t.Fatalf("status = %s, want ReembolsoSolicitado", order.Status)
	}
	if len(notifier.statusChanges) != 1 || notifier.statusChanges[0] != model.StatusReembolsoSolicitado {
		t.Fatalf("status-changed notification = %v", notifier.statusChanges)
	}
}

func TestRequestRefund_PartialAppliesDiscountRatio(t *testing.T) {
	// Discount 2000 over subtotal 20000 = 10% off every unit price.
	repo := &stubRepo{order: deliveredOrder(time.Hour)}
	svc := newTestService(repo, nil, nil, nil)
	svc.now = fixedNow

	_, err := svc.RequestRefund(context.Background(), 42, 8, model.RefundTypeParcial,
		[]RefundItemRequest{{ProductID: 10, Quantity: 1}, {ProductID: 11, Quantity: 1}}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}

	// 5000*0.9 + 10000*0.9 = 4500 + 9000.
	if repo.refundReq.Amount != 13500 {
		t.Fatalf("partial amount = %d, want 13500", repo.refundReq.Amount)
	}
	if repo.refundReq.Quantities[10] != 1 || repo.refundReq.Quantities[11] != 1 {
		t.Fatalf("quantities = %v", repo.refundReq.Quantities)
	}
}

func TestRequestRefund_PartialValidation(t *testing.T) {
	tests := []struct {
		name  string
		items []RefundItemRequest
	}{
		{name: "no items", items: nil},
		{name: "unknown product", items: []RefundItemRequest{{ProductID: 99, Quantity: 1}}},
		{name: "zero quantity", items: []RefundItemRequest{{ProductID: 10, Quantity: 0}}},
		{name: "quantity above ordered", items: []RefundItemRequest{{ProductID: 10, Quantity: 3}}},
		{name: "duplicated line", items: []RefundItemRequest{{ProductID: 10, Quantity: 1}, {ProductID: 10, Quantity: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{order: deliveredOrder(time.Hour)}
			svc := newTestService(repo, nil, nil, nil)
			svc.now = fixedNow

			_, err := svc.RequestRefund(context.Background(), 42, 8, model.RefundTypeParcial, tt.items, model.RequestMeta{})
			if !errors.Is(err, ErrRefundItemInvalid) {
				t.Fatalf("expected ErrRefundItemInvalid, got %v", err)
			}
		})
	}
}

func TestRequestRefund_PaidOrderSkipsWindowCheck(t *testing.T) {
	// Pago has no delivery date yet; the window only binds Entregue.
	repo := &stubRepo{order: &model.Order{
		ID: 8, UserID: 42, Status: model.StatusPago, SubTotal: 10000, TotalAmount: 10000,
		Items: []model.OrderItem{{ProductID: 10, ProductName: "Flyer", UnitPrice: 10000, Quantity: 1}},
	}}
	svc := newTestService(repo, nil, nil, nil)
	svc.now = fixedNow

	if _, err := svc.RequestRefund(context.Background(), 42, 8, model.RefundTypeTotal, nil, model.RequestMeta{}); err != nil {
		t.Fatalf("paid order refund request: %v", err)
	}
}

func TestPartialRefundAmount_NoDiscount(t *testing.T) {
	o := &model.Order{
		SubTotal: 10000,
		Items:    []model.OrderItem{{ProductID: 10, UnitPrice: 2500, Quantity: 4}},
	}

	amount, quantities, err := partialRefundAmount(o, []RefundItemRequest{{ProductID: 10, Quantity: 2}})
	if err != nil {
		t.Fatalf("partial amount: %v", err)
	}
	if amount != 5000 {
		t.Fatalf("amount = %d, want 5000", amount)
	}
	if quantities[10] != 2 {
		t.Fatalf("quantities = %v", quantities)
	}
}

func TestPartialRefundAmount_RoundsSumOnce(t *testing.T) {
	// One third off leaves each line at 666.67 centavos. Rounding per line
	// would pay 667+667 = 1334; the sum rounds once, to 1333.
	o := &model.Order{
		SubTotal: 3000,
		Discount: 1000,
		Items: []model.OrderItem{
			{ProductID: 1, UnitPrice: 1000, Quantity: 1},
			{ProductID: 2, UnitPrice: 1000, Quantity: 1},
			{ProductID: 3, UnitPrice: 1000, Quantity: 1},
		},
	}

	amount, _, err := partialRefundAmount(o, []RefundItemRequest{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("partial amount: %v", err)
	}
	if amount != 1333 {
		t.Fatalf("amount = %d, want 1333", amount)
	}
}
