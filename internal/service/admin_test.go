package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

// mutatorRepo runs the mutator against the given order the way the real
// repository does inside its transaction: decide, refund, apply.
func mutatorRepo(order *model.Order) *stubRepo {
	repo := &stubRepo{}
	repo.updateOrder = func(orderID int64, mutate repository.OrderMutator, refund repository.RefundFunc) (*model.Order, error) {
		o := *order
		m, err := mutate(&o)
		if err != nil {
			return nil, err
		}
		if m.RefundAmount > 0 {
			if err := refund(context.Background(), m.RefundAmount); err != nil {
				return nil, err
			}
		}
		o.Status = m.Status
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
			o.DeliveryDate = &t
		}
		o.History = append(o.History, model.OrderHistory{
			Status:  m.Status,
			Message: m.HistoryMessage,
			Actor:   m.Actor,
		})
		return &o, nil
	}
	return repo
}

func admin() model.Identity {
	return model.Identity{UserID: 3, Role: model.RoleAdmin}
}

func TestUpdateOrderByAdmin_RequiresAdminRole(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil, nil, nil)

	_, err := svc.UpdateOrderByAdmin(context.Background(), model.Identity{UserID: 3}, 1,
		AdminOrderUpdate{Status: "Enviado"}, model.RequestMeta{})
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestUpdateOrderByAdmin_UnknownStatus(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil, nil, nil)

	_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "Teleportado"}, model.RequestMeta{})
	if !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestUpdateOrderByAdmin_AcceptsHumanLabel(t *testing.T) {
	order := &model.Order{ID: 1, UserID: 9, Status: model.StatusReembolsoSolicitado, TotalAmount: 10000}
	repo := mutatorRepo(order)
	svc := newTestService(repo, nil, nil, nil)

	updated, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "aguardando devolução", ReverseLogisticsCode: "LR-1"}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.StatusAguardandoDevolucao {
		t.Fatalf("status = %s, want AguardandoDevolução", updated.Status)
	}
	if updated.ReverseLogisticsCode != "LR-1" {
		t.Fatalf("reverse logistics code not stored")
	}
	if updated.ReturnInstructions == "" {
		t.Fatalf("default return instructions must be filled in")
	}
}

func TestUpdateOrderByAdmin_RejectionRequiresReason(t *testing.T) {
	order := &model.Order{ID: 1, UserID: 9, Status: model.StatusReembolsoSolicitado, TotalAmount: 10000}
	repo := mutatorRepo(order)
	svc := newTestService(repo, nil, nil, nil)

	_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "ReembolsoReprovado"}, model.RequestMeta{})
	if !errors.Is(err, ErrRejectReasonRequired) {
		t.Fatalf("expected ErrRejectReasonRequired, got %v", err)
	}

	updated, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "ReembolsoReprovado", RefundRejectReason: "Item personalizado"}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("update with reason: %v", err)
	}
	if updated.RefundRejectReason != "Item personalizado" {
		t.Fatalf("rejection reason not stored")
	}
}

func TestUpdateOrderByAdmin_KeepsDisputeEvidenceOnRefundTargets(t *testing.T) {
	order := &model.Order{
		ID: 1, UserID: 9, Status: model.StatusPago,
		TotalAmount: 10000, GatewayTransactionID: "txn-1",
	}
	gw := &stubGateway{}
	svc := newTestService(mutatorRepo(order), nil, gw, nil)

	updated, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{
			Status:             "Cancelado",
			RefundRejectReason: "fraude confirmada",
			RefundRejectProof:  "chamado 4711",
		}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.RefundRejectReason != "fraude confirmada" {
		t.Fatalf("reason dropped: got %q", updated.RefundRejectReason)
	}
	if updated.RefundRejectProof != "chamado 4711" {
		t.Fatalf("proof dropped: got %q", updated.RefundRejectProof)
	}
	if got := updated.History[len(updated.History)-1]; !strings.Contains(got.Message, "fraude confirmada") {
		t.Fatalf("audit message %q must carry the reason", got.Message)
	}
	if len(gw.refunds) != 1 || gw.refunds[0] != 10000 {
		t.Fatalf("captured payment must still be refunded, got %v", gw.refunds)
	}
}

func TestUpdateOrderByAdmin_RefundCeiling(t *testing.T) {
	base := model.Order{
		ID: 1, UserID: 9, Status: model.StatusReembolsoSolicitado,
		TotalAmount: 10000, RefundAmount: 4000, GatewayTransactionID: "txn-1",
	}

	t.Run("admin amount above total", func(t *testing.T) {
		order := base
		svc := newTestService(mutatorRepo(&order), nil, nil, nil)

		_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
			AdminOrderUpdate{Status: "Reembolsado", RefundAmountCents: 20000}, model.RequestMeta{})
		if !errors.Is(err, ErrRefundExceedsTotal) {
			t.Fatalf("expected ErrRefundExceedsTotal, got %v", err)
		}
	})

	t.Run("admin amount above requested ceiling", func(t *testing.T) {
		order := base
		svc := newTestService(mutatorRepo(&order), nil, nil, nil)

		_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
			AdminOrderUpdate{Status: "Reembolsado", RefundAmountCents: 5000}, model.RequestMeta{})
		if !errors.Is(err, ErrRefundExceedsCeiling) {
			t.Fatalf("expected ErrRefundExceedsCeiling, got %v", err)
		}
	})

	t.Run("effective amount is the smallest bound", func(t *testing.T) {
		order := base
		gw := &stubGateway{}
		svc := newTestService(mutatorRepo(&order), nil, gw, nil)

		_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
			AdminOrderUpdate{Status: "Reembolsado", RefundAmountCents: 3000}, model.RequestMeta{})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if len(gw.refunds) != 1 || gw.refunds[0] != 3000 {
			t.Fatalf("gateway refunds = %v, want [3000]", gw.refunds)
		}
		if gw.txnIDs[0] != "txn-1" {
			t.Fatalf("refund must target the captured transaction")
		}
	})
}

func TestUpdateOrderByAdmin_PartialDowngrade(t *testing.T) {
	order := &model.Order{
		ID: 1, UserID: 9, Status: model.StatusReembolsoSolicitado,
		TotalAmount: 10000, RefundAmount: 4000, GatewayTransactionID: "txn-1",
	}
	gw := &stubGateway{}
	notifier := &stubNotifier{}
	svc := newTestService(mutatorRepo(order), nil, gw, notifier)

	// Admin approves "Reembolsado" but the requested ceiling is partial:
	// the recorded status must say so.
	updated, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "Reembolsado"}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.StatusReembolsadoParcialmente {
		t.Fatalf("status = %s, want ReembolsadoParcialmente", updated.Status)
	}
	if len(gw.refunds) != 1 || gw.refunds[0] != 4000 {
		t.Fatalf("gateway refunds = %v, want [4000]", gw.refunds)
	}
	if got := updated.History[len(updated.History)-1]; !strings.Contains(got.Message, "Reembolsado Parcialmente") {
		t.Fatalf("audit message %q must name the corrected status", got.Message)
	}
	if len(notifier.statusChanges) != 1 || notifier.statusChanges[0] != model.StatusReembolsadoParcialmente {
		t.Fatalf("status-changed notification = %v", notifier.statusChanges)
	}
}

func TestUpdateOrderByAdmin_NoSecondRefund(t *testing.T) {
	t.Run("already settled", func(t *testing.T) {
		order := &model.Order{
			ID: 1, UserID: 9, Status: model.StatusReembolsado,
			TotalAmount: 10000, GatewayTransactionID: "txn-1",
		}
		gw := &stubGateway{}
		svc := newTestService(mutatorRepo(order), nil, gw, nil)

		if _, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
			AdminOrderUpdate{Status: "Cancelado"}, model.RequestMeta{}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if len(gw.refunds) != 0 {
			t.Fatalf("settled order must not be refunded again, got %v", gw.refunds)
		}
	})

	t.Run("no captured payment", func(t *testing.T) {
		order := &model.Order{ID: 1, UserID: 9, Status: model.StatusPendente, TotalAmount: 10000}
		gw := &stubGateway{}
		svc := newTestService(mutatorRepo(order), nil, gw, nil)

		if _, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
			AdminOrderUpdate{Status: "Cancelado"}, model.RequestMeta{}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if len(gw.refunds) != 0 {
			t.Fatalf("unpaid order has nothing to refund, got %v", gw.refunds)
		}
	})
}

func TestUpdateOrderByAdmin_RefundFailureAborts(t *testing.T) {
	order := &model.Order{
		ID: 1, UserID: 9, Status: model.StatusReembolsoSolicitado,
		TotalAmount: 10000, GatewayTransactionID: "txn-1",
	}
	gw := &stubGateway{err: errors.New("gateway down")}
	notifier := &stubNotifier{}
	svc := newTestService(mutatorRepo(order), nil, gw, notifier)

	_, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "Reembolsado"}, model.RequestMeta{})
	if err == nil {
		t.Fatalf("expected refund failure to abort the transition")
	}
	if len(notifier.statusChanges) != 0 {
		t.Fatalf("aborted transition must not notify")
	}
}

func TestUpdateOrderByAdmin_DeliveryStampAndTracking(t *testing.T) {
	order := &model.Order{ID: 1, UserID: 9, Status: model.StatusEnviado, TotalAmount: 10000}
	svc := newTestService(mutatorRepo(order), nil, nil, nil)
	svc.now = fixedNow

	updated, err := svc.UpdateOrderByAdmin(context.Background(), admin(), 1,
		AdminOrderUpdate{Status: "Entregue", TrackingCode: "BR123"}, model.RequestMeta{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.DeliveryDate == nil || !updated.DeliveryDate.Equal(fixedNow()) {
		t.Fatalf("delivery date not stamped: %v", updated.DeliveryDate)
	}
	if updated.TrackingCode != "BR123" {
		t.Fatalf("tracking code not stored")
	}
	if got := updated.History[len(updated.History)-1]; got.Actor != "Admin:3" {
		t.Fatalf("actor = %q, want Admin:3", got.Actor)
	}
}

func TestEffectiveRefundAmount(t *testing.T) {
	tests := []struct {
		name        string
		total       int64
		requested   int64
		admin       int64
		want        int64
		wantErr     error
	}{
		{name: "full refund defaults to total", total: 10000, want: 10000},
		{name: "requested ceiling wins", total: 10000, requested: 4000, want: 4000},
		{name: "admin amount wins when smallest", total: 10000, requested: 4000, admin: 3000, want: 3000},
		{name: "admin above total", total: 10000, admin: 10001, wantErr: ErrRefundExceedsTotal},
		{name: "admin above requested", total: 10000, requested: 4000, admin: 4500, wantErr: ErrRefundExceedsCeiling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &model.Order{TotalAmount: tt.total, RefundAmount: tt.requested}
			got, err := effectiveRefundAmount(o, tt.admin)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("amount = %d, want %d", got, tt.want)
			}
		})
	}
}
