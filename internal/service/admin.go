package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

// AdminOrderUpdate is the admin-entered transition payload. Status accepts
// either the wire value or the human-readable label. Zero-valued fields are
// left untouched on the order.
type AdminOrderUpdate struct {
	Status               string
	TrackingCode         string
	ReverseLogisticsCode string
	ReturnInstructions   string
	RefundRejectReason   string
	RefundRejectProof    string
	RefundAmountCents    int64
}

const defaultReturnInstructions = "Embale o item na embalagem original e poste com o código de logística reversa informado."

// UpdateOrderByAdmin applies one admin-driven status transition with its
// side effects. The decision runs inside the repository's serializable
// transaction against the freshly loaded order, so two concurrent admins
// cannot both trigger a gateway refund:
//
//   - a tracking code is stored whenever provided;
//   - AguardandoDevolução stores the reverse-logistics code and return
//     instructions, falling back to a standard instruction text;
//   - ReembolsoReprovado requires a reason and stores reason and proof;
//   - Reembolsado, ReembolsadoParcialmente and Cancelado store a supplied
//     reason and proof, and on a captured payment issue a gateway refund for
//     the effective amount, unless a refund already settled; a Reembolsado
//     whose effective amount is below the total is recorded as
//     ReembolsadoParcialmente;
//   - first arrival at Entregue stamps the delivery date.
func (s *Service) UpdateOrderByAdmin(ctx context.Context, caller model.Identity, orderID int64, upd AdminOrderUpdate, meta model.RequestMeta) (*model.Order, error) {
	if caller.Role != model.RoleAdmin {
		return nil, ErrNotAdmin
	}

	target, ok := model.ParseOrderStatus(upd.Status)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, upd.Status)
	}

	actor := fmt.Sprintf("Admin:%d", caller.UserID)

	var (
		transactionID string
		previous      model.OrderStatus
	)

	mutate := func(o *model.Order) (*repository.OrderMutation, error) {
		previous = o.Status
		transactionID = o.GatewayTransactionID

		m := &repository.OrderMutation{
			Status: target,
			Actor:  actor,
			Meta:   meta,
		}

		var notes []string

		if code := strings.TrimSpace(upd.TrackingCode); code != "" {
			m.TrackingCode = &code
			notes = append(notes, "código de rastreio "+code)
		}

		switch target {
		case model.StatusAguardandoDevolucao:
			code := strings.TrimSpace(upd.ReverseLogisticsCode)
			m.ReverseLogisticsCode = &code
			instructions := strings.TrimSpace(upd.ReturnInstructions)
			if instructions == "" {
				instructions = defaultReturnInstructions
			}
			m.ReturnInstructions = &instructions
			if code != "" {
				notes = append(notes, "logística reversa "+code)
			}

		case model.StatusReembolsoReprovado:
			reason := strings.TrimSpace(upd.RefundRejectReason)
			if reason == "" {
				return nil, ErrRejectReasonRequired
			}
			m.RefundRejectReason = &reason
			if proof := strings.TrimSpace(upd.RefundRejectProof); proof != "" {
				m.RefundRejectProof = &proof
			}
			notes = append(notes, "motivo: "+reason)

		case model.StatusReembolsado, model.StatusReembolsadoParcialmente, model.StatusCancelado:
			// Dispute evidence attached to a refund decision is kept even
			// though it is optional here.
			if reason := strings.TrimSpace(upd.RefundRejectReason); reason != "" {
				m.RefundRejectReason = &reason
				notes = append(notes, "motivo: "+reason)
			}
			if proof := strings.TrimSpace(upd.RefundRejectProof); proof != "" {
				m.RefundRejectProof = &proof
			}

		case model.StatusEntregue:
			if o.Status != model.StatusEntregue {
				t := s.now()
				m.DeliveryDate = &t
			}
		}

		if refundTarget(target) && transactionID != "" && !o.Status.RefundSettled() {
			amount, err := effectiveRefundAmount(o, upd.RefundAmountCents)
			if err != nil {
				return nil, err
			}
			m.RefundAmount = amount

			// An admin approving a full refund with a lower effective amount
			// has in fact granted a partial one; the recorded status says so.
			if m.Status == model.StatusReembolsado && amount < o.TotalAmount {
				m.Status = model.StatusReembolsadoParcialmente
			}
			notes = append(notes, fmt.Sprintf("reembolso de %d centavos", amount))
		}

		m.HistoryMessage = transitionMessage(previous, m.Status, notes)
		return m, nil
	}

	order, err := s.repo.UpdateOrder(ctx, orderID, mutate, func(ctx context.Context, amount int64) error {
		return s.gateway.Refund(ctx, transactionID, amount)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order updated by admin",
		zap.Int64("orderID", order.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(order.Status)),
		zap.String("actor", actor))

	if order.Status != previous {
		s.notifier.StatusChanged(order, order.Status)
	}
	return order, nil
}

// refundTarget reports whether the target status triggers a gateway refund
// when the order carries a captured payment.
func refundTarget(s model.OrderStatus) bool {
	switch s {
	case model.StatusReembolsado, model.StatusReembolsadoParcialmente, model.StatusCancelado:
		return true
	}
	return false
}

// effectiveRefundAmount resolves the amount to send to the gateway: the
// smallest of the admin-entered amount, the customer-requested ceiling and
// the order total, considering only the ones that are set. The admin may
// never exceed either bound.
func effectiveRefundAmount(o *model.Order, adminAmount int64) (int64, error) {
	if adminAmount > o.TotalAmount {
		return 0, fmt.Errorf("%w: %d > %d", ErrRefundExceedsTotal, adminAmount, o.TotalAmount)
	}
	if adminAmount > 0 && o.RefundAmount > 0 && adminAmount > o.RefundAmount {
		return 0, fmt.Errorf("%w: %d > %d", ErrRefundExceedsCeiling, adminAmount, o.RefundAmount)
	}

	amount := o.TotalAmount
	if o.RefundAmount > 0 && o.RefundAmount < amount {
		amount = o.RefundAmount
	}
	if adminAmount > 0 && adminAmount < amount {
		amount = adminAmount
	}
	return amount, nil
}

func transitionMessage(from, to model.OrderStatus, notes []string) string {
	msg := fmt.Sprintf("Status alterado de %s para %s", from.Label(), to.Label())
	if len(notes) > 0 {
		msg += " (" + strings.Join(notes, "; ") + ")"
	}
	return msg
}
