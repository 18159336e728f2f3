package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

// ConfirmPayment reconciles one gateway payment event against the order.
// The gateway delivers at least once; replays of an already-applied
// transaction id are benign no-ops. An amount mismatch is treated as a
// security incident: no effect is applied, the security channel is
// notified with full forensic detail, and the returned error is
// distinguishable via ErrPaymentAmountMismatch.
//
// If stock evaporated since order creation, the repository refunds the full
// amount through the gateway inside the same transaction that cancels the
// order; a failed refund call rolls everything back and the error
// propagates for manual intervention.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, transactionID string, amountCents int64, meta model.RequestMeta) (*repository.PaymentOutcome, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("confirm payment: empty transaction id")
	}

	// Idempotency fast path, the one check outside the transaction. The
	// transaction id lands on exactly one order, so finding one means this
	// event was already reconciled, whatever the order has moved to since:
	// paid, shipped, or auto-cancelled on an evaporated-stock refund.
	if existing, err := s.repo.FindOrderByTransactionID(ctx, transactionID); err == nil {
		s.logger.Info("payment replay ignored",
			zap.Int64("orderID", existing.ID),
			zap.String("status", string(existing.Status)),
			zap.String("transactionID", transactionID))
		return &repository.PaymentOutcome{Kind: repository.PaymentReplayed, Order: existing}, nil
	} else if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, err
	}

	outcome, err := s.repo.ApplyPayment(ctx, repository.PaymentConfirmation{
		OrderID:       orderID,
		TransactionID: transactionID,
		AmountPaid:    amountCents,
		Actor:         ActorSystemWebhook,
		Meta:          meta,
	}, func(ctx context.Context, amount int64) error {
		return s.gateway.Refund(ctx, transactionID, amount)
	})
	if err != nil {
		var mismatch *repository.AmountMismatchError
		if errors.As(err, &mismatch) {
			return nil, s.reportAmountMismatch(mismatch, transactionID, meta)
		}
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			// The transaction id landed on some order concurrently; that
			// reconciliation already happened, so this delivery is a replay.
			if existing, ferr := s.repo.FindOrderByTransactionID(ctx, transactionID); ferr == nil {
				return &repository.PaymentOutcome{Kind: repository.PaymentReplayed, Order: existing}, nil
			}
		}
		return nil, err
	}

	switch outcome.Kind {
	case repository.PaymentApplied:
		s.logger.Info("payment applied",
			zap.Int64("orderID", outcome.Order.ID),
			zap.String("transactionID", transactionID))
		s.notifier.PaymentConfirmed(outcome.Order)
	case repository.PaymentRefunded:
		names := make([]string, 0, len(outcome.Shortages))
		for _, sh := range outcome.Shortages {
			names = append(names, sh.ProductName)
		}
		s.logger.Warn("payment refunded, stock evaporated",
			zap.Int64("orderID", outcome.Order.ID),
			zap.Strings("items", names))
		s.notifier.PaymentRefundPending(outcome.Order, names)
	}

	return outcome, nil
}

// reportAmountMismatch logs the incident at the highest severity, notifies
// the security channel and returns the security-classified error.
func (s *Service) reportAmountMismatch(m *repository.AmountMismatchError, transactionID string, meta model.RequestMeta) error {
	now := s.now()

	s.logger.Error("payment amount mismatch",
		zap.Int64("orderID", m.OrderID),
		zap.Int64("userID", m.UserID),
		zap.Int64("expectedAmount", m.Expected),
		zap.Int64("reportedAmount", m.Reported),
		zap.String("transactionID", transactionID),
		zap.String("ip", meta.IP),
		zap.String("userAgent", meta.UserAgent),
		zap.Time("at", now))

	s.notifier.SecurityAlert(model.SecurityAlert{
		OrderID:        m.OrderID,
		OrderNumber:    m.OrderNumber,
		UserID:         m.UserID,
		TransactionID:  transactionID,
		ExpectedAmount: m.Expected,
		ReportedAmount: m.Reported,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		At:             now,
	})

	return fmt.Errorf("%w: order %d", ErrPaymentAmountMismatch, m.OrderID)
}
