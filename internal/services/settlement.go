package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/repositories"
)

// ErrConsistencyViolation marks an amount/currency disagreement between the
// gateway and the ledger. It is never accepted silently: the settlement path
// refunds the gateway-reported amount and cancels the order.
var ErrConsistencyViolation = errors.New("orders: gateway amount disagrees with ledger")

type settleOutcome int

const (
	outcomeNoop settleOutcome = iota
	outcomePaid
	outcomeCancelled
)

// paymentSettler applies a gateway settlement result to an order. The webhook
// pipeline and the reconciliation loop share it so both reach identical
// states through the same conditional transition, and whichever runs second
// no-ops.
type paymentSettler struct {
	orders    repositories.OrderRepository
	inventory InventoryService
	gateway   payments.Gateway
	events    EventPublisher
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
	// spawn detaches compensating gateway calls from the caller. Tests swap
	// it for a synchronous runner.
	spawn func(func())
}

func newPaymentSettler(orders repositories.OrderRepository, inventory InventoryService, gateway payments.Gateway, events EventPublisher, clock func() time.Time, logger func(context.Context, string, map[string]any), spawn func(func())) (*paymentSettler, error) {
	if orders == nil {
		return nil, errors.New("settler: order repository is required")
	}
	if inventory == nil {
		return nil, errors.New("settler: inventory service is required")
	}
	if gateway == nil {
		return nil, errors.New("settler: payment gateway is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	return &paymentSettler{
		orders:    orders,
		inventory: inventory,
		gateway:   gateway,
		events:    events,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
		spawn:     spawn,
	}, nil
}

// applySucceeded handles a gateway-reported successful payment. The order's
// own total and currency are authoritative; the reported values are only
// cross-checked against them. A mismatch triggers the full compensation
// path: refund of the gateway-reported amount, cancel, stock release.
func (s *paymentSettler) applySucceeded(ctx context.Context, order domain.Order, amount int64, currency string) (settleOutcome, error) {
	if amount != order.Amounts.Total || !strings.EqualFold(currency, order.Currency) {
		s.logger(ctx, "payment.consistency_violation", map[string]any{
			"orderId":          order.ID,
			"expectedAmount":   order.Amounts.Total,
			"expectedCurrency": order.Currency,
			"reportedAmount":   amount,
			"reportedCurrency": currency,
			"error":            ErrConsistencyViolation.Error(),
		})

		s.refundAsync(ctx, order.ID, order.PaymentRef, amount)

		applied, err := s.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
		if err != nil {
			return outcomeNoop, err
		}
		if applied {
			return outcomeCancelled, nil
		}
		return outcomeNoop, nil
	}

	now := s.clock()
	succeeded := domain.PaymentStatusSucceeded
	applied, err := s.orders.TransitionIfCurrent(ctx, order.ID, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, repositories.TransitionUpdate{
		PaymentStatus: &succeeded,
		PaidAt:        &now,
	})
	if err != nil {
		return outcomeNoop, err
	}
	if !applied {
		s.logger(ctx, "payment.settle_noop", map[string]any{"orderId": order.ID, "reason": "status moved"})
		return outcomeNoop, nil
	}

	s.publish(ctx, "order.payment.succeeded", order.ID, map[string]any{
		"amount":   order.Amounts.Total,
		"currency": order.Currency,
	})
	return outcomePaid, nil
}

// applyFailed handles a gateway-reported failed payment.
func (s *paymentSettler) applyFailed(ctx context.Context, order domain.Order) (settleOutcome, error) {
	applied, err := s.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
	if err != nil {
		return outcomeNoop, err
	}
	if applied {
		return outcomeCancelled, nil
	}
	return outcomeNoop, nil
}

// applyRefunded marks the order refunded. Refunds are processor-authoritative
// and valid from any paid-or-later state, so no status comparison is made.
func (s *paymentSettler) applyRefunded(ctx context.Context, orderID string) error {
	if err := s.orders.MarkRefunded(ctx, orderID, s.clock()); err != nil {
		return err
	}
	s.publish(ctx, "order.payment.refunded", orderID, nil)
	return nil
}

// cancelAndRelease performs the conditional PendingPayment -> Cancelled
// transition and, only when it applied, releases the reserved stock. The CAS
// guarantees at most one actor releases stock for a given order.
func (s *paymentSettler) cancelAndRelease(ctx context.Context, order domain.Order, paymentStatus domain.PaymentStatus) (bool, error) {
	now := s.clock()
	applied, err := s.orders.TransitionIfCurrent(ctx, order.ID, domain.OrderStatusPendingPayment, domain.OrderStatusCancelled, repositories.TransitionUpdate{
		PaymentStatus: &paymentStatus,
		CancelledAt:   &now,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := s.inventory.Release(ctx, stockLines(order)); err != nil {
		// The order is already cancelled; the counters stay short until an
		// operator replays the release. Surface loudly.
		s.logger(ctx, "inventory.release_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	s.publish(ctx, "order.status.changed", order.ID, map[string]any{
		"status":        string(domain.OrderStatusCancelled),
		"paymentStatus": string(paymentStatus),
	})
	return true, nil
}

// refundAsync fires the compensating refund as detached work so a slow
// gateway never blocks the pipeline that detected the mismatch.
func (s *paymentSettler) refundAsync(ctx context.Context, orderID, paymentRef string, amount int64) {
	if strings.TrimSpace(paymentRef) == "" {
		s.logger(ctx, "payment.refund_skipped", map[string]any{"orderId": orderID, "reason": "no payment reference"})
		return
	}

	detached := context.WithoutCancel(ctx)
	s.spawn(func() {
		refundCtx, cancel := context.WithTimeout(detached, 30*time.Second)
		defer cancel()

		record, err := s.gateway.Refund(refundCtx, payments.RefundInput{
			PaymentRef:     paymentRef,
			Amount:         amount,
			IdempotencyKey: payments.RefundIdempotencyKey(orderID),
			Metadata:       map[string]string{"order_id": orderID, "reason": "amount_mismatch"},
		})
		if err != nil {
			s.logger(refundCtx, "payment.refund_failed", map[string]any{
				"orderId": orderID,
				"error":   err.Error(),
			})
			return
		}
		s.logger(refundCtx, "payment.refund_issued", map[string]any{
			"orderId": orderID,
			"refund":  record.ID,
			"amount":  record.Amount,
		})
	})
}

func (s *paymentSettler) publish(ctx context.Context, eventType, orderID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, orderID, payload); err != nil {
		s.logger(ctx, "event.publish_failed", map[string]any{
			"event":   eventType,
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func stockLines(order domain.Order) []domain.StockLine {
	lines := make([]domain.StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, domain.StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
