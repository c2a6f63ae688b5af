package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/repositories"
)

var (
	// ErrWebhookRejected indicates signature verification failed; the delivery
	// must be answered with a client error and never retried.
	ErrWebhookRejected = errors.New("webhooks: notification rejected")
	// ErrWebhookUnavailable indicates a transient failure before the
	// idempotency record was written; the processor's retry will replay it.
	ErrWebhookUnavailable = errors.New("webhooks: temporarily unavailable")
)

// WebhookVerifier is the slice of the gateway adapter the pipeline needs.
type WebhookVerifier interface {
	Verify(body []byte, signatureHeader string) (payments.Event, error)
}

// WebhookServiceDeps bundles the collaborators required to construct a webhook service.
type WebhookServiceDeps struct {
	Verifier      WebhookVerifier
	Notifications repositories.NotificationRepository
	Orders        repositories.OrderRepository
	Inventory     InventoryService
	Gateway       payments.Gateway
	Events        EventPublisher

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	Spawn  func(func())
}

type webhookService struct {
	verifier      WebhookVerifier
	notifications repositories.NotificationRepository
	orders        repositories.OrderRepository
	settler       *paymentSettler
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewWebhookService wires dependencies into a concrete WebhookService implementation.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: verifier is required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("webhook service: notification repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	settler, err := newPaymentSettler(deps.Orders, deps.Inventory, deps.Gateway, deps.Events, clock, logger, deps.Spawn)
	if err != nil {
		return nil, err
	}

	return &webhookService{
		verifier:      deps.Verifier,
		notifications: deps.Notifications,
		orders:        deps.Orders,
		settler:       settler,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// HandleNotification runs the ingestion pipeline: verify the signature,
// record the event ID exactly once, then dispatch on the event type. A
// replayed event ID acknowledges immediately with no further side effects.
func (s *webhookService) HandleNotification(ctx context.Context, body []byte, signatureHeader string) error {
	event, err := s.verifier.Verify(body, signatureHeader)
	if err != nil {
		if errors.Is(err, payments.ErrWebhookSignature) {
			// Potential forgery; reject without any state change.
			s.logger(ctx, "webhook.signature_rejected", map[string]any{"error": err.Error()})
			return fmt.Errorf("%w: %v", ErrWebhookRejected, err)
		}
		s.logger(ctx, "webhook.payload_rejected", map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrWebhookRejected, err)
	}

	inserted, err := s.notifications.CreateIfAbsent(ctx, domain.ProcessedNotification{
		EventID:    event.ID,
		EventType:  string(event.Type),
		PaymentRef: event.PaymentRef,
		OrderID:    event.OrderID,
		Amount:     event.Amount,
		Currency:   event.Currency,
		Status:     event.Status,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		// Without an idempotency record, proceeding risks double-processing.
		// Abort and let the processor's delivery retry represent the event.
		s.logger(ctx, "webhook.idempotency_write_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
	if !inserted {
		s.logger(ctx, "webhook.replay_ignored", map[string]any{"eventId": event.ID})
		return nil
	}

	// The event is recorded; from here failures are logged and left for the
	// reconciliation loop, and the delivery is still acknowledged.
	if err := s.dispatch(ctx, event); err != nil {
		s.logger(ctx, "webhook.dispatch_failed", map[string]any{
			"eventId": event.ID,
			"type":    string(event.Type),
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
	return nil
}

func (s *webhookService) dispatch(ctx context.Context, event payments.Event) error {
	if event.Type == payments.EventUnknown {
		s.logger(ctx, "webhook.unknown_type_ignored", map[string]any{"eventId": event.ID})
		return nil
	}
	if event.OrderID == "" {
		return fmt.Errorf("event %s carries no order id", event.ID)
	}

	switch event.Type {
	case payments.EventPaymentSucceeded:
		order, err := s.orders.FindByID(ctx, event.OrderID)
		if err != nil {
			return err
		}
		_, err = s.settler.applySucceeded(ctx, order, event.Amount, event.Currency)
		return err

	case payments.EventPaymentFailed:
		order, err := s.orders.FindByID(ctx, event.OrderID)
		if err != nil {
			return err
		}
		_, err = s.settler.applyFailed(ctx, order)
		return err

	case payments.EventRefundSucceeded:
		return s.settler.applyRefunded(ctx, event.OrderID)
	}
	return nil
}
