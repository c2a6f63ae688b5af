package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
)

type stubVerifier struct {
	event payments.Event
	err   error
}

func (v *stubVerifier) Verify([]byte, string) (payments.Event, error) {
	return v.event, v.err
}

type webhookFixture struct {
	service WebhookService
	orders  *memOrderRepository
	stock   *memInventoryRepository
	gateway *stubGateway
	events  *recordingPublisher
	seen    *memNotificationRepository
}

func newWebhookFixture(t *testing.T, verifier WebhookVerifier, orders *memOrderRepository, stock *memInventoryRepository) *webhookFixture {
	t.Helper()
	gateway := &stubGateway{}
	events := &recordingPublisher{}
	seen := newMemNotificationRepository()

	svc, err := NewWebhookService(WebhookServiceDeps{
		Verifier:      verifier,
		Notifications: seen,
		Orders:        orders,
		Inventory:     testInventoryService(stock),
		Gateway:       gateway,
		Events:        events,
		Clock:         fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Spawn:         syncSpawn,
	})
	if err != nil {
		t.Fatalf("NewWebhookService: %v", err)
	}
	return &webhookFixture{service: svc, orders: orders, stock: stock, gateway: gateway, events: events, seen: seen}
}

func TestWebhookServicePaymentSucceededMarksPaid(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	order.PaymentRef = "pi_1"
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:         "evt_1",
		Type:       payments.EventPaymentSucceeded,
		PaymentRef: "pi_1",
		OrderID:    "ord_1",
		Amount:     5000,
		Currency:   "JPY",
	}}, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 0}))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	stored := fx.orders.get("ord_1")
	if stored.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", stored.Status)
	}
	if stored.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("paymentStatus = %s, want succeeded", stored.PaymentStatus)
	}
	if stored.PaidAt == nil {
		t.Fatalf("paidAt must be set")
	}
	if len(fx.gateway.refundCalls()) != 0 {
		t.Fatalf("matching amount must not trigger a refund")
	}
	if len(fx.events.byType("order.payment.succeeded")) != 1 {
		t.Fatalf("expected one order.payment.succeeded event")
	}
}

func TestWebhookServiceAmountMismatchCancelsAndRefunds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	order.PaymentRef = "pi_1"
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:         "evt_1",
		Type:       payments.EventPaymentSucceeded,
		PaymentRef: "pi_1",
		OrderID:    "ord_1",
		Amount:     4000,
		Currency:   "JPY",
	}}, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 0}))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	stored := fx.orders.get("ord_1")
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	if got := fx.stock.onHand("prod_a"); got != 2 {
		t.Fatalf("released stock = %d, want 2", got)
	}

	refunds := fx.gateway.refundCalls()
	if len(refunds) != 1 {
		t.Fatalf("refund calls = %d, want 1", len(refunds))
	}
	// The refund covers what the gateway captured, not the ledger total.
	if refunds[0].Amount != 4000 {
		t.Fatalf("refund amount = %d, want the reported 4000", refunds[0].Amount)
	}
	if refunds[0].PaymentRef != "pi_1" {
		t.Fatalf("refund paymentRef = %q, want pi_1", refunds[0].PaymentRef)
	}
}

func TestWebhookServiceCurrencyMismatchCancels(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	order.PaymentRef = "pi_1"
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:         "evt_1",
		Type:       payments.EventPaymentSucceeded,
		PaymentRef: "pi_1",
		OrderID:    "ord_1",
		Amount:     5000,
		Currency:   "USD",
	}}, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 0}))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if got := fx.orders.get("ord_1").Status; got != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	if len(fx.gateway.refundCalls()) != 1 {
		t.Fatalf("currency mismatch must refund the captured amount")
	}
}

func TestWebhookServicePaymentFailedCancelsAndReleases(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:      "evt_1",
		Type:    payments.EventPaymentFailed,
		OrderID: "ord_1",
	}}, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 3}))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	stored := fx.orders.get("ord_1")
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	if stored.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("paymentStatus = %s, want failed", stored.PaymentStatus)
	}
	if got := fx.stock.onHand("prod_a"); got != 5 {
		t.Fatalf("stock = %d, want 5 after release", got)
	}
}

func TestWebhookServiceRefundSucceededIsUnconditional(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
	} {
		order := pendingOrder("ord_1", now)
		order.Status = status
		order.PaymentStatus = domain.PaymentStatusSucceeded
		fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
			ID:      "evt_1",
			Type:    payments.EventRefundSucceeded,
			OrderID: "ord_1",
		}}, newMemOrderRepository(order), newMemInventoryRepository(nil))

		if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
			t.Fatalf("%s: HandleNotification: %v", status, err)
		}
		stored := fx.orders.get("ord_1")
		if stored.Status != domain.OrderStatusRefunded {
			t.Fatalf("%s: status = %s, want refunded", status, stored.Status)
		}
		if stored.PaymentStatus != domain.PaymentStatusRefunded {
			t.Fatalf("%s: paymentStatus = %s, want refunded", status, stored.PaymentStatus)
		}
	}
}

func TestWebhookServiceReplayedEventIsAcceptedWithoutSideEffects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	order.PaymentRef = "pi_1"
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:         "evt_1",
		Type:       payments.EventPaymentSucceeded,
		PaymentRef: "pi_1",
		OrderID:    "ord_1",
		Amount:     5000,
		Currency:   "JPY",
	}}, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 0}))

	for i := 0; i < 3; i++ {
		if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := fx.orders.get("ord_1").Status; got != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", got)
	}
	if got := len(fx.events.byType("order.payment.succeeded")); got != 1 {
		t.Fatalf("succeeded events = %d, want exactly 1", got)
	}
}

func TestWebhookServiceSignatureFailureRejectsWithoutRecording(t *testing.T) {
	fx := newWebhookFixture(t, &stubVerifier{err: fmt.Errorf("%w: no matching signature", payments.ErrWebhookSignature)},
		newMemOrderRepository(), newMemInventoryRepository(nil))

	err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig")
	if !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("error = %v, want ErrWebhookRejected", err)
	}
	if len(fx.seen.seen) != 0 {
		t.Fatalf("rejected delivery must not be recorded")
	}
}

func TestWebhookServiceIdempotencyWriteFailureAborts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	order := pendingOrder("ord_1", now.Add(-time.Minute))
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:      "evt_1",
		Type:    payments.EventPaymentSucceeded,
		OrderID: "ord_1",
		Amount:  5000, Currency: "JPY",
	}}, newMemOrderRepository(order), newMemInventoryRepository(nil))
	fx.seen.err = errors.New("deadline exceeded")

	err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig")
	if !errors.Is(err, ErrWebhookUnavailable) {
		t.Fatalf("error = %v, want ErrWebhookUnavailable", err)
	}
	if got := fx.orders.get("ord_1").Status; got != domain.OrderStatusPendingPayment {
		t.Fatalf("order must stay pending when the idempotency write fails, got %s", got)
	}
}

func TestWebhookServiceDispatchFailureStillAcks(t *testing.T) {
	// The order referenced by the event does not exist, so dispatch fails
	// after the idempotency record was written. The delivery is still acked
	// and the reconciliation loop is the backstop.
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:      "evt_1",
		Type:    payments.EventPaymentSucceeded,
		OrderID: "ord_missing",
		Amount:  5000, Currency: "JPY",
	}}, newMemOrderRepository(), newMemInventoryRepository(nil))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("post-record dispatch failures must still ack, got %v", err)
	}
	if len(fx.seen.seen) != 1 {
		t.Fatalf("event must have been recorded")
	}
}

func TestWebhookServiceUnknownTypeIsAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t, &stubVerifier{event: payments.Event{
		ID:   "evt_1",
		Type: payments.EventUnknown,
	}}, newMemOrderRepository(), newMemInventoryRepository(nil))

	if err := fx.service.HandleNotification(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("unknown event types are acknowledged, got %v", err)
	}
}

func TestWebhookServiceEndToEndWithSignedDelivery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secret := "whsec_test"
	verifier, err := payments.NewWebhookVerifier([]string{secret}, payments.WithWebhookClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}

	order := pendingOrder("ord_1", now.Add(-time.Minute))
	order.PaymentRef = "pi_1"
	fx := newWebhookFixture(t, verifier, newMemOrderRepository(order), newMemInventoryRepository(map[string]int64{"prod_a": 0}))

	body := []byte(`{
		"id": "evt_signed",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_1",
			"amount": 5000,
			"currency": "jpy",
			"status": "succeeded",
			"metadata": {"order_id": "ord_1"}
		}}
	}`)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(body)))
	header := "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))

	if err := fx.service.HandleNotification(context.Background(), body, header); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if got := fx.orders.get("ord_1").Status; got != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", got)
	}

	// Tamper with the body: the same header must now be rejected.
	tampered := []byte(`{"id": "evt_signed", "type": "payment_intent.succeeded", "data": {"object": {"amount": 1}}}`)
	if err := fx.service.HandleNotification(context.Background(), tampered, header); !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("tampered body error = %v, want ErrWebhookRejected", err)
	}
}
