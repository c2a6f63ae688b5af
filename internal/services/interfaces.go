package services

import (
	"context"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
)

// EventPublisher pushes order domain events to downstream consumers. Publish
// failures are logged by callers and never block the flow that raised them.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, orderID string, payload map[string]any) error
}

// Actor identifies the caller of an order operation. Guests authenticate
// with the capability token minted at order creation instead of a user ID.
type Actor struct {
	UserID     string
	GuestToken string
	Admin      bool
}

// OrderItemInput is a validated line item from the checkout collaborator.
type OrderItemInput struct {
	ProductID string
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int64
}

// CreateOrderCommand carries everything needed to place an order.
type CreateOrderCommand struct {
	UserID      string
	Currency    string
	Items       []OrderItemInput
	Shipping    domain.Address
	Billing     domain.Address
	ShippingFee int64
	Tax         int64
}

// CreateOrderResult returns the placed order plus, for guests, the one-time
// capability token whose hash is stored on the order.
type CreateOrderResult struct {
	Order      domain.Order
	GuestToken string
}

// PaymentIntentResult is handed to the client to complete payment out-of-band.
type PaymentIntentResult struct {
	IntentID     string
	ClientSecret string
}

// OrderService owns the order ledger flows: creation with atomic stock
// reservation, payment-intent opening, user cancellation, and administrative
// refunds.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	Get(ctx context.Context, orderID string, actor Actor) (domain.Order, error)
	CreatePaymentIntent(ctx context.Context, orderID string, actor Actor) (PaymentIntentResult, error)
	Cancel(ctx context.Context, orderID string, actor Actor) (domain.Order, error)
	Refund(ctx context.Context, orderID string, actor Actor) (domain.Order, error)
}

// InventoryService fronts the atomic stock reservation primitive. It must
// only be called from order creation and the compensation paths.
type InventoryService interface {
	Reserve(ctx context.Context, lines []domain.StockLine) error
	Release(ctx context.Context, lines []domain.StockLine) error
}

// WebhookService is the ingestion pipeline for processor notifications.
type WebhookService interface {
	// HandleNotification verifies, deduplicates, and applies one raw webhook
	// delivery. A nil return means the delivery may be acknowledged with 200.
	HandleNotification(ctx context.Context, body []byte, signatureHeader string) error
}

// ReconciliationStats summarises one reconciliation pass.
type ReconciliationStats struct {
	Scanned   int
	Paid      int
	Cancelled int
	Abandoned int
	Skipped   int
	Failed    int
	StartedAt time.Time
	Elapsed   time.Duration
}

// ReconciliationService is the background loop converging orders whose
// webhook was lost, delayed, or never sent.
type ReconciliationService interface {
	// Run blocks, executing one pass per tick until the context is cancelled.
	Run(ctx context.Context) error
	// RunOnce executes a single bounded pass.
	RunOnce(ctx context.Context) (ReconciliationStats, error)
}
