package repositories

import (
	"context"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	Notifications() NotificationRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// TransitionUpdate carries the fields applied together with a successful
// conditional status transition. Nil fields are left untouched.
type TransitionUpdate struct {
	PaymentStatus *domain.PaymentStatus
	PaymentRef    *string
	PaidAt        *time.Time
	CancelledAt   *time.Time
}

// OrderRepository persists the order ledger. Status mutations after creation
// go through TransitionIfCurrent; the sole exception is MarkRefunded, which
// applies the processor-authoritative refund terminal state.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)

	// TransitionIfCurrent atomically moves the order from expected to next and
	// applies the update, reporting false without error when the stored status
	// no longer matches expected.
	TransitionIfCurrent(ctx context.Context, orderID string, expected, next domain.OrderStatus, update TransitionUpdate) (bool, error)

	// MarkRefunded forces status and payment status to refunded regardless of
	// the current state.
	MarkRefunded(ctx context.Context, orderID string, at time.Time) error

	// SetPaymentRefIfPending records the gateway intent reference and payment
	// status, but only while the order is still pending payment. It reports
	// false without error when another actor settled the order first, leaving
	// the stored payment status untouched.
	SetPaymentRefIfPending(ctx context.Context, orderID, paymentRef string, status domain.PaymentStatus) (bool, error)

	// SetPaymentStatusIfCurrent performs a compare-and-swap on payment status
	// alone, reporting false when the stored value differs from expected.
	SetPaymentStatusIfCurrent(ctx context.Context, orderID string, expected, next domain.PaymentStatus) (bool, error)

	// ListPendingOlderThan returns up to limit orders still pending payment
	// that were created before the cutoff, oldest first.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// InventoryRepository owns the per-product stock counters. Reserve and
// Release apply their whole batch atomically; no other code path may mutate
// the counters.
type InventoryRepository interface {
	Reserve(ctx context.Context, lines []domain.StockLine) error
	Release(ctx context.Context, lines []domain.StockLine) error
}

// NotificationRepository is the append-only processed-notification store
// keyed on the processor's event ID.
type NotificationRepository interface {
	// CreateIfAbsent inserts the record, reporting false without error when a
	// record with the same event ID already exists.
	CreateIfAbsent(ctx context.Context, notification domain.ProcessedNotification) (bool, error)
}

// HealthRepository aggregates dependency health probes for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
