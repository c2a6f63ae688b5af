package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// IntentStatus is the normalised settlement status of a payment intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusSucceeded IntentStatus = "succeeded"
	IntentStatusFailed    IntentStatus = "failed"
)

// Sentinel errors returned by gateway implementations. Callers distinguish
// transport failures (retryable) from rejections (never retried).
var (
	// ErrGatewayInvalidInput indicates a malformed request the gateway can never accept.
	ErrGatewayInvalidInput = errors.New("payments: invalid gateway input")
	// ErrGatewayUnavailable indicates a transport or processor outage; safe to retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected indicates the processor declined the request definitively.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrIntentNotFound indicates the referenced intent does not exist at the processor.
	ErrIntentNotFound = errors.New("payments: payment intent not found")
)

// Intent is the gateway-side record of one attempt to collect payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
}

// CreateIntentInput carries everything needed to open a payment intent.
type CreateIntentInput struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundInput requests a refund against a settled payment.
type RefundInput struct {
	PaymentRef     string
	Amount         int64
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundRecord describes the processor's view of an issued refund.
type RefundRecord struct {
	ID         string
	PaymentRef string
	Amount     int64
	Status     string
	CreatedAt  time.Time
}

// Gateway abstracts the remote card processor. Implementations must derive no
// state from call ordering; every method is safe to retry with the same
// idempotency key.
type Gateway interface {
	CreateIntent(ctx context.Context, input CreateIntentInput) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	Confirm(ctx context.Context, intentID string) (Intent, error)
	Refund(ctx context.Context, input RefundInput) (RefundRecord, error)
}

// IntentIdempotencyKey derives the idempotency key for opening an intent from
// the order ID alone, so a retried create cannot open two live intents for
// the same order.
func IntentIdempotencyKey(orderID string) string {
	sum := sha256.Sum256([]byte("payment-intent:" + orderID))
	return "intent-" + hex.EncodeToString(sum[:16])
}

// RefundIdempotencyKey derives the idempotency key for a compensating or
// administrative refund from the order ID.
func RefundIdempotencyKey(orderID string) string {
	sum := sha256.Sum256([]byte("refund:" + orderID))
	return "refund-" + hex.EncodeToString(sum[:16])
}

func noopGatewayLogger(context.Context, string, map[string]any) {}
