package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StubGateway is a deterministic in-memory Gateway for tests and local
// development. Intent IDs derive from the order ID, so a retried create
// returns the same intent, matching the idempotency contract of the live
// adapter.
type StubGateway struct {
	mu      sync.Mutex
	intents map[string]Intent
	refunds map[string]RefundRecord
	clock   func() time.Time
}

// NewStubGateway constructs an empty stub gateway.
func NewStubGateway() *StubGateway {
	return &StubGateway{
		intents: make(map[string]Intent),
		refunds: make(map[string]RefundRecord),
		clock:   time.Now,
	}
}

// CreateIntent records a pending intent keyed deterministically on the order ID.
func (g *StubGateway) CreateIntent(_ context.Context, input CreateIntentInput) (Intent, error) {
	if input.Amount <= 0 || strings.TrimSpace(input.Currency) == "" {
		return Intent{}, fmt.Errorf("%w: amount and currency are required", ErrGatewayInvalidInput)
	}

	id := stubIntentID(input.OrderID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.intents[id]; ok {
		return existing, nil
	}

	intent := Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       IntentStatusPending,
		Amount:       input.Amount,
		Currency:     strings.ToUpper(input.Currency),
	}
	g.intents[id] = intent
	return intent, nil
}

// RetrieveIntent returns the stored intent or ErrIntentNotFound.
func (g *StubGateway) RetrieveIntent(_ context.Context, intentID string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	return intent, nil
}

// Confirm marks a pending intent succeeded.
func (g *StubGateway) Confirm(_ context.Context, intentID string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status == IntentStatusPending {
		intent.Status = IntentStatusSucceeded
		g.intents[intentID] = intent
	}
	return intent, nil
}

// Refund records a refund; repeated calls with the same idempotency key
// return the original record.
func (g *StubGateway) Refund(_ context.Context, input RefundInput) (RefundRecord, error) {
	if strings.TrimSpace(input.PaymentRef) == "" {
		return RefundRecord{}, fmt.Errorf("%w: payment reference is required", ErrGatewayInvalidInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := input.IdempotencyKey
	if key == "" {
		key = input.PaymentRef
	}
	if existing, ok := g.refunds[key]; ok {
		return existing, nil
	}

	if _, ok := g.intents[input.PaymentRef]; !ok {
		return RefundRecord{}, fmt.Errorf("%w: %s", ErrIntentNotFound, input.PaymentRef)
	}

	record := RefundRecord{
		ID:         "re_stub_" + key,
		PaymentRef: input.PaymentRef,
		Amount:     input.Amount,
		Status:     "succeeded",
		CreatedAt:  g.clock().UTC(),
	}
	g.refunds[key] = record
	return record, nil
}

// SetIntentStatus forces an intent into the given state. Used by tests and
// the local stub webhook flow to simulate out-of-band settlement.
func (g *StubGateway) SetIntentStatus(intentID string, status IntentStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return false
	}
	intent.Status = status
	g.intents[intentID] = intent
	return true
}

// Refunds returns the refunds issued so far, keyed by idempotency key.
func (g *StubGateway) Refunds() map[string]RefundRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]RefundRecord, len(g.refunds))
	for k, v := range g.refunds {
		out[k] = v
	}
	return out
}

func stubIntentID(orderID string) string {
	sum := sha256.Sum256([]byte(orderID))
	return "pi_stub_" + hex.EncodeToString(sum[:8])
}
