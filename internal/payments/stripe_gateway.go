package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   GatewayLogger
	Clients  *stripeClients
}

// StripeGateway implements Gateway against the Stripe payment-intents API.
type StripeGateway struct {
	api    stripeClients
	logger GatewayLogger
}

// NewStripeGateway constructs a Stripe-backed gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopGatewayLogger
	}

	return &StripeGateway{api: clients, logger: logger}, nil
}

// CreateIntent opens a payment intent for the order total.
func (g *StripeGateway) CreateIntent(ctx context.Context, input CreateIntentInput) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if input.Amount <= 0 || strings.TrimSpace(input.Currency) == "" {
		return Intent{}, fmt.Errorf("%w: amount and currency are required", ErrGatewayInvalidInput)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(input.Amount),
		Currency: stripe.String(strings.ToLower(input.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(input.CustomerEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if input.OrderID != "" {
		params.AddMetadata("order_id", input.OrderID)
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, translateStripeError("create payment intent", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       input.OrderID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return stripeIntent(intent), nil
}

// RetrieveIntent fetches the processor's current view of an intent.
func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(intentID) == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrGatewayInvalidInput)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, translateStripeError("retrieve payment intent", err)
	}
	return stripeIntent(intent), nil
}

// Confirm confirms a payment intent server-side.
func (g *StripeGateway) Confirm(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(intentID) == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrGatewayInvalidInput)
	}

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx

	intent, err := g.api.intents.Confirm(intentID, params)
	if err != nil {
		return Intent{}, translateStripeError("confirm payment intent", err)
	}

	g.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeIntent(intent), nil
}

// Refund issues a refund against the intent's latest charge.
func (g *StripeGateway) Refund(ctx context.Context, input RefundInput) (RefundRecord, error) {
	if g == nil {
		return RefundRecord{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(input.PaymentRef) == "" {
		return RefundRecord{}, fmt.Errorf("%w: payment reference is required", ErrGatewayInvalidInput)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(input.PaymentRef),
	}
	params.Context = ctx
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if input.Amount > 0 {
		params.Amount = stripe.Int64(input.Amount)
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return RefundRecord{}, translateStripeError("refund payment intent", err)
	}

	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refund":        refund.ID,
		"paymentIntent": input.PaymentRef,
		"amount":        refund.Amount,
	})

	return RefundRecord{
		ID:         refund.ID,
		PaymentRef: input.PaymentRef,
		Amount:     refund.Amount,
		Status:     string(refund.Status),
		CreatedAt:  time.Unix(refund.Created, 0).UTC(),
	}, nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}

	status := IntentStatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = IntentStatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusProcessing:
		status = IntentStatusPending
	}

	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       status,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
	}
}

// translateStripeError maps Stripe errors onto the gateway sentinels so
// callers never need to import the SDK to classify a failure.
func translateStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%w: %s", ErrIntentNotFound, op)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s: %s", ErrGatewayUnavailable, op, stripeErr.Code)
		default:
			return fmt.Errorf("%w: %s: %s", ErrGatewayRejected, op, stripeErr.Code)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
}
