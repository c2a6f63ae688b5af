package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newFunc     func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFunc     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFunc func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFunc(params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFunc(id, params)
}

func (s *stubIntentAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.confirmFunc(id, params)
}

type stubRefundAPI struct {
	newFunc func(params *stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	return s.newFunc(params)
}

func newTestStripeGateway(t *testing.T, intents stripePaymentIntentAPI, refunds stripeRefundAPI) *StripeGateway {
	t.Helper()
	gateway, err := NewStripeGateway(StripeGatewayConfig{
		Clients: &stripeClients{intents: intents, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("NewStripeGateway returned error: %v", err)
	}
	return gateway
}

func TestStripeGatewayCreateIntent(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	intents := &stubIntentAPI{
		newFunc: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{
				ID:           "pi_123",
				ClientSecret: "pi_123_secret",
				Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
				Amount:       5000,
				Currency:     stripe.CurrencyJPY,
			}, nil
		},
	}
	gateway := newTestStripeGateway(t, intents, &stubRefundAPI{})

	intent, err := gateway.CreateIntent(context.Background(), CreateIntentInput{
		OrderID:        "ord_1",
		Amount:         5000,
		Currency:       "JPY",
		IdempotencyKey: IntentIdempotencyKey("ord_1"),
	})
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}

	if intent.ID != "pi_123" || intent.Status != IntentStatusPending {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if intent.Currency != "JPY" {
		t.Fatalf("currency = %q, want JPY", intent.Currency)
	}
	if captured == nil {
		t.Fatal("expected params to be captured")
	}
	if got := captured.Metadata["order_id"]; got != "ord_1" {
		t.Fatalf("order_id metadata = %q, want ord_1", got)
	}
	if captured.IdempotencyKey == nil || *captured.IdempotencyKey != IntentIdempotencyKey("ord_1") {
		t.Fatal("expected deterministic idempotency key on params")
	}
}

func TestStripeGatewayCreateIntentValidation(t *testing.T) {
	gateway := newTestStripeGateway(t, &stubIntentAPI{}, &stubRefundAPI{})

	if _, err := gateway.CreateIntent(context.Background(), CreateIntentInput{OrderID: "ord_1", Currency: "JPY"}); !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected ErrGatewayInvalidInput, got %v", err)
	}
}

func TestStripeGatewayRetrieveIntentStatusMapping(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]IntentStatus{
		stripe.PaymentIntentStatusSucceeded:             IntentStatusSucceeded,
		stripe.PaymentIntentStatusCanceled:              IntentStatusFailed,
		stripe.PaymentIntentStatusProcessing:            IntentStatusPending,
		stripe.PaymentIntentStatusRequiresPaymentMethod: IntentStatusPending,
	}

	for stripeStatus, want := range cases {
		intents := &stubIntentAPI{
			getFunc: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return &stripe.PaymentIntent{ID: id, Status: stripeStatus, Amount: 5000, Currency: stripe.CurrencyJPY}, nil
			},
		}
		gateway := newTestStripeGateway(t, intents, &stubRefundAPI{})

		intent, err := gateway.RetrieveIntent(context.Background(), "pi_1")
		if err != nil {
			t.Fatalf("RetrieveIntent(%s) returned error: %v", stripeStatus, err)
		}
		if intent.Status != want {
			t.Fatalf("status for %s = %q, want %q", stripeStatus, intent.Status, want)
		}
	}
}

func TestStripeGatewayErrorTranslation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "missing resource",
			err:  &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404},
			want: ErrIntentNotFound,
		},
		{
			name: "server error",
			err:  &stripe.Error{HTTPStatusCode: 503},
			want: ErrGatewayUnavailable,
		},
		{
			name: "rate limited",
			err:  &stripe.Error{HTTPStatusCode: 429},
			want: ErrGatewayUnavailable,
		},
		{
			name: "card declined",
			err:  &stripe.Error{Code: stripe.ErrorCodeCardDeclined, HTTPStatusCode: 402},
			want: ErrGatewayRejected,
		},
		{
			name: "transport failure",
			err:  errors.New("connection reset"),
			want: ErrGatewayUnavailable,
		},
	}

	for _, tc := range cases {
		intents := &stubIntentAPI{
			getFunc: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, tc.err
			},
		}
		gateway := newTestStripeGateway(t, intents, &stubRefundAPI{})

		if _, err := gateway.RetrieveIntent(context.Background(), "pi_1"); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestStripeGatewayRefund(t *testing.T) {
	var captured *stripe.RefundParams
	refunds := &stubRefundAPI{
		newFunc: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			captured = params
			return &stripe.Refund{ID: "re_1", Amount: 4000, Status: stripe.RefundStatusSucceeded}, nil
		},
	}
	gateway := newTestStripeGateway(t, &stubIntentAPI{}, refunds)

	record, err := gateway.Refund(context.Background(), RefundInput{
		PaymentRef:     "pi_1",
		Amount:         4000,
		IdempotencyKey: RefundIdempotencyKey("ord_1"),
	})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}

	if record.ID != "re_1" || record.Amount != 4000 {
		t.Fatalf("unexpected refund record: %+v", record)
	}
	if captured == nil || captured.PaymentIntent == nil || *captured.PaymentIntent != "pi_1" {
		t.Fatal("expected refund params to target pi_1")
	}
	if captured.Amount == nil || *captured.Amount != 4000 {
		t.Fatal("expected partial refund amount on params")
	}
}
