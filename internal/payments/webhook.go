package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType classifies an inbound processor notification.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventRefundSucceeded  EventType = "refund_succeeded"
	EventUnknown          EventType = "unknown"
)

// Event is the verified, typed form of a processor webhook notification.
type Event struct {
	ID         string
	Type       EventType
	PaymentRef string
	OrderID    string
	Amount     int64
	Currency   string
	Status     string
}

var (
	// ErrWebhookSignature indicates the signature did not verify. Never retried.
	ErrWebhookSignature = errors.New("payments: webhook signature verification failed")
	// ErrWebhookPayload indicates the verified body could not be parsed.
	ErrWebhookPayload = errors.New("payments: webhook payload malformed")
)

const defaultWebhookTolerance = 5 * time.Minute

// WebhookVerifier recomputes the HMAC-SHA256 signature over
// "{timestamp}.{raw_body}" and parses verified payloads into typed events.
// Multiple secrets are accepted so secrets can rotate without downtime.
type WebhookVerifier struct {
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

// WebhookVerifierOption customises verifier behaviour.
type WebhookVerifierOption func(*WebhookVerifier)

// WithWebhookTolerance overrides the accepted clock skew for the timestamp check.
func WithWebhookTolerance(tolerance time.Duration) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if tolerance > 0 {
			v.tolerance = tolerance
		}
	}
}

// WithWebhookClock overrides the clock used for the timestamp check.
func WithWebhookClock(now func() time.Time) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier constructs a verifier over the rotation window of secrets.
func NewWebhookVerifier(secrets []string, opts ...WebhookVerifierOption) (*WebhookVerifier, error) {
	keys := make([][]byte, 0, len(secrets))
	for _, secret := range secrets {
		if trimmed := strings.TrimSpace(secret); trimmed != "" {
			keys = append(keys, []byte(trimmed))
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("payments: at least one webhook secret is required")
	}

	v := &WebhookVerifier{
		secrets:   keys,
		tolerance: defaultWebhookTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify checks the signature header against the raw body and returns the
// parsed event. A signature failure is final; it must never be retried.
func (v *WebhookVerifier) Verify(body []byte, header string) (Event, error) {
	if v == nil {
		return Event{}, errors.New("payments: verifier is nil")
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return Event{}, err
	}

	skew := v.now().UTC().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrWebhookSignature)
	}

	signed := strconv.FormatInt(timestamp, 10) + "." + string(body)
	if !v.anySecretMatches(signed, signatures) {
		return Event{}, fmt.Errorf("%w: no matching signature", ErrWebhookSignature)
	}

	return parseEvent(body)
}

func (v *WebhookVerifier) anySecretMatches(signed string, signatures []string) bool {
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(signed))
		expected := hex.EncodeToString(mac.Sum(nil))
		for _, candidate := range signatures {
			if hmac.Equal([]byte(expected), []byte(candidate)) {
				return true
			}
		}
	}
	return false
}

// parseSignatureHeader splits "t=<unix-seconds>,v1=<hex>[,v1=<hex>...]".
func parseSignatureHeader(header string) (int64, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrWebhookSignature)
	}

	var timestamp int64
	var haveTimestamp bool
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrWebhookSignature)
			}
			timestamp = parsed
			haveTimestamp = true
		case "v1":
			if value != "" {
				signatures = append(signatures, strings.ToLower(value))
			}
		}
	}

	if !haveTimestamp || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed signature header", ErrWebhookSignature)
	}
	return timestamp, signatures, nil
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Currency string            `json:"currency"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
			// Refund events reference the intent they settle.
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

func parseEvent(body []byte) (Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrWebhookPayload)
	}

	event := Event{
		ID:       envelope.ID,
		Type:     classifyEventType(envelope.Type),
		Amount:   envelope.Data.Object.Amount,
		Currency: strings.ToUpper(envelope.Data.Object.Currency),
		Status:   envelope.Data.Object.Status,
		OrderID:  envelope.Data.Object.Metadata["order_id"],
	}

	event.PaymentRef = envelope.Data.Object.ID
	if envelope.Data.Object.PaymentIntent != "" {
		event.PaymentRef = envelope.Data.Object.PaymentIntent
	}

	return event, nil
}

func classifyEventType(raw string) EventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "payment_intent.succeeded":
		return EventPaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return EventPaymentFailed
	case "refund.succeeded", "charge.refunded":
		return EventRefundSucceeded
	default:
		return EventUnknown
	}
}
