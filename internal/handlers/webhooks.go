package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orchard-market/api/internal/platform/httpx"
	"github.com/orchard-market/api/internal/platform/observability"
	"github.com/orchard-market/api/internal/services"
)

const (
	// SignatureHeader carries the processor's HMAC signature for a delivery.
	SignatureHeader = "Payment-Signature"

	defaultWebhookBodyLimit = 1 << 20
	webhookRateLimit        = 120
	webhookRateWindow       = time.Minute
)

// WebhookHandlers receives asynchronous payment processor notifications.
type WebhookHandlers struct {
	webhooks services.WebhookService
	maxBody  int64
	metrics  *observability.Metrics
	limiter  rateLimiter
}

// WebhookOption customises WebhookHandlers construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookMaxBodyBytes caps the accepted notification payload size.
func WithWebhookMaxBodyBytes(limit int64) WebhookOption {
	return func(h *WebhookHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// WithWebhookMetrics wires delivery outcome counters.
func WithWebhookMetrics(m *observability.Metrics) WebhookOption {
	return func(h *WebhookHandlers) {
		h.metrics = m
	}
}

// WithWebhookRateLimiter overrides the per-source delivery rate limiter.
func WithWebhookRateLimiter(limiter rateLimiter) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = limiter
	}
}

// NewWebhookHandlers constructs the webhook ingestion handlers.
func NewWebhookHandlers(webhooks services.WebhookService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		webhooks: webhooks,
		maxBody:  defaultWebhookBodyLimit,
		limiter:  newSimpleRateLimiter(webhookRateLimit, webhookRateWindow, time.Now),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the payment notification endpoint.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePaymentNotification)
}

func (h *WebhookHandlers) handlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		h.record(r, "unavailable")
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook pipeline unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		h.record(r, "rejected")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many deliveries", http.StatusTooManyRequests))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.record(r, "rejected")
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "notification body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	if len(body) == 0 {
		h.record(r, "rejected")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification body is required", http.StatusBadRequest))
		return
	}

	err = h.webhooks.HandleNotification(ctx, body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		h.record(r, "accepted")
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
	case errors.Is(err, services.ErrWebhookRejected):
		h.record(r, "rejected")
		httpx.WriteError(ctx, w, httpx.NewError("webhook_rejected", "notification failed verification", http.StatusUnauthorized))
	case errors.Is(err, services.ErrWebhookUnavailable):
		h.record(r, "unavailable")
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "notification could not be recorded, retry later", http.StatusServiceUnavailable))
	default:
		h.record(r, "unavailable")
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func (h *WebhookHandlers) record(r *http.Request, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordWebhookDelivery(r.Context(), outcome)
}

func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}
