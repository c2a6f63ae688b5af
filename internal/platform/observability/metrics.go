package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterNamespace = "github.com/orchard-market/api/internal/platform/observability"

// Metrics aggregates the payment pipeline instruments. Instruments that fail
// to register are disabled individually; recording is always safe.
type Metrics struct {
	webhookDeliveries        metric.Int64Counter
	webhookDeliveriesEnabled bool
	reconcileOutcomes        metric.Int64Counter
	reconcileEnabled         bool
	reconcileDuration        metric.Float64Histogram
	reconcileDurationEnabled bool
}

// NewMetrics registers the payment pipeline instruments on the supplied
// meter, or on the global meter provider when meter is nil.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterNamespace)
	}

	m := &Metrics{}

	deliveries, err := meter.Int64Counter(
		"payments.webhook.deliveries",
		metric.WithDescription("Count of webhook deliveries by outcome"),
	)
	if err == nil {
		m.webhookDeliveries = deliveries
		m.webhookDeliveriesEnabled = true
	}

	outcomes, err := meter.Int64Counter(
		"payments.reconcile.orders",
		metric.WithDescription("Count of reconciled orders by outcome"),
	)
	if err == nil {
		m.reconcileOutcomes = outcomes
		m.reconcileEnabled = true
	}

	duration, err := meter.Float64Histogram(
		"payments.reconcile.pass_duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of reconciliation passes"),
	)
	if err == nil {
		m.reconcileDuration = duration
		m.reconcileDurationEnabled = true
	}

	return m
}

// RecordWebhookDelivery counts one webhook delivery. Outcome is one of
// accepted, replayed, rejected, or unavailable.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, outcome string) {
	if m == nil || !m.webhookDeliveriesEnabled {
		return
	}
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconcileOutcome counts orders converged by the reconciliation loop.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, outcome string, count int) {
	if m == nil || !m.reconcileEnabled || count <= 0 {
		return
	}
	m.reconcileOutcomes.Add(ctx, int64(count), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconcilePass records the duration of one full reconciliation pass.
func (m *Metrics) RecordReconcilePass(ctx context.Context, millis float64) {
	if m == nil || !m.reconcileDurationEnabled {
		return
	}
	m.reconcileDuration.Record(ctx, millis)
}
