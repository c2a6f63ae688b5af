package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/platform/observability"
	"github.com/orchard-market/api/internal/repositories"
)

const (
	defaultReconcileInterval = 60 * time.Second
	defaultReconcileMinAge   = 2 * time.Minute
	defaultReconcileBatch    = 50
)

// ReconciliationServiceDeps bundles the collaborators required to construct
// the reconciliation loop.
type ReconciliationServiceDeps struct {
	Orders    repositories.OrderRepository
	Inventory InventoryService
	Gateway   payments.Gateway
	Events    EventPublisher

	// Interval between passes. Defaults to 60 seconds.
	Interval time.Duration
	// MinAge keeps the loop away from checkouts still in flight. Defaults to
	// 2 minutes.
	MinAge time.Duration
	// MaxPendingAge is the timeout policy: pending orders older than this are
	// abandoned. Defaults to 30 minutes.
	MaxPendingAge time.Duration
	// BatchSize bounds how many candidates one pass processes. Defaults to 50.
	BatchSize int

	// Metrics records per-pass counters and durations when set.
	Metrics *observability.Metrics

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	Spawn  func(func())
}

type reconciliationService struct {
	orders        repositories.OrderRepository
	gateway       payments.Gateway
	settler       *paymentSettler
	interval      time.Duration
	minAge        time.Duration
	maxPendingAge time.Duration
	batchSize     int
	metrics       *observability.Metrics
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into the reconciliation loop.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciliation service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	settler, err := newPaymentSettler(deps.Orders, deps.Inventory, deps.Gateway, deps.Events, clock, logger, deps.Spawn)
	if err != nil {
		return nil, err
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	minAge := deps.MinAge
	if minAge <= 0 {
		minAge = defaultReconcileMinAge
	}
	maxPendingAge := deps.MaxPendingAge
	if maxPendingAge <= 0 {
		maxPendingAge = defaultMaxPendingAge
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcileBatch
	}

	return &reconciliationService{
		orders:        deps.Orders,
		gateway:       deps.Gateway,
		settler:       settler,
		interval:      interval,
		minAge:        minAge,
		maxPendingAge: maxPendingAge,
		batchSize:     batchSize,
		metrics:       deps.Metrics,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Run executes one pass per tick until the context is cancelled. Passes run
// sequentially on this goroutine, so ticks never overlap.
func (s *reconciliationService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.logger(ctx, "reconcile.pass_failed", map[string]any{"error": err.Error()})
				continue
			}
			if stats.Scanned > 0 {
				s.logger(ctx, "reconcile.pass_completed", map[string]any{
					"scanned":   stats.Scanned,
					"paid":      stats.Paid,
					"cancelled": stats.Cancelled,
					"abandoned": stats.Abandoned,
					"skipped":   stats.Skipped,
					"failed":    stats.Failed,
					"elapsedMs": stats.Elapsed.Milliseconds(),
				})
			}
		}
	}
}

// RunOnce scans one bounded batch of stale pending orders and converges each
// candidate. Candidates are processed in isolation: a failure is counted and
// skipped, left for the next pass.
func (s *reconciliationService) RunOnce(ctx context.Context) (ReconciliationStats, error) {
	start := s.clock()
	stats := ReconciliationStats{StartedAt: start}

	cutoff := start.Add(-s.minAge)
	candidates, err := s.orders.ListPendingOlderThan(ctx, cutoff, s.batchSize)
	if err != nil {
		return stats, err
	}

	for _, order := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		outcome, err := s.reconcile(ctx, order)
		if err != nil {
			stats.Failed++
			s.logger(ctx, "reconcile.order_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		switch outcome {
		case reconcilePaid:
			stats.Paid++
		case reconcileCancelled:
			stats.Cancelled++
		case reconcileAbandoned:
			stats.Abandoned++
		default:
			stats.Skipped++
		}
	}

	stats.Elapsed = s.clock().Sub(start)
	s.recordPass(ctx, stats)
	return stats, nil
}

func (s *reconciliationService) recordPass(ctx context.Context, stats ReconciliationStats) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordReconcileOutcome(ctx, "paid", stats.Paid)
	s.metrics.RecordReconcileOutcome(ctx, "cancelled", stats.Cancelled)
	s.metrics.RecordReconcileOutcome(ctx, "abandoned", stats.Abandoned)
	s.metrics.RecordReconcileOutcome(ctx, "skipped", stats.Skipped)
	s.metrics.RecordReconcileOutcome(ctx, "failed", stats.Failed)
	s.metrics.RecordReconcilePass(ctx, float64(stats.Elapsed.Milliseconds()))
}

type reconcileOutcome int

const (
	reconcileSkipped reconcileOutcome = iota
	reconcilePaid
	reconcileCancelled
	reconcileAbandoned
)

// reconcile converges a single pending order against the gateway's ground
// truth using the same conditional transition as the webhook pipeline, so it
// no-ops safely when a webhook lands first.
func (s *reconciliationService) reconcile(ctx context.Context, order domain.Order) (reconcileOutcome, error) {
	age := s.clock().Sub(order.CreatedAt)

	// No intent was ever opened: past the timeout the order is abandoned.
	if order.PaymentRef == "" {
		if age <= s.maxPendingAge {
			return reconcileSkipped, nil
		}
		applied, err := s.settler.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
		if err != nil {
			return reconcileSkipped, err
		}
		if applied {
			s.logger(ctx, "reconcile.order_abandoned", map[string]any{"orderId": order.ID})
			return reconcileAbandoned, nil
		}
		return reconcileSkipped, nil
	}

	intent, err := s.gateway.RetrieveIntent(ctx, order.PaymentRef)
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			// The reference is dangling; treat like a missing intent.
			if age > s.maxPendingAge {
				applied, cErr := s.settler.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
				if cErr != nil {
					return reconcileSkipped, cErr
				}
				if applied {
					return reconcileAbandoned, nil
				}
			}
			return reconcileSkipped, nil
		}
		return reconcileSkipped, err
	}

	switch intent.Status {
	case payments.IntentStatusSucceeded:
		outcome, err := s.settler.applySucceeded(ctx, order, intent.Amount, intent.Currency)
		if err != nil {
			return reconcileSkipped, err
		}
		switch outcome {
		case outcomePaid:
			return reconcilePaid, nil
		case outcomeCancelled:
			return reconcileCancelled, nil
		}
		return reconcileSkipped, nil

	case payments.IntentStatusFailed:
		outcome, err := s.settler.applyFailed(ctx, order)
		if err != nil {
			return reconcileSkipped, err
		}
		if outcome == outcomeCancelled {
			return reconcileCancelled, nil
		}
		return reconcileSkipped, nil

	default:
		// Still pending at the gateway: only the timeout policy applies.
		if age > s.maxPendingAge {
			applied, err := s.settler.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
			if err != nil {
				return reconcileSkipped, err
			}
			if applied {
				s.logger(ctx, "reconcile.order_timed_out", map[string]any{"orderId": order.ID})
				return reconcileAbandoned, nil
			}
		}
		return reconcileSkipped, nil
	}
}
