package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/platform/config"
	"github.com/orchard-market/api/internal/platform/observability"
	"github.com/orchard-market/api/internal/repositories"
	"github.com/orchard-market/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Inventory  services.InventoryService
	Orders     services.OrderService
	Webhooks   services.WebhookService
	Reconciler services.ReconciliationService
	Health     services.HealthService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Gateway      payments.Gateway
	Services     Services
}

// ContainerOption customises container assembly, mostly for tests and for
// collaborators the caller constructs itself.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	gateway payments.Gateway
	events  services.EventPublisher
	logger  *zap.Logger
	metrics *observability.Metrics
	build   services.BuildInfo
	clock   func() time.Time
}

// WithGateway overrides the payment gateway selected from configuration.
func WithGateway(gateway payments.Gateway) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.gateway = gateway
	}
}

// WithEventPublisher wires the domain event publisher used by the services.
func WithEventPublisher(events services.EventPublisher) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.events = events
	}
}

// WithLogger attaches the process logger used for service-level events.
func WithLogger(logger *zap.Logger) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.logger = logger
	}
}

// WithMetrics attaches the metrics instruments recorded by the reconciler.
func WithMetrics(metrics *observability.Metrics) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.metrics = metrics
	}
}

// WithBuildInfo records build metadata surfaced by the health endpoints.
func WithBuildInfo(build services.BuildInfo) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.build = build
	}
}

// WithClock overrides the clock used by every service, primarily for tests.
func WithClock(clock func() time.Time) ContainerOption {
	return func(cfg *containerConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides a
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...ContainerOption) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	cc := containerConfig{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cc)
		}
	}
	if cc.build.StartedAt.IsZero() {
		cc.build.StartedAt = cc.clock().UTC()
	}

	gateway := cc.gateway
	if gateway == nil {
		built, err := buildGateway(cfg, cc.logger)
		if err != nil {
			return nil, err
		}
		gateway = built
	}

	svc, err := buildServices(cfg, reg, gateway, cc)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Gateway:      gateway,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	switch cfg.PSP.Provider {
	case config.PSPProviderStub:
		return payments.NewStubGateway(), nil
	case config.PSPProviderStripe:
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: payments.GatewayLogger(eventLogger(logger)),
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		return gateway, nil
	default:
		return nil, fmt.Errorf("unknown psp provider %q", cfg.PSP.Provider)
	}
}

func buildServices(cfg config.Config, reg repositories.Registry, gateway payments.Gateway, cc containerConfig) (Services, error) {
	var svc Services
	logger := eventLogger(cc.logger)

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Clock:     cc.clock,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Inventory:     inventorySvc,
		Gateway:       gateway,
		Events:        cc.events,
		MaxPendingAge: cfg.Reconciliation.MaxPendingAge,
		Clock:         cc.clock,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	verifier, err := payments.NewWebhookVerifier(cfg.Webhooks.Secrets,
		payments.WithWebhookTolerance(cfg.Webhooks.Tolerance))
	if err != nil {
		return Services{}, fmt.Errorf("build webhook verifier: %w", err)
	}

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Verifier:      verifier,
		Notifications: reg.Notifications(),
		Orders:        reg.Orders(),
		Inventory:     inventorySvc,
		Gateway:       gateway,
		Events:        cc.events,
		Clock:         cc.clock,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}
	svc.Webhooks = webhookSvc

	reconcilerSvc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:        reg.Orders(),
		Inventory:     inventorySvc,
		Gateway:       gateway,
		Events:        cc.events,
		Interval:      cfg.Reconciliation.Interval,
		MinAge:        cfg.Reconciliation.MinAge,
		MaxPendingAge: cfg.Reconciliation.MaxPendingAge,
		BatchSize:     cfg.Reconciliation.BatchSize,
		Metrics:       cc.metrics,
		Clock:         cc.clock,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciler = reconcilerSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		healthSvc, err := services.NewHealthService(services.HealthServiceDeps{
			Health: healthRepo,
			Build:  cc.build,
			Clock:  cc.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build health service: %w", err)
		}
		svc.Health = healthSvc
	}

	return svc, nil
}

// eventLogger adapts the zap process logger to the event hook the services
// accept. A nil logger yields a no-op hook.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
