package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/platform/auth"
	"github.com/orchard-market/api/internal/repositories"
)

const defaultMaxPendingAge = 30 * time.Minute

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrOrderForbidden indicates the actor may not access the order.
	ErrOrderForbidden = errors.New("orders: access denied")
	// ErrOrderConflict indicates the order state forbids the operation.
	ErrOrderConflict = errors.New("orders: state conflict")
	// ErrOrderExpired indicates the order exceeded the maximum pending age.
	ErrOrderExpired = errors.New("orders: order expired")
	// ErrOrderUnavailable indicates a transient storage or gateway failure.
	ErrOrderUnavailable = errors.New("orders: temporarily unavailable")
)

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Inventory InventoryService
	Gateway   payments.Gateway
	Events    EventPublisher

	// MaxPendingAge bounds how long a pending order may accept a payment
	// intent before it is auto-cancelled. Defaults to 30 minutes.
	MaxPendingAge time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	TokenMinter func() (token string, hash string, err error)
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// Spawn runs detached compensation work; defaults to a goroutine.
	Spawn func(func())
}

type orderService struct {
	orders        repositories.OrderRepository
	inventory     InventoryService
	gateway       payments.Gateway
	events        EventPublisher
	settler       *paymentSettler
	maxPendingAge time.Duration
	clock         func() time.Time
	newID         func() string
	mintToken     func() (string, string, error)
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return "ord_" + ulid.Make().String() }
	}
	mintToken := deps.TokenMinter
	if mintToken == nil {
		mintToken = auth.NewCapabilityToken
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	maxPendingAge := deps.MaxPendingAge
	if maxPendingAge <= 0 {
		maxPendingAge = defaultMaxPendingAge
	}

	settler, err := newPaymentSettler(deps.Orders, deps.Inventory, deps.Gateway, deps.Events, clock, logger, deps.Spawn)
	if err != nil {
		return nil, err
	}

	return &orderService{
		orders:        deps.Orders,
		inventory:     deps.Inventory,
		gateway:       deps.Gateway,
		events:        deps.Events,
		settler:       settler,
		maxPendingAge: maxPendingAge,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		mintToken:     mintToken,
		logger:        logger,
	}, nil
}

// Create reserves stock for the whole batch, then persists the order in
// PendingPayment. If persistence fails after a successful reservation the
// just-reserved stock is released before the error returns.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	order, err := s.buildOrder(cmd)
	if err != nil {
		return CreateOrderResult{}, err
	}

	guestToken := ""
	if order.Guest() {
		token, hash, err := s.mintToken()
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("order create: mint capability token: %w", err)
		}
		guestToken = token
		order.GuestTokenHash = hash
	}

	lines := stockLines(order)
	if err := s.inventory.Reserve(ctx, lines); err != nil {
		if errors.Is(err, ErrInventoryInsufficientStock) || errors.Is(err, ErrInventoryInvalidInput) {
			return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
		return CreateOrderResult{}, s.mapRepositoryError(err)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if releaseErr := s.inventory.Release(ctx, lines); releaseErr != nil {
			s.logger(ctx, "inventory.release_failed", map[string]any{
				"orderId": order.ID,
				"error":   releaseErr.Error(),
			})
		}
		return CreateOrderResult{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":  order.ID,
		"total":    order.Amounts.Total,
		"currency": order.Currency,
		"guest":    order.Guest(),
	})
	s.settler.publish(ctx, "order.created", order.ID, map[string]any{
		"total":    order.Amounts.Total,
		"currency": order.Currency,
	})

	return CreateOrderResult{Order: order, GuestToken: guestToken}, nil
}

// Get returns the order after an ownership check.
func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (domain.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorizeActor(order, actor); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// CreatePaymentIntent opens a gateway intent for a pending order. Orders past
// the maximum pending age are auto-cancelled instead of receiving an intent.
func (s *orderService) CreatePaymentIntent(ctx context.Context, orderID string, actor Actor) (PaymentIntentResult, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if err := authorizeActor(order, actor); err != nil {
		return PaymentIntentResult{}, err
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return PaymentIntentResult{}, fmt.Errorf("%w: order is %s", ErrOrderConflict, order.Status)
	}

	if s.clock().Sub(order.CreatedAt) > s.maxPendingAge {
		if _, err := s.settler.cancelAndRelease(ctx, order, domain.PaymentStatusFailed); err != nil {
			return PaymentIntentResult{}, s.mapRepositoryError(err)
		}
		return PaymentIntentResult{}, fmt.Errorf("%w: order exceeded maximum pending age", ErrOrderExpired)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.CreateIntentInput{
		OrderID:        order.ID,
		Amount:         order.Amounts.Total,
		Currency:       order.Currency,
		IdempotencyKey: payments.IntentIdempotencyKey(order.ID),
	})
	if err != nil {
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrOrderConflict, err)
	}

	applied, err := s.orders.SetPaymentRefIfPending(ctx, order.ID, intent.ID, domain.PaymentStatusPending)
	if err != nil {
		return PaymentIntentResult{}, s.mapRepositoryError(err)
	}
	if !applied {
		// A webhook or the reconciler settled the order while the intent was
		// being opened; the settled payment status stands.
		current, err := s.load(ctx, orderID)
		if err != nil {
			return PaymentIntentResult{}, err
		}
		return PaymentIntentResult{}, fmt.Errorf("%w: order is %s", ErrOrderConflict, current.Status)
	}

	s.logger(ctx, "order.payment_intent_created", map[string]any{
		"orderId":       order.ID,
		"paymentIntent": intent.ID,
	})

	return PaymentIntentResult{IntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// Cancel performs a user-initiated cancellation through the same conditional
// transition the webhook pipeline and reconciliation loop use, so racing
// actors cannot double-release stock.
func (s *orderService) Cancel(ctx context.Context, orderID string, actor Actor) (domain.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorizeActor(order, actor); err != nil {
		return domain.Order{}, err
	}

	applied, err := s.settler.cancelAndRelease(ctx, order, domain.PaymentStatusFailed)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !applied {
		// Another actor moved the order first; report its current state.
		current, err := s.load(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("%w: order is %s", ErrOrderConflict, current.Status)
	}

	return s.load(ctx, orderID)
}

// Refund starts an administrative refund. The payment status moves to
// Refunding through a compare-and-swap before the gateway call, so a second
// refund attempt is rejected locally; the terminal Refunded state arrives via
// the processor's RefundSucceeded notification.
func (s *orderService) Refund(ctx context.Context, orderID string, actor Actor) (domain.Order, error) {
	if !actor.Admin {
		return domain.Order{}, fmt.Errorf("%w: refund requires elevated privileges", ErrOrderForbidden)
	}

	order, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPaid || order.PaymentStatus != domain.PaymentStatusSucceeded {
		return domain.Order{}, fmt.Errorf("%w: order is %s/%s", ErrOrderConflict, order.Status, order.PaymentStatus)
	}
	if strings.TrimSpace(order.PaymentRef) == "" {
		return domain.Order{}, fmt.Errorf("%w: order has no payment reference", ErrOrderConflict)
	}

	applied, err := s.orders.SetPaymentStatusIfCurrent(ctx, order.ID, domain.PaymentStatusSucceeded, domain.PaymentStatusRefunding)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !applied {
		return domain.Order{}, fmt.Errorf("%w: refund already in progress", ErrOrderConflict)
	}

	if _, err := s.gateway.Refund(ctx, payments.RefundInput{
		PaymentRef:     order.PaymentRef,
		Amount:         order.Amounts.Total,
		IdempotencyKey: payments.RefundIdempotencyKey(order.ID),
		Metadata:       map[string]string{"order_id": order.ID, "reason": "requested_by_customer"},
	}); err != nil {
		// Roll the marker back so the refund can be retried.
		if _, revertErr := s.orders.SetPaymentStatusIfCurrent(ctx, order.ID, domain.PaymentStatusRefunding, domain.PaymentStatusSucceeded); revertErr != nil {
			s.logger(ctx, "order.refund_revert_failed", map[string]any{
				"orderId": order.ID,
				"error":   revertErr.Error(),
			})
		}
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderConflict, err)
	}

	s.logger(ctx, "order.refund_started", map[string]any{
		"orderId":       order.ID,
		"paymentIntent": order.PaymentRef,
		"amount":        order.Amounts.Total,
	})

	return s.load(ctx, orderID)
}

func (s *orderService) buildOrder(cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if cmd.ShippingFee < 0 || cmd.Tax < 0 {
		return domain.Order{}, fmt.Errorf("%w: shipping fee and tax must be >= 0", ErrOrderInvalidInput)
	}

	unit, err := currency.ParseISO(strings.TrimSpace(cmd.Currency))
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: unknown currency %q", ErrOrderInvalidInput, cmd.Currency)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	var subtotal int64
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return domain.Order{}, fmt.Errorf("%w: item product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, productID)
		}
		if item.UnitPrice < 0 {
			return domain.Order{}, fmt.Errorf("%w: unit price for %s must be >= 0", ErrOrderInvalidInput, productID)
		}

		lineSubtotal := item.UnitPrice * item.Quantity
		subtotal += lineSubtotal
		items = append(items, domain.OrderItem{
			ProductID: productID,
			SKU:       strings.TrimSpace(item.SKU),
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  lineSubtotal,
		})
	}

	now := s.clock()
	// Totals are recomputed here and never trusted from the client.
	amounts := domain.OrderAmounts{
		Subtotal:    subtotal,
		ShippingFee: cmd.ShippingFee,
		Tax:         cmd.Tax,
		Total:       subtotal + cmd.ShippingFee + cmd.Tax,
	}

	return domain.Order{
		ID:            s.newID(),
		UserID:        strings.TrimSpace(cmd.UserID),
		Currency:      unit.String(),
		Amounts:       amounts,
		Items:         items,
		Shipping:      cmd.Shipping,
		Billing:       cmd.Billing,
		Status:        domain.OrderStatusPendingPayment,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *orderService) load(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	if errors.Is(err, ErrInventoryUnavailable) {
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

// authorizeActor enforces order ownership: admins see everything, owners
// match on user ID, and guest orders require the capability token minted at
// creation.
func authorizeActor(order domain.Order, actor Actor) error {
	if actor.Admin {
		return nil
	}
	if order.Guest() {
		if auth.VerifyCapabilityToken(actor.GuestToken, order.GuestTokenHash) {
			return nil
		}
		return fmt.Errorf("%w: capability token mismatch", ErrOrderForbidden)
	}
	if actor.UserID != "" && actor.UserID == order.UserID {
		return nil
	}
	return fmt.Errorf("%w: not the order owner", ErrOrderForbidden)
}
