package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/payments"
	"github.com/orchard-market/api/internal/repositories"
)

// memOrderRepository implements the order ledger contract in memory,
// including the compare-and-swap semantics of TransitionIfCurrent.
type memOrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderRepository(orders ...domain.Order) *memOrderRepository {
	repo := &memOrderRepository{orders: make(map[string]domain.Order)}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

type notFoundError struct{ id string }

func (e *notFoundError) Error() string       { return fmt.Sprintf("order %s not found", e.id) }
func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }

var _ repositories.RepositoryError = (*notFoundError)(nil)

func (r *memOrderRepository) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &notFoundError{id: orderID}
	}
	return order, nil
}

func (r *memOrderRepository) TransitionIfCurrent(_ context.Context, orderID string, expected, next domain.OrderStatus, update repositories.TransitionUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return false, &notFoundError{id: orderID}
	}
	if order.Status != expected {
		return false, nil
	}
	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	if update.PaymentStatus != nil {
		order.PaymentStatus = *update.PaymentStatus
	}
	if update.PaymentRef != nil {
		order.PaymentRef = *update.PaymentRef
	}
	if update.PaidAt != nil {
		paidAt := *update.PaidAt
		order.PaidAt = &paidAt
	}
	if update.CancelledAt != nil {
		cancelledAt := *update.CancelledAt
		order.CancelledAt = &cancelledAt
	}
	r.orders[orderID] = order
	return true, nil
}

func (r *memOrderRepository) MarkRefunded(_ context.Context, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return &notFoundError{id: orderID}
	}
	order.Status = domain.OrderStatusRefunded
	order.PaymentStatus = domain.PaymentStatusRefunded
	order.UpdatedAt = at
	r.orders[orderID] = order
	return nil
}

func (r *memOrderRepository) SetPaymentRefIfPending(_ context.Context, orderID, paymentRef string, status domain.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return false, &notFoundError{id: orderID}
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return false, nil
	}
	order.PaymentRef = paymentRef
	order.PaymentStatus = status
	r.orders[orderID] = order
	return true, nil
}

func (r *memOrderRepository) SetPaymentStatusIfCurrent(_ context.Context, orderID string, expected, next domain.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return false, &notFoundError{id: orderID}
	}
	if order.PaymentStatus != expected {
		return false, nil
	}
	order.PaymentStatus = next
	r.orders[orderID] = order
	return true, nil
}

func (r *memOrderRepository) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Order
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusPendingPayment && order.CreatedAt.Before(cutoff) {
			result = append(result, order)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *memOrderRepository) get(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID]
}

// memInventoryRepository tracks per-product counters with all-or-nothing
// batch semantics.
type memInventoryRepository struct {
	mu    sync.Mutex
	stock map[string]int64
}

func newMemInventoryRepository(stock map[string]int64) *memInventoryRepository {
	copied := make(map[string]int64, len(stock))
	for k, v := range stock {
		copied[k] = v
	}
	return &memInventoryRepository{stock: copied}
}

func (r *memInventoryRepository) Reserve(_ context.Context, lines []domain.StockLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		onHand, ok := r.stock[line.ProductID]
		if !ok {
			return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock "+line.ProductID+" not found", nil)
		}
		if onHand < line.Quantity {
			return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "insufficient stock for "+line.ProductID, nil)
		}
	}
	for _, line := range lines {
		r.stock[line.ProductID] -= line.Quantity
	}
	return nil
}

func (r *memInventoryRepository) Release(_ context.Context, lines []domain.StockLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		r.stock[line.ProductID] += line.Quantity
	}
	return nil
}

func (r *memInventoryRepository) onHand(productID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock[productID]
}

// memNotificationRepository implements insert-if-absent keyed on event ID.
type memNotificationRepository struct {
	mu   sync.Mutex
	seen map[string]domain.ProcessedNotification
	err  error
}

func newMemNotificationRepository() *memNotificationRepository {
	return &memNotificationRepository{seen: make(map[string]domain.ProcessedNotification)}
}

func (r *memNotificationRepository) CreateIfAbsent(_ context.Context, notification domain.ProcessedNotification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	if _, ok := r.seen[notification.EventID]; ok {
		return false, nil
	}
	r.seen[notification.EventID] = notification
	return true, nil
}

// recordingPublisher captures published domain events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	Type    string
	OrderID string
	Payload map[string]any
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, orderID string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{Type: eventType, OrderID: orderID, Payload: payload})
	return nil
}

func (p *recordingPublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// stubGateway lets tests script gateway behaviour per call.
type stubGateway struct {
	createFunc   func(ctx context.Context, input payments.CreateIntentInput) (payments.Intent, error)
	retrieveFunc func(ctx context.Context, intentID string) (payments.Intent, error)
	confirmFunc  func(ctx context.Context, intentID string) (payments.Intent, error)
	refundFunc   func(ctx context.Context, input payments.RefundInput) (payments.RefundRecord, error)

	mu      sync.Mutex
	refunds []payments.RefundInput
}

func (g *stubGateway) CreateIntent(ctx context.Context, input payments.CreateIntentInput) (payments.Intent, error) {
	if g.createFunc != nil {
		return g.createFunc(ctx, input)
	}
	return payments.Intent{ID: "pi_" + input.OrderID, ClientSecret: "cs_" + input.OrderID, Status: payments.IntentStatusPending, Amount: input.Amount, Currency: input.Currency}, nil
}

func (g *stubGateway) RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if g.retrieveFunc != nil {
		return g.retrieveFunc(ctx, intentID)
	}
	return payments.Intent{}, payments.ErrIntentNotFound
}

func (g *stubGateway) Confirm(ctx context.Context, intentID string) (payments.Intent, error) {
	if g.confirmFunc != nil {
		return g.confirmFunc(ctx, intentID)
	}
	return payments.Intent{}, payments.ErrIntentNotFound
}

func (g *stubGateway) Refund(ctx context.Context, input payments.RefundInput) (payments.RefundRecord, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, input)
	g.mu.Unlock()
	if g.refundFunc != nil {
		return g.refundFunc(ctx, input)
	}
	return payments.RefundRecord{ID: "re_" + input.PaymentRef, PaymentRef: input.PaymentRef, Amount: input.Amount, Status: "succeeded"}, nil
}

func (g *stubGateway) refundCalls() []payments.RefundInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]payments.RefundInput, len(g.refunds))
	copy(out, g.refunds)
	return out
}

// syncSpawn runs detached work inline so tests observe compensations.
func syncSpawn(fn func()) { fn() }

func testInventoryService(repo repositories.InventoryRepository) InventoryService {
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo})
	if err != nil {
		panic(err)
	}
	return svc
}

func pendingOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:       id,
		UserID:   "user_1",
		Currency: "JPY",
		Amounts:  domain.OrderAmounts{Subtotal: 4200, ShippingFee: 500, Tax: 300, Total: 5000},
		Items: []domain.OrderItem{
			{ProductID: "prod_a", SKU: "SKU-A", Name: "Ceramic mug", UnitPrice: 2100, Quantity: 2, Subtotal: 4200},
		},
		Status:        domain.OrderStatusPendingPayment,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
