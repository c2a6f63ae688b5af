package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orchard-market/api/internal/domain"
	pfirestore "github.com/orchard-market/api/internal/platform/firestore"
	"github.com/orchard-market/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists the order ledger in Firestore. Conditional
// transitions run inside a transaction so the read-compare-write sequence is
// atomic against concurrent actors.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs an OrderRepository bound to the orders collection.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

// Create inserts a new order. An existing document with the same ID is a conflict.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order create: id is required")
	}

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, doc)
	})
	return pfirestore.WrapError("orders.create", err)
}

// FindByID fetches an order by its ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// TransitionIfCurrent performs the compare-and-swap on order status. The
// transaction reads the document, compares the stored status against
// expected, and only then writes; a mismatch reports false without error so
// callers can treat it as "another actor already handled this order".
func (r *OrderRepository) TransitionIfCurrent(ctx context.Context, orderID string, expected, next domain.OrderStatus, update repositories.TransitionUpdate) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("order transition: id is required")
	}
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("order transition: %s -> %s is not a legal transition", expected, next)
	}

	applied := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if domain.OrderStatus(doc.Status) != expected {
			applied = false
			return nil
		}

		now := time.Now().UTC()
		doc.Status = string(next)
		doc.UpdatedAt = now
		if update.PaymentStatus != nil {
			doc.PaymentStatus = string(*update.PaymentStatus)
		}
		if update.PaymentRef != nil {
			doc.PaymentRef = *update.PaymentRef
		}
		if update.PaidAt != nil {
			paidAt := update.PaidAt.UTC()
			doc.PaidAt = &paidAt
		}
		if update.CancelledAt != nil {
			cancelledAt := update.CancelledAt.UTC()
			doc.CancelledAt = &cancelledAt
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("orders.transition", err)
	}
	return applied, nil
}

// MarkRefunded forces the refunded terminal state. The processor is
// authoritative for refunds, so no status comparison is made.
func (r *OrderRepository) MarkRefunded(ctx context.Context, orderID string, at time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order refund: id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		doc.Status = string(domain.OrderStatusRefunded)
		doc.PaymentStatus = string(domain.PaymentStatusRefunded)
		doc.UpdatedAt = at.UTC()
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("orders.markRefunded", err)
}

// SetPaymentRefIfPending records the gateway intent reference on an order
// that is still pending payment. The transaction re-reads the status so a
// webhook settling the order between the caller's read and this write wins;
// a mismatch reports false and leaves the settled payment status untouched.
func (r *OrderRepository) SetPaymentRefIfPending(ctx context.Context, orderID, paymentRef string, paymentStatus domain.PaymentStatus) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("order set payment ref: id is required")
	}

	applied := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if domain.OrderStatus(doc.Status) != domain.OrderStatusPendingPayment {
			applied = false
			return nil
		}

		doc.PaymentRef = strings.TrimSpace(paymentRef)
		doc.PaymentStatus = string(paymentStatus)
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("orders.setPaymentRef", err)
	}
	return applied, nil
}

// SetPaymentStatusIfCurrent performs a compare-and-swap on the payment status alone.
func (r *OrderRepository) SetPaymentStatusIfCurrent(ctx context.Context, orderID string, expected, next domain.PaymentStatus) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, errors.New("order set payment status: id is required")
	}

	applied := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if domain.PaymentStatus(doc.PaymentStatus) != expected {
			applied = false
			return nil
		}

		doc.PaymentStatus = string(next)
		doc.UpdatedAt = time.Now().UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("orders.setPaymentStatus", err)
	}
	return applied, nil
}

// ListPendingOlderThan returns pending-payment orders created before the
// cutoff, oldest first, bounded by limit.
func (r *OrderRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("status", "==", string(domain.OrderStatusPendingPayment)).
			Where("createdAt", "<", cutoff.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	UserID         string              `firestore:"userId,omitempty"`
	GuestTokenHash string              `firestore:"guestTokenHash,omitempty"`
	Currency       string              `firestore:"currency"`
	Subtotal       int64               `firestore:"subtotal"`
	ShippingFee    int64               `firestore:"shippingFee"`
	Tax            int64               `firestore:"tax"`
	Total          int64               `firestore:"total"`
	Items          []orderItemDocument `firestore:"items"`
	Shipping       addressDocument     `firestore:"shipping"`
	Billing        addressDocument     `firestore:"billing"`
	Status         string              `firestore:"status"`
	PaymentStatus  string              `firestore:"paymentStatus"`
	PaymentRef     string              `firestore:"paymentRef,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	UpdatedAt      time.Time           `firestore:"updatedAt"`
	PaidAt         *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt      *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt    *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	SKU       string `firestore:"sku"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int64  `firestore:"qty"`
	Subtotal  int64  `firestore:"subtotal"`
}

type addressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	Region     string `firestore:"region,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		}
	}
	return orderDocument{
		UserID:         strings.TrimSpace(order.UserID),
		GuestTokenHash: order.GuestTokenHash,
		Currency:       strings.ToUpper(strings.TrimSpace(order.Currency)),
		Subtotal:       order.Amounts.Subtotal,
		ShippingFee:    order.Amounts.ShippingFee,
		Tax:            order.Amounts.Tax,
		Total:          order.Amounts.Total,
		Items:          items,
		Shipping:       newAddressDocument(order.Shipping),
		Billing:        newAddressDocument(order.Billing),
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		PaymentRef:     strings.TrimSpace(order.PaymentRef),
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
		PaidAt:         order.PaidAt,
		ShippedAt:      order.ShippedAt,
		DeliveredAt:    order.DeliveredAt,
		CancelledAt:    order.CancelledAt,
	}
}

func newAddressDocument(address domain.Address) addressDocument {
	return addressDocument{
		Name:       address.Name,
		Line1:      address.Line1,
		Line2:      address.Line2,
		City:       address.City,
		Region:     address.Region,
		PostalCode: address.PostalCode,
		Country:    address.Country,
		Phone:      address.Phone,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		}
	}
	return domain.Order{
		ID:             id,
		UserID:         d.UserID,
		GuestTokenHash: d.GuestTokenHash,
		Currency:       d.Currency,
		Amounts: domain.OrderAmounts{
			Subtotal:    d.Subtotal,
			ShippingFee: d.ShippingFee,
			Tax:         d.Tax,
			Total:       d.Total,
		},
		Items:         items,
		Shipping:      d.Shipping.toDomain(),
		Billing:       d.Billing.toDomain(),
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentRef:    d.PaymentRef,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		PaidAt:        d.PaidAt,
		ShippedAt:     d.ShippedAt,
		DeliveredAt:   d.DeliveredAt,
		CancelledAt:   d.CancelledAt,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Name:       d.Name,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		Region:     d.Region,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
