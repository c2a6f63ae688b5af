package domain

import "time"

// OrderStatus enumerates the order lifecycle states tracked by the ledger.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// orderStatusTransitions is the closed transition table for order statuses.
// Every status mutation after creation must go through CanTransitionTo; the
// sole exception is the unconditional move to refunded, which is valid from
// any paid-or-later state because the processor is authoritative for refunds.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
	OrderStatusRefunded:       {},
}

// Valid reports whether the status is a known member of the state machine.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	next, ok := orderStatusTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderStatusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// PaymentStatus tracks settlement progress independently of the order status.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunding PaymentStatus = "refunding"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Valid reports whether the payment status is a known value.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusRefunding, PaymentStatusRefunded:
		return true
	}
	return false
}

// Address is a postal address snapshot embedded on the order.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// OrderItem is a line item snapshot captured at order creation. Prices are
// copied from the catalog at that moment so later catalog edits cannot alter
// a placed order.
type OrderItem struct {
	ProductID string
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int64
	Subtotal  int64
}

// OrderAmounts is the monetary breakdown of an order in minor currency units.
type OrderAmounts struct {
	Subtotal    int64
	ShippingFee int64
	Tax         int64
	Total       int64
}

// Consistent reports whether the total equals the sum of its parts.
func (a OrderAmounts) Consistent() bool {
	return a.Total == a.Subtotal+a.ShippingFee+a.Tax
}

// Order is the persisted order ledger record. After creation only status,
// payment status, payment reference, and timestamps change.
type Order struct {
	ID             string
	UserID         string
	GuestTokenHash string
	Currency       string
	Amounts        OrderAmounts
	Items          []OrderItem
	Shipping       Address
	Billing        Address
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	PaymentRef     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time
}

// Guest reports whether the order was placed without an authenticated user.
func (o Order) Guest() bool {
	return o.UserID == ""
}

// StockLine pairs a product with a quantity for a reservation batch.
type StockLine struct {
	ProductID string
	Quantity  int64
}
