package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/platform/auth"
	"github.com/orchard-market/api/internal/platform/httpx"
	"github.com/orchard-market/api/internal/services"
)

const (
	maxOrderBodySize = 64 * 1024
	// GuestTokenHeader carries the capability token minted at guest checkout.
	GuestTokenHeader = "X-Order-Token"
)

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints. Authentication is optional: guests
// place orders anonymously and present the capability token on later calls.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/payment-intent", h.createPaymentIntent)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

// AdminRoutes registers the privileged order endpoints.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Post("/orders/{orderID}/refund", h.refundOrder)
}

type addressPayload struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type orderItemRequest struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

type createOrderRequest struct {
	Currency    string             `json:"currency"`
	Items       []orderItemRequest `json:"items"`
	Shipping    addressPayload     `json:"shipping"`
	Billing     addressPayload     `json:"billing"`
	ShippingFee int64              `json:"shipping_fee"`
	Tax         int64              `json:"tax"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	PaymentStatus string             `json:"payment_status"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
	Currency      string             `json:"currency"`
	Subtotal      int64              `json:"subtotal"`
	ShippingFee   int64              `json:"shipping_fee"`
	Tax           int64              `json:"tax"`
	Total         int64              `json:"total"`
	Items         []orderItemPayload `json:"items"`
	Shipping      *addressPayload    `json:"shipping,omitempty"`
	Billing       *addressPayload    `json:"billing,omitempty"`
	CreatedAt     string             `json:"created_at"`
	PaidAt        string             `json:"paid_at,omitempty"`
	CancelledAt   string             `json:"cancelled_at,omitempty"`
}

type createOrderResponse struct {
	Order orderPayload `json:"order"`
	// GuestToken is returned exactly once, at creation, for guest orders.
	GuestToken string `json:"guest_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type paymentIntentResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		Currency:    req.Currency,
		Shipping:    buildAddress(req.Shipping),
		Billing:     buildAddress(req.Billing),
		ShippingFee: req.ShippingFee,
		Tax:         req.Tax,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.UserID = strings.TrimSpace(identity.UID)
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}

	result, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createOrderResponse{
		Order:      buildOrderPayload(result.Order),
		GuestToken: result.GuestToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, orderID string, actor services.Actor) (domain.Order, error) {
		return h.orders.Get(ctx, orderID, actor)
	}, http.StatusOK)
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, orderID string, actor services.Actor) (domain.Order, error) {
		return h.orders.Cancel(ctx, orderID, actor)
	}, http.StatusOK)
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, orderID string, actor services.Actor) (domain.Order, error) {
		return h.orders.Refund(ctx, orderID, actor)
	}, http.StatusAccepted)
}

func (h *OrderHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.CreatePaymentIntent(ctx, orderID, actorFromRequest(r))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, paymentIntentResponse{
		IntentID:     result.IntentID,
		ClientSecret: result.ClientSecret,
	})
}

func (h *OrderHandlers) withOrder(w http.ResponseWriter, r *http.Request, op func(context.Context, string, services.Actor) (domain.Order, error), status int) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := op(ctx, orderID, actorFromRequest(r))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, status, orderResponse{Order: buildOrderPayload(order)})
}

func actorFromRequest(r *http.Request) services.Actor {
	actor := services.Actor{
		GuestToken: strings.TrimSpace(r.Header.Get(GuestTokenHeader)),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor.UserID = strings.TrimSpace(identity.UID)
		actor.Admin = identity.HasRole(auth.RoleAdmin)
	}
	return actor
}

func buildAddress(p addressPayload) domain.Address {
	return domain.Address{
		Name:       strings.TrimSpace(p.Name),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      strings.TrimSpace(p.Line2),
		City:       strings.TrimSpace(p.City),
		Region:     strings.TrimSpace(p.Region),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.TrimSpace(p.Country),
		Phone:      strings.TrimSpace(p.Phone),
	}
}

func addressToPayload(a domain.Address) *addressPayload {
	if a == (domain.Address{}) {
		return nil
	}
	return &addressPayload{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}

	payload := orderPayload{
		ID:            order.ID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentRef:    order.PaymentRef,
		Currency:      order.Currency,
		Subtotal:      order.Amounts.Subtotal,
		ShippingFee:   order.Amounts.ShippingFee,
		Tax:           order.Amounts.Tax,
		Total:         order.Amounts.Total,
		Items:         items,
		Shipping:      addressToPayload(order.Shipping),
		Billing:       addressToPayload(order.Billing),
		CreatedAt:     formatTime(order.CreatedAt),
	}
	if order.PaidAt != nil {
		payload.PaidAt = formatTime(*order.PaidAt)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "access to this order is denied", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderExpired):
		httpx.WriteError(ctx, w, httpx.NewError("order_expired", "order exceeded the payment window and was cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrInventoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}
