package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/platform/auth"
	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/services"
)

const (
	defaultOrderPageSize    = 20
	maxOrderPageSize        = 100
	maxOrderConfirmBodySize = 4 * 1024
)

// OrderHandlers exposes order retrieval and confirmation. Account holders see
// their own orders; guests address an order by number plus the purchase email.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs the order handler set.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	if h.authn != nil {
		r.Group(func(g chi.Router) {
			g.Use(h.authn.RequireFirebaseAuth())
			g.Get("/", h.list)
		})
		r.Group(func(g chi.Router) {
			g.Use(h.authn.OptionalFirebaseAuth())
			g.Get("/{orderNumber}", h.get)
			g.Post("/{orderNumber}/confirm", h.confirm)
		})
		return
	}

	r.Get("/", h.list)
	r.Get("/{orderNumber}", h.get)
	r.Post("/{orderNumber}/confirm", h.confirm)
}

type orderResponse struct {
	OrderNumber     string             `json:"orderNumber"`
	Status          string             `json:"status"`
	Currency        string             `json:"currency"`
	Items           []cartLineResponse `json:"items"`
	Subtotal        int64              `json:"subtotal"`
	Discount        int64              `json:"discount"`
	Total           int64              `json:"total"`
	CouponCode      string             `json:"couponCode,omitempty"`
	PaymentIntentID string             `json:"paymentIntentId,omitempty"`
	FailureReason   string             `json:"failureReason,omitempty"`
	CreatedAt       string             `json:"createdAt,omitempty"`
	PaidAt          string             `json:"paidAt,omitempty"`
	FailedAt        string             `json:"failedAt,omitempty"`
}

func orderToResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		OrderNumber:     order.OrderNumber,
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           make([]cartLineResponse, 0, len(order.Items)),
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		CouponCode:      order.CouponCode,
		PaymentIntentID: order.PaymentIntentID,
		FailureReason:   order.FailureReason,
	}
	if !order.CreatedAt.IsZero() {
		resp.CreatedAt = order.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.UTC().Format(time.RFC3339Nano)
	}
	if order.FailedAt != nil {
		resp.FailedAt = order.FailedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, cartLineResponse{
			ItemType:  string(item.ItemType),
			ItemID:    item.ItemID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}
	return resp
}

func (h *OrderHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	limit := defaultOrderPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		if parsed > maxOrderPageSize {
			parsed = maxOrderPageSize
		}
		limit = parsed
	}

	orders, err := h.orders.ListOrders(ctx, identity.UID, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderToResponse(order))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orders": items})
}

func (h *OrderHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cmd := services.GetOrderCommand{
		OrderNumber: strings.TrimSpace(chi.URLParam(r, "orderNumber")),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		cmd.UserID = identity.UID
	} else {
		cmd.GuestEmail = strings.TrimSpace(r.URL.Query().Get("email"))
	}

	order, err := h.orders.GetOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderToResponse(order))
}

type confirmOrderRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	GuestEmail      string `json:"guestEmail"`
}

func (h *OrderHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxOrderConfirmBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req confirmOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.ConfirmOrderCommand{
		OrderNumber:     strings.TrimSpace(chi.URLParam(r, "orderNumber")),
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		cmd.UserID = identity.UID
	} else {
		cmd.GuestEmail = strings.TrimSpace(req.GuestEmail)
	}

	order, err := h.orders.Confirm(ctx, cmd)
	if err != nil && !errors.Is(err, services.ErrOrderPaymentPending) {
		writeOrderError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if errors.Is(err, services.ErrOrderPaymentPending) {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, orderToResponse(order))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeNotFound, "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderIntentMismatch):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "payment intent does not belong to this order", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodePaymentFailed, "payment failed; retry checkout with a new payment method", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeOrderConflict, "order already settled in another state", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "order backend temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to process order request", http.StatusInternalServerError))
	}
}
