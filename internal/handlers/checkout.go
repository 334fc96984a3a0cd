package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/platform/auth"
	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the checkout intent endpoint. Authentication is
// optional: signed-in buyers checkout their account cart, guests send a cart
// snapshot plus an email.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs the checkout handler set.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	group.Post("/intent", h.createIntent)
}

type checkoutIntentRequest struct {
	Items      []cartItemPayload `json:"items"`
	GuestEmail string            `json:"guestEmail"`
	CouponCode string            `json:"couponCode"`
	Currency   string            `json:"currency"`
}

type checkoutOrderResponse struct {
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Subtotal    int64  `json:"subtotal"`
	Discount    int64  `json:"discount"`
	Total       int64  `json:"total"`
	CouponCode  string `json:"couponCode,omitempty"`
}

type checkoutIntentResponse struct {
	Order           checkoutOrderResponse `json:"order"`
	PaymentIntentID string                `json:"paymentIntentId"`
	ClientSecret    string                `json:"clientSecret,omitempty"`
	Provider        string                `json:"provider"`
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req checkoutIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CreateCheckoutIntentCommand{
		CouponCode:     strings.TrimSpace(req.CouponCode),
		Currency:       strings.TrimSpace(req.Currency),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		cmd.UserID = identity.UID
	} else {
		cmd.GuestEmail = strings.TrimSpace(req.GuestEmail)
		cmd.GuestItems = make([]services.GuestCartItem, 0, len(req.Items))
		for _, item := range req.Items {
			cmd.GuestItems = append(cmd.GuestItems, services.GuestCartItem{
				ItemType: domain.CartItemType(strings.TrimSpace(item.ItemType)),
				ItemID:   strings.TrimSpace(item.ItemID),
				Quantity: item.Quantity,
			})
		}
	}

	intent, err := h.checkout.CreateIntent(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutIntentResponse{
		Order: checkoutOrderResponse{
			OrderNumber: intent.Order.OrderNumber,
			Status:      string(intent.Order.Status),
			Currency:    intent.Order.Currency,
			Subtotal:    intent.Order.Subtotal,
			Discount:    intent.Order.Discount,
			Total:       intent.Order.Total,
			CouponCode:  intent.Order.CouponCode,
		},
		PaymentIntentID: intent.PaymentIntentID,
		ClientSecret:    intent.ClientSecret,
		Provider:        intent.Provider,
	})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCartEmpty, "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartCatalogMismatch):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCatalogMismatch, "cart references unavailable catalog items", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeOrderConflict, "could not allocate an order number; retry", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodePaymentFailed, "payment could not be initiated", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrCheckoutUnavailable), errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "checkout temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to process checkout request", http.StatusInternalServerError))
	}
}
