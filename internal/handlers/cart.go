package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/platform/auth"
	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes cart endpoints. Account carts require authentication;
// guest snapshots are re-priced through the quote endpoint without a session.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs the cart handler set.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	if h.authn != nil {
		r.Group(func(g chi.Router) {
			g.Use(h.authn.OptionalFirebaseAuth())
			g.Post("/quote", h.quote)
		})
		r.Group(func(g chi.Router) {
			g.Use(h.authn.RequireFirebaseAuth())
			g.Get("/", h.get)
			g.Put("/items", h.replaceItems)
			g.Delete("/", h.clear)
		})
		return
	}

	r.Post("/quote", h.quote)
	r.Get("/", h.get)
	r.Put("/items", h.replaceItems)
	r.Delete("/", h.clear)
}

type cartItemPayload struct {
	ItemType string `json:"itemType"`
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type cartQuoteRequest struct {
	Items    []cartItemPayload `json:"items"`
	Currency string            `json:"currency"`
}

type cartLineResponse struct {
	ItemType  string `json:"itemType"`
	ItemID    string `json:"itemId"`
	Title     string `json:"title,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Subtotal  int64  `json:"subtotal"`
}

type cartResponse struct {
	UserID    string             `json:"userId,omitempty"`
	Currency  string             `json:"currency"`
	Items     []cartLineResponse `json:"items"`
	Subtotal  int64              `json:"subtotal"`
	UpdatedAt string             `json:"updatedAt,omitempty"`
}

func cartToResponse(cart domain.Cart) cartResponse {
	resp := cartResponse{
		UserID:   cart.UserID,
		Currency: cart.Currency,
		Items:    make([]cartLineResponse, 0, len(cart.Items)),
		Subtotal: cart.Subtotal,
	}
	if !cart.UpdatedAt.IsZero() {
		resp.UpdatedAt = cart.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, item := range cart.Items {
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

func (h *CartHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.Resolve(ctx, services.ResolveCartCommand{UserID: identity.UID})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartToResponse(cart))
}

func (h *CartHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req cartQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.ResolveCartCommand{
		Currency:   strings.TrimSpace(req.Currency),
		GuestItems: make([]services.GuestCartItem, 0, len(req.Items)),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" && len(req.Items) == 0 {
		cmd.UserID = identity.UID
	}
	for _, item := range req.Items {
		cmd.GuestItems = append(cmd.GuestItems, services.GuestCartItem{
			ItemType: domain.CartItemType(strings.TrimSpace(item.ItemType)),
			ItemID:   strings.TrimSpace(item.ItemID),
			Quantity: item.Quantity,
		})
	}

	cart, err := h.carts.Resolve(ctx, cmd)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartToResponse(cart))
}

func (h *CartHandlers) replaceItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req cartQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.SaveCartItemsCommand{
		UserID: identity.UID,
		Items:  make([]services.GuestCartItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.GuestCartItem{
			ItemType: domain.CartItemType(strings.TrimSpace(item.ItemType)),
			ItemID:   strings.TrimSpace(item.ItemID),
			Quantity: item.Quantity,
		})
	}

	cart, err := h.carts.SaveItems(ctx, cmd)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartToResponse(cart))
}

func (h *CartHandlers) clear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.Clear(ctx, identity.UID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCartEmpty, "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartCatalogMismatch):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCatalogMismatch, "cart references unavailable catalog items", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "cart backend temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to process cart request", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), status))
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthorized, "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}
