package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/services"
)

const (
	maxCouponBodySize     = 4 * 1024
	couponLookupRateLimit = 30
	couponLookupWindow    = time.Minute
)

// CouponHandlers exposes coupon lookup and evaluation. Lookups are rate
// limited per client IP to slow down code probing.
type CouponHandlers struct {
	coupons services.CouponService
	limiter rateLimiter
}

// CouponOption customises coupon handler construction.
type CouponOption func(*CouponHandlers)

// WithCouponRateLimiter overrides the lookup rate limiter, primarily for tests.
func WithCouponRateLimiter(limiter rateLimiter) CouponOption {
	return func(h *CouponHandlers) {
		h.limiter = limiter
	}
}

// NewCouponHandlers constructs the coupon handler set.
func NewCouponHandlers(coupons services.CouponService, opts ...CouponOption) *CouponHandlers {
	h := &CouponHandlers{
		coupons: coupons,
		limiter: newSimpleRateLimiter(couponLookupRateLimit, couponLookupWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers coupon endpoints under the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{code}", h.lookup)
	r.Post("/evaluate", h.evaluate)
}

type couponResponse struct {
	Code           string `json:"code"`
	Type           string `json:"type"`
	PercentOff     int    `json:"percentOff,omitempty"`
	AmountOff      int64  `json:"amountOff,omitempty"`
	TrialMonths    int    `json:"trialMonths,omitempty"`
	TargetPlanSlug string `json:"targetPlanSlug,omitempty"`
	Description    string `json:"description,omitempty"`
	Active         bool   `json:"active"`
	StartsAt       string `json:"startsAt,omitempty"`
	ExpiresAt      string `json:"expiresAt,omitempty"`
}

type couponEvaluateRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type couponEvaluateResponse struct {
	Code     string `json:"code"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
	Discount int64  `json:"discount"`
}

func (h *CouponHandlers) lookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "too many coupon lookups; slow down", http.StatusTooManyRequests))
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	coupon, err := h.coupons.Lookup(ctx, code)
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couponToResponse(coupon))
}

func couponToResponse(coupon services.Coupon) couponResponse {
	resp := couponResponse{
		Code:           coupon.Code,
		Type:           string(coupon.Type),
		PercentOff:     coupon.PercentOff,
		AmountOff:      coupon.AmountOff,
		TrialMonths:    coupon.TrialMonths,
		TargetPlanSlug: coupon.TargetPlanSlug,
		Description:    coupon.Description,
		Active:         coupon.Active,
	}
	if coupon.StartsAt != nil {
		resp.StartsAt = coupon.StartsAt.UTC().Format(time.RFC3339)
	}
	if coupon.ExpiresAt != nil {
		resp.ExpiresAt = coupon.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *CouponHandlers) evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCouponBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req couponEvaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	application, err := h.coupons.Evaluate(ctx, services.EvaluateCouponCommand{
		Code:     strings.TrimSpace(req.Code),
		Subtotal: req.Subtotal,
	})
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couponEvaluateResponse{
		Code:     application.Code,
		Applied:  application.Applied,
		Reason:   application.Reason,
		Discount: application.Discount,
	})
}

func (h *CouponHandlers) writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCouponNotFound, "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "coupon backend temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to process coupon request", http.StatusInternalServerError))
	}
}
