package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/services"
)

const maxInternalBodySize = 8 * 1024

// InternalHandlers serves the server-to-server surface used by the catalog
// service. Authentication happens upstream via the HMAC middleware mounted on
// the internal route group.
type InternalHandlers struct {
	coupons services.CouponAdminService
}

// NewInternalHandlers constructs the internal handler set.
func NewInternalHandlers(coupons services.CouponAdminService) *InternalHandlers {
	return &InternalHandlers{coupons: coupons}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Put("/coupons/{code}", h.upsertCoupon)
}

type couponUpsertRequest struct {
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

func (h *InternalHandlers) upsertCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "coupon sync unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req couponUpsertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "malformed coupon payload", http.StatusBadRequest))
		return
	}

	cmd := services.UpsertCouponCommand{
		Code:           chi.URLParam(r, "code"),
		Type:           req.Type,
		PercentOff:     req.PercentOff,
		AmountOff:      req.AmountOff,
		TrialMonths:    req.TrialMonths,
		TargetPlanSlug: req.TargetPlanSlug,
		Description:    req.Description,
		Active:         req.Active,
	}
	if cmd.StartsAt, err = parseOptionalTime(req.StartsAt); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "invalid startsAt timestamp", http.StatusBadRequest))
		return
	}
	if cmd.ExpiresAt, err = parseOptionalTime(req.ExpiresAt); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "invalid expiresAt timestamp", http.StatusBadRequest))
		return
	}

	coupon, err := h.coupons.UpsertCoupon(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCouponInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "invalid coupon definition", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "coupon store unavailable", http.StatusServiceUnavailable))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, couponToResponse(coupon))
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return &ts, nil
}
