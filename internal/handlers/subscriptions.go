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

const maxSubscriptionBodySize = 8 * 1024

// SubscriptionHandlers exposes subscription lifecycle endpoints for the
// authenticated user.
type SubscriptionHandlers struct {
	authn *auth.Authenticator
	subs  services.SubscriptionService
}

// NewSubscriptionHandlers constructs the subscription handler set.
func NewSubscriptionHandlers(authn *auth.Authenticator, subs services.SubscriptionService) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		authn: authn,
		subs:  subs,
	}
}

// Routes registers subscription endpoints under the provided router.
func (h *SubscriptionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/me", h.get)
	group.Post("/cancel", h.cancel)
	group.Post("/reactivate", h.reactivate)
	group.Get("/upgrade/eligibility/{planSlug}", h.checkUpgrade)
	group.Post("/upgrade/session", h.createUpgradeSession)
}

type subscriptionResponse struct {
	PlanSlug           string `json:"planSlug"`
	Tier               string `json:"tier"`
	Frequency          string `json:"frequency"`
	Status             string `json:"status"`
	PriceCents         int64  `json:"priceCents"`
	Currency           string `json:"currency"`
	CurrentPeriodStart string `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   string `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool   `json:"cancelAtPeriodEnd"`
	CancelReason       string `json:"cancelReason,omitempty"`
	CanceledAt         string `json:"canceledAt,omitempty"`
}

func subscriptionToResponse(sub domain.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		PlanSlug:          sub.PlanSlug,
		Tier:              string(sub.Tier),
		Frequency:         string(sub.Frequency),
		Status:            string(sub.Status),
		PriceCents:        sub.PriceCents,
		Currency:          sub.Currency,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelReason:      sub.CancelReason,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		resp.CurrentPeriodStart = sub.CurrentPeriodStart.UTC().Format(time.RFC3339)
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		resp.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	if sub.CanceledAt != nil {
		resp.CanceledAt = sub.CanceledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *SubscriptionHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	sub, err := h.subs.GetSubscription(ctx, identity.UID)
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

type cancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

func (h *SubscriptionHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req cancelSubscriptionRequest
	body, err := readLimitedBody(r, maxSubscriptionBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	sub, err := h.subs.Cancel(ctx, services.CancelSubscriptionCommand{
		UserID:    identity.UID,
		Immediate: req.Immediate,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

func (h *SubscriptionHandlers) reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	sub, err := h.subs.Reactivate(ctx, identity.UID)
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

type upgradeEligibilityResponse struct {
	Eligible        bool   `json:"eligible"`
	Reason          string `json:"reason,omitempty"`
	TargetPlanSlug  string `json:"targetPlanSlug"`
	ProrationAmount int64  `json:"prorationAmount"`
}

func (h *SubscriptionHandlers) checkUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	eligibility, err := h.subs.CheckUpgrade(ctx, services.UpgradeEligibilityCommand{
		UserID:         identity.UID,
		TargetPlanSlug: strings.TrimSpace(chi.URLParam(r, "planSlug")),
	})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, upgradeEligibilityResponse{
		Eligible:        eligibility.Eligible,
		Reason:          eligibility.Reason,
		TargetPlanSlug:  eligibility.TargetPlanSlug,
		ProrationAmount: eligibility.ProrationAmount,
	})
}

type upgradeSessionRequest struct {
	PlanSlug   string `json:"planSlug"`
	Frequency  string `json:"frequency"`
	CouponCode string `json:"couponCode"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type upgradeSessionResponse struct {
	SessionID   string                     `json:"sessionId"`
	Provider    string                     `json:"provider"`
	URL         string                     `json:"url"`
	ExpiresAt   string                     `json:"expiresAt,omitempty"`
	Eligibility upgradeEligibilityResponse `json:"eligibility"`
}

func (h *SubscriptionHandlers) createUpgradeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxSubscriptionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req upgradeSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	session, err := h.subs.CreateUpgradeSession(ctx, services.UpgradeSessionCommand{
		UserID:         identity.UID,
		TargetPlanSlug: strings.TrimSpace(req.PlanSlug),
		Frequency:      domain.BillingFrequency(strings.TrimSpace(req.Frequency)),
		CouponCode:     strings.TrimSpace(req.CouponCode),
		CustomerEmail:  strings.TrimSpace(identity.Email),
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeSubscriptionError(ctx, w, err)
		return
	}

	resp := upgradeSessionResponse{
		SessionID: session.SessionID,
		Provider:  session.Provider,
		URL:       session.URL,
		Eligibility: upgradeEligibilityResponse{
			Eligible:        session.Eligibility.Eligible,
			Reason:          session.Eligibility.Reason,
			TargetPlanSlug:  session.Eligibility.TargetPlanSlug,
			ProrationAmount: session.Eligibility.ProrationAmount,
		},
	}
	if !session.ExpiresAt.IsZero() {
		resp.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func writeSubscriptionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSubscriptionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubscriptionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeSubscriptionGone, "no subscription for this account", http.StatusNotFound))
	case errors.Is(err, services.ErrSubscriptionPlanNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeNotFound, "plan not found", http.StatusNotFound))
	case errors.Is(err, services.ErrUpgradeIneligible):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUpgradeBlocked, "subscription is not eligible for this upgrade", http.StatusConflict))
	case errors.Is(err, services.ErrSubscriptionTerminal):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUpgradeBlocked, "subscription can no longer change state", http.StatusConflict))
	case errors.Is(err, services.ErrSubscriptionConflict):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeOrderConflict, "subscription changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrSubscriptionUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "subscription backend temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to process subscription request", http.StatusInternalServerError))
	}
}
