package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crownacademy/api/internal/payments"
	"github.com/crownacademy/api/internal/platform/httpx"
	"github.com/crownacademy/api/internal/platform/idempotency"
	"github.com/crownacademy/api/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024
	webhookDedupeTTL   = 72 * time.Hour

	// webhookInFlightWindow bounds how long a pending reservation is trusted.
	// A worker that crashed between Reserve and Release never completes, so
	// older reservations are freed and the delivery NACKed for retry.
	webhookInFlightWindow = 2 * time.Minute
)

// WebhookParser verifies and normalises a provider webhook payload.
type WebhookParser func(payload []byte, signatureHeader, secret string) (payments.WebhookEvent, error)

// WebhookHandlers ingests provider webhooks. Events are verified, deduplicated
// by provider event ID, then applied to the order or subscription services.
// Unknown references are acknowledged so the provider stops redelivering.
type WebhookHandlers struct {
	secret string
	parse  WebhookParser
	store  idempotency.Store
	orders services.OrderService
	subs   services.SubscriptionService
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlersDeps bundles webhook handler dependencies.
type WebhookHandlersDeps struct {
	SigningSecret string
	Parser        WebhookParser
	Store         idempotency.Store
	Orders        services.OrderService
	Subscriptions services.SubscriptionService
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the webhook handler set.
func NewWebhookHandlers(deps WebhookHandlersDeps) *WebhookHandlers {
	h := &WebhookHandlers{
		secret: deps.SigningSecret,
		parse:  deps.Parser,
		store:  deps.Store,
		orders: deps.Orders,
		subs:   deps.Subscriptions,
		clock:  deps.Clock,
		logger: deps.Logger,
	}
	if h.parse == nil {
		h.parse = payments.ParseStripeWebhook
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.logger == nil {
		h.logger = func(context.Context, string, map[string]any) {}
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.payment)
}

func (h *WebhookHandlers) payment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "failed to read webhook payload", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.parse(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidWebhookSignature) {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthorized, "invalid webhook signature", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "malformed webhook payload", http.StatusBadRequest))
		return
	}

	if event.Kind == payments.WebhookIgnored {
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "handled": false})
		return
	}

	now := h.clock().UTC()
	if h.store != nil && strings.TrimSpace(event.ID) != "" {
		reservation, err := h.store.Reserve(ctx, event.ID, event.Type, now, webhookDedupeTTL)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "webhook dedupe store unavailable", http.StatusServiceUnavailable))
			return
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			// Redelivery of an event already handled.
			writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		case idempotency.ReservationStatePending:
			if now.Sub(reservation.Record.UpdatedAt) <= webhookInFlightWindow {
				// A concurrent delivery holds the reservation.
				writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
				return
			}
			// Abandoned reservation; free it so the next delivery processes.
			h.logger(ctx, "webhook.stale_reservation_released", map[string]any{
				"eventId":   event.ID,
				"eventType": event.Type,
			})
			_ = h.store.Release(ctx, event.ID, event.Type)
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "webhook processing stalled; retry", http.StatusInternalServerError))
			return
		}
	}

	if err := h.dispatch(ctx, event); err != nil {
		if h.store != nil && strings.TrimSpace(event.ID) != "" {
			_ = h.store.Release(ctx, event.ID, event.Type)
		}
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBackendDown, "webhook processing failed; retry", http.StatusInternalServerError))
		return
	}

	if h.store != nil && strings.TrimSpace(event.ID) != "" {
		_ = h.store.SaveResponse(ctx, event.ID, event.Type, idempotency.Response{
			Status: http.StatusOK,
			Body:   []byte(`{"received":true}`),
		}, now, webhookDedupeTTL)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

// dispatch applies the event. A nil return acknowledges the event; an error
// triggers provider redelivery.
func (h *WebhookHandlers) dispatch(ctx context.Context, event payments.WebhookEvent) error {
	switch event.Kind {
	case payments.WebhookPaymentSucceeded, payments.WebhookPaymentFailed:
		if h.orders == nil || event.Payment == nil {
			return nil
		}
		if strings.TrimSpace(event.Payment.OrderNumber) == "" {
			h.logger(ctx, "webhook.payment_without_order", map[string]any{
				"eventId":  event.ID,
				"intentId": event.Payment.IntentID,
			})
			return nil
		}
		_, err := h.orders.ApplyPaymentEvent(ctx, services.PaymentEventCommand{
			EventID:       event.ID,
			OrderNumber:   event.Payment.OrderNumber,
			IntentID:      event.Payment.IntentID,
			Succeeded:     event.Kind == payments.WebhookPaymentSucceeded,
			Amount:        event.Payment.Amount,
			Currency:      event.Payment.Currency,
			FailureReason: event.Payment.FailureReason,
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, services.ErrOrderNotFound):
			h.logger(ctx, "webhook.order_not_found", map[string]any{
				"eventId":     event.ID,
				"orderNumber": event.Payment.OrderNumber,
			})
			return nil
		case errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrOrderIntentMismatch):
			// The order already settled in a state this event cannot move.
			h.logger(ctx, "webhook.order_conflict", map[string]any{
				"eventId":     event.ID,
				"orderNumber": event.Payment.OrderNumber,
				"error":       err.Error(),
			})
			return nil
		default:
			return err
		}

	case payments.WebhookSubscriptionUpdated:
		if h.subs == nil || event.Subscription == nil {
			return nil
		}
		if strings.TrimSpace(event.Subscription.UserID) == "" {
			h.logger(ctx, "webhook.subscription_without_user", map[string]any{
				"eventId":       event.ID,
				"providerSubId": event.Subscription.ProviderSubID,
			})
			return nil
		}
		_, err := h.subs.ApplyExternalUpdate(ctx, services.ExternalSubscriptionUpdate{
			UserID:            event.Subscription.UserID,
			ProviderSubID:     event.Subscription.ProviderSubID,
			PlanSlug:          event.Subscription.PlanSlug,
			Status:            event.Subscription.Status,
			CancelAtPeriodEnd: event.Subscription.CancelAtPeriodEnd,
			PeriodStart:       event.Subscription.PeriodStart,
			PeriodEnd:         event.Subscription.PeriodEnd,
		})
		if err != nil && !errors.Is(err, services.ErrSubscriptionInvalidInput) {
			return err
		}
		return nil
	}
	return nil
}
