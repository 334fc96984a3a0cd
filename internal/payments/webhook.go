package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrInvalidWebhookSignature is returned when signature verification fails.
var ErrInvalidWebhookSignature = errors.New("payments: invalid webhook signature")

// WebhookEventKind classifies provider events into the kinds this service acts on.
type WebhookEventKind string

const (
	// WebhookPaymentSucceeded maps provider payment-settled events.
	WebhookPaymentSucceeded WebhookEventKind = "payment_succeeded"
	// WebhookPaymentFailed maps provider payment-failure events.
	WebhookPaymentFailed WebhookEventKind = "payment_failed"
	// WebhookSubscriptionUpdated maps subscription lifecycle updates.
	WebhookSubscriptionUpdated WebhookEventKind = "subscription_updated"
	// WebhookIgnored marks event types this service does not act on.
	WebhookIgnored WebhookEventKind = "ignored"
)

// WebhookPayment carries the payment fields extracted from a provider event.
type WebhookPayment struct {
	IntentID      string
	OrderNumber   string
	Status        Status
	Amount        int64
	Currency      string
	FailureReason string
}

// WebhookSubscription carries the subscription fields extracted from a
// provider event. Provider state is authoritative for these updates.
type WebhookSubscription struct {
	ProviderSubID     string
	UserID            string
	PlanSlug          string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// WebhookEvent is the normalised provider notification.
type WebhookEvent struct {
	ID           string
	Kind         WebhookEventKind
	Type         string
	Payment      *WebhookPayment
	Subscription *WebhookSubscription
	ReceivedAt   time.Time
}

// ParseStripeWebhook verifies the Stripe signature and normalises the event.
func ParseStripeWebhook(payload []byte, signatureHeader, secret string) (WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return normaliseStripeEvent(event)
}

func normaliseStripeEvent(event stripe.Event) (WebhookEvent, error) {
	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Kind:       WebhookIgnored,
		ReceivedAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode payment intent event: %w", err)
		}
		payment := &WebhookPayment{
			IntentID:    intent.ID,
			OrderNumber: intent.Metadata[orderNumberMetadataKey],
			Status:      stripeIntentStatus(&intent),
			Amount:      intent.Amount,
			Currency:    strings.ToLower(string(intent.Currency)),
		}
		if intent.LastPaymentError != nil {
			payment.FailureReason = string(intent.LastPaymentError.Code)
		}
		out.Payment = payment
		if event.Type == "payment_intent.succeeded" {
			out.Kind = WebhookPaymentSucceeded
		} else {
			out.Kind = WebhookPaymentFailed
			payment.Status = StatusFailed
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode subscription event: %w", err)
		}
		status := string(sub.Status)
		if event.Type == "customer.subscription.deleted" {
			status = "canceled"
		}
		out.Subscription = &WebhookSubscription{
			ProviderSubID:     sub.ID,
			UserID:            sub.Metadata["userId"],
			PlanSlug:          sub.Metadata["planSlug"],
			Status:            status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
			PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		}
		out.Kind = WebhookSubscriptionUpdated
	}

	return out, nil
}
