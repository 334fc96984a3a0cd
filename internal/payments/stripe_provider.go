package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const orderNumberMetadataKey = "orderNumber"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeClients struct {
	intents  stripePaymentIntentAPI
	sessions stripeSessionAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:  sc.PaymentIntents,
			sessions: sc.CheckoutSessions,
		}
	}

	if clients.intents == nil || clients.sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a Stripe Payment Intent for the given order amount.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: intent amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}

	params.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if number := strings.TrimSpace(req.OrderNumber); number != "" {
		params.Metadata[orderNumberMetadataKey] = number
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderNumber":   req.OrderNumber,
		"amount":        intent.Amount,
	})

	return Intent{
		ID:           intent.ID,
		Provider:     "stripe",
		ClientSecret: intent.ClientSecret,
		Status:       stripeIntentStatus(intent),
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
	}, nil
}

// LookupIntent retrieves a Stripe Payment Intent for verification.
func (p *StripeProvider) LookupIntent(ctx context.Context, req LookupRequest) (IntentDetails, error) {
	if p == nil {
		return IntentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return IntentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeIntentDetails(intent), nil
}

// CreateSubscriptionCheckout creates a hosted Checkout session in subscription mode.
func (p *StripeProvider) CreateSubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (SubscriptionCheckout, error) {
	if p == nil {
		return SubscriptionCheckout{}, errors.New("stripe: provider is nil")
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return SubscriptionCheckout{}, errors.New("stripe: price id is required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if uid := strings.TrimSpace(req.UserID); uid != "" {
		metadata["userId"] = uid
	}
	if len(metadata) > 0 {
		params.Metadata = metadata
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		}
	}
	if req.TrialDays > 0 {
		if params.SubscriptionData == nil {
			params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{}
		}
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return SubscriptionCheckout{}, fmt.Errorf("stripe: create subscription checkout: %w", err)
	}

	p.logger(ctx, "payments.stripe.subscription_checkout.created", map[string]any{
		"sessionId": session.ID,
		"userId":    req.UserID,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return SubscriptionCheckout{
		ID:        session.ID,
		Provider:  "stripe",
		URL:       session.URL,
		ExpiresAt: expiresAt,
	}, nil
}

func stripeIntentStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusFailed
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// After a decline Stripe parks the intent here with the error attached.
		if intent.LastPaymentError != nil {
			return StatusFailed
		}
		return StatusRequiresAction
	default:
		return StatusRequiresAction
	}
}

func stripeIntentDetails(intent *stripe.PaymentIntent) IntentDetails {
	if intent == nil {
		return IntentDetails{}
	}

	failureReason := ""
	if intent.LastPaymentError != nil {
		failureReason = string(intent.LastPaymentError.Code)
		if failureReason == "" {
			failureReason = intent.LastPaymentError.Msg
		}
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return IntentDetails{
		Provider:      "stripe",
		IntentID:      intent.ID,
		Status:        stripeIntentStatus(intent),
		Amount:        intent.Amount,
		Currency:      strings.ToLower(string(intent.Currency)),
		OrderNumber:   intent.Metadata[orderNumberMetadataKey],
		FailureReason: failureReason,
		Raw:           raw,
	}
}
