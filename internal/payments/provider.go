package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
// Callers only ever branch on these three values; provider-specific states
// collapse into them at the adapter boundary.
type Status string

const (
	// StatusSucceeded indicates the provider reports the payment as settled.
	StatusSucceeded Status = "succeeded"
	// StatusRequiresAction indicates the customer must complete an extra step
	// (3DS challenge, redirect) or the provider is still processing.
	StatusRequiresAction Status = "requires_action"
	// StatusFailed indicates the payment was declined or abandoned.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// IntentRequest captures the payload required to create a payment intent.
// The adapter never persists anything; the order already exists before the
// intent is requested and the order number rides along as metadata.
type IntentRequest struct {
	Amount         int64
	Currency       string
	OrderNumber    string
	CustomerEmail  string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent represents the provider payment intent returned to the client.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
}

// LookupRequest fetches provider-side payment state for verification.
type LookupRequest struct {
	IntentID string
}

// IntentDetails normalises provider specific fields for confirmation checks.
type IntentDetails struct {
	Provider      string
	IntentID      string
	Status        Status
	Amount        int64
	Currency      string
	OrderNumber   string
	FailureReason string
	Raw           map[string]any
}

// SubscriptionCheckoutRequest creates a hosted checkout session for a
// recurring plan price. TrialDays > 0 defers the first charge by that many
// days, typically sourced from a redeemed trial coupon.
type SubscriptionCheckoutRequest struct {
	PriceID        string
	UserID         string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	TrialDays      int64
	Metadata       map[string]string
	IdempotencyKey string
}

// SubscriptionCheckout is the hosted session handed back to the client.
type SubscriptionCheckout struct {
	ID        string
	Provider  string
	URL       string
	ExpiresAt time.Time
}

// Provider defines the contract for payment gateway adapters. Implementations
// must not retry charge-creating calls internally; callers own retry policy
// via idempotency keys.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	LookupIntent(ctx context.Context, req LookupRequest) (IntentDetails, error)
	CreateSubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (SubscriptionCheckout, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// LookupIntent delegates to the resolved provider.
func (m *Manager) LookupIntent(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (IntentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return IntentDetails{}, err
	}
	return provider.LookupIntent(ctx, req)
}

// CreateSubscriptionCheckout delegates to the resolved provider.
func (m *Manager) CreateSubscriptionCheckout(ctx context.Context, paymentCtx PaymentContext, req SubscriptionCheckoutRequest) (SubscriptionCheckout, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return SubscriptionCheckout{}, err
	}
	session, err := provider.CreateSubscriptionCheckout(ctx, req)
	if err != nil {
		return SubscriptionCheckout{}, err
	}
	session.Provider = key
	return session, nil
}
