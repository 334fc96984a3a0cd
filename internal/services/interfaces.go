package services

import (
	"context"
	"time"

	domain "github.com/crownacademy/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart               = domain.Cart
	CartLineItem       = domain.CartLineItem
	CartItemType       = domain.CartItemType
	Coupon             = domain.Coupon
	CouponApplication  = domain.CouponApplication
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	PlanTier           = domain.PlanTier
	BillingFrequency   = domain.BillingFrequency
	SubscriptionPlan   = domain.SubscriptionPlan
	Subscription       = domain.Subscription
	SubscriptionStatus = domain.SubscriptionStatus
	UpgradeEligibility = domain.UpgradeEligibility
	SystemHealthReport = domain.SystemHealthReport
)

// CartService resolves and maintains buyer carts. Resolution always re-prices
// against the catalog; client-supplied prices are never trusted.
type CartService interface {
	Resolve(ctx context.Context, cmd ResolveCartCommand) (Cart, error)
	SaveItems(ctx context.Context, cmd SaveCartItemsCommand) (Cart, error)
	Clear(ctx context.Context, userID string) error
}

// CouponService evaluates and looks up discount codes.
type CouponService interface {
	// Evaluate degrades gracefully: an unknown, inactive, or expired code
	// yields Applied=false with a reason, never an error that blocks checkout.
	Evaluate(ctx context.Context, cmd EvaluateCouponCommand) (CouponApplication, error)
	// Lookup is strict and returns ErrCouponNotFound for unknown codes.
	Lookup(ctx context.Context, code string) (Coupon, error)
}

// CouponAdminService ingests coupon definitions pushed by the catalog
// service over the HMAC-guarded internal surface.
type CouponAdminService interface {
	UpsertCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
}

// CheckoutService creates orders with unique order numbers and attaches
// payment intents.
type CheckoutService interface {
	CreateIntent(ctx context.Context, cmd CreateCheckoutIntentCommand) (CheckoutIntent, error)
}

// OrderService exposes order reads and the idempotent confirmation paths.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	// Confirm verifies provider-side payment state and finalises the order.
	// Safe to call any number of times; side effects fire at most once.
	Confirm(ctx context.Context, cmd ConfirmOrderCommand) (Order, error)
	// ApplyPaymentEvent is the webhook confirmation path. It shares the
	// status-transition gate with Confirm so the two paths cannot double-fire.
	ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (Order, error)
}

// SubscriptionService drives the subscription state machine.
type SubscriptionService interface {
	GetSubscription(ctx context.Context, userID string) (Subscription, error)
	Cancel(ctx context.Context, cmd CancelSubscriptionCommand) (Subscription, error)
	Reactivate(ctx context.Context, userID string) (Subscription, error)
	CheckUpgrade(ctx context.Context, cmd UpgradeEligibilityCommand) (UpgradeEligibility, error)
	CreateUpgradeSession(ctx context.Context, cmd UpgradeSessionCommand) (UpgradeSession, error)
	// ApplyExternalUpdate ingests provider webhook state, which is
	// authoritative over local subscription state.
	ApplyExternalUpdate(ctx context.Context, cmd ExternalSubscriptionUpdate) (Subscription, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// EventPublisher accepts lifecycle events for downstream fulfillment and
// entitlement workers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
	PublishSubscriptionEvent(ctx context.Context, message SubscriptionEventMessage) (string, error)
}

// OrderEventMessage is the payload published on order lifecycle transitions.
type OrderEventMessage struct {
	Event       string    `json:"event"`
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId,omitempty"`
	Total       int64     `json:"total"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// SubscriptionEventMessage is the payload published on subscription transitions.
type SubscriptionEventMessage struct {
	Event      string    `json:"event"`
	UserID     string    `json:"userId"`
	PlanSlug   string    `json:"planSlug,omitempty"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Command and DTO definitions ------------------------------------------------

// ResolveCartCommand selects the cart source. Account carts load from storage
// by UserID; guest carts re-price the client supplied snapshot.
type ResolveCartCommand struct {
	UserID     string
	GuestItems []GuestCartItem
	Currency   string
}

// GuestCartItem is the untrusted client snapshot of a guest cart line.
// Only the item reference and quantity are honoured.
type GuestCartItem struct {
	ItemType CartItemType
	ItemID   string
	Quantity int
}

type SaveCartItemsCommand struct {
	UserID string
	Items  []GuestCartItem
}

type EvaluateCouponCommand struct {
	Code     string
	Subtotal int64
}

// UpsertCouponCommand is the catalog-sourced coupon definition. Type is
// "percent", "fixed", or "trial"; exactly one of PercentOff, AmountOff, or
// TrialMonths applies. TargetPlanSlug restricts a trial coupon to one plan.
type UpsertCouponCommand struct {
	Code           string
	Type           string
	PercentOff     int
	AmountOff      int64
	TrialMonths    int
	TargetPlanSlug string
	Description    string
	Active         bool
	StartsAt       *time.Time
	ExpiresAt      *time.Time
}

// CreateCheckoutIntentCommand starts checkout for an account or guest buyer.
// Exactly one of UserID or GuestEmail identifies the buyer.
type CreateCheckoutIntentCommand struct {
	UserID         string
	GuestEmail     string
	GuestItems     []GuestCartItem
	CouponCode     string
	Currency       string
	IdempotencyKey string
}

// CheckoutIntent is returned to the client to drive payment collection.
type CheckoutIntent struct {
	Order           Order
	PaymentIntentID string
	ClientSecret    string
	Provider        string
}

type GetOrderCommand struct {
	OrderNumber string
	UserID      string
	GuestEmail  string
}

type ConfirmOrderCommand struct {
	OrderNumber     string
	PaymentIntentID string
	UserID          string
	GuestEmail      string
}

// PaymentEventCommand carries normalised provider webhook payment state.
type PaymentEventCommand struct {
	EventID       string
	OrderNumber   string
	IntentID      string
	Succeeded     bool
	Amount        int64
	Currency      string
	FailureReason string
}

type CancelSubscriptionCommand struct {
	UserID    string
	Immediate bool
	Reason    string
}

type UpgradeEligibilityCommand struct {
	UserID         string
	TargetPlanSlug string
}

type UpgradeSessionCommand struct {
	UserID         string
	TargetPlanSlug string
	Frequency      BillingFrequency
	CouponCode     string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// UpgradeSession is the hosted checkout session for a tier upgrade together
// with the eligibility decision that authorised it.
type UpgradeSession struct {
	SessionID   string
	Provider    string
	URL         string
	ExpiresAt   time.Time
	Eligibility UpgradeEligibility
}

// ExternalSubscriptionUpdate carries provider webhook subscription state.
type ExternalSubscriptionUpdate struct {
	UserID            string
	ProviderSubID     string
	PlanSlug          string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}
