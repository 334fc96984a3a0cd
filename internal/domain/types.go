package domain

import (
	"time"
)

// CartItemType distinguishes the purchasable kinds a cart line may reference.
type CartItemType string

const (
	// CartItemTypeContent references a one-time content purchase from the catalog.
	CartItemTypeContent CartItemType = "content"
	// CartItemTypeBundle references a curated content bundle.
	CartItemTypeBundle CartItemType = "bundle"
	// CartItemTypePlan references a subscription plan purchased through checkout.
	CartItemTypePlan CartItemType = "plan"
)

// CartLineItem stores a single priced entry within a cart. UnitPrice and
// Subtotal are always re-resolved from the catalog, never trusted from clients.
type CartLineItem struct {
	ItemType  CartItemType
	ItemID    string
	Title     string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
	Metadata  map[string]any
}

// Cart aggregates the line items a buyer intends to purchase. Guest carts
// arrive as client snapshots and are re-priced server side; account carts are
// persisted per user.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartLineItem
	Subtotal  int64
	UpdatedAt time.Time
}

// CouponType enumerates the supported discount shapes.
type CouponType string

const (
	// CouponTypePercent discounts a percentage of the order subtotal.
	CouponTypePercent CouponType = "percent"
	// CouponTypeFixed discounts a fixed amount in the smallest currency unit.
	CouponTypeFixed CouponType = "fixed"
	// CouponTypeTrial grants free trial months on a subscription plan instead
	// of discounting a one-time order.
	CouponTypeTrial CouponType = "trial"
)

// Coupon describes a discount or trial code. Codes are stored upper-cased and
// matched case-insensitively. TargetPlanSlug restricts trial coupons to one
// plan; empty means any plan.
type Coupon struct {
	Code           string
	Type           CouponType
	PercentOff     int
	AmountOff      int64
	TrialMonths    int
	TargetPlanSlug string
	Description    string
	Active         bool
	StartsAt       *time.Time
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// RedeemableAt reports whether the coupon is active within its validity
// window at the given instant.
func (c Coupon) RedeemableAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// CouponApplication captures the outcome of evaluating a coupon against a
// subtotal. An unknown or inactive code yields a zero discount, never an error
// that blocks checkout.
type CouponApplication struct {
	Code     string
	Applied  bool
	Reason   string
	Discount int64
}

// OrderStatus enumerates valid lifecycle states for orders. Transitions are
// monotonic: created -> payment_pending -> paid | failed.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order document exists but no payment intent is attached yet.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPaymentPending indicates a payment intent has been issued and awaits settlement.
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	// OrderStatusPaid indicates payment settled; fulfillment side effects have been triggered exactly once.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed indicates the payment was declined or abandoned.
	OrderStatusFailed OrderStatus = "failed"
)

// Order captures an immutable purchase record. Totals never change after
// creation; only Status, PaymentIntentID, and the timestamp fields move.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	GuestEmail      string
	Status          OrderStatus
	Currency        string
	Items           []CartLineItem
	Subtotal        int64
	Discount        int64
	Total           int64
	CouponCode      string
	PaymentIntentID string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	FailedAt        *time.Time
}

// PlanTier identifies a subscription tier.
type PlanTier string

// Tier constants in ascending rank. This ordering is the single source of
// truth for upgrade eligibility.
//
// TODO(product): the web palette lists ROYALTY above IMPERIAL in one place;
// confirm with product before anything besides display depends on that copy.
const (
	TierFree     PlanTier = "FREE"
	TierNobility PlanTier = "NOBILITY"
	TierRoyalty  PlanTier = "ROYALTY"
	TierImperial PlanTier = "IMPERIAL"
)

var tierRanks = map[PlanTier]int{
	TierFree:     0,
	TierNobility: 1,
	TierRoyalty:  2,
	TierImperial: 3,
}

// TierRank returns the ascending rank of a tier and whether the tier is known.
func TierRank(tier PlanTier) (int, bool) {
	rank, ok := tierRanks[tier]
	return rank, ok
}

// TierAbove reports whether candidate outranks current. Unknown tiers never
// outrank anything.
func TierAbove(candidate, current PlanTier) bool {
	cr, ok := TierRank(candidate)
	if !ok {
		return false
	}
	br, ok := TierRank(current)
	if !ok {
		return false
	}
	return cr > br
}

// BillingFrequency enumerates subscription billing cadences.
type BillingFrequency string

const (
	// BillingMonthly bills every month.
	BillingMonthly BillingFrequency = "monthly"
	// BillingYearly bills every year.
	BillingYearly BillingFrequency = "yearly"
)

// SubscriptionPlan describes a sellable plan as served by the catalog.
type SubscriptionPlan struct {
	Slug         string
	Tier         PlanTier
	Name         string
	MonthlyPrice int64
	YearlyPrice  int64
	Currency     string
	StripePrices map[BillingFrequency]string
	Active       bool
}

// Price returns the plan price for a billing frequency.
func (p SubscriptionPlan) Price(freq BillingFrequency) int64 {
	if freq == BillingYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

const (
	// SubscriptionStatusActive indicates a subscription in good standing.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusCancelScheduled indicates an active subscription that will not renew.
	SubscriptionStatusCancelScheduled SubscriptionStatus = "cancel_scheduled"
	// SubscriptionStatusCanceled is terminal; a new subscription must be purchased to regain access.
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	// SubscriptionStatusPastDue indicates a renewal charge failed and is being retried by the provider.
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"
	// SubscriptionStatusUnpaid indicates the provider exhausted renewal retries.
	SubscriptionStatusUnpaid SubscriptionStatus = "unpaid"
)

// Subscription tracks the single current subscription for a user.
// CancelAtPeriodEnd may only be true while the status is cancel_scheduled.
type Subscription struct {
	ID                 string
	UserID             string
	PlanSlug           string
	Tier               PlanTier
	Frequency          BillingFrequency
	Status             SubscriptionStatus
	PriceCents         int64
	Currency           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CancelReason       string
	ProviderSubID      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CanceledAt         *time.Time
}

// UpgradeEligibility is the outcome of checking a tier upgrade.
// ProrationAmount is the unused-time credit in the smallest currency unit.
type UpgradeEligibility struct {
	Eligible        bool
	Reason          string
	TargetPlanSlug  string
	ProrationAmount int64
}

// SubscriptionChange records a lifecycle transition for event publishing.
type SubscriptionChange struct {
	UserID     string
	PlanSlug   string
	FromStatus SubscriptionStatus
	ToStatus   SubscriptionStatus
	OccurredAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
