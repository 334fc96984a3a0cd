package repositories

import (
	"context"
	"time"

	domain "github.com/crownacademy/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Coupons() CouponRepository
	Subscriptions() SubscriptionRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents keyed by order number.
type OrderRepository interface {
	// Insert creates the order document, failing with IsConflict when the
	// order number is already taken. This is the uniqueness guard.
	Insert(ctx context.Context, order domain.Order) error
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	// UpdateStatus applies a status transition plus the supplied mutation.
	// It must fail with IsConflict when the stored status does not match
	// expected, making the transition the single-writer gate.
	UpdateStatus(ctx context.Context, orderNumber string, expected domain.OrderStatus, update OrderStatusUpdate) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
}

// OrderStatusUpdate carries the fields mutated alongside a status transition.
// Totals and line items are immutable after insert and deliberately absent.
type OrderStatusUpdate struct {
	Status          domain.OrderStatus
	PaymentIntentID *string
	FailureReason   *string
	PaidAt          *time.Time
	FailedAt        *time.Time
	UpdatedAt       time.Time
}

// CartRepository stores the persisted account cart, one document per user.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartLineItem, updatedAt time.Time) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// CouponRepository stores discount codes keyed by upper-cased code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) error
}

// SubscriptionRepository stores the single current subscription per user.
type SubscriptionRepository interface {
	FindByUser(ctx context.Context, userID string) (domain.Subscription, error)
	// Create inserts the subscription document, failing with IsConflict
	// when one already exists for the user.
	Create(ctx context.Context, sub domain.Subscription) error
	// Update persists the subscription guarded by an optimistic precondition
	// on the document revision read within the same operation. A concurrent
	// writer surfaces as IsConflict.
	Update(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	// Apply overwrites the subscription unconditionally. Reserved for
	// provider-webhook ingestion, which is authoritative over local state.
	Apply(ctx context.Context, sub domain.Subscription) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
