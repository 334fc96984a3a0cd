package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/crownacademy/api/internal/platform/firestore"
	"github.com/crownacademy/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	carts         *CartRepository
	coupons       *CouponRepository
	subscriptions *SubscriptionRepository
	health        repositories.HealthRepository
}

// RegistryDeps configures the Firestore registry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	// Health is optional; when nil the registry exposes no health repository
	// and readiness wiring is skipped.
	Health repositories.HealthRepository
}

// NewRegistry constructs all Firestore repositories from a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	subscriptions, err := NewSubscriptionRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      deps.Provider,
		orders:        orders,
		carts:         carts,
		coupons:       coupons,
		subscriptions: subscriptions,
		health:        deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository {
	if r == nil {
		return nil
	}
	return r.orders
}

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository {
	if r == nil {
		return nil
	}
	return r.carts
}

// Coupons returns the coupon repository.
func (r *Registry) Coupons() repositories.CouponRepository {
	if r == nil {
		return nil
	}
	return r.coupons
}

// Subscriptions returns the subscription repository.
func (r *Registry) Subscriptions() repositories.SubscriptionRepository {
	if r == nil {
		return nil
	}
	return r.subscriptions
}

// Health returns the configured health repository, which may be nil.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// RunInTx executes fn within a Firestore transaction context. Repository
// operations inside fn still issue their own writes; the transaction gives
// retry semantics for the whole group.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
