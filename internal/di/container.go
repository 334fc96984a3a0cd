package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crownacademy/api/internal/catalog"
	"github.com/crownacademy/api/internal/payments"
	"github.com/crownacademy/api/internal/platform/config"
	"github.com/crownacademy/api/internal/repositories"
	"github.com/crownacademy/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart          services.CartService
	Coupons       services.CouponService
	CouponAdmin   services.CouponAdminService
	Checkout      services.CheckoutService
	Orders        services.OrderService
	Subscriptions services.SubscriptionService
	System        services.SystemService
}

// ServiceLogger receives structured service-level events.
type ServiceLogger func(ctx context.Context, event string, fields map[string]any)

// ContainerDeps carries externally constructed collaborators that the
// container wires into services.
type ContainerDeps struct {
	Registry repositories.Registry
	Catalog  *catalog.Client
	Payments *payments.Manager
	Events   services.EventPublisher
	Build    services.BuildInfo
	Logger   ServiceLogger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, deps ContainerDeps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog client is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment manager is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps ContainerDeps) (Services, error) {
	var svc Services
	reg := deps.Registry

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	couponDeps := services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   time.Now,
		Logger:  logger,
	}
	couponSvc, err := services.NewCouponService(couponDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	couponAdminSvc, err := services.NewCouponAdminService(couponDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build coupon admin service: %w", err)
	}
	svc.CouponAdmin = couponAdminSvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Catalog:  deps.Catalog,
		Currency: cfg.Checkout.Currency,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:         cartSvc,
		Coupons:       couponSvc,
		Orders:        reg.Orders(),
		Payments:      deps.Payments,
		Clock:         time.Now,
		Logger:        logger,
		NumberRetries: cfg.Checkout.OrderNumberRetries,
		NumberDelay:   cfg.Checkout.OrderNumberDelay,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   reg.Orders(),
		Carts:    cartSvc,
		Payments: deps.Payments,
		Events:   deps.Events,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	subscriptionSvc, err := services.NewSubscriptionService(services.SubscriptionServiceDeps{
		Subscriptions: reg.Subscriptions(),
		Plans:         deps.Catalog,
		Payments:      deps.Payments,
		Coupons:       couponSvc,
		Events:        deps.Events,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build subscription service: %w", err)
	}
	svc.Subscriptions = subscriptionSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
