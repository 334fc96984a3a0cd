package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/payments"
	"github.com/crownacademy/api/internal/repositories"
)

const (
	defaultOrderNumberRetries = 2
	defaultOrderNumberDelay   = 25 * time.Millisecond

	checkoutFailureIntentCreate = "intent_create_failed"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid checkout parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutConflict indicates order number generation exhausted its retries.
	ErrCheckoutConflict = errors.New("checkout: order number conflict")
	// ErrCheckoutPaymentFailed indicates the payment intent could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// checkoutIntentManager abstracts payments.Manager for easier testing.
type checkoutIntentManager interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts    CartService
	Coupons  CouponService
	Orders   repositories.OrderRepository
	Payments checkoutIntentManager
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
	// OrderNumber generates a candidate order number for the given time.
	OrderNumber func(now time.Time) string
	// NumberRetries bounds regeneration attempts after a number collision.
	NumberRetries int
	NumberDelay   time.Duration
	Sleep         func(d time.Duration)
}

type checkoutService struct {
	carts         CartService
	coupons       CouponService
	orders        repositories.OrderRepository
	payments      checkoutIntentManager
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
	orderNumber   func(now time.Time) string
	numberRetries int
	numberDelay   time.Duration
	sleep         func(d time.Duration)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service: coupon service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	numberFn := deps.OrderNumber
	if numberFn == nil {
		numberFn = defaultOrderNumber
	}
	retries := deps.NumberRetries
	if retries < 0 {
		retries = defaultOrderNumberRetries
	}
	delay := deps.NumberDelay
	if delay <= 0 {
		delay = defaultOrderNumberDelay
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &checkoutService{
		carts:    deps.Carts,
		coupons:  deps.Coupons,
		orders:   deps.Orders,
		payments: deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:        logger,
		orderNumber:   numberFn,
		numberRetries: retries,
		numberDelay:   delay,
		sleep:         sleep,
	}, nil
}

// CreateIntent resolves the cart, applies an optional coupon, persists the
// order under a unique number, and attaches a payment intent.
func (s *checkoutService) CreateIntent(ctx context.Context, cmd CreateCheckoutIntentCommand) (CheckoutIntent, error) {
	if s == nil || s.orders == nil || s.payments == nil {
		return CheckoutIntent{}, ErrCheckoutUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	guestEmail := strings.ToLower(strings.TrimSpace(cmd.GuestEmail))
	if (userID == "") == (guestEmail == "") {
		return CheckoutIntent{}, ErrCheckoutInvalidInput
	}
	if guestEmail != "" && !strings.Contains(guestEmail, "@") {
		return CheckoutIntent{}, ErrCheckoutInvalidInput
	}

	cart, err := s.carts.Resolve(ctx, ResolveCartCommand{
		UserID:     userID,
		GuestItems: cmd.GuestItems,
		Currency:   cmd.Currency,
	})
	if err != nil {
		return CheckoutIntent{}, err
	}

	coupon := CouponApplication{}
	if code := strings.TrimSpace(cmd.CouponCode); code != "" {
		coupon, err = s.coupons.Evaluate(ctx, EvaluateCouponCommand{Code: code, Subtotal: cart.Subtotal})
		if err != nil {
			if errors.Is(err, ErrCouponInvalidInput) {
				return CheckoutIntent{}, ErrCheckoutInvalidInput
			}
			return CheckoutIntent{}, ErrCheckoutUnavailable
		}
	}

	total := cart.Subtotal - coupon.Discount
	if total <= 0 {
		return CheckoutIntent{}, ErrCheckoutInvalidInput
	}

	order, err := s.insertOrder(ctx, cart, cmd, coupon, total, userID, guestEmail)
	if err != nil {
		return CheckoutIntent{}, err
	}

	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey == "" {
		sum := sha256.Sum256([]byte("checkout|" + order.OrderNumber))
		idempotencyKey = hex.EncodeToString(sum[:])
	}

	intent, err := s.payments.CreateIntent(ctx, payments.PaymentContext{
		Currency: strings.ToUpper(order.Currency),
	}, payments.IntentRequest{
		Amount:         total,
		Currency:       order.Currency,
		OrderNumber:    order.OrderNumber,
		CustomerEmail:  guestEmail,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.logger(ctx, "checkout.intent_create_failed", map[string]any{
			"orderNumber": order.OrderNumber,
			"error":       err.Error(),
		})
		s.markOrderFailed(ctx, order.OrderNumber, checkoutFailureIntentCreate)
		return CheckoutIntent{}, ErrCheckoutPaymentFailed
	}

	intentID := intent.ID
	pending, err := s.orders.UpdateStatus(ctx, order.OrderNumber, domain.OrderStatusCreated, repositories.OrderStatusUpdate{
		Status:          domain.OrderStatusPaymentPending,
		PaymentIntentID: &intentID,
		UpdatedAt:       s.now(),
	})
	if err != nil {
		return CheckoutIntent{}, s.translateError(err)
	}

	s.logger(ctx, "checkout.intent_created", map[string]any{
		"orderNumber":   pending.OrderNumber,
		"paymentIntent": intent.ID,
		"total":         total,
	})

	return CheckoutIntent{
		Order:           pending,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Provider:        intent.Provider,
	}, nil
}

// insertOrder persists the order, regenerating the number on collision up to
// the configured retry budget. The Create-guarded insert is the uniqueness guard.
func (s *checkoutService) insertOrder(ctx context.Context, cart Cart, cmd CreateCheckoutIntentCommand, coupon CouponApplication, total int64, userID, guestEmail string) (domain.Order, error) {
	now := s.now()

	couponCode := ""
	discount := int64(0)
	if coupon.Applied {
		couponCode = coupon.Code
		discount = coupon.Discount
	}

	for attempt := 0; attempt <= s.numberRetries; attempt++ {
		number := s.orderNumber(now)
		order := domain.Order{
			ID:          number,
			OrderNumber: number,
			UserID:      userID,
			GuestEmail:  guestEmail,
			Status:      domain.OrderStatusCreated,
			Currency:    cart.Currency,
			Items:       cart.Items,
			Subtotal:    cart.Subtotal,
			Discount:    discount,
			Total:       total,
			CouponCode:  couponCode,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		err := s.orders.Insert(ctx, order)
		if err == nil {
			return order, nil
		}
		if !isConflict(err) {
			return domain.Order{}, s.translateError(err)
		}

		s.logger(ctx, "checkout.order_number_collision", map[string]any{
			"orderNumber": number,
			"attempt":     attempt + 1,
		})
		if attempt < s.numberRetries {
			s.sleep(s.numberDelay)
		}
	}
	return domain.Order{}, ErrCheckoutConflict
}

// markOrderFailed records an intent-creation failure. Best effort; the order
// is already visible and a later confirm sees created status.
func (s *checkoutService) markOrderFailed(ctx context.Context, orderNumber, reason string) {
	failedAt := s.now()
	_, err := s.orders.UpdateStatus(ctx, orderNumber, domain.OrderStatusCreated, repositories.OrderStatusUpdate{
		Status:        domain.OrderStatusFailed,
		FailureReason: &reason,
		FailedAt:      &failedAt,
		UpdatedAt:     failedAt,
	})
	if err != nil {
		s.logger(ctx, "checkout.mark_failed_error", map[string]any{
			"orderNumber": orderNumber,
			"error":       err.Error(),
		})
	}
}

func (s *checkoutService) translateError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return ErrCheckoutConflict
		default:
			return ErrCheckoutUnavailable
		}
	}
	return ErrCheckoutUnavailable
}

// defaultOrderNumber combines the UTC date with ULID entropy, keeping numbers
// sortable while making collisions across instances vanishingly unlikely.
func defaultOrderNumber(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.Format("20060102"), ulid.Make().String())
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
