package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/payments"
	"github.com/crownacademy/api/internal/repositories"
)

const (
	defaultOrderListLimit = 20
	maxOrderListLimit     = 100

	orderEventPaid          = "order.paid"
	orderEventPaymentFailed = "order.payment_failed"

	subscriptionEventActivationRequested = "subscription.activation_requested"
)

var (
	// ErrOrderInvalidInput indicates the caller supplied invalid order parameters.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnavailable indicates order dependencies are currently unavailable.
	ErrOrderUnavailable = errors.New("order: unavailable")
	// ErrOrderIntentMismatch indicates the supplied payment intent does not belong to the order.
	ErrOrderIntentMismatch = errors.New("order: payment intent mismatch")
	// ErrOrderPaymentPending indicates the provider still awaits customer action.
	ErrOrderPaymentPending = errors.New("order: payment pending")
	// ErrOrderConflict indicates a concurrent writer finalised the order differently.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentFailed indicates the provider declined the intent; the
	// caller may retry checkout with a fresh payment method.
	ErrOrderPaymentFailed = errors.New("order: payment failed")
)

// orderIntentLookup abstracts payments.Manager for easier testing.
type orderIntentLookup interface {
	LookupIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.IntentDetails, error)
}

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Carts    CartService
	Payments orderIntentLookup
	Events   EventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	carts    CartService
	payments orderIntentLookup
	events   EventPublisher
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:   deps.Orders,
		carts:    deps.Carts,
		payments: deps.Payments,
		events:   deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder fetches an order visible to the caller. Ownership mismatches read
// as not found so order numbers cannot be probed.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}

	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		return Order{}, ErrOrderInvalidInput
	}
	if strings.TrimSpace(cmd.UserID) == "" && strings.TrimSpace(cmd.GuestEmail) == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return Order{}, s.translateError(err)
	}
	if !orderVisibleTo(order, cmd.UserID, cmd.GuestEmail) {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the caller's most recent orders.
func (s *orderService) ListOrders(ctx context.Context, userID string, limit int) ([]Order, error) {
	if s == nil || s.orders == nil {
		return nil, ErrOrderUnavailable
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrOrderInvalidInput
	}
	if limit <= 0 {
		limit = defaultOrderListLimit
	}
	if limit > maxOrderListLimit {
		limit = maxOrderListLimit
	}

	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, s.translateError(err)
	}
	return orders, nil
}

// Confirm verifies payment state with the provider and finalises the order.
// Confirming a paid or failed order returns it unchanged, so clients may
// retry freely; monetary side effects fire only on the winning transition.
func (s *orderService) Confirm(ctx context.Context, cmd ConfirmOrderCommand) (Order, error) {
	if s == nil || s.orders == nil || s.payments == nil {
		return Order{}, ErrOrderUnavailable
	}

	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return Order{}, s.translateError(err)
	}
	if !orderVisibleTo(order, cmd.UserID, cmd.GuestEmail) {
		return Order{}, ErrOrderNotFound
	}

	if order.Status == domain.OrderStatusPaid || order.Status == domain.OrderStatusFailed {
		return order, nil
	}

	intentID := order.PaymentIntentID
	if supplied := strings.TrimSpace(cmd.PaymentIntentID); supplied != "" {
		if intentID != "" && intentID != supplied {
			return Order{}, ErrOrderIntentMismatch
		}
		intentID = supplied
	}
	if intentID == "" {
		return Order{}, ErrOrderInvalidInput
	}

	details, err := s.payments.LookupIntent(ctx, payments.PaymentContext{
		Currency: strings.ToUpper(order.Currency),
	}, payments.LookupRequest{IntentID: intentID})
	if err != nil {
		s.logger(ctx, "order.intent_lookup_failed", map[string]any{
			"orderNumber":   number,
			"paymentIntent": intentID,
			"error":         err.Error(),
		})
		return Order{}, ErrOrderUnavailable
	}
	if details.OrderNumber != "" && details.OrderNumber != order.OrderNumber {
		return Order{}, ErrOrderIntentMismatch
	}

	switch details.Status {
	case payments.StatusSucceeded:
		return s.finalisePaid(ctx, order, intentID)
	case payments.StatusFailed:
		failed, err := s.finaliseFailed(ctx, order, intentID, details.FailureReason)
		if err != nil {
			return Order{}, err
		}
		// The order is durably failed; the synchronous caller still gets a
		// retryable error. The webhook path acks instead.
		return failed, ErrOrderPaymentFailed
	default:
		return order, ErrOrderPaymentPending
	}
}

// ApplyPaymentEvent is the webhook confirmation path. Redeliveries of settled
// events are no-ops because the order is already terminal.
func (s *orderService) ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}

	number := strings.TrimSpace(cmd.OrderNumber)
	if number == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return Order{}, s.translateError(err)
	}

	if order.PaymentIntentID != "" && cmd.IntentID != "" && order.PaymentIntentID != cmd.IntentID {
		return Order{}, ErrOrderIntentMismatch
	}

	if order.Status == domain.OrderStatusPaid {
		return order, nil
	}
	if order.Status == domain.OrderStatusFailed && !cmd.Succeeded {
		return order, nil
	}

	intentID := order.PaymentIntentID
	if intentID == "" {
		intentID = strings.TrimSpace(cmd.IntentID)
	}

	if cmd.Succeeded {
		return s.finalisePaid(ctx, order, intentID)
	}
	return s.finaliseFailed(ctx, order, intentID, cmd.FailureReason)
}

// finalisePaid moves the order to paid through the status-gated update and
// runs the paid side effects exactly once, on the winning writer.
func (s *orderService) finalisePaid(ctx context.Context, order Order, intentID string) (Order, error) {
	if order.Status != domain.OrderStatusCreated && order.Status != domain.OrderStatusPaymentPending {
		return Order{}, ErrOrderConflict
	}

	now := s.now()
	paidAt := now
	updated, err := s.orders.UpdateStatus(ctx, order.OrderNumber, order.Status, repositories.OrderStatusUpdate{
		Status:          domain.OrderStatusPaid,
		PaymentIntentID: &intentID,
		PaidAt:          &paidAt,
		UpdatedAt:       now,
	})
	if err != nil {
		if isConflict(err) {
			// Another writer got there first. If it settled the order paid,
			// its side effects already ran and this call is a no-op.
			settled, readErr := s.orders.FindByNumber(ctx, order.OrderNumber)
			if readErr == nil && settled.Status == domain.OrderStatusPaid {
				return settled, nil
			}
			return Order{}, ErrOrderConflict
		}
		return Order{}, s.translateError(err)
	}

	s.runPaidSideEffects(ctx, updated)
	return updated, nil
}

func (s *orderService) finaliseFailed(ctx context.Context, order Order, intentID, reason string) (Order, error) {
	if order.Status != domain.OrderStatusCreated && order.Status != domain.OrderStatusPaymentPending {
		return Order{}, ErrOrderConflict
	}

	now := s.now()
	failedAt := now
	update := repositories.OrderStatusUpdate{
		Status:    domain.OrderStatusFailed,
		FailedAt:  &failedAt,
		UpdatedAt: now,
	}
	if intentID != "" {
		update.PaymentIntentID = &intentID
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		update.FailureReason = &reason
	}

	updated, err := s.orders.UpdateStatus(ctx, order.OrderNumber, order.Status, update)
	if err != nil {
		if isConflict(err) {
			settled, readErr := s.orders.FindByNumber(ctx, order.OrderNumber)
			if readErr == nil && (settled.Status == domain.OrderStatusFailed || settled.Status == domain.OrderStatusPaid) {
				return settled, nil
			}
			return Order{}, ErrOrderConflict
		}
		return Order{}, s.translateError(err)
	}

	s.publishOrderEvent(ctx, orderEventPaymentFailed, updated)
	return updated, nil
}

// runPaidSideEffects clears the buyer's cart, publishes the paid event, and
// requests subscription activation for any plan line items. All best effort;
// the paid transition has already committed, and only the winning writer
// reaches this point.
func (s *orderService) runPaidSideEffects(ctx context.Context, order Order) {
	if s.carts != nil && order.UserID != "" {
		if err := s.carts.Clear(ctx, order.UserID); err != nil {
			s.logger(ctx, "order.cart_clear_failed", map[string]any{
				"orderNumber": order.OrderNumber,
				"userId":      order.UserID,
				"error":       err.Error(),
			})
		}
	}
	s.publishOrderEvent(ctx, orderEventPaid, order)
	for _, item := range order.Items {
		if item.ItemType == domain.CartItemTypePlan {
			s.publishSubscriptionActivation(ctx, order, item.ItemID)
		}
	}
}

// publishSubscriptionActivation signals the subscription worker that a paid
// order bought a plan, so entitlement does not depend on a provider webhook.
func (s *orderService) publishSubscriptionActivation(ctx context.Context, order Order, planSlug string) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishSubscriptionEvent(ctx, SubscriptionEventMessage{
		Event:      subscriptionEventActivationRequested,
		UserID:     order.UserID,
		PlanSlug:   strings.ToLower(strings.TrimSpace(planSlug)),
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger(ctx, "order.subscription_event_publish_failed", map[string]any{
			"orderNumber": order.OrderNumber,
			"planSlug":    planSlug,
			"error":       err.Error(),
		})
	}
}

func (s *orderService) publishOrderEvent(ctx context.Context, event string, order Order) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		Event:       event,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Total:       order.Total,
		Currency:    order.Currency,
		OccurredAt:  s.now(),
	})
	if err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"event":       event,
			"orderNumber": order.OrderNumber,
			"error":       err.Error(),
		})
	}
}

// orderVisibleTo reports whether the identified caller owns the order.
func orderVisibleTo(order Order, userID, guestEmail string) bool {
	if uid := strings.TrimSpace(userID); uid != "" {
		return order.UserID == uid
	}
	if email := strings.ToLower(strings.TrimSpace(guestEmail)); email != "" {
		return strings.ToLower(order.GuestEmail) == email
	}
	return false
}

func (s *orderService) translateError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		default:
			return ErrOrderUnavailable
		}
	}
	return ErrOrderUnavailable
}
