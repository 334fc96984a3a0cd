package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/payments"
)

type stubLookupManager struct {
	details payments.IntentDetails
	err     error
	calls   int
}

func (m *stubLookupManager) LookupIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.IntentDetails, error) {
	m.calls++
	if m.err != nil {
		return payments.IntentDetails{}, m.err
	}
	return m.details, nil
}

type stubEventPublisher struct {
	mu        sync.Mutex
	orders    []OrderEventMessage
	subs      []SubscriptionEventMessage
	publishID string
	err       error
}

func (p *stubEventPublisher) PublishOrderEvent(ctx context.Context, msg OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.orders = append(p.orders, msg)
	return p.publishID, nil
}

func (p *stubEventPublisher) PublishSubscriptionEvent(ctx context.Context, msg SubscriptionEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.subs = append(p.subs, msg)
	return p.publishID, nil
}

type orderFixture struct {
	orders *memOrderRepo
	lookup *stubLookupManager
	events *stubEventPublisher
	carts  *stubCartRepo
}

func newOrderFixture(t *testing.T) (*orderFixture, OrderService) {
	t.Helper()
	fx := &orderFixture{
		orders: newMemOrderRepo(),
		lookup: &stubLookupManager{},
		events: &stubEventPublisher{},
		carts:  &stubCartRepo{},
	}
	cartSvc := newTestCartService(t, fx.carts, &stubPricer{})
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   fx.orders,
		Carts:    cartSvc,
		Payments: fx.lookup,
		Events:   fx.events,
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return fx, svc
}

func seedPendingOrder(t *testing.T, fx *orderFixture, order domain.Order) domain.Order {
	t.Helper()
	if order.OrderNumber == "" {
		order.OrderNumber = "20250506-ORDER1"
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPaymentPending
	}
	if order.Currency == "" {
		order.Currency = "usd"
	}
	if order.Total == 0 {
		order.Total = 3500
	}
	if err := fx.orders.Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func TestConfirmSucceededIntentMarksPaid(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.details = payments.IntentDetails{
		IntentID:    "pi_1",
		Status:      payments.StatusSucceeded,
		OrderNumber: order.OrderNumber,
	}

	confirmed, err := svc.Confirm(context.Background(), ConfirmOrderCommand{
		OrderNumber:     order.OrderNumber,
		PaymentIntentID: "pi_1",
		UserID:          "user-1",
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", confirmed.Status)
	}
	if confirmed.PaidAt == nil {
		t.Fatal("expected PaidAt to be set")
	}
	if len(fx.events.orders) != 1 || fx.events.orders[0].Event != orderEventPaid {
		t.Fatalf("expected one order.paid event, got %+v", fx.events.orders)
	}
	if len(fx.carts.cleared) != 1 || fx.carts.cleared[0] != "user-1" {
		t.Fatalf("expected cart cleared for user-1, got %v", fx.carts.cleared)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.details = payments.IntentDetails{IntentID: "pi_1", Status: payments.StatusSucceeded}

	cmd := ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"}
	if _, err := svc.Confirm(context.Background(), cmd); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}
	again, err := svc.Confirm(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}

	if again.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", again.Status)
	}
	if fx.lookup.calls != 1 {
		t.Fatalf("expected single provider lookup, got %d", fx.lookup.calls)
	}
	if len(fx.events.orders) != 1 {
		t.Fatalf("expected exactly one paid event, got %d", len(fx.events.orders))
	}
	if len(fx.carts.cleared) != 1 {
		t.Fatalf("expected exactly one cart clear, got %d", len(fx.carts.cleared))
	}
}

func TestWebhookThenConfirmFiresSideEffectsOnce(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.details = payments.IntentDetails{IntentID: "pi_1", Status: payments.StatusSucceeded}

	if _, err := svc.ApplyPaymentEvent(context.Background(), PaymentEventCommand{
		OrderNumber: order.OrderNumber,
		IntentID:    "pi_1",
		Succeeded:   true,
	}); err != nil {
		t.Fatalf("ApplyPaymentEvent: %v", err)
	}

	confirmed, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Confirm after webhook: %v", err)
	}
	if confirmed.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", confirmed.Status)
	}
	if len(fx.events.orders) != 1 {
		t.Fatalf("expected one paid event across both paths, got %d", len(fx.events.orders))
	}
}

func TestWebhookRedeliveryIsNoOp(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})

	cmd := PaymentEventCommand{OrderNumber: order.OrderNumber, IntentID: "pi_1", Succeeded: true}
	for i := 0; i < 3; i++ {
		if _, err := svc.ApplyPaymentEvent(context.Background(), cmd); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(fx.events.orders) != 1 {
		t.Fatalf("expected one event after redeliveries, got %d", len(fx.events.orders))
	}
}

func TestConfirmRequiresActionLeavesOrderPending(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.details = payments.IntentDetails{IntentID: "pi_1", Status: payments.StatusRequiresAction}

	_, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"})
	if !errors.Is(err, ErrOrderPaymentPending) {
		t.Fatalf("expected ErrOrderPaymentPending, got %v", err)
	}

	stored, _ := fx.orders.FindByNumber(context.Background(), order.OrderNumber)
	if stored.Status != domain.OrderStatusPaymentPending {
		t.Fatalf("expected status unchanged, got %s", stored.Status)
	}
	if len(fx.events.orders) != 0 {
		t.Fatalf("expected no events, got %d", len(fx.events.orders))
	}
}

func TestConfirmFailedIntentMarksFailed(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.details = payments.IntentDetails{
		IntentID:      "pi_1",
		Status:        payments.StatusFailed,
		FailureReason: "card_declined",
	}

	failed, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"})
	if !errors.Is(err, ErrOrderPaymentFailed) {
		t.Fatalf("expected ErrOrderPaymentFailed, got %v", err)
	}
	if failed.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.FailureReason != "card_declined" {
		t.Fatalf("unexpected failure reason %q", failed.FailureReason)
	}
	if len(fx.events.orders) != 1 || fx.events.orders[0].Event != orderEventPaymentFailed {
		t.Fatalf("expected payment_failed event, got %+v", fx.events.orders)
	}
	if len(fx.carts.cleared) != 0 {
		t.Fatal("cart must not be cleared on failure")
	}
}

func TestConfirmIntentMismatch(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})

	_, err := svc.Confirm(context.Background(), ConfirmOrderCommand{
		OrderNumber:     order.OrderNumber,
		PaymentIntentID: "pi_other",
		UserID:          "user-1",
	})
	if !errors.Is(err, ErrOrderIntentMismatch) {
		t.Fatalf("expected ErrOrderIntentMismatch, got %v", err)
	}

	fx.lookup.details = payments.IntentDetails{IntentID: "pi_1", Status: payments.StatusSucceeded, OrderNumber: "20250506-OTHER"}
	_, err = svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"})
	if !errors.Is(err, ErrOrderIntentMismatch) {
		t.Fatalf("expected ErrOrderIntentMismatch for foreign intent, got %v", err)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{GuestEmail: "buyer@example.com", PaymentIntentID: "pi_1"})

	got, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderNumber: order.OrderNumber, GuestEmail: "Buyer@Example.com"})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.OrderNumber != order.OrderNumber {
		t.Fatalf("unexpected order %q", got.OrderNumber)
	}

	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderNumber: order.OrderNumber, UserID: "someone-else"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign user, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderNumber: "20250506-NOPE", GuestEmail: "buyer@example.com"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown number, got %v", err)
	}
}

func TestConfirmProviderOutage(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1"})
	fx.lookup.err = errors.New("stripe: timeout")

	_, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"})
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}

func TestWebhookSuccessAfterFailureIsRejected(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{UserID: "user-1", PaymentIntentID: "pi_1", Status: domain.OrderStatusFailed})

	_, err := svc.ApplyPaymentEvent(context.Background(), PaymentEventCommand{
		OrderNumber: order.OrderNumber,
		IntentID:    "pi_1",
		Succeeded:   true,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict for failed->paid, got %v", err)
	}
}

func TestConfirmPlanPurchasePublishesActivation(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{
		UserID:          "user-2",
		PaymentIntentID: "pi_9",
		Items: []domain.CartLineItem{
			{ItemType: domain.CartItemTypeContent, ItemID: "course-1", Quantity: 1, UnitPrice: 1500, Subtotal: 1500},
			{ItemType: domain.CartItemTypePlan, ItemID: "royalty", Quantity: 1, UnitPrice: 2000, Subtotal: 2000},
		},
	})
	fx.lookup.details = payments.IntentDetails{
		IntentID:    "pi_9",
		Status:      payments.StatusSucceeded,
		OrderNumber: order.OrderNumber,
	}

	if _, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-2"}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if len(fx.events.subs) != 1 {
		t.Fatalf("expected one subscription event, got %+v", fx.events.subs)
	}
	sub := fx.events.subs[0]
	if sub.Event != subscriptionEventActivationRequested || sub.UserID != "user-2" || sub.PlanSlug != "royalty" {
		t.Fatalf("unexpected subscription event %+v", sub)
	}

	// Redelivery after settlement must not fire the activation again.
	if _, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-2"}); err != nil {
		t.Fatalf("repeat Confirm: %v", err)
	}
	if len(fx.events.subs) != 1 {
		t.Fatalf("expected no duplicate activation, got %+v", fx.events.subs)
	}
}

func TestConfirmContentOnlyOrderSkipsActivation(t *testing.T) {
	fx, svc := newOrderFixture(t)
	order := seedPendingOrder(t, fx, domain.Order{
		UserID:          "user-1",
		PaymentIntentID: "pi_1",
		Items: []domain.CartLineItem{
			{ItemType: domain.CartItemTypeContent, ItemID: "course-1", Quantity: 1, UnitPrice: 3500, Subtotal: 3500},
		},
	})
	fx.lookup.details = payments.IntentDetails{IntentID: "pi_1", Status: payments.StatusSucceeded, OrderNumber: order.OrderNumber}

	if _, err := svc.Confirm(context.Background(), ConfirmOrderCommand{OrderNumber: order.OrderNumber, UserID: "user-1"}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(fx.events.subs) != 0 {
		t.Fatalf("expected no subscription events, got %+v", fx.events.subs)
	}
}
