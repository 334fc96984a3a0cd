package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/services"
)

type stubOrderService struct {
	order      domain.Order
	orders     []domain.Order
	getErr     error
	listErr    error
	confirmErr error

	gets     []services.GetOrderCommand
	lists    []int
	confirms []services.ConfirmOrderCommand
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	s.gets = append(s.gets, cmd)
	return s.order, s.getErr
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string, limit int) ([]services.Order, error) {
	s.lists = append(s.lists, limit)
	return s.orders, s.listErr
}

func (s *stubOrderService) Confirm(ctx context.Context, cmd services.ConfirmOrderCommand) (services.Order, error) {
	s.confirms = append(s.confirms, cmd)
	return s.order, s.confirmErr
}

func (s *stubOrderService) ApplyPaymentEvent(ctx context.Context, cmd services.PaymentEventCommand) (services.Order, error) {
	return s.order, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderRouter(svc services.OrderService) chi.Router {
	h := NewOrderHandlers(nil, svc)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func sampleOrder(status domain.OrderStatus) domain.Order {
	paidAt := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		OrderNumber: "20250506-ORDER1",
		UserID:      "user-1",
		Status:      status,
		Currency:    "usd",
		Items: []domain.CartLineItem{
			{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1, UnitPrice: 3500, Subtotal: 3500},
		},
		Subtotal:  3500,
		Total:     3500,
		CreatedAt: paidAt.Add(-time.Hour),
	}
	if status == domain.OrderStatusPaid {
		order.PaidAt = &paidAt
	}
	return order
}

func TestOrderGetForGuestPassesEmail(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder(domain.OrderStatusPaid)}
	router := newOrderRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/orders/20250506-ORDER1?email=buyer@example.com", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.gets) != 1 {
		t.Fatalf("expected one get, got %d", len(svc.gets))
	}
	cmd := svc.gets[0]
	if cmd.OrderNumber != "20250506-ORDER1" || cmd.GuestEmail != "buyer@example.com" || cmd.UserID != "" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestOrderGetForAccountUsesIdentity(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder(domain.OrderStatusPaid)}
	router := newOrderRouter(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/20250506-ORDER1", nil), "user-1", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.gets[0].UserID != "user-1" || svc.gets[0].GuestEmail != "" {
		t.Fatalf("unexpected command: %+v", svc.gets[0])
	}
}

func TestOrderGetNotFound(t *testing.T) {
	svc := &stubOrderService{getErr: services.ErrOrderNotFound}
	router := newOrderRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/orders/20250506-MISSING?email=a@b.co", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderListClampsLimit(t *testing.T) {
	svc := &stubOrderService{orders: []domain.Order{sampleOrder(domain.OrderStatusPaid)}}
	router := newOrderRouter(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/?limit=500", nil), "user-1", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.lists) != 1 || svc.lists[0] != maxOrderPageSize {
		t.Fatalf("expected clamped limit %d, got %+v", maxOrderPageSize, svc.lists)
	}
}

func TestOrderListRejectsBadLimit(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/orders/?limit=abc", nil), "user-1", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderConfirmSettled(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder(domain.OrderStatusPaid)}
	router := newOrderRouter(svc)

	payload := `{"paymentIntentId":"pi_123","guestEmail":"buyer@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/20250506-ORDER1/confirm", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.Status != string(domain.OrderStatusPaid) || body.PaidAt == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.confirms[0].PaymentIntentID != "pi_123" || svc.confirms[0].GuestEmail != "buyer@example.com" {
		t.Fatalf("unexpected command: %+v", svc.confirms[0])
	}
}

func TestOrderConfirmStillPendingReturnsAccepted(t *testing.T) {
	svc := &stubOrderService{
		order:      sampleOrder(domain.OrderStatusPaymentPending),
		confirmErr: services.ErrOrderPaymentPending,
	}
	router := newOrderRouter(svc)

	payload := `{"guestEmail":"buyer@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/20250506-ORDER1/confirm", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for pending payment, got %d", rr.Code)
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.Status != string(domain.OrderStatusPaymentPending) {
		t.Fatalf("unexpected status: %s", body.Status)
	}
}

func TestOrderConfirmIntentMismatch(t *testing.T) {
	svc := &stubOrderService{confirmErr: services.ErrOrderIntentMismatch}
	router := newOrderRouter(svc)

	payload := `{"paymentIntentId":"pi_other","guestEmail":"buyer@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/20250506-ORDER1/confirm", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestOrderConfirmPaymentFailedReturns402(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder(domain.OrderStatusFailed), confirmErr: services.ErrOrderPaymentFailed}
	router := newOrderRouter(svc)

	payload := `{"paymentIntentId":"pi_1","guestEmail":"buyer@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/20250506-ORDER1/confirm", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["error"] != "payment_failed" {
		t.Fatalf("expected payment_failed, got %v", body["error"])
	}
}
