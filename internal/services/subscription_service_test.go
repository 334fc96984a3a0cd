package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crownacademy/api/internal/catalog"
	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/payments"
)

type memSubRepo struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
	err  error
}

func newMemSubRepo() *memSubRepo {
	return &memSubRepo{subs: make(map[string]domain.Subscription)}
}

func (r *memSubRepo) FindByUser(ctx context.Context, userID string) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Subscription{}, r.err
	}
	sub, ok := r.subs[userID]
	if !ok {
		return domain.Subscription{}, stubRepoError{notFound: true}
	}
	return sub, nil
}

func (r *memSubRepo) Create(ctx context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, exists := r.subs[sub.UserID]; exists {
		return stubRepoError{conflict: true}
	}
	r.subs[sub.UserID] = sub
	return nil
}

func (r *memSubRepo) Update(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Subscription{}, r.err
	}
	if _, ok := r.subs[sub.UserID]; !ok {
		return domain.Subscription{}, stubRepoError{notFound: true}
	}
	r.subs[sub.UserID] = sub
	return sub, nil
}

func (r *memSubRepo) Apply(ctx context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.subs[sub.UserID] = sub
	return nil
}

type stubPlanSource struct {
	plans map[string]domain.SubscriptionPlan
	err   error
}

func (p *stubPlanSource) GetPlan(ctx context.Context, slug string) (domain.SubscriptionPlan, error) {
	if p.err != nil {
		return domain.SubscriptionPlan{}, p.err
	}
	plan, ok := p.plans[slug]
	if !ok {
		return domain.SubscriptionPlan{}, catalog.ErrPlanNotFound
	}
	return plan, nil
}

type stubSubCheckout struct {
	requests []payments.SubscriptionCheckoutRequest
	session  payments.SubscriptionCheckout
	err      error
}

func (m *stubSubCheckout) CreateSubscriptionCheckout(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SubscriptionCheckoutRequest) (payments.SubscriptionCheckout, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return payments.SubscriptionCheckout{}, m.err
	}
	return m.session, nil
}

type stubCouponLookup struct {
	coupon  domain.Coupon
	err     error
	lookups []string
}

func (s *stubCouponLookup) Lookup(ctx context.Context, code string) (Coupon, error) {
	s.lookups = append(s.lookups, code)
	return s.coupon, s.err
}

type subscriptionFixture struct {
	subs     *memSubRepo
	plans    *stubPlanSource
	checkout *stubSubCheckout
	coupons  *stubCouponLookup
	events   *stubEventPublisher
}

func defaultPlans() *stubPlanSource {
	return &stubPlanSource{plans: map[string]domain.SubscriptionPlan{
		"nobility": {Slug: "nobility", Tier: domain.TierNobility, MonthlyPrice: 600, YearlyPrice: 6000, Currency: "usd", Active: true,
			StripePrices: map[domain.BillingFrequency]string{domain.BillingMonthly: "price_nob_m", domain.BillingYearly: "price_nob_y"}},
		"royalty": {Slug: "royalty", Tier: domain.TierRoyalty, MonthlyPrice: 1200, YearlyPrice: 12000, Currency: "usd", Active: true,
			StripePrices: map[domain.BillingFrequency]string{domain.BillingMonthly: "price_roy_m", domain.BillingYearly: "price_roy_y"}},
		"imperial": {Slug: "imperial", Tier: domain.TierImperial, MonthlyPrice: 2400, YearlyPrice: 24000, Currency: "usd", Active: true,
			StripePrices: map[domain.BillingFrequency]string{domain.BillingMonthly: "price_imp_m"}},
		"retired": {Slug: "retired", Tier: domain.TierImperial, MonthlyPrice: 2400, Currency: "usd", Active: false},
	}}
}

func newSubscriptionFixture(t *testing.T) (*subscriptionFixture, SubscriptionService) {
	t.Helper()
	fx := &subscriptionFixture{
		subs:     newMemSubRepo(),
		plans:    defaultPlans(),
		checkout: &stubSubCheckout{session: payments.SubscriptionCheckout{ID: "cs_1", Provider: "stripe", URL: "https://checkout/cs_1"}},
		coupons:  &stubCouponLookup{err: ErrCouponNotFound},
		events:   &stubEventPublisher{},
	}
	svc, err := NewSubscriptionService(SubscriptionServiceDeps{
		Subscriptions: fx.subs,
		Plans:         fx.plans,
		Payments:      fx.checkout,
		Coupons:       fx.coupons,
		Events:        fx.events,
		Clock:         fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSubscriptionService: %v", err)
	}
	return fx, svc
}

// seedSubscription stores an active NOBILITY subscription whose 60 day period
// is exactly half elapsed at the fixed clock.
func seedSubscription(t *testing.T, fx *subscriptionFixture, mutate func(*domain.Subscription)) domain.Subscription {
	t.Helper()
	sub := domain.Subscription{
		ID:                 "user-1",
		UserID:             "user-1",
		PlanSlug:           "nobility",
		Tier:               domain.TierNobility,
		Frequency:          domain.BillingYearly,
		Status:             domain.SubscriptionStatusActive,
		PriceCents:         6000,
		Currency:           "usd",
		CurrentPeriodStart: time.Date(2025, 4, 6, 10, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&sub)
	}
	fx.subs.subs[sub.UserID] = sub
	return sub
}

func TestCancelSchedulesAtPeriodEnd(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	sub, err := svc.Cancel(context.Background(), CancelSubscriptionCommand{UserID: "user-1", Reason: "too_expensive"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCancelScheduled {
		t.Fatalf("expected cancel_scheduled, got %s", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatal("expected CancelAtPeriodEnd")
	}
	if sub.CancelReason != "too_expensive" {
		t.Fatalf("unexpected reason %q", sub.CancelReason)
	}
	if sub.CanceledAt != nil {
		t.Fatal("CanceledAt must stay nil until the period ends")
	}
	if len(fx.events.subs) != 1 || fx.events.subs[0].Event != subscriptionEventCancelScheduled {
		t.Fatalf("expected cancel_scheduled event, got %+v", fx.events.subs)
	}
}

func TestCancelImmediate(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	sub, err := svc.Cancel(context.Background(), CancelSubscriptionCommand{UserID: "user-1", Immediate: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", sub.Status)
	}
	if sub.CanceledAt == nil {
		t.Fatal("expected CanceledAt set")
	}
	if len(fx.events.subs) != 1 || fx.events.subs[0].Event != subscriptionEventCanceled {
		t.Fatalf("expected canceled event, got %+v", fx.events.subs)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	if _, err := svc.Cancel(context.Background(), CancelSubscriptionCommand{UserID: "user-1"}); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	sub, err := svc.Cancel(context.Background(), CancelSubscriptionCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCancelScheduled {
		t.Fatalf("expected cancel_scheduled, got %s", sub.Status)
	}
	if len(fx.events.subs) != 1 {
		t.Fatalf("expected one event for repeated cancel, got %d", len(fx.events.subs))
	}
}

func TestCancelOnCanceledReturnsUnchanged(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	canceledAt := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusCanceled
		s.CanceledAt = &canceledAt
	})

	sub, err := svc.Cancel(context.Background(), CancelSubscriptionCommand{UserID: "user-1", Immediate: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCanceled || !sub.CanceledAt.Equal(canceledAt) {
		t.Fatalf("expected unchanged canceled subscription, got %+v", sub)
	}
	if len(fx.events.subs) != 0 {
		t.Fatalf("expected no events, got %d", len(fx.events.subs))
	}
}

func TestReactivateBeforePeriodEnd(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusCancelScheduled
		s.CancelAtPeriodEnd = true
		s.CancelReason = "too_expensive"
	})

	sub, err := svc.Reactivate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	if sub.CancelAtPeriodEnd || sub.CancelReason != "" {
		t.Fatalf("expected cancellation cleared, got %+v", sub)
	}
	if len(fx.events.subs) != 1 || fx.events.subs[0].Event != subscriptionEventReactivated {
		t.Fatalf("expected reactivated event, got %+v", fx.events.subs)
	}
}

func TestReactivateAfterPeriodEnd(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusCancelScheduled
		s.CancelAtPeriodEnd = true
		s.CurrentPeriodEnd = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	})

	if _, err := svc.Reactivate(context.Background(), "user-1"); !errors.Is(err, ErrSubscriptionTerminal) {
		t.Fatalf("expected ErrSubscriptionTerminal, got %v", err)
	}
}

func TestReactivateCanceledIsTerminal(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusCanceled
	})

	if _, err := svc.Reactivate(context.Background(), "user-1"); !errors.Is(err, ErrSubscriptionTerminal) {
		t.Fatalf("expected ErrSubscriptionTerminal, got %v", err)
	}
}

func TestCheckUpgradeEligibilityMatrix(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*domain.Subscription)
		target   string
		eligible bool
		reason   string
	}{
		{"higher tier", nil, "royalty", true, ""},
		{"skip a tier", nil, "imperial", true, ""},
		{"same plan", nil, "nobility", false, upgradeReasonSamePlan},
		{"lower tier", func(s *domain.Subscription) {
			s.PlanSlug = "royalty"
			s.Tier = domain.TierRoyalty
		}, "nobility", false, upgradeReasonNotUpgrade},
		{"retired plan", nil, "retired", false, upgradeReasonPlanRetired},
		{"past due blocks", func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusPastDue
		}, "royalty", false, upgradeReasonNotActive},
		{"cancel scheduled still eligible", func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusCancelScheduled
			s.CancelAtPeriodEnd = true
		}, "royalty", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx, svc := newSubscriptionFixture(t)
			seedSubscription(t, fx, tc.mutate)

			result, err := svc.CheckUpgrade(context.Background(), UpgradeEligibilityCommand{UserID: "user-1", TargetPlanSlug: tc.target})
			if err != nil {
				t.Fatalf("CheckUpgrade: %v", err)
			}
			if result.Eligible != tc.eligible {
				t.Fatalf("expected eligible=%v, got %+v", tc.eligible, result)
			}
			if result.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, result.Reason)
			}
		})
	}
}

func TestCheckUpgradeQuotesProrationAtMidpoint(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	// 6000 paid, half the period remaining at the fixed clock.
	seedSubscription(t, fx, nil)

	result, err := svc.CheckUpgrade(context.Background(), UpgradeEligibilityCommand{UserID: "user-1", TargetPlanSlug: "royalty"})
	if err != nil {
		t.Fatalf("CheckUpgrade: %v", err)
	}
	if result.ProrationAmount != 3000 {
		t.Fatalf("expected proration credit 3000, got %d", result.ProrationAmount)
	}
}

func TestCheckUpgradeUnknownPlan(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	if _, err := svc.CheckUpgrade(context.Background(), UpgradeEligibilityCommand{UserID: "user-1", TargetPlanSlug: "mythic"}); !errors.Is(err, ErrSubscriptionPlanNotFound) {
		t.Fatalf("expected ErrSubscriptionPlanNotFound, got %v", err)
	}
}

func TestCreateUpgradeSession(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	session, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "royalty",
		SuccessURL:     "https://app/done",
		CancelURL:      "https://app/cancel",
	})
	if err != nil {
		t.Fatalf("CreateUpgradeSession: %v", err)
	}
	if session.SessionID != "cs_1" {
		t.Fatalf("unexpected session %q", session.SessionID)
	}
	if !session.Eligibility.Eligible || session.Eligibility.ProrationAmount != 3000 {
		t.Fatalf("unexpected eligibility %+v", session.Eligibility)
	}

	if len(fx.checkout.requests) != 1 {
		t.Fatalf("expected one checkout request, got %d", len(fx.checkout.requests))
	}
	req := fx.checkout.requests[0]
	// Frequency defaults to the current subscription's yearly billing.
	if req.PriceID != "price_roy_y" {
		t.Fatalf("expected yearly price id, got %q", req.PriceID)
	}
	if req.Metadata["planSlug"] != "royalty" || req.Metadata["prorationCredit"] != "3000" {
		t.Fatalf("unexpected metadata %v", req.Metadata)
	}
}

func TestCreateUpgradeSessionIneligible(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.PlanSlug = "royalty"
		s.Tier = domain.TierRoyalty
	})

	if _, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "nobility",
	}); !errors.Is(err, ErrUpgradeIneligible) {
		t.Fatalf("expected ErrUpgradeIneligible, got %v", err)
	}
	if len(fx.checkout.requests) != 0 {
		t.Fatal("no checkout session may be created for ineligible upgrades")
	}
}

func TestCreateUpgradeSessionMissingPriceForFrequency(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	// The imperial plan has no yearly price configured.
	if _, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "imperial",
		Frequency:      domain.BillingYearly,
	}); !errors.Is(err, ErrSubscriptionInvalidInput) {
		t.Fatalf("expected ErrSubscriptionInvalidInput, got %v", err)
	}
}

func TestApplyExternalUpdateCreatesMissingSubscription(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)

	sub, err := svc.ApplyExternalUpdate(context.Background(), ExternalSubscriptionUpdate{
		UserID:        "user-9",
		ProviderSubID: "sub_abc",
		PlanSlug:      "royalty",
		Status:        "active",
		PeriodStart:   time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ApplyExternalUpdate: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	if sub.Tier != domain.TierRoyalty {
		t.Fatalf("expected tier resolved from plan, got %s", sub.Tier)
	}
	if _, ok := fx.subs.subs["user-9"]; !ok {
		t.Fatal("expected subscription persisted")
	}
}

func TestApplyExternalUpdateCanceledStaysCanceled(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusCanceled
	})

	sub, err := svc.ApplyExternalUpdate(context.Background(), ExternalSubscriptionUpdate{
		UserID: "user-1",
		Status: "active",
	})
	if err != nil {
		t.Fatalf("ApplyExternalUpdate: %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCanceled {
		t.Fatalf("canceled is terminal, got %s", sub.Status)
	}
}

func TestApplyExternalUpdateRedeliveryPublishesOnce(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	update := ExternalSubscriptionUpdate{
		UserID: "user-1",
		Status: "past_due",
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.ApplyExternalUpdate(context.Background(), update); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if fx.subs.subs["user-1"].Status != domain.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", fx.subs.subs["user-1"].Status)
	}
	if len(fx.events.subs) != 1 {
		t.Fatalf("expected one event across redeliveries, got %d", len(fx.events.subs))
	}
}

func TestCreateUpgradeSessionAppliesTrialCoupon(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)
	fx.coupons.coupon = domain.Coupon{
		Code:           "ROYALTRIAL",
		Type:           domain.CouponTypeTrial,
		TrialMonths:    2,
		TargetPlanSlug: "royalty",
		Active:         true,
	}
	fx.coupons.err = nil

	if _, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "royalty",
		CouponCode:     "royaltrial",
	}); err != nil {
		t.Fatalf("CreateUpgradeSession: %v", err)
	}

	if len(fx.checkout.requests) != 1 {
		t.Fatalf("expected one checkout request, got %d", len(fx.checkout.requests))
	}
	req := fx.checkout.requests[0]
	// Two calendar months from the fixed clock (2025-05-06) is 61 days.
	if req.TrialDays != 61 {
		t.Fatalf("expected 61 trial days, got %d", req.TrialDays)
	}
	if req.Metadata["couponCode"] != "ROYALTRIAL" {
		t.Fatalf("expected coupon recorded in metadata, got %v", req.Metadata)
	}
}

func TestCreateUpgradeSessionRejectsMismatchedTrialCoupon(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)
	fx.coupons.coupon = domain.Coupon{
		Code:           "IMPTRIAL",
		Type:           domain.CouponTypeTrial,
		TrialMonths:    1,
		TargetPlanSlug: "imperial",
		Active:         true,
	}
	fx.coupons.err = nil

	if _, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "royalty",
		CouponCode:     "IMPTRIAL",
	}); err != nil {
		t.Fatalf("CreateUpgradeSession: %v", err)
	}

	req := fx.checkout.requests[0]
	if req.TrialDays != 0 {
		t.Fatalf("expected no trial for mismatched plan, got %d days", req.TrialDays)
	}
	if _, ok := req.Metadata["couponCode"]; ok {
		t.Fatalf("coupon must not be recorded, got %v", req.Metadata)
	}
}

func TestCreateUpgradeSessionUnknownCouponDegradesToNoTrial(t *testing.T) {
	fx, svc := newSubscriptionFixture(t)
	seedSubscription(t, fx, nil)

	if _, err := svc.CreateUpgradeSession(context.Background(), UpgradeSessionCommand{
		UserID:         "user-1",
		TargetPlanSlug: "royalty",
		CouponCode:     "NOSUCH",
	}); err != nil {
		t.Fatalf("CreateUpgradeSession: %v", err)
	}
	if req := fx.checkout.requests[0]; req.TrialDays != 0 {
		t.Fatalf("expected no trial, got %d days", req.TrialDays)
	}
}
