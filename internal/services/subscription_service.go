package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/crownacademy/api/internal/catalog"
	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/payments"
	"github.com/crownacademy/api/internal/repositories"
)

const (
	subscriptionEventCancelScheduled = "subscription.cancel_scheduled"
	subscriptionEventCanceled        = "subscription.canceled"
	subscriptionEventReactivated     = "subscription.reactivated"
	subscriptionEventUpdated         = "subscription.updated"
)

// Reasons reported by upgrade eligibility checks.
const (
	upgradeReasonNotActive   = "subscription_not_active"
	upgradeReasonPlanRetired = "plan_inactive"
	upgradeReasonSamePlan    = "already_on_plan"
	upgradeReasonNotUpgrade  = "not_an_upgrade"
)

var (
	// ErrSubscriptionInvalidInput indicates the caller supplied invalid parameters.
	ErrSubscriptionInvalidInput = errors.New("subscription: invalid input")
	// ErrSubscriptionNotFound indicates the user has no subscription.
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	// ErrSubscriptionUnavailable indicates subscription dependencies are currently unavailable.
	ErrSubscriptionUnavailable = errors.New("subscription: unavailable")
	// ErrSubscriptionConflict indicates a concurrent writer changed the subscription.
	ErrSubscriptionConflict = errors.New("subscription: conflict")
	// ErrSubscriptionTerminal indicates the subscription is canceled and cannot change further.
	ErrSubscriptionTerminal = errors.New("subscription: canceled")
	// ErrSubscriptionPlanNotFound indicates the target plan does not exist.
	ErrSubscriptionPlanNotFound = errors.New("subscription: plan not found")
	// ErrUpgradeIneligible indicates the requested upgrade does not pass eligibility.
	ErrUpgradeIneligible = errors.New("subscription: upgrade ineligible")
)

// planSource abstracts the catalog client for plan lookups.
type planSource interface {
	GetPlan(ctx context.Context, slug string) (domain.SubscriptionPlan, error)
}

// subscriptionCheckoutManager abstracts payments.Manager for easier testing.
type subscriptionCheckoutManager interface {
	CreateSubscriptionCheckout(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SubscriptionCheckoutRequest) (payments.SubscriptionCheckout, error)
}

// couponSource abstracts coupon lookup for trial redemption at checkout.
type couponSource interface {
	Lookup(ctx context.Context, code string) (Coupon, error)
}

// SubscriptionServiceDeps wires the dependencies required by the subscription service.
type SubscriptionServiceDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Plans         planSource
	Payments      subscriptionCheckoutManager
	Coupons       couponSource
	Events        EventPublisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionService struct {
	subs     repositories.SubscriptionRepository
	plans    planSource
	payments subscriptionCheckoutManager
	coupons  couponSource
	events   EventPublisher
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewSubscriptionService constructs a SubscriptionService validating required dependencies.
func NewSubscriptionService(deps SubscriptionServiceDeps) (SubscriptionService, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("subscription service: subscription repository is required")
	}
	if deps.Plans == nil {
		return nil, errors.New("subscription service: plan source is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &subscriptionService{
		subs:     deps.Subscriptions,
		plans:    deps.Plans,
		payments: deps.Payments,
		coupons:  deps.Coupons,
		events:   deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetSubscription returns the user's current subscription.
func (s *subscriptionService) GetSubscription(ctx context.Context, userID string) (Subscription, error) {
	if s == nil || s.subs == nil {
		return Subscription{}, ErrSubscriptionUnavailable
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Subscription{}, ErrSubscriptionInvalidInput
	}
	sub, err := s.subs.FindByUser(ctx, userID)
	if err != nil {
		return Subscription{}, s.translateError(err)
	}
	return sub, nil
}

// Cancel schedules cancellation at period end, or cancels immediately when
// requested. Repeating an already scheduled cancellation is a no-op.
func (s *subscriptionService) Cancel(ctx context.Context, cmd CancelSubscriptionCommand) (Subscription, error) {
	if s == nil || s.subs == nil {
		return Subscription{}, ErrSubscriptionUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Subscription{}, ErrSubscriptionInvalidInput
	}

	sub, err := s.subs.FindByUser(ctx, userID)
	if err != nil {
		return Subscription{}, s.translateError(err)
	}

	switch sub.Status {
	case domain.SubscriptionStatusCanceled:
		return sub, nil
	case domain.SubscriptionStatusCancelScheduled:
		if !cmd.Immediate {
			return sub, nil
		}
	case domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue, domain.SubscriptionStatusUnpaid:
	default:
		return Subscription{}, ErrSubscriptionConflict
	}

	from := sub.Status
	now := s.now()
	event := subscriptionEventCancelScheduled
	if cmd.Immediate {
		sub.Status = domain.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = &now
		event = subscriptionEventCanceled
	} else {
		sub.Status = domain.SubscriptionStatusCancelScheduled
		sub.CancelAtPeriodEnd = true
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		sub.CancelReason = reason
	}
	sub.UpdatedAt = now

	updated, err := s.subs.Update(ctx, sub)
	if err != nil {
		return Subscription{}, s.translateError(err)
	}

	s.publishSubscriptionEvent(ctx, event, updated, from)
	return updated, nil
}

// Reactivate clears a scheduled cancellation. Only valid while the paid
// period has not yet ended.
func (s *subscriptionService) Reactivate(ctx context.Context, userID string) (Subscription, error) {
	if s == nil || s.subs == nil {
		return Subscription{}, ErrSubscriptionUnavailable
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Subscription{}, ErrSubscriptionInvalidInput
	}

	sub, err := s.subs.FindByUser(ctx, userID)
	if err != nil {
		return Subscription{}, s.translateError(err)
	}

	switch sub.Status {
	case domain.SubscriptionStatusActive:
		return sub, nil
	case domain.SubscriptionStatusCancelScheduled:
	default:
		return Subscription{}, ErrSubscriptionTerminal
	}

	now := s.now()
	if !now.Before(sub.CurrentPeriodEnd) {
		return Subscription{}, ErrSubscriptionTerminal
	}

	from := sub.Status
	sub.Status = domain.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = false
	sub.CancelReason = ""
	sub.UpdatedAt = now

	updated, err := s.subs.Update(ctx, sub)
	if err != nil {
		return Subscription{}, s.translateError(err)
	}

	s.publishSubscriptionEvent(ctx, subscriptionEventReactivated, updated, from)
	return updated, nil
}

// CheckUpgrade evaluates tier-upgrade eligibility and quotes the unused-time
// credit. Ineligibility is a result, not an error.
func (s *subscriptionService) CheckUpgrade(ctx context.Context, cmd UpgradeEligibilityCommand) (UpgradeEligibility, error) {
	if s == nil || s.subs == nil || s.plans == nil {
		return UpgradeEligibility{}, ErrSubscriptionUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	slug := strings.ToLower(strings.TrimSpace(cmd.TargetPlanSlug))
	if userID == "" || slug == "" {
		return UpgradeEligibility{}, ErrSubscriptionInvalidInput
	}

	sub, err := s.subs.FindByUser(ctx, userID)
	if err != nil {
		return UpgradeEligibility{}, s.translateError(err)
	}

	plan, err := s.plans.GetPlan(ctx, slug)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrPlanNotFound):
			return UpgradeEligibility{}, ErrSubscriptionPlanNotFound
		default:
			return UpgradeEligibility{}, ErrSubscriptionUnavailable
		}
	}

	result := UpgradeEligibility{TargetPlanSlug: plan.Slug}

	if sub.Status != domain.SubscriptionStatusActive && sub.Status != domain.SubscriptionStatusCancelScheduled {
		result.Reason = upgradeReasonNotActive
		return result, nil
	}
	if !plan.Active {
		result.Reason = upgradeReasonPlanRetired
		return result, nil
	}
	if strings.EqualFold(sub.PlanSlug, plan.Slug) {
		result.Reason = upgradeReasonSamePlan
		return result, nil
	}
	if !domain.TierAbove(plan.Tier, sub.Tier) {
		result.Reason = upgradeReasonNotUpgrade
		return result, nil
	}

	result.Eligible = true
	result.ProrationAmount = domain.ProrationCredit(s.now(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.PriceCents)
	return result, nil
}

// CreateUpgradeSession re-checks eligibility and opens a hosted checkout
// session for the target plan, carrying the proration credit as metadata.
func (s *subscriptionService) CreateUpgradeSession(ctx context.Context, cmd UpgradeSessionCommand) (UpgradeSession, error) {
	if s == nil || s.payments == nil {
		return UpgradeSession{}, ErrSubscriptionUnavailable
	}

	eligibility, err := s.CheckUpgrade(ctx, UpgradeEligibilityCommand{
		UserID:         cmd.UserID,
		TargetPlanSlug: cmd.TargetPlanSlug,
	})
	if err != nil {
		return UpgradeSession{}, err
	}
	if !eligibility.Eligible {
		return UpgradeSession{}, ErrUpgradeIneligible
	}

	plan, err := s.plans.GetPlan(ctx, strings.ToLower(strings.TrimSpace(cmd.TargetPlanSlug)))
	if err != nil {
		return UpgradeSession{}, ErrSubscriptionUnavailable
	}

	freq := cmd.Frequency
	if freq == "" {
		sub, err := s.subs.FindByUser(ctx, strings.TrimSpace(cmd.UserID))
		if err != nil {
			return UpgradeSession{}, s.translateError(err)
		}
		freq = sub.Frequency
	}
	if freq == "" {
		freq = domain.BillingMonthly
	}

	priceID := plan.StripePrices[freq]
	if priceID == "" {
		return UpgradeSession{}, ErrSubscriptionInvalidInput
	}

	metadata := map[string]string{
		"planSlug":        plan.Slug,
		"prorationCredit": formatCents(eligibility.ProrationAmount),
	}
	trialDays := s.resolveTrialDays(ctx, cmd.CouponCode, plan.Slug, metadata)

	session, err := s.payments.CreateSubscriptionCheckout(ctx, payments.PaymentContext{
		Currency: strings.ToUpper(plan.Currency),
	}, payments.SubscriptionCheckoutRequest{
		PriceID:        priceID,
		UserID:         strings.TrimSpace(cmd.UserID),
		CustomerEmail:  strings.TrimSpace(cmd.CustomerEmail),
		SuccessURL:     cmd.SuccessURL,
		CancelURL:      cmd.CancelURL,
		TrialDays:      trialDays,
		Metadata:       metadata,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		s.logger(ctx, "subscription.upgrade_session_failed", map[string]any{
			"userId":   cmd.UserID,
			"planSlug": plan.Slug,
			"error":    err.Error(),
		})
		return UpgradeSession{}, ErrSubscriptionUnavailable
	}

	return UpgradeSession{
		SessionID:   session.ID,
		Provider:    session.Provider,
		URL:         session.URL,
		ExpiresAt:   session.ExpiresAt,
		Eligibility: eligibility,
	}, nil
}

// resolveTrialDays redeems a trial coupon against the target plan. Invalid,
// expired, or mismatched codes degrade to no trial; they never block the
// checkout session.
func (s *subscriptionService) resolveTrialDays(ctx context.Context, code, planSlug string, metadata map[string]string) int64 {
	code = strings.TrimSpace(code)
	if code == "" || s.coupons == nil {
		return 0
	}

	coupon, err := s.coupons.Lookup(ctx, code)
	if err != nil {
		s.logger(ctx, "subscription.coupon_rejected", map[string]any{
			"code":     code,
			"planSlug": planSlug,
			"error":    err.Error(),
		})
		return 0
	}

	now := s.now()
	if coupon.Type != domain.CouponTypeTrial || coupon.TrialMonths <= 0 ||
		!coupon.RedeemableAt(now) ||
		(coupon.TargetPlanSlug != "" && coupon.TargetPlanSlug != planSlug) {
		s.logger(ctx, "subscription.coupon_rejected", map[string]any{
			"code":     coupon.Code,
			"planSlug": planSlug,
		})
		return 0
	}

	// Stripe expresses trials in days; months are calendar months from now.
	trialDays := int64(now.AddDate(0, coupon.TrialMonths, 0).Sub(now).Hours() / 24)
	if trialDays <= 0 {
		return 0
	}
	metadata["couponCode"] = coupon.Code
	s.logger(ctx, "subscription.trial_coupon_applied", map[string]any{
		"code":        coupon.Code,
		"planSlug":    planSlug,
		"trialDays":   trialDays,
		"trialMonths": coupon.TrialMonths,
	})
	return trialDays
}

// ApplyExternalUpdate ingests provider webhook state. The provider is
// authoritative, with one exception: a locally canceled subscription stays
// canceled.
func (s *subscriptionService) ApplyExternalUpdate(ctx context.Context, cmd ExternalSubscriptionUpdate) (Subscription, error) {
	if s == nil || s.subs == nil {
		return Subscription{}, ErrSubscriptionUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Subscription{}, ErrSubscriptionInvalidInput
	}

	status := externalStatus(cmd.Status, cmd.CancelAtPeriodEnd)
	now := s.now()

	sub, err := s.subs.FindByUser(ctx, userID)
	if err != nil {
		if !isNotFound(err) {
			return Subscription{}, s.translateError(err)
		}
		// First webhook for a provider-created subscription.
		created := domain.Subscription{
			ID:                 userID,
			UserID:             userID,
			PlanSlug:           strings.ToLower(strings.TrimSpace(cmd.PlanSlug)),
			Status:             status,
			CurrentPeriodStart: cmd.PeriodStart,
			CurrentPeriodEnd:   cmd.PeriodEnd,
			CancelAtPeriodEnd:  cmd.CancelAtPeriodEnd,
			ProviderSubID:      cmd.ProviderSubID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if plan, planErr := s.plans.GetPlan(ctx, created.PlanSlug); planErr == nil {
			created.Tier = plan.Tier
			created.Currency = plan.Currency
		}
		if status == domain.SubscriptionStatusCanceled {
			created.CanceledAt = &now
		}
		if err := s.subs.Create(ctx, created); err != nil {
			return Subscription{}, s.translateError(err)
		}
		s.publishSubscriptionEvent(ctx, subscriptionEventUpdated, created, "")
		return created, nil
	}

	if sub.Status == domain.SubscriptionStatusCanceled {
		return sub, nil
	}

	from := sub.Status
	sub.Status = status
	sub.CancelAtPeriodEnd = cmd.CancelAtPeriodEnd
	if cmd.ProviderSubID != "" {
		sub.ProviderSubID = cmd.ProviderSubID
	}
	if slug := strings.ToLower(strings.TrimSpace(cmd.PlanSlug)); slug != "" && slug != sub.PlanSlug {
		sub.PlanSlug = slug
		if plan, planErr := s.plans.GetPlan(ctx, slug); planErr == nil {
			sub.Tier = plan.Tier
			sub.PriceCents = plan.Price(sub.Frequency)
			sub.Currency = plan.Currency
		}
	}
	if !cmd.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = cmd.PeriodStart
	}
	if !cmd.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = cmd.PeriodEnd
	}
	if status == domain.SubscriptionStatusCanceled && sub.CanceledAt == nil {
		sub.CanceledAt = &now
	}
	sub.UpdatedAt = now

	if err := s.subs.Apply(ctx, sub); err != nil {
		return Subscription{}, s.translateError(err)
	}

	if from != sub.Status {
		s.publishSubscriptionEvent(ctx, subscriptionEventUpdated, sub, from)
	}
	return sub, nil
}

// externalStatus maps provider status strings onto local lifecycle states.
func externalStatus(status string, cancelAtPeriodEnd bool) domain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "canceled":
		return domain.SubscriptionStatusCanceled
	case "past_due":
		return domain.SubscriptionStatusPastDue
	case "unpaid":
		return domain.SubscriptionStatusUnpaid
	default:
		if cancelAtPeriodEnd {
			return domain.SubscriptionStatusCancelScheduled
		}
		return domain.SubscriptionStatusActive
	}
}

func (s *subscriptionService) publishSubscriptionEvent(ctx context.Context, event string, sub Subscription, from domain.SubscriptionStatus) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishSubscriptionEvent(ctx, SubscriptionEventMessage{
		Event:      event,
		UserID:     sub.UserID,
		PlanSlug:   sub.PlanSlug,
		FromStatus: string(from),
		ToStatus:   string(sub.Status),
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger(ctx, "subscription.event_publish_failed", map[string]any{
			"event":  event,
			"userId": sub.UserID,
			"error":  err.Error(),
		})
	}
}

func (s *subscriptionService) translateError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrSubscriptionNotFound
		case repoErr.IsConflict():
			return ErrSubscriptionConflict
		default:
			return ErrSubscriptionUnavailable
		}
	}
	return ErrSubscriptionUnavailable
}

func formatCents(v int64) string {
	return strconv.FormatInt(v, 10)
}
