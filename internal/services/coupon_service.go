package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/repositories"
)

const (
	minCouponCodeLength  = 4
	maxCouponTrialMonths = 24
)

var (
	// ErrCouponInvalidInput indicates the caller supplied invalid parameters.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates the code does not exist.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponUnavailable indicates the coupon store is currently unavailable.
	ErrCouponUnavailable = errors.New("coupon: unavailable")
)

// Reasons reported when a coupon does not apply. These travel to clients
// verbatim so checkout can explain a zero discount.
const (
	couponReasonMalformed     = "malformed_code"
	couponReasonNotFound      = "not_found"
	couponReasonInactive      = "inactive"
	couponReasonNotStarted    = "not_started"
	couponReasonExpired       = "expired"
	couponReasonNotApplicable = "subscription_only"
)

// CouponServiceDeps wires the dependencies required by the coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons repositories.CouponRepository
	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewCouponService constructs a CouponService validating required dependencies.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		coupons: deps.Coupons,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Evaluate checks a code against the subtotal. Unknown, inactive, or expired
// codes yield Applied=false with a reason; only store outages error out.
func (s *couponService) Evaluate(ctx context.Context, cmd EvaluateCouponCommand) (CouponApplication, error) {
	if s == nil || s.coupons == nil {
		return CouponApplication{}, ErrCouponUnavailable
	}
	if cmd.Subtotal < 0 {
		return CouponApplication{}, ErrCouponInvalidInput
	}

	code := normaliseCouponCode(cmd.Code)
	if len(code) < minCouponCodeLength {
		return CouponApplication{Code: code, Reason: couponReasonMalformed}, nil
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return CouponApplication{Code: code, Reason: couponReasonNotFound}, nil
		}
		s.logger(ctx, "coupon.lookup_failed", map[string]any{
			"code":  code,
			"error": err.Error(),
		})
		return CouponApplication{}, ErrCouponUnavailable
	}

	now := s.now()
	if reason := couponRejection(coupon, now); reason != "" {
		return CouponApplication{Code: code, Reason: reason}, nil
	}
	if coupon.Type == domain.CouponTypeTrial {
		// Trial coupons modify subscription checkout, not one-time orders.
		return CouponApplication{Code: code, Reason: couponReasonNotApplicable}, nil
	}

	return CouponApplication{
		Code:     code,
		Applied:  true,
		Discount: couponDiscount(coupon, cmd.Subtotal),
	}, nil
}

// Lookup fetches a coupon by code and fails for unknown codes.
func (s *couponService) Lookup(ctx context.Context, code string) (Coupon, error) {
	if s == nil || s.coupons == nil {
		return Coupon{}, ErrCouponUnavailable
	}

	normalised := normaliseCouponCode(code)
	if len(normalised) < minCouponCodeLength {
		return Coupon{}, ErrCouponNotFound
	}

	coupon, err := s.coupons.FindByCode(ctx, normalised)
	if err != nil {
		if isNotFound(err) {
			return Coupon{}, ErrCouponNotFound
		}
		return Coupon{}, ErrCouponUnavailable
	}
	return coupon, nil
}

// NewCouponAdminService constructs the ingestion side of the coupon store,
// used by the HMAC-guarded catalog sync endpoint.
func NewCouponAdminService(deps CouponServiceDeps) (CouponAdminService, error) {
	svc, err := NewCouponService(deps)
	if err != nil {
		return nil, err
	}
	return svc.(*couponService), nil
}

// UpsertCoupon validates and stores a coupon definition pushed by the catalog
// service. The code is normalised before writing; the stored document id is
// the upper-cased code.
func (s *couponService) UpsertCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	if s == nil || s.coupons == nil {
		return Coupon{}, ErrCouponUnavailable
	}

	code := normaliseCouponCode(cmd.Code)
	if len(code) < minCouponCodeLength {
		return Coupon{}, ErrCouponInvalidInput
	}

	coupon := domain.Coupon{
		Code:           code,
		TargetPlanSlug: strings.ToLower(strings.TrimSpace(cmd.TargetPlanSlug)),
		Description:    strings.TrimSpace(cmd.Description),
		Active:         cmd.Active,
		StartsAt:       cmd.StartsAt,
		ExpiresAt:      cmd.ExpiresAt,
		UpdatedAt:      s.now(),
	}
	switch domain.CouponType(strings.TrimSpace(cmd.Type)) {
	case domain.CouponTypePercent:
		if cmd.PercentOff <= 0 || cmd.PercentOff > 100 {
			return Coupon{}, ErrCouponInvalidInput
		}
		coupon.Type = domain.CouponTypePercent
		coupon.PercentOff = cmd.PercentOff
	case domain.CouponTypeFixed:
		if cmd.AmountOff <= 0 {
			return Coupon{}, ErrCouponInvalidInput
		}
		coupon.Type = domain.CouponTypeFixed
		coupon.AmountOff = cmd.AmountOff
	case domain.CouponTypeTrial:
		if cmd.TrialMonths <= 0 || cmd.TrialMonths > maxCouponTrialMonths {
			return Coupon{}, ErrCouponInvalidInput
		}
		coupon.Type = domain.CouponTypeTrial
		coupon.TrialMonths = cmd.TrialMonths
	default:
		return Coupon{}, ErrCouponInvalidInput
	}
	if coupon.StartsAt != nil && coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(*coupon.StartsAt) {
		return Coupon{}, ErrCouponInvalidInput
	}

	if err := s.coupons.Upsert(ctx, coupon); err != nil {
		s.logger(ctx, "coupon.upsert_failed", map[string]any{
			"code":  code,
			"error": err.Error(),
		})
		return Coupon{}, ErrCouponUnavailable
	}

	s.logger(ctx, "coupon.upserted", map[string]any{
		"code":   code,
		"active": coupon.Active,
	})
	return coupon, nil
}

// normaliseCouponCode upper-cases and trims a code; matching is case-insensitive.
func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func couponRejection(coupon domain.Coupon, now time.Time) string {
	if !coupon.Active {
		return couponReasonInactive
	}
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		return couponReasonNotStarted
	}
	if coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt) {
		return couponReasonExpired
	}
	return ""
}

// couponDiscount computes the discount in the smallest currency unit,
// truncating percentage discounts and clamping to the subtotal.
func couponDiscount(coupon domain.Coupon, subtotal int64) int64 {
	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercent:
		if coupon.PercentOff <= 0 {
			return 0
		}
		discount = subtotal * int64(coupon.PercentOff) / 100
	case domain.CouponTypeFixed:
		discount = coupon.AmountOff
	default:
		return 0
	}
	if discount < 0 {
		return 0
	}
	if discount > subtotal {
		return subtotal
	}
	return discount
}
