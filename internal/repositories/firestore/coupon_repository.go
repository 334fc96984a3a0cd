package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/crownacademy/api/internal/domain"
	pfirestore "github.com/crownacademy/api/internal/platform/firestore"
	"github.com/crownacademy/api/internal/repositories"
)

const couponCollection = "coupons"

type couponDocument struct {
	Code       string     `firestore:"code"`
	Type       string     `firestore:"type"`
	PercentOff int        `firestore:"percentOff,omitempty"`
	AmountOff  int64      `firestore:"amountOff,omitempty"`
	Active     bool       `firestore:"active"`
	StartsAt   *time.Time `firestore:"startsAt,omitempty"`
	ExpiresAt  *time.Time `firestore:"expiresAt,omitempty"`
	UpdatedAt  time.Time  `firestore:"updatedAt"`
}

// CouponRepository stores discount codes keyed by upper-cased code.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil)
	return &CouponRepository{base: base}, nil
}

// FindByCode loads a coupon. Codes are matched case-insensitively because the
// document ID is always the upper-cased code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := couponDocumentID(code)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}

	coupon := domain.Coupon{
		Code:       doc.Data.Code,
		Type:       domain.CouponType(doc.Data.Type),
		PercentOff: doc.Data.PercentOff,
		AmountOff:  doc.Data.AmountOff,
		Active:     doc.Data.Active,
		StartsAt:   doc.Data.StartsAt,
		ExpiresAt:  doc.Data.ExpiresAt,
		UpdatedAt:  doc.UpdateTime,
	}
	if coupon.Code == "" {
		coupon.Code = doc.ID
	}
	return coupon, nil
}

// Upsert writes the coupon document under its upper-cased code.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := couponDocumentID(coupon.Code)
	if id == "" {
		return errors.New("coupon repository: code is required")
	}

	doc := couponDocument{
		Code:       id,
		Type:       string(coupon.Type),
		PercentOff: coupon.PercentOff,
		AmountOff:  coupon.AmountOff,
		Active:     coupon.Active,
		UpdatedAt:  coupon.UpdatedAt.UTC(),
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	if coupon.StartsAt != nil {
		startsAt := coupon.StartsAt.UTC()
		doc.StartsAt = &startsAt
	}
	if coupon.ExpiresAt != nil {
		expiresAt := coupon.ExpiresAt.UTC()
		doc.ExpiresAt = &expiresAt
	}

	_, err := r.base.Set(ctx, id, doc)
	return err
}

func couponDocumentID(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
