package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/crownacademy/api/internal/domain"
	pfirestore "github.com/crownacademy/api/internal/platform/firestore"
	"github.com/crownacademy/api/internal/repositories"
)

const subscriptionCollection = "subscriptions"

type subscriptionDocument struct {
	PlanSlug           string     `firestore:"planSlug"`
	Tier               string     `firestore:"tier"`
	Frequency          string     `firestore:"frequency"`
	Status             string     `firestore:"status"`
	PriceCents         int64      `firestore:"priceCents"`
	Currency           string     `firestore:"currency"`
	CurrentPeriodStart time.Time  `firestore:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool       `firestore:"cancelAtPeriodEnd"`
	CancelReason       string     `firestore:"cancelReason,omitempty"`
	ProviderSubID      string     `firestore:"providerSubId,omitempty"`
	CreatedAt          time.Time  `firestore:"createdAt"`
	UpdatedAt          time.Time  `firestore:"updatedAt"`
	CanceledAt         *time.Time `firestore:"canceledAt,omitempty"`
}

// SubscriptionRepository stores the single current subscription per user,
// keyed by user ID.
type SubscriptionRepository struct {
	base     *pfirestore.BaseRepository[subscriptionDocument]
	provider *pfirestore.Provider
}

// NewSubscriptionRepository constructs a Firestore-backed subscription repository.
func NewSubscriptionRepository(provider *pfirestore.Provider) (*SubscriptionRepository, error) {
	if provider == nil {
		return nil, errors.New("subscription repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[subscriptionDocument](provider, subscriptionCollection, nil, nil)
	return &SubscriptionRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByUser loads the subscription for the given user ID.
func (r *SubscriptionRepository) FindByUser(ctx context.Context, userID string) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Subscription{}, errors.New("subscription repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Subscription{}, err
	}
	return decodeSubscriptionDocument(doc.ID, doc.Data), nil
}

// Create inserts the subscription document, failing with IsConflict when one
// already exists for the user.
func (r *SubscriptionRepository) Create(ctx context.Context, sub domain.Subscription) error {
	if r == nil || r.base == nil {
		return errors.New("subscription repository not initialised")
	}
	uid := strings.TrimSpace(sub.UserID)
	if uid == "" {
		return errors.New("subscription repository: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeSubscriptionDocument(sub)); err != nil {
		return pfirestore.WrapError("subscriptions.create", err)
	}
	return nil
}

// Update persists the subscription guarded by the revision read within the
// same call. A concurrent writer bumps the document revision and surfaces as
// IsConflict via the precondition.
func (r *SubscriptionRepository) Update(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	uid := strings.TrimSpace(sub.UserID)
	if uid == "" {
		return domain.Subscription{}, errors.New("subscription repository: user id is required")
	}

	current, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Subscription{}, err
	}

	doc := encodeSubscriptionDocument(sub)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = current.Data.CreatedAt
	}

	updates := []firestore.Update{
		{Path: "planSlug", Value: doc.PlanSlug},
		{Path: "tier", Value: doc.Tier},
		{Path: "frequency", Value: doc.Frequency},
		{Path: "status", Value: doc.Status},
		{Path: "priceCents", Value: doc.PriceCents},
		{Path: "currency", Value: doc.Currency},
		{Path: "currentPeriodStart", Value: doc.CurrentPeriodStart},
		{Path: "currentPeriodEnd", Value: doc.CurrentPeriodEnd},
		{Path: "cancelAtPeriodEnd", Value: doc.CancelAtPeriodEnd},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	appendOptional := func(path string, empty bool, value any) {
		if empty {
			updates = append(updates, firestore.Update{Path: path, Value: firestore.Delete})
		} else {
			updates = append(updates, firestore.Update{Path: path, Value: value})
		}
	}
	appendOptional("cancelReason", doc.CancelReason == "", doc.CancelReason)
	appendOptional("providerSubId", doc.ProviderSubID == "", doc.ProviderSubID)
	appendOptional("canceledAt", doc.CanceledAt == nil, doc.CanceledAt)

	result, err := r.base.Update(ctx, uid, updates, firestore.LastUpdateTime(current.UpdateTime))
	if err != nil {
		return domain.Subscription{}, err
	}

	saved := decodeSubscriptionDocument(uid, doc)
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Apply overwrites the subscription unconditionally. Provider webhooks are
// authoritative over local state, so no revision guard applies here.
func (r *SubscriptionRepository) Apply(ctx context.Context, sub domain.Subscription) error {
	if r == nil || r.base == nil {
		return errors.New("subscription repository not initialised")
	}
	uid := strings.TrimSpace(sub.UserID)
	if uid == "" {
		return errors.New("subscription repository: user id is required")
	}

	_, err := r.base.Set(ctx, uid, encodeSubscriptionDocument(sub))
	return err
}

func encodeSubscriptionDocument(sub domain.Subscription) subscriptionDocument {
	doc := subscriptionDocument{
		PlanSlug:           strings.TrimSpace(sub.PlanSlug),
		Tier:               string(sub.Tier),
		Frequency:          string(sub.Frequency),
		Status:             string(sub.Status),
		PriceCents:         sub.PriceCents,
		Currency:           strings.ToLower(strings.TrimSpace(sub.Currency)),
		CurrentPeriodStart: sub.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelReason:       strings.TrimSpace(sub.CancelReason),
		ProviderSubID:      strings.TrimSpace(sub.ProviderSubID),
		CreatedAt:          sub.CreatedAt.UTC(),
		UpdatedAt:          sub.UpdatedAt.UTC(),
	}
	if sub.CanceledAt != nil {
		canceledAt := sub.CanceledAt.UTC()
		doc.CanceledAt = &canceledAt
	}
	return doc
}

func decodeSubscriptionDocument(userID string, doc subscriptionDocument) domain.Subscription {
	return domain.Subscription{
		ID:                 userID,
		UserID:             userID,
		PlanSlug:           doc.PlanSlug,
		Tier:               domain.PlanTier(doc.Tier),
		Frequency:          domain.BillingFrequency(doc.Frequency),
		Status:             domain.SubscriptionStatus(doc.Status),
		PriceCents:         doc.PriceCents,
		Currency:           doc.Currency,
		CurrentPeriodStart: doc.CurrentPeriodStart,
		CurrentPeriodEnd:   doc.CurrentPeriodEnd,
		CancelAtPeriodEnd:  doc.CancelAtPeriodEnd,
		CancelReason:       doc.CancelReason,
		ProviderSubID:      doc.ProviderSubID,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
		CanceledAt:         doc.CanceledAt,
	}
}

var _ repositories.SubscriptionRepository = (*SubscriptionRepository)(nil)
