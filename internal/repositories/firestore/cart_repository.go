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

const cartCollection = "carts"

type cartLineItemDocument struct {
	ItemType  string         `firestore:"itemType"`
	ItemID    string         `firestore:"itemId"`
	Title     string         `firestore:"title,omitempty"`
	Quantity  int            `firestore:"quantity"`
	UnitPrice int64          `firestore:"unitPrice"`
	Subtotal  int64          `firestore:"subtotal"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
}

type cartDocument struct {
	Currency  string                 `firestore:"currency"`
	Items     []cartLineItemDocument `firestore:"items"`
	Subtotal  int64                  `firestore:"subtotal"`
	UpdatedAt time.Time              `firestore:"updatedAt"`
}

// CartRepository persists account carts, one document per user.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Get loads the cart for the given user ID.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := domain.Cart{
		ID:       doc.ID,
		UserID:   doc.ID,
		Currency: strings.ToLower(strings.TrimSpace(doc.Data.Currency)),
		Items:    decodeCartItems(doc.Data.Items),
		Subtotal: doc.Data.Subtotal,
		UpdatedAt: func() time.Time {
			if !doc.UpdateTime.IsZero() {
				return doc.UpdateTime
			}
			return doc.Data.UpdatedAt
		}(),
	}
	return cart, nil
}

// ReplaceItems overwrites the stored cart with the supplied line items.
func (r *CartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartLineItem, updatedAt time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc := cartDocument{
		Items:     make([]cartLineItemDocument, 0, len(items)),
		UpdatedAt: updatedAt.UTC(),
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.Subtotal
		doc.Items = append(doc.Items, cartLineItemDocument{
			ItemType:  string(item.ItemType),
			ItemID:    item.ItemID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
			Metadata:  cloneAnyMap(item.Metadata),
		})
	}
	doc.Subtotal = subtotal

	result, err := r.base.Set(ctx, uid, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	return domain.Cart{
		ID:        uid,
		UserID:    uid,
		Currency:  doc.Currency,
		Items:     decodeCartItems(doc.Items),
		Subtotal:  subtotal,
		UpdatedAt: result.UpdateTime,
	}, nil
}

// Clear removes the stored cart. Deleting a missing cart is a no-op.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

func decodeCartItems(items []cartLineItemDocument) []domain.CartLineItem {
	out := make([]domain.CartLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.CartLineItem{
			ItemType:  domain.CartItemType(item.ItemType),
			ItemID:    item.ItemID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
			Metadata:  cloneAnyMap(item.Metadata),
		})
	}
	return out
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ repositories.CartRepository = (*CartRepository)(nil)
