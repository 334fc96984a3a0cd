package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crownacademy/api/internal/catalog"
	domain "github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid cart parameters.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartEmpty indicates the resolved cart has no purchasable lines.
	ErrCartEmpty = errors.New("cart: empty")
	// ErrCartCatalogMismatch indicates a line references an item the catalog no longer sells.
	ErrCartCatalogMismatch = errors.New("cart: catalog mismatch")
	// ErrCartUnavailable indicates cart dependencies are currently unavailable.
	ErrCartUnavailable = errors.New("cart: unavailable")
)

// cartPricer abstracts the catalog client for easier testing.
type cartPricer interface {
	GetPrice(ctx context.Context, itemType domain.CartItemType, itemID string) (catalog.ItemPrice, error)
}

// CartServiceDeps wires the dependencies required by the cart service.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Catalog  cartPricer
	Currency string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	catalog  cartPricer
	currency string
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCartService constructs a CartService validating required dependencies.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cart service: catalog client is required")
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "usd"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		catalog:  deps.Catalog,
		currency: currency,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Resolve loads the buyer's cart and re-prices every line against the catalog.
// Account carts load from storage; guest carts re-price the request snapshot.
func (s *cartService) Resolve(ctx context.Context, cmd ResolveCartCommand) (Cart, error) {
	if s == nil || s.carts == nil || s.catalog == nil {
		return Cart{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)

	var refs []GuestCartItem
	if userID != "" {
		stored, err := s.carts.Get(ctx, userID)
		if err != nil {
			if isNotFound(err) {
				return Cart{}, ErrCartEmpty
			}
			return Cart{}, s.translateError(err)
		}
		refs = make([]GuestCartItem, 0, len(stored.Items))
		for _, item := range stored.Items {
			refs = append(refs, GuestCartItem{
				ItemType: item.ItemType,
				ItemID:   item.ItemID,
				Quantity: item.Quantity,
			})
		}
	} else {
		refs = cmd.GuestItems
	}

	lines, subtotal, currency, err := s.priceLines(ctx, refs, cmd.Currency)
	if err != nil {
		return Cart{}, err
	}
	if len(lines) == 0 {
		return Cart{}, ErrCartEmpty
	}

	return Cart{
		ID:        userID,
		UserID:    userID,
		Currency:  currency,
		Items:     lines,
		Subtotal:  subtotal,
		UpdatedAt: s.now(),
	}, nil
}

// SaveItems replaces the stored account cart with a re-priced snapshot.
func (s *cartService) SaveItems(ctx context.Context, cmd SaveCartItemsCommand) (Cart, error) {
	if s == nil || s.carts == nil || s.catalog == nil {
		return Cart{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	lines, subtotal, currency, err := s.priceLines(ctx, cmd.Items, "")
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	cart, err := s.carts.ReplaceItems(ctx, userID, lines, now)
	if err != nil {
		return Cart{}, s.translateError(err)
	}
	cart.UserID = userID
	cart.Currency = currency
	cart.Subtotal = subtotal
	return cart, nil
}

// Clear drops the stored account cart. Clearing an absent cart is a no-op.
func (s *cartService) Clear(ctx context.Context, userID string) error {
	if s == nil || s.carts == nil {
		return ErrCartUnavailable
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrCartInvalidInput
	}
	if err := s.carts.Clear(ctx, userID); err != nil && !isNotFound(err) {
		return s.translateError(err)
	}
	return nil
}

// priceLines merges duplicate references, re-prices each against the catalog,
// and rejects lines the catalog no longer sells or prices in another currency.
func (s *cartService) priceLines(ctx context.Context, refs []GuestCartItem, requestedCurrency string) ([]domain.CartLineItem, int64, string, error) {
	merged := mergeItemRefs(refs)

	currency := strings.ToLower(strings.TrimSpace(requestedCurrency))
	lines := make([]domain.CartLineItem, 0, len(merged))
	var subtotal int64

	for _, ref := range merged {
		price, err := s.catalog.GetPrice(ctx, ref.ItemType, ref.ItemID)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrItemNotFound):
				return nil, 0, "", ErrCartCatalogMismatch
			case errors.Is(err, catalog.ErrUnavailable):
				return nil, 0, "", ErrCartUnavailable
			default:
				s.logger(ctx, "cart.price_lookup_failed", map[string]any{
					"itemType": string(ref.ItemType),
					"itemId":   ref.ItemID,
					"error":    err.Error(),
				})
				return nil, 0, "", ErrCartUnavailable
			}
		}
		if !price.Available || price.UnitPrice <= 0 {
			return nil, 0, "", ErrCartCatalogMismatch
		}

		lineCurrency := strings.ToLower(strings.TrimSpace(price.Currency))
		if lineCurrency == "" {
			lineCurrency = s.currency
		}
		if currency == "" {
			currency = lineCurrency
		} else if currency != lineCurrency {
			return nil, 0, "", ErrCartCatalogMismatch
		}

		line := domain.CartLineItem{
			ItemType:  ref.ItemType,
			ItemID:    ref.ItemID,
			Title:     price.Title,
			Quantity:  ref.Quantity,
			UnitPrice: price.UnitPrice,
			Subtotal:  price.UnitPrice * int64(ref.Quantity),
		}
		lines = append(lines, line)
		subtotal += line.Subtotal
	}

	if currency == "" {
		currency = s.currency
	}
	return lines, subtotal, currency, nil
}

// mergeItemRefs collapses duplicate item references, summing quantities.
// Lines with non-positive quantities are dropped, preserving first-seen order.
func mergeItemRefs(refs []GuestCartItem) []GuestCartItem {
	type refKey struct {
		itemType domain.CartItemType
		itemID   string
	}
	index := make(map[refKey]int, len(refs))
	merged := make([]GuestCartItem, 0, len(refs))
	for _, ref := range refs {
		itemID := strings.TrimSpace(ref.ItemID)
		if itemID == "" || ref.Quantity <= 0 {
			continue
		}
		key := refKey{itemType: ref.ItemType, itemID: itemID}
		if at, ok := index[key]; ok {
			merged[at].Quantity += ref.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, GuestCartItem{
			ItemType: ref.ItemType,
			ItemID:   itemID,
			Quantity: ref.Quantity,
		})
	}
	return merged
}

func (s *cartService) translateError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartEmpty
		case repoErr.IsConflict():
			return ErrCartUnavailable
		default:
			return ErrCartUnavailable
		}
	}
	return ErrCartUnavailable
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
