package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crownacademy/api/internal/catalog"
	domain "github.com/crownacademy/api/internal/domain"
)

// stubRepoError implements repositories.RepositoryError for service tests.
type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubCartRepo struct {
	cart       domain.Cart
	getErr     error
	replaced   []domain.CartLineItem
	replaceErr error
	cleared    []string
	clearErr   error
}

func (r *stubCartRepo) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r.getErr != nil {
		return domain.Cart{}, r.getErr
	}
	return r.cart, nil
}

func (r *stubCartRepo) ReplaceItems(ctx context.Context, userID string, items []domain.CartLineItem, updatedAt time.Time) (domain.Cart, error) {
	if r.replaceErr != nil {
		return domain.Cart{}, r.replaceErr
	}
	r.replaced = items
	return domain.Cart{ID: userID, UserID: userID, Items: items, UpdatedAt: updatedAt}, nil
}

func (r *stubCartRepo) Clear(ctx context.Context, userID string) error {
	r.cleared = append(r.cleared, userID)
	return r.clearErr
}

type stubPricer struct {
	prices map[string]catalog.ItemPrice
	err    error
}

func (p *stubPricer) GetPrice(ctx context.Context, itemType domain.CartItemType, itemID string) (catalog.ItemPrice, error) {
	if p.err != nil {
		return catalog.ItemPrice{}, p.err
	}
	price, ok := p.prices[itemID]
	if !ok {
		return catalog.ItemPrice{}, catalog.ErrItemNotFound
	}
	return price, nil
}

func fixedClock() time.Time {
	return time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
}

func newTestCartService(t *testing.T, repo *stubCartRepo, pricer *stubPricer) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:   repo,
		Catalog: pricer,
		Clock:   fixedClock,
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func TestResolveGuestCartRepricesFromCatalog(t *testing.T) {
	pricer := &stubPricer{prices: map[string]catalog.ItemPrice{
		"course-101": {ItemType: domain.CartItemTypeContent, ItemID: "course-101", Title: "Course 101", UnitPrice: 1000, Currency: "usd", Available: true},
		"bundle-7":   {ItemType: domain.CartItemTypeBundle, ItemID: "bundle-7", Title: "Starter Bundle", UnitPrice: 2500, Currency: "usd", Available: true},
	}}
	svc := newTestCartService(t, &stubCartRepo{}, pricer)

	cart, err := svc.Resolve(context.Background(), ResolveCartCommand{
		GuestItems: []GuestCartItem{
			{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1},
			{ItemType: domain.CartItemTypeBundle, ItemID: "bundle-7", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cart.Subtotal != 3500 {
		t.Fatalf("expected subtotal 3500, got %d", cart.Subtotal)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(cart.Items))
	}
	if cart.Items[0].Subtotal != 1000 || cart.Items[1].Subtotal != 2500 {
		t.Fatalf("unexpected line subtotals %d / %d", cart.Items[0].Subtotal, cart.Items[1].Subtotal)
	}
	if cart.Currency != "usd" {
		t.Fatalf("expected usd currency, got %s", cart.Currency)
	}
}

func TestResolveMergesDuplicateLines(t *testing.T) {
	pricer := &stubPricer{prices: map[string]catalog.ItemPrice{
		"course-101": {ItemID: "course-101", UnitPrice: 1000, Currency: "usd", Available: true},
	}}
	svc := newTestCartService(t, &stubCartRepo{}, pricer)

	cart, err := svc.Resolve(context.Background(), ResolveCartCommand{
		GuestItems: []GuestCartItem{
			{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1},
			{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected merged line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 3 || cart.Items[0].Subtotal != 3000 {
		t.Fatalf("expected qty 3 subtotal 3000, got qty %d subtotal %d", cart.Items[0].Quantity, cart.Items[0].Subtotal)
	}
}

func TestResolveIgnoresClientSuppliedPrices(t *testing.T) {
	pricer := &stubPricer{prices: map[string]catalog.ItemPrice{
		"course-101": {ItemID: "course-101", UnitPrice: 1000, Currency: "usd", Available: true},
	}}
	repo := &stubCartRepo{cart: domain.Cart{
		UserID: "user-1",
		Items: []domain.CartLineItem{
			// Stored price is stale; resolution must use the catalog price.
			{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1, UnitPrice: 1, Subtotal: 1},
		},
	}}
	svc := newTestCartService(t, repo, pricer)

	cart, err := svc.Resolve(context.Background(), ResolveCartCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cart.Items[0].UnitPrice != 1000 {
		t.Fatalf("expected catalog price 1000, got %d", cart.Items[0].UnitPrice)
	}
	if cart.Subtotal != 1000 {
		t.Fatalf("expected subtotal 1000, got %d", cart.Subtotal)
	}
}

func TestResolveEmptyCart(t *testing.T) {
	svc := newTestCartService(t, &stubCartRepo{}, &stubPricer{})

	if _, err := svc.Resolve(context.Background(), ResolveCartCommand{}); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty for empty guest cart, got %v", err)
	}

	repo := &stubCartRepo{getErr: stubRepoError{notFound: true}}
	svc = newTestCartService(t, repo, &stubPricer{})
	if _, err := svc.Resolve(context.Background(), ResolveCartCommand{UserID: "user-1"}); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty for missing account cart, got %v", err)
	}
}

func TestResolveCatalogMismatch(t *testing.T) {
	cases := []struct {
		name   string
		pricer *stubPricer
	}{
		{"unknown item", &stubPricer{prices: map[string]catalog.ItemPrice{}}},
		{"unavailable item", &stubPricer{prices: map[string]catalog.ItemPrice{
			"course-101": {ItemID: "course-101", UnitPrice: 1000, Currency: "usd", Available: false},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestCartService(t, &stubCartRepo{}, tc.pricer)
			_, err := svc.Resolve(context.Background(), ResolveCartCommand{
				GuestItems: []GuestCartItem{{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1}},
			})
			if !errors.Is(err, ErrCartCatalogMismatch) {
				t.Fatalf("expected ErrCartCatalogMismatch, got %v", err)
			}
		})
	}
}

func TestResolveCatalogOutage(t *testing.T) {
	svc := newTestCartService(t, &stubCartRepo{}, &stubPricer{err: catalog.ErrUnavailable})

	_, err := svc.Resolve(context.Background(), ResolveCartCommand{
		GuestItems: []GuestCartItem{{ItemType: domain.CartItemTypeContent, ItemID: "course-101", Quantity: 1}},
	})
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected ErrCartUnavailable, got %v", err)
	}
}

func TestSaveItemsRequiresUser(t *testing.T) {
	svc := newTestCartService(t, &stubCartRepo{}, &stubPricer{})
	if _, err := svc.SaveItems(context.Background(), SaveCartItemsCommand{}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestClearMissingCartIsNoOp(t *testing.T) {
	repo := &stubCartRepo{clearErr: stubRepoError{notFound: true}}
	svc := newTestCartService(t, repo, &stubPricer{})
	if err := svc.Clear(context.Background(), "user-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
}
