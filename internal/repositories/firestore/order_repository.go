package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/crownacademy/api/internal/domain"
	pfirestore "github.com/crownacademy/api/internal/platform/firestore"
	"github.com/crownacademy/api/internal/repositories"
)

const ordersCollection = "orders"

type orderLineItemDocument struct {
	ItemType  string         `firestore:"itemType"`
	ItemID    string         `firestore:"itemId"`
	Title     string         `firestore:"title,omitempty"`
	Quantity  int            `firestore:"quantity"`
	UnitPrice int64          `firestore:"unitPrice"`
	Subtotal  int64          `firestore:"subtotal"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
}

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId,omitempty"`
	GuestEmail      string                  `firestore:"guestEmail,omitempty"`
	Status          string                  `firestore:"status"`
	Currency        string                  `firestore:"currency"`
	Items           []orderLineItemDocument `firestore:"items"`
	Subtotal        int64                   `firestore:"subtotal"`
	Discount        int64                   `firestore:"discount"`
	Total           int64                   `firestore:"total"`
	CouponCode      string                  `firestore:"couponCode,omitempty"`
	PaymentIntentID string                  `firestore:"paymentIntentId,omitempty"`
	FailureReason   string                  `firestore:"failureReason,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	FailedAt        *time.Time              `firestore:"failedAt,omitempty"`
}

// OrderRepository persists order documents keyed by order number.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document. The order number doubles as the document
// ID, so a duplicate number surfaces as IsConflict from the Create call.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	number := strings.TrimSpace(order.OrderNumber)
	if number == "" {
		return errors.New("order repository: order number is required")
	}

	ref, err := r.base.DocumentRef(ctx, number)
	if err != nil {
		return err
	}

	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByNumber loads a single order by its order number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	doc, err := r.base.Get(ctx, number)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// UpdateStatus transitions the order inside a transaction. The stored status
// must still equal expected when the write commits; a concurrent transition
// aborts with IsConflict.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderNumber string, expected domain.OrderStatus, update repositories.OrderStatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}
	if update.Status == "" {
		return domain.Order{}, errors.New("order repository: target status is required")
	}

	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, number)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", number, err)
		}

		if doc.Status != string(expected) {
			return status.Errorf(codes.FailedPrecondition, "order %s is %s, expected %s", number, doc.Status, expected)
		}

		doc.Status = string(update.Status)
		doc.UpdatedAt = update.UpdatedAt.UTC()
		if update.PaymentIntentID != nil {
			doc.PaymentIntentID = strings.TrimSpace(*update.PaymentIntentID)
		}
		if update.FailureReason != nil {
			doc.FailureReason = strings.TrimSpace(*update.FailureReason)
		}
		if update.PaidAt != nil {
			paidAt := update.PaidAt.UTC()
			doc.PaidAt = &paidAt
		}
		if update.FailedAt != nil {
			failedAt := update.FailedAt.UTC()
			doc.FailedAt = &failedAt
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = decodeOrderDocument(number, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

// ListByUser returns the most recent orders for an account, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("order repository: user id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("userId", "==", uid).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrderDocument(doc.ID, doc.Data))
	}
	return orders, nil
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		GuestEmail:      strings.TrimSpace(order.GuestEmail),
		Status:          string(order.Status),
		Currency:        strings.ToLower(strings.TrimSpace(order.Currency)),
		Items:           make([]orderLineItemDocument, 0, len(order.Items)),
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		CouponCode:      strings.TrimSpace(order.CouponCode),
		PaymentIntentID: strings.TrimSpace(order.PaymentIntentID),
		FailureReason:   strings.TrimSpace(order.FailureReason),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineItemDocument{
			ItemType:  string(item.ItemType),
			ItemID:    item.ItemID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
			Metadata:  cloneAnyMap(item.Metadata),
		})
	}
	if order.PaidAt != nil {
		paidAt := order.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	if order.FailedAt != nil {
		failedAt := order.FailedAt.UTC()
		doc.FailedAt = &failedAt
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     doc.OrderNumber,
		UserID:          doc.UserID,
		GuestEmail:      doc.GuestEmail,
		Status:          domain.OrderStatus(doc.Status),
		Currency:        doc.Currency,
		Items:           make([]domain.CartLineItem, 0, len(doc.Items)),
		Subtotal:        doc.Subtotal,
		Discount:        doc.Discount,
		Total:           doc.Total,
		CouponCode:      doc.CouponCode,
		PaymentIntentID: doc.PaymentIntentID,
		FailureReason:   doc.FailureReason,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		PaidAt:          doc.PaidAt,
		FailedAt:        doc.FailedAt,
	}
	if order.OrderNumber == "" {
		order.OrderNumber = id
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.CartLineItem{
			ItemType:  domain.CartItemType(item.ItemType),
			ItemID:    item.ItemID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
			Metadata:  cloneAnyMap(item.Metadata),
		})
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
