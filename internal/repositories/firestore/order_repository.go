package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/protea-commerce/api/internal/domain"
	repositories "github.com/protea-commerce/api/internal/repositories"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const (
	ordersCollection      = "orders"
	orderItemsSubcollName = "items"
)

// OrderRepository stores order headers in the orders collection with line
// items in an items subcollection under each header.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, toOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) InsertItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(orderID) == "" {
		return errors.New("order items insert: order id is required")
	}
	if len(items) == 0 {
		return nil
	}

	orderRef, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	bulk := client.BulkWriter(ctx)
	coll := orderRef.Collection(orderItemsSubcollName)
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			bulk.End()
			return fmt.Errorf("order items insert: item for product %s missing id", item.ProductID)
		}
		if _, err := bulk.Create(coll.Doc(item.ID), toOrderItemDocument(item)); err != nil {
			bulk.End()
			return pfirestore.WrapError("orders.insertItems", err)
		}
	}
	bulk.End()
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, newStatus domain.OrderStatus, now time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, errors.New("order status update: order id is required")
	}

	now = now.UTC()
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		doc.Status = string(newStatus)
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByID", err)
	}
	order := doc.Data.toDomain(doc.ID)

	items, err := r.loadItems(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)
	lastID, err := decodeIDPageToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if strings.TrimSpace(filter.UserID) != "" {
			q = q.Where("userId", "==", strings.TrimSpace(filter.UserID))
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy(firestore.DocumentID, firestore.Desc)
		if lastID != "" {
			q = q.StartAfter(lastID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	if hasMore && len(docs) > 0 {
		token, err := encodeIDPageToken(docs[len(docs)-1].ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	orderRef, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return nil, err
	}

	iter := orderRef.Collection(orderItemsSubcollName).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var items []domain.OrderItem
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.loadItems", err)
		}
		if !snap.Exists() {
			continue
		}
		var doc orderItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("orders.loadItems", status.Errorf(codes.Internal, "decode order item %s: %v", snap.Ref.ID, err))
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	return items, nil
}

type orderDocument struct {
	Number        string    `firestore:"number"`
	UserID        string    `firestore:"userId"`
	CustomerEmail string    `firestore:"customerEmail"`
	CustomerName  string    `firestore:"customerName"`
	CustomerPhone string    `firestore:"customerPhone"`
	Status        string    `firestore:"status"`
	Currency      string    `firestore:"currency"`
	SubtotalCents int64     `firestore:"subtotalCents"`
	ShippingCents int64     `firestore:"shippingCents"`
	DiscountCents int64     `firestore:"discountCents"`
	TotalCents    int64     `firestore:"totalCents"`
	CouponCode    string    `firestore:"couponCode,omitempty"`
	AddrLine1     string    `firestore:"addrLine1"`
	AddrLine2     string    `firestore:"addrLine2,omitempty"`
	AddrCity      string    `firestore:"addrCity"`
	AddrProvince  string    `firestore:"addrProvince"`
	AddrPostal    string    `firestore:"addrPostalCode"`
	AddrCountry   string    `firestore:"addrCountry"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func toOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		Number:        order.Number,
		UserID:        order.UserID,
		CustomerEmail: order.Customer.Email,
		CustomerName:  order.Customer.Name,
		CustomerPhone: order.Customer.Phone,
		Status:        string(order.Status),
		Currency:      order.Currency,
		SubtotalCents: order.SubtotalCents,
		ShippingCents: order.ShippingCents,
		DiscountCents: order.DiscountCents,
		TotalCents:    order.TotalCents,
		CouponCode:    order.CouponCode,
		AddrLine1:     order.ShippingAddress.Line1,
		AddrLine2:     order.ShippingAddress.Line2,
		AddrCity:      order.ShippingAddress.City,
		AddrProvince:  order.ShippingAddress.Province,
		AddrPostal:    order.ShippingAddress.PostalCode,
		AddrCountry:   order.ShippingAddress.Country,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:     id,
		Number: d.Number,
		UserID: d.UserID,
		Customer: domain.CustomerContact{
			Email: d.CustomerEmail,
			Name:  d.CustomerName,
			Phone: d.CustomerPhone,
		},
		Status:        domain.OrderStatus(d.Status),
		Currency:      d.Currency,
		SubtotalCents: d.SubtotalCents,
		ShippingCents: d.ShippingCents,
		DiscountCents: d.DiscountCents,
		TotalCents:    d.TotalCents,
		CouponCode:    d.CouponCode,
		ShippingAddress: domain.Address{
			Line1:      d.AddrLine1,
			Line2:      d.AddrLine2,
			City:       d.AddrCity,
			Province:   d.AddrProvince,
			PostalCode: d.AddrPostal,
			Country:    d.AddrCountry,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type orderItemDocument struct {
	ProductID      string            `firestore:"productId"`
	VariantID      string            `firestore:"variantId,omitempty"`
	SKU            string            `firestore:"sku,omitempty"`
	Title          string            `firestore:"title"`
	Attributes     map[string]string `firestore:"attributes,omitempty"`
	Quantity       int               `firestore:"quantity"`
	UnitPriceCents int64             `firestore:"unitPriceCents"`
	LineTotalCents int64             `firestore:"lineTotalCents"`
}

func toOrderItemDocument(item domain.OrderItem) orderItemDocument {
	return orderItemDocument{
		ProductID:      item.ProductID,
		VariantID:      item.VariantID,
		SKU:            item.SKU,
		Title:          item.Title,
		Attributes:     item.Attributes,
		Quantity:       item.Quantity,
		UnitPriceCents: item.UnitPriceCents,
		LineTotalCents: item.LineTotalCents,
	}
}

func (d orderItemDocument) toDomain(id string) domain.OrderItem {
	return domain.OrderItem{
		ID:             id,
		ProductID:      d.ProductID,
		VariantID:      d.VariantID,
		SKU:            d.SKU,
		Title:          d.Title,
		Attributes:     d.Attributes,
		Quantity:       d.Quantity,
		UnitPriceCents: d.UnitPriceCents,
		LineTotalCents: d.LineTotalCents,
	}
}
