package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/protea-commerce/api/internal/domain"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
	"github.com/protea-commerce/api/internal/platform/pagination"
	"github.com/protea-commerce/api/internal/repositories"
)

const (
	productsCollection = "products"
	variantsCollection = "variants"
)

// CatalogRepository reads products and variants. Lookups are batched with
// GetAll so a cart never becomes per-line round trips.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
	variants *pfirestore.BaseRepository[variantDocument]
}

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
		variants: pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil),
	}, nil
}

// GetProducts fetches the requested products in one batch. Missing ids are
// simply absent from the result map.
func (r *CatalogRepository) GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("catalog repository not initialised")
	}

	ids := dedupeIDs(productIDs)
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("catalog.getProducts", err)
	}

	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = client.Collection(productsCollection).Doc(id)
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("catalog.getProducts", err)
	}

	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		result[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return result, nil
}

// GetVariants fetches the requested variants in one batch.
func (r *CatalogRepository) GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("catalog repository not initialised")
	}

	ids := dedupeIDs(variantIDs)
	result := make(map[string]domain.Variant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("catalog.getVariants", err)
	}

	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = client.Collection(variantsCollection).Doc(id)
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("catalog.getVariants", err)
	}

	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode variant %s: %w", snap.Ref.ID, err)
		}
		result[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return result, nil
}

func (r *CatalogRepository) ListProducts(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("catalog repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
	}

	query := client.Collection(productsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("active", "==", true)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		lastID, err := decodeIDPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
		}
		query = query.StartAfter(lastID)
	}

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
	}

	products := make([]domain.Product, 0, len(snaps))
	for _, snap := range snaps {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		encoded, err := encodeIDPageToken(products[len(products)-1].ID)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("catalog.listProducts", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Product]{
		Items:         products,
		NextPageToken: nextToken,
	}, nil
}

// Documents --------------------------------------------------------------

type productDocument struct {
	Name        string    `firestore:"name"`
	PriceCents  int64     `firestore:"priceCents"`
	Active      bool      `firestore:"active"`
	HasVariants bool      `firestore:"hasVariants"`
	StockQty    int       `firestore:"stockQty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        strings.TrimSpace(d.Name),
		PriceCents:  d.PriceCents,
		Active:      d.Active,
		HasVariants: d.HasVariants,
		StockQty:    d.StockQty,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type variantDocument struct {
	ProductID          string            `firestore:"productId"`
	SKU                string            `firestore:"sku"`
	Name               string            `firestore:"name"`
	PriceCentsOverride *int64            `firestore:"priceCentsOverride,omitempty"`
	StockQty           int               `firestore:"stockQty"`
	Attributes         map[string]string `firestore:"attributes,omitempty"`
	Active             bool              `firestore:"active"`
}

func (d variantDocument) toDomain(id string) domain.Variant {
	return domain.Variant{
		ID:                 id,
		ProductID:          strings.TrimSpace(d.ProductID),
		SKU:                strings.TrimSpace(d.SKU),
		Name:               strings.TrimSpace(d.Name),
		PriceCentsOverride: d.PriceCentsOverride,
		StockQty:           d.StockQty,
		Attributes:         d.Attributes,
		Active:             d.Active,
	}
}

// Shared helpers ---------------------------------------------------------

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalisePageSize(size int) int {
	if size <= 0 {
		return 50
	}
	if size > 200 {
		return 200
	}
	return size
}

func encodeIDPageToken(lastID string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{StartAfter: []any{lastID}})
}

func decodeIDPageToken(encoded string) (string, error) {
	cursor, err := pagination.DecodeToken(encoded)
	if err != nil {
		return "", fmt.Errorf("decode page token: %w", err)
	}
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	lastID, ok := cursor.StartAfter[0].(string)
	if !ok {
		return "", fmt.Errorf("decode page token: %w", pagination.ErrInvalidPageToken)
	}
	return lastID, nil
}
