package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

type stubCatalogRepository struct {
	getProductsFn  func(ctx context.Context, ids []string) (map[string]domain.Product, error)
	getVariantsFn  func(ctx context.Context, ids []string) (map[string]domain.Variant, error)
	listProductsFn func(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error)
}

func (s *stubCatalogRepository) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if s.getProductsFn != nil {
		return s.getProductsFn(ctx, ids)
	}
	return map[string]domain.Product{}, nil
}

func (s *stubCatalogRepository) GetVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	if s.getVariantsFn != nil {
		return s.getVariantsFn(ctx, ids)
	}
	return map[string]domain.Variant{}, nil
}

func (s *stubCatalogRepository) ListProducts(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if s.listProductsFn != nil {
		return s.listProductsFn(ctx, filter)
	}
	return domain.CursorPage[domain.Product]{}, nil
}

func int64Ptr(v int64) *int64 { return &v }

func newTestCatalogService(t *testing.T, repo repositories.CatalogRepository) CatalogService {
	t.Helper()
	svc, err := NewCatalogService(CatalogServiceDeps{Catalog: repo})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	return svc
}

func TestLoadSnapshotResolvesPrices(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(_ context.Context, ids []string) (map[string]domain.Product, error) {
			if len(ids) != 2 {
				t.Fatalf("expected one bulk product fetch with 2 ids, got %v", ids)
			}
			return map[string]domain.Product{
				"p1": {ID: "p1", Name: "Fynbos Candle", PriceCents: 1000, Active: true},
				"p2": {ID: "p2", Name: "Karoo Throw", PriceCents: 45000, Active: true, HasVariants: true},
			}, nil
		},
		getVariantsFn: func(_ context.Context, ids []string) (map[string]domain.Variant, error) {
			return map[string]domain.Variant{
				"v1": {
					ID: "v1", ProductID: "p2", SKU: "KT-M", Active: true,
					PriceCentsOverride: int64Ptr(47500),
					StockQty:           4,
					Attributes:         map[string]string{"size": "M"},
				},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	snapshots, err := svc.LoadSnapshot(context.Background(), []LineRef{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", VariantID: "v1", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].UnitPriceCents != 1000 || snapshots[0].Title != "Fynbos Candle" {
		t.Fatalf("unexpected product snapshot: %+v", snapshots[0])
	}
	if snapshots[1].UnitPriceCents != 47500 {
		t.Fatalf("variant override not applied: %+v", snapshots[1])
	}
	if snapshots[1].Attributes["size"] != "M" || snapshots[1].SKU != "KT-M" {
		t.Fatalf("variant snapshot missing attributes: %+v", snapshots[1])
	}
}

func TestLoadSnapshotMergesDuplicateLines(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"p1": {ID: "p1", Name: "Candle", PriceCents: 1000, Active: true, StockQty: 5},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	snapshots, err := svc.LoadSnapshot(context.Background(), []LineRef{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p1", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %+v", snapshots)
	}
}

func TestLoadSnapshotRejectsInactiveProduct(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"p1": {ID: "p1", Name: "Candle", PriceCents: 1000, Active: false},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	_, err := svc.LoadSnapshot(context.Background(), []LineRef{{ProductID: "p1", Quantity: 1}})
	if !errors.Is(err, ErrCatalogInvalidProduct) {
		t.Fatalf("expected ErrCatalogInvalidProduct, got %v", err)
	}
}

func TestLoadSnapshotRejectsVariantProductMismatch(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"p1": {ID: "p1", Name: "Candle", PriceCents: 1000, Active: true, HasVariants: true},
			}, nil
		},
		getVariantsFn: func(context.Context, []string) (map[string]domain.Variant, error) {
			return map[string]domain.Variant{
				"v9": {ID: "v9", ProductID: "other-product", Active: true, StockQty: 10},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	_, err := svc.LoadSnapshot(context.Background(), []LineRef{{ProductID: "p1", VariantID: "v9", Quantity: 1}})
	if !errors.Is(err, ErrCatalogInvalidVariant) {
		t.Fatalf("expected ErrCatalogInvalidVariant, got %v", err)
	}
}

func TestLoadSnapshotRejectsInsufficientVariantStock(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"p1": {ID: "p1", Name: "Throw", PriceCents: 45000, Active: true, HasVariants: true},
			}, nil
		},
		getVariantsFn: func(context.Context, []string) (map[string]domain.Variant, error) {
			return map[string]domain.Variant{
				"v1": {ID: "v1", ProductID: "p1", Active: true, StockQty: 3},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	_, err := svc.LoadSnapshot(context.Background(), []LineRef{{ProductID: "p1", VariantID: "v1", Quantity: 5}})
	if !errors.Is(err, ErrCatalogOutOfStock) {
		t.Fatalf("expected ErrCatalogOutOfStock, got %v", err)
	}
}

func TestLoadSnapshotSkipsProductStockForVariantProducts(t *testing.T) {
	repo := &stubCatalogRepository{
		getProductsFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				// Product-level stock is zero but meaningless for variant products.
				"p1": {ID: "p1", Name: "Throw", PriceCents: 45000, Active: true, HasVariants: true, StockQty: 0},
			}, nil
		},
	}
	svc := newTestCatalogService(t, repo)

	snapshots, err := svc.LoadSnapshot(context.Background(), []LineRef{{ProductID: "p1", Quantity: 2}})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snapshots[0].UnitPriceCents != 45000 {
		t.Fatalf("unexpected snapshot: %+v", snapshots[0])
	}
}

func TestLoadSnapshotValidatesInput(t *testing.T) {
	svc := newTestCatalogService(t, &stubCatalogRepository{})

	if _, err := svc.LoadSnapshot(context.Background(), nil); !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected ErrCatalogInvalidInput for empty refs, got %v", err)
	}
	_, err := svc.LoadSnapshot(context.Background(), []LineRef{{ProductID: "p1", Quantity: 0}})
	if !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected ErrCatalogInvalidInput for zero quantity, got %v", err)
	}
}
