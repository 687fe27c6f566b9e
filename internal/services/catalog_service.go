package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

var (
	// ErrCatalogInvalidInput signals a malformed snapshot request.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogInvalidProduct indicates a referenced product is missing or inactive.
	ErrCatalogInvalidProduct = errors.New("catalog: invalid product")
	// ErrCatalogInvalidVariant indicates a referenced variant is missing, inactive,
	// or does not belong to the referenced product.
	ErrCatalogInvalidVariant = errors.New("catalog: invalid variant")
	// ErrCatalogOutOfStock indicates a requested quantity exceeds current stock.
	ErrCatalogOutOfStock = errors.New("catalog: out of stock")
	// ErrCatalogUnavailable indicates the catalog store could not be reached.
	ErrCatalogUnavailable = errors.New("catalog: store unavailable")
)

// CatalogServiceDeps bundles the collaborators required to construct a catalog service.
type CatalogServiceDeps struct {
	Catalog repositories.CatalogRepository
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	repo   repositories.CatalogRepository
	logger func(context.Context, string, map[string]any)
}

// NewCatalogService wires dependencies into a concrete CatalogService implementation.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: catalog repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{repo: deps.Catalog, logger: logger}, nil
}

// LoadSnapshot prices a batch of line references against the live catalog.
// Any invalid line fails the whole batch; callers never receive a partially
// valid cart.
func (s *catalogService) LoadSnapshot(ctx context.Context, refs []LineRef) ([]LineSnapshot, error) {
	lines, err := normaliseLineRefs(refs)
	if err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(lines))
	variantIDs := make([]string, 0, len(lines))
	seenProducts := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seenProducts[line.ProductID]; !ok {
			seenProducts[line.ProductID] = struct{}{}
			productIDs = append(productIDs, line.ProductID)
		}
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}

	products, err := s.repo.GetProducts(ctx, productIDs)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	var variants map[string]domain.Variant
	if len(variantIDs) > 0 {
		variants, err = s.repo.GetVariants(ctx, variantIDs)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}
	}

	snapshots := make([]LineSnapshot, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: %s", ErrCatalogInvalidProduct, line.ProductID)
		}

		snapshot := LineSnapshot{
			ProductID:      product.ID,
			Title:          product.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
		}

		if line.VariantID != "" {
			variant, ok := variants[line.VariantID]
			if !ok || !variant.Active {
				return nil, fmt.Errorf("%w: %s", ErrCatalogInvalidVariant, line.VariantID)
			}
			// A variant whose owning product differs from the requested one
			// signals tampered or stale client state, never a fallback.
			if variant.ProductID != product.ID {
				return nil, fmt.Errorf("%w: %s does not belong to product %s", ErrCatalogInvalidVariant, variant.ID, product.ID)
			}
			if variant.StockQty < line.Quantity {
				return nil, fmt.Errorf("%w: variant %s has %d, requested %d", ErrCatalogOutOfStock, variant.ID, variant.StockQty, line.Quantity)
			}
			snapshot.VariantID = variant.ID
			snapshot.SKU = variant.SKU
			snapshot.Attributes = cloneStringMap(variant.Attributes)
			if variant.PriceCentsOverride != nil {
				snapshot.UnitPriceCents = *variant.PriceCentsOverride
			}
		} else if !product.HasVariants {
			// Product-level stock only exists for variant-less products.
			if product.StockQty < line.Quantity {
				return nil, fmt.Errorf("%w: product %s has %d, requested %d", ErrCatalogOutOfStock, product.ID, product.StockQty, line.Quantity)
			}
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[Product], error) {
	page, err := s.repo.ListProducts(ctx, filter)
	if err != nil {
		return domain.CursorPage[Product]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *catalogService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return err
}

// normaliseLineRefs trims identifiers, validates quantities, and merges
// duplicate (product, variant) pairs by summing their quantities. Order of
// first occurrence is preserved.
func normaliseLineRefs(refs []LineRef) ([]LineRef, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrCatalogInvalidInput)
	}

	merged := make([]LineRef, 0, len(refs))
	index := make(map[string]int, len(refs))
	for _, ref := range refs {
		productID := strings.TrimSpace(ref.ProductID)
		variantID := strings.TrimSpace(ref.VariantID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
		}
		if ref.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", ErrCatalogInvalidInput)
		}
		key := productID + "\x00" + variantID
		if pos, ok := index[key]; ok {
			merged[pos].Quantity += ref.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, LineRef{ProductID: productID, VariantID: variantID, Quantity: ref.Quantity})
	}
	return merged, nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
