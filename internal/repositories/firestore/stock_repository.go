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

	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
	"github.com/protea-commerce/api/internal/repositories"
)

const stockMovementsCollection = "stockMovements"

// StockRepository applies signed stock deltas against product and variant
// documents. The whole batch runs in one Firestore transaction with all reads
// before any write; a single row that would go negative fails everything.
type StockRepository struct {
	provider *pfirestore.Provider
}

func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	return &StockRepository{provider: provider}, nil
}

func (r *StockRepository) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (repositories.StockAdjustResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockAdjustResult{}, errors.New("stock repository not initialised")
	}
	if len(req.Deltas) == 0 {
		return repositories.StockAdjustResult{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: at least one delta is required", nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.StockAdjustResult{}, pfirestore.WrapError("stock.adjust", err)
	}

	var result repositories.StockAdjustResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type rowUpdate struct {
			ref   *firestore.DocumentRef
			key   string
			delta repositories.StockDelta
			next  int
		}

		// Firestore requires every read to happen before the first write,
		// which also gives the all-or-nothing check for free.
		updates := make([]rowUpdate, 0, len(req.Deltas))
		levels := make(map[string]int, len(req.Deltas))
		for _, delta := range req.Deltas {
			ref, key, err := stockRowRef(client, delta)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorRowNotFound, fmt.Sprintf("stock row %s not found", key), err)
				}
				return err
			}
			current, err := snap.DataAt("stockQty")
			if err != nil {
				return fmt.Errorf("read stockQty of %s: %w", key, err)
			}
			qty, ok := asInt(current)
			if !ok {
				return fmt.Errorf("stockQty of %s has unexpected type %T", key, current)
			}
			next := qty + delta.Delta
			if next < 0 {
				return repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("stock for %s would drop to %d", key, next), nil)
			}
			updates = append(updates, rowUpdate{ref: ref, key: key, delta: delta, next: next})
			levels[key] = next
		}

		for _, update := range updates {
			if err := tx.Update(update.ref, []firestore.Update{
				{Path: "stockQty", Value: update.next},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}

			movementRef := client.Collection(stockMovementsCollection).NewDoc()
			if err := tx.Create(movementRef, stockMovementDocument{
				ProductID:  update.delta.ProductID,
				VariantID:  update.delta.VariantID,
				Delta:      update.delta.Delta,
				ResultQty:  update.next,
				Reason:     strings.TrimSpace(req.Reason),
				Reference:  strings.TrimSpace(req.Reference),
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		result = repositories.StockAdjustResult{Levels: levels}
		return nil
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			if stockErr.Op == "" {
				stockErr.Op = "stock.adjust"
			}
			return repositories.StockAdjustResult{}, stockErr
		}
		return repositories.StockAdjustResult{}, pfirestore.WrapError("stock.adjust", err)
	}
	return result, nil
}

func stockRowRef(client *firestore.Client, delta repositories.StockDelta) (*firestore.DocumentRef, string, error) {
	productID := strings.TrimSpace(delta.ProductID)
	variantID := strings.TrimSpace(delta.VariantID)
	if productID == "" && variantID == "" {
		return nil, "", repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: product or variant id is required", nil)
	}
	if variantID != "" {
		return client.Collection(variantsCollection).Doc(variantID), productID + "/" + variantID, nil
	}
	return client.Collection(productsCollection).Doc(productID), productID, nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

type stockMovementDocument struct {
	ProductID  string    `firestore:"productId"`
	VariantID  string    `firestore:"variantId,omitempty"`
	Delta      int       `firestore:"delta"`
	ResultQty  int       `firestore:"resultQty"`
	Reason     string    `firestore:"reason,omitempty"`
	Reference  string    `firestore:"reference,omitempty"`
	OccurredAt time.Time `firestore:"occurredAt"`
}
