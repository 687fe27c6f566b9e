package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

const (
	eventStockDeduct  = "stock.deduct"
	eventStockRestore = "stock.restore"
	eventStockAdjust  = "stock.adjust"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockInsufficient indicates a deduction would take a row below zero.
	// The whole batch is rejected and nothing is applied.
	ErrStockInsufficient = errors.New("stock: insufficient stock")
	// ErrStockRowNotFound indicates a referenced product or variant has no stock row.
	ErrStockRowNotFound = errors.New("stock: row not found")
)

// StockServiceDeps bundles the collaborators required to construct the stock ledger.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Events StockEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	repo   repositories.StockRepository
	events StockEventPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stockService{
		repo:   deps.Stock,
		events: deps.Events,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Deduct removes quantities from the addressed rows. The repository applies
// the batch in one transaction and rejects it entirely if any row would go
// negative; the service only interprets that outcome.
func (s *stockService) Deduct(ctx context.Context, lines []StockLine, reason string, reference string) error {
	deltas, err := stockDeltas(lines, -1)
	if err != nil {
		return err
	}
	return s.apply(ctx, eventStockDeduct, deltas, reason, reference)
}

// Restore returns quantities to the addressed rows.
func (s *stockService) Restore(ctx context.Context, lines []StockLine, reason string, reference string) error {
	deltas, err := stockDeltas(lines, 1)
	if err != nil {
		return err
	}
	return s.apply(ctx, eventStockRestore, deltas, reason, reference)
}

// AdjustDelta applies the signed difference between an old and a new
// quantity for a single row. Used by invoice line edits, where only the
// change in quantity touches stock.
func (s *stockService) AdjustDelta(ctx context.Context, productID string, variantID string, oldQty int, newQty int, reason string, reference string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if oldQty < 0 || newQty < 0 {
		return fmt.Errorf("%w: quantities must not be negative", ErrStockInvalidInput)
	}
	delta := oldQty - newQty
	if delta == 0 {
		return nil
	}
	deltas := []repositories.StockDelta{{
		ProductID: productID,
		VariantID: strings.TrimSpace(variantID),
		Delta:     delta,
	}}
	return s.apply(ctx, eventStockAdjust, deltas, reason, reference)
}

func (s *stockService) apply(ctx context.Context, event string, deltas []repositories.StockDelta, reason string, reference string) error {
	now := s.clock()
	result, err := s.repo.Adjust(ctx, repositories.StockAdjustRequest{
		Deltas:    deltas,
		Reason:    strings.TrimSpace(reason),
		Reference: strings.TrimSpace(reference),
		Now:       now,
	})
	if err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, event, map[string]any{
		"reason":    reason,
		"reference": reference,
		"lines":     len(deltas),
		"levels":    result.Levels,
	})
	s.publishMovements(ctx, deltas, reason, reference, now)
	return nil
}

// publishMovements is best effort; a failed publish never fails the ledger
// operation that already committed.
func (s *stockService) publishMovements(ctx context.Context, deltas []repositories.StockDelta, reason string, reference string, now time.Time) {
	if s.events == nil {
		return
	}
	movements := make([]domain.StockMovement, 0, len(deltas))
	for _, delta := range deltas {
		movements = append(movements, domain.StockMovement{
			ProductID:  delta.ProductID,
			VariantID:  delta.VariantID,
			Delta:      delta.Delta,
			Reason:     reason,
			Reference:  reference,
			OccurredAt: now,
		})
	}
	if err := s.events.PublishStockMovements(ctx, movements); err != nil {
		s.logger(ctx, "stock.publish_failed", map[string]any{
			"error":     err.Error(),
			"reference": reference,
		})
	}
}

func (s *stockService) mapRepositoryError(err error) error {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrStockInsufficient, stockErr.Message)
		case repositories.StockErrorRowNotFound:
			return fmt.Errorf("%w: %s", ErrStockRowNotFound, stockErr.Message)
		}
	}
	return err
}

func stockDeltas(lines []StockLine, sign int) ([]repositories.StockDelta, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrStockInvalidInput)
	}
	deltas := make([]repositories.StockDelta, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", ErrStockInvalidInput)
		}
		deltas = append(deltas, repositories.StockDelta{
			ProductID: productID,
			VariantID: strings.TrimSpace(line.VariantID),
			Delta:     sign * line.Quantity,
		})
	}
	return deltas, nil
}
