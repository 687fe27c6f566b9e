package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

type stubStockRepository struct {
	adjustFn func(ctx context.Context, req repositories.StockAdjustRequest) (repositories.StockAdjustResult, error)
	requests []repositories.StockAdjustRequest
}

func (s *stubStockRepository) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (repositories.StockAdjustResult, error) {
	s.requests = append(s.requests, req)
	if s.adjustFn != nil {
		return s.adjustFn(ctx, req)
	}
	return repositories.StockAdjustResult{}, nil
}

type captureStockPublisher struct {
	movements []domain.StockMovement
	err       error
}

func (p *captureStockPublisher) PublishStockMovements(_ context.Context, movements []domain.StockMovement) error {
	p.movements = append(p.movements, movements...)
	return p.err
}

func newTestStockService(t *testing.T, repo repositories.StockRepository, events StockEventPublisher) StockService {
	t.Helper()
	svc, err := NewStockService(StockServiceDeps{Stock: repo, Events: events})
	if err != nil {
		t.Fatalf("NewStockService: %v", err)
	}
	return svc
}

func TestStockDeductSendsNegativeDeltas(t *testing.T) {
	repo := &stubStockRepository{}
	events := &captureStockPublisher{}
	svc := newTestStockService(t, repo, events)

	err := svc.Deduct(context.Background(), []StockLine{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", VariantID: "v1", Quantity: 1},
	}, "order_paid", "ord_123")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	if len(repo.requests) != 1 {
		t.Fatalf("expected one batched request, got %d", len(repo.requests))
	}
	req := repo.requests[0]
	if req.Deltas[0].Delta != -2 || req.Deltas[1].Delta != -1 {
		t.Fatalf("unexpected deltas: %+v", req.Deltas)
	}
	if req.Reference != "ord_123" {
		t.Fatalf("reference = %q", req.Reference)
	}
	if len(events.movements) != 2 {
		t.Fatalf("expected 2 published movements, got %d", len(events.movements))
	}
}

func TestStockRestoreSendsPositiveDeltas(t *testing.T) {
	repo := &stubStockRepository{}
	svc := newTestStockService(t, repo, nil)

	if err := svc.Restore(context.Background(), []StockLine{{ProductID: "p1", Quantity: 3}}, "invoice_cancelled", "inv_1"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if repo.requests[0].Deltas[0].Delta != 3 {
		t.Fatalf("unexpected delta: %+v", repo.requests[0].Deltas)
	}
}

func TestStockDeductMapsInsufficientStock(t *testing.T) {
	repo := &stubStockRepository{
		adjustFn: func(context.Context, repositories.StockAdjustRequest) (repositories.StockAdjustResult, error) {
			return repositories.StockAdjustResult{}, repositories.NewStockError(repositories.StockErrorInsufficient, "variant v1 has 3", nil)
		},
	}
	svc := newTestStockService(t, repo, nil)

	err := svc.Deduct(context.Background(), []StockLine{{ProductID: "p1", VariantID: "v1", Quantity: 5}}, "order_paid", "ord_1")
	if !errors.Is(err, ErrStockInsufficient) {
		t.Fatalf("expected ErrStockInsufficient, got %v", err)
	}
}

func TestStockAdjustDelta(t *testing.T) {
	repo := &stubStockRepository{}
	svc := newTestStockService(t, repo, nil)

	// Quantity increased from 2 to 5: three more units leave stock.
	if err := svc.AdjustDelta(context.Background(), "p1", "", 2, 5, "invoice_line_edit", "inv_1"); err != nil {
		t.Fatalf("AdjustDelta: %v", err)
	}
	if repo.requests[0].Deltas[0].Delta != -3 {
		t.Fatalf("expected delta -3, got %d", repo.requests[0].Deltas[0].Delta)
	}

	// Quantity reduced from 5 to 2: three units return.
	if err := svc.AdjustDelta(context.Background(), "p1", "", 5, 2, "invoice_line_edit", "inv_1"); err != nil {
		t.Fatalf("AdjustDelta: %v", err)
	}
	if repo.requests[1].Deltas[0].Delta != 3 {
		t.Fatalf("expected delta 3, got %d", repo.requests[1].Deltas[0].Delta)
	}

	// No change, no repository call.
	if err := svc.AdjustDelta(context.Background(), "p1", "", 4, 4, "invoice_line_edit", "inv_1"); err != nil {
		t.Fatalf("AdjustDelta: %v", err)
	}
	if len(repo.requests) != 2 {
		t.Fatalf("expected no request for zero delta, got %d", len(repo.requests))
	}
}

func TestStockPublishFailureDoesNotFailOperation(t *testing.T) {
	repo := &stubStockRepository{}
	events := &captureStockPublisher{err: errors.New("pubsub down")}
	svc := newTestStockService(t, repo, events)

	if err := svc.Deduct(context.Background(), []StockLine{{ProductID: "p1", Quantity: 1}}, "order_paid", "ord_1"); err != nil {
		t.Fatalf("Deduct should swallow publish errors, got %v", err)
	}
}

func TestStockValidatesInput(t *testing.T) {
	svc := newTestStockService(t, &stubStockRepository{}, nil)

	if err := svc.Deduct(context.Background(), nil, "r", "ref"); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
	err := svc.Deduct(context.Background(), []StockLine{{ProductID: "", Quantity: 1}}, "r", "ref")
	if !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
	err = svc.AdjustDelta(context.Background(), "p1", "", -1, 2, "r", "ref")
	if !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected ErrStockInvalidInput, got %v", err)
	}
}
