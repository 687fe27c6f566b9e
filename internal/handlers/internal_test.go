package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/protea-commerce/api/internal/services"
)

func newInternalRouter(service services.CheckoutService) chi.Router {
	handler := NewInternalHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/internal", handler.Routes)
	return router
}

func TestReconcileCheckoutsForwardsTuning(t *testing.T) {
	var got services.ReconcileCommand
	service := &stubCheckoutService{
		reconcileFn: func(_ context.Context, cmd services.ReconcileCommand) (services.ReconcileReport, error) {
			got = cmd
			return services.ReconcileReport{Scanned: 3, Finalized: 1, Skipped: 2, OrderIDs: []string{"PC-2025-000042"}}, nil
		},
	}
	router := newInternalRouter(service)

	body, _ := json.Marshal(reconcileRequest{MinAgeMinutes: 30, Limit: 10})
	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got.MinAge != 30*time.Minute || got.Limit != 10 {
		t.Fatalf("command = %+v", got)
	}

	var resp reconcileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Scanned != 3 || resp.Finalized != 1 || resp.Skipped != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.OrderIDs) != 1 || resp.OrderIDs[0] != "PC-2025-000042" {
		t.Fatalf("order ids = %v", resp.OrderIDs)
	}
}

func TestReconcileCheckoutsEmptyBodyUsesDefaults(t *testing.T) {
	var got services.ReconcileCommand
	service := &stubCheckoutService{
		reconcileFn: func(_ context.Context, cmd services.ReconcileCommand) (services.ReconcileReport, error) {
			got = cmd
			return services.ReconcileReport{}, nil
		},
	}
	router := newInternalRouter(service)

	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got.MinAge != 0 || got.Limit != 0 {
		t.Fatalf("command = %+v, want zero values", got)
	}
}

func TestReconcileCheckoutsRejectsNegativeTuning(t *testing.T) {
	called := false
	service := &stubCheckoutService{
		reconcileFn: func(context.Context, services.ReconcileCommand) (services.ReconcileReport, error) {
			called = true
			return services.ReconcileReport{}, nil
		},
	}
	router := newInternalRouter(service)

	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", bytes.NewReader([]byte(`{"limit":-5}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if called {
		t.Fatalf("reconcile ran despite invalid tuning")
	}
}

func TestReconcileCheckoutsMapsUnavailable(t *testing.T) {
	service := &stubCheckoutService{
		reconcileFn: func(context.Context, services.ReconcileCommand) (services.ReconcileReport, error) {
			return services.ReconcileReport{}, services.ErrCheckoutUnavailable
		},
	}
	router := newInternalRouter(service)

	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestReconcileCheckoutsWithoutService(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/internal", NewInternalHandlers(nil, nil).Routes)

	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
