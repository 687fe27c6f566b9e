package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/protea-commerce/api/internal/platform/httpx"
	"github.com/protea-commerce/api/internal/services"
)

const maxInternalBody = 4 * 1024

// InternalHandlers serves the service-to-service surface. The group is
// mounted behind Google-signed OIDC tokens; callers are schedulers and other
// backend services, never shoppers.
type InternalHandlers struct {
	checkout services.CheckoutService
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewInternalHandlers constructs handlers for the internal route group.
func NewInternalHandlers(checkout services.CheckoutService, logger func(ctx context.Context, event string, fields map[string]any)) *InternalHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &InternalHandlers{checkout: checkout, logger: logger}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkouts/reconcile", h.reconcileCheckouts)
}

// reconcileRequest tunes a sweep. Both fields are optional; the scheduler
// usually POSTs an empty body and takes the defaults.
type reconcileRequest struct {
	MinAgeMinutes int `json:"minAgeMinutes"`
	Limit         int `json:"limit"`
}

type reconcileResponse struct {
	Scanned   int      `json:"scanned"`
	Finalized int      `json:"finalized"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	OrderIDs  []string `json:"orderIds,omitempty"`
}

func (h *InternalHandlers) reconcileCheckouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req reconcileRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInternalBody))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
			return
		}
	}
	if req.MinAgeMinutes < 0 || req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "minAgeMinutes and limit must not be negative", http.StatusBadRequest))
		return
	}

	report, err := h.checkout.ReconcileStaleCheckouts(ctx, services.ReconcileCommand{
		MinAge: time.Duration(req.MinAgeMinutes) * time.Minute,
		Limit:  req.Limit,
	})
	if err != nil {
		h.logger(ctx, "internal.reconcile_failed", map[string]any{"error": err.Error()})
		switch {
		case errors.Is(err, services.ErrCheckoutUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "checkout storage unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("internal_error", "reconciliation failed", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Scanned:   report.Scanned,
		Finalized: report.Finalized,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
		OrderIDs:  report.OrderIDs,
	})
}
