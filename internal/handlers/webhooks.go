package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/protea-commerce/api/internal/payments"
	"github.com/protea-commerce/api/internal/platform/httpx"
	"github.com/protea-commerce/api/internal/services"
)

const maxWebhookBody = 64 * 1024

// WebhookHandlers receives payment provider callbacks. The Yoco endpoint
// verifies the svix-style signature before any payload field is trusted.
type WebhookHandlers struct {
	checkout services.CheckoutService
	verifier *payments.WebhookVerifier
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(checkout services.CheckoutService, verifier *payments.WebhookVerifier, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{checkout: checkout, verifier: verifier, logger: logger}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/yoco", h.yoco)
}

// yocoEvent is the subset of the webhook envelope the handler reads. The
// checkout id may arrive as the payload id or under metadata, depending on
// the event type.
type yocoEvent struct {
	Type    string `json:"type"`
	Payload struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"payload"`
}

func (h *WebhookHandlers) yoco(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil || h.verifier == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook handler unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook body", http.StatusBadRequest))
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		h.logger(ctx, "webhooks.yoco.signature_rejected", map[string]any{"error": err.Error()})
		switch {
		case errors.Is(err, payments.ErrWebhookSignatureMissing):
			httpx.WriteError(ctx, w, httpx.NewError("signature_missing", "webhook signature headers missing", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature rejected", http.StatusUnauthorized))
		}
		return
	}

	var event yocoEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed webhook payload", http.StatusBadRequest))
		return
	}

	eventType := strings.ToLower(strings.TrimSpace(event.Type))
	if !strings.HasPrefix(eventType, "payment.succeeded") && !strings.HasPrefix(eventType, "checkout.completed") {
		// Acknowledge everything else so the provider stops retrying.
		h.logger(ctx, "webhooks.yoco.ignored", map[string]any{"type": event.Type})
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	checkoutID := strings.TrimSpace(event.Payload.Metadata["checkoutId"])
	if checkoutID == "" {
		checkoutID = strings.TrimSpace(event.Payload.ID)
	}
	if checkoutID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload carries no checkout id", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.FinalizeByProviderCheckoutID(ctx, "yoco", checkoutID)
	if err != nil {
		h.logger(ctx, "webhooks.yoco.finalize_failed", map[string]any{
			"checkoutId": checkoutID,
			"error":      err.Error(),
		})
		writeCheckoutError(ctx, w, err)
		return
	}

	h.logger(ctx, "webhooks.yoco.finalized", map[string]any{
		"checkoutId":       checkoutID,
		"orderId":          result.OrderID,
		"alreadyCompleted": result.AlreadyCompleted,
	})
	writeJSONResponse(w, http.StatusOK, finalizeResponse{
		OrderID:          result.OrderID,
		Status:           string(result.Status),
		AlreadyCompleted: result.AlreadyCompleted,
	})
}
