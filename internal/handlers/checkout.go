package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/protea-commerce/api/internal/platform/httpx"
	"github.com/protea-commerce/api/internal/services"
)

const (
	maxCheckoutRequestBody = 16 * 1024
	checkoutRateLimit      = 20
	checkoutRateWindow     = time.Minute
)

// CheckoutHandlers exposes the storefront purchase endpoints. They are
// unauthenticated; guest checkout is the primary flow.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	limiter  rateLimiter
}

// NewCheckoutHandlers constructs checkout handlers with a per-client rate limit.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		limiter:  newSimpleRateLimiter(checkoutRateLimit, checkoutRateWindow, nil),
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/bank-transfer", h.createBankTransferOrder)
	r.Post("/card", h.startCardCheckout)
	r.Post("/{pendingCheckoutID}/finalize", h.finalizeCheckout)
}

type checkoutCustomerPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type checkoutAddressPayload struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type checkoutItemPayload struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	Customer   checkoutCustomerPayload `json:"customer"`
	Address    checkoutAddressPayload  `json:"address"`
	Items      []checkoutItemPayload   `json:"items"`
	CouponCode string                  `json:"couponCode"`
}

type cardCheckoutRequest struct {
	checkoutRequest
	Provider   string `json:"provider"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
	FailureURL string `json:"failureUrl"`
}

type orderCreatedResponse struct {
	Order orderPayload `json:"order"`
}

type cardCheckoutResponse struct {
	PendingCheckoutID string `json:"pendingCheckoutId"`
	CheckoutID        string `json:"checkoutId"`
	RedirectURL       string `json:"redirectUrl"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
}

type finalizeResponse struct {
	OrderID          string `json:"orderId,omitempty"`
	Status           string `json:"status"`
	AlreadyCompleted bool   `json:"alreadyCompleted"`
}

func (req checkoutRequest) toCommand() services.CheckoutCommand {
	items := make([]services.LineRef, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.LineRef{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			Quantity:  item.Quantity,
		})
	}
	return services.CheckoutCommand{
		Customer: services.CustomerContact{
			Email: strings.TrimSpace(req.Customer.Email),
			Name:  strings.TrimSpace(req.Customer.Name),
			Phone: strings.TrimSpace(req.Customer.Phone),
		},
		ShippingAddress: services.Address{
			Line1:      strings.TrimSpace(req.Address.Line1),
			Line2:      strings.TrimSpace(req.Address.Line2),
			City:       strings.TrimSpace(req.Address.City),
			Province:   strings.TrimSpace(req.Address.Province),
			PostalCode: strings.TrimSpace(req.Address.PostalCode),
			Country:    strings.TrimSpace(req.Address.Country),
		},
		Items:      items,
		CouponCode: strings.TrimSpace(req.CouponCode),
	}
}

func (h *CheckoutHandlers) createBankTransferOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !h.allow(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	order, err := h.checkout.CreateBankTransferOrder(ctx, req.toCommand())
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderCreatedResponse{Order: buildOrderPayload(order)})
}

func (h *CheckoutHandlers) startCardCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !h.allow(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
		return
	}

	var req cardCheckoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	cmd := services.CardCheckoutCommand{
		CheckoutCommand: req.toCommand(),
		Provider:        strings.TrimSpace(req.Provider),
		SuccessURL:      strings.TrimSpace(req.SuccessURL),
		CancelURL:       strings.TrimSpace(req.CancelURL),
		FailureURL:      strings.TrimSpace(req.FailureURL),
	}

	session, err := h.checkout.StartCardCheckout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, cardCheckoutResponse{
		PendingCheckoutID: session.PendingCheckoutID,
		CheckoutID:        session.CheckoutID,
		RedirectURL:       session.RedirectURL,
		AmountCents:       session.AmountCents,
		Currency:          session.Currency,
	})
}

func (h *CheckoutHandlers) finalizeCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	pendingCheckoutID := strings.TrimSpace(chi.URLParam(r, "pendingCheckoutID"))
	if pendingCheckoutID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pending checkout id is required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.FinalizeCheckout(ctx, pendingCheckoutID)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, finalizeResponse{
		OrderID:          result.OrderID,
		Status:           string(result.Status),
		AlreadyCompleted: result.AlreadyCompleted,
	})
}

func (h *CheckoutHandlers) allow(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(r.RemoteAddr)
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput), errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCatalogInvalidVariant):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_variant", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponNotApplicable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_applicable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCatalogOutOfStock), errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutNoCheckoutID):
		httpx.WriteError(ctx, w, httpx.NewError("no_checkout_id", "pending checkout has no provider checkout id", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutExpired):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_expired", "pending checkout has expired", http.StatusGone))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "pending checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable), errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "failed to process checkout request", http.StatusInternalServerError))
	}
}
