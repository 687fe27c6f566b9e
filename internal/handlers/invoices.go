package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/platform/httpx"
	"github.com/protea-commerce/api/internal/repositories"
	"github.com/protea-commerce/api/internal/services"
)

const maxInvoiceRequestBody = 16 * 1024

// InvoiceHandlers exposes the admin invoice endpoints.
type InvoiceHandlers struct {
	invoices services.InvoiceService
}

// NewInvoiceHandlers constructs invoice handlers.
func NewInvoiceHandlers(invoices services.InvoiceService) *InvoiceHandlers {
	return &InvoiceHandlers{invoices: invoices}
}

// Routes registers invoice endpoints under the provided router, typically
// the /admin group.
func (h *InvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/invoices", h.createDraft)
	r.Get("/invoices", h.listInvoices)
	r.Get("/invoices/{invoiceID}", h.getInvoice)
	r.Post("/invoices/{invoiceID}/lines", h.addLine)
	r.Patch("/invoices/{invoiceID}/lines/{lineID}", h.updateLine)
	r.Delete("/invoices/{invoiceID}/lines/{lineID}", h.removeLine)
	r.Post("/invoices/{invoiceID}/charges", h.setCharges)
	r.Post("/invoices/{invoiceID}/issue", h.issue)
	r.Post("/invoices/{invoiceID}/cancel", h.cancel)
	r.Post("/invoices/{invoiceID}/mark-paid", h.markPaid)
	r.Post("/invoices/{invoiceID}/mark-dispatched", h.markDispatched)
}

type createInvoiceRequest struct {
	CustomerID string                  `json:"customerId"`
	Customer   checkoutCustomerPayload `json:"customer"`
	Currency   string                  `json:"currency"`
}

type invoiceLineRequest struct {
	ProductID      string `json:"productId"`
	VariantID      string `json:"variantId"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents *int64 `json:"unitPriceCents"`
}

type invoiceLineUpdateRequest struct {
	Quantity       *int   `json:"quantity"`
	UnitPriceCents *int64 `json:"unitPriceCents"`
}

type invoiceChargesRequest struct {
	DeliveryCents int64 `json:"deliveryCents"`
	DiscountCents int64 `json:"discountCents"`
}

type invoiceResponse struct {
	Invoice invoicePayload `json:"invoice"`
}

type invoiceListResponse struct {
	Items         []invoiceSummaryPayload `json:"items"`
	NextPageToken string                  `json:"nextPageToken,omitempty"`
}

type invoiceSummaryPayload struct {
	ID            string `json:"id"`
	Number        string `json:"number,omitempty"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Currency      string `json:"currency"`
	TotalCents    int64  `json:"totalCents"`
	CreatedAt     string `json:"createdAt"`
}

type invoicePayload struct {
	ID               string                  `json:"id"`
	Number           string                  `json:"number,omitempty"`
	Status           string                  `json:"status"`
	PaymentStatus    string                  `json:"paymentStatus"`
	FulfilmentStatus string                  `json:"fulfilmentStatus"`
	CustomerID       string                  `json:"customerId,omitempty"`
	Customer         checkoutCustomerPayload `json:"customer"`
	Currency         string                  `json:"currency"`
	SubtotalCents    int64                   `json:"subtotalCents"`
	DiscountCents    int64                   `json:"discountCents"`
	DeliveryCents    int64                   `json:"deliveryCents"`
	TotalCents       int64                   `json:"totalCents"`
	Lines            []invoiceLinePayload    `json:"lines"`
	IssuedAt         string                  `json:"issuedAt,omitempty"`
	CancelledAt      string                  `json:"cancelledAt,omitempty"`
	CreatedAt        string                  `json:"createdAt"`
	UpdatedAt        string                  `json:"updatedAt,omitempty"`
}

type invoiceLinePayload struct {
	ID             string            `json:"id"`
	ProductID      string            `json:"productId"`
	VariantID      string            `json:"variantId,omitempty"`
	SKU            string            `json:"sku,omitempty"`
	Title          string            `json:"title"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Quantity       int               `json:"quantity"`
	UnitPriceCents int64             `json:"unitPriceCents"`
	LineTotalCents int64             `json:"lineTotalCents"`
}

func (h *InvoiceHandlers) createDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	var req createInvoiceRequest
	if !decodeJSONBody(w, r, maxInvoiceRequestBody, &req) {
		return
	}

	invoice, err := h.invoices.CreateDraft(ctx, services.CreateInvoiceCommand{
		CustomerID: strings.TrimSpace(req.CustomerID),
		Customer: services.CustomerContact{
			Email: strings.TrimSpace(req.Customer.Email),
			Name:  strings.TrimSpace(req.Customer.Name),
			Phone: strings.TrimSpace(req.Customer.Phone),
		},
		Currency: strings.TrimSpace(req.Currency),
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) listInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	pagination, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var statuses []domain.InvoiceStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, value := range strings.Split(raw, ",") {
			if value = strings.TrimSpace(value); value != "" {
				statuses = append(statuses, domain.InvoiceStatus(value))
			}
		}
	}

	page, err := h.invoices.ListInvoices(ctx, repositories.InvoiceListFilter{
		Status:     statuses,
		Pagination: pagination,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	items := make([]invoiceSummaryPayload, 0, len(page.Items))
	for _, invoice := range page.Items {
		items = append(items, invoiceSummaryPayload{
			ID:            invoice.ID,
			Number:        invoice.Number,
			Status:        string(invoice.Status),
			PaymentStatus: string(invoice.PaymentStatus),
			Currency:      invoice.Currency,
			TotalCents:    invoice.TotalCents,
			CreatedAt:     formatTime(invoice.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, invoiceListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *InvoiceHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}

	invoice, err := h.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}

	var req invoiceLineRequest
	if !decodeJSONBody(w, r, maxInvoiceRequestBody, &req) {
		return
	}

	invoice, err := h.invoices.AddLine(ctx, invoiceID, services.InvoiceLineCommand{
		ProductID:      strings.TrimSpace(req.ProductID),
		VariantID:      strings.TrimSpace(req.VariantID),
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPriceCents,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) updateLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}
	lineID := strings.TrimSpace(chi.URLParam(r, "lineID"))
	if lineID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "line id is required", http.StatusBadRequest))
		return
	}

	var req invoiceLineUpdateRequest
	if !decodeJSONBody(w, r, maxInvoiceRequestBody, &req) {
		return
	}

	invoice, err := h.invoices.UpdateLine(ctx, invoiceID, lineID, services.InvoiceLineUpdate{
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPriceCents,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}
	lineID := strings.TrimSpace(chi.URLParam(r, "lineID"))
	if lineID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "line id is required", http.StatusBadRequest))
		return
	}

	invoice, err := h.invoices.RemoveLine(ctx, invoiceID, lineID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) setCharges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}

	var req invoiceChargesRequest
	if !decodeJSONBody(w, r, maxInvoiceRequestBody, &req) {
		return
	}

	invoice, err := h.invoices.SetCharges(ctx, invoiceID, req.DeliveryCents, req.DiscountCents)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) issue(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.invoices.Issue)
}

func (h *InvoiceHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.invoices.Cancel)
}

func (h *InvoiceHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.invoices.MarkPaid)
}

func (h *InvoiceHandlers) markDispatched(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.invoices.MarkDispatched)
}

func (h *InvoiceHandlers) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (services.Invoice, error)) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	invoiceID, ok := h.invoiceID(ctx, w, r)
	if !ok {
		return
	}

	invoice, err := op(ctx, invoiceID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *InvoiceHandlers) invoiceID(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return "", false
	}
	return invoiceID, true
}

func buildInvoicePayload(invoice services.Invoice) invoicePayload {
	lines := make([]invoiceLinePayload, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		lines = append(lines, invoiceLinePayload{
			ID:             line.ID,
			ProductID:      line.ProductID,
			VariantID:      line.VariantID,
			SKU:            line.SKU,
			Title:          line.Title,
			Attributes:     line.Attributes,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.LineTotalCents,
		})
	}
	return invoicePayload{
		ID:               invoice.ID,
		Number:           invoice.Number,
		Status:           string(invoice.Status),
		PaymentStatus:    string(invoice.PaymentStatus),
		FulfilmentStatus: string(invoice.FulfilmentStatus),
		CustomerID:       invoice.CustomerID,
		Customer: checkoutCustomerPayload{
			Email: invoice.Customer.Email,
			Name:  invoice.Customer.Name,
			Phone: invoice.Customer.Phone,
		},
		Currency:      invoice.Currency,
		SubtotalCents: invoice.SubtotalCents,
		DiscountCents: invoice.DiscountCents,
		DeliveryCents: invoice.DeliveryCents,
		TotalCents:    invoice.TotalCents,
		Lines:         lines,
		IssuedAt:      formatTimePtr(invoice.IssuedAt),
		CancelledAt:   formatTimePtr(invoice.CancelledAt),
		CreatedAt:     formatTime(invoice.CreatedAt),
		UpdatedAt:     formatTime(invoice.UpdatedAt),
	}
}

func writeInvoiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInvoiceInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCatalogInvalidVariant):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_variant", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "invoice not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvoiceInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvoiceUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "failed to process invoice request", http.StatusInternalServerError))
	}
}
