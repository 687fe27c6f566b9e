package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

const (
	invoiceIDPrefix     = "inv_"
	invoiceLineIDPrefix = "ivl_"

	invoiceCounterID = "invoices"

	stockReasonInvoiceIssued    = "invoice_issued"
	stockReasonInvoiceCancelled = "invoice_cancelled"
	stockReasonInvoiceLineEdit  = "invoice_line_edit"
)

var (
	// ErrInvoiceInvalidInput indicates the caller supplied invalid arguments.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceNotFound indicates the invoice or invoice line does not exist.
	ErrInvoiceNotFound = errors.New("invoice: not found")
	// ErrInvoiceInvalidState indicates the operation is not allowed in the
	// invoice's current lifecycle state.
	ErrInvoiceInvalidState = errors.New("invoice: invalid state")
	// ErrInvoiceUnavailable indicates invoice storage is unreachable.
	ErrInvoiceUnavailable = errors.New("invoice: unavailable")
)

// InvoiceServiceDeps wires the collaborators of the invoice service.
type InvoiceServiceDeps struct {
	Invoices        repositories.InvoiceRepository
	Catalog         repositories.CatalogRepository
	Stock           StockService
	Counters        repositories.CounterRepository
	Archiver        InvoiceArchiver
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	invoices        repositories.InvoiceRepository
	catalog         repositories.CatalogRepository
	stock           StockService
	counters        repositories.CounterRepository
	archiver        InvoiceArchiver
	defaultCurrency string
	now             func() time.Time
	newID           func() string
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// NewInvoiceService constructs an InvoiceService validating required dependencies.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("invoice service: catalog repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("invoice service: stock service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("invoice service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "ZAR"
	}

	return &invoiceService{
		invoices:        deps.Invoices,
		catalog:         deps.Catalog,
		stock:           deps.Stock,
		counters:        deps.Counters,
		archiver:        deps.Archiver,
		defaultCurrency: currency,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *invoiceService) CreateDraft(ctx context.Context, cmd CreateInvoiceCommand) (Invoice, error) {
	if strings.TrimSpace(cmd.Customer.Email) == "" && strings.TrimSpace(cmd.CustomerID) == "" {
		return Invoice{}, fmt.Errorf("%w: customer email or customer id is required", ErrInvoiceInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := s.now()
	invoice := Invoice{
		ID:               invoiceIDPrefix + s.newID(),
		Status:           domain.InvoiceStatusDraft,
		CustomerID:       strings.TrimSpace(cmd.CustomerID),
		Customer:         trimContact(cmd.Customer),
		Currency:         currency,
		PaymentStatus:    domain.InvoicePaymentStatusUnpaid,
		FulfilmentStatus: domain.InvoiceFulfilmentStatusPending,
		Lines:            []InvoiceLine{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.invoices.Insert(ctx, invoice); err != nil {
		return Invoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	return s.load(ctx, invoiceID)
}

func (s *invoiceService) ListInvoices(ctx context.Context, filter repositories.InvoiceListFilter) (domain.CursorPage[Invoice], error) {
	page, err := s.invoices.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Invoice]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// AddLine appends a priced line. On draft invoices stock is only checked
// advisorily; on issued invoices the line's quantity is deducted first and an
// insufficiency fails the call with the invoice untouched.
func (s *invoiceService) AddLine(ctx context.Context, invoiceID string, cmd InvoiceLineCommand) (Invoice, error) {
	if cmd.Quantity < 1 {
		return Invoice{}, fmt.Errorf("%w: quantity must be at least 1", ErrInvoiceInvalidInput)
	}
	if strings.TrimSpace(cmd.ProductID) == "" {
		return Invoice{}, fmt.Errorf("%w: product id is required", ErrInvoiceInvalidInput)
	}

	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status == domain.InvoiceStatusCancelled {
		return Invoice{}, fmt.Errorf("%w: cancelled invoices are frozen", ErrInvoiceInvalidState)
	}

	line, err := s.resolveLine(ctx, cmd)
	if err != nil {
		return Invoice{}, err
	}

	if invoice.Status == domain.InvoiceStatusIssued {
		err := s.stock.Deduct(ctx, []StockLine{{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity}}, stockReasonInvoiceLineEdit, invoice.ID)
		if err != nil {
			return Invoice{}, err
		}
	}

	invoice.Lines = append(invoice.Lines, line)
	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) UpdateLine(ctx context.Context, invoiceID string, lineID string, cmd InvoiceLineUpdate) (Invoice, error) {
	if cmd.Quantity == nil && cmd.UnitPriceCents == nil {
		return Invoice{}, fmt.Errorf("%w: nothing to update", ErrInvoiceInvalidInput)
	}
	if cmd.Quantity != nil && *cmd.Quantity < 1 {
		return Invoice{}, fmt.Errorf("%w: quantity must be at least 1", ErrInvoiceInvalidInput)
	}
	if cmd.UnitPriceCents != nil && *cmd.UnitPriceCents < 0 {
		return Invoice{}, fmt.Errorf("%w: unit price must not be negative", ErrInvoiceInvalidInput)
	}

	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status == domain.InvoiceStatusCancelled {
		return Invoice{}, fmt.Errorf("%w: cancelled invoices are frozen", ErrInvoiceInvalidState)
	}

	idx := findInvoiceLine(invoice.Lines, lineID)
	if idx < 0 {
		return Invoice{}, fmt.Errorf("%w: line %s", ErrInvoiceNotFound, lineID)
	}
	line := invoice.Lines[idx]

	// Quantity changes on an issued invoice move stock by the delta before
	// the line is touched. Price edits never reach the ledger.
	if cmd.Quantity != nil && invoice.Status == domain.InvoiceStatusIssued && *cmd.Quantity != line.Quantity {
		err := s.stock.AdjustDelta(ctx, line.ProductID, line.VariantID, line.Quantity, *cmd.Quantity, stockReasonInvoiceLineEdit, invoice.ID)
		if err != nil {
			return Invoice{}, err
		}
	}

	if cmd.Quantity != nil {
		line.Quantity = *cmd.Quantity
	}
	if cmd.UnitPriceCents != nil {
		line.UnitPriceCents = *cmd.UnitPriceCents
	}
	lineTotal, err := domain.LineTotal(line.Quantity, line.UnitPriceCents)
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: %v", ErrInvoiceInvalidInput, err)
	}
	line.LineTotalCents = lineTotal
	invoice.Lines[idx] = line

	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) RemoveLine(ctx context.Context, invoiceID string, lineID string) (Invoice, error) {
	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status == domain.InvoiceStatusCancelled {
		return Invoice{}, fmt.Errorf("%w: cancelled invoices are frozen", ErrInvoiceInvalidState)
	}

	idx := findInvoiceLine(invoice.Lines, lineID)
	if idx < 0 {
		return Invoice{}, fmt.Errorf("%w: line %s", ErrInvoiceNotFound, lineID)
	}
	line := invoice.Lines[idx]

	if invoice.Status == domain.InvoiceStatusIssued {
		err := s.stock.Restore(ctx, []StockLine{{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity}}, stockReasonInvoiceLineEdit, invoice.ID)
		if err != nil {
			return Invoice{}, err
		}
	}

	invoice.Lines = append(invoice.Lines[:idx], invoice.Lines[idx+1:]...)
	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) SetCharges(ctx context.Context, invoiceID string, deliveryCents int64, discountCents int64) (Invoice, error) {
	if deliveryCents < 0 || discountCents < 0 {
		return Invoice{}, fmt.Errorf("%w: charges must not be negative", ErrInvoiceInvalidInput)
	}

	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status == domain.InvoiceStatusCancelled {
		return Invoice{}, fmt.Errorf("%w: cancelled invoices are frozen", ErrInvoiceInvalidState)
	}

	invoice.DeliveryCents = deliveryCents
	invoice.DiscountCents = discountCents
	return s.saveRecomputed(ctx, invoice)
}

// Issue transitions draft to issued. Stock for every line is deducted in one
// all-or-nothing ledger call; any shortfall leaves the invoice draft.
func (s *invoiceService) Issue(ctx context.Context, invoiceID string) (Invoice, error) {
	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		return Invoice{}, fmt.Errorf("%w: only draft invoices can be issued, got %s", ErrInvoiceInvalidState, invoice.Status)
	}
	if len(invoice.Lines) == 0 {
		return Invoice{}, fmt.Errorf("%w: an invoice needs at least one line to issue", ErrInvoiceInvalidState)
	}

	if err := s.stock.Deduct(ctx, invoiceStockLines(invoice.Lines), stockReasonInvoiceIssued, invoice.ID); err != nil {
		return Invoice{}, err
	}

	now := s.now()
	number, err := s.generateInvoiceNumber(ctx, now)
	if err != nil {
		return Invoice{}, err
	}

	invoice.Number = number
	invoice.Status = domain.InvoiceStatusIssued
	invoice.IssuedAt = &now

	issued, err := s.saveRecomputed(ctx, invoice)
	if err != nil {
		return Invoice{}, err
	}

	s.archiveInvoice(ctx, issued)
	return issued, nil
}

// Cancel transitions issued to cancelled, restoring stock for every line.
func (s *invoiceService) Cancel(ctx context.Context, invoiceID string) (Invoice, error) {
	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status != domain.InvoiceStatusIssued {
		return Invoice{}, fmt.Errorf("%w: only issued invoices can be cancelled, got %s", ErrInvoiceInvalidState, invoice.Status)
	}

	if err := s.stock.Restore(ctx, invoiceStockLines(invoice.Lines), stockReasonInvoiceCancelled, invoice.ID); err != nil {
		return Invoice{}, err
	}

	now := s.now()
	invoice.Status = domain.InvoiceStatusCancelled
	invoice.CancelledAt = &now
	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) MarkPaid(ctx context.Context, invoiceID string) (Invoice, error) {
	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status != domain.InvoiceStatusIssued {
		return Invoice{}, fmt.Errorf("%w: only issued invoices can be marked paid", ErrInvoiceInvalidState)
	}
	if invoice.PaymentStatus == domain.InvoicePaymentStatusPaid {
		return invoice, nil
	}
	invoice.PaymentStatus = domain.InvoicePaymentStatusPaid
	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) MarkDispatched(ctx context.Context, invoiceID string) (Invoice, error) {
	invoice, err := s.load(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status != domain.InvoiceStatusIssued {
		return Invoice{}, fmt.Errorf("%w: only issued invoices can be marked dispatched", ErrInvoiceInvalidState)
	}
	if invoice.FulfilmentStatus == domain.InvoiceFulfilmentStatusDispatched {
		return invoice, nil
	}
	invoice.FulfilmentStatus = domain.InvoiceFulfilmentStatusDispatched
	return s.saveRecomputed(ctx, invoice)
}

func (s *invoiceService) load(ctx context.Context, invoiceID string) (Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Invoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}
	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return Invoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

// resolveLine prices a new line, falling back to the current catalog price
// when no explicit unit price is supplied.
func (s *invoiceService) resolveLine(ctx context.Context, cmd InvoiceLineCommand) (InvoiceLine, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	variantID := strings.TrimSpace(cmd.VariantID)

	products, err := s.catalog.GetProducts(ctx, []string{productID})
	if err != nil {
		return InvoiceLine{}, s.mapRepositoryError(err)
	}
	product, ok := products[productID]
	if !ok {
		return InvoiceLine{}, fmt.Errorf("%w: unknown product %s", ErrInvoiceInvalidInput, productID)
	}

	line := InvoiceLine{
		ID:        invoiceLineIDPrefix + s.newID(),
		ProductID: productID,
		VariantID: variantID,
		Title:     product.Name,
		Quantity:  cmd.Quantity,
	}

	unitPrice := product.PriceCents
	availableStock := product.StockQty
	if variantID != "" {
		variants, err := s.catalog.GetVariants(ctx, []string{variantID})
		if err != nil {
			return InvoiceLine{}, s.mapRepositoryError(err)
		}
		variant, ok := variants[variantID]
		if !ok || variant.ProductID != productID {
			return InvoiceLine{}, fmt.Errorf("%w: unknown variant %s for product %s", ErrInvoiceInvalidInput, variantID, productID)
		}
		line.SKU = variant.SKU
		line.Attributes = cloneStringMap(variant.Attributes)
		if variant.Name != "" {
			line.Title = product.Name + " " + variant.Name
		}
		if variant.PriceCentsOverride != nil {
			unitPrice = *variant.PriceCentsOverride
		}
		availableStock = variant.StockQty
	}
	if cmd.UnitPriceCents != nil {
		unitPrice = *cmd.UnitPriceCents
	}
	if unitPrice < 0 {
		return InvoiceLine{}, fmt.Errorf("%w: unit price must not be negative", ErrInvoiceInvalidInput)
	}

	// Advisory only while drafting; the hard check happens at issue.
	if availableStock < cmd.Quantity {
		s.logger(ctx, "invoice.line_over_stock", map[string]any{
			"productId": productID,
			"variantId": variantID,
			"requested": cmd.Quantity,
			"available": availableStock,
		})
	}

	line.UnitPriceCents = unitPrice
	lineTotal, err := domain.LineTotal(line.Quantity, unitPrice)
	if err != nil {
		return InvoiceLine{}, fmt.Errorf("%w: %v", ErrInvoiceInvalidInput, err)
	}
	line.LineTotalCents = lineTotal
	return line, nil
}

func (s *invoiceService) saveRecomputed(ctx context.Context, invoice Invoice) (Invoice, error) {
	var subtotal int64
	for _, line := range invoice.Lines {
		subtotal += line.LineTotalCents
	}
	invoice.SubtotalCents = subtotal
	invoice.TotalCents = domain.OrderTotal(subtotal, invoice.DeliveryCents, invoice.DiscountCents)
	invoice.UpdatedAt = s.now()

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return Invoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

// archiveInvoice is best effort; a failed archive never fails the issue.
func (s *invoiceService) archiveInvoice(ctx context.Context, invoice Invoice) {
	if s.archiver == nil {
		return
	}
	ref, err := s.archiver.ArchiveInvoice(ctx, invoice)
	if err != nil {
		s.logger(ctx, "invoice.archive_failed", map[string]any{
			"invoiceId": invoice.ID,
			"error":     err.Error(),
		})
		return
	}
	s.logger(ctx, "invoice.archived", map[string]any{
		"invoiceId": invoice.ID,
		"ref":       ref,
	})
}

func (s *invoiceService) generateInvoiceNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, invoiceCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%04d-%06d", now.Year(), seq), nil
}

func (s *invoiceService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInvoiceNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
		}
	}
	return err
}

func findInvoiceLine(lines []InvoiceLine, lineID string) int {
	for i, line := range lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func invoiceStockLines(lines []InvoiceLine) []StockLine {
	stockLines := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		stockLines = append(stockLines, StockLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		})
	}
	return stockLines
}
