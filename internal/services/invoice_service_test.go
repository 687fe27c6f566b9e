package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

type stubInvoiceRepository struct {
	invoices map[string]domain.Invoice

	insertErr error
	updateErr error
}

func newStubInvoiceRepository(invoices ...domain.Invoice) *stubInvoiceRepository {
	repo := &stubInvoiceRepository{invoices: map[string]domain.Invoice{}}
	for _, invoice := range invoices {
		repo.invoices[invoice.ID] = invoice
	}
	return repo
}

func (s *stubInvoiceRepository) Insert(_ context.Context, invoice domain.Invoice) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.invoices[invoice.ID] = invoice
	return nil
}

func (s *stubInvoiceRepository) Update(_ context.Context, invoice domain.Invoice) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.invoices[invoice.ID]; !ok {
		return notFoundRepositoryError{}
	}
	s.invoices[invoice.ID] = invoice
	return nil
}

func (s *stubInvoiceRepository) FindByID(_ context.Context, invoiceID string) (domain.Invoice, error) {
	invoice, ok := s.invoices[invoiceID]
	if !ok {
		return domain.Invoice{}, notFoundRepositoryError{}
	}
	return invoice, nil
}

func (s *stubInvoiceRepository) List(context.Context, repositories.InvoiceListFilter) (domain.CursorPage[domain.Invoice], error) {
	return domain.CursorPage[domain.Invoice]{}, nil
}

type captureInvoiceArchiver struct {
	archived []domain.Invoice
	err      error
}

func (c *captureInvoiceArchiver) ArchiveInvoice(_ context.Context, invoice domain.Invoice) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.archived = append(c.archived, invoice)
	return "invoices/" + invoice.ID + ".json", nil
}

var invoiceTestClock = func() time.Time {
	return time.Date(2025, 7, 10, 8, 0, 0, 0, time.UTC)
}

func invoiceTestCatalog() *stubCatalogRepository {
	return &stubCatalogRepository{
		getProductsFn: func(_ context.Context, ids []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				"prd_1": {ID: "prd_1", Name: "Rooibos Tin", PriceCents: 1500, Active: true, StockQty: 10},
			}, nil
		},
		getVariantsFn: func(_ context.Context, ids []string) (map[string]domain.Variant, error) {
			return map[string]domain.Variant{
				"var_1": {ID: "var_1", ProductID: "prd_1", SKU: "RT-500", Name: "500g", PriceCentsOverride: int64Ptr(2500), StockQty: 4},
			}, nil
		},
	}
}

func newInvoiceFixture(t *testing.T, repo *stubInvoiceRepository) (InvoiceServiceDeps, *stubStockService) {
	t.Helper()
	stock := &stubStockService{}
	return InvoiceServiceDeps{
		Invoices:    repo,
		Catalog:     invoiceTestCatalog(),
		Stock:       stock,
		Counters:    &stubCounterRepository{},
		Clock:       invoiceTestClock,
		IDGenerator: func() string { return "01TESTULID" },
	}, stock
}

func draftInvoice(lines ...domain.InvoiceLine) domain.Invoice {
	return domain.Invoice{
		ID:               "inv_1",
		Status:           domain.InvoiceStatusDraft,
		Customer:         domain.CustomerContact{Email: "admin@example.com"},
		Currency:         "ZAR",
		PaymentStatus:    domain.InvoicePaymentStatusUnpaid,
		FulfilmentStatus: domain.InvoiceFulfilmentStatusPending,
		Lines:            lines,
	}
}

func issuedInvoice(lines ...domain.InvoiceLine) domain.Invoice {
	invoice := draftInvoice(lines...)
	invoice.Status = domain.InvoiceStatusIssued
	issuedAt := invoiceTestClock().Add(-time.Hour)
	invoice.IssuedAt = &issuedAt
	return invoice
}

func rooibosLine(quantity int) domain.InvoiceLine {
	return domain.InvoiceLine{
		ID:             "ivl_1",
		ProductID:      "prd_1",
		Quantity:       quantity,
		UnitPriceCents: 1500,
		LineTotalCents: int64(quantity) * 1500,
	}
}

func newTestInvoiceService(t *testing.T, deps InvoiceServiceDeps) InvoiceService {
	t.Helper()
	svc, err := NewInvoiceService(deps)
	if err != nil {
		t.Fatalf("NewInvoiceService: %v", err)
	}
	return svc
}

func TestAddLineCapturesCatalogPrice(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice())
	deps, stock := newInvoiceFixture(t, repo)
	stock.deductFn = func(context.Context, []StockLine, string, string) error {
		t.Fatalf("stock touched while drafting")
		return nil
	}
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.AddLine(context.Background(), "inv_1", InvoiceLineCommand{
		ProductID: "prd_1",
		VariantID: "var_1",
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}

	if len(invoice.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(invoice.Lines))
	}
	line := invoice.Lines[0]
	if line.UnitPriceCents != 2500 {
		t.Fatalf("unit price = %d, want variant override 2500", line.UnitPriceCents)
	}
	if line.SKU != "RT-500" || line.Title != "Rooibos Tin 500g" {
		t.Fatalf("line snapshot = %+v", line)
	}
	if invoice.SubtotalCents != 5000 || invoice.TotalCents != 5000 {
		t.Fatalf("subtotal = %d total = %d", invoice.SubtotalCents, invoice.TotalCents)
	}
}

func TestAddLineHonoursExplicitPrice(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice())
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.AddLine(context.Background(), "inv_1", InvoiceLineCommand{
		ProductID:      "prd_1",
		Quantity:       3,
		UnitPriceCents: int64Ptr(1000),
	})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if invoice.Lines[0].UnitPriceCents != 1000 || invoice.Lines[0].LineTotalCents != 3000 {
		t.Fatalf("line = %+v", invoice.Lines[0])
	}
}

func TestSetChargesAppliesTotalFloor(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(rooibosLine(1)))
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.SetCharges(context.Background(), "inv_1", 500, 99999)
	if err != nil {
		t.Fatalf("SetCharges: %v", err)
	}
	if invoice.SubtotalCents != 1500 {
		t.Fatalf("subtotal = %d", invoice.SubtotalCents)
	}
	if invoice.TotalCents != 0 {
		t.Fatalf("total = %d, want floor at 0", invoice.TotalCents)
	}
}

func TestIssueDeductsStockAndAssignsNumber(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(rooibosLine(2)))
	deps, stock := newInvoiceFixture(t, repo)

	var deducted []StockLine
	stock.deductFn = func(_ context.Context, lines []StockLine, reason string, reference string) error {
		if reason != "invoice_issued" || reference != "inv_1" {
			t.Fatalf("deduct reason = %q ref = %q", reason, reference)
		}
		deducted = lines
		return nil
	}
	archiver := &captureInvoiceArchiver{}
	deps.Archiver = archiver
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.Issue(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if invoice.Status != domain.InvoiceStatusIssued {
		t.Fatalf("status = %q", invoice.Status)
	}
	if invoice.Number != "INV-2025-000001" {
		t.Fatalf("number = %q", invoice.Number)
	}
	if invoice.IssuedAt == nil || !invoice.IssuedAt.Equal(invoiceTestClock()) {
		t.Fatalf("issued at = %v", invoice.IssuedAt)
	}
	if len(deducted) != 1 || deducted[0].Quantity != 2 {
		t.Fatalf("deducted = %+v", deducted)
	}
	if len(archiver.archived) != 1 {
		t.Fatalf("archived = %d, want 1", len(archiver.archived))
	}
}

func TestIssueRequiresDraftWithLines(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(), issuedInvoice(rooibosLine(1)))
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	if _, err := svc.Issue(context.Background(), "inv_1"); !errors.Is(err, ErrInvoiceInvalidState) {
		t.Fatalf("empty draft err = %v, want ErrInvoiceInvalidState", err)
	}
}

func TestIssueLeavesDraftOnStockShortfall(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(rooibosLine(50)))
	deps, stock := newInvoiceFixture(t, repo)
	stock.deductFn = func(context.Context, []StockLine, string, string) error {
		return ErrStockInsufficient
	}
	svc := newTestInvoiceService(t, deps)

	if _, err := svc.Issue(context.Background(), "inv_1"); !errors.Is(err, ErrStockInsufficient) {
		t.Fatalf("err = %v, want ErrStockInsufficient", err)
	}

	current, err := svc.GetInvoice(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if current.Status != domain.InvoiceStatusDraft || current.Number != "" {
		t.Fatalf("invoice mutated on failed issue: %+v", current)
	}
}

func TestIssueFailsAfterArchiverError(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(rooibosLine(1)))
	deps, _ := newInvoiceFixture(t, repo)
	deps.Archiver = &captureInvoiceArchiver{err: errors.New("bucket down")}
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.Issue(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("Issue should succeed despite archive failure: %v", err)
	}
	if invoice.Status != domain.InvoiceStatusIssued {
		t.Fatalf("status = %q", invoice.Status)
	}
}

func TestUpdateLineOnIssuedAdjustsStockByDelta(t *testing.T) {
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(2)))
	deps, stock := newInvoiceFixture(t, repo)

	var oldQty, newQty int
	stock.adjustFn = func(_ context.Context, productID string, _ string, old int, updated int, reason string, _ string) error {
		if productID != "prd_1" || reason != "invoice_line_edit" {
			t.Fatalf("adjust product = %q reason = %q", productID, reason)
		}
		oldQty, newQty = old, updated
		return nil
	}
	svc := newTestInvoiceService(t, deps)

	five := 5
	invoice, err := svc.UpdateLine(context.Background(), "inv_1", "ivl_1", InvoiceLineUpdate{Quantity: &five})
	if err != nil {
		t.Fatalf("UpdateLine: %v", err)
	}

	if oldQty != 2 || newQty != 5 {
		t.Fatalf("adjust delta = (%d, %d), want (2, 5)", oldQty, newQty)
	}
	if invoice.Lines[0].Quantity != 5 || invoice.Lines[0].LineTotalCents != 7500 {
		t.Fatalf("line = %+v", invoice.Lines[0])
	}
	if invoice.SubtotalCents != 7500 {
		t.Fatalf("subtotal = %d", invoice.SubtotalCents)
	}
}

func TestUpdateLinePriceEditNeverTouchesStock(t *testing.T) {
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(2)))
	deps, stock := newInvoiceFixture(t, repo)
	stock.adjustFn = func(context.Context, string, string, int, int, string, string) error {
		t.Fatalf("stock adjusted for a price-only edit")
		return nil
	}
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.UpdateLine(context.Background(), "inv_1", "ivl_1", InvoiceLineUpdate{UnitPriceCents: int64Ptr(2000)})
	if err != nil {
		t.Fatalf("UpdateLine: %v", err)
	}
	if invoice.Lines[0].UnitPriceCents != 2000 || invoice.Lines[0].LineTotalCents != 4000 {
		t.Fatalf("line = %+v", invoice.Lines[0])
	}
}

func TestUpdateLineFailedAdjustLeavesInvoiceUntouched(t *testing.T) {
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(2)))
	deps, stock := newInvoiceFixture(t, repo)
	stock.adjustFn = func(context.Context, string, string, int, int, string, string) error {
		return ErrStockInsufficient
	}
	svc := newTestInvoiceService(t, deps)

	nine := 9
	if _, err := svc.UpdateLine(context.Background(), "inv_1", "ivl_1", InvoiceLineUpdate{Quantity: &nine}); !errors.Is(err, ErrStockInsufficient) {
		t.Fatalf("err = %v, want ErrStockInsufficient", err)
	}

	current, _ := svc.GetInvoice(context.Background(), "inv_1")
	if current.Lines[0].Quantity != 2 {
		t.Fatalf("line mutated on failed adjust: %+v", current.Lines[0])
	}
}

func TestRemoveLineOnIssuedRestoresStock(t *testing.T) {
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(3)))
	deps, stock := newInvoiceFixture(t, repo)

	var restored []StockLine
	stock.restoreFn = func(_ context.Context, lines []StockLine, reason string, _ string) error {
		if reason != "invoice_line_edit" {
			t.Fatalf("restore reason = %q", reason)
		}
		restored = lines
		return nil
	}
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.RemoveLine(context.Background(), "inv_1", "ivl_1")
	if err != nil {
		t.Fatalf("RemoveLine: %v", err)
	}

	if len(restored) != 1 || restored[0].Quantity != 3 {
		t.Fatalf("restored = %+v", restored)
	}
	if len(invoice.Lines) != 0 || invoice.SubtotalCents != 0 || invoice.TotalCents != 0 {
		t.Fatalf("invoice = %+v", invoice)
	}
}

func TestCancelRestoresEveryLine(t *testing.T) {
	second := rooibosLine(1)
	second.ID = "ivl_2"
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(2), second))
	deps, stock := newInvoiceFixture(t, repo)

	var restored []StockLine
	stock.restoreFn = func(_ context.Context, lines []StockLine, reason string, _ string) error {
		if reason != "invoice_cancelled" {
			t.Fatalf("restore reason = %q", reason)
		}
		restored = lines
		return nil
	}
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.Cancel(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if invoice.Status != domain.InvoiceStatusCancelled || invoice.CancelledAt == nil {
		t.Fatalf("invoice = %+v", invoice)
	}
	if len(restored) != 2 {
		t.Fatalf("restored lines = %d, want 2", len(restored))
	}
}

func TestCancelledInvoiceIsFrozen(t *testing.T) {
	invoice := issuedInvoice(rooibosLine(1))
	invoice.Status = domain.InvoiceStatusCancelled
	repo := newStubInvoiceRepository(invoice)
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	one := 1
	if _, err := svc.UpdateLine(context.Background(), "inv_1", "ivl_1", InvoiceLineUpdate{Quantity: &one}); !errors.Is(err, ErrInvoiceInvalidState) {
		t.Fatalf("update err = %v, want ErrInvoiceInvalidState", err)
	}
	if _, err := svc.RemoveLine(context.Background(), "inv_1", "ivl_1"); !errors.Is(err, ErrInvoiceInvalidState) {
		t.Fatalf("remove err = %v, want ErrInvoiceInvalidState", err)
	}
	if _, err := svc.AddLine(context.Background(), "inv_1", InvoiceLineCommand{ProductID: "prd_1", Quantity: 1}); !errors.Is(err, ErrInvoiceInvalidState) {
		t.Fatalf("add err = %v, want ErrInvoiceInvalidState", err)
	}
}

func TestMarkPaidAndDispatchedAreMonotonic(t *testing.T) {
	repo := newStubInvoiceRepository(issuedInvoice(rooibosLine(1)))
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	invoice, err := svc.MarkPaid(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if invoice.PaymentStatus != domain.InvoicePaymentStatusPaid {
		t.Fatalf("payment status = %q", invoice.PaymentStatus)
	}
	// Second call is a no-op.
	if _, err := svc.MarkPaid(context.Background(), "inv_1"); err != nil {
		t.Fatalf("MarkPaid replay: %v", err)
	}

	invoice, err = svc.MarkDispatched(context.Background(), "inv_1")
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if invoice.FulfilmentStatus != domain.InvoiceFulfilmentStatusDispatched {
		t.Fatalf("fulfilment status = %q", invoice.FulfilmentStatus)
	}
}

func TestMarkPaidRequiresIssuedInvoice(t *testing.T) {
	repo := newStubInvoiceRepository(draftInvoice(rooibosLine(1)))
	deps, _ := newInvoiceFixture(t, repo)
	svc := newTestInvoiceService(t, deps)

	if _, err := svc.MarkPaid(context.Background(), "inv_1"); !errors.Is(err, ErrInvoiceInvalidState) {
		t.Fatalf("err = %v, want ErrInvoiceInvalidState", err)
	}
}
