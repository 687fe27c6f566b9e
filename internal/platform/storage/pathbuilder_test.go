package storage

import "testing"

func TestBuildInvoicePathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoice, PathParams{
		InvoiceID:     "inv_123",
		InvoiceNumber: "INV-2025-000123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "invoices/inv_123/INV-2025-000123.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildReceiptPathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeReceipt, PathParams{
		OrderID:       "ord_123",
		InvoiceNumber: "INV-2025-000001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/ord_123/receipts/INV-2025-000001.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildExportPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeExport, PathParams{
		ExportName: "invoices-2025-06",
		FileName:   "ledger.csv",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "exports/invoices-2025-06/ledger.csv"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeInvoice, PathParams{
		InvoiceID: "../bad",
		FileName:  "snapshot.json",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}
