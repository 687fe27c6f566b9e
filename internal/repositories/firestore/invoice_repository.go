package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/protea-commerce/api/internal/domain"
	repositories "github.com/protea-commerce/api/internal/repositories"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const invoicesCollection = "invoices"

// InvoiceRepository stores the invoice aggregate as a single document with
// its lines embedded. Invoices carry at most a handful of lines and every
// mutation rewrites the total anyway, so there is nothing to gain from a
// subcollection here.
type InvoiceRepository struct {
	provider *pfirestore.Provider
	invoices *pfirestore.BaseRepository[invoiceDocument]
}

func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	return &InvoiceRepository{
		provider: provider,
		invoices: pfirestore.NewBaseRepository[invoiceDocument](provider, invoicesCollection, nil, nil),
	}, nil
}

func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.provider == nil {
		return errors.New("invoice repository not initialised")
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return errors.New("invoice insert: id is required")
	}

	ref, err := r.invoices.DocumentRef(ctx, invoice.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, toInvoiceDocument(invoice)); err != nil {
		return pfirestore.WrapError("invoices.insert", err)
	}
	return nil
}

func (r *InvoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.provider == nil {
		return errors.New("invoice repository not initialised")
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return errors.New("invoice update: id is required")
	}

	if _, err := r.invoices.Set(ctx, invoice.ID, toInvoiceDocument(invoice)); err != nil {
		return pfirestore.WrapError("invoices.update", err)
	}
	return nil
}

func (r *InvoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if r == nil || r.provider == nil {
		return domain.Invoice{}, errors.New("invoice repository not initialised")
	}

	doc, err := r.invoices.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, pfirestore.WrapError("invoices.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *InvoiceRepository) List(ctx context.Context, filter repositories.InvoiceListFilter) (domain.CursorPage[domain.Invoice], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Invoice]{}, errors.New("invoice repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)
	lastID, err := decodeIDPageToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Invoice]{}, err
	}

	docs, err := r.invoices.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy(firestore.DocumentID, firestore.Desc)
		if lastID != "" {
			q = q.StartAfter(lastID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Invoice]{}, pfirestore.WrapError("invoices.list", err)
	}

	page := domain.CursorPage[domain.Invoice]{}
	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	if hasMore && len(docs) > 0 {
		token, err := encodeIDPageToken(docs[len(docs)-1].ID)
		if err != nil {
			return domain.CursorPage[domain.Invoice]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type invoiceDocument struct {
	Number           string               `firestore:"number,omitempty"`
	Status           string               `firestore:"status"`
	CustomerID       string               `firestore:"customerId,omitempty"`
	CustomerEmail    string               `firestore:"customerEmail,omitempty"`
	CustomerName     string               `firestore:"customerName,omitempty"`
	CustomerPhone    string               `firestore:"customerPhone,omitempty"`
	Currency         string               `firestore:"currency"`
	SubtotalCents    int64                `firestore:"subtotalCents"`
	DiscountCents    int64                `firestore:"discountCents"`
	DeliveryCents    int64                `firestore:"deliveryCents"`
	TotalCents       int64                `firestore:"totalCents"`
	PaymentStatus    string               `firestore:"paymentStatus"`
	FulfilmentStatus string               `firestore:"fulfilmentStatus"`
	Lines            []invoiceLineDoc     `firestore:"lines"`
	IssuedAt         *time.Time           `firestore:"issuedAt,omitempty"`
	CancelledAt      *time.Time           `firestore:"cancelledAt,omitempty"`
	CreatedAt        time.Time            `firestore:"createdAt"`
	UpdatedAt        time.Time            `firestore:"updatedAt"`
}

type invoiceLineDoc struct {
	LineID         string            `firestore:"lineId"`
	ProductID      string            `firestore:"productId"`
	VariantID      string            `firestore:"variantId,omitempty"`
	SKU            string            `firestore:"sku,omitempty"`
	Title          string            `firestore:"title"`
	Attributes     map[string]string `firestore:"attributes,omitempty"`
	Quantity       int               `firestore:"quantity"`
	UnitPriceCents int64             `firestore:"unitPriceCents"`
	LineTotalCents int64             `firestore:"lineTotalCents"`
}

func toInvoiceDocument(invoice domain.Invoice) invoiceDocument {
	lines := make([]invoiceLineDoc, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		lines = append(lines, invoiceLineDoc{
			LineID:         line.ID,
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
	return invoiceDocument{
		Number:           invoice.Number,
		Status:           string(invoice.Status),
		CustomerID:       invoice.CustomerID,
		CustomerEmail:    invoice.Customer.Email,
		CustomerName:     invoice.Customer.Name,
		CustomerPhone:    invoice.Customer.Phone,
		Currency:         invoice.Currency,
		SubtotalCents:    invoice.SubtotalCents,
		DiscountCents:    invoice.DiscountCents,
		DeliveryCents:    invoice.DeliveryCents,
		TotalCents:       invoice.TotalCents,
		PaymentStatus:    string(invoice.PaymentStatus),
		FulfilmentStatus: string(invoice.FulfilmentStatus),
		Lines:            lines,
		IssuedAt:         invoice.IssuedAt,
		CancelledAt:      invoice.CancelledAt,
		CreatedAt:        invoice.CreatedAt.UTC(),
		UpdatedAt:        invoice.UpdatedAt.UTC(),
	}
}

func (d invoiceDocument) toDomain(id string) domain.Invoice {
	lines := make([]domain.InvoiceLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.InvoiceLine{
			ID:             line.LineID,
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
	return domain.Invoice{
		ID:     id,
		Number: d.Number,
		Status: domain.InvoiceStatus(d.Status),
		Customer: domain.CustomerContact{
			Email: d.CustomerEmail,
			Name:  d.CustomerName,
			Phone: d.CustomerPhone,
		},
		CustomerID:       d.CustomerID,
		Currency:         d.Currency,
		SubtotalCents:    d.SubtotalCents,
		DiscountCents:    d.DiscountCents,
		DeliveryCents:    d.DeliveryCents,
		TotalCents:       d.TotalCents,
		PaymentStatus:    domain.InvoicePaymentStatus(d.PaymentStatus),
		FulfilmentStatus: domain.InvoiceFulfilmentStatus(d.FulfilmentStatus),
		Lines:            lines,
		IssuedAt:         d.IssuedAt,
		CancelledAt:      d.CancelledAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}
