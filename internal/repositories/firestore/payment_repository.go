package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/protea-commerce/api/internal/domain"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const paymentsCollection = "payments"

// PaymentRepository stores payments keyed by provider and provider payment
// id joined into the document id. The keying makes duplicate captures for
// the same provider payment collide at the storage layer.
type PaymentRepository struct {
	provider *pfirestore.Provider
	payments *pfirestore.BaseRepository[paymentDocument]
}

func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		provider: provider,
		payments: pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil),
	}, nil
}

func (r *PaymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.provider == nil {
		return errors.New("payment repository not initialised")
	}
	docID, err := paymentDocID(payment.Provider, payment.ProviderPaymentID)
	if err != nil {
		return err
	}

	ref, err := r.payments.DocumentRef(ctx, docID)
	if err != nil {
		return err
	}
	// Create, not Set: a second finalize for the same provider payment must
	// surface as a conflict rather than overwrite the winner's record.
	if _, err := ref.Create(ctx, toPaymentDocument(payment)); err != nil {
		return pfirestore.WrapError("payments.create", err)
	}
	return nil
}

func (r *PaymentRepository) FindByProviderPaymentID(ctx context.Context, provider string, providerPaymentID string) (domain.Payment, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	docID, err := paymentDocID(provider, providerPaymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	doc, err := r.payments.Get(ctx, docID)
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.findByProviderPaymentID", err)
	}
	return doc.Data.toDomain(), nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment list: order id is required")
	}

	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, pfirestore.WrapError("payments.listByOrder", err)
	}

	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payments = append(payments, doc.Data.toDomain())
	}
	return payments, nil
}

func paymentDocID(provider, providerPaymentID string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if provider == "" || providerPaymentID == "" {
		return "", errors.New("payment key: provider and provider payment id are required")
	}
	return provider + "_" + providerPaymentID, nil
}

type paymentDocument struct {
	PaymentID         string         `firestore:"paymentId"`
	OrderID           string         `firestore:"orderId"`
	Provider          string         `firestore:"provider"`
	ProviderPaymentID string         `firestore:"providerPaymentId"`
	AmountCents       int64          `firestore:"amountCents"`
	Currency          string         `firestore:"currency"`
	Status            string         `firestore:"status"`
	Raw               map[string]any `firestore:"raw,omitempty"`
	CreatedAt         time.Time      `firestore:"createdAt"`
}

func toPaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		PaymentID:         payment.ID,
		OrderID:           payment.OrderID,
		Provider:          strings.ToLower(strings.TrimSpace(payment.Provider)),
		ProviderPaymentID: strings.TrimSpace(payment.ProviderPaymentID),
		AmountCents:       payment.AmountCents,
		Currency:          payment.Currency,
		Status:            string(payment.Status),
		Raw:               payment.Raw,
		CreatedAt:         payment.CreatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain() domain.Payment {
	return domain.Payment{
		ID:                d.PaymentID,
		OrderID:           d.OrderID,
		Provider:          d.Provider,
		ProviderPaymentID: d.ProviderPaymentID,
		AmountCents:       d.AmountCents,
		Currency:          d.Currency,
		Status:            domain.PaymentStatus(d.Status),
		Raw:               d.Raw,
		CreatedAt:         d.CreatedAt,
	}
}
