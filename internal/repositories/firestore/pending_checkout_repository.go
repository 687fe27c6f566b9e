package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/protea-commerce/api/internal/domain"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const pendingCheckoutsCollection = "pendingCheckouts"

// PendingCheckoutRepository persists provisional card checkouts between the
// redirect to the hosted payment page and finalization.
type PendingCheckoutRepository struct {
	provider *pfirestore.Provider
	pending  *pfirestore.BaseRepository[pendingCheckoutDocument]
}

func NewPendingCheckoutRepository(provider *pfirestore.Provider) (*PendingCheckoutRepository, error) {
	if provider == nil {
		return nil, errors.New("pending checkout repository requires firestore provider")
	}
	return &PendingCheckoutRepository{
		provider: provider,
		pending:  pfirestore.NewBaseRepository[pendingCheckoutDocument](provider, pendingCheckoutsCollection, nil, nil),
	}, nil
}

func (r *PendingCheckoutRepository) Insert(ctx context.Context, checkout domain.PendingCheckout) error {
	if r == nil || r.provider == nil {
		return errors.New("pending checkout repository not initialised")
	}
	if strings.TrimSpace(checkout.ID) == "" {
		return errors.New("pending checkout insert: id is required")
	}

	ref, err := r.pending.DocumentRef(ctx, checkout.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, toPendingCheckoutDocument(checkout)); err != nil {
		return pfirestore.WrapError("pendingCheckouts.insert", err)
	}
	return nil
}

func (r *PendingCheckoutRepository) FindByID(ctx context.Context, checkoutID string) (domain.PendingCheckout, error) {
	if r == nil || r.provider == nil {
		return domain.PendingCheckout{}, errors.New("pending checkout repository not initialised")
	}

	doc, err := r.pending.Get(ctx, checkoutID)
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("pendingCheckouts.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PendingCheckoutRepository) FindByProviderCheckoutID(ctx context.Context, provider string, providerCheckoutID string) (domain.PendingCheckout, error) {
	if r == nil || r.provider == nil {
		return domain.PendingCheckout{}, errors.New("pending checkout repository not initialised")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	providerCheckoutID = strings.TrimSpace(providerCheckoutID)
	if provider == "" || providerCheckoutID == "" {
		return domain.PendingCheckout{}, errors.New("pending checkout lookup: provider and checkout id are required")
	}

	docs, err := r.pending.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("provider", "==", provider).
			Where("checkoutId", "==", providerCheckoutID).
			Limit(1)
	})
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("pendingCheckouts.findByProviderCheckoutID", err)
	}
	if len(docs) == 0 {
		return domain.PendingCheckout{}, pfirestore.WrapError("pendingCheckouts.findByProviderCheckoutID",
			status.Errorf(codes.NotFound, "no pending checkout for %s/%s", provider, providerCheckoutID))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *PendingCheckoutRepository) SetProviderCheckout(ctx context.Context, checkoutID string, provider string, providerCheckoutID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("pending checkout repository not initialised")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	providerCheckoutID = strings.TrimSpace(providerCheckoutID)
	if provider == "" || providerCheckoutID == "" {
		return errors.New("pending checkout update: provider and checkout id are required")
	}

	_, err := r.pending.Update(ctx, checkoutID, []firestore.Update{
		{Path: "provider", Value: provider},
		{Path: "checkoutId", Value: providerCheckoutID},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		return pfirestore.WrapError("pendingCheckouts.setProviderCheckout", err)
	}
	return nil
}

// ListStaleInitiated returns initiated checkouts whose createdAt falls inside
// the [notBefore, cutoff] window, oldest first. Reconciliation uses this to
// find sessions that left for the hosted payment page but never came back via
// webhook or redirect.
func (r *PendingCheckoutRepository) ListStaleInitiated(ctx context.Context, notBefore time.Time, cutoff time.Time, limit int) ([]domain.PendingCheckout, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("pending checkout repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.pending.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.PendingCheckoutStatusInitiated)).
			Where("createdAt", ">=", notBefore.UTC()).
			Where("createdAt", "<=", cutoff.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, pfirestore.WrapError("pendingCheckouts.listStaleInitiated", err)
	}

	checkouts := make([]domain.PendingCheckout, 0, len(docs))
	for _, doc := range docs {
		checkouts = append(checkouts, doc.Data.toDomain(doc.ID))
	}
	return checkouts, nil
}

// MarkCompleted flips an initiated record to completed. The transition is
// transactional; once a record is completed every later attempt fails with a
// conflict, which is how racing finalize calls elect a single winner.
func (r *PendingCheckoutRepository) MarkCompleted(ctx context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error) {
	if r == nil || r.provider == nil {
		return domain.PendingCheckout{}, errors.New("pending checkout repository not initialised")
	}

	now = now.UTC()
	var updated domain.PendingCheckout
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.pending.DocumentRef(ctx, checkoutID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc pendingCheckoutDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode pending checkout %s: %w", checkoutID, err)
		}
		if doc.Status != string(domain.PendingCheckoutStatusInitiated) {
			return status.Errorf(codes.FailedPrecondition, "pending checkout %s is %s", checkoutID, doc.Status)
		}
		doc.Status = string(domain.PendingCheckoutStatusCompleted)
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(checkoutID)
		return nil
	})
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("pendingCheckouts.markCompleted", err)
	}
	return updated, nil
}

type pendingCheckoutDocument struct {
	UserID        string                   `firestore:"userId,omitempty"`
	CustomerEmail string                   `firestore:"customerEmail"`
	CustomerName  string                   `firestore:"customerName,omitempty"`
	CustomerPhone string                   `firestore:"customerPhone,omitempty"`
	AddrLine1     string                   `firestore:"addrLine1"`
	AddrLine2     string                   `firestore:"addrLine2,omitempty"`
	AddrCity      string                   `firestore:"addrCity"`
	AddrProvince  string                   `firestore:"addrProvince"`
	AddrPostal    string                   `firestore:"addrPostalCode"`
	AddrCountry   string                   `firestore:"addrCountry"`
	Items         []pendingCheckoutLineDoc `firestore:"items"`
	AmountCents   int64                    `firestore:"amountCents"`
	Currency      string                   `firestore:"currency"`
	CouponCode    string                   `firestore:"couponCode,omitempty"`
	DiscountCents int64                    `firestore:"discountCents"`
	ShippingCents int64                    `firestore:"shippingCents"`
	Provider      string                   `firestore:"provider,omitempty"`
	CheckoutID    string                   `firestore:"checkoutId,omitempty"`
	Status        string                   `firestore:"status"`
	CreatedAt     time.Time                `firestore:"createdAt"`
	UpdatedAt     time.Time                `firestore:"updatedAt"`
}

type pendingCheckoutLineDoc struct {
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId,omitempty"`
	Quantity  int    `firestore:"quantity"`
}

func toPendingCheckoutDocument(checkout domain.PendingCheckout) pendingCheckoutDocument {
	items := make([]pendingCheckoutLineDoc, 0, len(checkout.Items))
	for _, item := range checkout.Items {
		items = append(items, pendingCheckoutLineDoc{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return pendingCheckoutDocument{
		UserID:        checkout.UserID,
		CustomerEmail: checkout.Customer.Email,
		CustomerName:  checkout.Customer.Name,
		CustomerPhone: checkout.Customer.Phone,
		AddrLine1:     checkout.ShippingAddress.Line1,
		AddrLine2:     checkout.ShippingAddress.Line2,
		AddrCity:      checkout.ShippingAddress.City,
		AddrProvince:  checkout.ShippingAddress.Province,
		AddrPostal:    checkout.ShippingAddress.PostalCode,
		AddrCountry:   checkout.ShippingAddress.Country,
		Items:         items,
		AmountCents:   checkout.AmountCents,
		Currency:      checkout.Currency,
		CouponCode:    checkout.CouponCode,
		DiscountCents: checkout.DiscountCents,
		ShippingCents: checkout.ShippingCents,
		Provider:      strings.ToLower(strings.TrimSpace(checkout.Provider)),
		CheckoutID:    checkout.CheckoutID,
		Status:        string(checkout.Status),
		CreatedAt:     checkout.CreatedAt.UTC(),
		UpdatedAt:     checkout.UpdatedAt.UTC(),
	}
}

func (d pendingCheckoutDocument) toDomain(id string) domain.PendingCheckout {
	items := make([]domain.LineRef, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.LineRef{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return domain.PendingCheckout{
		ID:     id,
		UserID: d.UserID,
		Customer: domain.CustomerContact{
			Email: d.CustomerEmail,
			Name:  d.CustomerName,
			Phone: d.CustomerPhone,
		},
		ShippingAddress: domain.Address{
			Line1:      d.AddrLine1,
			Line2:      d.AddrLine2,
			City:       d.AddrCity,
			Province:   d.AddrProvince,
			PostalCode: d.AddrPostal,
			Country:    d.AddrCountry,
		},
		Items:         items,
		AmountCents:   d.AmountCents,
		Currency:      d.Currency,
		CouponCode:    d.CouponCode,
		DiscountCents: d.DiscountCents,
		ShippingCents: d.ShippingCents,
		Provider:      d.Provider,
		CheckoutID:    d.CheckoutID,
		Status:        domain.PendingCheckoutStatus(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
