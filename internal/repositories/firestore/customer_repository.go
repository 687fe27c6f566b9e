package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/protea-commerce/api/internal/domain"
	repositories "github.com/protea-commerce/api/internal/repositories"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const customersCollection = "customers"

// CustomerRepository keeps one profile per normalised email address. The
// document id is a hash of the email so addresses never leak into URLs or
// log lines that carry document paths.
type CustomerRepository struct {
	provider  *pfirestore.Provider
	customers *pfirestore.BaseRepository[customerDocument]
}

func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		provider:  provider,
		customers: pfirestore.NewBaseRepository[customerDocument](provider, customersCollection, nil, nil),
	}, nil
}

// Upsert folds one order into the profile, creating it on first contact.
// Contact fields follow the latest order; counters and totals accumulate.
func (r *CustomerRepository) Upsert(ctx context.Context, req repositories.CustomerUpsertRequest) (domain.CustomerProfile, error) {
	if r == nil || r.provider == nil {
		return domain.CustomerProfile{}, errors.New("customer repository not initialised")
	}
	email := strings.ToLower(strings.TrimSpace(req.Contact.Email))
	if email == "" {
		return domain.CustomerProfile{}, errors.New("customer upsert: email is required")
	}

	docID := customerDocID(email)
	orderAt := req.OrderAt.UTC()
	var profile domain.CustomerProfile
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.customers.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}

		var doc customerDocument
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			doc = customerDocument{Email: email, CreatedAt: orderAt}
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode customer %s: %w", docID, err)
			}
		}

		if name := strings.TrimSpace(req.Contact.Name); name != "" {
			doc.Name = name
		}
		if phone := strings.TrimSpace(req.Contact.Phone); phone != "" {
			doc.Phone = phone
		}
		if userID := strings.TrimSpace(req.UserID); userID != "" {
			doc.UserID = userID
		}
		doc.OrderCount++
		doc.TotalSpentCents += req.OrderTotalCents
		if doc.LastOrderAt == nil || orderAt.After(*doc.LastOrderAt) {
			last := orderAt
			doc.LastOrderAt = &last
		}
		doc.UpdatedAt = orderAt

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		profile = doc.toDomain(docID)
		return nil
	})
	if err != nil {
		return domain.CustomerProfile{}, pfirestore.WrapError("customers.upsert", err)
	}
	return profile, nil
}

func customerDocID(normalisedEmail string) string {
	sum := sha256.Sum256([]byte(normalisedEmail))
	return hex.EncodeToString(sum[:16])
}

type customerDocument struct {
	Email           string     `firestore:"email"`
	Name            string     `firestore:"name,omitempty"`
	Phone           string     `firestore:"phone,omitempty"`
	UserID          string     `firestore:"userId,omitempty"`
	OrderCount      int        `firestore:"orderCount"`
	TotalSpentCents int64      `firestore:"totalSpentCents"`
	LastOrderAt     *time.Time `firestore:"lastOrderAt,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
}

func (d customerDocument) toDomain(id string) domain.CustomerProfile {
	return domain.CustomerProfile{
		ID:              id,
		Email:           d.Email,
		Name:            d.Name,
		Phone:           d.Phone,
		OrderCount:      d.OrderCount,
		TotalSpentCents: d.TotalSpentCents,
		LastOrderAt:     d.LastOrderAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
