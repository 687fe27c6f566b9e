package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/protea-commerce/api/internal/domain"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

const shippingRatesCollection = "shippingRates"

// ShippingRateRepository reads per-province delivery overrides keyed by
// lowercased province name.
type ShippingRateRepository struct {
	provider *pfirestore.Provider
	rates    *pfirestore.BaseRepository[shippingRateDocument]
}

func NewShippingRateRepository(provider *pfirestore.Provider) (*ShippingRateRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping rate repository requires firestore provider")
	}
	return &ShippingRateRepository{
		provider: provider,
		rates:    pfirestore.NewBaseRepository[shippingRateDocument](provider, shippingRatesCollection, nil, nil),
	}, nil
}

func (r *ShippingRateRepository) FindByProvince(ctx context.Context, province string) (domain.ShippingRate, error) {
	if r == nil || r.provider == nil {
		return domain.ShippingRate{}, errors.New("shipping rate repository not initialised")
	}
	key := strings.ToLower(strings.TrimSpace(province))
	if key == "" {
		return domain.ShippingRate{}, errors.New("shipping rate lookup: province is required")
	}

	doc, err := r.rates.Get(ctx, key)
	if err != nil {
		return domain.ShippingRate{}, pfirestore.WrapError("shippingRates.findByProvince", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ShippingRateRepository) List(ctx context.Context) ([]domain.ShippingRate, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("shipping rate repository not initialised")
	}

	docs, err := r.rates.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, pfirestore.WrapError("shippingRates.list", err)
	}

	rates := make([]domain.ShippingRate, 0, len(docs))
	for _, doc := range docs {
		rates = append(rates, doc.Data.toDomain(doc.ID))
	}
	return rates, nil
}

type shippingRateDocument struct {
	Province string `firestore:"province"`
	Cents    int64  `firestore:"cents"`
}

func (d shippingRateDocument) toDomain(id string) domain.ShippingRate {
	province := d.Province
	if province == "" {
		province = id
	}
	return domain.ShippingRate{Province: province, Cents: d.Cents}
}
