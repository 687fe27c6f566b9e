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

const couponsCollection = "coupons"

// CouponRepository stores coupons keyed by their uppercased code.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[couponDocument]
}

func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		provider: provider,
		coupons:  pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil),
	}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = normaliseCode(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon find: code is required")
	}

	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// IncrementUsage bumps usageCount inside a transaction. When the coupon
// carries a max-uses limit and the increment would exceed it, the call fails
// with a conflict and nothing is written.
func (r *CouponRepository) IncrementUsage(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = normaliseCode(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon increment: code is required")
	}

	now = now.UTC()
	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, code)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coupon %s: %w", code, err)
		}
		if doc.MaxUses > 0 && doc.UsageCount >= doc.MaxUses {
			return status.Errorf(codes.FailedPrecondition, "coupon %s usage limit %d reached", code, doc.MaxUses)
		}
		doc.UsageCount++
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(code)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.incrementUsage", err)
	}
	return updated, nil
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type couponDocument struct {
	Type               string     `firestore:"type"`
	Value              int64      `firestore:"value"`
	MinOrderValueCents int64      `firestore:"minOrderValueCents"`
	MaxUses            int        `firestore:"maxUses"`
	UsageCount         int        `firestore:"usageCount"`
	ExpiresAt          *time.Time `firestore:"expiresAt,omitempty"`
	Active             bool       `firestore:"active"`
	UpdatedAt          time.Time  `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(code string) domain.Coupon {
	return domain.Coupon{
		Code:               code,
		Type:               domain.CouponType(d.Type),
		Value:              d.Value,
		MinOrderValueCents: d.MinOrderValueCents,
		MaxUses:            d.MaxUses,
		UsageCount:         d.UsageCount,
		ExpiresAt:          d.ExpiresAt,
		Active:             d.Active,
	}
}
