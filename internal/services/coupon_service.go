package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

var (
	// ErrCouponInvalid indicates the code is unknown, inactive, expired, or exhausted.
	ErrCouponInvalid = errors.New("coupon: invalid")
	// ErrCouponNotApplicable indicates a valid coupon whose conditions the cart does not meet.
	ErrCouponNotApplicable = errors.New("coupon: not applicable")
)

// CouponServiceDeps bundles the collaborators required to construct a coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCouponService wires dependencies into a concrete CouponService implementation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		repo:   deps.Coupons,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Validate checks a supplied code against the subtotal and returns the
// discount it would yield. Coupon failures are never silent: once a code is
// supplied it either validates or the whole operation aborts.
func (s *couponService) Validate(ctx context.Context, code string, subtotalCents int64) (CouponQuote, error) {
	normalized := normaliseCouponCode(code)
	if normalized == "" {
		return CouponQuote{}, fmt.Errorf("%w: empty code", ErrCouponInvalid)
	}

	coupon, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CouponQuote{}, fmt.Errorf("%w: %s", ErrCouponInvalid, normalized)
		}
		return CouponQuote{}, err
	}

	if err := s.redeemable(coupon); err != nil {
		return CouponQuote{}, err
	}
	if coupon.MinOrderValueCents > 0 && subtotalCents < coupon.MinOrderValueCents {
		return CouponQuote{}, fmt.Errorf("%w: order minimum is %d cents", ErrCouponNotApplicable, coupon.MinOrderValueCents)
	}

	return CouponQuote{
		Coupon:        coupon,
		DiscountCents: domain.CouponDiscount(coupon, subtotalCents),
	}, nil
}

// Redeem atomically increments the usage counter. The repository rejects the
// increment when a max-uses limit would be exceeded, which closes the
// over-redemption race for limited codes used concurrently.
func (s *couponService) Redeem(ctx context.Context, code string) (Coupon, error) {
	normalized := normaliseCouponCode(code)
	if normalized == "" {
		return Coupon{}, fmt.Errorf("%w: empty code", ErrCouponInvalid)
	}

	coupon, err := s.repo.IncrementUsage(ctx, normalized, s.clock())
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return Coupon{}, fmt.Errorf("%w: %s", ErrCouponInvalid, normalized)
			case repoErr.IsConflict():
				return Coupon{}, fmt.Errorf("%w: usage limit reached", ErrCouponInvalid)
			}
		}
		return Coupon{}, err
	}

	s.logger(ctx, "coupon.redeemed", map[string]any{
		"code":       coupon.Code,
		"usageCount": coupon.UsageCount,
	})
	return coupon, nil
}

func (s *couponService) redeemable(coupon Coupon) error {
	if !coupon.Active {
		return fmt.Errorf("%w: inactive", ErrCouponInvalid)
	}
	if coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(s.clock()) {
		return fmt.Errorf("%w: expired", ErrCouponInvalid)
	}
	if coupon.MaxUses > 0 && coupon.UsageCount >= coupon.MaxUses {
		return fmt.Errorf("%w: usage limit reached", ErrCouponInvalid)
	}
	return nil
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
