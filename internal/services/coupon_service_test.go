package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
)

type stubCouponRepository struct {
	findByCodeFn     func(ctx context.Context, code string) (domain.Coupon, error)
	incrementUsageFn func(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
}

func (s *stubCouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if s.findByCodeFn != nil {
		return s.findByCodeFn(ctx, code)
	}
	return domain.Coupon{}, notFoundRepositoryError{}
}

func (s *stubCouponRepository) IncrementUsage(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	if s.incrementUsageFn != nil {
		return s.incrementUsageFn(ctx, code, now)
	}
	return domain.Coupon{}, notFoundRepositoryError{}
}

type notFoundRepositoryError struct{}

func (notFoundRepositoryError) Error() string       { return "not found" }
func (notFoundRepositoryError) IsNotFound() bool    { return true }
func (notFoundRepositoryError) IsConflict() bool    { return false }
func (notFoundRepositoryError) IsUnavailable() bool { return false }

type conflictRepositoryError struct{}

func (conflictRepositoryError) Error() string       { return "conflict" }
func (conflictRepositoryError) IsNotFound() bool    { return false }
func (conflictRepositoryError) IsConflict() bool    { return true }
func (conflictRepositoryError) IsUnavailable() bool { return false }

var couponTestClock = func() time.Time {
	return time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
}

func newTestCouponService(t *testing.T, repo *stubCouponRepository) CouponService {
	t.Helper()
	svc, err := NewCouponService(CouponServiceDeps{Coupons: repo, Clock: couponTestClock})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	return svc
}

func TestCouponValidateUppercasesCode(t *testing.T) {
	var requested string
	repo := &stubCouponRepository{
		findByCodeFn: func(_ context.Context, code string) (domain.Coupon, error) {
			requested = code
			return domain.Coupon{Code: code, Type: domain.CouponTypePercentage, Value: 20, Active: true}, nil
		},
	}
	svc := newTestCouponService(t, repo)

	quote, err := svc.Validate(context.Background(), "  save20 ", 2000)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if requested != "SAVE20" {
		t.Fatalf("lookup used %q, want SAVE20", requested)
	}
	if quote.DiscountCents != 400 {
		t.Fatalf("discount = %d, want 400", quote.DiscountCents)
	}
}

func TestCouponValidateRejections(t *testing.T) {
	expired := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		coupon  domain.Coupon
		wantErr error
	}{
		{
			name:    "inactive",
			coupon:  domain.Coupon{Code: "X", Type: domain.CouponTypeFixed, Value: 100, Active: false},
			wantErr: ErrCouponInvalid,
		},
		{
			name:    "expired",
			coupon:  domain.Coupon{Code: "X", Type: domain.CouponTypeFixed, Value: 100, Active: true, ExpiresAt: &expired},
			wantErr: ErrCouponInvalid,
		},
		{
			name:    "over max uses",
			coupon:  domain.Coupon{Code: "X", Type: domain.CouponTypeFixed, Value: 100, Active: true, MaxUses: 5, UsageCount: 5},
			wantErr: ErrCouponInvalid,
		},
		{
			name:    "below minimum order",
			coupon:  domain.Coupon{Code: "X", Type: domain.CouponTypeFixed, Value: 100, Active: true, MinOrderValueCents: 5000},
			wantErr: ErrCouponNotApplicable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubCouponRepository{
				findByCodeFn: func(context.Context, string) (domain.Coupon, error) {
					return tc.coupon, nil
				},
			}
			svc := newTestCouponService(t, repo)
			_, err := svc.Validate(context.Background(), "X", 2000)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCouponValidateMaxUsesOnlyWhenSet(t *testing.T) {
	repo := &stubCouponRepository{
		findByCodeFn: func(context.Context, string) (domain.Coupon, error) {
			return domain.Coupon{Code: "X", Type: domain.CouponTypeFixed, Value: 100, Active: true, MaxUses: 0, UsageCount: 9999}, nil
		},
	}
	svc := newTestCouponService(t, repo)
	if _, err := svc.Validate(context.Background(), "X", 2000); err != nil {
		t.Fatalf("unlimited coupon rejected: %v", err)
	}
}

func TestCouponValidateUnknownCode(t *testing.T) {
	svc := newTestCouponService(t, &stubCouponRepository{})
	_, err := svc.Validate(context.Background(), "NOPE", 2000)
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", err)
	}
}

func TestCouponRedeemExhausted(t *testing.T) {
	repo := &stubCouponRepository{
		incrementUsageFn: func(context.Context, string, time.Time) (domain.Coupon, error) {
			return domain.Coupon{}, conflictRepositoryError{}
		},
	}
	svc := newTestCouponService(t, repo)
	_, err := svc.Redeem(context.Background(), "LIMITED")
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid on exhausted redeem, got %v", err)
	}
}
