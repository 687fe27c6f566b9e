package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/protea-commerce/api/internal/repositories"
)

const defaultShippingCacheTTL = 5 * time.Minute

// ErrShippingInvalidInput signals an unusable destination.
var ErrShippingInvalidInput = errors.New("shipping: invalid input")

// ShippingServiceDeps bundles the collaborators for the province-based quoter.
type ShippingServiceDeps struct {
	Rates repositories.ShippingRateRepository
	// FlatRateCents applies when no per-province override is configured.
	FlatRateCents int64
	CacheTTL      time.Duration
	Clock         func() time.Time
}

// shippingService resolves delivery cost by province with a flat-rate
// fallback. Rates change rarely, so lookups go through a small TTL cache.
type shippingService struct {
	repo     repositories.ShippingRateRepository
	flatRate int64
	cache    *shippingRateCache
}

// NewShippingService wires a ShippingQuoter backed by the rate repository.
func NewShippingService(deps ShippingServiceDeps) (ShippingQuoter, error) {
	if deps.Rates == nil {
		return nil, errors.New("shipping service: rate repository is required")
	}
	if deps.FlatRateCents < 0 {
		return nil, errors.New("shipping service: flat rate must not be negative")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultShippingCacheTTL
	}
	return &shippingService{
		repo:     deps.Rates,
		flatRate: deps.FlatRateCents,
		cache:    newShippingRateCache(ttl, clock),
	}, nil
}

func (s *shippingService) QuoteByProvince(ctx context.Context, province string) (int64, error) {
	key := strings.ToLower(strings.TrimSpace(province))
	if key == "" {
		return 0, errors.Join(ErrShippingInvalidInput, errors.New("province is required"))
	}

	if cents, ok := s.cache.Get(key); ok {
		return cents, nil
	}

	rate, err := s.repo.FindByProvince(ctx, key)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			s.cache.Put(key, s.flatRate)
			return s.flatRate, nil
		}
		return 0, err
	}

	s.cache.Put(key, rate.Cents)
	return rate.Cents, nil
}

var _ ShippingQuoter = (*shippingService)(nil)

type shippingRateCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex
	m   map[string]shippingRateEntry
}

type shippingRateEntry struct {
	cents   int64
	expires time.Time
}

func newShippingRateCache(ttl time.Duration, now func() time.Time) *shippingRateCache {
	return &shippingRateCache{ttl: ttl, now: now, m: make(map[string]shippingRateEntry)}
}

func (c *shippingRateCache) Get(key string) (int64, bool) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return 0, false
	}
	return entry.cents, true
}

func (c *shippingRateCache) Put(key string, cents int64) {
	c.mu.Lock()
	c.m[key] = shippingRateEntry{cents: cents, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}
