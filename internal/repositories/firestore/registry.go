package firestore

import (
	"context"
	"errors"
	"fmt"

	repositories "github.com/protea-commerce/api/internal/repositories"
	pfirestore "github.com/protea-commerce/api/internal/platform/firestore"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract used by dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	catalog          *CatalogRepository
	stock            *StockRepository
	coupons          *CouponRepository
	orders           *OrderRepository
	payments         *PaymentRepository
	pendingCheckouts *PendingCheckoutRepository
	invoices         *InvoiceRepository
	customers        *CustomerRepository
	shippingRates    *ShippingRateRepository
	counters         *CounterRepository
	health           repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every Firestore repository against the shared
// provider. A nil health repository gets a default one that pings the
// Firestore collections endpoint.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	reg := &Registry{provider: provider, health: health}

	var err error
	if reg.catalog, err = NewCatalogRepository(provider); err != nil {
		return nil, fmt.Errorf("build catalog repository: %w", err)
	}
	if reg.stock, err = NewStockRepository(provider); err != nil {
		return nil, fmt.Errorf("build stock repository: %w", err)
	}
	if reg.coupons, err = NewCouponRepository(provider); err != nil {
		return nil, fmt.Errorf("build coupon repository: %w", err)
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	if reg.payments, err = NewPaymentRepository(provider); err != nil {
		return nil, fmt.Errorf("build payment repository: %w", err)
	}
	if reg.pendingCheckouts, err = NewPendingCheckoutRepository(provider); err != nil {
		return nil, fmt.Errorf("build pending checkout repository: %w", err)
	}
	if reg.invoices, err = NewInvoiceRepository(provider); err != nil {
		return nil, fmt.Errorf("build invoice repository: %w", err)
	}
	if reg.customers, err = NewCustomerRepository(provider); err != nil {
		return nil, fmt.Errorf("build customer repository: %w", err)
	}
	if reg.shippingRates, err = NewShippingRateRepository(provider); err != nil {
		return nil, fmt.Errorf("build shipping rate repository: %w", err)
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}

	if reg.health == nil {
		reg.health, err = repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
			{
				Name: "firestore",
				Check: func(ctx context.Context) error {
					_, err := provider.Client(ctx)
					return err
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// RunInTx groups repository calls behind a single context. Individual
// repositories own their Firestore transactions, so this is an advisory
// boundary rather than a storage-level one.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}

func (r *Registry) Catalog() repositories.CatalogRepository   { return r.catalog }
func (r *Registry) Stock() repositories.StockRepository       { return r.stock }
func (r *Registry) Coupons() repositories.CouponRepository    { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository      { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository  { return r.payments }
func (r *Registry) Invoices() repositories.InvoiceRepository  { return r.invoices }
func (r *Registry) Customers() repositories.CustomerRepository {
	return r.customers
}
func (r *Registry) PendingCheckouts() repositories.PendingCheckoutRepository {
	return r.pendingCheckouts
}
func (r *Registry) ShippingRates() repositories.ShippingRateRepository {
	return r.shippingRates
}
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }
