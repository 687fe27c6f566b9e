package repositories

import (
	"context"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	Stock() StockRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	PendingCheckouts() PendingCheckoutRepository
	Invoices() InvoiceRepository
	Customers() CustomerRepository
	ShippingRates() ShippingRateRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogRepository provides bulk reads of products and variants. Lookups are
// batched so a cart never turns into per-line round trips.
type CatalogRepository interface {
	GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error)
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// StockRepository is the storage half of the stock ledger. Adjust applies a
// batch of signed deltas in one transaction; any decrement that would take a
// row below zero fails the whole batch with a StockError and nothing is
// applied. Callers never read-then-write stock from the application layer.
type StockRepository interface {
	Adjust(ctx context.Context, req StockAdjustRequest) (StockAdjustResult, error)
}

// StockDelta addresses one stock row with a signed quantity change.
type StockDelta struct {
	ProductID string
	VariantID string
	Delta     int
}

// StockAdjustRequest batches deltas with audit metadata.
type StockAdjustRequest struct {
	Deltas    []StockDelta
	Reason    string
	Reference string
	Now       time.Time
}

// StockAdjustResult reports resulting quantities keyed by product or
// product/variant path.
type StockAdjustResult struct {
	Levels map[string]int
}

// CouponRepository looks up coupons by uppercased code and owns the atomic
// usage counter. IncrementUsage fails with a conflict when the coupon has a
// max-uses limit that the increment would exceed.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
}

// OrderRepository persists order headers and lines. The header is written
// before its lines; a header whose line insert failed surfaces to callers as
// an error, not a silent retry.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	InsertItems(ctx context.Context, orderID string, items []domain.OrderItem) error
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PaymentRepository stores provider payment records. Create is a
// transactional create keyed by (provider, provider payment id); a second
// create for the same pair fails with a conflict, which is the storage-layer
// uniqueness guarantee finalization relies on.
type PaymentRepository interface {
	Create(ctx context.Context, payment domain.Payment) error
	FindByProviderPaymentID(ctx context.Context, provider string, providerPaymentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// PendingCheckoutRepository persists provisional card checkouts.
// MarkCompleted only succeeds while the record is still initiated; a losing
// racer observes a conflict and resolves by re-query.
type PendingCheckoutRepository interface {
	Insert(ctx context.Context, checkout domain.PendingCheckout) error
	FindByID(ctx context.Context, checkoutID string) (domain.PendingCheckout, error)
	FindByProviderCheckoutID(ctx context.Context, provider string, providerCheckoutID string) (domain.PendingCheckout, error)
	SetProviderCheckout(ctx context.Context, checkoutID string, provider string, providerCheckoutID string, now time.Time) error
	MarkCompleted(ctx context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error)
	// ListStaleInitiated returns initiated checkouts created inside the
	// [notBefore, cutoff] window, oldest first.
	ListStaleInitiated(ctx context.Context, notBefore time.Time, cutoff time.Time, limit int) ([]domain.PendingCheckout, error)
}

// InvoiceRepository stores invoice aggregates (header plus lines) as a unit.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.Invoice) error
	Update(ctx context.Context, invoice domain.Invoice) error
	FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error)
	List(ctx context.Context, filter InvoiceListFilter) (domain.CursorPage[domain.Invoice], error)
}

// CustomerRepository upserts customer profiles keyed by normalised email.
type CustomerRepository interface {
	Upsert(ctx context.Context, req CustomerUpsertRequest) (domain.CustomerProfile, error)
}

// CustomerUpsertRequest folds one order into a customer profile.
type CustomerUpsertRequest struct {
	Contact         domain.CustomerContact
	UserID          string
	OrderTotalCents int64
	OrderAt         time.Time
}

// ShippingRateRepository reads per-province delivery rate overrides.
type ShippingRateRepository interface {
	FindByProvince(ctx context.Context, province string) (domain.ShippingRate, error)
	List(ctx context.Context) ([]domain.ShippingRate, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ProductListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

type InvoiceListFilter struct {
	Status     []domain.InvoiceStatus
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
