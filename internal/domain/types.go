package domain

import "time"

// OrderStatus enumerates the lifecycle states of a customer order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// PendingCheckoutStatus tracks a provisional card checkout before it becomes an order.
type PendingCheckoutStatus string

const (
	PendingCheckoutStatusInitiated PendingCheckoutStatus = "initiated"
	PendingCheckoutStatusCompleted PendingCheckoutStatus = "completed"
)

// InvoiceStatus enumerates the admin invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusIssued    InvoiceStatus = "issued"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// InvoicePaymentStatus is orthogonal to the draft/issued/cancelled lifecycle.
type InvoicePaymentStatus string

const (
	InvoicePaymentStatusUnpaid InvoicePaymentStatus = "unpaid"
	InvoicePaymentStatusPaid   InvoicePaymentStatus = "paid"
)

// InvoiceFulfilmentStatus records whether an issued invoice has been dispatched.
type InvoiceFulfilmentStatus string

const (
	InvoiceFulfilmentStatusPending    InvoiceFulfilmentStatus = "pending"
	InvoiceFulfilmentStatusDispatched InvoiceFulfilmentStatus = "dispatched"
)

// CouponType distinguishes percentage coupons from fixed-amount coupons.
type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFixed      CouponType = "fixed"
)

// PaymentStatus mirrors the provider-side state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Product is a sellable catalog item. StockQty is meaningful only when
// HasVariants is false; variant-carrying products track stock per variant.
type Product struct {
	ID          string
	Name        string
	PriceCents  int64
	Active      bool
	HasVariants bool
	StockQty    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Variant is a concrete purchasable option of a product. A nil
// PriceCentsOverride inherits the product price. ProductID is immutable.
type Variant struct {
	ID                 string
	ProductID          string
	SKU                string
	Name               string
	PriceCentsOverride *int64
	StockQty           int
	Attributes         map[string]string
	Active             bool
}

// Coupon is read-mostly at checkout. Code is stored uppercase. A zero
// MinOrderValueCents means no minimum; a zero MaxUses means unlimited.
type Coupon struct {
	Code               string
	Type               CouponType
	Value              int64
	MinOrderValueCents int64
	MaxUses            int
	UsageCount         int
	ExpiresAt          *time.Time
	Active             bool
}

// CustomerContact is the contact snapshot captured on orders and invoices.
// It is a copy, never a live reference to a customer record.
type CustomerContact struct {
	Email string
	Name  string
	Phone string
}

// Address is the structured shipping-address snapshot captured at order time.
type Address struct {
	Line1      string
	Line2      string
	City       string
	Province   string
	PostalCode string
	Country    string
}

// LineRef is a raw, not-yet-validated reference to a product/variant with a
// requested quantity, as posted by clients and stored on pending checkouts.
type LineRef struct {
	ProductID string
	VariantID string
	Quantity  int
}

// LineSnapshot is the authoritative, catalog-verified pricing of one
// requested line. Unit price and title are captured and never re-derived.
type LineSnapshot struct {
	ProductID      string
	VariantID      string
	SKU            string
	Title          string
	Attributes     map[string]string
	Quantity       int
	UnitPriceCents int64
}

// Order is the permanent record of a purchase. Monetary fields are immutable
// after creation; only Status and timestamps transition afterwards.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Customer        CustomerContact
	Status          OrderStatus
	Currency        string
	SubtotalCents   int64
	ShippingCents   int64
	DiscountCents   int64
	TotalCents      int64
	CouponCode      string
	ShippingAddress Address
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is an immutable order line snapshot.
type OrderItem struct {
	ID             string
	ProductID      string
	VariantID      string
	SKU            string
	Title          string
	Attributes     map[string]string
	Quantity       int
	UnitPriceCents int64
	LineTotalCents int64
}

// PendingCheckout is a provisional card-payment intent written before the
// shopper is redirected to the hosted payment page. CheckoutID stays empty
// until the provider call succeeds; a pending checkout without one can never
// be finalized. Expiry is evaluated lazily against CreatedAt.
type PendingCheckout struct {
	ID              string
	UserID          string
	Customer        CustomerContact
	ShippingAddress Address
	Items           []LineRef
	AmountCents     int64
	Currency        string
	CouponCode      string
	DiscountCents   int64
	ShippingCents   int64
	Provider        string
	CheckoutID      string
	Status          PendingCheckoutStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment links an order to an external provider payment. The pair
// (Provider, ProviderPaymentID) maps to at most one order and is the
// idempotency key for checkout finalization.
type Payment struct {
	ID                string
	OrderID           string
	Provider          string
	ProviderPaymentID string
	AmountCents       int64
	Currency          string
	Status            PaymentStatus
	Raw               map[string]any
	CreatedAt         time.Time
}

// Invoice is the admin-issued parallel of an order. Mutable while draft,
// stock-affecting once issued. Delivery and discount are free-form admin
// fields, not derived from coupons.
type Invoice struct {
	ID               string
	Number           string
	Status           InvoiceStatus
	CustomerID       string
	Customer         CustomerContact
	Currency         string
	SubtotalCents    int64
	DiscountCents    int64
	DeliveryCents    int64
	TotalCents       int64
	PaymentStatus    InvoicePaymentStatus
	FulfilmentStatus InvoiceFulfilmentStatus
	Lines            []InvoiceLine
	IssuedAt         *time.Time
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InvoiceLine carries an admin-editable unit price while the invoice is
// draft. LineTotalCents is always Quantity * UnitPriceCents, recomputed on
// every mutation.
type InvoiceLine struct {
	ID             string
	ProductID      string
	VariantID      string
	SKU            string
	Title          string
	Attributes     map[string]string
	Quantity       int
	UnitPriceCents int64
	LineTotalCents int64
}

// CustomerProfile aggregates contact details and order stats, upserted
// best-effort after order creation.
type CustomerProfile struct {
	ID              string
	Email           string
	Name            string
	Phone           string
	OrderCount      int
	TotalSpentCents int64
	LastOrderAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StockLine addresses one stock row for ledger operations. An empty
// VariantID targets product-level stock.
type StockLine struct {
	ProductID string
	VariantID string
	Quantity  int
}

// StockMovement is emitted after a successful ledger mutation.
type StockMovement struct {
	ProductID  string
	VariantID  string
	Delta      int
	Reason     string
	Reference  string
	OccurredAt time.Time
}

// ShippingRate is a per-province override of the flat delivery rate.
type ShippingRate struct {
	Province string
	Cents    int64
}

// Pagination carries cursor paging inputs for list queries.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results with an opaque continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
