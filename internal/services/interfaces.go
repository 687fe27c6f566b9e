package services

import (
	"context"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

// Domain aliases keep handler and service signatures terse.
type (
	Product         = domain.Product
	Variant         = domain.Variant
	Coupon          = domain.Coupon
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	PendingCheckout = domain.PendingCheckout
	Payment         = domain.Payment
	Invoice         = domain.Invoice
	InvoiceLine     = domain.InvoiceLine
	LineRef         = domain.LineRef
	LineSnapshot    = domain.LineSnapshot
	CustomerContact = domain.CustomerContact
	Address         = domain.Address
	StockLine       = domain.StockLine
)

// CatalogService resolves requested product/variant references into
// authoritative priced snapshots, rejecting inactive or mismatched
// references and lines that exceed available stock.
type CatalogService interface {
	LoadSnapshot(ctx context.Context, refs []LineRef) ([]LineSnapshot, error)
	ListProducts(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[Product], error)
}

// CouponService validates coupon codes against a subtotal and owns atomic
// redemption accounting.
type CouponService interface {
	Validate(ctx context.Context, code string, subtotalCents int64) (CouponQuote, error)
	Redeem(ctx context.Context, code string) (Coupon, error)
}

// CouponQuote is the outcome of validating a coupon against a subtotal.
type CouponQuote struct {
	Coupon        Coupon
	DiscountCents int64
}

// ShippingQuoter resolves the delivery cost for a destination province.
// Quotes are always computed server-side, never accepted from clients.
type ShippingQuoter interface {
	QuoteByProvince(ctx context.Context, province string) (int64, error)
}

// StockService is the ledger for every stock mutation in the system.
// Implementations delegate the non-negativity guarantee to the storage
// layer's conditional updates; no operation ever partially applies.
type StockService interface {
	Deduct(ctx context.Context, lines []StockLine, reason string, reference string) error
	Restore(ctx context.Context, lines []StockLine, reason string, reference string) error
	AdjustDelta(ctx context.Context, productID string, variantID string, oldQty int, newQty int, reason string, reference string) error
}

// StockEventPublisher receives movement records after successful ledger
// mutations. Publishing is best effort.
type StockEventPublisher interface {
	PublishStockMovements(ctx context.Context, movements []domain.StockMovement) error
}

// OrderService assembles and persists orders and drives their status machine.
type OrderService interface {
	AssembleOrder(ctx context.Context, cmd AssembleOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus) (Order, error)
}

// AssembleOrderCommand carries everything order assembly needs. Shipping is
// resolved from the address province, never taken from the payload.
type AssembleOrderCommand struct {
	UserID          string
	Customer        CustomerContact
	ShippingAddress Address
	Items           []LineRef
	CouponCode      string
	Status          domain.OrderStatus
	Currency        string
}

// CheckoutService implements the two storefront purchase paths and the
// idempotent finalization of card payments.
type CheckoutService interface {
	CreateBankTransferOrder(ctx context.Context, cmd CheckoutCommand) (Order, error)
	StartCardCheckout(ctx context.Context, cmd CardCheckoutCommand) (CardCheckout, error)
	FinalizeCheckout(ctx context.Context, pendingCheckoutID string) (FinalizeResult, error)
	FinalizeByProviderCheckoutID(ctx context.Context, provider string, providerCheckoutID string) (FinalizeResult, error)
	ReconcileStaleCheckouts(ctx context.Context, cmd ReconcileCommand) (ReconcileReport, error)
}

// CheckoutCommand is the validated cart-plus-address shape both checkout
// paths accept.
type CheckoutCommand struct {
	UserID          string
	Customer        CustomerContact
	ShippingAddress Address
	Items           []LineRef
	CouponCode      string
}

// CardCheckoutCommand extends CheckoutCommand with the redirect targets the
// hosted payment page needs.
type CardCheckoutCommand struct {
	CheckoutCommand
	Provider   string
	SuccessURL string
	CancelURL  string
	FailureURL string
}

// CardCheckout is returned after the hosted checkout session is created.
type CardCheckout struct {
	PendingCheckoutID string
	CheckoutID        string
	RedirectURL       string
	AmountCents       int64
	Currency          string
}

// FinalizeResult reports the idempotent outcome of a finalize call. Replays
// of an already-finalized checkout set AlreadyCompleted and return the
// original order id.
type FinalizeResult struct {
	OrderID          string
	Status           domain.PendingCheckoutStatus
	AlreadyCompleted bool
}

// ReconcileCommand bounds a reconciliation sweep. MinAge keeps the sweep away
// from sessions the shopper may still be paying; Limit caps a single run.
type ReconcileCommand struct {
	MinAge time.Duration
	Limit  int
}

// ReconcileReport summarises one reconciliation sweep over stale card
// checkouts.
type ReconcileReport struct {
	Scanned   int
	Finalized int
	Skipped   int
	Failed    int
	OrderIDs  []string
}

// InvoiceService drives the admin invoice state machine.
type InvoiceService interface {
	CreateDraft(ctx context.Context, cmd CreateInvoiceCommand) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	ListInvoices(ctx context.Context, filter repositories.InvoiceListFilter) (domain.CursorPage[Invoice], error)
	AddLine(ctx context.Context, invoiceID string, cmd InvoiceLineCommand) (Invoice, error)
	UpdateLine(ctx context.Context, invoiceID string, lineID string, cmd InvoiceLineUpdate) (Invoice, error)
	RemoveLine(ctx context.Context, invoiceID string, lineID string) (Invoice, error)
	SetCharges(ctx context.Context, invoiceID string, deliveryCents int64, discountCents int64) (Invoice, error)
	Issue(ctx context.Context, invoiceID string) (Invoice, error)
	Cancel(ctx context.Context, invoiceID string) (Invoice, error)
	MarkPaid(ctx context.Context, invoiceID string) (Invoice, error)
	MarkDispatched(ctx context.Context, invoiceID string) (Invoice, error)
}

// CreateInvoiceCommand opens a draft invoice.
type CreateInvoiceCommand struct {
	CustomerID string
	Customer   CustomerContact
	Currency   string
}

// InvoiceLineCommand adds a line to a draft invoice. A nil UnitPriceCents
// captures the current catalog price.
type InvoiceLineCommand struct {
	ProductID      string
	VariantID      string
	Quantity       int
	UnitPriceCents *int64
}

// InvoiceLineUpdate edits quantity and/or unit price of an existing line.
// Nil fields are left unchanged.
type InvoiceLineUpdate struct {
	Quantity       *int
	UnitPriceCents *int64
}

// MailDispatcher queues transactional email jobs. Failures are logged by
// callers and never fail the triggering operation.
type MailDispatcher interface {
	SendOrderPaidEmail(ctx context.Context, order Order) error
	SendBankTransferOrderEmail(ctx context.Context, order Order) error
}

// CustomerProfileUpserter folds order contact details into a customer
// profile, best effort.
type CustomerProfileUpserter interface {
	Upsert(ctx context.Context, req repositories.CustomerUpsertRequest) (domain.CustomerProfile, error)
}

// InvoiceArchiver stores a document snapshot of an issued invoice and
// returns a download reference. Best effort.
type InvoiceArchiver interface {
	ArchiveInvoice(ctx context.Context, invoice Invoice) (string, error)
}

// SystemService reports build and dependency health for ops endpoints.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
	Build(ctx context.Context) (BuildInfo, error)
}

// BuildInfo captures process metadata surfaced by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
