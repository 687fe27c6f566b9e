package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/payments"
	"github.com/protea-commerce/api/internal/repositories"
)

const (
	pendingCheckoutIDPrefix = "chk_"
	paymentIDPrefix         = "pay_"

	stockReasonOrderCreated = "order_created"
	stockReasonOrderPaid    = "order_paid"

	defaultCheckoutMaxAge = 24 * time.Hour

	defaultReconcileMinAge = 15 * time.Minute
	defaultReconcileLimit  = 50
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutNotFound indicates the pending checkout does not exist.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutNoCheckoutID indicates finalization was attempted on a pending
	// checkout that never received a provider checkout id.
	ErrCheckoutNoCheckoutID = errors.New("checkout: no provider checkout id")
	// ErrCheckoutExpired indicates the pending checkout aged past the finalize cutoff.
	ErrCheckoutExpired = errors.New("checkout: expired")
	// ErrCheckoutPaymentFailed indicates the hosted payment session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders           OrderService
	Catalog          CatalogService
	Coupons          CouponService
	Shipping         ShippingQuoter
	Stock            StockService
	PendingCheckouts repositories.PendingCheckoutRepository
	Payments         repositories.PaymentRepository
	Sessions         paymentGateway
	Mail             MailDispatcher
	DefaultProvider  string
	DefaultCurrency  string
	CheckoutMaxAge   time.Duration
	Clock            func() time.Time
	IDGenerator      func() string
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders           OrderService
	catalog          CatalogService
	coupons          CouponService
	shipping         ShippingQuoter
	stock            StockService
	pendingCheckouts repositories.PendingCheckoutRepository
	payments         repositories.PaymentRepository
	sessions         paymentGateway
	mail             MailDispatcher
	defaultProvider  string
	defaultCurrency  string
	maxAge           time.Duration
	now              func() time.Time
	newID            func() string
	logger           func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog service is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("checkout service: shipping quoter is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("checkout service: stock service is required")
	}
	if deps.PendingCheckouts == nil {
		return nil, errors.New("checkout service: pending checkout repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment repository is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	maxAge := deps.CheckoutMaxAge
	if maxAge <= 0 {
		maxAge = defaultCheckoutMaxAge
	}
	provider := strings.ToLower(strings.TrimSpace(deps.DefaultProvider))
	if provider == "" {
		provider = "yoco"
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "ZAR"
	}

	return &checkoutService{
		orders:           deps.Orders,
		catalog:          deps.Catalog,
		coupons:          deps.Coupons,
		shipping:         deps.Shipping,
		stock:            deps.Stock,
		pendingCheckouts: deps.PendingCheckouts,
		payments:         deps.Payments,
		sessions:         deps.Sessions,
		mail:             deps.Mail,
		defaultProvider:  provider,
		defaultCurrency:  currency,
		maxAge:           maxAge,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateBankTransferOrder persists a pending_payment order and deducts stock
// immediately. The order awaits manual payment reconciliation; no provider
// session is involved.
func (s *checkoutService) CreateBankTransferOrder(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	order, err := s.orders.AssembleOrder(ctx, AssembleOrderCommand{
		UserID:          cmd.UserID,
		Customer:        cmd.Customer,
		ShippingAddress: cmd.ShippingAddress,
		Items:           cmd.Items,
		CouponCode:      cmd.CouponCode,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        s.defaultCurrency,
	})
	if err != nil {
		return Order{}, err
	}

	if err := s.stock.Deduct(ctx, orderStockLines(order.Items), stockReasonOrderCreated, order.ID); err != nil {
		// The order header is already persisted. Cancel it so the shopper
		// can retry instead of leaving a live order without stock.
		s.cancelOrder(ctx, order.ID, err.Error())
		return Order{}, err
	}

	s.sendMail(ctx, order, false)
	return order, nil
}

// StartCardCheckout prices the cart, records a pending checkout, and opens a
// hosted payment session. The pending checkout is written before the provider
// call so an abandoned session leaves an initiated record that simply ages out.
func (s *checkoutService) StartCardCheckout(ctx context.Context, cmd CardCheckoutCommand) (CardCheckout, error) {
	successURL := strings.TrimSpace(cmd.SuccessURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if successURL == "" || cancelURL == "" {
		return CardCheckout{}, fmt.Errorf("%w: success and cancel urls are required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Customer.Email) == "" {
		return CardCheckout{}, fmt.Errorf("%w: customer email is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Province) == "" {
		return CardCheckout{}, fmt.Errorf("%w: shipping province is required", ErrCheckoutInvalidInput)
	}

	quote, err := s.quoteCheckout(ctx, cmd.CheckoutCommand)
	if err != nil {
		return CardCheckout{}, err
	}

	now := s.now()
	pending := domain.PendingCheckout{
		ID:              pendingCheckoutIDPrefix + s.newID(),
		UserID:          strings.TrimSpace(cmd.UserID),
		Customer:        trimContact(cmd.Customer),
		ShippingAddress: cmd.ShippingAddress,
		Items:           quote.items,
		AmountCents:     quote.amountCents,
		Currency:        s.defaultCurrency,
		CouponCode:      quote.couponCode,
		DiscountCents:   quote.discountCents,
		ShippingCents:   quote.shippingCents,
		Status:          domain.PendingCheckoutStatusInitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.pendingCheckouts.Insert(ctx, pending); err != nil {
		return CardCheckout{}, s.mapRepositoryError(err)
	}

	session, err := s.sessions.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.Provider),
		Currency:          pending.Currency,
	}, payments.CheckoutSessionRequest{
		Amount:     pending.AmountCents,
		Currency:   pending.Currency,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"pending_checkout_id": pending.ID,
		},
		IdempotencyKey: pending.ID,
		Items:          buildSessionLineItems(quote, pending.Currency),
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return CardCheckout{}, fmt.Errorf("%w: unknown provider %q", ErrCheckoutInvalidInput, cmd.Provider)
		}
		s.logger(ctx, "checkout.session_failed", map[string]any{
			"pendingCheckoutId": pending.ID,
			"provider":          cmd.Provider,
			"error":             err.Error(),
		})
		return CardCheckout{}, ErrCheckoutPaymentFailed
	}

	if err := s.pendingCheckouts.SetProviderCheckout(ctx, pending.ID, session.Provider, session.ID, s.now()); err != nil {
		// The provider session exists but was never recorded, so the record
		// can never be finalized. Surface the failure; the session ages out
		// on the provider side.
		s.logger(ctx, "checkout.record_session_failed", map[string]any{
			"pendingCheckoutId": pending.ID,
			"checkoutId":        session.ID,
			"error":             err.Error(),
		})
		return CardCheckout{}, s.mapRepositoryError(err)
	}

	return CardCheckout{
		PendingCheckoutID: pending.ID,
		CheckoutID:        session.ID,
		RedirectURL:       session.RedirectURL,
		AmountCents:       pending.AmountCents,
		Currency:          pending.Currency,
	}, nil
}

// FinalizeCheckout converts an initiated pending checkout into a paid order.
// Replays return the original order without side effects.
func (s *checkoutService) FinalizeCheckout(ctx context.Context, pendingCheckoutID string) (FinalizeResult, error) {
	pendingCheckoutID = strings.TrimSpace(pendingCheckoutID)
	if pendingCheckoutID == "" {
		return FinalizeResult{}, fmt.Errorf("%w: pending checkout id is required", ErrCheckoutInvalidInput)
	}
	pending, err := s.pendingCheckouts.FindByID(ctx, pendingCheckoutID)
	if err != nil {
		return FinalizeResult{}, s.mapRepositoryError(err)
	}
	return s.finalize(ctx, pending)
}

// FinalizeByProviderCheckoutID is the webhook entry point; it resolves the
// pending checkout from the provider's checkout id.
func (s *checkoutService) FinalizeByProviderCheckoutID(ctx context.Context, provider string, providerCheckoutID string) (FinalizeResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	providerCheckoutID = strings.TrimSpace(providerCheckoutID)
	if provider == "" || providerCheckoutID == "" {
		return FinalizeResult{}, fmt.Errorf("%w: provider and checkout id are required", ErrCheckoutInvalidInput)
	}
	pending, err := s.pendingCheckouts.FindByProviderCheckoutID(ctx, provider, providerCheckoutID)
	if err != nil {
		return FinalizeResult{}, s.mapRepositoryError(err)
	}
	return s.finalize(ctx, pending)
}

// ReconcileStaleCheckouts is the fallback poll behind webhook delivery. It
// sweeps initiated checkouts old enough that the webhook should have landed,
// asks the provider whether the session was captured, and finalizes the ones
// that were. Uncaptured sessions are left untouched; expiry stays a read-time
// judgement and never a status write.
func (s *checkoutService) ReconcileStaleCheckouts(ctx context.Context, cmd ReconcileCommand) (ReconcileReport, error) {
	minAge := cmd.MinAge
	if minAge <= 0 {
		minAge = defaultReconcileMinAge
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	now := s.now()
	stale, err := s.pendingCheckouts.ListStaleInitiated(ctx, now.Add(-s.maxAge), now.Add(-minAge), limit)
	if err != nil {
		return ReconcileReport{}, s.mapRepositoryError(err)
	}

	report := ReconcileReport{Scanned: len(stale)}
	for _, pending := range stale {
		if strings.TrimSpace(pending.CheckoutID) == "" {
			// The hosted session was never recorded; there is nothing to
			// verify with the provider.
			report.Skipped++
			continue
		}

		details, err := s.sessions.LookupPayment(ctx, payments.PaymentContext{
			PreferredProvider: pending.Provider,
			Currency:          pending.Currency,
		}, payments.LookupRequest{IntentID: pending.CheckoutID})
		if err != nil {
			s.logger(ctx, "checkout.reconcile_lookup_failed", map[string]any{
				"pendingCheckoutId": pending.ID,
				"checkoutId":        pending.CheckoutID,
				"provider":          pending.Provider,
				"error":             err.Error(),
			})
			report.Failed++
			continue
		}
		if details.Status != payments.StatusSucceeded {
			report.Skipped++
			continue
		}

		result, err := s.finalize(ctx, pending)
		if err != nil {
			s.logger(ctx, "checkout.reconcile_finalize_failed", map[string]any{
				"pendingCheckoutId": pending.ID,
				"checkoutId":        pending.CheckoutID,
				"error":             err.Error(),
			})
			report.Failed++
			continue
		}
		report.Finalized++
		report.OrderIDs = append(report.OrderIDs, result.OrderID)
	}

	s.logger(ctx, "checkout.reconcile_completed", map[string]any{
		"scanned":   report.Scanned,
		"finalized": report.Finalized,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	})
	return report, nil
}

// finalize runs the capture sequence in a retry-safe order: assemble the
// paid order, record the payment keyed on (provider, checkout id), mark the
// checkout completed, then deduct stock. The conditional payment create is
// the idempotency guard, so a failure at any earlier step leaves the record
// initiated and the next attempt starts from scratch.
func (s *checkoutService) finalize(ctx context.Context, pending domain.PendingCheckout) (FinalizeResult, error) {
	if pending.Status == domain.PendingCheckoutStatusCompleted {
		return s.replayResult(ctx, pending)
	}
	if strings.TrimSpace(pending.CheckoutID) == "" {
		return FinalizeResult{}, fmt.Errorf("%w: %s", ErrCheckoutNoCheckoutID, pending.ID)
	}

	now := s.now()
	if now.Sub(pending.CreatedAt) > s.maxAge {
		return FinalizeResult{}, fmt.Errorf("%w: created at %s", ErrCheckoutExpired, pending.CreatedAt.Format(time.RFC3339))
	}

	order, err := s.orders.AssembleOrder(ctx, AssembleOrderCommand{
		UserID:          pending.UserID,
		Customer:        pending.Customer,
		ShippingAddress: pending.ShippingAddress,
		Items:           pending.Items,
		CouponCode:      pending.CouponCode,
		Status:          domain.OrderStatusPaid,
		Currency:        pending.Currency,
	})
	if err != nil {
		// Nothing is recorded yet, so the provider's webhook retry or the
		// fallback poll re-runs the whole sequence.
		s.logger(ctx, "checkout.finalize_assemble_failed", map[string]any{
			"pendingCheckoutId": pending.ID,
			"checkoutId":        pending.CheckoutID,
			"error":             err.Error(),
		})
		return FinalizeResult{}, err
	}

	payment := domain.Payment{
		ID:                paymentIDPrefix + s.newID(),
		OrderID:           order.ID,
		Provider:          pending.Provider,
		ProviderPaymentID: pending.CheckoutID,
		AmountCents:       pending.AmountCents,
		Currency:          pending.Currency,
		Status:            domain.PaymentStatusSucceeded,
		CreatedAt:         now,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Another finalize already recorded this capture. The order
			// assembled here is a duplicate; cancel it and hand back the
			// winner's order.
			s.cancelOrder(ctx, order.ID, "duplicate finalize")
			s.completePending(ctx, pending.ID, now)
			return s.replayResult(ctx, pending)
		}
		s.cancelOrder(ctx, order.ID, "payment record failed")
		return FinalizeResult{}, s.mapRepositoryError(err)
	}

	s.completePending(ctx, pending.ID, now)

	if err := s.stock.Deduct(ctx, orderStockLines(order.Items), stockReasonOrderPaid, order.ID); err != nil {
		// Payment is captured, so the order stands. Stock drift is resolved
		// by an operator adjustment.
		s.logger(ctx, "checkout.stock_deduct_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	s.sendMail(ctx, order, true)

	return FinalizeResult{
		OrderID: order.ID,
		Status:  domain.PendingCheckoutStatusCompleted,
	}, nil
}

// replayResult resolves the order created by the winning finalize call via
// the payment keyed on (provider, checkout id).
func (s *checkoutService) replayResult(ctx context.Context, pending domain.PendingCheckout) (FinalizeResult, error) {
	payment, err := s.payments.FindByProviderPaymentID(ctx, pending.Provider, pending.CheckoutID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			// Completed is only written after the payment row, so a missing
			// row means the record is inconsistent. Fail so the caller keeps
			// retrying instead of acknowledging a capture with no order.
			s.logger(ctx, "checkout.replay_payment_missing", map[string]any{
				"pendingCheckoutId": pending.ID,
				"checkoutId":        pending.CheckoutID,
			})
			return FinalizeResult{}, fmt.Errorf("%w: completed checkout %s has no payment record", ErrCheckoutUnavailable, pending.ID)
		}
		return FinalizeResult{}, s.mapRepositoryError(err)
	}
	return FinalizeResult{
		OrderID:          payment.OrderID,
		Status:           domain.PendingCheckoutStatusCompleted,
		AlreadyCompleted: true,
	}, nil
}

type checkoutQuote struct {
	items         []LineRef
	snapshots     []LineSnapshot
	subtotalCents int64
	discountCents int64
	shippingCents int64
	amountCents   int64
	couponCode    string
}

func (s *checkoutService) quoteCheckout(ctx context.Context, cmd CheckoutCommand) (checkoutQuote, error) {
	snapshots, err := s.catalog.LoadSnapshot(ctx, cmd.Items)
	if err != nil {
		return checkoutQuote{}, err
	}

	var subtotal int64
	items := make([]LineRef, 0, len(snapshots))
	for _, snapshot := range snapshots {
		lineTotal, err := domain.LineTotal(snapshot.Quantity, snapshot.UnitPriceCents)
		if err != nil {
			return checkoutQuote{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		subtotal += lineTotal
		items = append(items, LineRef{
			ProductID: snapshot.ProductID,
			VariantID: snapshot.VariantID,
			Quantity:  snapshot.Quantity,
		})
	}

	var (
		discount   int64
		couponCode string
	)
	if strings.TrimSpace(cmd.CouponCode) != "" {
		if s.coupons == nil {
			return checkoutQuote{}, fmt.Errorf("%w: coupon support is not configured", ErrCheckoutInvalidInput)
		}
		// Validation only. Redemption happens when the order is assembled
		// at finalize, so abandoned sessions never consume a use.
		quote, err := s.coupons.Validate(ctx, cmd.CouponCode, subtotal)
		if err != nil {
			return checkoutQuote{}, err
		}
		couponCode = quote.Coupon.Code
		discount = quote.DiscountCents
	}

	shipping, err := s.shipping.QuoteByProvince(ctx, cmd.ShippingAddress.Province)
	if err != nil {
		return checkoutQuote{}, err
	}

	return checkoutQuote{
		items:         items,
		snapshots:     snapshots,
		subtotalCents: subtotal,
		discountCents: discount,
		shippingCents: shipping,
		amountCents:   domain.OrderTotal(subtotal, shipping, discount),
		couponCode:    couponCode,
	}, nil
}

func (s *checkoutService) cancelOrder(ctx context.Context, orderID string, cause string) {
	if _, err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
		s.logger(ctx, "checkout.cancel_order_failed", map[string]any{
			"orderId": orderID,
			"cause":   cause,
			"error":   err.Error(),
		})
	}
}

// completePending flips the record out of initiated once the payment row
// exists. A conflict means another caller already flipped it; any other
// failure is tolerated because the payment row guards replays and a later
// finalize converges the status.
func (s *checkoutService) completePending(ctx context.Context, pendingID string, now time.Time) {
	if _, err := s.pendingCheckouts.MarkCompleted(ctx, pendingID, now); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return
		}
		s.logger(ctx, "checkout.mark_completed_failed", map[string]any{
			"pendingCheckoutId": pendingID,
			"error":             err.Error(),
		})
	}
}

// sendMail is best effort; a mail failure never fails checkout.
func (s *checkoutService) sendMail(ctx context.Context, order Order, paid bool) {
	if s.mail == nil {
		return
	}
	var err error
	if paid {
		err = s.mail.SendOrderPaidEmail(ctx, order)
	} else {
		err = s.mail.SendBankTransferOrderEmail(ctx, order)
	}
	if err != nil {
		s.logger(ctx, "checkout.mail_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCheckoutNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return err
}

func orderStockLines(items []OrderItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func buildSessionLineItems(quote checkoutQuote, currency string) []payments.CheckoutLineItem {
	// Hosted pages display line items only when they sum to the charged
	// amount; discounts and shipping collapse the cart to a single line.
	if quote.discountCents == 0 && quote.shippingCents == 0 {
		items := make([]payments.CheckoutLineItem, 0, len(quote.snapshots))
		for _, snapshot := range quote.snapshots {
			items = append(items, payments.CheckoutLineItem{
				Name:     snapshot.Title,
				SKU:      snapshot.SKU,
				Quantity: int64(snapshot.Quantity),
				Amount:   snapshot.UnitPriceCents,
				Currency: currency,
			})
		}
		return items
	}
	return []payments.CheckoutLineItem{
		{
			Name:     "Order",
			Quantity: 1,
			Amount:   quote.amountCents,
			Currency: currency,
		},
	}
}
