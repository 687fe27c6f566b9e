package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/payments"
	"github.com/protea-commerce/api/internal/repositories"
)

type stubOrderService struct {
	assembleFn   func(ctx context.Context, cmd AssembleOrderCommand) (Order, error)
	transitionFn func(ctx context.Context, orderID string, status domain.OrderStatus) (Order, error)
}

func (s *stubOrderService) AssembleOrder(ctx context.Context, cmd AssembleOrderCommand) (Order, error) {
	return s.assembleFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(context.Context, string) (Order, error) {
	return Order{}, ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(context.Context, repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	return domain.CursorPage[Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus) (Order, error) {
	if s.transitionFn == nil {
		return Order{ID: orderID, Status: status}, nil
	}
	return s.transitionFn(ctx, orderID, status)
}

type stubStockService struct {
	deductFn  func(ctx context.Context, lines []StockLine, reason string, reference string) error
	restoreFn func(ctx context.Context, lines []StockLine, reason string, reference string) error
	adjustFn  func(ctx context.Context, productID string, variantID string, oldQty int, newQty int, reason string, reference string) error
}

func (s *stubStockService) Deduct(ctx context.Context, lines []StockLine, reason string, reference string) error {
	if s.deductFn == nil {
		return nil
	}
	return s.deductFn(ctx, lines, reason, reference)
}

func (s *stubStockService) Restore(ctx context.Context, lines []StockLine, reason string, reference string) error {
	if s.restoreFn == nil {
		return nil
	}
	return s.restoreFn(ctx, lines, reason, reference)
}

func (s *stubStockService) AdjustDelta(ctx context.Context, productID string, variantID string, oldQty int, newQty int, reason string, reference string) error {
	if s.adjustFn == nil {
		return nil
	}
	return s.adjustFn(ctx, productID, variantID, oldQty, newQty, reason, reference)
}

type stubPendingCheckoutRepository struct {
	insertFn              func(ctx context.Context, checkout domain.PendingCheckout) error
	findByIDFn            func(ctx context.Context, checkoutID string) (domain.PendingCheckout, error)
	findByProviderFn      func(ctx context.Context, provider string, providerCheckoutID string) (domain.PendingCheckout, error)
	setProviderCheckoutFn func(ctx context.Context, checkoutID string, provider string, providerCheckoutID string, now time.Time) error
	markCompletedFn       func(ctx context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error)
	listStaleFn           func(ctx context.Context, notBefore time.Time, cutoff time.Time, limit int) ([]domain.PendingCheckout, error)
}

func (s *stubPendingCheckoutRepository) Insert(ctx context.Context, checkout domain.PendingCheckout) error {
	if s.insertFn == nil {
		return nil
	}
	return s.insertFn(ctx, checkout)
}

func (s *stubPendingCheckoutRepository) FindByID(ctx context.Context, checkoutID string) (domain.PendingCheckout, error) {
	if s.findByIDFn == nil {
		return domain.PendingCheckout{}, notFoundRepositoryError{}
	}
	return s.findByIDFn(ctx, checkoutID)
}

func (s *stubPendingCheckoutRepository) FindByProviderCheckoutID(ctx context.Context, provider string, providerCheckoutID string) (domain.PendingCheckout, error) {
	if s.findByProviderFn == nil {
		return domain.PendingCheckout{}, notFoundRepositoryError{}
	}
	return s.findByProviderFn(ctx, provider, providerCheckoutID)
}

func (s *stubPendingCheckoutRepository) SetProviderCheckout(ctx context.Context, checkoutID string, provider string, providerCheckoutID string, now time.Time) error {
	if s.setProviderCheckoutFn == nil {
		return nil
	}
	return s.setProviderCheckoutFn(ctx, checkoutID, provider, providerCheckoutID, now)
}

func (s *stubPendingCheckoutRepository) MarkCompleted(ctx context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error) {
	if s.markCompletedFn == nil {
		return domain.PendingCheckout{}, notFoundRepositoryError{}
	}
	return s.markCompletedFn(ctx, checkoutID, now)
}

func (s *stubPendingCheckoutRepository) ListStaleInitiated(ctx context.Context, notBefore time.Time, cutoff time.Time, limit int) ([]domain.PendingCheckout, error) {
	if s.listStaleFn == nil {
		return nil, nil
	}
	return s.listStaleFn(ctx, notBefore, cutoff, limit)
}

type stubPaymentRepository struct {
	createFn func(ctx context.Context, payment domain.Payment) error
	findFn   func(ctx context.Context, provider string, providerPaymentID string) (domain.Payment, error)
}

func (s *stubPaymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, payment)
}

func (s *stubPaymentRepository) FindByProviderPaymentID(ctx context.Context, provider string, providerPaymentID string) (domain.Payment, error) {
	if s.findFn == nil {
		return domain.Payment{}, notFoundRepositoryError{}
	}
	return s.findFn(ctx, provider, providerPaymentID)
}

func (s *stubPaymentRepository) ListByOrder(context.Context, string) ([]domain.Payment, error) {
	return nil, nil
}

type stubPaymentGateway struct {
	createFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	lookupFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

func (s *stubPaymentGateway) CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if s.createFn == nil {
		return payments.CheckoutSession{ID: "co_test", Provider: "yoco", RedirectURL: "https://pay.example/co_test"}, nil
	}
	return s.createFn(ctx, paymentCtx, req)
}

func (s *stubPaymentGateway) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupFn == nil {
		return payments.PaymentDetails{}, errors.New("lookup not configured")
	}
	return s.lookupFn(ctx, paymentCtx, req)
}

type captureMailDispatcher struct {
	paidOrders         []Order
	bankTransferOrders []Order
	err                error
}

func (c *captureMailDispatcher) SendOrderPaidEmail(_ context.Context, order Order) error {
	c.paidOrders = append(c.paidOrders, order)
	return c.err
}

func (c *captureMailDispatcher) SendBankTransferOrderEmail(_ context.Context, order Order) error {
	c.bankTransferOrders = append(c.bankTransferOrders, order)
	return c.err
}

var checkoutTestClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newCheckoutFixture(t *testing.T) CheckoutServiceDeps {
	t.Helper()
	return CheckoutServiceDeps{
		Orders: &stubOrderService{
			assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
				return Order{
					ID:         "ord_1",
					Status:     cmd.Status,
					Currency:   "ZAR",
					TotalCents: 9200,
					Items: []OrderItem{
						{ProductID: "prd_1", Quantity: 2, UnitPriceCents: 2000, LineTotalCents: 4000},
					},
				}, nil
			},
		},
		Catalog: &stubCatalogService{
			loadSnapshotFn: func(_ context.Context, refs []LineRef) ([]LineSnapshot, error) {
				snapshots := make([]LineSnapshot, 0, len(refs))
				for _, ref := range refs {
					snapshots = append(snapshots, LineSnapshot{
						ProductID:      ref.ProductID,
						VariantID:      ref.VariantID,
						Title:          "Karoo Blanket",
						Quantity:       ref.Quantity,
						UnitPriceCents: 2000,
					})
				}
				return snapshots, nil
			},
		},
		Shipping: &stubShippingQuoter{
			quoteFn: func(context.Context, string) (int64, error) { return 6000, nil },
		},
		Stock:            &stubStockService{},
		PendingCheckouts: &stubPendingCheckoutRepository{},
		Payments:         &stubPaymentRepository{},
		Sessions:         &stubPaymentGateway{},
		Clock:            checkoutTestClock,
		IDGenerator:      func() string { return "01TESTULID" },
	}
}

func TestCreateBankTransferOrderDeductsStock(t *testing.T) {
	deps := newCheckoutFixture(t)

	var (
		deductedReason string
		deductedRef    string
		deductedLines  []StockLine
	)
	deps.Stock = &stubStockService{
		deductFn: func(_ context.Context, lines []StockLine, reason string, reference string) error {
			deductedLines = lines
			deductedReason = reason
			deductedRef = reference
			return nil
		},
	}
	mail := &captureMailDispatcher{}
	deps.Mail = mail

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	order, err := svc.CreateBankTransferOrder(context.Background(), CheckoutCommand{
		Customer:        CustomerContact{Email: "naledi@example.com"},
		ShippingAddress: Address{Province: "Gauteng"},
		Items:           []LineRef{{ProductID: "prd_1", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateBankTransferOrder: %v", err)
	}

	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status = %q, want pending_payment", order.Status)
	}
	if deductedReason != "order_created" || deductedRef != "ord_1" {
		t.Fatalf("deduct reason = %q ref = %q", deductedReason, deductedRef)
	}
	if len(deductedLines) != 1 || deductedLines[0].Quantity != 2 {
		t.Fatalf("deducted lines = %+v", deductedLines)
	}
	if len(mail.bankTransferOrders) != 1 {
		t.Fatalf("bank transfer mails = %d, want 1", len(mail.bankTransferOrders))
	}
	if len(mail.paidOrders) != 0 {
		t.Fatalf("unexpected paid mail")
	}
}

func TestCreateBankTransferOrderCancelsOnStockFailure(t *testing.T) {
	deps := newCheckoutFixture(t)
	deps.Stock = &stubStockService{
		deductFn: func(context.Context, []StockLine, string, string) error {
			return ErrStockInsufficient
		},
	}

	cancelled := ""
	deps.Orders.(*stubOrderService).transitionFn = func(_ context.Context, orderID string, status domain.OrderStatus) (Order, error) {
		if status == domain.OrderStatusCancelled {
			cancelled = orderID
		}
		return Order{ID: orderID, Status: status}, nil
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	_, err = svc.CreateBankTransferOrder(context.Background(), CheckoutCommand{
		Customer:        CustomerContact{Email: "x@example.com"},
		ShippingAddress: Address{Province: "Gauteng"},
		Items:           []LineRef{{ProductID: "prd_1", Quantity: 2}},
	})
	if !errors.Is(err, ErrStockInsufficient) {
		t.Fatalf("err = %v, want ErrStockInsufficient", err)
	}
	if cancelled != "ord_1" {
		t.Fatalf("cancelled = %q, want ord_1", cancelled)
	}
}

func TestStartCardCheckoutRecordsPendingAndSession(t *testing.T) {
	deps := newCheckoutFixture(t)

	var inserted domain.PendingCheckout
	var recordedProvider, recordedCheckoutID string
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		insertFn: func(_ context.Context, checkout domain.PendingCheckout) error {
			inserted = checkout
			return nil
		},
		setProviderCheckoutFn: func(_ context.Context, checkoutID string, provider string, providerCheckoutID string, _ time.Time) error {
			if checkoutID != inserted.ID {
				t.Fatalf("recorded against %q, want %q", checkoutID, inserted.ID)
			}
			recordedProvider = provider
			recordedCheckoutID = providerCheckoutID
			return nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		createFn: func(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			if req.Amount != 4000+6000 {
				t.Fatalf("session amount = %d, want 10000", req.Amount)
			}
			if req.Metadata["pending_checkout_id"] == "" {
				t.Fatalf("pending checkout id missing from session metadata")
			}
			return payments.CheckoutSession{ID: "co_abc", Provider: "yoco", RedirectURL: "https://pay.example/co_abc"}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	card, err := svc.StartCardCheckout(context.Background(), CardCheckoutCommand{
		CheckoutCommand: CheckoutCommand{
			Customer:        CustomerContact{Email: "x@example.com"},
			ShippingAddress: Address{Province: "Western Cape"},
			Items:           []LineRef{{ProductID: "prd_1", Quantity: 2}},
		},
		SuccessURL: "https://shop.example/success",
		CancelURL:  "https://shop.example/cancel",
	})
	if err != nil {
		t.Fatalf("StartCardCheckout: %v", err)
	}

	if inserted.Status != domain.PendingCheckoutStatusInitiated {
		t.Fatalf("inserted status = %q", inserted.Status)
	}
	if inserted.AmountCents != 10000 {
		t.Fatalf("inserted amount = %d, want 10000", inserted.AmountCents)
	}
	if recordedProvider != "yoco" || recordedCheckoutID != "co_abc" {
		t.Fatalf("recorded provider = %q checkout = %q", recordedProvider, recordedCheckoutID)
	}
	if card.CheckoutID != "co_abc" || card.RedirectURL == "" {
		t.Fatalf("card = %+v", card)
	}
}

func TestStartCardCheckoutSessionFailureLeavesInitiatedRecord(t *testing.T) {
	deps := newCheckoutFixture(t)

	recorded := false
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		setProviderCheckoutFn: func(context.Context, string, string, string, time.Time) error {
			recorded = true
			return nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		createFn: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, errors.New("provider 503")
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	_, err = svc.StartCardCheckout(context.Background(), CardCheckoutCommand{
		CheckoutCommand: CheckoutCommand{
			Customer:        CustomerContact{Email: "x@example.com"},
			ShippingAddress: Address{Province: "Gauteng"},
			Items:           []LineRef{{ProductID: "prd_1", Quantity: 1}},
		},
		SuccessURL: "https://shop.example/success",
		CancelURL:  "https://shop.example/cancel",
	})
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("err = %v, want ErrCheckoutPaymentFailed", err)
	}
	if recorded {
		t.Fatalf("provider checkout recorded despite session failure")
	}
}

func initiatedPendingCheckout() domain.PendingCheckout {
	return domain.PendingCheckout{
		ID:              "chk_1",
		Customer:        CustomerContact{Email: "x@example.com"},
		ShippingAddress: Address{Province: "Gauteng"},
		Items:           []LineRef{{ProductID: "prd_1", Quantity: 2}},
		AmountCents:     9200,
		Currency:        "ZAR",
		Provider:        "yoco",
		CheckoutID:      "co_abc",
		Status:          domain.PendingCheckoutStatusInitiated,
		CreatedAt:       checkoutTestClock().Add(-1 * time.Hour),
	}
}

func TestFinalizeCheckoutCreatesPaidOrder(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
		markCompletedFn: func(_ context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error) {
			done := pending
			done.Status = domain.PendingCheckoutStatusCompleted
			done.UpdatedAt = now
			return done, nil
		},
	}

	var createdPayment domain.Payment
	deps.Payments = &stubPaymentRepository{
		createFn: func(_ context.Context, payment domain.Payment) error {
			createdPayment = payment
			return nil
		},
	}

	var deductRef string
	deps.Stock = &stubStockService{
		deductFn: func(_ context.Context, _ []StockLine, reason string, reference string) error {
			if reason != "order_paid" {
				t.Fatalf("deduct reason = %q, want order_paid", reason)
			}
			deductRef = reference
			return nil
		},
	}
	mail := &captureMailDispatcher{}
	deps.Mail = mail

	var assembled AssembleOrderCommand
	deps.Orders = &stubOrderService{
		assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
			assembled = cmd
			return Order{ID: "ord_9", Status: cmd.Status, Currency: cmd.Currency, TotalCents: 9200, Items: []OrderItem{{ProductID: "prd_1", Quantity: 2}}}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	result, err := svc.FinalizeCheckout(context.Background(), "chk_1")
	if err != nil {
		t.Fatalf("FinalizeCheckout: %v", err)
	}

	if result.AlreadyCompleted {
		t.Fatalf("first finalize reported as replay")
	}
	if result.OrderID != "ord_9" {
		t.Fatalf("order id = %q", result.OrderID)
	}
	if assembled.Status != domain.OrderStatusPaid {
		t.Fatalf("assembled status = %q, want paid", assembled.Status)
	}
	if createdPayment.Provider != "yoco" || createdPayment.ProviderPaymentID != "co_abc" {
		t.Fatalf("payment key = (%q, %q)", createdPayment.Provider, createdPayment.ProviderPaymentID)
	}
	if createdPayment.OrderID != "ord_9" {
		t.Fatalf("payment order id = %q", createdPayment.OrderID)
	}
	if deductRef != "ord_9" {
		t.Fatalf("stock reference = %q", deductRef)
	}
	if len(mail.paidOrders) != 1 {
		t.Fatalf("paid mails = %d, want 1", len(mail.paidOrders))
	}
}

func TestFinalizeCheckoutReplayReturnsOriginalOrder(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.Status = domain.PendingCheckoutStatusCompleted
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
	}
	deps.Payments = &stubPaymentRepository{
		findFn: func(_ context.Context, provider string, providerPaymentID string) (domain.Payment, error) {
			if provider != "yoco" || providerPaymentID != "co_abc" {
				t.Fatalf("lookup key = (%q, %q)", provider, providerPaymentID)
			}
			return domain.Payment{ID: "pay_1", OrderID: "ord_9"}, nil
		},
	}
	deps.Orders = &stubOrderService{
		assembleFn: func(context.Context, AssembleOrderCommand) (Order, error) {
			t.Fatalf("AssembleOrder called during replay")
			return Order{}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	result, err := svc.FinalizeCheckout(context.Background(), "chk_1")
	if err != nil {
		t.Fatalf("FinalizeCheckout: %v", err)
	}
	if !result.AlreadyCompleted || result.OrderID != "ord_9" {
		t.Fatalf("result = %+v", result)
	}
}

func TestFinalizeCheckoutRejectsMissingCheckoutID(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.CheckoutID = ""
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	if _, err := svc.FinalizeCheckout(context.Background(), "chk_1"); !errors.Is(err, ErrCheckoutNoCheckoutID) {
		t.Fatalf("err = %v, want ErrCheckoutNoCheckoutID", err)
	}
}

func TestFinalizeCheckoutRejectsAgedCheckout(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.CreatedAt = checkoutTestClock().Add(-25 * time.Hour)
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	if _, err := svc.FinalizeCheckout(context.Background(), "chk_1"); !errors.Is(err, ErrCheckoutExpired) {
		t.Fatalf("err = %v, want ErrCheckoutExpired", err)
	}
}

func TestFinalizeCheckoutLosingRacerTakesReplayPath(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
		markCompletedFn: func(context.Context, string, time.Time) (domain.PendingCheckout, error) {
			return domain.PendingCheckout{}, conflictRepositoryError{}
		},
	}
	deps.Payments = &stubPaymentRepository{
		createFn: func(context.Context, domain.Payment) error {
			return conflictRepositoryError{}
		},
		findFn: func(context.Context, string, string) (domain.Payment, error) {
			return domain.Payment{ID: "pay_1", OrderID: "ord_9"}, nil
		},
	}

	cancelled := ""
	deps.Orders = &stubOrderService{
		assembleFn: func(context.Context, AssembleOrderCommand) (Order, error) {
			return Order{ID: "ord_dup", Status: domain.OrderStatusPaid}, nil
		},
		transitionFn: func(_ context.Context, orderID string, status domain.OrderStatus) (Order, error) {
			if status == domain.OrderStatusCancelled {
				cancelled = orderID
			}
			return Order{ID: orderID, Status: status}, nil
		},
	}

	deducted := false
	deps.Stock = &stubStockService{
		deductFn: func(context.Context, []StockLine, string, string) error {
			deducted = true
			return nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	result, err := svc.FinalizeCheckout(context.Background(), "chk_1")
	if err != nil {
		t.Fatalf("FinalizeCheckout: %v", err)
	}
	if !result.AlreadyCompleted || result.OrderID != "ord_9" {
		t.Fatalf("result = %+v", result)
	}
	if cancelled != "ord_dup" {
		t.Fatalf("cancelled = %q, want ord_dup", cancelled)
	}
	if deducted {
		t.Fatalf("losing racer deducted stock")
	}
}

func TestFinalizeCheckoutRetriesAfterAssemblyFailure(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	markCalls := 0
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
		markCompletedFn: func(_ context.Context, _ string, now time.Time) (domain.PendingCheckout, error) {
			markCalls++
			pending.Status = domain.PendingCheckoutStatusCompleted
			pending.UpdatedAt = now
			return pending, nil
		},
	}

	paymentCreates := 0
	deps.Payments = &stubPaymentRepository{
		createFn: func(context.Context, domain.Payment) error {
			paymentCreates++
			return nil
		},
	}

	errAssembleDown := errors.New("order store unavailable")
	assembleCalls := 0
	deps.Orders = &stubOrderService{
		assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
			assembleCalls++
			if assembleCalls == 1 {
				return Order{}, errAssembleDown
			}
			return Order{ID: "ord_9", Status: cmd.Status, Items: []OrderItem{{ProductID: "prd_1", Quantity: 2}}}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	if _, err := svc.FinalizeCheckout(context.Background(), "chk_1"); !errors.Is(err, errAssembleDown) {
		t.Fatalf("first finalize err = %v, want assembly failure", err)
	}
	if markCalls != 0 || paymentCreates != 0 {
		t.Fatalf("failed assembly wrote state: markCalls = %d paymentCreates = %d", markCalls, paymentCreates)
	}
	if pending.Status != domain.PendingCheckoutStatusInitiated {
		t.Fatalf("status after failed assembly = %q, want initiated", pending.Status)
	}

	result, err := svc.FinalizeCheckout(context.Background(), "chk_1")
	if err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if result.OrderID != "ord_9" || result.AlreadyCompleted {
		t.Fatalf("retry result = %+v", result)
	}
	if assembleCalls != 2 || paymentCreates != 1 || markCalls != 1 {
		t.Fatalf("assembleCalls = %d paymentCreates = %d markCalls = %d", assembleCalls, paymentCreates, markCalls)
	}
}

func TestFinalizeCheckoutRecordsPaymentBeforeCompleting(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	var sequence []string
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
		markCompletedFn: func(_ context.Context, _ string, now time.Time) (domain.PendingCheckout, error) {
			sequence = append(sequence, "completed")
			done := pending
			done.Status = domain.PendingCheckoutStatusCompleted
			done.UpdatedAt = now
			return done, nil
		},
	}
	deps.Payments = &stubPaymentRepository{
		createFn: func(context.Context, domain.Payment) error {
			sequence = append(sequence, "payment")
			return nil
		},
	}
	deps.Orders = &stubOrderService{
		assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
			sequence = append(sequence, "assemble")
			return Order{ID: "ord_9", Status: cmd.Status, Items: []OrderItem{{ProductID: "prd_1", Quantity: 2}}}, nil
		},
	}
	deps.Stock = &stubStockService{
		deductFn: func(context.Context, []StockLine, string, string) error {
			sequence = append(sequence, "deduct")
			return nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	if _, err := svc.FinalizeCheckout(context.Background(), "chk_1"); err != nil {
		t.Fatalf("FinalizeCheckout: %v", err)
	}

	want := []string{"assemble", "payment", "completed", "deduct"}
	if len(sequence) != len(want) {
		t.Fatalf("sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", sequence, want)
		}
	}
}

func TestFinalizeCheckoutReplayWithoutPaymentRecordFails(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.Status = domain.PendingCheckoutStatusCompleted
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByIDFn: func(context.Context, string) (domain.PendingCheckout, error) {
			return pending, nil
		},
	}
	deps.Payments = &stubPaymentRepository{
		findFn: func(context.Context, string, string) (domain.Payment, error) {
			return domain.Payment{}, notFoundRepositoryError{}
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	if _, err := svc.FinalizeCheckout(context.Background(), "chk_1"); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("err = %v, want ErrCheckoutUnavailable", err)
	}
}

func TestFinalizeByProviderCheckoutIDResolvesPending(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.Status = domain.PendingCheckoutStatusCompleted
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		findByProviderFn: func(_ context.Context, provider string, providerCheckoutID string) (domain.PendingCheckout, error) {
			if provider != "yoco" || providerCheckoutID != "co_abc" {
				return domain.PendingCheckout{}, notFoundRepositoryError{}
			}
			return pending, nil
		},
	}
	deps.Payments = &stubPaymentRepository{
		findFn: func(context.Context, string, string) (domain.Payment, error) {
			return domain.Payment{OrderID: "ord_9"}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	result, err := svc.FinalizeByProviderCheckoutID(context.Background(), "YOCO", "co_abc")
	if err != nil {
		t.Fatalf("FinalizeByProviderCheckoutID: %v", err)
	}
	if result.OrderID != "ord_9" {
		t.Fatalf("order id = %q", result.OrderID)
	}

	if _, err := svc.FinalizeByProviderCheckoutID(context.Background(), "yoco", "co_missing"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("err = %v, want ErrCheckoutNotFound", err)
	}
}

func TestReconcileFinalizesCapturedCheckout(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	var window struct {
		notBefore time.Time
		cutoff    time.Time
		limit     int
	}
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		listStaleFn: func(_ context.Context, notBefore time.Time, cutoff time.Time, limit int) ([]domain.PendingCheckout, error) {
			window.notBefore, window.cutoff, window.limit = notBefore, cutoff, limit
			return []domain.PendingCheckout{pending}, nil
		},
		markCompletedFn: func(_ context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error) {
			done := pending
			done.Status = domain.PendingCheckoutStatusCompleted
			done.UpdatedAt = now
			return done, nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		lookupFn: func(_ context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
			if paymentCtx.PreferredProvider != "yoco" || req.IntentID != "co_abc" {
				t.Fatalf("lookup key = (%q, %q)", paymentCtx.PreferredProvider, req.IntentID)
			}
			return payments.PaymentDetails{Provider: "yoco", IntentID: "co_abc", Status: payments.StatusSucceeded}, nil
		},
	}
	var createdPayment domain.Payment
	deps.Payments = &stubPaymentRepository{
		createFn: func(_ context.Context, payment domain.Payment) error {
			createdPayment = payment
			return nil
		},
	}
	deps.Orders = &stubOrderService{
		assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
			return Order{ID: "ord_9", Status: cmd.Status, Currency: cmd.Currency}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	report, err := svc.ReconcileStaleCheckouts(context.Background(), ReconcileCommand{MinAge: 10 * time.Minute, Limit: 25})
	if err != nil {
		t.Fatalf("ReconcileStaleCheckouts: %v", err)
	}

	if report.Scanned != 1 || report.Finalized != 1 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.OrderIDs) != 1 || report.OrderIDs[0] != "ord_9" {
		t.Fatalf("order ids = %v", report.OrderIDs)
	}
	if createdPayment.ProviderPaymentID != "co_abc" {
		t.Fatalf("payment keyed on %q", createdPayment.ProviderPaymentID)
	}
	if window.limit != 25 {
		t.Fatalf("limit = %d, want 25", window.limit)
	}
	now := checkoutTestClock()
	if !window.cutoff.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("cutoff = %s", window.cutoff)
	}
	if !window.notBefore.Equal(now.Add(-defaultCheckoutMaxAge)) {
		t.Fatalf("notBefore = %s", window.notBefore)
	}
}

func TestReconcileSkipsUncapturedCheckout(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		listStaleFn: func(context.Context, time.Time, time.Time, int) ([]domain.PendingCheckout, error) {
			return []domain.PendingCheckout{pending}, nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		lookupFn: func(context.Context, payments.PaymentContext, payments.LookupRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{Provider: "yoco", IntentID: "co_abc", Status: payments.StatusPending}, nil
		},
	}
	deps.Orders = &stubOrderService{
		assembleFn: func(context.Context, AssembleOrderCommand) (Order, error) {
			t.Fatalf("AssembleOrder called for an uncaptured session")
			return Order{}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	report, err := svc.ReconcileStaleCheckouts(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("ReconcileStaleCheckouts: %v", err)
	}
	if report.Scanned != 1 || report.Skipped != 1 || report.Finalized != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReconcileSkipsSessionlessCheckout(t *testing.T) {
	deps := newCheckoutFixture(t)

	pending := initiatedPendingCheckout()
	pending.CheckoutID = ""
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		listStaleFn: func(context.Context, time.Time, time.Time, int) ([]domain.PendingCheckout, error) {
			return []domain.PendingCheckout{pending}, nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		lookupFn: func(context.Context, payments.PaymentContext, payments.LookupRequest) (payments.PaymentDetails, error) {
			t.Fatalf("LookupPayment called without a provider checkout id")
			return payments.PaymentDetails{}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	report, err := svc.ReconcileStaleCheckouts(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("ReconcileStaleCheckouts: %v", err)
	}
	if report.Scanned != 1 || report.Skipped != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReconcileCountsLookupFailures(t *testing.T) {
	deps := newCheckoutFixture(t)

	captured := initiatedPendingCheckout()
	unreachable := initiatedPendingCheckout()
	unreachable.ID = "chk_2"
	unreachable.CheckoutID = "co_down"
	deps.PendingCheckouts = &stubPendingCheckoutRepository{
		listStaleFn: func(context.Context, time.Time, time.Time, int) ([]domain.PendingCheckout, error) {
			return []domain.PendingCheckout{unreachable, captured}, nil
		},
		markCompletedFn: func(_ context.Context, checkoutID string, now time.Time) (domain.PendingCheckout, error) {
			done := captured
			done.Status = domain.PendingCheckoutStatusCompleted
			return done, nil
		},
	}
	deps.Sessions = &stubPaymentGateway{
		lookupFn: func(_ context.Context, _ payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
			if req.IntentID == "co_down" {
				return payments.PaymentDetails{}, errors.New("gateway timeout")
			}
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}
	deps.Orders = &stubOrderService{
		assembleFn: func(_ context.Context, cmd AssembleOrderCommand) (Order, error) {
			return Order{ID: "ord_9", Status: cmd.Status}, nil
		},
	}

	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	report, err := svc.ReconcileStaleCheckouts(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("ReconcileStaleCheckouts: %v", err)
	}
	if report.Scanned != 2 || report.Failed != 1 || report.Finalized != 1 {
		t.Fatalf("report = %+v", report)
	}
}
