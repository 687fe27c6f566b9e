package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oli_"

	orderCounterID = "orders"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a concurrent modification was detected.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidState indicates a disallowed status transition.
	ErrOrderInvalidState = errors.New("order: invalid state transition")
	// ErrOrderItemsIncomplete reports a persisted header whose lines failed
	// to write. The order exists as an orphan row; callers surface this as a
	// server fault rather than retrying silently.
	ErrOrderItemsIncomplete = errors.New("order: header persisted but line items failed")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:           {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusShipped},
	domain.OrderStatusShipped:        {domain.OrderStatusDelivered},
}

// OrderEventPublisher receives lifecycle events after order mutations.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent describes a single order lifecycle change.
type OrderEvent struct {
	Type       string
	OrderID    string
	Status     domain.OrderStatus
	TotalCents int64
	Currency   string
	OccurredAt time.Time
}

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Counters        repositories.CounterRepository
	Catalog         CatalogService
	Coupons         CouponService
	Shipping        ShippingQuoter
	Customers       CustomerProfileUpserter
	UnitOfWork      repositories.UnitOfWork
	Events          OrderEventPublisher
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	counters        repositories.CounterRepository
	catalog         CatalogService
	coupons         CouponService
	shipping        ShippingQuoter
	customers       CustomerProfileUpserter
	unitOfWork      repositories.UnitOfWork
	events          OrderEventPublisher
	defaultCurrency string
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog service is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("order service: shipping quoter is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "ZAR"
	}

	return &orderService{
		orders:          deps.Orders,
		counters:        deps.Counters,
		catalog:         deps.Catalog,
		coupons:         deps.Coupons,
		shipping:        deps.Shipping,
		customers:       deps.Customers,
		unitOfWork:      unit,
		events:          deps.Events,
		defaultCurrency: currency,
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		logger:          logger,
	}, nil
}

// AssembleOrder converts a validated cart into a persisted order aggregate.
// Every monetary figure is computed server-side from the catalog snapshot;
// nothing from the client payload is trusted as a price.
func (s *orderService) AssembleOrder(ctx context.Context, cmd AssembleOrderCommand) (Order, error) {
	if err := validateAssembleCommand(cmd); err != nil {
		return Order{}, err
	}

	snapshots, err := s.catalog.LoadSnapshot(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	subtotal, items, err := s.buildOrderItems(snapshots)
	if err != nil {
		return Order{}, err
	}

	var (
		discount   int64
		couponCode string
	)
	if strings.TrimSpace(cmd.CouponCode) != "" {
		if s.coupons == nil {
			return Order{}, fmt.Errorf("%w: coupon support is not configured", ErrOrderInvalidInput)
		}
		quote, err := s.coupons.Validate(ctx, cmd.CouponCode, subtotal)
		if err != nil {
			return Order{}, err
		}
		// Redemption is atomic against the usage limit; losing the race
		// aborts assembly before anything is persisted.
		coupon, err := s.coupons.Redeem(ctx, quote.Coupon.Code)
		if err != nil {
			return Order{}, err
		}
		couponCode = coupon.Code
		discount = quote.DiscountCents
	}

	shipping, err := s.shipping.QuoteByProvince(ctx, cmd.ShippingAddress.Province)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		Number:          number,
		UserID:          strings.TrimSpace(cmd.UserID),
		Customer:        trimContact(cmd.Customer),
		Status:          cmd.Status,
		Currency:        currency,
		SubtotalCents:   subtotal,
		ShippingCents:   shipping,
		DiscountCents:   discount,
		TotalCents:      domain.OrderTotal(subtotal, shipping, discount),
		CouponCode:      couponCode,
		ShippingAddress: cmd.ShippingAddress,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Header before lines. A line failure after the header write leaves an
	// orphan header surfaced as ErrOrderItemsIncomplete.
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := s.orders.InsertItems(ctx, order.ID, order.Items); err != nil {
		return Order{}, fmt.Errorf("%w: %s: %v", ErrOrderItemsIncomplete, order.ID, err)
	}

	s.upsertCustomerProfile(ctx, order)
	s.publishEvent(ctx, OrderEvent{
		Type:       "order.created",
		OrderID:    order.ID,
		Status:     order.Status,
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
		OccurredAt: now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var updated Order
	err := s.runInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status == status {
			updated = order
			return nil
		}
		if !canTransition(order.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, status)
		}
		updated, err = s.orders.UpdateStatus(ctx, orderID, status, s.clock())
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       "order.status_changed",
		OrderID:    updated.ID,
		Status:     updated.Status,
		TotalCents: updated.TotalCents,
		Currency:   updated.Currency,
		OccurredAt: s.clock(),
	})
	return updated, nil
}

func (s *orderService) buildOrderItems(snapshots []LineSnapshot) (int64, []OrderItem, error) {
	var subtotal int64
	items := make([]OrderItem, 0, len(snapshots))
	for _, snapshot := range snapshots {
		lineTotal, err := domain.LineTotal(snapshot.Quantity, snapshot.UnitPriceCents)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		subtotal += lineTotal
		items = append(items, OrderItem{
			ID:             orderItemIDPrefix + s.newID(),
			ProductID:      snapshot.ProductID,
			VariantID:      snapshot.VariantID,
			SKU:            snapshot.SKU,
			Title:          snapshot.Title,
			Attributes:     cloneStringMap(snapshot.Attributes),
			Quantity:       snapshot.Quantity,
			UnitPriceCents: snapshot.UnitPriceCents,
			LineTotalCents: lineTotal,
		})
	}
	return subtotal, items, nil
}

// upsertCustomerProfile is best effort; a failed upsert never fails the order.
func (s *orderService) upsertCustomerProfile(ctx context.Context, order Order) {
	if s.customers == nil {
		return
	}
	_, err := s.customers.Upsert(ctx, repositories.CustomerUpsertRequest{
		Contact:         order.Customer,
		UserID:          order.UserID,
		OrderTotalCents: order.TotalCents,
		OrderAt:         order.CreatedAt,
	})
	if err != nil {
		s.logger(ctx, "order.profile_upsert_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PC-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func validateAssembleCommand(cmd AssembleOrderCommand) error {
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Customer.Email) == "" {
		return fmt.Errorf("%w: customer email is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Province) == "" {
		return fmt.Errorf("%w: shipping province is required", ErrOrderInvalidInput)
	}
	switch cmd.Status {
	case domain.OrderStatusPendingPayment, domain.OrderStatusPaid:
	default:
		return fmt.Errorf("%w: orders are created as pending_payment or paid, not %q", ErrOrderInvalidInput, cmd.Status)
	}
	return nil
}

func canTransition(current, target domain.OrderStatus) bool {
	for _, allowed := range orderStateTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

func trimContact(contact CustomerContact) CustomerContact {
	return CustomerContact{
		Email: strings.TrimSpace(contact.Email),
		Name:  strings.TrimSpace(contact.Name),
		Phone: strings.TrimSpace(contact.Phone),
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
