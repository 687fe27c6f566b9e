package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/protea-commerce/api/internal/payments"
	"github.com/protea-commerce/api/internal/platform/config"
	"github.com/protea-commerce/api/internal/repositories"
	"github.com/protea-commerce/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Catalog  services.CatalogService
	Coupons  services.CouponService
	Shipping services.ShippingQuoter
	Stock    services.StockService
	Orders   services.OrderService
	Checkout services.CheckoutService
	Invoices services.InvoiceService
	Mail     services.MailDispatcher
	System   services.SystemService
}

// Infrastructure carries externally constructed collaborators such as payment
// providers, message publishers, and the invoice archiver. Nil fields disable
// the dependent feature rather than failing construction; handlers answer 503
// for services that never came up.
type Infrastructure struct {
	PaymentSessions *payments.Manager
	EmailJobs       services.EmailJobPublisher
	OrderEvents     services.OrderEventPublisher
	StockEvents     services.StockEventPublisher
	InvoiceArchiver services.InvoiceArchiver
	Build           services.BuildInfo
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	logger := infra.Logger

	if catalogRepo := reg.Catalog(); catalogRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Catalog: catalogRepo,
			Logger:  logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	if couponRepo := reg.Coupons(); couponRepo != nil && cfg.Features.EnablePromotions {
		couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
			Coupons: couponRepo,
			Clock:   time.Now,
			Logger:  logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build coupon service: %w", err)
		}
		svc.Coupons = couponSvc
	}

	if ratesRepo := reg.ShippingRates(); ratesRepo != nil {
		shippingSvc, err := services.NewShippingService(services.ShippingServiceDeps{
			Rates:         ratesRepo,
			FlatRateCents: cfg.Shipping.FlatRateCents,
			Clock:         time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build shipping service: %w", err)
		}
		svc.Shipping = shippingSvc
	}

	if stockRepo := reg.Stock(); stockRepo != nil {
		deps := services.StockServiceDeps{
			Stock:  stockRepo,
			Clock:  time.Now,
			Logger: logger,
		}
		if cfg.Features.EnableStockEvents {
			deps.Events = infra.StockEvents
		}
		stockSvc, err := services.NewStockService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build stock service: %w", err)
		}
		svc.Stock = stockSvc
	}

	if infra.EmailJobs != nil {
		mailSvc, err := services.NewQueueMailDispatcher(services.QueueMailDispatcherDeps{
			Publisher: infra.EmailJobs,
			Clock:     time.Now,
			Logger:    logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build mail dispatcher: %w", err)
		}
		svc.Mail = mailSvc
	}

	counterRepo := reg.Counters()

	if ordersRepo := reg.Orders(); ordersRepo != nil && counterRepo != nil && svc.Catalog != nil && svc.Shipping != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:          ordersRepo,
			Counters:        counterRepo,
			Catalog:         svc.Catalog,
			Coupons:         svc.Coupons,
			Shipping:        svc.Shipping,
			Customers:       reg.Customers(),
			UnitOfWork:      reg,
			Events:          infra.OrderEvents,
			DefaultCurrency: cfg.Shipping.Currency,
			Clock:           time.Now,
			Logger:          logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if invoiceRepo := reg.Invoices(); invoiceRepo != nil && counterRepo != nil && svc.Stock != nil {
		invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
			Invoices:        invoiceRepo,
			Catalog:         reg.Catalog(),
			Stock:           svc.Stock,
			Counters:        counterRepo,
			Archiver:        infra.InvoiceArchiver,
			DefaultCurrency: cfg.Shipping.Currency,
			Clock:           time.Now,
			Logger:          logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build invoice service: %w", err)
		}
		svc.Invoices = invoiceSvc
	}

	if svc.Orders != nil && svc.Stock != nil && infra.PaymentSessions != nil {
		pendingRepo := reg.PendingCheckouts()
		paymentRepo := reg.Payments()
		if pendingRepo != nil && paymentRepo != nil {
			checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
				Orders:           svc.Orders,
				Catalog:          svc.Catalog,
				Coupons:          svc.Coupons,
				Shipping:         svc.Shipping,
				Stock:            svc.Stock,
				PendingCheckouts: pendingRepo,
				Payments:         paymentRepo,
				Sessions:         infra.PaymentSessions,
				Mail:             svc.Mail,
				DefaultCurrency:  cfg.Shipping.Currency,
				CheckoutMaxAge:   cfg.Checkout.PendingMaxAge,
				Clock:            time.Now,
				Logger:           logger,
			})
			if err != nil {
				return Services{}, fmt.Errorf("build checkout service: %w", err)
			}
			svc.Checkout = checkoutSvc
		}
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := infra.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
