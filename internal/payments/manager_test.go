package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp  string
	session CheckoutSession
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	f.lastOp = "create"
	return f.session, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.lastOp = "refund"
	return f.payment, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerCreateCheckoutSessionUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	yoco := &fakeProvider{session: CheckoutSession{ID: "co_yoco"}}
	stripe := &fakeProvider{session: CheckoutSession{ID: "cs_stripe"}}

	mgr, err := NewManager(map[string]Provider{
		"yoco":   yoco,
		"stripe": stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx, PaymentContext{PreferredProvider: "stripe"}, CheckoutSessionRequest{Currency: "USD"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.Provider != "stripe" {
		t.Fatalf("expected provider 'stripe', got %q", session.Provider)
	}
	if stripe.lastOp != "create" {
		t.Fatalf("expected stripe provider to handle call")
	}
	if yoco.lastOp != "" {
		t.Fatalf("expected yoco provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	yoco := &fakeProvider{session: CheckoutSession{ID: "co_yoco"}}
	stripe := &fakeProvider{session: CheckoutSession{ID: "cs_stripe"}}

	mgr, err := NewManager(
		map[string]Provider{
			"yoco":   yoco,
			"stripe": stripe,
		},
		WithCurrencyRoutes(map[string]string{"USD": "stripe"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx, PaymentContext{Currency: "USD"}, CheckoutSessionRequest{Currency: "USD"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Provider != "stripe" {
		t.Fatalf("expected provider 'stripe', got %q", session.Provider)
	}
	if stripe.lastOp != "create" {
		t.Fatalf("expected stripe provider to handle call")
	}
}

func TestManagerDefaultsToYoco(t *testing.T) {
	ctx := context.Background()
	yoco := &fakeProvider{session: CheckoutSession{ID: "co_yoco"}}
	stripe := &fakeProvider{session: CheckoutSession{ID: "cs_stripe"}}

	mgr, err := NewManager(map[string]Provider{
		"yoco":   yoco,
		"stripe": stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.CreateCheckoutSession(ctx, PaymentContext{Currency: "ZAR"}, CheckoutSessionRequest{Currency: "ZAR"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Provider != "yoco" {
		t.Fatalf("expected provider 'yoco', got %q", session.Provider)
	}
	if yoco.lastOp != "create" {
		t.Fatalf("expected yoco provider to handle call")
	}
}

func TestManagerFallsBackToSoleProvider(t *testing.T) {
	ctx := context.Background()
	yoco := &fakeProvider{payment: PaymentDetails{Provider: "yoco"}}

	mgr, err := NewManager(map[string]Provider{"yoco": yoco}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.LookupPayment(ctx, PaymentContext{}, LookupRequest{IntentID: "co_123"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if yoco.lastOp != "lookup" {
		t.Fatalf("expected lookup to invoke sole provider")
	}
	if details.Provider != "yoco" {
		t.Fatalf("unexpected provider in details: %q", details.Provider)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"yoco": &fakeProvider{}, "stripe": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateCheckoutSession(ctx, PaymentContext{PreferredProvider: "unknown"}, CheckoutSessionRequest{Currency: "ZAR"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
