package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/protea-commerce/api/internal/domain"
	"github.com/protea-commerce/api/internal/platform/auth"
	"github.com/protea-commerce/api/internal/platform/pagination"
	"github.com/protea-commerce/api/internal/repositories"
	"github.com/protea-commerce/api/internal/services"
)

type stubOrderService struct {
	assembleFn   func(context.Context, services.AssembleOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, repositories.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, string, domain.OrderStatus) (services.Order, error)
}

func (s *stubOrderService) AssembleOrder(ctx context.Context, cmd services.AssembleOrderCommand) (services.Order, error) {
	if s.assembleFn != nil {
		return s.assembleFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, orderID, status)
	}
	return services.Order{}, errors.New("not implemented")
}

func newOrderRouter(service services.OrderService) chi.Router {
	handler := NewOrderHandlers(service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	router.Route("/admin", handler.AdminRoutes)
	return router
}

func requestWithIdentity(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func TestGetOrderSuccess(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("order id = %q", orderID)
			}
			return services.Order{
				ID:            "ord_1",
				UserID:        "user-1",
				Number:        "PC-2025-000001",
				Status:        domain.OrderStatusPaid,
				Currency:      "zar",
				SubtotalCents: 9200,
				ShippingCents: 9500,
				TotalCents:    18700,
				Customer:      domain.CustomerContact{Email: "thandi@example.com"},
				ShippingAddress: domain.Address{
					Line1:    "12 Kloof Street",
					City:     "Cape Town",
					Province: "Western Cape",
					Country:  "ZA",
				},
				Items: []services.OrderItem{{
					ID:             "item_1",
					ProductID:      "prod_1",
					Title:          "Protea Bouquet",
					Quantity:       2,
					UnitPriceCents: 4600,
					LineTotalCents: 9200,
				}},
				CreatedAt: now,
			}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req = requestWithIdentity(req, &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Number != "PC-2025-000001" {
		t.Fatalf("order number = %q", resp.Order.Number)
	}
	if resp.Order.Currency != "ZAR" {
		t.Fatalf("currency = %q, want uppercased", resp.Order.Currency)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].LineTotalCents != 9200 {
		t.Fatalf("items = %+v", resp.Order.Items)
	}
	if resp.Order.Address.Province != "Western Cape" {
		t.Fatalf("province = %q", resp.Order.Address.Province)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("lookup: %w", services.ErrOrderNotFound)
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/missing", nil)
	req = requestWithIdentity(req, &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "order_not_found") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestGetOrderRequiresIdentity(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			t.Fatalf("GetOrder called without identity")
			return services.Order{}, nil
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unauthenticated") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestGetOrderHidesForeignOrder(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return services.Order{
				ID:       "ord_1",
				UserID:   "user-1",
				Customer: domain.CustomerContact{Email: "thandi@example.com"},
			}, nil
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req = requestWithIdentity(req, &auth.Identity{UID: "user-2", Roles: []string{auth.RoleUser}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "thandi@example.com") {
		t.Fatalf("foreign order leaked customer contact: %s", rr.Body.String())
	}
}

func TestGetOrderAllowsStaffForAnyOwner(t *testing.T) {
	service := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return services.Order{ID: "ord_1", UserID: "user-1", Number: "PC-2025-000007"}, nil
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req = requestWithIdentity(req, &auth.Identity{UID: "agent-9", Roles: []string{auth.RoleStaff}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Number != "PC-2025-000007" {
		t.Fatalf("order number = %q", resp.Order.Number)
	}
}

func TestListOrdersFilters(t *testing.T) {
	var captured repositories.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{{ID: "ord_1", Status: domain.OrderStatusPaid, TotalCents: 18700}},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"ord_50"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders?status=paid,shipped&user_id=user-1&page_size=10&page_token="+token, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("user filter = %q", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPaid {
		t.Fatalf("status filter = %+v", captured.Status)
	}
	if captured.Pagination.PageSize != 10 || captured.Pagination.PageToken != token {
		t.Fatalf("pagination = %+v", captured.Pagination)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "tok-next" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestListOrdersClampsPageSize(t *testing.T) {
	var captured repositories.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders?page_size=5000", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if captured.Pagination.PageSize != maxPageSize {
		t.Fatalf("page size = %d, want %d", captured.Pagination.PageSize, maxPageSize)
	}
}

func TestListOrdersRejectsMalformedPageToken(t *testing.T) {
	service := &stubOrderService{
		listFn: func(context.Context, repositories.OrderListFilter) (domain.CursorPage[services.Order], error) {
			t.Fatalf("ListOrders called with malformed token")
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders?page_token=%21%21bad%21%21", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid_request") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestUpdateOrderStatusSuccess(t *testing.T) {
	var capturedID string
	var capturedStatus domain.OrderStatus
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, orderID string, status domain.OrderStatus) (services.Order, error) {
			capturedID = orderID
			capturedStatus = status
			return services.Order{ID: orderID, Status: status}, nil
		},
	}
	router := newOrderRouter(service)
	body, _ := json.Marshal(updateOrderStatusRequest{Status: "Shipped"})
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/status", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedID != "ord_1" {
		t.Fatalf("order id = %q", capturedID)
	}
	if capturedStatus != domain.OrderStatusShipped {
		t.Fatalf("status = %q, want lowercased shipped", capturedStatus)
	}
}

func TestUpdateOrderStatusInvalidTransition(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(context.Context, string, domain.OrderStatus) (services.Order, error) {
			return services.Order{}, fmt.Errorf("delivered orders are terminal: %w", services.ErrOrderInvalidState)
		},
	}
	router := newOrderRouter(service)
	body, _ := json.Marshal(updateOrderStatusRequest{Status: "paid"})
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/status", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "order_invalid_state") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestUpdateOrderStatusRequiresStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/status", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
