package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultYocoBaseURL = "https://payments.yoco.com/api"
	yocoSessionTTL     = 1 * time.Hour
)

// YocoLogger defines the logging contract for Yoco provider operations.
type YocoLogger func(ctx context.Context, event string, fields map[string]any)

// YocoProviderConfig configures the YocoProvider. Yoco ships no Go SDK, so
// the provider talks to the REST API directly.
type YocoProviderConfig struct {
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
	Logger     YocoLogger
	Clock      func() time.Time
}

// YocoProvider implements the Provider interface against the Yoco hosted
// checkout API.
type YocoProvider struct {
	secretKey string
	baseURL   string
	client    *http.Client
	logger    YocoLogger
	clock     func() time.Time
}

// NewYocoProvider constructs a Yoco Provider using the given configuration.
func NewYocoProvider(cfg YocoProviderConfig) (*YocoProvider, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, errors.New("yoco: secret key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultYocoBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &YocoProvider{
		secretKey: secretKey,
		baseURL:   baseURL,
		client:    client,
		logger:    logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type yocoCheckoutRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	SuccessURL     string            `json:"successUrl,omitempty"`
	CancelURL      string            `json:"cancelUrl,omitempty"`
	FailureURL     string            `json:"failureUrl,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LineItems      []yocoLineItem    `json:"lineItems,omitempty"`
	SubtotalAmount int64             `json:"subtotalAmount,omitempty"`
}

type yocoLineItem struct {
	DisplayName    string             `json:"displayName"`
	Description    string             `json:"description,omitempty"`
	Quantity       int64              `json:"quantity"`
	PricingDetails yocoPricingDetails `json:"pricingDetails"`
}

type yocoPricingDetails struct {
	Price int64 `json:"price"`
}

type yocoCheckoutResponse struct {
	ID          string            `json:"id"`
	RedirectURL string            `json:"redirectUrl"`
	Status      string            `json:"status"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	PaymentID   string            `json:"paymentId"`
	Metadata    map[string]string `json:"metadata"`
}

type yocoErrorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	DisplayText  string `json:"displayMessage"`
}

// CreateCheckoutSession creates a Yoco hosted checkout.
func (p *YocoProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("yoco: provider is nil")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("yoco: amount must be positive")
	}

	payload := yocoCheckoutRequest{
		Amount:     req.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		FailureURL: req.CancelURL,
		Metadata:   req.Metadata,
	}
	var itemised int64
	for _, item := range req.Items {
		qty := max64(item.Quantity, 1)
		payload.LineItems = append(payload.LineItems, yocoLineItem{
			DisplayName:    item.Name,
			Description:    item.Description,
			Quantity:       qty,
			PricingDetails: yocoPricingDetails{Price: item.Amount},
		})
		itemised += item.Amount * qty
	}
	// Yoco rejects checkouts whose line items disagree with the amount, so
	// the breakdown is dropped when a discount or delivery fee skews it.
	if itemised != req.Amount {
		payload.LineItems = nil
	} else {
		payload.SubtotalAmount = itemised
	}

	var resp yocoCheckoutResponse
	if err := p.do(ctx, http.MethodPost, "/checkouts", req.IdempotencyKey, payload, &resp); err != nil {
		return CheckoutSession{}, err
	}
	if strings.TrimSpace(resp.ID) == "" || strings.TrimSpace(resp.RedirectURL) == "" {
		return CheckoutSession{}, errors.New("yoco: checkout response missing id or redirect url")
	}

	p.logger(ctx, "payments.yoco.checkout.created", map[string]any{
		"checkoutId": resp.ID,
		"currency":   resp.Currency,
	})

	return CheckoutSession{
		ID:          resp.ID,
		Provider:    "yoco",
		RedirectURL: resp.RedirectURL,
		IntentID:    resp.ID,
		ExpiresAt:   p.clock().Add(yocoSessionTTL),
		Raw:         rawMap(resp),
	}, nil
}

// Refund refunds the payment captured for a checkout.
func (p *YocoProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("yoco: provider is nil")
	}
	checkoutID := strings.TrimSpace(req.IntentID)
	if checkoutID == "" {
		return PaymentDetails{}, errors.New("yoco: checkout id is required")
	}

	payload := map[string]any{}
	if req.Amount != nil {
		payload["amount"] = *req.Amount
	}
	var resp yocoCheckoutResponse
	if err := p.do(ctx, http.MethodPost, "/checkouts/"+checkoutID+"/refund", req.IdempotencyKey, payload, &resp); err != nil {
		return PaymentDetails{}, err
	}

	p.logger(ctx, "payments.yoco.checkout.refunded", map[string]any{
		"checkoutId": checkoutID,
	})
	return p.LookupPayment(ctx, LookupRequest{IntentID: checkoutID})
}

// LookupPayment retrieves the current state of a checkout.
func (p *YocoProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("yoco: provider is nil")
	}
	checkoutID := strings.TrimSpace(req.IntentID)
	if checkoutID == "" {
		return PaymentDetails{}, errors.New("yoco: checkout id is required")
	}

	var resp yocoCheckoutResponse
	if err := p.do(ctx, http.MethodGet, "/checkouts/"+checkoutID, "", nil, &resp); err != nil {
		return PaymentDetails{}, err
	}
	return yocoPaymentDetails(resp, p.clock()), nil
}

func yocoPaymentDetails(resp yocoCheckoutResponse, now time.Time) PaymentDetails {
	status := StatusPending
	captured := false
	var capturedAt *time.Time
	var refundedAt *time.Time
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "completed", "succeeded":
		status = StatusSucceeded
		captured = true
		capturedAt = &now
	case "failed", "cancelled", "expired":
		status = StatusFailed
	case "refunded":
		status = StatusRefunded
		captured = true
		refundedAt = &now
	}

	return PaymentDetails{
		Provider:   "yoco",
		IntentID:   resp.ID,
		Status:     status,
		Amount:     resp.Amount,
		Currency:   strings.ToUpper(resp.Currency),
		Captured:   captured,
		CapturedAt: capturedAt,
		RefundedAt: refundedAt,
		Raw:        rawMap(resp),
	}
}

func (p *YocoProvider) do(ctx context.Context, method, path, idempotencyKey string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("yoco: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("yoco: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("yoco: %s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("yoco: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr yocoErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.ErrorMessage != "" {
			return fmt.Errorf("yoco: %s %s: %s (%s)", method, path, apiErr.ErrorMessage, apiErr.ErrorCode)
		}
		return fmt.Errorf("yoco: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("yoco: decode response: %w", err)
		}
	}
	return nil
}

func rawMap(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
