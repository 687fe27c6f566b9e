package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWebhookTolerance = 3 * time.Minute

// Webhook signature errors surfaced to handlers.
var (
	ErrWebhookSignatureMissing = errors.New("payments: webhook signature headers missing")
	ErrWebhookSignatureInvalid = errors.New("payments: webhook signature mismatch")
	ErrWebhookTimestampStale   = errors.New("payments: webhook timestamp outside tolerance")
)

// WebhookVerifier checks Yoco webhook signatures. Yoco signs the string
// "{id}.{timestamp}.{body}" with HMAC-SHA256 using the base64 part of the
// whsec_ secret, and sends the result base64-encoded in the
// webhook-signature header as "v1,<signature>".
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	clock     func() time.Time
}

// WebhookVerifierOption customises a WebhookVerifier.
type WebhookVerifierOption func(*WebhookVerifier)

// WithWebhookTolerance overrides the replay window applied to timestamps.
func WithWebhookTolerance(tolerance time.Duration) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if tolerance > 0 {
			v.tolerance = tolerance
		}
	}
}

// WithWebhookClock injects a clock, primarily for tests.
func WithWebhookClock(clock func() time.Time) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewWebhookVerifier builds a verifier from the whsec_ secret issued when
// the webhook endpoint was registered.
func NewWebhookVerifier(secret string, opts ...WebhookVerifierOption) (*WebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	encoded := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("payments: decode webhook secret: %w", err)
	}

	v := &WebhookVerifier{
		key:       key,
		tolerance: defaultWebhookTolerance,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify validates the signature headers against the raw request body.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) error {
	if v == nil {
		return errors.New("payments: webhook verifier is nil")
	}

	id := strings.TrimSpace(header.Get("webhook-id"))
	timestamp := strings.TrimSpace(header.Get("webhook-timestamp"))
	signatures := strings.TrimSpace(header.Get("webhook-signature"))
	if id == "" || timestamp == "" || signatures == "" {
		return ErrWebhookSignatureMissing
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrWebhookSignatureInvalid, timestamp)
	}
	if drift := v.clock().UTC().Sub(time.Unix(unix, 0)); drift > v.tolerance || drift < -v.tolerance {
		return ErrWebhookTimestampStale
	}

	mac := hmac.New(sha256.New, v.key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// The header may carry several space-separated versioned signatures
	// after a secret rotation; any v1 match passes.
	for _, candidate := range strings.Fields(signatures) {
		version, value, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(value), []byte(expected)) {
			return nil
		}
	}
	return ErrWebhookSignatureInvalid
}
