package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrSigningKeyNotFound is returned when the token's kid is absent from the key set.
	ErrSigningKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeyFetchFailed wraps transport and decoding failures while loading the key set.
	ErrKeyFetchFailed = errors.New("auth: key set fetch failed")
)

const (
	defaultKeyCacheTTL     = 15 * time.Minute
	defaultKeyFetchTimeout = 5 * time.Second
)

// LogFunc is the structured logging contract shared across the platform.
type LogFunc func(ctx context.Context, event string, fields map[string]any)

// KeyCache fetches Google's OIDC signing keys on demand and serves them from
// memory until the document's cache headers say otherwise. A prefetch fires in
// the background once the cached set passes half its lifetime so steady-state
// requests never wait on the network.
type KeyCache struct {
	url     string
	client  *http.Client
	log     LogFunc
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration
	eager   bool

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	staleAt   time.Time
	refreshAt time.Time

	fetchMu     sync.Mutex
	prefetching atomic.Bool
}

// KeyCacheOption customises KeyCache construction.
type KeyCacheOption func(*KeyCache)

// NewKeyCache constructs a cache over the JWKS document at url.
func NewKeyCache(url string, opts ...KeyCacheOption) *KeyCache {
	cache := &KeyCache{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     func(context.Context, string, map[string]any) {},
		now:     time.Now,
		ttl:     defaultKeyCacheTTL,
		timeout: defaultKeyFetchTimeout,
		eager:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// WithKeyCacheClient overrides the HTTP client used for key fetches.
func WithKeyCacheClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithKeyCacheLogger sets the structured logger.
func WithKeyCacheLogger(log LogFunc) KeyCacheOption {
	return func(c *KeyCache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithKeyCacheTTL sets the fallback lifetime when the JWKS response carries no
// cache headers.
func WithKeyCacheTTL(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithKeyCacheTimeout bounds a single key fetch.
func WithKeyCacheTimeout(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKeyCacheClock injects a time source for tests.
func WithKeyCacheClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutKeyPrefetch disables the background half-life prefetch.
func WithoutKeyPrefetch() KeyCacheOption {
	return func(c *KeyCache) {
		c.eager = false
	}
}

// Keyfunc adapts the cache to the jwt parser. Only RS256 is accepted; Google
// signs both plain OIDC and IAP assertions with it.
func (c *KeyCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token carries no kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid. An unknown kid forces one refetch
// before failing, which is how key rotation is absorbed.
func (c *KeyCache) Key(ctx context.Context, kid string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	if c.stale(now) {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}

	if key, ok := c.lookup(kid); ok {
		if c.duePrefetch(now) {
			c.prefetch()
		}
		return key, nil
	}

	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSigningKeyNotFound, kid)
}

func (c *KeyCache) lookup(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *KeyCache) stale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.keys) == 0 {
		return true
	}
	return !c.staleAt.IsZero() && !now.Before(c.staleAt)
}

func (c *KeyCache) duePrefetch(now time.Time) bool {
	if !c.eager {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshAt.IsZero() || c.staleAt.IsZero() || now.After(c.staleAt) {
		return false
	}
	return !now.Before(c.refreshAt)
}

func (c *KeyCache) prefetch() {
	if !c.prefetching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.prefetching.Store(false)
		ctx := context.Background()
		if err := c.fetch(ctx); err != nil {
			c.log(ctx, "auth.jwks_prefetch_failed", map[string]any{"error": err.Error()})
		}
	}()
}

func (c *KeyCache) fetch(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeyFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeyFetchFailed, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrKeyFetchFailed)
	}

	lifetime := c.responseLifetime(resp)
	now := c.now()

	c.mu.Lock()
	c.keys = keys
	c.staleAt = now.Add(lifetime)
	c.refreshAt = now.Add(lifetime / 2)
	c.mu.Unlock()

	c.log(ctx, "auth.jwks_refreshed", map[string]any{
		"keys":     len(keys),
		"lifetime": lifetime.String(),
	})
	return nil
}

// responseLifetime honours Cache-Control max-age, then Expires, then the
// configured fallback TTL.
func (c *KeyCache) responseLifetime(resp *http.Response) time.Duration {
	if directive := resp.Header.Get("Cache-Control"); directive != "" {
		for _, part := range strings.Split(directive, ",") {
			part = strings.TrimSpace(strings.ToLower(part))
			if value, ok := strings.CutPrefix(part, "max-age="); ok {
				if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
					return time.Duration(seconds) * time.Second
				}
			}
		}
	}
	if expires := resp.Header.Get("Expires"); expires != "" {
		if ts, err := http.ParseTime(expires); err == nil {
			if delta := ts.Sub(c.now()); delta > 0 {
				return delta
			}
		}
	}
	return c.ttl
}

// ServiceIdentity describes the backend principal a verified OIDC token
// belongs to, typically a scheduler or sibling service account.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// OIDCVerifier authenticates Google-signed OIDC and IAP tokens for the
// service-to-service surface.
type OIDCVerifier struct {
	keys *KeyCache
	log  LogFunc
}

// NewOIDCVerifier constructs a verifier over the provided key cache.
func NewOIDCVerifier(keys *KeyCache, log LogFunc) *OIDCVerifier {
	if log == nil {
		log = func(context.Context, string, map[string]any) {}
	}
	return &OIDCVerifier{keys: keys, log: log}
}

// RequireOIDC rejects requests that do not carry a valid token for the given
// audience. An empty issuer list accepts any issuer the key set can verify.
func (v *OIDCVerifier) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	trusted := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			trusted[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if audience == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "oidc audience not configured")
				return
			}
			if v == nil || v.keys == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification unavailable")
				return
			}

			tokenStr := extractOIDCToken(r)
			if tokenStr == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.keys.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrKeyFetchFailed) {
					v.log(ctx, "auth.oidc_keys_unavailable", map[string]any{"error": err.Error()})
					respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "oidc key set unavailable")
					return
				}
				v.log(ctx, "auth.oidc_rejected", map[string]any{"error": err.Error()})
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(trusted) > 0 {
				if _, ok := trusted[issuer]; !ok {
					v.log(ctx, "auth.oidc_rejected", map[string]any{"reason": "issuer", "issuer": issuer})
					respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc issuer not trusted")
					return
				}
			}
			if !claims.VerifyAudience(audience, true) {
				v.log(ctx, "auth.oidc_rejected", map[string]any{"reason": "audience"})
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc audience mismatch")
				return
			}

			subject, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			identity := &ServiceIdentity{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: audience,
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

// extractOIDCToken reads the bearer token, falling back to the assertion
// header IAP forwards when it sits in front of the service.
func extractOIDCToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
