package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const testIssuer = "https://accounts.google.com"

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func newJWKSServer(t *testing.T, hits *atomic.Int32, keys func() map[string]*rsa.PrivateKey) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		set := jose.JSONWebKeySet{}
		for kid, key := range keys() {
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       &key.PublicKey,
				KeyID:     kid,
				Algorithm: "RS256",
				Use:       "sig",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(set); err != nil {
			t.Errorf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func signServiceToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func serviceClaims(audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   audience,
		"sub":   "108204560392029570000",
		"email": "scheduler@protea-commerce.iam.gserviceaccount.com",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
}

func TestKeyCacheServesFromMemory(t *testing.T) {
	key := newSigningKey(t)
	var hits atomic.Int32
	server := newJWKSServer(t, &hits, func() map[string]*rsa.PrivateKey {
		return map[string]*rsa.PrivateKey{"kid-1": key}
	})

	cache := NewKeyCache(server.URL, WithoutKeyPrefetch())
	for i := 0; i < 3; i++ {
		if _, err := cache.Key(nil, "kid-1"); err != nil {
			t.Fatalf("Key: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("jwks fetched %d times, want 1", got)
	}
}

func TestKeyCacheAbsorbsRotation(t *testing.T) {
	oldKey := newSigningKey(t)
	newKey := newSigningKey(t)
	current := atomic.Pointer[map[string]*rsa.PrivateKey]{}
	initial := map[string]*rsa.PrivateKey{"kid-old": oldKey}
	current.Store(&initial)

	var hits atomic.Int32
	server := newJWKSServer(t, &hits, func() map[string]*rsa.PrivateKey {
		return *current.Load()
	})

	cache := NewKeyCache(server.URL, WithoutKeyPrefetch())
	if _, err := cache.Key(nil, "kid-old"); err != nil {
		t.Fatalf("Key(kid-old): %v", err)
	}

	rotated := map[string]*rsa.PrivateKey{"kid-new": newKey}
	current.Store(&rotated)

	if _, err := cache.Key(nil, "kid-new"); err != nil {
		t.Fatalf("Key(kid-new) after rotation: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("jwks fetched %d times, want 2", got)
	}
}

func TestKeyCacheHonoursMaxAge(t *testing.T) {
	key := newSigningKey(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "kid-1", Algorithm: "RS256", Use: "sig",
		}}}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(server.Close)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewKeyCache(server.URL,
		WithoutKeyPrefetch(),
		WithKeyCacheClock(func() time.Time { return clock }),
	)

	if _, err := cache.Key(nil, "kid-1"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	clock = clock.Add(30 * time.Second)
	if _, err := cache.Key(nil, "kid-1"); err != nil {
		t.Fatalf("Key within max-age: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("jwks fetched %d times before expiry, want 1", got)
	}

	clock = clock.Add(31 * time.Second)
	if _, err := cache.Key(nil, "kid-1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("jwks fetched %d times after expiry, want 2", got)
	}
}

func TestKeyCacheUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cache := NewKeyCache(server.URL, WithoutKeyPrefetch())
	if _, err := cache.Key(nil, "kid-1"); err == nil {
		t.Fatalf("expected fetch failure")
	}
}

func newOIDCTestRouter(t *testing.T, cacheURL string, audience string, issuers []string) http.Handler {
	t.Helper()
	verifier := NewOIDCVerifier(NewKeyCache(cacheURL, WithoutKeyPrefetch()), nil)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok {
			t.Errorf("service identity missing from context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Test-Subject", identity.Subject)
		w.WriteHeader(http.StatusOK)
	})
	return verifier.RequireOIDC(audience, issuers)(handler)
}

func TestRequireOIDCAcceptsSignedToken(t *testing.T) {
	key := newSigningKey(t)
	server := newJWKSServer(t, nil, func() map[string]*rsa.PrivateKey {
		return map[string]*rsa.PrivateKey{"kid-1": key}
	})
	handler := newOIDCTestRouter(t, server.URL, "https://api.protea.example", []string{testIssuer})

	token := signServiceToken(t, key, "kid-1", serviceClaims("https://api.protea.example"))
	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Test-Subject"); got != "108204560392029570000" {
		t.Fatalf("subject = %q", got)
	}
}

func TestRequireOIDCReadsIAPAssertion(t *testing.T) {
	key := newSigningKey(t)
	server := newJWKSServer(t, nil, func() map[string]*rsa.PrivateKey {
		return map[string]*rsa.PrivateKey{"kid-1": key}
	})
	handler := newOIDCTestRouter(t, server.URL, "https://api.protea.example", []string{testIssuer})

	token := signServiceToken(t, key, "kid-1", serviceClaims("https://api.protea.example"))
	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRequireOIDCRejections(t *testing.T) {
	key := newSigningKey(t)
	foreignKey := newSigningKey(t)
	server := newJWKSServer(t, nil, func() map[string]*rsa.PrivateKey {
		return map[string]*rsa.PrivateKey{"kid-1": key}
	})

	wrongIssuer := serviceClaims("https://api.protea.example")
	wrongIssuer["iss"] = "https://evil.example"
	expired := serviceClaims("https://api.protea.example")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	cases := map[string]struct {
		token string
	}{
		"missing token": {token: ""},
		"wrong audience": {
			token: signServiceToken(t, key, "kid-1", serviceClaims("https://other.example")),
		},
		"untrusted issuer": {
			token: signServiceToken(t, key, "kid-1", wrongIssuer),
		},
		"expired": {
			token: signServiceToken(t, key, "kid-1", expired),
		},
		"unknown signer": {
			token: signServiceToken(t, foreignKey, "kid-ghost", serviceClaims("https://api.protea.example")),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			handler := newOIDCTestRouter(t, server.URL, "https://api.protea.example", []string{testIssuer})
			req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestRequireOIDCWithoutAudienceConfigured(t *testing.T) {
	handler := newOIDCTestRouter(t, "http://127.0.0.1:0", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/internal/checkouts/reconcile", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
