package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return verificationRecord{}
	}
	return m.records[len(m.records)-1]
}

const operatorAudience = "https://shishu.example.com/internal"

func TestJWKSCacheCachesKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var mu sync.Mutex
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "key1", Algorithm: "RS256", Use: "sig",
		}}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		got, err := cache.Key(context.Background(), "key1")
		if err != nil {
			t.Fatalf("cache.Key: %v", err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}
	if _, err := cache.Key(context.Background(), "unknown"); err == nil {
		t.Fatal("expected error for unknown kid")
	}

	mu.Lock()
	if requests != 2 {
		t.Fatalf("expected one fetch plus one refresh for the unknown kid, got %d", requests)
	}
	mu.Unlock()

	now = now.Add(2 * time.Hour)
	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("cache.Key after expiry: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if requests != 3 {
		t.Fatalf("expected refresh after expiry, got %d fetches", requests)
	}
}

func TestRequireOIDCAcceptsValidToken(t *testing.T) {
	validator, metrics, token := setupOIDCTest(t, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/usage/v1", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	validator.RequireOIDC(operatorAudience, []string{"https://accounts.google.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok || identity.Email != "ops@example.com" {
			t.Fatalf("expected service identity, got %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rec := metrics.last(); !rec.success || rec.reason != "ok" {
		t.Fatalf("unexpected metric record: %+v", rec)
	}
}

func TestRequireOIDCRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(jwt.MapClaims)
		audience string
		header   bool
		status   int
		reason   string
	}{
		{name: "audience", audience: "https://other.example.com", header: true, status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, audience: operatorAudience, header: true, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "missing", audience: operatorAudience, status: http.StatusUnauthorized, reason: "token_missing"},
		{name: "unconfigured", audience: "", header: true, status: http.StatusServiceUnavailable, reason: "not_configured"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validator, metrics, token := setupOIDCTest(t, tc.mutate)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodDelete, "/internal/usage/v1/blog", nil)
			if tc.header {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			validator.RequireOIDC(tc.audience, []string{"https://accounts.google.com"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if rec := metrics.last(); rec.success || rec.reason != tc.reason {
				t.Fatalf("expected reason %s, got %+v", tc.reason, rec)
			}
		})
	}
}

func TestRequireOIDCUsesIAPHeader(t *testing.T) {
	validator, _, token := setupOIDCTest(t, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/usage/v1", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", token)

	validator.RequireOIDC(operatorAudience, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
}

func TestRequireOIDCReportsJWKSOutage(t *testing.T) {
	validator, metrics, token := setupOIDCTest(t, nil)
	validator.cache.url = "http://127.0.0.1:1/jwks"

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/usage/v1", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	validator.RequireOIDC(operatorAudience, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if rec := metrics.last(); rec.reason != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable, got %+v", rec)
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=120, must-revalidate"); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	if got := parseMaxAge("no-store"); got != 0 {
		t.Fatalf("expected 0, got %s", got)
	}
}

func setupOIDCTest(t *testing.T, mutate func(jwt.MapClaims)) (*OIDCValidator, *recordingMetrics, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "svc-key", Algorithm: "RS256", Use: "sig",
		}}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(
		NewJWKSCache(server.URL, WithJWKSLogger(zap.NewNop()), WithJWKSClock(func() time.Time { return now })),
		WithOIDCLogger(zap.NewNop()),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   []string{operatorAudience},
		"iss":   "https://accounts.google.com",
		"sub":   "1234567890",
		"email": "ops@example.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return validator, metrics, signed
}
