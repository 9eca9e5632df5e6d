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
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/shishu/api/internal/platform/httpx"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSRefreshTimeout  = 5 * time.Second
)

// JWKSCache fetches and caches the JSON Web Keys that sign operator OIDC tokens.
type JWKSCache struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time

	refreshMu sync.Mutex
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets a custom logger for JWKS operations.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets the key lifetime used when the response has no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     defaultJWKSRefreshInterval,
		timeout: defaultJWKSRefreshTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc returns a jwt.Keyfunc backed by the cache.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid, refreshing once on expiry or an unknown kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := c.cached(kid); ok {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) cached(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.expiry.IsZero() && !c.now().Before(c.expiry) {
		return nil, false
	}
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	ttl := c.ttl
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		ttl = maxAge
	}

	c.mu.Lock()
	c.keys = keys
	c.expiry = c.now().Add(ttl)
	c.mu.Unlock()

	c.logger.Debug("auth: refreshed jwks", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func parseMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, success bool, reason string, duration time.Duration)
}

type otelMetrics struct {
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewOTelMetrics records verification outcomes as OpenTelemetry instruments.
func NewOTelMetrics(meter metric.Meter) (MetricsRecorder, error) {
	outcomes, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("Operator OIDC verification attempts by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.oidc.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &otelMetrics{outcomes: outcomes, latency: latency}, nil
}

func (m *otelMetrics) RecordVerification(ctx context.Context, success bool, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success), attribute.String("reason", reason))
	m.outcomes.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// OIDCValidator guards operator routes with Google-signed OIDC tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// ServiceIdentity is the verified operator principal.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequireOIDC enforces a valid RS256 token whose audience and issuer match.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			reject := func(status int, code, reason, message string) {
				v.record(ctx, false, reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status).WithDetails(map[string]any{"reason": reason}))
			}

			if audience == "" || v.cache == nil {
				reject(http.StatusServiceUnavailable, httpx.CodeServiceUnavailable, "not_configured", "oidc verification unavailable")
				return
			}
			token := extractOIDCToken(r)
			if token == "" {
				reject(http.StatusUnauthorized, httpx.CodeUnauthenticated, "token_missing", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(token, claims, v.cache.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Warn("auth: jwks unavailable", zap.Error(err))
					reject(http.StatusServiceUnavailable, httpx.CodeServiceUnavailable, "jwks_unavailable", "oidc verification unavailable")
					return
				}
				v.logger.Info("auth: oidc verification failed", zap.Error(err))
				reject(http.StatusUnauthorized, httpx.CodeAuthError, "token_invalid", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowed[issuer]; len(allowed) > 0 && !ok {
				reject(http.StatusUnauthorized, httpx.CodeAuthError, "issuer_mismatch", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				reject(http.StatusUnauthorized, httpx.CodeAuthError, "audience_mismatch", "oidc audience mismatch")
				return
			}

			email, _ := claims["email"].(string)
			subject, _ := claims["sub"].(string)
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, &ServiceIdentity{
				Subject: subject,
				Email:   email,
				Issuer:  issuer,
			})))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, success, reason, v.now().Sub(start))
	}
}

func extractOIDCToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
