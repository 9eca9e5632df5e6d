package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/shishu/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultNameClaim     = "name"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenMissing signals that no bearer token was presented.
	ErrTokenMissing = errors.New("auth: bearer token missing")
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	// ErrVerifierUnavailable signals that token verification is not configured.
	ErrVerifierUnavailable = errors.New("auth: token verifier unavailable")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter retrieves Firebase user information.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator turns Firebase ID tokens into identities for handlers and live sessions.
type Authenticator struct {
	verifier  TokenVerifier
	users     UserGetter
	roleClaim string
	timeout   time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithUserGetter enables lazy user record loading via Firebase Admin APIs.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) {
		a.users = getter
	}
}

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens and loading users.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate verifies a raw ID token. Errors are one of ErrTokenMissing,
// ErrTokenExpired, ErrTokenInvalid or ErrVerifierUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrTokenMissing
	}
	if a == nil || a.verifier == nil {
		return nil, ErrVerifierUnavailable
	}

	vctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(vctx, rawToken)
	if err != nil {
		return nil, classifyVerificationError(err)
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UID:         token.UID,
		Email:       claimAsString(token.Claims, defaultEmailClaim),
		DisplayName: claimAsString(token.Claims, defaultNameClaim),
		Role:        roleFromClaims(token.Claims, a.roleClaim),
		token:       token,
	}
	if a.users != nil {
		identity.userLoader = func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
			ctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return a.users.GetUser(ctx, uid)
		}
	}
	return identity, nil
}

// OptionalFirebaseAuth attaches an identity when a bearer token is present.
// Requests without a token continue anonymously; a bad token is rejected.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := a.Authenticate(r.Context(), token)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireFirebaseAuth rejects requests that do not carry a valid bearer token.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity, ok := IdentityFromContext(r.Context()); ok && identity != nil {
				next.ServeHTTP(w, r)
				return
			}
			token, _ := extractBearerToken(r.Header.Get("Authorization"))
			identity, err := a.Authenticate(r.Context(), token)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func classifyVerificationError(err error) error {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}

func roleFromClaims(claims map[string]interface{}, key string) string {
	switch v := claims[key].(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(v), RoleSubscriber) {
			return RoleSubscriber
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(strings.TrimSpace(s), RoleSubscriber) {
				return RoleSubscriber
			}
		}
	}
	return RoleFree
}

func claimAsString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason, message := httpx.CodeAuthError, "invalid_token", "firebase id token invalid"
	switch {
	case errors.Is(err, ErrTokenMissing):
		code, reason, message = httpx.CodeUnauthenticated, "missing_token", "authorization header missing or invalid"
	case errors.Is(err, ErrTokenExpired):
		reason, message = "token_expired", "firebase id token expired"
	case errors.Is(err, ErrVerifierUnavailable):
		reason, message = "verifier_unavailable", "authorization service unavailable"
	}
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized).
		WithDetails(map[string]any{"reason": reason}))
}
