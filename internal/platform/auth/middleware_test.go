package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type stubUserGetter struct {
	record *firebaseauth.UserRecord
	calls  int
}

func (s *stubUserGetter) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	s.calls++
	return s.record, nil
}

func TestAuthenticateBuildsIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-123",
		Claims: map[string]interface{}{
			"role":  "Subscriber",
			"name":  "Aiko",
			"email": "aiko@example.com",
		},
	}}
	users := &stubUserGetter{record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: "uid-123"}}}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	identity, err := authn.Authenticate(context.Background(), " token-abc ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("expected trimmed token, got %q", verifier.received)
	}
	if identity.UID != "uid-123" || identity.DisplayName != "Aiko" || identity.Email != "aiko@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if !identity.IsSubscriber() {
		t.Fatalf("expected subscriber role, got %s", identity.Role)
	}

	for i := 0; i < 2; i++ {
		if _, err := identity.User(context.Background()); err != nil {
			t.Fatalf("user load: %v", err)
		}
	}
	if users.calls != 1 {
		t.Fatalf("expected memoised user load, got %d calls", users.calls)
	}
}

func TestAuthenticateDefaultsToFreeRole(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]interface{}{}}})
	identity, err := authn.Authenticate(context.Background(), "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Role != RoleFree {
		t.Fatalf("expected free role, got %s", identity.Role)
	}
	if _, err := identity.User(context.Background()); err != ErrUserLoaderUnavailable {
		t.Fatalf("expected ErrUserLoaderUnavailable, got %v", err)
	}
}

func TestAuthenticateClassifiesErrors(t *testing.T) {
	cases := []struct {
		name  string
		authn *Authenticator
		token string
		want  error
	}{
		{name: "missing", authn: NewAuthenticator(&stubTokenVerifier{}), token: "  ", want: ErrTokenMissing},
		{name: "no verifier", authn: NewAuthenticator(nil), token: "t", want: ErrVerifierUnavailable},
		{name: "expired", authn: NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired}), token: "t", want: ErrTokenExpired},
		{name: "other", authn: NewAuthenticator(&stubTokenVerifier{err: context.DeadlineExceeded}), token: "t", want: ErrTokenInvalid},
		{name: "blank uid", authn: NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{}}), token: "t", want: ErrTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.authn.Authenticate(context.Background(), tc.token); err != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOptionalFirebaseAuth(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]interface{}{}}}
	authn := NewAuthenticator(verifier)

	var seen *Identity
	handler := authn.OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/blogs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != nil {
		t.Fatalf("expected anonymous pass-through, got status %d identity %+v", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/blogs", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen == nil || seen.UID != "uid-1" {
		t.Fatalf("expected identity uid-1, got status %d identity %+v", rec.Code, seen)
	}

	verifier.err = ErrTokenExpired
	req = httptest.NewRequest(http.MethodGet, "/blogs", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "auth_error" || body["reason"] != "token_expired" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRequireFirebaseAuthRejectsMissingToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})
	called := false
	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if called {
		t.Fatal("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "unauthenticated" {
		t.Fatalf("expected unauthenticated code, got %v", body["error"])
	}
}

func TestRequireFirebaseAuthReusesOptionalIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-9", Claims: map[string]interface{}{}}}
	authn := NewAuthenticator(verifier)

	var uid string
	handler := authn.OptionalFirebaseAuth()(authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		uid = identity.UID
	})))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if uid != "uid-9" {
		t.Fatalf("expected uid-9, got %q", uid)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":   {"abc", true},
		"bearer  abc ": {"abc", true},
		"Basic abc":    {"", false},
		"Bearer":       {"", false},
		"":             {"", false},
	}
	for header, want := range cases {
		got, ok := extractBearerToken(header)
		if got != want.token || ok != want.ok {
			t.Fatalf("%q: expected (%q,%v), got (%q,%v)", header, want.token, want.ok, got, ok)
		}
	}
}
