package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/services"
)

type stubIdentityService struct {
	profileFunc func(ctx context.Context, identity services.VisitorIdentity) (services.UserProfile, error)
	resolve     map[string]services.VisitorIdentity
}

func (s *stubIdentityService) Resolve(_ context.Context, idToken string) (services.VisitorIdentity, error) {
	if identity, ok := s.resolve[idToken]; ok {
		return identity, nil
	}
	return services.VisitorIdentity{}, &services.AuthError{Code: services.AuthCodeTokenInvalid}
}

func (s *stubIdentityService) NewSession(initial services.VisitorIdentity) services.IdentitySession {
	return &stubIdentitySession{svc: s, current: initial}
}

func (s *stubIdentityService) Profile(ctx context.Context, identity services.VisitorIdentity) (services.UserProfile, error) {
	if s.profileFunc != nil {
		return s.profileFunc(ctx, identity)
	}
	return services.UserProfile{ID: identity.UserID, DisplayName: identity.DisplayName, Role: identity.Role}, nil
}

type stubIdentitySession struct {
	mu        sync.Mutex
	svc       *stubIdentityService
	current   services.VisitorIdentity
	listeners []func(services.VisitorIdentity)
}

func (s *stubIdentitySession) Current() services.VisitorIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *stubIdentitySession) Subscribe(fn func(services.VisitorIdentity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	return func() {}
}

func (s *stubIdentitySession) SignIn(ctx context.Context, idToken string) (services.VisitorIdentity, error) {
	identity, err := s.svc.Resolve(ctx, idToken)
	if err != nil {
		return s.Current(), err
	}
	s.set(identity)
	return identity, nil
}

func (s *stubIdentitySession) SignOut() { s.set(domain.AnonymousVisitor()) }

func (s *stubIdentitySession) set(identity services.VisitorIdentity) {
	s.mu.Lock()
	s.current = identity
	listeners := append([]func(services.VisitorIdentity){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(identity)
	}
}

func TestMeHandlersGetProfile(t *testing.T) {
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubIdentityService{
		profileFunc: func(_ context.Context, identity services.VisitorIdentity) (services.UserProfile, error) {
			return services.UserProfile{
				ID:          identity.UserID,
				DisplayName: "Ana Reyes",
				Email:       "ana@example.com",
				Role:        identity.Role,
				UpdatedAt:   updated,
			}, nil
		},
	}
	handler := NewMeHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		UID:         "user-1",
		DisplayName: "ana",
		Role:        auth.RoleSubscriber,
	}))
	rr := httptest.NewRecorder()
	handler.getProfile(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp profilePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if resp.UID != "user-1" {
		t.Fatalf("expected uid user-1, got %q", resp.UID)
	}
	if resp.DisplayName != "Ana Reyes" {
		t.Fatalf("expected stored display name, got %q", resp.DisplayName)
	}
	if resp.Role != domain.RoleSubscriber {
		t.Fatalf("expected subscriber role, got %q", resp.Role)
	}
	if resp.UpdatedAt != updated.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected updatedAt %q", resp.UpdatedAt)
	}
}

func TestMeHandlersRequiresIdentity(t *testing.T) {
	handler := NewMeHandlers(nil, &stubIdentityService{})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rr := httptest.NewRecorder()
	handler.getProfile(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestMeHandlersProfileFailure(t *testing.T) {
	svc := &stubIdentityService{
		profileFunc: func(context.Context, services.VisitorIdentity) (services.UserProfile, error) {
			return services.UserProfile{}, &services.AuthError{Code: services.AuthCodeUnavailable}
		},
	}
	handler := NewMeHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-2"}))
	rr := httptest.NewRecorder()
	handler.getProfile(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body.Error != "auth_error" {
		t.Fatalf("expected auth_error, got %q", body.Error)
	}
	if body.Reason != services.AuthCodeUnavailable {
		t.Fatalf("expected reason %q, got %q", services.AuthCodeUnavailable, body.Reason)
	}
}

func TestMeHandlersWithoutService(t *testing.T) {
	handler := NewMeHandlers(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rr := httptest.NewRecorder()
	handler.getProfile(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
