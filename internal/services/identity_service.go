package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/repositories"
)

const (
	identityLoggerEventSignIn       = "identity.sign_in"
	identityLoggerEventSignInFailed = "identity.sign_in.failed"
	identityLoggerEventSignOut      = "identity.sign_out"
	identityLoggerEventProfileError = "identity.profile.failed"
)

// TokenAuthenticator verifies Firebase ID tokens.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, rawToken string) (*auth.Identity, error)
}

// IdentityServiceDeps bundles collaborators required by the identity service.
type IdentityServiceDeps struct {
	Authenticator TokenAuthenticator
	Profiles      repositories.ProfileRepository
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type identityService struct {
	authn    TokenAuthenticator
	profiles repositories.ProfileRepository
	logger   func(context.Context, string, map[string]any)
}

var _ IdentityService = (*identityService)(nil)

// NewIdentityService constructs the identity service.
func NewIdentityService(deps IdentityServiceDeps) (IdentityService, error) {
	if deps.Authenticator == nil {
		return nil, errors.New("identity service: authenticator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &identityService{authn: deps.Authenticator, profiles: deps.Profiles, logger: logger}, nil
}

// IdentityFromAuth converts a verified token identity into a visitor identity.
func IdentityFromAuth(identity *auth.Identity) VisitorIdentity {
	if identity == nil {
		return domain.AnonymousVisitor()
	}
	visitor := domain.AuthenticatedVisitor(identity.UID, identity.DisplayName)
	visitor.Email = identity.Email
	if identity.IsSubscriber() {
		visitor.Role = domain.RoleSubscriber
	}
	return visitor
}

func (s *identityService) Resolve(ctx context.Context, idToken string) (VisitorIdentity, error) {
	identity, err := s.authn.Authenticate(ctx, idToken)
	if err != nil {
		return VisitorIdentity{}, toAuthError(err)
	}
	return IdentityFromAuth(identity), nil
}

func (s *identityService) Profile(ctx context.Context, identity VisitorIdentity) (UserProfile, error) {
	if !identity.IsAuthenticated() {
		return UserProfile{}, &AuthError{Code: AuthCodeTokenMissing}
	}
	profile := UserProfile{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Role:        identity.Role,
	}
	if profile.Role == "" {
		profile.Role = domain.RoleFree
	}
	if s.profiles == nil {
		return profile, nil
	}
	stored, err := s.profiles.FindByID(ctx, identity.UserID)
	if err != nil {
		if !repositories.IsNotFound(err) {
			s.logger(ctx, identityLoggerEventProfileError, map[string]any{"userId": identity.UserID, "error": err})
		}
		return profile, nil
	}
	if stored.DisplayName != "" {
		profile.DisplayName = stored.DisplayName
	}
	if stored.Email != "" {
		profile.Email = stored.Email
	}
	if stored.Role == domain.RoleSubscriber {
		profile.Role = domain.RoleSubscriber
	}
	profile.UpdatedAt = stored.UpdatedAt
	return profile, nil
}

func (s *identityService) NewSession(initial VisitorIdentity) IdentitySession {
	return &identitySession{service: s, current: initial, subs: make(map[uint64]func(VisitorIdentity))}
}

type identitySession struct {
	service *identityService

	mu      sync.Mutex
	current VisitorIdentity
	subs    map[uint64]func(VisitorIdentity)
	nextSub uint64
}

func (s *identitySession) Current() VisitorIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *identitySession) Subscribe(fn func(VisitorIdentity)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *identitySession) SignIn(ctx context.Context, idToken string) (VisitorIdentity, error) {
	identity, err := s.service.Resolve(ctx, idToken)
	if err != nil {
		fields := map[string]any{"error": err}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			fields["code"] = authErr.Code
		}
		s.service.logger(ctx, identityLoggerEventSignInFailed, fields)
		return s.Current(), err
	}
	s.service.logger(ctx, identityLoggerEventSignIn, map[string]any{"userId": identity.UserID})
	s.set(identity)
	return identity, nil
}

func (s *identitySession) SignOut() {
	if !s.Current().IsAuthenticated() {
		return
	}
	s.service.logger(context.Background(), identityLoggerEventSignOut, nil)
	s.set(domain.AnonymousVisitor())
}

func (s *identitySession) set(identity VisitorIdentity) {
	s.mu.Lock()
	s.current = identity
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(VisitorIdentity), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(identity)
	}
}

func toAuthError(err error) error {
	code := AuthCodeTokenInvalid
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		code = AuthCodeTokenMissing
	case errors.Is(err, auth.ErrTokenExpired):
		code = AuthCodeTokenExpired
	case errors.Is(err, auth.ErrVerifierUnavailable):
		code = AuthCodeUnavailable
	}
	return &AuthError{Code: code, Err: err}
}

// AuthErrorCode returns the code of an AuthError, or "" for other errors.
func AuthErrorCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return strings.TrimSpace(authErr.Code)
	}
	return ""
}
