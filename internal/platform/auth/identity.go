package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Account roles carried in the "role" custom claim.
const (
	RoleFree       = "free"
	RoleSubscriber = "subscriber"
)

// ErrUserLoaderUnavailable indicates that the identity was created without a user loader.
var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// Identity is the signed-in account extracted from a Firebase ID token.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	Role        string

	token *firebaseauth.Token

	userLoader UserLoader
	once       sync.Once
	userRecord *firebaseauth.UserRecord
	userErr    error
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// IsSubscriber reports whether the account holds a paid subscription.
func (i *Identity) IsSubscriber() bool {
	return i != nil && strings.EqualFold(i.Role, RoleSubscriber)
}

// User resolves the Firebase user record on first access and memoises it.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.userLoader == nil {
		return nil, ErrUserLoaderUnavailable
	}
	i.once.Do(func() {
		i.userRecord, i.userErr = i.userLoader(ctx, i.UID)
	})
	return i.userRecord, i.userErr
}

// UserLoader fetches the Firebase user record corresponding to a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)

type contextKey string

const identityContextKey contextKey = "github.com/shishu/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
