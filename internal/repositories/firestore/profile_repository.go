package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/shishu/api/internal/domain"
	pfirestore "github.com/shishu/api/internal/platform/firestore"
	"github.com/shishu/api/internal/repositories"
)

const userCollection = "users"

var _ repositories.ProfileRepository = (*ProfileRepository)(nil)

// ProfileRepository reads account profiles from the users collection.
type ProfileRepository struct {
	users *pfirestore.Collection[userDocument]
}

// NewProfileRepository constructs a Firestore-backed profile repository.
func NewProfileRepository(provider *pfirestore.Provider) (*ProfileRepository, error) {
	if provider == nil {
		return nil, errors.New("profile repository requires firestore provider")
	}
	return &ProfileRepository{users: pfirestore.NewCollection[userDocument](provider, userCollection)}, nil
}

// FindByID loads the profile by UID.
func (r *ProfileRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.users == nil {
		return domain.UserProfile{}, errors.New("profile repository not initialised")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}

	profile := domain.UserProfile{
		ID:          doc.ID,
		DisplayName: strings.TrimSpace(doc.Data.DisplayName),
		Email:       strings.TrimSpace(doc.Data.Email),
		Role:        normaliseRole(doc.Data.Role, doc.Data.Roles),
		UpdatedAt:   doc.Data.UpdatedAt,
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = doc.UpdateTime
	}
	return profile, nil
}

type userDocument struct {
	DisplayName string    `firestore:"displayName"`
	Email       string    `firestore:"email"`
	Role        string    `firestore:"role"`
	Roles       []string  `firestore:"roles"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func normaliseRole(role string, roles []string) string {
	candidates := append([]string{role}, roles...)
	for _, r := range candidates {
		if strings.EqualFold(strings.TrimSpace(r), domain.RoleSubscriber) {
			return domain.RoleSubscriber
		}
	}
	return domain.RoleFree
}
