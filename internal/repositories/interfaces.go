package repositories

import (
	"context"

	domain "github.com/shishu/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ContentRepository reads the published content catalog.
type ContentRepository interface {
	ListMoods(ctx context.Context) ([]domain.Mood, error)
	// ListMoodImages returns the stored images of a mood; a mood without an
	// image document yields an empty slice.
	ListMoodImages(ctx context.Context, moodKey string) ([]domain.AffirmationImage, error)
	ListBlogs(ctx context.Context) ([]domain.Blog, error)
	// FindBlogBySlug returns a RepositoryError with IsNotFound when absent.
	FindBlogBySlug(ctx context.Context, slug string) (domain.Blog, error)
	ListLetters(ctx context.Context, tier string) ([]domain.Letter, error)
	FindLetter(ctx context.Context, tier, letterID string) (domain.Letter, error)
}

// ContentImporter replaces catalog documents in bulk.
type ContentImporter interface {
	Import(ctx context.Context, bundle domain.ContentBundle) error
}

// UsageStore is the per-visitor key-value record shared by every API instance.
// Each Set or Delete touches single keys; concurrent writers resolve last-writer-wins.
type UsageStore interface {
	// Load returns every key of the visitor; an unknown visitor yields an empty map.
	Load(ctx context.Context, visitorID string) (map[string]string, error)
	Set(ctx context.Context, visitorID string, values map[string]string) error
	Delete(ctx context.Context, visitorID string, keys ...string) error
}

// ProfileRepository reads account profiles of signed-in visitors.
type ProfileRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
