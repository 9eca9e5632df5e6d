//go:build integration

package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/config"
	pfirestore "github.com/shishu/api/internal/platform/firestore"
)

func newEmulatorProvider(t *testing.T) *pfirestore.Provider {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	provider := pfirestore.NewProvider(config.FirestoreConfig{ProjectID: "shishu-test", EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func TestContentRepositoryImportAndRead(t *testing.T) {
	provider := newEmulatorProvider(t)
	repo, err := NewContentRepository(provider)
	if err != nil {
		t.Fatalf("NewContentRepository: %v", err)
	}
	ctx := context.Background()
	suffix := ulid.Make().String()
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	bundle := domain.ContentBundle{
		Moods: []domain.Mood{
			{Key: "tired", Label: "Tired", DisplayOrder: 2},
			{Key: "calm", Label: "Calm", IsFree: true, DisplayOrder: 1},
		},
		Images: map[string][]domain.AffirmationImage{
			"calm": {{ID: "c2", Order: 2, URL: "https://cdn.example.com/2.jpg"}, {ID: "c1", Order: 1, URL: "https://cdn.example.com/1.jpg"}},
		},
		Blogs: []domain.Blog{
			{BlogSummary: domain.BlogSummary{ID: "b-old-" + suffix, Slug: "old-" + suffix, Title: "Old", PublishedAt: older}},
			{BlogSummary: domain.BlogSummary{ID: "b-new-" + suffix, Slug: "new-" + suffix, Title: "New", IsFree: true, PublishedAt: newer}},
		},
		Letters: []domain.Letter{
			{LetterSummary: domain.LetterSummary{ID: "l-" + suffix, Tier: domain.LetterTierSubscribed, Title: "Week", PublishedAt: newer}, Content: "Hi"},
		},
	}
	if err := repo.Import(ctx, bundle); err != nil {
		t.Fatalf("Import: %v", err)
	}

	moods, err := repo.ListMoods(ctx)
	if err != nil || len(moods) != 2 {
		t.Fatalf("ListMoods: %v %v", moods, err)
	}
	images, err := repo.ListMoodImages(ctx, "calm")
	if err != nil || len(images) != 2 || images[0].ID != "c1" {
		t.Fatalf("ListMoodImages: %+v %v", images, err)
	}
	if images, err := repo.ListMoodImages(ctx, "missing-"+suffix); err != nil || len(images) != 0 {
		t.Fatalf("expected empty images for unknown mood, got %+v %v", images, err)
	}

	blog, err := repo.FindBlogBySlug(ctx, "new-"+suffix)
	if err != nil || !blog.IsFree {
		t.Fatalf("FindBlogBySlug: %+v %v", blog, err)
	}
	if _, err := repo.FindBlogBySlug(ctx, "absent-"+suffix); !pfirestore.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	letter, err := repo.FindLetter(ctx, domain.LetterTierSubscribed, "l-"+suffix)
	if err != nil || letter.IsFree {
		t.Fatalf("FindLetter: %+v %v", letter, err)
	}
}

func TestUsageStoreMergesKeys(t *testing.T) {
	provider := newEmulatorProvider(t)
	store, err := NewUsageStore(provider, "visitors", nil)
	if err != nil {
		t.Fatalf("NewUsageStore: %v", err)
	}
	ctx := context.Background()
	visitor := ulid.Make().String()

	if values, err := store.Load(ctx, visitor); err != nil || len(values) != 0 {
		t.Fatalf("expected empty load, got %v %v", values, err)
	}
	if err := store.Set(ctx, visitor, map[string]string{"blogViews": "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, visitor, map[string]string{"letterViews": "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	values, err := store.Load(ctx, visitor)
	if err != nil || values["blogViews"] != "1" || values["letterViews"] != "1" {
		t.Fatalf("expected merged keys, got %v %v", values, err)
	}
	if err := store.Delete(ctx, visitor, "blogViews"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	values, _ = store.Load(ctx, visitor)
	if _, ok := values["blogViews"]; ok {
		t.Fatalf("expected blogViews removed, got %v", values)
	}
	if err := store.Delete(ctx, ulid.Make().String(), "blogViews"); err != nil {
		t.Fatalf("expected delete of unknown visitor to succeed, got %v", err)
	}
}
