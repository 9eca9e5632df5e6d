package firestore

import (
	"testing"
	"time"

	domain "github.com/shishu/api/internal/domain"
)

func TestCatalogWritesLayout(t *testing.T) {
	published := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	bundle := domain.ContentBundle{
		Moods: []domain.Mood{{Key: "calm", Label: "Calm", IsFree: true, DisplayOrder: 1}},
		Images: map[string][]domain.AffirmationImage{
			"tired": {{ID: "t1", Path: "moods/tired/1.jpg", Order: 1}},
			"calm":  {{ID: "c1", URL: "https://cdn.example.com/c1.jpg", Order: 1}},
		},
		Blogs: []domain.Blog{{BlogSummary: domain.BlogSummary{Slug: "first-weeks", Title: "First weeks", PublishedAt: published}}},
		Letters: []domain.Letter{
			{LetterSummary: domain.LetterSummary{ID: "w1", Tier: domain.LetterTierFree, Title: "Week one"}},
			{LetterSummary: domain.LetterSummary{ID: "w2", Tier: domain.LetterTierSubscribed, Title: "Week two"}},
		},
	}

	writes := CatalogWrites(bundle)
	want := []string{
		"affirmations/moods",
		"affirmations/moods/images/calm",
		"affirmations/moods/images/tired",
		"blogs/first-weeks",
		"letters/free/items/w1",
		"letters/subscribed/items/w2",
	}
	if len(writes) != len(want) {
		t.Fatalf("expected %d writes, got %d", len(want), len(writes))
	}
	for i, path := range want {
		if writes[i].Path != path {
			t.Fatalf("write %d: expected %s, got %s", i, path, writes[i].Path)
		}
	}
	moods, ok := writes[0].Data.(moodsDocument)
	if !ok || len(moods.Moods) != 1 || moods.Moods[0].Order != 1 {
		t.Fatalf("unexpected moods document: %#v", writes[0].Data)
	}
}

func TestToDomainBlogDefaults(t *testing.T) {
	blog := toDomainBlog("doc-1", blogDocument{
		Title:      " Night feeds ",
		CoverImage: &coverImageDocument{URL: " "},
		Content:    []blockDocument{{Type: "Paragraph", Text: "Hello"}},
	})
	if blog.Slug != "doc-1" {
		t.Fatalf("expected slug to default to document id, got %q", blog.Slug)
	}
	if blog.Title != "Night feeds" {
		t.Fatalf("expected trimmed title, got %q", blog.Title)
	}
	if blog.CoverImage != nil {
		t.Fatalf("expected blank cover image to be dropped")
	}
	if blog.Content[0].Type != domain.BlockParagraph {
		t.Fatalf("expected lower-cased block type, got %q", blog.Content[0].Type)
	}
}

func TestToDomainLetterTier(t *testing.T) {
	free := toDomainLetter("a", domain.LetterTierFree, letterDocument{Title: "A"})
	locked := toDomainLetter("b", domain.LetterTierSubscribed, letterDocument{Title: "B"})
	if !free.IsFree || locked.IsFree {
		t.Fatalf("expected tier to drive isFree, got free=%v locked=%v", free.IsFree, locked.IsFree)
	}
}

func TestNormaliseRole(t *testing.T) {
	if got := normaliseRole("", []string{"reader", "Subscriber"}); got != domain.RoleSubscriber {
		t.Fatalf("expected subscriber, got %s", got)
	}
	if got := normaliseRole("", nil); got != domain.RoleFree {
		t.Fatalf("expected free, got %s", got)
	}
}
