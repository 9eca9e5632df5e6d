package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/storage"
	"github.com/shishu/api/internal/repositories"
)

const (
	contentLoggerEventFetchFailed = "content.fetch.failed"
	contentLoggerEventSignFailed  = "content.image.sign_failed"

	defaultContentFetchTimeout = 5 * time.Second
	defaultPlaceholderImages   = 5
	placeholderImageURL        = "https://picsum.photos/600/800?random=%s-%d"
	defaultMoodEmoji           = "💫"
)

var moodEmoji = map[string]string{
	"overwhelmed":    "🌊",
	"exhausted":      "😴",
	"tired":          "😴",
	"guilty":         "😔",
	"lonely":         "🌙",
	"anxious":        "💭",
	"doubting":       "🤔",
	"raw":            "💔",
	"disconnected":   "🌫️",
	"strong_tired":   "💪",
	"hopeful_unsure": "🌱",
	"hopeful":        "🌱",
	"calm":           "✨",
}

// ImageSigner issues download URLs for stored affirmation images.
type ImageSigner interface {
	DownloadURL(ctx context.Context, object string) (storage.SignedURL, error)
}

// ContentDirectoryDeps groups constructor parameters for the content directory.
type ContentDirectoryDeps struct {
	Repository         repositories.ContentRepository
	Images             ImageSigner
	Renderer           *ContentRenderer
	Clock              func() time.Time
	Logger             func(ctx context.Context, event string, fields map[string]any)
	FetchTimeout       time.Duration
	PlaceholderImages  bool
	PlaceholderPerMood int
}

type contentDirectory struct {
	repo         repositories.ContentRepository
	images       ImageSigner
	renderer     *ContentRenderer
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
	timeout      time.Duration
	placeholders int
}

// ErrContentRepositoryMissing signals that the content repository dependency is absent.
var ErrContentRepositoryMissing = errors.New("content directory: content repository is not configured")

var _ ContentDirectory = (*contentDirectory)(nil)

// NewContentDirectory constructs the content directory with the supplied dependencies.
func NewContentDirectory(deps ContentDirectoryDeps) (ContentDirectory, error) {
	if deps.Repository == nil {
		return nil, ErrContentRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewContentRenderer()
	}
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultContentFetchTimeout
	}
	placeholders := 0
	if deps.PlaceholderImages {
		placeholders = deps.PlaceholderPerMood
		if placeholders <= 0 {
			placeholders = defaultPlaceholderImages
		}
	}
	return &contentDirectory{
		repo:         deps.Repository,
		images:       deps.Images,
		renderer:     renderer,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		timeout:      timeout,
		placeholders: placeholders,
	}, nil
}

func (d *contentDirectory) ListMoods(ctx context.Context) []Mood {
	moods, err := d.fetchMoods(ctx)
	if err != nil {
		return []Mood{}
	}
	return moods
}

func (d *contentDirectory) ListBlogs(ctx context.Context) []BlogSummary {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	blogs, err := d.repo.ListBlogs(ctx)
	if err != nil {
		d.fetchFailed(ctx, "blogs.list", err)
		return []BlogSummary{}
	}
	out := make([]BlogSummary, 0, len(blogs))
	for _, blog := range blogs {
		out = append(out, blog.BlogSummary)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out
}

func (d *contentDirectory) ListLetters(ctx context.Context, includeLocked bool) []LetterSummary {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tiers := []string{domain.LetterTierFree}
	if includeLocked {
		tiers = append(tiers, domain.LetterTierSubscribed)
	}
	results := make([][]domain.Letter, len(tiers))
	var g errgroup.Group
	for i, tier := range tiers {
		g.Go(func() error {
			letters, err := d.repo.ListLetters(ctx, tier)
			if err != nil {
				d.fetchFailed(ctx, "letters.list."+tier, err)
				return nil
			}
			results[i] = letters
			return nil
		})
	}
	_ = g.Wait()

	now := d.clock()
	var out []LetterSummary
	for _, letters := range results {
		for _, letter := range letters {
			out = append(out, d.normaliseLetter(letter, now).LetterSummary)
		}
	}
	if out == nil {
		return []LetterSummary{}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out
}

func (d *contentDirectory) GetBlogBySlug(ctx context.Context, slug string) (ContentItem, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ContentItem{}, ErrContentNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	blog, err := d.repo.FindBlogBySlug(ctx, slug)
	if err != nil {
		if !repositories.IsNotFound(err) {
			d.fetchFailed(ctx, "blogs.get", err)
		}
		return ContentItem{}, ErrContentNotFound
	}
	blocks := make([]domain.ContentBlock, len(blog.Content))
	for i, block := range blog.Content {
		if block.Type == domain.BlockParagraph || block.Type == "" {
			block.Type = domain.BlockParagraph
			block.HTML = d.renderer.HTML(block.Text)
		}
		blocks[i] = block
	}
	blog.Content = blocks
	return ContentItem{ID: blog.Slug, Kind: domain.ContentKindBlog, IsFree: blog.IsFree, Blog: &blog}, nil
}

func (d *contentDirectory) GetLetterByID(ctx context.Context, letterID string) (ContentItem, error) {
	letterID = strings.TrimSpace(letterID)
	if letterID == "" {
		return ContentItem{}, ErrContentNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for _, tier := range []string{domain.LetterTierFree, domain.LetterTierSubscribed} {
		letter, err := d.repo.FindLetter(ctx, tier, letterID)
		if err == nil {
			letter = d.normaliseLetter(letter, d.clock())
			letter.Paragraphs = SplitParagraphs(letter.Content)
			letter.HTML = d.renderer.HTML(letter.Content)
			return ContentItem{ID: letter.ID, Kind: domain.ContentKindLetter, IsFree: letter.IsFree, Letter: &letter}, nil
		}
		if !repositories.IsNotFound(err) {
			d.fetchFailed(ctx, "letters.get."+tier, err)
			return ContentItem{}, ErrContentNotFound
		}
	}
	return ContentItem{}, ErrContentNotFound
}

func (d *contentDirectory) GetAffirmationsForMood(ctx context.Context, moodKey string) ([]AffirmationImage, error) {
	moodKey = strings.TrimSpace(moodKey)
	if moodKey == "" {
		return nil, ErrContentNotFound
	}
	moods, err := d.fetchMoods(ctx)
	if err != nil {
		return []AffirmationImage{}, nil
	}
	if _, ok := findMood(moods, moodKey); !ok {
		return nil, ErrContentNotFound
	}
	return d.moodImages(ctx, moodKey), nil
}

// GetMood resolves a mood and its images. When the mood list cannot be read the
// requested key is served as a locked mood with no images.
func (d *contentDirectory) GetMood(ctx context.Context, moodKey string) (ContentItem, error) {
	moodKey = strings.TrimSpace(moodKey)
	if moodKey == "" {
		return ContentItem{}, ErrContentNotFound
	}
	moods, err := d.fetchMoods(ctx)
	if err != nil {
		mood := Mood{Key: moodKey, Label: labelFromKey(moodKey), Emoji: emojiForMood(moodKey)}
		return ContentItem{
			ID:   moodKey,
			Kind: domain.ContentKindAffirmation,
			Mood: &domain.MoodPayload{Mood: mood, Images: []AffirmationImage{}},
		}, nil
	}
	mood, ok := findMood(moods, moodKey)
	if !ok {
		return ContentItem{}, ErrContentNotFound
	}
	return ContentItem{
		ID:     mood.Key,
		Kind:   domain.ContentKindAffirmation,
		IsFree: mood.IsFree,
		Mood:   &domain.MoodPayload{Mood: mood, Images: d.moodImages(ctx, mood.Key)},
	}, nil
}

func (d *contentDirectory) fetchMoods(ctx context.Context) ([]Mood, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	moods, err := d.repo.ListMoods(ctx)
	if err != nil {
		d.fetchFailed(ctx, "moods.list", err)
		return nil, err
	}
	out := make([]Mood, 0, len(moods))
	for _, mood := range moods {
		if mood.Label == "" {
			mood.Label = labelFromKey(mood.Key)
		}
		if mood.Emoji == "" {
			mood.Emoji = emojiForMood(mood.Key)
		}
		out = append(out, mood)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// moodImages loads and resolves the images of a known mood. Failures yield an empty set.
func (d *contentDirectory) moodImages(ctx context.Context, moodKey string) []AffirmationImage {
	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	stored, err := d.repo.ListMoodImages(fetchCtx, moodKey)
	if err != nil {
		d.fetchFailed(ctx, "moods.images", err)
		return []AffirmationImage{}
	}
	out := make([]AffirmationImage, 0, len(stored))
	for _, img := range stored {
		if img.URL == "" {
			if img.Path == "" || d.images == nil {
				continue
			}
			signed, err := d.images.DownloadURL(fetchCtx, img.Path)
			if err != nil {
				d.logger(ctx, contentLoggerEventSignFailed, map[string]any{
					"moodKey": moodKey,
					"imageId": img.ID,
					"error":   err,
				})
				continue
			}
			img.URL = signed.URL
		}
		img.MoodKey = moodKey
		out = append(out, img)
	}
	if len(out) == 0 && d.placeholders > 0 {
		return placeholderImages(moodKey, d.placeholders)
	}
	return out
}

func (d *contentDirectory) normaliseLetter(letter domain.Letter, now time.Time) domain.Letter {
	if letter.PublishedAt.IsZero() {
		letter.PublishedAt = now
	}
	if letter.Tier == "" {
		letter.Tier = domain.LetterTierFree
	}
	letter.IsFree = letter.Tier == domain.LetterTierFree
	return letter
}

// labelFromKey derives a display label such as "Strong Tired" from "strong_tired".
func labelFromKey(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.TrimSpace(key), "_", " "))
}

func (d *contentDirectory) fetchFailed(ctx context.Context, op string, err error) {
	d.logger(ctx, contentLoggerEventFetchFailed, map[string]any{
		"op":    op,
		"error": &ContentFetchError{Op: op, Err: err},
	})
}

func findMood(moods []Mood, key string) (Mood, bool) {
	for _, mood := range moods {
		if mood.Key == key {
			return mood, true
		}
	}
	return Mood{}, false
}

func emojiForMood(key string) string {
	if emoji, ok := moodEmoji[strings.ToLower(strings.TrimSpace(key))]; ok {
		return emoji
	}
	return defaultMoodEmoji
}

func placeholderImages(moodKey string, n int) []AffirmationImage {
	out := make([]AffirmationImage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, AffirmationImage{
			ID:       fmt.Sprintf("placeholder-%s-%d", moodKey, i),
			MoodKey:  moodKey,
			URL:      fmt.Sprintf(placeholderImageURL, moodKey, i),
			Alt:      "Affirmation for " + strings.ReplaceAll(moodKey, "_", " "),
			Order:    i,
			Fallback: true,
		})
	}
	return out
}
