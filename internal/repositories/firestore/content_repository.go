package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/shishu/api/internal/domain"
	pfirestore "github.com/shishu/api/internal/platform/firestore"
	"github.com/shishu/api/internal/repositories"
)

const (
	affirmationsCollection = "affirmations"
	moodsDocumentID        = "moods"
	moodImagesCollection   = "affirmations/moods/images"
	blogsCollection        = "blogs"
	lettersCollection      = "letters"
	letterItemsCollection  = "items"
)

var (
	_ repositories.ContentRepository = (*ContentRepository)(nil)
	_ repositories.ContentImporter   = (*ContentRepository)(nil)
)

// ContentRepository reads the published catalog from Firestore.
type ContentRepository struct {
	provider *pfirestore.Provider
	moods    *pfirestore.Collection[moodsDocument]
	images   *pfirestore.Collection[moodImagesDocument]
	blogs    *pfirestore.Collection[blogDocument]
	letters  map[string]*pfirestore.Collection[letterDocument]
}

// NewContentRepository constructs a Firestore-backed content repository.
func NewContentRepository(provider *pfirestore.Provider) (*ContentRepository, error) {
	if provider == nil {
		return nil, errors.New("content repository requires firestore provider")
	}
	return &ContentRepository{
		provider: provider,
		moods:    pfirestore.NewCollection[moodsDocument](provider, affirmationsCollection),
		images:   pfirestore.NewCollection[moodImagesDocument](provider, moodImagesCollection),
		blogs:    pfirestore.NewCollection[blogDocument](provider, blogsCollection),
		letters: map[string]*pfirestore.Collection[letterDocument]{
			domain.LetterTierFree:       pfirestore.NewCollection[letterDocument](provider, letterTierPath(domain.LetterTierFree)),
			domain.LetterTierSubscribed: pfirestore.NewCollection[letterDocument](provider, letterTierPath(domain.LetterTierSubscribed)),
		},
	}, nil
}

// ListMoods returns the moods stored on the affirmations/moods document.
func (r *ContentRepository) ListMoods(ctx context.Context) ([]domain.Mood, error) {
	doc, err := r.moods.Get(ctx, moodsDocumentID)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return []domain.Mood{}, nil
		}
		return nil, err
	}
	moods := make([]domain.Mood, 0, len(doc.Data.Moods))
	for _, m := range doc.Data.Moods {
		key := strings.TrimSpace(m.Key)
		if key == "" {
			continue
		}
		moods = append(moods, domain.Mood{
			Key:          key,
			Label:        strings.TrimSpace(m.Label),
			Description:  strings.TrimSpace(m.Description),
			IsFree:       m.IsFree,
			DisplayOrder: m.Order,
			Emoji:        strings.TrimSpace(m.Emoji),
		})
	}
	return moods, nil
}

// ListMoodImages returns the images of a mood ordered by their stored order.
func (r *ContentRepository) ListMoodImages(ctx context.Context, moodKey string) ([]domain.AffirmationImage, error) {
	moodKey = strings.TrimSpace(moodKey)
	if moodKey == "" {
		return nil, errors.New("mood key is required")
	}
	doc, err := r.images.Get(ctx, moodKey)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return []domain.AffirmationImage{}, nil
		}
		return nil, err
	}
	images := make([]domain.AffirmationImage, 0, len(doc.Data.Images))
	for i, img := range doc.Data.Images {
		id := strings.TrimSpace(img.ID)
		if id == "" {
			id = fmt.Sprintf("%s-%d", moodKey, i+1)
		}
		images = append(images, domain.AffirmationImage{
			ID:      id,
			MoodKey: moodKey,
			Path:    strings.TrimSpace(img.Path),
			URL:     strings.TrimSpace(img.URL),
			Alt:     strings.TrimSpace(img.Alt),
			Order:   img.Order,
		})
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].Order < images[j].Order })
	return images, nil
}

// ListBlogs returns every blog document, newest first.
func (r *ContentRepository) ListBlogs(ctx context.Context) ([]domain.Blog, error) {
	docs, err := r.blogs.List(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("publishedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	blogs := make([]domain.Blog, 0, len(docs))
	for _, doc := range docs {
		blogs = append(blogs, toDomainBlog(doc.ID, doc.Data))
	}
	return blogs, nil
}

// FindBlogBySlug looks the blog up by its slug field, then by document id.
func (r *ContentRepository) FindBlogBySlug(ctx context.Context, slug string) (domain.Blog, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Blog{}, pfirestore.WrapError("blogs.findBySlug", status.Error(codes.NotFound, "blog slug is empty"))
	}
	docs, err := r.blogs.List(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("slug", "==", slug).Limit(1)
	})
	if err != nil {
		return domain.Blog{}, err
	}
	if len(docs) > 0 {
		return toDomainBlog(docs[0].ID, docs[0].Data), nil
	}
	doc, err := r.blogs.Get(ctx, slug)
	if err != nil {
		return domain.Blog{}, err
	}
	return toDomainBlog(doc.ID, doc.Data), nil
}

// ListLetters returns the letters of one tier, newest first.
func (r *ContentRepository) ListLetters(ctx context.Context, tier string) ([]domain.Letter, error) {
	coll, err := r.letterCollection(tier)
	if err != nil {
		return nil, err
	}
	docs, err := coll.List(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("publishedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	letters := make([]domain.Letter, 0, len(docs))
	for _, doc := range docs {
		letters = append(letters, toDomainLetter(doc.ID, tier, doc.Data))
	}
	return letters, nil
}

// FindLetter loads a single letter from the tier.
func (r *ContentRepository) FindLetter(ctx context.Context, tier, letterID string) (domain.Letter, error) {
	coll, err := r.letterCollection(tier)
	if err != nil {
		return domain.Letter{}, err
	}
	doc, err := coll.Get(ctx, strings.TrimSpace(letterID))
	if err != nil {
		return domain.Letter{}, err
	}
	return toDomainLetter(doc.ID, tier, doc.Data), nil
}

// Import writes the bundle into the catalog layout. Existing documents with
// the same ids are replaced; other documents are left untouched.
func (r *ContentRepository) Import(ctx context.Context, bundle domain.ContentBundle) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	return pfirestore.BulkSet(ctx, client, CatalogWrites(bundle))
}

// CatalogWrites converts the bundle into document writes.
func CatalogWrites(bundle domain.ContentBundle) []pfirestore.Write {
	writes := make([]pfirestore.Write, 0, 1+len(bundle.Images)+len(bundle.Blogs)+len(bundle.Letters))

	moods := moodsDocument{Moods: make([]moodDocument, 0, len(bundle.Moods))}
	for _, m := range bundle.Moods {
		moods.Moods = append(moods.Moods, moodDocument{
			Key:         m.Key,
			Label:       m.Label,
			Description: m.Description,
			IsFree:      m.IsFree,
			Order:       m.DisplayOrder,
			Emoji:       m.Emoji,
		})
	}
	writes = append(writes, pfirestore.Write{Path: affirmationsCollection + "/" + moodsDocumentID, Data: moods})

	keys := make([]string, 0, len(bundle.Images))
	for key := range bundle.Images {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		doc := moodImagesDocument{}
		for _, img := range bundle.Images[key] {
			doc.Images = append(doc.Images, imageDocument{ID: img.ID, Path: img.Path, URL: img.URL, Alt: img.Alt, Order: img.Order})
		}
		writes = append(writes, pfirestore.Write{Path: moodImagesCollection + "/" + key, Data: doc})
	}

	for _, b := range bundle.Blogs {
		id := b.ID
		if id == "" {
			id = b.Slug
		}
		writes = append(writes, pfirestore.Write{Path: blogsCollection + "/" + id, Data: fromDomainBlog(b)})
	}
	for _, l := range bundle.Letters {
		writes = append(writes, pfirestore.Write{
			Path: letterTierPath(l.Tier) + "/" + l.ID,
			Data: letterDocument{Title: l.Title, Week: l.Week, Content: l.Content, Author: l.Author, PublishedAt: l.PublishedAt},
		})
	}
	return writes
}

func (r *ContentRepository) letterCollection(tier string) (*pfirestore.Collection[letterDocument], error) {
	coll, ok := r.letters[strings.TrimSpace(tier)]
	if !ok {
		return nil, fmt.Errorf("unknown letter tier %q", tier)
	}
	return coll, nil
}

func letterTierPath(tier string) string {
	return lettersCollection + "/" + tier + "/" + letterItemsCollection
}

type moodsDocument struct {
	Moods []moodDocument `firestore:"moods"`
}

type moodDocument struct {
	Key         string `firestore:"key"`
	Label       string `firestore:"label"`
	Description string `firestore:"description"`
	IsFree      bool   `firestore:"isFree"`
	Order       int    `firestore:"order"`
	Emoji       string `firestore:"emoji,omitempty"`
}

type moodImagesDocument struct {
	Images []imageDocument `firestore:"images"`
}

type imageDocument struct {
	ID    string `firestore:"id"`
	Path  string `firestore:"path,omitempty"`
	URL   string `firestore:"url,omitempty"`
	Alt   string `firestore:"alt,omitempty"`
	Order int    `firestore:"order"`
}

type blogDocument struct {
	Slug               string              `firestore:"slug"`
	Title              string              `firestore:"title"`
	QuickSummary       string              `firestore:"quickSummary"`
	IsFree             bool                `firestore:"isFree"`
	Publisher          publisherDocument   `firestore:"publisher"`
	PublishedAt        time.Time           `firestore:"publishedAt"`
	ReadingTimeMinutes int                 `firestore:"readingTimeMinutes"`
	CoverImage         *coverImageDocument `firestore:"coverImage,omitempty"`
	Content            []blockDocument     `firestore:"content"`
}

type publisherDocument struct {
	Name string `firestore:"name"`
	Role string `firestore:"role,omitempty"`
	Bio  string `firestore:"bio,omitempty"`
}

type coverImageDocument struct {
	URL string `firestore:"url"`
	Alt string `firestore:"alt,omitempty"`
}

type blockDocument struct {
	Type string `firestore:"type"`
	Text string `firestore:"text,omitempty"`
	URL  string `firestore:"url,omitempty"`
	Alt  string `firestore:"alt,omitempty"`
}

type letterDocument struct {
	Title       string    `firestore:"title"`
	Week        string    `firestore:"week"`
	Content     string    `firestore:"content"`
	Author      string    `firestore:"author"`
	PublishedAt time.Time `firestore:"publishedAt"`
}

func toDomainBlog(id string, doc blogDocument) domain.Blog {
	blog := domain.Blog{
		BlogSummary: domain.BlogSummary{
			ID:                 id,
			Slug:               strings.TrimSpace(doc.Slug),
			Title:              strings.TrimSpace(doc.Title),
			QuickSummary:       strings.TrimSpace(doc.QuickSummary),
			IsFree:             doc.IsFree,
			Publisher:          domain.Publisher{Name: doc.Publisher.Name, Role: doc.Publisher.Role, Bio: doc.Publisher.Bio},
			PublishedAt:        doc.PublishedAt,
			ReadingTimeMinutes: doc.ReadingTimeMinutes,
		},
		Content: make([]domain.ContentBlock, 0, len(doc.Content)),
	}
	if blog.Slug == "" {
		blog.Slug = id
	}
	if doc.CoverImage != nil && strings.TrimSpace(doc.CoverImage.URL) != "" {
		blog.CoverImage = &domain.CoverImage{URL: strings.TrimSpace(doc.CoverImage.URL), Alt: doc.CoverImage.Alt}
	}
	for _, block := range doc.Content {
		blog.Content = append(blog.Content, domain.ContentBlock{
			Type: strings.ToLower(strings.TrimSpace(block.Type)),
			Text: block.Text,
			URL:  strings.TrimSpace(block.URL),
			Alt:  block.Alt,
		})
	}
	return blog
}

func fromDomainBlog(b domain.Blog) blogDocument {
	doc := blogDocument{
		Slug:               b.Slug,
		Title:              b.Title,
		QuickSummary:       b.QuickSummary,
		IsFree:             b.IsFree,
		Publisher:          publisherDocument{Name: b.Publisher.Name, Role: b.Publisher.Role, Bio: b.Publisher.Bio},
		PublishedAt:        b.PublishedAt,
		ReadingTimeMinutes: b.ReadingTimeMinutes,
		Content:            make([]blockDocument, 0, len(b.Content)),
	}
	if b.CoverImage != nil {
		doc.CoverImage = &coverImageDocument{URL: b.CoverImage.URL, Alt: b.CoverImage.Alt}
	}
	for _, block := range b.Content {
		doc.Content = append(doc.Content, blockDocument{Type: block.Type, Text: block.Text, URL: block.URL, Alt: block.Alt})
	}
	return doc
}

func toDomainLetter(id, tier string, doc letterDocument) domain.Letter {
	return domain.Letter{
		LetterSummary: domain.LetterSummary{
			ID:          id,
			Title:       strings.TrimSpace(doc.Title),
			Week:        strings.TrimSpace(doc.Week),
			Author:      strings.TrimSpace(doc.Author),
			Tier:        tier,
			IsFree:      tier == domain.LetterTierFree,
			PublishedAt: doc.PublishedAt,
		},
		Content: doc.Content,
	}
}
