// Package seed reads content catalogs from YAML and writes them to the content store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/repositories"
)

type catalogFile struct {
	Moods   []moodEntry   `yaml:"moods"`
	Blogs   []blogEntry   `yaml:"blogs"`
	Letters []letterEntry `yaml:"letters"`
}

type moodEntry struct {
	Key         string       `yaml:"key"`
	Label       string       `yaml:"label"`
	Description string       `yaml:"description"`
	Free        bool         `yaml:"free"`
	Order       int          `yaml:"order"`
	Emoji       string       `yaml:"emoji"`
	Images      []imageEntry `yaml:"images"`
}

type imageEntry struct {
	ID    string `yaml:"id"`
	Path  string `yaml:"path"`
	URL   string `yaml:"url"`
	Alt   string `yaml:"alt"`
	Order int    `yaml:"order"`
}

type blogEntry struct {
	ID          string         `yaml:"id"`
	Slug        string         `yaml:"slug"`
	Title       string         `yaml:"title"`
	Summary     string         `yaml:"summary"`
	Free        bool           `yaml:"free"`
	Publisher   publisherEntry `yaml:"publisher"`
	PublishedAt string         `yaml:"published_at"`
	ReadingTime int            `yaml:"reading_time"`
	Cover       *coverEntry    `yaml:"cover"`
	Content     []blockEntry   `yaml:"content"`
}

type publisherEntry struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
	Bio  string `yaml:"bio"`
}

type coverEntry struct {
	URL string `yaml:"url"`
	Alt string `yaml:"alt"`
}

type blockEntry struct {
	Type string `yaml:"type"`
	Text string `yaml:"text"`
	URL  string `yaml:"url"`
	Alt  string `yaml:"alt"`
}

type letterEntry struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Week        string `yaml:"week"`
	Author      string `yaml:"author"`
	Tier        string `yaml:"tier"`
	PublishedAt string `yaml:"published_at"`
	Content     string `yaml:"content"`
}

// ValidationError lists every problem found in a catalog.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "seed: invalid catalog"
	}
	return "seed: invalid catalog: " + strings.Join(e.Problems, "; ")
}

// Summary counts the documents in a bundle.
type Summary struct {
	Moods   int
	Images  int
	Blogs   int
	Letters int
}

// Summarize counts the bundle's documents.
func Summarize(bundle domain.ContentBundle) Summary {
	s := Summary{Moods: len(bundle.Moods), Blogs: len(bundle.Blogs), Letters: len(bundle.Letters)}
	for _, images := range bundle.Images {
		s.Images += len(images)
	}
	return s
}

// Parse decodes a YAML catalog into a content bundle. Dates accept RFC 3339
// timestamps or plain YYYY-MM-DD values.
func Parse(r io.Reader) (domain.ContentBundle, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ContentBundle{}, errors.New("seed: catalog is empty")
		}
		return domain.ContentBundle{}, fmt.Errorf("seed: decode catalog: %w", err)
	}

	bundle := domain.ContentBundle{Images: make(map[string][]domain.AffirmationImage)}
	var problems []string

	for _, m := range file.Moods {
		key := strings.ToLower(strings.TrimSpace(m.Key))
		bundle.Moods = append(bundle.Moods, domain.Mood{
			Key:          key,
			Label:        strings.TrimSpace(m.Label),
			Description:  strings.TrimSpace(m.Description),
			IsFree:       m.Free,
			DisplayOrder: m.Order,
			Emoji:        strings.TrimSpace(m.Emoji),
		})
		if len(m.Images) == 0 {
			continue
		}
		images := make([]domain.AffirmationImage, 0, len(m.Images))
		for i, img := range m.Images {
			id := strings.TrimSpace(img.ID)
			if id == "" {
				id = fmt.Sprintf("%s-%02d", key, i+1)
			}
			order := img.Order
			if order == 0 {
				order = i + 1
			}
			images = append(images, domain.AffirmationImage{
				ID:      id,
				MoodKey: key,
				Path:    strings.TrimSpace(img.Path),
				URL:     strings.TrimSpace(img.URL),
				Alt:     strings.TrimSpace(img.Alt),
				Order:   order,
			})
		}
		bundle.Images[key] = append(bundle.Images[key], images...)
	}

	for _, b := range file.Blogs {
		published, err := parseDate(b.PublishedAt)
		if err != nil {
			problems = append(problems, fmt.Sprintf("blog %q: %v", b.Slug, err))
		}
		blog := domain.Blog{
			BlogSummary: domain.BlogSummary{
				ID:                 strings.TrimSpace(b.ID),
				Slug:               strings.TrimSpace(b.Slug),
				Title:              strings.TrimSpace(b.Title),
				QuickSummary:       strings.TrimSpace(b.Summary),
				IsFree:             b.Free,
				Publisher:          domain.Publisher{Name: strings.TrimSpace(b.Publisher.Name), Role: strings.TrimSpace(b.Publisher.Role), Bio: strings.TrimSpace(b.Publisher.Bio)},
				PublishedAt:        published,
				ReadingTimeMinutes: b.ReadingTime,
			},
		}
		if b.Cover != nil && strings.TrimSpace(b.Cover.URL) != "" {
			blog.CoverImage = &domain.CoverImage{URL: strings.TrimSpace(b.Cover.URL), Alt: strings.TrimSpace(b.Cover.Alt)}
		}
		for _, block := range b.Content {
			kind := strings.ToLower(strings.TrimSpace(block.Type))
			if kind == "" {
				kind = domain.BlockParagraph
			}
			blog.Content = append(blog.Content, domain.ContentBlock{Type: kind, Text: block.Text, URL: strings.TrimSpace(block.URL), Alt: strings.TrimSpace(block.Alt)})
		}
		bundle.Blogs = append(bundle.Blogs, blog)
	}

	for _, l := range file.Letters {
		published, err := parseDate(l.PublishedAt)
		if err != nil {
			problems = append(problems, fmt.Sprintf("letter %q: %v", l.ID, err))
		}
		tier := strings.ToLower(strings.TrimSpace(l.Tier))
		if tier == "" {
			tier = domain.LetterTierFree
		}
		bundle.Letters = append(bundle.Letters, domain.Letter{
			LetterSummary: domain.LetterSummary{
				ID:          strings.TrimSpace(l.ID),
				Title:       strings.TrimSpace(l.Title),
				Week:        strings.TrimSpace(l.Week),
				Author:      strings.TrimSpace(l.Author),
				Tier:        tier,
				IsFree:      tier == domain.LetterTierFree,
				PublishedAt: published,
			},
			Content: l.Content,
		})
	}

	if len(problems) > 0 {
		return bundle, &ValidationError{Problems: problems}
	}
	return bundle, nil
}

// Validate checks the bundle for the invariants the content directory relies on.
func Validate(bundle domain.ContentBundle) error {
	var problems []string

	moodKeys := make(map[string]struct{}, len(bundle.Moods))
	for i, m := range bundle.Moods {
		switch {
		case m.Key == "":
			problems = append(problems, fmt.Sprintf("mood #%d: key is required", i+1))
			continue
		case m.Label == "":
			problems = append(problems, fmt.Sprintf("mood %q: label is required", m.Key))
		}
		if _, dup := moodKeys[m.Key]; dup {
			problems = append(problems, fmt.Sprintf("mood %q: duplicate key", m.Key))
		}
		moodKeys[m.Key] = struct{}{}
	}

	imageKeys := make([]string, 0, len(bundle.Images))
	for key := range bundle.Images {
		imageKeys = append(imageKeys, key)
	}
	sort.Strings(imageKeys)
	for _, key := range imageKeys {
		if _, ok := moodKeys[key]; !ok {
			problems = append(problems, fmt.Sprintf("images for unknown mood %q", key))
		}
		ids := make(map[string]struct{})
		for _, img := range bundle.Images[key] {
			if img.Path == "" && img.URL == "" {
				problems = append(problems, fmt.Sprintf("mood %q image %q: path or url is required", key, img.ID))
			}
			if _, dup := ids[img.ID]; dup {
				problems = append(problems, fmt.Sprintf("mood %q image %q: duplicate id", key, img.ID))
			}
			ids[img.ID] = struct{}{}
		}
	}

	slugs := make(map[string]struct{}, len(bundle.Blogs))
	for i, b := range bundle.Blogs {
		if b.Slug == "" {
			problems = append(problems, fmt.Sprintf("blog #%d: slug is required", i+1))
			continue
		}
		if _, dup := slugs[b.Slug]; dup {
			problems = append(problems, fmt.Sprintf("blog %q: duplicate slug", b.Slug))
		}
		slugs[b.Slug] = struct{}{}
		if b.Title == "" {
			problems = append(problems, fmt.Sprintf("blog %q: title is required", b.Slug))
		}
		if b.ReadingTimeMinutes <= 0 {
			problems = append(problems, fmt.Sprintf("blog %q: reading_time must be positive", b.Slug))
		}
		for j, block := range b.Content {
			switch block.Type {
			case domain.BlockParagraph:
				if strings.TrimSpace(block.Text) == "" {
					problems = append(problems, fmt.Sprintf("blog %q block #%d: paragraph text is required", b.Slug, j+1))
				}
			case domain.BlockImage:
				if block.URL == "" {
					problems = append(problems, fmt.Sprintf("blog %q block #%d: image url is required", b.Slug, j+1))
				}
			default:
				problems = append(problems, fmt.Sprintf("blog %q block #%d: unknown type %q", b.Slug, j+1, block.Type))
			}
		}
	}

	letterIDs := make(map[string]struct{}, len(bundle.Letters))
	for i, l := range bundle.Letters {
		if l.ID == "" {
			problems = append(problems, fmt.Sprintf("letter #%d: id is required", i+1))
			continue
		}
		if _, dup := letterIDs[l.ID]; dup {
			problems = append(problems, fmt.Sprintf("letter %q: duplicate id", l.ID))
		}
		letterIDs[l.ID] = struct{}{}
		if l.Tier != domain.LetterTierFree && l.Tier != domain.LetterTierSubscribed {
			problems = append(problems, fmt.Sprintf("letter %q: unknown tier %q", l.ID, l.Tier))
		}
		if l.Title == "" {
			problems = append(problems, fmt.Sprintf("letter %q: title is required", l.ID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Load validates the bundle and hands it to the importer.
func Load(ctx context.Context, importer repositories.ContentImporter, bundle domain.ContentBundle) error {
	if importer == nil {
		return errors.New("seed: importer is required")
	}
	if err := Validate(bundle); err != nil {
		return err
	}
	if err := importer.Import(ctx, bundle); err != nil {
		return fmt.Errorf("seed: import catalog: %w", err)
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid published_at %q", raw)
	}
	return ts.UTC(), nil
}
