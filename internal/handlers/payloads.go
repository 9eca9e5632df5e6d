package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/services"
)

type moodPayload struct {
	Key          string `json:"key"`
	Label        string `json:"label"`
	Description  string `json:"description,omitempty"`
	Emoji        string `json:"emoji"`
	IsFree       bool   `json:"isFree"`
	DisplayOrder int    `json:"order"`
	Decision     string `json:"decision,omitempty"`
}

type imagePayload struct {
	ID       string `json:"id"`
	MoodKey  string `json:"moodKey"`
	URL      string `json:"url"`
	Alt      string `json:"alt,omitempty"`
	Order    int    `json:"order"`
	Fallback bool   `json:"fallback,omitempty"`
}

type publisherPayload struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	Bio  string `json:"bio,omitempty"`
}

type coverImagePayload struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type blogSummaryPayload struct {
	ID                 string             `json:"id"`
	Slug               string             `json:"slug"`
	Title              string             `json:"title"`
	QuickSummary       string             `json:"quickSummary,omitempty"`
	IsFree             bool               `json:"isFree"`
	Publisher          publisherPayload   `json:"publisher"`
	PublishedAt        string             `json:"publishedAt,omitempty"`
	ReadingTimeMinutes int                `json:"readingTimeMinutes,omitempty"`
	CoverImage         *coverImagePayload `json:"coverImage,omitempty"`
	Decision           string             `json:"decision,omitempty"`
}

type contentBlockPayload struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
	URL  string `json:"url,omitempty"`
	Alt  string `json:"alt,omitempty"`
}

type blogPayload struct {
	blogSummaryPayload
	Content []contentBlockPayload `json:"content"`
}

type letterSummaryPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Week        string `json:"week,omitempty"`
	Author      string `json:"author,omitempty"`
	Tier        string `json:"tier"`
	IsFree      bool   `json:"isFree"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Decision    string `json:"decision,omitempty"`
}

type letterPayload struct {
	letterSummaryPayload
	Paragraphs []string `json:"paragraphs"`
	HTML       string   `json:"html,omitempty"`
}

type moodItemPayload struct {
	Mood   moodPayload    `json:"mood"`
	Images []imagePayload `json:"images"`
}

type previewPayload struct {
	Title      string             `json:"title"`
	Excerpt    string             `json:"excerpt,omitempty"`
	Emoji      string             `json:"emoji,omitempty"`
	CoverImage *coverImagePayload `json:"coverImage,omitempty"`
	Blurred    bool               `json:"blurred"`
}

type actionPayload struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

type allowancePayload struct {
	Limit           int  `json:"limit"`
	Used            int  `json:"used"`
	Remaining       int  `json:"remaining"`
	CanView         bool `json:"canView"`
	HasReachedLimit bool `json:"hasReachedLimit"`
	Unlimited       bool `json:"unlimited,omitempty"`
}

type gateViewPayload struct {
	Kind      string           `json:"kind"`
	ItemID    string           `json:"itemId"`
	Decision  string           `json:"decision"`
	Item      any              `json:"item,omitempty"`
	Preview   *previewPayload  `json:"preview,omitempty"`
	Message   string           `json:"message,omitempty"`
	Action    *actionPayload   `json:"action,omitempty"`
	Allowance allowancePayload `json:"allowance"`
}

type identityPayload struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"uid,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Role          string `json:"role,omitempty"`
}

func buildMoodPayload(mood domain.Mood) moodPayload {
	return moodPayload{
		Key:          mood.Key,
		Label:        mood.Label,
		Description:  mood.Description,
		Emoji:        mood.Emoji,
		IsFree:       mood.IsFree,
		DisplayOrder: mood.DisplayOrder,
	}
}

func buildImagePayloads(images []domain.AffirmationImage) []imagePayload {
	out := make([]imagePayload, 0, len(images))
	for _, img := range images {
		out = append(out, imagePayload{
			ID:       img.ID,
			MoodKey:  img.MoodKey,
			URL:      img.URL,
			Alt:      img.Alt,
			Order:    img.Order,
			Fallback: img.Fallback,
		})
	}
	return out
}

func buildCoverImagePayload(cover *domain.CoverImage) *coverImagePayload {
	if cover == nil || cover.URL == "" {
		return nil
	}
	return &coverImagePayload{URL: cover.URL, Alt: cover.Alt}
}

func buildBlogSummaryPayload(blog domain.BlogSummary) blogSummaryPayload {
	return blogSummaryPayload{
		ID:           blog.ID,
		Slug:         blog.Slug,
		Title:        blog.Title,
		QuickSummary: blog.QuickSummary,
		IsFree:       blog.IsFree,
		Publisher: publisherPayload{
			Name: blog.Publisher.Name,
			Role: blog.Publisher.Role,
			Bio:  blog.Publisher.Bio,
		},
		PublishedAt:        formatTime(blog.PublishedAt),
		ReadingTimeMinutes: blog.ReadingTimeMinutes,
		CoverImage:         buildCoverImagePayload(blog.CoverImage),
	}
}

func buildLetterSummaryPayload(letter domain.LetterSummary) letterSummaryPayload {
	return letterSummaryPayload{
		ID:          letter.ID,
		Title:       letter.Title,
		Week:        letter.Week,
		Author:      letter.Author,
		Tier:        letter.Tier,
		IsFree:      letter.IsFree,
		PublishedAt: formatTime(letter.PublishedAt),
	}
}

func buildItemPayload(item *domain.ContentItem) any {
	switch {
	case item == nil:
		return nil
	case item.Mood != nil:
		return moodItemPayload{Mood: buildMoodPayload(item.Mood.Mood), Images: buildImagePayloads(item.Mood.Images)}
	case item.Blog != nil:
		blocks := make([]contentBlockPayload, 0, len(item.Blog.Content))
		for _, block := range item.Blog.Content {
			blocks = append(blocks, contentBlockPayload(block))
		}
		return blogPayload{blogSummaryPayload: buildBlogSummaryPayload(item.Blog.BlogSummary), Content: blocks}
	case item.Letter != nil:
		paragraphs := item.Letter.Paragraphs
		if paragraphs == nil {
			paragraphs = []string{}
		}
		return letterPayload{
			letterSummaryPayload: buildLetterSummaryPayload(item.Letter.LetterSummary),
			Paragraphs:           paragraphs,
			HTML:                 item.Letter.HTML,
		}
	default:
		return nil
	}
}

func buildAllowancePayload(allowance services.UsageAllowance) allowancePayload {
	return allowancePayload{
		Limit:           allowance.Limit,
		Used:            allowance.Used,
		Remaining:       allowance.Remaining,
		CanView:         allowance.CanView,
		HasReachedLimit: allowance.HasReachedLimit,
		Unlimited:       allowance.Unlimited,
	}
}

func buildAllowancesPayload(allowances map[domain.ContentKind]services.UsageAllowance) map[string]allowancePayload {
	out := make(map[string]allowancePayload, len(allowances))
	for kind, allowance := range allowances {
		out[string(kind)] = buildAllowancePayload(allowance)
	}
	return out
}

func buildGateViewPayload(view services.GateView) gateViewPayload {
	payload := gateViewPayload{
		Kind:      string(view.Kind),
		ItemID:    view.ItemID,
		Decision:  string(view.Decision),
		Item:      buildItemPayload(view.Item),
		Message:   view.Message,
		Allowance: buildAllowancePayload(view.Allowance),
	}
	if view.Preview != nil {
		payload.Preview = &previewPayload{
			Title:      view.Preview.Title,
			Excerpt:    view.Preview.Excerpt,
			Emoji:      view.Preview.Emoji,
			CoverImage: buildCoverImagePayload(view.Preview.CoverImage),
			Blurred:    view.Preview.Blurred,
		}
	}
	if view.Action != nil {
		payload.Action = &actionPayload{Type: view.Action.Type, Label: view.Action.Label}
	}
	return payload
}

func buildIdentityPayload(identity domain.VisitorIdentity) identityPayload {
	if !identity.IsAuthenticated() {
		return identityPayload{}
	}
	return identityPayload{
		Authenticated: true,
		UserID:        identity.UserID,
		DisplayName:   identity.DisplayName,
		Role:          identity.Role,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
