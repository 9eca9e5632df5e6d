package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	domain "github.com/shishu/api/internal/domain"
)

const (
	defaultPreviewRunes = 280

	// GateActionSignIn asks the client to start the sign-in flow.
	GateActionSignIn = "sign_in"

	limitReachedMessage = "Create a gentle space for yourself to continue."
)

var signInMessages = map[ContentKind]string{
	domain.ContentKindAffirmation: "Sign in to access these affirmations and continue your journey of mindful motherhood.",
	domain.ContentKindBlog:        "Sign in to access this blog and continue your journey of mindful motherhood.",
	domain.ContentKindLetter:      "Sign in to read this letter and continue your journey of mindful motherhood.",
}

// Visitor identifies the caller of a gated request.
type Visitor struct {
	ID       string
	Identity VisitorIdentity
}

// GateAction is the call to action offered with a locked view.
type GateAction struct {
	Type  string
	Label string
}

// GatePreview is the obscured teaser shown instead of locked content. It
// never carries the full body.
type GatePreview struct {
	Title      string
	Excerpt    string
	Emoji      string
	CoverImage *domain.CoverImage
	Blurred    bool
}

// GateView is what the client must render for one item.
type GateView struct {
	Kind        ContentKind
	ItemID      string
	Decision    domain.AccessDecision
	Item        *ContentItem
	Preview     *GatePreview
	Message     string
	Action      *GateAction
	NeedsRecord bool
	Allowance   UsageAllowance
}

// GateServiceDeps bundles collaborators required by the gate service.
type GateServiceDeps struct {
	Ledger       UsageLedger
	Renderer     *ContentRenderer
	PreviewRunes int
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type gateService struct {
	ledger       UsageLedger
	renderer     *ContentRenderer
	previewRunes int
	logger       func(context.Context, string, map[string]any)
}

var _ GateService = (*gateService)(nil)

// NewGateService constructs the gate service.
func NewGateService(deps GateServiceDeps) (GateService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("gate service: usage ledger is required")
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewContentRenderer()
	}
	runes := deps.PreviewRunes
	if runes <= 0 {
		runes = defaultPreviewRunes
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &gateService{ledger: deps.Ledger, renderer: renderer, previewRunes: runes, logger: logger}, nil
}

func (s *gateService) Present(ctx context.Context, visitor Visitor, item ContentItem) GateView {
	usage := s.ledger.Snapshot(ctx, visitor.ID)
	return s.present(visitor, item, usage)
}

func (s *gateService) present(visitor Visitor, item ContentItem, usage UsageSnapshot) GateView {
	decision := EvaluateAccess(item, visitor.Identity, usage)
	view := GateView{
		Kind:      item.Kind,
		ItemID:    item.ID,
		Decision:  decision,
		Allowance: Allowance(item.Kind, visitor.Identity, usage),
	}

	switch decision {
	case domain.AccessGranted:
		full := item
		view.Item = &full
		view.NeedsRecord = !visitor.Identity.IsAuthenticated() && item.IsFree && !usage.HasViewed(item.Kind, item.ID)
	case domain.AccessLockedRequireSignIn:
		view.Preview = s.preview(item)
		view.Message = signInMessages[item.Kind]
		view.Action = &GateAction{Type: GateActionSignIn, Label: "Sign in to continue"}
	case domain.AccessLockedLimitReached:
		view.Preview = s.preview(item)
		view.Message = limitReachedMessage
		view.Action = &GateAction{Type: GateActionSignIn, Label: "Sign in to continue"}
	}
	return view
}

func (s *gateService) Rendered(ctx context.Context, visitor Visitor, view GateView) error {
	if !view.Decision.Granted() || !view.NeedsRecord || visitor.Identity.IsAuthenticated() {
		return nil
	}
	record, err := s.ledger.RecordView(ctx, visitor.ID, view.Kind, view.ItemID)
	if err != nil {
		return err
	}
	s.logRecorded(ctx, visitor, record)
	return nil
}

func (s *gateService) Admit(ctx context.Context, visitor Visitor, item ContentItem) GateView {
	view := s.Present(ctx, visitor, item)
	if !view.Decision.Granted() || !view.NeedsRecord || visitor.Identity.IsAuthenticated() {
		return view
	}
	record, err := s.ledger.ClaimView(ctx, visitor.ID, view.Kind, view.ItemID)
	switch {
	case errors.Is(err, ErrAllowanceExhausted):
		s.logger(ctx, "gate.view.refused", map[string]any{
			"visitorId": visitor.ID,
			"kind":      string(view.Kind),
			"itemId":    view.ItemID,
			"count":     record.Count,
		})
	case err != nil:
		s.logger(ctx, "gate.view.record_failed", map[string]any{
			"visitorId": visitor.ID,
			"itemId":    view.ItemID,
			"error":     err,
		})
		return view
	default:
		s.logRecorded(ctx, visitor, record)
	}
	// the claim changed the allowance, so evaluate again
	return s.Present(ctx, visitor, item)
}

func (s *gateService) logRecorded(ctx context.Context, visitor Visitor, record UsageRecord) {
	s.logger(ctx, "gate.view.recorded", map[string]any{
		"visitorId": visitor.ID,
		"kind":      string(record.Kind),
		"itemId":    record.ItemID,
		"count":     record.Count,
		"recorded":  record.Recorded,
		"degraded":  record.Degraded,
	})
}

func (s *gateService) preview(item ContentItem) *GatePreview {
	preview := &GatePreview{Title: item.Title(), Blurred: true}
	switch {
	case item.Blog != nil:
		preview.CoverImage = item.Blog.CoverImage
		if item.Blog.QuickSummary != "" {
			preview.Excerpt = s.renderer.Excerpt(item.Blog.QuickSummary, s.previewRunes)
			break
		}
		var body []string
		for _, block := range item.Blog.Content {
			if block.Type == domain.BlockParagraph && block.Text != "" {
				body = append(body, block.Text)
			}
		}
		preview.Excerpt = s.bodyExcerpt(strings.Join(body, "\n\n"))
	case item.Letter != nil:
		preview.Excerpt = s.bodyExcerpt(item.Letter.Content)
	case item.Mood != nil:
		preview.Excerpt = item.Mood.Mood.Description
		preview.Emoji = item.Mood.Mood.Emoji
	}
	return preview
}

// bodyExcerpt cuts the body well short of its full length.
func (s *gateService) bodyExcerpt(body string) string {
	limit := s.previewRunes
	if total := utf8.RuneCountInString(s.renderer.PlainText(body)); limit >= total {
		limit = total / 2
	}
	if limit <= 0 {
		return ""
	}
	return s.renderer.Excerpt(body, limit)
}
