package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/httpx"
	"github.com/shishu/api/internal/platform/requestctx"
	"github.com/shishu/api/internal/services"
)

// ContentHandlers serves the catalog and the gate view of single items.
type ContentHandlers struct {
	authn     *auth.Authenticator
	directory services.ContentDirectory
	gate      services.GateService
	ledger    services.UsageLedger
}

// NewContentHandlers constructs the content handlers. A nil authenticator serves every caller anonymously.
func NewContentHandlers(authn *auth.Authenticator, directory services.ContentDirectory, gate services.GateService, ledger services.UsageLedger) *ContentHandlers {
	return &ContentHandlers{
		authn:     authn,
		directory: directory,
		gate:      gate,
		ledger:    ledger,
	}
}

// Routes registers the content endpoints.
func (h *ContentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/moods", h.listMoods)
	r.Get("/moods/{moodKey}/affirmations", h.getMood)
	r.Get("/blogs", h.listBlogs)
	r.Get("/blogs/{slug}", h.getBlog)
	r.Get("/letters", h.listLetters)
	r.Get("/letters/{letterId}", h.getLetter)
	r.Get("/usage", h.getUsage)
}

type moodListResponse struct {
	Moods []moodPayload `json:"moods"`
}

type blogListResponse struct {
	Blogs []blogSummaryPayload `json:"blogs"`
}

type letterListResponse struct {
	Letters []letterSummaryPayload `json:"letters"`
}

type usageResponse struct {
	VisitorID  string                      `json:"visitorId"`
	Identity   identityPayload             `json:"identity"`
	Allowances map[string]allowancePayload `json:"allowances"`
	Degraded   bool                        `json:"degraded,omitempty"`
}

func (h *ContentHandlers) listMoods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	visitor := currentVisitor(ctx)
	usage := h.ledger.Snapshot(ctx, visitor.ID)

	moods := h.directory.ListMoods(ctx)
	out := make([]moodPayload, 0, len(moods))
	for _, mood := range moods {
		payload := buildMoodPayload(mood)
		item := domain.ContentItem{ID: mood.Key, Kind: domain.ContentKindAffirmation, IsFree: mood.IsFree}
		payload.Decision = string(services.EvaluateAccess(item, visitor.Identity, usage))
		out = append(out, payload)
	}
	writeJSONResponse(w, http.StatusOK, moodListResponse{Moods: out})
}

func (h *ContentHandlers) listBlogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	visitor := currentVisitor(ctx)
	usage := h.ledger.Snapshot(ctx, visitor.ID)

	blogs := h.directory.ListBlogs(ctx)
	out := make([]blogSummaryPayload, 0, len(blogs))
	for _, blog := range blogs {
		payload := buildBlogSummaryPayload(blog)
		item := domain.ContentItem{ID: blog.Slug, Kind: domain.ContentKindBlog, IsFree: blog.IsFree}
		payload.Decision = string(services.EvaluateAccess(item, visitor.Identity, usage))
		out = append(out, payload)
	}
	writeJSONResponse(w, http.StatusOK, blogListResponse{Blogs: out})
}

func (h *ContentHandlers) listLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	visitor := currentVisitor(ctx)
	includeLocked := visitor.Identity.IsAuthenticated()
	if raw := strings.TrimSpace(r.URL.Query().Get("includeLocked")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "includeLocked must be a boolean", http.StatusBadRequest))
			return
		}
		includeLocked = parsed
	}
	usage := h.ledger.Snapshot(ctx, visitor.ID)

	letters := h.directory.ListLetters(ctx, includeLocked)
	out := make([]letterSummaryPayload, 0, len(letters))
	for _, letter := range letters {
		payload := buildLetterSummaryPayload(letter)
		item := domain.ContentItem{ID: letter.ID, Kind: domain.ContentKindLetter, IsFree: letter.IsFree}
		payload.Decision = string(services.EvaluateAccess(item, visitor.Identity, usage))
		out = append(out, payload)
	}
	writeJSONResponse(w, http.StatusOK, letterListResponse{Letters: out})
}

func (h *ContentHandlers) getMood(w http.ResponseWriter, r *http.Request) {
	h.serveItem(w, r, func(ctx context.Context) (domain.ContentItem, error) {
		return h.directory.GetMood(ctx, chi.URLParam(r, "moodKey"))
	})
}

func (h *ContentHandlers) getBlog(w http.ResponseWriter, r *http.Request) {
	h.serveItem(w, r, func(ctx context.Context) (domain.ContentItem, error) {
		return h.directory.GetBlogBySlug(ctx, chi.URLParam(r, "slug"))
	})
}

func (h *ContentHandlers) getLetter(w http.ResponseWriter, r *http.Request) {
	h.serveItem(w, r, func(ctx context.Context) (domain.ContentItem, error) {
		return h.directory.GetLetterByID(ctx, chi.URLParam(r, "letterId"))
	})
}

// serveItem claims the allowance for the item, then writes the gate view.
func (h *ContentHandlers) serveItem(w http.ResponseWriter, r *http.Request, load func(context.Context) (domain.ContentItem, error)) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	if h.gate == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "gate service unavailable", http.StatusServiceUnavailable))
		return
	}

	item, err := load(ctx)
	if err != nil {
		writeContentError(ctx, w, err)
		return
	}
	view := h.gate.Admit(ctx, currentVisitor(ctx), item)
	writeJSONResponse(w, http.StatusOK, buildGateViewPayload(view))
}

func (h *ContentHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	visitor := currentVisitor(ctx)
	usage := h.ledger.Snapshot(ctx, visitor.ID)
	writeJSONResponse(w, http.StatusOK, usageResponse{
		VisitorID:  visitor.ID,
		Identity:   buildIdentityPayload(visitor.Identity),
		Allowances: buildAllowancesPayload(services.Allowances(visitor.Identity, usage)),
		Degraded:   usage.Degraded,
	})
}

func (h *ContentHandlers) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h.directory == nil || h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "content service unavailable", http.StatusServiceUnavailable))
		return false
	}
	if strings.TrimSpace(requestctx.VisitorID(ctx)) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "visitor id missing", http.StatusBadRequest))
		return false
	}
	return true
}

// currentVisitor combines the visitor cookie with the optional Firebase identity.
func currentVisitor(ctx context.Context) services.Visitor {
	visitor := services.Visitor{ID: requestctx.VisitorID(ctx), Identity: domain.AnonymousVisitor()}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		visitor.Identity = services.IdentityFromAuth(identity)
	}
	return visitor
}

func writeContentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrContentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeContentNotFound, "content not found", http.StatusNotFound))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "content request timed out", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to load content", http.StatusInternalServerError))
	}
}
