package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/httpx"
	"github.com/shishu/api/internal/platform/requestctx"
	"github.com/shishu/api/internal/services"
)

// InternalUsageHandlers lets operators inspect and reset a visitor's ledger.
type InternalUsageHandlers struct {
	ledger services.UsageLedger
}

// NewInternalUsageHandlers constructs the operator usage endpoints.
func NewInternalUsageHandlers(ledger services.UsageLedger) *InternalUsageHandlers {
	return &InternalUsageHandlers{ledger: ledger}
}

// Routes registers the /internal/usage endpoints.
func (h *InternalUsageHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/usage/{visitorId}", h.getUsage)
	r.Delete("/usage/{visitorId}/{kind}", h.resetUsage)
}

type internalUsageResponse struct {
	VisitorID  string                      `json:"visitorId"`
	Counts     map[string]int              `json:"counts"`
	Viewed     []string                    `json:"viewed"`
	Allowances map[string]allowancePayload `json:"allowances"`
	Degraded   bool                        `json:"degraded"`
}

func (h *InternalUsageHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "usage ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	visitorID := strings.TrimSpace(chi.URLParam(r, "visitorId"))
	if visitorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "visitor id is required", http.StatusBadRequest))
		return
	}

	usage := h.ledger.Snapshot(ctx, visitorID)
	counts := make(map[string]int, len(domain.ContentKinds))
	for _, kind := range domain.ContentKinds {
		counts[string(kind)] = usage.Count(kind)
	}
	viewed := make([]string, 0, len(usage.Viewed))
	for key := range usage.Viewed {
		viewed = append(viewed, key)
	}
	sort.Strings(viewed)

	writeJSONResponse(w, http.StatusOK, internalUsageResponse{
		VisitorID:  visitorID,
		Counts:     counts,
		Viewed:     viewed,
		Allowances: buildAllowancesPayload(services.Allowances(domain.AnonymousVisitor(), usage)),
		Degraded:   usage.Degraded,
	})
}

func (h *InternalUsageHandlers) resetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "usage ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	visitorID := strings.TrimSpace(chi.URLParam(r, "visitorId"))
	kind, ok := domain.ParseContentKind(chi.URLParam(r, "kind"))
	if visitorID == "" || !ok {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "visitor id and a known kind are required", http.StatusBadRequest))
		return
	}

	if err := h.ledger.Reset(ctx, visitorID, kind); err != nil {
		if errors.Is(err, services.ErrInvalidUsage) {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "failed to reset usage", http.StatusInternalServerError))
		return
	}

	fields := []zap.Field{zap.String("visitorId", visitorID), zap.String("kind", string(kind))}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		fields = append(fields, zap.String("operator", svc.Email))
	}
	requestctx.Logger(ctx).Info("usage reset", fields...)
	w.WriteHeader(http.StatusNoContent)
}
