package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/httpx"
	"github.com/shishu/api/internal/services"
)

// MeHandlers exposes the profile of the signed-in visitor.
type MeHandlers struct {
	authn    *auth.Authenticator
	identity services.IdentityService
}

// NewMeHandlers constructs handlers enforcing Firebase authentication before reading the profile.
func NewMeHandlers(authn *auth.Authenticator, identity services.IdentityService) *MeHandlers {
	return &MeHandlers{
		authn:    authn,
		identity: identity,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getProfile)
}

type profilePayload struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func (h *MeHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthenticated, "authentication required", http.StatusUnauthorized))
		return
	}

	profile, err := h.identity.Profile(ctx, services.IdentityFromAuth(identity))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeAuthError, err.Error(), http.StatusUnauthorized).
			WithDetails(map[string]any{"reason": services.AuthErrorCode(err)}))
		return
	}

	writeJSONResponse(w, http.StatusOK, profilePayload{
		UID:         profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		Role:        profile.Role,
		UpdatedAt:   formatTime(profile.UpdatedAt),
	})
}
