package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/repositories/memory"
	"github.com/shishu/api/internal/services"
)

func newInternalUsageRouter(t *testing.T) (chi.Router, services.UsageLedger) {
	t.Helper()
	ledger, err := services.NewUsageLedger(services.UsageLedgerDeps{Store: memory.NewUsageStore(nil), InstanceID: "internal-test"})
	if err != nil {
		t.Fatalf("NewUsageLedger: %v", err)
	}
	router := chi.NewRouter()
	NewInternalUsageHandlers(ledger).Routes(router)
	return router, ledger
}

func TestInternalUsageGet(t *testing.T) {
	router, ledger := newInternalUsageRouter(t)
	ctx := context.Background()
	for _, slug := range []string{"slow-mornings", "night-feeds"} {
		if _, err := ledger.RecordView(ctx, "v-9", domain.ContentKindBlog, slug); err != nil {
			t.Fatalf("RecordView: %v", err)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/usage/v-9", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp internalUsageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts["blog"] != 2 || resp.Counts["letter"] != 0 {
		t.Fatalf("unexpected counts %v", resp.Counts)
	}
	if len(resp.Viewed) != 2 || resp.Viewed[0] != "blog:night-feeds" || resp.Viewed[1] != "blog:slow-mornings" {
		t.Fatalf("expected sorted viewed keys, got %v", resp.Viewed)
	}
	if !resp.Allowances["blog"].HasReachedLimit {
		t.Fatalf("expected blog allowance to be exhausted, got %+v", resp.Allowances["blog"])
	}
}

func TestInternalUsageReset(t *testing.T) {
	router, ledger := newInternalUsageRouter(t)
	ctx := context.Background()
	if _, err := ledger.RecordView(ctx, "v-10", domain.ContentKindLetter, "week-1"); err != nil {
		t.Fatalf("RecordView: %v", err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/usage/v-10/letter", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := ledger.GetCount(ctx, "v-10", domain.ContentKindLetter); got != 0 {
		t.Fatalf("expected reset count 0, got %d", got)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/usage/v-10/podcast", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown kind, got %d", rr.Code)
	}
}
