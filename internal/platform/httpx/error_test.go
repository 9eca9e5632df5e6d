package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shishu/api/internal/platform/requestctx"
)

func TestWriteErrorIncludesTraceAndDetails(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError(CodeContentNotFound, "letter\nnot found", http.StatusNotFound).
		WithDetails(map[string]any{"kind": "letter"}))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != CodeContentNotFound {
		t.Fatalf("unexpected code %v", body["error"])
	}
	if body["message"] != "letter not found" {
		t.Fatalf("expected sanitised message, got %q", body["message"])
	}
	if body["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %v", body["trace_id"])
	}
	if body["kind"] != "letter" {
		t.Fatalf("expected details merged, got %v", body["kind"])
	}
}

func TestWriteJSONDefaultsStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, 0, map[string]string{"ok": "yes"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %s", ct)
	}
}
