package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/requestctx"
)

const testVisitorID = "01J9ZQ4V7N3K8R2T5W6X0Y1Z2A"

func TestSanitizeVisitorID(t *testing.T) {
	cases := map[string]string{
		"":                            "",
		testVisitorID:                 testVisitorID,
		"01j9zq4v7n3k8r2t5w6x0y1z2a":  testVisitorID,
		"v-1":                         invalidVisitorID,
		"01J9ZQ4V7N\nlevel=error":     invalidVisitorID,
		"01J9ZQ4V7N3K8R2T5W6X0Y1Z2AB": invalidVisitorID,
	}
	for in, want := range cases {
		if got := SanitizeVisitorID(in); got != want {
			t.Fatalf("SanitizeVisitorID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeStringFoldsLineBreaks(t *testing.T) {
	if got := sanitizeString("blogs\n/x\x00y", 0); got != "blogs /xy" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	if got := sanitizeString("abcdef", 3); got != "abc" {
		t.Fatalf("expected value capped at 3 runes, got %q", got)
	}
}

func TestVisitorSpanAttributes(t *testing.T) {
	ctx := requestctx.WithVisitorID(context.Background(), testVisitorID)
	attrs := attributeMap(visitorSpanAttributes(ctx))
	if attrs["shishu.identity"] != "anonymous" || attrs["shishu.visitor_id"] != testVisitorID {
		t.Fatalf("unexpected anonymous attributes %v", attrs)
	}

	ctx = auth.WithIdentity(ctx, &auth.Identity{UID: "user-1"})
	if attrs = attributeMap(visitorSpanAttributes(ctx)); attrs["shishu.identity"] != "authenticated" {
		t.Fatalf("expected authenticated identity, got %v", attrs)
	}

	if attrs = attributeMap(visitorSpanAttributes(context.Background())); len(attrs) != 1 {
		t.Fatalf("expected no visitor attribute without a visitor, got %v", attrs)
	}
}

func TestRequestLoggerMiddlewareLogsVisitor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	withVisitor := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithVisitorID(r.Context(), "bad\nvisitor")))
		})
	}
	handler := InjectLoggerMiddleware(zap.New(core))(withVisitor(RequestLoggerMiddleware("")(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/blogs/slow-mornings", nil))

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["visitor_id"] != invalidVisitorID {
		t.Fatalf("expected malformed visitor id to be masked, got %v", fields["visitor_id"])
	}
	if fields["status"] != int64(http.StatusNoContent) {
		t.Fatalf("unexpected status field %v", fields["status"])
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsString()
	}
	return out
}
