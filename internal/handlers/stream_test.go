package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/requestctx"
	"github.com/shishu/api/internal/repositories/memory"
	"github.com/shishu/api/internal/services"
)

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newStreamServerWith(t, StreamOptions{PingInterval: time.Second})
}

func newStreamServerWith(t *testing.T, opts StreamOptions) *httptest.Server {
	t.Helper()
	ledger, err := services.NewUsageLedger(services.UsageLedgerDeps{Store: memory.NewUsageStore(nil), InstanceID: "stream-test"})
	if err != nil {
		t.Fatalf("NewUsageLedger: %v", err)
	}
	gate, err := services.NewGateService(services.GateServiceDeps{Ledger: ledger})
	if err != nil {
		t.Fatalf("NewGateService: %v", err)
	}
	identity := &stubIdentityService{resolve: map[string]services.VisitorIdentity{
		"token-ana": domain.AuthenticatedVisitor("u-ana", "Ana"),
	}}
	handlers := NewStreamHandlers(nil, newStubContentDirectory(), gate, ledger, identity, opts)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithVisitorID(r.Context(), "v-ws")))
		})
	})
	router.Route("/stream", handlers.Routes)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func dialStream(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first frame of the given type.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) streamServerFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame streamServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestStreamSelectAndSignIn(t *testing.T) {
	conn := dialStream(t, newStreamServer(t))

	identity := readUntil(t, conn, services.GateEventIdentity)
	if identity.Identity == nil || identity.Identity.Authenticated {
		t.Fatalf("expected anonymous identity frame, got %+v", identity.Identity)
	}
	usage := readUntil(t, conn, services.GateEventUsage)
	if usage.Allowances["letter"].Remaining != 1 {
		t.Fatalf("expected one letter remaining, got %+v", usage.Allowances["letter"])
	}

	if err := conn.WriteJSON(streamClientFrame{Type: streamFrameSelect, Kind: "letter", ID: "members"}); err != nil {
		t.Fatalf("write select: %v", err)
	}
	view := readUntil(t, conn, services.GateEventGate)
	if view.View == nil || view.View.Decision != string(domain.AccessLockedRequireSignIn) {
		t.Fatalf("expected locked_require_sign_in view, got %+v", view.View)
	}

	if err := conn.WriteJSON(streamClientFrame{Type: streamFrameSignIn, Token: "bad"}); err != nil {
		t.Fatalf("write sign_in: %v", err)
	}
	failed := readUntil(t, conn, services.GateEventError)
	if failed.Error != "auth_error" {
		t.Fatalf("expected auth_error frame, got %+v", failed)
	}

	if err := conn.WriteJSON(streamClientFrame{Type: streamFrameSignIn, Token: "token-ana"}); err != nil {
		t.Fatalf("write sign_in: %v", err)
	}
	unlocked := readUntil(t, conn, services.GateEventGate)
	if unlocked.View == nil || unlocked.View.Decision != string(domain.AccessGranted) {
		t.Fatalf("expected the selection to unlock after sign in, got %+v", unlocked.View)
	}
	if unlocked.View.Item == nil {
		t.Fatalf("expected the full item after unlock")
	}
}

func TestStreamRejectsMalformedFrames(t *testing.T) {
	conn := dialStream(t, newStreamServer(t))
	readUntil(t, conn, services.GateEventUsage)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readUntil(t, conn, services.GateEventError)
	if frame.Error != "invalid_request" {
		t.Fatalf("expected invalid_request, got %+v", frame)
	}

	if err := conn.WriteJSON(streamClientFrame{Type: streamFrameSelect, Kind: "podcast", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame = readUntil(t, conn, services.GateEventError)
	if frame.Error != "invalid_request" {
		t.Fatalf("expected invalid_request for unknown kind, got %+v", frame)
	}
}

func TestStreamThrottlesFrames(t *testing.T) {
	conn := dialStream(t, newStreamServerWith(t, StreamOptions{PingInterval: time.Second, FramesPerMinute: 1, FrameBurst: 1}))
	readUntil(t, conn, services.GateEventUsage)

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(streamClientFrame{Type: streamFrameSelect, Kind: "letter", ID: "members"}); err != nil {
			t.Fatalf("write select: %v", err)
		}
	}
	frame := readUntil(t, conn, services.GateEventError)
	if frame.Error != "rate_limited" {
		t.Fatalf("expected rate_limited for the second frame, got %+v", frame)
	}
}

func TestSelectWorkerRunsOneAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := newSelectWorker()

	started := make(chan string, 8)
	var (
		mu       sync.Mutex
		running  int
		peak     int
		finished []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.run(ctx, func(ctx context.Context, req selectRequest) {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			started <- req.id
			if req.id == "first" {
				<-ctx.Done()
			}
			mu.Lock()
			running--
			finished = append(finished, req.id)
			mu.Unlock()
		})
	}()

	waitFor := func(id string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case got := <-started:
				if got == id {
					return
				}
			case <-timeout:
				t.Fatalf("timed out waiting for select %q", id)
			}
		}
	}

	worker.submit(selectRequest{kind: domain.ContentKindLetter, id: "first"})
	waitFor("first")
	for _, id := range []string{"a", "b", "last"} {
		worker.submit(selectRequest{kind: domain.ContentKindLetter, id: id})
	}
	waitFor("last")

	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected one select at a time, saw %d", peak)
	}
	if len(finished) == 0 || finished[0] != "first" {
		t.Fatalf("expected the superseded select to be cancelled first, got %v", finished)
	}
}

func TestOriginChecker(t *testing.T) {
	request := func(host, origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/v1/stream", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	sameHost := originChecker(nil)
	if !sameHost(request("api.example.com", "https://api.example.com")) {
		t.Fatalf("expected same host origin to pass")
	}
	if sameHost(request("api.example.com", "https://evil.example.com")) {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if !sameHost(request("api.example.com", "")) {
		t.Fatalf("expected non-browser clients without origin to pass")
	}

	listed := originChecker([]string{"https://app.example.com/"})
	if !listed(request("api.example.com", "https://APP.example.com")) {
		t.Fatalf("expected listed origin to pass")
	}
	if listed(request("api.example.com", "https://api.example.com")) {
		t.Fatalf("expected unlisted origin to be rejected")
	}

	if !originChecker([]string{"*"})(request("api.example.com", "https://anything.test")) {
		t.Fatalf("expected wildcard to allow every origin")
	}
}
