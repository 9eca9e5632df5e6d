package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/auth"
	"github.com/shishu/api/internal/platform/httpx"
	"github.com/shishu/api/internal/platform/requestctx"
	"github.com/shishu/api/internal/services"
)

const (
	defaultStreamPingInterval = 30 * time.Second
	defaultStreamWriteTimeout = 10 * time.Second
	defaultStreamMaxMessage   = 4 * 1024
	streamSendBuffer          = 32
)

// Client frame types.
const (
	streamFrameSelect  = "select"
	streamFrameSignIn  = "sign_in"
	streamFrameSignOut = "sign_out"
)

// StreamOptions tune the live gate websocket.
type StreamOptions struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	// FramesPerMinute caps client frames per connection. A non-positive value disables it.
	FramesPerMinute int
	FrameBurst      int
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// StreamHandlers upgrades clients to a live gate session.
type StreamHandlers struct {
	authn     *auth.Authenticator
	directory services.ContentDirectory
	gate      services.GateService
	ledger    services.UsageLedger
	identity  services.IdentityService
	opts      StreamOptions
	upgrader  websocket.Upgrader
}

// NewStreamHandlers constructs the websocket handlers.
func NewStreamHandlers(authn *auth.Authenticator, directory services.ContentDirectory, gate services.GateService, ledger services.UsageLedger, identity services.IdentityService, opts StreamOptions) *StreamHandlers {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultStreamPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultStreamWriteTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultStreamMaxMessage
	}
	if opts.FramesPerMinute > 0 && opts.FrameBurst <= 0 {
		opts.FrameBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = func(context.Context, string, map[string]any) {}
	}
	h := &StreamHandlers{
		authn:     authn,
		directory: directory,
		gate:      gate,
		ledger:    ledger,
		identity:  identity,
		opts:      opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// Routes registers the /stream endpoint.
func (h *StreamHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/", h.serve)
}

type streamClientFrame struct {
	Type  string `json:"type"`
	Kind  string `json:"kind,omitempty"`
	ID    string `json:"id,omitempty"`
	Token string `json:"token,omitempty"`
}

type streamServerFrame struct {
	Type       string                      `json:"type"`
	View       *gateViewPayload            `json:"view,omitempty"`
	Allowances map[string]allowancePayload `json:"allowances,omitempty"`
	Identity   *identityPayload            `json:"identity,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Message    string                      `json:"message,omitempty"`
}

func (h *StreamHandlers) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.directory == nil || h.gate == nil || h.ledger == nil || h.identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeServiceUnavailable, "stream unavailable", http.StatusServiceUnavailable))
		return
	}
	visitorID := strings.TrimSpace(requestctx.VisitorID(ctx))
	if visitorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "visitor id missing", http.StatusBadRequest))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		requestctx.Logger(ctx).Debug("stream upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &streamClient{
		conn:    conn,
		send:    make(chan []byte, streamSendBuffer),
		done:    ctx.Done(),
		cancel:  cancel,
		timeout: h.opts.WriteTimeout,
	}
	defer func() {
		cancel()
		_ = conn.Close()
	}()

	identitySession := h.identity.NewSession(currentVisitor(ctx).Identity)
	session, err := services.NewGateSession(ctx, services.GateSessionDeps{
		VisitorID: visitorID,
		Directory: h.directory,
		Gate:      h.gate,
		Ledger:    h.ledger,
		Identity:  identitySession,
		Emit:      client.emit,
		Logger:    h.opts.Logger,
	})
	if err != nil {
		client.closeWith(websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	defer session.Close()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		client.writeLoop(h.opts.PingInterval)
	}()

	h.opts.Logger(ctx, "stream.opened", map[string]any{"visitorId": visitorID})
	session.Start()
	h.readLoop(ctx, client, session, identitySession)

	cancel()
	writers.Wait()
	h.opts.Logger(ctx, "stream.closed", map[string]any{"visitorId": visitorID})
}

func (h *StreamHandlers) readLoop(ctx context.Context, client *streamClient, session *services.GateSession, identity services.IdentitySession) {
	conn := client.conn
	conn.SetReadLimit(h.opts.MaxMessageBytes)
	pongWait := 2 * h.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var frames *rate.Limiter
	if h.opts.FramesPerMinute > 0 {
		frames = rate.NewLimiter(rate.Limit(float64(h.opts.FramesPerMinute)/60), h.opts.FrameBurst)
	}

	selects := newSelectWorker()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		selects.run(ctx, func(ctx context.Context, req selectRequest) {
			_ = session.Select(ctx, req.kind, req.id)
		})
	}()
	defer workers.Wait()
	defer client.cancel()

	for {
		var frame streamClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				client.emit(services.GateEvent{Type: services.GateEventError, Error: httpx.CodeInvalidRequest, Message: "frames must be JSON objects"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.opts.Logger(ctx, "stream.read_failed", map[string]any{"error": err})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if frames != nil && !frames.Allow() {
			client.emit(services.GateEvent{Type: services.GateEventError, Error: httpx.CodeRateLimited, Message: "too many frames"})
			continue
		}

		switch strings.TrimSpace(frame.Type) {
		case streamFrameSelect:
			kind, ok := domain.ParseContentKind(frame.Kind)
			if !ok || strings.TrimSpace(frame.ID) == "" {
				client.emit(services.GateEvent{Type: services.GateEventError, Error: httpx.CodeInvalidRequest, Message: "select needs a known kind and an id"})
				continue
			}
			selects.submit(selectRequest{kind: kind, id: strings.TrimSpace(frame.ID)})
		case streamFrameSignIn:
			if _, err := identity.SignIn(ctx, frame.Token); err != nil {
				client.emit(services.GateEvent{
					Type:    services.GateEventError,
					Error:   httpx.CodeAuthError,
					Message: authErrorMessage(services.AuthErrorCode(err)),
				})
			}
		case streamFrameSignOut:
			identity.SignOut()
		default:
			client.emit(services.GateEvent{Type: services.GateEventError, Error: httpx.CodeInvalidRequest, Message: "unknown frame type"})
		}
	}
}

type selectRequest struct {
	kind domain.ContentKind
	id   string
}

// selectWorker runs one select at a time. A newer request cancels the one in
// flight and replaces any request still waiting.
type selectWorker struct {
	pending chan selectRequest

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSelectWorker() *selectWorker {
	return &selectWorker{pending: make(chan selectRequest, 1)}
}

func (w *selectWorker) submit(req selectRequest) {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	for {
		select {
		case w.pending <- req:
			return
		default:
		}
		select {
		case <-w.pending:
		default:
		}
	}
}

func (w *selectWorker) run(ctx context.Context, fn func(context.Context, selectRequest)) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.pending:
			selectCtx, cancel := context.WithCancel(ctx)
			w.mu.Lock()
			w.cancel = cancel
			w.mu.Unlock()

			fn(selectCtx, req)

			w.mu.Lock()
			w.cancel = nil
			w.mu.Unlock()
			cancel()
		}
	}
}

func authErrorMessage(code string) string {
	switch code {
	case services.AuthCodeTokenMissing:
		return "sign in token missing"
	case services.AuthCodeTokenExpired:
		return "sign in token expired"
	case services.AuthCodeUnavailable:
		return "sign in is temporarily unavailable"
	default:
		return "sign in token invalid"
	}
}

// streamClient owns the write side of one socket. Only writeLoop writes to conn.
type streamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    <-chan struct{}
	cancel  context.CancelFunc
	timeout time.Duration
}

func (c *streamClient) emit(event services.GateEvent) {
	data, err := json.Marshal(buildStreamFrame(event))
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// slow consumer
		c.cancel()
	}
}

func (c *streamClient) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *streamClient) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.timeout))
}

func buildStreamFrame(event services.GateEvent) streamServerFrame {
	frame := streamServerFrame{Type: event.Type, Error: event.Error, Message: event.Message}
	if event.View != nil {
		view := buildGateViewPayload(*event.View)
		frame.View = &view
	}
	if event.Allowances != nil {
		frame.Allowances = buildAllowancesPayload(event.Allowances)
	}
	if event.Identity != nil {
		identity := buildIdentityPayload(*event.Identity)
		frame.Identity = &identity
	}
	return frame
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		if len(set) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
