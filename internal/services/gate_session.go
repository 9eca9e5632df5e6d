package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	domain "github.com/shishu/api/internal/domain"
)

// Gate session event types.
const (
	GateEventGate     = "gate"
	GateEventUsage    = "usage"
	GateEventIdentity = "identity"
	GateEventError    = "error"
)

// ErrGateSessionClosed is returned by calls on a closed session.
var ErrGateSessionClosed = errors.New("gate session: closed")

// GateEvent is one message pushed to a connected client.
type GateEvent struct {
	Type       string
	View       *GateView
	Allowances map[ContentKind]UsageAllowance
	Identity   *VisitorIdentity
	Error      string
	Message    string
}

// GateSessionDeps bundles collaborators of one live session.
type GateSessionDeps struct {
	VisitorID string
	Directory ContentDirectory
	Gate      GateService
	Ledger    UsageLedger
	Identity  IdentitySession
	Emit      func(GateEvent)
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// GateSession keeps the current selection of one client and re-evaluates it
// whenever the identity or the visitor's ledger changes.
type GateSession struct {
	ctx       context.Context
	visitorID string
	directory ContentDirectory
	gate      GateService
	ledger    UsageLedger
	identity  IdentitySession
	emit      func(GateEvent)
	logger    func(context.Context, string, map[string]any)

	mu           sync.Mutex
	generation   uint64
	item         *ContentItem
	lastDecision domain.AccessDecision
	closed       bool
	unsubscribe  []func()

	emitMu sync.Mutex
}

// NewGateSession subscribes the session to identity and ledger changes. ctx
// bounds the work done on behalf of those notifications.
func NewGateSession(ctx context.Context, deps GateSessionDeps) (*GateSession, error) {
	switch {
	case strings.TrimSpace(deps.VisitorID) == "":
		return nil, errors.New("gate session: visitor id is required")
	case deps.Directory == nil, deps.Gate == nil, deps.Ledger == nil, deps.Identity == nil:
		return nil, errors.New("gate session: directory, gate, ledger and identity are required")
	case deps.Emit == nil:
		return nil, errors.New("gate session: emit is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	s := &GateSession{
		ctx:       ctx,
		visitorID: deps.VisitorID,
		directory: deps.Directory,
		gate:      deps.Gate,
		ledger:    deps.Ledger,
		identity:  deps.Identity,
		emit:      deps.Emit,
		logger:    logger,
	}
	s.unsubscribe = append(s.unsubscribe,
		deps.Identity.Subscribe(s.onIdentity),
		deps.Ledger.Subscribe(deps.VisitorID, s.onUsage),
	)
	return s, nil
}

// Start pushes the initial identity and allowances.
func (s *GateSession) Start() {
	identity := s.identity.Current()
	s.send(GateEvent{Type: GateEventIdentity, Identity: &identity})
	s.sendUsage(identity)
}

// Select loads the item and emits its gate view. A result that arrives after
// a newer selection is dropped.
func (s *GateSession) Select(ctx context.Context, kind ContentKind, itemID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrGateSessionClosed
	}
	s.generation++
	gen := s.generation
	s.item = nil
	s.mu.Unlock()

	item, err := s.load(ctx, kind, itemID)

	s.mu.Lock()
	stale := gen != s.generation || s.closed
	if !stale && err == nil {
		s.item = &item
	}
	s.mu.Unlock()
	if stale {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		// superseded or the stream went away
		return ctx.Err()
	}
	if err != nil {
		s.send(GateEvent{Type: GateEventError, Error: "content_not_found", Message: "content not found"})
		return err
	}
	s.present(ctx, gen, true)
	return nil
}

// Close releases the subscriptions. Later notifications are ignored.
func (s *GateSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

func (s *GateSession) load(ctx context.Context, kind ContentKind, itemID string) (ContentItem, error) {
	switch kind {
	case domain.ContentKindAffirmation:
		return s.directory.GetMood(ctx, itemID)
	case domain.ContentKindBlog:
		return s.directory.GetBlogBySlug(ctx, itemID)
	case domain.ContentKindLetter:
		return s.directory.GetLetterByID(ctx, itemID)
	default:
		return ContentItem{}, ErrContentNotFound
	}
}

// present evaluates the selection of generation gen. Unless force is set the
// view is only emitted when the decision changed. A view that counts against
// the allowance is claimed before it is emitted.
func (s *GateSession) present(ctx context.Context, gen uint64, force bool) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.item == nil {
		s.mu.Unlock()
		return
	}
	item := *s.item
	s.mu.Unlock()

	visitor := Visitor{ID: s.visitorID, Identity: s.identity.Current()}
	view := s.gate.Present(ctx, visitor, item)

	s.mu.Lock()
	changed := force || view.Decision != s.lastDecision
	s.mu.Unlock()
	if !changed {
		return
	}
	if view.NeedsRecord {
		view = s.gate.Admit(ctx, visitor, item)
		if !view.Decision.Granted() {
			s.logger(ctx, "gate.session.claim_refused", map[string]any{
				"visitorId": s.visitorID,
				"itemId":    view.ItemID,
			})
		}
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.lastDecision = view.Decision
	s.mu.Unlock()

	s.send(GateEvent{Type: GateEventGate, View: &view})
}

func (s *GateSession) reevaluate() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.present(s.ctx, gen, false)
}

func (s *GateSession) onIdentity(identity VisitorIdentity) {
	s.send(GateEvent{Type: GateEventIdentity, Identity: &identity})
	s.sendUsage(identity)
	s.reevaluate()
}

func (s *GateSession) onUsage(change UsageChange) {
	s.sendUsage(s.identity.Current())

	// recording the selected item itself never changes its decision
	s.mu.Lock()
	relevant := s.item != nil && s.item.Kind == change.Kind && (change.Reset || change.ItemID != s.item.ID)
	s.mu.Unlock()
	if relevant {
		s.reevaluate()
	}
}

func (s *GateSession) sendUsage(identity VisitorIdentity) {
	usage := s.ledger.Snapshot(s.ctx, s.visitorID)
	s.send(GateEvent{Type: GateEventUsage, Allowances: Allowances(identity, usage)})
}

func (s *GateSession) send(event GateEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(event)
}
