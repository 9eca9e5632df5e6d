package services

import (
	"context"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/feed"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	ContentKind        = domain.ContentKind
	ContentItem        = domain.ContentItem
	Mood               = domain.Mood
	AffirmationImage   = domain.AffirmationImage
	BlogSummary        = domain.BlogSummary
	LetterSummary      = domain.LetterSummary
	VisitorIdentity    = domain.VisitorIdentity
	UsageSnapshot      = domain.UsageSnapshot
	UsageChange        = domain.UsageChange
	UserProfile        = domain.UserProfile
	SystemHealthReport = domain.SystemHealthReport
)

// UsageListener observes ledger changes of one visitor. Payloads carry the
// full new count so repeated delivery is harmless.
type UsageListener func(change UsageChange)

// UsageLedger tracks the distinct free items each anonymous visitor has opened.
type UsageLedger interface {
	GetCount(ctx context.Context, visitorID string, kind ContentKind) int
	Snapshot(ctx context.Context, visitorID string) UsageSnapshot
	RecordView(ctx context.Context, visitorID string, kind ContentKind, itemID string) (UsageRecord, error)
	// ClaimView records like RecordView but refuses an unseen item with
	// ErrAllowanceExhausted once the kind's free limit is reached.
	ClaimView(ctx context.Context, visitorID string, kind ContentKind, itemID string) (UsageRecord, error)
	Subscribe(visitorID string, listener UsageListener) (unsubscribe func())
	Reset(ctx context.Context, visitorID string, kind ContentKind) error
	// Listen dispatches changes written by other instances until ctx is done.
	Listen(ctx context.Context) error
	// Sweep evicts fallback records idle for longer than the configured TTL
	// and returns the visitors that left degraded mode.
	Sweep() []string
}

// UsageFeed fans usage changes out to every API instance.
type UsageFeed interface {
	Publish(ctx context.Context, change UsageChange) error
	Listen(ctx context.Context, handler feed.Handler) error
}

// ContentDirectory serves the catalog. Store failures never surface as errors:
// lists come back empty and single lookups report ErrContentNotFound.
type ContentDirectory interface {
	ListMoods(ctx context.Context) []Mood
	ListBlogs(ctx context.Context) []BlogSummary
	ListLetters(ctx context.Context, includeLocked bool) []LetterSummary
	GetBlogBySlug(ctx context.Context, slug string) (ContentItem, error)
	GetLetterByID(ctx context.Context, letterID string) (ContentItem, error)
	GetAffirmationsForMood(ctx context.Context, moodKey string) ([]AffirmationImage, error)
	GetMood(ctx context.Context, moodKey string) (ContentItem, error)
}

// GateService maps access decisions onto what a client may show.
type GateService interface {
	Present(ctx context.Context, visitor Visitor, item ContentItem) GateView
	// Rendered records the view of a delivered granted item when it counts against the allowance.
	Rendered(ctx context.Context, visitor Visitor, view GateView) error
	// Admit presents the item and claims the allowance before the view is
	// delivered. A claim lost to a concurrent view comes back locked.
	Admit(ctx context.Context, visitor Visitor, item ContentItem) GateView
}

// IdentityService turns Firebase ID tokens into visitor identities.
type IdentityService interface {
	Resolve(ctx context.Context, idToken string) (VisitorIdentity, error)
	NewSession(initial VisitorIdentity) IdentitySession
	Profile(ctx context.Context, identity VisitorIdentity) (UserProfile, error)
}

// IdentitySession holds the identity of one connected client.
type IdentitySession interface {
	Current() VisitorIdentity
	Subscribe(fn func(VisitorIdentity)) (unsubscribe func())
	// SignIn leaves the current identity untouched when it fails with an AuthError.
	SignIn(ctx context.Context, idToken string) (VisitorIdentity, error)
	SignOut()
}

// SystemService exposes health reports for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
