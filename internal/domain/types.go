package domain

import (
	"strings"
	"time"
)

// ContentKind names the three gated content families.
type ContentKind string

const (
	// ContentKindAffirmation identifies a mood's affirmation image set.
	ContentKindAffirmation ContentKind = "affirmation"
	// ContentKindBlog identifies a blog article.
	ContentKindBlog ContentKind = "blog"
	// ContentKindLetter identifies a weekly letter.
	ContentKindLetter ContentKind = "letter"
)

// ContentKinds lists every kind in display order.
var ContentKinds = []ContentKind{ContentKindAffirmation, ContentKindBlog, ContentKindLetter}

// ParseContentKind normalises the raw kind value, reporting false for unknown kinds.
func ParseContentKind(raw string) (ContentKind, bool) {
	switch ContentKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ContentKindAffirmation, "affirmations", "mood", "moods":
		return ContentKindAffirmation, true
	case ContentKindBlog, "blogs":
		return ContentKindBlog, true
	case ContentKindLetter, "letters":
		return ContentKindLetter, true
	default:
		return "", false
	}
}

// Valid reports whether the kind is one of the known kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case ContentKindAffirmation, ContentKindBlog, ContentKindLetter:
		return true
	}
	return false
}

// StorageKey returns the persisted counter key for the kind (e.g. "blogViews").
func (k ContentKind) StorageKey() string {
	return string(k) + "Views"
}

// Visitor roles carried on the user profile.
const (
	RoleFree       = "free"
	RoleSubscriber = "subscriber"
)

// VisitorIdentity is either anonymous or an authenticated account.
type VisitorIdentity struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
}

// AnonymousVisitor returns the identity of a visitor without an account session.
func AnonymousVisitor() VisitorIdentity {
	return VisitorIdentity{}
}

// AuthenticatedVisitor builds an authenticated identity.
func AuthenticatedVisitor(userID, displayName string) VisitorIdentity {
	return VisitorIdentity{UserID: strings.TrimSpace(userID), DisplayName: strings.TrimSpace(displayName), Role: RoleFree}
}

// IsAuthenticated reports whether the identity belongs to a signed-in account.
func (v VisitorIdentity) IsAuthenticated() bool {
	return strings.TrimSpace(v.UserID) != ""
}

// ContentItem is the unit of gating. Exactly one payload is set, matching Kind.
type ContentItem struct {
	ID     string
	Kind   ContentKind
	IsFree bool

	Mood   *MoodPayload
	Blog   *Blog
	Letter *Letter
}

// Title returns the human readable heading of the item regardless of kind.
func (i ContentItem) Title() string {
	switch {
	case i.Mood != nil:
		return i.Mood.Mood.Label
	case i.Blog != nil:
		return i.Blog.Title
	case i.Letter != nil:
		return i.Letter.Title
	default:
		return ""
	}
}

// Mood is an emotional state used to group affirmation images.
type Mood struct {
	Key          string
	Label        string
	Description  string
	IsFree       bool
	DisplayOrder int
	Emoji        string
}

// AffirmationImage is one image within a mood's affirmation set. Path names
// the bucket object backing the image when URL is empty.
type AffirmationImage struct {
	ID       string
	MoodKey  string
	Path     string
	URL      string
	Alt      string
	Order    int
	Fallback bool
}

// MoodPayload carries a mood together with its resolved images.
type MoodPayload struct {
	Mood   Mood
	Images []AffirmationImage
}

// Publisher describes the author attribution of a blog article.
type Publisher struct {
	Name string
	Role string
	Bio  string
}

// CoverImage references the hero image of a blog article.
type CoverImage struct {
	URL string
	Alt string
}

// Content block types used by blog bodies.
const (
	BlockParagraph = "paragraph"
	BlockImage     = "image"
)

// ContentBlock is one paragraph or image of a blog body.
type ContentBlock struct {
	Type string
	Text string
	HTML string
	URL  string
	Alt  string
}

// BlogSummary is the listing projection of a blog article.
type BlogSummary struct {
	ID                 string
	Slug               string
	Title              string
	QuickSummary       string
	IsFree             bool
	Publisher          Publisher
	PublishedAt        time.Time
	ReadingTimeMinutes int
	CoverImage         *CoverImage
}

// Blog is a full blog article.
type Blog struct {
	BlogSummary
	Content []ContentBlock
}

// Letter tiers as stored in the content store.
const (
	LetterTierFree       = "free"
	LetterTierSubscribed = "subscribed"
)

// LetterSummary is the listing projection of a weekly letter.
type LetterSummary struct {
	ID          string
	Title       string
	Week        string
	Author      string
	Tier        string
	IsFree      bool
	PublishedAt time.Time
}

// Letter is a full weekly letter.
type Letter struct {
	LetterSummary
	Content    string
	Paragraphs []string
	HTML       string
}

// UserProfile is the stored account profile of a signed-in visitor.
type UserProfile struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	UpdatedAt   time.Time
}

// ContentBundle is a full content catalog, as loaded by the seed tool.
type ContentBundle struct {
	Moods   []Mood
	Images  map[string][]AffirmationImage
	Blogs   []Blog
	Letters []Letter
}

// AccessDecision is the outcome of evaluating a visitor against an item.
type AccessDecision string

const (
	// AccessGranted allows full content.
	AccessGranted AccessDecision = "granted"
	// AccessLockedRequireSignIn requires the visitor to sign in.
	AccessLockedRequireSignIn AccessDecision = "locked_require_sign_in"
	// AccessLockedLimitReached means the anonymous allowance is used up.
	AccessLockedLimitReached AccessDecision = "locked_limit_reached"
)

// Granted reports whether the decision allows full content.
func (d AccessDecision) Granted() bool {
	return d == AccessGranted
}

// FreeLimits caps the distinct free items an anonymous visitor may open per kind.
var FreeLimits = map[ContentKind]int{
	ContentKindAffirmation: 10,
	ContentKindBlog:        2,
	ContentKindLetter:      1,
}

// FreeLimit returns the anonymous allowance for the kind (0 for unknown kinds).
func FreeLimit(kind ContentKind) int {
	return FreeLimits[kind]
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
