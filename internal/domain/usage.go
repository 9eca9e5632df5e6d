package domain

import (
	"strings"
	"time"
)

// UsageViewedItemsKey is the persisted key holding the viewed set. Counter keys come from ContentKind.StorageKey.
const UsageViewedItemsKey = "viewedItems"

// UsageSnapshot is a point-in-time read of one visitor's usage counters.
type UsageSnapshot struct {
	VisitorID string
	Counts    map[ContentKind]int
	Viewed    map[string]struct{}
	Degraded  bool
}

// NewUsageSnapshot returns an empty snapshot for the visitor.
func NewUsageSnapshot(visitorID string) UsageSnapshot {
	return UsageSnapshot{
		VisitorID: visitorID,
		Counts:    map[ContentKind]int{},
		Viewed:    map[string]struct{}{},
	}
}

// Count returns the number of distinct items viewed for kind.
func (s UsageSnapshot) Count(kind ContentKind) int {
	if s.Counts == nil {
		return 0
	}
	if n := s.Counts[kind]; n > 0 {
		return n
	}
	return 0
}

// HasViewed reports whether the item was already recorded.
func (s UsageSnapshot) HasViewed(kind ContentKind, itemID string) bool {
	if s.Viewed == nil {
		return false
	}
	_, ok := s.Viewed[ViewedKey(kind, itemID)]
	return ok
}

// Clone returns a deep copy so callers may mutate it freely.
func (s UsageSnapshot) Clone() UsageSnapshot {
	out := UsageSnapshot{
		VisitorID: s.VisitorID,
		Counts:    make(map[ContentKind]int, len(s.Counts)),
		Viewed:    make(map[string]struct{}, len(s.Viewed)),
		Degraded:  s.Degraded,
	}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	for k := range s.Viewed {
		out.Viewed[k] = struct{}{}
	}
	return out
}

// ViewedKey composes the identifier stored in the viewed set.
func ViewedKey(kind ContentKind, itemID string) string {
	return string(kind) + ":" + strings.TrimSpace(itemID)
}

// SplitViewedKey parses a viewed-set identifier back into its parts.
func SplitViewedKey(key string) (ContentKind, string, bool) {
	raw, id, ok := strings.Cut(key, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return "", "", false
	}
	kind, ok := ParseContentKind(raw)
	if !ok {
		return "", "", false
	}
	return kind, id, true
}

// UsageChange is delivered to ledger subscribers after every counter mutation.
type UsageChange struct {
	VisitorID string      `json:"visitorId"`
	Kind      ContentKind `json:"kind"`
	Count     int         `json:"count"`
	ItemID    string      `json:"itemId,omitempty"`
	Reset     bool        `json:"reset,omitempty"`
	Origin    string      `json:"origin"`
	At        time.Time   `json:"at"`
}
