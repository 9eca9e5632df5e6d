package services

import (
	domain "github.com/shishu/api/internal/domain"
)

// EvaluateAccess decides whether the visitor may open the item. Signed-in
// visitors see everything. Anonymous visitors see free items while their
// allowance for the kind lasts, or when the item was already counted, and
// never see locked items.
func EvaluateAccess(item ContentItem, identity VisitorIdentity, usage UsageSnapshot) domain.AccessDecision {
	if identity.IsAuthenticated() {
		return domain.AccessGranted
	}
	if !item.IsFree {
		return domain.AccessLockedRequireSignIn
	}
	if usage.HasViewed(item.Kind, item.ID) || usage.Count(item.Kind) < domain.FreeLimit(item.Kind) {
		return domain.AccessGranted
	}
	return domain.AccessLockedLimitReached
}

// UsageAllowance summarises the remaining anonymous allowance of one kind.
type UsageAllowance struct {
	Kind            ContentKind
	Limit           int
	Used            int
	Remaining       int
	CanView         bool
	HasReachedLimit bool
	Unlimited       bool
}

// Allowance reports the allowance of kind for display.
func Allowance(kind ContentKind, identity VisitorIdentity, usage UsageSnapshot) UsageAllowance {
	limit := domain.FreeLimit(kind)
	used := usage.Count(kind)
	if identity.IsAuthenticated() {
		return UsageAllowance{Kind: kind, Limit: limit, Used: used, Remaining: limit, CanView: true, Unlimited: true}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return UsageAllowance{
		Kind:            kind,
		Limit:           limit,
		Used:            used,
		Remaining:       remaining,
		CanView:         used < limit,
		HasReachedLimit: used >= limit,
	}
}

// Allowances reports the allowance of every kind.
func Allowances(identity VisitorIdentity, usage UsageSnapshot) map[ContentKind]UsageAllowance {
	out := make(map[ContentKind]UsageAllowance, len(domain.ContentKinds))
	for _, kind := range domain.ContentKinds {
		out[kind] = Allowance(kind, identity, usage)
	}
	return out
}
