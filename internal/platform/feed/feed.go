// Package feed fans usage changes out to every API instance.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shishu/api/internal/domain"
)

// Handler receives changes published by any instance, including this one.
type Handler func(ctx context.Context, change domain.UsageChange)

// Noop is used when no cross-instance transport is configured.
type Noop struct{}

// Publish discards the change.
func (Noop) Publish(context.Context, domain.UsageChange) error { return nil }

// Listen blocks until ctx is done.
func (Noop) Listen(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func encodeChange(change domain.UsageChange) ([]byte, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("feed: encode change: %w", err)
	}
	return data, nil
}

func decodeChange(data []byte) (domain.UsageChange, error) {
	var change domain.UsageChange
	if err := json.Unmarshal(data, &change); err != nil {
		return domain.UsageChange{}, fmt.Errorf("feed: decode change: %w", err)
	}
	if change.VisitorID == "" || !change.Kind.Valid() {
		return domain.UsageChange{}, fmt.Errorf("feed: incomplete change for visitor %q kind %q", change.VisitorID, change.Kind)
	}
	return change, nil
}
