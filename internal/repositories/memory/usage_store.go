// Package memory keeps usage records in process memory, for single-instance
// deployments and as the ledger's degraded-mode fallback.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shishu/api/internal/repositories"
)

type visitorRecord struct {
	values   map[string]string
	lastSeen time.Time
}

// UsageStore is a mutex guarded map of visitor records.
type UsageStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*visitorRecord
}

var _ repositories.UsageStore = (*UsageStore)(nil)

// NewUsageStore builds an empty store. A nil clock uses time.Now.
func NewUsageStore(now func() time.Time) *UsageStore {
	if now == nil {
		now = time.Now
	}
	return &UsageStore{now: now, records: make(map[string]*visitorRecord)}
}

// Load returns a copy of the visitor's keys.
func (s *UsageStore) Load(_ context.Context, visitorID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]string{}
	if rec, ok := s.records[strings.TrimSpace(visitorID)]; ok {
		rec.lastSeen = s.now()
		for k, v := range rec.values {
			out[k] = v
		}
	}
	return out, nil
}

// Set overwrites the given keys.
func (s *UsageStore) Set(_ context.Context, visitorID string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(visitorID)
	for k, v := range values {
		rec.values[k] = v
	}
	return nil
}

// Delete removes the given keys.
func (s *UsageStore) Delete(_ context.Context, visitorID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[strings.TrimSpace(visitorID)]
	if !ok {
		return nil
	}
	rec.lastSeen = s.now()
	for _, k := range keys {
		delete(rec.values, k)
	}
	return nil
}

// Replace swaps the visitor's keys for values.
func (s *UsageStore) Replace(visitorID string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(visitorID)
	rec.values = make(map[string]string, len(values))
	for k, v := range values {
		rec.values[k] = v
	}
}

// Has reports whether the store holds a record for the visitor.
func (s *UsageStore) Has(visitorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[strings.TrimSpace(visitorID)]
	return ok
}

// Sweep drops records idle for longer than idle and returns their visitor ids.
func (s *UsageStore) Sweep(idle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	var evicted []string
	for id, rec := range s.records {
		if rec.lastSeen.Before(cutoff) {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of visitor records held.
func (s *UsageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *UsageStore) record(visitorID string) *visitorRecord {
	id := strings.TrimSpace(visitorID)
	rec, ok := s.records[id]
	if !ok {
		rec = &visitorRecord{values: map[string]string{}}
		s.records[id] = rec
	}
	rec.lastSeen = s.now()
	return rec
}
