package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/platform/feed"
	"github.com/shishu/api/internal/repositories"
	"github.com/shishu/api/internal/repositories/memory"
)

const (
	usageLoggerEventStorageFailed = "usage.storage.unavailable"
	usageLoggerEventPublishFailed = "usage.feed.publish_failed"
	usageLoggerEventRecovered     = "usage.storage.recovered"

	usageMetricNamespace    = "github.com/shishu/api/internal/services/usage"
	defaultFallbackIdleTime = 30 * time.Minute
)

// UsageRecord is the outcome of RecordView.
type UsageRecord struct {
	Kind     ContentKind
	ItemID   string
	Count    int
	Recorded bool
	Degraded bool
}

// UsageLedgerDeps bundles collaborators required to construct the usage ledger.
type UsageLedgerDeps struct {
	Store           repositories.UsageStore
	Fallback        *memory.UsageStore
	Feed            UsageFeed
	InstanceID      string
	FallbackIdleTTL time.Duration
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
	Meter           metric.Meter
}

type usageLedger struct {
	store      repositories.UsageStore
	fallback   *memory.UsageStore
	feed       UsageFeed
	instanceID string
	idleTTL    time.Duration
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)

	locksMu sync.Mutex
	locks   map[string]*visitorLock

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]UsageListener
	nextSub uint64

	degradedMu sync.RWMutex
	degraded   map[string]struct{}

	recorded        metric.Int64Counter
	storageFailures metric.Int64Counter
}

type visitorLock struct {
	mu   sync.Mutex
	refs int
}

var _ UsageLedger = (*usageLedger)(nil)

// NewUsageLedger constructs the ledger. Without a feed, changes stay on this instance.
func NewUsageLedger(deps UsageLedgerDeps) (UsageLedger, error) {
	if deps.Store == nil {
		return nil, errors.New("usage ledger: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	fallback := deps.Fallback
	if fallback == nil {
		fallback = memory.NewUsageStore(clock)
	}
	var usageFeed UsageFeed = feed.Noop{}
	if deps.Feed != nil {
		usageFeed = deps.Feed
	}
	instanceID := strings.TrimSpace(deps.InstanceID)
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}
	idle := deps.FallbackIdleTTL
	if idle <= 0 {
		idle = defaultFallbackIdleTime
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(usageMetricNamespace)
	}
	recorded, err := meter.Int64Counter("usage.views.recorded",
		metric.WithDescription("Distinct free items recorded against anonymous allowances"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("usage.storage.failures",
		metric.WithDescription("Usage store operations that fell back to memory"))
	if err != nil {
		return nil, err
	}

	return &usageLedger{
		store:           deps.Store,
		fallback:        fallback,
		feed:            usageFeed,
		instanceID:      instanceID,
		idleTTL:         idle,
		clock:           func() time.Time { return clock().UTC() },
		logger:          logger,
		locks:           make(map[string]*visitorLock),
		subs:            make(map[string]map[uint64]UsageListener),
		degraded:        make(map[string]struct{}),
		recorded:        recorded,
		storageFailures: failures,
	}, nil
}

func (l *usageLedger) GetCount(ctx context.Context, visitorID string, kind ContentKind) int {
	return l.Snapshot(ctx, visitorID).Count(kind)
}

func (l *usageLedger) Snapshot(ctx context.Context, visitorID string) UsageSnapshot {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return domain.NewUsageSnapshot("")
	}
	unlock := l.lock(visitorID)
	values, degraded := l.load(ctx, visitorID)
	unlock()
	snapshot := decodeUsage(visitorID, values)
	snapshot.Degraded = degraded
	return snapshot
}

func (l *usageLedger) RecordView(ctx context.Context, visitorID string, kind ContentKind, itemID string) (UsageRecord, error) {
	return l.record(ctx, visitorID, kind, itemID, 0)
}

func (l *usageLedger) ClaimView(ctx context.Context, visitorID string, kind ContentKind, itemID string) (UsageRecord, error) {
	return l.record(ctx, visitorID, kind, itemID, domain.FreeLimit(kind))
}

// record adds itemID to the visitor's viewed set. With a positive limit an
// unseen item is refused once the count has reached it.
func (l *usageLedger) record(ctx context.Context, visitorID string, kind ContentKind, itemID string, limit int) (UsageRecord, error) {
	visitorID = strings.TrimSpace(visitorID)
	itemID = strings.TrimSpace(itemID)
	if visitorID == "" || itemID == "" || !kind.Valid() {
		return UsageRecord{}, ErrInvalidUsage
	}

	unlock := l.lock(visitorID)
	values, degraded := l.load(ctx, visitorID)
	snapshot := decodeUsage(visitorID, values)
	record := UsageRecord{Kind: kind, ItemID: itemID, Count: snapshot.Count(kind), Degraded: degraded}
	if snapshot.HasViewed(kind, itemID) {
		unlock()
		return record, nil
	}
	if limit > 0 && record.Count >= limit {
		unlock()
		return record, ErrAllowanceExhausted
	}

	snapshot.Counts[kind] = record.Count + 1
	snapshot.Viewed[domain.ViewedKey(kind, itemID)] = struct{}{}
	updates := map[string]string{
		kind.StorageKey():          strconv.Itoa(snapshot.Counts[kind]),
		domain.UsageViewedItemsKey: encodeViewed(snapshot.Viewed),
	}
	record.Degraded = l.write(ctx, visitorID, func(store repositories.UsageStore) error {
		return store.Set(ctx, visitorID, updates)
	})
	record.Count = snapshot.Counts[kind]
	record.Recorded = true
	unlock()

	l.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	l.announce(ctx, UsageChange{
		VisitorID: visitorID,
		Kind:      kind,
		Count:     record.Count,
		ItemID:    itemID,
		Origin:    l.instanceID,
		At:        l.clock(),
	}, record.Degraded)
	return record, nil
}

func (l *usageLedger) Reset(ctx context.Context, visitorID string, kind ContentKind) error {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" || !kind.Valid() {
		return ErrInvalidUsage
	}

	unlock := l.lock(visitorID)
	values, _ := l.load(ctx, visitorID)
	snapshot := decodeUsage(visitorID, values)
	prefix := string(kind) + ":"
	for key := range snapshot.Viewed {
		if strings.HasPrefix(key, prefix) {
			delete(snapshot.Viewed, key)
		}
	}
	viewed := encodeViewed(snapshot.Viewed)
	degraded := l.write(ctx, visitorID, func(store repositories.UsageStore) error {
		if err := store.Delete(ctx, visitorID, kind.StorageKey()); err != nil {
			return err
		}
		return store.Set(ctx, visitorID, map[string]string{domain.UsageViewedItemsKey: viewed})
	})
	unlock()

	l.announce(ctx, UsageChange{
		VisitorID: visitorID,
		Kind:      kind,
		Count:     0,
		Reset:     true,
		Origin:    l.instanceID,
		At:        l.clock(),
	}, degraded)
	return nil
}

func (l *usageLedger) Subscribe(visitorID string, listener UsageListener) func() {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" || listener == nil {
		return func() {}
	}
	l.subsMu.Lock()
	l.nextSub++
	id := l.nextSub
	if l.subs[visitorID] == nil {
		l.subs[visitorID] = make(map[uint64]UsageListener)
	}
	l.subs[visitorID][id] = listener
	l.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subsMu.Lock()
			defer l.subsMu.Unlock()
			delete(l.subs[visitorID], id)
			if len(l.subs[visitorID]) == 0 {
				delete(l.subs, visitorID)
			}
		})
	}
}

func (l *usageLedger) Listen(ctx context.Context) error {
	return l.feed.Listen(ctx, func(ctx context.Context, change UsageChange) {
		if change.Origin == l.instanceID {
			return
		}
		l.notify(change)
	})
}

func (l *usageLedger) Sweep() []string {
	evicted := l.fallback.Sweep(l.idleTTL)
	if len(evicted) == 0 {
		return nil
	}
	var lifted []string
	l.degradedMu.Lock()
	for _, id := range evicted {
		if _, ok := l.degraded[id]; ok {
			delete(l.degraded, id)
			lifted = append(lifted, id)
		}
	}
	l.degradedMu.Unlock()
	if len(lifted) > 0 {
		l.logger(context.Background(), usageLoggerEventRecovered, map[string]any{"visitors": len(lifted), "reason": "idle"})
	}
	return lifted
}

// load reads the visitor's keys from the shared store and mirrors them into
// the fallback. When the store fails the fallback answers with the last state
// this instance knew. Callers hold the visitor lock.
func (l *usageLedger) load(ctx context.Context, visitorID string) (map[string]string, bool) {
	values, err := l.store.Load(ctx, visitorID)
	if err != nil {
		l.degrade(ctx, "load", visitorID, err)
		local, _ := l.fallback.Load(ctx, visitorID)
		return local, true
	}
	if l.isDegraded(visitorID) {
		return l.reconcile(ctx, visitorID, values)
	}
	l.fallback.Replace(visitorID, values)
	return values, false
}

// reconcile merges the views counted while degraded into the recovered store.
// Counts take the larger side so they never go down.
func (l *usageLedger) reconcile(ctx context.Context, visitorID string, stored map[string]string) (map[string]string, bool) {
	local, _ := l.fallback.Load(ctx, visitorID)
	merged := mergeUsage(stored, local)
	l.fallback.Replace(visitorID, merged)
	if err := l.store.Set(ctx, visitorID, merged); err != nil {
		l.storageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "reconcile")))
		return merged, true
	}
	l.degradedMu.Lock()
	delete(l.degraded, visitorID)
	l.degradedMu.Unlock()
	l.logger(ctx, usageLoggerEventRecovered, map[string]any{"visitorId": visitorID, "reason": "store_available"})
	return merged, false
}

// write applies fn to the shared store unless the visitor is degraded, and
// always to the fallback so it keeps the latest state.
func (l *usageLedger) write(ctx context.Context, visitorID string, fn func(repositories.UsageStore) error) bool {
	degraded := l.isDegraded(visitorID)
	if !degraded {
		if err := fn(l.store); err != nil {
			l.degrade(ctx, "write", visitorID, err)
			degraded = true
		}
	}
	// the fallback store never fails
	_ = fn(l.fallback)
	return degraded
}

func (l *usageLedger) degrade(ctx context.Context, op, visitorID string, err error) {
	storeErr := &StorageUnavailableError{Op: op, VisitorID: visitorID, Err: err}
	l.degradedMu.Lock()
	l.degraded[visitorID] = struct{}{}
	l.degradedMu.Unlock()
	l.storageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	l.logger(ctx, usageLoggerEventStorageFailed, map[string]any{
		"visitorId": visitorID,
		"op":        op,
		"error":     storeErr,
	})
}

func (l *usageLedger) isDegraded(visitorID string) bool {
	l.degradedMu.RLock()
	defer l.degradedMu.RUnlock()
	_, ok := l.degraded[visitorID]
	return ok
}

// announce notifies local subscribers, then other instances. Degraded writes
// only exist on this instance so they are not published.
func (l *usageLedger) announce(ctx context.Context, change UsageChange, degraded bool) {
	l.notify(change)
	if degraded {
		return
	}
	if err := l.feed.Publish(ctx, change); err != nil {
		l.logger(ctx, usageLoggerEventPublishFailed, map[string]any{
			"visitorId": change.VisitorID,
			"kind":      string(change.Kind),
			"error":     err,
		})
	}
}

func (l *usageLedger) notify(change UsageChange) {
	l.subsMu.RLock()
	registered := l.subs[change.VisitorID]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]UsageListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, registered[id])
	}
	l.subsMu.RUnlock()

	for _, listener := range listeners {
		listener(change)
	}
}

func (l *usageLedger) lock(visitorID string) func() {
	l.locksMu.Lock()
	entry, ok := l.locks[visitorID]
	if !ok {
		entry = &visitorLock{}
		l.locks[visitorID] = entry
	}
	entry.refs++
	l.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, visitorID)
		}
		l.locksMu.Unlock()
	}
}

func decodeUsage(visitorID string, values map[string]string) UsageSnapshot {
	snapshot := domain.NewUsageSnapshot(visitorID)
	for _, kind := range domain.ContentKinds {
		raw, ok := values[kind.StorageKey()]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			snapshot.Counts[kind] = n
		}
	}
	if raw := strings.TrimSpace(values[domain.UsageViewedItemsKey]); raw != "" {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err == nil {
			for _, key := range keys {
				if kind, id, ok := domain.SplitViewedKey(key); ok {
					snapshot.Viewed[domain.ViewedKey(kind, id)] = struct{}{}
				}
			}
		}
	}
	return snapshot
}

func mergeUsage(stored, local map[string]string) map[string]string {
	a := decodeUsage("", stored)
	b := decodeUsage("", local)
	merged := make(map[string]string, len(stored)+len(local))
	for k, v := range stored {
		merged[k] = v
	}
	for _, kind := range domain.ContentKinds {
		n := max(a.Count(kind), b.Count(kind))
		if n > 0 {
			merged[kind.StorageKey()] = strconv.Itoa(n)
		}
	}
	for key := range b.Viewed {
		a.Viewed[key] = struct{}{}
	}
	merged[domain.UsageViewedItemsKey] = encodeViewed(a.Viewed)
	return merged
}

func encodeViewed(viewed map[string]struct{}) string {
	keys := make([]string, 0, len(viewed))
	for key := range viewed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	data, _ := json.Marshal(keys)
	return string(data)
}
