// Package redis stores usage records as Redis hashes.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/shishu/api/internal/platform/redisx"
	"github.com/shishu/api/internal/repositories"
)

const defaultRetention = 400 * 24 * time.Hour

// UsageStore keeps one hash per visitor under "<prefix>usage:<visitorID>".
type UsageStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ repositories.UsageStore = (*UsageStore)(nil)

// NewUsageStore binds the store to client. Records expire after retention of inactivity.
func NewUsageStore(client goredis.UniversalClient, prefix string, retention time.Duration) (*UsageStore, error) {
	if client == nil {
		return nil, errors.New("redis usage store: client is required")
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &UsageStore{client: client, prefix: prefix, retention: retention}, nil
}

// Load returns every field of the visitor hash.
func (s *UsageStore) Load(ctx context.Context, visitorID string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key(visitorID)).Result()
	if err != nil {
		return nil, wrap("usage.load", err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

// Set writes the fields and refreshes the retention window.
func (s *UsageStore) Set(ctx context.Context, visitorID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	key := s.key(visitorID)
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, args...)
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	return wrap("usage.set", err)
}

// Delete removes the fields.
func (s *UsageStore) Delete(ctx context.Context, visitorID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("usage.delete", s.client.HDel(ctx, s.key(visitorID), keys...).Err())
}

// Ping checks connectivity for readiness probes.
func (s *UsageStore) Ping(ctx context.Context) error {
	return wrap("usage.ping", s.client.Ping(ctx).Err())
}

func (s *UsageStore) key(visitorID string) string {
	return redisx.Key(s.prefix, "usage", strings.TrimSpace(visitorID))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &repositories.StoreError{
		Op:          op,
		Err:         err,
		NotFound:    errors.Is(err, goredis.Nil),
		Unavailable: !errors.Is(err, goredis.Nil),
	}
}
