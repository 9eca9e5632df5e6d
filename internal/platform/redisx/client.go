package redisx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shishu/api/internal/platform/config"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 3 * time.Second
	writeTimeout   = 3 * time.Second
)

// NewClient parses the configured URL, applies pool settings and pings the server.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("redis: url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = connectTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// Key joins the configured prefix with the key parts.
func Key(prefix string, parts ...string) string {
	return prefix + strings.Join(parts, ":")
}
