package redisx

import (
	"context"
	"os"
	"testing"

	"github.com/shishu/api/internal/platform/config"
)

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(context.Background(), config.RedisConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewClient(context.Background(), config.RedisConfig{URL: "http://localhost"}); err == nil {
		t.Fatal("expected error for non-redis scheme")
	}
}

func TestNewClientPings(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewClient(context.Background(), config.RedisConfig{URL: url, PoolSize: 2})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	if client.Options().PoolSize != 2 {
		t.Fatalf("expected pool size 2, got %d", client.Options().PoolSize)
	}
}

func TestKey(t *testing.T) {
	if got := Key("shishu:", "usage", "v1"); got != "shishu:usage:v1" {
		t.Fatalf("unexpected key %s", got)
	}
}
