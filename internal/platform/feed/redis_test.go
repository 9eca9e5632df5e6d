package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shishu/api/internal/domain"
)

func TestRedisFeedRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	feed, err := NewRedis(client, "shishu:test:usage-changes", nil)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan domain.UsageChange, 1)
	go func() {
		_ = feed.Listen(ctx, func(_ context.Context, change domain.UsageChange) {
			received <- change
		})
	}()

	// Redis drops messages published before the subscription is live.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _ := client.PubSubNumSub(ctx, "shishu:test:usage-changes").Result()
		if n["shishu:test:usage-changes"] > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := feed.Publish(ctx, domain.UsageChange{VisitorID: "v", Kind: domain.ContentKindBlog, Count: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case change := <-received:
		if change.Count != 1 {
			t.Fatalf("unexpected change %#v", change)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestNewRedisValidatesInput(t *testing.T) {
	if _, err := NewRedis(nil, "c", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewRedis(client, " ", nil); err == nil {
		t.Fatal("expected error for blank channel")
	}
}
