package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/shishu/api/internal/domain"
)

// Redis carries usage changes over a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	onError func(error)
}

// NewRedis binds the feed to channel.
func NewRedis(client *redis.Client, channel string, onError func(error)) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis feed: client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("redis feed: channel is required")
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Redis{client: client, channel: channel, onError: onError}, nil
}

// Publish sends the change to every subscribed instance.
func (r *Redis) Publish(ctx context.Context, change domain.UsageChange) error {
	data, err := encodeChange(change)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis feed: publish: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and dispatches messages until ctx is done.
func (r *Redis) Listen(ctx context.Context, handler Handler) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis feed: subscribe: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			change, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				r.onError(err)
				continue
			}
			handler(ctx, change)
		}
	}
}
