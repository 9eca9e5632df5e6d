package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/shishu/api/internal/domain"
)

const subscriptionExpiry = 24 * time.Hour

// PubSub carries usage changes over a Cloud Pub/Sub topic. Every instance
// reads through its own subscription so each receives every change.
type PubSub struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription string
	onError      func(error)
}

// NewPubSub ensures the topic exists and binds the per-instance subscription id.
func NewPubSub(ctx context.Context, client *pubsub.Client, topicID, subscriptionID string, onError func(error)) (*PubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub feed: client is required")
	}
	topicID = strings.TrimSpace(topicID)
	subscriptionID = strings.TrimSpace(subscriptionID)
	if topicID == "" || subscriptionID == "" {
		return nil, errors.New("pubsub feed: topic and subscription are required")
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub feed: topic exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			return nil, fmt.Errorf("pubsub feed: create topic: %w", err)
		}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &PubSub{client: client, topic: topic, subscription: subscriptionID, onError: onError}, nil
}

// Publish sends the change and waits for the server id.
func (p *PubSub) Publish(ctx context.Context, change domain.UsageChange) error {
	data, err := encodeChange(change)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"visitorId": change.VisitorID,
			"kind":      string(change.Kind),
			"origin":    change.Origin,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub feed: publish: %w", err)
	}
	return nil
}

// Listen creates the subscription when missing and dispatches messages until ctx is done.
func (p *PubSub) Listen(ctx context.Context, handler Handler) error {
	sub := p.client.Subscription(p.subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub feed: subscription exists: %w", err)
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, p.subscription, pubsub.SubscriptionConfig{
			Topic:            p.topic,
			AckDeadline:      10 * time.Second,
			ExpirationPolicy: subscriptionExpiry,
		})
		if err != nil {
			return fmt.Errorf("pubsub feed: create subscription: %w", err)
		}
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()
		change, err := decodeChange(msg.Data)
		if err != nil {
			p.onError(err)
			return
		}
		handler(ctx, change)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub feed: receive: %w", err)
	}
	return nil
}

// Close removes the per-instance subscription and stops the topic publisher.
func (p *PubSub) Close(ctx context.Context) error {
	p.topic.Stop()
	if err := p.client.Subscription(p.subscription).Delete(ctx); err != nil {
		return fmt.Errorf("pubsub feed: delete subscription: %w", err)
	}
	return nil
}
