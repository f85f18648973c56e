package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"outreach-scheduler/internal/models"
)

// Channel is the pub/sub channel carrying one owner's events.
func Channel(ownerID string) string {
	return "outreach:activity:" + ownerID
}

// RedisNotifier fans owner-scoped events out to connected dashboard clients.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify publishes the event on the owner's channel.
func (n *RedisNotifier) Notify(ctx context.Context, ownerID string, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(ownerID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams the owner's events until ctx is cancelled. The returned channel
// is closed when the subscription ends. Undecodable payloads are dropped.
func (n *RedisNotifier) Subscribe(ctx context.Context, ownerID string) (<-chan models.Event, error) {
	sub := n.client.Subscribe(ctx, Channel(ownerID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(ownerID), err)
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Noop discards events. Used when Redis is not configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, models.Event) error { return nil }
