package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying live events between processes.
const Channel = "live:events"

// RedisPublisher publishes events on Channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel, body).Err(); err != nil {
		return fmt.Errorf("publish live event: %w", err)
	}
	return nil
}

const (
	relayMinBackoff = 500 * time.Millisecond
	relayMaxBackoff = 30 * time.Second
)

// Relay forwards every event on Channel to the hub until ctx is done. A lost
// or failed subscription is retried with exponential backoff, so a web
// process started while Redis was down picks the channel up once it returns.
func Relay(ctx context.Context, client *redis.Client, hub *Hub) {
	RelayWithBackoff(ctx, client, hub, relayMinBackoff, relayMaxBackoff)
}

// RelayWithBackoff is Relay with explicit retry bounds.
func RelayWithBackoff(ctx context.Context, client *redis.Client, hub *Hub, minWait, maxWait time.Duration) {
	wait := minWait
	for {
		subscribed, err := relayOnce(ctx, client, hub)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			wait = minWait
		}
		slog.Warn("live relay interrupted", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, maxWait)
	}
}

// relayOnce runs one subscription. It reports whether the subscription was
// established before it ended.
func relayOnce(ctx context.Context, client *redis.Client, hub *Hub) (bool, error) {
	sub := client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	slog.Info("live relay subscribed", "channel", Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed live event", "error", err)
				continue
			}
			hub.Deliver(ev)
		}
	}
}
