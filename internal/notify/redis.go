// ABOUTME: Redis PUBLISH/SUBSCRIBE change bus using go-redis v9
// ABOUTME: Lets several gateway instances share change notices

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces tenantline channels on a shared Redis.
const redisChannelPrefix = "tenantline:"

// RedisBus implements Bus on Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
	subs   *subscriptions
}

// NewRedisBus connects to the Redis server at url (redis://host:port/db).
func NewRedisBus(ctx context.Context, url string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBus{
		client: client,
		logger: logger.With("component", "notify", "driver", "redis"),
		subs:   newSubscriptions(),
	}, nil
}

// Publish sends c on the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: encode change: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning.
// go-redis resubscribes on its own after a dropped connection; the renewed
// confirmation is turned into a KindResync notice.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Change, func(), error) {
	if b.subs.isClosed() {
		return nil, nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, redisChannelPrefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}

	subID := uuid.New().String()
	sub := newRemoteSub()
	done := make(chan struct{})
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
			b.subs.remove(subID)
		})
	}
	if !b.subs.add(subID, sub) {
		_ = ps.Close()
		return nil, nil, ErrClosed
	}

	out := make(chan Change, subscriberBufferSize)
	go relay(ctx, b.logger, topic, sub, done, ps.ChannelWithSubscriptions(), b.decode(topic), out)
	return out, sub.cancel, nil
}

// decode turns pub/sub frames into notices. A subscribe confirmation after
// startup means the connection was re-established.
func (b *RedisBus) decode(topic string) func(any) (Change, bool) {
	return func(frame any) (Change, bool) {
		switch m := frame.(type) {
		case *redis.Message:
			var c Change
			if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
				b.logger.Warn("discarding malformed notice", "topic", topic, "error", err)
				return Change{}, false
			}
			return c, true
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				return Change{}, false
			}
			b.logger.Info("redis resubscribed", "topic", topic)
			return Change{Kind: KindResync, At: time.Now().UTC()}, true
		default:
			return Change{}, false
		}
	}
}

// Close cancels all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	if !b.subs.closeAll() {
		return nil
	}
	return b.client.Close()
}
