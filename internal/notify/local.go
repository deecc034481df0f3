// ABOUTME: In-process fan-out change bus
// ABOUTME: Delivers notices to every subscriber of a topic without blocking the publisher

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// LocalBus provides in-memory pub/sub for change notices. Subscribers
// register for a topic and receive notices as they are published.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewLocalBus creates a bus. Pass nil logger for default.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "notify", "driver", "local"),
	}
}

// Subscribe registers a subscriber for notices on topic. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *LocalBus) Subscribe(ctx context.Context, topic string) (<-chan Change, func(), error) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Change)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.unsubscribe(topic, subID)
		})
	}

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Publish sends c to all subscribers of topic.
// Non-blocking: notices are dropped for subscribers whose channels are full.
func (b *LocalBus) Publish(ctx context.Context, topic string, c Change) error {
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for subID, ch := range b.subscribers[topic] {
		select {
		case ch <- c:
		default:
			b.logger.Debug("dropped notice for slow subscriber",
				"topic", topic,
				"sub_id", subID,
				"kind", c.Kind)
		}
	}
	return nil
}

// unsubscribe removes a subscription and closes its channel.
func (b *LocalBus) unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close shuts down the bus and closes all subscriber channels.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("bus closed")
	return nil
}
