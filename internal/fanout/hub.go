// ABOUTME: Generic keyed subscription hub with shared upstreams and retry
// ABOUTME: Runs one Source per key and fans snapshots out to every Stream

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrHubClosed is reported to subscribers when the hub shuts down.
	ErrHubClosed = errors.New("fanout: hub closed")

	// ErrRetriesExhausted wraps the last upstream error once retries run out.
	ErrRetriesExhausted = errors.New("fanout: retries exhausted")

	// ErrUpstreamEnded is reported when a Source returns without error while
	// subscribers were still attached.
	ErrUpstreamEnded = errors.New("fanout: upstream ended")
)

// Keyed items can be de-duplicated across a snapshot.
type Keyed interface {
	Key() string
}

// Snapshot is the full result of a live query at one point in time.
type Snapshot[T any] struct {
	Initial bool
	Items   []T
}

// Source runs a live query for key until ctx is cancelled, calling emit with
// the full result whenever it changes. emit must be called from the
// goroutine running the Source.
type Source[T any] func(ctx context.Context, key string, emit func([]T)) error

// Config tunes retries. Zero values fall back to defaults.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// Retryable decides whether a Source error is transient. Nil retries
	// every error.
	Retryable func(error) bool
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Retryable == nil {
		c.Retryable = func(error) bool { return true }
	}
	return c
}

// Hub multiplexes subscriptions by key onto shared Sources.
type Hub[T Keyed] struct {
	name   string
	source Source[T]
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic[T]
	closed bool
}

type topic[T Keyed] struct {
	key    string
	cancel context.CancelFunc
	subs   map[*Stream[T]]struct{}
	latest *Snapshot[T]
	state  State
}

// NewHub creates a hub named for logging. Pass nil logger for default.
func NewHub[T Keyed](name string, source Source[T], cfg Config, logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		name:   name,
		source: source,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "fanout", "hub", name),
		topics: make(map[string]*topic[T]),
	}
}

// Subscribe attaches a new Stream to key, starting the upstream if this is
// the first subscriber. The Stream is closed when ctx is done.
func (h *Hub[T]) Subscribe(ctx context.Context, key string) (*Stream[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	tp, ok := h.topics[key]
	if !ok {
		tctx, cancel := context.WithCancel(context.Background())
		tp = &topic[T]{
			key:    key,
			cancel: cancel,
			subs:   make(map[*Stream[T]]struct{}),
			state:  StateSubscribing,
		}
		h.topics[key] = tp
		go h.pump(tctx, tp)
		h.logger.Debug("upstream opened", "key", key)
	}

	s := newStream(h, tp, tp.state)
	tp.subs[s] = struct{}{}
	if tp.latest != nil {
		s.offer(*tp.latest)
	}
	s.setStop(context.AfterFunc(ctx, s.Close))
	return s, nil
}

// Subscribers returns how many streams are attached to key.
func (h *Hub[T]) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tp, ok := h.topics[key]; ok {
		return len(tp.subs)
	}
	return 0
}

// Close cancels every upstream and closes all streams with ErrHubClosed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*topic[T])
	var streams []*Stream[T]
	for _, tp := range topics {
		tp.cancel()
		for s := range tp.subs {
			streams = append(streams, s)
		}
		tp.subs = nil
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.finish(ErrHubClosed)
	}
	h.logger.Debug("hub closed")
}

// detach removes s from its topic, cancelling the upstream when it was the
// last subscriber.
func (h *Hub[T]) detach(s *Stream[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tp := s.topic
	if tp.subs == nil {
		return
	}
	delete(tp.subs, s)
	if len(tp.subs) == 0 {
		if h.topics[tp.key] == tp {
			delete(h.topics, tp.key)
		}
		tp.cancel()
		h.logger.Debug("upstream released", "key", tp.key)
	}
}

// pump runs the Source for tp, retrying transient failures.
func (h *Hub[T]) pump(ctx context.Context, tp *topic[T]) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.InitialBackoff
	b.MaxInterval = h.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	for {
		delivered := false
		err := h.source(ctx, tp.key, func(items []T) {
			delivered = true
			h.publish(tp, dedupe(items))
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrUpstreamEnded
		}
		if delivered {
			b.Reset()
			retries = 0
		}

		if !h.cfg.Retryable(err) {
			h.logger.Warn("upstream failed", "key", tp.key, "error", err)
			h.fail(tp, err)
			return
		}
		if retries >= h.cfg.MaxRetries {
			h.logger.Warn("upstream retries exhausted", "key", tp.key, "attempts", retries, "error", err)
			h.fail(tp, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return
		}

		retries++
		wait := b.NextBackOff()
		h.setState(tp, StateSubscribing)
		h.logger.Info("upstream failed, retrying", "key", tp.key, "attempt", retries, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (h *Hub[T]) publish(tp *topic[T], items []T) {
	snap := Snapshot[T]{Items: items}

	h.mu.Lock()
	if tp.subs == nil {
		h.mu.Unlock()
		return
	}
	tp.latest = &snap
	tp.state = StateLive
	streams := make([]*Stream[T], 0, len(tp.subs))
	for s := range tp.subs {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.offer(snap)
	}
}

func (h *Hub[T]) setState(tp *topic[T], st State) {
	h.mu.Lock()
	tp.state = st
	streams := make([]*Stream[T], 0, len(tp.subs))
	for s := range tp.subs {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.setState(st)
	}
}

// fail detaches every subscriber of tp and closes them with err.
func (h *Hub[T]) fail(tp *topic[T], err error) {
	h.mu.Lock()
	if h.topics[tp.key] == tp {
		delete(h.topics, tp.key)
	}
	streams := make([]*Stream[T], 0, len(tp.subs))
	for s := range tp.subs {
		streams = append(streams, s)
	}
	tp.subs = nil
	h.mu.Unlock()

	tp.cancel()
	for _, s := range streams {
		s.finish(err)
	}
}

// dedupe drops items whose Key was already seen, keeping first occurrences.
func dedupe[T Keyed](items []T) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}
