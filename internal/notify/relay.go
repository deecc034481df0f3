// ABOUTME: Subscription bookkeeping and the forwarding loop shared by RedisBus and NATSBus
// ABOUTME: A reconnect kicks every live subscriber with a resync notice

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// remoteSub is one live subscription on a networked bus.
type remoteSub struct {
	cancel func()
	kick   chan struct{}
}

func newRemoteSub() *remoteSub {
	return &remoteSub{kick: make(chan struct{}, 1)}
}

// subscriptions tracks the live subscriptions of a networked bus.
type subscriptions struct {
	mu     sync.Mutex
	subs   map[string]*remoteSub
	closed bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[string]*remoteSub)}
}

func (s *subscriptions) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// add registers sub under id. It reports false once the set is closed.
func (s *subscriptions) add(id string, sub *remoteSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[id] = sub
	return true
}

func (s *subscriptions) remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// resync kicks every live subscriber and returns how many there were.
// A kick already pending is enough, so this never blocks.
func (s *subscriptions) resync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.kick <- struct{}{}:
		default:
		}
	}
	return len(s.subs)
}

// closeAll marks the set closed and cancels every subscription. Only the
// first call reports true.
func (s *subscriptions) closeAll() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.subs))
	for _, sub := range s.subs {
		cancels = append(cancels, sub.cancel)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return true
}

// relay forwards decoded notices from in to out until ctx is done, done is
// closed, or in is closed. out is closed on return. decode reports false for
// frames that carry no notice.
func relay[T any](ctx context.Context, logger *slog.Logger, topic string, sub *remoteSub, done <-chan struct{}, in <-chan T, decode func(T) (Change, bool), out chan<- Change) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			sub.cancel()
			return
		case <-done:
			return
		case <-sub.kick:
			deliver(logger, topic, out, Change{Kind: KindResync, At: time.Now().UTC()})
		case m, ok := <-in:
			if !ok {
				return
			}
			if c, ok := decode(m); ok {
				deliver(logger, topic, out, c)
			}
		}
	}
}

// deliver never blocks. A full buffer already holds notices that will make the
// subscriber re-read, so dropping one more loses nothing.
func deliver(logger *slog.Logger, topic string, out chan<- Change, c Change) {
	select {
	case out <- c:
	default:
		logger.Debug("dropped notice for slow subscriber", "topic", topic, "kind", c.Kind)
	}
}
