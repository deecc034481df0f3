// ABOUTME: Per-subscriber handle onto a shared upstream
// ABOUTME: Coalesces snapshots into a one-slot buffer and tracks lifecycle state

package fanout

import (
	"sync"
)

// State is the lifecycle state of a Stream
type State int

const (
	StateClosed State = iota
	StateSubscribing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	default:
		return "closed"
	}
}

// Stream is one subscriber's view of a key.
type Stream[T Keyed] struct {
	hub     *Hub[T]
	topic   *topic[T]
	updates chan Snapshot[T]

	mu          sync.Mutex
	stop        func() bool
	state       State
	err         error
	closed      bool
	sentInitial bool
	once        sync.Once
}

func newStream[T Keyed](h *Hub[T], tp *topic[T], st State) *Stream[T] {
	return &Stream[T]{
		hub:     h,
		topic:   tp,
		updates: make(chan Snapshot[T], 1),
		state:   st,
	}
}

// Key returns the subscription key.
func (s *Stream[T]) Key() string { return s.topic.key }

// Updates delivers snapshots. The channel is closed when the stream ends.
func (s *Stream[T]) Updates() <-chan Snapshot[T] { return s.updates }

// State reports the current lifecycle state.
func (s *Stream[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the stream, or nil if it is still open or
// was closed by its owner.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the stream from its upstream. Safe to call more than once
// and after the upstream has failed.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.releaseStop()
		s.hub.detach(s)
		s.terminate(nil)
	})
}

// finish ends the stream on behalf of the hub.
func (s *Stream[T]) finish(err error) {
	s.once.Do(func() {
		s.releaseStop()
		s.terminate(err)
	})
}

func (s *Stream[T]) setStop(stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = stop
}

// releaseStop unregisters the context hook installed by Subscribe.
func (s *Stream[T]) releaseStop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Stream[T]) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = StateClosed
	s.err = err
	close(s.updates)
}

func (s *Stream[T]) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = st
	}
}

// offer replaces any undelivered snapshot with snap.
func (s *Stream[T]) offer(snap Snapshot[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = StateLive
	if !s.sentInitial {
		snap.Initial = true
		s.sentInitial = true
	}
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case old := <-s.updates:
			if old.Initial {
				snap.Initial = true
			}
		default:
		}
	}
}
