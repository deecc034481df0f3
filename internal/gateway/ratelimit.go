// ABOUTME: Per-participant token bucket limiting message sends
// ABOUTME: Shared by the HTTP send endpoint and the WebSocket send op

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused bucket is kept before it is swept.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sendLimiter holds one token bucket per participant. A zero rate disables limiting.
type sendLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newSendLimiter(perSecond float64, burst int) *sendLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &sendLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether participantID may send now and consumes a token if so.
func (l *sendLimiter) Allow(participantID string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdle {
		l.sweep(now)
	}

	e, ok := l.entries[participantID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[participantID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep drops buckets nobody has used recently. Caller holds mu.
func (l *sendLimiter) sweep(now time.Time) {
	for id, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.entries, id)
		}
	}
	l.lastSweep = now
}

func (l *sendLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
