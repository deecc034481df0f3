package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perSecond float64, burst int) (*sendLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := newSendLimiter(perSecond, burst)
	l.now = clock.now
	return l, clock
}

func TestSendLimiterBurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(1, 2)

	assert.True(t, l.Allow(tenant))
	assert.True(t, l.Allow(tenant))
	assert.False(t, l.Allow(tenant), "burst spent")

	clock.advance(time.Second)
	assert.True(t, l.Allow(tenant), "one token refilled")
	assert.False(t, l.Allow(tenant))
}

func TestSendLimiterPerParticipant(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	assert.True(t, l.Allow(tenant))
	assert.False(t, l.Allow(tenant))
	assert.True(t, l.Allow(landlord))
}

func TestSendLimiterZeroRateIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(0, 0)
	for range 100 {
		assert.True(t, l.Allow(tenant))
	}
	assert.Zero(t, l.size(), "no buckets kept when limiting is off")
}

func TestSendLimiterSweepsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(10, 10)

	l.Allow("a")
	clock.advance(5 * time.Minute)
	l.Allow("b")
	assert.Equal(t, 2, l.size())

	clock.advance(6 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 2, l.size(), "a was idle past the window")

	l.mu.Lock()
	_, hasA := l.entries["a"]
	l.mu.Unlock()
	assert.False(t, hasA)
}
