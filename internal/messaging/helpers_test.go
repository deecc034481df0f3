// ABOUTME: Shared fixtures for messaging tests
// ABOUTME: Builds services over the mock and SQLite stores with a local bus

package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tenantline/internal/attachment"
	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

const (
	tenant   = "tenant-a"
	landlord = "landlord-b"
)

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

func backends() []backend {
	return []backend{
		{name: "mock", open: func(t *testing.T) store.Store { return store.NewMockStore() }},
		{name: "sqlite", open: func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		}},
	}
}

// forEachBackend runs fn once per store backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, st store.Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { st.Close() })
			fn(t, st)
		})
	}
}

func testConfig() Config {
	return Config{
		Fanout: fanout.Config{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			MaxRetries:     3,
		},
	}
}

func newLocalBus(t *testing.T) *notify.LocalBus {
	bus := notify.NewLocalBus(nil)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func newTestService(t *testing.T, st store.Store, uploads attachment.Pipeline) *Service {
	t.Helper()
	svc := New(st, newLocalBus(t), uploads, testConfig(), nil)
	t.Cleanup(svc.Close)
	return svc
}

// fakeUploader records calls and returns a canned result.
type fakeUploader struct {
	calls atomic.Int32
	att   *store.Attachment
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, blob attachment.Blob) (*store.Attachment, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.att
	return &out, nil
}

var errUploadBackend = errors.New("bucket unreachable")

// waitFor reads snapshots until pred holds for one of them.
func waitFor[T fanout.Keyed](t *testing.T, s *fanout.Stream[T], what string, pred func([]T) bool) fanout.Snapshot[T] {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-s.Updates():
			require.True(t, ok, "stream closed while waiting for %s: %v", what, s.Err())
			if pred(snap.Items) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// assertQuiet fails if s delivers anything within d.
func assertQuiet[T fanout.Keyed](t *testing.T, s *fanout.Stream[T], d time.Duration) {
	t.Helper()
	select {
	case snap := <-s.Updates():
		t.Fatalf("unexpected snapshot with %d items", len(snap.Items))
	case <-time.After(d):
	}
}

func send(t *testing.T, svc *Service, convID, sender, body string) *store.Message {
	t.Helper()
	msg, err := svc.SendMessage(t.Context(), convID, sender, Content{Body: body})
	require.NoError(t, err)
	return msg
}

func unreadFor(views []ConversationView, convID string) (int, bool) {
	for _, v := range views {
		if v.ID == convID {
			return v.Unread, true
		}
	}
	return 0, false
}
