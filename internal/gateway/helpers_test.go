// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a dev-mode gateway over the mock store and local bus behind httptest

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tenantline/internal/auth"
	"github.com/2389/tenantline/internal/config"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

const (
	tenant   = "tenant-a"
	landlord = "landlord-b"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Notify:   config.NotifyConfig{Driver: config.NotifyLocal},
		Attachments: config.AttachmentsConfig{
			Dir:          t.TempDir(),
			MaxBytes:     1 << 20,
			AllowedTypes: []string{"image/*", "text/plain"},
		},
		Fanout: config.FanoutConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			MaxRetries:     2,
		},
		API: config.APIConfig{
			SendRate:       1000,
			SendBurst:      1000,
			IdempotencyTTL: time.Minute,
		},
	}
}

type testEnv struct {
	gw    *Gateway
	store *store.MockStore
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	st := store.NewMockStore()
	gw, err := newGateway(cfg, st, notify.NewLocalBus(nil), testLogger())
	require.NoError(t, err)
	gw.heartbeat = 50 * time.Millisecond

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return &testEnv{gw: gw, store: st, srv: srv}
}

// do sends a request as participant (dev mode header) and returns the response.
func (e *testEnv) do(t *testing.T, method, path, participant string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if participant != "" {
		req.Header.Set(auth.HeaderParticipantID, participant)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[map[string]string](t, resp)["error"]
}

// createConversation opens the canonical conversation between a and b.
func (e *testEnv) createConversation(t *testing.T, a, b, scope string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", a, CreateConversationRequest{OtherID: b, ScopeRef: scope})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[CreateConversationResponse](t, resp).ConversationID
}

func (e *testEnv) send(t *testing.T, convID, sender, body string) MessageResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations/"+convID+"/messages", sender, SendMessageRequest{Body: body})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[MessageResponse](t, resp)
}

type sseEvent struct {
	name string
	data string
}

// openSSE starts a stream and returns its events on a channel.
func (e *testEnv) openSSE(t *testing.T, path, participant string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderParticipantID, participant)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan sseEvent, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return resp, events
}

// waitEvent returns the first event for which pred holds.
func waitEvent(t *testing.T, events <-chan sseEvent, what string, pred func(sseEvent) bool) sseEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended while waiting for %s", what)
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func eventData[T any](t *testing.T, ev sseEvent) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal([]byte(ev.data), &out))
	return out
}
