// ABOUTME: Tests for the WebSocket session
// ABOUTME: Drives ops over a real socket and checks acks, error frames and pushed snapshots

package gateway

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenantline/internal/auth"
	"github.com/2389/tenantline/internal/messaging"
	"github.com/2389/tenantline/internal/store"
)

// wsFrame decodes any server frame.
type wsFrame struct {
	Type           string                       `json:"type"`
	ID             string                       `json:"id"`
	Op             string                       `json:"op"`
	ConversationID string                       `json:"conversation_id"`
	Status         int                          `json:"status"`
	Error          string                       `json:"error"`
	MessageID      string                       `json:"message_id"`
	Initial        bool                         `json:"initial"`
	Closed         bool                         `json:"closed"`
	Conversations  []messaging.ConversationView `json:"conversations"`
	Messages       []MessageResponse            `json:"messages"`
}

func (e *testEnv) dialWS(t *testing.T, participant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(auth.HeaderParticipantID, participant)
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeOp(t *testing.T, conn *websocket.Conn, req wsRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

// waitFrame reads frames until pred holds.
func waitFrame(t *testing.T, conn *websocket.Conn, what string, pred func(wsFrame) bool) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if pred(f) {
			return f
		}
	}
}

func isAck(id string) func(wsFrame) bool {
	return func(f wsFrame) bool { return f.Type == frameAck && f.ID == id }
}

func isError(id string) func(wsFrame) bool {
	return func(f wsFrame) bool { return f.Type == frameError && f.ID == id }
}

func (e *testEnv) unread(t *testing.T, participant, convID string) int {
	t.Helper()
	views, err := e.gw.messaging.ListConversations(t.Context(), participant)
	require.NoError(t, err)
	for _, v := range views {
		if v.ID == convID {
			return v.Unread
		}
	}
	t.Fatalf("conversation %s not listed for %s", convID, participant)
	return 0
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSubscribeConversations(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	conn := env.dialWS(t, landlord)

	writeOp(t, conn, wsRequest{Op: opSubscribeConversations, ID: "sub-1"})
	f := waitFrame(t, conn, "initial list", func(f wsFrame) bool { return f.Type == frameConversations })
	assert.True(t, f.Initial)
	assert.Empty(t, f.Conversations)

	// Subscribing twice keeps the one stream and still acks
	writeOp(t, conn, wsRequest{Op: opSubscribeConversations, ID: "sub-2"})
	waitFrame(t, conn, "second ack", isAck("sub-2"))

	id := env.createConversation(t, tenant, landlord, "")
	env.send(t, id, tenant, "The heater is out")

	f = waitFrame(t, conn, "unread list", func(f wsFrame) bool {
		return f.Type == frameConversations && len(f.Conversations) == 1 && f.Conversations[0].Unread == 1
	})
	assert.False(t, f.Initial)
	assert.Equal(t, id, f.Conversations[0].ID)
	assert.Equal(t, "The heater is out", f.Conversations[0].LastMessage.Body)
}

func TestWebSocketPopupMarksRead(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	id := env.createConversation(t, tenant, landlord, "")
	env.send(t, id, tenant, "one")
	env.send(t, id, tenant, "two")
	require.Equal(t, 2, env.unread(t, landlord, id))

	conn := env.dialWS(t, landlord)
	writeOp(t, conn, wsRequest{Op: opOpenPopup, ID: "open", ConversationID: id})

	f := waitFrame(t, conn, "thread", func(f wsFrame) bool { return f.Type == frameMessages })
	assert.Equal(t, id, f.ConversationID)
	assert.Len(t, f.Messages, 2)
	require.Eventually(t, func() bool { return env.unread(t, landlord, id) == 0 }, 2*time.Second, 10*time.Millisecond)

	env.send(t, id, tenant, "three")
	waitFrame(t, conn, "third message", func(f wsFrame) bool {
		return f.Type == frameMessages && len(f.Messages) == 3
	})
	require.Eventually(t, func() bool { return env.unread(t, landlord, id) == 0 }, 2*time.Second, 10*time.Millisecond)

	writeOp(t, conn, wsRequest{Op: opClosePopup, ID: "close"})
	waitFrame(t, conn, "close ack", isAck("close"))

	env.send(t, id, tenant, "four")
	assert.Never(t, func() bool { return env.unread(t, landlord, id) == 0 }, 200*time.Millisecond, 20*time.Millisecond,
		"a closed popup no longer marks messages read")
}

func TestWebSocketSend(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	id := env.createConversation(t, tenant, landlord, "")
	conn := env.dialWS(t, tenant)

	writeOp(t, conn, wsRequest{Op: opSend, ID: "m-1", ConversationID: id, Body: "rent is in"})
	ack := waitFrame(t, conn, "send ack", isAck("m-1"))
	assert.Equal(t, opSend, ack.Op)
	require.NotEmpty(t, ack.MessageID)

	writeOp(t, conn, wsRequest{Op: opSend, ID: "m-1", ConversationID: id, Body: "rent is in"})
	dup := waitFrame(t, conn, "duplicate", isError("m-1"))
	assert.Equal(t, http.StatusConflict, dup.Status)
	assert.Equal(t, ack.MessageID, dup.MessageID)

	writeOp(t, conn, wsRequest{Op: opMarkRead, ID: "read", ConversationID: id})
	waitFrame(t, conn, "read ack", isAck("read"))

	msgs, err := env.store.ListMessages(t.Context(), id, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ack.MessageID, msgs[0].ID)
}

func TestWebSocketErrorFrames(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	id := env.createConversation(t, tenant, landlord, "")

	t.Run("invalid json", func(t *testing.T) {
		conn := env.dialWS(t, tenant)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
		f := waitFrame(t, conn, "error", func(f wsFrame) bool { return f.Type == frameError })
		assert.Equal(t, http.StatusBadRequest, f.Status)
		assert.Equal(t, "invalid JSON frame", f.Error)
	})

	tests := []struct {
		name        string
		participant string
		req         wsRequest
		status      int
		wantErr     string
	}{
		{"unknown op", tenant, wsRequest{Op: "dance", ID: "e1"}, http.StatusBadRequest, "unknown op"},
		{"open without id", tenant, wsRequest{Op: opOpenPopup, ID: "e2"}, http.StatusBadRequest, "conversation_id is required"},
		{"send without id", tenant, wsRequest{Op: opSend, ID: "e3", Body: "hi"}, http.StatusBadRequest, "conversation_id is required"},
		{"open as stranger", "stranger", wsRequest{Op: opOpenPopup, ID: "e4", ConversationID: id}, http.StatusForbidden, messaging.ErrNotMember.Error()},
		{"send to missing", tenant, wsRequest{Op: opSend, ID: "e5", ConversationID: "cv_missing", Body: "hi"}, http.StatusNotFound, messaging.ErrConversationNotFound.Error()},
		{"empty send", tenant, wsRequest{Op: opSend, ID: "e6", ConversationID: id}, http.StatusBadRequest, messaging.ErrEmptyMessage.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dialWS(t, tt.participant)
			writeOp(t, conn, tt.req)
			f := waitFrame(t, conn, "error", isError(tt.req.ID))
			assert.Equal(t, tt.req.Op, f.Op)
			assert.Equal(t, tt.status, f.Status)
			assert.Equal(t, tt.wantErr, f.Error)
		})
	}
}

func TestCloseSessionsDisconnectsClients(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	conn := env.dialWS(t, tenant)

	writeOp(t, conn, wsRequest{Op: opSubscribeConversations, ID: "sub"})
	waitFrame(t, conn, "ack", isAck("sub"))

	env.gw.closeSessions()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("session was not closed")
		}
		return
	}
}
