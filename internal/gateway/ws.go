// ABOUTME: WebSocket session multiplexing the conversation list and the popup thread
// ABOUTME: One read loop dispatches ops, one write loop owns the socket, pumps forward snapshots

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/messaging"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsMaxMessageBytes = 64 << 10
	wsSendBuffer      = 32
)

// WebSocket ops sent by clients
const (
	opSubscribeConversations = "subscribe_conversations"
	opOpenPopup              = "open_popup"
	opClosePopup             = "close_popup"
	opSend                   = "send"
	opMarkRead               = "mark_read"
)

// Server frame types
const (
	frameConversations = "conversations"
	frameMessages      = "messages"
	frameError         = "error"
	frameAck           = "ack"
)

// wsRequest is a client op. ID is echoed back in the ack or error frame and
// doubles as the idempotency key for send.
type wsRequest struct {
	Op             string `json:"op"`
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	UpToSeq        int64  `json:"up_to_seq,omitempty"`
}

type wsConversationsFrame struct {
	Type          string                       `json:"type"`
	Initial       bool                         `json:"initial"`
	Conversations []messaging.ConversationView `json:"conversations"`
}

type wsMessagesFrame struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversation_id"`
	Initial        bool              `json:"initial"`
	Closed         bool              `json:"closed,omitempty"`
	Messages       []MessageResponse `json:"messages"`
}

type wsAckFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

type wsErrorFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Op             string `json:"op,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         int    `json:"status"`
	Error          string `json:"error"`
	MessageID      string `json:"message_id,omitempty"`
}

// wsSession is one connected UI. Only writeLoop touches the socket for writing.
type wsSession struct {
	g             *Gateway
	conn          *websocket.Conn
	participantID string
	popup         *messaging.Popup
	logger        *slog.Logger

	send      chan any
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	list *fanout.Stream[messaging.ConversationView]
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		g:             g,
		conn:          conn,
		participantID: pid,
		popup:         g.messaging.NewPopup(pid),
		logger:        g.logger.With("participant_id", pid, "transport", "ws"),
		send:          make(chan any, wsSendBuffer),
		done:          make(chan struct{}),
	}
	if !g.addSession(s) {
		s.close()
		return
	}
	defer g.removeSession(s)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Debug("websocket connected")
	go s.writeLoop()
	go s.pumpPopup(ctx)
	s.readLoop(ctx)
	s.close()
	s.logger.Debug("websocket disconnected")
}

// addSession registers s for shutdown; it fails once the gateway is closing.
func (g *Gateway) addSession(s *wsSession) bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.sessions == nil {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) removeSession(s *wsSession) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	delete(g.sessions, s)
}

// closeSessions closes every open session and refuses new ones.
func (g *Gateway) closeSessions() {
	g.sessionsMu.Lock()
	sessions := g.sessions
	g.sessions = nil
	g.sessionsMu.Unlock()
	for s := range sessions {
		s.close()
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(wsMaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.enqueue(wsErrorFrame{Type: frameError, Status: http.StatusBadRequest, Error: "invalid JSON frame"})
			continue
		}
		s.handle(ctx, req)
	}
}

// handle runs one op on the read goroutine, so ops from a client apply in order.
func (s *wsSession) handle(ctx context.Context, req wsRequest) {
	svc := s.g.messaging
	var err error
	ack := wsAckFrame{Type: frameAck, ID: req.ID, Op: req.Op, ConversationID: req.ConversationID}

	switch req.Op {
	case opSubscribeConversations:
		err = s.subscribeConversations(ctx)

	case opOpenPopup:
		if req.ConversationID == "" {
			s.fail(req, http.StatusBadRequest, "conversation_id is required")
			return
		}
		err = s.popup.Open(ctx, req.ConversationID)

	case opClosePopup:
		s.popup.Close()

	case opSend:
		if req.ConversationID == "" {
			s.fail(req, http.StatusBadRequest, "conversation_id is required")
			return
		}
		msg, prior, sendErr := s.g.sendOnce(ctx, s.participantID, req.ConversationID, req.ID, messaging.Content{Body: req.Body})
		if errors.Is(sendErr, errDuplicateRequest) {
			s.enqueue(wsErrorFrame{
				Type: frameError, ID: req.ID, Op: req.Op, ConversationID: req.ConversationID,
				Status: http.StatusConflict, Error: errDuplicateRequest.Error(), MessageID: prior,
			})
			return
		}
		err = sendErr
		if msg != nil {
			ack.MessageID = msg.ID
		}

	case opMarkRead:
		if req.ConversationID == "" {
			s.fail(req, http.StatusBadRequest, "conversation_id is required")
			return
		}
		if req.UpToSeq > 0 {
			err = svc.MarkReadUpTo(ctx, req.ConversationID, s.participantID, req.UpToSeq)
		} else {
			err = svc.MarkMessagesAsRead(ctx, req.ConversationID, s.participantID)
		}

	default:
		s.fail(req, http.StatusBadRequest, "unknown op")
		return
	}

	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("websocket op failed", "op", req.Op, "error", err)
		}
		s.fail(req, status, msg)
		return
	}
	s.enqueue(ack)
}

func (s *wsSession) fail(req wsRequest, status int, msg string) {
	s.enqueue(wsErrorFrame{
		Type:           frameError,
		ID:             req.ID,
		Op:             req.Op,
		ConversationID: req.ConversationID,
		Status:         status,
		Error:          msg,
	})
}

// subscribeConversations starts the list stream once per session.
func (s *wsSession) subscribeConversations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list != nil {
		return nil
	}
	stream, err := s.g.messaging.SubscribeToConversations(ctx, s.participantID)
	if err != nil {
		return err
	}
	s.list = stream
	go s.pumpConversations(stream)
	return nil
}

func (s *wsSession) pumpConversations(stream *fanout.Stream[messaging.ConversationView]) {
	for snap := range stream.Updates() {
		s.enqueue(wsConversationsFrame{
			Type:          frameConversations,
			Initial:       snap.Initial,
			Conversations: conversationsOrEmpty(snap.Items),
		})
	}

	s.mu.Lock()
	if s.list == stream {
		s.list = nil
	}
	s.mu.Unlock()

	if err := stream.Err(); err != nil {
		status, msg := statusFor(err)
		s.logger.Warn("conversation stream ended", "error", err)
		s.enqueue(wsErrorFrame{Type: frameError, Op: opSubscribeConversations, Status: status, Error: msg})
	}
}

func (s *wsSession) pumpPopup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case u := <-s.popup.Updates():
			if u.Closed && u.Err != nil {
				status, msg := statusFor(u.Err)
				s.enqueue(wsErrorFrame{
					Type: frameError, Op: opOpenPopup, ConversationID: u.ConversationID,
					Status: status, Error: msg,
				})
			}
			s.enqueue(wsMessagesFrame{
				Type:           frameMessages,
				ConversationID: u.ConversationID,
				Initial:        u.Initial,
				Closed:         u.Closed,
				Messages:       s.g.toMessageResponses(u.Messages),
			})
		}
	}
}

// enqueue hands a frame to the write loop. A client too slow to drain its
// buffer is disconnected.
func (s *wsSession) enqueue(frame any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		s.logger.Warn("websocket send buffer full, closing session")
		s.close()
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// close ends the session and releases its subscriptions. Safe from any goroutine.
func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.popup.Close()

		s.mu.Lock()
		list := s.list
		s.list = nil
		s.mu.Unlock()
		if list != nil {
			list.Close()
		}
	})
}
