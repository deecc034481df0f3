// ABOUTME: HTTP API handlers exposing conversations and messages to UI surfaces
// ABOUTME: Provides JSON endpoints, SSE live streams, multipart uploads and idempotent sends

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tenantline/internal/attachment"
	"github.com/2389/tenantline/internal/auth"
	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/messaging"
	"github.com/2389/tenantline/internal/store"
)

// maxIdempotencyKeyLen bounds client supplied Idempotency-Key values.
const maxIdempotencyKeyLen = 200

// multipartMemory is held in memory before spilling to temp files.
const multipartMemory = 8 << 20

var (
	errDuplicateRequest = errors.New("duplicate request")
	errRateLimited      = errors.New("send rate exceeded")
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	OtherID  string `json:"other_id"`
	ScopeRef string `json:"scope_ref,omitempty"`
}

// CreateConversationResponse is the JSON response for POST /api/conversations.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// MarkReadRequest is the optional JSON body for POST /api/conversations/{id}/read.
// Without UpToSeq everything currently in the conversation is marked read.
type MarkReadRequest struct {
	UpToSeq int64 `json:"up_to_seq,omitempty"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Seq            int64             `json:"seq"`
	SenderID       string            `json:"sender_id"`
	Body           string            `json:"body"`
	BodyHTML       string            `json:"body_html"`
	Attachment     *store.Attachment `json:"attachment,omitempty"`
	ReadBy         []string          `json:"read_by"`
	CreatedAt      time.Time         `json:"created_at"`
}

// MessagesResponse is the JSON response for history requests and thread snapshots.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Initial        bool              `json:"initial,omitempty"`
	Messages       []MessageResponse `json:"messages"`
	// NextBeforeSeq pages further back when the page was full.
	NextBeforeSeq int64 `json:"next_before_seq,omitempty"`
}

// ConversationsResponse is the JSON response for conversation list requests and snapshots.
type ConversationsResponse struct {
	Initial       bool                         `json:"initial,omitempty"`
	Conversations []messaging.ConversationView `json:"conversations"`
}

// DuplicateResponse is returned with 409 when an Idempotency-Key was already used.
type DuplicateResponse struct {
	Error     string `json:"error"`
	MessageID string `json:"message_id,omitempty"`
}

// toMessageResponse renders a message for the wire.
func (g *Gateway) toMessageResponse(m *store.Message) MessageResponse {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Body:           m.Body,
		BodyHTML:       g.renderer.HTML(m.Body),
		Attachment:     m.Attachment,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
}

func (g *Gateway) toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = g.toMessageResponse(m)
	}
	return out
}

func conversationsOrEmpty(views []messaging.ConversationView) []messaging.ConversationView {
	if views == nil {
		return []messaging.ConversationView{}
	}
	return views
}

// participant returns the authenticated caller or writes a 401.
func (g *Gateway) participant(w http.ResponseWriter, r *http.Request) (string, bool) {
	ac := auth.FromContext(r.Context())
	if ac == nil || ac.ParticipantID == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return ac.ParticipantID, true
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, messaging.ErrConversationNotFound):
		return http.StatusNotFound, messaging.ErrConversationNotFound.Error()
	case errors.Is(err, messaging.ErrNotMember):
		return http.StatusForbidden, messaging.ErrNotMember.Error()
	case errors.Is(err, messaging.ErrInvalidParticipants):
		return http.StatusBadRequest, messaging.ErrInvalidParticipants.Error()
	case errors.Is(err, messaging.ErrEmptyMessage):
		return http.StatusBadRequest, messaging.ErrEmptyMessage.Error()
	case errors.Is(err, messaging.ErrMessageTooLarge):
		return http.StatusBadRequest, messaging.ErrMessageTooLarge.Error()
	case errors.Is(err, messaging.ErrAttachmentUploadFailed):
		return http.StatusUnprocessableEntity, uploadFailureMessage(err)
	case errors.Is(err, errDuplicateRequest):
		return http.StatusConflict, errDuplicateRequest.Error()
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, errRateLimited.Error()
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, fanout.ErrHubClosed),
		errors.Is(err, fanout.ErrRetriesExhausted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "temporarily unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// uploadFailureMessage names the rejected limit without exposing storage errors.
func uploadFailureMessage(err error) string {
	for _, reason := range []error{attachment.ErrTooLarge, attachment.ErrTypeNotAllowed, attachment.ErrEmpty} {
		if errors.Is(err, reason) {
			return messaging.ErrAttachmentUploadFailed.Error() + ": " + reason.Error()
		}
	}
	return messaging.ErrAttachmentUploadFailed.Error()
}

// writeServiceError maps err onto the response and logs server-side failures.
func (g *Gateway) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "op", op, "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// handleCreateConversation handles POST /api/conversations.
// Returns the canonical conversation for the caller and other_id, creating it if needed.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.OtherID = strings.TrimSpace(req.OtherID)
	if req.OtherID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "other_id is required")
		return
	}

	id, err := g.messaging.GetOrCreateConversation(r.Context(), pid, req.OtherID, strings.TrimSpace(req.ScopeRef))
	if err != nil {
		g.writeServiceError(w, "create_conversation", err)
		return
	}
	g.sendJSON(w, http.StatusOK, CreateConversationResponse{ConversationID: id})
}

// handleListConversations handles GET /api/conversations, a one-shot list.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	views, err := g.messaging.ListConversations(r.Context(), pid)
	if err != nil {
		g.writeServiceError(w, "list_conversations", err)
		return
	}
	g.sendJSON(w, http.StatusOK, ConversationsResponse{Conversations: conversationsOrEmpty(views)})
}

// handleStreamConversations handles GET /api/conversations/stream.
// Emits a snapshot event whenever the caller's conversation list changes.
func (g *Gateway) handleStreamConversations(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := g.messaging.SubscribeToConversations(r.Context(), pid)
	if err != nil {
		g.writeServiceError(w, "stream_conversations", err)
		return
	}
	defer stream.Close()

	streamSSE(r.Context(), g, w, flusher, stream, func(snap fanout.Snapshot[messaging.ConversationView]) any {
		return ConversationsResponse{Initial: snap.Initial, Conversations: conversationsOrEmpty(snap.Items)}
	})
}

// handleStreamMessages handles GET /api/conversations/{id}/messages/stream.
// Emits a snapshot event with the thread whenever a message arrives or read state moves.
func (g *Gateway) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	convID := r.PathValue("id")
	if _, err := g.messaging.ConversationFor(r.Context(), convID, pid); err != nil {
		g.writeServiceError(w, "stream_messages", err)
		return
	}
	stream, err := g.messaging.SubscribeToMessages(r.Context(), convID)
	if err != nil {
		g.writeServiceError(w, "stream_messages", err)
		return
	}
	defer stream.Close()

	streamSSE(r.Context(), g, w, flusher, stream, func(snap fanout.Snapshot[*store.Message]) any {
		return MessagesResponse{
			ConversationID: convID,
			Initial:        snap.Initial,
			Messages:       g.toMessageResponses(snap.Items),
		}
	})
}

// streamSSE writes snapshots from stream as SSE events until the client goes
// away or the stream ends. A stream that ends with an error gets a final
// error event so the client knows to resubscribe.
func streamSSE[T fanout.Keyed](ctx context.Context, g *Gateway, w http.ResponseWriter, flusher http.Flusher, stream *fanout.Stream[T], frame func(fanout.Snapshot[T]) any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case snap, ok := <-stream.Updates():
			if !ok {
				if err := stream.Err(); err != nil {
					_, msg := statusFor(err)
					g.logger.Warn("live stream ended", "key", stream.Key(), "error", err)
					g.writeSSEEvent(w, "error", map[string]string{"error": msg})
					flusher.Flush()
				}
				return
			}
			g.writeSSEEvent(w, "snapshot", frame(snap))
			flusher.Flush()
		}
	}
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// Accepts JSON {body} or multipart with a body field and an optional file part.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	key := r.Header.Get("Idempotency-Key")
	if len(key) > maxIdempotencyKeyLen {
		g.sendJSONError(w, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	content, cleanup, err := g.parseContent(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	msg, prior, err := g.sendOnce(r.Context(), pid, convID, key, content)
	if errors.Is(err, errDuplicateRequest) {
		g.sendJSON(w, http.StatusConflict, DuplicateResponse{Error: errDuplicateRequest.Error(), MessageID: prior})
		return
	}
	if errors.Is(err, errRateLimited) {
		w.Header().Set("Retry-After", "1")
	}
	if err != nil {
		g.writeServiceError(w, "send_message", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, g.toMessageResponse(msg))
}

// parseContent reads the message body and optional attachment from r. The
// returned cleanup releases multipart temp files.
func (g *Gateway) parseContent(w http.ResponseWriter, r *http.Request) (messaging.Content, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType != "multipart/form-data" {
		var req SendMessageRequest
		limit := int64(g.config.Messaging.MaxBodyBytes)
		if limit <= 0 {
			limit = 16 << 10
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*limit+1024)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return messaging.Content{}, noop, err
			}
			return messaging.Content{}, noop, errors.New("invalid JSON body")
		}
		return messaging.Content{Body: req.Body}, noop, nil
	}

	bodyLimit := int64(64 << 20)
	if g.config.Attachments.MaxBytes > 0 {
		bodyLimit = g.config.Attachments.MaxBytes + 1<<20
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return messaging.Content{}, noop, err
		}
		return messaging.Content{}, noop, errors.New("invalid multipart body")
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	content := messaging.Content{Body: r.FormValue("body")}
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return content, cleanup, nil
	case err != nil:
		cleanup()
		return messaging.Content{}, noop, errors.New("invalid file part")
	}

	content.Attachment = &attachment.Blob{
		Reader:      file,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	}
	return content, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

// sendOnce applies the caller's rate limit and Idempotency-Key before
// sending. A key is scoped to the caller and conversation. A repeated key
// returns errDuplicateRequest and the id of the message it created, which is
// empty while the first request is still in flight. A failed send releases
// the key so the client can retry.
func (g *Gateway) sendOnce(ctx context.Context, participantID, conversationID, key string, content messaging.Content) (*store.Message, string, error) {
	if !g.limiter.Allow(participantID) {
		return nil, "", errRateLimited
	}
	if key == "" {
		msg, err := g.messaging.SendMessage(ctx, conversationID, participantID, content)
		return msg, "", err
	}

	scoped := participantID + "\x00" + conversationID + "\x00" + key
	if g.idempotency.CheckAndMark(scoped) {
		prior, _ := g.idempotency.Lookup(scoped)
		return nil, prior, errDuplicateRequest
	}
	msg, err := g.messaging.SendMessage(ctx, conversationID, participantID, content)
	if err != nil {
		g.idempotency.Forget(scoped)
		return nil, "", err
	}
	g.idempotency.Remember(scoped, msg.ID)
	return msg, "", nil
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	var req MarkReadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UpToSeq < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "up_to_seq must not be negative")
		return
	}

	var err error
	if req.UpToSeq > 0 {
		err = g.messaging.MarkReadUpTo(r.Context(), convID, pid, req.UpToSeq)
	} else {
		err = g.messaging.MarkMessagesAsRead(r.Context(), convID, pid)
	}
	if err != nil {
		g.writeServiceError(w, "mark_read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /api/conversations/{id}/messages?before_seq=N&limit=N.
// Returns one page ascending; next_before_seq continues further back.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("id")

	var q store.MessageQuery
	if s := r.URL.Query().Get("before_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "before_seq must be a positive integer")
			return
		}
		q.BeforeSeq = parsed
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = parsed
	}

	if _, err := g.messaging.ConversationFor(r.Context(), convID, pid); err != nil {
		g.writeServiceError(w, "history", err)
		return
	}
	msgs, err := g.messaging.History(r.Context(), convID, q)
	if err != nil {
		g.writeServiceError(w, "history", err)
		return
	}

	resp := MessagesResponse{ConversationID: convID, Messages: g.toMessageResponses(msgs)}
	if len(msgs) > 0 && q.Limit > 0 && len(msgs) == q.Limit && msgs[0].Seq > 1 {
		resp.NextBeforeSeq = msgs[0].Seq
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleArchive handles POST /api/conversations/{id}/archive.
func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	pid, ok := g.participant(w, r)
	if !ok {
		return
	}
	if err := g.messaging.ArchiveConversation(r.Context(), r.PathValue("id"), pid); err != nil {
		g.writeServiceError(w, "archive", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
