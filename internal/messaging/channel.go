// ABOUTME: Message channel: ordered append with atomic summary update, and live threads
// ABOUTME: Attachments are uploaded before the message transaction starts

package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/tenantline/internal/attachment"
	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

// Content is what a participant sends.
type Content struct {
	Body       string
	Attachment *attachment.Blob
}

// SendMessage appends a message to the conversation. When an attachment is
// present it is uploaded first; if that fails nothing is written. The
// message, lastMessage and unread counters are committed together.
//
// Sends are never retried here: a failure is returned so the caller can
// decide whether to resubmit.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID string, content Content) (*store.Message, error) {
	if content.Attachment == nil && strings.TrimSpace(content.Body) == "" {
		return nil, ErrEmptyMessage
	}
	if len(content.Body) > s.cfg.MaxBodyBytes {
		return nil, ErrMessageTooLarge
	}
	if _, err := s.ConversationFor(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	var att *store.Attachment
	if content.Attachment != nil {
		if s.uploads == nil {
			return nil, fmt.Errorf("%w: attachments are disabled", ErrAttachmentUploadFailed)
		}
		uploaded, err := s.uploads.Upload(ctx, *content.Attachment)
		if err != nil {
			s.logger.Warn("attachment upload failed", "conversation_id", conversationID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrAttachmentUploadFailed, err)
		}
		att = uploaded
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		Body:       content.Body,
		Attachment: att,
	}
	var committed *store.Conversation
	err := s.store.Transact(ctx, conversationID, func(tx store.Tx) error {
		conv := tx.Conversation()
		if !conv.HasParticipant(senderID) {
			return ErrNotMember
		}
		if err := tx.InsertMessage(msg); err != nil {
			return err
		}

		summary := &store.LastMessage{
			MessageID: msg.ID,
			Body:      msg.Body,
			SenderID:  senderID,
			CreatedAt: msg.CreatedAt,
		}
		if att != nil {
			summary.AttachmentKind = att.Kind
		}
		conv.LastMessage = summary
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int, len(conv.ParticipantIDs))
		}
		for _, p := range conv.ParticipantIDs {
			if p != senderID {
				conv.UnreadCounts[p]++
			}
		}
		// New activity brings an archived thread back to the inbox.
		conv.Status = store.ConversationStatusActive
		conv.UpdatedAt = msg.CreatedAt
		committed = conv.Clone()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("sending message: %w", storeErr(err))
	}

	s.logger.Debug("message sent",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"sender", senderID)
	s.notifyMembers(ctx, committed, notify.Change{
		Kind:          notify.KindMessage,
		MessageID:     msg.ID,
		ParticipantID: senderID,
		At:            msg.CreatedAt,
	})
	return msg, nil
}

// SubscribeToMessages streams the conversation's messages ascending by
// (CreatedAt, Seq). Every snapshot replays the full window; the stream has
// already removed duplicate ids. Snapshot items are shared between
// subscribers and must not be modified.
//
// The window is the newest Config.HistoryLimit messages. Older messages are
// fetched with History using BeforeSeq set to the first Seq in the snapshot.
func (s *Service) SubscribeToMessages(ctx context.Context, conversationID string) (*fanout.Stream[*store.Message], error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, storeErr(err)
	}
	return s.messages.Subscribe(ctx, conversationID)
}

// History returns one page of messages ascending. Use BeforeSeq to page
// backwards and AfterSeq to resume after a reconnect.
func (s *Service) History(ctx context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error) {
	if q.Limit <= 0 || q.Limit > s.cfg.HistoryLimit {
		q.Limit = s.cfg.HistoryLimit
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, storeErr(err)
	}
	return s.loadMessages(ctx, conversationID, q)
}

// messageSource feeds the messages hub for one conversation. The bus
// subscription is opened before the first query so no change is missed.
func (s *Service) messageSource(ctx context.Context, conversationID string, emit func([]*store.Message)) error {
	changes, cancel, err := s.subscribeChanges(ctx, notify.ConversationTopic(conversationID))
	if err != nil {
		return err
	}
	defer cancel()

	window := store.MessageQuery{Limit: s.cfg.HistoryLimit}
	for {
		msgs, err := s.loadMessages(ctx, conversationID, window)
		if err != nil {
			return err
		}
		emit(msgs)
		if err := awaitChange(ctx, changes); err != nil {
			return err
		}
	}
}

// loadMessages queries a window and derives ReadBy from the watermarks.
func (s *Service) loadMessages(ctx context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID, q)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	wms, err := s.store.ListWatermarks(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	for _, m := range msgs {
		m.ReadBy = nil
		for _, wm := range wms {
			if wm.ParticipantID != m.SenderID && wm.Covers(m.Seq) {
				m.ReadBy = append(m.ReadBy, wm.ParticipantID)
			}
		}
	}
	return msgs, nil
}
