// ABOUTME: Read-state tracker: monotonic watermark compare-and-set per participant
// ABOUTME: Resets unread counts in the same transaction that advances the watermark

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

// MarkMessagesAsRead acknowledges every message currently in the
// conversation for participantID. Repeated and stale calls are no-ops.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID, participantID string) error {
	return s.markRead(ctx, conversationID, participantID, 0)
}

// MarkReadUpTo acknowledges messages up to and including seq. A seq at or
// below the current watermark changes nothing.
func (s *Service) MarkReadUpTo(ctx context.Context, conversationID, participantID string, seq int64) error {
	if seq <= 0 {
		return nil
	}
	return s.markRead(ctx, conversationID, participantID, seq)
}

// Watermark returns participantID's read position. A participant who has
// never read anything gets a zero watermark.
func (s *Service) Watermark(ctx context.Context, conversationID, participantID string) (*store.ReadWatermark, error) {
	if _, err := s.ConversationFor(ctx, conversationID, participantID); err != nil {
		return nil, err
	}
	wm, err := s.store.GetWatermark(ctx, conversationID, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ReadWatermark{ConversationID: conversationID, ParticipantID: participantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading watermark: %w", err)
	}
	return wm, nil
}

// markRead advances the watermark to upTo, or to the newest message when
// upTo is 0 or beyond it.
func (s *Service) markRead(ctx context.Context, conversationID, participantID string, upTo int64) error {
	conv, err := s.ConversationFor(ctx, conversationID, participantID)
	if err != nil {
		return err
	}

	// A partial read needs the messages it acknowledges to adjust the
	// unread counter. Watermarks only move forward, so messages after the
	// watermark seen here cover everything after the one the Tx will see.
	var pending []*store.Message
	if upTo > 0 {
		if upTo = min(upTo, conv.MessageSeq); upTo == 0 {
			return nil
		}
		after := int64(0)
		if wm, err := s.store.GetWatermark(ctx, conversationID, participantID); err == nil {
			after = wm.Seq
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading watermark: %w", err)
		}
		if upTo <= after {
			return nil
		}
		pending, err = s.store.ListMessages(ctx, conversationID, store.MessageQuery{AfterSeq: after, BeforeSeq: upTo + 1})
		if err != nil {
			return fmt.Errorf("listing unread messages: %w", err)
		}
	}

	var changed *store.Conversation
	err = s.store.Transact(ctx, conversationID, func(tx store.Tx) error {
		changed = nil
		conv := tx.Conversation()
		latest, err := tx.LatestMessage()
		if err != nil || latest == nil {
			return err
		}

		target := latest
		partial := false
		if upTo > 0 && upTo < latest.Seq {
			if target = findSeq(pending, upTo); target == nil {
				// Not in the pre-read window, so already covered.
				return nil
			}
			partial = true
		}

		wm, err := tx.Watermark(participantID)
		if err != nil {
			return err
		}
		if err := advanceWatermark(tx, wm, participantID, target); err != nil {
			if !errors.Is(err, errWatermarkRegression) {
				return err
			}
			// Covered already; only repair a counter that drifted.
			if partial || conv.UnreadCounts[participantID] == 0 {
				return nil
			}
		}

		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int, len(conv.ParticipantIDs))
		}
		if partial {
			conv.UnreadCounts[participantID] = max(0, conv.UnreadCounts[participantID]-countUnread(pending, wm, participantID, target.Seq))
		} else {
			conv.UnreadCounts[participantID] = 0
			if conv.LastMessage != nil && conv.LastMessage.SenderID != participantID {
				conv.LastMessage.Read = true
			}
		}
		changed = conv.Clone()
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking read: %w", storeErr(err))
	}
	if changed == nil {
		return nil
	}

	s.logger.Debug("messages read",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"unread", changed.UnreadCounts[participantID])
	s.notifyMembers(ctx, changed, notify.Change{Kind: notify.KindRead, ParticipantID: participantID})
	return nil
}

// advanceWatermark is the monotonic compare-and-set.
func advanceWatermark(tx store.Tx, current *store.ReadWatermark, participantID string, target *store.Message) error {
	if current.Covers(target.Seq) {
		return errWatermarkRegression
	}
	return tx.PutWatermark(&store.ReadWatermark{
		ParticipantID: participantID,
		Seq:           target.Seq,
		ReadAt:        target.CreatedAt,
		UpdatedAt:     tx.Now(),
	})
}

// countUnread counts messages from the other party between the watermark
// and upTo inclusive.
func countUnread(msgs []*store.Message, wm *store.ReadWatermark, participantID string, upTo int64) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID == participantID || m.Seq > upTo || wm.Covers(m.Seq) {
			continue
		}
		n++
	}
	return n
}

func findSeq(msgs []*store.Message, seq int64) *store.Message {
	for _, m := range msgs {
		if m.Seq == seq {
			return m
		}
	}
	return nil
}
