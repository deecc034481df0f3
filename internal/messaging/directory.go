// ABOUTME: Conversation directory: idempotent create, archive and the live list
// ABOUTME: Lists are annotated with the other party's display name and unread count

package messaging

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

// ParticipantView is the display metadata of a conversation member.
type ParticipantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ConversationView is one row of a participant's conversation list.
type ConversationView struct {
	ID          string                   `json:"id"`
	ScopeRef    string                   `json:"scope_ref,omitempty"`
	Other       ParticipantView          `json:"other"`
	LastMessage *store.LastMessage       `json:"last_message,omitempty"`
	Unread      int                      `json:"unread"`
	Status      store.ConversationStatus `json:"status"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// Key identifies the row for de-duplication.
func (v ConversationView) Key() string { return v.ID }

// GetOrCreateConversation returns the canonical conversation between
// requesterID and otherID in scopeRef, creating it on first contact. Calls
// with the pair in either order converge on the same id.
func (s *Service) GetOrCreateConversation(ctx context.Context, requesterID, otherID, scopeRef string) (string, error) {
	if requesterID == "" || otherID == "" || requesterID == otherID {
		return "", ErrInvalidParticipants
	}
	id := ConversationID(requesterID, otherID, scopeRef)

	// Concurrent callers share one write; the keyed insert handles other processes.
	_, err, _ := s.creates.Do(id, func() (any, error) {
		a, b := sortPair(requesterID, otherID)
		conv := &store.Conversation{
			ID:             id,
			ParticipantIDs: []string{a, b},
			ScopeRef:       scopeRef,
			UnreadCounts:   map[string]int{a: 0, b: 0},
			Status:         store.ConversationStatusActive,
		}
		created, err := s.store.CreateConversationIfAbsent(context.WithoutCancel(ctx), conv)
		if err != nil {
			return nil, err
		}
		if created {
			s.logger.Info("conversation created", "conversation_id", id, "scope_ref", scopeRef)
			s.notifyMembers(ctx, conv, notify.Change{Kind: notify.KindConversation, At: conv.CreatedAt})
		}
		return created, nil
	})
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return id, nil
}

// ArchiveConversation flags the conversation as archived. The history is kept.
func (s *Service) ArchiveConversation(ctx context.Context, conversationID, participantID string) error {
	conv, err := s.ConversationFor(ctx, conversationID, participantID)
	if err != nil {
		return err
	}
	if conv.Status == store.ConversationStatusArchived {
		return nil
	}
	if err := s.store.SetConversationStatus(ctx, conversationID, store.ConversationStatusArchived); err != nil {
		return fmt.Errorf("archiving conversation: %w", storeErr(err))
	}
	s.notifyMembers(ctx, conv, notify.Change{Kind: notify.KindConversation, ParticipantID: participantID})
	return nil
}

// SubscribeToConversations streams participantID's conversations ordered by
// recency. Each snapshot is the complete list.
func (s *Service) SubscribeToConversations(ctx context.Context, participantID string) (*fanout.Stream[ConversationView], error) {
	if participantID == "" {
		return nil, ErrInvalidParticipants
	}
	return s.conversations.Subscribe(ctx, participantID)
}

// ListConversations is the one-shot form of SubscribeToConversations.
func (s *Service) ListConversations(ctx context.Context, participantID string) ([]ConversationView, error) {
	return s.loadConversations(ctx, participantID)
}

// conversationSource feeds the conversations hub for one participant.
func (s *Service) conversationSource(ctx context.Context, participantID string, emit func([]ConversationView)) error {
	changes, cancel, err := s.subscribeChanges(ctx, notify.ParticipantTopic(participantID))
	if err != nil {
		return err
	}
	defer cancel()

	for {
		views, err := s.loadConversations(ctx, participantID)
		if err != nil {
			return err
		}
		emit(views)
		if err := awaitChange(ctx, changes); err != nil {
			return err
		}
	}
}

func (s *Service) loadConversations(ctx context.Context, participantID string) ([]ConversationView, error) {
	convs, err := s.store.ListConversationsByParticipant(ctx, participantID, s.cfg.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	others := make([]string, 0, len(convs))
	for _, c := range convs {
		others = append(others, c.OtherParticipant(participantID))
	}
	names, err := s.store.GetParticipants(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		other := c.OtherParticipant(participantID)
		v := ConversationView{
			ID:          c.ID,
			ScopeRef:    c.ScopeRef,
			Other:       ParticipantView{ID: other},
			LastMessage: c.LastMessage,
			Unread:      c.UnreadCounts[participantID],
			Status:      c.Status,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
		if p, ok := names[other]; ok {
			v.Other.DisplayName = p.DisplayName
		}
		views = append(views, v)
	}
	slices.SortStableFunc(views, func(a, b ConversationView) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return views, nil
}

// RememberParticipant caches display metadata from the identity provider.
func (s *Service) RememberParticipant(ctx context.Context, id, displayName string) error {
	if id == "" {
		return ErrInvalidParticipants
	}
	return s.store.UpsertParticipant(ctx, &store.Participant{ID: id, DisplayName: displayName})
}
