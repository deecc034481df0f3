// ABOUTME: Messaging Service wiring store, change bus, uploads and fan-out hubs
// ABOUTME: Holds the public error taxonomy and shared notice publishing

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/tenantline/internal/attachment"
	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/store"
)

var (
	// ErrConversationNotFound is returned for unknown or stale conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAttachmentUploadFailed wraps pipeline errors. No message is written.
	ErrAttachmentUploadFailed = errors.New("attachment upload failed")

	// ErrNotMember is returned when the caller is not one of the two participants.
	ErrNotMember = errors.New("not a member of this conversation")

	// ErrInvalidParticipants is returned when ids are empty or identical.
	ErrInvalidParticipants = errors.New("conversation needs two distinct participants")

	// ErrEmptyMessage is returned for a send with no body and no attachment.
	ErrEmptyMessage = errors.New("message has no body or attachment")

	// ErrMessageTooLarge is returned when the body exceeds MaxBodyBytes.
	ErrMessageTooLarge = errors.New("message body too large")

	// errWatermarkRegression marks a read that would not advance the
	// watermark. It never leaves this package.
	errWatermarkRegression = errors.New("watermark regression")
)

// Config tunes the service. Zero values fall back to defaults.
type Config struct {
	MaxBodyBytes int // default 16 KiB
	ListLimit    int // conversations per list snapshot, default 200
	HistoryLimit int // messages per thread snapshot, default 500
	Fanout       fanout.Config
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 16 << 10
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 200
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 500
	}
	if c.Fanout.Retryable == nil {
		c.Fanout.Retryable = store.IsUnavailable
	}
	return c
}

// Service is the messaging core consumed by UI surfaces.
type Service struct {
	store   store.Store
	bus     notify.Bus
	uploads attachment.Pipeline
	cfg     Config
	logger  *slog.Logger

	creates       singleflight.Group
	messages      *fanout.Hub[*store.Message]
	conversations *fanout.Hub[ConversationView]
}

// New creates a Service. uploads may be nil, in which case sends with an
// attachment fail with ErrAttachmentUploadFailed.
func New(st store.Store, bus notify.Bus, uploads attachment.Pipeline, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		store:   st,
		bus:     bus,
		uploads: uploads,
		cfg:     cfg,
		logger:  logger.With("component", "messaging"),
	}
	s.messages = fanout.NewHub("messages", s.messageSource, cfg.Fanout, logger)
	s.conversations = fanout.NewHub("conversations", s.conversationSource, cfg.Fanout, logger)
	return s
}

// Close ends every live subscription.
func (s *Service) Close() {
	s.messages.Close()
	s.conversations.Close()
}

// ConversationFor loads a conversation on behalf of participantID.
func (s *Service) ConversationFor(ctx context.Context, conversationID, participantID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(participantID) {
		return nil, ErrNotMember
	}
	return conv, nil
}

// notifyMembers publishes a change on the conversation topic and on each
// member's participant topic. Notices only trigger re-queries, so a failed
// publish is logged and otherwise ignored.
func (s *Service) notifyMembers(ctx context.Context, conv *store.Conversation, c notify.Change) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	c.ConversationID = conv.ID

	ctx = context.WithoutCancel(ctx)
	topics := make([]string, 0, 1+len(conv.ParticipantIDs))
	topics = append(topics, notify.ConversationTopic(conv.ID))
	for _, p := range conv.ParticipantIDs {
		topics = append(topics, notify.ParticipantTopic(p))
	}
	for _, topic := range topics {
		if err := s.bus.Publish(ctx, topic, c); err != nil {
			s.logger.Warn("failed to publish change", "topic", topic, "kind", c.Kind, "error", err)
		}
	}
}

// subscribeChanges opens a bus subscription for a Source. Bus failures are
// reported as store unavailability so the fan-out retries them.
func (s *Service) subscribeChanges(ctx context.Context, topic string) (<-chan notify.Change, func(), error) {
	ch, cancel, err := s.bus.Subscribe(ctx, topic)
	if err != nil {
		if errors.Is(err, notify.ErrClosed) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: subscribing to %s: %w", store.ErrUnavailable, topic, err)
	}
	return ch, cancel, nil
}

// awaitChange blocks until a notice arrives, swallowing any that queued up
// behind it so one re-query covers a burst.
func awaitChange(ctx context.Context, ch <-chan notify.Change) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: change feed closed", store.ErrUnavailable)
		}
	}
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

// storeErr maps store sentinels onto the public taxonomy.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}
