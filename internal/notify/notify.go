// ABOUTME: Change notice type, topic naming and the Bus interface
// ABOUTME: Shared by the local, Redis and NATS implementations

package notify

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("notify: bus closed")

// Kind identifies what changed
type Kind string

const (
	KindMessage      Kind = "message"
	KindRead         Kind = "read"
	KindConversation Kind = "conversation"

	// KindResync means notices may have been lost, for example while a
	// networked bus was reconnecting. It carries no conversation.
	KindResync Kind = "resync"
)

// Change is a notice that something under a topic changed.
type Change struct {
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ParticipantID  string    `json:"participant_id,omitempty"`
	At             time.Time `json:"at"`
}

// ConversationTopic is the topic for changes inside one conversation.
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// ParticipantTopic is the topic for changes to any of a participant's conversations.
func ParticipantTopic(participantID string) string {
	return "participant." + participantID
}

// Bus publishes and subscribes to change notices.
type Bus interface {
	// Publish delivers c to current subscribers of topic. It does not wait
	// for subscribers to consume the notice.
	Publish(ctx context.Context, topic string, c Change) error

	// Subscribe registers for notices on topic. The subscription is active
	// when Subscribe returns. cancel is idempotent; the subscription is also
	// cancelled when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Change, func(), error)

	// Close cancels every subscription and releases the backend.
	Close() error
}
