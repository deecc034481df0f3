// ABOUTME: Store interface and data types for tenantline conversation persistence
// ABOUTME: Defines Conversation, Message, ReadWatermark and the transactional Store contract

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps transient backend failures (connection loss, timeouts,
// busy databases). Callers may retry operations that fail with it.
var ErrUnavailable = errors.New("store unavailable")

// ErrConflict is returned when a transaction kept conflicting with concurrent
// writers and the retry budget ran out.
var ErrConflict = errors.New("transaction conflict")

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ConversationStatus is the lifecycle flag on a conversation. Conversations
// are never erased; archiving only flips this flag.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
)

// AttachmentKind classifies an attachment for rendering
type AttachmentKind string

const (
	AttachmentKindImage AttachmentKind = "image"
	AttachmentKindFile  AttachmentKind = "file"
	AttachmentKindAudio AttachmentKind = "audio"
)

// Attachment is a persisted blob referenced by a message. All fields are
// populated only after the attachment pipeline has stored the blob.
type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	URL         string         `json:"url"`
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type,omitempty"`
}

// LastMessage is the denormalized summary of the newest message in a conversation
type LastMessage struct {
	MessageID      string         `json:"message_id"`
	Body           string         `json:"body"`
	SenderID       string         `json:"sender_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Read           bool           `json:"read"`
	AttachmentKind AttachmentKind `json:"attachment_kind,omitempty"`
}

// Conversation is the canonical thread between exactly two participants,
// optionally scoped to a property reference.
type Conversation struct {
	ID             string
	ParticipantIDs []string // exactly two, sorted ascending
	ScopeRef       string   // empty when unscoped
	LastMessage    *LastMessage
	UnreadCounts   map[string]int
	MessageSeq     int64 // seq of the newest message, 0 when empty
	Status         ConversationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether id is one of the two members.
func (c *Conversation) HasParticipant(id string) bool {
	return slices.Contains(c.ParticipantIDs, id)
}

// OtherParticipant returns the member that is not id, or "" if id is not a member.
func (c *Conversation) OtherParticipant(id string) string {
	if !c.HasParticipant(id) {
		return ""
	}
	for _, p := range c.ParticipantIDs {
		if p != id {
			return p
		}
	}
	return ""
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// Message is an immutable entry in a conversation's log. Seq and CreatedAt
// are assigned by the store inside the write transaction.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	CreatedAt      time.Time
	Body           string
	Attachment     *Attachment
	ReadBy         []string // derived from watermarks on read, never stored
}

// Key identifies the message for de-duplication across snapshots.
func (m *Message) Key() string { return m.ID }

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	out.ReadBy = slices.Clone(m.ReadBy)
	return &out
}

// ReadWatermark records the newest message a participant has acknowledged in
// a conversation. It only ever moves forward.
type ReadWatermark struct {
	ConversationID string
	ParticipantID  string
	Seq            int64     // seq of the last acknowledged message
	ReadAt         time.Time // CreatedAt of the last acknowledged message
	UpdatedAt      time.Time
}

// Covers reports whether the watermark acknowledges the message at seq.
func (w *ReadWatermark) Covers(seq int64) bool {
	return w != nil && w.Seq >= seq
}

// Participant is the cached display metadata for an identity-provider user
type Participant struct {
	ID          string
	DisplayName string
	UpdatedAt   time.Time
}

// MessageQuery selects a window of a conversation's messages.
// Results are always returned in ascending (CreatedAt, Seq) order.
type MessageQuery struct {
	AfterSeq  int64 // only messages with Seq > AfterSeq
	BeforeSeq int64 // only messages with Seq < BeforeSeq (0 = no upper bound)
	Limit     int   // newest Limit messages of the window (0 = all)
}

// Tx is a read-modify-write view over one conversation. Mutations made to
// Conversation() are persisted when the transaction function returns nil.
// The function may be invoked more than once when the backend retries on
// conflict, so it must not have side effects outside the Tx.
type Tx interface {
	// Conversation returns the loaded, mutable copy of the conversation.
	Conversation() *Conversation

	// LatestMessage returns the newest message, or nil when the conversation is empty.
	LatestMessage() (*Message, error)

	// InsertMessage appends msg, assigning its Seq and CreatedAt from the
	// store clock. CreatedAt never goes below the previous message's.
	InsertMessage(msg *Message) error

	// Watermark returns the participant's watermark, or nil when none exists.
	Watermark(participantID string) (*ReadWatermark, error)

	// PutWatermark writes the watermark unconditionally; callers do the
	// monotonic comparison against Watermark() first.
	PutWatermark(wm *ReadWatermark) error

	// Now is the store's clock for this transaction.
	Now() time.Time
}

// Store defines the persistence contract consumed by the messaging core
type Store interface {
	// Conversations
	CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (created bool, err error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsByParticipant(ctx context.Context, participantID string, limit int) ([]*Conversation, error)
	SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error

	// Messages
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error)

	// Read state
	GetWatermark(ctx context.Context, conversationID, participantID string) (*ReadWatermark, error)
	ListWatermarks(ctx context.Context, conversationID string) ([]*ReadWatermark, error)

	// Participants
	UpsertParticipant(ctx context.Context, p *Participant) error
	GetParticipants(ctx context.Context, ids []string) (map[string]*Participant, error)

	// Transact runs fn against the conversation with retry on conflict.
	// Returns ErrNotFound if the conversation does not exist.
	Transact(ctx context.Context, conversationID string, fn func(Tx) error) error

	// Ping checks backend connectivity
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// nextPosition computes the Seq and CreatedAt for a message appended after
// latest. Seq is strictly increasing; CreatedAt is clamped so it never goes
// below the previous message even if the clock stepped backwards.
func nextPosition(conv *Conversation, latest *Message, now time.Time) (int64, time.Time) {
	seq := conv.MessageSeq + 1
	if latest != nil && latest.Seq >= seq {
		seq = latest.Seq + 1
	}
	createdAt := now.UTC()
	if latest != nil && createdAt.Before(latest.CreatedAt) {
		createdAt = latest.CreatedAt
	}
	return seq, createdAt
}

// validateConversation checks the shape every backend relies on for the
// pair uniqueness index.
func validateConversation(conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("conversation id is required")
	}
	p := conv.ParticipantIDs
	if len(p) != 2 || p[0] == "" || p[1] == "" || p[0] >= p[1] {
		return errors.New("conversation needs two distinct participants in ascending order")
	}
	return nil
}

// normalizeLimit clamps list limits the same way across backends.
// If limit is 0 or negative, a default of 100 is used.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
