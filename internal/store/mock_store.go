// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation             // keyed by conversation ID
	pairIndex     map[string]string                    // keyed by "a\x00b\x00scope" -> conversation ID
	messages      map[string][]*Message                // keyed by conversation ID, ascending
	watermarks    map[string]map[string]*ReadWatermark // conversation ID -> participant ID
	participants  map[string]*Participant              // keyed by participant ID

	now     func() time.Time
	failure func(op string) error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
		watermarks:    make(map[string]map[string]*ReadWatermark),
		participants:  make(map[string]*Participant),
		now:           time.Now,
	}
}

// SetClock replaces the store clock. Tests use it to simulate clock skew.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetFailure installs a hook consulted at the start of every operation.
// Returning a non-nil error fails that operation. Pass nil to clear.
func (m *MockStore) SetFailure(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

func (m *MockStore) fail(op string) error {
	if m.failure == nil {
		return nil
	}
	return m.failure(op)
}

func pairKey(conv *Conversation) string {
	return conv.ParticipantIDs[0] + "\x00" + conv.ParticipantIDs[1] + "\x00" + conv.ScopeRef
}

// CreateConversationIfAbsent stores conv unless it already exists.
func (m *MockStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("CreateConversationIfAbsent"); err != nil {
		return false, err
	}
	if err := validateConversation(conv); err != nil {
		return false, err
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return false, nil
	}
	if _, ok := m.pairIndex[pairKey(conv)]; ok {
		return false, nil
	}

	now := m.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}

	// Make a copy to avoid external modification
	m.conversations[conv.ID] = conv.Clone()
	m.pairIndex[pairKey(conv)] = conv.ID
	return true, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetConversation"); err != nil {
		return nil, err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ListConversationsByParticipant returns conversations most recently updated first.
func (m *MockStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("ListConversationsByParticipant"); err != nil {
		return nil, err
	}

	var out []*Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(participantID) {
			out = append(out, conv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	limit = normalizeLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetConversationStatus updates the archive flag.
func (m *MockStore) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("SetConversationStatus"); err != nil {
		return err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	return nil
}

// ListMessages returns the newest q.Limit messages of the window in ascending order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("ListMessages"); err != nil {
		return nil, err
	}
	return windowMessages(m.messages[conversationID], q), nil
}

// windowMessages filters an ascending log by the query.
func windowMessages(all []*Message, q MessageQuery) []*Message {
	var out []*Message
	for _, msg := range all {
		if msg.Seq <= q.AfterSeq {
			continue
		}
		if q.BeforeSeq > 0 && msg.Seq >= q.BeforeSeq {
			continue
		}
		out = append(out, msg.Clone())
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// GetWatermark returns the participant's watermark or ErrNotFound.
func (m *MockStore) GetWatermark(ctx context.Context, conversationID, participantID string) (*ReadWatermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetWatermark"); err != nil {
		return nil, err
	}
	wm, ok := m.watermarks[conversationID][participantID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *wm
	return &c, nil
}

// ListWatermarks returns all watermarks for a conversation ordered by participant.
func (m *MockStore) ListWatermarks(ctx context.Context, conversationID string) ([]*ReadWatermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("ListWatermarks"); err != nil {
		return nil, err
	}
	var out []*ReadWatermark
	for _, wm := range m.watermarks[conversationID] {
		c := *wm
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// UpsertParticipant caches display metadata.
func (m *MockStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("UpsertParticipant"); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now().UTC()
	}
	c := *p
	m.participants[p.ID] = &c
	return nil
}

// GetParticipants returns cached metadata for the known ids.
func (m *MockStore) GetParticipants(ctx context.Context, ids []string) (map[string]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetParticipants"); err != nil {
		return nil, err
	}
	out := make(map[string]*Participant, len(ids))
	for _, id := range ids {
		if p, ok := m.participants[id]; ok {
			c := *p
			out[id] = &c
		}
	}
	return out, nil
}

// Transact serialises fn under the store mutex. Staged writes are applied
// only when fn returns nil.
func (m *MockStore) Transact(ctx context.Context, conversationID string, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("Transact"); err != nil {
		return err
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	tx := &mockTx{
		store:      m,
		conv:       conv.Clone(),
		watermarks: make(map[string]*ReadWatermark),
		now:        m.now().UTC(),
	}
	if err := fn(tx); err != nil {
		return err
	}

	m.conversations[conversationID] = tx.conv.Clone()
	m.messages[conversationID] = append(m.messages[conversationID], tx.inserted...)
	if len(tx.watermarks) > 0 {
		if m.watermarks[conversationID] == nil {
			m.watermarks[conversationID] = make(map[string]*ReadWatermark)
		}
		for pid, wm := range tx.watermarks {
			m.watermarks[conversationID][pid] = wm
		}
	}
	return nil
}

// Ping always succeeds unless a failure is injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail("Ping")
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// mockTx stages writes until the Transact callback returns
type mockTx struct {
	store      *MockStore
	conv       *Conversation
	inserted   []*Message
	watermarks map[string]*ReadWatermark
	now        time.Time
}

func (t *mockTx) Conversation() *Conversation { return t.conv }

func (t *mockTx) Now() time.Time { return t.now }

func (t *mockTx) LatestMessage() (*Message, error) {
	if n := len(t.inserted); n > 0 {
		return t.inserted[n-1].Clone(), nil
	}
	msgs := t.store.messages[t.conv.ID]
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1].Clone(), nil
}

func (t *mockTx) InsertMessage(msg *Message) error {
	latest, _ := t.LatestMessage()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = t.conv.ID
	msg.Seq, msg.CreatedAt = nextPosition(t.conv, latest, t.now)
	msg.ReadBy = nil

	t.inserted = append(t.inserted, msg.Clone())
	t.conv.MessageSeq = msg.Seq
	return nil
}

func (t *mockTx) Watermark(participantID string) (*ReadWatermark, error) {
	if wm, ok := t.watermarks[participantID]; ok {
		c := *wm
		return &c, nil
	}
	wm, ok := t.store.watermarks[t.conv.ID][participantID]
	if !ok {
		return nil, nil
	}
	c := *wm
	return &c, nil
}

func (t *mockTx) PutWatermark(wm *ReadWatermark) error {
	wm.ConversationID = t.conv.ID
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = t.now
	}
	c := *wm
	t.watermarks[wm.ParticipantID] = &c
	return nil
}
