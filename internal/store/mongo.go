// ABOUTME: MongoDB implementation of the Store interface using the official v1 driver
// ABOUTME: Transact uses multi-document session transactions, so a replica set is required

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	mongoConversations = "conversations"
	mongoMessages      = "messages"
	mongoWatermarks    = "read_watermarks"
	mongoParticipants  = "participants"
)

// MongoStore implements the Store interface on MongoDB
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
	now    func() time.Time
}

// NewMongoStore connects to uri, selects database and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store", "driver", "mongo")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", mongoErr(err))
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		logger: logger,
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: creating indexes: %w", err)
	}

	logger.Info("Mongo store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		mongoConversations: {
			{
				Keys:    bson.D{{Key: "participant_a", Value: 1}, {Key: "participant_b", Value: 1}, {Key: "scope_ref", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("pair_scope"),
			},
			{
				Keys: bson.D{{Key: "participant_ids", Value: 1}, {Key: "updated_at", Value: -1}},
			},
		},
		mongoMessages: {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("conversation_seq"),
			},
			{
				Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}},
			},
		},
		mongoWatermarks: {
			{
				Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "participant_id", Value: 1}},
			},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	s.logger.Info("closing Mongo store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks connectivity to the primary
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// mongoErr maps driver errors onto store sentinels.
func mongoErr(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// bson documents

type mongoLastMessage struct {
	MessageID      string    `bson:"message_id"`
	Body           string    `bson:"body"`
	SenderID       string    `bson:"sender_id"`
	CreatedAt      time.Time `bson:"created_at"`
	Read           bool      `bson:"read"`
	AttachmentKind string    `bson:"attachment_kind,omitempty"`
}

type mongoConversation struct {
	ID             string            `bson:"_id"`
	ParticipantIDs []string          `bson:"participant_ids"`
	ParticipantA   string            `bson:"participant_a"`
	ParticipantB   string            `bson:"participant_b"`
	ScopeRef       string            `bson:"scope_ref"`
	LastMessage    *mongoLastMessage `bson:"last_message,omitempty"`
	UnreadCounts   map[string]int    `bson:"unread_counts"`
	MessageSeq     int64             `bson:"message_seq"`
	Status         string            `bson:"status"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

type mongoAttachment struct {
	Kind        string `bson:"kind"`
	URL         string `bson:"url"`
	Filename    string `bson:"filename"`
	Size        int64  `bson:"size"`
	ContentType string `bson:"content_type,omitempty"`
}

type mongoMessage struct {
	ID             string           `bson:"_id"`
	ConversationID string           `bson:"conversation_id"`
	Seq            int64            `bson:"seq"`
	SenderID       string           `bson:"sender_id"`
	Body           string           `bson:"body"`
	Attachment     *mongoAttachment `bson:"attachment,omitempty"`
	CreatedAt      time.Time        `bson:"created_at"`
}

type mongoWatermark struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	ParticipantID  string    `bson:"participant_id"`
	Seq            int64     `bson:"seq"`
	ReadAt         time.Time `bson:"read_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type mongoParticipant struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func watermarkDocID(conversationID, participantID string) string {
	return conversationID + "/" + participantID
}

func toMongoConversation(c *Conversation) *mongoConversation {
	doc := &mongoConversation{
		ID:             c.ID,
		ParticipantIDs: slices.Clone(c.ParticipantIDs),
		ParticipantA:   c.ParticipantIDs[0],
		ParticipantB:   c.ParticipantIDs[1],
		ScopeRef:       c.ScopeRef,
		UnreadCounts:   c.UnreadCounts,
		MessageSeq:     c.MessageSeq,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if doc.UnreadCounts == nil {
		doc.UnreadCounts = map[string]int{}
	}
	if lm := c.LastMessage; lm != nil {
		doc.LastMessage = &mongoLastMessage{
			MessageID:      lm.MessageID,
			Body:           lm.Body,
			SenderID:       lm.SenderID,
			CreatedAt:      lm.CreatedAt,
			Read:           lm.Read,
			AttachmentKind: string(lm.AttachmentKind),
		}
	}
	return doc
}

func (d *mongoConversation) toConversation() *Conversation {
	c := &Conversation{
		ID:             d.ID,
		ParticipantIDs: []string{d.ParticipantA, d.ParticipantB},
		ScopeRef:       d.ScopeRef,
		UnreadCounts:   d.UnreadCounts,
		MessageSeq:     d.MessageSeq,
		Status:         ConversationStatus(d.Status),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	if lm := d.LastMessage; lm != nil {
		c.LastMessage = &LastMessage{
			MessageID:      lm.MessageID,
			Body:           lm.Body,
			SenderID:       lm.SenderID,
			CreatedAt:      lm.CreatedAt.UTC(),
			Read:           lm.Read,
			AttachmentKind: AttachmentKind(lm.AttachmentKind),
		}
	}
	return c
}

func (d *mongoMessage) toMessage() *Message {
	m := &Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		Body:           d.Body,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if a := d.Attachment; a != nil {
		m.Attachment = &Attachment{
			Kind:        AttachmentKind(a.Kind),
			URL:         a.URL,
			Filename:    a.Filename,
			Size:        a.Size,
			ContentType: a.ContentType,
		}
	}
	return m
}

func (d *mongoWatermark) toWatermark() *ReadWatermark {
	return &ReadWatermark{
		ConversationID: d.ConversationID,
		ParticipantID:  d.ParticipantID,
		Seq:            d.Seq,
		ReadAt:         d.ReadAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

// mongoNow truncates to the millisecond precision BSON dates keep.
func (s *MongoStore) mongoNow() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateConversationIfAbsent inserts conv; a duplicate key means it already exists.
func (s *MongoStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (bool, error) {
	if err := validateConversation(conv); err != nil {
		return false, err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.mongoNow()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}

	_, err := s.db.Collection(mongoConversations).InsertOne(ctx, toMongoConversation(conv))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inserting conversation: %w", mongoErr(err))
	}
	s.logger.Debug("created conversation", "id", conv.ID, "scope_ref", conv.ScopeRef)
	return true, nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var doc mongoConversation
	err := s.db.Collection(mongoConversations).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", mongoErr(err))
	}
	return doc.toConversation(), nil
}

// ListConversationsByParticipant returns conversations most recently updated first.
func (s *MongoStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit int) ([]*Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cur, err := s.db.Collection(mongoConversations).Find(ctx, bson.M{"participant_ids": participantID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", mongoErr(err))
	}
	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", mongoErr(err))
	}

	out := make([]*Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toConversation())
	}
	return out, nil
}

// SetConversationStatus updates the archive flag.
func (s *MongoStore) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	res, err := s.db.Collection(mongoConversations).UpdateByID(ctx, id, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", mongoErr(err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns the newest q.Limit messages of the window in ascending order.
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	return s.listMessages(ctx, conversationID, q)
}

func (s *MongoStore) listMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	seq := bson.M{"$gt": q.AfterSeq}
	if q.BeforeSeq > 0 {
		seq["$lt"] = q.BeforeSeq
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.db.Collection(mongoMessages).Find(ctx, bson.M{"conversation_id": conversationID, "seq": seq}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", mongoErr(err))
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", mongoErr(err))
	}

	out := make([]*Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, docs[i].toMessage())
	}
	return out, nil
}

// GetWatermark returns the participant's watermark or ErrNotFound.
func (s *MongoStore) GetWatermark(ctx context.Context, conversationID, participantID string) (*ReadWatermark, error) {
	var doc mongoWatermark
	err := s.db.Collection(mongoWatermarks).
		FindOne(ctx, bson.M{"_id": watermarkDocID(conversationID, participantID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark: %w", mongoErr(err))
	}
	return doc.toWatermark(), nil
}

// ListWatermarks returns all watermarks for a conversation.
func (s *MongoStore) ListWatermarks(ctx context.Context, conversationID string) ([]*ReadWatermark, error) {
	opts := options.Find().SetSort(bson.D{{Key: "participant_id", Value: 1}})
	cur, err := s.db.Collection(mongoWatermarks).Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying watermarks: %w", mongoErr(err))
	}
	var docs []mongoWatermark
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding watermarks: %w", mongoErr(err))
	}
	out := make([]*ReadWatermark, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toWatermark())
	}
	return out, nil
}

// UpsertParticipant caches display metadata.
func (s *MongoStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.mongoNow()
	}
	doc := mongoParticipant{ID: p.ID, DisplayName: p.DisplayName, UpdatedAt: p.UpdatedAt}
	_, err := s.db.Collection(mongoParticipants).
		ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting participant: %w", mongoErr(err))
	}
	return nil
}

// GetParticipants returns cached metadata for the known ids.
func (s *MongoStore) GetParticipants(ctx context.Context, ids []string) (map[string]*Participant, error) {
	out := make(map[string]*Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.db.Collection(mongoParticipants).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", mongoErr(err))
	}
	var docs []mongoParticipant
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", mongoErr(err))
	}
	for _, d := range docs {
		out[d.ID] = &Participant{ID: d.ID, DisplayName: d.DisplayName, UpdatedAt: d.UpdatedAt.UTC()}
	}
	return out, nil
}

// Transact runs fn inside a session transaction. The driver retries
// transient transaction errors; a duplicate seq from a racing writer is
// retried here.
func (s *MongoStore) Transact(ctx context.Context, conversationID string, fn func(Tx) error) error {
	return withRetry(ctx, defaultTxAttempts, mongo.IsDuplicateKeyError, func() error {
		return s.transactOnce(ctx, conversationID, fn)
	})
}

func (s *MongoStore) transactOnce(ctx context.Context, conversationID string, fn func(Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", mongoErr(err))
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().SetWriteConcern(writeconcern.Majority())
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		var doc mongoConversation
		err := s.db.Collection(mongoConversations).FindOne(sc, bson.M{"_id": conversationID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}

		mtx := &mongoTx{store: s, ctx: sc, conv: doc.toConversation(), now: s.mongoNow()}
		if err := fn(mtx); err != nil {
			return nil, err
		}

		next := toMongoConversation(mtx.conv)
		update := bson.M{"$set": bson.M{
			"last_message":  next.LastMessage,
			"unread_counts": next.UnreadCounts,
			"message_seq":   next.MessageSeq,
			"status":        next.Status,
			"updated_at":    next.UpdatedAt,
		}}
		if _, err := s.db.Collection(mongoConversations).UpdateByID(sc, next.ID, update); err != nil {
			return nil, fmt.Errorf("updating conversation: %w", err)
		}
		return nil, nil
	}, txOpts)
	if err != nil {
		if errors.Is(err, ErrNotFound) || mongo.IsDuplicateKeyError(err) {
			return err
		}
		return mongoErr(err)
	}
	return nil
}

// mongoTx is the Tx handed to Transact callbacks
type mongoTx struct {
	store *MongoStore
	ctx   mongo.SessionContext
	conv  *Conversation
	now   time.Time
}

func (t *mongoTx) Conversation() *Conversation { return t.conv }

func (t *mongoTx) Now() time.Time { return t.now }

func (t *mongoTx) LatestMessage() (*Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}})
	var doc mongoMessage
	err := t.store.db.Collection(mongoMessages).FindOne(t.ctx, bson.M{"conversation_id": t.conv.ID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	return doc.toMessage(), nil
}

func (t *mongoTx) InsertMessage(msg *Message) error {
	latest, err := t.LatestMessage()
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = t.conv.ID
	msg.Seq, msg.CreatedAt = nextPosition(t.conv, latest, t.now)

	doc := mongoMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
	}
	if a := msg.Attachment; a != nil {
		doc.Attachment = &mongoAttachment{
			Kind:        string(a.Kind),
			URL:         a.URL,
			Filename:    a.Filename,
			Size:        a.Size,
			ContentType: a.ContentType,
		}
	}
	if _, err := t.store.db.Collection(mongoMessages).InsertOne(t.ctx, doc); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	t.conv.MessageSeq = msg.Seq
	return nil
}

func (t *mongoTx) Watermark(participantID string) (*ReadWatermark, error) {
	var doc mongoWatermark
	err := t.store.db.Collection(mongoWatermarks).
		FindOne(t.ctx, bson.M{"_id": watermarkDocID(t.conv.ID, participantID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark: %w", err)
	}
	return doc.toWatermark(), nil
}

func (t *mongoTx) PutWatermark(wm *ReadWatermark) error {
	wm.ConversationID = t.conv.ID
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = t.now
	}
	doc := mongoWatermark{
		ID:             watermarkDocID(wm.ConversationID, wm.ParticipantID),
		ConversationID: wm.ConversationID,
		ParticipantID:  wm.ParticipantID,
		Seq:            wm.Seq,
		ReadAt:         wm.ReadAt,
		UpdatedAt:      wm.UpdatedAt,
	}
	_, err := t.store.db.Collection(mongoWatermarks).
		ReplaceOne(t.ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	return nil
}
