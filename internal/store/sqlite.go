// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation, message and watermark persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			scope_ref     TEXT NOT NULL DEFAULT '',
			last_message  TEXT,
			unread_counts TEXT NOT NULL DEFAULT '{}',
			message_seq   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (participant_a < participant_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair_scope
			ON conversations(participant_a, participant_b, scope_ref);
		CREATE INDEX IF NOT EXISTS idx_conversations_a
			ON conversations(participant_a, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_b
			ON conversations(participant_b, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL,
			attachment      TEXT,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS read_watermarks (
			conversation_id TEXT NOT NULL,
			participant_id  TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			read_at         TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (conversation_id, participant_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE TABLE IF NOT EXISTS participants (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "status",
			apply:  `ALTER TABLE conversations ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isBusy reports lock contention from another connection or process.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked")
}

// sqliteErr maps driver errors onto store sentinels.
func sqliteErr(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isBusy(err), errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, participant_a, participant_b, scope_ref, last_message,
	unread_counts, message_seq, status, created_at, updated_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var a, b, unread, status, createdAt, updatedAt string
	var lastMessage sql.NullString

	if err := row.Scan(&conv.ID, &a, &b, &conv.ScopeRef, &lastMessage,
		&unread, &conv.MessageSeq, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	conv.ParticipantIDs = []string{a, b}
	conv.Status = ConversationStatus(status)

	if lastMessage.Valid && lastMessage.String != "" {
		conv.LastMessage = &LastMessage{}
		if err := json.Unmarshal([]byte(lastMessage.String), conv.LastMessage); err != nil {
			return nil, fmt.Errorf("decoding last_message: %w", err)
		}
	}
	conv.UnreadCounts = map[string]int{}
	if err := json.Unmarshal([]byte(unread), &conv.UnreadCounts); err != nil {
		return nil, fmt.Errorf("decoding unread_counts: %w", err)
	}

	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// encodeConversationState renders the mutable JSON columns
func encodeConversationState(conv *Conversation) (lastMessage sql.NullString, unread string, err error) {
	if conv.LastMessage != nil {
		data, err := json.Marshal(conv.LastMessage)
		if err != nil {
			return lastMessage, "", fmt.Errorf("encoding last_message: %w", err)
		}
		lastMessage = sql.NullString{String: string(data), Valid: true}
	}
	counts := conv.UnreadCounts
	if counts == nil {
		counts = map[string]int{}
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return lastMessage, "", fmt.Errorf("encoding unread_counts: %w", err)
	}
	return lastMessage, string(data), nil
}

// CreateConversationIfAbsent inserts conv unless a row with the same id (or
// the same participant pair and scope) already exists.
func (s *SQLiteStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (bool, error) {
	if err := validateConversation(conv); err != nil {
		return false, err
	}
	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}

	lastMessage, unread, err := encodeConversationState(conv)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ParticipantIDs[0],
		conv.ParticipantIDs[1],
		conv.ScopeRef,
		lastMessage,
		unread,
		conv.MessageSeq,
		string(conv.Status),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return false, sqliteErr("inserting conversation", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("created conversation", "id", conv.ID, "scope_ref", conv.ScopeRef)
	}
	return n > 0, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, sqliteErr("querying conversation", err)
	}
	return conv, nil
}

// ListConversationsByParticipant returns the participant's conversations,
// most recently updated first.
func (s *SQLiteStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, participantID, participantID, normalizeLimit(limit))
	if err != nil {
		return nil, sqliteErr("querying conversations", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterating conversations", err)
	}
	return out, nil
}

// SetConversationStatus flips the archive flag without touching messages.
func (s *SQLiteStore) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return sqliteErr("updating conversation status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `id, conversation_id, seq, sender_id, body, attachment, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var attachment sql.NullString
	var createdAt string

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderID,
		&msg.Body, &attachment, &createdAt); err != nil {
		return nil, err
	}
	if attachment.Valid && attachment.String != "" {
		msg.Attachment = &Attachment{}
		if err := json.Unmarshal([]byte(attachment.String), msg.Attachment); err != nil {
			return nil, fmt.Errorf("decoding attachment: %w", err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.CreatedAt = t
	return &msg, nil
}

// ListMessages returns the newest q.Limit messages of the window, in
// ascending (created_at, seq) order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	return listSQLiteMessages(ctx, s.db, conversationID, q)
}

func listSQLiteMessages(ctx context.Context, db queryer, conversationID string, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ? AND seq > ? AND (? = 0 OR seq < ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	rows, err := db.QueryContext(ctx, query, conversationID, q.AfterSeq, q.BeforeSeq, q.BeforeSeq, limit)
	if err != nil {
		return nil, sqliteErr("querying messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterating messages", err)
	}
	return out, nil
}

const watermarkColumns = `conversation_id, participant_id, seq, read_at, updated_at`

func scanWatermark(row rowScanner) (*ReadWatermark, error) {
	var wm ReadWatermark
	var readAt, updatedAt string
	if err := row.Scan(&wm.ConversationID, &wm.ParticipantID, &wm.Seq, &readAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if wm.ReadAt, err = parseTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if wm.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &wm, nil
}

// GetWatermark returns the participant's watermark or ErrNotFound.
func (s *SQLiteStore) GetWatermark(ctx context.Context, conversationID, participantID string) (*ReadWatermark, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = ? AND participant_id = ?`,
		conversationID, participantID)
	wm, err := scanWatermark(row)
	if err != nil {
		return nil, sqliteErr("querying watermark", err)
	}
	return wm, nil
}

// ListWatermarks returns every watermark recorded for the conversation.
func (s *SQLiteStore) ListWatermarks(ctx context.Context, conversationID string) ([]*ReadWatermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = ? ORDER BY participant_id`,
		conversationID)
	if err != nil {
		return nil, sqliteErr("querying watermarks", err)
	}
	defer rows.Close()

	var out []*ReadWatermark
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning watermark: %w", err)
		}
		out = append(out, wm)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterating watermarks", err)
	}
	return out, nil
}

// UpsertParticipant caches display metadata for a participant.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, display_name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at
	`, p.ID, p.DisplayName, formatTime(p.UpdatedAt))
	if err != nil {
		return sqliteErr("upserting participant", err)
	}
	return nil
}

// GetParticipants returns cached metadata keyed by id. Unknown ids are absent.
func (s *SQLiteStore) GetParticipants(ctx context.Context, ids []string) (map[string]*Participant, error) {
	out := make(map[string]*Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, updated_at FROM participants WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, sqliteErr("querying participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.DisplayName, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterating participants", err)
	}
	return out, nil
}

// Transact runs fn in a write transaction over one conversation. The
// conversation row is written back when fn returns nil.
func (s *SQLiteStore) Transact(ctx context.Context, conversationID string, fn func(Tx) error) error {
	return withRetry(ctx, defaultTxAttempts, isBusy, func() error {
		return s.transactOnce(ctx, conversationID, fn)
	})
}

func (s *SQLiteStore) transactOnce(ctx context.Context, conversationID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr("beginning transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return sqliteErr("loading conversation", err)
	}

	stx := &sqliteTx{ctx: ctx, tx: tx, conv: conv, now: s.now().UTC()}
	if err := fn(stx); err != nil {
		return err
	}

	lastMessage, unread, err := encodeConversationState(conv)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, unread_counts = ?, message_seq = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, lastMessage, unread, conv.MessageSeq, string(conv.Status), formatTime(conv.UpdatedAt), conv.ID)
	if err != nil {
		return sqliteErr("updating conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return sqliteErr("committing transaction", err)
	}
	return nil
}

// sqliteTx is the Tx handed to Transact callbacks
type sqliteTx struct {
	ctx  context.Context
	tx   *sql.Tx
	conv *Conversation
	now  time.Time
}

func (t *sqliteTx) Conversation() *Conversation { return t.conv }

func (t *sqliteTx) Now() time.Time { return t.now }

func (t *sqliteTx) LatestMessage() (*Message, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, t.conv.ID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr("querying latest message", err)
	}
	return msg, nil
}

func (t *sqliteTx) InsertMessage(msg *Message) error {
	latest, err := t.LatestMessage()
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = t.conv.ID
	msg.Seq, msg.CreatedAt = nextPosition(t.conv, latest, t.now)

	var attachment sql.NullString
	if msg.Attachment != nil {
		data, err := json.Marshal(msg.Attachment)
		if err != nil {
			return fmt.Errorf("encoding attachment: %w", err)
		}
		attachment = sql.NullString{String: string(data), Valid: true}
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Body, attachment, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting message %s: %w", msg.ID, ErrConflict)
		}
		return sqliteErr("inserting message", err)
	}

	t.conv.MessageSeq = msg.Seq
	return nil
}

func (t *sqliteTx) Watermark(participantID string) (*ReadWatermark, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = ? AND participant_id = ?`,
		t.conv.ID, participantID)
	wm, err := scanWatermark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr("querying watermark", err)
	}
	return wm, nil
}

func (t *sqliteTx) PutWatermark(wm *ReadWatermark) error {
	wm.ConversationID = t.conv.ID
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = t.now
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO read_watermarks (`+watermarkColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, participant_id) DO UPDATE
		SET seq = excluded.seq, read_at = excluded.read_at, updated_at = excluded.updated_at
	`, wm.ConversationID, wm.ParticipantID, wm.Seq, formatTime(wm.ReadAt), formatTime(wm.UpdatedAt))
	if err != nil {
		return sqliteErr("writing watermark", err)
	}
	return nil
}
