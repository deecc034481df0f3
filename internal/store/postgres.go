// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Schema is managed by golang-migrate from embedded migration files

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver used by the migrator
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore applies pending migrations and opens a connection pool.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	if err := runPostgresMigrations(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = 1 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", pgErr(err))
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}, nil
}

// runPostgresMigrations applies all pending migrations from the embedded files.
func runPostgresMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("could not open db for migration: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("could not create migrate driver: %w", err)
	}

	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("could not read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// isSerializationFailure reports errors Postgres expects the client to retry.
func isSerializationFailure(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// isTransient reports connection level failures.
func isTransient(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return strings.HasPrefix(pe.Code, "08") || strings.HasPrefix(pe.Code, "57P0")
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return pgconn.Timeout(err)
}

// pgErr maps driver errors onto store sentinels.
func pgErr(err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case isTransient(err):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func scanPgConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var a, b, status string
	var lastMessage, unread []byte

	if err := row.Scan(&conv.ID, &a, &b, &conv.ScopeRef, &lastMessage,
		&unread, &conv.MessageSeq, &status, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.ParticipantIDs = []string{a, b}
	conv.Status = ConversationStatus(status)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	if len(lastMessage) > 0 {
		conv.LastMessage = &LastMessage{}
		if err := json.Unmarshal(lastMessage, conv.LastMessage); err != nil {
			return nil, fmt.Errorf("decoding last_message: %w", err)
		}
	}
	conv.UnreadCounts = map[string]int{}
	if len(unread) > 0 {
		if err := json.Unmarshal(unread, &conv.UnreadCounts); err != nil {
			return nil, fmt.Errorf("decoding unread_counts: %w", err)
		}
	}
	return &conv, nil
}

func encodePgConversationState(conv *Conversation) (lastMessage, unread []byte, err error) {
	if conv.LastMessage != nil {
		if lastMessage, err = json.Marshal(conv.LastMessage); err != nil {
			return nil, nil, fmt.Errorf("encoding last_message: %w", err)
		}
	}
	counts := conv.UnreadCounts
	if counts == nil {
		counts = map[string]int{}
	}
	if unread, err = json.Marshal(counts); err != nil {
		return nil, nil, fmt.Errorf("encoding unread_counts: %w", err)
	}
	return lastMessage, unread, nil
}

// CreateConversationIfAbsent inserts conv unless it already exists.
func (s *PostgresStore) CreateConversationIfAbsent(ctx context.Context, conv *Conversation) (bool, error) {
	if err := validateConversation(conv); err != nil {
		return false, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}

	lastMessage, unread, err := encodePgConversationState(conv)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`, conv.ID, conv.ParticipantIDs[0], conv.ParticipantIDs[1], conv.ScopeRef,
		lastMessage, unread, conv.MessageSeq, string(conv.Status), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting conversation: %w", pgErr(err))
	}

	created := tag.RowsAffected() > 0
	if created {
		s.logger.Debug("created conversation", "id", conv.ID, "scope_ref", conv.ScopeRef)
	}
	return created, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying conversation: %w", pgErr(err))
	}
	return conv, nil
}

// ListConversationsByParticipant returns conversations most recently updated first.
func (s *PostgresStore) ListConversationsByParticipant(ctx context.Context, participantID string, limit int) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC, id ASC
		LIMIT $2
	`, participantID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", pgErr(err))
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", pgErr(err))
	}
	return out, nil
}

// SetConversationStatus updates the archive flag.
func (s *PostgresStore) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", pgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

func scanPgMessage(row rowScanner) (*Message, error) {
	var msg Message
	var attachment []byte
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderID,
		&msg.Body, &attachment, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if len(attachment) > 0 {
		msg.Attachment = &Attachment{}
		if err := json.Unmarshal(attachment, msg.Attachment); err != nil {
			return nil, fmt.Errorf("decoding attachment: %w", err)
		}
	}
	return &msg, nil
}

// ListMessages returns the newest q.Limit messages of the window in ascending order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	return listPgMessages(ctx, s.pool, conversationID, q)
}

func listPgMessages(ctx context.Context, db pgQuerier, conversationID string, q MessageQuery) ([]*Message, error) {
	var limit any // NULL means no limit
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND seq > $2 AND ($3::bigint = 0 OR seq < $3)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`, conversationID, q.AfterSeq, q.BeforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", pgErr(err))
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", pgErr(err))
	}
	slices.Reverse(out)
	return out, nil
}

func scanPgWatermark(row rowScanner) (*ReadWatermark, error) {
	var wm ReadWatermark
	if err := row.Scan(&wm.ConversationID, &wm.ParticipantID, &wm.Seq, &wm.ReadAt, &wm.UpdatedAt); err != nil {
		return nil, err
	}
	wm.ReadAt = wm.ReadAt.UTC()
	wm.UpdatedAt = wm.UpdatedAt.UTC()
	return &wm, nil
}

// GetWatermark returns the participant's watermark or ErrNotFound.
func (s *PostgresStore) GetWatermark(ctx context.Context, conversationID, participantID string) (*ReadWatermark, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = $1 AND participant_id = $2`,
		conversationID, participantID)
	wm, err := scanPgWatermark(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying watermark: %w", pgErr(err))
	}
	return wm, nil
}

// ListWatermarks returns all watermarks for a conversation.
func (s *PostgresStore) ListWatermarks(ctx context.Context, conversationID string) ([]*ReadWatermark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = $1 ORDER BY participant_id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying watermarks: %w", pgErr(err))
	}
	defer rows.Close()

	var out []*ReadWatermark
	for rows.Next() {
		wm, err := scanPgWatermark(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning watermark: %w", err)
		}
		out = append(out, wm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating watermarks: %w", pgErr(err))
	}
	return out, nil
}

// UpsertParticipant caches display metadata.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, display_name, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at
	`, p.ID, p.DisplayName, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting participant: %w", pgErr(err))
	}
	return nil
}

// GetParticipants returns cached metadata for the known ids.
func (s *PostgresStore) GetParticipants(ctx context.Context, ids []string) (map[string]*Participant, error) {
	out := make(map[string]*Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, updated_at FROM participants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", pgErr(err))
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		out[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", pgErr(err))
	}
	return out, nil
}

// Transact locks the conversation row with SELECT ... FOR UPDATE and retries
// the whole transaction on serialization failures and deadlocks.
func (s *PostgresStore) Transact(ctx context.Context, conversationID string, fn func(Tx) error) error {
	return withRetry(ctx, defaultTxAttempts, isSerializationFailure, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return s.transactOnce(ctx, tx, conversationID, fn)
		})
	})
}

func (s *PostgresStore) transactOnce(ctx context.Context, tx pgx.Tx, conversationID string, fn func(Tx) error) error {
	row := tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, conversationID)
	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("loading conversation: %w", pgErr(err))
	}

	ptx := &pgTx{ctx: ctx, tx: tx, conv: conv, now: s.now().UTC().Truncate(time.Microsecond)}
	if err := fn(ptx); err != nil {
		return err
	}

	lastMessage, unread, err := encodePgConversationState(conv)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET last_message = $1, unread_counts = $2, message_seq = $3, status = $4, updated_at = $5
		WHERE id = $6
	`, lastMessage, unread, conv.MessageSeq, string(conv.Status), conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", pgErr(err))
	}
	return nil
}

// pgTx is the Tx handed to Transact callbacks
type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	conv *Conversation
	now  time.Time
}

func (t *pgTx) Conversation() *Conversation { return t.conv }

func (t *pgTx) Now() time.Time { return t.now }

func (t *pgTx) LatestMessage() (*Message, error) {
	row := t.tx.QueryRow(t.ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, t.conv.ID)
	msg, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", pgErr(err))
	}
	return msg, nil
}

func (t *pgTx) InsertMessage(msg *Message) error {
	latest, err := t.LatestMessage()
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = t.conv.ID
	msg.Seq, msg.CreatedAt = nextPosition(t.conv, latest, t.now)

	var attachment []byte
	if msg.Attachment != nil {
		if attachment, err = json.Marshal(msg.Attachment); err != nil {
			return fmt.Errorf("encoding attachment: %w", err)
		}
	}

	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Body, attachment, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting message %s: %w", msg.ID, ErrConflict)
		}
		return fmt.Errorf("inserting message: %w", pgErr(err))
	}

	t.conv.MessageSeq = msg.Seq
	return nil
}

func (t *pgTx) Watermark(participantID string) (*ReadWatermark, error) {
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+watermarkColumns+` FROM read_watermarks WHERE conversation_id = $1 AND participant_id = $2`,
		t.conv.ID, participantID)
	wm, err := scanPgWatermark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark: %w", pgErr(err))
	}
	return wm, nil
}

func (t *pgTx) PutWatermark(wm *ReadWatermark) error {
	wm.ConversationID = t.conv.ID
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = t.now
	}
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO read_watermarks (`+watermarkColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, participant_id) DO UPDATE
		SET seq = EXCLUDED.seq, read_at = EXCLUDED.read_at, updated_at = EXCLUDED.updated_at
	`, wm.ConversationID, wm.ParticipantID, wm.Seq, wm.ReadAt, wm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("writing watermark: %w", pgErr(err))
	}
	return nil
}
