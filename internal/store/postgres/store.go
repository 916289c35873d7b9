package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Compile-time check to ensure PostgresStore implements store.Store
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log.Named("postgres")}
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.db.Close()
	return nil
}

// --- Users ---

const getUserByID = `
SELECT id, email, name, created_at
FROM users
WHERE id = $1`

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRow(ctx, getUserByID, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("database error fetching user by id: %w", err)
	}
	return user, nil
}

const createUser = `
INSERT INTO users (id, email, name)
VALUES ($1, $2, $3)`

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if _, err := s.db.Exec(ctx, createUser, user.ID, user.Email, user.Name); err != nil {
		s.logPgError("CreateUser", err, zap.Stringer("user_id", user.ID))
		return fmt.Errorf("database error creating user: %w", err)
	}
	return nil
}

// --- Conversations ---

const insertConversation = `
INSERT INTO conversations (id)
VALUES ($1)
RETURNING created_at, updated_at`

const insertParticipant = `
INSERT INTO conversation_participants (conversation_id, user_id, position)
VALUES ($1, $2, $3)`

func (s *PostgresStore) CreateConversation(ctx context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op after commit

	conv := &models.Conversation{ID: arg.ID, Participants: append([]uuid.UUID(nil), arg.Participants...)}
	if err := tx.QueryRow(ctx, insertConversation, arg.ID).Scan(&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		s.logPgError("CreateConversation", err, zap.Stringer("conversation_id", arg.ID))
		return nil, fmt.Errorf("database error creating conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for i, p := range arg.Participants {
		batch.Queue(insertParticipant, arg.ID, p, i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		s.logPgError("CreateConversation", err, zap.Stringer("conversation_id", arg.ID))
		return nil, fmt.Errorf("database error adding participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conv, nil
}

const selectConversation = `
SELECT c.id, c.created_at, c.updated_at,
       ARRAY(SELECT p.user_id FROM conversation_participants p
             WHERE p.conversation_id = c.id ORDER BY p.position) AS participants
FROM conversations c`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Participants); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversationByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, selectConversation+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("database error fetching conversation: %w", err)
	}
	return c, nil
}

const findTwoPartyConversation = selectConversation + `
WHERE (SELECT COUNT(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2
  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
  AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
ORDER BY c.created_at
LIMIT 1`

func (s *PostgresStore) FindConversationByParticipants(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, findTwoPartyConversation, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("database error finding conversation: %w", err)
	}
	return c, nil
}

const listConversationsByUser = selectConversation + `
WHERE EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
ORDER BY c.updated_at DESC`

func (s *PostgresStore) ListConversationsByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.db.Query(ctx, listConversationsByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("database error listing conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

// --- Messages ---

const insertMessage = `
INSERT INTO messages (id, conversation_id, sender_id, content, iv, created_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
RETURNING id, conversation_id, sender_id, content, iv, created_at`

const touchConversation = `
UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`

func (s *PostgresStore) CreateMessage(ctx context.Context, arg store.CreateMessageParams) (*models.Message, error) {
	var createdAt *time.Time
	if !arg.CreatedAt.IsZero() {
		createdAt = &arg.CreatedAt
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	m := &models.Message{SeenBy: []models.SeenEntry{}}
	err = tx.QueryRow(ctx, insertMessage,
		arg.ID, arg.ConversationID, arg.SenderID, arg.Content, arg.IV, createdAt,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IV, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503 is foreign_key_violation: the conversation or sender does not exist.
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, store.ErrNotFound
		}
		s.logPgError("CreateMessage", err, zap.Stringer("conversation_id", arg.ConversationID))
		return nil, fmt.Errorf("database error creating message: %w", err)
	}

	if _, err := tx.Exec(ctx, touchConversation, m.ConversationID, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("database error updating conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return m, nil
}

const getMessageByID = `
SELECT id, conversation_id, sender_id, content, iv, created_at
FROM messages
WHERE id = $1`

func (s *PostgresStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m := models.Message{}
	err := s.db.QueryRow(ctx, getMessageByID, id).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IV, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("database error fetching message: %w", err)
	}
	msgs := []models.Message{m}
	if err := s.attachSeenBy(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

const listMessagesByConversation = `
SELECT id, conversation_id, sender_id, content, iv, created_at
FROM messages
WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC
LIMIT $3`

func (s *PostgresStore) ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, listMessagesByConversation, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("database error listing messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0, limit)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IV, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := s.attachSeenBy(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

const listSeenByMessages = `
SELECT message_id, user_id, seen_at
FROM message_seen
WHERE message_id = ANY($1)
ORDER BY seq`

// attachSeenBy loads seen entries for msgs in one round-trip.
func (s *PostgresStore) attachSeenBy(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[uuid.UUID]int, len(msgs))
	ids := make([]uuid.UUID, len(msgs))
	for i := range msgs {
		msgs[i].SeenBy = []models.SeenEntry{}
		index[msgs[i].ID] = i
		ids[i] = msgs[i].ID
	}

	rows, err := s.db.Query(ctx, listSeenByMessages, ids)
	if err != nil {
		return fmt.Errorf("database error listing seen entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID uuid.UUID
		var e models.SeenEntry
		if err := rows.Scan(&msgID, &e.UserID, &e.SeenAt); err != nil {
			return fmt.Errorf("error scanning seen entry: %w", err)
		}
		i := index[msgID]
		msgs[i].SeenBy = append(msgs[i].SeenBy, e)
	}
	return rows.Err()
}

const markMessagesSeen = `
INSERT INTO message_seen (message_id, user_id, seen_at)
SELECT m.id, $2, $3
FROM messages m
WHERE m.conversation_id = $1 AND m.sender_id <> $2
ORDER BY m.created_at
ON CONFLICT (message_id, user_id) DO NOTHING`

func (s *PostgresStore) MarkMessagesSeen(ctx context.Context, conversationID, userID uuid.UUID, seenAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, markMessagesSeen, conversationID, userID, seenAt)
	if err != nil {
		s.logPgError("MarkMessagesSeen", err, zap.Stringer("conversation_id", conversationID))
		return 0, fmt.Errorf("database error marking messages seen: %w", err)
	}
	return tag.RowsAffected(), nil
}

const countUnreadByConversation = `
SELECT m.conversation_id, COUNT(*)
FROM messages m
JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
WHERE m.sender_id <> $1
  AND NOT EXISTS (SELECT 1 FROM message_seen s WHERE s.message_id = m.id AND s.user_id = $1)
GROUP BY m.conversation_id`

func (s *PostgresStore) CountUnreadByConversation(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := s.db.Query(ctx, countUnreadByConversation, userID)
	if err != nil {
		return nil, fmt.Errorf("database error counting unread messages: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int64)
	for rows.Next() {
		var convID uuid.UUID
		var n int64
		if err := rows.Scan(&convID, &n); err != nil {
			return nil, fmt.Errorf("error scanning unread count: %w", err)
		}
		out[convID] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) logPgError(op string, err error, fields ...zap.Field) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fields = append(fields,
			zap.String("pg_code", pgErr.Code),
			zap.String("pg_message", pgErr.Message),
			zap.String("pg_detail", pgErr.Detail),
		)
	}
	s.log.Error(op+" failed", append(fields, zap.Error(err))...)
}
