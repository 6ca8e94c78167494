// Package conversation stores chat history and the chat-to-instance affinity
// used to route follow-up messages to the same agent runtime.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentgate/internal/db"
	"github.com/kandev/agentgate/internal/db/dialect"
)

// ErrNotFound is returned when a chat has no recorded instance.
var ErrNotFound = errors.New("not found")

// Message is one stored chat turn.
type Message struct {
	ID        int64     `db:"id" json:"id"`
	ChatID    string    `db:"chat_id" json:"chatId"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Store persists messages and instance affinity.
type Store struct {
	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	now func() time.Time
}

// Provide applies the schema on pool and returns the store with a cleanup
// that closes the pool.
func Provide(ctx context.Context, pool *db.Pool) (*Store, func() error, error) {
	if err := pool.Migrate(ctx, "conversation_v1", schema(pool.Driver())); err != nil {
		return nil, nil, fmt.Errorf("conversation schema: %w", err)
	}
	return &Store{db: pool.Writer(), ro: pool.Reader(), now: time.Now}, pool.Close, nil
}

func schema(driver string) []string {
	return []string{
		`CREATE TABLE conversation_messages (
			id         ` + dialect.SerialKey(driver) + `,
			chat_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX idx_conversation_messages_chat ON conversation_messages(chat_id, id)`,
		`CREATE TABLE chat_affinity (
			chat_id       TEXT PRIMARY KEY,
			instance_name TEXT NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
	}
}

// AppendMessage stores one turn of a chat.
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content string) (*Message, error) {
	msg := &Message{ChatID: chatID, Role: role, Content: content, CreatedAt: s.now().UTC()}
	id, err := dialect.InsertID(ctx, s.db,
		`INSERT INTO conversation_messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// RecentMessages returns up to limit of the latest messages of a chat, oldest
// first.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []Message
	err := s.ro.SelectContext(ctx, &msgs, s.ro.Rebind(`
		SELECT id, chat_id, role, content, created_at
		FROM conversation_messages
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?`), chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetInstance records which runtime instance serves a chat.
func (s *Store) SetInstance(ctx context.Context, chatID, instance string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO chat_affinity (chat_id, instance_name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET instance_name = excluded.instance_name, updated_at = excluded.updated_at`),
		chatID, instance, s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert affinity: %w", err)
	}
	return nil
}

// GetInstance returns the instance recorded for a chat, or ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, chatID string) (string, error) {
	var instance string
	err := s.ro.GetContext(ctx, &instance, s.ro.Rebind(`SELECT instance_name FROM chat_affinity WHERE chat_id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return "", fmt.Errorf("get affinity: %w", err)
	}
	return instance, nil
}

// ClearInstance forgets the affinity of a chat. Missing rows are not an error.
func (s *Store) ClearInstance(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM chat_affinity WHERE chat_id = ?`), chatID)
	return err
}
