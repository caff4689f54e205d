package chatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scan/internal/history"
	"scan/internal/logging"
)

const (
	chatTable    = "scan_chats"
	messageTable = "scan_messages"
)

// PostgresStore keeps chats in Postgres. Messages are rows ordered by an
// identity column so appends from several instances interleave safely.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ChatPostgresStore"),
	}
}

// OpenPostgresStore connects to dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure chat schema: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the chat tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("chat store not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
    seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    chat_id TEXT NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    events_json TEXT NOT NULL DEFAULT '',
    usage_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scan_chats_updated_at ON %[1]s (updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_scan_messages_chat ON %[2]s (chat_id, seq);
`, chatTable, messageTable)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, query string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	if s == nil || s.pool == nil {
		return Chat{}, fmt.Errorf("chat store not initialized")
	}

	for attempt := 0; attempt < 3; attempt++ {
		chat, err := newChat(query, time.Now().UTC())
		if err != nil {
			return Chat{}, err
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`, chatTable),
				chat.ID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
			); err != nil {
				return err
			}
			return insertMessage(ctx, tx, chat.ID, chat.Messages[0])
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			s.logger.Error("Failed to create chat: %v", err)
			return Chat{}, err
		}
		return chat, nil
	}
	return Chat{}, fmt.Errorf("failed to allocate unique chat id")
}

func (s *PostgresStore) Append(ctx context.Context, chatID string, msg history.Message) (history.Message, error) {
	if err := ctx.Err(); err != nil {
		return history.Message{}, err
	}
	if err := validID(chatID); err != nil {
		return history.Message{}, err
	}
	msg, err := prepareMessage(msg)
	if err != nil {
		return history.Message{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET updated_at = $2 WHERE id = $1`, chatTable),
			chatID, time.Now().UTC(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrChatNotFound
		}
		return insertMessage(ctx, tx, chatID, msg)
	})
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			s.logger.Error("Failed to append message to chat %s: %v", chatID, err)
		}
		return history.Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) Messages(ctx context.Context, chatID string) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validID(chatID); err != nil {
		return nil, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, chatTable), chatID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrChatNotFound
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, role, content, events_json, usage_json
FROM %s
WHERE chat_id = $1
ORDER BY seq
`, messageTable), chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []history.Message
	for rows.Next() {
		var msg history.Message
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.EventsJSON, &msg.UsageJSON); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY updated_at DESC`, chatTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertMessage(ctx context.Context, tx pgx.Tx, chatID string, msg history.Message) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, chat_id, role, content, events_json, usage_json)
VALUES ($1, $2, $3, $4, $5, $6)
`, messageTable), msg.ID, chatID, msg.Role, msg.Content, msg.EventsJSON, msg.UsageJSON)
	return err
}
