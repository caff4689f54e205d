// Package chatstore persists research chats and their messages for the
// replay backend.
package chatstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"scan/internal/history"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrInvalidID    = errors.New("invalid chat id")
	ErrEmptyMessage = errors.New("empty message")
)

var chatIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Chat is one research conversation.
type Chat struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []history.Message `json:"messages"`
}

// Store keeps chats and their ordered messages.
type Store interface {
	// Create starts a chat whose first message is the user's query.
	Create(ctx context.Context, query string) (Chat, error)
	// Append adds a message to the end of a chat and returns it with its
	// assigned id.
	Append(ctx context.Context, chatID string, msg history.Message) (history.Message, error)
	Messages(ctx context.Context, chatID string) ([]history.Message, error)
	// List returns chat ids, most recently updated first.
	List(ctx context.Context) ([]string, error)
}

// Open picks a backend from target: "" or "memory" keeps chats in memory,
// a postgres:// or postgresql:// URL uses Postgres, anything else is a
// directory for the file store. The returned func releases the backend.
func Open(ctx context.Context, target string) (Store, func(), error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "" || target == "memory":
		return NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://"):
		store, err := OpenPostgresStore(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := NewFileStore(target)
		if err != nil {
			return nil, nil, fmt.Errorf("open chat directory %s: %w", target, err)
		}
		return store, func() {}, nil
	}
}

func newChat(query string, now time.Time) (Chat, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Chat{}, ErrEmptyMessage
	}
	return Chat{
		ID:        uuid.NewString(),
		Title:     title(query),
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []history.Message{{
			ID:      uuid.NewString(),
			Role:    history.RoleUser,
			Content: query,
		}},
	}, nil
}

func prepareMessage(msg history.Message) (history.Message, error) {
	if msg.Role == history.RoleUser && strings.TrimSpace(msg.Content) == "" {
		return history.Message{}, ErrEmptyMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

func validID(id string) error {
	if !chatIDPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

func title(query string) string {
	const maxTitle = 80
	runes := []rune(query)
	if len(runes) <= maxTitle {
		return query
	}
	return string(runes[:maxTitle-1]) + "…"
}
