package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"scan/internal/history"
)

// MemoryStore keeps chats in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*Chat
	now   func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: make(map[string]*Chat), now: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, query string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	chat, err := newChat(query, s.now())
	if err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := chat
	stored.Messages = append([]history.Message(nil), chat.Messages...)
	s.chats[chat.ID] = &stored
	return chat, nil
}

func (s *MemoryStore) Append(ctx context.Context, chatID string, msg history.Message) (history.Message, error) {
	if err := ctx.Err(); err != nil {
		return history.Message{}, err
	}
	msg, err := prepareMessage(msg)
	if err != nil {
		return history.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return history.Message{}, ErrChatNotFound
	}
	chat.Messages = append(chat.Messages, msg)
	chat.UpdatedAt = s.now()
	return msg, nil
}

func (s *MemoryStore) Messages(ctx context.Context, chatID string) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return append([]history.Message(nil), chat.Messages...), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]*Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	ids := make([]string, len(chats))
	for i, chat := range chats {
		ids[i] = chat.ID
	}
	return ids, nil
}
