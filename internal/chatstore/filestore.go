package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"scan/internal/history"
	"scan/internal/logging"
)

// FileStore keeps one JSON document per chat under a base directory.
type FileStore struct {
	baseDir string
	logger  logging.Logger
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed. A leading "~/" is
// expanded to the home directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("ChatFileStore"),
	}, nil
}

func (s *FileStore) path(chatID string) string {
	return filepath.Join(s.baseDir, chatID+".json")
}

func (s *FileStore) Create(ctx context.Context, query string) (chat Chat, err error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	chat, err = newChat(query, time.Now())
	if err != nil {
		return Chat{}, err
	}
	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// O_EXCL keeps a colliding id from overwriting another chat.
	f, err := os.OpenFile(s.path(chat.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Chat{}, fmt.Errorf("create chat file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close chat file: %w", closeErr)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return Chat{}, fmt.Errorf("write chat: %w", err)
	}
	return chat, nil
}

func (s *FileStore) Append(ctx context.Context, chatID string, msg history.Message) (history.Message, error) {
	if err := ctx.Err(); err != nil {
		return history.Message{}, err
	}
	msg, err := prepareMessage(msg)
	if err != nil {
		return history.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chat, err := s.load(chatID)
	if err != nil {
		return history.Message{}, err
	}
	chat.Messages = append(chat.Messages, msg)
	chat.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return history.Message{}, err
	}
	if err := os.WriteFile(s.path(chatID), data, 0o644); err != nil {
		return history.Message{}, fmt.Errorf("write chat: %w", err)
	}
	return msg, nil
}

func (s *FileStore) Messages(ctx context.Context, chatID string) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, err := s.load(chatID)
	if err != nil {
		return nil, err
	}
	return chat.Messages, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	type stamped struct {
		id      string
		updated time.Time
	}
	var chats []stamped
	s.mu.Lock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		chat, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("Skipping chat file %s: %v", entry.Name(), err)
			continue
		}
		chats = append(chats, stamped{id: chat.ID, updated: chat.UpdatedAt})
	}
	s.mu.Unlock()

	sort.Slice(chats, func(i, j int) bool { return chats[i].updated.After(chats[j].updated) })
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.id
	}
	return ids, nil
}

func (s *FileStore) load(chatID string) (Chat, error) {
	if err := validID(chatID); err != nil {
		return Chat{}, err
	}
	data, err := os.ReadFile(s.path(chatID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chat{}, ErrChatNotFound
		}
		return Chat{}, err
	}
	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		s.logger.Error("Failed to decode chat file %s: %v. Preview: %s", s.path(chatID), err, previewJSON(data))
		return Chat{}, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	return chat, nil
}

func previewJSON(data []byte) string {
	const maxPreview = 512
	preview := strings.TrimSpace(string(data))
	preview = strings.ReplaceAll(preview, "\n", " ")
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "... (truncated)"
	}
	return preview
}
