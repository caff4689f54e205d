package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scan/internal/chatapi"
	"scan/internal/session"
)

// RedirectError reports a query the backend classified as non-research.
type RedirectError struct {
	URL string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("not a research query; the backend suggests %s", e.URL)
}

// conversation is what a UI drives: one controller plus the manager of the
// chat it belongs to. A new chat gets its manager on the first submit.
type conversation struct {
	cont       *Container
	controller *session.Controller
	chatMode   bool

	mu      sync.Mutex
	manager *session.Manager
}

// newSingleQuery streams queries on the single-query endpoint without
// persistence.
func newSingleQuery(cont *Container) *conversation {
	controller := cont.NewController()
	return &conversation{cont: cont, controller: controller, manager: cont.NewManager("", controller)}
}

// newChat creates the chat on the first submitted query.
func newChat(cont *Container) *conversation {
	return &conversation{cont: cont, controller: cont.NewController(), chatMode: true}
}

// openChat loads an existing chat. pending is the query still waiting for
// an answer, if any.
func openChat(ctx context.Context, cont *Container, ref string) (*conversation, string, error) {
	chatID, err := parseChatRef(ref)
	if err != nil {
		return nil, "", err
	}
	cv := newChat(cont)
	cv.manager = cont.NewManager(chatID, cv.controller)
	pending, err := cv.manager.Hydrate(ctx)
	if err != nil {
		return nil, "", err
	}
	return cv, pending, nil
}

func parseChatRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if chatapi.ValidateChatID(ref) == nil {
		return ref, nil
	}
	return chatapi.ChatIDFromPath(ref)
}

func (cv *conversation) current() *session.Manager {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.manager
}

// Submit sends a new query. The first query of a new chat creates it.
func (cv *conversation) Submit(ctx context.Context, query string) (*session.Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, session.ErrEmptyQuery
	}
	if manager := cv.current(); manager != nil {
		return manager.Submit(ctx, query)
	}

	chat, err := cv.cont.Chats.CreateChat(ctx, query)
	if err != nil {
		return nil, err
	}
	if !chat.IsResearch() {
		return nil, &RedirectError{URL: chat.URL}
	}
	manager := cv.cont.NewManager(chat.ID, cv.controller)
	cv.mu.Lock()
	cv.manager = manager
	cv.mu.Unlock()

	pending, err := manager.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	if pending == "" {
		pending = query
	}
	return manager.Resume(ctx, pending)
}

// Resume streams the answer to a query the chat already holds.
func (cv *conversation) Resume(ctx context.Context, query string) (*session.Turn, error) {
	manager := cv.current()
	if manager == nil {
		return nil, session.ErrEmptyQuery
	}
	return manager.Resume(ctx, query)
}

// Answer replies to the pending clarification.
func (cv *conversation) Answer(ctx context.Context, answer string) (*session.Turn, error) {
	manager := cv.current()
	if manager == nil {
		return nil, session.ErrNotAwaitingClarification
	}
	return manager.Answer(ctx, answer)
}

// Archived returns the finished turns above the active one.
func (cv *conversation) Archived() []session.ArchivedTurn {
	manager := cv.current()
	if manager == nil {
		return nil
	}
	return manager.Archived()
}

// ChatID is empty for single queries and for chats not created yet.
func (cv *conversation) ChatID() string {
	manager := cv.current()
	if manager == nil {
		return ""
	}
	return manager.ChatID()
}
