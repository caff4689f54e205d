package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scan/internal/history"
	"scan/internal/logging"
	"scan/internal/observability"
	"scan/internal/output"
	"scan/internal/presentation"
	"scan/internal/stream"
)

// ChatStore persists chat messages. *chatapi.Client satisfies it.
type ChatStore interface {
	SubmitMessage(ctx context.Context, chatID, content string) (history.Message, error)
	Messages(ctx context.Context, chatID string) ([]history.Message, error)
}

// ArchivedTurn is a finished turn kept for display above the active one.
type ArchivedTurn struct {
	Query    string
	Answer   string
	Rendered string
	// Summary is nil for turns that used no tools and reported no usage.
	Summary *presentation.SummaryView
	// View is the final live view. Rehydrated turns have none.
	View    *presentation.View
	Outcome Outcome
	Entries []history.Entry
	Usage   *stream.UsageSummary

	Rehydrated bool
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	ChatID     string
	Store      ChatStore
	Controller *Controller
	Renderer   output.MarkdownRenderer
	Tracer     *observability.TracerProvider
	Logger     logging.Logger
}

// Manager keeps archived turns plus the controller's active slot for one
// chat.
type Manager struct {
	chatID     string
	store      ChatStore
	controller *Controller
	renderer   output.MarkdownRenderer
	tracer     *observability.TracerProvider
	logger     logging.Logger

	mu       sync.Mutex
	archived []ArchivedTurn
}

// NewManager creates a turn manager. A nil store skips message persistence.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		chatID:     cfg.ChatID,
		store:      cfg.Store,
		controller: cfg.Controller,
		renderer:   cfg.Renderer,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
	}
	if m.logger == nil {
		m.logger = logging.NewComponentLogger("TurnManager")
	}
	if m.tracer == nil {
		m.tracer = observability.NoopTracerProvider()
	}
	return m
}

// ChatID returns the chat this manager belongs to.
func (m *Manager) ChatID() string { return m.chatID }

// Controller returns the stream controller of the active slot.
func (m *Manager) Controller() *Controller { return m.controller }

// Archived returns a copy of the archived turns, oldest first.
func (m *Manager) Archived() []ArchivedTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchivedTurn, len(m.archived))
	copy(out, m.archived)
	return out
}

// Hydrate loads persisted messages and archives every answered turn. The
// returned pending query is non-empty when the last message still waits for
// an answer and should be streamed with Resume.
func (m *Manager) Hydrate(ctx context.Context) (string, error) {
	if m.store == nil {
		return "", nil
	}
	messages, err := m.store.Messages(ctx, m.chatID)
	if err != nil {
		return "", fmt.Errorf("load chat history: %w", err)
	}
	turns, pending, err := history.Turns(messages)
	if err != nil {
		return "", fmt.Errorf("parse chat history: %w", err)
	}

	restored := make([]ArchivedTurn, 0, len(turns))
	for _, t := range turns {
		restored = append(restored, ArchivedTurn{
			Query:      t.Query,
			Answer:     t.Answer,
			Rendered:   m.render(t.Answer),
			Summary:    presentation.ArchivedSummary(t.Summary),
			Outcome:    OutcomeDone,
			Entries:    t.Entries,
			Usage:      t.Summary.Usage,
			Rehydrated: true,
		})
	}

	m.mu.Lock()
	m.archived = append(m.archived, restored...)
	m.mu.Unlock()
	m.logger.Debug("hydrated %d turns for chat %s (pending=%t)", len(restored), m.chatID, pending != "")

	if !history.NeedsStream(messages) {
		return "", nil
	}
	return pending, nil
}

// Resume streams an answer for a query the backend already holds.
func (m *Manager) Resume(ctx context.Context, query string) (*Turn, error) {
	turn, err := m.controller.Start(ctx, StartRequest{Query: query, ChatID: m.chatID})
	m.archiveIfTerminal(turn)
	return turn, err
}

// Submit persists query as a new user message and streams its answer. The
// stream is opened only after the store acknowledged the message.
func (m *Manager) Submit(ctx context.Context, query string) (*Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if m.controller.State() == StateAwaitingClarification {
		return nil, ErrSessionBusy
	}

	if m.store != nil {
		spanCtx, span := m.tracer.StartSpan(ctx, observability.SpanSubmitMessage,
			observability.SessionAttrs(m.chatID, 0)...)
		_, err := m.store.SubmitMessage(spanCtx, m.chatID, query)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		span.End()
		if err != nil {
			m.logger.Warn("submit message failed: %v", err)
			return nil, fmt.Errorf("submit message: %w", err)
		}
	}

	turn, err := m.controller.Start(ctx, StartRequest{Query: query, ChatID: m.chatID})
	m.archiveIfTerminal(turn)
	return turn, err
}

// Answer replies to the pending clarification of the active turn.
func (m *Manager) Answer(ctx context.Context, answer string) (*Turn, error) {
	turn, err := m.controller.Answer(ctx, answer)
	m.archiveIfTerminal(turn)
	return turn, err
}

func (m *Manager) archiveIfTerminal(turn *Turn) {
	if turn == nil || !turn.Outcome().Terminal() {
		return
	}
	view := turn.View()
	archived := ArchivedTurn{
		Query:    turn.Query,
		Answer:   turn.Answer(),
		Rendered: turn.Rendered(),
		Summary:  view.Summary,
		View:     &view,
		Outcome:  turn.Outcome(),
		Entries:  turn.Entries(),
		Usage:    turn.Recorder().Usage(),
	}

	m.mu.Lock()
	m.archived = append(m.archived, archived)
	m.mu.Unlock()
	m.controller.Release(turn)
	m.logger.Debug("archived turn %q (%s)", turn.Query, turn.Outcome())
}

func (m *Manager) render(text string) string {
	if m.renderer == nil {
		return text
	}
	rendered, err := m.renderer.Render(text)
	if err != nil {
		m.logger.Warn("markdown render failed: %v", err)
		return text
	}
	return rendered
}
