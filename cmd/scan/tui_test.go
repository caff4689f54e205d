package main

import (
	"context"
	"io"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan/internal/config"
	"scan/internal/output"
	"scan/internal/session"
)

func testContainer(t *testing.T, baseURL string) *Container {
	t.Helper()
	isolate(t)
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Log.Level = "error"
	cont, err := buildContainer(cfg, config.Metadata{}, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cont.Cleanup() })
	return cont
}

func newTestModel(t *testing.T, conv *conversation, followUps bool, answers ...string) *tuiModel {
	t.Helper()
	m := newTUIModel(context.Background(), tuiConfig{
		Conversation: conv,
		Width:        80,
		FollowUps:    followUps,
		Answers:      answers,
	})
	t.Cleanup(m.cancel)
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	return m
}

// runAction performs what start would schedule and feeds the result back.
func runAction(m *tuiModel, action turnAction) tea.Cmd {
	m.running = true
	turn, err := action(m.ctx)
	return m.finish(turn, err)
}

func TestTUISingleQueryArchivesAndQuits(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newSingleQuery(cont)
	m := newTestModel(t, conv, false)

	cmd := runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "rust ownership")
	})
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Nil(t, m.live)
	require.Len(t, m.archived, 1)
	assert.NoError(t, m.exitErr)
	assert.Contains(t, m.transcript(), "Ownership frees memory")
}

func TestTUIPresetAnswerContinuesClarification(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newSingleQuery(cont)
	m := newTestModel(t, conv, false, "1.80")

	cmd := runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "which rust version")
	})
	require.NotNil(t, cmd)
	assert.True(t, m.running, "the preset answer starts the next connection")
	assert.Empty(t, m.answers)
	require.NotNil(t, m.live)
	require.Len(t, m.live.Clarifications, 1)

	done, ok := cmd().(turnDoneMsg)
	require.True(t, ok)
	m.Update(done)
	assert.Len(t, m.archived, 1)
	assert.Contains(t, m.transcript(), "Ownership frees memory")
}

func TestTUIAwaitsTypedAnswer(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newChat(cont)
	m := newTestModel(t, conv, true)

	cmd := runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "which rust version")
	})
	assert.Nil(t, cmd)
	assert.False(t, m.quitting)
	assert.Equal(t, session.StateAwaitingClarification, conv.controller.State())
	assert.Equal(t, "Answer the question above", m.input.Placeholder)

	m.input.SetValue("1.80")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.running)
	assert.Empty(t, m.input.Value())
}

func TestTUIToggleArchivedTurn(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newChat(cont)
	m := newTestModel(t, conv, true)

	runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "rust ownership")
	})
	require.Len(t, m.archived, 1)
	require.NotNil(t, m.archived[0].Summary)

	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	require.NotNil(t, m.focus)
	assert.Equal(t, focusItem{turn: 0, seq: output.FocusSummary}, *m.focus)

	collapsed := m.content()
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlE})
	assert.True(t, m.archivedExpansion(0).summary)
	assert.NotEqual(t, collapsed, m.content())

	// The expanded summary exposes the topic group as a second item.
	items := m.focusItems()
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[1].turn)
}

func TestTUIIgnoresUpdatesAfterTurnEnds(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newChat(cont)
	m := newTestModel(t, conv, true)

	runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "rust ownership")
	})
	require.Nil(t, m.live)

	m.Update(updateMsg{update: session.Update{State: session.StateDone}})
	assert.Nil(t, m.live)
}

func TestTUIRedirectKeepsChatOpen(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	conv := newChat(cont)
	m := newTestModel(t, conv, true)

	cmd := runAction(m, func(ctx context.Context) (*session.Turn, error) {
		return conv.Submit(ctx, "weather in paris")
	})
	assert.Nil(t, cmd)
	assert.False(t, m.quitting)
	assert.Contains(t, m.notice, "duckduckgo.com")
	assert.Equal(t, exitRedirected, exitCode(t, m.exitErr))
	assert.Contains(t, m.content(), "duckduckgo.com")
}

func TestTUICtrlCQuits(t *testing.T) {
	url, _ := backend(t)
	cont := testContainer(t, url)
	m := newTestModel(t, newChat(cont), true)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Error(t, m.ctx.Err())
	assert.Empty(t, m.View())
}
