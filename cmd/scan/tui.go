package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scan/internal/output"
	"scan/internal/presentation"
	"scan/internal/session"
)

type tuiConfig struct {
	In           io.Reader
	Out          io.Writer
	Conversation *conversation
	Markdown     *output.CachedMarkdownRenderer
	Width        int
	First        turnAction
	FollowUps    bool
	Answers      []string
}

type (
	// updateMsg carries the latest controller update.
	updateMsg struct{ update session.Update }
	// turnDoneMsg reports that an action returned.
	turnDoneMsg struct {
		turn *session.Turn
		err  error
	}
)

// liveTurn is the focus index of the active turn; archived turns use their
// position in the archive.
const liveTurn = -1

// focusItem is something ctrl+e can toggle: a turn summary or a group.
type focusItem struct {
	turn int
	seq  int
}

var (
	tuiHelpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	tuiNoticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	tuiErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

// updateRelay hands controller updates to the program without blocking
// the controller. Only the latest update is kept; each one carries the
// whole view.
type updateRelay struct {
	mu     sync.Mutex
	latest *session.Update
	notify chan struct{}
}

func newUpdateRelay() *updateRelay {
	return &updateRelay{notify: make(chan struct{}, 1)}
}

func (r *updateRelay) push(u session.Update) {
	r.mu.Lock()
	r.latest = &u
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// wait returns a command that delivers the next update.
func (r *updateRelay) wait(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case <-r.notify:
		}
		r.mu.Lock()
		u := r.latest
		r.latest = nil
		r.mu.Unlock()
		if u == nil {
			return nil
		}
		return updateMsg{update: *u}
	}
}

// tuiModel is the full-screen interface: archived turns and the live turn
// in a scrolling viewport above an input line.
type tuiModel struct {
	ctx       context.Context
	cancel    context.CancelFunc
	conv      *conversation
	relay     *updateRelay
	render    *output.TerminalRenderer
	markdown  *output.CachedMarkdownRenderer
	first     turnAction
	followUps bool
	answers   []string

	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model
	ready    bool

	live     *presentation.View
	archived []session.ArchivedTurn
	expand   map[int]*archiveExpansion
	focus    *focusItem
	running  bool
	notice   string
	failure  string
	exitErr  error
	quitting bool
}

func newTUIModel(ctx context.Context, cfg tuiConfig) *tuiModel {
	ctx, cancel := context.WithCancel(ctx)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	input := textinput.New()
	input.Prompt = "› "
	input.Placeholder = "Ask a research question"
	input.CharLimit = 4000
	input.Focus()

	return &tuiModel{
		ctx:       ctx,
		cancel:    cancel,
		conv:      cfg.Conversation,
		relay:     newUpdateRelay(),
		render:    output.NewTerminalRenderer(output.DefaultTheme(), cfg.Width),
		markdown:  cfg.Markdown,
		first:     cfg.First,
		followUps: cfg.FollowUps,
		answers:   append([]string(nil), cfg.Answers...),
		spinner:   sp,
		input:     input,
		viewport:  viewport.New(cfg.Width, 20),
		archived:  cfg.Conversation.Archived(),
		expand:    map[int]*archiveExpansion{},
	}
}

func (m *tuiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick, m.relay.wait(m.ctx)}
	if m.first != nil {
		cmds = append(cmds, m.start(m.first))
	}
	return tea.Batch(cmds...)
}

// start runs action off the event loop.
func (m *tuiModel) start(action turnAction) tea.Cmd {
	m.running = true
	m.notice = ""
	m.failure = ""
	ctx := m.ctx
	return func() tea.Msg {
		turn, err := action(ctx)
		return turnDoneMsg{turn: turn, err: err}
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case updateMsg:
		// Updates delivered after the action returned are stale.
		if m.running {
			view := msg.update.View
			m.live = &view
		}
		cmds = append(cmds, m.relay.wait(m.ctx))

	case turnDoneMsg:
		cmds = append(cmds, m.finish(msg.turn, msg.err))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.refresh()
	return m, tea.Batch(cmds...)
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.quit()
		return tea.Quit, true
	case "esc":
		if m.running {
			m.conv.controller.Cancel()
		}
		return nil, true
	case "enter":
		return m.submit(), true
	case "tab":
		m.cycleFocus(1)
		m.refresh()
		return nil, true
	case "shift+tab":
		m.cycleFocus(-1)
		m.refresh()
		return nil, true
	case "ctrl+e":
		m.toggleFocused()
		m.refresh()
		return nil, true
	case "ctrl+u":
		m.toggleUsage()
		m.refresh()
		return nil, true
	case "up", "down", "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd, true
	}
	return nil, false
}

func (m *tuiModel) quit() {
	m.quitting = true
	m.cancel()
}

// submit sends the input as a clarification answer or a new query.
func (m *tuiModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if m.running || text == "" {
		return nil
	}
	m.input.SetValue("")

	if m.conv.controller.State() == session.StateAwaitingClarification {
		return m.start(func(ctx context.Context) (*session.Turn, error) { return m.conv.Answer(ctx, text) })
	}
	if !m.followUps && m.first != nil {
		return nil
	}
	return m.start(func(ctx context.Context) (*session.Turn, error) { return m.conv.Submit(ctx, text) })
}

// finish records how an action ended and decides what comes next.
func (m *tuiModel) finish(turn *session.Turn, err error) tea.Cmd {
	m.running = false
	m.archived = m.conv.Archived()
	if m.conv.controller.Turn() == nil {
		m.live = nil
	} else if turn != nil {
		view := turn.View()
		m.live = &view
	}

	var redirect *RedirectError
	switch {
	case errors.As(err, &redirect):
		m.notice = redirect.Error()
	case errors.Is(err, session.ErrEmptyAnswer):
		m.failure = err.Error()
	case turn == nil && err != nil:
		m.failure = err.Error()
	}
	m.exitErr = turnExit(turn, err)

	if m.conv.controller.State() == session.StateAwaitingClarification {
		m.input.Placeholder = "Answer the question above"
		if len(m.answers) > 0 {
			answer := m.answers[0]
			m.answers = m.answers[1:]
			return m.start(func(ctx context.Context) (*session.Turn, error) { return m.conv.Answer(ctx, answer) })
		}
		return nil
	}
	m.input.Placeholder = "Ask a follow-up question"
	if !m.followUps || m.ctx.Err() != nil {
		m.quit()
		return tea.Quit
	}
	return nil
}

func (m *tuiModel) resize(width, height int) {
	inputHeight := 3
	m.viewport.Width = width
	m.viewport.Height = max(1, height-inputHeight)
	m.input.Width = max(10, width-4)
	m.render.SetWidth(width)
	if m.markdown != nil {
		_ = m.markdown.Resize(width)
	}
	m.ready = true
}

// archivedExpansion returns the toggle state of archived turn i.
func (m *tuiModel) archivedExpansion(i int) *archiveExpansion {
	exp, ok := m.expand[i]
	if !ok {
		exp = &archiveExpansion{groups: map[int]bool{}}
		m.expand[i] = exp
	}
	return exp
}

// focusItems lists the toggleable items in display order.
func (m *tuiModel) focusItems() []focusItem {
	var items []focusItem
	add := func(turn int, view presentation.View) {
		if view.Summary != nil {
			items = append(items, focusItem{turn: turn, seq: output.FocusSummary})
		}
		if !view.GroupsVisible() {
			return
		}
		for _, g := range view.Groups {
			if g.Toggleable {
				items = append(items, focusItem{turn: turn, seq: g.Seq})
			}
		}
	}
	for i, at := range m.archived {
		add(i, archivedView(at, *m.archivedExpansion(i)))
	}
	if m.live != nil {
		add(liveTurn, *m.live)
	}
	return items
}

func (m *tuiModel) cycleFocus(step int) {
	items := m.focusItems()
	if len(items) == 0 {
		m.focus = nil
		return
	}
	next := 0
	if step < 0 {
		next = len(items) - 1
	}
	if m.focus != nil {
		for i, item := range items {
			if item == *m.focus {
				next = (i + step + len(items)) % len(items)
				break
			}
		}
	}
	m.focus = &items[next]
}

func (m *tuiModel) toggleFocused() {
	if m.focus == nil {
		return
	}
	f := *m.focus
	if f.turn == liveTurn {
		if f.seq == output.FocusSummary {
			m.conv.controller.ToggleSummary()
		} else {
			m.conv.controller.ToggleGroup(f.seq)
		}
		m.syncLive()
		return
	}
	if f.turn < 0 || f.turn >= len(m.archived) {
		return
	}
	exp := m.archivedExpansion(f.turn)
	if f.seq == output.FocusSummary {
		exp.summary = !exp.summary
		return
	}
	exp.groups[f.seq] = !exp.groups[f.seq]
}

// toggleUsage flips the usage breakdown of the focused turn, or of the
// live turn when nothing is focused.
func (m *tuiModel) toggleUsage() {
	if m.focus != nil && m.focus.turn != liveTurn {
		if m.focus.turn < len(m.archived) {
			exp := m.archivedExpansion(m.focus.turn)
			exp.usage = !exp.usage
		}
		return
	}
	m.conv.controller.ToggleUsage()
	m.syncLive()
}

// syncLive reads the live view after a local toggle.
func (m *tuiModel) syncLive() {
	if turn := m.conv.controller.Turn(); turn != nil {
		view := turn.View()
		m.live = &view
	}
}

func (m *tuiModel) frameFor(turn int) output.Frame {
	frame := output.Frame{Spinner: m.spinner.View()}
	if m.focus != nil && m.focus.turn == turn {
		frame.Focus = m.focus.seq
	}
	return frame
}

// content renders every turn for the viewport.
func (m *tuiModel) content() string {
	var b strings.Builder
	for i, at := range m.archived {
		b.WriteString(m.render.Turn(archivedView(at, *m.archivedExpansion(i)), m.frameFor(i)))
		b.WriteString("\n")
	}
	if m.live != nil {
		b.WriteString(m.render.Turn(*m.live, m.frameFor(liveTurn)))
	}
	if m.notice != "" {
		b.WriteString(tuiNoticeStyle.Render("↗ "+m.notice) + "\n")
	}
	if m.failure != "" {
		b.WriteString(tuiErrorStyle.Render("✗ "+m.failure) + "\n")
	}
	return b.String()
}

func (m *tuiModel) refresh() {
	if m.focus != nil {
		found := false
		for _, item := range m.focusItems() {
			if item == *m.focus {
				found = true
				break
			}
		}
		if !found {
			m.focus = nil
		}
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.content())
	if atBottom || m.running {
		m.viewport.GotoBottom()
	}
}

func (m *tuiModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return m.spinner.View() + " starting…"
	}
	help := "enter send · tab focus · ctrl+e expand · ctrl+u usage · esc stop · ctrl+c quit"
	if m.running {
		help = m.spinner.View() + " streaming · esc stop · ctrl+c quit"
	}
	return m.viewport.View() + "\n" + m.input.View() + "\n" + tuiHelpStyle.Render(help)
}

// transcript is what stays on the terminal after the TUI exits.
func (m *tuiModel) transcript() string {
	var b strings.Builder
	for i, at := range m.archived {
		b.WriteString(m.render.Turn(archivedView(at, *m.archivedExpansion(i)), output.Frame{}))
		b.WriteString("\n")
	}
	if m.live != nil {
		b.WriteString(m.render.Turn(*m.live, output.Frame{}))
	}
	if m.notice != "" {
		b.WriteString("↗ " + m.notice + "\n")
	}
	if m.failure != "" {
		b.WriteString("✗ " + m.failure + "\n")
	}
	return b.String()
}

// runTUI drives the conversation full-screen and prints the transcript
// when the program exits.
func runTUI(ctx context.Context, cfg tuiConfig) error {
	model := newTUIModel(ctx, cfg)
	defer model.cancel()

	controller := cfg.Conversation.controller
	controller.SetListener(model.relay.push)
	defer controller.SetListener(nil)

	opts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}
	if cfg.In != nil {
		opts = append(opts, tea.WithInput(cfg.In))
	}
	if cfg.Out != nil {
		opts = append(opts, tea.WithOutput(cfg.Out))
	}
	_, err := tea.NewProgram(model, opts...).Run()
	// The action goroutine may still hold the stream.
	controller.Cancel()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run interface: %w", err)
	}

	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	io.WriteString(out, model.transcript())
	return model.exitErr
}
