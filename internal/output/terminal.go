package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"scan/internal/presentation"
	"scan/internal/trace"
)

// Theme holds the lipgloss styles of the terminal adapter.
type Theme struct {
	Query    lipgloss.Style
	Status   lipgloss.Style
	Header   lipgloss.Style
	Muted    lipgloss.Style
	Done     lipgloss.Style
	Failed   lipgloss.Style
	Summary  lipgloss.Style
	Question lipgloss.Style
	Echo     lipgloss.Style
	Error    lipgloss.Style
	Notice   lipgloss.Style
	Selected lipgloss.Style
}

// DefaultTheme returns the standard palette.
func DefaultTheme() Theme {
	return Theme{
		Query:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C792EA")),
		Status:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7AA2F7")),
		Header:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E0E0E0")),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
		Done:     lipgloss.NewStyle().Foreground(lipgloss.Color("#9ECE6A")),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E")),
		Summary:  lipgloss.NewStyle().Foreground(lipgloss.Color("#BB9AF7")),
		Question: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E0AF68")),
		Echo:     lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#A0A0A0")),
		Error:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7768E")),
		Notice:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68")),
		Selected: lipgloss.NewStyle().Reverse(true),
	}
}

// TerminalRenderer draws presentation views as styled text. It holds no
// turn state; every call renders from the view alone.
type TerminalRenderer struct {
	theme Theme
	width int
}

// NewTerminalRenderer creates an adapter for the given width.
func NewTerminalRenderer(theme Theme, width int) *TerminalRenderer {
	if width <= 0 {
		width = DefaultWidth
	}
	return &TerminalRenderer{theme: theme, width: width}
}

// SetWidth changes the wrap width.
func (r *TerminalRenderer) SetWidth(width int) {
	if width > 0 {
		r.width = width
	}
}

// Frame carries per-draw decoration the view does not own.
type Frame struct {
	// Spinner is the current spinner glyph for running items.
	Spinner string
	// Focus is the Seq of the focused group, or -1 for the summary, or 0
	// for nothing.
	Focus int
}

// FocusSummary marks the turn summary as focused.
const FocusSummary = -1

// Turn renders a whole turn: query, trace area, status and answer.
func (r *TerminalRenderer) Turn(view presentation.View, frame Frame) string {
	var b strings.Builder
	if view.Query != "" {
		b.WriteString(r.theme.Query.Render("› " + view.Query))
		b.WriteString("\n")
	}
	b.WriteString(r.Trace(view, frame))
	if view.Status != "" {
		b.WriteString(r.theme.Status.Render(spinnerOr(frame.Spinner) + " " + view.Status))
		b.WriteString("\n")
	}
	if view.Answer != "" {
		b.WriteString("\n")
		b.WriteString(view.Answer)
		if !strings.HasSuffix(view.Answer, "\n") {
			b.WriteString("\n")
		}
	}
	if view.Notice != "" {
		b.WriteString(r.theme.Notice.Render(view.Notice))
		b.WriteString("\n")
	}
	if view.Error != "" {
		b.WriteString(r.theme.Error.Render("✗ " + view.Error))
		b.WriteString("\n")
	}
	return ConstrainWidth(b.String(), r.width)
}

// Trace renders the trace area: groups or the summary wrapping them, with
// clarifications placed after the groups that preceded them.
func (r *TerminalRenderer) Trace(view presentation.View, frame Frame) string {
	var b strings.Builder
	indent := ""
	if view.Summary != nil {
		b.WriteString(r.Summary(*view.Summary, frame.Focus == FocusSummary))
		indent = "  "
	}

	clarIdx := 0
	writeClarifications := func(upTo int) {
		for clarIdx < len(view.Clarifications) && view.Clarifications[clarIdx].AfterGroups <= upTo {
			b.WriteString(r.Clarification(view.Clarifications[clarIdx]))
			clarIdx++
		}
	}

	for i, group := range view.Groups {
		writeClarifications(i)
		if view.GroupsVisible() {
			b.WriteString(indentLines(r.Group(group, frame), indent))
		}
	}
	writeClarifications(len(view.Groups))
	return b.String()
}

// Group renders one topic group panel.
func (r *TerminalRenderer) Group(g presentation.GroupView, frame Frame) string {
	var b strings.Builder

	icon := r.theme.Done.Render("✓")
	if g.Running {
		icon = r.theme.Status.Render(spinnerOr(frame.Spinner))
	}
	caret := " "
	if g.Toggleable {
		caret = "▸"
		if g.Expanded {
			caret = "▾"
		}
	}
	header := fmt.Sprintf("%s %s %s", caret, icon, r.theme.Header.Render(g.Label))
	if frame.Focus == g.Seq && frame.Focus > 0 {
		header = r.theme.Selected.Render(header)
	}
	b.WriteString(header)
	b.WriteString("\n")

	if g.Subline != "" {
		b.WriteString("    " + r.theme.Muted.Render(g.Subline) + "\n")
	}
	if !g.Running {
		if len(g.Sources) > 0 {
			hosts := make([]string, 0, len(g.Sources))
			for _, src := range g.Sources {
				hosts = append(hosts, presentation.Host(src))
			}
			b.WriteString("    " + r.theme.Muted.Render(strings.Join(hosts, " · ")) + "\n")
		}
		b.WriteString("    " + r.theme.Muted.Render(g.SourceCaption) + "\n")
	}
	if g.Expanded {
		for _, child := range g.Children {
			b.WriteString("      " + r.child(child, frame) + "\n")
		}
		if g.Summary != "" {
			b.WriteString("      " + r.theme.Muted.Render(g.Summary) + "\n")
		}
	}
	return b.String()
}

func (r *TerminalRenderer) child(c presentation.ChildView, frame Frame) string {
	var icon string
	switch c.Status {
	case trace.StatusDone:
		icon = r.theme.Done.Render("✓")
	case trace.StatusFailed:
		icon = r.theme.Failed.Render("✗")
	default:
		icon = r.theme.Muted.Render(spinnerOr(frame.Spinner))
	}
	line := icon + " " + c.Label
	if c.Annotation != "" {
		line += " " + r.theme.Muted.Render("("+c.Annotation+")")
	}
	if c.Preview != "" {
		line += "\n        " + r.theme.Muted.Render(c.Preview)
	}
	return line
}

// Summary renders the collapsed turn summary line and, when expanded, the
// usage breakdown.
func (r *TerminalRenderer) Summary(s presentation.SummaryView, focused bool) string {
	caret := "▸"
	if s.Expanded {
		caret = "▾"
	}
	parts := []string{caret + " " + s.Label}
	if len(s.Hosts) > 0 {
		parts = append(parts, strings.Join(s.Hosts, " · "))
	}
	if s.Usage != nil {
		parts = append(parts, s.Usage.Badge)
	}
	header := r.theme.Summary.Render(strings.Join(parts, "  "))
	if focused {
		header = r.theme.Selected.Render(header)
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	if s.Usage != nil && s.Usage.Expanded {
		for _, line := range s.Usage.Breakdown {
			b.WriteString("    " + r.theme.Muted.Render(line.Text) + "\n")
		}
	}
	return b.String()
}

// Clarification renders a question set and the echoed answer.
func (r *TerminalRenderer) Clarification(c presentation.ClarificationView) string {
	var b strings.Builder
	for _, q := range c.Questions {
		b.WriteString(r.theme.Question.Render("? " + q))
		b.WriteString("\n")
	}
	if c.Answered() {
		b.WriteString(r.theme.Echo.Render("  ↳ " + c.Answer))
		b.WriteString("\n")
	}
	return b.String()
}

func spinnerOr(frame string) string {
	if frame == "" {
		return "•"
	}
	return frame
}

func indentLines(text, indent string) string {
	if indent == "" || text == "" {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "")
}
