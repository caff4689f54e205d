package presentation

import (
	"scan/internal/history"
	"scan/internal/stream"
	"scan/internal/trace"
)

// ChildView is one tool call row inside a group panel.
type ChildView struct {
	Kind       trace.Kind
	Status     trace.Status
	Label      string
	Annotation string
	URL        string
	// Preview is a plain-text excerpt of a fetched page.
	Preview string
}

// GroupView is one topic group panel.
type GroupView struct {
	Seq      int
	Topic    string
	Label    string
	Running  bool
	Subline  string
	Children []ChildView
	// Sources and SourceCaption are set once the group is done.
	Sources       []string
	SourceCaption string
	Summary       string
	Expanded      bool
	Toggleable    bool
}

// CostLine is one row of the usage breakdown.
type CostLine struct {
	Role         string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Text         string
}

// UsageView is the usage badge and its expandable breakdown.
type UsageView struct {
	Badge     string
	Breakdown []CostLine
	Expanded  bool
}

// SummaryView is the collapsed turn summary.
type SummaryView struct {
	ToolCalls int
	Label     string
	Hosts     []string
	Usage     *UsageView
	Expanded  bool
}

// ClarificationView is a question set and, once given, the user's answer.
type ClarificationView struct {
	Questions []string
	Answer    string
	// AfterGroups is the number of groups that existed when it was asked,
	// which positions it in the trace area.
	AfterGroups int
}

// Answered reports whether the user has replied.
func (c ClarificationView) Answered() bool { return c.Answer != "" }

// View is an immutable snapshot of one turn's presentation.
type View struct {
	Query          string
	Status         string
	Groups         []GroupView
	Summary        *SummaryView
	Clarifications []ClarificationView
	Answer         string
	Error          string
	Notice         string
}

// GroupsVisible reports whether group panels are shown. Once a summary
// exists they are nested inside it and follow its expansion.
func (v View) GroupsVisible() bool {
	return v.Summary == nil || v.Summary.Expanded
}

// AwaitingAnswer reports whether the latest clarification is unanswered.
func (v View) AwaitingAnswer() bool {
	n := len(v.Clarifications)
	return n > 0 && !v.Clarifications[n-1].Answered()
}

// Presenter projects a turn's Trace into View snapshots and holds the
// expand/collapse state. It is driven from the session goroutine only.
type Presenter struct {
	query          string
	trace          *trace.Trace
	status         string
	expanded       map[int]bool
	previews       map[int]string
	summary        *SummaryView
	clarifications []ClarificationView
	answer         string
	errMsg         string
	notice         string
}

// NewPresenter returns a presenter for tr.
func NewPresenter(query string, tr *trace.Trace) *Presenter {
	return &Presenter{query: query, trace: tr, expanded: make(map[int]bool), previews: make(map[int]string)}
}

// SetStage updates the status indicator.
func (p *Presenter) SetStage(stage string) { p.status = StageLabel(stage) }

// ClearStatus hides the status indicator.
func (p *Presenter) ClearStatus() { p.status = "" }

// BeginAnswer runs when the first text of a turn arrives. Running groups are
// force-collapsed and, if any group exists, the turn summary is created
// with its tool count and hosts fixed from this point on.
func (p *Presenter) BeginAnswer() {
	p.trace.CollapseRunning()
	if p.summary != nil || len(p.trace.Groups) == 0 {
		return
	}
	p.summary = &SummaryView{
		ToolCalls: p.trace.ToolCalls,
		Label:     toolCountLabel(p.trace.ToolCalls),
		Hosts:     UniqueHosts(p.trace.Fetched, MaxSummaryHosts),
	}
	if p.trace.Usage != nil {
		p.summary.Usage = newUsageView(*p.trace.Usage)
	}
}

// ApplyUsage patches the summary's usage in place. Before a summary exists
// it does nothing; BeginAnswer picks the usage up from the trace.
func (p *Presenter) ApplyUsage() {
	if p.summary == nil || p.trace.Usage == nil {
		return
	}
	if p.summary.Usage == nil {
		p.summary.Usage = newUsageView(*p.trace.Usage)
		return
	}
	expanded := p.summary.Usage.Expanded
	p.summary.Usage = newUsageView(*p.trace.Usage)
	p.summary.Usage.Expanded = expanded
}

func newUsageView(u stream.UsageSummary) *UsageView {
	return &UsageView{
		Badge: usageBadge(u),
		Breakdown: []CostLine{
			costLine("Research", u.Research),
			costLine("Extraction", u.Extraction),
			costLine("Total", u.Total),
		},
	}
}

// SetAnswer replaces the rendered answer.
func (p *Presenter) SetAnswer(rendered string) { p.answer = rendered }

// AskClarification shows a question set awaiting one answer.
func (p *Presenter) AskClarification(questions []string) {
	p.status = ""
	p.clarifications = append(p.clarifications, ClarificationView{
		Questions:   append([]string(nil), questions...),
		AfterGroups: len(p.trace.Groups),
	})
}

// EchoAnswer records the user's answer under the pending clarification.
func (p *Presenter) EchoAnswer(answer string) {
	if n := len(p.clarifications); n > 0 && !p.clarifications[n-1].Answered() {
		p.clarifications[n-1].Answer = answer
	}
}

// SetError shows an inline error for the turn.
func (p *Presenter) SetError(msg string) {
	p.status = ""
	p.errMsg = msg
}

// SetNotice shows a non-error note, e.g. a partial answer after a drop.
func (p *Presenter) SetNotice(msg string) { p.notice = msg }

// ToggleGroup flips a finished group's expansion. Running or unknown groups
// are left alone and false is returned.
func (p *Presenter) ToggleGroup(seq int) bool {
	for _, g := range p.trace.Groups {
		if g.Seq != seq {
			continue
		}
		if !g.Done() {
			return false
		}
		p.expanded[seq] = !p.expanded[seq]
		return true
	}
	return false
}

// ToggleSummary flips visibility of the groups nested in the summary.
func (p *Presenter) ToggleSummary() bool {
	if p.summary == nil {
		return false
	}
	p.summary.Expanded = !p.summary.Expanded
	return true
}

// ToggleUsage flips the cost breakdown.
func (p *Presenter) ToggleUsage() bool {
	if p.summary == nil || p.summary.Usage == nil {
		return false
	}
	p.summary.Usage.Expanded = !p.summary.Usage.Expanded
	return true
}

// View snapshots the current state. The result shares nothing with the
// presenter.
func (p *Presenter) View() View {
	view := View{
		Query:          p.query,
		Status:         p.status,
		Answer:         p.answer,
		Error:          p.errMsg,
		Notice:         p.notice,
		Clarifications: make([]ClarificationView, len(p.clarifications)),
	}
	for i, c := range p.clarifications {
		c.Questions = append([]string(nil), c.Questions...)
		view.Clarifications[i] = c
	}
	for _, g := range p.trace.Groups {
		view.Groups = append(view.Groups, p.groupView(g))
	}
	if p.summary != nil {
		s := *p.summary
		s.Hosts = append([]string(nil), s.Hosts...)
		if s.Usage != nil {
			u := *s.Usage
			u.Breakdown = append([]CostLine(nil), u.Breakdown...)
			s.Usage = &u
		}
		view.Summary = &s
	}
	return view
}

func (p *Presenter) groupView(g *trace.TopicGroup) GroupView {
	gv := GroupView{
		Seq:        g.Seq,
		Topic:      g.Topic,
		Label:      GroupLabel(g),
		Running:    !g.Done(),
		Summary:    g.Summary,
		Expanded:   p.expanded[g.Seq],
		Toggleable: g.Done(),
	}
	if gv.Running {
		if current := g.Current(); current != nil {
			gv.Subline = CallLabel(current)
		}
	} else {
		n := min(len(g.Sources), MaxGroupSources)
		gv.Sources = append([]string(nil), g.Sources[:n]...)
		gv.SourceCaption = sourceCaption(len(g.Sources))
	}
	for _, c := range g.Calls {
		gv.Children = append(gv.Children, ChildView{
			Kind:       c.Kind,
			Status:     c.Status,
			Label:      CallLabel(c),
			Annotation: CallAnnotation(c),
			URL:        c.URL,
			Preview:    p.preview(c),
		})
	}
	return gv
}

// preview returns the excerpt of a finished fetch. Content is fixed once
// the fetch completes, so each page is parsed only once.
func (p *Presenter) preview(c *trace.ToolCall) string {
	if c.Kind != trace.KindFetch || c.Status != trace.StatusDone || c.Content == "" {
		return ""
	}
	if text, ok := p.previews[c.Seq]; ok {
		return text
	}
	text := ContentPreview(c.Content, MaxPreviewRunes)
	p.previews[c.Seq] = text
	return text
}

// ArchivedSummary builds the collapsed summary of a rehydrated turn. Nil
// means the turn used no tools and shows no summary.
func ArchivedSummary(s history.Summary) *SummaryView {
	if s.ToolCalls == 0 && s.Usage == nil {
		return nil
	}
	view := &SummaryView{
		ToolCalls: s.ToolCalls,
		Label:     toolCountLabel(s.ToolCalls),
		Hosts:     UniqueHosts(s.Fetched, MaxSummaryHosts),
	}
	if s.Usage != nil {
		view.Usage = newUsageView(*s.Usage)
	}
	return view
}
