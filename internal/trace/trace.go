package trace

import (
	"context"

	"scan/internal/logging"
	"scan/internal/stream"
)

// Kind is the operation a ToolCall performs.
type Kind string

const (
	KindSearch Kind = "search"
	KindFetch  Kind = "fetch"
)

// Status is the lifecycle state of a ToolCall.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// GroupStatus is the lifecycle state of a TopicGroup.
type GroupStatus string

const (
	GroupRunning GroupStatus = "running"
	GroupDone    GroupStatus = "done"
)

// ToolCall is a single search or fetch.
type ToolCall struct {
	Seq    int
	Kind   Kind
	Status Status

	// Query is the natural key of a search.
	Query      string
	NumResults *int

	// URL is the natural key of a fetch.
	URL     string
	Content string
	Usage   *stream.TokenUsage
}

// Key returns the value used to correlate the call's completion event.
func (c *ToolCall) Key() string {
	if c.Kind == KindFetch {
		return c.URL
	}
	return c.Query
}

// Running reports whether the call has not completed yet.
func (c *ToolCall) Running() bool { return c.Status == StatusRunning }

// TopicGroup is one "research this topic" unit and its tool calls.
type TopicGroup struct {
	Seq    int
	Topic  string
	Status GroupStatus
	Calls  []*ToolCall
	// Fetched lists successfully fetched URLs in completion order.
	Fetched []string
	// Sources is Fetched as it stood when the group finished. Completions
	// that land later do not change it.
	Sources    []string
	NumSources *int
	Summary    string
	// ForceCollapsed is set when the group was closed by the first text
	// event instead of its own result.
	ForceCollapsed bool

	running []*ToolCall
}

// Done reports whether the group has finished.
func (g *TopicGroup) Done() bool { return g.Status == GroupDone }

// finish marks the group done and freezes its sources.
func (g *TopicGroup) finish() {
	g.Status = GroupDone
	g.Sources = append([]string(nil), g.Fetched...)
}

// Running returns the still-running calls, most recently started first.
func (g *TopicGroup) Running() []*ToolCall {
	out := make([]*ToolCall, 0, len(g.running))
	for i := len(g.running) - 1; i >= 0; i-- {
		out = append(out, g.running[i])
	}
	return out
}

// Current returns the most recently started running call, or nil.
func (g *TopicGroup) Current() *ToolCall {
	if len(g.running) == 0 {
		return nil
	}
	return g.running[len(g.running)-1]
}

func (g *TopicGroup) start(call *ToolCall) {
	g.Calls = append(g.Calls, call)
	g.running = append(g.running, call)
}

// complete removes and returns the oldest running call of kind whose key
// equals key, or nil when nothing matches.
func (g *TopicGroup) complete(kind Kind, key string) *ToolCall {
	for i, call := range g.running {
		if call.Kind == kind && call.Key() == key {
			g.running = append(g.running[:i], g.running[i+1:]...)
			return call
		}
	}
	return nil
}

// ChangeKind describes what Apply did to the trace.
type ChangeKind int

const (
	ChangeIgnored ChangeKind = iota
	ChangeGroupOpened
	ChangeCallStarted
	ChangeCallCompleted
	ChangeGroupCompleted
	ChangeUsage
)

// Change is the outcome of applying one detail event.
type Change struct {
	Kind  ChangeKind
	Group *TopicGroup
	Call  *ToolCall
}

// MissObserver is told about completions that matched no running call.
type MissObserver interface {
	RecordCorrelationMiss(ctx context.Context, kind string)
}

// Option configures a Trace.
type Option func(*Trace)

// WithMissObserver attaches a correlation miss observer.
func WithMissObserver(obs MissObserver) Option {
	return func(t *Trace) { t.observer = obs }
}

// WithLogger overrides the trace logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Trace) { t.logger = logging.OrNop(logger) }
}

// Trace is the tool trace of one turn. It is owned by a single session and
// is not safe for concurrent use.
type Trace struct {
	Groups []*TopicGroup
	// ToolCalls counts research, search and fetch events.
	ToolCalls int
	// Fetched lists successfully fetched URLs across all groups.
	Fetched []string
	// Usage is the latest usage summary, replaced wholesale by each usage event.
	Usage *stream.UsageSummary

	byTopic  map[string]*TopicGroup
	seq      int
	observer MissObserver
	logger   logging.Logger
}

// New returns an empty Trace.
func New(opts ...Option) *Trace {
	t := &Trace{
		byTopic: make(map[string]*TopicGroup),
		logger:  logging.NewComponentLogger("Trace"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Group returns the newest group for topic.
func (t *Trace) Group(topic string) (*TopicGroup, bool) {
	g, ok := t.byTopic[topic]
	return g, ok
}

// RunningGroups reports whether any group is still running.
func (t *Trace) RunningGroups() bool {
	for _, g := range t.Groups {
		if !g.Done() {
			return true
		}
	}
	return false
}

func (t *Trace) nextSeq() int {
	t.seq++
	return t.seq
}

// Apply folds one detail event into the trace.
func (t *Trace) Apply(ctx context.Context, ev stream.DetailEvent) Change {
	switch ev.Type {
	case stream.DetailResearch:
		t.ToolCalls++
		return t.openGroup(ev.Topic)

	case stream.DetailSearch, stream.DetailFetch:
		t.ToolCalls++
		group := t.resolve(ev.Topic)
		if group == nil {
			t.logger.Warn("%s for topic %q arrived before any research group", ev.Type, ev.Topic)
			return Change{Kind: ChangeIgnored}
		}
		call := &ToolCall{Seq: t.nextSeq(), Status: StatusRunning}
		if ev.Type == stream.DetailSearch {
			call.Kind, call.Query = KindSearch, ev.Query
		} else {
			call.Kind, call.URL = KindFetch, ev.URL
		}
		group.start(call)
		return Change{Kind: ChangeCallStarted, Group: group, Call: call}

	case stream.DetailSearchDone:
		return t.completeSearch(ctx, ev)

	case stream.DetailFetchDone:
		return t.completeFetch(ctx, ev)

	case stream.DetailResult:
		group := t.lookup(ev.Topic)
		if group == nil {
			t.logger.Warn("result for unknown topic %q", ev.Topic)
			return Change{Kind: ChangeIgnored}
		}
		if !group.Done() {
			group.finish()
		}
		group.NumSources = ev.NumSources
		group.Summary = ev.Summary
		return Change{Kind: ChangeGroupCompleted, Group: group}

	case stream.DetailUsage:
		usage := ev.UsageSummary()
		t.Usage = &usage
		return Change{Kind: ChangeUsage}

	default:
		t.logger.Debug("ignoring detail type %q", ev.Type)
		return Change{Kind: ChangeIgnored}
	}
}

// CollapseRunning marks every running group done, as when the first answer
// text arrives. Calls still running inside them are left untouched.
func (t *Trace) CollapseRunning() []*TopicGroup {
	var collapsed []*TopicGroup
	for _, g := range t.Groups {
		if g.Done() {
			continue
		}
		g.finish()
		g.ForceCollapsed = true
		collapsed = append(collapsed, g)
	}
	return collapsed
}

// openGroup always creates a fresh group. A repeated topic points the
// lookup at the newest group; older groups stay in Groups.
func (t *Trace) openGroup(topic string) Change {
	if prev, ok := t.byTopic[topic]; ok {
		t.logger.Warn("topic %q reopened; group %d keeps its calls", topic, prev.Seq)
	}
	group := &TopicGroup{Seq: t.nextSeq(), Topic: topic, Status: GroupRunning}
	t.Groups = append(t.Groups, group)
	t.byTopic[topic] = group
	return Change{Kind: ChangeGroupOpened, Group: group}
}

// lookup finds an existing group: the named topic's newest group, or the
// most recently opened group for an empty topic.
func (t *Trace) lookup(topic string) *TopicGroup {
	if g, ok := t.byTopic[topic]; ok {
		return g
	}
	if topic == "" && len(t.Groups) > 0 {
		return t.Groups[len(t.Groups)-1]
	}
	return nil
}

// resolve finds the group a detail event belongs to. An empty topic means
// the most recently opened group. A named topic without a research event
// gets an implicit group that does not count as a tool call.
func (t *Trace) resolve(topic string) *TopicGroup {
	if g := t.lookup(topic); g != nil || topic == "" {
		return g
	}
	return t.openGroup(topic).Group
}

func (t *Trace) completeSearch(ctx context.Context, ev stream.DetailEvent) Change {
	group, call := t.match(ctx, ev.Topic, KindSearch, ev.Query)
	if call == nil {
		return Change{Kind: ChangeIgnored, Group: group}
	}
	call.Status = StatusDone
	call.NumResults = ev.NumResults
	return Change{Kind: ChangeCallCompleted, Group: group, Call: call}
}

func (t *Trace) completeFetch(ctx context.Context, ev stream.DetailEvent) Change {
	group, call := t.match(ctx, ev.Topic, KindFetch, ev.URL)
	if call == nil {
		return Change{Kind: ChangeIgnored, Group: group}
	}
	if ev.Failed {
		call.Status = StatusFailed
		return Change{Kind: ChangeCallCompleted, Group: group, Call: call}
	}
	call.Status = StatusDone
	call.Content = ev.Content
	call.Usage = ev.Usage
	group.Fetched = append(group.Fetched, call.URL)
	t.Fetched = append(t.Fetched, call.URL)
	return Change{Kind: ChangeCallCompleted, Group: group, Call: call}
}

func (t *Trace) match(ctx context.Context, topic string, kind Kind, key string) (*TopicGroup, *ToolCall) {
	group := t.lookup(topic)
	var call *ToolCall
	if group != nil {
		call = group.complete(kind, key)
	}
	if call == nil {
		t.logger.Debug("no running %s %q in topic %q", kind, key, topic)
		if t.observer != nil {
			t.observer.RecordCorrelationMiss(ctx, string(kind))
		}
	}
	return group, call
}
