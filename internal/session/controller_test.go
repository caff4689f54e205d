package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan/internal/logging"
	"scan/internal/stream"
	"scan/internal/trace"
)

type fakeConn struct {
	mu      sync.Mutex
	events  []stream.RawEvent
	read    int
	hang    bool
	closed  bool
	closeCh chan struct{}
}

func newConn(events ...stream.RawEvent) *fakeConn {
	return &fakeConn{events: events, closeCh: make(chan struct{})}
}

func newHangingConn(events ...stream.RawEvent) *fakeConn {
	c := newConn(events...)
	c.hang = true
	return c
}

func (c *fakeConn) Next() (stream.RawEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stream.RawEvent{}, io.ErrClosedPipe
	}
	if c.read < len(c.events) {
		ev := c.events[c.read]
		c.read++
		c.mu.Unlock()
		return ev, nil
	}
	hang := c.hang
	c.mu.Unlock()
	if !hang {
		return stream.RawEvent{}, io.EOF
	}
	<-c.closeCh
	return stream.RawEvent{}, io.ErrClosedPipe
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) - c.read
}

type fakeOpener struct {
	mu       sync.Mutex
	conns    []*fakeConn
	requests []stream.Request
	err      error
	opened   chan struct{}
	log      *[]string
}

func newOpener(conns ...*fakeConn) *fakeOpener {
	return &fakeOpener{conns: conns, opened: make(chan struct{}, 8)}
}

func (o *fakeOpener) Open(_ context.Context, req stream.Request) (stream.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.log != nil {
		*o.log = append(*o.log, "open")
	}
	if o.err != nil {
		return nil, o.err
	}
	if len(o.conns) == 0 {
		return nil, errors.New("no scripted connection")
	}
	conn := o.conns[0]
	o.conns = o.conns[1:]
	o.opened <- struct{}{}
	return conn, nil
}

func (o *fakeOpener) Requests() []stream.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]stream.Request(nil), o.requests...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	misses   []string
}

func (m *fakeMetrics) RecordTurn(_ context.Context, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) RecordCorrelationMiss(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses = append(m.misses, kind)
}

type bracketRenderer struct{}

func (bracketRenderer) Render(s string) (string, error) { return "[" + s + "]", nil }

type failingRenderer struct{}

func (failingRenderer) Render(string) (string, error) { return "", errors.New("no style") }

type stateLog struct {
	mu      sync.Mutex
	states  []State
	updates []Update
}

func (l *stateLog) listen(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.states); n == 0 || l.states[n-1] != u.State {
		l.states = append(l.states, u.State)
	}
	l.updates = append(l.updates, u)
}

func (l *stateLog) Updates() []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Update(nil), l.updates...)
}

func intPtr(v int) *int { return &v }

func raw(name string, payload any) stream.RawEvent {
	if payload == nil {
		return stream.RawEvent{Name: name}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return stream.RawEvent{Name: name, Data: string(data)}
}

func stage(s string) stream.RawEvent { return raw(stream.EventStage, stream.StageEvent{Stage: s}) }

func detail(ev stream.DetailEvent) stream.RawEvent { return raw(stream.EventDetail, ev) }

func text(s string) stream.RawEvent { return raw(stream.EventText, stream.TextEvent{Text: s}) }

func done() stream.RawEvent { return raw(stream.EventDone, nil) }

func backendError(msg string) stream.RawEvent {
	if msg == "" {
		return raw(stream.EventError, nil)
	}
	return raw(stream.EventError, stream.ErrorEvent{Message: msg})
}

func clarification(questions ...string) stream.RawEvent {
	return raw(stream.EventClarification, stream.ClarificationEvent{Questions: questions})
}

func researchEv(topic string) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailResearch, Topic: topic})
}

func searchEv(topic, query string) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailSearch, Topic: topic, Query: query})
}

func searchDoneEv(topic, query string, n int) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailSearchDone, Topic: topic, Query: query, NumResults: intPtr(n)})
}

func fetchEv(topic, url string) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailFetch, Topic: topic, URL: url})
}

func fetchDoneEv(topic, url string, failed bool) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailFetchDone, Topic: topic, URL: url, Failed: failed})
}

func resultEv(topic string, n int) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailResult, Topic: topic, NumSources: intPtr(n)})
}

func usageEv(total stream.TokenUsage) stream.RawEvent {
	return detail(stream.DetailEvent{Type: stream.DetailUsage, Total: &total})
}

func newTestController(opener stream.Opener, metrics Metrics, log *stateLog) *Controller {
	cfg := Config{
		Opener:   opener,
		Decoder:  stream.NewDecoder(stream.WithLogger(logging.Nop())),
		Renderer: bracketRenderer{},
		Logger:   logging.Nop(),
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}
	if log != nil {
		cfg.Listener = log.listen
	}
	return NewController(cfg)
}

func scenarioA() *fakeConn {
	const topic = "Rust ownership"
	return newConn(
		stage("researching"),
		researchEv(topic),
		searchEv(topic, "rust borrow checker"),
		searchDoneEv(topic, "rust borrow checker", 5),
		fetchEv(topic, "https://a.example"),
		fetchDoneEv(topic, "https://a.example", false),
		resultEv(topic, 1),
		stage("responding"),
		text("Rust uses ownership..."),
		done(),
	)
}

func TestControllerSingleTopicTurn(t *testing.T) {
	conn := scenarioA()
	opener := newOpener(conn)
	metrics := &fakeMetrics{}
	log := &stateLog{}
	c := newTestController(opener, metrics, log)

	turn, err := c.Start(context.Background(), StartRequest{Query: "  how does rust ownership work  "})
	require.NoError(t, err)
	require.NotNil(t, turn)

	assert.Equal(t, "how does rust ownership work", turn.Query)
	assert.Equal(t, OutcomeDone, turn.Outcome())
	assert.Equal(t, 3, turn.Trace().ToolCalls)
	assert.Equal(t, []string{"https://a.example"}, turn.Trace().Fetched)
	assert.Equal(t, "Rust uses ownership...", turn.Answer())
	assert.Contains(t, turn.Rendered(), "Rust uses ownership...")
	assert.Equal(t, "[Rust uses ownership...]", turn.Rendered())
	assert.True(t, conn.isClosed())

	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, []State{StateConnecting, StateResearching, StateResponding, StateDone}, log.states)
	assert.Equal(t, []string{"done"}, metrics.outcomes)

	view := turn.View()
	assert.Empty(t, view.Status)
	require.NotNil(t, view.Summary)
	assert.Equal(t, 3, view.Summary.ToolCalls)
	assert.Equal(t, []string{"a.example"}, view.Summary.Hosts)
	require.Len(t, view.Groups, 1)
	assert.False(t, view.Groups[0].Running)

	requests := opener.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "how does rust ownership work", requests[0].Query)
	assert.Empty(t, requests[0].Context)
}

func TestControllerTextForceCollapsesRunningFetch(t *testing.T) {
	const topic = "Go generics"
	opener := newOpener(newConn(
		researchEv(topic),
		fetchEv(topic, "https://u.example"),
		text("Generics landed in 1.18."),
		done(),
	))
	c := newTestController(opener, nil, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "generics"})
	require.NoError(t, err)

	group, ok := turn.Trace().Group(topic)
	require.True(t, ok)
	assert.Equal(t, trace.GroupDone, group.Status)
	assert.True(t, group.ForceCollapsed)
	assert.NotContains(t, turn.Trace().Fetched, "https://u.example")
	assert.Empty(t, group.Fetched)
}

func TestControllerClarificationReconnectsWithContext(t *testing.T) {
	const topic = "Python packaging"
	first := newConn(
		stage("researching"),
		researchEv(topic),
		searchEv(topic, "pip vs poetry"),
		clarification("Which version?"),
		done(),
		text("stray"),
	)
	second := newConn(
		searchDoneEv(topic, "pip vs poetry", 4),
		resultEv(topic, 0),
		text("For v2, use poetry."),
		done(),
	)
	opener := newOpener(first, second)
	metrics := &fakeMetrics{}
	c := newTestController(opener, metrics, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "packaging", ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeClarification, turn.Outcome())
	assert.False(t, turn.Outcome().Terminal())
	assert.Equal(t, StateAwaitingClarification, c.State())
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, first.unread(), "events after a clarification must not be read")
	assert.Empty(t, turn.Answer())
	assert.Equal(t, 2, turn.Trace().ToolCalls)

	view := turn.View()
	assert.True(t, view.AwaitingAnswer())
	assert.Empty(t, view.Status)
	require.Len(t, view.Clarifications, 1)
	assert.Equal(t, []string{"Which version?"}, view.Clarifications[0].Questions)

	again, err := c.Answer(context.Background(), " v2 ")
	require.NoError(t, err)
	assert.Same(t, turn, again)
	assert.Equal(t, OutcomeDone, turn.Outcome())
	assert.Equal(t, 2, turn.Sessions())
	assert.Equal(t, 2, turn.Trace().ToolCalls)
	assert.Equal(t, "For v2, use poetry.", turn.Answer())

	group, ok := turn.Trace().Group(topic)
	require.True(t, ok)
	require.Len(t, group.Calls, 1)
	assert.Equal(t, trace.StatusDone, group.Calls[0].Status, "completion on the new connection matches the earlier call")

	requests := opener.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "packaging", requests[1].Query)
	assert.Equal(t, "chat-1", requests[1].ChatID)
	assert.Equal(t, "v2", requests[1].Context)

	final := turn.View()
	require.Len(t, final.Clarifications, 1)
	assert.Equal(t, "v2", final.Clarifications[0].Answer)
	assert.Equal(t, []string{"clarification", "done"}, metrics.outcomes)
}

func TestControllerAccumulatesClarificationContext(t *testing.T) {
	opener := newOpener(
		newConn(clarification("Which OS?")),
		newConn(clarification("Which shell?")),
		newConn(text("ok"), done()),
	)
	c := newTestController(opener, nil, nil)

	_, err := c.Start(context.Background(), StartRequest{Query: "setup"})
	require.NoError(t, err)
	_, err = c.Answer(context.Background(), "linux")
	require.NoError(t, err)
	turn, err := c.Answer(context.Background(), "zsh")
	require.NoError(t, err)

	assert.Equal(t, OutcomeDone, turn.Outcome())
	requests := opener.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, "linux", requests[1].Context)
	assert.Equal(t, "linux\nzsh", requests[2].Context)
}

func TestControllerRejectsEmptyInput(t *testing.T) {
	opener := newOpener(newConn(clarification("Which version?")))
	c := newTestController(opener, nil, nil)

	_, err := c.Start(context.Background(), StartRequest{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)

	_, err = c.Answer(context.Background(), "v2")
	require.ErrorIs(t, err, ErrNotAwaitingClarification)

	_, err = c.Start(context.Background(), StartRequest{Query: "versions"})
	require.NoError(t, err)

	turn, err := c.Answer(context.Background(), " \t ")
	require.ErrorIs(t, err, ErrEmptyAnswer)
	require.NotNil(t, turn)
	assert.Equal(t, StateAwaitingClarification, c.State())
	assert.Len(t, opener.Requests(), 1, "an empty answer must not reconnect")
}

func TestControllerErrorEvents(t *testing.T) {
	tests := []struct {
		name        string
		events      []stream.RawEvent
		wantOutcome Outcome
		wantState   State
		wantErr     error
		wantView    string
		wantAnswer  string
	}{
		{
			name:        "error with message",
			events:      []stream.RawEvent{text("partial "), backendError("rate limited, try again later")},
			wantOutcome: OutcomeError,
			wantState:   StateError,
			wantView:    "rate limited, try again later",
			wantAnswer:  "partial ",
		},
		{
			name:        "empty error after text is a drop",
			events:      []stream.RawEvent{text("kept"), backendError("")},
			wantOutcome: OutcomePartial,
			wantState:   StateDone,
			wantAnswer:  "kept",
		},
		{
			name:        "empty error without text",
			events:      []stream.RawEvent{stage("researching"), backendError("")},
			wantOutcome: OutcomeEmpty,
			wantState:   StateError,
			wantErr:     ErrEmptyResponse,
			wantView:    ErrEmptyResponse.Error(),
		},
		{
			name:        "silent drop after text",
			events:      []stream.RawEvent{text("half an answer")},
			wantOutcome: OutcomePartial,
			wantState:   StateDone,
			wantAnswer:  "half an answer",
		},
		{
			name:        "silent drop without text",
			events:      []stream.RawEvent{stage("researching")},
			wantOutcome: OutcomeEmpty,
			wantState:   StateError,
			wantErr:     ErrEmptyResponse,
			wantView:    ErrEmptyResponse.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newConn(tt.events...)
			c := newTestController(newOpener(conn), nil, nil)

			turn, err := c.Start(context.Background(), StartRequest{Query: "q"})
			require.NotNil(t, turn)
			assert.Equal(t, tt.wantOutcome, turn.Outcome())
			assert.Equal(t, tt.wantState, c.State())
			assert.Equal(t, tt.wantAnswer, turn.Answer())
			assert.True(t, conn.isClosed())

			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.wantOutcome == OutcomeError:
				var backend *BackendError
				require.ErrorAs(t, err, &backend)
			default:
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantView, turn.View().Error)
		})
	}
}

func TestControllerOpenFailure(t *testing.T) {
	opener := newOpener()
	opener.err = errors.New("dial tcp 127.0.0.1:8787: connect: connection refused")
	c := newTestController(opener, nil, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, OutcomeError, turn.Outcome())
	assert.Equal(t, StateError, c.State())
	assert.NotEmpty(t, turn.View().Error)
}

func TestControllerDropsMalformedEvents(t *testing.T) {
	opener := newOpener(newConn(
		stream.RawEvent{Name: stream.EventDetail, Data: "{not json"},
		stream.RawEvent{Name: "heartbeat", Data: "{}"},
		text("still fine"),
		done(),
	))
	c := newTestController(opener, nil, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "still fine", turn.Answer())
	assert.Equal(t, 0, turn.Trace().ToolCalls)
}

func TestControllerRenderFailureFallsBackToRaw(t *testing.T) {
	c := NewController(Config{
		Opener:   newOpener(newConn(text("**bold**"), done())),
		Renderer: failingRenderer{},
		Logger:   logging.Nop(),
	})

	turn, err := c.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "**bold**", turn.Rendered())
}

func TestControllerCancel(t *testing.T) {
	conn := newHangingConn(stage("researching"))
	opener := newOpener(conn)
	metrics := &fakeMetrics{}
	c := newTestController(opener, metrics, nil)

	result := make(chan *Turn, 1)
	go func() {
		turn, _ := c.Start(context.Background(), StartRequest{Query: "slow"})
		result <- turn
	}()
	<-opener.opened
	c.Cancel()

	select {
	case turn := <-result:
		assert.Equal(t, OutcomeCancelled, turn.Outcome())
		assert.NoError(t, turn.Err())
		assert.Equal(t, "cancelled", turn.View().Notice)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Cancel")
	}
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, []string{"cancelled"}, metrics.outcomes)
}

func TestControllerNewTurnPreemptsOpenConnection(t *testing.T) {
	slow := newHangingConn(stage("researching"))
	fast := newConn(text("second"), done())
	opener := newOpener(slow, fast)
	c := newTestController(opener, nil, nil)

	result := make(chan *Turn, 1)
	go func() {
		turn, _ := c.Start(context.Background(), StartRequest{Query: "first"})
		result <- turn
	}()
	<-opener.opened

	second, err := c.Start(context.Background(), StartRequest{Query: "second"})
	require.NoError(t, err)

	first := <-result
	assert.True(t, slow.isClosed())
	assert.Equal(t, OutcomeCancelled, first.Outcome())
	assert.Equal(t, OutcomeDone, second.Outcome())
	assert.Same(t, second, c.Turn())
}

func TestControllerAnswerDuringCleanupKeepsNewConnectionCancellable(t *testing.T) {
	first := newConn(clarification("Which version?"))
	second := newHangingConn(stage("researching"))
	opener := newOpener(first, second)
	c := newTestController(opener, nil, nil)

	// Answer from another goroutine as soon as the clarification shows up,
	// while the first connection is still unwinding.
	answered := make(chan *Turn, 1)
	var once sync.Once
	c.SetListener(func(u Update) {
		if u.State != StateAwaitingClarification {
			return
		}
		once.Do(func() {
			go func() {
				turn, _ := c.Answer(context.Background(), "v2")
				answered <- turn
			}()
		})
	})

	_, err := c.Start(context.Background(), StartRequest{Query: "versions"})
	require.NoError(t, err)

	<-opener.opened
	<-opener.opened
	c.Cancel()

	select {
	case turn := <-answered:
		require.NotNil(t, turn)
		assert.Equal(t, OutcomeCancelled, turn.Outcome())
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not close the reopened connection")
	}
	assert.True(t, second.isClosed())
	assert.Equal(t, "v2", opener.Requests()[1].Context)
}

func TestControllerParentContextCancel(t *testing.T) {
	conn := newHangingConn()
	opener := newOpener(conn)
	c := newTestController(opener, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-opener.opened
		cancel()
	}()

	turn, err := c.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, turn.Outcome())
	assert.True(t, conn.isClosed())
}

func TestControllerTogglesAndUsagePatch(t *testing.T) {
	const topic = "Zig comptime"
	opener := newOpener(newConn(
		researchEv(topic),
		resultEv(topic, 0),
		text("Comptime runs code at compile time."),
		usageEv(stream.TokenUsage{InputTokens: 1500, OutputTokens: 300, InputCost: 0.01, OutputCost: 0.03}),
		done(),
	))
	log := &stateLog{}
	c := newTestController(opener, nil, log)

	turn, err := c.Start(context.Background(), StartRequest{Query: "comptime"})
	require.NoError(t, err)

	view := turn.View()
	require.NotNil(t, view.Summary)
	require.NotNil(t, view.Summary.Usage, "usage after text patches the summary")
	assert.Equal(t, 1, view.Summary.ToolCalls)

	seq := view.Groups[0].Seq
	assert.True(t, c.ToggleSummary())
	assert.True(t, c.ToggleGroup(seq))
	assert.True(t, c.ToggleUsage())
	assert.False(t, c.ToggleGroup(seq+100))

	view = turn.View()
	assert.True(t, view.Summary.Expanded)
	assert.True(t, view.Summary.Usage.Expanded)
	assert.True(t, view.Groups[0].Expanded)

	updates := log.Updates()
	last := updates[len(updates)-1]
	assert.Nil(t, last.Event, "toggle updates carry no event")
	assert.True(t, last.View.Summary.Usage.Expanded)
}

func TestControllerRecordsEventLog(t *testing.T) {
	c := newTestController(newOpener(scenarioA()), nil, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "rust"})
	require.NoError(t, err)

	entries := turn.Entries()
	// Two stages and six details; text and done are not logged.
	assert.Len(t, entries, 8)

	data, err := turn.Recorder().EventsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"detail_type":"research"`)
	assert.Contains(t, string(data), `"stage":"responding"`)
}

func TestControllerCorrelationMissesReachMetrics(t *testing.T) {
	const topic = "T"
	metrics := &fakeMetrics{}
	c := newTestController(newOpener(newConn(
		researchEv(topic),
		fetchDoneEv(topic, "https://never-started.example", false),
		text("x"),
		done(),
	)), metrics, nil)

	turn, err := c.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, turn.Trace().Fetched)
	assert.Equal(t, []string{"fetch"}, metrics.misses)
}
