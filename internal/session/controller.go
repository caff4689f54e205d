package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	apperrors "scan/internal/errors"
	"scan/internal/logging"
	"scan/internal/observability"
	"scan/internal/output"
	"scan/internal/presentation"
	"scan/internal/stream"
	"scan/internal/trace"
)

// Metrics receives turn outcomes and correlation misses.
type Metrics interface {
	RecordTurn(ctx context.Context, outcome string, duration time.Duration)
	RecordCorrelationMiss(ctx context.Context, kind string)
}

// Update is sent to the listener after every visible change.
type Update struct {
	State State
	View  presentation.View
	// Event is the event that caused the update, nil for local changes
	// such as toggles and answer echoes.
	Event  stream.Event
	Change trace.Change
	// Outcome is set on the update that ends a connection.
	Outcome Outcome
}

// Listener observes controller updates. It runs on the controller's
// goroutine and must not block.
type Listener func(Update)

// Config wires a Controller.
type Config struct {
	Opener   stream.Opener
	Decoder  *stream.Decoder
	Renderer output.MarkdownRenderer
	Metrics  Metrics
	Tracer   *observability.TracerProvider
	Logger   logging.Logger
	Listener Listener
}

// Controller owns the stream connection of one active turn at a time. Event
// handling runs on the goroutine that called Start or Answer; the mutex
// only guards against UI calls such as toggles made from elsewhere.
type Controller struct {
	opener   stream.Opener
	decoder  *stream.Decoder
	renderer output.MarkdownRenderer
	metrics  Metrics
	tracer   *observability.TracerProvider
	logger   logging.Logger
	listener Listener

	mu     sync.Mutex
	state  State
	turn   *Turn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	c := &Controller{
		opener:   cfg.Opener,
		decoder:  cfg.Decoder,
		renderer: cfg.Renderer,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		listener: cfg.Listener,
	}
	if c.logger == nil {
		c.logger = logging.NewComponentLogger("StreamController")
	}
	if c.decoder == nil {
		c.decoder = stream.NewDecoder(stream.WithLogger(c.logger))
	}
	if c.tracer == nil {
		c.tracer = observability.NoopTracerProvider()
	}
	return c
}

// SetListener replaces the update listener.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turn returns the active turn, or nil.
func (c *Controller) Turn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// StartRequest describes a new turn.
type StartRequest struct {
	Query  string
	ChatID string
}

// Start opens a fresh turn and streams it until the connection ends. Any
// connection still open from a previous call is closed first.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Turn, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	c.preempt()

	missOpts := []trace.Option{trace.WithLogger(c.logger)}
	if c.metrics != nil {
		missOpts = append(missOpts, trace.WithMissObserver(c.metrics))
	}
	tr := trace.New(missOpts...)
	turn := &Turn{
		Query:     query,
		ChatID:    req.ChatID,
		trace:     tr,
		presenter: presentation.NewPresenter(query, tr),
	}

	c.mu.Lock()
	c.turn = turn
	c.mu.Unlock()

	return turn, c.run(ctx, turn)
}

// Answer submits the reply to a pending clarification and reconnects the
// same turn with the accumulated answers as context. The trace carries on
// from where the previous connection stopped, which is closed first.
func (c *Controller) Answer(ctx context.Context, answer string) (*Turn, error) {
	answer = strings.TrimSpace(answer)
	c.preempt()

	c.mu.Lock()
	turn := c.turn
	if turn == nil || c.state != StateAwaitingClarification {
		c.mu.Unlock()
		return nil, ErrNotAwaitingClarification
	}
	if answer == "" {
		c.mu.Unlock()
		return turn, ErrEmptyAnswer
	}
	turn.contexts = append(turn.contexts, answer)
	turn.presenter.EchoAnswer(answer)
	c.mu.Unlock()
	c.emit(Update{})

	return turn, c.run(ctx, turn)
}

// Cancel closes the open connection, if any, and waits for its loop to
// return.
func (c *Controller) Cancel() {
	c.preempt()
}

// Clear closes any open connection and empties the active turn slot.
func (c *Controller) Clear() {
	c.preempt()
	c.mu.Lock()
	c.turn = nil
	c.state = StateIdle
	c.mu.Unlock()
}

// Release empties the active slot once turn has been archived. A newer turn
// that already took the slot is left alone.
func (c *Controller) Release(turn *Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != turn {
		return
	}
	c.turn = nil
	c.state = StateIdle
}

func (c *Controller) preempt() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ToggleGroup flips a finished group's panel.
func (c *Controller) ToggleGroup(seq int) bool {
	return c.mutate(func(p *presentation.Presenter) bool { return p.ToggleGroup(seq) })
}

// ToggleSummary flips the turn summary.
func (c *Controller) ToggleSummary() bool {
	return c.mutate(func(p *presentation.Presenter) bool { return p.ToggleSummary() })
}

// ToggleUsage flips the usage breakdown.
func (c *Controller) ToggleUsage() bool {
	return c.mutate(func(p *presentation.Presenter) bool { return p.ToggleUsage() })
}

func (c *Controller) mutate(fn func(*presentation.Presenter) bool) bool {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return false
	}
	changed := fn(c.turn.presenter)
	c.mu.Unlock()
	if changed {
		c.emit(Update{})
	}
	return changed
}

func (c *Controller) emit(u Update) {
	c.mu.Lock()
	listener := c.listener
	u.State = c.state
	if c.turn != nil {
		u.View = c.turn.presenter.View()
	}
	c.mu.Unlock()
	if listener != nil {
		listener(u)
	}
}

// run streams one connection for turn until it ends and returns the turn's
// error as it stood when the connection closed.
func (c *Controller) run(parent context.Context, turn *Turn) (err error) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.state = StateConnecting
	turn.sessions++
	turn.outcome, turn.err = OutcomeNone, nil
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		// A newer connection may already own the handles.
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		err = turn.err
		c.mu.Unlock()
		close(done)
	}()

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanStreamSession,
		observability.SessionAttrs(turn.ChatID, turn.sessions-1)...)
	defer span.End()
	started := time.Now()

	req := stream.Request{Query: turn.Query, ChatID: turn.ChatID, Context: turn.Context()}
	c.emit(Update{})

	outcome := c.stream(ctx, turn, req)

	span.SetAttributes(observability.OutcomeAttrs(string(outcome), turn.trace.ToolCalls)...)
	if turn.err != nil {
		span.SetAttributes(observability.ErrorAttrs(turn.err)...)
	}
	if c.metrics != nil {
		c.metrics.RecordTurn(ctx, string(outcome), time.Since(started))
	}
	c.logger.Info("stream session %d for %q ended: %s", turn.sessions, turn.Query, outcome)
	return
}

func (c *Controller) stream(ctx context.Context, turn *Turn, req stream.Request) Outcome {
	conn, err := c.opener.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return c.finish(turn, OutcomeCancelled, nil, nil)
		}
		c.logger.Warn("open stream failed: %v", err)
		return c.finish(turn, OutcomeError, err, nil)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		raw, err := conn.Next()
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(turn, OutcomeCancelled, nil, nil)
			}
			c.logger.Debug("stream closed without terminal event: %v", err)
			return c.dropped(turn, nil)
		}

		ev, ok := c.decoder.Decode(ctx, raw)
		if !ok {
			continue
		}
		if outcome, terminal := c.handle(ctx, turn, conn, ev); terminal {
			return outcome
		}
	}
}

// handle applies one event. terminal is true when the connection is over.
func (c *Controller) handle(ctx context.Context, turn *Turn, conn stream.Conn, ev stream.Event) (Outcome, bool) {
	c.mu.Lock()
	turn.recorder.Record(ev)
	var change trace.Change

	switch e := ev.(type) {
	case stream.StageEvent:
		turn.presenter.SetStage(e.Stage)
		if e.Stage == "responding" {
			c.state = StateResponding
		} else if c.state == StateConnecting {
			c.state = StateResearching
		}

	case stream.DetailEvent:
		if c.state == StateConnecting {
			c.state = StateResearching
		}
		change = turn.trace.Apply(ctx, e)
		if change.Kind == trace.ChangeUsage {
			turn.presenter.ApplyUsage()
		}

	case stream.TextEvent:
		if !turn.answering {
			turn.answering = true
			turn.presenter.BeginAnswer()
		}
		c.state = StateResponding
		turn.answer.WriteString(e.Text)
		turn.rendered = c.render(turn.answer.String())
		turn.presenter.SetAnswer(turn.rendered)

	case stream.ClarificationEvent:
		_ = conn.Close()
		turn.presenter.AskClarification(e.Questions)
		turn.outcome = OutcomeClarification
		c.state = StateAwaitingClarification
		c.mu.Unlock()
		c.emit(Update{Event: ev, Outcome: OutcomeClarification})
		return OutcomeClarification, true

	case stream.DoneEvent:
		c.mu.Unlock()
		_ = conn.Close()
		return c.finish(turn, OutcomeDone, nil, ev), true

	case stream.ErrorEvent:
		c.mu.Unlock()
		_ = conn.Close()
		if strings.TrimSpace(e.Message) == "" {
			return c.dropped(turn, ev), true
		}
		return c.finish(turn, OutcomeError, &BackendError{Message: e.Message}, ev), true
	}

	c.mu.Unlock()
	c.emit(Update{Event: ev, Change: change})
	return OutcomeNone, false
}

// dropped finalizes a connection that ended without done or error text.
// Buffered answer text is kept as the result; with nothing to show the turn
// fails with ErrEmptyResponse.
func (c *Controller) dropped(turn *Turn, ev stream.Event) Outcome {
	if turn.answer.Len() > 0 {
		return c.finish(turn, OutcomePartial, nil, ev)
	}
	return c.finish(turn, OutcomeEmpty, ErrEmptyResponse, ev)
}

func (c *Controller) finish(turn *Turn, outcome Outcome, err error, ev stream.Event) Outcome {
	c.mu.Lock()
	turn.outcome = outcome
	turn.err = err
	turn.presenter.ClearStatus()
	turn.trace.CollapseRunning()
	switch outcome {
	case OutcomeDone, OutcomePartial, OutcomeCancelled:
		c.state = StateDone
		if outcome == OutcomeCancelled {
			turn.presenter.SetNotice("cancelled")
		}
	default:
		c.state = StateError
		turn.presenter.SetError(userMessage(err))
	}
	c.mu.Unlock()
	c.emit(Update{Event: ev, Outcome: outcome})
	return outcome
}

func (c *Controller) render(buffer string) string {
	if c.renderer == nil {
		return buffer
	}
	rendered, err := c.renderer.Render(buffer)
	if err != nil {
		c.logger.Warn("markdown render failed: %v", err)
		return buffer
	}
	return rendered
}

// BackendError is an error reported by the backend through an error event.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string { return e.Message }

func userMessage(err error) string {
	var backend *BackendError
	if errors.As(err, &backend) || errors.Is(err, ErrEmptyResponse) {
		return err.Error()
	}
	return apperrors.FormatForUser(err)
}
