package session

import (
	"errors"
	"strings"

	"scan/internal/history"
	"scan/internal/observability"
	"scan/internal/presentation"
	"scan/internal/trace"
)

var (
	ErrEmptyAnswer              = errors.New("clarification answer is empty")
	ErrEmptyQuery               = errors.New("query is empty")
	ErrSessionBusy              = errors.New("a clarification is waiting for an answer")
	ErrNotAwaitingClarification = errors.New("no clarification is pending")
	// ErrEmptyResponse marks a stream that closed before sending anything
	// to show.
	ErrEmptyResponse = errors.New("stream ended without a response")
)

// State is the stream controller state of the active turn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateResearching
	StateResponding
	StateAwaitingClarification
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateResearching:
		return "researching"
	case StateResponding:
		return "responding"
	case StateAwaitingClarification:
		return "awaiting_clarification"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is how one stream connection ended.
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeDone          Outcome = observability.OutcomeDone
	OutcomeError         Outcome = observability.OutcomeError
	OutcomePartial       Outcome = observability.OutcomePartial
	OutcomeEmpty         Outcome = observability.OutcomeEmpty
	OutcomeClarification Outcome = observability.OutcomeClarification
	OutcomeCancelled     Outcome = observability.OutcomeCancelled
)

// Terminal reports whether the turn is over. A clarification pauses the
// turn instead of ending it.
func (o Outcome) Terminal() bool {
	return o != OutcomeNone && o != OutcomeClarification
}

// Turn is one user query with its trace and answer. A turn is mutated only
// by the controller that owns it.
type Turn struct {
	Query  string
	ChatID string

	trace     *trace.Trace
	presenter *presentation.Presenter
	recorder  history.Recorder

	answer    strings.Builder
	rendered  string
	answering bool
	contexts  []string
	sessions  int
	outcome   Outcome
	err       error
}

// Trace returns the turn's tool trace.
func (t *Turn) Trace() *trace.Trace { return t.trace }

// Answer returns the raw accumulated answer text.
func (t *Turn) Answer() string { return t.answer.String() }

// Rendered returns the last rendered answer.
func (t *Turn) Rendered() string { return t.rendered }

// Outcome returns how the latest connection ended.
func (t *Turn) Outcome() Outcome { return t.outcome }

// Err returns the turn's failure, if any.
func (t *Turn) Err() error { return t.err }

// Context returns the accumulated clarification answers sent as context.
func (t *Turn) Context() string { return strings.Join(t.contexts, "\n") }

// Sessions returns how many connections the turn has opened.
func (t *Turn) Sessions() int { return t.sessions }

// Entries returns the turn's recorded event log.
func (t *Turn) Entries() []history.Entry { return t.recorder.Entries() }

// Recorder exposes the event log encoder.
func (t *Turn) Recorder() *history.Recorder { return &t.recorder }

// View snapshots the turn's presentation.
func (t *Turn) View() presentation.View { return t.presenter.View() }
