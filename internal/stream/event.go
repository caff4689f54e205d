package stream

// Event names carried on the wire in the SSE "event:" field.
const (
	EventStage         = "stage"
	EventDetail        = "detail"
	EventClarification = "clarification"
	EventText          = "text"
	EventDone          = "done"
	EventError         = "error"
)

// DetailType discriminates the payload of a detail event.
type DetailType string

const (
	DetailResearch   DetailType = "research"
	DetailSearch     DetailType = "search"
	DetailSearchDone DetailType = "search_done"
	DetailFetch      DetailType = "fetch"
	DetailFetchDone  DetailType = "fetch_done"
	DetailResult     DetailType = "result"
	DetailUsage      DetailType = "usage"
)

// Event is a decoded stream event. The set of implementations is closed:
// StageEvent, DetailEvent, ClarificationEvent, TextEvent, DoneEvent and
// ErrorEvent. Consumers switch on the concrete type.
type Event interface {
	// Name returns the wire event name.
	Name() string
	sealed()
}

// TokenUsage is the token and cost accounting for one model role.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64   `json:"output_tokens" yaml:"output_tokens"`
	InputCost    float64 `json:"input_cost" yaml:"input_cost"`
	OutputCost   float64 `json:"output_cost" yaml:"output_cost"`
}

// Tokens returns input plus output tokens.
func (u TokenUsage) Tokens() int64 { return u.InputTokens + u.OutputTokens }

// Cost returns input plus output cost.
func (u TokenUsage) Cost() float64 { return u.InputCost + u.OutputCost }

// UsageSummary is the per-turn usage breakdown reported by a usage detail.
type UsageSummary struct {
	Research   TokenUsage `json:"research" yaml:"research"`
	Extraction TokenUsage `json:"extraction" yaml:"extraction"`
	Total      TokenUsage `json:"total" yaml:"total"`
}

// StageEvent announces a pipeline stage such as "researching" or "responding".
type StageEvent struct {
	Stage string `json:"stage"`
}

// DetailEvent reports progress of a single pipeline operation. Which fields
// are populated depends on Type; absent fields keep their zero value and
// pointer fields stay nil.
type DetailEvent struct {
	Type       DetailType  `json:"type"`
	Topic      string      `json:"topic,omitempty"`
	Query      string      `json:"query,omitempty"`
	URL        string      `json:"url,omitempty"`
	NumResults *int        `json:"num_results,omitempty"`
	Failed     bool        `json:"failed,omitempty"`
	Content    string      `json:"content,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	NumSources *int        `json:"num_sources,omitempty"`
	Summary    string      `json:"summary,omitempty"`

	// Populated only for DetailUsage.
	Research   *TokenUsage `json:"research,omitempty"`
	Extraction *TokenUsage `json:"extraction,omitempty"`
	Total      *TokenUsage `json:"total,omitempty"`
}

// UsageSummary assembles the breakdown carried by a usage detail.
func (e DetailEvent) UsageSummary() UsageSummary {
	var summary UsageSummary
	if e.Research != nil {
		summary.Research = *e.Research
	}
	if e.Extraction != nil {
		summary.Extraction = *e.Extraction
	}
	if e.Total != nil {
		summary.Total = *e.Total
	}
	return summary
}

// ClarificationEvent pauses the pipeline until the user answers.
type ClarificationEvent struct {
	Questions []string `json:"questions"`
}

// TextEvent carries an increment of the final answer.
type TextEvent struct {
	Text string `json:"text"`
}

// DoneEvent ends the stream successfully.
type DoneEvent struct{}

// ErrorEvent ends the stream with a backend failure. Message may be empty.
type ErrorEvent struct {
	Message string `json:"error"`
}

func (StageEvent) Name() string         { return EventStage }
func (DetailEvent) Name() string        { return EventDetail }
func (ClarificationEvent) Name() string { return EventClarification }
func (TextEvent) Name() string          { return EventText }
func (DoneEvent) Name() string          { return EventDone }
func (ErrorEvent) Name() string         { return EventError }

func (StageEvent) sealed()         {}
func (DetailEvent) sealed()        {}
func (ClarificationEvent) sealed() {}
func (TextEvent) sealed()          {}
func (DoneEvent) sealed()          {}
func (ErrorEvent) sealed()         {}

// IsTerminal reports whether ev ends the current connection.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case DoneEvent, ErrorEvent, ClarificationEvent:
		return true
	default:
		return false
	}
}
