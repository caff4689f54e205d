package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"scan/internal/stream"
)

// Entry types in a persisted event log. Text and done events are not
// logged; the answer is stored as the message content.
const (
	EntryStage         = "stage"
	EntryDetail        = "detail"
	EntryClarification = "clarification"
	EntryError         = "error"
)

// Entry is one element of a message's event log, e.g.
//
//	{"type":"detail","detail_type":"fetch_done","topic":"t","url":"https://a.example"}
//
// Detail payload fields sit next to detail_type; the embedded event's own
// "type" key is shadowed by Entry.Type.
type Entry struct {
	Type       string            `json:"type"`
	Stage      string            `json:"stage,omitempty"`
	DetailType stream.DetailType `json:"detail_type,omitempty"`
	Questions  []string          `json:"questions,omitempty"`
	Error      string            `json:"error,omitempty"`
	stream.DetailEvent
}

// EntryFromEvent converts a live event to its log form. ok is false for
// events that are not logged.
func EntryFromEvent(ev stream.Event) (Entry, bool) {
	switch e := ev.(type) {
	case stream.StageEvent:
		return Entry{Type: EntryStage, Stage: e.Stage}, true
	case stream.DetailEvent:
		return Entry{Type: EntryDetail, DetailType: e.Type, DetailEvent: e}, true
	case stream.ClarificationEvent:
		return Entry{Type: EntryClarification, Questions: e.Questions}, true
	case stream.ErrorEvent:
		return Entry{Type: EntryError, Error: e.Message}, true
	default:
		return Entry{}, false
	}
}

// Detail returns the detail event an entry records.
func (e Entry) Detail() (stream.DetailEvent, bool) {
	if e.Type != EntryDetail {
		return stream.DetailEvent{}, false
	}
	detail := e.DetailEvent
	detail.Type = e.DetailType
	return detail, true
}

// ParseEvents decodes an events_json column. Blank input is an empty log.
func ParseEvents(data []byte) ([]Entry, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse event log: %w", err)
	}
	return entries, nil
}

// ParseUsage decodes a usage_json column. "{}" and blank input mean no usage.
func ParseUsage(data []byte) (*stream.UsageSummary, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return nil, nil
	}
	var usage stream.UsageSummary
	if err := json.Unmarshal([]byte(trimmed), &usage); err != nil {
		return nil, fmt.Errorf("parse usage: %w", err)
	}
	return &usage, nil
}

// Recorder accumulates the event log of one turn.
type Recorder struct {
	entries []Entry
	usage   *stream.UsageSummary
}

// Record appends ev if it is a logged event type.
func (r *Recorder) Record(ev stream.Event) {
	entry, ok := EntryFromEvent(ev)
	if !ok {
		return
	}
	r.entries = append(r.entries, entry)
	if detail, ok := ev.(stream.DetailEvent); ok && detail.Type == stream.DetailUsage {
		usage := detail.UsageSummary()
		r.usage = &usage
	}
}

// Entries returns a copy of the recorded log.
func (r *Recorder) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Usage returns the last recorded usage summary.
func (r *Recorder) Usage() *stream.UsageSummary {
	return r.usage
}

// EventsJSON encodes the log in the events_json format.
func (r *Recorder) EventsJSON() ([]byte, error) {
	if r.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.entries)
}

// UsageJSON encodes the last usage in the usage_json format.
func (r *Recorder) UsageJSON() ([]byte, error) {
	if r.usage == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.usage)
}
