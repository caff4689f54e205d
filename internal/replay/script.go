// Package replay serves scripted research streams over SSE, together with
// the chat endpoints a real backend exposes.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scan/internal/stream"
)

// Script is a set of canned turns. The first turn whose matchers accept a
// request is replayed.
type Script struct {
	// Delay is the pause before each event unless the event sets its own.
	Delay     time.Duration `yaml:"delay"`
	Turns     []Turn        `yaml:"turns"`
	Redirects []Redirect    `yaml:"redirects"`
}

// Turn is one scripted response.
type Turn struct {
	Name string `yaml:"name"`
	// Query matches when it is a case-insensitive substring of the query.
	// Empty matches any query.
	Query string `yaml:"query"`
	// Context must equal the request context. "*" accepts any context; empty
	// accepts only requests without one.
	Context string        `yaml:"context"`
	Events  []ScriptEvent `yaml:"events"`
}

// ScriptEvent is one SSE event to send.
type ScriptEvent struct {
	Event string         `yaml:"event"`
	Data  map[string]any `yaml:"data"`
	// Raw is sent as the data line verbatim instead of encoding Data.
	Raw   string        `yaml:"raw"`
	Delay time.Duration `yaml:"delay"`
	// Drop closes the connection without sending anything further.
	Drop bool `yaml:"drop"`
}

// Redirect classifies matching queries as non-research.
type Redirect struct {
	Query string `yaml:"query"`
	URL   string `yaml:"url"`
}

// LoadScript reads a YAML script file.
func LoadScript(path string) (Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return Script{}, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return ParseScript(f)
}

// ParseScript decodes and validates a YAML script.
func ParseScript(r io.Reader) (Script, error) {
	var script Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&script); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	if err := script.Validate(); err != nil {
		return Script{}, err
	}
	return script, nil
}

// Validate rejects scripts the server could not replay.
func (s Script) Validate() error {
	if len(s.Turns) == 0 {
		return fmt.Errorf("script has no turns")
	}
	for i, turn := range s.Turns {
		for j, ev := range turn.Events {
			if ev.Drop {
				continue
			}
			if strings.TrimSpace(ev.Event) == "" {
				return fmt.Errorf("turn %d event %d: missing event name", i, j)
			}
			if ev.Raw != "" && ev.Data != nil {
				return fmt.Errorf("turn %d event %d: raw and data are exclusive", i, j)
			}
		}
	}
	return nil
}

// Select returns the turn to replay for query and context.
func (s Script) Select(query, context string) (Turn, bool) {
	query = strings.ToLower(query)
	for _, turn := range s.Turns {
		if turn.Query != "" && !strings.Contains(query, strings.ToLower(turn.Query)) {
			continue
		}
		if turn.Context != "*" && turn.Context != context {
			continue
		}
		return turn, true
	}
	return Turn{}, false
}

// Redirect returns the non-research destination for query, if any.
func (s Script) Redirect(query string) (string, bool) {
	query = strings.ToLower(query)
	for _, r := range s.Redirects {
		if r.Query != "" && strings.Contains(query, strings.ToLower(r.Query)) {
			return r.URL, true
		}
	}
	return "", false
}

// payload returns the event's data line.
func (e ScriptEvent) payload() (string, error) {
	if e.Raw != "" {
		return e.Raw, nil
	}
	if e.Data == nil {
		return "", nil
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("encode %s data: %w", e.Event, err)
	}
	return string(data), nil
}

// DemoScript is served when no script file is given.
func DemoScript() Script {
	const topic = "Rust ownership"
	return Script{
		Delay: 150 * time.Millisecond,
		Turns: []Turn{
			{
				Name:    "clarify",
				Query:   "version",
				Context: "",
				Events: []ScriptEvent{
					{Event: stream.EventStage, Data: map[string]any{"stage": "researching"}},
					{Event: stream.EventClarification, Data: map[string]any{"questions": []any{"Which version?"}}},
				},
			},
			{
				Name:    "default",
				Context: "*",
				Events: []ScriptEvent{
					{Event: stream.EventStage, Data: map[string]any{"stage": "researching"}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "research", "topic": topic}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "search", "topic": topic, "query": "rust borrow checker"}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "search_done", "topic": topic, "query": "rust borrow checker", "num_results": 5}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "fetch", "topic": topic, "url": "https://doc.rust-lang.org/book/ch04-01-what-is-ownership.html"}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "fetch_done", "topic": topic, "url": "https://doc.rust-lang.org/book/ch04-01-what-is-ownership.html", "failed": false}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "result", "topic": topic, "num_sources": 1}},
					{Event: stream.EventStage, Data: map[string]any{"stage": "responding"}},
					{Event: stream.EventText, Data: map[string]any{"text": "Rust uses **ownership** to manage memory "}},
					{Event: stream.EventText, Data: map[string]any{"text": "without a garbage collector."}},
					{Event: stream.EventDetail, Data: map[string]any{
						"type":       "usage",
						"research":   map[string]any{"input_tokens": 1200, "output_tokens": 200, "input_cost": 0.004, "output_cost": 0.003},
						"extraction": map[string]any{"input_tokens": 300, "output_tokens": 100, "input_cost": 0.001, "output_cost": 0.001},
						"total":      map[string]any{"input_tokens": 1500, "output_tokens": 300, "input_cost": 0.005, "output_cost": 0.004},
					}},
					{Event: stream.EventDone},
				},
			},
		},
	}
}
