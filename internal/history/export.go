package history

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"scan/internal/stream"
)

// Transcript is the YAML export of a chat.
type Transcript struct {
	ChatID     string           `yaml:"chat_id"`
	ExportedAt time.Time        `yaml:"exported_at"`
	Turns      []TranscriptTurn `yaml:"turns"`
	Pending    string           `yaml:"pending,omitempty"`
}

// TranscriptTurn is one exported turn.
type TranscriptTurn struct {
	Query     string               `yaml:"query"`
	Answer    string               `yaml:"answer"`
	ToolCalls int                  `yaml:"tool_calls"`
	Topics    []string             `yaml:"topics,omitempty"`
	Steps     []string             `yaml:"steps,omitempty"`
	Sources   []string             `yaml:"sources,omitempty"`
	Errors    []string             `yaml:"errors,omitempty"`
	Usage     *stream.UsageSummary `yaml:"usage,omitempty"`
}

// NewTranscript builds an export from persisted messages.
func NewTranscript(chatID string, messages []Message, now time.Time) (Transcript, error) {
	turns, pending, err := Turns(messages)
	if err != nil {
		return Transcript{}, err
	}
	transcript := Transcript{ChatID: chatID, ExportedAt: now.UTC(), Pending: pending}
	for _, turn := range turns {
		transcript.Turns = append(transcript.Turns, TranscriptTurn{
			Query:     turn.Query,
			Answer:    turn.Answer,
			ToolCalls: turn.Summary.ToolCalls,
			Topics:    turn.Summary.Topics,
			Steps:     describeSteps(turn.Entries),
			Sources:   turn.Summary.Fetched,
			Errors:    turn.Summary.Errors,
			Usage:     turn.Summary.Usage,
		})
	}
	return transcript, nil
}

// WriteYAML encodes t to w.
func WriteYAML(w io.Writer, t Transcript) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return enc.Close()
}

func describeSteps(entries []Entry) []string {
	var steps []string
	for _, entry := range entries {
		switch entry.Type {
		case EntryClarification:
			for _, q := range entry.Questions {
				steps = append(steps, "clarify: "+q)
			}
		case EntryDetail:
			detail, _ := entry.Detail()
			switch detail.Type {
			case stream.DetailSearch:
				steps = append(steps, "search: "+detail.Query)
			case stream.DetailFetch:
				steps = append(steps, "fetch: "+detail.URL)
			case stream.DetailFetchDone:
				if detail.Failed {
					steps = append(steps, "failed: "+detail.URL)
				}
			}
		}
	}
	return steps
}
