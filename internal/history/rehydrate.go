package history

import (
	"scan/internal/stream"
)

// Summary is the collapsed view of an archived turn.
type Summary struct {
	ToolCalls int
	// Fetched lists successful fetch URLs in log order.
	Fetched []string
	Usage   *stream.UsageSummary
	Topics  []string
	Errors  []string
}

// Rehydrate builds a Summary straight from a recorded event log. fallback
// is used when the log holds no usage entry.
func Rehydrate(entries []Entry, fallback *stream.UsageSummary) Summary {
	var summary Summary
	for _, entry := range entries {
		switch entry.Type {
		case EntryError:
			if entry.Error != "" {
				summary.Errors = append(summary.Errors, entry.Error)
			}
		case EntryDetail:
			detail, _ := entry.Detail()
			switch detail.Type {
			case stream.DetailResearch:
				summary.ToolCalls++
				summary.Topics = append(summary.Topics, detail.Topic)
			case stream.DetailSearch, stream.DetailFetch:
				summary.ToolCalls++
			case stream.DetailFetchDone:
				if !detail.Failed && detail.URL != "" {
					summary.Fetched = append(summary.Fetched, detail.URL)
				}
			case stream.DetailUsage:
				usage := detail.UsageSummary()
				summary.Usage = &usage
			}
		}
	}
	if summary.Usage == nil {
		summary.Usage = fallback
	}
	return summary
}

// Message is one persisted chat message.
type Message struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	EventsJSON string `json:"events_json,omitempty"`
	UsageJSON  string `json:"usage_json,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NeedsStream reports whether the chat is waiting on an answer for its
// latest user message.
func NeedsStream(messages []Message) bool {
	return len(messages) > 0 && messages[len(messages)-1].Role == RoleUser
}

// ArchivedTurn is a completed turn restored from persisted messages.
type ArchivedTurn struct {
	Query   string
	Answer  string
	Entries []Entry
	Summary Summary
}

// Turns pairs each user message with the assistant reply that follows it.
// A trailing user message without a reply is returned as pending.
func Turns(messages []Message) (turns []ArchivedTurn, pending string, err error) {
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != RoleUser {
			continue
		}
		if i+1 >= len(messages) || messages[i+1].Role != RoleAssistant {
			if i == len(messages)-1 {
				pending = msg.Content
			}
			continue
		}
		reply := messages[i+1]
		i++

		entries, err := ParseEvents([]byte(reply.EventsJSON))
		if err != nil {
			return nil, "", err
		}
		usage, err := ParseUsage([]byte(reply.UsageJSON))
		if err != nil {
			return nil, "", err
		}
		turns = append(turns, ArchivedTurn{
			Query:   msg.Content,
			Answer:  reply.Content,
			Entries: entries,
			Summary: Rehydrate(entries, usage),
		})
	}
	return turns, pending, nil
}
