package presentation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan/internal/history"
	"scan/internal/logging"
	"scan/internal/stream"
	"scan/internal/trace"
)

func intPtr(v int) *int { return &v }

func apply(tr *trace.Trace, events ...stream.DetailEvent) {
	for _, ev := range events {
		tr.Apply(context.Background(), ev)
	}
}

func TestStageLabel(t *testing.T) {
	require.Equal(t, "RESEARCHING", StageLabel("researching"))
	require.Equal(t, "GENERATING", StageLabel("responding"))
	require.Equal(t, "EXTRACTING", StageLabel("extracting"))
}

func TestRunningGroupShowsLatestRunningChild(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr,
		stream.DetailEvent{Type: stream.DetailResearch, Topic: "Rust"},
		stream.DetailEvent{Type: stream.DetailSearch, Topic: "Rust", Query: "borrow"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "Rust", URL: "https://www.rust-lang.org/learn"},
	)

	view := p.View()
	require.Len(t, view.Groups, 1)
	group := view.Groups[0]
	require.True(t, group.Running)
	require.Equal(t, "Researching Rust", group.Label)
	require.Equal(t, "Reading rust-lang.org", group.Subline)
	require.False(t, group.Toggleable)
	require.Empty(t, group.SourceCaption)

	apply(tr,
		stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "Rust", URL: "https://www.rust-lang.org/learn"},
	)
	require.Equal(t, `Searching "borrow"`, p.View().Groups[0].Subline)

	apply(tr, stream.DetailEvent{Type: stream.DetailSearchDone, Topic: "Rust", Query: "borrow", NumResults: intPtr(5)})
	group = p.View().Groups[0]
	require.Empty(t, group.Subline)
	require.Equal(t, "5 results", group.Children[0].Annotation)
	require.Equal(t, "Read rust-lang.org", group.Children[1].Label)
}

func TestDoneGroupShowsSourceStrip(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"})
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("https://s%d.example", i)
		apply(tr,
			stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: u},
			stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: u, Failed: i == 7},
		)
	}
	apply(tr, stream.DetailEvent{Type: stream.DetailResult, Topic: "T", NumSources: intPtr(7)})

	group := p.View().Groups[0]
	require.Equal(t, "Researched T", group.Label)
	require.Len(t, group.Sources, MaxGroupSources)
	require.Equal(t, "Read 7 sources", group.SourceCaption)
	require.Equal(t, "Could not read s7.example", group.Children[7].Label)
}

func TestToggleGroupIsNoOpWhileRunning(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"})
	seq := p.View().Groups[0].Seq

	require.False(t, p.ToggleGroup(seq))
	require.False(t, p.View().Groups[0].Expanded)

	apply(tr, stream.DetailEvent{Type: stream.DetailResult, Topic: "T"})
	require.True(t, p.ToggleGroup(seq))
	require.True(t, p.View().Groups[0].Expanded)
	require.True(t, p.ToggleGroup(seq))
	require.False(t, p.View().Groups[0].Expanded)
	require.False(t, p.ToggleGroup(999))
}

func TestBeginAnswerBuildsSummaryAndPatchesUsage(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"})
	for i := 0; i < 12; i++ {
		u := fmt.Sprintf("https://h%d.example/page", i)
		apply(tr,
			stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: u},
			stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: u},
		)
	}
	apply(tr,
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: "https://h0.example/other"},
		stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: "https://h0.example/other"},
	)

	p.BeginAnswer()
	view := p.View()
	require.NotNil(t, view.Summary)
	require.Equal(t, 14, view.Summary.ToolCalls)
	require.Equal(t, "Used 14 tools", view.Summary.Label)
	require.Len(t, view.Summary.Hosts, MaxSummaryHosts)
	require.Nil(t, view.Summary.Usage)
	require.False(t, view.GroupsVisible())
	require.False(t, view.Groups[0].Running, "running group force-collapsed")

	require.True(t, p.ToggleSummary())
	require.True(t, p.View().GroupsVisible())

	apply(tr, stream.DetailEvent{Type: stream.DetailUsage,
		Research: &stream.TokenUsage{InputTokens: 1000, OutputTokens: 200, InputCost: 0.01, OutputCost: 0.02},
		Total:    &stream.TokenUsage{InputTokens: 1500, OutputTokens: 300, InputCost: 0.01, OutputCost: 0.03},
	})
	p.ApplyUsage()

	view = p.View()
	require.NotNil(t, view.Summary.Usage)
	require.True(t, view.Summary.Expanded, "patch keeps existing summary state")
	require.Equal(t, 14, view.Summary.ToolCalls)
	require.Equal(t, "1.8k tokens · $0.04", view.Summary.Usage.Badge)
	require.Len(t, view.Summary.Usage.Breakdown, 3)
	require.Equal(t, "Research", view.Summary.Usage.Breakdown[0].Role)

	require.True(t, p.ToggleUsage())
	apply(tr, stream.DetailEvent{Type: stream.DetailUsage, Total: &stream.TokenUsage{InputTokens: 10}})
	p.ApplyUsage()
	require.True(t, p.View().Summary.Usage.Expanded)
	require.Equal(t, "10 tokens · $0.0000", p.View().Summary.Usage.Badge)
}

func TestBeginAnswerWithoutGroupsHasNoSummary(t *testing.T) {
	p := NewPresenter("q", trace.New(trace.WithLogger(logging.Nop())))
	p.BeginAnswer()
	require.Nil(t, p.View().Summary)
	require.True(t, p.View().GroupsVisible())
	require.False(t, p.ToggleSummary())
	require.False(t, p.ToggleUsage())
}

func TestClarificationFlow(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	p.SetStage("researching")
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"})

	p.AskClarification([]string{"Which version?"})
	view := p.View()
	require.Empty(t, view.Status)
	require.True(t, view.AwaitingAnswer())
	require.Equal(t, 1, view.Clarifications[0].AfterGroups)

	p.EchoAnswer("v2")
	view = p.View()
	require.False(t, view.AwaitingAnswer())
	require.Equal(t, "v2", view.Clarifications[0].Answer)
}

func TestViewIsASnapshot(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"})
	p.AskClarification([]string{"a"})

	view := p.View()
	view.Clarifications[0].Questions[0] = "mutated"
	apply(tr, stream.DetailEvent{Type: stream.DetailResearch, Topic: "U"})

	assert.Len(t, view.Groups, 1)
	assert.Equal(t, "a", p.View().Clarifications[0].Questions[0])
}

func TestArchivedSummary(t *testing.T) {
	require.Nil(t, ArchivedSummary(history.Summary{}))

	s := ArchivedSummary(history.Summary{
		ToolCalls: 3,
		Fetched:   []string{"https://a.example/1", "https://a.example/2", "https://b.example"},
		Usage:     &stream.UsageSummary{Total: stream.TokenUsage{InputTokens: 500}},
	})
	require.Equal(t, "Used 3 tools", s.Label)
	require.Equal(t, []string{"a.example", "b.example"}, s.Hosts)
	require.Equal(t, "500 tokens · $0.0000", s.Usage.Badge)
	require.False(t, s.Expanded)
}

func TestUniqueHosts(t *testing.T) {
	require.Equal(t, []string{"go.dev", "pkg.go.dev"},
		UniqueHosts([]string{"https://www.go.dev/a", "https://go.dev/b", "https://pkg.go.dev"}, 0))
	require.Equal(t, "not a url", Host("not a url"))
}

func TestContentPreview(t *testing.T) {
	tests := map[string]struct {
		content string
		limit   int
		want    string
	}{
		"plain text collapses whitespace": {content: "  Ownership\n\n rules  apply ", limit: 40, want: "Ownership rules apply"},
		"html is stripped": {
			content: "<!DOCTYPE html><html><head><style>p{}</style></head><body><nav>menu</nav><main><p>Each value has an <b>owner</b>.</p></main></body></html>",
			limit:   40,
			want:    "Each value has an owner.",
		},
		"long text is truncated": {content: "abcdefghij", limit: 5, want: "abcd…"},
		"empty":                  {content: "   ", limit: 5, want: ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ContentPreview(tc.content, tc.limit))
		})
	}
}

func TestFetchedChildCarriesPreview(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	apply(tr,
		stream.DetailEvent{Type: stream.DetailResearch, Topic: "rust"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "rust", URL: "https://doc.rust-lang.org/book"},
		stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "rust", URL: "https://doc.rust-lang.org/book", Content: "Ownership is a set of rules."},
	)
	view := NewPresenter("q", tr).View()
	require.Len(t, view.Groups, 1)
	require.Len(t, view.Groups[0].Children, 1)
	assert.Equal(t, "Ownership is a set of rules.", view.Groups[0].Children[0].Preview)
}

func TestFetchPreviewIsParsedOnce(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr,
		stream.DetailEvent{Type: stream.DetailResearch, Topic: "rust"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "rust", URL: "https://doc.rust-lang.org/book"},
	)
	assert.Empty(t, p.View().Groups[0].Children[0].Preview, "running fetches have no preview")
	assert.Empty(t, p.previews)

	apply(tr, stream.DetailEvent{
		Type:    stream.DetailFetchDone,
		Topic:   "rust",
		URL:     "https://doc.rust-lang.org/book",
		Content: "<html><body><main><p>Ownership is a set of rules.</p></main></body></html>",
	})
	require.Equal(t, "Ownership is a set of rules.", p.View().Groups[0].Children[0].Preview)
	require.Len(t, p.previews, 1)

	// Later views reuse the excerpt instead of parsing the page again.
	tr.Groups[0].Calls[0].Content = "<html><body><p>changed</p></body></html>"
	for i := 0; i < 3; i++ {
		assert.Equal(t, "Ownership is a set of rules.", p.View().Groups[0].Children[0].Preview)
	}
	assert.Len(t, p.previews, 1)
}

func TestSourceStripFrozenAfterResult(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr,
		stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: "https://a.example"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: "https://b.example"},
		stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: "https://a.example"},
		stream.DetailEvent{Type: stream.DetailResult, Topic: "T", NumSources: intPtr(1)},
	)
	before := p.View().Groups[0]
	require.Equal(t, []string{"https://a.example"}, before.Sources)
	require.Equal(t, "Read 1 source", before.SourceCaption)

	apply(tr, stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: "https://b.example"})
	after := p.View().Groups[0]
	assert.Equal(t, before.Sources, after.Sources)
	assert.Equal(t, before.SourceCaption, after.SourceCaption)
	assert.Equal(t, trace.StatusDone, after.Children[1].Status, "the late completion still updates its row")
}

func TestSourceStripFrozenAtForcedCollapse(t *testing.T) {
	tr := trace.New(trace.WithLogger(logging.Nop()))
	p := NewPresenter("q", tr)
	apply(tr,
		stream.DetailEvent{Type: stream.DetailResearch, Topic: "T"},
		stream.DetailEvent{Type: stream.DetailFetch, Topic: "T", URL: "https://a.example"},
	)
	p.BeginAnswer()
	require.Empty(t, p.View().Groups[0].Sources)

	apply(tr, stream.DetailEvent{Type: stream.DetailFetchDone, Topic: "T", URL: "https://a.example"})
	group := p.View().Groups[0]
	assert.Empty(t, group.Sources)
	assert.Equal(t, sourceCaption(0), group.SourceCaption)
}
