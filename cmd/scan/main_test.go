package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan/internal/chatstore"
	"scan/internal/logging"
	"scan/internal/replay"
	"scan/internal/stream"
)

const topic = "Rust ownership"

func testScript() replay.Script {
	return replay.Script{
		Redirects: []replay.Redirect{{Query: "weather", URL: "https://duckduckgo.com/?q=weather"}},
		Turns: []replay.Turn{
			{
				Name:  "clarify",
				Query: "version",
				Events: []replay.ScriptEvent{
					{Event: stream.EventStage, Data: map[string]any{"stage": "researching"}},
					{Event: stream.EventClarification, Data: map[string]any{"questions": []any{"Which version?"}}},
				},
			},
			{
				Name:  "broken",
				Query: "broken",
				Events: []replay.ScriptEvent{
					{Event: stream.EventError, Data: map[string]any{"error": "research backend exploded"}},
				},
			},
			{
				Name:    "default",
				Context: "*",
				Events: []replay.ScriptEvent{
					{Event: stream.EventStage, Data: map[string]any{"stage": "researching"}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "research", "topic": topic}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "search", "topic": topic, "query": "rust borrow checker"}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "search_done", "topic": topic, "query": "rust borrow checker", "num_results": 3}},
					{Event: stream.EventDetail, Data: map[string]any{"type": "result", "topic": topic, "num_sources": 0}},
					{Event: stream.EventText, Data: map[string]any{"text": "Ownership frees memory without a collector."}},
					{Event: stream.EventDone},
				},
			},
		},
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// backend serves testScript and returns its URL and chat store.
func backend(t *testing.T) (string, chatstore.Store) {
	t.Helper()
	store := chatstore.NewMemoryStore()
	srv := replay.New(replay.Config{Script: testScript(), Store: store, Logger: logging.Nop(), Sleep: noSleep})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, store
}

// isolate keeps config lookup and log files inside the test.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SCAN_LOG_DIR", filepath.Join(home, "logs"))
	t.Chdir(t.TempDir())
}

type result struct {
	out    string
	errOut string
	err    error
}

func run(t *testing.T, baseURL string, prompts prompter, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	c := &cli{
		in:          strings.NewReader(""),
		out:         &out,
		errOut:      &errOut,
		interactive: func() bool { return false },
		prompts:     prompts,
	}
	root := c.rootCommand()
	root.SetArgs(append([]string{"--base-url", baseURL, "--log-level", "error"}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return result{out: out.String(), errOut: errOut.String(), err: err}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *ExitCodeError
	require.ErrorAs(t, err, &exit)
	return exit.Code
}

func TestAskStreamsAnswerWithTrace(t *testing.T) {
	isolate(t)
	url, _ := backend(t)

	res := run(t, url, nil, "ask", "how does rust ownership work")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, topic)
	assert.Contains(t, res.out, "rust borrow checker")
	assert.Contains(t, res.out, "Ownership frees memory")
}

func TestAskAnswersClarificationFromFlag(t *testing.T) {
	isolate(t)
	url, _ := backend(t)

	res := run(t, url, nil, "ask", "--answer", "1.80", "which rust version should I use")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "Which version?")
	assert.Contains(t, res.out, "Ownership frees memory")
}

func TestAskUnansweredClarificationFails(t *testing.T) {
	isolate(t)
	url, _ := backend(t)

	res := run(t, url, nil, "ask", "which rust version should I use")
	assert.Equal(t, exitTurnFailed, exitCode(t, res.err))
	assert.Contains(t, res.out, "Which version?")
}

func TestAskBackendErrorExitsWithTurnFailure(t *testing.T) {
	isolate(t)
	url, _ := backend(t)

	res := run(t, url, nil, "ask", "broken query")
	assert.Equal(t, exitTurnFailed, exitCode(t, res.err))
	assert.Contains(t, res.out, "research backend exploded")
}

func TestChatRedirectsNonResearchQuery(t *testing.T) {
	isolate(t)
	url, store := backend(t)

	res := run(t, url, &scriptedPrompter{}, "chat", "-q", "weather in paris")
	assert.Equal(t, exitRedirected, exitCode(t, res.err))
	assert.Contains(t, res.out, "duckduckgo.com")

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestChatFollowUpsAndExport(t *testing.T) {
	isolate(t)
	url, store := backend(t)

	prompts := &scriptedPrompter{queries: []string{"and what about borrowing"}}
	res := run(t, url, prompts, "chat", "-q", "rust ownership")
	require.NoError(t, res.err)
	assert.Equal(t, 2, strings.Count(res.out, "Ownership frees memory"))

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	chatID := ids[0]

	messages, err := store.Messages(context.Background(), chatID)
	require.NoError(t, err)
	assert.Len(t, messages, 4)

	// Reopening restores both turns and needs no new stream.
	reopened := run(t, url, &scriptedPrompter{}, "chat", chatID)
	require.NoError(t, reopened.err)
	assert.Equal(t, 2, strings.Count(reopened.out, "Ownership frees memory"))

	exportPath := filepath.Join(t.TempDir(), "chat.yaml")
	exported := run(t, url, nil, "history", "export", url+"/chat/"+chatID, "-o", exportPath)
	require.NoError(t, exported.err)
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chat_id: "+chatID)
	assert.Contains(t, string(data), "query: rust ownership")
	assert.Contains(t, string(data), "query: and what about borrowing")
}

func TestChatRejectsMalformedReference(t *testing.T) {
	isolate(t)
	url, _ := backend(t)

	res := run(t, url, nil, "chat", "not-a-chat")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no chat id")
}

func TestInvalidConfigIsReportedBeforeConnecting(t *testing.T) {
	isolate(t)

	res := run(t, "ftp://example.com", nil, "ask", "anything")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "invalid config")
}

func TestDetectVersion(t *testing.T) {
	noEnv := func(string) (string, bool) { return "", false }
	noBuild := func() (*debug.BuildInfo, bool) { return nil, false }

	env := func(string) (string, bool) { return " 1.2.3 ", true }
	assert.Equal(t, "1.2.3", detectVersion(env, noBuild))

	tagged := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "v0.4.0"}}, true
	}
	assert.Equal(t, "v0.4.0", detectVersion(noEnv, tagged))

	devel := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main:     debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc123"}},
		}, true
	}
	assert.Equal(t, "dev-abc123", detectVersion(noEnv, devel))
	assert.Equal(t, "development", detectVersion(noEnv, noBuild))
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	res := run(t, "http://localhost:8787", nil, "version")
	require.NoError(t, res.err)
	assert.Equal(t, appVersion()+"\n", res.out)
}
