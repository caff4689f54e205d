package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSEReaderParsesNamedEvents(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"event: stage",
		`data: {"stage":"researching"}`,
		"",
		"id: 7",
		"event: text",
		`data: {"text":"a"}`,
		"",
		"event: done",
		"data:",
		"",
	}, "\n")
	reader := NewSSEReader(strings.NewReader(input))

	ev, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, RawEvent{Name: "stage", Data: `{"stage":"researching"}`}, ev)

	ev, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, "text", ev.Name)
	require.Equal(t, "7", ev.ID)

	ev, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, "done", ev.Name)
	require.Empty(t, ev.Data)
	require.Equal(t, "7", ev.ID, "id carries over")

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "7", reader.LastEventID())
}

func TestSSEReaderJoinsMultilineDataAndHandlesCRLF(t *testing.T) {
	input := "event: text\r\ndata: line one\r\ndata: line two\r\n\r\n"
	reader := NewSSEReader(strings.NewReader(input))

	ev, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "line one\nline two", ev.Data)
}

func TestSSEReaderFlushesPendingEventAtEOF(t *testing.T) {
	reader := NewSSEReader(strings.NewReader("event: text\ndata: {\"text\":\"tail\"}"))

	ev, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, `{"text":"tail"}`, ev.Data)

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestSSEReaderDefaultsEventName(t *testing.T) {
	reader := NewSSEReader(strings.NewReader("data: hello\n\n"))

	ev, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "message", ev.Name)
	require.Equal(t, "hello", ev.Data)
}
