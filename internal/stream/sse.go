package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// RawEvent is one undecoded server-sent event.
type RawEvent struct {
	Name string
	Data string
	ID   string
}

// SSEReader reads server-sent events from a byte stream. It is lenient:
// unknown fields are ignored and a trailing event without a blank line
// terminator is still delivered at EOF.
type SSEReader struct {
	reader *bufio.Reader
	lastID string
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete event is available. It returns io.EOF once
// the stream ends with no pending event.
func (p *SSEReader) Next() (RawEvent, error) {
	var (
		event   RawEvent
		data    strings.Builder
		hasData bool
		hasName bool
	)

	flush := func() RawEvent {
		event.Data = strings.TrimSuffix(data.String(), "\n")
		if event.ID == "" {
			event.ID = p.lastID
		}
		if event.Name == "" {
			event.Name = "message"
		}
		return event
	}

	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 && err == io.EOF {
				p.parseLine(trimLineEnding(line), &event, &data, &hasData, &hasName)
			}
			if hasData || hasName {
				return flush(), nil
			}
			return RawEvent{}, err
		}

		line = trimLineEnding(line)
		if len(line) == 0 {
			// Blank line dispatches. An "event:" line without data still
			// counts so that `event: done` with an empty payload is delivered.
			if hasData || hasName {
				return flush(), nil
			}
			continue
		}
		p.parseLine(line, &event, &data, &hasData, &hasName)
	}
}

func (p *SSEReader) parseLine(line []byte, event *RawEvent, data *strings.Builder, hasData, hasName *bool) {
	if len(line) == 0 || line[0] == ':' {
		return
	}
	field, value := parseField(line)
	switch field {
	case "data":
		data.WriteString(value)
		data.WriteByte('\n')
		*hasData = true
	case "event":
		event.Name = value
		*hasName = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			event.ID = value
			p.lastID = value
		}
	}
}

// LastEventID returns the most recent id seen on the stream.
func (p *SSEReader) LastEventID() string {
	return p.lastID
}

func trimLineEnding(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// parseField splits "field: value". A single space after the colon is
// dropped; a line with no colon is a field with an empty value.
func parseField(line []byte) (string, string) {
	idx := bytes.IndexByte(line, ':')
	if idx == -1 {
		return string(line), ""
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:idx]), string(value)
}
