package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"scan/internal/logging"

	"github.com/kaptinlin/jsonrepair"
)

// Drop reasons reported to the DecodeObserver.
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown_event"
)

// DecodeObserver receives decoder outcomes, typically a metrics collector.
type DecodeObserver interface {
	RecordDecoded(ctx context.Context, event string)
	RecordDropped(ctx context.Context, reason string)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithRepair makes the decoder attempt a JSON repair before dropping a
// malformed payload.
func WithRepair(enabled bool) DecoderOption {
	return func(d *Decoder) { d.repair = enabled }
}

// WithObserver attaches an outcome observer.
func WithObserver(obs DecodeObserver) DecoderOption {
	return func(d *Decoder) { d.observer = obs }
}

// WithLogger overrides the decoder logger.
func WithLogger(logger logging.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = logging.OrNop(logger) }
}

// Decoder turns raw SSE events into typed Events. A payload that cannot be
// parsed is logged and dropped; decoding never fails the stream.
type Decoder struct {
	repair   bool
	observer DecodeObserver
	logger   logging.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: logging.NewComponentLogger("StreamDecoder")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode converts raw into an Event. ok is false when the event was dropped.
func (d *Decoder) Decode(ctx context.Context, raw RawEvent) (Event, bool) {
	ev, err := d.decode(raw)
	if err != nil {
		reason := DropMalformed
		var unknown unknownEventError
		if errors.As(err, &unknown) {
			reason = DropUnknown
		}
		d.logger.Warn("dropping %s event: %v", raw.Name, err)
		if d.observer != nil {
			d.observer.RecordDropped(ctx, reason)
		}
		return nil, false
	}
	if d.observer != nil {
		d.observer.RecordDecoded(ctx, ev.Name())
	}
	return ev, true
}

type unknownEventError string

func (e unknownEventError) Error() string {
	return fmt.Sprintf("unknown event name %q", string(e))
}

func (d *Decoder) decode(raw RawEvent) (Event, error) {
	data := strings.TrimSpace(raw.Data)

	switch raw.Name {
	case EventStage:
		var ev StageEvent
		if err := d.unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventDetail:
		var ev DetailEvent
		if err := d.unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventClarification:
		var ev ClarificationEvent
		if err := d.unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventText:
		var ev TextEvent
		if err := d.unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventDone:
		// The backend sends `done` with an empty data line.
		if data == "" {
			return DoneEvent{}, nil
		}
		var ignored map[string]any
		if err := d.unmarshal(data, &ignored); err != nil {
			return nil, err
		}
		return DoneEvent{}, nil
	case EventError:
		if data == "" {
			return ErrorEvent{}, nil
		}
		var ev ErrorEvent
		if err := d.unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, unknownEventError(raw.Name)
	}
}

func (d *Decoder) unmarshal(data string, target any) error {
	err := json.Unmarshal([]byte(data), target)
	if err == nil || !d.repair || data == "" {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(data)
	if repairErr != nil {
		return fmt.Errorf("%w (repair failed: %v)", err, repairErr)
	}
	if err := json.Unmarshal([]byte(fixed), target); err != nil {
		return fmt.Errorf("repaired payload still invalid: %w", err)
	}
	d.logger.Debug("repaired malformed payload")
	return nil
}
