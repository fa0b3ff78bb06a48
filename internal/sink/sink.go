// Package sink fans a reasoning stream out to consumers with per-sink
// delivery guarantees.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/model"
)

// Mode is a sink's delivery guarantee.
type Mode int

const (
	// NonBlocking writes never hold up the pipeline.
	NonBlocking Mode = iota
	// CriticalAwait writes of critical events complete before the pipeline
	// advances; a failed critical write fails the run.
	CriticalAwait
)

func (m Mode) String() string {
	if m == CriticalAwait {
		return "critical_await"
	}
	return "non_blocking"
}

// FrameKind is the SSE event type of a frame.
type FrameKind string

const (
	FrameReasoning FrameKind = "reasoning"
	FrameTerminal  FrameKind = "terminal"
	FrameHeartbeat FrameKind = "heartbeat"
)

// Frame is one unit delivered to a sink: an event, the terminal payload, or
// a heartbeat.
type Frame struct {
	Kind      FrameKind
	RequestID string
	Event     *model.ReasoningEvent
	Terminal  model.Terminal
	At        time.Time
}

// EventFrame wraps a reasoning event.
func EventFrame(ev model.ReasoningEvent) Frame {
	return Frame{Kind: FrameReasoning, RequestID: ev.RequestID, Event: &ev, At: ev.Timestamp}
}

// TerminalFrame wraps a terminal payload.
func TerminalFrame(requestID string, t model.Terminal, at time.Time) Frame {
	return Frame{Kind: FrameTerminal, RequestID: requestID, Terminal: t, At: at}
}

// Critical reports whether the frame must be awaited on CriticalAwait sinks.
// Terminal frames are always critical.
func (f Frame) Critical() bool {
	switch f.Kind {
	case FrameTerminal:
		return true
	case FrameReasoning:
		return f.Event != nil && f.Event.Critical()
	default:
		return false
	}
}

// ID is the SSE id of the frame.
func (f Frame) ID() string {
	switch f.Kind {
	case FrameReasoning:
		return fmt.Sprintf("%s:%d", f.RequestID, f.Event.Seq)
	case FrameTerminal:
		return f.RequestID + ":terminal"
	default:
		return ""
	}
}

// Sink consumes frames of one run. Write is called from a single goroutine
// per sink, in order. Flush is called exactly once, after the terminal frame.
type Sink interface {
	Name() string
	Mode() Mode
	Write(ctx context.Context, f Frame) error
	Flush(ctx context.Context) error
}

// FormatFrame renders f as a Server-Sent-Events frame.
func FormatFrame(f Frame) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch f.Kind {
	case FrameReasoning:
		data, err = json.Marshal(f.Event)
	case FrameTerminal:
		data, err = json.Marshal(f.Terminal)
	case FrameHeartbeat:
		data, err = json.Marshal(map[string]string{"ts": f.At.UTC().Format(time.RFC3339)})
	default:
		return nil, eris.Errorf("sink: unknown frame kind %q", f.Kind)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sink: encode %s frame", f.Kind)
	}

	out := make([]byte, 0, len(data)+64)
	out = append(out, "event: "...)
	out = append(out, f.Kind...)
	out = append(out, '\n')
	if id := f.ID(); id != "" {
		out = append(out, "id: "...)
		out = append(out, id...)
		out = append(out, '\n')
	}
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}
