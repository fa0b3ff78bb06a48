package sink

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/model"
)

// EventWriter persists reasoning events and terminal payloads.
type EventWriter interface {
	AppendEvents(ctx context.Context, evs []model.ReasoningEvent) error
	RecordTerminal(ctx context.Context, requestID string, t model.Terminal) error
}

// AuditSink records a run durably. Non-critical events are buffered and
// written in batches; a critical event writes the buffer and itself before
// returning, so the record is complete up to that event.
type AuditSink struct {
	store     EventWriter
	batchSize int
	buf       []model.ReasoningEvent
}

// NewAuditSink returns a CriticalAwait sink over store. batchSize bounds
// the buffer of non-critical events (16 when zero).
func NewAuditSink(store EventWriter, batchSize int) *AuditSink {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &AuditSink{store: store, batchSize: batchSize}
}

func (a *AuditSink) Name() string { return "audit" }

func (a *AuditSink) Mode() Mode { return CriticalAwait }

func (a *AuditSink) Write(ctx context.Context, f Frame) error {
	switch f.Kind {
	case FrameReasoning:
		a.buf = append(a.buf, *f.Event)
		if f.Critical() || len(a.buf) >= a.batchSize {
			return a.drain(ctx)
		}
		return nil
	case FrameTerminal:
		if err := a.drain(ctx); err != nil {
			return err
		}
		if err := a.store.RecordTerminal(ctx, f.RequestID, f.Terminal); err != nil {
			return eris.Wrap(err, "sink: record terminal")
		}
		return nil
	default:
		return nil
	}
}

// Flush writes any events still buffered.
func (a *AuditSink) Flush(ctx context.Context) error {
	return a.drain(ctx)
}

func (a *AuditSink) drain(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	if err := a.store.AppendEvents(ctx, a.buf); err != nil {
		return eris.Wrapf(err, "sink: append %d events", len(a.buf))
	}
	a.buf = nil
	return nil
}
