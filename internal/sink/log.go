package sink

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every frame to the structured log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink logs through l, or the global logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.L()
	}
	return &LogSink{log: l.With(zap.String("component", "reasoning.events"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Mode() Mode { return NonBlocking }

func (s *LogSink) Write(_ context.Context, f Frame) error {
	switch f.Kind {
	case FrameReasoning:
		ev := f.Event
		fields := []zap.Field{
			zap.String("request_id", ev.RequestID),
			zap.Int("seq", ev.Seq),
			zap.String("stage", string(ev.Stage)),
			zap.String("status", string(ev.Status)),
		}
		if ev.Message != "" {
			fields = append(fields, zap.String("message", ev.Message))
		}
		if ev.Critical() {
			s.log.Warn("reasoning event", fields...)
		} else {
			s.log.Debug("reasoning event", fields...)
		}
	case FrameTerminal:
		s.log.Info("reasoning terminal",
			zap.String("request_id", f.RequestID),
			zap.String("outcome", string(f.Terminal.Outcome())),
		)
	}
	return nil
}

func (s *LogSink) Flush(context.Context) error { return nil }
