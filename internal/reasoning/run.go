package reasoning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/resilience"
)

// errCancelled marks a run whose consumer went away.
var errCancelled = errors.New("reasoning: cancelled")

// run is the state of one request. It is owned by the producer goroutine.
type run struct {
	p   *Pipeline
	req Request
	ctx context.Context
	out chan<- model.ReasoningEvent
	log *zap.Logger
	seq int

	resolved *resolvedContext
	selected []model.SourceCard
	ranked   []model.SourceCard
	answer   *model.AnswerPayload
}

// phaseFunc does the work of one phase and returns data for its complete
// event.
type phaseFunc func(ctx context.Context) (map[string]any, error)

func (r *run) execute() model.Terminal {
	phases := []struct {
		stage model.ReasoningStage
		fn    phaseFunc
	}{
		{model.StageContextResolution, r.resolveContext},
		{model.StageSourceSelection, r.selectSources},
		{model.StageCitationRanking, r.rankCitations},
		{model.StageAnswerSynthesis, r.synthesize},
	}

	for _, ph := range phases {
		if failure := r.phase(ph.stage, ph.fn); failure != nil {
			return r.finish(failure)
		}
	}
	return r.finish(r.answer)
}

// phase emits started, runs fn, then emits complete or a critical error
// event. It returns the terminal failure, if any.
func (r *run) phase(stage model.ReasoningStage, fn phaseFunc) *model.ErrorPayload {
	if r.ctx.Err() != nil {
		return cancelled()
	}
	if !r.emit(stage, model.EventStarted, "", "", nil) {
		return cancelled()
	}

	data, err := r.call(fn)
	if err != nil {
		failure := classify(stage, err)
		if failure.Code == model.ErrCancelled {
			return failure
		}
		r.log.Warn("reasoning: phase failed",
			zap.String("stage", string(stage)),
			zap.String("code", string(failure.Code)),
			zap.Error(err),
		)
		if !r.emit(stage, model.EventError, model.SeverityCritical, failure.Message, map[string]any{
			"code":      string(failure.Code),
			"retriable": failure.Retriable,
		}) {
			return cancelled()
		}
		return failure
	}

	if !r.emit(stage, model.EventComplete, "", "", data) {
		return cancelled()
	}
	return nil
}

// call runs fn and converts a panic into an error.
func (r *run) call(fn phaseFunc) (data map[string]any, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("reasoning: phase panicked", zap.Any("panic", v), zap.Stack("stack"))
			data, err = nil, &resilience.PanicError{Value: v}
		}
	}()
	return fn(r.ctx)
}

// progress emits an intermediate event for stage.
func (r *run) progress(stage model.ReasoningStage, message string, data map[string]any) error {
	if !r.emit(stage, model.EventProgress, "", message, data) {
		return errCancelled
	}
	return nil
}

// finish emits the terminal stage event and returns t. A cancelled run
// does not try to reach a consumer that is gone.
func (r *run) finish(t model.Terminal) model.Terminal {
	switch v := t.(type) {
	case *model.AnswerPayload:
		data := map[string]any{"citations": len(v.Citations)}
		if len(v.Citations) > 0 {
			data["primary"] = v.Citations[0].ID
		}
		r.emit(model.StageAnswer, model.EventComplete, "", "", data)
		r.log.Info("reasoning: answered", zap.Int("citations", len(v.Citations)), zap.Int("events", r.seq))
	case *model.ErrorPayload:
		if v.Code != model.ErrCancelled {
			r.emit(model.StageError, model.EventComplete, model.SeverityCritical, v.Message, map[string]any{
				"code":      string(v.Code),
				"retriable": v.Retriable,
			})
		}
		r.log.Info("reasoning: failed", zap.String("code", string(v.Code)), zap.Int("events", r.seq))
	}
	return t
}

func (r *run) emit(stage model.ReasoningStage, status model.EventStatus, sev model.Severity, msg string, data map[string]any) bool {
	ev := model.ReasoningEvent{
		SchemaVersion: model.EventSchemaVersion,
		ID:            r.p.newID(),
		RequestID:     r.req.RequestID,
		Seq:           r.seq,
		Timestamp:     r.p.deps.Clock.Now().UTC(),
		Stage:         stage,
		Status:        status,
		Severity:      sev,
		Message:       msg,
		Data:          data,
	}
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.out <- ev:
		r.seq++
		return true
	case <-r.ctx.Done():
		return false
	}
}

// phaseError is a failure a phase reports with a specific code.
type phaseError struct {
	code    model.ErrorCode
	message string
}

func (e *phaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func fail(code model.ErrorCode, format string, args ...any) error {
	return &phaseError{code: code, message: fmt.Sprintf(format, args...)}
}

func cancelled() *model.ErrorPayload {
	return model.NewErrorPayload(model.ErrCancelled, "request cancelled")
}

// classify maps a phase error to its terminal payload. Errors without a
// specific code fall back to the phase's default.
func classify(stage model.ReasoningStage, err error) *model.ErrorPayload {
	var pe *phaseError
	var panicErr *resilience.PanicError
	switch {
	case errors.As(err, &pe):
		return model.NewErrorPayload(pe.code, pe.message)
	case errors.As(err, &panicErr):
		return model.NewErrorPayload(model.ErrInternal, fmt.Sprintf("internal error during %s", stage))
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		return cancelled()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return model.NewErrorPayload(model.ErrDependencyUnavailable, fmt.Sprintf("%s dependency unavailable", stage))
	case errors.Is(err, resilience.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.NewErrorPayload(model.ErrTimeout, fmt.Sprintf("%s timed out", stage))
	}

	switch stage {
	case model.StageSourceSelection:
		return model.NewErrorPayload(model.ErrDependencyUnavailable, "source lookup failed")
	case model.StageAnswerSynthesis:
		if resilience.IsTransient(err) {
			return model.NewErrorPayload(model.ErrDependencyUnavailable, "answer model unavailable")
		}
		return model.NewErrorPayload(model.ErrSynthesisFailed, "answer synthesis failed")
	default:
		return model.NewErrorPayload(model.ErrInternal, fmt.Sprintf("internal error during %s", stage))
	}
}
