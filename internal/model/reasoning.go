package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// EventSchemaVersion is stamped on every ReasoningEvent.
const EventSchemaVersion = 1

// ReasoningStage names a pipeline phase or a terminal stage.
type ReasoningStage string

const (
	StageContextResolution ReasoningStage = "CONTEXT_RESOLUTION"
	StageSourceSelection   ReasoningStage = "SOURCE_SELECTION"
	StageCitationRanking   ReasoningStage = "CITATION_RANKING"
	StageAnswerSynthesis   ReasoningStage = "ANSWER_SYNTHESIS"
	StageAnswer            ReasoningStage = "ANSWER"
	StageError             ReasoningStage = "ERROR"
)

// IsTerminal reports whether the stage closes a run.
func (s ReasoningStage) IsTerminal() bool {
	return s == StageAnswer || s == StageError
}

// EventStatus is the status of a phase at the time of the event.
type EventStatus string

const (
	EventStarted  EventStatus = "started"
	EventProgress EventStatus = "progress"
	EventComplete EventStatus = "complete"
	EventError    EventStatus = "error"
)

// Severity flags events that delivery must treat specially.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ReasoningEvent is one progress report of a reasoning run. Seq starts at 0
// and increases by one per event within a RequestID.
type ReasoningEvent struct {
	SchemaVersion int            `json:"schemaVersion"`
	ID            string         `json:"id"`
	RequestID     string         `json:"requestId"`
	Seq           int            `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Stage         ReasoningStage `json:"stage"`
	Status        EventStatus    `json:"status"`
	Severity      Severity       `json:"severity,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Critical reports whether the event carries critical severity.
func (e ReasoningEvent) Critical() bool {
	return e.Severity == SeverityCritical
}

// Outcome discriminates terminal payloads.
type Outcome string

const (
	OutcomeAnswer  Outcome = "ANSWER"
	OutcomeFailure Outcome = "ERROR"
)

// ErrorCode is the machine-readable reason of a failed run.
type ErrorCode string

const (
	ErrInvalidQuery          ErrorCode = "INVALID_QUERY"
	ErrNoSources             ErrorCode = "NO_SOURCES"
	ErrDependencyUnavailable ErrorCode = "DEPENDENCY_UNAVAILABLE"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrSynthesisFailed       ErrorCode = "SYNTHESIS_FAILED"
	ErrInternal              ErrorCode = "INTERNAL"
	ErrCancelled             ErrorCode = "CANCELLED"
	ErrSinkFailure           ErrorCode = "SINK_FAILURE"
)

// Retriable reports whether a caller may resubmit the same query.
func (c ErrorCode) Retriable() bool {
	switch c {
	case ErrDependencyUnavailable, ErrTimeout, ErrSynthesisFailed, ErrCancelled, ErrSinkFailure:
		return true
	default:
		return false
	}
}

// Terminal is the single final value of a reasoning run: *AnswerPayload or
// *ErrorPayload.
type Terminal interface {
	Outcome() Outcome
	terminal()
}

// AnswerPayload is a successful terminal payload. Citations are ordered;
// the first one is the primary citation.
type AnswerPayload struct {
	AnswerText string       `json:"answerText"`
	Citations  []SourceCard `json:"citations"`
}

// Outcome implements Terminal.
func (*AnswerPayload) Outcome() Outcome { return OutcomeAnswer }
func (*AnswerPayload) terminal()        {}

// MarshalJSON adds the outcome discriminator.
func (p *AnswerPayload) MarshalJSON() ([]byte, error) {
	type alias AnswerPayload
	return json.Marshal(struct {
		Outcome Outcome `json:"outcome"`
		*alias
	}{OutcomeAnswer, (*alias)(p)})
}

// ErrorPayload is a failed terminal payload.
type ErrorPayload struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// NewErrorPayload builds an ErrorPayload with the code's retriable flag.
func NewErrorPayload(code ErrorCode, message string) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message, Retriable: code.Retriable()}
}

// Outcome implements Terminal.
func (*ErrorPayload) Outcome() Outcome { return OutcomeFailure }
func (*ErrorPayload) terminal()        {}

// MarshalJSON adds the outcome discriminator.
func (p *ErrorPayload) MarshalJSON() ([]byte, error) {
	type alias ErrorPayload
	return json.Marshal(struct {
		Outcome Outcome `json:"outcome"`
		*alias
	}{OutcomeFailure, (*alias)(p)})
}

// DecodeTerminal parses a terminal payload produced by MarshalJSON.
func DecodeTerminal(data []byte) (Terminal, error) {
	var head struct {
		Outcome Outcome `json:"outcome"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrap(err, "model: decode terminal outcome")
	}
	switch head.Outcome {
	case OutcomeAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "model: decode answer payload")
		}
		return &p, nil
	case OutcomeFailure:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "model: decode error payload")
		}
		return &p, nil
	default:
		return nil, eris.Errorf("model: unknown terminal outcome %q", head.Outcome)
	}
}
