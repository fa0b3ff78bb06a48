package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/internal/sink"
)

type queryRequest struct {
	RequestID string `json:"request_id"`
	Query     string `json:"query"`
	Surface   string `json:"surface"`
	AsOf      string `json:"as_of"` // YYYY-MM-DD
}

// query streams one reasoning run as Server-Sent Events. Query validation
// failures arrive as a terminal ERROR frame, not as an HTTP error.
func (s *server) query(w http.ResponseWriter, r *http.Request) {
	if s.Reasoner == nil {
		writeError(w, http.StatusServiceUnavailable, "reasoning is not configured")
		return
	}

	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var asOf time.Time
	if body.AsOf != "" {
		t, err := time.Parse(time.DateOnly, body.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = t
	}
	surface := reasoning.Surface(body.Surface)
	if surface == "" {
		surface = reasoning.SurfaceAPI
	}

	stream := s.Reasoner.Start(r.Context(), reasoning.Request{
		RequestID: body.RequestID,
		Query:     body.Query,
		Surface:   surface,
		AsOf:      asOf,
	})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Request-ID", stream.RequestID)
	w.WriteHeader(http.StatusOK)

	sinks := []sink.Sink{
		sink.NewSSESink(w, stream.RequestID, s.Heartbeat),
		sink.NewLogSink(s.log),
	}
	if s.Audit != nil {
		sinks = append(sinks, sink.NewAuditSink(s.auditWriter(), 0))
	}

	log := s.log.With(zap.String("request_id", stream.RequestID))
	term, err := s.Dispatcher.Deliver(r.Context(), stream, sinks...)
	if err != nil {
		log.Error("server: delivery failed", zap.Error(err))
	}
	if term != nil {
		log.Info("server: query finished", zap.String("outcome", string(term.Outcome())))
	}
}

// replay returns the audited events and terminal of a past run.
func (s *server) replay(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, "audit history is not configured")
		return
	}
	id := chi.URLParam(r, "requestID")

	events, err := s.History.ListEvents(r.Context(), id)
	if err != nil {
		s.log.Error("server: list events", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load events")
		return
	}
	term, err := s.History.GetTerminal(r.Context(), id)
	if err != nil {
		s.log.Error("server: get terminal", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load terminal")
		return
	}
	if len(events) == 0 && term == nil {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	if events == nil {
		events = []model.ReasoningEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"events":     events,
		"terminal":   term,
	})
}

// auditWriter guards audit writes with the audit_store breaker when one is
// configured.
func (s *server) auditWriter() sink.EventWriter {
	if s.Breakers == nil {
		return s.Audit
	}
	return guardedWriter{w: s.Audit, cb: s.Breakers.Get(resilience.ServiceAuditStore)}
}

type guardedWriter struct {
	w  sink.EventWriter
	cb *resilience.CircuitBreaker
}

func (g guardedWriter) AppendEvents(ctx context.Context, events []model.ReasoningEvent) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.w.AppendEvents(ctx, events)
	})
}

func (g guardedWriter) RecordTerminal(ctx context.Context, requestID string, t model.Terminal) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.w.RecordTerminal(ctx, requestID, t)
	})
}
