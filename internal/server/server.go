// Package server exposes the reasoning stream and the stage coordinator over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/internal/sink"
	"github.com/sells-group/gazette-cli/internal/stage"
)

// Reasoner starts reasoning runs.
type Reasoner interface {
	Start(ctx context.Context, req reasoning.Request) *reasoning.Stream
}

// History reads back what the audit sink recorded.
type History interface {
	ListEvents(ctx context.Context, requestID string) ([]model.ReasoningEvent, error)
	GetTerminal(ctx context.Context, requestID string) (model.Terminal, error)
}

// Stages is the coordinator surface the scheduler calls.
type Stages interface {
	TryStart(ctx context.Context, stage, runDate string) (stage.Decision, error)
	Complete(ctx context.Context, runID int64, summary map[string]any) error
	Fail(ctx context.Context, runID int64, errs []string) error
	Status(ctx context.Context, runDate string) ([]model.StageRun, error)
	Today() string
}

// Deps wires the handlers. Audit, History and Stages are optional; the
// routes that need them answer 503 when they are nil.
type Deps struct {
	Reasoner       Reasoner
	Dispatcher     *sink.Dispatcher
	Audit          sink.EventWriter
	History        History
	Stages         Stages
	Breakers       *resilience.ServiceBreakers
	Heartbeat      time.Duration
	AllowedOrigins []string
}

type server struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Dispatcher == nil {
		d.Dispatcher = sink.NewDispatcher(0)
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	s := &server{Deps: d, log: zap.L().With(zap.String("component", "server"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.query)
		r.Get("/query/{requestID}", s.replay)
		r.Route("/stages", func(r chi.Router) {
			r.Post("/{stage}/start", s.startStage)
			r.Post("/runs/{runID}/complete", s.completeStage)
			r.Post("/runs/{runID}/fail", s.failStage)
			r.Get("/{date}", s.stageStatus)
		})
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.Breakers != nil {
		states := s.Breakers.States()
		body["circuits"] = states
		for _, st := range states {
			if st == resilience.CircuitOpen.String() {
				body["status"] = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
