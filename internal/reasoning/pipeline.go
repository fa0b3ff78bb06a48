// Package reasoning answers a query as an ordered stream of phase events
// followed by exactly one terminal payload.
package reasoning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/resilience"
)

// Surface is the caller surface a query arrived from.
type Surface string

const (
	SurfaceWeb Surface = "web"
	SurfaceAPI Surface = "api"
	SurfaceCLI Surface = "cli"
)

// Valid reports whether s is a known surface.
func (s Surface) Valid() bool {
	switch s {
	case SurfaceWeb, SurfaceAPI, SurfaceCLI:
		return true
	default:
		return false
	}
}

// Request is one query-answering run.
type Request struct {
	RequestID string
	Query     string
	Surface   Surface
	AsOf      time.Time // zero means the pipeline clock's today
}

// SourceQuery is what SOURCE_SELECTION asks the retriever for.
type SourceQuery struct {
	Text         string
	Jurisdiction string
	AsOf         time.Time
	References   []string
	Limit        int
}

// Retriever looks up candidate sources for a query.
type Retriever interface {
	SearchSources(ctx context.Context, q SourceQuery) ([]model.SourceCard, error)
}

// SynthesisInput is handed to the synthesizer after ranking. Sources are in
// authoritative order.
type SynthesisInput struct {
	RequestID string
	Query     string
	AsOf      time.Time
	Sources   []model.SourceCard
}

// Synthesis is the synthesizer's answer and the source ids it cites.
type Synthesis struct {
	Answer      string
	CitationIDs []string
}

// Synthesizer produces an answer from ranked sources.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (*Synthesis, error)
}

// Clock is the pipeline's time source.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Retriever    Retriever
	Synthesizer  Synthesizer
	Breakers     *resilience.ServiceBreakers
	Clock        Clock
	PhaseTimeout time.Duration
	MaxSources   int
	Jurisdiction string
	MaxQueryLen  int
}

// Pipeline runs reasoning requests. It holds no per-request state and is
// safe for concurrent use.
type Pipeline struct {
	deps  Deps
	newID func() string
}

// New validates deps and fills defaults.
func New(deps Deps) (*Pipeline, error) {
	if deps.Retriever == nil {
		return nil, eris.New("reasoning: retriever is required")
	}
	if deps.Synthesizer == nil {
		return nil, eris.New("reasoning: synthesizer is required")
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.PhaseTimeout <= 0 {
		deps.PhaseTimeout = 30 * time.Second
	}
	if deps.MaxSources <= 0 {
		deps.MaxSources = 8
	}
	if deps.Jurisdiction == "" {
		deps.Jurisdiction = "HR"
	}
	if deps.MaxQueryLen <= 0 {
		deps.MaxQueryLen = 2000
	}
	return &Pipeline{deps: deps, newID: uuid.NewString}, nil
}

// Stream is the consumer side of one run. Events is unbuffered, so the
// producer only advances when the consumer receives. Events is closed after
// the terminal event (or on cancellation); Result is valid after that.
type Stream struct {
	RequestID string

	events chan model.ReasoningEvent
	done   chan struct{}
	cancel context.CancelFunc
	result model.Terminal
}

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan model.ReasoningEvent { return s.events }

// Done is closed once the run has finished and Result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Result blocks until the run finishes and returns its terminal payload.
func (s *Stream) Result() model.Terminal {
	<-s.done
	return s.result
}

// Cancel stops the run. The producer stops at its next event or phase
// boundary and the run ends with CANCELLED unless it already finished.
func (s *Stream) Cancel() { s.cancel() }

// Start launches the run in its own goroutine.
func (p *Pipeline) Start(ctx context.Context, req Request) *Stream {
	if req.RequestID == "" {
		req.RequestID = p.newID()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		RequestID: req.RequestID,
		events:    make(chan model.ReasoningEvent),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	r := &run{
		p:   p,
		req: req,
		ctx: ctx,
		out: s.events,
		log: zap.L().With(
			zap.String("component", "reasoning"),
			zap.String("request_id", req.RequestID),
			zap.String("surface", string(req.Surface)),
		),
	}

	go func() {
		defer close(s.done)
		defer cancel()
		defer close(s.events)
		s.result = r.execute()
	}()
	return s
}

// Run drains a stream, calling fn for each event, and returns the terminal
// payload. A non-nil error from fn cancels the run.
func Run(s *Stream, fn func(model.ReasoningEvent) error) model.Terminal {
	for ev := range s.Events() {
		if err := fn(ev); err != nil {
			s.Cancel()
			for range s.Events() {
			}
			break
		}
	}
	return s.Result()
}
