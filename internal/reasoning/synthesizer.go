package reasoning

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/provenance"
	"github.com/sells-group/gazette-cli/pkg/anthropic"
)

// AgentRunWriter persists agent run records.
type AgentRunWriter interface {
	CreateAgentRun(ctx context.Context, rec *model.AgentRunRecord) error
	FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, outcome string, completedAt time.Time) error
}

// ErrInvalidOutput is returned when the model's reply is not the expected JSON.
var ErrInvalidOutput = eris.New("reasoning: invalid model output")

// AnthropicSynthesizer answers from ranked sources with the
// answer_synthesizer prompt and records each attempt as an agent run.
type AnthropicSynthesizer struct {
	client    anthropic.Client
	registry  *provenance.Registry
	runs      AgentRunWriter
	model     string
	maxTokens int64
	now       func() time.Time
}

// NewAnthropicSynthesizer wires a synthesizer.
func NewAnthropicSynthesizer(client anthropic.Client, registry *provenance.Registry, runs AgentRunWriter, model string, maxTokens int64) *AnthropicSynthesizer {
	return &AnthropicSynthesizer{
		client:    client,
		registry:  registry,
		runs:      runs,
		model:     model,
		maxTokens: maxTokens,
		now:       time.Now,
	}
}

// SynthesisInputFor builds the template input for in. It is exported so the
// provenance of an answer can be recomputed from stored sources.
func SynthesisInputFor(in SynthesisInput) provenance.Input {
	sources := make([]map[string]any, len(in.Sources))
	for i, c := range in.Sources {
		sources[i] = map[string]any{
			"id":        c.ID,
			"authority": string(c.Authority),
			"title":     c.Title,
			"reference": c.Reference,
			"excerpt":   c.Excerpt,
		}
	}
	return provenance.Input{
		"query":   in.Query,
		"as_of":   in.AsOf.Format(time.DateOnly),
		"sources": sources,
	}
}

// Synthesize implements Synthesizer.
func (s *AnthropicSynthesizer) Synthesize(ctx context.Context, in SynthesisInput) (*Synthesis, error) {
	prompt := s.registry.Prepare(provenance.AgentAnswerSynthesizer, SynthesisInputFor(in))

	rec := &model.AgentRunRecord{
		ID:            uuid.NewString(),
		AgentType:     prompt.Provenance.AgentType,
		TemplateID:    prompt.Provenance.TemplateID,
		PromptVersion: prompt.Provenance.Version,
		PromptHash:    prompt.Provenance.PromptHash,
		Status:        model.AgentRunRunning,
		InputChars:    prompt.Chars(),
		StartedAt:     s.now().UTC(),
	}
	if err := s.runs.CreateAgentRun(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "reasoning: create agent run")
	}

	log := zap.L().With(
		zap.String("request_id", in.RequestID),
		zap.String("agent_run_id", rec.ID),
		zap.String("template_id", rec.TemplateID),
	)

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(prompt.System, ""),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.User}},
	})
	if err != nil {
		s.finish(ctx, log, rec.ID, model.AgentRunFailed, model.OutcomeError)
		return nil, eris.Wrap(err, "reasoning: synthesize")
	}
	resp.Usage.LogCost(s.model, provenance.AgentAnswerSynthesizer)

	syn, err := parseSynthesis(resp.Text())
	if err != nil {
		log.Warn("reasoning: synthesizer returned invalid output", zap.Error(err))
		s.finish(ctx, log, rec.ID, model.AgentRunFailed, model.OutcomeInvalidOutput)
		return nil, err
	}

	s.finish(ctx, log, rec.ID, model.AgentRunSucceeded, model.OutcomeOK)
	return syn, nil
}

// finish records the outcome even if the request context is already done.
func (s *AnthropicSynthesizer) finish(ctx context.Context, log *zap.Logger, id string, status model.AgentRunStatus, outcome string) {
	if err := s.runs.FinishAgentRun(context.WithoutCancel(ctx), id, status, outcome, s.now().UTC()); err != nil {
		log.Error("reasoning: finish agent run", zap.Error(err))
	}
}

func parseSynthesis(text string) (*Synthesis, error) {
	var out struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(text)), &out); err != nil {
		return nil, eris.Wrap(ErrInvalidOutput, err.Error())
	}
	if out.Answer == "" {
		return nil, eris.Wrap(ErrInvalidOutput, "missing answer")
	}
	return &Synthesis{Answer: out.Answer, CitationIDs: out.Citations}, nil
}
