// Package extract runs the provision_extractor agent over a document's
// extraction jobs and stores the facts it returns.
package extract

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/planner"
	"github.com/sells-group/gazette-cli/internal/provenance"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/pkg/anthropic"
)

// Store is the persistence the runner needs.
type Store interface {
	Extracted(ctx context.Context, job model.ExtractionJob) (bool, error)
	SaveFacts(ctx context.Context, job model.ExtractionJob, agentRunID string, facts []model.Fact) (int64, error)
	CreateAgentRun(ctx context.Context, rec *model.AgentRunRecord) error
	FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, outcome string, completedAt time.Time) error
}

// DeadLetters receives jobs the runner could not complete.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Config tunes the runner.
type Config struct {
	Model         string
	MaxTokens     int64
	Concurrency   int
	RatePerSecond float64
	Burst         int
	Retry         resilience.RetryConfig
	MaxRetries    int           // dead-letter attempts per job
	RetryBase     time.Duration // first dead-letter backoff
	RetryMax      time.Duration
}

// Summary counts what happened to a document's jobs.
type Summary struct {
	DocumentID    string `json:"document_id,omitempty"`
	Jobs          int    `json:"jobs"`
	Skipped       int    `json:"skipped"`
	Succeeded     int    `json:"succeeded"`
	InvalidOutput int    `json:"invalid_output"`
	Failed        int    `json:"failed"`
	Facts         int64  `json:"facts"`
	DeadLettered  int    `json:"dead_lettered"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
}

// Map flattens the summary for stage-run records.
func (s *Summary) Map() map[string]any {
	return map[string]any{
		"document_id":    s.DocumentID,
		"jobs":           s.Jobs,
		"skipped":        s.Skipped,
		"succeeded":      s.Succeeded,
		"invalid_output": s.InvalidOutput,
		"failed":         s.Failed,
		"facts":          s.Facts,
		"dead_lettered":  s.DeadLettered,
	}
}

// Runner executes extraction jobs with bounded concurrency.
type Runner struct {
	store    Store
	dlq      DeadLetters
	client   anthropic.Client
	registry *provenance.Registry
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter
	cfg      Config
	now      func() time.Time
}

// NewRunner creates a Runner. dlq may be nil, in which case failed jobs are
// only logged.
func NewRunner(store Store, dlq DeadLetters, client anthropic.Client, registry *provenance.Registry, breaker *resilience.CircuitBreaker, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Hour
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		store:    store,
		dlq:      dlq,
		client:   client,
		registry: registry,
		breaker:  breaker,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
		now:      time.Now,
	}
}

var newRunID = uuid.NewString

// result is the outcome of one job attempt.
type result struct {
	skipped bool
	outcome string
	runID   string
	facts   int64
	usage   anthropic.TokenUsage
	err     error // model or output failure; the job may be dead-lettered
}

// tally accumulates results under a lock.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(r result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.InputTokens += r.usage.InputTokens
	t.s.OutputTokens += r.usage.OutputTokens
	switch {
	case r.skipped:
		t.s.Skipped++
	case r.outcome == model.OutcomeOK:
		t.s.Succeeded++
		t.s.Facts += r.facts
	case r.outcome == model.OutcomeInvalidOutput:
		t.s.InvalidOutput++
	default:
		t.s.Failed++
	}
}

func (t *tally) deadLettered() {
	t.mu.Lock()
	t.s.DeadLettered++
	t.mu.Unlock()
}

// RunDocument extracts facts for every job of plan. Jobs with a successful
// extraction, even one that found no facts, are skipped. The first pending job runs alone so the shared system
// prompt is cached before the fan-out. Model and output failures are counted
// and dead-lettered; store failures and cancellation abort the run.
func (r *Runner) RunDocument(ctx context.Context, plan *planner.Plan) (*Summary, error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("document_id", plan.DocumentID))
	t := &tally{s: Summary{DocumentID: plan.DocumentID, Jobs: len(plan.Jobs)}}

	var pending []model.ExtractionJob
	for _, job := range plan.Jobs {
		done, err := r.store.Extracted(ctx, job)
		if err != nil {
			return nil, eris.Wrap(err, "extract: check extracted")
		}
		if done {
			t.add(result{skipped: true})
			continue
		}
		pending = append(pending, job)
	}
	log.Info("extract: starting", zap.Int("jobs", len(plan.Jobs)), zap.Int("pending", len(pending)))

	run := func(ctx context.Context, job model.ExtractionJob) error {
		res, err := r.attempt(ctx, job)
		if err != nil {
			return err
		}
		t.add(res)
		if res.err != nil && r.deadLetter(ctx, log, job, res) {
			t.deadLettered()
		}
		return nil
	}

	if len(pending) > 0 {
		if err := run(ctx, pending[0]); err != nil {
			return &t.s, err
		}
		pending = pending[1:]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, job := range pending {
		g.Go(func() error {
			return run(gctx, job)
		})
	}
	if err := g.Wait(); err != nil {
		return &t.s, err
	}

	log.Info("extract: finished",
		zap.Int("succeeded", t.s.Succeeded),
		zap.Int("skipped", t.s.Skipped),
		zap.Int("invalid_output", t.s.InvalidOutput),
		zap.Int("failed", t.s.Failed),
		zap.Int64("facts", t.s.Facts),
	)
	return &t.s, nil
}

// RetryDeadLetters re-attempts due dead-lettered jobs. Successful jobs leave
// the queue; failures push their next attempt out with exponential backoff.
func (r *Runner) RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter) (*Summary, error) {
	if r.dlq == nil {
		return nil, eris.New("extract: no dead letter queue configured")
	}
	entries, err := r.dlq.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "extract: dequeue dead letters")
	}

	log := zap.L().With(zap.String("component", "extract"))
	t := &tally{s: Summary{DocumentID: filter.DocumentID, Jobs: len(entries)}}
	for _, e := range entries {
		done, err := r.store.Extracted(ctx, e.Job)
		if err != nil {
			return &t.s, eris.Wrap(err, "extract: check extracted")
		}
		res := result{skipped: true}
		if !done {
			if res, err = r.attempt(ctx, e.Job); err != nil {
				return &t.s, err
			}
		}
		t.add(res)

		if res.err == nil {
			if err := r.dlq.RemoveDLQ(ctx, e.ID); err != nil {
				return &t.s, eris.Wrap(err, "extract: remove dead letter")
			}
			continue
		}
		next := e.NextBackoff(r.now(), r.cfg.RetryBase, r.cfg.RetryMax)
		if err := r.dlq.IncrementDLQRetry(ctx, e.ID, next, res.err.Error()); err != nil {
			return &t.s, eris.Wrap(err, "extract: reschedule dead letter")
		}
		if e.RetryCount+1 >= e.MaxRetries {
			log.Warn("extract: dead letter exhausted its retries",
				zap.String("job", e.Job.DedupKey()), zap.Error(res.err))
		}
	}
	return &t.s, nil
}

// attempt runs one job. The returned error is fatal for the whole run;
// per-job failures are reported in result.err.
func (r *Runner) attempt(ctx context.Context, job model.ExtractionJob) (result, error) {
	prompt := r.registry.Prepare(provenance.AgentProvisionExtractor, provenance.Input{
		"document_id": job.DocumentID,
		"node_path":   job.NodePath,
		"text":        job.Text,
	})
	rec := &model.AgentRunRecord{
		ID:            newRunID(),
		AgentType:     prompt.Provenance.AgentType,
		TemplateID:    prompt.Provenance.TemplateID,
		PromptVersion: prompt.Provenance.Version,
		PromptHash:    prompt.Provenance.PromptHash,
		Status:        model.AgentRunRunning,
		InputChars:    prompt.Chars(),
		DocumentID:    job.DocumentID,
		NodePath:      job.NodePath,
		StartedAt:     r.now().UTC(),
	}
	if err := r.store.CreateAgentRun(ctx, rec); err != nil {
		return result{}, eris.Wrap(err, "extract: create agent run")
	}

	log := zap.L().With(
		zap.String("job", job.DedupKey()),
		zap.String("agent_run_id", rec.ID),
		zap.String("template_id", rec.TemplateID),
	)
	res := result{runID: rec.ID}

	resp, err := r.call(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(ctx, log, rec.ID, model.AgentRunFailed, model.OutcomeError)
			return res, ctx.Err()
		}
		res.outcome = model.OutcomeError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			res.outcome = model.OutcomeCircuitOpen
		}
		res.err = err
		log.Warn("extract: model call failed", zap.Error(err))
		r.finish(ctx, log, rec.ID, model.AgentRunFailed, res.outcome)
		return res, nil
	}
	res.usage = resp.Usage
	resp.Usage.LogCost(r.cfg.Model, provenance.AgentProvisionExtractor)

	facts, err := ParseFacts(resp.Text())
	if err != nil {
		res.outcome = model.OutcomeInvalidOutput
		res.err = err
		log.Warn("extract: invalid model output", zap.Error(err))
		r.finish(ctx, log, rec.ID, model.AgentRunFailed, res.outcome)
		return res, nil
	}

	n, err := r.store.SaveFacts(ctx, job, rec.ID, facts)
	if err != nil {
		r.finish(ctx, log, rec.ID, model.AgentRunFailed, model.OutcomeError)
		return res, eris.Wrap(err, "extract: save facts")
	}
	res.outcome = model.OutcomeOK
	res.facts = n
	r.finish(ctx, log, rec.ID, model.AgentRunSucceeded, model.OutcomeOK)
	return res, nil
}

// call sends the prompt through the rate limiter, breaker and retry policy.
func (r *Runner) call(ctx context.Context, prompt provenance.Prompt) (*anthropic.MessageResponse, error) {
	req := anthropic.MessageRequest{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(prompt.System, ""),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.User}},
	}
	retry := r.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(resilience.ServiceAnthropic, "extract")
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extract: rate limit wait")
		}
		if r.breaker == nil {
			return r.client.CreateMessage(ctx, req)
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return r.client.CreateMessage(ctx, req)
		})
	})
}

// finish records the outcome even if ctx is already done.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, id string, status model.AgentRunStatus, outcome string) {
	if err := r.store.FinishAgentRun(context.WithoutCancel(ctx), id, status, outcome, r.now().UTC()); err != nil {
		log.Error("extract: finish agent run", zap.Error(err))
	}
}

// deadLetter queues a failed job and reports whether it was queued.
func (r *Runner) deadLetter(ctx context.Context, log *zap.Logger, job model.ExtractionJob, res result) bool {
	if r.dlq == nil {
		return false
	}
	now := r.now().UTC()
	errType := resilience.ClassifyError(res.err)
	if res.outcome == model.OutcomeCircuitOpen {
		errType = resilience.ErrorTransient
	}
	entry := resilience.DLQEntry{
		Job:          job,
		Error:        res.err.Error(),
		ErrorType:    errType,
		AgentRunID:   res.runID,
		MaxRetries:   r.cfg.MaxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	entry.NextRetryAt = entry.NextBackoff(now, r.cfg.RetryBase, r.cfg.RetryMax)
	if err := r.dlq.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("extract: enqueue dead letter", zap.String("job", job.DedupKey()), zap.Error(err))
		return false
	}
	return true
}
