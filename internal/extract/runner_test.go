package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/planner"
	"github.com/sells-group/gazette-cli/internal/provenance"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/pkg/anthropic"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	runs      map[string]*model.AgentRunRecord
	finished  map[string]string // run id -> outcome
	facts     map[string][]model.Fact
	dlq       []resilience.DLQEntry
	removed   []string
	retried   map[string]time.Time
	createErr error
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: make(map[string]bool),
		runs:     make(map[string]*model.AgentRunRecord),
		finished: make(map[string]string),
		facts:    make(map[string][]model.Fact),
		retried:  make(map[string]time.Time),
	}
}

func (s *fakeStore) Extracted(_ context.Context, job model.ExtractionJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing[job.DedupKey()] || len(s.facts[job.DedupKey()]) > 0 {
		return true, nil
	}
	for _, rec := range s.runs {
		if rec.Status == model.AgentRunSucceeded && rec.DocumentID == job.DocumentID && rec.NodePath == job.NodePath {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SaveFacts(_ context.Context, job model.ExtractionJob, runID string, facts []model.Fact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	if _, ok := s.runs[runID]; !ok {
		return 0, errors.New("unknown agent run")
	}
	s.facts[job.DedupKey()] = facts
	return int64(len(facts)), nil
}

func (s *fakeStore) CreateAgentRun(_ context.Context, rec *model.AgentRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *rec
	s.runs[rec.ID] = &cp
	return nil
}

func (s *fakeStore) FinishAgentRun(_ context.Context, id string, status model.AgentRunStatus, outcome string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok || rec.Status != model.AgentRunRunning {
		return errors.New("not running")
	}
	rec.Status = status
	s.finished[id] = outcome
	return nil
}

func (s *fakeStore) EnqueueDLQ(_ context.Context, e resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, e)
	return nil
}

func (s *fakeStore) DequeueDLQ(_ context.Context, _ resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resilience.DLQEntry(nil), s.dlq...), nil
}

func (s *fakeStore) IncrementDLQRetry(_ context.Context, id string, next time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried[id] = next
	return nil
}

func (s *fakeStore) RemoveDLQ(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeStore) outcomes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, o := range s.finished {
		out[o]++
	}
	return out
}

type clientFunc func(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)

func (f clientFunc) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	return f(ctx, req)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

const twoFacts = `{"facts":[
	{"kind":"amount","subject":"opća stopa PDV-a","value":"25 %","confidence":0.95},
	{"kind":"effective_date","subject":"stopa","value":"1. 1. 2013.","confidence":0.8}
]}`

func testPlan(n int) *planner.Plan {
	p := &planner.Plan{DocumentID: "nn-2013-073"}
	for i := 0; i < n; i++ {
		p.Jobs = append(p.Jobs, model.ExtractionJob{
			DocumentID: "nn-2013-073",
			NodePath:   string(rune('1' + i)),
			Level:      model.LevelArticle,
			Ordinal:    i,
			Text:       "Članak. Tekst odredbe.",
		})
	}
	return p
}

func newTestRunner(t *testing.T, st *fakeStore, client anthropic.Client, breaker *resilience.CircuitBreaker, cfg Config) *Runner {
	t.Helper()
	reg, err := provenance.NewRegistry()
	require.NoError(t, err)
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.RetryConfig{MaxAttempts: 1}
	}
	r := NewRunner(st, st, client, reg, breaker, cfg)
	r.now = func() time.Time { return time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC) }
	return r
}

func TestRunDocument_ExtractsAndSkips(t *testing.T) {
	st := newFakeStore()
	plan := testPlan(3)
	st.existing[plan.Jobs[0].DedupKey()] = true

	var calls atomic.Int32
	client := clientFunc(func(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		calls.Add(1)
		assert.Contains(t, req.Messages[0].Content, "Document: nn-2013-073")
		return reply("```json\n" + twoFacts + "\n```"), nil
	})
	r := newTestRunner(t, st, client, nil, Config{Model: "claude-haiku-4-5-20251001", Concurrency: 2})

	sum, err := r.RunDocument(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Jobs)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, int64(4), sum.Facts)
	assert.Equal(t, int64(200), sum.InputTokens)
	assert.Equal(t, int32(2), calls.Load())

	require.Len(t, st.runs, 2)
	for _, rec := range st.runs {
		assert.Equal(t, "gazette.provision_extractor.v2", rec.TemplateID)
		assert.Equal(t, model.AgentRunSucceeded, rec.Status)
		assert.NotEmpty(t, rec.PromptHash)
		assert.Equal(t, "nn-2013-073", rec.DocumentID)
	}
	assert.Equal(t, map[string]int{model.OutcomeOK: 2}, st.outcomes())
	assert.Empty(t, st.dlq)

	// A second run finds every job done.
	sum, err = r.RunDocument(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunDocument_EmptyResultIsNotReextracted(t *testing.T) {
	st := newFakeStore()
	plan := testPlan(1)

	var calls atomic.Int32
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		calls.Add(1)
		return reply(`{"facts":[]}`), nil
	})
	r := newTestRunner(t, st, client, nil, Config{})

	sum, err := r.RunDocument(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Zero(t, sum.Facts)

	for i := 0; i < 2; i++ {
		sum, err = r.RunDocument(context.Background(), plan)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)
		assert.Zero(t, sum.Succeeded)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, st.runs, 1)
}

func TestRunDocument_PromptHashMatchesRegistry(t *testing.T) {
	st := newFakeStore()
	plan := testPlan(1)
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return reply(`{"facts":[]}`), nil
	})
	r := newTestRunner(t, st, client, nil, Config{})

	_, err := r.RunDocument(context.Background(), plan)
	require.NoError(t, err)

	job := plan.Jobs[0]
	want := r.registry.GetProvenance(provenance.AgentProvisionExtractor, provenance.Input{
		"document_id": job.DocumentID,
		"node_path":   job.NodePath,
		"text":        job.Text,
	})
	require.Len(t, st.runs, 1)
	for _, rec := range st.runs {
		assert.Equal(t, want.PromptHash, rec.PromptHash)
		assert.Equal(t, want.Version, rec.PromptVersion)
	}
}

func TestRunDocument_InvalidOutputIsDeadLettered(t *testing.T) {
	st := newFakeStore()
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return reply("Ova odredba ne sadrži činjenice."), nil
	})
	r := newTestRunner(t, st, client, nil, Config{})

	sum, err := r.RunDocument(context.Background(), testPlan(1))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.InvalidOutput)
	assert.Equal(t, 1, sum.DeadLettered)
	require.Len(t, st.dlq, 1)
	assert.Equal(t, resilience.ErrorPermanent, st.dlq[0].ErrorType)
	assert.Equal(t, 3, st.dlq[0].MaxRetries)
	assert.Equal(t, time.Date(2025, 3, 14, 6, 1, 0, 0, time.UTC), st.dlq[0].NextRetryAt)
	assert.Equal(t, map[string]int{model.OutcomeInvalidOutput: 1}, st.outcomes())
}

func TestRunDocument_TransientErrorRetriesThenDeadLetters(t *testing.T) {
	st := newFakeStore()
	var calls atomic.Int32
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		calls.Add(1)
		return nil, &anthropic.APIError{Status: 529, Err: errors.New("overloaded")}
	})
	r := newTestRunner(t, st, client, nil, Config{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})

	sum, err := r.RunDocument(context.Background(), testPlan(1))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, st.dlq, 1)
	assert.Equal(t, resilience.ErrorTransient, st.dlq[0].ErrorType)
	assert.NotEmpty(t, st.dlq[0].AgentRunID)
	assert.Equal(t, map[string]int{model.OutcomeError: 1}, st.outcomes())
}

func TestRunDocument_CircuitOpen(t *testing.T) {
	st := newFakeStore()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, resilience.CircuitOpen, cb.State())

	var calls atomic.Int32
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		calls.Add(1)
		return reply(twoFacts), nil
	})
	r := newTestRunner(t, st, client, cb, Config{})

	sum, err := r.RunDocument(context.Background(), testPlan(2))
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, map[string]int{model.OutcomeCircuitOpen: 2}, st.outcomes())
	require.Len(t, st.dlq, 2)
	assert.Equal(t, resilience.ErrorTransient, st.dlq[0].ErrorType)
}

func TestRunDocument_StoreFailuresAbort(t *testing.T) {
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return reply(twoFacts), nil
	})

	st := newFakeStore()
	st.createErr = errors.New("db down")
	_, err := newTestRunner(t, st, client, nil, Config{}).RunDocument(context.Background(), testPlan(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create agent run")

	st = newFakeStore()
	st.saveErr = errors.New("disk full")
	_, err = newTestRunner(t, st, client, nil, Config{}).RunDocument(context.Background(), testPlan(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save facts")
	assert.Equal(t, map[string]int{model.OutcomeError: 1}, st.outcomes())
}

func TestRunDocument_BoundsConcurrency(t *testing.T) {
	st := newFakeStore()
	var inFlight, peak atomic.Int32
	client := clientFunc(func(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return reply(`{"facts":[]}`), nil
	})
	r := newTestRunner(t, st, client, nil, Config{Concurrency: 3})

	sum, err := r.RunDocument(context.Background(), testPlan(9))
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunDocument_Cancelled(t *testing.T) {
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	client := clientFunc(func(ctx context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		cancel()
		return nil, ctx.Err()
	})
	r := newTestRunner(t, st, client, nil, Config{})

	_, err := r.RunDocument(ctx, testPlan(3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, st.dlq)
	assert.Equal(t, map[string]int{model.OutcomeError: 1}, st.outcomes())
}

func TestRetryDeadLetters(t *testing.T) {
	st := newFakeStore()
	plan := testPlan(3)
	st.dlq = []resilience.DLQEntry{
		{ID: "ok", Job: plan.Jobs[0], MaxRetries: 3},
		{ID: "bad", Job: plan.Jobs[1], RetryCount: 1, MaxRetries: 3},
		{ID: "done", Job: plan.Jobs[2], MaxRetries: 3},
	}
	st.existing[plan.Jobs[2].DedupKey()] = true

	client := clientFunc(func(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		if assert.Len(t, req.Messages, 1) && strings.Contains(req.Messages[0].Content, "Provision: 2") {
			return reply("nije JSON"), nil
		}
		return reply(twoFacts), nil
	})
	r := newTestRunner(t, st, client, nil, Config{RetryBase: time.Minute, RetryMax: time.Hour})

	sum, err := r.RetryDeadLetters(context.Background(), resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.InvalidOutput)
	assert.Equal(t, 1, sum.Skipped)
	assert.ElementsMatch(t, []string{"ok", "done"}, st.removed)
	assert.Equal(t, time.Date(2025, 3, 14, 6, 2, 0, 0, time.UTC), st.retried["bad"])
}

func TestRetryDeadLetters_NoQueue(t *testing.T) {
	reg, err := provenance.NewRegistry()
	require.NoError(t, err)
	r := NewRunner(newFakeStore(), nil, nil, reg, nil, Config{})
	_, err = r.RetryDeadLetters(context.Background(), resilience.DLQFilter{})
	require.Error(t, err)
}
