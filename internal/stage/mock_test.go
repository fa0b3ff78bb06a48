package stage

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/gazette-cli/internal/model"
)

// fakeClock advances only when the coordinator sleeps.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	n := c.sleeps
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	runs   map[string]*model.StageRun
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*model.StageRun)}
}

func memKey(stage, runDate string) string { return stage + "@" + runDate }

func (s *memStore) put(stage, runDate string, status model.StageStatus, startedAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.runs[memKey(stage, runDate)] = &model.StageRun{
		ID: s.nextID, Stage: stage, RunDate: runDate, Status: status, StartedAt: startedAt,
	}
	return s.nextID
}

func (s *memStore) Get(_ context.Context, stage, runDate string) (*model.StageRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[memKey(stage, runDate)]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) InsertRunning(_ context.Context, stage, runDate string, startedAt time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[memKey(stage, runDate)]; ok {
		return 0, false, nil
	}
	s.nextID++
	s.runs[memKey(stage, runDate)] = &model.StageRun{
		ID: s.nextID, Stage: stage, RunDate: runDate, Status: model.StageRunning, StartedAt: startedAt,
	}
	return s.nextID, true, nil
}

func (s *memStore) transition(id int64, status model.StageStatus, at time.Time) (*model.StageRun, error) {
	for _, run := range s.runs {
		if run.ID == id && run.Status == model.StageRunning {
			run.Status = status
			run.CompletedAt = &at
			return run, nil
		}
	}
	return nil, ErrNotRunning
}

func (s *memStore) Complete(_ context.Context, id int64, summary map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.transition(id, model.StageCompleted, at)
	if err != nil {
		return err
	}
	run.Summary = summary
	return nil
}

func (s *memStore) Fail(_ context.Context, id int64, errs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.transition(id, model.StageFailed, at)
	if err != nil {
		return err
	}
	run.Errors = errs
	return nil
}

func (s *memStore) List(_ context.Context, runDate string) ([]model.StageRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StageRun
	for _, run := range s.runs {
		if run.RunDate == runDate {
			out = append(out, *run)
		}
	}
	return out, nil
}

// mockStore is a testify mock for error paths.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, stage, runDate string) (*model.StageRun, error) {
	args := m.Called(ctx, stage, runDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StageRun), args.Error(1)
}

func (m *mockStore) InsertRunning(ctx context.Context, stage, runDate string, startedAt time.Time) (int64, bool, error) {
	args := m.Called(ctx, stage, runDate, startedAt)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *mockStore) Complete(ctx context.Context, id int64, summary map[string]any, at time.Time) error {
	return m.Called(ctx, id, summary, at).Error(0)
}

func (m *mockStore) Fail(ctx context.Context, id int64, errs []string, at time.Time) error {
	return m.Called(ctx, id, errs, at).Error(0)
}

func (m *mockStore) List(ctx context.Context, runDate string) ([]model.StageRun, error) {
	args := m.Called(ctx, runDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.StageRun), args.Error(1)
}
