//go:build !integration

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/stage"
)

type mockGate struct {
	mock.Mock
}

func (m *mockGate) TryStart(ctx context.Context, name, runDate string) (stage.Decision, error) {
	args := m.Called(ctx, name, runDate)
	return args.Get(0).(stage.Decision), args.Error(1)
}

func (m *mockGate) Complete(ctx context.Context, runID int64, summary map[string]any) error {
	return m.Called(ctx, runID, summary).Error(0)
}

func (m *mockGate) Fail(ctx context.Context, runID int64, errs []string) error {
	return m.Called(ctx, runID, errs).Error(0)
}

func (m *mockGate) Today() string {
	return m.Called().String(0)
}

func TestRunGated_Completes(t *testing.T) {
	gate := new(mockGate)
	gate.On("Today").Return("2025-03-14")
	gate.On("TryStart", mock.Anything, extractStage, "2025-03-14").Return(stage.Decision{CanProceed: true, RunID: 7}, nil)
	gate.On("Complete", mock.Anything, int64(7), map[string]any{"jobs": 3}).Return(nil)

	ran, err := runGated(context.Background(), gate, extractStage, "", func(context.Context) (map[string]any, error) {
		return map[string]any{"jobs": 3}, nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	gate.AssertExpectations(t)
}

func TestRunGated_Refused(t *testing.T) {
	gate := new(mockGate)
	gate.On("TryStart", mock.Anything, extractStage, "2025-03-14").
		Return(stage.Decision{Reason: stage.ReasonAlreadyDone}, nil)

	called := false
	ran, err := runGated(context.Background(), gate, extractStage, "2025-03-14", func(context.Context) (map[string]any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
	gate.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunGated_FailureRecordedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := new(mockGate)
	gate.On("TryStart", mock.Anything, extractStage, "2025-03-14").Return(stage.Decision{CanProceed: true, RunID: 9}, nil)
	gate.On("Fail", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), int64(9), []string{"store: save jobs: boom"}).Return(nil)

	ran, err := runGated(ctx, gate, extractStage, "2025-03-14", func(context.Context) (map[string]any, error) {
		cancel()
		return nil, errors.New("store: save jobs: boom")
	})
	require.Error(t, err)
	assert.True(t, ran)
	gate.AssertExpectations(t)
}

func TestRunGated_PanicMarksRunFailed(t *testing.T) {
	gate := new(mockGate)
	gate.On("TryStart", mock.Anything, extractStage, "2025-03-14").Return(stage.Decision{CanProceed: true, RunID: 11}, nil)
	gate.On("Fail", mock.Anything, int64(11), []string{"panic: planner: nil plan"}).Return(nil)

	assert.PanicsWithValue(t, "planner: nil plan", func() {
		_, _ = runGated(context.Background(), gate, extractStage, "2025-03-14", func(context.Context) (map[string]any, error) {
			panic("planner: nil plan")
		})
	})
	gate.AssertExpectations(t)
	gate.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunGated_TryStartError(t *testing.T) {
	gate := new(mockGate)
	gate.On("TryStart", mock.Anything, "nope.stage", "2025-03-14").Return(stage.Decision{}, stage.ErrUnknownStage)

	ran, err := runGated(context.Background(), gate, "nope.stage", "2025-03-14", nil)
	require.ErrorIs(t, err, stage.ErrUnknownStage)
	assert.False(t, ran)
}

func TestParseRunID(t *testing.T) {
	id, err := parseRunID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := parseRunID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseSummary(t *testing.T) {
	s, err := parseSummary(`{"issues": 2, "source": "nn"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"issues": float64(2), "source": "nn"}, s)

	s, err = parseSummary("")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = parseSummary("[1, 2]")
	assert.Error(t, err)
}

func TestFormatStageRuns(t *testing.T) {
	started := time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	runs := []model.StageRun{
		{ID: 1, RunDate: "2025-03-14", Stage: "gazette.fetch", Status: model.StageCompleted, StartedAt: started, CompletedAt: &done},
		{ID: 2, RunDate: "2025-03-14", Stage: "gazette.review", Status: model.StageFailed, StartedAt: done, CompletedAt: &done, Errors: []string{"x", "y"}},
		{ID: 3, RunDate: "2025-03-14", Stage: "extraction.sentinel", Status: model.StageRunning, StartedAt: done},
	}

	var buf bytes.Buffer
	formatStageRuns(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "gazette.fetch")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "2025-03-14T06:00:00Z")
	assert.Contains(t, out, "extraction.sentinel")
}
