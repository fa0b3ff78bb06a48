// Package stage gates batch pipeline stages on durable per-run-date records.
package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/model"
)

// ErrNotRunning is returned when a completion or failure targets a run that
// does not exist or has already left the running state.
var ErrNotRunning = eris.New("stage: run not found or not running")

// ErrUnknownStage is returned for a stage no pipeline declares.
var ErrUnknownStage = eris.New("stage: unknown stage")

// Store persists stage runs. InsertRunning is insert-if-absent and is the
// only point where concurrent invocations contend.
type Store interface {
	// Get returns the run for (stage, runDate), or nil when none exists.
	Get(ctx context.Context, stage, runDate string) (*model.StageRun, error)
	// InsertRunning creates a running record unless one already exists for
	// (stage, runDate). inserted is false when another caller got there first.
	InsertRunning(ctx context.Context, stage, runDate string, startedAt time.Time) (id int64, inserted bool, err error)
	Complete(ctx context.Context, id int64, summary map[string]any, at time.Time) error
	Fail(ctx context.Context, id int64, errs []string, at time.Time) error
	List(ctx context.Context, runDate string) ([]model.StageRun, error)
}
