package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/model"
)

// PostgresStore keeps stage runs in gazette.stage_runs.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectRun = `SELECT id, run_date::text, stage, status, started_at, completed_at, summary, errors
	FROM gazette.stage_runs`

// Get returns the run for (stage, runDate), or nil when absent.
func (s *PostgresStore) Get(ctx context.Context, stage, runDate string) (*model.StageRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		selectRun+` WHERE stage = $1 AND run_date = $2::date`,
		stage, runDate,
	))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "stage: get %s for %s", stage, runDate)
	}
	return run, nil
}

// InsertRunning inserts a running record; a conflicting row leaves the table
// untouched and reports inserted=false.
func (s *PostgresStore) InsertRunning(ctx context.Context, stage, runDate string, startedAt time.Time) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO gazette.stage_runs (stage, run_date, status, started_at)
		 VALUES ($1, $2::date, 'running', $3)
		 ON CONFLICT (stage, run_date) DO NOTHING
		 RETURNING id`,
		stage, runDate, startedAt,
	).Scan(&id)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "stage: insert %s for %s", stage, runDate)
	}
	return id, true, nil
}

// Complete moves a running record to completed.
func (s *PostgresStore) Complete(ctx context.Context, id int64, summary map[string]any, at time.Time) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "stage: marshal summary")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE gazette.stage_runs
		 SET status = 'completed', completed_at = $2, summary = $3
		 WHERE id = $1 AND status = 'running'`,
		id, at, summaryJSON,
	)
	if err != nil {
		return eris.Wrapf(err, "stage: complete run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotRunning, "run %d", id)
	}
	return nil
}

// Fail moves a running record to failed.
func (s *PostgresStore) Fail(ctx context.Context, id int64, errs []string, at time.Time) error {
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return eris.Wrap(err, "stage: marshal errors")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE gazette.stage_runs
		 SET status = 'failed', completed_at = $2, errors = $3
		 WHERE id = $1 AND status = 'running'`,
		id, at, errsJSON,
	)
	if err != nil {
		return eris.Wrapf(err, "stage: fail run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotRunning, "run %d", id)
	}
	return nil
}

// List returns every run for runDate ordered by start time.
func (s *PostgresStore) List(ctx context.Context, runDate string) ([]model.StageRun, error) {
	rows, err := s.pool.Query(ctx,
		selectRun+` WHERE run_date = $1::date ORDER BY started_at, id`,
		runDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: list %s", runDate)
	}
	defer rows.Close()

	var runs []model.StageRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "stage: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.StageRun, error) {
	var (
		run         model.StageRun
		status      string
		completedAt *time.Time
		summaryJSON []byte
		errsJSON    []byte
	)
	if err := row.Scan(&run.ID, &run.RunDate, &run.Stage, &status, &run.StartedAt, &completedAt, &summaryJSON, &errsJSON); err != nil {
		return nil, err
	}
	run.Status = model.StageStatus(status)
	run.CompletedAt = completedAt
	if err := decodeDetails(&run, summaryJSON, errsJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func decodeDetails(run *model.StageRun, summaryJSON, errsJSON []byte) error {
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &run.Summary); err != nil {
			return eris.Wrap(err, "stage: decode summary")
		}
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &run.Errors); err != nil {
			return eris.Wrap(err, "stage: decode errors")
		}
	}
	return nil
}
