package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/gazette-cli/internal/model"
)

// SQLiteStore keeps stage runs in a local SQLite file. It serves single-host
// schedulers that have no Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and configures WAL mode.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "stage: open sqlite")
	}
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "stage: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS stage_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_date     TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	summary      TEXT,
	errors       TEXT,
	UNIQUE (stage, run_date)
);

CREATE INDEX IF NOT EXISTS idx_stage_runs_run_date ON stage_runs(run_date);
`

// Migrate creates the stage_runs table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "stage: sqlite migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Get returns the run for (stage, runDate), or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, stage, runDate string) (*model.StageRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_date, stage, status, started_at, completed_at, summary, errors
		 FROM stage_runs WHERE stage = ? AND run_date = ?`,
		stage, runDate,
	)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "stage: get %s for %s", stage, runDate)
	}
	return run, nil
}

// InsertRunning inserts a running record unless one exists.
func (s *SQLiteStore) InsertRunning(ctx context.Context, stage, runDate string, startedAt time.Time) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (stage, run_date, status, started_at)
		 VALUES (?, ?, 'running', ?)
		 ON CONFLICT (stage, run_date) DO NOTHING`,
		stage, runDate, formatTime(startedAt),
	)
	if err != nil {
		return 0, false, eris.Wrapf(err, "stage: insert %s for %s", stage, runDate)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, eris.Wrap(err, "stage: rows affected")
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, eris.Wrap(err, "stage: last insert id")
	}
	return id, true, nil
}

// Complete moves a running record to completed.
func (s *SQLiteStore) Complete(ctx context.Context, id int64, summary map[string]any, at time.Time) error {
	var summaryJSON *string
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "stage: marshal summary")
		}
		str := string(data)
		summaryJSON = &str
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = 'completed', completed_at = ?, summary = ?
		 WHERE id = ? AND status = 'running'`,
		formatTime(at), summaryJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "stage: complete run %d", id)
	}
	return checkTransition(res, id)
}

// Fail moves a running record to failed.
func (s *SQLiteStore) Fail(ctx context.Context, id int64, errs []string, at time.Time) error {
	data, err := json.Marshal(errs)
	if err != nil {
		return eris.Wrap(err, "stage: marshal errors")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = 'failed', completed_at = ?, errors = ?
		 WHERE id = ? AND status = 'running'`,
		formatTime(at), string(data), id,
	)
	if err != nil {
		return eris.Wrapf(err, "stage: fail run %d", id)
	}
	return checkTransition(res, id)
}

// List returns every run for runDate ordered by start time.
func (s *SQLiteStore) List(ctx context.Context, runDate string) ([]model.StageRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_date, stage, status, started_at, completed_at, summary, errors
		 FROM stage_runs WHERE run_date = ? ORDER BY started_at, id`,
		runDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: list %s", runDate)
	}
	defer rows.Close()

	var runs []model.StageRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "stage: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func checkTransition(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "stage: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotRunning, "run %d", id)
	}
	return nil
}

func scanSQLiteRun(row scannable) (*model.StageRun, error) {
	var (
		run         model.StageRun
		status      string
		startedAt   string
		completedAt sql.NullString
		summaryJSON sql.NullString
		errsJSON    sql.NullString
	)
	if err := row.Scan(&run.ID, &run.RunDate, &run.Stage, &status, &startedAt, &completedAt, &summaryJSON, &errsJSON); err != nil {
		return nil, err
	}
	run.Status = model.StageStatus(status)

	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, eris.Wrap(err, "stage: parse started_at")
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, eris.Wrap(err, "stage: parse completed_at")
		}
		run.CompletedAt = &t
	}
	if err := decodeDetails(&run, []byte(summaryJSON.String), []byte(errsJSON.String)); err != nil {
		return nil, err
	}
	return &run, nil
}
