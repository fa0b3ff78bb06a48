package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/model"
)

// CreateAgentRun inserts a record before its model call is made.
func (s *PostgresStore) CreateAgentRun(ctx context.Context, rec *model.AgentRunRecord) error {
	if rec.ID == "" {
		return eris.New("store: agent run has no id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gazette.agent_runs
		 (id, agent_type, template_id, prompt_version, prompt_hash, status, input_chars, document_id, node_path, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		rec.ID, rec.AgentType, rec.TemplateID, rec.PromptVersion, rec.PromptHash,
		string(rec.Status), rec.InputChars, rec.DocumentID, rec.NodePath, rec.StartedAt,
	)
	return eris.Wrapf(err, "store: create agent run %s", rec.ID)
}

// FinishAgentRun moves a running record to its final status.
func (s *PostgresStore) FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, outcome string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gazette.agent_runs
		 SET status = $2, outcome = $3, completed_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), outcome, completedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "store: finish agent run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: agent run %s is not running", id)
	}
	return nil
}

// GetAgentRun returns the record for id, or nil when absent.
func (s *PostgresStore) GetAgentRun(ctx context.Context, id string) (*model.AgentRunRecord, error) {
	var (
		rec         model.AgentRunRecord
		status      string
		outcome     *string
		documentID  *string
		nodePath    *string
		completedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, agent_type, template_id, prompt_version, prompt_hash, status, outcome,
		        input_chars, document_id, node_path, started_at, completed_at
		 FROM gazette.agent_runs WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.AgentType, &rec.TemplateID, &rec.PromptVersion, &rec.PromptHash,
		&status, &outcome, &rec.InputChars, &documentID, &nodePath, &rec.StartedAt, &completedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: get agent run %s", id)
	}
	rec.Status = model.AgentRunStatus(status)
	rec.Outcome = deref(outcome)
	rec.DocumentID = deref(documentID)
	rec.NodePath = deref(nodePath)
	rec.CompletedAt = completedAt
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
