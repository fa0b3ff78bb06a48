package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/parser"
)

var provisionConfig = db.UpsertConfig{
	Table:        "gazette.provisions",
	Columns:      []string{"document_id", "path", "level", "start_offset", "end_offset", "raw_text", "parser_version", "config_hash"},
	ConflictKeys: []string{"document_id", "path"},
}

var jobConfig = db.UpsertConfig{
	Table:        "gazette.extraction_jobs",
	Columns:      []string{"document_id", "node_path", "level", "ordinal", "size_bytes", "text"},
	ConflictKeys: []string{"document_id", "node_path"},
}

var factColumns = []string{"document_id", "node_path", "agent_run", "kind", "subject", "value", "confidence"}

// SaveProvisions upserts every node of a parse result, stamped with the
// parser identity that produced it.
func (s *PostgresStore) SaveProvisions(ctx context.Context, documentID string, res *parser.Result) (int64, error) {
	nodes := res.Flat()
	rows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, []any{
			documentID, n.Path, string(n.Level), n.StartOffset, n.EndOffset, n.RawText,
			res.Identity.ParserVersion, res.Identity.ConfigHash,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, provisionConfig, rows)
	return n, eris.Wrapf(err, "store: save provisions for %s", documentID)
}

// SaveJobs upserts a document's extraction jobs keyed by their dedup key.
func (s *PostgresStore) SaveJobs(ctx context.Context, jobs []model.ExtractionJob) (int64, error) {
	rows := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []any{j.DocumentID, j.NodePath, string(j.Level), j.Ordinal, j.SizeBytes, j.Text})
	}
	n, err := db.BulkUpsert(ctx, s.pool, jobConfig, rows)
	return n, eris.Wrap(err, "store: save jobs")
}

// Extracted reports whether the job already has a successful extraction.
// A run that legitimately found no facts counts, as do facts whose run was
// never marked finished.
func (s *PostgresStore) Extracted(ctx context.Context, job model.ExtractionJob) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM gazette.agent_runs
		                WHERE document_id = $1 AND node_path = $2 AND status = 'succeeded')
		     OR EXISTS (SELECT 1 FROM gazette.facts WHERE document_id = $1 AND node_path = $2)`,
		job.DocumentID, job.NodePath,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "store: check extracted %s", job.DedupKey())
	}
	return exists, nil
}

// SaveFacts copies the facts produced by one agent run.
func (s *PostgresStore) SaveFacts(ctx context.Context, job model.ExtractionJob, agentRunID string, facts []model.Fact) (int64, error) {
	rows := make([][]any, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, []any{job.DocumentID, job.NodePath, agentRunID, f.Kind, f.Subject, f.Value, f.Confidence})
	}
	n, err := db.CopyFromSchema(ctx, s.pool, "gazette", "facts", factColumns, rows)
	return n, eris.Wrapf(err, "store: save facts %s", job.DedupKey())
}
