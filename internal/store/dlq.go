package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/resilience"
)

// EnqueueDLQ records a failed extraction job. A job already in the queue
// keeps its id and retry count; only the failure details are refreshed.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return eris.Wrap(err, "store: marshal dlq job")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	var agentRunID *string
	if entry.AgentRunID != "" {
		agentRunID = &entry.AgentRunID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO gazette.dead_letter_queue
		 (id, document_id, node_path, job, agent_run_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (document_id, node_path) DO UPDATE SET
		   job = $4, agent_run_id = $5, error = $6, error_type = $7,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.Job.DocumentID, entry.Job.NodePath, jobJSON, agentRunID,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "store: enqueue dlq %s", entry.Job.DedupKey())
}

// DequeueDLQ returns entries that are due for a retry, oldest due first.
func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id::text, job, COALESCE(agent_run_id::text, ''), error, error_type,
	                 retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM gazette.dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var jobJSON []byte
		if err := rows.Scan(&e.ID, &jobJSON, &e.AgentRunID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan dlq entry")
		}
		if err := json.Unmarshal(jobJSON, &e.Job); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal dlq job")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "store: dequeue dlq iterate")
}

// IncrementDLQRetry records another failed attempt.
func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gazette.dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: dlq entry not found: %s", id)
	}
	return nil
}

// RemoveDLQ deletes an entry, typically after a successful retry.
func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gazette.dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "store: remove dlq %s", id)
}

// CountDLQ returns the number of queued entries, retryable or not.
func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM gazette.dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "store: count dlq")
}
