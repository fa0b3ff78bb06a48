package resilience

import (
	"time"

	"github.com/sells-group/gazette-cli/internal/model"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is an extraction job that failed and may be retried later.
type DLQEntry struct {
	ID           string              `json:"id"`
	Job          model.ExtractionJob `json:"job"`
	Error        string              `json:"error"`
	ErrorType    string              `json:"error_type"`
	AgentRunID   string              `json:"agent_run_id,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	MaxRetries   int                 `json:"max_retries"`
	NextRetryAt  time.Time           `json:"next_retry_at"`
	CreatedAt    time.Time           `json:"created_at"`
	LastFailedAt time.Time           `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	DocumentID string `json:"document_id,omitempty"`
	ErrorType  string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit      int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextBackoff returns when the entry should next be retried, doubling a base
// delay with each recorded retry and capping at max.
func (e *DLQEntry) NextBackoff(now time.Time, base, max time.Duration) time.Time {
	delay := base
	for i := 0; i < e.RetryCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return now.Add(delay)
}

// ClassifyError categorizes an error as transient or permanent. Only
// transient failures are worth a dead-letter retry.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
