package model

import "time"

// StageStatus is the lifecycle state of a PipelineStageRun.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StageRun is the durable record of one stage for one calendar run-date.
type StageRun struct {
	ID          int64          `json:"id"`
	RunDate     string         `json:"run_date"` // YYYY-MM-DD
	Stage       string         `json:"stage"`
	Status      StageStatus    `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
}
