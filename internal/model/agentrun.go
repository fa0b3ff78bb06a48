package model

import "time"

// AgentRunStatus tracks an extraction or answer attempt.
type AgentRunStatus string

const (
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunSucceeded AgentRunStatus = "succeeded"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRun outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeInvalidOutput = "invalid_output"
	OutcomeError         = "error"
	OutcomeCircuitOpen   = "circuit_open"
)

// AgentRunRecord binds one model call to the exact prompt that produced it.
type AgentRunRecord struct {
	ID            string         `json:"id"`
	AgentType     string         `json:"agent_type"`
	TemplateID    string         `json:"template_id"`
	PromptVersion string         `json:"prompt_version"`
	PromptHash    string         `json:"prompt_hash"`
	Status        AgentRunStatus `json:"status"`
	Outcome       string         `json:"outcome,omitempty"`
	InputChars    int            `json:"input_chars"`
	DocumentID    string         `json:"document_id,omitempty"`
	NodePath      string         `json:"node_path,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
