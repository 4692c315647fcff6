package models

import "time"

// SubagentDefinition describes a named LLM persona available for delegation.
// Definitions are immutable except through explicit configure operations.
type SubagentDefinition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Skills       []string  `json:"skills,omitempty"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EndpointKey returns the lowercase "provider:model" key used by the rate
// controller and the parallelism adjuster. Empty provider/model fall back to
// the supplied defaults.
func (d *SubagentDefinition) EndpointKey(defaultProvider, defaultModel string) string {
	provider := d.Provider
	if provider == "" {
		provider = defaultProvider
	}
	model := d.Model
	if model == "" {
		model = defaultModel
	}
	return EndpointKey(provider, model)
}

// RunStatus is the terminal status of a single subagent run.
type RunStatus string

// Run statuses.
const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the immutable record of one completed subagent run. Records
// live in a bounded ring (last MaxRunRecords) inside storage.json; the full
// payload is written to runs/<run_id>.json.
type RunRecord struct {
	RunID        string      `json:"run_id"`
	AgentID      string      `json:"agent_id"`
	Task         string      `json:"task"`
	Status       RunStatus   `json:"status"`
	Outcome      OutcomeCode `json:"outcome"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	DurationMs   int64       `json:"duration_ms"`
	OutputPath   string      `json:"output_path,omitempty"`
	ErrorSummary string      `json:"error_summary,omitempty"`
	RecoveryUsed bool        `json:"recovery_used,omitempty"`
}

// RunPayload is the full per-run file written to runs/<run_id>.json.
type RunPayload struct {
	Run      RunRecord `json:"run"`
	Prompt   string    `json:"prompt"`
	Output   string    `json:"output"`
	Recovery bool      `json:"recovery,omitempty"`
}

// MaxRunRecords bounds the run ring kept in storage.json.
const MaxRunRecords = 100
