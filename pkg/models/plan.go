package models

import "time"

// TaskPriority orders ready tasks within a DAG scheduling wave.
type TaskPriority string

// Task priority tiers, highest first.
const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Rank returns a comparable weight for the tier; higher runs first.
// Unknown tiers rank as normal.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// TaskNode is one node of a task plan.
type TaskNode struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"`
	AgentID      string       `json:"agent_id,omitempty"`
	DependsOn    []string     `json:"depends_on,omitempty"`
	Priority     TaskPriority `json:"priority,omitempty"`
	InputContext string       `json:"input_context,omitempty"`
}

// TaskPlan is a directed acyclic task graph with optional agent assignments.
type TaskPlan struct {
	PlanID string     `json:"plan_id"`
	Tasks  []TaskNode `json:"tasks"`
}

// DagTaskStatus is the per-node execution state.
type DagTaskStatus string

// DAG task statuses.
const (
	DagTaskPending   DagTaskStatus = "pending"
	DagTaskRunning   DagTaskStatus = "running"
	DagTaskCompleted DagTaskStatus = "completed"
	DagTaskFailed    DagTaskStatus = "failed"
	DagTaskSkipped   DagTaskStatus = "skipped"
)

// DagTaskResult is the terminal record of one DAG node.
type DagTaskResult struct {
	TaskID     string        `json:"task_id"`
	Status     DagTaskStatus `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	DurationMs int64         `json:"duration_ms"`
}

// DagOverallStatus summarizes a finished DAG execution.
type DagOverallStatus string

// Overall DAG statuses.
const (
	DagCompleted DagOverallStatus = "completed"
	DagPartial   DagOverallStatus = "partial"
	DagFailed    DagOverallStatus = "failed"
)
