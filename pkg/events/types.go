// Package events delivers live-view events: per-item lifecycle plus
// stdout/stderr chunks, published in-process and fanned out to WebSocket
// subscribers. Chunks are transient (lost on reconnect); terminal events
// carry the full summary, so clients can always converge on final state.
package events

import "time"

// Event types.
const (
	// Item lifecycle.
	EventItemStarted  = "item.started"
	EventItemStdout   = "item.stdout"
	EventItemStderr   = "item.stderr"
	EventItemFinished = "item.finished"

	// Run lifecycle.
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// Event is one live-view message. Channel is the run id; ItemID identifies
// the subagent task within the run.
type Event struct {
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Channel string         `json:"channel"`
	ItemID  string         `json:"item_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Monitor is the sink the orchestrators write to. A nil-safe no-op
// implementation is used when streaming is disabled.
type Monitor interface {
	ItemStarted(runID, itemID, agentID string, task string)
	StdoutChunk(runID, itemID string, chunk string)
	StderrChunk(runID, itemID string, chunk string)
	ItemFinished(runID, itemID string, status string, summary string, errMsg string)
	RunStarted(runID string, kind string, agentIDs []string)
	RunFinished(runID string, outcome string, retryRecommended bool)
}

// NopMonitor discards all events.
type NopMonitor struct{}

func (NopMonitor) ItemStarted(string, string, string, string)          {}
func (NopMonitor) StdoutChunk(string, string, string)                  {}
func (NopMonitor) StderrChunk(string, string, string)                  {}
func (NopMonitor) ItemFinished(string, string, string, string, string) {}
func (NopMonitor) RunStarted(string, string, []string)                 {}
func (NopMonitor) RunFinished(string, string, bool)                    {}
