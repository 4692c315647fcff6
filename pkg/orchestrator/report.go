package orchestrator

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/delegate/pkg/admission"
	"github.com/codeready-toolchain/delegate/pkg/dag"
	"github.com/codeready-toolchain/delegate/pkg/models"
)

// ItemReport is the per-task outcome of a run.
type ItemReport struct {
	ItemID       string             `json:"item_id"`
	RunID        string             `json:"run_id,omitempty"`
	AgentID      string             `json:"agent_id"`
	AgentName    string             `json:"agent_name"`
	Task         string             `json:"task"`
	Outcome      models.OutcomeCode `json:"outcome"`
	Output       string             `json:"output,omitempty"`
	Diagnostic   string             `json:"diagnostic,omitempty"`
	RecoveryUsed bool               `json:"recovery_used,omitempty"`
	Attempts     int                `json:"attempts"`
	DurationMs   int64              `json:"duration_ms"`
}

// Report is the end-to-end result of one orchestrated run. Content is the
// user-facing aggregated text; the rest is structured detail.
type Report struct {
	RunID            string             `json:"run_id"`
	Kind             string             `json:"kind"`
	Outcome          models.OutcomeCode `json:"outcome"`
	RetryRecommended bool               `json:"retry_recommended"`
	Content          string             `json:"content"`
	Reasons          []string           `json:"reasons,omitempty"`
	Items            []ItemReport       `json:"items,omitempty"`
	Dag              *dag.Result        `json:"dag,omitempty"`
	Parallelism      int                `json:"parallelism,omitempty"`
	DurationMs       int64              `json:"duration_ms"`
}

// buildContent renders the aggregated output: one section per item in input
// order, each headed by the agent name and its status.
func buildContent(items []ItemReport) string {
	sections := make([]string, 0, len(items))
	for _, it := range items {
		body := it.Output
		if body == "" {
			body = it.Diagnostic
		}
		sections = append(sections,
			fmt.Sprintf("## %s\nStatus: %s\n%s", it.AgentName, it.Outcome, body))
	}
	return strings.Join(sections, "\n\n")
}

func reasonStrings(reasons []admission.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// admissionReport translates a failed admission attempt into a terminal
// report. No run records exist for a run that was never admitted.
func admissionReport(runID, kind string, result admission.WaitResult) *Report {
	r := &Report{
		RunID:   runID,
		Kind:    kind,
		Reasons: reasonStrings(result.Reasons),
	}
	switch result.Status {
	case admission.WaitTimedOut:
		r.Outcome = models.OutcomeTimeout
		r.RetryRecommended = true
		r.Content = fmt.Sprintf("run not admitted: capacity wait timed out after %s (%s)",
			result.Waited.Round(timeRound), strings.Join(r.Reasons, ", "))
	case admission.WaitAborted:
		r.Outcome = models.OutcomeCancelled
		r.Content = "run not admitted: cancelled while waiting for capacity"
	default:
		r.Outcome = models.OutcomeNonRetryableFailure
		r.Content = fmt.Sprintf("run not admitted: %s", strings.Join(r.Reasons, ", "))
	}
	return r
}
