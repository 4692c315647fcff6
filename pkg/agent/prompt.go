package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// outputContract is appended to every prompt so the worker knows the
// required response structure.
const outputContract = `Respond with exactly these sections:

SUMMARY
One short paragraph describing what was done.

RESULT
The complete result of the task.

NEXT_STEP
The single most useful follow-up action.`

// recoveryContract is the stricter variant used for the one-shot recovery
// run after an empty-output failure.
const recoveryContract = `Your previous attempt returned no output. This is the final attempt.
You MUST produce a non-empty response with exactly these sections, each with
real content: SUMMARY, RESULT, NEXT_STEP. Do not describe what you are about
to do. Do the task and report the outcome.`

// BuildPrompt composes the worker prompt for one task.
func BuildPrompt(def models.SubagentDefinition, task string) string {
	var b strings.Builder
	if def.SystemPrompt != "" {
		b.WriteString(def.SystemPrompt)
		b.WriteString("\n\n")
	}
	if len(def.Skills) > 0 {
		fmt.Fprintf(&b, "Your skills: %s\n\n", strings.Join(def.Skills, ", "))
	}
	b.WriteString("Task:\n")
	b.WriteString(task)
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

// BuildRecoveryPrompt composes the stricter prompt for a recovery run.
func BuildRecoveryPrompt(def models.SubagentDefinition, task string) string {
	return BuildPrompt(def, task) + "\n\n" + recoveryContract
}

// BuildDagPrompt extends the task with the node's input context and the
// outputs of completed dependencies so downstream tasks see upstream results.
func BuildDagPrompt(def models.SubagentDefinition, node models.TaskNode, deps map[string]string) string {
	task := node.Description
	if node.InputContext != "" {
		task = node.InputContext + "\n\n" + task
	}
	if len(deps) > 0 {
		ids := make([]string, 0, len(deps))
		for id := range deps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var b strings.Builder
		b.WriteString(task)
		b.WriteString("\n\nCompleted prerequisite outputs:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", id, deps[id])
		}
		task = b.String()
	}
	return BuildPrompt(def, task)
}
