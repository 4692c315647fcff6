package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/agent"
	"github.com/codeready-toolchain/delegate/pkg/dag"
	"github.com/codeready-toolchain/delegate/pkg/models"
)

// RunDag validates and executes a task plan. Per-node agents fall back to
// defaultAgentID, then to the session default. Validation failures are
// returned as errors and never reach execution.
func (o *Orchestrator) RunDag(ctx context.Context, runID string, plan models.TaskPlan, defaultAgentID, source string) (*Report, error) {
	start := time.Now()
	if runID == "" {
		runID = uuid.NewString()
	}
	if plan.PlanID == "" {
		plan.PlanID = runID
	}

	if err := dag.Validate(&plan); err != nil {
		return nil, err
	}

	defsByTask := make(map[string]models.SubagentDefinition, len(plan.Tasks))
	defs := make([]models.SubagentDefinition, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		id := t.AgentID
		if id == "" {
			id = defaultAgentID
		}
		def, err := o.resolveAgent(id)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		defsByTask[t.ID] = def
		defs = append(defs, def)
	}

	effective := o.effectiveParallelism(len(plan.Tasks), defs)

	_, cl, admResult, err := o.acquire(ctx, runID, source, effective)
	if err != nil {
		return admissionReport(runID, "dag", admResult), nil
	}
	if cl == nil {
		report := admissionReport(runID, "dag", admResult)
		o.applyFeedback(nil, report.Outcome)
		return report, nil
	}
	defer cl.run()

	agentIDs := make([]string, 0, len(defs))
	for _, def := range defs {
		agentIDs = append(agentIDs, def.ID)
	}
	o.monitor.RunStarted(runID, "dag", agentIDs)

	var mu sync.Mutex
	itemReports := make(map[string]ItemReport, len(plan.Tasks))

	worker := func(ctx context.Context, node models.TaskNode, deps map[string]string) (string, error) {
		def := defsByTask[node.ID]
		task := node.Description
		if node.InputContext != "" {
			task = node.InputContext + "\n\n" + task
		}
		o.adm.AddActive(0, 1)
		defer o.adm.AddActive(0, -1)
		report := o.executeItem(ctx, runID, itemSpec{
			itemID: node.ID,
			def:    def,
			task:   task,
			prompt: agent.BuildDagPrompt(def, node, deps),
		})
		mu.Lock()
		itemReports[node.ID] = report
		mu.Unlock()
		if report.Outcome != models.OutcomeSuccess {
			return "", errors.New(report.Diagnostic)
		}
		return report.Output, nil
	}

	result := dag.Execute(ctx, &plan, worker, dag.Options{MaxConcurrency: effective})

	// Assemble per-task reports in plan input order; skipped tasks never ran
	// and are worth retrying once their dependencies are fixed.
	reports := make([]ItemReport, 0, len(plan.Tasks))
	codes := make([]models.OutcomeCode, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		report, ran := itemReports[t.ID]
		if !ran {
			def := defsByTask[t.ID]
			report = ItemReport{
				ItemID:     t.ID,
				AgentID:    def.ID,
				AgentName:  def.Name,
				Task:       t.Description,
				Outcome:    models.OutcomeRetryableFailure,
				Diagnostic: "skipped: upstream dependency did not complete",
			}
			if ctx.Err() != nil {
				report.Outcome = models.OutcomeCancelled
				report.Diagnostic = "skipped: run cancelled"
			}
		}
		reports = append(reports, report)
		codes = append(codes, report.Outcome)
	}

	outcome, retryRecommended := models.AggregateOutcome(codes)
	if ctx.Err() != nil {
		outcome, retryRecommended = models.OutcomeCancelled, true
	}
	o.applyFeedback(reports, outcome)

	report := &Report{
		RunID:            runID,
		Kind:             "dag",
		Outcome:          outcome,
		RetryRecommended: retryRecommended,
		Content:          buildContent(reports),
		Items:            reports,
		Dag:              result,
		Parallelism:      effective,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	o.monitor.RunFinished(runID, string(outcome), retryRecommended)
	cl.run()
	return report, nil
}
