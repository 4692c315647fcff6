package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// RunSingle executes one task on one subagent (the session default when
// agentID is empty). runID may be empty; a fresh id is generated then.
func (o *Orchestrator) RunSingle(ctx context.Context, runID, agentID, task, source string) (*Report, error) {
	start := time.Now()
	if runID == "" {
		runID = uuid.NewString()
	}

	def, err := o.resolveAgent(agentID)
	if err != nil {
		return nil, err
	}

	_, cl, admResult, err := o.acquire(ctx, runID, source, 1)
	if err != nil {
		return admissionReport(runID, "single", admResult), nil
	}
	if cl == nil {
		report := admissionReport(runID, "single", admResult)
		o.applyFeedback(nil, report.Outcome)
		return report, nil
	}
	defer cl.run()

	o.monitor.RunStarted(runID, "single", []string{def.ID})

	o.adm.AddActive(0, 1)
	item := o.executeItem(ctx, runID, itemSpec{itemID: "task-1", def: def, task: task})
	o.adm.AddActive(0, -1)

	items := []ItemReport{item}
	outcome, retryRecommended := models.AggregateOutcome([]models.OutcomeCode{item.Outcome})
	if item.Outcome == models.OutcomeCancelled {
		outcome, retryRecommended = models.OutcomeCancelled, true
	}
	o.applyFeedback(items, outcome)

	report := &Report{
		RunID:            runID,
		Kind:             "single",
		Outcome:          outcome,
		RetryRecommended: retryRecommended,
		Content:          buildContent(items),
		Items:            items,
		Parallelism:      1,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	o.monitor.RunFinished(runID, string(outcome), retryRecommended)
	cl.run()
	return report, nil
}
