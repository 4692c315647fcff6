package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/admission"
	"github.com/codeready-toolchain/delegate/pkg/models"
	"github.com/codeready-toolchain/delegate/pkg/pool"
)

// ParallelItem is one (agent, task) pair of a parallel run.
type ParallelItem struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task"`
}

// RunParallel fans items out across the worker pool. When the selected
// agents form a recognizable pipeline (research before implementation
// before review) the run is transparently upgraded to a DAG; otherwise all
// items run flat with the computed effective parallelism.
func (o *Orchestrator) RunParallel(ctx context.Context, runID string, items []ParallelItem, source string) (*Report, error) {
	start := time.Now()
	if runID == "" {
		runID = uuid.NewString()
	}

	if len(items) == 0 {
		return &Report{RunID: runID, Kind: "parallel", Outcome: models.OutcomeSuccess, Content: ""}, nil
	}
	if len(items) > o.cfg.MaxParallelSubagents {
		return &Report{
			RunID:   runID,
			Kind:    "parallel",
			Outcome: models.OutcomeNonRetryableFailure,
			Reasons: []string{string(admission.ReasonMaxParallelPerRun)},
			Content: fmt.Sprintf("run not admitted: %d tasks exceed the per-run fan-out limit of %d",
				len(items), o.cfg.MaxParallelSubagents),
		}, nil
	}

	defs := make([]models.SubagentDefinition, len(items))
	for i, it := range items {
		def, err := o.resolveAgent(it.AgentID)
		if err != nil {
			return nil, err
		}
		defs[i] = def
	}

	// Pipeline-shaped selections run as a DAG so downstream agents see
	// upstream outputs. Failure to infer a plan falls back to flat parallel.
	if plan := inferPlan(items, defs); plan != nil {
		slog.Info("Upgrading parallel run to a dependency plan",
			"run_id", runID, "tasks", len(plan.Tasks))
		report, err := o.RunDag(ctx, runID, *plan, "", source)
		if err == nil {
			report.Kind = "parallel"
			return report, nil
		}
		slog.Warn("Plan execution unavailable, falling back to flat parallel",
			"run_id", runID, "error", err)
	}

	effective := o.effectiveParallelism(len(items), defs)

	_, cl, admResult, err := o.acquire(ctx, runID, source, effective)
	if err != nil {
		return admissionReport(runID, "parallel", admResult), nil
	}
	if cl == nil {
		report := admissionReport(runID, "parallel", admResult)
		o.applyFeedback(nil, report.Outcome)
		return report, nil
	}
	defer cl.run()

	agentIDs := make([]string, len(defs))
	for i, def := range defs {
		agentIDs[i] = def.ID
	}
	o.monitor.RunStarted(runID, "parallel", agentIDs)

	results, poolErr := pool.Run(ctx, items, effective,
		func(ctx context.Context, item ParallelItem, idx int) (ItemReport, error) {
			o.adm.AddActive(0, 1)
			defer o.adm.AddActive(0, -1)
			report := o.executeItem(ctx, runID, itemSpec{
				itemID: fmt.Sprintf("task-%d", idx+1),
				def:    defs[idx],
				task:   item.Task,
			})
			return report, nil
		},
		pool.Options{Mode: pool.SettleAllSettled})

	reports := make([]ItemReport, len(items))
	codes := make([]models.OutcomeCode, len(items))
	for i, res := range results {
		if errors.Is(res.Err, pool.ErrAborted) {
			reports[i] = ItemReport{
				ItemID:    fmt.Sprintf("task-%d", i+1),
				AgentID:   defs[i].ID,
				AgentName: defs[i].Name,
				Task:      items[i].Task,
				Outcome:   models.OutcomeCancelled,
			}
		} else {
			reports[i] = res.Value
		}
		codes[i] = reports[i].Outcome
	}

	outcome, retryRecommended := models.AggregateOutcome(codes)
	if errors.Is(poolErr, pool.ErrAborted) {
		outcome, retryRecommended = models.OutcomeCancelled, true
	}
	o.applyFeedback(reports, outcome)

	report := &Report{
		RunID:            runID,
		Kind:             "parallel",
		Outcome:          outcome,
		RetryRecommended: retryRecommended,
		Content:          buildContent(reports),
		Items:            reports,
		Parallelism:      effective,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	o.monitor.RunFinished(runID, string(outcome), retryRecommended)
	cl.run()
	return report, nil
}

// Pipeline stages recognized by the implicit-dependency detector.
const (
	stagePlan  = 0
	stageBuild = 1
	stageCheck = 2
)

// stageOf classifies an agent into a pipeline stage by name, or -1.
func stageOf(name string) int {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "research") || strings.Contains(n, "architect") || strings.Contains(n, "design"):
		return stagePlan
	case strings.Contains(n, "implement") || strings.Contains(n, "develop") || strings.Contains(n, "build") || strings.Contains(n, "coder"):
		return stageBuild
	case strings.Contains(n, "review") || strings.Contains(n, "test") || strings.Contains(n, "verif") || strings.Contains(n, "qa"):
		return stageCheck
	default:
		return -1
	}
}

// inferPlan detects an implicit pipeline in a parallel selection and builds
// the equivalent task plan: every later-stage task depends on all tasks of
// the nearest earlier stage present. Returns nil when the selection does not
// classify into at least two stages.
func inferPlan(items []ParallelItem, defs []models.SubagentDefinition) *models.TaskPlan {
	stages := make([]int, len(items))
	present := map[int]bool{}
	for i, def := range defs {
		s := stageOf(def.Name)
		if s == -1 {
			return nil
		}
		stages[i] = s
		present[s] = true
	}
	if len(present) < 2 {
		return nil
	}

	// Dependencies point at the nearest earlier stage that exists.
	idsByStage := map[int][]string{}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = fmt.Sprintf("t%d-%s", i+1, defs[i].Name)
		idsByStage[stages[i]] = append(idsByStage[stages[i]], ids[i])
	}
	prevStage := func(s int) []string {
		for p := s - 1; p >= stagePlan; p-- {
			if len(idsByStage[p]) > 0 {
				return idsByStage[p]
			}
		}
		return nil
	}

	plan := &models.TaskPlan{PlanID: uuid.NewString()}
	for i, it := range items {
		priority := models.PriorityNormal
		if stages[i] == stagePlan {
			priority = models.PriorityHigh
		}
		plan.Tasks = append(plan.Tasks, models.TaskNode{
			ID:          ids[i],
			Description: it.Task,
			AgentID:     defs[i].ID,
			DependsOn:   prevStage(stages[i]),
			Priority:    priority,
		})
	}
	return plan
}
