package dag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// TaskWorker executes one node. deps is a read-only view of the outputs of
// every completed dependency, keyed by task id.
type TaskWorker func(ctx context.Context, node models.TaskNode, deps map[string]string) (string, error)

// Options tune one Execute call.
type Options struct {
	// MaxConcurrency caps simultaneously running tasks. Values < 1 mean 1.
	MaxConcurrency int
	// AbortOnFirstError stops dispatching new tasks after the first
	// failure; independent in-flight branches still finish.
	AbortOnFirstError bool
}

// Result is the terminal state of a DAG execution. Every node ends in
// exactly one of completed, failed, or skipped.
type Result struct {
	Overall          models.DagOverallStatus
	Tasks            map[string]*models.DagTaskResult
	CompletedTaskIDs []string // completion order
	FailedTaskIDs    []string
	SkippedTaskIDs   []string
	Duration         time.Duration
}

// completion is one finished worker's report.
type completion struct {
	idx    int
	output string
	err    error
}

// Execute runs a validated plan. Callers must Validate first; Execute
// assumes structural invariants hold. Cancellation propagates to in-flight
// tasks; tasks never dispatched end as skipped.
func Execute(ctx context.Context, plan *models.TaskPlan, worker TaskWorker, opts Options) *Result {
	start := time.Now()
	n := len(plan.Tasks)
	limit := opts.MaxConcurrency
	if limit < 1 {
		limit = 1
	}

	byID := make(map[string]int, n)
	for i, t := range plan.Tasks {
		byID[t.ID] = i
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, t := range plan.Tasks {
		indegree[i] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			j := byID[dep]
			dependents[j] = append(dependents[j], i)
		}
	}

	results := make([]*models.DagTaskResult, n)
	for i, t := range plan.Tasks {
		results[i] = &models.DagTaskResult{TaskID: t.ID, Status: models.DagTaskPending}
	}

	outputs := make(map[string]string, n)
	var outputsMu sync.RWMutex

	ready := make([]int, 0, n)
	for i := range plan.Tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	doneCh := make(chan completion, limit)
	running := 0
	completedOrder := make([]int, 0, n)
	aborted := false

	// pickReady removes and returns the highest-priority ready task
	// (priority tier, then input order).
	pickReady := func() int {
		bestPos := 0
		for pos := 1; pos < len(ready); pos++ {
			a, b := ready[pos], ready[bestPos]
			ra, rb := plan.Tasks[a].Priority.Rank(), plan.Tasks[b].Priority.Rank()
			if ra > rb || (ra == rb && a < b) {
				bestPos = pos
			}
		}
		idx := ready[bestPos]
		ready = append(ready[:bestPos], ready[bestPos+1:]...)
		return idx
	}

	dispatch := func(idx int) {
		node := plan.Tasks[idx]
		results[idx].Status = models.DagTaskRunning
		results[idx].StartedAt = time.Now()
		running++

		outputsMu.RLock()
		depView := make(map[string]string, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if out, ok := outputs[dep]; ok {
				depView[dep] = out
			}
		}
		outputsMu.RUnlock()

		go func() {
			output, err := worker(ctx, node, depView)
			doneCh <- completion{idx: idx, output: output, err: err}
		}()
	}

	// skipDescendants transitively marks every unfinished descendant of idx
	// as skipped and drops it from scheduling.
	var skipDescendants func(idx int)
	skipDescendants = func(idx int) {
		for _, dep := range dependents[idx] {
			if results[dep].Status == models.DagTaskPending {
				results[dep].Status = models.DagTaskSkipped
				for pos, r := range ready {
					if r == dep {
						ready = append(ready[:pos], ready[pos+1:]...)
						break
					}
				}
				skipDescendants(dep)
			}
		}
	}

	for {
		for !aborted && running < limit && len(ready) > 0 && ctx.Err() == nil {
			dispatch(pickReady())
		}
		if running == 0 {
			break
		}

		c := <-doneCh
		running--
		res := results[c.idx]
		res.FinishedAt = time.Now()
		res.DurationMs = res.FinishedAt.Sub(res.StartedAt).Milliseconds()

		if c.err != nil {
			res.Status = models.DagTaskFailed
			res.Error = c.err.Error()
			slog.Warn("DAG task failed",
				"plan_id", plan.PlanID,
				"task_id", res.TaskID,
				"error", c.err)
			skipDescendants(c.idx)
			if opts.AbortOnFirstError {
				aborted = true
			}
			continue
		}

		res.Status = models.DagTaskCompleted
		res.Output = c.output
		completedOrder = append(completedOrder, c.idx)

		outputsMu.Lock()
		outputs[res.TaskID] = c.output
		outputsMu.Unlock()

		for _, dep := range dependents[c.idx] {
			if results[dep].Status != models.DagTaskPending {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	// Anything still pending (abort or cancellation) ends as skipped.
	for _, r := range results {
		if r.Status == models.DagTaskPending || r.Status == models.DagTaskRunning {
			r.Status = models.DagTaskSkipped
		}
	}

	out := &Result{
		Tasks:    make(map[string]*models.DagTaskResult, n),
		Duration: time.Since(start),
	}
	for _, idx := range completedOrder {
		out.CompletedTaskIDs = append(out.CompletedTaskIDs, results[idx].TaskID)
	}
	completed := 0
	for _, r := range results {
		out.Tasks[r.TaskID] = r
		switch r.Status {
		case models.DagTaskCompleted:
			completed++
		case models.DagTaskFailed:
			out.FailedTaskIDs = append(out.FailedTaskIDs, r.TaskID)
		case models.DagTaskSkipped:
			out.SkippedTaskIDs = append(out.SkippedTaskIDs, r.TaskID)
		}
	}
	switch {
	case completed == n:
		out.Overall = models.DagCompleted
	case completed == 0:
		out.Overall = models.DagFailed
	default:
		out.Overall = models.DagPartial
	}
	return out
}
