package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/models"
	"github.com/codeready-toolchain/delegate/pkg/orchestrator"
)

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task" binding:"required"`
	Source  string `json:"source"`
}

// Run handles POST /api/v1/runs: one task on one subagent, synchronously.
func (s *Server) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	runID := uuid.NewString()
	ctx, done := s.runs.register(c.Request.Context(), runID, "single", req.Source)
	defer done()

	report, err := s.orch.RunSingle(ctx, runID, req.AgentID, req.Task, req.Source)
	if err != nil {
		errorResponse(c, err)
		return
	}
	reportResponse(c, report)
}

// RunParallelRequest is the body of POST /api/v1/runs/parallel. Either Items
// gives explicit (agent, task) pairs, or Task fans one task out to Agents
// (default selection per config when Agents is empty).
type RunParallelRequest struct {
	Items  []orchestrator.ParallelItem `json:"items"`
	Agents []string                    `json:"agents"`
	Task   string                      `json:"task"`
	Source string                      `json:"source"`
}

// RunParallel handles POST /api/v1/runs/parallel.
func (s *Server) RunParallel(c *gin.Context) {
	var req RunParallelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	items := req.Items
	if len(items) == 0 {
		if req.Task == "" {
			errorResponse(c, fmt.Errorf("%w: either items or task is required", errBadRequest))
			return
		}
		for _, id := range s.parallelAgentIDs(req.Agents) {
			items = append(items, orchestrator.ParallelItem{AgentID: id, Task: req.Task})
		}
		if len(items) == 0 {
			errorResponse(c, fmt.Errorf("%w: no agents selected", errBadRequest))
			return
		}
	}

	runID := uuid.NewString()
	ctx, done := s.runs.register(c.Request.Context(), runID, "parallel", req.Source)
	defer done()

	report, err := s.orch.RunParallel(ctx, runID, items, req.Source)
	if err != nil {
		errorResponse(c, err)
		return
	}
	reportResponse(c, report)
}

// parallelAgentIDs resolves the default agent selection for a fan-out run:
// the explicit list when given, otherwise the session default or every
// enabled agent, per the configured parallel mode.
func (s *Server) parallelAgentIDs(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if s.cfg.DefaultParallelMode == "all" {
		var ids []string
		for _, a := range s.store.Agents() {
			if a.Enabled {
				ids = append(ids, a.ID)
			}
		}
		return ids
	}
	if id := s.store.CurrentAgentID(); id != "" {
		return []string{id}
	}
	return nil
}

// RunDagRequest is the body of POST /api/v1/runs/dag.
type RunDagRequest struct {
	Plan           models.TaskPlan `json:"plan" binding:"required"`
	DefaultAgentID string          `json:"default_agent_id"`
	Source         string          `json:"source"`
}

// RunDag handles POST /api/v1/runs/dag.
func (s *Server) RunDag(c *gin.Context) {
	var req RunDagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	runID := uuid.NewString()
	ctx, done := s.runs.register(c.Request.Context(), runID, "dag", req.Source)
	defer done()

	report, err := s.orch.RunDag(ctx, runID, req.Plan, req.DefaultAgentID, req.Source)
	if err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	reportResponse(c, report)
}

// CancelRun handles POST /api/v1/runs/active/:id/cancel.
func (s *Server) CancelRun(c *gin.Context) {
	runID := c.Param("id")
	if !s.runs.cancelRun(runID) {
		c.JSON(http.StatusNotFound, ToolResponse{
			Content: fmt.Sprintf("no active run %s", runID),
			Details: Details{OutcomeCode: models.OutcomeNonRetryableFailure},
		})
		return
	}
	c.JSON(http.StatusOK, ToolResponse{
		Content: fmt.Sprintf("cancellation requested for run %s", runID),
		Details: Details{OutcomeCode: models.OutcomeSuccess, RunID: runID},
	})
}
