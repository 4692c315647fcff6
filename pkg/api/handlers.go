package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/models"
	"github.com/codeready-toolchain/delegate/pkg/version"
)

// CreateAgentRequest is the body of POST /api/v1/subagents.
type CreateAgentRequest struct {
	Name         string   `json:"name" binding:"required"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt" binding:"required"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Skills       []string `json:"skills"`
}

// CreateAgent handles POST /api/v1/subagents.
func (s *Server) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	now := time.Now().UTC()
	def := models.SubagentDefinition{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
		Provider:     req.Provider,
		Model:        req.Model,
		Skills:       req.Skills,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAgent(def); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, ToolResponse{
		Content: fmt.Sprintf("created subagent %q", def.Name),
		Details: Details{OutcomeCode: models.OutcomeSuccess, Extra: def},
	})
}

// ListAgents handles GET /api/v1/subagents.
func (s *Server) ListAgents(c *gin.Context) {
	agents := s.store.Agents()
	c.JSON(http.StatusOK, ToolResponse{
		Content: fmt.Sprintf("%d subagents", len(agents)),
		Details: Details{
			OutcomeCode: models.OutcomeSuccess,
			Extra: gin.H{
				"agents":           agents,
				"current_agent_id": s.store.CurrentAgentID(),
			},
		},
	})
}

// ConfigureAgentRequest is the body of PATCH /api/v1/subagents/:id. Nil
// fields are left unchanged.
type ConfigureAgentRequest struct {
	Name         *string   `json:"name"`
	Description  *string   `json:"description"`
	SystemPrompt *string   `json:"system_prompt"`
	Provider     *string   `json:"provider"`
	Model        *string   `json:"model"`
	Skills       *[]string `json:"skills"`
	Enabled      *bool     `json:"enabled"`
}

// ConfigureAgent handles PATCH /api/v1/subagents/:id.
func (s *Server) ConfigureAgent(c *gin.Context) {
	var req ConfigureAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	updated, err := s.store.ConfigureAgent(c.Param("id"), func(def *models.SubagentDefinition) error {
		if req.Name != nil {
			def.Name = *req.Name
		}
		if req.Description != nil {
			def.Description = *req.Description
		}
		if req.SystemPrompt != nil {
			def.SystemPrompt = *req.SystemPrompt
		}
		if req.Provider != nil {
			def.Provider = *req.Provider
		}
		if req.Model != nil {
			def.Model = *req.Model
		}
		if req.Skills != nil {
			def.Skills = *req.Skills
		}
		if req.Enabled != nil {
			def.Enabled = *req.Enabled
		}
		return nil
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, ToolResponse{
		Content: fmt.Sprintf("updated subagent %q", updated.Name),
		Details: Details{OutcomeCode: models.OutcomeSuccess, Extra: updated},
	})
}

// SetCurrentAgentRequest is the body of PUT /api/v1/subagents/current.
type SetCurrentAgentRequest struct {
	AgentID string `json:"agent_id"`
}

// SetCurrentAgent handles PUT /api/v1/subagents/current.
func (s *Server) SetCurrentAgent(c *gin.Context) {
	var req SetCurrentAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.store.SetCurrentAgent(req.AgentID); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, ToolResponse{
		Content: "default subagent updated",
		Details: Details{OutcomeCode: models.OutcomeSuccess},
	})
}

// ListRuns handles GET /api/v1/runs.
func (s *Server) ListRuns(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	runs := s.store.Runs(c.Query("agent_id"), limit)
	c.JSON(http.StatusOK, ToolResponse{
		Content: fmt.Sprintf("%d run records", len(runs)),
		Details: Details{OutcomeCode: models.OutcomeSuccess, Extra: runs},
	})
}

// GetRun handles GET /api/v1/runs/:id, returning the full persisted payload.
func (s *Server) GetRun(c *gin.Context) {
	payload, err := s.store.GetRunPayload(c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, ToolResponse{
		Content: payload.Output,
		Details: Details{
			OutcomeCode: payload.Run.Outcome,
			RunID:       payload.Run.RunID,
			Extra:       payload,
		},
	})
}

// Status handles GET /api/v1/status: runtime counters, learned limits,
// endpoint health, penalty level, and in-flight runs.
func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, ToolResponse{
		Content: "runtime status",
		Details: Details{
			OutcomeCode: models.OutcomeSuccess,
			Extra: gin.H{
				"runtime":         s.adm.GetSnapshot(),
				"adaptive_limits": s.limits.Snapshot(),
				"endpoint_health": s.adjuster.Statuses(),
				"penalty_level":   s.orch.Penalty().Level(),
				"active_runs":     s.runs.snapshot(),
				"disabled":        s.cfg.Disabled,
			},
		},
	})
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": version.AppName,
		"version": version.GitCommit,
	})
}
