package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/delegate/pkg/models"
	"github.com/codeready-toolchain/delegate/pkg/orchestrator"
	"github.com/codeready-toolchain/delegate/pkg/storage"
)

// ToolResponse is the uniform shape of every tool-surface reply: the
// user-facing content plus structured details carrying the outcome code and
// retry recommendation.
type ToolResponse struct {
	Content string  `json:"content"`
	Details Details `json:"details"`
}

// Details is the structured half of a tool response.
type Details struct {
	OutcomeCode      models.OutcomeCode `json:"outcomeCode"`
	RetryRecommended bool               `json:"retryRecommended"`
	RunID            string             `json:"runId,omitempty"`
	Reasons          []string           `json:"reasons,omitempty"`
	Report           *orchestrator.Report `json:"report,omitempty"`
	Extra            any                `json:"extra,omitempty"`
}

// reportResponse renders an orchestrator report as a tool response.
func reportResponse(c *gin.Context, report *orchestrator.Report) {
	c.JSON(http.StatusOK, ToolResponse{
		Content: report.Content,
		Details: Details{
			OutcomeCode:      report.Outcome,
			RetryRecommended: report.RetryRecommended,
			RunID:            report.RunID,
			Reasons:          report.Reasons,
			Report:           report,
		},
	})
}

// errorResponse maps an error to HTTP status plus a tool response with a
// non-retryable (or cancelled) outcome.
func errorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	outcome := models.OutcomeNonRetryableFailure
	switch {
	case errors.Is(err, storage.ErrAgentNotFound), errors.Is(err, storage.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAgentDisabled), errors.Is(err, storage.ErrDuplicateAgent):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	c.JSON(status, ToolResponse{
		Content: err.Error(),
		Details: Details{OutcomeCode: outcome, RetryRecommended: false},
	})
}

// errBadRequest tags malformed request bodies and invalid plans.
var errBadRequest = errors.New("bad request")
