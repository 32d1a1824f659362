package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regressd/internal/logging"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
)

// CreateRunRequest is the request body for POST /api/v1/runs.
type CreateRunRequest struct {
	Story string `json:"story"`
}

// RunDetail is the response body for GET /api/v1/runs/:id.
type RunDetail struct {
	Run         *pipeline.Run             `json:"run"`
	Executions  []*pipeline.PhaseExecution `json:"executions"`
	PendingGate *pipeline.ApprovalGate     `json:"pending_gate,omitempty"`
}

// ApprovalRequest is the request body for POST /api/v1/approvals/:id.
type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
	Decider  string `json:"decider"`
}

// handleCreateRun starts a new run for a story.
func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Story == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "story field is required")
	}

	run, err := s.machine.CreateRun(c.Request().Context(), req.Story)
	if err != nil {
		return httpError(err)
	}

	s.logger.Info("run created",
		zap.String("run_id", run.ID),
		logging.RedactedString("story", req.Story),
	)
	return c.JSON(http.StatusCreated, run)
}

// handleListRuns lists runs, newest first.
func (s *Server) handleListRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}

	runs, err := s.registry.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// handleGetRun returns a run with its executions and pending gate.
func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.registry.GetRun(ctx, id)
	if err != nil {
		return httpError(err)
	}
	execs, err := s.registry.ListExecutions(ctx, id)
	if err != nil {
		return httpError(err)
	}
	gate, err := s.registry.PendingGate(ctx, id)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, RunDetail{
		Run:         run,
		Executions:  execs,
		PendingGate: gate,
	})
}

// handleExecute executes the run's expected phase and returns the gate now
// awaiting a decision.
func (s *Server) handleExecute(c echo.Context) error {
	gate, err := s.runner.ExecuteNext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, gate)
}

// handleAbandon marks a run failed.
func (s *Server) handleAbandon(c echo.Context) error {
	if err := s.machine.Abandon(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleAudit returns a run's audit entries.
func (s *Server) handleAudit(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	// 404 for unknown runs rather than an empty list.
	if _, err := s.registry.GetRun(ctx, id); err != nil {
		return httpError(err)
	}

	entries, err := s.recorder.List(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// handleGetApproval returns an approval gate.
func (s *Server) handleGetApproval(c echo.Context) error {
	gate, err := s.registry.GetGate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, gate)
}

// handleDecideApproval records a human decision on a pending gate.
func (s *Server) handleDecideApproval(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Decider == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decider field is required")
	}

	id := c.Param("id")
	if err := s.machine.SubmitApproval(c.Request().Context(), id, req.Approved, req.Feedback, req.Decider); err != nil {
		return httpError(err)
	}

	gate, err := s.registry.GetGate(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, gate)
}
