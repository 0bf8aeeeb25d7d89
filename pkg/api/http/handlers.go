package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/application/orchestrator"
	"github.com/weftworks/weft/pkg/domain"
)

// ExecuteRequest starts a workflow execution.
type ExecuteRequest struct {
	Mode          string  `json:"mode"`
	DebugMode     bool    `json:"debug_mode"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// respondError maps domain failures onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	var gerr *domain.GraphError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_FOUND", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrTerminalState):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "TERMINAL_STATE", Message: err.Error()},
		})
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "VALIDATION_FAILED",
				Message: verr.Error(),
				Details: verr.Violations,
			},
		})
	case errors.As(err, &gerr):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_WORKFLOW", Message: gerr.Error()},
		})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "INTERNAL", Message: "internal error"},
		})
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	workerStatus := "ok"
	status := http.StatusOK
	if s.health != nil && !s.health.IsHealthy() {
		workerStatus = "degraded"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":    workerStatus,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"workers": workerStatus,
		},
	})
}

// handleSaveWorkflow validates and stores a workflow definition.
func (s *Server) handleSaveWorkflow(c *gin.Context) {
	var wf domain.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		s.logger.Error("invalid workflow payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	if err := s.manager.SaveWorkflow(c.Request.Context(), &wf); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"workflow_id": wf.ID,
		"status":      "saved",
	})
}

// handleGetWorkflow returns a stored workflow definition.
func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, err := s.manager.Workflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, wf)
}

// handleExecuteWorkflow starts an execution. Sync mode holds the
// connection until the run settles or the wait budget runs out; async
// answers immediately with the accepted execution.
func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	mode := domain.ExecutionModeAsync
	switch req.Mode {
	case "", "async":
	case "sync":
		mode = domain.ExecutionModeSync
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: fmt.Sprintf("invalid mode: %s (must be sync or async)", req.Mode),
			},
		})
		return
	}

	exec, err := s.manager.StartExecution(c.Request.Context(), c.Param("id"), orchestrator.StartOptions{
		Mode:          mode,
		DebugMode:     req.DebugMode,
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	if mode == domain.ExecutionModeSync {
		waitCtx, cancel := context.WithTimeout(c.Request.Context(), s.syncWait)
		defer cancel()

		settled, err := s.manager.WaitForTerminal(waitCtx, exec.ID, 0)
		if err == nil {
			c.JSON(http.StatusOK, settled)
			return
		}
		if settled != nil {
			exec = settled
		}
	}

	c.JSON(http.StatusAccepted, exec)
}

// handleGetExecution returns the full execution record.
func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.manager.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, exec)
}

// handleStreamExecution streams execution snapshots as server-sent events
// until the run settles or the client hangs up.
func (s *Server) handleStreamExecution(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.manager.Execution(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		exec, err := s.manager.Execution(ctx, id)
		if err != nil {
			return
		}
		jobs, err := s.manager.JobsForExecution(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load jobs for stream",
				zap.String("execution_id", id),
				zap.Error(err))
		}

		payload, err := json.Marshal(gin.H{"execution": exec, "jobs": jobs})
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: snapshot\ndata: %s\n\n", payload)
		c.Writer.Flush()

		if exec.Status.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleListExecutionJobs returns every job spawned by an execution.
func (s *Server) handleListExecutionJobs(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.manager.Execution(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}

	jobs, err := s.manager.JobsForExecution(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": id,
		"jobs":         jobs,
		"total":        len(jobs),
	})
}

// handleStopExecution cancels an execution and its children.
func (s *Server) handleStopExecution(c *gin.Context) {
	id := c.Param("id")

	if err := s.manager.StopExecution(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": id,
		"status":       string(domain.ExecutionStatusCancelled),
	})
}

// handleGetJob looks a job up by its id or provider correlation id.
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.manager.JobByRef(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// handleGetJobLogs returns a job's append-only log lines.
func (s *Server) handleGetJobLogs(c *gin.Context) {
	ctx := c.Request.Context()

	job, err := s.manager.JobByRef(ctx, c.Param("ref"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	logs, err := s.manager.JobLogs(ctx, job.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": job.ID,
		"logs":   logs,
	})
}

// handleProviderUpdate ingests a provider webhook callback for a job.
func (s *Server) handleProviderUpdate(c *gin.Context) {
	var upd orchestrator.ProviderUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	job, err := s.manager.IngestProviderUpdate(c.Request.Context(), c.Param("ref"), upd)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":   job.ID,
		"status":   string(job.Status),
		"progress": job.Progress,
	})
}
