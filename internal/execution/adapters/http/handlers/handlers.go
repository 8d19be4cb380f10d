package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/replay"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/service"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

// Engine is the part of service.Engine the HTTP surface calls.
type Engine interface {
	Validate(def *workflow.Definition) *workflow.ValidationResult
	StartExecution(ctx context.Context, def *workflow.Definition, trigger map[string]interface{}) (string, error)
	StartStored(ctx context.Context, definitionID string, trigger map[string]interface{}) (string, error)
	Resume(ctx context.Context, executionID string, decision map[string]interface{}) error
	Cancel(ctx context.Context, executionID string) error
	GetStatus(ctx context.Context, executionID string) (*service.Status, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]workflow.Checkpoint, error)
	ListLogs(ctx context.Context, executionID string, filter logging.LogFilter) ([]workflow.ExecutionLog, error)
	SubscribeLogs(executionID string) (<-chan workflow.ExecutionLog, func())
	ListRecoveryLogs(ctx context.Context, executionID string) ([]workflow.RecoveryLog, error)
	CreateReplay(ctx context.Context, req replay.Request) (*workflow.ReplaySession, error)
	GetReplaySession(ctx context.Context, sessionID string) (*workflow.ReplaySession, error)
	RegisterRecoveryStrategy(ctx context.Context, s *workflow.RecoveryStrategy) error
	ListRecoveryStrategies(ctx context.Context) ([]workflow.RecoveryStrategy, error)
	QueueMetrics() queue.WorkerPoolMetrics
}

type ExecutionHandlers struct {
	engine   Engine
	breakers *resilience.CircuitBreakerRegistry
	logger   logger.Logger
}

func NewExecutionHandlers(engine Engine, breakers *resilience.CircuitBreakerRegistry, logger logger.Logger) *ExecutionHandlers {
	return &ExecutionHandlers{
		engine:   engine,
		breakers: breakers,
		logger:   logger,
	}
}

// Routes mounts the API under r.
func (h *ExecutionHandlers) Routes(r gin.IRouter) {
	r.POST("/workflows/validate", h.ValidateWorkflow)

	executions := r.Group("/executions")
	{
		executions.POST("", h.StartExecution)
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/resume", h.ResumeExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
		executions.GET("/:id/logs", h.GetExecutionLogs)
		executions.GET("/:id/recovery-logs", h.GetRecoveryLogs)
		executions.GET("/:id/checkpoints", h.ListCheckpoints)
		executions.POST("/:id/replays", h.CreateReplay)
		executions.GET("/:id/stream", h.StreamExecution)
	}

	r.GET("/replays/:id", h.GetReplay)

	strategies := r.Group("/recovery/strategies")
	{
		strategies.GET("", h.ListStrategies)
		strategies.POST("", h.RegisterStrategy)
	}
}

func (h *ExecutionHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready reports queue pressure and the state of every collaborator circuit breaker.
func (h *ExecutionHandlers) Ready(c *gin.Context) {
	breakers := map[string]resilience.BreakerStatus{}
	if h.breakers != nil {
		breakers = h.breakers.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"queue":    h.engine.QueueMetrics(),
		"breakers": breakers,
	})
}

func (h *ExecutionHandlers) ValidateWorkflow(c *gin.Context) {
	var def workflow.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.engine.Validate(&def))
}

type StartExecutionRequest struct {
	Definition   *workflow.Definition   `json:"definition"`
	DefinitionID string                 `json:"definitionId"`
	TriggerData  map[string]interface{} `json:"triggerData"`
}

func (h *ExecutionHandlers) StartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		id  string
		err error
	)
	switch {
	case req.Definition != nil:
		id, err = h.engine.StartExecution(c.Request.Context(), req.Definition, req.TriggerData)
	case req.DefinitionID != "":
		id, err = h.engine.StartStored(c.Request.Context(), req.DefinitionID, req.TriggerData)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "definition or definitionId is required"})
		return
	}
	if err != nil {
		h.fail(c, "Failed to start execution", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"executionId": id, "status": workflow.ExecutionPending})
}

func (h *ExecutionHandlers) GetExecution(c *gin.Context) {
	status, err := h.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ExecutionHandlers) ResumeExecution(c *gin.Context) {
	var decision map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&decision); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.engine.Resume(c.Request.Context(), c.Param("id"), decision); err != nil {
		h.fail(c, "Failed to resume execution", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Execution resumed"})
}

func (h *ExecutionHandlers) CancelExecution(c *gin.Context) {
	if err := h.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "Failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Execution cancelled"})
}

func (h *ExecutionHandlers) GetExecutionLogs(c *gin.Context) {
	filter := logging.LogFilter{
		NodeID: c.Query("nodeId"),
		Status: workflow.NodeStatus(c.Query("status")),
	}
	logs, err := h.engine.ListLogs(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		h.fail(c, "Failed to list execution logs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *ExecutionHandlers) GetRecoveryLogs(c *gin.Context) {
	logs, err := h.engine.ListRecoveryLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to list recovery logs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *ExecutionHandlers) ListCheckpoints(c *gin.Context) {
	checkpoints, err := h.engine.ListCheckpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to list checkpoints", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

func (h *ExecutionHandlers) CreateReplay(c *gin.Context) {
	var req replay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SourceExecutionID = c.Param("id")
	if req.CreatedBy == "" {
		req.CreatedBy = c.GetHeader("X-User-ID")
	}

	session, err := h.engine.CreateReplay(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to create replay", err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *ExecutionHandlers) GetReplay(c *gin.Context) {
	session, err := h.engine.GetReplaySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get replay session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *ExecutionHandlers) ListStrategies(c *gin.Context) {
	strategies, err := h.engine.ListRecoveryStrategies(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to list recovery strategies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies})
}

func (h *ExecutionHandlers) RegisterStrategy(c *gin.Context) {
	var strategy workflow.RecoveryStrategy
	if err := c.ShouldBindJSON(&strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.RegisterRecoveryStrategy(c.Request.Context(), &strategy); err != nil {
		h.fail(c, "Failed to register recovery strategy", err)
		return
	}
	c.JSON(http.StatusCreated, strategy)
}

// fail maps domain errors onto HTTP status codes. Unexpected errors are logged.
func (h *ExecutionHandlers) fail(c *gin.Context, msg string, err error) {
	var (
		defErr    *workflow.DefinitionError
		replayErr *workflow.ReplayValidationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &replayErr), errors.Is(err, workflow.ErrReplayDisabled):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrCheckpointNotFound),
		errors.Is(err, workflow.ErrReplayNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &defErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "errors": defErr.Errors})
		return
	case errors.Is(err, workflow.ErrInvalidStrategy):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
