// Package service exposes the workflow engine's operations to transports and
// event consumers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/orchestrator"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/recovery"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/replay"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/telemetry"
)

type Config struct {
	Queue        queue.Config
	Orchestrator orchestrator.Config
	// RecoverOnStart re-queues executions left RUNNING or PENDING by a previous process.
	RecoverOnStart bool
}

type Dependencies struct {
	Store      ports.Store
	Cache      ports.CheckpointCache
	Processors orchestrator.Processors
	EventBus   events.EventBus
	Telemetry  *telemetry.Telemetry
	Clock      clock.Clock
	Logger     logger.Logger
	// Leaser coordinates instances sharing one store. Nil means a single instance.
	Leaser ports.Leaser
}

// Engine wires the orchestrator with its managers and the worker pool.
type Engine struct {
	store        ports.Store
	validator    *workflow.Validator
	orchestrator *orchestrator.Orchestrator
	checkpoints  *checkpoint.Manager
	cleaner      *checkpoint.Cleaner
	recovery     *recovery.Manager
	replays      *replay.Manager
	logs         *logging.Recorder
	pool         *queue.WorkerPool
	clock        clock.Clock
	logger       logger.Logger
	config       Config
}

// Status is the externally visible view of one execution.
type Status struct {
	ExecutionID       string                   `json:"executionId"`
	DefinitionID      string                   `json:"definitionId"`
	Status            workflow.ExecutionStatus `json:"status"`
	ErrorCode         string                   `json:"errorCode,omitempty"`
	ErrorMessage      string                   `json:"errorMessage,omitempty"`
	FailedNodeID      string                   `json:"failedNodeId,omitempty"`
	PauseReason       string                   `json:"pauseReason,omitempty"`
	PausedNodeID      string                   `json:"pausedNodeId,omitempty"`
	FinalOutput       map[string]interface{}   `json:"finalOutput,omitempty"`
	RetryCount        int                      `json:"retryCount"`
	ActiveMillis      int64                    `json:"activeMillis"`
	ParentExecutionID string                   `json:"parentExecutionId,omitempty"`
	ReplaySessionID   string                   `json:"replaySessionId,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
	StartedAt         *time.Time               `json:"startedAt,omitempty"`
	CompletedAt       *time.Time               `json:"completedAt,omitempty"`
}

func NewStatus(exec *workflow.Execution) *Status {
	return &Status{
		ExecutionID:       exec.ID,
		DefinitionID:      exec.DefinitionID,
		Status:            exec.Status,
		ErrorCode:         exec.ErrorCode,
		ErrorMessage:      exec.ErrorMessage,
		FailedNodeID:      exec.FailedNodeID,
		PauseReason:       exec.PauseReason,
		PausedNodeID:      exec.PausedNodeID,
		FinalOutput:       exec.FinalOutput,
		RetryCount:        exec.RetryCount,
		ActiveMillis:      exec.ActiveMillis,
		ParentExecutionID: exec.ParentExecutionID,
		ReplaySessionID:   exec.ReplaySessionID,
		CreatedAt:         exec.CreatedAt,
		StartedAt:         exec.StartedAt,
		CompletedAt:       exec.CompletedAt,
	}
}

func New(deps Dependencies, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.Orchestrator.Recovery == (workflow.RecoveryConfiguration{}) {
		cfg.Orchestrator.Recovery = workflow.DefaultRecoveryConfiguration()
	}
	log := deps.Logger.Named("engine")

	checkpoints := checkpoint.NewManager(deps.Store, deps.Cache, deps.EventBus, deps.Clock, deps.Logger.Named("checkpoint"))
	rec := recovery.NewManager(deps.Store, deps.EventBus, deps.Clock, deps.Logger.Named("recovery"))
	logs := logging.NewRecorder(deps.Store, deps.Clock, deps.Logger.Named("logs"))

	o := orchestrator.New(orchestrator.Dependencies{
		Store:       deps.Store,
		Processors:  deps.Processors,
		Checkpoints: checkpoints,
		Recovery:    rec,
		Logs:        logs,
		EventBus:    deps.EventBus,
		Telemetry:   deps.Telemetry,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
		Leaser:      deps.Leaser,
	}, cfg.Orchestrator)

	pool := queue.NewWorkerPool(cfg.Queue, o.Execute, deps.Clock, deps.Logger.Named("queue"))
	o.SetDispatcher(pool)

	replays := replay.NewManager(deps.Store, checkpoints, o, deps.EventBus, deps.Clock, deps.Logger)
	o.OnSettled(replays.HandleSettled)

	return &Engine{
		store:        deps.Store,
		validator:    workflow.NewValidator(deps.Processors),
		orchestrator: o,
		checkpoints:  checkpoints,
		cleaner:      checkpoint.NewCleaner(checkpoints, cfg.Orchestrator.Recovery.CleanupSchedule, deps.Logger.Named("cleaner")),
		recovery:     rec,
		replays:      replays,
		logs:         logs,
		pool:         pool,
		clock:        deps.Clock,
		logger:       log,
		config:       cfg,
	}
}

// Start launches the workers and the checkpoint cleaner, then picks up
// executions interrupted by a previous shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.pool.Start(ctx)
	if e.config.Orchestrator.Recovery.CleanupSchedule != "" {
		if err := e.cleaner.Start(); err != nil {
			return err
		}
	}
	if e.config.RecoverOnStart {
		if err := e.recoverInterrupted(ctx); err != nil {
			return fmt.Errorf("recover interrupted executions: %w", err)
		}
	}
	e.logger.Info("Engine started")
	return nil
}

// Stop interrupts running executions at their next node boundary, checkpoints
// them and drains the pool.
func (e *Engine) Stop(ctx context.Context) error {
	if e.config.Orchestrator.Recovery.CleanupSchedule != "" {
		e.cleaner.Stop(ctx)
	}
	e.orchestrator.Shutdown()
	return e.pool.Stop(ctx)
}

func (e *Engine) recoverInterrupted(ctx context.Context) error {
	stale, err := e.store.ListExecutionsByStatus(ctx, workflow.ExecutionRunning, workflow.ExecutionPending)
	if err != nil {
		return err
	}
	for i := range stale {
		exec := &stale[i]
		owner := exec.ID
		if exec.ParentExecutionID != "" {
			owner = exec.ParentExecutionID
		}
		held, err := e.orchestrator.LeaseHeld(ctx, owner)
		if err != nil {
			e.logger.Warn("Failed to check execution lease", "executionId", owner, "error", err)
			continue
		}
		if held {
			e.logger.Debug("Execution driven by another instance, leaving it", "executionId", exec.ID, "owner", owner)
			continue
		}
		if exec.ParentExecutionID != "" {
			// for_each children are driven inline by their parent, which restarts them itself.
			if err := e.orchestrator.Cancel(ctx, exec.ID); err != nil && !errors.Is(err, workflow.ErrInvalidTransition) {
				e.logger.Warn("Failed to cancel orphaned child execution", "executionId", exec.ID, "error", err)
			}
			continue
		}
		if err := e.orchestrator.Launch(ctx, exec.ID, queue.TaskRecover); err != nil {
			e.logger.Error("Failed to requeue interrupted execution", "executionId", exec.ID, "error", err)
			continue
		}
		e.logger.Info("Requeued interrupted execution", "executionId", exec.ID, "status", exec.Status)
	}
	return nil
}

// Validate checks def without storing or running it.
func (e *Engine) Validate(def *workflow.Definition) *workflow.ValidationResult {
	return e.validator.Validate(def)
}

// StartExecution validates and stores def, then queues a new execution of it.
func (e *Engine) StartExecution(ctx context.Context, def *workflow.Definition, trigger map[string]interface{}) (string, error) {
	if err := e.validator.Validate(def).Err(); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return "", fmt.Errorf("save definition: %w", err)
	}
	return e.launch(ctx, def, trigger)
}

// StartStored queues a new execution of a previously stored definition.
func (e *Engine) StartStored(ctx context.Context, definitionID string, trigger map[string]interface{}) (string, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}
	if err := e.validator.Validate(def).Err(); err != nil {
		return "", err
	}
	return e.launch(ctx, def, trigger)
}

func (e *Engine) launch(ctx context.Context, def *workflow.Definition, trigger map[string]interface{}) (string, error) {
	exec, err := e.orchestrator.Create(ctx, def, trigger, orchestrator.ExecutionOptions{})
	if err != nil {
		return "", err
	}
	if err := e.orchestrator.Launch(ctx, exec.ID, queue.TaskStart); err != nil {
		return "", fmt.Errorf("queue execution: %w", err)
	}
	e.logger.Info("Execution queued", "executionId", exec.ID, "workflowId", def.ID)
	return exec.ID, nil
}

// Resume delivers decision to a PAUSED execution. Any other state is rejected.
func (e *Engine) Resume(ctx context.Context, executionID string, decision map[string]interface{}) error {
	return e.orchestrator.Resume(ctx, executionID, decision)
}

func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.orchestrator.Cancel(ctx, executionID)
}

func (e *Engine) GetStatus(ctx context.Context, executionID string) (*Status, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return NewStatus(exec), nil
}

// Wait blocks until the execution is no longer PENDING or RUNNING.
func (e *Engine) Wait(ctx context.Context, executionID string) (*Status, error) {
	exec, err := e.orchestrator.Wait(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return NewStatus(exec), nil
}

func (e *Engine) ListCheckpoints(ctx context.Context, executionID string) ([]workflow.Checkpoint, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.checkpoints.List(ctx, executionID)
}

func (e *Engine) ListLogs(ctx context.Context, executionID string, filter logging.LogFilter) ([]workflow.ExecutionLog, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.logs.List(ctx, executionID, filter)
}

// SubscribeLogs streams log rows of one execution as they are written.
func (e *Engine) SubscribeLogs(executionID string) (<-chan workflow.ExecutionLog, func()) {
	return e.logs.Subscribe(executionID)
}

func (e *Engine) ListRecoveryLogs(ctx context.Context, executionID string) ([]workflow.RecoveryLog, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.recovery.ListLogs(ctx, executionID)
}

// CreateReplay starts a new execution from one of the source's checkpoints.
func (e *Engine) CreateReplay(ctx context.Context, req replay.Request) (*workflow.ReplaySession, error) {
	session, _, err := e.replays.CreateReplay(ctx, req)
	return session, err
}

func (e *Engine) GetReplaySession(ctx context.Context, sessionID string) (*workflow.ReplaySession, error) {
	return e.replays.Get(ctx, sessionID)
}

func (e *Engine) RegisterRecoveryStrategy(ctx context.Context, s *workflow.RecoveryStrategy) error {
	return e.recovery.RegisterStrategy(ctx, s)
}

func (e *Engine) ListRecoveryStrategies(ctx context.Context) ([]workflow.RecoveryStrategy, error) {
	return e.recovery.ListStrategies(ctx)
}

// PurgeCheckpoints deletes expired checkpoints now instead of waiting for the schedule.
func (e *Engine) PurgeCheckpoints(ctx context.Context) (int64, error) {
	return e.checkpoints.Purge(ctx)
}

func (e *Engine) QueueMetrics() queue.WorkerPoolMetrics {
	return e.pool.GetMetrics()
}

// HandleExecutionRequested starts a stored definition named by an inbound event.
// Payload: definitionId, triggerData.
func (e *Engine) HandleExecutionRequested(ctx context.Context, event events.Event) error {
	definitionID, _ := event.Payload["definitionId"].(string)
	if definitionID == "" {
		definitionID = event.AggregateID
	}
	trigger, _ := event.Payload["triggerData"].(map[string]interface{})

	id, err := e.StartStored(ctx, definitionID, trigger)
	if err != nil {
		return fmt.Errorf("start workflow %s: %w", definitionID, err)
	}
	e.logger.Info("Handled execution request", "eventId", event.ID, "workflowId", definitionID, "executionId", id)
	return nil
}

// HandleApprovalDecided resumes the paused execution named by an inbound event.
// Payload: executionId, decision.
func (e *Engine) HandleApprovalDecided(ctx context.Context, event events.Event) error {
	executionID, _ := event.Payload["executionId"].(string)
	if executionID == "" {
		executionID = event.AggregateID
	}
	decision, _ := event.Payload["decision"].(map[string]interface{})

	if err := e.Resume(ctx, executionID, decision); err != nil {
		return fmt.Errorf("resume execution %s: %w", executionID, err)
	}
	return nil
}
