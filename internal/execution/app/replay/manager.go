// Package replay starts new executions from a checkpoint of an earlier one.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/orchestrator"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
)

// Launcher creates and queues executions.
type Launcher interface {
	RecoveryConfig(def *workflow.Definition) workflow.RecoveryConfiguration
	Create(ctx context.Context, def *workflow.Definition, trigger map[string]interface{}, opts orchestrator.ExecutionOptions) (*workflow.Execution, error)
	Launch(ctx context.Context, executionID string, kind queue.TaskKind) error
}

// Request describes a replay of SourceExecutionID from CheckpointID.
type Request struct {
	SourceExecutionID string                 `json:"sourceExecutionId"`
	CheckpointID      string                 `json:"checkpointId"`
	Type              workflow.ReplayType    `json:"type"`
	ModifiedInputs    map[string]interface{} `json:"modifiedInputs,omitempty"`
	ModifiedContext   map[string]interface{} `json:"modifiedContext,omitempty"`
	SkipNodes         []string               `json:"skipNodes,omitempty"`
	CreatedBy         string                 `json:"createdBy,omitempty"`
}

type Manager struct {
	store       ports.Store
	checkpoints *checkpoint.Manager
	launcher    Launcher
	eventBus    events.EventBus
	clock       clock.Clock
	logger      logger.Logger
}

func NewManager(store ports.Store, checkpoints *checkpoint.Manager, launcher Launcher, eventBus events.EventBus, clk clock.Clock, log logger.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		launcher:    launcher,
		eventBus:    eventBus,
		clock:       clk,
		logger:      log.Named("replay"),
	}
}

// CreateReplay validates the request, seeds a new execution with the checkpoint's
// state and the overrides, and queues it. The source execution is never touched.
func (m *Manager) CreateReplay(ctx context.Context, req Request) (*workflow.ReplaySession, *workflow.Execution, error) {
	if req.Type == "" {
		req.Type = workflow.ReplayExact
	}
	if !req.Type.Valid() {
		return nil, nil, &workflow.ReplayValidationError{Reason: fmt.Sprintf("unknown replay type %q", req.Type)}
	}

	source, err := m.store.GetExecution(ctx, req.SourceExecutionID)
	if err != nil {
		return nil, nil, err
	}
	def, err := m.store.GetDefinition(ctx, source.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	cfg := m.launcher.RecoveryConfig(def)
	if !cfg.ReplayEnabled {
		return nil, nil, workflow.ErrReplayDisabled
	}

	cp, err := m.validateCheckpoint(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range req.SkipNodes {
		if _, ok := def.Node(id); !ok {
			return nil, nil, &workflow.ReplayValidationError{Reason: fmt.Sprintf("skip node %s is not in workflow %s", id, def.ID)}
		}
	}
	if cfg.MaxConcurrentReplays > 0 {
		active, err := m.store.CountActiveReplays(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("count active replays: %w", err)
		}
		if active >= int64(cfg.MaxConcurrentReplays) {
			return nil, nil, &workflow.ReplayValidationError{Reason: fmt.Sprintf("%d replays already active, limit is %d", active, cfg.MaxConcurrentReplays)}
		}
	}

	now := m.clock.Now()
	session := &workflow.ReplaySession{
		ID:                 uuid.New().String(),
		SourceExecutionID:  source.ID,
		SourceCheckpointID: cp.ID,
		Type:               req.Type,
		ModifiedInputs:     workflow.CopyMap(req.ModifiedInputs),
		ModifiedContext:    workflow.CopyMap(req.ModifiedContext),
		SkipNodes:          append([]string(nil), req.SkipNodes...),
		Status:             workflow.ReplayPending,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
	}
	if err := m.store.SaveReplaySession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("save replay session: %w", err)
	}

	state, trigger := seedState(source, cp, req)
	exec, err := m.launcher.Create(ctx, def, trigger, orchestrator.ExecutionOptions{
		ReplaySessionID: session.ID,
		DebugStep:       req.Type == workflow.ReplayDebugStep,
		TimeoutMillis:   source.TimeoutMillis,
		Context:         state.Context,
	})
	if err != nil {
		return nil, nil, m.abort(ctx, session, err)
	}
	state.Context[workflow.ContextExecutionID] = exec.ID
	if _, err := m.checkpoints.Save(ctx, exec.ID, workflow.CheckpointMilestone, state, cfg); err != nil {
		return nil, nil, m.abort(ctx, session, fmt.Errorf("seed replay checkpoint: %w", err))
	}

	session.ReplayExecutionID = exec.ID
	session.Status = workflow.ReplayRunning
	if err := m.store.UpdateReplaySession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("update replay session: %w", err)
	}
	if err := m.launcher.Launch(ctx, exec.ID, queue.TaskReplay); err != nil {
		return nil, nil, m.abort(ctx, session, fmt.Errorf("launch replay: %w", err))
	}

	metrics.RecordReplay(string(req.Type), string(workflow.ReplayRunning))
	m.publish(ctx, events.NewEventBuilder(events.ReplayCreated).
		WithAggregateID(session.ID).
		WithAggregateType("replay").
		WithPayload("sourceExecutionId", source.ID).
		WithPayload("checkpointId", cp.ID).
		WithPayload("replayExecutionId", exec.ID).
		WithPayload("type", string(req.Type)).
		Build())

	m.logger.Info("Replay created",
		"sessionId", session.ID,
		"sourceExecutionId", source.ID,
		"checkpointId", cp.ID,
		"replayExecutionId", exec.ID,
		"type", req.Type,
	)
	return session, exec, nil
}

func (m *Manager) validateCheckpoint(ctx context.Context, req Request) (*workflow.Checkpoint, error) {
	cp, err := m.checkpoints.Get(ctx, req.CheckpointID)
	if err != nil {
		if errors.Is(err, workflow.ErrCheckpointNotFound) {
			return nil, &workflow.ReplayValidationError{Reason: "checkpoint " + req.CheckpointID + " does not exist", Err: err}
		}
		return nil, err
	}
	if cp.ExecutionID != req.SourceExecutionID {
		return nil, &workflow.ReplayValidationError{
			Reason: fmt.Sprintf("checkpoint %s does not belong to execution %s", cp.ID, req.SourceExecutionID),
		}
	}
	if cp.Expired(m.clock.Now()) {
		return nil, &workflow.ReplayValidationError{Reason: fmt.Sprintf("checkpoint %s expired at %s", cp.ID, cp.ExpiresAt)}
	}
	if !cp.Recoverable {
		return nil, &workflow.ReplayValidationError{Reason: fmt.Sprintf("checkpoint %s is not recoverable", cp.ID)}
	}
	return cp, nil
}

// seedState builds the replay's starting state: the checkpoint with trigger
// overrides, context overrides and skipped nodes applied.
func seedState(source *workflow.Execution, cp *workflow.Checkpoint, req Request) (checkpoint.State, map[string]interface{}) {
	state := checkpoint.State{
		NodeID:         cp.NodeID,
		Context:        workflow.CopyMap(cp.Context),
		NodeOutputs:    make(map[string]map[string]interface{}, len(cp.NodeOutputs)),
		CompletedNodes: append([]string(nil), cp.CompletedNodes...),
		SkippedNodes:   append([]string(nil), cp.SkippedNodes...),
		Branches:       make(map[string]string, len(cp.Branches)),
	}
	if state.Context == nil {
		state.Context = map[string]interface{}{}
	}
	for id, out := range cp.NodeOutputs {
		state.NodeOutputs[id] = workflow.CopyMap(out)
	}
	for id, b := range cp.Branches {
		state.Branches[id] = b
	}

	trigger := workflow.CopyMap(source.TriggerData)
	if trigger == nil {
		trigger = map[string]interface{}{}
	}
	if len(req.ModifiedInputs) > 0 {
		for k, v := range req.ModifiedInputs {
			trigger[k] = v
		}
		state.Context[workflow.ContextTriggerData] = workflow.CopyMap(trigger)
	}

	for k, v := range req.ModifiedContext {
		state.Context[k] = v
		if !strings.HasPrefix(k, "node_") {
			continue
		}
		if out, ok := v.(map[string]interface{}); ok {
			state.NodeOutputs[strings.TrimPrefix(k, "node_")] = workflow.CopyMap(out)
		}
	}

	completed := make(map[string]bool, len(state.CompletedNodes))
	for _, id := range state.CompletedNodes {
		completed[id] = true
	}
	for _, id := range req.SkipNodes {
		if completed[id] {
			continue
		}
		out := map[string]interface{}{"skipped": true}
		state.NodeOutputs[id] = out
		state.Context[workflow.ContextKey(id)] = workflow.CopyMap(out)
		state.CompletedNodes = append(state.CompletedNodes, id)
		completed[id] = true
	}
	return state, trigger
}

func (m *Manager) abort(ctx context.Context, session *workflow.ReplaySession, cause error) error {
	now := m.clock.Now()
	session.Status = workflow.ReplayFailed
	session.ErrorMessage = cause.Error()
	session.CompletedAt = &now
	if err := m.store.UpdateReplaySession(ctx, session); err != nil {
		m.logger.Error("Failed to mark replay session failed", "sessionId", session.ID, "error", err)
	}
	metrics.RecordReplay(string(session.Type), string(workflow.ReplayFailed))
	return cause
}

// HandleSettled closes the session of a replay execution that reached a terminal state.
func (m *Manager) HandleSettled(ctx context.Context, exec *workflow.Execution) {
	if exec.ReplaySessionID == "" || !exec.Status.IsTerminal() {
		return
	}
	session, err := m.store.GetReplaySession(ctx, exec.ReplaySessionID)
	if err != nil {
		m.logger.Error("Failed to load replay session", "sessionId", exec.ReplaySessionID, "error", err)
		return
	}

	now := m.clock.Now()
	session.CompletedAt = &now
	if exec.Status == workflow.ExecutionSuccess {
		session.Status = workflow.ReplayCompleted
	} else {
		session.Status = workflow.ReplayFailed
		session.ErrorMessage = exec.ErrorMessage
		if session.ErrorMessage == "" {
			session.ErrorMessage = "replay execution " + string(exec.Status)
		}
	}
	if err := m.store.UpdateReplaySession(ctx, session); err != nil {
		m.logger.Error("Failed to update replay session", "sessionId", session.ID, "error", err)
		return
	}

	metrics.RecordReplay(string(session.Type), string(session.Status))
	m.publish(ctx, events.NewEventBuilder(events.ReplayCompleted).
		WithAggregateID(session.ID).
		WithAggregateType("replay").
		WithPayload("replayExecutionId", exec.ID).
		WithPayload("status", string(session.Status)).
		Build())
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*workflow.ReplaySession, error) {
	return m.store.GetReplaySession(ctx, sessionID)
}

func (m *Manager) GetByExecution(ctx context.Context, executionID string) (*workflow.ReplaySession, error) {
	return m.store.GetReplaySessionByExecution(ctx, executionID)
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if err := m.eventBus.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
}
