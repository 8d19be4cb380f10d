package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

// ExecutionEvent triggers a state transition.
type ExecutionEvent string

const (
	EventStart    ExecutionEvent = "start"
	EventPause    ExecutionEvent = "pause"
	EventResume   ExecutionEvent = "resume"
	EventComplete ExecutionEvent = "complete"
	EventFail     ExecutionEvent = "fail"
	EventCancel   ExecutionEvent = "cancel"
)

// validTransitions defines valid state transitions. Terminal states have none.
var validTransitions = map[workflow.ExecutionStatus]map[ExecutionEvent]workflow.ExecutionStatus{
	workflow.ExecutionPending: {
		EventStart:  workflow.ExecutionRunning,
		EventFail:   workflow.ExecutionFailed,
		EventCancel: workflow.ExecutionCancelled,
	},
	workflow.ExecutionRunning: {
		EventPause:    workflow.ExecutionPaused,
		EventComplete: workflow.ExecutionSuccess,
		EventFail:     workflow.ExecutionFailed,
		EventCancel:   workflow.ExecutionCancelled,
	},
	workflow.ExecutionPaused: {
		EventResume: workflow.ExecutionRunning,
		EventFail:   workflow.ExecutionFailed,
		EventCancel: workflow.ExecutionCancelled,
	},
}

var lifecycleEvents = map[ExecutionEvent]string{
	EventStart:    events.ExecutionStarted,
	EventPause:    events.ExecutionPaused,
	EventResume:   events.ExecutionResumed,
	EventComplete: events.ExecutionSucceeded,
	EventFail:     events.ExecutionFailed,
	EventCancel:   events.ExecutionCancelled,
}

// StateTransition represents a state transition record
type StateTransition struct {
	FromState workflow.ExecutionStatus `json:"fromState"`
	ToState   workflow.ExecutionStatus `json:"toState"`
	Event     ExecutionEvent           `json:"event"`
	Timestamp time.Time                `json:"timestamp"`
}

// StateMachine owns one execution record. Every change goes through it so the
// status check and the persisted write happen under one lock.
type StateMachine struct {
	mu        sync.Mutex
	execution *workflow.Execution
	history   []StateTransition
	store     ports.ExecutionRepository
	eventBus  events.EventBus
	clock     clock.Clock
	logger    logger.Logger
	retry     resilience.RetryConfig
}

func NewStateMachine(exec *workflow.Execution, store ports.ExecutionRepository, eventBus events.EventBus, clk clock.Clock, log logger.Logger) *StateMachine {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	return &StateMachine{
		execution: exec,
		store:     store,
		eventBus:  eventBus,
		clock:     clk,
		logger:    log,
		retry:     retry,
	}
}

// Transition moves the execution along event. mutate, when set, edits the record
// under the same lock before it is persisted. A failed write leaves the
// in-memory record untouched.
func (sm *StateMachine) Transition(ctx context.Context, event ExecutionEvent, mutate func(*workflow.Execution)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.execution.Status
	to, ok := validTransitions[from][event]
	if !ok {
		return fmt.Errorf("%w: cannot %s execution %s in state %s", workflow.ErrInvalidTransition, event, sm.execution.ID, from)
	}

	now := sm.clock.Now()
	next := sm.execution.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case workflow.ExecutionRunning:
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		next.PauseReason = ""
		next.PausedNodeID = ""
	case workflow.ExecutionSuccess, workflow.ExecutionFailed, workflow.ExecutionCancelled:
		next.CompletedAt = &now
	}

	if err := sm.persist(ctx, next); err != nil {
		return err
	}
	sm.execution = next
	sm.history = append(sm.history, StateTransition{
		FromState: from,
		ToState:   to,
		Event:     event,
		Timestamp: now,
	})

	sm.observe(from, to)
	sm.publish(ctx, from, to, event)

	sm.logger.Info("Execution state transitioned",
		"executionId", next.ID,
		"from", from,
		"to", to,
		"event", event,
	)
	return nil
}

// Update persists a change that keeps the current state. Rejected once terminal.
func (sm *StateMachine) Update(ctx context.Context, mutate func(*workflow.Execution)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.execution.Status.IsTerminal() {
		return fmt.Errorf("%w: execution %s is %s", workflow.ErrInvalidTransition, sm.execution.ID, sm.execution.Status)
	}
	next := sm.execution.Clone()
	mutate(next)
	next.UpdatedAt = sm.clock.Now()
	if err := sm.persist(ctx, next); err != nil {
		return err
	}
	sm.execution = next
	return nil
}

func (sm *StateMachine) persist(ctx context.Context, exec *workflow.Execution) error {
	err := resilience.Retry(ctx, sm.retry, func(ctx context.Context) error {
		return sm.store.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return nil
}

func (sm *StateMachine) observe(from, to workflow.ExecutionStatus) {
	if to == workflow.ExecutionRunning {
		metrics.ExecutionsInFlight.Inc()
	}
	if from == workflow.ExecutionRunning {
		metrics.ExecutionsInFlight.Dec()
	}
	if to.IsTerminal() {
		metrics.RecordWorkflowExecution(sm.execution.DefinitionID, string(to), float64(sm.execution.ActiveMillis)/1000)
	}
}

func (sm *StateMachine) publish(ctx context.Context, from, to workflow.ExecutionStatus, event ExecutionEvent) {
	exec := sm.execution
	changed := events.NewEventBuilder(events.ExecutionStateChanged).
		WithAggregateID(exec.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", exec.DefinitionID).
		WithPayload("fromState", string(from)).
		WithPayload("toState", string(to)).
		WithPayload("event", string(event)).
		Build()

	lifecycle := events.NewEventBuilder(lifecycleEvents[event]).
		WithAggregateID(exec.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", exec.DefinitionID).
		WithPayload("status", string(to))
	switch to {
	case workflow.ExecutionFailed:
		lifecycle.
			WithPayload("errorCode", exec.ErrorCode).
			WithPayload("error", exec.ErrorMessage).
			WithPayload("nodeId", exec.FailedNodeID)
	case workflow.ExecutionPaused:
		lifecycle.
			WithPayload("reason", exec.PauseReason).
			WithPayload("nodeId", exec.PausedNodeID)
	}

	for _, e := range []events.Event{changed, lifecycle.Build()} {
		if err := sm.eventBus.Publish(ctx, e); err != nil {
			sm.logger.Error("Failed to publish execution event", "type", e.Type, "executionId", exec.ID, "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(e.Type).Inc()
	}
}

func (sm *StateMachine) Status() workflow.ExecutionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.execution.Status
}

// Snapshot returns a copy of the current record.
func (sm *StateMachine) Snapshot() *workflow.Execution {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.execution.Clone()
}

func (sm *StateMachine) CanTransition(event ExecutionEvent) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := validTransitions[sm.execution.Status][event]
	return ok
}

func (sm *StateMachine) History() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]StateTransition(nil), sm.history...)
}
