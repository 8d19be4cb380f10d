package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/memory"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

func newMachine(t *testing.T, store ports.ExecutionRepository, bus events.EventBus) *StateMachine {
	t.Helper()
	exec := &workflow.Execution{ID: "exec-1", DefinitionID: "wf-1", Status: workflow.ExecutionPending}
	require.NoError(t, store.CreateExecution(context.Background(), exec))
	return NewStateMachine(exec.Clone(), store, bus, clock.Real(), logger.NewNop())
}

func TestStateMachine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	bus := events.NewInMemoryEventBus()
	sm := newMachine(t, store, bus)

	require.NoError(t, sm.Transition(ctx, EventStart, nil))
	require.NoError(t, sm.Transition(ctx, EventPause, func(e *workflow.Execution) {
		e.PauseReason = workflow.PauseApproval
		e.PausedNodeID = "approve"
	}))

	paused, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionPaused, paused.Status)
	assert.Equal(t, "approve", paused.PausedNodeID)

	require.NoError(t, sm.Transition(ctx, EventResume, nil))
	require.NoError(t, sm.Transition(ctx, EventComplete, func(e *workflow.Execution) {
		e.FinalOutput = map[string]interface{}{"ok": true}
	}))

	err = sm.Transition(ctx, EventCancel, nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	err = sm.Update(ctx, func(e *workflow.Execution) { e.RetryCount++ })
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	stored, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionSuccess, stored.Status)
	assert.Empty(t, stored.PauseReason)
	assert.Equal(t, true, stored.FinalOutput["ok"])
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Zero(t, stored.RetryCount)

	history := sm.History()
	require.Len(t, history, 4)
	assert.Equal(t, workflow.ExecutionPending, history[0].FromState)
	assert.Equal(t, workflow.ExecutionSuccess, history[3].ToState)

	assert.Len(t, bus.Events(events.ExecutionStateChanged), 4)
	assert.Len(t, bus.Events(events.ExecutionStarted), 1)
	assert.Len(t, bus.Events(events.ExecutionPaused), 1)
	assert.Len(t, bus.Events(events.ExecutionResumed), 1)
	assert.Len(t, bus.Events(events.ExecutionSucceeded), 1)
}

func TestStateMachine_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	sm := newMachine(t, memory.NewStore(), events.NewInMemoryEventBus())

	assert.False(t, sm.CanTransition(EventResume))
	assert.ErrorIs(t, sm.Transition(ctx, EventResume, nil), workflow.ErrInvalidTransition)
	assert.ErrorIs(t, sm.Transition(ctx, EventComplete, nil), workflow.ErrInvalidTransition)

	require.NoError(t, sm.Transition(ctx, EventCancel, nil))
	assert.True(t, sm.Status().IsTerminal())
	assert.ErrorIs(t, sm.Transition(ctx, EventStart, nil), workflow.ErrInvalidTransition)
}

type failingStore struct {
	*memory.Store
}

func (s *failingStore) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	return errors.New("database unavailable")
}

func TestStateMachine_FailedWriteKeepsState(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore()}
	bus := events.NewInMemoryEventBus()
	sm := newMachine(t, store, bus)

	err := sm.Transition(ctx, EventStart, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, workflow.ExecutionPending, sm.Status())
	assert.Empty(t, sm.History())
	assert.Empty(t, bus.Events(events.ExecutionStateChanged))
}
