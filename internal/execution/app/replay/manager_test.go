package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/memory"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/orchestrator"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/recovery"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

type echoProcessor struct{}

func (echoProcessor) Type() string                          { return "echo" }
func (echoProcessor) Validate(map[string]interface{}) error { return nil }
func (echoProcessor) Execute(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
	return &nodes.Result{Output: workflow.CopyMap(req.Config)}, nil
}

type goDispatcher struct {
	o *orchestrator.Orchestrator
}

func (d *goDispatcher) Submit(ctx context.Context, task *queue.Task) error {
	go func() { _ = d.o.Execute(context.Background(), task) }()
	return nil
}

func (d *goDispatcher) SubmitAfter(ctx context.Context, delay time.Duration, task *queue.Task) {
	time.AfterFunc(delay, func() { _ = d.Submit(ctx, task) })
}

type fixture struct {
	o      *orchestrator.Orchestrator
	m      *Manager
	store  *memory.Store
	bus    *events.InMemoryEventBus
	logs   *logging.Recorder
	config workflow.RecoveryConfiguration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	bus := events.NewInMemoryEventBus()
	clk := clock.NewScaled(1000)
	log := logger.NewNop()

	registry := nodes.NewBuiltinRegistry(nodes.Dependencies{Clock: clk, Records: memory.NewRecordStore()})
	registry.MustRegister(echoProcessor{})

	cfg := workflow.DefaultRecoveryConfiguration()
	cfg.CheckpointInterval = 1
	checkpoints := checkpoint.NewManager(store, nil, bus, clk, log)
	logs := logging.NewRecorder(store, clk, log)
	o := orchestrator.New(orchestrator.Dependencies{
		Store:       store,
		Processors:  registry,
		Checkpoints: checkpoints,
		Recovery:    recovery.NewManager(store, bus, clk, log),
		Logs:        logs,
		EventBus:    bus,
		Clock:       clk,
		Logger:      log,
	}, orchestrator.Config{Recovery: cfg})
	o.SetDispatcher(&goDispatcher{o: o})

	m := NewManager(store, checkpoints, o, bus, clk, log)
	o.OnSettled(m.HandleSettled)
	return &fixture{o: o, m: m, store: store, bus: bus, logs: logs, config: cfg}
}

func linearDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID: "wf-linear",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "a", Type: "echo", Config: map[string]interface{}{"v": "{{trigger_data.x}}"}},
			{ID: "b", Type: "echo", Config: map[string]interface{}{"v": "{{trigger_data.x}}", "prev": "{{node_a.v}}"}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "b"}},
	}
}

func (f *fixture) run(t *testing.T, def *workflow.Definition, trigger map[string]interface{}) *workflow.Execution {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveDefinition(ctx, def))
	exec, err := f.o.Create(ctx, def, trigger, orchestrator.ExecutionOptions{})
	require.NoError(t, err)
	require.NoError(t, f.o.Launch(ctx, exec.ID, queue.TaskStart))
	return f.wait(t, exec.ID)
}

func (f *fixture) wait(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.o.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func (f *fixture) checkpointAfter(t *testing.T, executionID, nodeID string) workflow.Checkpoint {
	t.Helper()
	cps, err := f.store.ListCheckpoints(context.Background(), executionID)
	require.NoError(t, err)
	for _, cp := range cps {
		if cp.NodeID == nodeID {
			return cp
		}
	}
	t.Fatalf("no checkpoint after node %s", nodeID)
	return workflow.Checkpoint{}
}

func (f *fixture) eventuallyStatus(t *testing.T, sessionID string, want workflow.ReplayStatus) *workflow.ReplaySession {
	t.Helper()
	var session *workflow.ReplaySession
	require.Eventually(t, func() bool {
		s, err := f.m.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		session = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return session
}

func TestCreateReplay_ModifiedInputsRerunsRemainingNodes(t *testing.T) {
	f := newFixture(t)
	source := f.run(t, linearDefinition(), map[string]interface{}{"x": 1})
	require.Equal(t, workflow.ExecutionSuccess, source.Status, source.ErrorMessage)
	cp := f.checkpointAfter(t, source.ID, "a")

	session, exec, err := f.m.CreateReplay(context.Background(), Request{
		SourceExecutionID: source.ID,
		CheckpointID:      cp.ID,
		Type:              workflow.ReplayModifiedInputs,
		ModifiedInputs:    map[string]interface{}{"x": 9},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.ReplayRunning, session.Status)
	assert.Equal(t, exec.ID, session.ReplayExecutionID)
	assert.Equal(t, session.ID, exec.ReplaySessionID)

	replayed := f.wait(t, exec.ID)
	require.Equal(t, workflow.ExecutionSuccess, replayed.Status, replayed.ErrorMessage)
	assert.Equal(t, 9, replayed.FinalOutput["v"])
	assert.Equal(t, 1, replayed.FinalOutput["prev"])

	replayLogs, err := f.logs.List(context.Background(), exec.ID, logging.LogFilter{})
	require.NoError(t, err)
	require.Len(t, replayLogs, 1)
	assert.Equal(t, "b", replayLogs[0].NodeID)

	sourceLogs, err := f.logs.List(context.Background(), source.ID, logging.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, sourceLogs, 3)
	original, err := f.store.GetExecution(context.Background(), source.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, original.FinalOutput["v"])

	f.eventuallyStatus(t, session.ID, workflow.ReplayCompleted)
	assert.Len(t, f.bus.Events(events.ReplayCreated), 1)
	require.Eventually(t, func() bool { return len(f.bus.Events(events.ReplayCompleted)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestCreateReplay_SkipNodesMarksOutputSkipped(t *testing.T) {
	f := newFixture(t)
	def := linearDefinition()
	def.Nodes[1].Config = map[string]interface{}{"skipped": false}
	def.Nodes[2].Config = map[string]interface{}{"skippedA": "{{node_a.skipped}}"}
	source := f.run(t, def, map[string]interface{}{"x": 1})
	require.Equal(t, workflow.ExecutionSuccess, source.Status, source.ErrorMessage)
	cp := f.checkpointAfter(t, source.ID, "start")

	_, exec, err := f.m.CreateReplay(context.Background(), Request{
		SourceExecutionID: source.ID,
		CheckpointID:      cp.ID,
		Type:              workflow.ReplaySkipNodes,
		SkipNodes:         []string{"a"},
	})
	require.NoError(t, err)

	replayed := f.wait(t, exec.ID)
	require.Equal(t, workflow.ExecutionSuccess, replayed.Status, replayed.ErrorMessage)
	assert.Equal(t, true, replayed.FinalOutput["skippedA"])

	seed, err := f.store.LatestCheckpoint(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Contains(t, seed.CompletedNodes, "a")

	replayLogs, err := f.logs.List(context.Background(), exec.ID, logging.LogFilter{NodeID: "a"})
	require.NoError(t, err)
	assert.Empty(t, replayLogs)
}

func TestCreateReplay_ModifiedContextOverridesNodeOutput(t *testing.T) {
	f := newFixture(t)
	source := f.run(t, linearDefinition(), map[string]interface{}{"x": 1})
	cp := f.checkpointAfter(t, source.ID, "a")

	_, exec, err := f.m.CreateReplay(context.Background(), Request{
		SourceExecutionID: source.ID,
		CheckpointID:      cp.ID,
		ModifiedContext:   map[string]interface{}{"node_a": map[string]interface{}{"v": "patched"}},
	})
	require.NoError(t, err)

	replayed := f.wait(t, exec.ID)
	require.Equal(t, workflow.ExecutionSuccess, replayed.Status, replayed.ErrorMessage)
	assert.Equal(t, "patched", replayed.FinalOutput["prev"])
	assert.Equal(t, 1, replayed.FinalOutput["v"])
}

func TestCreateReplay_DebugStepPausesAfterEachNode(t *testing.T) {
	f := newFixture(t)
	source := f.run(t, linearDefinition(), map[string]interface{}{"x": 1})
	cp := f.checkpointAfter(t, source.ID, "start")

	session, exec, err := f.m.CreateReplay(context.Background(), Request{
		SourceExecutionID: source.ID,
		CheckpointID:      cp.ID,
		Type:              workflow.ReplayDebugStep,
	})
	require.NoError(t, err)

	paused := f.wait(t, exec.ID)
	require.Equal(t, workflow.ExecutionPaused, paused.Status)
	assert.Equal(t, workflow.PauseDebugStep, paused.PauseReason)

	got, err := f.m.GetByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ReplayRunning, got.Status)

	require.NoError(t, f.o.Cancel(context.Background(), exec.ID))
	failed := f.eventuallyStatus(t, session.ID, workflow.ReplayFailed)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)
}

func TestCreateReplay_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.run(t, linearDefinition(), map[string]interface{}{"x": 1})
	other := f.run(t, linearDefinition(), map[string]interface{}{"x": 2})
	cp := f.checkpointAfter(t, source.ID, "a")
	foreign := f.checkpointAfter(t, other.ID, "a")

	expired := workflow.Checkpoint{
		ID:             "cp-expired",
		ExecutionID:    source.ID,
		Sequence:       100,
		Type:           workflow.CheckpointPeriodic,
		CompletedNodes: []string{"start"},
		Recoverable:    true,
		ExpiresAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.SaveCheckpoint(ctx, &expired))

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown checkpoint", Request{SourceExecutionID: source.ID, CheckpointID: "missing"}},
		{"foreign checkpoint", Request{SourceExecutionID: source.ID, CheckpointID: foreign.ID}},
		{"expired checkpoint", Request{SourceExecutionID: source.ID, CheckpointID: expired.ID}},
		{"unknown replay type", Request{SourceExecutionID: source.ID, CheckpointID: cp.ID, Type: "rewind"}},
		{"unknown skip node", Request{SourceExecutionID: source.ID, CheckpointID: cp.ID, SkipNodes: []string{"ghost"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.m.CreateReplay(ctx, tt.req)
			var verr *workflow.ReplayValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	_, _, err := f.m.CreateReplay(ctx, Request{SourceExecutionID: "nope", CheckpointID: cp.ID})
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}

func TestCreateReplay_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.run(t, linearDefinition(), map[string]interface{}{"x": 1})
	cp := f.checkpointAfter(t, source.ID, "a")

	for i := 0; i < f.config.MaxConcurrentReplays; i++ {
		require.NoError(t, f.store.SaveReplaySession(ctx, &workflow.ReplaySession{
			ID:     "busy-" + string(rune('a'+i)),
			Status: workflow.ReplayRunning,
		}))
	}

	_, _, err := f.m.CreateReplay(ctx, Request{SourceExecutionID: source.ID, CheckpointID: cp.ID})
	var verr *workflow.ReplayValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "already active")
}

func TestCreateReplay_Disabled(t *testing.T) {
	f := newFixture(t)
	def := linearDefinition()
	cfg := f.config
	cfg.ReplayEnabled = false
	def.Recovery = &cfg
	source := f.run(t, def, map[string]interface{}{"x": 1})
	cp := f.checkpointAfter(t, source.ID, "a")

	_, _, err := f.m.CreateReplay(context.Background(), Request{SourceExecutionID: source.ID, CheckpointID: cp.ID})
	assert.ErrorIs(t, err, workflow.ErrReplayDisabled)
}
