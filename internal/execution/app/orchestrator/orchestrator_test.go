package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/memory"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/recovery"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

type stubProcessor struct {
	typ string
	fn  func(ctx context.Context, req *nodes.Request) (*nodes.Result, error)
}

func (p *stubProcessor) Type() string                          { return p.typ }
func (p *stubProcessor) Validate(map[string]interface{}) error { return nil }
func (p *stubProcessor) Execute(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
	return p.fn(ctx, req)
}

func echoProcessor() *stubProcessor {
	return &stubProcessor{typ: "echo", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		return &nodes.Result{Output: workflow.CopyMap(req.Config)}, nil
	}}
}

func failingProcessor() *stubProcessor {
	return &stubProcessor{typ: "always_fail", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		return nil, errors.New("downstream refused the request")
	}}
}

// goDispatcher runs every task on its own goroutine.
type goDispatcher struct {
	o *Orchestrator
}

func (d *goDispatcher) Submit(ctx context.Context, task *queue.Task) error {
	go func() { _ = d.o.Execute(context.Background(), task) }()
	return nil
}

func (d *goDispatcher) SubmitAfter(ctx context.Context, delay time.Duration, task *queue.Task) {
	time.AfterFunc(delay, func() { _ = d.Submit(ctx, task) })
}

type harness struct {
	o        *Orchestrator
	store    *memory.Store
	bus      *events.InMemoryEventBus
	recovery *recovery.Manager
	logs     *logging.Recorder
}

func newHarness(t *testing.T, cfg Config, procs ...nodes.Processor) *harness {
	t.Helper()
	store := memory.NewStore()
	bus := events.NewInMemoryEventBus()
	clk := clock.NewScaled(1000)
	log := logger.NewNop()

	registry := nodes.NewBuiltinRegistry(nodes.Dependencies{Clock: clk, Records: memory.NewRecordStore()})
	registry.MustRegister(procs...)

	if cfg.Recovery == (workflow.RecoveryConfiguration{}) {
		cfg.Recovery = workflow.DefaultRecoveryConfiguration()
	}
	rec := recovery.NewManager(store, bus, clk, log)
	logs := logging.NewRecorder(store, clk, log)
	o := New(Dependencies{
		Store:       store,
		Processors:  registry,
		Checkpoints: checkpoint.NewManager(store, nil, bus, clk, log),
		Recovery:    rec,
		Logs:        logs,
		EventBus:    bus,
		Clock:       clk,
		Logger:      log,
	}, cfg)
	o.SetDispatcher(&goDispatcher{o: o})
	return &harness{o: o, store: store, bus: bus, recovery: rec, logs: logs}
}

func (h *harness) start(t *testing.T, def *workflow.Definition, trigger map[string]interface{}) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveDefinition(ctx, def))
	exec, err := h.o.Create(ctx, def, trigger, ExecutionOptions{})
	require.NoError(t, err)
	require.NoError(t, h.o.Launch(ctx, exec.ID, queue.TaskStart))
	return exec.ID
}

func (h *harness) wait(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.o.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func (h *harness) logStatuses(t *testing.T, id string) map[string][]workflow.NodeStatus {
	t.Helper()
	logs, err := h.logs.List(context.Background(), id, logging.LogFilter{})
	require.NoError(t, err)
	out := make(map[string][]workflow.NodeStatus)
	for _, l := range logs {
		out[l.NodeID] = append(out[l.NodeID], l.Status)
	}
	return out
}

func TestRun_ConditionBranchSkipsDeadPath(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor())
	def := &workflow.Definition{
		ID: "wf-branch",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "check", Type: workflow.NodeTypeCondition, Config: map[string]interface{}{
				"conditions": []interface{}{
					map[string]interface{}{"left": "{{trigger_data.amount}}", "operator": ">", "right": 100, "output": "big"},
				},
				"default_output": "small",
			}},
			{ID: "big", Type: "echo", Config: map[string]interface{}{"amount": "{{node_start.amount}}"}},
			{ID: "small", Type: "echo", Config: map[string]interface{}{"amount": "{{node_start.amount}}"}},
			{ID: "after_small", Type: "echo"},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "big", Label: "big"},
			{Source: "check", Target: "small", Label: "small"},
			{Source: "small", Target: "after_small"},
		},
	}

	id := h.start(t, def, map[string]interface{}{"amount": 250})
	exec := h.wait(t, id)

	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"amount": 250}, exec.FinalOutput)

	statuses := h.logStatuses(t, id)
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, statuses["big"])
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSkipped}, statuses["small"])
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSkipped}, statuses["after_small"])
	assert.Len(t, h.bus.Events(events.NodeSkipped), 2)
}

func TestRun_ParallelBranchesJoin(t *testing.T) {
	var running, peak int32
	slow := &stubProcessor{typ: "slow", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &nodes.Result{Output: map[string]interface{}{"node": req.Node.ID}}, nil
	}}

	def := &workflow.Definition{
		ID: "wf-fanout",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "a", Type: "slow"},
			{ID: "b", Type: "slow"},
			{ID: "c", Type: "slow"},
			{ID: "join", Type: "echo", Config: map[string]interface{}{
				"a": "{{node_a.node}}",
				"b": "{{node_b.node}}",
				"c": "{{node_c.node}}",
			}},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "a"},
			{Source: "start", Target: "b"},
			{Source: "start", Target: "c"},
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
			{Source: "c", Target: "join"},
		},
	}

	t.Run("concurrent", func(t *testing.T) {
		atomic.StoreInt32(&peak, 0)
		h := newHarness(t, Config{MaxParallelNodes: 4}, echoProcessor(), slow)
		exec := h.wait(t, h.start(t, def, nil))
		require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
		assert.Equal(t, map[string]interface{}{"a": "a", "b": "b", "c": "c"}, exec.FinalOutput)
		assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
	})

	t.Run("capped", func(t *testing.T) {
		atomic.StoreInt32(&peak, 0)
		h := newHarness(t, Config{MaxParallelNodes: 1}, echoProcessor(), slow)
		exec := h.wait(t, h.start(t, def, nil))
		require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
		assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	})
}

func TestRun_UnresolvedReferenceFailsNode(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor())
	def := &workflow.Definition{
		ID: "wf-unresolved",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "use", Type: "echo", Config: map[string]interface{}{"v": "{{node_ghost.value}}"}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "use"}},
	}

	exec := h.wait(t, h.start(t, def, nil))

	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, workflow.ErrorCodeUnresolvedReference, exec.ErrorCode)
	assert.Equal(t, "use", exec.FailedNodeID)
	assert.Contains(t, exec.ErrorMessage, "node_ghost")

	checkpoints, err := h.store.ListCheckpoints(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)
	assert.Equal(t, workflow.CheckpointPreFailure, checkpoints[len(checkpoints)-1].Type)
}

func TestRun_ApprovalPausesUntilResumed(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor())
	def := &workflow.Definition{
		ID: "wf-approval",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "approve", Type: workflow.NodeTypeApproval, Config: map[string]interface{}{"message": "Ship {{trigger_data.order}}?"}},
			{ID: "ship", Type: "echo", Config: map[string]interface{}{"by": "{{node_approve.approver}}"}},
			{ID: "refund", Type: "echo", Config: map[string]interface{}{"reason": "rejected"}},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "approve"},
			{Source: "approve", Target: "ship", Label: nodes.BranchApproved},
			{Source: "approve", Target: "refund", Label: nodes.BranchRejected},
		},
	}

	id := h.start(t, def, map[string]interface{}{"order": "A-1"})
	paused := h.wait(t, id)
	require.Equal(t, workflow.ExecutionPaused, paused.Status, paused.ErrorMessage)
	assert.Equal(t, workflow.PauseApproval, paused.PauseReason)
	assert.Equal(t, "approve", paused.PausedNodeID)

	require.NoError(t, h.o.Resume(context.Background(), id, map[string]interface{}{"approved": true, "approver": "ops"}))
	exec := h.wait(t, id)

	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"by": "ops"}, exec.FinalOutput)
	statuses := h.logStatuses(t, id)
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, statuses["approve"])
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSkipped}, statuses["refund"])
}

func TestRun_RetrySucceedsAndCreditsStrategy(t *testing.T) {
	var calls int32
	flaky := &stubProcessor{typ: "flaky", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("temporary outage")
		}
		return &nodes.Result{Output: map[string]interface{}{"attempt": req.Attempt}}, nil
	}}
	h := newHarness(t, Config{}, flaky)
	ctx := context.Background()
	require.NoError(t, h.recovery.RegisterStrategy(ctx, &workflow.RecoveryStrategy{
		ID:                "outage",
		ErrorPattern:      "outage",
		MaxRetryAttempts:  3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		Actions:           []workflow.RecoveryAction{workflow.ActionRetryNode},
		Enabled:           true,
	}))

	def := &workflow.Definition{ID: "wf-flaky", Nodes: []workflow.Node{{ID: "call", Type: "flaky"}}}
	exec := h.wait(t, h.start(t, def, nil))

	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, 2, exec.RetryCount)
	assert.Equal(t, 3, exec.FinalOutput["attempt"])
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeFailed, workflow.NodeFailed, workflow.NodeSuccess}, h.logStatuses(t, exec.ID)["call"])

	strategies, err := h.recovery.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, int64(2), strategies[0].UsageCount)
	assert.Equal(t, int64(1), strategies[0].SuccessCount)
}

func TestRun_RecoveryPauseThenSkipOnResume(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor(), failingProcessor())
	ctx := context.Background()
	require.NoError(t, h.recovery.RegisterStrategy(ctx, &workflow.RecoveryStrategy{
		ID:       "ask",
		NodeType: "always_fail",
		Actions:  []workflow.RecoveryAction{workflow.ActionPauseForApproval},
		Enabled:  true,
	}))

	def := &workflow.Definition{
		ID: "wf-recovery-pause",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "call", Type: "always_fail"},
			{ID: "done", Type: "echo", Config: map[string]interface{}{"skipped": "{{node_call.skipped}}"}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "call"}, {Source: "call", Target: "done"}},
	}

	id := h.start(t, def, nil)
	paused := h.wait(t, id)
	require.Equal(t, workflow.ExecutionPaused, paused.Status, paused.ErrorMessage)
	assert.Equal(t, workflow.PauseRecovery, paused.PauseReason)
	assert.Equal(t, "call", paused.PausedNodeID)

	require.NoError(t, h.o.Resume(ctx, id, map[string]interface{}{"action": "skip"}))
	exec := h.wait(t, id)
	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"skipped": true}, exec.FinalOutput)

	logs, err := h.recovery.ListLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, workflow.RecoveryPaused, logs[0].Status)
}

func TestRun_CancelDiscardsInFlightOutput(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	block := &stubProcessor{typ: "block", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return &nodes.Result{Output: map[string]interface{}{"late": true}}, nil
	}}
	h := newHarness(t, Config{}, echoProcessor(), block)
	def := &workflow.Definition{
		ID: "wf-cancel",
		Nodes: []workflow.Node{
			{ID: "work", Type: "block"},
			{ID: "next", Type: "echo"},
		},
		Edges: []workflow.Edge{{Source: "work", Target: "next"}},
	}

	id := h.start(t, def, nil)
	<-started

	cancelled := make(chan error, 1)
	go func() { cancelled <- h.o.Cancel(context.Background(), id) }()
	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(context.Background(), id)
		return err == nil && exec.Status == workflow.ExecutionCancelled
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-cancelled)

	exec := h.wait(t, id)
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)
	assert.Empty(t, h.logStatuses(t, id))
	assert.ErrorIs(t, h.o.Resume(context.Background(), id, nil), workflow.ErrInvalidTransition)
	assert.False(t, h.o.IsRunning(id))
}

func TestRun_TimeoutFailsExecution(t *testing.T) {
	h := newHarness(t, Config{})
	def := &workflow.Definition{
		ID:             "wf-timeout",
		TimeoutMinutes: 1,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "nap", Type: workflow.NodeTypeWait, Config: map[string]interface{}{"duration_seconds": 600}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "nap"}},
	}

	exec := h.wait(t, h.start(t, def, nil))

	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, workflow.ErrorCodeTimeout, exec.ErrorCode)
	assert.Equal(t, "nap", exec.FailedNodeID)
	assert.Contains(t, exec.ErrorMessage, "timeout")
}

func TestRun_ForEachRunsChildExecutions(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor())
	def := &workflow.Definition{
		ID: "wf-foreach",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "each", Type: workflow.NodeTypeForEach, Config: map[string]interface{}{
				"items":       "{{trigger_data.items}}",
				"concurrency": 2,
				"sub_workflow": map[string]interface{}{
					"nodes": []interface{}{
						map[string]interface{}{"id": "t", "type": "trigger"},
						map[string]interface{}{"id": "double", "type": "echo", "config": map[string]interface{}{"value": "{{trigger_data.item}}"}},
					},
					"edges": []interface{}{
						map[string]interface{}{"source": "t", "target": "double"},
					},
				},
			}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "each"}},
	}

	exec := h.wait(t, h.start(t, def, map[string]interface{}{"items": []interface{}{1, 2, 3}}))

	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, 3, exec.FinalOutput["count"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"value": 1},
		map[string]interface{}{"value": 2},
		map[string]interface{}{"value": 3},
	}, exec.FinalOutput["results"])

	children, err := h.store.ListExecutionsByStatus(context.Background(), workflow.ExecutionSuccess)
	require.NoError(t, err)
	var childCount int
	for _, c := range children {
		if c.ParentExecutionID == exec.ID {
			childCount++
			assert.Equal(t, exec.ID+":each", c.DefinitionID)
		}
	}
	assert.Equal(t, 3, childCount)

	stored, err := h.store.GetDefinition(context.Background(), exec.ID+":each")
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 2)
}

func TestRun_DisabledNodeCompletesEmpty(t *testing.T) {
	h := newHarness(t, Config{}, echoProcessor(), failingProcessor())
	def := &workflow.Definition{
		ID:           "wf-disabled",
		OutputNodeID: "off",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "off", Type: "always_fail", Disabled: true},
			{ID: "after", Type: "echo", Config: map[string]interface{}{"x": 1}},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "off"}, {Source: "off", Target: "after"}},
	}

	exec := h.wait(t, h.start(t, def, nil))

	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{}, exec.FinalOutput)
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, h.logStatuses(t, exec.ID)["after"])
}

func TestRun_MilestoneCheckpoints(t *testing.T) {
	cfg := workflow.DefaultRecoveryConfiguration()
	cfg.AutoCheckpoint = false
	h := newHarness(t, Config{Recovery: cfg}, echoProcessor())
	def := &workflow.Definition{
		ID: "wf-milestone",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "mid", Type: "echo", Milestone: true, Config: map[string]interface{}{"v": 1}},
			{ID: "end", Type: "echo"},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "mid"}, {Source: "mid", Target: "end"}},
	}

	exec := h.wait(t, h.start(t, def, nil))
	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)

	checkpoints, err := h.store.ListCheckpoints(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, workflow.CheckpointMilestone, checkpoints[0].Type)
	assert.Equal(t, "mid", checkpoints[0].NodeID)
	assert.Equal(t, []string{"start", "mid"}, checkpoints[0].CompletedNodes)
}

func TestRun_WaitDoesNotHoldParallelSlot(t *testing.T) {
	marked := make(chan time.Time, 1)
	mark := &stubProcessor{typ: "mark", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
		marked <- time.Now()
		return &nodes.Result{Output: map[string]interface{}{"marked": true}}, nil
	}}
	h := newHarness(t, Config{MaxParallelNodes: 1}, mark)
	def := &workflow.Definition{
		ID: "wf-wait-sibling",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "hold", Type: workflow.NodeTypeWait, Config: map[string]interface{}{"duration_seconds": 2000}},
			{ID: "mark", Type: "mark"},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "hold"}, {Source: "start", Target: "mark"}},
	}

	began := time.Now()
	id := h.start(t, def, nil)
	select {
	case at := <-marked:
		assert.Less(t, at.Sub(began), time.Second)
	case <-time.After(time.Second):
		t.Fatal("sibling branch did not run while the wait node was holding")
	}

	exec := h.wait(t, id)
	require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
	assert.GreaterOrEqual(t, time.Since(began), 2*time.Second)
	statuses := h.logStatuses(t, id)
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, statuses["hold"])
	assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, statuses["mark"])
}

func TestRun_ResumeAfterCheckpointRetention(t *testing.T) {
	approvalFlow := func(typ string) *workflow.Definition {
		return &workflow.Definition{
			ID: "wf-late-resume",
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.NodeTypeTrigger},
				{ID: "create", Type: typ},
				{ID: "approve", Type: workflow.NodeTypeApproval, Config: map[string]interface{}{"message": "Ship it?"}},
				{ID: "ship", Type: "echo", Config: map[string]interface{}{"record": "{{node_create.record_id}}", "by": "{{node_approve.approver}}"}},
			},
			Edges: []workflow.Edge{
				{Source: "start", Target: "create"},
				{Source: "create", Target: "approve"},
				{Source: "approve", Target: "ship", Label: nodes.BranchApproved},
			},
		}
	}

	tests := []struct {
		name string
		// expire simulates the pause checkpoint vanishing as well
		expire bool
	}{
		{name: "pinned pause checkpoint"},
		{name: "rebuilt from node log", expire: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var creates int32
			create := &stubProcessor{typ: "create_once", fn: func(ctx context.Context, req *nodes.Request) (*nodes.Result, error) {
				n := atomic.AddInt32(&creates, 1)
				return &nodes.Result{Output: map[string]interface{}{"record_id": n}, SideEffectsApplied: true}, nil
			}}
			cfg := workflow.DefaultRecoveryConfiguration()
			cfg.CheckpointRetention = 50 * time.Millisecond
			h := newHarness(t, Config{Recovery: cfg}, echoProcessor(), create)
			ctx := context.Background()

			id := h.start(t, approvalFlow("create_once"), nil)
			paused := h.wait(t, id)
			require.Equal(t, workflow.ExecutionPaused, paused.Status, paused.ErrorMessage)

			time.Sleep(100 * time.Millisecond)
			if tt.expire {
				checkpoints, err := h.store.ListCheckpoints(ctx, id)
				require.NoError(t, err)
				for _, cp := range checkpoints {
					require.NoError(t, h.store.SetCheckpointExpiry(ctx, cp.ID, time.Now().Add(-time.Second)))
				}
			}
			_, err := h.o.checkpoints.Purge(ctx)
			require.NoError(t, err)

			require.NoError(t, h.o.Resume(ctx, id, map[string]interface{}{"approved": true, "approver": "ops"}))
			exec := h.wait(t, id)

			require.Equal(t, workflow.ExecutionSuccess, exec.Status, exec.ErrorMessage)
			assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
			assert.Equal(t, map[string]interface{}{"record": int32(1), "by": "ops"}, exec.FinalOutput)
			assert.Equal(t, []workflow.NodeStatus{workflow.NodeSuccess}, h.logStatuses(t, id)["create"])

			checkpoints, err := h.store.ListCheckpoints(ctx, id)
			require.NoError(t, err)
			for i := 1; i < len(checkpoints); i++ {
				assert.Greater(t, checkpoints[i].Sequence, checkpoints[i-1].Sequence)
			}
		})
	}
}
