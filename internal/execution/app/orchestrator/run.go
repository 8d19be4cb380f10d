package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/expression"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/recovery"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/telemetry"
)

type nodeState int

const (
	nodeCompleted nodeState = iota + 1
	nodeSkipped
)

type nodeResult struct {
	nodeID   string
	attempt  int
	inputs   map[string]interface{}
	result   *nodes.Result
	err      error
	started  time.Time
	duration time.Duration
}

type completion struct {
	status      workflow.NodeStatus
	attempt     int
	inputs      map[string]interface{}
	output      map[string]interface{}
	branch      string
	started     time.Time
	duration    time.Duration
	sideEffects bool
}

// run is the scheduler for one segment of one execution. Its fields are owned
// by the loop goroutine; node goroutines only send on results.
type run struct {
	o        *Orchestrator
	machine  *StateMachine
	def      *workflow.Definition
	graph    *workflow.Graph
	config   workflow.RecoveryConfiguration
	policy   *recovery.Policy
	decision map[string]interface{}
	resume   *resumption
	logger   logger.Logger

	executionID string
	parentID    string
	debugStep   bool

	context   map[string]interface{}
	outputs   map[string]map[string]interface{}
	completed []string
	skipped   []string
	state     map[string]nodeState
	branches  map[string]string
	parked    map[string]string

	busy            map[string]bool
	inflight        int
	timers          map[string]clock.Timer
	held            map[string]completion
	inputs          map[string]map[string]interface{}
	attempts        map[string]int
	credit          map[string]string
	sinceCheckpoint int
	interrupted     []string

	results  chan nodeResult
	fired    chan string
	finished chan struct{}

	pauseReason string
	pausedNode  string
	failure     error
	failedNode  string
	timeout     *workflow.TimeoutError
}

func newRun(o *Orchestrator, sm *StateMachine, exec *workflow.Execution, def *workflow.Definition, cfg workflow.RecoveryConfiguration, policy *recovery.Policy, resume *resumption) *run {
	graph := workflow.BuildGraph(def)
	var decision map[string]interface{}
	if resume != nil {
		decision = resume.decision
	}
	return &run{
		o:           o,
		machine:     sm,
		def:         def,
		graph:       graph,
		config:      cfg,
		policy:      policy,
		decision:    decision,
		resume:      resume,
		logger:      o.logger.With("executionId", exec.ID, "workflowId", def.ID),
		executionID: exec.ID,
		parentID:    exec.ParentExecutionID,
		debugStep:   exec.DebugStep,
		outputs:     make(map[string]map[string]interface{}),
		state:       make(map[string]nodeState),
		branches:    make(map[string]string),
		parked:      make(map[string]string),
		busy:        make(map[string]bool),
		timers:      make(map[string]clock.Timer),
		held:        make(map[string]completion),
		inputs:      make(map[string]map[string]interface{}),
		attempts:    make(map[string]int),
		credit:      make(map[string]string),
		results:     make(chan nodeResult, len(graph.Order)+1),
		fired:       make(chan string),
		finished:    make(chan struct{}),
		timeout:     &workflow.TimeoutError{Budget: exec.Budget().String()},
	}
}

func (o *Orchestrator) runSegment(ctx context.Context, ar *activeRun, def *workflow.Definition, resume *resumption) error {
	sm := ar.machine
	exec := sm.Snapshot()
	persistCtx := context.WithoutCancel(ctx)

	segment := "run"
	if resume != nil {
		segment = "resume"
	}
	runCtx, span := o.telemetry.StartExecutionSpan(ar.ctx, def.ID, exec.ID, segment)
	defer span.End()

	cfg := o.RecoveryConfig(def)
	policy, err := o.recovery.LoadPolicy(runCtx, cfg)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("load recovery policy: %w", err)
	}

	if exec.Status == workflow.ExecutionPending {
		if err := sm.Transition(persistCtx, EventStart, nil); err != nil {
			if errors.Is(err, workflow.ErrInvalidTransition) {
				return nil
			}
			return err
		}
	}

	r := newRun(o, sm, exec, def, cfg, policy, resume)
	if err := r.restore(runCtx, exec); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("restore execution state: %w", err)
	}

	if budget := exec.Budget(); budget > 0 {
		remaining := budget - time.Duration(exec.ActiveMillis)*time.Millisecond
		if remaining <= 0 {
			ar.cancel(r.timeout)
		} else {
			timer := o.clock.AfterFunc(remaining, func() { ar.cancel(r.timeout) })
			defer timer.Stop()
		}
	}

	started := o.clock.Now()
	r.applyDecision(runCtx)
	r.loop(runCtx)
	active := exec.ActiveMillis + o.clock.Now().Sub(started).Milliseconds()

	if err := r.finish(persistCtx, runCtx, active); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// restore loads progress from the latest checkpoint. Without a usable one it
// rebuilds progress from the node log.
func (r *run) restore(ctx context.Context, exec *workflow.Execution) error {
	cp, err := r.o.checkpoints.Latest(ctx, exec.ID)
	switch {
	case err == nil && cp.Eligible(r.o.clock.Now()):
		r.context = workflow.CopyMap(cp.Context)
		for id, out := range cp.NodeOutputs {
			r.outputs[id] = workflow.CopyMap(out)
		}
		for _, id := range cp.CompletedNodes {
			r.completed = append(r.completed, id)
			r.state[id] = nodeCompleted
		}
		for _, id := range cp.SkippedNodes {
			r.skipped = append(r.skipped, id)
			r.state[id] = nodeSkipped
		}
		for id, b := range cp.Branches {
			r.branches[id] = b
		}
		for id, reason := range cp.ParkedNodes {
			r.parked[id] = reason
		}
		if r.resume != nil {
			if err := r.o.checkpoints.Unpin(ctx, cp, r.config); err != nil {
				r.logger.Warn("Failed to unpin pause checkpoint", "checkpointId", cp.ID, "error", err)
			}
		}
		r.logger.Info("Restored execution from checkpoint",
			"checkpointId", cp.ID,
			"sequence", cp.Sequence,
			"completed", len(r.completed),
		)
	case err == nil:
		r.logger.Warn("Latest checkpoint is no longer eligible, rebuilding from the node log", "checkpointId", cp.ID)
		if err := r.rebuild(ctx, exec); err != nil {
			return err
		}
	case errors.Is(err, workflow.ErrCheckpointNotFound):
		if err := r.rebuild(ctx, exec); err != nil {
			return err
		}
	default:
		return err
	}
	if r.context == nil {
		r.context = r.seed(exec)
	}
	r.reparkPausedNode()
	return nil
}

// rebuild settles every node the log shows as finished. A skip with no output
// is a dead path; a skip with output was settled by recovery and counts as completed.
func (r *run) rebuild(ctx context.Context, exec *workflow.Execution) error {
	r.context = r.seed(exec)
	entries, err := r.o.logs.List(ctx, exec.ID, logging.LogFilter{})
	if err != nil {
		return fmt.Errorf("load execution log: %w", err)
	}
	for _, entry := range entries {
		id := entry.NodeID
		if r.graph.Nodes[id] == nil || r.state[id] != 0 {
			continue
		}
		switch {
		case entry.Status == workflow.NodeSuccess, entry.Status == workflow.NodeSkipped && len(entry.Output) > 0:
			output := entry.Output
			if output == nil {
				output = map[string]interface{}{}
			}
			r.outputs[id] = workflow.CopyMap(output)
			r.context[workflow.ContextKey(id)] = workflow.CopyMap(output)
			r.state[id] = nodeCompleted
			r.completed = append(r.completed, id)
			if entry.Branch != "" {
				r.branches[id] = entry.Branch
			}
		case entry.Status == workflow.NodeSkipped:
			r.state[id] = nodeSkipped
			r.skipped = append(r.skipped, id)
		}
	}
	if len(r.completed)+len(r.skipped) > 0 {
		r.logger.Info("Rebuilt execution state from its log",
			"completed", len(r.completed),
			"skipped", len(r.skipped),
		)
	}
	return nil
}

// reparkPausedNode makes sure the node a resumed execution paused on receives
// the decision, even when the restored state predates its suspension.
func (r *run) reparkPausedNode() {
	if r.resume == nil || r.resume.nodeID == "" || r.resume.reason == workflow.PauseDebugStep {
		return
	}
	id := r.resume.nodeID
	if r.graph.Nodes[id] == nil || r.state[id] != 0 || r.parked[id] != "" {
		return
	}
	r.parked[id] = r.resume.reason
}

func (r *run) seed(exec *workflow.Execution) map[string]interface{} {
	if exec.Context != nil {
		return workflow.CopyMap(exec.Context)
	}
	return seedContext(exec, r.o.clock.Now())
}

// applyDecision settles nodes parked by the previous segment using the resume decision.
// Without a decision parked nodes simply run again.
func (r *run) applyDecision(ctx context.Context) {
	ids := make([]string, 0, len(r.parked))
	for id := range r.parked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		reason := r.parked[id]
		node := r.graph.Nodes[id]
		if node == nil || r.decision == nil {
			delete(r.parked, id)
			continue
		}
		if reason == workflow.PauseRecovery {
			if action, _ := r.decision["action"].(string); action == "skip" {
				r.complete(ctx, node, completion{
					status:  workflow.NodeSkipped,
					attempt: r.attempts[id],
					output:  map[string]interface{}{"skipped": true, "reason": "skipped on resume"},
					started: r.o.clock.Now(),
				})
				continue
			}
			delete(r.parked, id)
			continue
		}
		r.resumeNode(ctx, node)
	}
}

func (r *run) resumeNode(ctx context.Context, node *workflow.Node) {
	delete(r.parked, node.ID)
	proc, err := r.o.processors.Get(node.Type)
	if err != nil {
		r.handle(ctx, nodeResult{nodeID: node.ID, err: err, started: r.o.clock.Now()})
		return
	}
	resumer, ok := proc.(nodes.Resumer)
	if !ok {
		return
	}

	r.attempts[node.ID]++
	res := nodeResult{nodeID: node.ID, attempt: r.attempts[node.ID], started: r.o.clock.Now()}
	inputs, err := r.resolve(node, proc)
	if err != nil {
		res.err = err
		r.handle(ctx, res)
		return
	}
	res.inputs = inputs
	res.result, res.err = resumer.Resume(ctx, r.request(node, inputs, res.attempt), r.decision)
	res.duration = r.o.clock.Now().Sub(res.started)
	r.handle(ctx, res)
}

func (r *run) loop(ctx context.Context) {
	defer close(r.finished)
	done := ctx.Done()
	for {
		if r.halted(ctx) {
			if ctx.Err() != nil && r.interrupted == nil {
				r.interrupted = r.busyNodes()
			}
			r.stopTimers()
		} else {
			r.schedule(ctx)
		}
		if r.inflight == 0 && len(r.timers) == 0 {
			return
		}

		select {
		case res := <-r.results:
			r.inflight--
			delete(r.busy, res.nodeID)
			r.handle(ctx, res)
		case id := <-r.fired:
			if _, pending := r.timers[id]; !pending {
				continue
			}
			delete(r.timers, id)
			delete(r.busy, id)
			if r.halted(ctx) {
				continue
			}
			if c, ok := r.held[id]; ok {
				delete(r.held, id)
				c.duration = r.o.clock.Now().Sub(c.started)
				r.complete(ctx, r.graph.Nodes[id], c)
				continue
			}
			r.dispatch(ctx, r.graph.Nodes[id], r.inputs[id])
		case <-done:
			done = nil
			if r.interrupted == nil {
				r.interrupted = r.busyNodes()
			}
			r.stopTimers()
		}
	}
}

func (r *run) halted(ctx context.Context) bool {
	return ctx.Err() != nil || r.failure != nil || r.pauseReason != "" || r.machine.Status().IsTerminal()
}

// schedule dispatches every ready node, up to the parallelism cap. A node whose
// predecessors settled without any live incoming edge is skipped, which may in
// turn settle its successors, so the scan repeats until nothing changes.
func (r *run) schedule(ctx context.Context) {
	for progressed := true; progressed; {
		progressed = false
		for _, id := range r.graph.Order {
			if r.halted(ctx) {
				return
			}
			if r.state[id] != 0 || r.busy[id] || r.parked[id] != "" || !r.predecessorsSettled(id) {
				continue
			}
			node := r.graph.Nodes[id]
			switch {
			case !r.live(id):
				r.skip(ctx, node)
				progressed = true
			case node.Disabled:
				now := r.o.clock.Now()
				r.complete(ctx, node, completion{status: workflow.NodeSuccess, output: map[string]interface{}{}, started: now})
				progressed = true
			case r.inflight >= r.o.config.MaxParallelNodes:
				return
			default:
				r.dispatch(ctx, node, nil)
			}
		}
	}
}

func (r *run) predecessorsSettled(id string) bool {
	for _, p := range r.graph.Predecessors[id] {
		if r.state[p] == 0 {
			return false
		}
	}
	return true
}

// live reports whether any completed predecessor activated an edge into id.
func (r *run) live(id string) bool {
	incoming := r.graph.Incoming[id]
	if len(incoming) == 0 {
		return true
	}
	for _, e := range incoming {
		if r.state[e.Source] == nodeCompleted && workflow.EdgeLive(e, r.branches[e.Source]) {
			return true
		}
	}
	return false
}

// dispatch starts node on its own goroutine. inputs, when set, are the resolved
// config of an earlier attempt.
func (r *run) dispatch(ctx context.Context, node *workflow.Node, inputs map[string]interface{}) {
	r.attempts[node.ID]++
	attempt := r.attempts[node.ID]
	started := r.o.clock.Now()

	proc, err := r.o.processors.Get(node.Type)
	if err != nil {
		r.handle(ctx, nodeResult{nodeID: node.ID, attempt: attempt, err: err, started: started})
		return
	}
	if inputs == nil {
		inputs, err = r.resolve(node, proc)
		if err != nil {
			r.handle(ctx, nodeResult{nodeID: node.ID, attempt: attempt, err: err, started: started})
			return
		}
	}

	r.inputs[node.ID] = inputs
	r.busy[node.ID] = true
	r.inflight++
	r.publishNode(ctx, events.NodeStarted, node, attempt, nil)

	req := r.request(node, inputs, attempt)
	go r.execute(ctx, proc, req, workflow.CopyMap(inputs))
}

func (r *run) execute(ctx context.Context, proc nodes.Processor, req *nodes.Request, inputs map[string]interface{}) {
	res := nodeResult{nodeID: req.Node.ID, attempt: req.Attempt, inputs: inputs, started: r.o.clock.Now()}
	ctx, span := r.o.telemetry.StartNodeSpan(ctx, req.ExecutionID, req.Node.ID, req.Node.Type, req.Attempt)
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("node processor panicked: %v", p)
		}
		res.duration = r.o.clock.Now().Sub(res.started)
		if res.err != nil {
			telemetry.RecordError(span, res.err)
		}
		span.End()
		r.results <- res
	}()
	res.result, res.err = proc.Execute(ctx, req)
}

func (r *run) request(node *workflow.Node, inputs map[string]interface{}, attempt int) *nodes.Request {
	return &nodes.Request{
		ExecutionID: r.executionID,
		Node:        *node,
		Config:      workflow.CopyMap(inputs),
		Context:     workflow.CopyMap(r.context),
		Attempt:     attempt,
		Runner:      r.o,
	}
}

func (r *run) resolve(node *workflow.Node, proc nodes.Processor) (map[string]interface{}, error) {
	var raw []string
	if rk, ok := proc.(nodes.RawConfigKeys); ok {
		raw = rk.RawKeys()
	}
	return expression.ResolveExcept(node.Config, r.context, raw...)
}

// handle applies a finished attempt. Results arriving after cancellation or a
// timeout are discarded.
func (r *run) handle(ctx context.Context, res nodeResult) {
	node := r.graph.Nodes[res.nodeID]
	if ctx.Err() != nil || r.machine.Status().IsTerminal() {
		r.logger.Debug("Discarding node result", "nodeId", res.nodeID, "attempt", res.attempt)
		return
	}
	if res.err != nil {
		r.handleFailure(ctx, node, res)
		return
	}

	result := res.result
	if result == nil {
		result = &nodes.Result{}
	}
	if result.Suspend != nil {
		r.park(node, result.Suspend.Reason)
		return
	}
	c := completion{
		status:      workflow.NodeSuccess,
		attempt:     res.attempt,
		inputs:      res.inputs,
		output:      result.Output,
		branch:      result.Branch,
		started:     res.started,
		duration:    res.duration,
		sideEffects: result.SideEffectsApplied,
	}
	if !result.WaitUntil.IsZero() {
		if delay := result.WaitUntil.Sub(r.o.clock.Now()); delay > 0 {
			r.hold(node.ID, delay, c)
			return
		}
	}
	r.complete(ctx, node, c)
}

// hold settles a finished node only once delay has passed. A held node keeps
// its successors waiting but does not count against the parallelism cap.
func (r *run) hold(id string, delay time.Duration, c completion) {
	r.held[id] = c
	r.busy[id] = true
	r.after(id, delay)
	r.logger.Debug("Holding node", "nodeId", id, "delay", delay)
}

// after sends id on fired once delay passes, unless the loop has finished.
func (r *run) after(id string, delay time.Duration) {
	r.timers[id] = r.o.clock.AfterFunc(delay, func() {
		select {
		case r.fired <- id:
		case <-r.finished:
		}
	})
}

func (r *run) complete(ctx context.Context, node *workflow.Node, c completion) {
	id := node.ID
	output := c.output
	if output == nil {
		output = map[string]interface{}{}
	}
	r.outputs[id] = workflow.CopyMap(output)
	r.context[workflow.ContextKey(id)] = workflow.CopyMap(output)
	r.state[id] = nodeCompleted
	r.completed = append(r.completed, id)
	if c.branch != "" {
		r.branches[id] = c.branch
	}
	delete(r.parked, id)

	c.output = output
	r.record(ctx, node, c, "")
	metrics.RecordNodeExecution(node.Type, string(c.status), c.duration.Seconds())
	r.publishNode(ctx, events.NodeCompleted, node, c.attempt, map[string]interface{}{
		"status": string(c.status),
		"branch": c.branch,
	})

	if strategyID, ok := r.credit[id]; ok {
		delete(r.credit, id)
		if c.status == workflow.NodeSuccess {
			r.o.recovery.RecordRetrySuccess(ctx, strategyID)
		}
	}

	r.sinceCheckpoint++
	if typ, ok := checkpoint.ShouldCheckpoint(r.config, r.sinceCheckpoint, node.Milestone); ok {
		r.checkpoint(ctx, typ, id)
	}

	if r.debugStep && r.pauseReason == "" {
		r.pauseReason = workflow.PauseDebugStep
		r.pausedNode = id
	}
}

func (r *run) skip(ctx context.Context, node *workflow.Node) {
	r.state[node.ID] = nodeSkipped
	r.skipped = append(r.skipped, node.ID)
	now := r.o.clock.Now()
	r.record(ctx, node, completion{status: workflow.NodeSkipped, started: now}, "")
	metrics.RecordNodeExecution(node.Type, string(workflow.NodeSkipped), 0)
	r.publishNode(ctx, events.NodeSkipped, node, 0, nil)
}

func (r *run) park(node *workflow.Node, reason string) {
	if reason == "" {
		reason = workflow.PauseApproval
	}
	r.parked[node.ID] = reason
	if r.pauseReason == "" {
		r.pauseReason = reason
		r.pausedNode = node.ID
	}
	r.logger.Info("Node suspended execution", "nodeId", node.ID, "reason", reason)
}

func (r *run) handleFailure(ctx context.Context, node *workflow.Node, res nodeResult) {
	err := classify(node, res.err)
	var nodeErr *workflow.NodeExecutionError
	sideEffects := errors.As(err, &nodeErr) && nodeErr.SideEffectsApplied

	r.record(ctx, node, completion{
		status:      workflow.NodeFailed,
		attempt:     res.attempt,
		inputs:      res.inputs,
		started:     res.started,
		duration:    res.duration,
		sideEffects: sideEffects,
	}, err.Error())
	metrics.RecordNodeExecution(node.Type, string(workflow.NodeFailed), res.duration.Seconds())
	r.publishNode(ctx, events.NodeFailed, node, res.attempt, map[string]interface{}{"error": err.Error()})
	r.logger.Warn("Node failed", "nodeId", node.ID, "nodeType", node.Type, "attempt", res.attempt, "error", err)

	decision, derr := r.o.recovery.Decide(ctx, r.policy, recovery.Failure{
		ExecutionID:        r.executionID,
		NodeID:             node.ID,
		NodeType:           node.Type,
		Err:                err,
		SideEffectsApplied: sideEffects,
		Duration:           res.duration,
	})
	if derr != nil {
		r.logger.Error("Recovery decision failed", "nodeId", node.ID, "error", derr)
		decision = recovery.Decision{Action: workflow.ActionFailWorkflow, Err: err}
	}

	switch decision.Action {
	case workflow.ActionRetryNode:
		if decision.Strategy != nil {
			r.credit[node.ID] = decision.Strategy.ID
		}
		if err := r.machine.Update(ctx, func(e *workflow.Execution) { e.RetryCount++ }); err != nil {
			r.logger.Warn("Failed to persist retry count", "nodeId", node.ID, "error", err)
		}
		r.busy[node.ID] = true
		r.after(node.ID, decision.Delay)
	case workflow.ActionSkipNode:
		r.complete(ctx, node, completion{
			status:   workflow.NodeSkipped,
			attempt:  res.attempt,
			inputs:   res.inputs,
			output:   map[string]interface{}{"skipped": true, "error": err.Error()},
			started:  r.o.clock.Now(),
			duration: 0,
		})
	case workflow.ActionPauseForApproval:
		r.park(node, workflow.PauseRecovery)
	default:
		if r.failure == nil {
			r.failure = decision.Err
			if r.failure == nil {
				r.failure = err
			}
			r.failedNode = node.ID
		}
	}
}

// classify wraps a processor error as a NodeExecutionError. Reference errors keep their type.
func classify(node *workflow.Node, err error) error {
	var unresolved *workflow.UnresolvedReferenceError
	if errors.As(err, &unresolved) {
		return err
	}
	var nodeErr *workflow.NodeExecutionError
	if errors.As(err, &nodeErr) {
		if nodeErr.NodeID == "" {
			nodeErr.NodeID = node.ID
			nodeErr.NodeType = node.Type
		}
		return nodeErr
	}
	return &workflow.NodeExecutionError{NodeID: node.ID, NodeType: node.Type, Err: err}
}

func (r *run) finish(ctx, runCtx context.Context, active int64) error {
	update := func(e *workflow.Execution) {
		e.ActiveMillis = active
		e.Context = workflow.CopyMap(r.context)
	}

	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, r.timeout):
			r.failedNode = first(r.interrupted)
			r.failure = r.timeoutFailure(ctx)
			return r.fail(ctx, update)
		case r.machine.Status().IsTerminal():
			return nil
		case errors.Is(cause, errCancelled) || r.parentID != "":
			return r.settle(r.machine.Transition(ctx, EventCancel, update))
		default:
			if r.sinceCheckpoint > 0 {
				r.checkpoint(ctx, workflow.CheckpointPeriodic, last(r.completed))
			}
			if err := r.machine.Update(ctx, update); err != nil {
				r.logger.Warn("Failed to persist interrupted execution", "error", err)
			}
			r.logger.Warn("Execution interrupted, it will resume from its latest checkpoint", "cause", cause)
			return cause
		}
	}

	switch {
	case r.failure != nil:
		return r.fail(ctx, update)
	case r.pauseReason != "" && r.remaining() > 0:
		return r.pause(ctx, update)
	default:
		return r.succeed(ctx, update)
	}
}

func (r *run) timeoutFailure(ctx context.Context) error {
	decision, err := r.o.recovery.Decide(ctx, r.policy, recovery.Failure{
		ExecutionID: r.executionID,
		NodeID:      r.failedNode,
		Err:         r.timeout,
	})
	if err != nil || decision.Err == nil {
		return r.timeout
	}
	return decision.Err
}

func (r *run) fail(ctx context.Context, update func(*workflow.Execution)) error {
	r.checkpoint(ctx, workflow.CheckpointPreFailure, r.failedNode)
	err := r.failure
	r.logger.Error("Execution failed", "nodeId", r.failedNode, "errorCode", workflow.ErrorCode(err), "error", err)
	return r.settle(r.machine.Transition(ctx, EventFail, func(e *workflow.Execution) {
		update(e)
		e.ErrorMessage = failureMessage(err)
		e.ErrorCode = workflow.ErrorCode(err)
		e.FailedNodeID = r.failedNode
	}))
}

// failureMessage keeps the original node error verbatim when recovery gave up on it.
func failureMessage(err error) string {
	var exhausted *workflow.RecoveryExhaustedError
	if errors.As(err, &exhausted) && exhausted.Err != nil {
		return exhausted.Err.Error()
	}
	return err.Error()
}

// pause pins its checkpoint so the execution can resume however long it waits.
func (r *run) pause(ctx context.Context, update func(*workflow.Execution)) error {
	r.saveCheckpoint(ctx, workflow.CheckpointMilestone, r.pausedNode, true)
	return r.settle(r.machine.Transition(ctx, EventPause, func(e *workflow.Execution) {
		update(e)
		e.PauseReason = r.pauseReason
		e.PausedNodeID = r.pausedNode
	}))
}

func (r *run) succeed(ctx context.Context, update func(*workflow.Execution)) error {
	final := r.finalOutput()
	return r.settle(r.machine.Transition(ctx, EventComplete, func(e *workflow.Execution) {
		update(e)
		e.FinalOutput = final
	}))
}

// settle swallows a lost race against Cancel: the execution is already terminal.
func (r *run) settle(err error) error {
	if errors.Is(err, workflow.ErrInvalidTransition) {
		r.logger.Debug("Execution settled elsewhere", "status", r.machine.Status())
		return nil
	}
	return err
}

// finalOutput is the designated output node's output, else the last completed node's.
func (r *run) finalOutput() map[string]interface{} {
	if id := r.def.OutputNodeID; id != "" {
		if out, ok := r.outputs[id]; ok {
			return workflow.CopyMap(out)
		}
	}
	for i := len(r.completed) - 1; i >= 0; i-- {
		if out, ok := r.outputs[r.completed[i]]; ok {
			return workflow.CopyMap(out)
		}
	}
	return map[string]interface{}{}
}

func (r *run) remaining() int {
	n := 0
	for _, id := range r.graph.Order {
		if r.state[id] == 0 {
			n++
		}
	}
	return n
}

func (r *run) checkpoint(ctx context.Context, typ workflow.CheckpointType, nodeID string) {
	r.saveCheckpoint(ctx, typ, nodeID, false)
}

func (r *run) saveCheckpoint(ctx context.Context, typ workflow.CheckpointType, nodeID string, pinned bool) {
	if r.machine.Status().IsTerminal() {
		return
	}
	_, err := r.o.checkpoints.Save(ctx, r.executionID, typ, checkpoint.State{
		NodeID:         nodeID,
		Context:        r.context,
		NodeOutputs:    r.outputs,
		CompletedNodes: r.completed,
		SkippedNodes:   r.skipped,
		Branches:       r.branches,
		ParkedNodes:    r.parked,
		Pinned:         pinned,
	}, r.config)
	if err != nil {
		r.logger.Error("Failed to save checkpoint", "type", typ, "nodeId", nodeID, "error", err)
		return
	}
	r.sinceCheckpoint = 0
}

func (r *run) record(ctx context.Context, node *workflow.Node, c completion, errMsg string) {
	entry := &workflow.ExecutionLog{
		ExecutionID:        r.executionID,
		NodeID:             node.ID,
		NodeType:           node.Type,
		NodeName:           node.DisplayName(),
		Status:             c.status,
		Attempt:            c.attempt,
		Input:              workflow.CopyMap(c.inputs),
		Output:             workflow.CopyMap(c.output),
		Branch:             c.branch,
		Error:              errMsg,
		SideEffectsApplied: c.sideEffects,
		StartedAt:          c.started,
		DurationMillis:     c.duration.Milliseconds(),
	}
	if err := r.o.logs.Record(ctx, entry); err != nil {
		r.logger.Error("Failed to record node log", "nodeId", node.ID, "status", c.status, "error", err)
	}
}

func (r *run) publishNode(ctx context.Context, eventType string, node *workflow.Node, attempt int, extra map[string]interface{}) {
	b := events.NewEventBuilder(eventType).
		WithAggregateID(r.executionID).
		WithAggregateType("execution").
		WithPayload("nodeId", node.ID).
		WithPayload("nodeType", node.Type).
		WithPayload("attempt", attempt)
	for k, v := range extra {
		b.WithPayload(k, v)
	}
	if err := r.o.eventBus.Publish(ctx, b.Build()); err != nil {
		r.logger.Warn("Failed to publish node event", "type", eventType, "nodeId", node.ID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func (r *run) busyNodes() []string {
	out := make([]string, 0, len(r.busy))
	for id := range r.busy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stopTimers drops pending retries and held nodes. Both run again when the
// execution next resumes.
func (r *run) stopTimers() {
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
		delete(r.busy, id)
		delete(r.held, id)
	}
}

func first(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func last(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}
