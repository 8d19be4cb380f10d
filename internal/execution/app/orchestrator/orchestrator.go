// Package orchestrator drives workflow executions through their graph: it
// schedules ready nodes, hands failures to recovery, writes checkpoints and
// moves each execution through its state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/checkpoint"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/logging"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/recovery"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/telemetry"
)

const (
	defaultMaxParallelNodes = 4
	defaultLeaseTTL         = 30 * time.Second
	requeueDelay            = time.Second
)

var (
	errCancelled = errors.New("execution cancelled")
	errLeaseLost = errors.New("execution lease lost to another instance")
)

// Processors is the registry view the orchestrator needs.
type Processors interface {
	workflow.NodeTypes
	Get(nodeType string) (nodes.Processor, error)
}

// Dispatcher hands execution segments to the worker pool.
type Dispatcher interface {
	Submit(ctx context.Context, task *queue.Task) error
	SubmitAfter(ctx context.Context, delay time.Duration, task *queue.Task)
}

// SettleHook observes an execution that stopped being driven: paused or terminal.
type SettleHook func(ctx context.Context, exec *workflow.Execution)

type Config struct {
	MaxParallelNodes      int
	DefaultTimeoutMinutes int
	// LeaseTTL bounds how long a crashed instance keeps its executions.
	LeaseTTL time.Duration
	// Recovery applies to definitions that carry no configuration of their own.
	Recovery workflow.RecoveryConfiguration
}

type Dependencies struct {
	Store       ports.Store
	Processors  Processors
	Checkpoints *checkpoint.Manager
	Recovery    *recovery.Manager
	Logs        *logging.Recorder
	EventBus    events.EventBus
	Telemetry   *telemetry.Telemetry
	Clock       clock.Clock
	Logger      logger.Logger
	// Leaser is nil for a single instance, which owns every execution.
	Leaser ports.Leaser
}

// ExecutionOptions tune a new execution record.
type ExecutionOptions struct {
	ParentExecutionID string
	ReplaySessionID   string
	DebugStep         bool
	TimeoutMillis     int64
	// Context replaces the seeded execution context when set.
	Context map[string]interface{}
}

type Orchestrator struct {
	store       ports.Store
	processors  Processors
	validator   *workflow.Validator
	checkpoints *checkpoint.Manager
	recovery    *recovery.Manager
	logs        *logging.Recorder
	eventBus    events.EventBus
	telemetry   *telemetry.Telemetry
	leaser      ports.Leaser
	clock       clock.Clock
	logger      logger.Logger
	config      Config

	mu         sync.Mutex
	active     map[string]*activeRun
	decisions  map[string]*resumption
	waiters    map[string][]chan struct{}
	hooks      []SettleHook
	dispatcher Dispatcher
}

// resumption is a resume decision together with the node the execution paused on.
type resumption struct {
	decision map[string]interface{}
	nodeID   string
	reason   string
}

// activeRun is an execution currently driven by this process.
type activeRun struct {
	machine *StateMachine
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	leased  bool
}

func New(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNop()
	}
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = defaultMaxParallelNodes
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Orchestrator{
		store:       deps.Store,
		processors:  deps.Processors,
		validator:   workflow.NewValidator(deps.Processors),
		checkpoints: deps.Checkpoints,
		recovery:    deps.Recovery,
		logs:        deps.Logs,
		eventBus:    deps.EventBus,
		telemetry:   deps.Telemetry,
		leaser:      deps.Leaser,
		clock:       deps.Clock,
		logger:      deps.Logger.Named("orchestrator"),
		config:      cfg,
		active:      make(map[string]*activeRun),
		decisions:   make(map[string]*resumption),
		waiters:     make(map[string][]chan struct{}),
	}
}

func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatcher = d
}

func (o *Orchestrator) OnSettled(hook SettleHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, hook)
}

// RecoveryConfig returns the policy that governs executions of def.
func (o *Orchestrator) RecoveryConfig(def *workflow.Definition) workflow.RecoveryConfiguration {
	if def != nil && def.Recovery != nil {
		return *def.Recovery
	}
	return o.config.Recovery
}

// Create stores a PENDING execution of def. It does not start it.
func (o *Orchestrator) Create(ctx context.Context, def *workflow.Definition, trigger map[string]interface{}, opts ExecutionOptions) (*workflow.Execution, error) {
	now := o.clock.Now()
	if trigger == nil {
		trigger = map[string]interface{}{}
	}
	exec := &workflow.Execution{
		ID:                uuid.New().String(),
		DefinitionID:      def.ID,
		Status:            workflow.ExecutionPending,
		TriggerData:       workflow.CopyMap(trigger),
		TimeoutMinutes:    def.TimeoutMinutes,
		TimeoutMillis:     opts.TimeoutMillis,
		DebugStep:         opts.DebugStep,
		ParentExecutionID: opts.ParentExecutionID,
		ReplaySessionID:   opts.ReplaySessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exec.TimeoutMinutes == 0 && opts.ParentExecutionID == "" {
		exec.TimeoutMinutes = o.config.DefaultTimeoutMinutes
	}
	if opts.Context != nil {
		exec.Context = workflow.CopyMap(opts.Context)
		exec.Context[workflow.ContextExecutionID] = exec.ID
	} else {
		exec.Context = seedContext(exec, now)
	}

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec.Clone(), nil
}

func seedContext(exec *workflow.Execution, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		workflow.ContextTriggerData: workflow.CopyMap(exec.TriggerData),
		workflow.ContextTimestamp:   now.Format(time.RFC3339Nano),
		workflow.ContextExecutionID: exec.ID,
	}
}

// Launch queues a segment of the execution on the worker pool. A full queue
// retries the submission later instead of dropping it.
func (o *Orchestrator) Launch(ctx context.Context, executionID string, kind queue.TaskKind) error {
	o.mu.Lock()
	d := o.dispatcher
	o.mu.Unlock()
	if d == nil {
		return errors.New("orchestrator has no dispatcher")
	}

	task := &queue.Task{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Kind:        kind,
	}
	err := d.Submit(ctx, task)
	if errors.Is(err, queue.ErrQueueFull) {
		o.logger.Warn("Dispatch queue full, requeueing", "executionId", executionID, "kind", kind)
		d.SubmitAfter(context.WithoutCancel(ctx), requeueDelay, task)
		return nil
	}
	return err
}

// Execute drives one segment of an execution. It is the worker pool's executor.
func (o *Orchestrator) Execute(ctx context.Context, task *queue.Task) error {
	o.mu.Lock()
	if _, running := o.active[task.ExecutionID]; running {
		o.mu.Unlock()
		o.logger.Warn("Execution already driven, dropping task", "executionId", task.ExecutionID, "taskId", task.ID)
		return nil
	}
	exec, err := o.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.IsSettled() {
		o.mu.Unlock()
		o.logger.Debug("Execution not runnable, dropping task", "executionId", exec.ID, "status", exec.Status)
		return nil
	}
	owned, err := o.acquireLease(ctx, exec.ID)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("acquire execution lease: %w", err)
	}
	if !owned {
		o.mu.Unlock()
		o.logger.Info("Execution driven by another instance, dropping task", "executionId", exec.ID, "taskId", task.ID)
		return nil
	}

	sm := NewStateMachine(exec, o.store, o.eventBus, o.clock, o.logger)
	def, err := o.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		o.mu.Unlock()
		o.releaseLease(ctx, exec.ID)
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			failErr := sm.Transition(ctx, EventFail, func(e *workflow.Execution) {
				e.ErrorMessage = err.Error()
				e.ErrorCode = workflow.ErrorCodeNodeFailed
			})
			o.mu.Lock()
			waiters := o.takeWaiters(exec.ID)
			o.mu.Unlock()
			o.settled(ctx, sm.Snapshot(), waiters)
			return failErr
		}
		return fmt.Errorf("load definition: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ar := &activeRun{machine: sm, ctx: runCtx, cancel: cancel, done: make(chan struct{}), leased: o.leaser != nil}
	o.active[exec.ID] = ar
	resume := o.decisions[exec.ID]
	delete(o.decisions, exec.ID)
	o.mu.Unlock()
	defer o.release(ctx, exec.ID, ar)
	if ar.leased {
		go o.keepLease(ar, exec.ID)
	}

	o.logger.Info("Driving execution", "executionId", exec.ID, "workflowId", def.ID, "kind", task.Kind)
	return o.runSegment(ctx, ar, def, resume)
}

// Resume delivers a decision to a PAUSED execution and queues it to continue.
func (o *Orchestrator) Resume(ctx context.Context, executionID string, decision map[string]interface{}) error {
	o.mu.Lock()
	if _, running := o.active[executionID]; running {
		o.mu.Unlock()
		return fmt.Errorf("%w: execution %s is running", workflow.ErrInvalidTransition, executionID)
	}
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	resume := &resumption{nodeID: exec.PausedNodeID, reason: exec.PauseReason}
	sm := NewStateMachine(exec, o.store, o.eventBus, o.clock, o.logger)
	if err := sm.Transition(ctx, EventResume, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	if decision == nil {
		decision = map[string]interface{}{}
	}
	resume.decision = workflow.CopyMap(decision)
	o.decisions[executionID] = resume
	o.mu.Unlock()

	return o.Launch(ctx, executionID, queue.TaskResume)
}

// Cancel stops an execution. Dispatching stops at once; in-flight node output is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	ar, running := o.active[executionID]
	if running {
		o.mu.Unlock()
		if err := ar.machine.Transition(ctx, EventCancel, nil); err != nil {
			return err
		}
		ar.cancel(errCancelled)
		select {
		case <-ar.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	sm := NewStateMachine(exec, o.store, o.eventBus, o.clock, o.logger)
	if err := sm.Transition(ctx, EventCancel, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	delete(o.decisions, executionID)
	waiters := o.takeWaiters(executionID)
	o.mu.Unlock()

	o.settled(ctx, sm.Snapshot(), waiters)
	return nil
}

// Wait blocks until the execution is paused or terminal and returns it.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*workflow.Execution, error) {
	for {
		ch := make(chan struct{})
		o.mu.Lock()
		o.waiters[executionID] = append(o.waiters[executionID], ch)
		o.mu.Unlock()

		exec, err := o.store.GetExecution(ctx, executionID)
		if err != nil {
			o.dropWaiter(executionID, ch)
			return nil, err
		}
		if exec.Status.IsSettled() {
			o.dropWaiter(executionID, ch)
			return exec, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			o.dropWaiter(executionID, ch)
			return nil, ctx.Err()
		}
	}
}

// RunSubworkflow runs def as a child execution inside the caller's goroutine and
// returns its final output.
func (o *Orchestrator) RunSubworkflow(ctx context.Context, parentExecutionID string, def *workflow.Definition, trigger map[string]interface{}) (map[string]interface{}, error) {
	if result := o.validator.Validate(def); !result.Valid {
		return nil, result.Err()
	}
	child, err := o.childDefinition(ctx, parentExecutionID, def)
	if err != nil {
		return nil, err
	}

	exec, err := o.Create(ctx, child, trigger, ExecutionOptions{ParentExecutionID: parentExecutionID})
	if err != nil {
		return nil, err
	}

	sm := NewStateMachine(exec, o.store, o.eventBus, o.clock, o.logger)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ar := &activeRun{machine: sm, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.active[exec.ID] = ar
	o.mu.Unlock()
	defer o.release(ctx, exec.ID, ar)

	if err := o.runSegment(ctx, ar, child, nil); err != nil {
		return nil, err
	}

	final := sm.Snapshot()
	switch final.Status {
	case workflow.ExecutionSuccess:
		return final.FinalOutput, nil
	case workflow.ExecutionFailed:
		return nil, fmt.Errorf("sub-workflow execution %s failed at node %s: %s", final.ID, final.FailedNodeID, final.ErrorMessage)
	case workflow.ExecutionPaused:
		if err := sm.Transition(context.WithoutCancel(ctx), EventCancel, nil); err != nil {
			o.logger.Warn("Failed to cancel paused sub-workflow", "executionId", final.ID, "error", err)
		}
		return nil, fmt.Errorf("sub-workflow execution %s paused for %s; suspension is not supported inside for_each", final.ID, final.PauseReason)
	default:
		return nil, fmt.Errorf("sub-workflow execution %s ended %s", final.ID, final.Status)
	}
}

// childDefinition stores def once per parent execution and node. Every item of
// a for_each shares the stored copy.
func (o *Orchestrator) childDefinition(ctx context.Context, parentExecutionID string, def *workflow.Definition) (*workflow.Definition, error) {
	id := parentExecutionID + ":" + def.ID
	stored, err := o.store.GetDefinition(ctx, id)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, workflow.ErrDefinitionNotFound) {
		return nil, fmt.Errorf("load sub-workflow definition: %w", err)
	}

	child := *def
	child.ID = id
	child.CreatedAt = o.clock.Now()
	if err := o.store.SaveDefinition(ctx, &child); err != nil {
		return nil, fmt.Errorf("save sub-workflow definition: %w", err)
	}
	return &child, nil
}

// IsRunning reports whether this process is driving the execution.
func (o *Orchestrator) IsRunning(executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[executionID]
	return ok
}

// Shutdown cancels every driven execution's context. The executions stay RUNNING
// and are picked up from their latest checkpoint on the next start.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runs := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		runs = append(runs, ar)
	}
	o.mu.Unlock()

	for _, ar := range runs {
		ar.cancel(context.Canceled)
	}
	for _, ar := range runs {
		<-ar.done
	}
}

func (o *Orchestrator) release(ctx context.Context, executionID string, ar *activeRun) {
	o.mu.Lock()
	if o.active[executionID] == ar {
		delete(o.active, executionID)
	}
	waiters := o.takeWaiters(executionID)
	o.mu.Unlock()

	close(ar.done)
	if ar.leased {
		o.releaseLease(ctx, executionID)
	}
	o.settled(context.WithoutCancel(ctx), ar.machine.Snapshot(), waiters)
}

// acquireLease claims the right to drive the execution. Without a leaser this
// process owns every execution.
func (o *Orchestrator) acquireLease(ctx context.Context, executionID string) (bool, error) {
	if o.leaser == nil {
		return true, nil
	}
	return o.leaser.Acquire(ctx, executionID, o.config.LeaseTTL)
}

func (o *Orchestrator) releaseLease(ctx context.Context, executionID string) {
	if o.leaser == nil {
		return
	}
	if err := o.leaser.Release(context.WithoutCancel(ctx), executionID); err != nil {
		o.logger.Warn("Failed to release execution lease", "executionId", executionID, "error", err)
	}
}

// keepLease renews the lease every third of its TTL until the run ends. A lost
// lease interrupts the run; the new owner resumes it from its latest checkpoint.
func (o *Orchestrator) keepLease(ar *activeRun, executionID string) {
	interval := o.config.LeaseTTL / 3
	ctx := context.WithoutCancel(ar.ctx)
	for {
		select {
		case <-ar.done:
			return
		case <-o.clock.After(interval):
		}
		held, err := o.leaser.Renew(ctx, executionID, o.config.LeaseTTL)
		switch {
		case err != nil:
			o.logger.Warn("Failed to renew execution lease", "executionId", executionID, "error", err)
		case !held:
			o.logger.Warn("Execution lease lost, interrupting run", "executionId", executionID)
			ar.cancel(errLeaseLost)
			return
		}
	}
}

// LeaseHeld reports whether any instance currently drives the execution.
func (o *Orchestrator) LeaseHeld(ctx context.Context, executionID string) (bool, error) {
	if o.leaser == nil {
		return false, nil
	}
	return o.leaser.Held(ctx, executionID)
}

func (o *Orchestrator) settled(ctx context.Context, exec *workflow.Execution, waiters []chan struct{}) {
	if exec.Status.IsSettled() {
		o.mu.Lock()
		hooks := append([]SettleHook(nil), o.hooks...)
		o.mu.Unlock()
		for _, hook := range hooks {
			hook(ctx, exec)
		}
	}
	if exec.Status.IsTerminal() {
		o.logs.Close(exec.ID)
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// takeWaiters must be called with o.mu held.
func (o *Orchestrator) takeWaiters(executionID string) []chan struct{} {
	waiters := o.waiters[executionID]
	delete(o.waiters, executionID)
	return waiters
}

func (o *Orchestrator) dropWaiter(executionID string, ch chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[executionID]
	for i, c := range list {
		if c == ch {
			o.waiters[executionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(o.waiters[executionID]) == 0 {
		delete(o.waiters, executionID)
	}
}
