// Package recovery decides what happens to an execution after a node fails.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

// Manager matches failures against recovery strategies and records every attempt.
type Manager struct {
	store    ports.RecoveryRepository
	eventBus events.EventBus
	clock    clock.Clock
	logger   logger.Logger
}

// Failure describes one failed node attempt.
type Failure struct {
	ExecutionID        string
	NodeID             string
	NodeType           string
	Err                error
	SideEffectsApplied bool
	Duration           time.Duration
}

// Decision is what the orchestrator must do with the failed node.
type Decision struct {
	Action   workflow.RecoveryAction
	Delay    time.Duration
	Attempt  int
	Strategy *workflow.RecoveryStrategy
	// Err is the failure to store when Action is fail_workflow.
	Err error
}

func NewManager(store ports.RecoveryRepository, eventBus events.EventBus, clk clock.Clock, log logger.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:    store,
		eventBus: eventBus,
		clock:    clk,
		logger:   log,
	}
}

// RegisterStrategy validates and stores a strategy, assigning an id when missing.
func (m *Manager) RegisterStrategy(ctx context.Context, s *workflow.RecoveryStrategy) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrInvalidStrategy, err)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.clock.Now()
	}
	if err := m.store.SaveStrategy(ctx, s); err != nil {
		return fmt.Errorf("save recovery strategy: %w", err)
	}

	m.logger.Info("Registered recovery strategy",
		"strategyId", s.ID,
		"name", s.Name,
		"nodeType", s.NodeType,
		"priority", s.Priority,
	)
	m.publish(ctx, events.NewEventBuilder(events.StrategyRegistered).
		WithAggregateID(s.ID).
		WithAggregateType("recovery_strategy").
		WithPayload("name", s.Name).
		WithPayload("nodeType", s.NodeType).
		Build())
	return nil
}

func (m *Manager) ListStrategies(ctx context.Context) ([]workflow.RecoveryStrategy, error) {
	return m.store.ListStrategies(ctx)
}

// Policy is the recovery input captured once at the start of an execution segment.
type Policy struct {
	Config     workflow.RecoveryConfiguration
	Strategies []workflow.RecoveryStrategy
}

// LoadPolicy snapshots the strategies in selection order: lowest priority number,
// then most recently created, then id.
func (m *Manager) LoadPolicy(ctx context.Context, cfg workflow.RecoveryConfiguration) (*Policy, error) {
	strategies, err := m.store.ListStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recovery strategies: %w", err)
	}
	valid := strategies[:0]
	for i := range strategies {
		if err := strategies[i].Validate(); err != nil {
			m.logger.Warn("Ignoring invalid recovery strategy", "strategyId", strategies[i].ID, "error", err)
			continue
		}
		valid = append(valid, strategies[i])
	}
	return &Policy{Config: cfg, Strategies: valid}, nil
}

// Select returns the first matching strategy, or nil.
func (p *Policy) Select(nodeType, errMessage string) *workflow.RecoveryStrategy {
	for i := range p.Strategies {
		if p.Strategies[i].Matches(nodeType, errMessage) {
			return &p.Strategies[i]
		}
	}
	return nil
}

// MaxRetries caps the strategy's retries by the configuration's MaxRecoveryAttempts.
func (p *Policy) MaxRetries(s *workflow.RecoveryStrategy) int {
	max := s.MaxRetryAttempts
	if p.Config.MaxRecoveryAttempts > 0 && max > p.Config.MaxRecoveryAttempts {
		max = p.Config.MaxRecoveryAttempts
	}
	return max
}

// Decide picks the action for a failed node and records it.
// A retry schedules the node again after Delay. Terminal failures write no recovery row.
func (m *Manager) Decide(ctx context.Context, policy *Policy, f Failure) (Decision, error) {
	message := f.Err.Error()

	var timeout *workflow.TimeoutError
	if errors.As(f.Err, &timeout) || !policy.Config.AutoRecovery {
		return Decision{Action: workflow.ActionFailWorkflow, Err: f.Err}, nil
	}

	strategy := policy.Select(f.NodeType, message)
	if strategy == nil {
		return Decision{Action: workflow.ActionFailWorkflow, Err: f.Err}, nil
	}

	retries, total, err := m.store.RecoveryAttempts(ctx, f.ExecutionID, f.NodeID)
	if err != nil {
		return Decision{}, fmt.Errorf("count recovery attempts: %w", err)
	}

	if strategy.Retries() && retries < policy.MaxRetries(strategy) {
		delay := resilience.ExponentialDelay(strategy.BaseDelay, strategy.BackoffMultiplier, retries, 0)
		decision := Decision{
			Action:   workflow.ActionRetryNode,
			Delay:    delay,
			Attempt:  total + 1,
			Strategy: strategy,
		}
		if err := m.record(ctx, f, decision, workflow.RecoveryRetrying, false); err != nil {
			return Decision{}, err
		}
		m.logger.Info("Retrying failed node",
			"executionId", f.ExecutionID,
			"nodeId", f.NodeID,
			"strategyId", strategy.ID,
			"attempt", retries+1,
			"delay", delay,
		)
		return decision, nil
	}

	switch action := strategy.TerminalAction(); action {
	case workflow.ActionSkipNode:
		decision := Decision{Action: action, Attempt: total + 1, Strategy: strategy}
		if err := m.record(ctx, f, decision, workflow.RecoverySkipped, true); err != nil {
			return Decision{}, err
		}
		return decision, nil
	case workflow.ActionPauseForApproval:
		decision := Decision{Action: action, Attempt: total + 1, Strategy: strategy}
		if err := m.record(ctx, f, decision, workflow.RecoveryPaused, false); err != nil {
			return Decision{}, err
		}
		return decision, nil
	default:
		exhausted := &workflow.RecoveryExhaustedError{NodeID: f.NodeID, Attempts: retries, Err: f.Err}
		metrics.RecordRecovery(f.NodeType, string(workflow.ActionFailWorkflow))
		m.publish(ctx, events.NewEventBuilder(events.RecoveryExhausted).
			WithAggregateID(f.ExecutionID).
			WithAggregateType("execution").
			WithPayload("nodeId", f.NodeID).
			WithPayload("strategyId", strategy.ID).
			WithPayload("attempts", retries).
			WithPayload("error", message).
			Build())
		m.logger.Warn("Recovery exhausted",
			"executionId", f.ExecutionID,
			"nodeId", f.NodeID,
			"strategyId", strategy.ID,
			"attempts", retries,
		)
		return Decision{Action: workflow.ActionFailWorkflow, Strategy: strategy, Err: exhausted}, nil
	}
}

// RecordRetrySuccess credits the strategy whose retry let the node succeed.
func (m *Manager) RecordRetrySuccess(ctx context.Context, strategyID string) {
	if err := m.store.IncrementStrategyCounters(ctx, strategyID, 0, 1); err != nil {
		m.logger.Warn("Failed to update strategy counters", "strategyId", strategyID, "error", err)
	}
}

func (m *Manager) ListLogs(ctx context.Context, executionID string) ([]workflow.RecoveryLog, error) {
	return m.store.ListRecoveryLogs(ctx, executionID)
}

func (m *Manager) record(ctx context.Context, f Failure, d Decision, status workflow.RecoveryStatus, succeeded bool) error {
	entry := &workflow.RecoveryLog{
		ID:                 uuid.New().String(),
		ExecutionID:        f.ExecutionID,
		NodeID:             f.NodeID,
		AttemptNumber:      d.Attempt,
		StrategyID:         d.Strategy.ID,
		Actions:            []workflow.RecoveryAction{d.Action},
		Status:             status,
		Succeeded:          succeeded,
		ErrorMessage:       f.Err.Error(),
		DelayMillis:        d.Delay.Milliseconds(),
		SideEffectsApplied: f.SideEffectsApplied,
		DurationMillis:     f.Duration.Milliseconds(),
		CreatedAt:          m.clock.Now(),
	}
	if err := m.store.AppendRecoveryLog(ctx, entry); err != nil {
		return fmt.Errorf("append recovery log: %w", err)
	}
	if err := m.store.IncrementStrategyCounters(ctx, d.Strategy.ID, 1, 0); err != nil {
		m.logger.Warn("Failed to update strategy counters", "strategyId", d.Strategy.ID, "error", err)
	}

	metrics.RecordRecovery(f.NodeType, string(d.Action))
	m.publish(ctx, events.NewEventBuilder(events.RecoveryAttempted).
		WithAggregateID(f.ExecutionID).
		WithAggregateType("execution").
		WithPayload("nodeId", f.NodeID).
		WithPayload("strategyId", d.Strategy.ID).
		WithPayload("action", string(d.Action)).
		WithPayload("attempt", d.Attempt).
		WithPayload("delayMillis", entry.DelayMillis).
		WithPayload("sideEffectsApplied", f.SideEffectsApplied).
		Build())
	return nil
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.eventBus == nil {
		return
	}
	if err := m.eventBus.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
}
