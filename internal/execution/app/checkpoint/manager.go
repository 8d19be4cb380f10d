// Package checkpoint persists snapshots of execution progress and purges expired ones.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
)

// State is the part of a running execution a checkpoint captures.
type State struct {
	NodeID         string
	Context        map[string]interface{}
	NodeOutputs    map[string]map[string]interface{}
	CompletedNodes []string
	SkippedNodes   []string
	Branches       map[string]string
	ParkedNodes    map[string]string
	// Pinned exempts the checkpoint from expiry until Unpin.
	Pinned bool
}

type Manager struct {
	store    ports.CheckpointRepository
	cache    ports.CheckpointCache
	eventBus events.EventBus
	clock    clock.Clock
	logger   logger.Logger
}

// NewManager builds a manager. cache may be nil.
func NewManager(store ports.CheckpointRepository, cache ports.CheckpointCache, eventBus events.EventBus, clk clock.Clock, log logger.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:    store,
		cache:    cache,
		eventBus: eventBus,
		clock:    clk,
		logger:   log,
	}
}

// ShouldCheckpoint decides whether completing a node warrants a checkpoint.
// Milestone nodes always do. Otherwise auto-checkpointing must be on and
// sinceLast must have reached the configured interval.
func ShouldCheckpoint(cfg workflow.RecoveryConfiguration, sinceLast int, milestone bool) (workflow.CheckpointType, bool) {
	if milestone {
		return workflow.CheckpointMilestone, true
	}
	if cfg.AutoCheckpoint && cfg.CheckpointInterval > 0 && sinceLast >= cfg.CheckpointInterval {
		return workflow.CheckpointPeriodic, true
	}
	return "", false
}

// Save persists a checkpoint with the next sequence number for the execution.
func (m *Manager) Save(ctx context.Context, executionID string, typ workflow.CheckpointType, state State, cfg workflow.RecoveryConfiguration) (*workflow.Checkpoint, error) {
	seq, err := m.store.NextCheckpointSequence(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("reserve checkpoint sequence: %w", err)
	}

	now := m.clock.Now()
	cp := &workflow.Checkpoint{
		ID:             uuid.New().String(),
		ExecutionID:    executionID,
		Sequence:       seq,
		Type:           typ,
		NodeID:         state.NodeID,
		Context:        workflow.CopyMap(state.Context),
		NodeOutputs:    copyOutputs(state.NodeOutputs),
		CompletedNodes: append([]string{}, state.CompletedNodes...),
		SkippedNodes:   append([]string{}, state.SkippedNodes...),
		Branches:       copyStrings(state.Branches),
		ParkedNodes:    copyStrings(state.ParkedNodes),
		Recoverable:    true,
		CreatedAt:      now,
	}
	if cfg.CheckpointRetention > 0 && !state.Pinned {
		cp.ExpiresAt = now.Add(cfg.CheckpointRetention)
	}
	cp.SizeBytes = sizeOf(cp)

	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.SetLatest(ctx, cp); err != nil {
			m.logger.Warn("Failed to cache checkpoint", "executionId", executionID, "error", err)
		}
	}

	metrics.RecordCheckpoint(string(typ), cp.SizeBytes)
	m.publish(ctx, events.NewEventBuilder(events.CheckpointCreated).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("checkpointId", cp.ID).
		WithPayload("sequence", cp.Sequence).
		WithPayload("type", string(typ)).
		WithPayload("nodeId", cp.NodeID).
		Build())

	m.logger.Debug("Checkpoint saved",
		"executionId", executionID,
		"checkpointId", cp.ID,
		"sequence", seq,
		"type", typ,
		"sizeBytes", cp.SizeBytes,
	)
	return cp, nil
}

// Latest returns the newest checkpoint, from cache when possible.
func (m *Manager) Latest(ctx context.Context, executionID string) (*workflow.Checkpoint, error) {
	if m.cache != nil {
		cp, err := m.cache.GetLatest(ctx, executionID)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, workflow.ErrCheckpointNotFound) {
			m.logger.Warn("Checkpoint cache lookup failed", "executionId", executionID, "error", err)
		}
	}
	cp, err := m.store.LatestCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.SetLatest(ctx, cp); err != nil {
			m.logger.Warn("Failed to cache checkpoint", "executionId", executionID, "error", err)
		}
	}
	return cp, nil
}

// Unpin starts the retention window of a pinned checkpoint from now.
func (m *Manager) Unpin(ctx context.Context, cp *workflow.Checkpoint, cfg workflow.RecoveryConfiguration) error {
	if !cp.Pinned() || cfg.CheckpointRetention <= 0 {
		return nil
	}
	expiresAt := m.clock.Now().Add(cfg.CheckpointRetention)
	if err := m.store.SetCheckpointExpiry(ctx, cp.ID, expiresAt); err != nil {
		return fmt.Errorf("unpin checkpoint: %w", err)
	}
	cp.ExpiresAt = expiresAt
	if m.cache != nil {
		if latest, err := m.store.LatestCheckpoint(ctx, cp.ExecutionID); err == nil && latest.ID == cp.ID {
			if err := m.cache.SetLatest(ctx, cp); err != nil {
				m.logger.Warn("Failed to cache checkpoint", "executionId", cp.ExecutionID, "error", err)
			}
		}
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, checkpointID)
}

func (m *Manager) List(ctx context.Context, executionID string) ([]workflow.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, executionID)
}

// Purge deletes checkpoints whose expiry has passed.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	purged, err := m.store.DeleteExpiredCheckpoints(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.CheckpointsPurged.Add(float64(purged))
		m.publish(ctx, events.NewEventBuilder(events.CheckpointsPurged).
			WithPayload("count", purged).
			Build())
	}
	return purged, nil
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

func sizeOf(cp *workflow.Checkpoint) int64 {
	data, err := json.Marshal(struct {
		Context     map[string]interface{}            `json:"context"`
		NodeOutputs map[string]map[string]interface{} `json:"nodeOutputs"`
	}{cp.Context, cp.NodeOutputs})
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func copyOutputs(in map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = workflow.CopyMap(v)
	}
	return out
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
