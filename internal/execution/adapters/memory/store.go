// Package memory holds in-process implementations of the engine's storage ports.
// They are used by tests and by the single-binary mode when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type Store struct {
	mu           sync.RWMutex
	definitions  map[string]*workflow.Definition
	executions   map[string]*workflow.Execution
	logs         map[string][]workflow.ExecutionLog
	checkpoints  map[string][]workflow.Checkpoint
	counters     map[string]int64
	strategies   map[string]*workflow.RecoveryStrategy
	recoveryLogs map[string][]workflow.RecoveryLog
	replays      map[string]*workflow.ReplaySession
}

func NewStore() *Store {
	return &Store{
		definitions:  make(map[string]*workflow.Definition),
		executions:   make(map[string]*workflow.Execution),
		logs:         make(map[string][]workflow.ExecutionLog),
		checkpoints:  make(map[string][]workflow.Checkpoint),
		counters:     make(map[string]int64),
		strategies:   make(map[string]*workflow.RecoveryStrategy),
		recoveryLogs: make(map[string][]workflow.RecoveryLog),
		replays:      make(map[string]*workflow.ReplaySession),
	}
}

func (s *Store) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *Store) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, workflow.ErrDefinitionNotFound
	}
	cp := *def
	return &cp, nil
}

func (s *Store) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		return workflow.ErrExecutionNotFound
	}
	exec.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, workflow.ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (s *Store) ListExecutionsByStatus(_ context.Context, statuses ...workflow.ExecutionStatus) ([]workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[workflow.ExecutionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []workflow.Execution
	for _, exec := range s.executions {
		if want[exec.Status] {
			out = append(out, *exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendLog(_ context.Context, log *workflow.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.logs[log.ExecutionID] {
		if existing.Sequence == log.Sequence {
			return fmt.Errorf("log sequence %d already used for execution %s", log.Sequence, log.ExecutionID)
		}
	}
	cp := *log
	cp.Input = workflow.CopyMap(log.Input)
	cp.Output = workflow.CopyMap(log.Output)
	s.logs[log.ExecutionID] = append(s.logs[log.ExecutionID], cp)
	return nil
}

func (s *Store) ListLogs(_ context.Context, executionID string) ([]workflow.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]workflow.ExecutionLog(nil), s.logs[executionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) LastLogSequence(_ context.Context, executionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, l := range s.logs[executionID] {
		if l.Sequence > max {
			max = l.Sequence
		}
	}
	return max, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.ExecutionID] {
		if existing.Sequence == cp.Sequence {
			return fmt.Errorf("checkpoint sequence %d already used for execution %s", cp.Sequence, cp.ExecutionID)
		}
	}
	s.checkpoints[cp.ExecutionID] = append(s.checkpoints[cp.ExecutionID], copyCheckpoint(cp))
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.checkpoints {
		for i := range list {
			if list[i].ID == id {
				cp := copyCheckpoint(&list[i])
				return &cp, nil
			}
		}
	}
	return nil, workflow.ErrCheckpointNotFound
}

func (s *Store) ListCheckpoints(_ context.Context, executionID string) ([]workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[executionID]
	out := make([]workflow.Checkpoint, 0, len(list))
	for i := range list {
		out = append(out, copyCheckpoint(&list[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) LatestCheckpoint(_ context.Context, executionID string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.Checkpoint
	list := s.checkpoints[executionID]
	for i := range list {
		if latest == nil || list[i].Sequence > latest.Sequence {
			latest = &list[i]
		}
	}
	if latest == nil {
		return nil, workflow.ErrCheckpointNotFound
	}
	cp := copyCheckpoint(latest)
	return &cp, nil
}

func (s *Store) NextCheckpointSequence(_ context.Context, executionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.counters[executionID]
	if !ok {
		for _, cp := range s.checkpoints[executionID] {
			if cp.Sequence > last {
				last = cp.Sequence
			}
		}
	}
	last++
	s.counters[executionID] = last
	return last, nil
}

func (s *Store) SetCheckpointExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.checkpoints {
		for i := range list {
			if list[i].ID == id {
				list[i].ExpiresAt = expiresAt
				return nil
			}
		}
	}
	return workflow.ErrCheckpointNotFound
}

func (s *Store) DeleteExpiredCheckpoints(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, list := range s.checkpoints {
		kept := list[:0]
		for _, cp := range list {
			if cp.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, cp)
		}
		s.checkpoints[id] = kept
	}
	return purged, nil
}

func (s *Store) SaveStrategy(_ context.Context, strategy *workflow.RecoveryStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *strategy
	cp.Actions = append([]workflow.RecoveryAction(nil), strategy.Actions...)
	s.strategies[strategy.ID] = &cp
	return nil
}

func (s *Store) ListStrategies(_ context.Context) ([]workflow.RecoveryStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.RecoveryStrategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		cp := *st
		cp.Actions = append([]workflow.RecoveryAction(nil), st.Actions...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) IncrementStrategyCounters(_ context.Context, id string, usage, success int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return workflow.ErrStrategyNotFound
	}
	st.UsageCount += usage
	st.SuccessCount += success
	return nil
}

func (s *Store) AppendRecoveryLog(_ context.Context, log *workflow.RecoveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recoveryLogs[log.ExecutionID] {
		if existing.NodeID == log.NodeID && existing.AttemptNumber == log.AttemptNumber {
			return fmt.Errorf("recovery attempt %d already recorded for node %s", log.AttemptNumber, log.NodeID)
		}
	}
	cp := *log
	cp.Actions = append([]workflow.RecoveryAction(nil), log.Actions...)
	s.recoveryLogs[log.ExecutionID] = append(s.recoveryLogs[log.ExecutionID], cp)
	return nil
}

func (s *Store) ListRecoveryLogs(_ context.Context, executionID string) ([]workflow.RecoveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]workflow.RecoveryLog(nil), s.recoveryLogs[executionID]...), nil
}

func (s *Store) RecoveryAttempts(_ context.Context, executionID, nodeID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var retries, total int
	for _, l := range s.recoveryLogs[executionID] {
		if l.NodeID != nodeID {
			continue
		}
		total++
		if l.Status == workflow.RecoveryRetrying {
			retries++
		}
	}
	return retries, total, nil
}

func (s *Store) SaveReplaySession(_ context.Context, session *workflow.ReplaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.replays[session.ID] = &cp
	return nil
}

func (s *Store) UpdateReplaySession(_ context.Context, session *workflow.ReplaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replays[session.ID]; !ok {
		return workflow.ErrReplayNotFound
	}
	cp := *session
	s.replays[session.ID] = &cp
	return nil
}

func (s *Store) GetReplaySession(_ context.Context, id string) (*workflow.ReplaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.replays[id]
	if !ok {
		return nil, workflow.ErrReplayNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *Store) GetReplaySessionByExecution(_ context.Context, executionID string) (*workflow.ReplaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.replays {
		if session.ReplayExecutionID == executionID {
			cp := *session
			return &cp, nil
		}
	}
	return nil, workflow.ErrReplayNotFound
}

func (s *Store) CountActiveReplays(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, session := range s.replays {
		if session.Status == workflow.ReplayPending || session.Status == workflow.ReplayRunning {
			n++
		}
	}
	return n, nil
}

func copyCheckpoint(cp *workflow.Checkpoint) workflow.Checkpoint {
	out := *cp
	out.Context = workflow.CopyMap(cp.Context)
	out.NodeOutputs = make(map[string]map[string]interface{}, len(cp.NodeOutputs))
	for k, v := range cp.NodeOutputs {
		out.NodeOutputs[k] = workflow.CopyMap(v)
	}
	out.CompletedNodes = append([]string(nil), cp.CompletedNodes...)
	out.SkippedNodes = append([]string(nil), cp.SkippedNodes...)
	out.Branches = copyStrings(cp.Branches)
	out.ParkedNodes = copyStrings(cp.ParkedNodes)
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
