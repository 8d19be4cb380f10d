// Package logging records the per-node execution log and fans it out to live subscribers.
package logging

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/ports"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

// Recorder appends execution logs with a per-execution sequence number.
type Recorder struct {
	mu          sync.Mutex
	store       ports.LogRepository
	clock       clock.Clock
	logger      logger.Logger
	sequences   map[string]int64
	subscribers map[string]map[int]chan workflow.ExecutionLog
	nextSub     int
	bufferSize  int
}

// LogFilter narrows List results. Zero values match everything.
type LogFilter struct {
	NodeID string
	Status workflow.NodeStatus
}

// NewRecorder builds a recorder. A nil clk means the wall clock.
func NewRecorder(store ports.LogRepository, clk clock.Clock, log logger.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{
		store:       store,
		clock:       clk,
		logger:      log,
		sequences:   make(map[string]int64),
		subscribers: make(map[string]map[int]chan workflow.ExecutionLog),
		bufferSize:  64,
	}
}

// Record assigns the next sequence number, persists the entry and streams it to subscribers.
func (r *Recorder) Record(ctx context.Context, entry *workflow.ExecutionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = r.clock.Now().UTC()
	}

	seq, err := r.nextSequence(ctx, entry.ExecutionID)
	if err != nil {
		return err
	}
	entry.Sequence = seq

	if err := r.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}

	r.logger.Debug("Node log recorded",
		"executionId", entry.ExecutionID,
		"nodeId", entry.NodeID,
		"status", entry.Status,
		"sequence", entry.Sequence,
	)

	r.broadcast(*entry)
	return nil
}

func (r *Recorder) nextSequence(ctx context.Context, executionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, ok := r.sequences[executionID]
	if !ok {
		last, err := r.store.LastLogSequence(ctx, executionID)
		if err != nil {
			return 0, fmt.Errorf("load log sequence: %w", err)
		}
		seq = last
	}
	seq++
	r.sequences[executionID] = seq
	return seq, nil
}

// List returns the execution's log in sequence order.
func (r *Recorder) List(ctx context.Context, executionID string, filter LogFilter) ([]workflow.ExecutionLog, error) {
	logs, err := r.store.ListLogs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if filter.NodeID == "" && filter.Status == "" {
		return logs, nil
	}
	out := make([]workflow.ExecutionLog, 0, len(logs))
	for _, l := range logs {
		if filter.NodeID != "" && l.NodeID != filter.NodeID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Subscribe streams entries recorded after the call. A slow reader loses entries rather than
// blocking the engine. The returned func releases the subscription.
func (r *Recorder) Subscribe(executionID string) (<-chan workflow.ExecutionLog, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan workflow.ExecutionLog, r.bufferSize)
	if r.subscribers[executionID] == nil {
		r.subscribers[executionID] = make(map[int]chan workflow.ExecutionLog)
	}
	r.subscribers[executionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if subs, ok := r.subscribers[executionID]; ok {
				if _, live := subs[id]; live {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(r.subscribers, executionID)
				}
			}
		})
	}
}

func (r *Recorder) broadcast(entry workflow.ExecutionLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers[entry.ExecutionID] {
		select {
		case ch <- entry:
		default:
			r.logger.Warn("Dropping log entry for slow subscriber", "executionId", entry.ExecutionID, "sequence", entry.Sequence)
		}
	}
}

// Close ends every live subscription for the execution and drops its cached sequence.
// Later writes reload the sequence from the store.
func (r *Recorder) Close(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sequences, executionID)
	for _, ch := range r.subscribers[executionID] {
		close(ch)
	}
	delete(r.subscribers, executionID)
}
