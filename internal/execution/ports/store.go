package ports

import (
	"context"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type DefinitionRepository interface {
	SaveDefinition(ctx context.Context, def *workflow.Definition) error
	GetDefinition(ctx context.Context, id string) (*workflow.Definition, error)
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *workflow.Execution) error
	UpdateExecution(ctx context.Context, exec *workflow.Execution) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutionsByStatus(ctx context.Context, statuses ...workflow.ExecutionStatus) ([]workflow.Execution, error)
}

// LogRepository stores node execution logs. Rows are append-only.
type LogRepository interface {
	AppendLog(ctx context.Context, log *workflow.ExecutionLog) error
	ListLogs(ctx context.Context, executionID string) ([]workflow.ExecutionLog, error)
	LastLogSequence(ctx context.Context, executionID string) (int64, error)
}

type CheckpointRepository interface {
	SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*workflow.Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]workflow.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (*workflow.Checkpoint, error)
	// NextCheckpointSequence reserves the next sequence for the execution.
	// Purging checkpoints does not reset it.
	NextCheckpointSequence(ctx context.Context, executionID string) (int64, error)
	SetCheckpointExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteExpiredCheckpoints leaves pinned checkpoints alone.
	DeleteExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error)
}

// Leaser grants one engine instance at a time the right to drive an execution.
// Leases expire unless renewed, so a crashed instance releases its executions.
type Leaser interface {
	Acquire(ctx context.Context, executionID string, ttl time.Duration) (bool, error)
	// Renew extends a lease this instance holds. It reports false once the lease is lost.
	Renew(ctx context.Context, executionID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, executionID string) error
	// Held reports whether any instance holds the execution's lease.
	Held(ctx context.Context, executionID string) (bool, error)
}

type RecoveryRepository interface {
	SaveStrategy(ctx context.Context, s *workflow.RecoveryStrategy) error
	ListStrategies(ctx context.Context) ([]workflow.RecoveryStrategy, error)
	IncrementStrategyCounters(ctx context.Context, id string, usage, success int64) error
	AppendRecoveryLog(ctx context.Context, log *workflow.RecoveryLog) error
	ListRecoveryLogs(ctx context.Context, executionID string) ([]workflow.RecoveryLog, error)
	// RecoveryAttempts counts rows for one node: retries only, and all rows.
	RecoveryAttempts(ctx context.Context, executionID, nodeID string) (retries, total int, err error)
}

type ReplayRepository interface {
	SaveReplaySession(ctx context.Context, s *workflow.ReplaySession) error
	UpdateReplaySession(ctx context.Context, s *workflow.ReplaySession) error
	GetReplaySession(ctx context.Context, id string) (*workflow.ReplaySession, error)
	GetReplaySessionByExecution(ctx context.Context, executionID string) (*workflow.ReplaySession, error)
	CountActiveReplays(ctx context.Context) (int64, error)
}

// Store is the full durable store the engine runs against.
type Store interface {
	DefinitionRepository
	ExecutionRepository
	LogRepository
	CheckpointRepository
	RecoveryRepository
	ReplayRepository
}

// CheckpointCache keeps the latest checkpoint per execution close at hand.
type CheckpointCache interface {
	SetLatest(ctx context.Context, cp *workflow.Checkpoint) error
	GetLatest(ctx context.Context, executionID string) (*workflow.Checkpoint, error)
	Invalidate(ctx context.Context, executionID string) error
}
