package workflow

import (
	"time"
)

type CheckpointType string

const (
	CheckpointPeriodic   CheckpointType = "periodic"
	CheckpointMilestone  CheckpointType = "milestone"
	CheckpointPreFailure CheckpointType = "pre_failure"
)

// Checkpoint is a point-in-time snapshot of one execution's progress.
// CompletedNodes is ordered by completion.
type Checkpoint struct {
	ID             string                            `json:"id" gorm:"primaryKey"`
	ExecutionID    string                            `json:"executionId" gorm:"uniqueIndex:idx_checkpoint_seq"`
	Sequence       int64                             `json:"sequence" gorm:"uniqueIndex:idx_checkpoint_seq"`
	Type           CheckpointType                    `json:"type"`
	NodeID         string                            `json:"nodeId"`
	Context        map[string]interface{}            `json:"context" gorm:"serializer:json"`
	NodeOutputs    map[string]map[string]interface{} `json:"nodeOutputs" gorm:"serializer:json"`
	CompletedNodes []string                          `json:"completedNodes" gorm:"serializer:json"`
	SkippedNodes   []string                          `json:"skippedNodes" gorm:"serializer:json"`
	Branches       map[string]string                 `json:"branches" gorm:"serializer:json"`
	ParkedNodes    map[string]string                 `json:"parkedNodes,omitempty" gorm:"serializer:json"`
	Recoverable    bool                              `json:"recoverable"`
	SizeBytes      int64                             `json:"sizeBytes"`
	ExpiresAt      time.Time                         `json:"expiresAt" gorm:"index"`
	CreatedAt      time.Time                         `json:"createdAt"`
}

func (Checkpoint) TableName() string { return "workflow_checkpoints" }

// Pinned reports whether the checkpoint is exempt from expiry. Pause checkpoints
// stay pinned until the execution resumes.
func (c *Checkpoint) Pinned() bool {
	return c.ExpiresAt.IsZero()
}

func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Eligible reports whether the checkpoint may anchor a recovery or replay.
func (c *Checkpoint) Eligible(now time.Time) bool {
	return c.Recoverable && !c.Expired(now)
}

// CheckpointCounter holds the last sequence handed out for an execution. It
// outlives purged checkpoints so sequences never repeat.
type CheckpointCounter struct {
	ExecutionID  string `gorm:"primaryKey"`
	LastSequence int64
}

func (CheckpointCounter) TableName() string { return "workflow_checkpoint_counters" }
