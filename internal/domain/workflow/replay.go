package workflow

import (
	"time"
)

type ReplayType string

const (
	ReplayExact          ReplayType = "exact"
	ReplayModifiedInputs ReplayType = "modified_inputs"
	ReplaySkipNodes      ReplayType = "skip_nodes"
	ReplayDebugStep      ReplayType = "debug_step"
)

func (t ReplayType) Valid() bool {
	switch t {
	case ReplayExact, ReplayModifiedInputs, ReplaySkipNodes, ReplayDebugStep:
		return true
	}
	return false
}

type ReplayStatus string

const (
	ReplayPending   ReplayStatus = "pending"
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
)

type ReplaySession struct {
	ID                 string                 `json:"id" gorm:"primaryKey"`
	SourceExecutionID  string                 `json:"sourceExecutionId" gorm:"index"`
	SourceCheckpointID string                 `json:"sourceCheckpointId"`
	Type               ReplayType             `json:"type"`
	ModifiedInputs     map[string]interface{} `json:"modifiedInputs,omitempty" gorm:"serializer:json"`
	ModifiedContext    map[string]interface{} `json:"modifiedContext,omitempty" gorm:"serializer:json"`
	SkipNodes          []string               `json:"skipNodes,omitempty" gorm:"serializer:json"`
	ReplayExecutionID  string                 `json:"replayExecutionId,omitempty" gorm:"index"`
	Status             ReplayStatus           `json:"status" gorm:"index"`
	ErrorMessage       string                 `json:"errorMessage,omitempty"`
	CreatedBy          string                 `json:"createdBy,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
}

func (ReplaySession) TableName() string { return "workflow_replay_sessions" }
