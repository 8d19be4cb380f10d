package workflow

import (
	"time"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCancelled
}

// IsSettled reports whether the execution is not currently being driven.
func (s ExecutionStatus) IsSettled() bool {
	return s.IsTerminal() || s == ExecutionPaused
}

// Well-known keys seeded into every execution context.
const (
	ContextTriggerData = "trigger_data"
	ContextTimestamp   = "timestamp"
	ContextExecutionID = "execution_id"
)

// Error codes stored on a failed execution.
const (
	ErrorCodeNodeFailed          = "NODE_FAILED"
	ErrorCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrorCodeTimeout             = "TIMEOUT"
	ErrorCodeRecoveryExhausted   = "RECOVERY_EXHAUSTED"
)

// Pause reasons.
const (
	PauseApproval  = "approval"
	PauseRecovery  = "recovery"
	PauseDebugStep = "debug_step"
)

type Execution struct {
	ID                string                 `json:"id" gorm:"primaryKey"`
	DefinitionID      string                 `json:"definitionId" gorm:"index"`
	Status            ExecutionStatus        `json:"status" gorm:"index"`
	TriggerData       map[string]interface{} `json:"triggerData" gorm:"serializer:json"`
	Context           map[string]interface{} `json:"context" gorm:"serializer:json"`
	FinalOutput       map[string]interface{} `json:"finalOutput,omitempty" gorm:"serializer:json"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	ErrorCode         string                 `json:"errorCode,omitempty"`
	FailedNodeID      string                 `json:"failedNodeId,omitempty"`
	RetryCount        int                    `json:"retryCount"`
	TimeoutMinutes    int                    `json:"timeoutMinutes"`
	TimeoutMillis     int64                  `json:"timeoutMillis"`
	ActiveMillis      int64                  `json:"activeMillis"`
	PauseReason       string                 `json:"pauseReason,omitempty"`
	PausedNodeID      string                 `json:"pausedNodeId,omitempty"`
	DebugStep         bool                   `json:"debugStep,omitempty"`
	ParentExecutionID string                 `json:"parentExecutionId,omitempty" gorm:"index"`
	ReplaySessionID   string                 `json:"replaySessionId,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	StartedAt         *time.Time             `json:"startedAt,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

func (Execution) TableName() string { return "workflow_executions" }

// Budget returns the wall-clock running time the execution may consume.
// Zero means unlimited.
func (e *Execution) Budget() time.Duration {
	if e.TimeoutMillis > 0 {
		return time.Duration(e.TimeoutMillis) * time.Millisecond
	}
	return time.Duration(e.TimeoutMinutes) * time.Minute
}

// Clone returns a copy safe to hand outside the owning goroutine. Maps are copied deeply.
func (e *Execution) Clone() *Execution {
	c := *e
	c.TriggerData = CopyMap(e.TriggerData)
	c.Context = CopyMap(e.Context)
	c.FinalOutput = CopyMap(e.FinalOutput)
	return &c
}

type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
)

// ExecutionLog is one append-only row per node execution attempt.
type ExecutionLog struct {
	ID                 string                 `json:"id" gorm:"primaryKey"`
	ExecutionID        string                 `json:"executionId" gorm:"uniqueIndex:idx_execution_log_seq"`
	Sequence           int64                  `json:"sequence" gorm:"uniqueIndex:idx_execution_log_seq"`
	NodeID             string                 `json:"nodeId"`
	NodeType           string                 `json:"nodeType"`
	NodeName           string                 `json:"nodeName"`
	Status             NodeStatus             `json:"status"`
	Attempt            int                    `json:"attempt"`
	Input              map[string]interface{} `json:"input,omitempty" gorm:"serializer:json"`
	Output             map[string]interface{} `json:"output,omitempty" gorm:"serializer:json"`
	Branch             string                 `json:"branch,omitempty"`
	Error              string                 `json:"error,omitempty"`
	SideEffectsApplied bool                   `json:"sideEffectsApplied,omitempty"`
	StartedAt          time.Time              `json:"startedAt"`
	DurationMillis     int64                  `json:"durationMillis"`
}

func (ExecutionLog) TableName() string { return "workflow_execution_logs" }

// CopyMap deep-copies nested maps and slices. Scalar leaves are shared.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
