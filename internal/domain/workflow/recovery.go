package workflow

import (
	"fmt"
	"regexp"
	"time"
)

type RecoveryAction string

const (
	ActionRetryNode        RecoveryAction = "retry_node"
	ActionSkipNode         RecoveryAction = "skip_node"
	ActionFailWorkflow     RecoveryAction = "fail_workflow"
	ActionPauseForApproval RecoveryAction = "pause_for_approval"
)

func (a RecoveryAction) Valid() bool {
	switch a {
	case ActionRetryNode, ActionSkipNode, ActionFailWorkflow, ActionPauseForApproval:
		return true
	}
	return false
}

// RecoveryStrategy maps a failure (node type and error text) to retries and a terminal action.
// Empty NodeType or ErrorPattern match anything.
type RecoveryStrategy struct {
	ID                string           `json:"id" gorm:"primaryKey"`
	Name              string           `json:"name"`
	NodeType          string           `json:"nodeType,omitempty"`
	ErrorPattern      string           `json:"errorPattern,omitempty"`
	MaxRetryAttempts  int              `json:"maxRetryAttempts"`
	BaseDelay         time.Duration    `json:"baseDelay"`
	BackoffMultiplier float64          `json:"backoffMultiplier"`
	Actions           []RecoveryAction `json:"actions" gorm:"serializer:json"`
	Priority          int              `json:"priority"`
	Enabled           bool             `json:"enabled"`
	UsageCount        int64            `json:"usageCount"`
	SuccessCount      int64            `json:"successCount"`
	CreatedAt         time.Time        `json:"createdAt"`

	pattern *regexp.Regexp
}

func (RecoveryStrategy) TableName() string { return "workflow_recovery_strategies" }

// Validate checks the strategy and compiles its error pattern.
func (s *RecoveryStrategy) Validate() error {
	if s.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative, got %d", s.MaxRetryAttempts)
	}
	if s.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative, got %s", s.BaseDelay)
	}
	if s.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff multiplier must not be negative, got %v", s.BackoffMultiplier)
	}
	for _, a := range s.Actions {
		if !a.Valid() {
			return fmt.Errorf("unknown recovery action %q", a)
		}
	}
	if s.ErrorPattern != "" {
		re, err := regexp.Compile(s.ErrorPattern)
		if err != nil {
			return fmt.Errorf("invalid error pattern: %w", err)
		}
		s.pattern = re
	}
	return nil
}

func (s *RecoveryStrategy) Matches(nodeType, errMessage string) bool {
	if !s.Enabled {
		return false
	}
	if s.NodeType != "" && s.NodeType != nodeType {
		return false
	}
	if s.ErrorPattern == "" {
		return true
	}
	if s.pattern == nil {
		re, err := regexp.Compile(s.ErrorPattern)
		if err != nil {
			return false
		}
		s.pattern = re
	}
	return s.pattern.MatchString(errMessage)
}

// Retries reports whether the strategy permits re-dispatching the node at all.
func (s *RecoveryStrategy) Retries() bool {
	if len(s.Actions) == 0 {
		return s.MaxRetryAttempts > 0
	}
	for _, a := range s.Actions {
		if a == ActionRetryNode {
			return true
		}
	}
	return false
}

// TerminalAction is the first non-retry action, applied once retries are used up.
func (s *RecoveryStrategy) TerminalAction() RecoveryAction {
	for _, a := range s.Actions {
		if a != ActionRetryNode {
			return a
		}
	}
	return ActionFailWorkflow
}

type RecoveryStatus string

const (
	RecoveryRetrying RecoveryStatus = "retrying"
	RecoverySkipped  RecoveryStatus = "skipped"
	RecoveryPaused   RecoveryStatus = "paused"
)

// RecoveryLog is one append-only row per recovery attempt.
type RecoveryLog struct {
	ID                  string           `json:"id" gorm:"primaryKey"`
	ExecutionID         string           `json:"executionId" gorm:"uniqueIndex:idx_recovery_attempt"`
	NodeID              string           `json:"nodeId" gorm:"uniqueIndex:idx_recovery_attempt"`
	AttemptNumber       int              `json:"attemptNumber" gorm:"uniqueIndex:idx_recovery_attempt"`
	StrategyID          string           `json:"strategyId,omitempty"`
	Actions             []RecoveryAction `json:"actions" gorm:"serializer:json"`
	Status              RecoveryStatus   `json:"status"`
	Succeeded           bool             `json:"succeeded"`
	ErrorMessage        string           `json:"errorMessage"`
	DelayMillis         int64            `json:"delayMillis"`
	SideEffectsApplied  bool             `json:"sideEffectsApplied"`
	DurationMillis      int64            `json:"durationMillis"`
	FollowOnExecutionID string           `json:"followOnExecutionId,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
}

func (RecoveryLog) TableName() string { return "workflow_recovery_logs" }

// RecoveryConfiguration is the checkpoint, recovery and replay policy applied to an execution.
type RecoveryConfiguration struct {
	AutoCheckpoint       bool          `json:"autoCheckpoint"`
	CheckpointInterval   int           `json:"checkpointInterval"`
	CheckpointRetention  time.Duration `json:"checkpointRetention"`
	AutoRecovery         bool          `json:"autoRecovery"`
	MaxRecoveryAttempts  int           `json:"maxRecoveryAttempts"`
	ReplayEnabled        bool          `json:"replayEnabled"`
	MaxConcurrentReplays int           `json:"maxConcurrentReplays"`
	CleanupSchedule      string        `json:"cleanupSchedule"`
}

func DefaultRecoveryConfiguration() RecoveryConfiguration {
	return RecoveryConfiguration{
		AutoCheckpoint:       true,
		CheckpointInterval:   5,
		CheckpointRetention:  7 * 24 * time.Hour,
		AutoRecovery:         true,
		MaxRecoveryAttempts:  3,
		ReplayEnabled:        true,
		MaxConcurrentReplays: 5,
		CleanupSchedule:      "0 0 * * * *",
	}
}
