package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrStrategyNotFound   = errors.New("recovery strategy not found")
	ErrReplayNotFound     = errors.New("replay session not found")
	ErrInvalidTransition  = errors.New("invalid execution state transition")
	ErrReplayDisabled     = errors.New("replay is disabled")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrWorkflowHasCycle   = errors.New("workflow contains a cycle")
	ErrNoStartNode        = errors.New("workflow has no start node")
	ErrDuplicateNodeID    = errors.New("duplicate node ID")
	ErrDanglingEdge       = errors.New("edge references unknown node")
	ErrEmptyWorkflow      = errors.New("workflow has no nodes")
	ErrInvalidStrategy    = errors.New("invalid recovery strategy")
)

// DefinitionError is a structural problem found by validation. Never retried.
type DefinitionError struct {
	Errors []string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Errors, "; "))
}

// UnresolvedReferenceError is raised when a templated reference names a missing context value.
type UnresolvedReferenceError struct {
	Expression string
	Path       string
	Reason     string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q at %q: %s", e.Expression, e.Path, e.Reason)
}

// NodeExecutionError is raised by a node processor during its own work.
// SideEffectsApplied reports whether an external effect happened before the failure.
type NodeExecutionError struct {
	NodeID             string
	NodeType           string
	Err                error
	SideEffectsApplied bool
}

func (e *NodeExecutionError) Error() string {
	return e.Err.Error()
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// NewNodeError wraps err for a processor that already performed an external effect.
func NewNodeError(err error, sideEffects bool) *NodeExecutionError {
	return &NodeExecutionError{Err: err, SideEffectsApplied: sideEffects}
}

type TimeoutError struct {
	Budget string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded its timeout of %s", e.Budget)
}

// RecoveryExhaustedError wraps the node failure that remained after every permitted retry.
type RecoveryExhaustedError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted for node %s after %d attempts: %v", e.NodeID, e.Attempts, e.Err)
}

func (e *RecoveryExhaustedError) Unwrap() error {
	return e.Err
}

type ReplayValidationError struct {
	Reason string
	Err    error
}

func (e *ReplayValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid replay: %s: %v", e.Reason, e.Err)
	}
	return "invalid replay: " + e.Reason
}

func (e *ReplayValidationError) Unwrap() error {
	return e.Err
}

// ErrorCode classifies a failure for storage on the execution record.
func ErrorCode(err error) string {
	var (
		timeout    *TimeoutError
		exhausted  *RecoveryExhaustedError
		unresolved *UnresolvedReferenceError
	)
	switch {
	case errors.As(err, &timeout):
		return ErrorCodeTimeout
	case errors.As(err, &exhausted):
		return ErrorCodeRecoveryExhausted
	case errors.As(err, &unresolved):
		return ErrorCodeUnresolvedReference
	default:
		return ErrorCodeNodeFailed
	}
}
