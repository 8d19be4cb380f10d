package nodes

import (
	"context"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

// External capabilities the built-in processors delegate to.

type AIRequest struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

type AIResponse struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

type AIClient interface {
	Complete(ctx context.Context, req AIRequest) (*AIResponse, error)
}

type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type HTTPClient interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

type RecordStore interface {
	CreateRecord(ctx context.Context, collection string, data map[string]interface{}) (map[string]interface{}, error)
	UpdateRecord(ctx context.Context, collection, id string, data map[string]interface{}) (map[string]interface{}, error)
	FindRecords(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error)
}

type Notification struct {
	ExecutionID string
	NodeID      string
	Channel     string
	Recipients  []string
	Subject     string
	Message     string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SubworkflowRunner runs a nested definition to completion as a child execution.
type SubworkflowRunner interface {
	RunSubworkflow(ctx context.Context, parentExecutionID string, def *workflow.Definition, trigger map[string]interface{}) (map[string]interface{}, error)
}
