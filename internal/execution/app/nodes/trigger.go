package nodes

import (
	"context"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

// TriggerProcessor is the no-op entry point. Its output is the trigger payload.
type TriggerProcessor struct{}

func NewTriggerProcessor() *TriggerProcessor { return &TriggerProcessor{} }

func (p *TriggerProcessor) Type() string { return workflow.NodeTypeTrigger }

func (p *TriggerProcessor) Validate(map[string]interface{}) error { return nil }

func (p *TriggerProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	data, _ := req.Context[workflow.ContextTriggerData].(map[string]interface{})
	out := workflow.CopyMap(data)
	if out == nil {
		out = map[string]interface{}{}
	}
	return &Result{Output: out}, nil
}
