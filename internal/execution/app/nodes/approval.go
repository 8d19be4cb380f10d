package nodes

import (
	"context"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

const (
	BranchApproved = "approved"
	BranchRejected = "rejected"
)

type ApprovalConfig struct {
	Message   string   `mapstructure:"message"`
	Approvers []string `mapstructure:"approvers"`
}

// ApprovalProcessor suspends the whole execution until a decision arrives.
// The decision's "approved" flag selects the approved or rejected branch.
type ApprovalProcessor struct{}

func NewApprovalProcessor() *ApprovalProcessor { return &ApprovalProcessor{} }

func (p *ApprovalProcessor) Type() string { return workflow.NodeTypeApproval }

func (p *ApprovalProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "message")
}

func (p *ApprovalProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg ApprovalConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Result{Suspend: &Suspension{
		Reason: workflow.PauseApproval,
		Data:   output("message", cfg.Message, "approvers", cfg.Approvers),
	}}, nil
}

func (p *ApprovalProcessor) Resume(ctx context.Context, req *Request, decision map[string]interface{}) (*Result, error) {
	approved, _ := decision["approved"].(bool)
	branch := BranchRejected
	if approved {
		branch = BranchApproved
	}
	return &Result{
		Output: output(
			"approved", approved,
			"approver", decision["approver"],
			"comment", decision["comment"],
			"decision", workflow.CopyMap(decision),
		),
		Branch: branch,
	}, nil
}
