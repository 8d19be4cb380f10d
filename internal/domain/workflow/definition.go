package workflow

import (
	"time"
)

// Built-in node types. Processors for other types may be registered at runtime.
const (
	NodeTypeTrigger      = "trigger"
	NodeTypeCondition    = "condition"
	NodeTypeAIPrompt     = "ai_prompt"
	NodeTypeHTTPRequest  = "http_request"
	NodeTypeRecordCreate = "record_create"
	NodeTypeRecordUpdate = "record_update"
	NodeTypeRecordFind   = "record_find"
	NodeTypeWait         = "wait"
	NodeTypeApproval     = "approval"
	NodeTypeNotification = "notification"
	NodeTypeForEach      = "for_each"
)

// Definition is an immutable workflow graph. A running execution never mutates it.
type Definition struct {
	ID             string                 `json:"id" gorm:"primaryKey"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Version        int                    `json:"version"`
	Nodes          []Node                 `json:"nodes" gorm:"serializer:json"`
	Edges          []Edge                 `json:"edges" gorm:"serializer:json"`
	TimeoutMinutes int                    `json:"timeoutMinutes"`
	OutputNodeID   string                 `json:"outputNodeId,omitempty"`
	Recovery       *RecoveryConfiguration `json:"recovery,omitempty" gorm:"serializer:json"`
	CreatedAt      time.Time              `json:"createdAt"`
}

func (Definition) TableName() string { return "workflow_definitions" }

type Node struct {
	ID        string                 `json:"id" mapstructure:"id"`
	Name      string                 `json:"name,omitempty" mapstructure:"name"`
	Type      string                 `json:"type" mapstructure:"type"`
	Config    map[string]interface{} `json:"config,omitempty" mapstructure:"config"`
	Milestone bool                   `json:"milestone,omitempty" mapstructure:"milestone"`
	Disabled  bool                   `json:"disabled,omitempty" mapstructure:"disabled"`
}

// Edge is a dependency from Source to Target. A non-empty Label makes the edge
// conditional on Source producing that branch label.
type Edge struct {
	Source string `json:"source" mapstructure:"source"`
	Target string `json:"target" mapstructure:"target"`
	Label  string `json:"label,omitempty" mapstructure:"label"`
}

func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// DisplayName prefers the human name and falls back to the id.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// ContextKey is the execution context key under which the node's output is stored.
func ContextKey(nodeID string) string {
	return "node_" + nodeID
}
