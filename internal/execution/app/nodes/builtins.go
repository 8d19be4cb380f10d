package nodes

import (
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
)

// Dependencies are the collaborators the built-in processors delegate to.
// Nil collaborators make the matching node types fail at execution time.
type Dependencies struct {
	AI       AIClient
	HTTP     HTTPClient
	Records  RecordStore
	Notifier Notifier
	Clock    clock.Clock
}

// NewBuiltinRegistry returns a registry holding every built-in node type.
func NewBuiltinRegistry(deps Dependencies) *Registry {
	r := NewRegistry()
	r.MustRegister(
		NewTriggerProcessor(),
		NewConditionProcessor(),
		NewAIPromptProcessor(deps.AI),
		NewHTTPRequestProcessor(deps.HTTP),
		NewRecordCreateProcessor(deps.Records),
		NewRecordUpdateProcessor(deps.Records),
		NewRecordFindProcessor(deps.Records),
		NewWaitProcessor(deps.Clock),
		NewApprovalProcessor(),
		NewNotificationProcessor(deps.Notifier),
		NewForEachProcessor(r),
	)
	return r
}
