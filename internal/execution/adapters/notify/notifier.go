// Package notify hands notification node requests to the delivery side over the event bus.
package notify

import (
	"context"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
)

// EventNotifier publishes one NotificationRequested event per notification.
// Delivery is owned by whoever consumes the topic.
type EventNotifier struct {
	bus events.EventBus
}

func NewEventNotifier(bus events.EventBus) *EventNotifier {
	return &EventNotifier{bus: bus}
}

func (n *EventNotifier) Notify(ctx context.Context, note nodes.Notification) error {
	recipients := make([]interface{}, len(note.Recipients))
	for i, r := range note.Recipients {
		recipients[i] = r
	}
	event := events.NewEventBuilder(events.NotificationRequested).
		WithAggregateID(note.ExecutionID).
		WithAggregateType("execution").
		WithPayload("nodeId", note.NodeID).
		WithPayload("channel", note.Channel).
		WithPayload("recipients", recipients).
		WithPayload("subject", note.Subject).
		WithPayload("message", note.Message).
		Build()
	if err := n.bus.Publish(ctx, event); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}
