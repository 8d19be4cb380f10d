package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type NotificationConfig struct {
	Channel    string   `mapstructure:"channel"`
	Recipients []string `mapstructure:"recipients"`
	Subject    string   `mapstructure:"subject"`
	Message    string   `mapstructure:"message"`
}

type NotificationProcessor struct {
	notifier Notifier
}

func NewNotificationProcessor(n Notifier) *NotificationProcessor {
	return &NotificationProcessor{notifier: n}
}

func (p *NotificationProcessor) Type() string { return workflow.NodeTypeNotification }

func (p *NotificationProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "channel", "recipients", "message")
}

func (p *NotificationProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.notifier == nil {
		return nil, errors.New("no notifier configured")
	}
	var cfg NotificationConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Recipients) == 0 {
		return nil, errors.New("notification has no recipients")
	}
	err := p.notifier.Notify(ctx, Notification{
		ExecutionID: req.ExecutionID,
		NodeID:      req.Node.ID,
		Channel:     cfg.Channel,
		Recipients:  cfg.Recipients,
		Subject:     cfg.Subject,
		Message:     cfg.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("notify via %s: %w", cfg.Channel, err)
	}
	return &Result{
		Output:             output("channel", cfg.Channel, "recipients", cfg.Recipients, "sent", true),
		SideEffectsApplied: true,
	}, nil
}
