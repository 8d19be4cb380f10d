package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
)

type WaitConfig struct {
	DurationSeconds float64 `mapstructure:"duration_seconds"`
	Until           string  `mapstructure:"until"`
}

// WaitProcessor delays its own branch. It returns at once with a deadline and
// leaves the holding to the scheduler, so other branches keep running.
type WaitProcessor struct {
	clock clock.Clock
}

func NewWaitProcessor(c clock.Clock) *WaitProcessor {
	if c == nil {
		c = clock.Real()
	}
	return &WaitProcessor{clock: c}
}

func (p *WaitProcessor) Type() string { return workflow.NodeTypeWait }

func (p *WaitProcessor) Validate(config map[string]interface{}) error {
	_, hasDuration := config["duration_seconds"]
	_, hasUntil := config["until"]
	if !hasDuration && !hasUntil {
		return fmt.Errorf("duration_seconds or until is required")
	}
	return nil
}

func (p *WaitProcessor) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg WaitConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}

	delay := time.Duration(cfg.DurationSeconds * float64(time.Second))
	if cfg.Until != "" {
		deadline, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return nil, fmt.Errorf("invalid until %q: %w", cfg.Until, err)
		}
		delay = deadline.Sub(p.clock.Now())
	}
	if delay < 0 {
		delay = 0
	}

	start := p.clock.Now()
	resumeAt := start.Add(delay)
	return &Result{
		Output: output(
			"waited_seconds", delay.Seconds(),
			"started_at", start.Format(time.RFC3339Nano),
			"resume_at", resumeAt.Format(time.RFC3339Nano),
		),
		WaitUntil: resumeAt,
	}, nil
}
